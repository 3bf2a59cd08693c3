package ai

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"

	anthropicclient "github.com/anthropics/anthropic-sdk-go"
	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/mx-space/imagetag/internal/models"
	"github.com/mx-space/imagetag/internal/pkg/aierr"
)

// Anthropic talks to the Messages API with a base64 image block.
type Anthropic struct {
	*engine

	cfg    models.ProviderEndpointConfig
	client anthropicclient.Client
}

func newAnthropic(cfg models.ProviderEndpointConfig, deps Deps) *Anthropic {
	opts := []anthropicoption.RequestOption{
		anthropicoption.WithAPIKey(cfg.APIKey),
		anthropicoption.WithMaxRetries(0),
		anthropicoption.WithHTTPClient(deps.HTTPClient),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, anthropicoption.WithBaseURL(strings.TrimRight(cfg.BaseURL, "/")))
	}
	p := &Anthropic{cfg: cfg, client: anthropicclient.NewClient(opts...)}
	p.engine = newEngine(cfg.Identity, p, deps)
	return p
}

func (p *Anthropic) complete(ctx context.Context, c completion) (string, error) {
	provider := string(p.cfg.Identity)
	if p.cfg.APIKey == "" {
		return "", aierr.New(aierr.KindAuthentication, provider, "API key is not configured")
	}

	blocks := make([]anthropicclient.ContentBlockParamUnion, 0, 2)
	if c.Image != nil && len(c.Image.Data) > 0 {
		blocks = append(blocks, anthropicclient.NewImageBlockBase64(
			imageMimeType(c.Image),
			base64.StdEncoding.EncodeToString(c.Image.Data),
		))
	}
	blocks = append(blocks, anthropicclient.NewTextBlock(c.Prompt))

	maxTokens := int64(c.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = tagMaxTokens
	}
	params := anthropicclient.MessageNewParams{
		Model:     anthropicclient.Model(p.cfg.Model),
		MaxTokens: maxTokens,
		Messages:  []anthropicclient.MessageParam{anthropicclient.NewUserMessage(blocks...)},
	}
	if c.System != "" {
		params.System = []anthropicclient.TextBlockParam{{Text: c.System}}
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return "", classifyAnthropicError(provider, p.cfg.BaseURL, err)
	}
	if msg.StopReason == anthropicclient.StopReasonRefusal {
		return "", aierr.New(aierr.KindContentSafety, provider, "model refused the request")
	}

	var full strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			full.WriteString(block.Text)
		}
	}
	text := full.String()
	if strings.TrimSpace(text) == "" {
		return "", aierr.New(aierr.KindValidation, provider, "empty response")
	}
	return text, nil
}

func classifyAnthropicError(provider, baseURL string, err error) error {
	if aierr.IsCancellation(err) {
		return err
	}
	var apiErr *anthropicclient.Error
	if errors.As(err, &apiErr) {
		return aierr.FromStatus(provider, apiErr.StatusCode, "", err)
	}
	if aierr.IsTransport(err) {
		return aierr.Network(provider, baseURL, err)
	}
	return aierr.Wrap(aierr.KindUnknown, provider, err)
}
