package ai

import (
	"context"
	"encoding/base64"
	"errors"
	neturl "net/url"
	"strings"

	"github.com/mx-space/imagetag/internal/models"
	"github.com/mx-space/imagetag/internal/pkg/aierr"
	openaiclient "github.com/openai/openai-go/v2"
	openaioption "github.com/openai/openai-go/v2/option"
)

// OpenAICompatible speaks the chat/completions contract. Hosted services
// and local inference servers differ only in base URL, key and model.
type OpenAICompatible struct {
	*engine

	cfg    models.ProviderEndpointConfig
	client openaiclient.Client
}

func newOpenAICompatible(cfg models.ProviderEndpointConfig, deps Deps) *OpenAICompatible {
	opts := []openaioption.RequestOption{
		openaioption.WithMaxRetries(0),
		openaioption.WithHTTPClient(deps.HTTPClient),
		openaioption.WithBaseURL(normalizeOpenAIBaseURL(cfg.BaseURL)),
	}
	apiKey := cfg.APIKey
	if apiKey == "" && cfg.Identity.SelfHosted() {
		// Local servers ignore the key but the SDK always sends the header.
		apiKey = "not-needed"
	}
	if apiKey != "" {
		opts = append(opts, openaioption.WithAPIKey(apiKey))
	}

	p := &OpenAICompatible{cfg: cfg, client: openaiclient.NewClient(opts...)}
	p.engine = newEngine(cfg.Identity, p, deps)
	return p
}

func (p *OpenAICompatible) complete(ctx context.Context, c completion) (string, error) {
	provider := string(p.cfg.Identity)
	if p.cfg.APIKey == "" && !p.cfg.Identity.SelfHosted() {
		return "", aierr.New(aierr.KindAuthentication, provider, "API key is not configured")
	}

	parts := make([]openaiclient.ChatCompletionContentPartUnionParam, 0, 2)
	parts = append(parts, openaiclient.TextContentPart(c.Prompt))
	if c.Image != nil && len(c.Image.Data) > 0 {
		parts = append(parts, openaiclient.ImageContentPart(openaiclient.ChatCompletionContentPartImageImageURLParam{
			URL: dataURL(c.Image),
		}))
	}

	messages := make([]openaiclient.ChatCompletionMessageParamUnion, 0, 2)
	if c.System != "" {
		messages = append(messages, openaiclient.SystemMessage(c.System))
	}
	messages = append(messages, openaiclient.UserMessage(parts))

	params := openaiclient.ChatCompletionNewParams{
		Model:    openaiclient.ChatModel(p.cfg.Model),
		Messages: messages,
	}
	if c.MaxTokens > 0 {
		params.MaxTokens = openaiclient.Int(int64(c.MaxTokens))
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", classifyOpenAIError(provider, p.cfg.BaseURL, err)
	}
	if len(resp.Choices) == 0 {
		return "", aierr.New(aierr.KindValidation, provider, "response has no choices")
	}
	choice := resp.Choices[0]
	if choice.FinishReason == "content_filter" {
		return "", aierr.New(aierr.KindContentSafety, provider, "response blocked by content filter")
	}
	if strings.TrimSpace(choice.Message.Content) == "" {
		if refusal := strings.TrimSpace(choice.Message.Refusal); refusal != "" {
			return "", aierr.New(aierr.KindContentSafety, provider, refusal)
		}
		return "", aierr.New(aierr.KindValidation, provider, "empty response")
	}
	return choice.Message.Content, nil
}

func classifyOpenAIError(provider, baseURL string, err error) error {
	if aierr.IsCancellation(err) {
		return err
	}
	var apiErr *openaiclient.Error
	if errors.As(err, &apiErr) {
		if apiErr.Code == "content_filter" || apiErr.Code == "content_policy_violation" {
			return &aierr.Error{
				Kind:       aierr.KindContentSafety,
				Provider:   provider,
				StatusCode: apiErr.StatusCode,
				Message:    apiErr.Message,
				Err:        err,
			}
		}
		return aierr.FromStatus(provider, apiErr.StatusCode, apiErr.Message, err)
	}
	if aierr.IsTransport(err) {
		return aierr.Network(provider, baseURL, err)
	}
	return aierr.Wrap(aierr.KindUnknown, provider, err)
}

// normalizeOpenAIBaseURL appends /v1 to a bare host; endpoints that already
// carry a path are left alone.
func normalizeOpenAIBaseURL(raw string) string {
	base := strings.TrimSpace(raw)
	if base == "" {
		return ""
	}
	parsed, err := neturl.Parse(base)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return strings.TrimRight(base, "/") + "/"
	}
	path := strings.TrimRight(parsed.Path, "/")
	if path == "" {
		path = "/v1"
	}
	parsed.Path = path + "/"
	return parsed.String()
}

func dataURL(image *ImageInput) string {
	return "data:" + imageMimeType(image) + ";base64," + base64.StdEncoding.EncodeToString(image.Data)
}
