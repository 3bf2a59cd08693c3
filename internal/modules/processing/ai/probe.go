package ai

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	anthropicclient "github.com/anthropics/anthropic-sdk-go"
	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/go-resty/resty/v2"
	"github.com/mx-space/imagetag/internal/models"
	"github.com/mx-space/imagetag/internal/pkg/aierr"
	openaiclient "github.com/openai/openai-go/v2"
	openaioption "github.com/openai/openai-go/v2/option"
	jetai "go.jetify.com/ai"
	jetapi "go.jetify.com/ai/api"
	jetanthropic "go.jetify.com/ai/provider/anthropic"
	jetopenai "go.jetify.com/ai/provider/openai"
	"go.uber.org/zap"
)

// DefaultProbeTimeout bounds connectivity checks. Generation itself has no
// timeout.
const DefaultProbeTimeout = 10 * time.Second

const anthropicAPIVersion = "2023-06-01"

// ProbeResult reports a successful connectivity check.
type ProbeResult struct {
	Provider models.ProviderIdentity `json:"provider"`
	Model    string                  `json:"model"`
	Latency  time.Duration           `json:"latency"`
	Reply    string                  `json:"reply,omitempty"`
}

// Prober checks provider connectivity and lists models.
type Prober struct {
	deps    Deps
	timeout time.Duration
	http    *resty.Client
	logger  *zap.Logger
}

// NewProber creates a Prober. timeout <= 0 uses DefaultProbeTimeout.
func NewProber(deps Deps, timeout time.Duration) *Prober {
	deps = deps.withDefaults()
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	return &Prober{
		deps:    deps,
		timeout: timeout,
		http:    resty.NewWithClient(deps.HTTPClient),
		logger:  deps.Logger.Named("probe"),
	}
}

// TestConnection performs a minimal round-trip. Self-hosted servers are
// checked by listing models; hosted services answer a one-word prompt.
func (p *Prober) TestConnection(ctx context.Context, cfg models.ProviderEndpointConfig) (*ProbeResult, error) {
	if !cfg.Identity.Valid() {
		return nil, fmt.Errorf("unknown provider %q", cfg.Identity)
	}
	cfg = cfg.WithDefaults()
	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	result := &ProbeResult{Provider: cfg.Identity, Model: cfg.Model}

	var err error
	switch {
	case cfg.Identity.SelfHosted():
		_, err = p.listOpenAIModels(ctx, cfg)
	case cfg.Identity.CloudNative():
		g := newGemini(cfg, p.deps)
		result.Reply, err = g.complete(ctx, completion{Prompt: "Say OK", MaxTokens: 16})
	default:
		result.Reply, err = p.sayOK(ctx, cfg)
	}
	result.Latency = time.Since(start)

	if err != nil {
		err = p.timeoutError(parent, cfg, err)
		p.logger.Warn("connection test failed",
			zap.String("provider", string(cfg.Identity)),
			zap.String("base_url", cfg.BaseURL),
			zap.Error(err),
		)
		return nil, err
	}
	result.Reply = strings.TrimSpace(result.Reply)
	p.logger.Info("connection test passed",
		zap.String("provider", string(cfg.Identity)),
		zap.Duration("latency", result.Latency),
	)
	return result, nil
}

// ListModels returns the models the provider exposes, de-duplicated and
// sorted by ID.
func (p *Prober) ListModels(ctx context.Context, cfg models.ProviderEndpointConfig) ([]ModelInfo, error) {
	if !cfg.Identity.Valid() {
		return nil, fmt.Errorf("unknown provider %q", cfg.Identity)
	}
	cfg = cfg.WithDefaults()
	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var (
		list []ModelInfo
		err  error
	)
	switch {
	case cfg.Identity.CloudNative():
		list, err = p.listGeminiModels(ctx, cfg)
	case cfg.Identity == models.ProviderAnthropic:
		list, err = p.listAnthropicModels(ctx, cfg)
	default:
		list, err = p.listOpenAIModels(ctx, cfg)
	}
	if err != nil {
		return nil, p.timeoutError(parent, cfg, err)
	}
	return dedupeModelInfos(list), nil
}

// timeoutError reports an expired probe deadline as a network failure. A
// cancelled parent context is passed through untouched.
func (p *Prober) timeoutError(parent context.Context, cfg models.ProviderEndpointConfig, err error) error {
	if parent.Err() != nil || !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	target := cfg.BaseURL
	if target == "" {
		target = string(cfg.Identity)
	}
	return aierr.New(aierr.KindNetwork, string(cfg.Identity),
		fmt.Sprintf("no answer from %s within %s; check that the server is running and the base URL is correct", target, p.timeout))
}

func (p *Prober) sayOK(ctx context.Context, cfg models.ProviderEndpointConfig) (string, error) {
	if cfg.APIKey == "" {
		return "", aierr.New(aierr.KindAuthentication, string(cfg.Identity), "API key is not configured")
	}
	model, err := p.buildLanguageModel(cfg)
	if err != nil {
		return "", err
	}
	resp, err := jetai.GenerateText(ctx,
		buildAIPromptMessages("", "Say OK"),
		jetai.WithModel(model),
		jetai.WithMaxOutputTokens(16),
	)
	if err != nil {
		if cfg.Identity == models.ProviderAnthropic {
			return "", classifyAnthropicError(string(cfg.Identity), cfg.BaseURL, err)
		}
		return "", classifyOpenAIError(string(cfg.Identity), cfg.BaseURL, err)
	}
	return extractTextFromAIResponse(string(cfg.Identity), resp)
}

func (p *Prober) buildLanguageModel(cfg models.ProviderEndpointConfig) (jetapi.LanguageModel, error) {
	if cfg.Identity == models.ProviderAnthropic {
		opts := []anthropicoption.RequestOption{
			anthropicoption.WithAPIKey(cfg.APIKey),
			anthropicoption.WithMaxRetries(0),
			anthropicoption.WithHTTPClient(p.deps.HTTPClient),
		}
		if cfg.BaseURL != "" {
			opts = append(opts, anthropicoption.WithBaseURL(cfg.BaseURL))
		}
		client := anthropicclient.NewClient(opts...)
		return jetanthropic.NewLanguageModel(cfg.Model, jetanthropic.WithClient(client)), nil
	}
	if !cfg.Identity.OpenAICompatible() {
		return nil, fmt.Errorf("provider %s has no language model adapter", cfg.Identity)
	}
	client := openaiclient.NewClient(
		openaioption.WithAPIKey(cfg.APIKey),
		openaioption.WithMaxRetries(0),
		openaioption.WithHTTPClient(p.deps.HTTPClient),
		openaioption.WithBaseURL(normalizeOpenAIBaseURL(cfg.BaseURL)),
	)
	return jetopenai.NewLanguageModel(cfg.Model, jetopenai.WithClient(client)), nil
}

func (p *Prober) listOpenAIModels(ctx context.Context, cfg models.ProviderEndpointConfig) ([]ModelInfo, error) {
	var payload struct {
		Data []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"data"`
	}
	req := p.http.R().SetContext(ctx).SetResult(&payload).SetHeader("Accept", "application/json")
	if cfg.APIKey != "" {
		req.SetAuthToken(cfg.APIKey)
	}
	endpoint := normalizeOpenAIBaseURL(cfg.BaseURL) + "models"
	resp, err := req.Get(endpoint)
	if err := restyError(cfg, resp, err); err != nil {
		return nil, err
	}

	out := make([]ModelInfo, 0, len(payload.Data))
	for _, item := range payload.Data {
		out = append(out, ModelInfo{ID: item.ID, Name: item.Name})
	}
	return out, nil
}

func (p *Prober) listAnthropicModels(ctx context.Context, cfg models.ProviderEndpointConfig) ([]ModelInfo, error) {
	if cfg.APIKey == "" {
		return nil, aierr.New(aierr.KindAuthentication, string(cfg.Identity), "API key is not configured")
	}
	var payload struct {
		Data []struct {
			ID          string `json:"id"`
			DisplayName string `json:"display_name"`
		} `json:"data"`
	}
	resp, err := p.http.R().
		SetContext(ctx).
		SetHeader("x-api-key", cfg.APIKey).
		SetHeader("anthropic-version", anthropicAPIVersion).
		SetHeader("Accept", "application/json").
		SetResult(&payload).
		Get(strings.TrimRight(cfg.BaseURL, "/") + "/v1/models")
	if err := restyError(cfg, resp, err); err != nil {
		return nil, err
	}

	out := make([]ModelInfo, 0, len(payload.Data))
	for _, item := range payload.Data {
		out = append(out, ModelInfo{ID: item.ID, Name: item.DisplayName})
	}
	return out, nil
}

func (p *Prober) listGeminiModels(ctx context.Context, cfg models.ProviderEndpointConfig) ([]ModelInfo, error) {
	g := newGemini(cfg, p.deps)
	client, err := g.genaiClient(ctx)
	if err != nil {
		return nil, err
	}
	var out []ModelInfo
	for m, err := range client.Models.All(ctx) {
		if err != nil {
			return nil, classifyGeminiError(string(cfg.Identity), cfg.BaseURL, err)
		}
		if m == nil || !supportsGenerateContent(m.SupportedActions) {
			continue
		}
		out = append(out, ModelInfo{
			ID:   strings.TrimPrefix(m.Name, "models/"),
			Name: m.DisplayName,
		})
	}
	return out, nil
}

func supportsGenerateContent(actions []string) bool {
	if len(actions) == 0 {
		return true
	}
	for _, a := range actions {
		if a == "generateContent" {
			return true
		}
	}
	return false
}

func restyError(cfg models.ProviderEndpointConfig, resp *resty.Response, err error) error {
	provider := string(cfg.Identity)
	if err != nil {
		if aierr.IsCancellation(err) {
			return err
		}
		return aierr.Network(provider, cfg.BaseURL, err)
	}
	if resp.IsError() {
		return aierr.FromStatus(provider, resp.StatusCode(), truncateText(strings.TrimSpace(resp.String()), 200), nil)
	}
	return nil
}

func buildAIPromptMessages(systemPrompt, prompt string) []jetapi.Message {
	messages := make([]jetapi.Message, 0, 2)
	if strings.TrimSpace(systemPrompt) != "" {
		messages = append(messages, &jetapi.SystemMessage{Content: systemPrompt})
	}
	messages = append(messages, &jetapi.UserMessage{Content: jetapi.ContentFromText(prompt)})
	return messages
}

func extractTextFromAIResponse(provider string, resp *jetapi.Response) (string, error) {
	if resp == nil {
		return "", aierr.New(aierr.KindValidation, provider, "empty response")
	}
	var full strings.Builder
	for _, block := range resp.Content {
		textBlock, ok := block.(*jetapi.TextBlock)
		if !ok || textBlock.Text == "" {
			continue
		}
		full.WriteString(textBlock.Text)
	}
	text := full.String()
	if strings.TrimSpace(text) == "" {
		return "", aierr.New(aierr.KindValidation, provider, "empty response")
	}
	return text, nil
}

func dedupeModelInfos(input []ModelInfo) []ModelInfo {
	out := make([]ModelInfo, 0, len(input))
	seen := make(map[string]struct{}, len(input))
	for _, item := range input {
		id := strings.TrimSpace(item.ID)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		name := strings.TrimSpace(item.Name)
		if name == "" {
			name = id
		}
		out = append(out, ModelInfo{ID: id, Name: name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
