package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/mx-space/imagetag/internal/models"
	"github.com/mx-space/imagetag/internal/pkg/aierr"
	"github.com/mx-space/imagetag/internal/pkg/retry"
	"google.golang.org/genai"
)

const (
	geminiDeepModel                = "gemini-2.5-pro"
	geminiImageModel               = "gemini-2.5-flash-image"
	geminiDeepThinkingBudget int32 = 24576
)

// Gemini is the cloud-native multimodal provider. It is the only provider
// with image generation and chat.
type Gemini struct {
	*engine

	cfg        models.ProviderEndpointConfig
	httpClient *http.Client

	mu     sync.Mutex
	client *genai.Client
}

func newGemini(cfg models.ProviderEndpointConfig, deps Deps) *Gemini {
	g := &Gemini{cfg: cfg, httpClient: deps.HTTPClient}
	g.engine = newEngine(cfg.Identity, g, deps)
	return g
}

func (g *Gemini) genaiClient(ctx context.Context) (*genai.Client, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.client != nil {
		return g.client, nil
	}
	if g.cfg.APIKey == "" {
		return nil, aierr.New(aierr.KindAuthentication, string(g.cfg.Identity), "API key is not configured")
	}
	cc := &genai.ClientConfig{
		APIKey:     g.cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: g.httpClient,
	}
	if g.cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: strings.TrimRight(g.cfg.BaseURL, "/") + "/"}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, aierr.Wrap(aierr.KindBadRequest, string(g.cfg.Identity), fmt.Errorf("create client: %w", err))
	}
	g.client = client
	return client, nil
}

func (g *Gemini) deepModel() string {
	if strings.Contains(g.cfg.Model, "pro") {
		return g.cfg.Model
	}
	return geminiDeepModel
}

func (g *Gemini) complete(ctx context.Context, c completion) (string, error) {
	client, err := g.genaiClient(ctx)
	if err != nil {
		return "", err
	}

	model := g.cfg.Model
	config := &genai.GenerateContentConfig{}
	if c.System != "" {
		config.SystemInstruction = genai.NewContentFromText(c.System, genai.RoleUser)
	}
	if c.JSON {
		config.ResponseMIMEType = "application/json"
	}
	if c.Deep {
		model = g.deepModel()
		config.ThinkingConfig = &genai.ThinkingConfig{ThinkingBudget: genai.Ptr(geminiDeepThinkingBudget)}
	}

	resp, err := client.Models.GenerateContent(ctx, model, []*genai.Content{userContent(c.Prompt, c.Image)}, config)
	if err != nil {
		return "", classifyGeminiError(string(g.cfg.Identity), g.cfg.BaseURL, err)
	}
	if err := geminiSafetyError(string(g.cfg.Identity), resp); err != nil {
		return "", err
	}
	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return "", aierr.New(aierr.KindValidation, string(g.cfg.Identity), "empty response")
	}
	return text, nil
}

// GenerateImage renders prompt with the image model.
func (g *Gemini) GenerateImage(ctx context.Context, prompt, aspectRatio string) (*GeneratedImage, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, aierr.New(aierr.KindBadRequest, string(g.cfg.Identity), "prompt is empty")
	}
	client, err := g.genaiClient(ctx)
	if err != nil {
		return nil, err
	}
	config := &genai.GenerateContentConfig{ResponseModalities: []string{"TEXT", "IMAGE"}}
	contents := []*genai.Content{genai.NewContentFromText(buildImagePrompt(prompt, aspectRatio), genai.RoleUser)}

	return retry.Do(ctx, g.policy, func(ctx context.Context) (*GeneratedImage, error) {
		resp, err := client.Models.GenerateContent(ctx, geminiImageModel, contents, config)
		if err != nil {
			return nil, classifyGeminiError(string(g.cfg.Identity), g.cfg.BaseURL, err)
		}
		if err := geminiSafetyError(string(g.cfg.Identity), resp); err != nil {
			return nil, err
		}
		out := &GeneratedImage{}
		for _, cand := range resp.Candidates {
			if cand == nil || cand.Content == nil {
				continue
			}
			for _, part := range cand.Content.Parts {
				if part == nil {
					continue
				}
				if part.InlineData != nil && len(part.InlineData.Data) > 0 && out.Data == nil {
					out.Data = part.InlineData.Data
					out.MimeType = part.InlineData.MIMEType
				} else if part.Text != "" {
					out.Text += part.Text
				}
			}
		}
		if out.Data == nil {
			return nil, aierr.New(aierr.KindValidation, string(g.cfg.Identity), "response contains no image")
		}
		return out, nil
	})
}

// Chat continues a conversation, optionally attaching an image to the new
// message.
func (g *Gemini) Chat(ctx context.Context, history []ChatMessage, message string, image *ImageInput) (string, error) {
	if strings.TrimSpace(message) == "" && image == nil {
		return "", aierr.New(aierr.KindBadRequest, string(g.cfg.Identity), "message is empty")
	}
	client, err := g.genaiClient(ctx)
	if err != nil {
		return "", err
	}

	contents := make([]*genai.Content, 0, len(history)+1)
	for _, m := range history {
		if strings.TrimSpace(m.Text) == "" {
			continue
		}
		role := genai.Role(genai.RoleUser)
		if m.Role == ChatRoleModel {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Text, role))
	}
	contents = append(contents, userContent(message, image))
	config := &genai.GenerateContentConfig{SystemInstruction: genai.NewContentFromText(chatSystemPrompt, genai.RoleUser)}

	return retry.Do(ctx, g.policy, func(ctx context.Context) (string, error) {
		resp, err := client.Models.GenerateContent(ctx, g.cfg.Model, contents, config)
		if err != nil {
			return "", classifyGeminiError(string(g.cfg.Identity), g.cfg.BaseURL, err)
		}
		if err := geminiSafetyError(string(g.cfg.Identity), resp); err != nil {
			return "", err
		}
		text := strings.TrimSpace(resp.Text())
		if text == "" {
			return "", aierr.New(aierr.KindValidation, string(g.cfg.Identity), "empty response")
		}
		return text, nil
	})
}

func userContent(text string, image *ImageInput) *genai.Content {
	parts := make([]*genai.Part, 0, 2)
	if image != nil && len(image.Data) > 0 {
		parts = append(parts, genai.NewPartFromBytes(image.Data, imageMimeType(image)))
	}
	if strings.TrimSpace(text) != "" {
		parts = append(parts, genai.NewPartFromText(text))
	}
	return genai.NewContentFromParts(parts, genai.RoleUser)
}

func classifyGeminiError(provider, baseURL string, err error) error {
	if aierr.IsCancellation(err) {
		return err
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return geminiAPIError(provider, apiErr, err)
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return geminiAPIError(provider, *apiErrPtr, err)
	}
	if aierr.IsTransport(err) {
		return aierr.Network(provider, baseURL, err)
	}
	return aierr.Wrap(aierr.KindUnknown, provider, err)
}

// geminiAPIError maps the API error. An invalid key is reported as a 400
// with reason API_KEY_INVALID in the structured details.
func geminiAPIError(provider string, apiErr genai.APIError, err error) error {
	for _, detail := range apiErr.Details {
		if reason, _ := detail["reason"].(string); reason == "API_KEY_INVALID" {
			return &aierr.Error{
				Kind:       aierr.KindAuthentication,
				Provider:   provider,
				StatusCode: apiErr.Code,
				Message:    apiErr.Message,
				Err:        err,
			}
		}
	}
	return aierr.FromStatus(provider, apiErr.Code, apiErr.Message, err)
}

func geminiSafetyError(provider string, resp *genai.GenerateContentResponse) error {
	if resp == nil {
		return aierr.New(aierr.KindValidation, provider, "empty response")
	}
	if fb := resp.PromptFeedback; fb != nil && fb.BlockReason != "" {
		msg := "request blocked: " + string(fb.BlockReason)
		if fb.BlockReasonMessage != "" {
			msg += " (" + fb.BlockReasonMessage + ")"
		}
		return aierr.New(aierr.KindContentSafety, provider, msg)
	}
	if len(resp.Candidates) > 0 && resp.Candidates[0] != nil {
		switch reason := resp.Candidates[0].FinishReason; reason {
		case genai.FinishReasonSafety,
			genai.FinishReasonProhibitedContent,
			genai.FinishReasonBlocklist,
			genai.FinishReasonImageSafety,
			genai.FinishReasonSPII:
			return aierr.New(aierr.KindContentSafety, provider, "response blocked: "+string(reason))
		}
	}
	return nil
}

func imageMimeType(image *ImageInput) string {
	if image == nil {
		return ""
	}
	if mt := strings.TrimSpace(image.MimeType); mt != "" {
		return mt
	}
	return http.DetectContentType(image.Data)
}
