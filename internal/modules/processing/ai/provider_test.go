package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/mx-space/imagetag/internal/models"
	"github.com/mx-space/imagetag/internal/pkg/aierr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chatCompletionBody(content, finish string) map[string]any {
	return map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion",
		"created": 0,
		"model":   "test-model",
		"choices": []map[string]any{{
			"index":         0,
			"finish_reason": finish,
			"message":       map[string]any{"role": "assistant", "content": content},
		}},
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func newTestProvider(t *testing.T, cfg models.ProviderEndpointConfig) Provider {
	t.Helper()
	p, err := NewProvider(cfg, Deps{Retry: instantPolicy()})
	require.NoError(t, err)
	return p
}

func TestOpenAICompatibleGenerateTags(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		if hits.Add(1) < 3 {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": map[string]any{"message": "overloaded"}})
			return
		}
		var body struct {
			Model    string            `json:"model"`
			Messages []json.RawMessage `json:"messages"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "gpt-test", body.Model)
		assert.Len(t, body.Messages, 2)
		writeJSON(w, http.StatusOK, chatCompletionBody(`{"description":"Hills at dusk.","tags":[{"name":"landscape","score":92}]}`, "stop"))
	}))
	defer srv.Close()

	p := newTestProvider(t, models.ProviderEndpointConfig{
		Identity: models.ProviderOpenAI,
		APIKey:   "sk-test",
		BaseURL:  srv.URL,
		Model:    "gpt-test",
	})
	req := tagRequest()
	req.Settings.TagLanguage = models.TagLanguageSource

	result, err := p.GenerateTags(context.Background(), req)
	require.NoError(t, err)
	assert.EqualValues(t, 3, hits.Load())
	assert.Equal(t, "Hills at dusk.", result.Description)
	assert.Equal(t, []models.GeneratedTag{{Name: "landscape", Score: 92}}, result.Tags)
}

func TestOpenAICompatibleErrorKinds(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   any
		kind   aierr.Kind
		calls  int32
	}{
		{"unauthorized", http.StatusUnauthorized, map[string]any{"error": map[string]any{"message": "bad key", "code": "invalid_api_key"}}, aierr.KindAuthentication, 1},
		{"bad request", http.StatusBadRequest, map[string]any{"error": map[string]any{"message": "model not found"}}, aierr.KindBadRequest, 1},
		{"rate limited", http.StatusTooManyRequests, map[string]any{"error": map[string]any{"message": "slow"}}, aierr.KindRateLimit, 4},
		{"content filter", http.StatusOK, chatCompletionBody("", "content_filter"), aierr.KindContentSafety, 1},
		{"empty reply", http.StatusOK, chatCompletionBody("", "stop"), aierr.KindValidation, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var hits atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				hits.Add(1)
				writeJSON(w, tt.status, tt.body)
			}))
			defer srv.Close()

			p := newTestProvider(t, models.ProviderEndpointConfig{
				Identity: models.ProviderOpenRouter,
				APIKey:   "sk-test",
				BaseURL:  srv.URL + "/api/v1",
			})
			_, err := p.GenerateTags(context.Background(), tagRequest())
			require.Error(t, err)
			assert.Equal(t, tt.kind, aierr.KindOf(err))
			assert.Equal(t, tt.calls, hits.Load())
		})
	}
}

func TestOpenAICompatibleHostedRequiresKey(t *testing.T) {
	p := newTestProvider(t, models.ProviderEndpointConfig{Identity: models.ProviderOpenAI})
	_, err := p.GenerateTags(context.Background(), tagRequest())
	assert.True(t, aierr.Is(err, aierr.KindAuthentication))
}

func TestSelfHostedNeedsNoKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, chatCompletionBody(`{"description":"d","tags":["portrait"]}`, "stop"))
	}))
	defer srv.Close()

	p := newTestProvider(t, models.ProviderEndpointConfig{Identity: models.ProviderOllama, BaseURL: srv.URL})
	result, err := p.GenerateTags(context.Background(), tagRequest())
	require.NoError(t, err)
	assert.Equal(t, []string{"肖像"}, result.TagNames())
}

func TestSelfHostedUnreachableIsNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	p := newTestProvider(t, models.ProviderEndpointConfig{Identity: models.ProviderLMStudio, BaseURL: url})
	_, err := p.GenerateTags(context.Background(), tagRequest())
	require.Error(t, err)
	assert.Equal(t, aierr.KindNetwork, aierr.KindOf(err))
	assert.Contains(t, aierr.UserMessage(err), "base URL")
}

func TestAnthropicGenerateTags(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "sk-ant", r.Header.Get("X-Api-Key"))
		writeJSON(w, http.StatusOK, map[string]any{
			"id":          "msg_1",
			"type":        "message",
			"role":        "assistant",
			"model":       "claude-test",
			"stop_reason": "end_turn",
			"content":     []map[string]any{{"type": "text", "text": `{"description":"d","tags":["Action"]}`}},
			"usage":       map[string]any{"input_tokens": 1, "output_tokens": 1},
		})
	}))
	defer srv.Close()

	p := newTestProvider(t, models.ProviderEndpointConfig{
		Identity: models.ProviderAnthropic,
		APIKey:   "sk-ant",
		BaseURL:  srv.URL,
	})
	result, err := p.GenerateTags(context.Background(), tagRequest())
	require.NoError(t, err)
	assert.Equal(t, []string{"動作"}, result.TagNames())
}

func TestNewProviderCapabilities(t *testing.T) {
	gemini := newTestProvider(t, models.ProviderEndpointConfig{Identity: models.ProviderGemini, APIKey: "k"})
	_, ok := gemini.(ImageGenerator)
	assert.True(t, ok)
	_, ok = gemini.(Chatter)
	assert.True(t, ok)

	openai := newTestProvider(t, models.ProviderEndpointConfig{Identity: models.ProviderOpenAI, APIKey: "k"})
	_, ok = openai.(ImageGenerator)
	assert.False(t, ok)

	_, err := NewProvider(models.ProviderEndpointConfig{Identity: models.ProviderCustom}, Deps{})
	assert.Error(t, err, "custom endpoints need a base URL")

	_, err = NewProvider(models.ProviderEndpointConfig{Identity: "bogus"}, Deps{})
	assert.Error(t, err)
}

func TestNormalizeOpenAIBaseURL(t *testing.T) {
	tests := map[string]string{
		"":                              "",
		"http://localhost:11434":        "http://localhost:11434/v1/",
		"http://localhost:11434/v1":     "http://localhost:11434/v1/",
		"https://openrouter.ai/api/v1/": "https://openrouter.ai/api/v1/",
		"https://example.com/compat":    "https://example.com/compat/",
	}
	for in, want := range tests {
		assert.Equal(t, want, normalizeOpenAIBaseURL(in), in)
	}
}
