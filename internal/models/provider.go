package models

import "strings"

// ProviderIdentity names a backend kind. The set is closed.
type ProviderIdentity string

const (
	ProviderGemini     ProviderIdentity = "gemini"
	ProviderAnthropic  ProviderIdentity = "anthropic"
	ProviderOpenAI     ProviderIdentity = "openai"
	ProviderOpenRouter ProviderIdentity = "openrouter"
	ProviderQwen       ProviderIdentity = "qwen"
	ProviderOllama     ProviderIdentity = "ollama"
	ProviderLMStudio   ProviderIdentity = "lmstudio"
	ProviderCustom     ProviderIdentity = "custom"
)

// ProviderIdentities lists every known identity in display order.
var ProviderIdentities = []ProviderIdentity{
	ProviderGemini,
	ProviderOpenAI,
	ProviderAnthropic,
	ProviderOpenRouter,
	ProviderQwen,
	ProviderOllama,
	ProviderLMStudio,
	ProviderCustom,
}

type providerDefaults struct {
	baseURL    string
	model      string
	selfHosted bool
}

var defaultsByIdentity = map[ProviderIdentity]providerDefaults{
	ProviderGemini:     {model: "gemini-2.5-flash"},
	ProviderAnthropic:  {baseURL: "https://api.anthropic.com", model: "claude-haiku-4-5-20251001"},
	ProviderOpenAI:     {baseURL: "https://api.openai.com/v1", model: "gpt-4o-mini"},
	ProviderOpenRouter: {baseURL: "https://openrouter.ai/api/v1", model: "google/gemini-2.5-flash"},
	ProviderQwen:       {baseURL: "https://dashscope.aliyuncs.com/compatible-mode/v1", model: "qwen-vl-max"},
	ProviderOllama:     {baseURL: "http://localhost:11434/v1", model: "llava", selfHosted: true},
	ProviderLMStudio:   {baseURL: "http://localhost:1234/v1", model: "local-model", selfHosted: true},
	ProviderCustom:     {selfHosted: true},
}

// ParseProviderIdentity normalizes a configured provider name, accepting the
// common aliases. The second return value is false for unknown names.
func ParseProviderIdentity(raw string) (ProviderIdentity, bool) {
	value := strings.ToLower(strings.TrimSpace(raw))
	switch value {
	case "google", "google-gemini", "gemini-api":
		value = string(ProviderGemini)
	case "claude":
		value = string(ProviderAnthropic)
	case "openai-compatible", "openai_compatible", "compatible":
		value = string(ProviderCustom)
	case "lm-studio", "lm_studio":
		value = string(ProviderLMStudio)
	case "dashscope", "tongyi":
		value = string(ProviderQwen)
	}
	id := ProviderIdentity(value)
	if _, ok := defaultsByIdentity[id]; !ok {
		return "", false
	}
	return id, true
}

func (p ProviderIdentity) String() string { return string(p) }

// Valid reports whether p belongs to the known identity set.
func (p ProviderIdentity) Valid() bool {
	_, ok := defaultsByIdentity[p]
	return ok
}

// CloudNative reports whether p is the managed multimodal provider.
func (p ProviderIdentity) CloudNative() bool { return p == ProviderGemini }

// OpenAICompatible reports whether p speaks the chat/completions contract.
func (p ProviderIdentity) OpenAICompatible() bool {
	switch p {
	case ProviderOpenAI, ProviderOpenRouter, ProviderQwen, ProviderOllama, ProviderLMStudio, ProviderCustom:
		return true
	}
	return false
}

// SelfHosted reports whether p targets a user-run inference server. These
// require a base URL and accept an empty credential.
func (p ProviderIdentity) SelfHosted() bool { return defaultsByIdentity[p].selfHosted }

// DefaultBaseURL returns the endpoint used when none is configured.
func (p ProviderIdentity) DefaultBaseURL() string { return defaultsByIdentity[p].baseURL }

// DefaultModel returns the model used when none is configured.
func (p ProviderIdentity) DefaultModel() string { return defaultsByIdentity[p].model }

// ProviderEndpointConfig is a read-only view of one provider's settings.
type ProviderEndpointConfig struct {
	Identity ProviderIdentity `json:"identity" yaml:"identity"`
	APIKey   string           `json:"-"        yaml:"api_key"`
	BaseURL  string           `json:"base_url" yaml:"base_url"`
	Model    string           `json:"model"    yaml:"model"`
}

// WithDefaults fills the base URL and model from the identity defaults.
func (c ProviderEndpointConfig) WithDefaults() ProviderEndpointConfig {
	c.APIKey = strings.TrimSpace(c.APIKey)
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	c.Model = strings.TrimSpace(c.Model)
	if c.BaseURL == "" {
		c.BaseURL = c.Identity.DefaultBaseURL()
	}
	if c.Model == "" {
		c.Model = c.Identity.DefaultModel()
	}
	return c
}
