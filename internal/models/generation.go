package models

import (
	"strings"
	"time"
)

// DescriptionStyle selects the tone of the generated description.
type DescriptionStyle string

const (
	StyleConcise   DescriptionStyle = "concise"
	StyleDetailed  DescriptionStyle = "detailed"
	StyleCreative  DescriptionStyle = "creative"
	StyleMarketing DescriptionStyle = "marketing"
)

// Valid reports whether s is a known style.
func (s DescriptionStyle) Valid() bool {
	switch s {
	case StyleConcise, StyleDetailed, StyleCreative, StyleMarketing:
		return true
	}
	return false
}

// WantsCreativeFields reports whether the style asks for title and copy.
func (s DescriptionStyle) WantsCreativeFields() bool {
	return s == StyleCreative || s == StyleMarketing
}

// TagLanguage selects which spelling of a library tag is returned.
type TagLanguage string

const (
	TagLanguageSource      TagLanguage = "en"
	TagLanguageSimplified  TagLanguage = "zh-CN"
	TagLanguageTraditional TagLanguage = "zh-TW"
)

// ParseTagLanguage accepts the canonical codes plus a few aliases.
func ParseTagLanguage(raw string) (TagLanguage, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "en", "original", "source", "":
		return TagLanguageSource, true
	case "zh-cn", "zh_cn", "zh-hans", "sc", "simplified":
		return TagLanguageSimplified, true
	case "zh-tw", "zh_tw", "zh-hant", "tc", "traditional":
		return TagLanguageTraditional, true
	}
	return "", false
}

// Column returns the multilingual dataset column holding this language.
func (l TagLanguage) Column() int {
	switch l {
	case TagLanguageSimplified:
		return 1
	case TagLanguageTraditional:
		return 2
	default:
		return 0
	}
}

const (
	DefaultTagCount = 20
	MaxTagCount     = 100
)

// GenerationSettings shape prompt construction and post-processing.
type GenerationSettings struct {
	TagCount         int              `json:"tag_count"         yaml:"tag_count"`
	DescriptionStyle DescriptionStyle `json:"description_style" yaml:"description_style"`
	TagLanguage      TagLanguage      `json:"tag_language"      yaml:"tag_language"`
	DeepReasoning    bool             `json:"deep_reasoning"    yaml:"deep_reasoning"`
}

// Normalize returns a copy with defaults applied and the tag count clamped.
func (s GenerationSettings) Normalize() GenerationSettings {
	if s.TagCount <= 0 {
		s.TagCount = DefaultTagCount
	}
	if s.TagCount > MaxTagCount {
		s.TagCount = MaxTagCount
	}
	if !s.DescriptionStyle.Valid() {
		s.DescriptionStyle = StyleDetailed
	}
	if lang, ok := ParseTagLanguage(string(s.TagLanguage)); ok {
		s.TagLanguage = lang
	} else {
		s.TagLanguage = TagLanguageSource
	}
	return s
}

// GeneratedTag is a tag with a 0-100 confidence score.
type GeneratedTag struct {
	Name  string `json:"name"`
	Score int    `json:"score"`
}

// GenerationResult is produced fresh for each successful generation.
type GenerationResult struct {
	Description   string         `json:"description"`
	Tags          []GeneratedTag `json:"tags"`
	Title         string         `json:"title,omitempty"`
	MarketingCopy string         `json:"marketing_copy,omitempty"`
}

// TagNames returns the tag names in order.
func (r *GenerationResult) TagNames() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.Tags))
	for _, t := range r.Tags {
		names = append(names, t.Name)
	}
	return names
}

// FailoverNotice records that a backup provider served a request.
type FailoverNotice struct {
	From   ProviderIdentity `json:"from"`
	To     ProviderIdentity `json:"to"`
	Reason string           `json:"reason"`
	At     time.Time        `json:"at"`
}
