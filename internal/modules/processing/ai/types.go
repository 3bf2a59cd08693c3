package ai

import (
	"context"

	"github.com/mx-space/imagetag/internal/models"
)

// TagRequest is the input of GenerateTags.
type TagRequest struct {
	Image      []byte
	MimeType   string
	TagLibrary string
	Settings   models.GenerationSettings
	Pinned     []string
	Excluded   []string
}

// ExplainRequest asks why a tag applies to an image.
type ExplainRequest struct {
	Image          []byte
	MimeType       string
	TagName        string
	TagDescription string
	Language       models.TagLanguage
}

// ImageInput is an inline image attachment.
type ImageInput struct {
	Data     []byte
	MimeType string
}

// GeneratedImage is the output of GenerateImage.
type GeneratedImage struct {
	Data     []byte `json:"-"`
	MimeType string `json:"mime_type"`
	Text     string `json:"text,omitempty"`
}

// ChatRole is the author of a chat turn.
type ChatRole string

const (
	ChatRoleUser  ChatRole = "user"
	ChatRoleModel ChatRole = "model"
)

// ChatMessage is one turn of a conversation.
type ChatMessage struct {
	Role ChatRole `json:"role"`
	Text string   `json:"text"`
}

// ModelInfo describes a model exposed by a provider.
type ModelInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// completion is a single prompt sent to a backend.
type completion struct {
	System    string
	Prompt    string
	Image     *ImageInput
	MaxTokens int
	JSON      bool
	Deep      bool
}

// backend performs one network round-trip and returns the raw text reply.
// Errors must already be categorized with aierr.
type backend interface {
	complete(ctx context.Context, c completion) (string, error)
}
