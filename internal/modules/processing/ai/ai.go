// Package ai implements the generative backends that turn an image into a
// description and library-validated tags.
package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/mx-space/imagetag/internal/models"
	"github.com/mx-space/imagetag/internal/modules/taglib"
	"github.com/mx-space/imagetag/internal/pkg/metrics"
	"github.com/mx-space/imagetag/internal/pkg/retry"
	"go.uber.org/zap"
)

// ErrUnsupported is returned when a provider lacks an optional capability.
var ErrUnsupported = errors.New("operation not supported by this provider")

// Provider is the capability every backend offers.
type Provider interface {
	Identity() models.ProviderIdentity
	GenerateTags(ctx context.Context, req TagRequest) (*models.GenerationResult, error)
	ExplainTag(ctx context.Context, req ExplainRequest) (string, error)
}

// ImageGenerator is implemented by providers that can create images.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, prompt, aspectRatio string) (*GeneratedImage, error)
}

// Chatter is implemented by providers that hold free-form conversations.
type Chatter interface {
	Chat(ctx context.Context, history []ChatMessage, message string, image *ImageInput) (string, error)
}

// Deps are the collaborators shared by every provider.
type Deps struct {
	Normalizer *taglib.Normalizer
	Retry      retry.Policy
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
	HTTPClient *http.Client
}

func (d Deps) withDefaults() Deps {
	if d.Normalizer == nil {
		d.Normalizer = taglib.NewNormalizer(nil, d.Logger)
	}
	if d.Retry.MaxAttempts == 0 {
		d.Retry = retry.Default()
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.HTTPClient == nil {
		d.HTTPClient = http.DefaultClient
	}
	return d
}

// NewProvider builds the provider for cfg. Defaults for base URL and model
// are filled from the identity.
func NewProvider(cfg models.ProviderEndpointConfig, deps Deps) (Provider, error) {
	if !cfg.Identity.Valid() {
		return nil, fmt.Errorf("unknown provider %q", cfg.Identity)
	}
	cfg = cfg.WithDefaults()
	deps = deps.withDefaults()

	switch {
	case cfg.Identity.CloudNative():
		return newGemini(cfg, deps), nil
	case cfg.Identity == models.ProviderAnthropic:
		return newAnthropic(cfg, deps), nil
	case cfg.Identity.OpenAICompatible():
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("provider %s requires a base URL", cfg.Identity)
		}
		return newOpenAICompatible(cfg, deps), nil
	}
	return nil, fmt.Errorf("unsupported provider %q", cfg.Identity)
}
