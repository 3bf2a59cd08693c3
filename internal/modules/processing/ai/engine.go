package ai

import (
	"context"
	"strings"
	"time"

	"github.com/mx-space/imagetag/internal/models"
	"github.com/mx-space/imagetag/internal/modules/taglib"
	"github.com/mx-space/imagetag/internal/pkg/aierr"
	"github.com/mx-space/imagetag/internal/pkg/metrics"
	"github.com/mx-space/imagetag/internal/pkg/retry"
	"go.uber.org/zap"
)

const (
	tagMaxTokens     = 4096
	explainMaxTokens = 600
)

// engine carries the provider-independent half of tag generation: prompt
// construction, retry, parsing and normalization. Variants only supply the
// network round-trip.
type engine struct {
	id         models.ProviderIdentity
	backend    backend
	normalizer *taglib.Normalizer
	policy     retry.Policy
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

func newEngine(id models.ProviderIdentity, b backend, deps Deps) *engine {
	return &engine{
		id:         id,
		backend:    b,
		normalizer: deps.Normalizer,
		policy:     deps.Retry,
		logger:     deps.Logger.Named("provider").With(zap.String("provider", string(id))),
		metrics:    deps.Metrics,
	}
}

func (e *engine) Identity() models.ProviderIdentity { return e.id }

func (e *engine) GenerateTags(ctx context.Context, req TagRequest) (*models.GenerationResult, error) {
	if len(req.Image) == 0 {
		return nil, aierr.New(aierr.KindBadRequest, string(e.id), "image is empty")
	}
	settings := req.Settings.Normalize()
	system, prompt := buildTagPrompt(settings, req.TagLibrary, req.Pinned, req.Excluded)

	raw, err := e.call(ctx, "generate_tags", completion{
		System:    system,
		Prompt:    prompt,
		Image:     &ImageInput{Data: req.Image, MimeType: req.MimeType},
		MaxTokens: tagMaxTokens,
		JSON:      true,
		Deep:      settings.DeepReasoning,
	})
	if err != nil {
		return nil, err
	}

	result, err := parseGeneration(string(e.id), raw)
	if err != nil {
		e.logger.Warn("unparsable generation", zap.Error(err))
		return nil, err
	}

	tags := e.normalizer.Normalize(req.TagLibrary, result.Tags, settings.TagLanguage)
	result.Tags = e.applyFeedback(tags, req, settings.TagLanguage)
	return result, nil
}

// applyFeedback removes excluded tags and restores pinned tags the model
// dropped. Both lists go through the normalizer so spelling variants match.
func (e *engine) applyFeedback(tags []models.GeneratedTag, req TagRequest, lang models.TagLanguage) []models.GeneratedTag {
	if len(req.Pinned) == 0 && len(req.Excluded) == 0 {
		return tags
	}

	excluded := make(map[string]struct{})
	for _, t := range e.normalizer.Normalize(req.TagLibrary, asTags(req.Excluded, 0), lang) {
		excluded[t.Name] = struct{}{}
	}

	present := make(map[string]struct{}, len(tags))
	kept := make([]models.GeneratedTag, 0, len(tags))
	for _, t := range tags {
		if _, drop := excluded[t.Name]; drop {
			continue
		}
		present[t.Name] = struct{}{}
		kept = append(kept, t)
	}

	var missing []models.GeneratedTag
	for _, t := range e.normalizer.Normalize(req.TagLibrary, asTags(req.Pinned, 100), lang) {
		if _, ok := present[t.Name]; ok {
			continue
		}
		if _, drop := excluded[t.Name]; drop {
			continue
		}
		missing = append(missing, t)
	}
	return append(missing, kept...)
}

func (e *engine) ExplainTag(ctx context.Context, req ExplainRequest) (string, error) {
	if strings.TrimSpace(req.TagName) == "" {
		return "", aierr.New(aierr.KindBadRequest, string(e.id), "tag name is empty")
	}
	system, prompt := buildExplainPrompt(req)
	c := completion{System: system, Prompt: prompt, MaxTokens: explainMaxTokens}
	if len(req.Image) > 0 {
		c.Image = &ImageInput{Data: req.Image, MimeType: req.MimeType}
	}
	raw, err := e.call(ctx, "explain_tag", c)
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(raw)
	if text == "" {
		return "", aierr.New(aierr.KindValidation, string(e.id), "empty explanation")
	}
	return text, nil
}

// call runs one completion under the retry policy and records metrics.
func (e *engine) call(ctx context.Context, op string, c completion) (string, error) {
	start := time.Now()
	policy := e.policy
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		kind := string(aierr.KindOf(err))
		e.logger.Warn("provider call failed, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.String("kind", kind),
			zap.Error(err),
		)
		e.metrics.ObserveRetry(string(e.id), kind)
	}

	raw, stats, err := retry.DoWithStats(ctx, policy, func(ctx context.Context) (string, error) {
		return e.backend.complete(ctx, c)
	})

	outcome := "success"
	switch {
	case aierr.IsCancellation(err):
		outcome = "cancelled"
	case err != nil:
		outcome = string(aierr.KindOf(err))
	}
	e.metrics.ObserveProvider(string(e.id), outcome, time.Since(start))
	if err != nil && outcome != "cancelled" {
		e.logger.Error("provider call failed",
			zap.String("op", op),
			zap.Int("attempts", stats.Attempts),
			zap.Error(err),
		)
	} else {
		e.logger.Debug("provider call finished",
			zap.String("op", op),
			zap.Int("attempts", stats.Attempts),
			zap.String("outcome", outcome),
			zap.Duration("elapsed", time.Since(start)),
		)
	}
	return raw, err
}

func asTags(names []string, score int) []models.GeneratedTag {
	out := make([]models.GeneratedTag, 0, len(names))
	for _, n := range names {
		out = append(out, models.GeneratedTag{Name: n, Score: score})
	}
	return out
}
