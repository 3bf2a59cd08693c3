// Package orchestrator routes generation requests to the active provider
// and fails over to a configured backup once.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mx-space/imagetag/internal/config"
	"github.com/mx-space/imagetag/internal/models"
	"github.com/mx-space/imagetag/internal/modules/processing/ai"
	"github.com/mx-space/imagetag/internal/pkg/aierr"
	"github.com/mx-space/imagetag/internal/pkg/metrics"
	"go.uber.org/zap"
)

// ProviderFactory builds a provider from resolved endpoint settings.
type ProviderFactory func(cfg models.ProviderEndpointConfig) (ai.Provider, error)

// Request is one tagging job.
type Request struct {
	Image      []byte
	MimeType   string
	TagLibrary string
	Settings   models.GenerationSettings
	Pinned     []string
	Excluded   []string
}

// Outcome is a successful generation and who served it.
type Outcome struct {
	Result       *models.GenerationResult
	DidFailover  bool
	ServedBy     models.ProviderIdentity
	PrimaryError error
}

// Notice describes the failover, or nil when the primary served the request.
func (o *Outcome) Notice(from models.ProviderIdentity) *models.FailoverNotice {
	if o == nil || !o.DidFailover {
		return nil
	}
	return &models.FailoverNotice{
		From:   from,
		To:     o.ServedBy,
		Reason: aierr.UserMessage(o.PrimaryError),
		At:     time.Now(),
	}
}

// FailoverError is returned when both the primary and the backup failed.
type FailoverError struct {
	Primary    models.ProviderIdentity
	Backup     models.ProviderIdentity
	PrimaryErr error
	BackupErr  error
}

func (e *FailoverError) Error() string {
	return fmt.Sprintf("primary provider %s failed: %s; backup provider %s failed: %s",
		e.Primary, aierr.UserMessage(e.PrimaryErr), e.Backup, aierr.UserMessage(e.BackupErr))
}

func (e *FailoverError) Unwrap() []error { return []error{e.PrimaryErr, e.BackupErr} }

// Orchestrator is built from one configuration snapshot. Reconfiguration
// builds a new instance.
type Orchestrator struct {
	snapshot config.AIConfig
	factory  ProviderFactory
	logger   *zap.Logger
	metrics  *metrics.Metrics

	activeOnce sync.Once
	active     ai.Provider
	activeErr  error

	backupOnce sync.Once
	backup     ai.Provider
	backupErr  error
}

func New(snapshot config.AIConfig, factory ProviderFactory, logger *zap.Logger, m *metrics.Metrics) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		snapshot: snapshot,
		factory:  factory,
		logger:   logger.Named("orchestrator"),
		metrics:  m,
	}
}

// Identity is the active provider.
func (o *Orchestrator) Identity() models.ProviderIdentity { return o.snapshot.Provider }

// BackupIdentity returns the backup provider when failover is configured.
func (o *Orchestrator) BackupIdentity() (models.ProviderIdentity, bool) {
	ep, ok := o.snapshot.BackupEndpoint()
	return ep.Identity, ok
}

// Snapshot returns the configuration the orchestrator was built from.
func (o *Orchestrator) Snapshot() config.AIConfig { return o.snapshot }

func (o *Orchestrator) activeProvider() (ai.Provider, error) {
	o.activeOnce.Do(func() {
		o.active, o.activeErr = o.factory(o.snapshot.ActiveEndpoint())
		if o.activeErr != nil {
			o.activeErr = aierr.Wrap(aierr.KindBadRequest, string(o.snapshot.Provider), o.activeErr)
		}
	})
	return o.active, o.activeErr
}

func (o *Orchestrator) backupProvider(ep models.ProviderEndpointConfig) (ai.Provider, error) {
	o.backupOnce.Do(func() {
		o.backup, o.backupErr = o.factory(ep)
		if o.backupErr != nil {
			o.backupErr = aierr.Wrap(aierr.KindBadRequest, string(ep.Identity), o.backupErr)
		}
	})
	return o.backup, o.backupErr
}

// Generate tags an image, failing over to the backup once on any
// non-cancellation error.
func (o *Orchestrator) Generate(ctx context.Context, req Request) (*Outcome, error) {
	tagReq := ai.TagRequest{
		Image:      req.Image,
		MimeType:   req.MimeType,
		TagLibrary: req.TagLibrary,
		Settings:   req.Settings,
		Pinned:     req.Pinned,
		Excluded:   req.Excluded,
	}
	res, err := withFailover(ctx, o, "generate", func(ctx context.Context, p ai.Provider) (*models.GenerationResult, error) {
		return p.GenerateTags(ctx, tagReq)
	})
	if err != nil {
		return nil, err
	}
	return &Outcome{
		Result:       res.value,
		DidFailover:  res.didFailover,
		ServedBy:     res.servedBy,
		PrimaryError: res.primaryErr,
	}, nil
}

// Explanation is the result of ExplainTag.
type Explanation struct {
	Text         string
	DidFailover  bool
	ServedBy     models.ProviderIdentity
	PrimaryError error
}

// ExplainTag follows the same failover protocol as Generate.
func (o *Orchestrator) ExplainTag(ctx context.Context, req ai.ExplainRequest) (*Explanation, error) {
	res, err := withFailover(ctx, o, "explain", func(ctx context.Context, p ai.Provider) (string, error) {
		return p.ExplainTag(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return &Explanation{
		Text:         res.value,
		DidFailover:  res.didFailover,
		ServedBy:     res.servedBy,
		PrimaryError: res.primaryErr,
	}, nil
}

// GenerateImage uses the active provider only.
func (o *Orchestrator) GenerateImage(ctx context.Context, prompt, aspectRatio string) (*ai.GeneratedImage, error) {
	p, err := o.activeProvider()
	if err != nil {
		return nil, err
	}
	gen, ok := p.(ai.ImageGenerator)
	if !ok {
		return nil, fmt.Errorf("%s: image generation: %w", p.Identity(), ai.ErrUnsupported)
	}
	return gen.GenerateImage(ctx, prompt, aspectRatio)
}

// Chat uses the active provider only.
func (o *Orchestrator) Chat(ctx context.Context, history []ai.ChatMessage, message string, image *ai.ImageInput) (string, error) {
	p, err := o.activeProvider()
	if err != nil {
		return "", err
	}
	chatter, ok := p.(ai.Chatter)
	if !ok {
		return "", fmt.Errorf("%s: chat: %w", p.Identity(), ai.ErrUnsupported)
	}
	return chatter.Chat(ctx, history, message, image)
}

type served[T any] struct {
	value       T
	servedBy    models.ProviderIdentity
	didFailover bool
	primaryErr  error
}

func withFailover[T any](ctx context.Context, o *Orchestrator, op string, call func(context.Context, ai.Provider) (T, error)) (served[T], error) {
	var out served[T]
	primary := o.snapshot.Provider

	p, err := o.activeProvider()
	if err == nil {
		out.value, err = call(ctx, p)
	}
	if err == nil {
		out.servedBy = primary
		return out, nil
	}
	if !aierr.FailoverEligible(err) {
		return out, err
	}

	ep, ok := o.snapshot.BackupEndpoint()
	if !ok {
		return out, err
	}

	o.logger.Warn("primary provider failed, trying backup",
		zap.String("op", op),
		zap.String("primary", string(primary)),
		zap.String("backup", string(ep.Identity)),
		zap.String("kind", string(aierr.KindOf(err))),
		zap.Error(err),
	)

	bp, backupErr := o.backupProvider(ep)
	if backupErr == nil {
		out.value, backupErr = call(ctx, bp)
	}
	if backupErr == nil {
		o.metrics.ObserveFailover(string(primary), string(ep.Identity), "success")
		o.logger.Info("backup provider served request",
			zap.String("op", op),
			zap.String("backup", string(ep.Identity)),
		)
		out.servedBy = ep.Identity
		out.didFailover = true
		out.primaryErr = err
		return out, nil
	}
	if aierr.IsCancellation(backupErr) {
		return out, backupErr
	}

	o.metrics.ObserveFailover(string(primary), string(ep.Identity), "failure")
	o.logger.Error("backup provider failed",
		zap.String("op", op),
		zap.String("backup", string(ep.Identity)),
		zap.Error(backupErr),
	)
	return out, &FailoverError{
		Primary:    primary,
		Backup:     ep.Identity,
		PrimaryErr: err,
		BackupErr:  backupErr,
	}
}
