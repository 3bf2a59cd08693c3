package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mx-space/imagetag/internal/models"
	"github.com/mx-space/imagetag/internal/modules/processing/orchestrator"
	"github.com/mx-space/imagetag/internal/pkg/aierr"
	"github.com/mx-space/imagetag/internal/pkg/batchstore"
	"github.com/mx-space/imagetag/internal/pkg/imageprep"
	"github.com/mx-space/imagetag/internal/pkg/metrics"
	"go.uber.org/zap"
)

// ErrBatchRunning is returned when a batch operation needs the runner idle.
var ErrBatchRunning = errors.New("batch is already running")

// BatchEvent is published on every item change and once per finished run.
type BatchEvent struct {
	Item    *models.BatchItem   `json:"item,omitempty"`
	Report  *models.BatchReport `json:"report,omitempty"`
	Running bool                `json:"running"`
}

// BatchOptions configures a BatchController.
type BatchOptions struct {
	Loader        ImageLoader
	Library       TagLibrary
	Store         batchstore.Store
	Image         imageprep.Options
	Logger        *zap.Logger
	Metrics       *metrics.Metrics
	OnItemSuccess func(models.BatchItem)
	OnReport      func(models.BatchReport)
}

// BatchController processes a collection of images strictly one after
// another. Items are persisted to the store after every change.
type BatchController struct {
	opts   BatchOptions
	logger *zap.Logger

	mu      sync.Mutex
	gen     Generator
	items   []models.BatchItem
	running bool
	cancel  context.CancelFunc
	subs    map[int]func(BatchEvent)
	nextSub int
}

// NewBatchController creates an empty controller. A nil store keeps items
// in memory only.
func NewBatchController(gen Generator, opts BatchOptions) *BatchController {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Store == nil {
		opts.Store = batchstore.NewMemoryStore()
	}
	return &BatchController{
		opts:   opts,
		logger: opts.Logger.Named("batch"),
		gen:    gen,
		subs:   make(map[int]func(BatchEvent)),
	}
}

// SetGenerator swaps the orchestrator. A run in progress keeps the one it
// started with.
func (b *BatchController) SetGenerator(gen Generator) {
	b.mu.Lock()
	b.gen = gen
	b.mu.Unlock()
}

// Restore loads the persisted collection. Items a crashed run left in
// processing are picked up again by the next Run.
func (b *BatchController) Restore(ctx context.Context) error {
	items, err := b.opts.Store.List(ctx)
	if err != nil {
		return fmt.Errorf("restore batch: %w", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return ErrBatchRunning
	}
	b.items = items
	return nil
}

// Add replaces the whole collection with one pending item per source.
func (b *BatchController) Add(ctx context.Context, sources []string) ([]models.BatchItem, error) {
	now := time.Now()
	items := make([]models.BatchItem, 0, len(sources))
	for _, src := range sources {
		src = strings.TrimSpace(src)
		if src == "" {
			continue
		}
		items = append(items, models.BatchItem{
			ID:        uuid.NewString(),
			Source:    src,
			Status:    models.BatchPending,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}

	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return nil, ErrBatchRunning
	}
	b.items = items
	b.mu.Unlock()

	if err := b.opts.Store.Replace(ctx, items); err != nil {
		b.logger.Warn("persist batch failed", zap.Error(err))
	}
	out := make([]models.BatchItem, len(items))
	copy(out, items)
	return out, nil
}

// Items returns a copy of the collection.
func (b *BatchController) Items() []models.BatchItem {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]models.BatchItem, len(b.items))
	copy(out, b.items)
	return out
}

// Running reports whether a run is in progress.
func (b *BatchController) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

// Subscribe registers fn for item updates and reports.
func (b *BatchController) Subscribe(fn func(BatchEvent)) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	b.subs[id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Stop cancels the run in progress. Items already completed keep their
// results.
func (b *BatchController) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		b.cancel()
	}
}

// Run processes the collection and blocks until it finishes or is stopped.
// A stop while an item is in flight returns context.Canceled without a
// report.
func (b *BatchController) Run(ctx context.Context, settings models.GenerationSettings) (models.BatchReport, error) {
	runCtx, gen, library, err := b.begin(ctx)
	if err != nil {
		return models.BatchReport{}, err
	}
	return b.execute(runCtx, gen, library, settings)
}

// Start is Run in a background goroutine. Refusals are reported
// synchronously.
func (b *BatchController) Start(ctx context.Context, settings models.GenerationSettings) error {
	runCtx, gen, library, err := b.begin(ctx)
	if err != nil {
		return err
	}
	go func() {
		if _, err := b.execute(runCtx, gen, library, settings); err != nil && !aierr.IsCancellation(err) {
			b.logger.Error("batch run failed", zap.Error(err))
		}
	}()
	return nil
}

func (b *BatchController) begin(ctx context.Context) (context.Context, Generator, string, error) {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return nil, nil, "", ErrBatchRunning
	}
	gen := b.gen
	if gen == nil {
		b.mu.Unlock()
		return nil, nil, "", errors.New("no provider is configured")
	}
	b.running = true
	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.mu.Unlock()

	var library string
	err := ErrNoTagLibrary
	if b.opts.Library != nil {
		library, err = b.opts.Library.Text(runCtx)
	}
	if err != nil {
		b.end()
		if !errors.Is(err, ErrNoTagLibrary) {
			err = fmt.Errorf("%w: %w", ErrNoTagLibrary, err)
		}
		return nil, nil, "", err
	}
	b.opts.Metrics.SetBatchRunning(true)
	return runCtx, gen, library, nil
}

func (b *BatchController) end() {
	b.mu.Lock()
	if b.cancel != nil {
		b.cancel()
		b.cancel = nil
	}
	b.running = false
	b.mu.Unlock()
	b.opts.Metrics.SetBatchRunning(false)
}

func (b *BatchController) execute(ctx context.Context, gen Generator, library string, settings models.GenerationSettings) (models.BatchReport, error) {
	defer b.end()
	b.resetInterrupted(ctx)

	total := len(b.Items())
	report := models.BatchReport{Total: total}
	b.logger.Info("batch started", zap.Int("items", total), zap.String("provider", string(gen.Identity())))

	for i := 0; i < total; i++ {
		if ctx.Err() != nil {
			b.logger.Info("batch stopped", zap.Int("at", i))
			break
		}
		item, ok := b.item(i)
		if !ok {
			break
		}
		if item.Status == models.BatchCompleted {
			report.Skipped++
			continue
		}

		b.update(ctx, i, func(it *models.BatchItem) {
			it.Status = models.BatchProcessing
			it.Error = ""
		})
		outcome, err := b.process(ctx, gen, library, item, settings)
		switch {
		case err == nil:
			done := b.update(ctx, i, func(it *models.BatchItem) {
				it.Status = models.BatchCompleted
				it.Result = outcome.Result
				it.ServedBy = outcome.ServedBy
			})
			report.Completed++
			b.opts.Metrics.ObserveBatchItem(string(models.BatchCompleted))
			if b.opts.OnItemSuccess != nil {
				b.opts.OnItemSuccess(done)
			}
		case ctx.Err() != nil || aierr.IsCancellation(err):
			b.update(context.WithoutCancel(ctx), i, func(it *models.BatchItem) {
				it.Status = models.BatchPending
			})
			b.logger.Info("batch cancelled", zap.String("item", item.ID))
			return models.BatchReport{}, context.Canceled
		default:
			b.update(ctx, i, func(it *models.BatchItem) {
				it.Status = models.BatchError
				it.Error = aierr.UserMessage(err)
			})
			report.Failed++
			b.opts.Metrics.ObserveBatchItem(string(models.BatchError))
			b.logger.Warn("batch item failed", zap.String("item", item.ID), zap.Error(err))
		}
	}

	b.logger.Info("batch finished",
		zap.Int("completed", report.Completed),
		zap.Int("failed", report.Failed),
		zap.Int("skipped", report.Skipped),
	)
	if b.opts.OnReport != nil {
		b.opts.OnReport(report)
	}
	b.publish(BatchEvent{Report: &report})
	return report, nil
}

func (b *BatchController) process(ctx context.Context, gen Generator, library string, item models.BatchItem, settings models.GenerationSettings) (*orchestrator.Outcome, error) {
	if b.opts.Loader == nil {
		return nil, errors.New("no image loader is configured")
	}
	data, mime, err := b.opts.Loader.Load(ctx, item.Source)
	if err != nil {
		return nil, err
	}
	if data, mime, err = imageprep.Prepare(data, mime, b.opts.Image); err != nil {
		return nil, err
	}
	outcome, err := gen.Generate(ctx, orchestrator.Request{
		Image:      data,
		MimeType:   mime,
		TagLibrary: library,
		Settings:   settings,
	})
	if err != nil {
		return nil, err
	}
	if outcome == nil || outcome.Result == nil {
		return nil, aierr.New(aierr.KindValidation, string(gen.Identity()), "empty result")
	}
	return outcome, nil
}

// resetInterrupted puts items a stopped run left in processing back to
// pending.
func (b *BatchController) resetInterrupted(ctx context.Context) {
	for i, item := range b.Items() {
		if item.Status != models.BatchProcessing {
			continue
		}
		b.update(ctx, i, func(it *models.BatchItem) { it.Status = models.BatchPending })
	}
}

func (b *BatchController) item(i int) (models.BatchItem, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if i >= len(b.items) {
		return models.BatchItem{}, false
	}
	return b.items[i], true
}

// update mutates item i, persists it and notifies subscribers.
func (b *BatchController) update(ctx context.Context, i int, mutate func(*models.BatchItem)) models.BatchItem {
	b.mu.Lock()
	if i >= len(b.items) {
		b.mu.Unlock()
		return models.BatchItem{}
	}
	mutate(&b.items[i])
	b.items[i].UpdatedAt = time.Now()
	item := b.items[i]
	b.mu.Unlock()

	if err := b.opts.Store.Save(ctx, item); err != nil {
		b.logger.Warn("persist batch item failed", zap.String("item", item.ID), zap.Error(err))
	}
	b.publish(BatchEvent{Item: &item, Running: true})
	return item
}

func (b *BatchController) publish(ev BatchEvent) {
	b.mu.Lock()
	subs := make([]func(BatchEvent), 0, len(b.subs))
	for _, fn := range b.subs {
		subs = append(subs, fn)
	}
	b.mu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}
