// Package generation drives tagging runs: a single-item controller with an
// explicit state machine and a sequential batch controller.
package generation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mx-space/imagetag/internal/models"
	"github.com/mx-space/imagetag/internal/modules/processing/orchestrator"
	"github.com/mx-space/imagetag/internal/pkg/aierr"
	"github.com/mx-space/imagetag/internal/pkg/imageprep"
	"github.com/mx-space/imagetag/internal/pkg/metrics"
	"go.uber.org/zap"
)

// Generator is the orchestrator as seen by the controllers.
type Generator interface {
	Identity() models.ProviderIdentity
	Generate(ctx context.Context, req orchestrator.Request) (*orchestrator.Outcome, error)
}

// ImageLoader resolves an image reference to bytes.
type ImageLoader interface {
	Load(ctx context.Context, ref string) ([]byte, string, error)
}

// State is a controller state.
type State string

const (
	StateIdle       State = "idle"
	StatePreparing  State = "preparing"
	StateInProgress State = "in_progress"
	StateSucceeded  State = "succeeded"
	StateFailed     State = "failed"
)

// ProgressStep is one cosmetic label shown while waiting on the backend.
type ProgressStep struct {
	After time.Duration
	Label string
}

// DefaultProgress is the label schedule used when none is configured.
var DefaultProgress = []ProgressStep{
	{After: 0, Label: "Analyzing image"},
	{After: 2 * time.Second, Label: "Identifying subjects and scene"},
	{After: 5 * time.Second, Label: "Matching against the tag library"},
	{After: 9 * time.Second, Label: "Writing the description"},
	{After: 15 * time.Second, Label: "Finalizing results"},
}

// Input is one single-item request. Image takes precedence over Source.
type Input struct {
	Image    []byte
	MimeType string
	Source   string
	Settings models.GenerationSettings
}

// Snapshot is the observable controller state.
type Snapshot struct {
	State     State                    `json:"state"`
	RunID     uint64                   `json:"run_id"`
	Progress  string                   `json:"progress,omitempty"`
	Result    *models.GenerationResult `json:"result,omitempty"`
	Failover  *models.FailoverNotice   `json:"failover,omitempty"`
	ServedBy  models.ProviderIdentity  `json:"served_by,omitempty"`
	Error     string                   `json:"error,omitempty"`
	UpdatedAt time.Time                `json:"updated_at"`
}

// Options configures a Controller.
type Options struct {
	Loader    ImageLoader
	Library   TagLibrary
	Image     imageprep.Options
	Progress  []ProgressStep
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
	OnSuccess func(Snapshot)
}

// Controller runs one generation at a time. Starting a run cancels the one
// in flight, and the superseded run's completion is discarded.
type Controller struct {
	opts   Options
	logger *zap.Logger

	mu      sync.Mutex
	gen     Generator
	snap    Snapshot
	seq     uint64
	current uint64
	cancel  context.CancelFunc
	timers  []*time.Timer
	subs    map[int]func(Snapshot)
	nextSub int

	// notifyMu keeps subscriber delivery in transition order.
	notifyMu sync.Mutex
}

// NewController creates an idle controller.
func NewController(gen Generator, opts Options) *Controller {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Progress == nil {
		opts.Progress = DefaultProgress
	}
	return &Controller{
		opts:   opts,
		logger: opts.Logger.Named("generation"),
		gen:    gen,
		snap:   Snapshot{State: StateIdle, UpdatedAt: time.Now()},
		subs:   make(map[int]func(Snapshot)),
	}
}

// Run is a handle on one started generation.
type Run struct {
	id   uint64
	done chan struct{}
	c    *Controller
}

// ID returns the run number.
func (r *Run) ID() uint64 { return r.id }

// Done is closed when the run's goroutine has finished.
func (r *Run) Done() <-chan struct{} { return r.done }

// Wait blocks until the run finishes or ctx ends and returns the controller
// snapshot at that point.
func (r *Run) Wait(ctx context.Context) (Snapshot, error) {
	select {
	case <-r.done:
		return r.c.Snapshot(), nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

// SetGenerator swaps the orchestrator used by subsequent runs.
func (c *Controller) SetGenerator(gen Generator) {
	c.mu.Lock()
	c.gen = gen
	c.mu.Unlock()
}

// Snapshot returns the current state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap
}

// Subscribe registers fn for state changes. fn runs on the goroutine that
// caused the transition and must not call back into the controller.
func (c *Controller) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
		})
	}
}

// Generate starts a fresh run. The previous result and failover notice are
// cleared.
func (c *Controller) Generate(in Input) *Run {
	return c.start(in, nil, nil, true)
}

// Regenerate starts a run that keeps pinned tags and drops excluded ones.
// The previous result stays visible until the new one arrives.
func (c *Controller) Regenerate(in Input, pinned, excluded []string) *Run {
	return c.start(in, pinned, excluded, false)
}

// Stop cancels the run in flight and returns to idle.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.current == 0 {
		c.mu.Unlock()
		return
	}
	c.abortLocked()
	c.current = 0
	c.setLocked(func(s *Snapshot) {
		s.State = StateIdle
		s.Progress = ""
	})
	c.publishLocked()
}

func (c *Controller) start(in Input, pinned, excluded []string, fresh bool) *Run {
	c.mu.Lock()
	c.abortLocked()

	c.seq++
	id := c.seq
	c.current = id
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	gen := c.gen

	c.setLocked(func(s *Snapshot) {
		s.State = StatePreparing
		s.RunID = id
		s.Progress = ""
		s.Error = ""
		if fresh {
			s.Result = nil
			s.Failover = nil
			s.ServedBy = ""
		}
	})
	c.scheduleLocked(id)

	run := &Run{id: id, done: make(chan struct{}), c: c}
	c.publishLocked()

	go func() {
		defer close(run.done)
		defer cancel()
		outcome, err := c.execute(ctx, id, gen, in, pinned, excluded)
		c.finish(id, gen, outcome, err)
	}()
	return run
}

func (c *Controller) execute(ctx context.Context, id uint64, gen Generator, in Input, pinned, excluded []string) (*orchestrator.Outcome, error) {
	if gen == nil {
		return nil, errors.New("no provider is configured")
	}
	if c.opts.Library == nil {
		return nil, ErrNoTagLibrary
	}
	library, err := c.opts.Library.Text(ctx)
	if err != nil {
		return nil, err
	}

	data, mime := in.Image, in.MimeType
	if len(data) == 0 {
		if in.Source == "" || c.opts.Loader == nil {
			return nil, aierr.New(aierr.KindBadRequest, "", "no image was provided")
		}
		if data, mime, err = c.opts.Loader.Load(ctx, in.Source); err != nil {
			return nil, err
		}
	}
	if data, mime, err = imageprep.Prepare(data, mime, c.opts.Image); err != nil {
		return nil, aierr.Wrap(aierr.KindBadRequest, "", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.current == id {
		c.setLocked(func(s *Snapshot) {
			s.State = StateInProgress
			if s.Progress == "" && len(c.opts.Progress) > 0 {
				s.Progress = c.opts.Progress[0].Label
			}
		})
		c.publishLocked()
	} else {
		c.mu.Unlock()
	}

	return gen.Generate(ctx, orchestrator.Request{
		Image:      data,
		MimeType:   mime,
		TagLibrary: library,
		Settings:   in.Settings,
		Pinned:     pinned,
		Excluded:   excluded,
	})
}

func (c *Controller) finish(id uint64, gen Generator, outcome *orchestrator.Outcome, err error) {
	c.mu.Lock()
	if c.current != id {
		c.mu.Unlock()
		c.logger.Debug("discarding superseded run", zap.Uint64("run", id))
		return
	}
	c.stopTimersLocked()
	c.current = 0
	c.cancel = nil

	if err == nil && (outcome == nil || outcome.Result == nil) {
		err = aierr.New(aierr.KindValidation, string(gen.Identity()), "empty result")
	}
	switch {
	case err == nil:
		var from models.ProviderIdentity
		if gen != nil {
			from = gen.Identity()
		}
		c.setLocked(func(s *Snapshot) {
			s.State = StateSucceeded
			s.Progress = ""
			s.Result = outcome.Result
			s.Failover = outcome.Notice(from)
			s.ServedBy = outcome.ServedBy
		})
	case aierr.IsCancellation(err):
		c.setLocked(func(s *Snapshot) {
			s.State = StateIdle
			s.Progress = ""
		})
	default:
		c.logger.Warn("generation failed", zap.Uint64("run", id), zap.Error(err))
		c.setLocked(func(s *Snapshot) {
			s.State = StateFailed
			s.Progress = ""
			s.Error = aierr.UserMessage(err)
		})
	}
	snap := c.snap
	c.publishLocked()

	if snap.State == StateSucceeded && c.opts.OnSuccess != nil {
		c.opts.OnSuccess(snap)
	}
}

// scheduleLocked arms the progress labels for run id. Step zero is applied
// when the backend call starts.
func (c *Controller) scheduleLocked(id uint64) {
	for _, step := range c.opts.Progress {
		if step.After <= 0 {
			continue
		}
		label := step.Label
		c.timers = append(c.timers, time.AfterFunc(step.After, func() {
			c.mu.Lock()
			if c.current != id || c.snap.State != StateInProgress {
				c.mu.Unlock()
				return
			}
			c.setLocked(func(s *Snapshot) { s.Progress = label })
			c.publishLocked()
		}))
	}
}

func (c *Controller) stopTimersLocked() {
	for _, t := range c.timers {
		t.Stop()
	}
	c.timers = nil
}

func (c *Controller) abortLocked() {
	c.stopTimersLocked()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

func (c *Controller) setLocked(mutate func(*Snapshot)) {
	prev := c.snap.State
	mutate(&c.snap)
	c.snap.UpdatedAt = time.Now()
	if c.snap.State != prev {
		c.opts.Metrics.ObserveState(string(c.snap.State))
	}
}

// publishLocked releases c.mu and delivers the current snapshot.
func (c *Controller) publishLocked() {
	snap := c.snap
	subs := make([]func(Snapshot), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.notifyMu.Lock()
	c.mu.Unlock()
	defer c.notifyMu.Unlock()
	for _, fn := range subs {
		fn(snap)
	}
}
