package generation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mx-space/imagetag/internal/models"
	"github.com/mx-space/imagetag/internal/modules/processing/orchestrator"
	"github.com/mx-space/imagetag/internal/pkg/aierr"
	"github.com/mx-space/imagetag/internal/pkg/batchstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testLibrary = "tag,definition\nAction,movement\nLandscape,scenery\n"

type generateFunc func(ctx context.Context, call int, req orchestrator.Request) (*orchestrator.Outcome, error)

type fakeGenerator struct {
	id    models.ProviderIdentity
	fn    generateFunc
	calls atomic.Int32

	mu   sync.Mutex
	reqs []orchestrator.Request
}

func (f *fakeGenerator) Identity() models.ProviderIdentity { return f.id }

func (f *fakeGenerator) Generate(ctx context.Context, req orchestrator.Request) (*orchestrator.Outcome, error) {
	n := int(f.calls.Add(1))
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	return f.fn(ctx, n, req)
}

func succeed(desc string) *orchestrator.Outcome {
	return &orchestrator.Outcome{
		Result:   &models.GenerationResult{Description: desc, Tags: []models.GeneratedTag{{Name: "Action", Score: 90}}},
		ServedBy: models.ProviderGemini,
	}
}

type fakeLoader struct{}

func (fakeLoader) Load(_ context.Context, ref string) ([]byte, string, error) {
	if ref == "missing" {
		return nil, "", errors.New("not found")
	}
	return []byte("raw:" + ref), "image/webp", nil
}

func waitRun(t *testing.T, run *Run) Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	snap, err := run.Wait(ctx)
	require.NoError(t, err)
	return snap
}

func newTestController(gen Generator) *Controller {
	return NewController(gen, Options{
		Loader:   fakeLoader{},
		Library:  StaticLibrary(testLibrary),
		Progress: []ProgressStep{{Label: "Analyzing image"}},
	})
}

func TestControllerSucceeds(t *testing.T) {
	gen := &fakeGenerator{id: models.ProviderGemini, fn: func(context.Context, int, orchestrator.Request) (*orchestrator.Outcome, error) {
		return succeed("a runner"), nil
	}}
	var successes atomic.Int32
	c := NewController(gen, Options{
		Loader:    fakeLoader{},
		Library:   StaticLibrary(testLibrary),
		OnSuccess: func(Snapshot) { successes.Add(1) },
	})

	var mu sync.Mutex
	var states []State
	unsubscribe := c.Subscribe(func(s Snapshot) {
		mu.Lock()
		states = append(states, s.State)
		mu.Unlock()
	})
	defer unsubscribe()

	snap := waitRun(t, c.Generate(Input{Source: "photo.webp"}))
	assert.Equal(t, StateSucceeded, snap.State)
	require.NotNil(t, snap.Result)
	assert.Equal(t, "a runner", snap.Result.Description)
	assert.Nil(t, snap.Failover)
	assert.Equal(t, int32(1), successes.Load())

	mu.Lock()
	assert.Equal(t, []State{StatePreparing, StateInProgress, StateSucceeded}, states)
	mu.Unlock()

	require.Len(t, gen.reqs, 1)
	assert.Equal(t, testLibrary, gen.reqs[0].TagLibrary)
	assert.Equal(t, []byte("raw:photo.webp"), gen.reqs[0].Image)
}

func TestControllerFailoverNotice(t *testing.T) {
	gen := &fakeGenerator{id: models.ProviderOpenAI, fn: func(context.Context, int, orchestrator.Request) (*orchestrator.Outcome, error) {
		out := succeed("served by backup")
		out.DidFailover = true
		out.PrimaryError = aierr.New(aierr.KindAuthentication, "openai", "bad key")
		return out, nil
	}}
	c := newTestController(gen)

	snap := waitRun(t, c.Generate(Input{Image: []byte("img")}))
	require.NotNil(t, snap.Failover)
	assert.Equal(t, models.ProviderOpenAI, snap.Failover.From)
	assert.Equal(t, models.ProviderGemini, snap.Failover.To)
	assert.Contains(t, snap.Failover.Reason, "bad key")
}

func TestControllerFailureMessage(t *testing.T) {
	gen := &fakeGenerator{id: models.ProviderGemini, fn: func(context.Context, int, orchestrator.Request) (*orchestrator.Outcome, error) {
		return nil, aierr.New(aierr.KindRateLimit, "gemini", "quota exhausted")
	}}
	c := newTestController(gen)

	snap := waitRun(t, c.Generate(Input{Image: []byte("img")}))
	assert.Equal(t, StateFailed, snap.State)
	assert.Contains(t, snap.Error, "quota exhausted")
	assert.Nil(t, snap.Result)
}

func TestControllerNoImageOrLibrary(t *testing.T) {
	gen := &fakeGenerator{id: models.ProviderGemini, fn: func(context.Context, int, orchestrator.Request) (*orchestrator.Outcome, error) {
		return succeed("unused"), nil
	}}

	c := newTestController(gen)
	snap := waitRun(t, c.Generate(Input{}))
	assert.Equal(t, StateFailed, snap.State)
	assert.Contains(t, snap.Error, "no image")

	c = NewController(gen, Options{Library: StaticLibrary("")})
	snap = waitRun(t, c.Generate(Input{Image: []byte("img")}))
	assert.Equal(t, StateFailed, snap.State)
	assert.Equal(t, ErrNoTagLibrary.Error(), snap.Error)
	assert.Zero(t, gen.calls.Load())
}

func TestSecondGenerationCancelsFirst(t *testing.T) {
	firstStarted := make(chan struct{})
	gen := &fakeGenerator{id: models.ProviderGemini, fn: func(ctx context.Context, call int, _ orchestrator.Request) (*orchestrator.Outcome, error) {
		if call == 1 {
			close(firstStarted)
			<-ctx.Done()
			// A misbehaving backend that answers after cancellation.
			return succeed("stale"), nil
		}
		return succeed("fresh"), nil
	}}
	c := newTestController(gen)

	var mu sync.Mutex
	var seen []Snapshot
	defer c.Subscribe(func(s Snapshot) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})()

	first := c.Generate(Input{Image: []byte("one")})
	<-firstStarted
	second := c.Generate(Input{Image: []byte("two")})

	waitRun(t, first)
	snap := waitRun(t, second)

	assert.Equal(t, StateSucceeded, snap.State)
	assert.Equal(t, second.ID(), snap.RunID)
	assert.Equal(t, "fresh", snap.Result.Description)

	mu.Lock()
	defer mu.Unlock()
	for _, s := range seen {
		if s.RunID != first.ID() {
			continue
		}
		assert.NotEqual(t, StateSucceeded, s.State)
		assert.NotEqual(t, StateFailed, s.State)
	}
}

func TestStopReturnsToIdle(t *testing.T) {
	started := make(chan struct{})
	gen := &fakeGenerator{id: models.ProviderGemini, fn: func(ctx context.Context, _ int, _ orchestrator.Request) (*orchestrator.Outcome, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	c := newTestController(gen)

	run := c.Generate(Input{Image: []byte("img")})
	<-started
	c.Stop()
	waitRun(t, run)

	snap := c.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.Empty(t, snap.Error)
	assert.Empty(t, snap.Progress)
}

func TestRegenerateKeepsPreviousResultAndPassesFeedback(t *testing.T) {
	release := make(chan struct{})
	gen := &fakeGenerator{id: models.ProviderGemini, fn: func(ctx context.Context, call int, _ orchestrator.Request) (*orchestrator.Outcome, error) {
		if call == 2 {
			<-release
		}
		return succeed(fmt.Sprintf("result %d", call)), nil
	}}
	c := newTestController(gen)
	waitRun(t, c.Generate(Input{Image: []byte("img")}))

	run := c.Regenerate(Input{Image: []byte("img")}, []string{"Action"}, []string{"Landscape"})
	assert.Equal(t, "result 1", c.Snapshot().Result.Description)
	close(release)
	snap := waitRun(t, run)

	assert.Equal(t, "result 2", snap.Result.Description)
	require.Len(t, gen.reqs, 2)
	assert.Equal(t, []string{"Action"}, gen.reqs[1].Pinned)
	assert.Equal(t, []string{"Landscape"}, gen.reqs[1].Excluded)

	// A fresh run clears the previous result right away.
	block := make(chan struct{})
	gen.fn = func(ctx context.Context, _ int, _ orchestrator.Request) (*orchestrator.Outcome, error) {
		<-block
		return succeed("third"), nil
	}
	run = c.Generate(Input{Image: []byte("img")})
	assert.Nil(t, c.Snapshot().Result)
	close(block)
	waitRun(t, run)
}

func TestProgressLabelsAdvance(t *testing.T) {
	release := make(chan struct{})
	gen := &fakeGenerator{id: models.ProviderGemini, fn: func(ctx context.Context, _ int, _ orchestrator.Request) (*orchestrator.Outcome, error) {
		<-release
		return succeed("done"), nil
	}}
	c := NewController(gen, Options{
		Library: StaticLibrary(testLibrary),
		Progress: []ProgressStep{
			{Label: "first"},
			{After: 10 * time.Millisecond, Label: "second"},
			{After: time.Hour, Label: "never"},
		},
	})

	run := c.Generate(Input{Image: []byte("img")})
	require.Eventually(t, func() bool {
		s := c.Snapshot()
		return s.State == StateInProgress && s.Progress == "second"
	}, time.Second, 5*time.Millisecond)

	close(release)
	snap := waitRun(t, run)
	assert.Empty(t, snap.Progress)

	c.mu.Lock()
	assert.Empty(t, c.timers)
	c.mu.Unlock()
}

func TestSetGeneratorAppliesToNextRun(t *testing.T) {
	a := &fakeGenerator{id: models.ProviderGemini, fn: func(context.Context, int, orchestrator.Request) (*orchestrator.Outcome, error) {
		return succeed("a"), nil
	}}
	b := &fakeGenerator{id: models.ProviderOpenAI, fn: func(context.Context, int, orchestrator.Request) (*orchestrator.Outcome, error) {
		return succeed("b"), nil
	}}
	c := newTestController(a)
	c.SetGenerator(b)

	snap := waitRun(t, c.Generate(Input{Image: []byte("img")}))
	assert.Equal(t, "b", snap.Result.Description)
	assert.Zero(t, a.calls.Load())
}

func newTestBatch(gen Generator, store batchstore.Store) *BatchController {
	return NewBatchController(gen, BatchOptions{
		Loader:  fakeLoader{},
		Library: StaticLibrary(testLibrary),
		Store:   store,
	})
}

func TestBatchRunsAllItems(t *testing.T) {
	gen := &fakeGenerator{id: models.ProviderGemini, fn: func(_ context.Context, _ int, req orchestrator.Request) (*orchestrator.Outcome, error) {
		if string(req.Image) == "raw:bad.png" {
			return nil, aierr.New(aierr.KindContentSafety, "gemini", "blocked")
		}
		return succeed(string(req.Image)), nil
	}}
	store := batchstore.NewMemoryStore()
	var reports []models.BatchReport
	var succeeded []string
	b := NewBatchController(gen, BatchOptions{
		Loader:        fakeLoader{},
		Library:       StaticLibrary(testLibrary),
		Store:         store,
		OnItemSuccess: func(it models.BatchItem) { succeeded = append(succeeded, it.Source) },
		OnReport:      func(r models.BatchReport) { reports = append(reports, r) },
	})

	ctx := context.Background()
	items, err := b.Add(ctx, []string{"a.png", " ", "bad.png", "missing"})
	require.NoError(t, err)
	require.Len(t, items, 3)
	for _, it := range items {
		assert.Equal(t, models.BatchPending, it.Status)
		assert.NotEmpty(t, it.ID)
	}

	report, err := b.Run(ctx, models.GenerationSettings{})
	require.NoError(t, err)
	assert.Equal(t, models.BatchReport{Total: 3, Completed: 1, Failed: 2}, report)
	assert.Equal(t, []models.BatchReport{report}, reports)
	assert.Equal(t, []string{"a.png"}, succeeded)

	got := b.Items()
	assert.Equal(t, models.BatchCompleted, got[0].Status)
	assert.Equal(t, "raw:a.png", got[0].Result.Description)
	assert.Equal(t, models.BatchError, got[1].Status)
	assert.Contains(t, got[1].Error, "blocked")
	assert.Equal(t, models.BatchError, got[2].Status)

	persisted, err := store.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, got, persisted)

	// Completed items are skipped on the next run.
	report, err = b.Run(ctx, models.GenerationSettings{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, int32(3), gen.calls.Load())
}

func TestBatchCancelledMidItem(t *testing.T) {
	var b *BatchController
	gen := &fakeGenerator{id: models.ProviderGemini, fn: func(ctx context.Context, call int, _ orchestrator.Request) (*orchestrator.Outcome, error) {
		if call == 3 {
			b.Stop()
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return succeed("ok"), nil
	}}
	reported := false
	b = NewBatchController(gen, BatchOptions{
		Loader:   fakeLoader{},
		Library:  StaticLibrary(testLibrary),
		OnReport: func(models.BatchReport) { reported = true },
	})

	ctx := context.Background()
	added, err := b.Add(ctx, []string{"1", "2", "3", "4", "5"})
	require.NoError(t, err)

	_, err = b.Run(ctx, models.GenerationSettings{})
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, reported)
	assert.False(t, b.Running())

	items := b.Items()
	assert.Equal(t, models.BatchCompleted, items[0].Status)
	assert.Equal(t, models.BatchCompleted, items[1].Status)
	assert.Equal(t, models.BatchPending, items[2].Status)
	assert.Nil(t, items[2].Result)
	for i := 3; i < 5; i++ {
		assert.Equal(t, added[i], items[i], "item %d must be untouched", i+1)
	}
	assert.Equal(t, int32(3), gen.calls.Load())
}

func TestBatchStopAtItemBoundaryEmitsReport(t *testing.T) {
	var b *BatchController
	gen := &fakeGenerator{id: models.ProviderGemini, fn: func(_ context.Context, call int, _ orchestrator.Request) (*orchestrator.Outcome, error) {
		if call == 2 {
			b.Stop()
		}
		return succeed("ok"), nil
	}}
	b = newTestBatch(gen, nil)
	ctx := context.Background()
	_, err := b.Add(ctx, []string{"1", "2", "3"})
	require.NoError(t, err)

	report, err := b.Run(ctx, models.GenerationSettings{})
	require.NoError(t, err)
	assert.Equal(t, models.BatchReport{Total: 3, Completed: 2}, report)
	assert.Equal(t, models.BatchPending, b.Items()[2].Status)
}

func TestBatchRefusals(t *testing.T) {
	release := make(chan struct{})
	gen := &fakeGenerator{id: models.ProviderGemini, fn: func(ctx context.Context, _ int, _ orchestrator.Request) (*orchestrator.Outcome, error) {
		<-release
		return succeed("ok"), nil
	}}
	ctx := context.Background()

	noLib := NewBatchController(gen, BatchOptions{Loader: fakeLoader{}, Library: StaticLibrary("")})
	_, err := noLib.Run(ctx, models.GenerationSettings{})
	require.ErrorIs(t, err, ErrNoTagLibrary)
	assert.False(t, noLib.Running())

	b := newTestBatch(gen, nil)
	_, err = b.Add(ctx, []string{"1"})
	require.NoError(t, err)
	require.NoError(t, b.Start(ctx, models.GenerationSettings{}))
	require.ErrorIs(t, b.Start(ctx, models.GenerationSettings{}), ErrBatchRunning)
	_, err = b.Add(ctx, []string{"2"})
	require.ErrorIs(t, err, ErrBatchRunning)

	close(release)
	require.Eventually(t, func() bool { return !b.Running() }, time.Second, 5*time.Millisecond)
}

func TestBatchResetsInterruptedItems(t *testing.T) {
	ctx := context.Background()
	store := batchstore.NewMemoryStore()
	now := time.Now()
	require.NoError(t, store.Replace(ctx, []models.BatchItem{
		{ID: "a", Source: "a", Status: models.BatchCompleted, CreatedAt: now},
		{ID: "b", Source: "b", Status: models.BatchProcessing, CreatedAt: now},
	}))

	gen := &fakeGenerator{id: models.ProviderGemini, fn: func(context.Context, int, orchestrator.Request) (*orchestrator.Outcome, error) {
		return succeed("ok"), nil
	}}
	b := newTestBatch(gen, store)
	require.NoError(t, b.Restore(ctx))

	var events []BatchEvent
	defer b.Subscribe(func(ev BatchEvent) { events = append(events, ev) })()

	report, err := b.Run(ctx, models.GenerationSettings{})
	require.NoError(t, err)
	assert.Equal(t, models.BatchReport{Total: 2, Completed: 1, Skipped: 1}, report)
	assert.Equal(t, int32(1), gen.calls.Load())

	require.NotEmpty(t, events)
	require.NotNil(t, events[0].Item)
	assert.Equal(t, models.BatchPending, events[0].Item.Status)
	last := events[len(events)-1]
	require.NotNil(t, last.Report)
	assert.Equal(t, report, *last.Report)
}

type countingLoader struct {
	calls int
	text  string
	err   error
}

func (l *countingLoader) LoadText(context.Context, string) (string, error) {
	l.calls++
	return l.text, l.err
}

func TestLibrary(t *testing.T) {
	ctx := context.Background()

	loader := &countingLoader{text: testLibrary}
	lib := NewLibrary(loader, "tags.csv")
	for range 2 {
		text, err := lib.Text(ctx)
		require.NoError(t, err)
		assert.Equal(t, testLibrary, text)
	}
	assert.Equal(t, 1, loader.calls)
	require.NoError(t, lib.Reload(ctx))
	assert.Equal(t, 2, loader.calls)

	loader.text, loader.err = "", errors.New("source unreachable")
	err := lib.Reload(ctx)
	assert.ErrorIs(t, err, ErrNoTagLibrary)
	assert.ErrorContains(t, err, "source unreachable")
	text, err := lib.Text(ctx)
	require.NoError(t, err)
	assert.Equal(t, testLibrary, text)
	assert.Equal(t, 3, loader.calls)

	loader.text, loader.err = "tag,definition\nsky,\n", nil
	require.NoError(t, lib.Reload(ctx))
	text, err = lib.Text(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tag,definition\nsky,\n", text)

	_, err = NewLibrary(loader, "").Text(ctx)
	assert.ErrorIs(t, err, ErrNoTagLibrary)

	failing := &countingLoader{err: errors.New("boom")}
	_, err = NewLibrary(failing, "tags.csv").Text(ctx)
	assert.ErrorIs(t, err, ErrNoTagLibrary)
	assert.ErrorContains(t, err, "boom")

	_, err = NewLibrary(&countingLoader{text: "  \n"}, "tags.csv").Text(ctx)
	assert.ErrorIs(t, err, ErrNoTagLibrary)
}
