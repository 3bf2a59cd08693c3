// Package cron runs named maintenance jobs on fixed intervals and lets the
// API trigger them by hand.
package cron

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrJobNotFound is returned for an unregistered job name.
var ErrJobNotFound = errors.New("job not found")

// JobStatus is the outcome of a job's last execution.
type JobStatus string

const (
	StatusIdle    JobStatus = "idle"
	StatusRunning JobStatus = "running"
	StatusFulfill JobStatus = "fulfill"
	StatusReject  JobStatus = "reject"
)

// Job is a periodic task. An Interval of zero registers a manual-only job.
type Job struct {
	Name        string
	Description string
	Interval    time.Duration
	Fn          func(ctx context.Context) error
}

type jobState struct {
	Job

	mu        sync.Mutex
	status    JobStatus
	message   string
	lastRunAt *time.Time
	nextRunAt *time.Time
}

// JobInfo is the serializable view of a job.
type JobInfo struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Status      JobStatus  `json:"status"`
	Message     string     `json:"message,omitempty"`
	NextRunAt   *time.Time `json:"next_run_at,omitempty"`
	LastRunAt   *time.Time `json:"last_run_at,omitempty"`
}

// Scheduler owns a set of jobs.
type Scheduler struct {
	logger *zap.Logger

	mu   sync.RWMutex
	jobs map[string]*jobState
	wg   sync.WaitGroup
}

func New(logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{logger: logger.Named("cron"), jobs: make(map[string]*jobState)}
}

// Register adds job. Registering a name twice replaces the earlier job.
func (s *Scheduler) Register(job Job) {
	js := &jobState{Job: job, status: StatusIdle}
	if job.Interval > 0 {
		next := time.Now().Add(job.Interval)
		js.nextRunAt = &next
	}
	s.mu.Lock()
	s.jobs[job.Name] = js
	s.mu.Unlock()
}

// Start runs every periodic job until ctx ends. Wait blocks until the
// loops have exited.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, js := range s.jobs {
		if js.Interval <= 0 {
			continue
		}
		s.wg.Add(1)
		go s.loop(ctx, js)
	}
}

// Wait blocks until every loop started by Start has returned.
func (s *Scheduler) Wait() { s.wg.Wait() }

func (s *Scheduler) loop(ctx context.Context, js *jobState) {
	defer s.wg.Done()
	ticker := time.NewTicker(js.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.execute(ctx, js)
		}
	}
}

// execute runs js unless it is already running.
func (s *Scheduler) execute(ctx context.Context, js *jobState) {
	js.mu.Lock()
	if js.status == StatusRunning {
		js.mu.Unlock()
		return
	}
	js.status = StatusRunning
	js.mu.Unlock()

	start := time.Now()
	err := js.Fn(ctx)

	js.mu.Lock()
	js.lastRunAt = &start
	if js.Interval > 0 {
		next := time.Now().Add(js.Interval)
		js.nextRunAt = &next
	}
	if err != nil {
		js.status = StatusReject
		js.message = err.Error()
	} else {
		js.status = StatusFulfill
		js.message = ""
	}
	js.mu.Unlock()

	if err != nil {
		s.logger.Warn("job failed", zap.String("job", js.Name), zap.Error(err))
		return
	}
	s.logger.Info("job finished", zap.String("job", js.Name), zap.Duration("elapsed", time.Since(start)))
}

// Run triggers a job in the background.
func (s *Scheduler) Run(ctx context.Context, name string) error {
	js, err := s.get(name)
	if err != nil {
		return err
	}
	go s.execute(ctx, js)
	return nil
}

// RunSync triggers a job and waits for it.
func (s *Scheduler) RunSync(ctx context.Context, name string) (JobInfo, error) {
	js, err := s.get(name)
	if err != nil {
		return JobInfo{}, err
	}
	s.execute(ctx, js)
	return js.info(), nil
}

// Get returns one job's state.
func (s *Scheduler) Get(name string) (JobInfo, error) {
	js, err := s.get(name)
	if err != nil {
		return JobInfo{}, err
	}
	return js.info(), nil
}

// List returns every job sorted by name.
func (s *Scheduler) List() []JobInfo {
	s.mu.RLock()
	items := make([]JobInfo, 0, len(s.jobs))
	for _, js := range s.jobs {
		items = append(items, js.info())
	}
	s.mu.RUnlock()
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })
	return items
}

func (s *Scheduler) get(name string) (*jobState, error) {
	s.mu.RLock()
	js, ok := s.jobs[name]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrJobNotFound, name)
	}
	return js, nil
}

func (js *jobState) info() JobInfo {
	js.mu.Lock()
	defer js.mu.Unlock()
	return JobInfo{
		Name:        js.Name,
		Description: js.Description,
		Status:      js.status,
		Message:     js.message,
		NextRunAt:   js.nextRunAt,
		LastRunAt:   js.lastRunAt,
	}
}
