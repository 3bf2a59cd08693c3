// Package retry runs an operation with bounded exponential backoff.
package retry

import (
	"context"
	"math"
	"time"

	"github.com/mx-space/imagetag/internal/pkg/aierr"
)

const (
	DefaultMaxAttempts = 4
	DefaultBaseDelay   = time.Second
	DefaultFactor      = 2.0
)

// Policy configures Do. The zero value is not usable; start from Default.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Factor      float64

	// Sleep waits for d or until ctx is done. Nil uses a timer.
	Sleep func(ctx context.Context, d time.Duration) error
	// OnRetry is called before each backoff wait. attempt is 1-based and
	// names the attempt that just failed.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// Default returns the standard policy: 4 attempts, 1s base, factor 2.
func Default() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		Factor:      DefaultFactor,
	}
}

// Delay returns the wait after the attempt with 0-based index i.
func (p Policy) Delay(i int) time.Duration {
	factor := p.Factor
	if factor <= 0 {
		factor = DefaultFactor
	}
	return time.Duration(float64(p.BaseDelay) * math.Pow(factor, float64(i)))
}

// Stats describes how an operation went.
type Stats struct {
	Attempts int
}

// Do calls op until it succeeds, fails terminally, the attempt budget runs
// out or ctx is cancelled. The last error is returned unchanged; a
// cancellation is returned as ctx.Err() and never retried.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	v, _, err := DoWithStats(ctx, p, op)
	return v, err
}

// DoWithStats is Do that also reports the number of attempts made.
func DoWithStats[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, Stats, error) {
	var zero T
	var stats Stats

	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = timerSleep
	}

	var lastErr error
	for i := 0; i < maxAttempts; i++ {
		if err := ctx.Err(); err != nil {
			return zero, stats, err
		}

		stats.Attempts++
		v, err := op(ctx)
		if err == nil {
			return v, stats, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, stats, ctxErr
		}
		if aierr.IsCancellation(err) {
			return zero, stats, err
		}

		lastErr = err
		if !aierr.Retryable(err) || i == maxAttempts-1 {
			break
		}

		delay := p.Delay(i)
		if p.OnRetry != nil {
			p.OnRetry(i+1, delay, err)
		}
		if err := sleep(ctx, delay); err != nil {
			return zero, stats, err
		}
	}
	return zero, stats, lastErr
}

func timerSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
