// Package retry runs operations with deterministic exponential backoff.
package retry

import (
	"context"
	"time"

	"github.com/socialpulse/socialpulse/internal/errors"
)

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Policy configures Do. The delay before attempt n+1 is
// InitialDelay * BackoffFactor^(n-1); there is no jitter.
type Policy struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	BackoffFactor float64

	// Retryable decides which failures get another attempt.
	// Nil means errors.Retryable.
	Retryable func(error) bool

	// Sleep is replaced in tests. Nil means a context-aware timer.
	Sleep SleepFunc

	// OnRetry is called before each sleep with the attempt that just failed.
	OnRetry func(attempt int, delay time.Duration, err error)

	// HonorRetryAfter lets a RateLimitError's RetryAfter stretch a single wait
	// when it is longer than the scheduled delay. The schedule is unchanged.
	HonorRetryAfter bool
}

// DefaultPolicy returns three attempts starting at one second, doubling,
// and honours Retry-After.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     3,
		InitialDelay:    time.Second,
		BackoffFactor:   2,
		HonorRetryAfter: true,
	}
}

// Do invokes op until it succeeds, fails with a non-retryable error,
// or MaxAttempts invocations have been made. The last error is returned unchanged.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = errors.Retryable
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	factor := p.BackoffFactor
	if factor < 1 {
		factor = 1
	}

	delay := p.InitialDelay
	var (
		result T
		err    error
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		result, err = op(ctx)
		if err == nil {
			return result, nil
		}
		if attempt == attempts || !retryable(err) {
			return result, err
		}

		wait := delay
		var rl *errors.RateLimitError
		if p.HonorRetryAfter && errors.As(err, &rl) && rl.RetryAfter > wait {
			wait = rl.RetryAfter
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, wait, err)
		}
		if serr := sleep(ctx, wait); serr != nil {
			return result, err
		}
		delay = time.Duration(float64(delay) * factor)
	}
	return result, err
}

// DoErr is Do for operations without a result.
func DoErr(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	_, err := Do(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

func sleepContext(ctx context.Context, d time.Duration) error {
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
