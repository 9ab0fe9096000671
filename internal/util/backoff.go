package util

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrAttemptsExhausted is wrapped by Retry when every attempt failed
var ErrAttemptsExhausted = errors.New("retry attempts exhausted")

// Backoff is an explicit retry policy: bounded attempts with exponential delay
// capped at MaxDelay. The zero value performs a single attempt.
type Backoff struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	// Sleep waits between attempts; nil uses a context-aware timer
	Sleep func(ctx context.Context, d time.Duration) error
}

// Delay returns the wait before attempt (1-based, so attempt 2 is the first retry)
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt <= 1 || b.BaseDelay <= 0 {
		return 0
	}
	d := b.BaseDelay
	for i := 2; i < attempt; i++ {
		if d > math.MaxInt64/2 {
			break
		}
		d *= 2
		if b.MaxDelay > 0 && d >= b.MaxDelay {
			break
		}
	}
	if b.MaxDelay > 0 && d > b.MaxDelay {
		d = b.MaxDelay
	}
	return d
}

// Retry calls fn until it succeeds, retryable reports false, attempts run out,
// or ctx is cancelled. onRetry, if set, is called before each wait.
func (b Backoff) Retry(
	ctx context.Context,
	fn func(attempt int) error,
	retryable func(error) bool,
	onRetry func(attempt int, delay time.Duration, err error),
) (int, error) {
	attempts := b.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			delay := b.Delay(attempt)
			if onRetry != nil {
				onRetry(attempt, delay, lastErr)
			}
			if err := b.sleep(ctx, delay); err != nil {
				return attempt - 1, err
			}
		}

		lastErr = fn(attempt)
		if lastErr == nil {
			return attempt, nil
		}
		if ctx.Err() != nil {
			return attempt, ctx.Err()
		}
		if retryable != nil && !retryable(lastErr) {
			return attempt, lastErr
		}
	}

	return attempts, fmt.Errorf("%w after %d attempts: %w", ErrAttemptsExhausted, attempts, lastErr)
}

func (b Backoff) sleep(ctx context.Context, d time.Duration) error {
	if b.Sleep != nil {
		return b.Sleep(ctx, d)
	}
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

// NoSleep is a Sleep hook for tests that only honours cancellation
func NoSleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}
