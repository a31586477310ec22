package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oshokin/app-installer/internal/logger"
)

// errNoAttempts is returned when Retry is asked to make no attempt at all.
var errNoAttempts = errors.New("retry needs at least one attempt")

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Retrier runs an operation up to Attempts times with exponential backoff.
type Retrier struct {
	// Attempts is the maximum number of invocations.
	Attempts int
	// BaseDelay is the wait after the first failure; it doubles after each further one.
	BaseDelay time.Duration
	// Sleep waits between attempts; Sleep from this package when nil.
	Sleep SleepFunc
}

// Retry invokes op up to attempts times, doubling the delay from baseDelay between attempts.
func Retry(ctx context.Context, attempts int, baseDelay time.Duration, op func(ctx context.Context) error) error {
	return Retrier{Attempts: attempts, BaseDelay: baseDelay}.Do(ctx, "operation", op)
}

// Do invokes op until it succeeds or the attempts are exhausted.
// Each attempt and its outcome is logged. Cancellation stops the loop early.
func (r Retrier) Do(ctx context.Context, name string, op func(ctx context.Context) error) error {
	if r.Attempts < 1 {
		return errNoAttempts
	}

	sleep := r.Sleep
	if sleep == nil {
		sleep = Sleep
	}

	var (
		delay   = r.BaseDelay
		lastErr error
	)

	for attempt := 1; attempt <= r.Attempts; attempt++ {
		logger.DebugKV(ctx, "Attempt started", "name", name, "attempt", attempt, "max_attempts", r.Attempts)

		lastErr = op(ctx)
		if lastErr == nil {
			logger.DebugKV(ctx, "Attempt succeeded", "name", name, "attempt", attempt)
			return nil
		}

		logger.WarnKV(ctx, "Attempt failed", "name", name, "attempt", attempt, "max_attempts", r.Attempts, "error", lastErr)

		if attempt == r.Attempts {
			break
		}

		if err := sleep(ctx, delay); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}

		delay *= 2
	}

	return fmt.Errorf("%s failed after %d attempts: %w", name, r.Attempts, lastErr)
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
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
