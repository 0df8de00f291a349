package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/jonboulle/clockwork"
)

// Config holds retry configuration.
type Config struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	// Retryable decides whether an error is worth another attempt.
	// Defaults to retrying everything except context cancellation.
	Retryable func(error) bool

	// Clock is used for backoff sleeps. Defaults to the real clock.
	Clock clockwork.Clock

	// NoJitter disables the random factor, for deterministic tests.
	NoJitter bool
}

// DefaultConfig returns the default retry configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseBackoff: 200 * time.Millisecond,
		MaxBackoff:  5 * time.Second,
	}
}

// ExhaustedError is returned when every attempt failed.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Do executes fn with exponential backoff. fn receives the 1-based attempt
// number. Returns nil on success, the error itself when it is not retryable,
// or an *ExhaustedError after the last attempt.
func Do(ctx context.Context, cfg Config, fn func(attempt int) error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	retryable := cfg.Retryable
	if retryable == nil {
		retryable = IsRetryable
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			backoff := Backoff(cfg.BaseBackoff, cfg.MaxBackoff, attempt-1, !cfg.NoJitter)
			select {
			case <-ctx.Done():
				return errors.Join(ctx.Err(), lastErr)
			case <-cfg.Clock.After(backoff):
			}
		}

		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) {
			return lastErr
		}
		if ctx.Err() != nil {
			return errors.Join(ctx.Err(), lastErr)
		}
	}

	return &ExhaustedError{Attempts: cfg.MaxAttempts, Err: lastErr}
}

// IsRetryable is the default classification: everything but cancellation.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, context.Canceled)
}

// Backoff computes base * 2^attempt capped at max, optionally scaled by a
// random factor in [0.5, 1.0) so concurrent retries spread out.
func Backoff(base, max time.Duration, attempt int, jitter bool) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt > 30 {
		attempt = 30
	}
	backoff := base * time.Duration(1<<uint(attempt))
	if max > 0 && backoff > max {
		backoff = max
	}
	if !jitter {
		return backoff
	}
	factor := 0.5 + rand.Float64()*0.5
	return time.Duration(float64(backoff) * factor)
}
