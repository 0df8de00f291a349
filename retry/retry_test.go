package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
	}
}

func TestRetry_DefaultConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, 200*time.Millisecond, cfg.BaseBackoff)
	assert.Equal(t, 5*time.Second, cfg.MaxBackoff)
}

func TestRetry_Do_SuccessOnFirstAttempt(t *testing.T) {
	t.Parallel()

	attempts := 0
	err := Do(context.Background(), fastConfig(), func(int) error {
		attempts++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRetry_Do_SuccessAfterRetries(t *testing.T) {
	t.Parallel()

	var seen []int
	err := Do(context.Background(), fastConfig(), func(attempt int) error {
		seen = append(seen, attempt)
		if attempt < 3 {
			return errors.New("database is locked")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, seen)
}

func TestRetry_Do_ExhaustsAllAttempts(t *testing.T) {
	t.Parallel()

	boom := errors.New("connection reset")
	attempts := 0
	err := Do(context.Background(), fastConfig(), func(int) error {
		attempts++
		return boom
	})

	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.ErrorIs(t, err, boom)
}

func TestRetry_Do_NonRetryableStopsImmediately(t *testing.T) {
	t.Parallel()

	permanent := errors.New("permanent")
	cfg := fastConfig()
	cfg.Retryable = func(err error) bool { return !errors.Is(err, permanent) }

	attempts := 0
	err := Do(context.Background(), cfg, func(int) error {
		attempts++
		return permanent
	})

	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, attempts)
}

func TestRetry_Do_ContextCanceledDuringBackoff(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{MaxAttempts: 5, BaseBackoff: time.Hour, MaxBackoff: time.Hour}

	attempts := 0
	err := Do(ctx, cfg, func(int) error {
		attempts++
		cancel()
		return errors.New("timeout")
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, attempts)
}

func TestRetry_Do_UsesInjectedClock(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	cfg := Config{
		MaxAttempts: 2,
		BaseBackoff: time.Second,
		MaxBackoff:  time.Minute,
		Clock:       clock,
		NoJitter:    true,
	}

	done := make(chan error, 1)
	attempts := 0
	go func() {
		done <- Do(context.Background(), cfg, func(attempt int) error {
			attempts++
			if attempt == 1 {
				return errors.New("busy")
			}
			return nil
		})
	}()

	// The second attempt waits on the fake clock for base * 2^1.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(2 * time.Second)

	require.NoError(t, <-done)
	assert.Equal(t, 2, attempts)
}

func TestRetry_Backoff(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 200*time.Millisecond, Backoff(100*time.Millisecond, time.Second, 1, false))
	assert.Equal(t, 400*time.Millisecond, Backoff(100*time.Millisecond, time.Second, 2, false))
	assert.Equal(t, time.Second, Backoff(100*time.Millisecond, time.Second, 10, false))
	assert.Equal(t, time.Duration(0), Backoff(0, time.Second, 3, false))

	for i := 0; i < 50; i++ {
		d := Backoff(100*time.Millisecond, time.Second, 2, true)
		assert.GreaterOrEqual(t, d, 200*time.Millisecond)
		assert.Less(t, d, 400*time.Millisecond)
	}
}
