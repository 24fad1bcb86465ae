package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noSleep() RetryOption {
	return withSleep(func(context.Context, time.Duration) error { return nil })
}

func TestRetrier_SucceedsFirstAttempt(t *testing.T) {
	r := NewRetrier(noSleep())
	calls := 0
	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetrier_RetriesTransientThenSucceeds(t *testing.T) {
	r := NewRetrier(WithMaxAttempts(3), noSleep())
	calls := 0
	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errBoom
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetrier_ExhaustsAttempts(t *testing.T) {
	r := NewRetrier(WithMaxAttempts(3), noSleep())
	calls := 0
	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		return errBoom
	})
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, 3, calls)
}

func TestRetrier_NonRetryableFailsImmediately(t *testing.T) {
	poison := errors.New("poison")
	r := NewRetrier(
		WithMaxAttempts(5),
		WithRetryable(func(err error) bool { return !errors.Is(err, poison) }),
		noSleep(),
	)
	calls := 0
	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		return poison
	})
	require.ErrorIs(t, err, poison)
	assert.Equal(t, 1, calls)
}

func TestRetrier_HonorsRetryAfterHint(t *testing.T) {
	var slept []time.Duration
	r := NewRetrier(
		WithMaxAttempts(2),
		withSleep(func(_ context.Context, d time.Duration) error {
			slept = append(slept, d)
			return nil
		}),
	)
	err := r.Do(context.Background(), func(context.Context) error {
		return WithRetryAfter(errBoom, 7*time.Second)
	})
	require.Error(t, err)
	require.Len(t, slept, 1)
	assert.Equal(t, 7*time.Second, slept[0])
}

func TestRetrier_ContextCancelStopsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := NewRetrier(
		WithMaxAttempts(10),
		withSleep(func(ctx context.Context, _ time.Duration) error {
			cancel()
			return ctx.Err()
		}),
	)
	err := r.Do(ctx, func(context.Context) error { return errBoom })
	require.ErrorIs(t, err, context.Canceled)
}

func TestRetryAfterHint_AbsentOnPlainError(t *testing.T) {
	_, ok := RetryAfterHint(errBoom)
	assert.False(t, ok)
}
