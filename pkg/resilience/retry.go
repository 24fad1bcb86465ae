package resilience

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// Retrier runs an operation with bounded attempts and exponential backoff
// plus jitter. The classifier decides which errors are worth retrying;
// everything else fails immediately.
type Retrier struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	retryable   func(error) bool
	onRetry     func(attempt int, delay time.Duration, err error)
	sleep       func(ctx context.Context, d time.Duration) error
}

// RetryOption configures a Retrier.
type RetryOption func(*Retrier)

// WithMaxAttempts sets the total attempt count (first try included).
func WithMaxAttempts(n int) RetryOption {
	return func(r *Retrier) { r.maxAttempts = n }
}

// WithBaseDelay sets the delay before the first retry; later retries double it.
func WithBaseDelay(d time.Duration) RetryOption {
	return func(r *Retrier) { r.baseDelay = d }
}

// WithMaxDelay caps the backoff growth.
func WithMaxDelay(d time.Duration) RetryOption {
	return func(r *Retrier) { r.maxDelay = d }
}

// WithRetryable sets the error classifier. Default retries everything.
func WithRetryable(fn func(error) bool) RetryOption {
	return func(r *Retrier) { r.retryable = fn }
}

// WithOnRetry installs a callback invoked before each sleep.
func WithOnRetry(fn func(attempt int, delay time.Duration, err error)) RetryOption {
	return func(r *Retrier) { r.onRetry = fn }
}

// withSleep replaces the sleeper. For tests.
func withSleep(fn func(ctx context.Context, d time.Duration) error) RetryOption {
	return func(r *Retrier) { r.sleep = fn }
}

// NewRetrier builds a Retrier. Defaults: 3 attempts, 500ms base, 30s cap.
func NewRetrier(opts ...RetryOption) *Retrier {
	r := &Retrier{
		maxAttempts: 3,
		baseDelay:   500 * time.Millisecond,
		maxDelay:    30 * time.Second,
		retryable:   func(error) bool { return true },
		sleep:       sleepCtx,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Do runs fn until it succeeds, fails a non-retryable way, or exhausts the
// attempt budget. The context is checked between attempts.
func (r *Retrier) Do(ctx context.Context, fn func(context.Context) error) error {
	var last error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		last = fn(ctx)
		if last == nil {
			return nil
		}
		if !r.retryable(last) {
			return last
		}
		if attempt == r.maxAttempts {
			break
		}
		delay := r.delayFor(attempt, last)
		if r.onRetry != nil {
			r.onRetry(attempt, delay, last)
		}
		if err := r.sleep(ctx, delay); err != nil {
			return err
		}
	}
	return fmt.Errorf("retries exhausted after %d attempts: %w", r.maxAttempts, last)
}

// delayFor prefers a dependency-supplied retry-after hint; otherwise
// exponential backoff with jitter in [d/2, d).
func (r *Retrier) delayFor(attempt int, err error) time.Duration {
	if hint, ok := RetryAfterHint(err); ok && hint > 0 {
		return hint
	}
	d := r.baseDelay << (attempt - 1)
	if d > r.maxDelay {
		d = r.maxDelay
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// retryAfterError carries a backoff hint from a throttling dependency.
type retryAfterError struct {
	err   error
	after time.Duration
}

func (e *retryAfterError) Error() string { return e.err.Error() }
func (e *retryAfterError) Unwrap() error { return e.err }

// WithRetryAfter attaches a retry-after hint to err. Store clients use this
// to propagate the backoff the dependency asked for.
func WithRetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return &retryAfterError{err: err, after: after}
}

// RetryAfterHint extracts a retry-after hint from anywhere in err's chain.
func RetryAfterHint(err error) (time.Duration, bool) {
	var ra *retryAfterError
	if errors.As(err, &ra) {
		return ra.after, true
	}
	return 0, false
}
