package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by Breaker.Do while the circuit is open.
var ErrOpen = errors.New("circuit open")

// BreakerState is the circuit position.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Breaker trips when the failure ratio over a rolling sampling window crosses
// a threshold, provided a minimum number of calls were observed. While open it
// fails fast; after the cooldown a single half-open probe decides whether to
// close again.
type Breaker struct {
	name string

	failureRatio   float64
	samplingWindow time.Duration
	minThroughput  int
	breakDuration  time.Duration

	mu       sync.Mutex
	state    BreakerState
	buckets  []bucket
	openedAt time.Time
	probing  bool

	now      func() time.Time
	onChange func(name string, from, to BreakerState)
}

// bucket aggregates one second of call outcomes.
type bucket struct {
	second   int64
	total    int
	failures int
}

// BreakerOption configures a Breaker.
type BreakerOption func(*Breaker)

// WithFailureRatio sets the tripping ratio (default 0.5).
func WithFailureRatio(r float64) BreakerOption {
	return func(b *Breaker) { b.failureRatio = r }
}

// WithSamplingWindow sets the rolling window length (default 30s).
func WithSamplingWindow(d time.Duration) BreakerOption {
	return func(b *Breaker) { b.samplingWindow = d }
}

// WithMinThroughput sets the minimum calls per window before the ratio is
// trusted (default 10).
func WithMinThroughput(n int) BreakerOption {
	return func(b *Breaker) { b.minThroughput = n }
}

// WithBreakDuration sets how long the circuit stays open (default 30s).
func WithBreakDuration(d time.Duration) BreakerOption {
	return func(b *Breaker) { b.breakDuration = d }
}

// WithOnStateChange installs a transition callback (logging, metrics).
func WithOnStateChange(fn func(name string, from, to BreakerState)) BreakerOption {
	return func(b *Breaker) { b.onChange = fn }
}

// WithClock replaces the time source. For tests.
func WithClock(now func() time.Time) BreakerOption {
	return func(b *Breaker) { b.now = now }
}

// NewBreaker builds a Breaker with the given name for log/metric labels.
func NewBreaker(name string, opts ...BreakerOption) *Breaker {
	b := &Breaker{
		name:           name,
		failureRatio:   0.5,
		samplingWindow: 30 * time.Second,
		minThroughput:  10,
		breakDuration:  30 * time.Second,
		state:          StateClosed,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.buckets = make([]bucket, int(b.samplingWindow/time.Second)+1)
	return b
}

// Name returns the breaker's label.
func (b *Breaker) Name() string { return b.name }

// State returns the current circuit position, accounting for cooldown expiry.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refresh()
	return b.state
}

// Do runs fn through the circuit. While open it returns ErrOpen without
// calling fn; in half-open exactly one caller probes at a time.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if !b.allow() {
		return ErrOpen
	}
	err := fn(ctx)
	b.record(err == nil)
	return err
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refresh()
	switch b.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	default:
		return false
	}
}

func (b *Breaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.probing = false
		if success {
			b.transition(StateClosed)
			b.reset()
		} else {
			b.openedAt = b.now()
			b.transition(StateOpen)
		}
		return
	}

	bk := b.currentBucket()
	bk.total++
	if !success {
		bk.failures++
	}

	if b.state == StateClosed {
		total, failures := b.windowCounts()
		if total >= b.minThroughput && float64(failures)/float64(total) >= b.failureRatio {
			b.openedAt = b.now()
			b.transition(StateOpen)
		}
	}
}

// refresh moves open → half-open once the cooldown has elapsed. Callers hold mu.
func (b *Breaker) refresh() {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.breakDuration {
		b.transition(StateHalfOpen)
		b.probing = false
	}
}

func (b *Breaker) transition(to BreakerState) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.onChange != nil {
		b.onChange(b.name, from, to)
	}
}

func (b *Breaker) reset() {
	for i := range b.buckets {
		b.buckets[i] = bucket{}
	}
}

func (b *Breaker) currentBucket() *bucket {
	sec := b.now().Unix()
	bk := &b.buckets[sec%int64(len(b.buckets))]
	if bk.second != sec {
		*bk = bucket{second: sec}
	}
	return bk
}

func (b *Breaker) windowCounts() (total, failures int) {
	cutoff := b.now().Unix() - int64(b.samplingWindow/time.Second)
	for i := range b.buckets {
		if b.buckets[i].second > cutoff {
			total += b.buckets[i].total
			failures += b.buckets[i].failures
		}
	}
	return total, failures
}
