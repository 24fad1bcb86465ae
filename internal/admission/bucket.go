package admission

import (
	"sync"
	"time"
)

// tokenBucket is a per-actor burst allowance: capacity tokens, refilled at a
// fixed rate, with no queueing. A request that cannot take a token right now
// is rejected, never parked.
type tokenBucket struct {
	tokens   float64
	last     time.Time
	lastSeen time.Time
}

// BucketRegistry owns one token bucket per client IP. Buckets are created
// lazily and evicted after sitting idle, so hostile IP churn cannot grow the
// map without bound.
type BucketRegistry struct {
	mu        sync.Mutex
	buckets   map[string]*tokenBucket
	capacity  float64
	perSecond float64
	idleTTL   time.Duration
	lastSweep time.Time
	now       func() time.Time
}

// NewBucketRegistry builds a registry with the given burst capacity and
// refill rate per bucket.
func NewBucketRegistry(capacity, tokensPerSecond int) *BucketRegistry {
	return &BucketRegistry{
		buckets:   make(map[string]*tokenBucket),
		capacity:  float64(capacity),
		perSecond: float64(tokensPerSecond),
		idleTTL:   10 * time.Minute,
		now:       time.Now,
	}
}

// Allow takes one token from the key's bucket, creating it full on first use.
func (r *BucketRegistry) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.maybeSweep(now)

	b, ok := r.buckets[key]
	if !ok {
		b = &tokenBucket{tokens: r.capacity, last: now}
		r.buckets[key] = b
	}

	elapsed := now.Sub(b.last).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * r.perSecond
		if b.tokens > r.capacity {
			b.tokens = r.capacity
		}
		b.last = now
	}
	b.lastSeen = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Size returns the number of live buckets. For tests and gauges.
func (r *BucketRegistry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buckets)
}

// maybeSweep drops idle buckets at most once per idleTTL. Caller holds mu.
func (r *BucketRegistry) maybeSweep(now time.Time) {
	if now.Sub(r.lastSweep) < r.idleTTL {
		return
	}
	r.lastSweep = now
	for key, b := range r.buckets {
		if now.Sub(b.lastSeen) >= r.idleTTL {
			delete(r.buckets, key)
		}
	}
}

// withClock replaces the time source. For tests.
func (r *BucketRegistry) withClock(now func() time.Time) *BucketRegistry {
	r.now = now
	return r
}
