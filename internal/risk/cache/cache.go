// Package cache provides the in-memory TTL store behind the risk signals:
// a striped-lock map keyed by behavioral dimension (ip, user, device) with
// explicit expiry, rather than an ambient framework cache.
package cache

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const shardCount = 16

type entry struct {
	value     string
	count     int
	expiresAt time.Time
}

type shard struct {
	mu    sync.Mutex
	items map[string]*entry
}

// Cache is a TTL key-value store safe for many concurrent request handlers.
// Counter and string entries share a namespace; callers keep them apart by
// key prefix, the same way the signal keys are laid out.
type Cache struct {
	shards [shardCount]*shard
	now    func() time.Time
}

// New builds an empty cache.
func New() *Cache {
	c := &Cache{now: time.Now}
	for i := range c.shards {
		c.shards[i] = &shard{items: make(map[string]*entry)}
	}
	return c
}

// NewWithClock builds a cache on a custom time source. For tests.
func NewWithClock(now func() time.Time) *Cache {
	c := New()
	c.now = now
	return c
}

func (c *Cache) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return c.shards[h.Sum32()%shardCount]
}

// Get returns the string value for key if present and unexpired.
func (c *Cache) Get(key string) (string, bool) {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(key, c.now())
	if !ok {
		return "", false
	}
	return e.value, true
}

// Set stores a string value with the given TTL, replacing any prior entry.
func (c *Cache) Set(key, value string, ttl time.Duration) {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = &entry{value: value, expiresAt: c.now().Add(ttl)}
}

// Incr bumps the counter at key and refreshes its TTL, returning the count
// BEFORE this increment. A fresh or expired key reports 0.
func (c *Cache) Incr(key string, ttl time.Duration) int {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	now := c.now()
	e, ok := s.live(key, now)
	if !ok {
		e = &entry{}
		s.items[key] = e
	}
	prior := e.count
	e.count++
	e.expiresAt = now.Add(ttl)
	return prior
}

// live returns the entry for key if unexpired, deleting it otherwise.
// Caller holds the shard lock.
func (s *shard) live(key string, now time.Time) (*entry, bool) {
	e, ok := s.items[key]
	if !ok {
		return nil, false
	}
	if now.After(e.expiresAt) {
		delete(s.items, key)
		return nil, false
	}
	return e, true
}

// Len counts live entries. For tests and gauges.
func (c *Cache) Len() int {
	now := c.now()
	total := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for key := range s.items {
			if _, ok := s.live(key, now); ok {
				total++
			}
		}
		s.mu.Unlock()
	}
	return total
}

// Janitor sweeps expired entries on the given interval until ctx is done.
// Reads already drop expired entries lazily; the sweep keeps keys that are
// never read again from lingering.
func (c *Cache) Janitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *Cache) sweep() {
	now := c.now()
	for _, s := range c.shards {
		s.mu.Lock()
		for key, e := range s.items {
			if now.After(e.expiresAt) {
				delete(s.items, key)
			}
		}
		s.mu.Unlock()
	}
}
