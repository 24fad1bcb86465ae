// Package archive keeps a raw copy of every processed event for replay and
// audit. Archival is best effort: callers absorb failures and never let the
// archive block the processing path.
package archive

import (
	"context"
	"fmt"
	"sync"
	"time"

	platformredis "pulsegate/internal/platform/redis"
)

// Archiver stores the raw body of an event under its id.
type Archiver interface {
	Archive(ctx context.Context, eventID string, raw []byte) error
}

// Redis writes archives under date-bucketed keys so an operator can scan a
// day's traffic with a single prefix.
type Redis struct {
	rdb *platformredis.Client
	ttl time.Duration
	now func() time.Time
}

func NewRedis(rdb *platformredis.Client, ttl time.Duration) *Redis {
	return &Redis{rdb: rdb, ttl: ttl, now: time.Now}
}

func (a *Redis) Archive(ctx context.Context, eventID string, raw []byte) error {
	key := fmt.Sprintf("archive:%s/%s.json", a.now().UTC().Format("2006/01/02"), eventID)
	if err := a.rdb.Set(ctx, key, raw, a.ttl).Err(); err != nil {
		return fmt.Errorf("archive %s: %w", eventID, err)
	}
	return nil
}

// Memory collects archives for tests.
type Memory struct {
	mu   sync.Mutex
	data map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

func (a *Memory) Archive(_ context.Context, eventID string, raw []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	body := make([]byte, len(raw))
	copy(body, raw)
	a.data[eventID] = body
	return nil
}

// Get returns the archived body for an event id.
func (a *Memory) Get(eventID string) ([]byte, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	body, ok := a.data[eventID]
	return body, ok
}

// Noop discards everything. Used when archival is disabled.
type Noop struct{}

func (Noop) Archive(context.Context, string, []byte) error { return nil }
