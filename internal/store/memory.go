package store

import (
	"context"
	"sync"
	"time"

	"pulsegate/internal/event"
	"pulsegate/pkg/sentinel"
)

// MemoryWriter is an in-process Writer for tests and local runs.
type MemoryWriter struct {
	mu   sync.Mutex
	docs map[string]Document
	now  func() time.Time
}

func NewMemoryWriter() *MemoryWriter {
	return &MemoryWriter{docs: make(map[string]Document), now: time.Now}
}

func (w *MemoryWriter) Write(_ context.Context, doc Document) (Outcome, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if doc.StoredAt.IsZero() {
		doc.StoredAt = w.now().UTC()
	}
	key := docKey(doc.PartitionKey, doc.ID)
	existing, ok := w.docs[key]
	if !ok {
		w.docs[key] = doc
		return Created, nil
	}
	if existing.Event.PayloadHash == doc.Event.PayloadHash {
		return DuplicateIgnored, nil
	}
	return CollisionDetected, nil
}

func (w *MemoryWriter) Get(_ context.Context, partitionKey, id string) (Document, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	doc, ok := w.docs[docKey(partitionKey, id)]
	if !ok {
		return Document{}, sentinel.ErrNotFound
	}
	return doc, nil
}

// Len reports how many documents are stored.
func (w *MemoryWriter) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.docs)
}

// MemoryProfiles is an in-process Profiles for tests and local runs.
type MemoryProfiles struct {
	mu        sync.Mutex
	profiles  map[string]Profile
	purchases map[string][]time.Time
}

func NewMemoryProfiles() *MemoryProfiles {
	return &MemoryProfiles{
		profiles:  make(map[string]Profile),
		purchases: make(map[string][]time.Time),
	}
}

func (p *MemoryProfiles) Apply(_ context.Context, ev *event.Event) error {
	weight := ev.Type.ScoreWeight()
	if weight == 0 {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	prof := p.profiles[ev.UserID]
	prof.UserID = ev.UserID
	prof.Score += int64(weight)
	prof.EventCount++
	prof.LastActive = ev.CreatedAt
	p.profiles[ev.UserID] = prof
	if ev.Type == event.KindPurchase {
		p.purchases[ev.UserID] = append(p.purchases[ev.UserID], ev.CreatedAt)
	}
	return nil
}

func (p *MemoryProfiles) Get(_ context.Context, userID string) (Profile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	prof, ok := p.profiles[userID]
	if !ok {
		return Profile{}, sentinel.ErrNotFound
	}
	return prof, nil
}

func (p *MemoryProfiles) HasPurchase(_ context.Context, userID string, since time.Time) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, at := range p.purchases[userID] {
		if !at.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

// MemoryHealthStates is an in-process HealthStates for tests and local runs.
type MemoryHealthStates struct {
	mu    sync.Mutex
	state HealthState
	set   bool
}

func NewMemoryHealthStates() *MemoryHealthStates {
	return &MemoryHealthStates{}
}

func (h *MemoryHealthStates) Put(_ context.Context, state HealthState) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = state
	h.set = true
	return nil
}

func (h *MemoryHealthStates) Get(context.Context) (HealthState, bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state, h.set, nil
}
