// Package store persists processed events exactly once and maintains the
// per-user aggregates the dashboard reads. Idempotency lives here: the
// writer refuses to overwrite an existing document and distinguishes a
// harmless duplicate from a hash collision.
package store

import (
	"context"
	"time"

	"pulsegate/internal/event"
)

// DefaultTTL bounds how long a stored document lives.
const DefaultTTL = 30 * 24 * time.Hour

// Outcome classifies a write.
type Outcome int

const (
	// Created means the document did not exist and was written.
	Created Outcome = iota
	// DuplicateIgnored means an identical document already exists; the
	// write is a redelivery and was safely dropped.
	DuplicateIgnored
	// CollisionDetected means a different document already claims this
	// deduplication id. The write is dropped but must never be silent.
	CollisionDetected
)

func (o Outcome) String() string {
	switch o {
	case Created:
		return "Created"
	case DuplicateIgnored:
		return "DuplicateIgnored"
	case CollisionDetected:
		return "CollisionDetected"
	default:
		return "Unknown"
	}
}

// Document is the stored shape of a processed event.
type Document struct {
	ID           string      `json:"id"`
	PartitionKey string      `json:"partitionKey"`
	TTLSeconds   int         `json:"ttl"`
	StoredAt     time.Time   `json:"storedAt"`
	Event        event.Event `json:"event"`
}

// PartitionKeyFunc derives a document's partition key from its event.
type PartitionKeyFunc func(ev *event.Event) string

// MonthlyTenantKey partitions by tenant and calendar month of the event's
// creation time, keeping a tenant's month of traffic co-located.
func MonthlyTenantKey(ev *event.Event) string {
	return ev.TenantID + ":" + ev.CreatedAt.UTC().Format("2006-01")
}

// NewDocument wraps an event for storage. The document id is the event's
// deduplication id, which is what makes redeliveries collapse.
func NewDocument(ev *event.Event, key PartitionKeyFunc, ttl time.Duration) Document {
	return Document{
		ID:           ev.DeduplicationID,
		PartitionKey: key(ev),
		TTLSeconds:   int(ttl / time.Second),
		Event:        *ev,
	}
}

// Writer persists documents create-if-absent.
type Writer interface {
	Write(ctx context.Context, doc Document) (Outcome, error)
	Get(ctx context.Context, partitionKey, id string) (Document, error)
}

// Profile is the per-user aggregate the dashboard ranks users by.
type Profile struct {
	UserID     string    `json:"userId"`
	Score      int64     `json:"score"`
	EventCount int64     `json:"eventCount"`
	LastActive time.Time `json:"lastActive"`
}

// Profiles maintains user aggregates. Apply must be atomic per field so
// concurrent workers never lose increments.
type Profiles interface {
	Apply(ctx context.Context, ev *event.Event) error
	Get(ctx context.Context, userID string) (Profile, error)
	// HasPurchase reports whether the user completed a purchase at or
	// after since.
	HasPurchase(ctx context.Context, userID string, since time.Time) (bool, error)
}

// HealthState is the shared record the backpressure monitor writes and the
// intake side polls to decide whether to shed load.
type HealthState struct {
	IsUnderPressure        bool      `json:"isUnderPressure"`
	RecommendedConcurrency int       `json:"recommendedConcurrency"`
	UpdatedAt              time.Time `json:"lastUpdated"`
}

// HealthStates stores the single shared throttle record. Get returns
// ok=false when no record has ever been written, which readers treat as
// not throttled.
type HealthStates interface {
	Put(ctx context.Context, state HealthState) error
	Get(ctx context.Context) (HealthState, bool, error)
}
