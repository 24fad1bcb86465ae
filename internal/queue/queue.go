// Package queue is the transport between intake and processing: at-least-once
// delivery, tenant-keyed partitioning, and a dead-letter channel for poison
// messages. Exactly-once lands downstream, in the store writer's idempotency.
package queue

import (
	"context"
	"fmt"
	"time"
)

// Message is one queued event plus its routing metadata. The body stays
// opaque bytes here; decoding belongs to the processing worker.
type Message struct {
	ID            string
	Key           string // tenant id; co-partitions a tenant's events
	Value         []byte
	Kind          string // event type tag, carried out of band for dispatch
	CorrelationID string
	SchemaVersion string
	UserID        string
	Since         time.Time // follow-up checks: the triggering event's time
	ScheduledFor  time.Time // zero means deliver immediately
	Attempt       int       // delivery attempt, starting at 1
}

// Publisher hands messages to the transport.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Handler processes one delivery. Returning nil completes the message;
// returning a *DeadLetterError routes it to the dead-letter channel and then
// completes it. Any other error leaves the message uncommitted for
// redelivery.
type Handler func(ctx context.Context, msg Message) error

// Consumer drives deliveries into a Handler until ctx is done.
type Consumer interface {
	Run(ctx context.Context, h Handler) error
}

// DepthReader reports how many messages are waiting. The backpressure
// monitor polls this independently of the consuming path.
type DepthReader interface {
	Depth(ctx context.Context) (int64, error)
}

// Dead-letter reason codes.
const (
	ReasonPoisonJSON  = "PoisonPill_Json"
	ReasonInvalidType = "PoisonPill_InvalidType"
	ReasonProcessing  = "ProcessingError"
)

// DeadLetterError tells the consumer to isolate the message instead of
// redelivering it. Reason is one of the reason codes above; Cause is kept
// for the forensic payload. Attempts, when set, records how many handler
// attempts the message actually consumed.
type DeadLetterError struct {
	Reason   string
	Attempts int
	Cause    error
}

func (e *DeadLetterError) Error() string {
	return fmt.Sprintf("dead-letter (%s): %v", e.Reason, e.Cause)
}

func (e *DeadLetterError) Unwrap() error { return e.Cause }
