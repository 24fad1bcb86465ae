// Package worker consumes queued events and runs the authoritative
// processing pipeline: scoring, archival, idempotent persistence, user
// aggregates, and cart follow-ups. Poison messages go straight to the
// dead-letter channel; everything else gets a bounded retry first.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"pulsegate/internal/archive"
	"pulsegate/internal/event"
	"pulsegate/internal/queue"
	"pulsegate/internal/risk"
	"pulsegate/internal/stats"
	"pulsegate/internal/store"
	"pulsegate/pkg/resilience"
)

// addToCartAction is the user action that arms a cart follow-up check.
const addToCartAction = "add_to_cart"

// Worker is the queue.Handler for the processing side.
type Worker struct {
	engine    *risk.Engine
	writer    store.Writer
	profiles  store.Profiles
	archiver  archive.Archiver
	publisher queue.Publisher
	stats     *stats.Service
	metrics   *Metrics
	retrier   *resilience.Retrier
	keyFn     store.PartitionKeyFunc
	docTTL    time.Duration
	cartDelay time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

type Option func(*Worker)

// WithCartCheckDelay overrides how long after add_to_cart the follow-up
// check fires.
func WithCartCheckDelay(d time.Duration) Option {
	return func(w *Worker) { w.cartDelay = d }
}

// WithDocumentTTL overrides the stored document lifetime.
func WithDocumentTTL(d time.Duration) Option {
	return func(w *Worker) { w.docTTL = d }
}

func withClock(now func() time.Time) Option {
	return func(w *Worker) { w.now = now }
}

func withSleepless() Option {
	return func(w *Worker) {
		w.retrier = resilience.NewRetrier(
			resilience.WithMaxAttempts(3),
			resilience.WithBaseDelay(time.Millisecond),
			resilience.WithRetryable(retryable),
		)
	}
}

func New(engine *risk.Engine, writer store.Writer, profiles store.Profiles, archiver archive.Archiver, publisher queue.Publisher, statsSvc *stats.Service, metrics *Metrics, logger *slog.Logger, opts ...Option) *Worker {
	w := &Worker{
		engine:    engine,
		writer:    writer,
		profiles:  profiles,
		archiver:  archiver,
		publisher: publisher,
		stats:     statsSvc,
		metrics:   metrics,
		keyFn:     store.MonthlyTenantKey,
		docTTL:    store.DefaultTTL,
		cartDelay: time.Minute,
		logger:    logger,
		now:       time.Now,
	}
	w.retrier = resilience.NewRetrier(
		resilience.WithMaxAttempts(3),
		resilience.WithBaseDelay(500*time.Millisecond),
		resilience.WithRetryable(retryable),
		resilience.WithOnRetry(func(attempt int, delay time.Duration, err error) {
			logger.Warn("processing retry", "attempt", attempt, "delay", delay, "error", err)
		}),
	)
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Cancellation is terminal; every other processing failure is worth the
// remaining attempts.
func retryable(err error) bool {
	return !errors.Is(err, context.Canceled)
}

// Handle processes one delivery. Type resolution and decoding failures are
// poison and dead-letter immediately; pipeline failures burn the retry
// budget first.
func (w *Worker) Handle(ctx context.Context, msg queue.Message) error {
	start := w.now()

	if msg.Kind == "" {
		return w.poison(msg, queue.ReasonInvalidType, errors.New("missing event-type header"))
	}
	kind := event.NormalizeKind(msg.Kind)
	if !event.KnownKind(kind) {
		return w.poison(msg, queue.ReasonInvalidType, fmt.Errorf("unknown event type %q", msg.Kind))
	}

	ev, err := event.Decode(kind, msg.Value)
	if err != nil {
		return w.poison(msg, queue.ReasonPoisonJSON, err)
	}
	if ev.CorrelationID == "" {
		ev.CorrelationID = msg.CorrelationID
	}

	var attempts int
	err = w.retrier.Do(ctx, func(ctx context.Context) error {
		attempts++
		return w.process(ctx, ev)
	})
	if err != nil {
		w.stats.RecordFailure()
		w.metrics.recordResult(resultDeadLetter)
		return &queue.DeadLetterError{Reason: queue.ReasonProcessing, Attempts: attempts, Cause: err}
	}

	w.stats.RecordSuccess()
	w.stats.RecordEvent(ev, w.now().Sub(start))
	w.metrics.recordResult(resultSuccess)
	return nil
}

func (w *Worker) poison(msg queue.Message, reason string, cause error) error {
	w.stats.RecordFailure()
	w.metrics.recordResult(resultDeadLetter)
	w.logger.Error("poison message", "messageId", msg.ID, "reason", reason, "error", cause)
	return &queue.DeadLetterError{Reason: reason, Attempts: msg.Attempt, Cause: cause}
}

// process runs every event, follow-up checks included, through the common
// pipeline: score, archive, persist, then the Created-gated side effects.
func (w *Worker) process(ctx context.Context, ev *event.Event) error {
	res := w.engine.Score(ev)
	ev.SetMeta(event.MetaRiskScore, strconv.Itoa(res.Score))
	ev.SetMeta(event.MetaRiskReason, res.Reason)
	ev.SetMeta(event.MetaIsSuspicious, strconv.FormatBool(res.Suspicious()))
	if res.Suspicious() {
		w.logger.Warn("suspicious event",
			"eventId", ev.EventID,
			"userId", ev.UserID,
			"score", res.Score,
			"reason", res.Reason)
	}

	w.archive(ctx, ev)

	doc := store.NewDocument(ev, w.keyFn, w.docTTL)
	outcome, err := w.writer.Write(ctx, doc)
	if err != nil {
		return fmt.Errorf("store write: %w", err)
	}
	if outcome == store.Created {
		if err := w.profiles.Apply(ctx, ev); err != nil {
			return fmt.Errorf("profile update: %w", err)
		}
		if actionName(ev) == addToCartAction {
			if err := w.scheduleCartCheck(ctx, ev); err != nil {
				return fmt.Errorf("schedule cart check: %w", err)
			}
		}
	} else {
		// Redelivery or collision: the counting side effects already
		// happened (or must not happen), so they are skipped.
		w.logger.Info("write skipped", "eventId", ev.EventID, "outcome", outcome.String())
	}

	if ev.Type == event.KindCheckCartStatus {
		return w.checkCart(ctx, ev)
	}
	return nil
}

// archive is best effort: a miss costs replay material, not correctness.
func (w *Worker) archive(ctx context.Context, ev *event.Event) {
	raw, err := json.Marshal(ev)
	if err != nil {
		w.logger.Warn("archive marshal failed", "eventId", ev.EventID, "error", err)
		return
	}
	if err := w.archiver.Archive(ctx, ev.EventID, raw); err != nil {
		w.logger.Warn("archive failed", "eventId", ev.EventID, "error", err)
	}
}

// scheduleCartCheck arms a delayed follow-up carrying the trigger's identity
// as causation and its time as the purchase-search floor.
func (w *Worker) scheduleCartCheck(ctx context.Context, trigger *event.Event) error {
	check := event.New(event.KindCheckCartStatus, trigger.TenantID, &event.CheckCartStatus{
		Since: trigger.CreatedAt,
	})
	check.UserID = trigger.UserID
	check.CorrelationID = trigger.CorrelationID
	check.CausationID = trigger.EventID
	check.DeduplicationID = check.EventID

	body, err := json.Marshal(check)
	if err != nil {
		return fmt.Errorf("marshal cart check: %w", err)
	}
	return w.publisher.Publish(ctx, queue.Message{
		ID:            check.EventID,
		Key:           check.TenantID,
		Value:         body,
		Kind:          string(check.Type),
		CorrelationID: check.CorrelationID,
		SchemaVersion: check.SchemaVersion,
		UserID:        check.UserID,
		Since:         trigger.CreatedAt,
		ScheduledFor:  w.now().Add(w.cartDelay),
	})
}

// checkCart resolves a scheduled follow-up: no purchase since the trigger
// means the cart was abandoned.
func (w *Worker) checkCart(ctx context.Context, ev *event.Event) error {
	payload, ok := ev.Payload.(*event.CheckCartStatus)
	if !ok {
		return fmt.Errorf("unexpected payload %T for %s", ev.Payload, ev.Type)
	}

	purchased, err := w.profiles.HasPurchase(ctx, ev.UserID, payload.Since)
	if err != nil {
		return fmt.Errorf("purchase lookup: %w", err)
	}
	if purchased {
		return nil
	}

	w.metrics.recordCartAlert()
	w.logger.Warn("cart abandoned",
		"userId", ev.UserID,
		"since", payload.Since,
		"causationId", ev.CausationID)
	w.stats.RecordAlert(stats.Alert{
		Type:     "CartAbandoned",
		Severity: stats.LevelMedium,
		UserID:   ev.UserID,
		Message:  fmt.Sprintf("no purchase since %s", payload.Since.UTC().Format(time.RFC3339)),
	})
	return nil
}

// actionName covers purchases too, which carry the user-action fields.
func actionName(ev *event.Event) string {
	switch p := ev.Payload.(type) {
	case *event.UserAction:
		return p.ActionName
	case *event.Purchase:
		return p.ActionName
	}
	return ""
}
