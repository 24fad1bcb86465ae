// Package intake accepts events over HTTP, enriches and pre-scores them,
// and hands them to the queue. Acceptance is the contract: once a client
// sees 202 the event survives process restarts, so the publish path carries
// the retry and breaker protection.
package intake

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"pulsegate/internal/enrich"
	"pulsegate/internal/event"
	"pulsegate/internal/queue"
	"pulsegate/internal/risk"
	"pulsegate/internal/stats"
	"pulsegate/pkg/resilience"
	"pulsegate/pkg/sentinel"
)

// Service runs the accept pipeline for a decoded event.
type Service struct {
	publisher queue.Publisher
	enricher  *enrich.Enricher
	engine    *risk.Engine
	stats     *stats.Service
	retrier   *resilience.Retrier
	breaker   *resilience.Breaker
	metrics   *Metrics
	logger    *slog.Logger
	now       func() time.Time
}

func NewService(pub queue.Publisher, enricher *enrich.Enricher, engine *risk.Engine, statsSvc *stats.Service, metrics *Metrics, logger *slog.Logger) *Service {
	s := &Service{
		publisher: pub,
		enricher:  enricher,
		engine:    engine,
		stats:     statsSvc,
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
	}
	s.retrier = resilience.NewRetrier(
		resilience.WithMaxAttempts(3),
		resilience.WithBaseDelay(500*time.Millisecond),
		resilience.WithRetryable(sentinel.Transient),
		resilience.WithOnRetry(func(attempt int, delay time.Duration, err error) {
			logger.Warn("publish retry", "attempt", attempt, "delay", delay, "error", err)
		}),
	)
	s.breaker = resilience.NewBreaker("event-publish",
		resilience.WithFailureRatio(0.5),
		resilience.WithSamplingWindow(30*time.Second),
		resilience.WithMinThroughput(10),
		resilience.WithBreakDuration(30*time.Second),
		resilience.WithOnStateChange(func(name string, from, to resilience.BreakerState) {
			logger.Warn("breaker state change", "breaker", name, "from", from, "to", to)
			metrics.setBreakerOpen(to == resilience.StateOpen)
		}),
	)
	return s
}

// Accept enriches, pre-scores and publishes one event. The risk score here
// is advisory; the worker recomputes it authoritatively. Scoring problems
// never block acceptance.
func (s *Service) Accept(ctx context.Context, ev *event.Event) error {
	start := s.now()

	s.enricher.Enrich(ctx, ev)
	res := s.engine.Score(ev)
	ev.SetMeta(event.MetaRiskScore, strconv.Itoa(res.Score))
	ev.SetMeta(event.MetaRiskReason, res.Reason)
	ev.SetMeta(event.MetaIsSuspicious, strconv.FormatBool(res.Suspicious()))

	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	msg := queue.Message{
		ID:            ev.EventID,
		Key:           ev.TenantID,
		Value:         body,
		Kind:          string(ev.Type),
		CorrelationID: ev.CorrelationID,
		SchemaVersion: ev.SchemaVersion,
		UserID:        ev.UserID,
	}
	err = s.retrier.Do(ctx, func(ctx context.Context) error {
		return s.breaker.Do(ctx, func(ctx context.Context) error {
			return s.publisher.Publish(ctx, msg)
		})
	})
	if err != nil {
		s.metrics.recordPublishFailure()
		s.metrics.recordReject(RejectPublish)
		return fmt.Errorf("publish event %s: %w", ev.EventID, err)
	}

	s.metrics.recordAccept()
	s.stats.RecordEvent(ev, s.now().Sub(start))
	if res.Suspicious() {
		s.logger.Warn("suspicious event accepted",
			"eventId", ev.EventID,
			"userId", ev.UserID,
			"score", res.Score,
			"reason", res.Reason)
	}
	return nil
}
