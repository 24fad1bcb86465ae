package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// scheduler holds delayed messages until they fall due, then republishes
// them to the main topic. Each pending message waits on its own timer, so a
// far-future message never blocks the consumer's poll loop or a nearer one.
type scheduler struct {
	publish func(ctx context.Context, msg Message) error
	now     func() time.Time
	logger  *slog.Logger
	wg      sync.WaitGroup
}

func newScheduler(publish func(ctx context.Context, msg Message) error, now func() time.Time, logger *slog.Logger) *scheduler {
	return &scheduler{publish: publish, now: now, logger: logger}
}

// Add registers a message and returns immediately. The republish happens on
// a background goroutine once ScheduledFor passes; cancelling ctx abandons
// any still-pending messages.
func (s *scheduler) Add(ctx context.Context, msg Message) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if wait := msg.ScheduledFor.Sub(s.now()); wait > 0 {
			timer := time.NewTimer(wait)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			}
		}
		if err := s.publish(ctx, msg); err != nil {
			s.logger.Error("delayed republish failed", "messageId", msg.ID, "error", err)
		}
	}()
}

// Wait blocks until every pending message has either published or been
// abandoned by context cancellation.
func (s *scheduler) Wait() { s.wg.Wait() }
