// Package healthgate gives the intake side a cheap local view of the
// processor's backpressure state. The gate polls the shared health record
// and callers check a bool; intake never talks to the queue's depth API
// directly.
package healthgate

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"pulsegate/internal/store"
)

// Gate polls the shared health record and caches the throttle decision.
type Gate struct {
	states    store.HealthStates
	interval  time.Duration
	logger    *slog.Logger
	throttled atomic.Bool
}

func New(states store.HealthStates, interval time.Duration, logger *slog.Logger) *Gate {
	return &Gate{states: states, interval: interval, logger: logger}
}

// IsThrottled reports the last polled state. Before the first poll
// completes it reports false, favoring availability.
func (g *Gate) IsThrottled() bool {
	return g.throttled.Load()
}

// Run polls until ctx is done. A missing record means the processor has
// never reported pressure, which reads as healthy.
func (g *Gate) Run(ctx context.Context) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()
	g.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.poll(ctx)
		}
	}
}

func (g *Gate) poll(ctx context.Context) {
	state, ok, err := g.states.Get(ctx)
	if err != nil {
		g.logger.Warn("health record poll failed", "error", err)
		return
	}
	next := ok && state.IsUnderPressure
	if prev := g.throttled.Swap(next); prev != next {
		if next {
			g.logger.Warn("throttling engaged",
				"recommendedConcurrency", state.RecommendedConcurrency,
				"reportedAt", state.UpdatedAt)
		} else {
			g.logger.Info("throttling disengaged")
		}
	}
}
