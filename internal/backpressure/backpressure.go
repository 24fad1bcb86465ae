// Package backpressure watches queue depth and publishes the shared health
// record the intake side throttles on. Thresholds are asymmetric on purpose:
// pressure engages at 5,000 but only releases below 1,000, so the system
// does not flap while draining.
package backpressure

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"pulsegate/internal/queue"
	"pulsegate/internal/store"
)

const (
	depthCritical = 10000
	depthHigh     = 5000
	depthLow      = 1000

	concurrencyCritical = 4
	concurrencyHigh     = 16
	concurrencyNormal   = 32
)

// Snapshot is the monitor's current view.
type Snapshot struct {
	Depth                  int64
	UnderPressure          bool
	RecommendedConcurrency int
}

// Monitor polls depth on an interval and writes the health record only when
// the recommendation changes. A failed write waits for the next poll rather
// than retrying inline.
type Monitor struct {
	depth    queue.DepthReader
	states   store.HealthStates
	interval time.Duration
	metrics  *Metrics
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	current Snapshot
}

func New(depth queue.DepthReader, states store.HealthStates, interval time.Duration, metrics *Metrics, logger *slog.Logger) *Monitor {
	return &Monitor{
		depth:    depth,
		states:   states,
		interval: interval,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
		current: Snapshot{
			UnderPressure:          false,
			RecommendedConcurrency: concurrencyNormal,
		},
	}
}

// Snapshot returns the last evaluated state.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Run polls until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	m.evaluate(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.evaluate(ctx)
		}
	}
}

func (m *Monitor) evaluate(ctx context.Context) {
	depth, err := m.depth.Depth(ctx)
	if err != nil {
		m.logger.Warn("depth poll failed", "error", err)
		return
	}
	m.metrics.setDepth(depth)

	var pressure bool
	var concurrency int
	switch {
	case depth >= depthCritical:
		pressure, concurrency = true, concurrencyCritical
	case depth >= depthHigh:
		pressure, concurrency = true, concurrencyHigh
	case depth < depthLow:
		pressure, concurrency = false, concurrencyNormal
	default:
		// Hysteresis band: keep whatever was decided last.
		m.mu.Lock()
		m.current.Depth = depth
		m.mu.Unlock()
		return
	}

	m.mu.Lock()
	changed := pressure != m.current.UnderPressure ||
		concurrency != m.current.RecommendedConcurrency
	m.current = Snapshot{
		Depth:                  depth,
		UnderPressure:          pressure,
		RecommendedConcurrency: concurrency,
	}
	m.mu.Unlock()
	m.metrics.setPressure(pressure, concurrency)

	if !changed {
		return
	}

	if pressure {
		m.logger.Warn("backpressure engaged",
			"depth", depth, "recommendedConcurrency", concurrency)
	} else {
		m.logger.Info("backpressure released", "depth", depth)
	}

	state := store.HealthState{
		IsUnderPressure:        pressure,
		RecommendedConcurrency: concurrency,
		UpdatedAt:              m.now().UTC(),
	}
	if err := m.states.Put(ctx, state); err != nil {
		m.logger.Error("health record write failed", "error", err)
	}
}
