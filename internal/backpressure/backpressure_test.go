package backpressure

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulsegate/internal/platform/logger"
	"pulsegate/internal/store"
)

type stubDepth struct {
	mu    sync.Mutex
	depth int64
	err   error
}

func (s *stubDepth) Depth(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.depth, s.err
}

func (s *stubDepth) set(depth int64) {
	s.mu.Lock()
	s.depth = depth
	s.mu.Unlock()
}

type countingStates struct {
	*store.MemoryHealthStates
	mu   sync.Mutex
	puts int
}

func newCountingStates() *countingStates {
	return &countingStates{MemoryHealthStates: store.NewMemoryHealthStates()}
}

func (c *countingStates) Put(ctx context.Context, state store.HealthState) error {
	c.mu.Lock()
	c.puts++
	c.mu.Unlock()
	return c.MemoryHealthStates.Put(ctx, state)
}

func (c *countingStates) putCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.puts
}

func newMonitor(depth *stubDepth, states store.HealthStates) *Monitor {
	return New(depth, states, time.Hour, newTestMetrics(), logger.NewNop())
}

func TestEvaluateThresholds(t *testing.T) {
	cases := []struct {
		name        string
		depth       int64
		pressure    bool
		concurrency int
	}{
		{"critical", 10000, true, 4},
		{"high", 5000, true, 16},
		{"just below critical", 9999, true, 16},
		{"normal", 999, false, 32},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			depth := &stubDepth{depth: tc.depth}
			m := newMonitor(depth, newCountingStates())

			m.evaluate(context.Background())

			snap := m.Snapshot()
			assert.Equal(t, tc.depth, snap.Depth)
			assert.Equal(t, tc.pressure, snap.UnderPressure)
			assert.Equal(t, tc.concurrency, snap.RecommendedConcurrency)
		})
	}
}

func TestHysteresisBandKeepsPriorDecision(t *testing.T) {
	ctx := context.Background()
	depth := &stubDepth{depth: 6000}
	states := newCountingStates()
	m := newMonitor(depth, states)

	m.evaluate(ctx)
	require.True(t, m.Snapshot().UnderPressure)
	require.Equal(t, 1, states.putCount())

	// Draining into the band changes nothing and writes nothing.
	depth.set(3000)
	m.evaluate(ctx)
	snap := m.Snapshot()
	assert.True(t, snap.UnderPressure)
	assert.Equal(t, 16, snap.RecommendedConcurrency)
	assert.Equal(t, int64(3000), snap.Depth)
	assert.Equal(t, 1, states.putCount())

	// Dropping below the floor releases.
	depth.set(500)
	m.evaluate(ctx)
	snap = m.Snapshot()
	assert.False(t, snap.UnderPressure)
	assert.Equal(t, 32, snap.RecommendedConcurrency)
	assert.Equal(t, 2, states.putCount())
}

func TestWriteOnlyOnTransition(t *testing.T) {
	ctx := context.Background()
	depth := &stubDepth{depth: 12000}
	states := newCountingStates()
	m := newMonitor(depth, states)

	m.evaluate(ctx)
	m.evaluate(ctx)
	m.evaluate(ctx)
	assert.Equal(t, 1, states.putCount())

	state, ok, err := states.Get(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, state.IsUnderPressure)
	assert.Equal(t, 4, state.RecommendedConcurrency)
}

func TestNoInitialWriteWhenHealthy(t *testing.T) {
	ctx := context.Background()
	states := newCountingStates()
	m := newMonitor(&stubDepth{depth: 10}, states)

	m.evaluate(ctx)
	assert.Zero(t, states.putCount())
}

func TestDepthErrorLeavesStateAlone(t *testing.T) {
	ctx := context.Background()
	depth := &stubDepth{depth: 12000}
	states := newCountingStates()
	m := newMonitor(depth, states)

	m.evaluate(ctx)
	require.True(t, m.Snapshot().UnderPressure)

	depth.mu.Lock()
	depth.err = errors.New("broker away")
	depth.mu.Unlock()
	m.evaluate(ctx)

	assert.True(t, m.Snapshot().UnderPressure)
	assert.Equal(t, 1, states.putCount())
}
