package healthgate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulsegate/internal/platform/logger"
	"pulsegate/internal/store"
)

func TestGateDefaultsToOpen(t *testing.T) {
	g := New(store.NewMemoryHealthStates(), time.Hour, logger.NewNop())
	assert.False(t, g.IsThrottled())
}

func TestGateTracksPressureTransitions(t *testing.T) {
	ctx := context.Background()
	states := store.NewMemoryHealthStates()
	g := New(states, time.Hour, logger.NewNop())

	// No record yet reads as healthy.
	g.poll(ctx)
	assert.False(t, g.IsThrottled())

	require.NoError(t, states.Put(ctx, store.HealthState{
		IsUnderPressure:        true,
		RecommendedConcurrency: 4,
		UpdatedAt:              time.Now(),
	}))
	g.poll(ctx)
	assert.True(t, g.IsThrottled())

	require.NoError(t, states.Put(ctx, store.HealthState{
		IsUnderPressure:        false,
		RecommendedConcurrency: 32,
		UpdatedAt:              time.Now(),
	}))
	g.poll(ctx)
	assert.False(t, g.IsThrottled())
}
