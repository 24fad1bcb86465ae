package risk

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"pulsegate/internal/event"
	"pulsegate/internal/platform/logger"
	"pulsegate/internal/risk/cache"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	return NewEngine(cache.New(), logger.NewNop())
}

func newEvent(userID string, meta map[string]string) *event.Event {
	e := event.New(event.KindPageView, "acme", &event.PageView{URL: "/p"})
	e.UserID = userID
	for k, v := range meta {
		e.SetMeta(k, v)
	}
	return e
}

func TestScore_NormalEvent(t *testing.T) {
	e := newTestEngine(t)
	res := e.Score(newEvent("u-1", map[string]string{event.MetaClientIP: "10.0.0.1"}))
	assert.Equal(t, 0, res.Score)
	assert.Equal(t, "Normal", res.Reason)
	assert.False(t, res.Suspicious())
}

func TestScore_ConfidenceFloorsAtHalfOnFirstEvent(t *testing.T) {
	e := newTestEngine(t)
	ev := newEvent("fresh-user", nil)
	e.Score(ev)
	assert.Equal(t, 0.5, ev.ConfidenceScore)
}

func TestScore_ConfidenceSaturatesAtTenObservations(t *testing.T) {
	e := newTestEngine(t)

	// The engine observes each event twice in production: once best-effort at
	// intake and once authoritatively in the worker. By the tenth event the
	// user has enough history for full confidence.
	var ev *event.Event
	for i := 0; i < 10; i++ {
		ev = newEvent("repeat-user", nil)
		ev.EventID = fmt.Sprintf("e-%d", i)
		e.Score(ev)
		e.Score(ev)
	}
	assert.Equal(t, 1.0, ev.ConfidenceScore)
}

func TestScore_VelocityThresholds(t *testing.T) {
	e := newTestEngine(t)

	var res Result
	for n := 0; n < 22; n++ {
		res = e.Score(newEvent("", map[string]string{event.MetaClientIP: "203.0.113.5"}))
	}
	assert.Contains(t, res.Reason, "High Request Rate")

	for n := 0; n < 30; n++ {
		res = e.Score(newEvent("", map[string]string{event.MetaClientIP: "203.0.113.5"}))
	}
	assert.Contains(t, res.Reason, "Extreme Velocity Burst")
}

func TestScore_ImpossibleTravel(t *testing.T) {
	e := newTestEngine(t)

	meta := func(loc string) map[string]string {
		return map[string]string{event.MetaLocation: loc, event.MetaClientIP: "10.0.0.1"}
	}

	e.Score(newEvent("traveler", meta("Tokyo")))
	res := e.Score(newEvent("traveler", meta("USA")))

	// Travel bypasses the confidence discount, so the brand-new user still
	// scores the full signal value.
	assert.GreaterOrEqual(t, res.Score, 60)
	assert.Contains(t, res.Reason, "Impossible Travel")
	assert.Contains(t, res.Reason, "Tokyo -> USA")
	assert.True(t, res.Suspicious())
}

func TestScore_InternalLocationNeverTravels(t *testing.T) {
	e := newTestEngine(t)
	meta := func(loc string) map[string]string {
		return map[string]string{event.MetaLocation: loc}
	}

	e.Score(newEvent("office-user", meta("Internal")))
	res := e.Score(newEvent("office-user", meta("Tokyo")))
	assert.NotContains(t, res.Reason, "Impossible Travel")

	e.Score(newEvent("roam-user", meta("Tokyo")))
	res = e.Score(newEvent("roam-user", meta("Internal")))
	assert.NotContains(t, res.Reason, "Impossible Travel")
}

func TestScore_DeviceChangeIsDiscountedByConfidence(t *testing.T) {
	e := newTestEngine(t)
	meta := func(device string) map[string]string {
		return map[string]string{event.MetaDeviceID: device}
	}

	e.Score(newEvent("dev-user", meta("mac-arm64")))
	res := e.Score(newEvent("dev-user", meta("win-x86")))

	assert.Contains(t, res.Reason, "New Device Architecture Detected")
	// baseRisk 15, confidence 0.55 at the second observation: int(15*0.55)=8.
	// Truncation, not rounding, is the pinned behavior.
	assert.Equal(t, 8, res.Score)
}

func TestScore_ForcedSuspiciousShortCircuits(t *testing.T) {
	e := newTestEngine(t)
	res := e.Score(newEvent("u-1", map[string]string{event.MetaForceSuspicious: "true"}))
	assert.Equal(t, 85, res.Score)
	assert.True(t, res.Suspicious())
}

func TestScore_LateArrivalAppendsReasonWithoutScore(t *testing.T) {
	now := time.Now()
	e := NewEngine(cache.New(), logger.NewNop(), WithClock(func() time.Time { return now }))

	ev := newEvent("u-1", nil)
	ev.CreatedAt = now.Add(-10 * time.Minute)
	res := e.Score(ev)

	assert.Contains(t, res.Reason, "Late Arrival")
	assert.Equal(t, 0, res.Score)
}

func TestScore_OccurrenceTimeMetadataOverridesCreatedAt(t *testing.T) {
	now := time.Now()
	e := NewEngine(cache.New(), logger.NewNop(), WithClock(func() time.Time { return now }))

	ev := newEvent("u-1", map[string]string{
		event.MetaOccurrenceTime: now.Add(-time.Minute).Format(time.RFC3339Nano),
	})
	ev.CreatedAt = now.Add(-time.Hour) // stale, superseded by metadata
	res := e.Score(ev)
	assert.NotContains(t, res.Reason, "Late Arrival")
}
