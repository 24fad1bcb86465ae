package stats

import (
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulsegate/internal/event"
)

func scoredEvent(userID string, kind event.Kind, score int, suspicious bool) *event.Event {
	var payload event.Payload
	switch kind {
	case event.KindUserAction:
		payload = &event.UserAction{ActionName: "click"}
	case event.KindPurchase:
		payload = &event.Purchase{UserAction: event.UserAction{ActionName: "checkout"}, Amount: 5}
	default:
		payload = &event.PageView{URL: "/"}
	}
	ev := event.New(kind, "acme", payload)
	ev.UserID = userID
	ev.SetMeta(event.MetaRiskScore, strconv.Itoa(score))
	if suspicious {
		ev.SetMeta(event.MetaIsSuspicious, "true")
		ev.SetMeta(event.MetaRiskReason, "High Request Rate")
	}
	return ev
}

func TestRiskLevelBuckets(t *testing.T) {
	assert.Equal(t, LevelCritical, RiskLevel(80))
	assert.Equal(t, LevelHigh, RiskLevel(60))
	assert.Equal(t, LevelMedium, RiskLevel(40))
	assert.Equal(t, LevelLow, RiskLevel(39))
}

func TestRecordEventCountsAndFraud(t *testing.T) {
	s := New()

	s.RecordEvent(scoredEvent("u1", event.KindPageView, 10, false), 5*time.Millisecond)
	s.RecordEvent(scoredEvent("u1", event.KindPurchase, 85, true), 7*time.Millisecond)
	s.RecordSuccess()
	s.RecordSuccess()
	s.RecordFailure()

	snap := s.Snapshot()
	assert.Equal(t, int64(2), snap.TotalEvents)
	assert.Equal(t, int64(1), snap.FraudDetected)
	assert.Equal(t, int64(2), snap.Succeeded)
	assert.Equal(t, int64(1), snap.Failed)
	assert.Positive(t, snap.AvgLatencyMs)

	alerts := s.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, "SuspiciousEvent", alerts[0].Type)
	assert.Equal(t, LevelCritical, alerts[0].Severity)
	assert.Equal(t, "u1", alerts[0].UserID)
}

func TestThroughputDecaysToZeroAfterSilence(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s := New().withClock(func() time.Time { return now })

	for i := 0; i < 6; i++ {
		s.RecordEvent(scoredEvent("u1", event.KindPageView, 0, false), 0)
	}
	now = now.Add(time.Second)
	s.RecordEvent(scoredEvent("u1", event.KindPageView, 0, false), 0)

	// One full bucket of 6 blended into an empty average.
	assert.InDelta(t, 3.6, s.Snapshot().EventsPerSecond, 0.001)

	now = now.Add(3 * time.Second)
	assert.Zero(t, s.Snapshot().EventsPerSecond)
}

func TestLatencyMovingAverage(t *testing.T) {
	s := New()
	s.RecordEvent(scoredEvent("u1", event.KindPageView, 0, false), 100*time.Millisecond)
	s.RecordEvent(scoredEvent("u1", event.KindPageView, 0, false), 200*time.Millisecond)

	// 0.9*100 + 0.1*200
	assert.InDelta(t, 110.0, s.Snapshot().AvgLatencyMs, 0.001)
}

func TestAlertRingKeepsTwentyServesTen(t *testing.T) {
	s := New()
	for i := 0; i < 30; i++ {
		s.RecordAlert(Alert{Type: "CartAbandoned", UserID: fmt.Sprintf("u%d", i)})
	}

	alerts := s.Alerts()
	require.Len(t, alerts, alertsServed)
	assert.Equal(t, "u29", alerts[0].UserID)
	assert.Equal(t, "u20", alerts[len(alerts)-1].UserID)
}

func TestRecentEventsServedNewestFirst(t *testing.T) {
	s := New()
	for i := 0; i < 60; i++ {
		ev := scoredEvent(fmt.Sprintf("u%d", i), event.KindPageView, 0, false)
		s.RecordEvent(ev, 0)
	}

	recent := s.RecentEvents()
	require.Len(t, recent, eventsServed)
	assert.Equal(t, "u59", recent[0].UserID)
	assert.Equal(t, "u40", recent[len(recent)-1].UserID)
}

func TestTopUsersRankedByScore(t *testing.T) {
	s := New()
	for i := 0; i < 15; i++ {
		user := fmt.Sprintf("u%02d", i)
		s.RecordEvent(scoredEvent(user, event.KindPageView, 0, false), 0)
		if i < 3 {
			s.RecordEvent(scoredEvent(user, event.KindPurchase, 0, false), 0)
		}
	}

	top := s.TopUsers()
	require.Len(t, top, topUsersKept)
	assert.Equal(t, int64(51), top[0].Score)
	assert.Equal(t, "u00", top[0].UserID)
	assert.Equal(t, int64(51), top[2].Score)
	assert.Equal(t, int64(1), top[3].Score)
}

func TestDetailedSnapshotShape(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s := New().withClock(func() time.Time { return now })

	s.RecordEvent(scoredEvent("u1", event.KindPageView, 0, false), 0)
	s.RecordEvent(scoredEvent("u1", event.KindUserAction, 0, false), 0)
	now = now.Add(42 * time.Second)

	d := s.DetailedSnapshot()
	assert.Equal(t, int64(2), d.Stats.TotalEvents)
	assert.Equal(t, int64(1), d.Distribution["page_view"])
	assert.Equal(t, int64(1), d.Distribution["user_action"])
	assert.Equal(t, int64(42), d.System.UptimeSeconds)
}
