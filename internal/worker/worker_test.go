package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulsegate/internal/archive"
	"pulsegate/internal/event"
	"pulsegate/internal/platform/logger"
	"pulsegate/internal/queue"
	"pulsegate/internal/risk"
	"pulsegate/internal/risk/cache"
	"pulsegate/internal/stats"
	"pulsegate/internal/store"
)

type capturePublisher struct {
	mu   sync.Mutex
	msgs []queue.Message
}

func (p *capturePublisher) Publish(_ context.Context, msg queue.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
	return nil
}

func (p *capturePublisher) all() []queue.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]queue.Message, len(p.msgs))
	copy(out, p.msgs)
	return out
}

type failingWriter struct {
	attempts int
}

func (f *failingWriter) Write(context.Context, store.Document) (store.Outcome, error) {
	f.attempts++
	return 0, errors.New("store down")
}

func (f *failingWriter) Get(context.Context, string, string) (store.Document, error) {
	return store.Document{}, errors.New("store down")
}

type harness struct {
	worker   *Worker
	writer   *store.MemoryWriter
	profiles *store.MemoryProfiles
	archives *archive.Memory
	pub      *capturePublisher
	stats    *stats.Service
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	log := logger.NewNop()
	h := &harness{
		writer:   store.NewMemoryWriter(),
		profiles: store.NewMemoryProfiles(),
		archives: archive.NewMemory(),
		pub:      &capturePublisher{},
		stats:    stats.New(),
	}
	opts = append([]Option{withSleepless()}, opts...)
	h.worker = New(
		risk.NewEngine(cache.New(), log),
		h.writer,
		h.profiles,
		h.archives,
		h.pub,
		h.stats,
		newTestMetrics(),
		log,
		opts...,
	)
	return h
}

func message(t *testing.T, ev *event.Event) queue.Message {
	t.Helper()
	body, err := json.Marshal(ev)
	require.NoError(t, err)
	return queue.Message{
		ID:            ev.EventID,
		Key:           ev.TenantID,
		Value:         body,
		Kind:          string(ev.Type),
		CorrelationID: ev.CorrelationID,
		SchemaVersion: ev.SchemaVersion,
		UserID:        ev.UserID,
		Attempt:       1,
	}
}

func newPageView(userID string) *event.Event {
	ev := event.New(event.KindPageView, "acme", &event.PageView{URL: "/pricing"})
	ev.UserID = userID
	ev.CorrelationID = "corr-1"
	ev.DeduplicationID = ev.EventID
	ev.PayloadHash = "hash-" + ev.EventID
	return ev
}

func TestHandlePersistsAndScoresEvent(t *testing.T) {
	h := newHarness(t)
	ev := newPageView("u1")

	require.NoError(t, h.worker.Handle(context.Background(), message(t, ev)))

	doc, err := h.writer.Get(context.Background(), store.MonthlyTenantKey(ev), ev.DeduplicationID)
	require.NoError(t, err)
	assert.NotEmpty(t, doc.Event.Meta(event.MetaRiskScore))
	assert.Equal(t, "false", doc.Event.Meta(event.MetaIsSuspicious))

	prof, err := h.profiles.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), prof.EventCount)

	_, archived := h.archives.Get(ev.EventID)
	assert.True(t, archived)

	snap := h.stats.Snapshot()
	assert.Equal(t, int64(1), snap.Succeeded)
	assert.Zero(t, snap.Failed)
}

func TestHandleRedeliveryDoesNotDoubleCount(t *testing.T) {
	h := newHarness(t)
	ev := newPageView("u1")
	msg := message(t, ev)

	require.NoError(t, h.worker.Handle(context.Background(), msg))
	require.NoError(t, h.worker.Handle(context.Background(), msg))

	prof, err := h.profiles.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), prof.EventCount)
	assert.Equal(t, 1, h.writer.Len())
}

func TestHandleForcedSuspicious(t *testing.T) {
	h := newHarness(t)
	ev := newPageView("u1")
	ev.SetMeta(event.MetaForceSuspicious, "true")

	require.NoError(t, h.worker.Handle(context.Background(), message(t, ev)))

	doc, err := h.writer.Get(context.Background(), store.MonthlyTenantKey(ev), ev.DeduplicationID)
	require.NoError(t, err)
	assert.Equal(t, "85", doc.Event.Meta(event.MetaRiskScore))
	assert.Equal(t, "true", doc.Event.Meta(event.MetaIsSuspicious))
}

func TestHandleMissingTypeIsPoison(t *testing.T) {
	h := newHarness(t)
	msg := message(t, newPageView("u1"))
	msg.Kind = ""

	err := h.worker.Handle(context.Background(), msg)
	var dle *queue.DeadLetterError
	require.ErrorAs(t, err, &dle)
	assert.Equal(t, queue.ReasonInvalidType, dle.Reason)
	assert.Zero(t, h.writer.Len())
}

func TestHandleUnknownTypeIsPoison(t *testing.T) {
	h := newHarness(t)
	msg := message(t, newPageView("u1"))
	msg.Kind = "teleport"

	err := h.worker.Handle(context.Background(), msg)
	var dle *queue.DeadLetterError
	require.ErrorAs(t, err, &dle)
	assert.Equal(t, queue.ReasonInvalidType, dle.Reason)
}

func TestHandleBadBodyIsPoison(t *testing.T) {
	h := newHarness(t)
	msg := message(t, newPageView("u1"))
	msg.Value = []byte("{not json")

	err := h.worker.Handle(context.Background(), msg)
	var dle *queue.DeadLetterError
	require.ErrorAs(t, err, &dle)
	assert.Equal(t, queue.ReasonPoisonJSON, dle.Reason)
}

func TestHandleExhaustedRetriesDeadLetters(t *testing.T) {
	h := newHarness(t)
	failing := &failingWriter{}
	h.worker.writer = failing

	err := h.worker.Handle(context.Background(), message(t, newPageView("u1")))
	var dle *queue.DeadLetterError
	require.ErrorAs(t, err, &dle)
	assert.Equal(t, queue.ReasonProcessing, dle.Reason)
	assert.Equal(t, 3, dle.Attempts)
	assert.Equal(t, 3, failing.attempts)
	assert.Equal(t, int64(1), h.stats.Snapshot().Failed)
}

func TestAddToCartSchedulesFollowUp(t *testing.T) {
	now := time.Date(2026, time.April, 1, 12, 0, 0, 0, time.UTC)
	h := newHarness(t, withClock(func() time.Time { return now }), WithCartCheckDelay(time.Minute))

	trigger := event.New(event.KindUserAction, "acme", &event.UserAction{ActionName: addToCartAction})
	trigger.UserID = "u1"
	trigger.CorrelationID = "corr-7"
	trigger.DeduplicationID = trigger.EventID
	trigger.PayloadHash = "hash-1"

	require.NoError(t, h.worker.Handle(context.Background(), message(t, trigger)))

	msgs := h.pub.all()
	require.Len(t, msgs, 1)
	check := msgs[0]
	assert.Equal(t, string(event.KindCheckCartStatus), check.Kind)
	assert.Equal(t, "corr-7", check.CorrelationID)
	assert.Equal(t, "u1", check.UserID)
	assert.Equal(t, now.Add(time.Minute), check.ScheduledFor)

	var scheduled event.Event
	require.NoError(t, json.Unmarshal(check.Value, &scheduled))
	assert.Equal(t, trigger.EventID, scheduled.CausationID)
}

func TestPlainUserActionDoesNotSchedule(t *testing.T) {
	h := newHarness(t)

	ev := event.New(event.KindUserAction, "acme", &event.UserAction{ActionName: "click"})
	ev.UserID = "u1"
	ev.DeduplicationID = ev.EventID
	ev.PayloadHash = "hash-2"

	require.NoError(t, h.worker.Handle(context.Background(), message(t, ev)))
	assert.Empty(t, h.pub.all())
}

func TestCartCheckRaisesAbandonmentAlert(t *testing.T) {
	h := newHarness(t)
	since := time.Now().Add(-time.Minute)

	check := event.New(event.KindCheckCartStatus, "acme", &event.CheckCartStatus{Since: since})
	check.UserID = "u1"
	check.CausationID = "trigger-1"
	check.DeduplicationID = check.EventID

	require.NoError(t, h.worker.Handle(context.Background(), message(t, check)))

	alerts := h.stats.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, "CartAbandoned", alerts[0].Type)
	assert.Equal(t, "u1", alerts[0].UserID)
}

func TestCartCheckQuietWhenPurchased(t *testing.T) {
	h := newHarness(t)
	since := time.Now().Add(-time.Minute)

	purchase := event.New(event.KindPurchase, "acme", &event.Purchase{
		UserAction: event.UserAction{ActionName: "checkout"},
		Amount:     49.90,
	})
	purchase.UserID = "u1"
	require.NoError(t, h.profiles.Apply(context.Background(), purchase))

	check := event.New(event.KindCheckCartStatus, "acme", &event.CheckCartStatus{Since: since})
	check.UserID = "u1"
	check.DeduplicationID = check.EventID

	require.NoError(t, h.worker.Handle(context.Background(), message(t, check)))
	assert.Empty(t, h.stats.Alerts())
}

func TestCartCheckPersistedLikeAnyEvent(t *testing.T) {
	h := newHarness(t)

	check := event.New(event.KindCheckCartStatus, "acme", &event.CheckCartStatus{
		Since: time.Now().Add(-time.Minute),
	})
	check.UserID = "u1"
	check.DeduplicationID = check.EventID

	require.NoError(t, h.worker.Handle(context.Background(), message(t, check)))

	doc, err := h.writer.Get(context.Background(), store.MonthlyTenantKey(check), check.DeduplicationID)
	require.NoError(t, err)
	assert.NotEmpty(t, doc.Event.Meta(event.MetaRiskScore))

	_, archived := h.archives.Get(check.EventID)
	assert.True(t, archived)

	// Zero-weight kinds never touch the profile, so the check itself must
	// not create one.
	_, err = h.profiles.Get(context.Background(), "u1")
	assert.Error(t, err)
}

func TestPurchaseAddToCartSchedulesFollowUp(t *testing.T) {
	h := newHarness(t)

	purchase := event.New(event.KindPurchase, "acme", &event.Purchase{
		UserAction: event.UserAction{ActionName: addToCartAction},
		Amount:     19.99,
	})
	purchase.UserID = "u1"
	purchase.DeduplicationID = purchase.EventID
	purchase.PayloadHash = "hash-3"

	require.NoError(t, h.worker.Handle(context.Background(), message(t, purchase)))

	msgs := h.pub.all()
	require.Len(t, msgs, 1)
	assert.Equal(t, string(event.KindCheckCartStatus), msgs[0].Kind)
}
