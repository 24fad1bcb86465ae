// Package stats aggregates live traffic for the dashboard endpoints. All
// state is in-process and approximate; the durable record of truth stays in
// the store.
package stats

import (
	"sort"
	"strconv"
	"sync"
	"time"

	"pulsegate/internal/event"
)

const (
	// Throughput smoothing over one-second buckets.
	throughputKeep  = 0.4
	throughputBlend = 0.6
	// A quiet gap this long reads as zero throughput rather than a stale
	// average.
	throughputSilence = 2 * time.Second

	latencyKeep  = 0.9
	latencyBlend = 0.1

	alertsKept   = 20
	alertsServed = 10
	eventsKept   = 50
	eventsServed = 20
	topUsersKept = 10
)

// Risk level labels for the dashboard.
const (
	LevelCritical = "Critical"
	LevelHigh     = "High"
	LevelMedium   = "Medium"
	LevelLow      = "Low"
)

// RiskLevel buckets a score into a dashboard label.
func RiskLevel(score int) string {
	switch {
	case score >= 80:
		return LevelCritical
	case score >= 60:
		return LevelHigh
	case score >= 40:
		return LevelMedium
	default:
		return LevelLow
	}
}

// Alert is one entry in the dashboard's alert feed.
type Alert struct {
	Type      string    `json:"type"`
	Severity  string    `json:"severity"`
	UserID    string    `json:"userId"`
	Message   string    `json:"message"`
	RiskScore int       `json:"riskScore"`
	At        time.Time `json:"at"`
}

// EventSummary is the trimmed event shape served in the recent-events feed.
type EventSummary struct {
	EventID   string    `json:"eventId"`
	TenantID  string    `json:"tenantId"`
	UserID    string    `json:"userId"`
	Type      string    `json:"type"`
	RiskScore int       `json:"riskScore"`
	RiskLevel string    `json:"riskLevel"`
	At        time.Time `json:"at"`
}

// UserScore ranks a user in the top-users feed.
type UserScore struct {
	UserID string `json:"userId"`
	Score  int64  `json:"score"`
	Events int64  `json:"events"`
}

// Summary is the /api/dashboard/stats payload.
type Summary struct {
	TotalEvents     int64   `json:"totalEvents"`
	FraudDetected   int64   `json:"fraudDetected"`
	Succeeded       int64   `json:"succeeded"`
	Failed          int64   `json:"failed"`
	EventsPerSecond float64 `json:"eventsPerSecond"`
	AvgLatencyMs    float64 `json:"avgLatencyMs"`
}

// Detailed is the /api/dashboard/detailed-stats payload.
type Detailed struct {
	Stats        Summary          `json:"stats"`
	Distribution map[string]int64 `json:"distribution"`
	Performance  struct {
		EventsPerSecond float64 `json:"eventsPerSecond"`
		AvgLatencyMs    float64 `json:"avgLatencyMs"`
	} `json:"performance"`
	System struct {
		UptimeSeconds int64     `json:"uptimeSeconds"`
		StartedAt     time.Time `json:"startedAt"`
	} `json:"system"`
}

type userTally struct {
	score  int64
	events int64
}

// Service is the shared aggregator. Safe for concurrent use.
type Service struct {
	mu sync.Mutex

	totalEvents int64
	fraud       int64
	succeeded   int64
	failed      int64
	byType      map[string]int64

	bucketSec   int64
	bucketCount int64
	throughput  float64

	latencyMs  float64
	latencySet bool

	alerts []Alert
	recent []EventSummary
	users  map[string]*userTally

	startedAt time.Time
	now       func() time.Time
}

func New() *Service {
	s := &Service{
		byType: make(map[string]int64),
		users:  make(map[string]*userTally),
		now:    time.Now,
	}
	s.startedAt = s.now()
	return s
}

// withClock pins time in tests.
func (s *Service) withClock(now func() time.Time) *Service {
	s.now = now
	s.startedAt = now()
	return s
}

// RecordEvent folds one processed event into every live aggregate.
func (s *Service) RecordEvent(ev *event.Event, latency time.Duration) {
	score := riskScoreOf(ev)
	suspicious := ev.Meta(event.MetaIsSuspicious) == "true"
	at := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.totalEvents++
	s.byType[string(ev.Type)]++
	if suspicious {
		s.fraud++
		s.pushAlertLocked(Alert{
			Type:      "SuspiciousEvent",
			Severity:  RiskLevel(score),
			UserID:    ev.UserID,
			Message:   ev.Meta(event.MetaRiskReason),
			RiskScore: score,
			At:        at,
		})
	}

	s.rollBucketLocked(at)
	s.bucketCount++

	if latency > 0 {
		ms := float64(latency) / float64(time.Millisecond)
		if !s.latencySet {
			s.latencyMs = ms
			s.latencySet = true
		} else {
			s.latencyMs = latencyKeep*s.latencyMs + latencyBlend*ms
		}
	}

	s.recent = append(s.recent, EventSummary{
		EventID:   ev.EventID,
		TenantID:  ev.TenantID,
		UserID:    ev.UserID,
		Type:      string(ev.Type),
		RiskScore: score,
		RiskLevel: RiskLevel(score),
		At:        at,
	})
	if len(s.recent) > eventsKept {
		s.recent = s.recent[len(s.recent)-eventsKept:]
	}

	if ev.UserID != "" {
		tally := s.users[ev.UserID]
		if tally == nil {
			tally = &userTally{}
			s.users[ev.UserID] = tally
		}
		tally.score += int64(ev.Type.ScoreWeight())
		tally.events++
	}
}

// RecordSuccess marks a fully processed message.
func (s *Service) RecordSuccess() {
	s.mu.Lock()
	s.succeeded++
	s.mu.Unlock()
}

// RecordFailure marks a message that exhausted processing.
func (s *Service) RecordFailure() {
	s.mu.Lock()
	s.failed++
	s.mu.Unlock()
}

// RecordAlert appends to the alert feed directly, for alerts that are not
// tied to a scored event.
func (s *Service) RecordAlert(a Alert) {
	if a.At.IsZero() {
		a.At = s.now()
	}
	s.mu.Lock()
	s.pushAlertLocked(a)
	s.mu.Unlock()
}

func (s *Service) pushAlertLocked(a Alert) {
	s.alerts = append(s.alerts, a)
	if len(s.alerts) > alertsKept {
		s.alerts = s.alerts[len(s.alerts)-alertsKept:]
	}
}

// rollBucketLocked folds the finished one-second bucket into the moving
// average. A gap of two seconds or more zeroes the average first.
func (s *Service) rollBucketLocked(at time.Time) {
	sec := at.Unix()
	if s.bucketSec == 0 {
		s.bucketSec = sec
		return
	}
	if sec == s.bucketSec {
		return
	}
	s.throughput = throughputKeep*s.throughput + throughputBlend*float64(s.bucketCount)
	if time.Duration(sec-s.bucketSec)*time.Second >= throughputSilence {
		s.throughput = 0
	}
	s.bucketSec = sec
	s.bucketCount = 0
}

func (s *Service) throughputLocked(at time.Time) float64 {
	if s.bucketSec == 0 {
		return 0
	}
	if time.Duration(at.Unix()-s.bucketSec)*time.Second >= throughputSilence {
		return 0
	}
	return s.throughput
}

// Snapshot returns the headline numbers.
func (s *Service) Snapshot() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Summary{
		TotalEvents:     s.totalEvents,
		FraudDetected:   s.fraud,
		Succeeded:       s.succeeded,
		Failed:          s.failed,
		EventsPerSecond: s.throughputLocked(s.now()),
		AvgLatencyMs:    s.latencyMs,
	}
}

// DetailedSnapshot returns the full dashboard payload.
func (s *Service) DetailedSnapshot() Detailed {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := Detailed{
		Stats: Summary{
			TotalEvents:     s.totalEvents,
			FraudDetected:   s.fraud,
			Succeeded:       s.succeeded,
			Failed:          s.failed,
			EventsPerSecond: s.throughputLocked(s.now()),
			AvgLatencyMs:    s.latencyMs,
		},
		Distribution: make(map[string]int64, len(s.byType)),
	}
	for k, v := range s.byType {
		d.Distribution[k] = v
	}
	d.Performance.EventsPerSecond = d.Stats.EventsPerSecond
	d.Performance.AvgLatencyMs = s.latencyMs
	d.System.StartedAt = s.startedAt
	d.System.UptimeSeconds = int64(s.now().Sub(s.startedAt) / time.Second)
	return d
}

// Alerts returns the most recent alerts, newest first.
func (s *Service) Alerts() []Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.alerts)
	if n > alertsServed {
		n = alertsServed
	}
	out := make([]Alert, 0, n)
	for i := len(s.alerts) - 1; i >= len(s.alerts)-n; i-- {
		out = append(out, s.alerts[i])
	}
	return out
}

// RecentEvents returns the most recent event summaries, newest first.
func (s *Service) RecentEvents() []EventSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.recent)
	if n > eventsServed {
		n = eventsServed
	}
	out := make([]EventSummary, 0, n)
	for i := len(s.recent) - 1; i >= len(s.recent)-n; i-- {
		out = append(out, s.recent[i])
	}
	return out
}

// TopUsers ranks users by accumulated score.
func (s *Service) TopUsers() []UserScore {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]UserScore, 0, len(s.users))
	for id, tally := range s.users {
		out = append(out, UserScore{UserID: id, Score: tally.score, Events: tally.events})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].UserID < out[j].UserID
	})
	if len(out) > topUsersKept {
		out = out[:topUsersKept]
	}
	return out
}

func riskScoreOf(ev *event.Event) int {
	n, err := strconv.Atoi(ev.Meta(event.MetaRiskScore))
	if err != nil {
		return 0
	}
	return n
}
