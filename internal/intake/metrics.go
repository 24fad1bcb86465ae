package intake

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks intake outcomes and publish health.
type Metrics struct {
	Accepted        prometheus.Counter
	Rejected        *prometheus.CounterVec
	PublishFailures prometheus.Counter
	BreakerState    prometheus.Gauge
}

// Rejection reasons.
const (
	RejectDecode   = "decode"
	RejectThrottle = "throttle"
	RejectPublish  = "publish"
)

// NewMetrics registers intake metrics with the default registry.
func NewMetrics() *Metrics {
	return newMetrics(prometheus.DefaultRegisterer)
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Accepted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "pulsegate",
			Subsystem: "intake",
			Name:      "events_accepted_total",
			Help:      "Events accepted and handed to the queue.",
		}),
		Rejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pulsegate",
			Subsystem: "intake",
			Name:      "events_rejected_total",
			Help:      "Events rejected before publish, by reason.",
		}, []string{"reason"}),
		PublishFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "pulsegate",
			Subsystem: "intake",
			Name:      "publish_failures_total",
			Help:      "Publish attempts that exhausted the retry budget.",
		}),
		BreakerState: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "pulsegate",
			Subsystem: "intake",
			Name:      "publish_breaker_open",
			Help:      "1 when the publish circuit breaker is open.",
		}),
	}
}

func newTestMetrics() *Metrics {
	return newMetrics(prometheus.NewRegistry())
}

func (m *Metrics) recordAccept() {
	if m == nil {
		return
	}
	m.Accepted.Inc()
}

func (m *Metrics) recordReject(reason string) {
	if m == nil {
		return
	}
	m.Rejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) recordPublishFailure() {
	if m == nil {
		return
	}
	m.PublishFailures.Inc()
}

func (m *Metrics) setBreakerOpen(open bool) {
	if m == nil {
		return
	}
	if open {
		m.BreakerState.Set(1)
	} else {
		m.BreakerState.Set(0)
	}
}
