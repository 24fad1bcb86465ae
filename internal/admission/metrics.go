package admission

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Limiter layer labels.
const (
	LayerGlobal = "global_window"
	LayerPerIP  = "ip_bucket"
)

// Metrics tracks admission outcomes by limiter layer.
type Metrics struct {
	Allowed  prometheus.Counter
	Rejected *prometheus.CounterVec
}

// NewMetrics creates and registers the admission metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		Allowed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pulsegate_admission_allowed_total",
			Help: "Requests admitted past both rate-limiting layers",
		}),
		Rejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pulsegate_admission_rejected_total",
			Help: "Requests rejected by a rate-limiting layer",
		}, []string{"layer"}),
	}
}

// newTestMetrics builds metrics on a private registry so tests don't collide.
func newTestMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		Allowed: factory.NewCounter(prometheus.CounterOpts{
			Name: "pulsegate_admission_allowed_total",
			Help: "Requests admitted past both rate-limiting layers",
		}),
		Rejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pulsegate_admission_rejected_total",
			Help: "Requests rejected by a rate-limiting layer",
		}, []string{"layer"}),
	}
}

// RecordAllow counts an admitted request.
func (m *Metrics) RecordAllow() {
	if m != nil {
		m.Allowed.Inc()
	}
}

// RecordReject counts a rejection attributed to one layer.
func (m *Metrics) RecordReject(layer string) {
	if m != nil {
		m.Rejected.WithLabelValues(layer).Inc()
	}
}
