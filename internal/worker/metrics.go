package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Processing results for the processed counter.
const (
	resultSuccess    = "success"
	resultDeadLetter = "dead_letter"
)

// Metrics tracks per-message processing outcomes.
type Metrics struct {
	Processed  *prometheus.CounterVec
	CartAlerts prometheus.Counter
}

// NewMetrics registers worker metrics with the default registry.
func NewMetrics() *Metrics {
	return newMetrics(prometheus.DefaultRegisterer)
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Processed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pulsegate",
			Subsystem: "worker",
			Name:      "messages_processed_total",
			Help:      "Messages completed, by result.",
		}, []string{"result"}),
		CartAlerts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "pulsegate",
			Subsystem: "worker",
			Name:      "cart_abandonment_alerts_total",
			Help:      "Cart follow-up checks that found no purchase.",
		}),
	}
}

func newTestMetrics() *Metrics {
	return newMetrics(prometheus.NewRegistry())
}

func (m *Metrics) recordResult(result string) {
	if m == nil {
		return
	}
	m.Processed.WithLabelValues(result).Inc()
}

func (m *Metrics) recordCartAlert() {
	if m == nil {
		return
	}
	m.CartAlerts.Inc()
}
