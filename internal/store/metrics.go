package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts write outcomes. Collisions get their own counter because
// they are the signal an operator pages on.
type Metrics struct {
	Writes     *prometheus.CounterVec
	Collisions prometheus.Counter
}

// NewMetrics registers the store metrics with the default registry.
func NewMetrics() *Metrics {
	return newMetrics(prometheus.DefaultRegisterer)
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Writes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pulsegate",
			Subsystem: "store",
			Name:      "writes_total",
			Help:      "Document writes by outcome.",
		}, []string{"outcome"}),
		Collisions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "pulsegate",
			Subsystem: "store",
			Name:      "hash_collisions_total",
			Help:      "Writes where an existing document had a different payload hash.",
		}),
	}
}

func newTestMetrics() *Metrics {
	return newMetrics(prometheus.NewRegistry())
}

func (m *Metrics) recordWrite(outcome Outcome) {
	if m == nil {
		return
	}
	m.Writes.WithLabelValues(outcome.String()).Inc()
	if outcome == CollisionDetected {
		m.Collisions.Inc()
	}
}
