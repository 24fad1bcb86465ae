package backpressure

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes the monitor's view as gauges.
type Metrics struct {
	QueueDepth             prometheus.Gauge
	UnderPressure          prometheus.Gauge
	RecommendedConcurrency prometheus.Gauge
}

// NewMetrics registers backpressure metrics with the default registry.
func NewMetrics() *Metrics {
	return newMetrics(prometheus.DefaultRegisterer)
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "pulsegate",
			Subsystem: "backpressure",
			Name:      "queue_depth",
			Help:      "Last polled queue depth.",
		}),
		UnderPressure: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "pulsegate",
			Subsystem: "backpressure",
			Name:      "under_pressure",
			Help:      "1 while the processor reports pressure.",
		}),
		RecommendedConcurrency: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "pulsegate",
			Subsystem: "backpressure",
			Name:      "recommended_concurrency",
			Help:      "Concurrency recommendation in the health record.",
		}),
	}
}

func newTestMetrics() *Metrics {
	return newMetrics(prometheus.NewRegistry())
}

func (m *Metrics) setDepth(depth int64) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(depth))
}

func (m *Metrics) setPressure(pressure bool, concurrency int) {
	if m == nil {
		return
	}
	if pressure {
		m.UnderPressure.Set(1)
	} else {
		m.UnderPressure.Set(0)
	}
	m.RecommendedConcurrency.Set(float64(concurrency))
}
