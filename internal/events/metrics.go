package events

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for event delivery.
type Metrics struct {
	Published *prometheus.CounterVec
	Dropped   *prometheus.CounterVec
}

// NewMetrics registers event metrics once per process.
//
//   - shipline_events_published_total{kind}
//   - shipline_events_subscribers_dropped_total{backend}
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			Published: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "shipline_events_published_total",
					Help: "Total number of task events published",
				},
				[]string{"kind"},
			),
			Dropped: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "shipline_events_subscribers_dropped_total",
					Help: "Subscribers closed because they fell behind or disconnected",
				},
				[]string{"backend"},
			),
		}
	})
	return globalMetrics
}
