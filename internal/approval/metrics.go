package approval

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for approval gates.
type Metrics struct {
	Requested *prometheus.CounterVec
	Resolved  *prometheus.CounterVec
	Pending   prometheus.Gauge
}

// NewMetrics registers gate metrics once per process.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			Requested: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "shipline_approval_gates_requested_total",
					Help: "Total number of approval gates requested",
				},
				[]string{"type"},
			),
			Resolved: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "shipline_approval_gates_resolved_total",
					Help: "Total number of approval gates resolved, by outcome",
				},
				[]string{"outcome"},
			),
			Pending: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "shipline_approval_gates_pending",
					Help: "Approval gates currently waiting for a decision",
				},
			),
		}
	})
	return globalMetrics
}
