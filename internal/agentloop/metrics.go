package agentloop

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for the agentic loop.
type Metrics struct {
	Runs          *prometheus.CounterVec
	Iterations    prometheus.Histogram
	Steps         *prometheus.CounterVec
	PhaseDuration *prometheus.HistogramVec
	Active        prometheus.Gauge
}

// NewMetrics registers loop metrics once per process.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			Runs: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "shipline_loop_runs_total",
					Help: "Agentic loop invocations by final state and reason",
				},
				[]string{"state", "reason"},
			),
			Iterations: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "shipline_loop_iterations",
					Help:    "Iterations used per agentic loop invocation",
					Buckets: []float64{1, 2, 3, 4, 5, 6, 8, 10, 15, 20},
				},
			),
			Steps: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "shipline_loop_steps_total",
					Help: "Plan steps attempted by result",
				},
				[]string{"action", "result"},
			),
			PhaseDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "shipline_loop_phase_duration_seconds",
					Help:    "Time spent per loop phase",
					Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
				},
				[]string{"phase"},
			),
			Active: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "shipline_loop_active",
					Help: "Agentic loop invocations currently running",
				},
			),
		}
	})
	return globalMetrics
}
