package coordinator

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricsOnce     sync.Once
	metricsInstance *Metrics
)

// Metrics holds Prometheus metrics for the pipeline coordinator.
type Metrics struct {
	TasksCreated  prometheus.Counter
	Transitions   *prometheus.CounterVec
	StageDuration *prometheus.HistogramVec
	RunningStages prometheus.Gauge
}

// NewMetrics returns the process-wide coordinator metrics.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = &Metrics{
			TasksCreated: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "shipline_pipeline_tasks_created_total",
					Help: "Total number of tasks created",
				},
			),
			Transitions: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "shipline_pipeline_stage_transitions_total",
					Help: "Stage status transitions by stage and status",
				},
				[]string{"stage", "status"},
			),
			StageDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "shipline_pipeline_stage_duration_seconds",
					Help:    "Wall time of stage runner executions",
					Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 900, 3600},
				},
				[]string{"stage", "result"},
			),
			RunningStages: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "shipline_pipeline_running_stages",
					Help: "Number of stage runners currently executing",
				},
			),
		}
	})
	return metricsInstance
}
