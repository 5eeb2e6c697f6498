package workflows

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/fyrsmithlabs/shipline/internal/workflows"

var (
	stageActivityCounter metric.Int64Counter
	stageDuration        metric.Float64Histogram
	signalCounter        metric.Int64Counter
	activityErrorCounter metric.Int64Counter
)

// initMetrics creates the OpenTelemetry instruments of the durable driver.
func initMetrics() {
	meter := otel.Meter(instrumentationName)

	var err error

	stageActivityCounter, err = meter.Int64Counter(
		"shipline.workflows.stage.executions",
		metric.WithDescription("Stage executions driven by the pipeline workflow"),
		metric.WithUnit("{execution}"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create stage execution counter: %v", err))
	}

	stageDuration, err = meter.Float64Histogram(
		"shipline.workflows.stage.duration",
		metric.WithDescription("Duration of stage execution activities"),
		metric.WithUnit("s"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create stage duration histogram: %v", err))
	}

	signalCounter, err = meter.Int64Counter(
		"shipline.workflows.signals",
		metric.WithDescription("Operator signals applied by the pipeline workflow"),
		metric.WithUnit("{signal}"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create signal counter: %v", err))
	}

	activityErrorCounter, err = meter.Int64Counter(
		"shipline.workflows.activity.errors",
		metric.WithDescription("Number of activity execution errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create activity error counter: %v", err))
	}
}

func init() {
	initMetrics()
}
