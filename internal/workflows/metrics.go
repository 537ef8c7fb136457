package workflows

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/fyrsmithlabs/phasegate/internal/workflows"

// Metrics for the task pipeline driver
var (
	workflowStartCounter  metric.Int64Counter
	approvalSignalCounter metric.Int64Counter
	activityDuration      metric.Float64Histogram
	activityErrorCounter  metric.Int64Counter
)

// initMetrics initializes OpenTelemetry metrics for workflows.
// This is called once during package initialization.
func initMetrics() {
	meter := otel.Meter(instrumentationName)

	var err error

	workflowStartCounter, err = meter.Int64Counter(
		"phasegate.workflows.pipeline.starts",
		metric.WithDescription("Task pipeline workflows started"),
		metric.WithUnit("{execution}"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create workflow start counter: %v", err))
	}

	approvalSignalCounter, err = meter.Int64Counter(
		"phasegate.workflows.pipeline.approval_signals",
		metric.WithDescription("Approval-decided signals sent to task workflows"),
		metric.WithUnit("{signal}"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create approval signal counter: %v", err))
	}

	activityDuration, err = meter.Float64Histogram(
		"phasegate.workflows.activity.duration",
		metric.WithDescription("Duration of activity executions"),
		metric.WithUnit("s"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create activity duration histogram: %v", err))
	}

	activityErrorCounter, err = meter.Int64Counter(
		"phasegate.workflows.activity.errors",
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
