package otel

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the scheduler's metric instruments (SPEC_FULL §15):
// task duration and terminal-status counts, plus a live ready-queue
// depth gauge sampled on every dispatch/completion.
type Metrics struct {
	TaskDuration metric.Float64Histogram
	TaskStatus   metric.Int64Counter
	QueueDepth   metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TaskDuration, err = meter.Float64Histogram("cobble.task.duration",
		metric.WithDescription("Task action-chain execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskStatus, err = meter.Int64Counter("cobble.task.status",
		metric.WithDescription("Task terminal status transitions, labeled by status"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueDepth, err = meter.Int64UpDownCounter("cobble.scheduler.queue_depth",
		metric.WithDescription("Number of tasks currently in the ready queue"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// StatusAttr builds the metric.AddOption that labels a task.status
// counter increment with its terminal status ("OK", "SKIP", "FAIL",
// "BLOCKED").
func StatusAttr(status string) metric.AddOption {
	return metric.WithAttributes(attribute.String("status", status))
}
