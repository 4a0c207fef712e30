package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for cobble spans.
var (
	AttrTaskName   = attribute.Key("cobble.task.name")
	AttrRunID      = attribute.Key("cobble.run.id")
	AttrToolName   = attribute.Key("cobble.tool.name")
	AttrTaskStatus = attribute.Key("cobble.task.status")
)

// StartRunSpan starts the root span covering a whole run/clean
// invocation.
func StartRunSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartTaskSpan starts a child span for a single task's action chain.
func StartTaskSpan(ctx context.Context, tracer trace.Tracer, taskName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := append([]attribute.KeyValue{AttrTaskName.String(taskName)}, attrs...)
	return tracer.Start(ctx, "task:"+taskName,
		trace.WithAttributes(allAttrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}
