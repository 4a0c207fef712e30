package shared

import (
	"context"

	"github.com/google/uuid"
)

type runIDKey struct{}
type taskIDKey struct{}

// WithRunID attaches a run_id to the context. A run_id is generated
// once per CLI invocation and threaded through every log line, bus
// event, and trace span for that run (SPEC_FULL §14).
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

// RunID extracts run_id from context. Returns "-" if absent.
func RunID(ctx context.Context) string {
	if v, ok := ctx.Value(runIDKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewRunID generates a new run_id.
func NewRunID() string {
	return uuid.NewString()
}

// WithTaskID attaches the absolute name of the task currently
// executing to the context.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskIDKey{}, taskID)
}

// TaskID extracts the current task name from context. Returns "" if
// absent (e.g. logging outside of a task's action chain).
func TaskID(ctx context.Context) string {
	if v, ok := ctx.Value(taskIDKey{}).(string); ok {
		return v
	}
	return ""
}
