// Tracing instrumentation for task dispatch.
package task

import (
	"context"

	"github.com/vinayprograms/agentkit/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// startTaskSpan starts a span covering one agent run.
func startTaskSpan(ctx context.Context, tripID, agentName string) (context.Context, trace.Span) {
	tracer := telemetry.GetTracer()
	ctx, span := tracer.StartSpan(ctx, "task."+agentName)
	span.SetAttributes(
		attribute.String("trip.id", tripID),
		attribute.String("task.agent", agentName),
	)
	return ctx, span
}

// endTaskSpan ends the span with the run's outcome.
func endTaskSpan(span trace.Span, err error) {
	if err != nil {
		span.SetAttributes(attribute.String("task.status", "error"))
		span.RecordError(err)
	} else {
		span.SetAttributes(attribute.String("task.status", "completed"))
	}
	span.End()
}
