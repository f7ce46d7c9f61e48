package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/beacon/job"
)

// tracerName is the instrumentation scope name for beacon tracing.
const tracerName = "github.com/xraph/beacon"

// Tracing returns middleware that wraps job execution in an OpenTelemetry
// span using the global TracerProvider. Without a configured provider the
// noop tracer makes it a pass-through.
//
// Span attributes: beacon.job.key, beacon.job.type, beacon.trigger.key,
// beacon.entry_id, beacon.recovering.
func Tracing() Middleware {
	return TracingWithTracer(otel.Tracer(tracerName))
}

// TracingWithTracer returns tracing middleware using the provided tracer.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, jc *job.Context, next Handler) error {
		ctx, span := tracer.Start(ctx, "beacon.job.execute",
			trace.WithAttributes(
				attribute.String("beacon.job.key", jc.JobKey.String()),
				attribute.String("beacon.job.type", jc.JobType),
				attribute.String("beacon.trigger.key", jc.TriggerGroup+"."+jc.TriggerName),
				attribute.String("beacon.entry_id", jc.EntryID),
				attribute.Bool("beacon.recovering", jc.Recovering),
			),
			trace.WithSpanKind(trace.SpanKindInternal),
		)
		defer span.End()

		err := next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		return err
	}
}
