package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/neonextechnologies/neoqueue/envelope"
)

// tracerName is the instrumentation scope name for neoqueue tracing.
const tracerName = "github.com/neonextechnologies/neoqueue"

// Tracing returns middleware that wraps job execution in an OpenTelemetry span.
// If no TracerProvider is configured globally, the default noop tracer is used
// and this middleware becomes a pass-through.
//
// Span attributes include: neoqueue.job.id, neoqueue.job.name,
// neoqueue.queue, neoqueue.attempts, neoqueue.batch.id.
func Tracing() Middleware {
	return TracingWithTracer(otel.Tracer(tracerName))
}

// TracingWithTracer returns tracing middleware using the provided tracer.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, env *envelope.Envelope, next Handler) error {
		ctx, span := tracer.Start(ctx, "neoqueue.job.execute",
			trace.WithAttributes(
				attribute.String("neoqueue.job.id", env.ID.String()),
				attribute.String("neoqueue.job.name", env.Name),
				attribute.String("neoqueue.queue", env.Queue),
				attribute.Int("neoqueue.attempts", env.Attempts),
				attribute.String("neoqueue.batch.id", env.BatchID.String()),
			),
			trace.WithSpanKind(trace.SpanKindConsumer),
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
