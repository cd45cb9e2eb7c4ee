package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"postal/internal/envelope"
)

// InjectEnvelope writes the current trace context into the envelope headers
// so the receiving node continues the same trace.
func InjectEnvelope(ctx context.Context, env *envelope.Envelope) {
	if env.Headers == nil {
		env.Headers = make(map[string]string)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(env.Headers))
}

func StartEnvelopeSpan(ctx context.Context, operation string, env *envelope.Envelope) (context.Context, trace.Span) {
	if len(env.Headers) > 0 {
		ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(env.Headers))
	}

	return Tracer().Start(ctx, operation,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("postal.envelope_id", env.ID.String()),
			attribute.String("postal.message_type", env.MessageType),
			attribute.String("postal.destination", env.Destination),
			attribute.Int("postal.attempts", env.Attempts),
		),
	)
}
