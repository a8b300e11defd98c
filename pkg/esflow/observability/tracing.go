package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracer is the esflow tracer instance.
// Uses the global OTel tracer provider.
var tracer = otel.Tracer("esflow")

// SpanManager handles trace span lifecycle.
// Use NewSpanManager() for OTel tracing or NoopSpanManager{} when disabled.
type SpanManager interface {
	// StartMessageSpan starts a span for handling one message.
	// category is "command", "event" or "alert".
	StartMessageSpan(ctx context.Context, category, msgType, messageID, correlationID string) (context.Context, trace.Span)

	// StartAttemptSpan starts a span for one load-handle-save attempt.
	// The attempt span should be a child of the message span.
	StartAttemptSpan(ctx context.Context, agentName, aggregateID string, attempt int) (context.Context, trace.Span)

	// EndSpanWithError completes a span, optionally recording an error.
	EndSpanWithError(span trace.Span, err error)

	// AddSpanEvent adds an event to the current span in context.
	AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue)
}

// otelSpanManager implements SpanManager using OpenTelemetry.
type otelSpanManager struct{}

// NewSpanManager returns a SpanManager that uses OpenTelemetry.
//
// The span manager uses the global OTel tracer provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetTracerProvider(yourProvider)
func NewSpanManager() SpanManager {
	return &otelSpanManager{}
}

// StartMessageSpan starts a span for handling one message.
func (m *otelSpanManager) StartMessageSpan(ctx context.Context, category, msgType, messageID, correlationID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "esflow."+category,
		trace.WithAttributes(
			attribute.String("message.type", msgType),
			attribute.String("message.id", messageID),
			attribute.String("message.correlation_id", correlationID),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartAttemptSpan starts a span for one attempt against an aggregate.
func (m *otelSpanManager) StartAttemptSpan(ctx context.Context, agentName, aggregateID string, attempt int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "esflow.attempt",
		trace.WithAttributes(
			attribute.String("agent.name", agentName),
			attribute.String("aggregate.id", aggregateID),
			attribute.Int("attempt", attempt),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndSpanWithError completes a span, optionally recording an error.
func (m *otelSpanManager) EndSpanWithError(span trace.Span, err error) {
	EndSpanWithError(span, err)
}

// AddSpanEvent adds an event to the current span.
func (m *otelSpanManager) AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	AddSpanEvent(ctx, name, attrs...)
}

// EndSpanWithError completes a span, optionally recording an error.
func EndSpanWithError(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// AddSpanEvent adds an event to the current span in context.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span == nil || !span.IsRecording() {
		return
	}
	span.AddEvent(name, trace.WithAttributes(attrs...))
}
