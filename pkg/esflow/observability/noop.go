package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// NoopMetrics is a MetricsRecorder that does nothing.
// Use when metrics are disabled to avoid overhead.
type NoopMetrics struct{}

// Compile-time interface check.
var _ MetricsRecorder = NoopMetrics{}

// RecordMessage does nothing.
func (NoopMetrics) RecordMessage(context.Context, string, string, time.Duration, int, error) {}

// RecordConflict does nothing.
func (NoopMetrics) RecordConflict(context.Context, string) {}

// RecordEventsAppended does nothing.
func (NoopMetrics) RecordEventsAppended(context.Context, string, int) {}

// RecordDispatch does nothing.
func (NoopMetrics) RecordDispatch(context.Context, int, error) {}

// RecordSnapshot does nothing.
func (NoopMetrics) RecordSnapshot(context.Context, string, int64) {}

// NoopSpanManager is a SpanManager that does nothing.
// Use when tracing is disabled to avoid overhead.
type NoopSpanManager struct{}

// Compile-time interface check.
var _ SpanManager = NoopSpanManager{}

var noopSpan = noop.Span{}

// StartMessageSpan returns the context unchanged and a no-op span.
func (NoopSpanManager) StartMessageSpan(ctx context.Context, _, _, _, _ string) (context.Context, trace.Span) {
	return ctx, noopSpan
}

// StartAttemptSpan returns the context unchanged and a no-op span.
func (NoopSpanManager) StartAttemptSpan(ctx context.Context, _, _ string, _ int) (context.Context, trace.Span) {
	return ctx, noopSpan
}

// EndSpanWithError does nothing.
func (NoopSpanManager) EndSpanWithError(trace.Span, error) {}

// AddSpanEvent does nothing.
func (NoopSpanManager) AddSpanEvent(context.Context, string, ...attribute.KeyValue) {}
