package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records router and repository metrics.
// Use NewMetricsRecorder() for OTel metrics, NewPrometheusMetrics() for a
// Prometheus registry, or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordMessage records one handled command, event, or alert.
	// category is "command", "event" or "alert".
	RecordMessage(ctx context.Context, category, msgType string, duration time.Duration, attempts int, err error)

	// RecordConflict records an optimistic lock failure on an agent's stream.
	RecordConflict(ctx context.Context, agentName string)

	// RecordEventsAppended records events durably appended to an agent's streams.
	RecordEventsAppended(ctx context.Context, agentName string, count int)

	// RecordDispatch records a batch handed to the dispatcher.
	RecordDispatch(ctx context.Context, count int, err error)

	// RecordSnapshot records a snapshot save.
	RecordSnapshot(ctx context.Context, agentName string, sizeBytes int64)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	messages       metric.Int64Counter
	messageLatency metric.Float64Histogram
	messageErrors  metric.Int64Counter
	attempts       metric.Int64Histogram
	conflicts      metric.Int64Counter
	eventsAppended metric.Int64Counter
	dispatched     metric.Int64Counter
	dispatchErrors metric.Int64Counter
	snapshotSize   metric.Int64Histogram
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

// getDefaultMetrics returns the default OTel metrics instance.
// Lazily initializes the metrics on first call.
func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

// newOtelMetrics creates a new OTel metrics instance.
func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("esflow")
	m := &otelMetrics{}
	var err error

	if m.messages, err = meter.Int64Counter("esflow.messages",
		metric.WithDescription("Number of handled messages"),
	); err != nil {
		return nil, err
	}

	if m.messageLatency, err = meter.Float64Histogram("esflow.message.latency_ms",
		metric.WithDescription("Message handling latency in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}

	if m.messageErrors, err = meter.Int64Counter("esflow.message.errors",
		metric.WithDescription("Number of failed message handlings"),
	); err != nil {
		return nil, err
	}

	if m.attempts, err = meter.Int64Histogram("esflow.command.attempts",
		metric.WithDescription("Attempts needed per command"),
	); err != nil {
		return nil, err
	}

	if m.conflicts, err = meter.Int64Counter("esflow.store.conflicts",
		metric.WithDescription("Number of optimistic lock failures"),
	); err != nil {
		return nil, err
	}

	if m.eventsAppended, err = meter.Int64Counter("esflow.store.events_appended",
		metric.WithDescription("Number of events appended to streams"),
	); err != nil {
		return nil, err
	}

	if m.dispatched, err = meter.Int64Counter("esflow.dispatch.messages",
		metric.WithDescription("Number of messages handed to the dispatcher"),
	); err != nil {
		return nil, err
	}

	if m.dispatchErrors, err = meter.Int64Counter("esflow.dispatch.errors",
		metric.WithDescription("Number of failed dispatch batches"),
	); err != nil {
		return nil, err
	}

	if m.snapshotSize, err = meter.Int64Histogram("esflow.snapshot.size_bytes",
		metric.WithDescription("Snapshot size in bytes"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

// RecordMessage records a handled message.
func (m *otelMetrics) RecordMessage(ctx context.Context, category, msgType string, duration time.Duration, attempts int, err error) {
	attrs := metric.WithAttributes(
		attribute.String("category", category),
		attribute.String("message_type", msgType),
	)

	m.messages.Add(ctx, 1, attrs)
	m.messageLatency.Record(ctx, float64(duration.Microseconds())/1000, attrs)
	if attempts > 0 {
		m.attempts.Record(ctx, int64(attempts), attrs)
	}
	if err != nil {
		m.messageErrors.Add(ctx, 1, attrs)
	}
}

// RecordConflict records an optimistic lock failure.
func (m *otelMetrics) RecordConflict(ctx context.Context, agentName string) {
	m.conflicts.Add(ctx, 1, metric.WithAttributes(attribute.String("agent", agentName)))
}

// RecordEventsAppended records appended events.
func (m *otelMetrics) RecordEventsAppended(ctx context.Context, agentName string, count int) {
	m.eventsAppended.Add(ctx, int64(count), metric.WithAttributes(attribute.String("agent", agentName)))
}

// RecordDispatch records a dispatched batch.
func (m *otelMetrics) RecordDispatch(ctx context.Context, count int, err error) {
	m.dispatched.Add(ctx, int64(count))
	if err != nil {
		m.dispatchErrors.Add(ctx, 1)
	}
}

// RecordSnapshot records a snapshot save.
func (m *otelMetrics) RecordSnapshot(ctx context.Context, agentName string, sizeBytes int64) {
	m.snapshotSize.Record(ctx, sizeBytes, metric.WithAttributes(attribute.String("agent", agentName)))
}
