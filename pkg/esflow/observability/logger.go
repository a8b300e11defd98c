// Package observability provides structured logging, metrics, and tracing
// for the esflow router and repository.
//
// Features:
//   - Structured logging via slog (Go stdlib)
//   - Metrics via OpenTelemetry or Prometheus
//   - Tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
package observability

import (
	"log/slog"
	"time"
)

// EnrichLogger adds routing context to a logger.
// Returns a new logger with agent, aggregate_id, and message_id fields.
//
// Example:
//
//	enriched := EnrichLogger(logger, "Cart", cartID.String(), cmd.ID.String())
//	enriched.Info("doing work") // includes agent, aggregate_id, message_id
func EnrichLogger(logger *slog.Logger, agentName, aggregateID, messageID string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("agent", agentName),
		slog.String("aggregate_id", aggregateID),
		slog.String("message_id", messageID),
	)
}

// LogCommandStart logs the start of command handling.
func LogCommandStart(logger *slog.Logger, msgType, messageID string) {
	if logger == nil {
		return
	}
	logger.Debug("command handling starting",
		slog.String("message_type", msgType),
		slog.String("message_id", messageID),
	)
}

// LogCommandComplete logs successful command handling.
func LogCommandComplete(logger *slog.Logger, msgType string, durationMs float64, attempts, events int) {
	if logger == nil {
		return
	}
	logger.Info("command handled",
		slog.String("message_type", msgType),
		slog.Float64("duration_ms", durationMs),
		slog.Int("attempts", attempts),
		slog.Int("events", events),
	)
}

// LogCommandError logs command handling failure.
func LogCommandError(logger *slog.Logger, msgType string, err error, durationMs float64, attempts int) {
	if logger == nil {
		return
	}
	logger.Error("command failed",
		slog.String("message_type", msgType),
		slog.String("error", err.Error()),
		slog.Float64("duration_ms", durationMs),
		slog.Int("attempts", attempts),
	)
}

// LogConflict logs an optimistic lock failure that will be retried.
func LogConflict(logger *slog.Logger, agentName, aggregateID string, attempt int, err error) {
	if logger == nil {
		return
	}
	logger.Warn("write conflict, retrying",
		slog.String("agent", agentName),
		slog.String("aggregate_id", aggregateID),
		slog.Int("attempt", attempt),
		slog.String("error", err.Error()),
	)
}

// LogHandlerError logs an error returned by an agent's handler.
func LogHandlerError(logger *slog.Logger, agentName, msgType string, err error) {
	if logger == nil {
		return
	}
	logger.Error("handler failed",
		slog.String("agent", agentName),
		slog.String("message_type", msgType),
		slog.String("error", err.Error()),
	)
}

// LogDispatch logs a forwarded batch.
func LogDispatch(logger *slog.Logger, causeID string, count int) {
	if logger == nil {
		return
	}
	logger.Debug("messages dispatched",
		slog.String("cause_id", causeID),
		slog.Int("count", count),
	)
}

// LogSnapshot logs snapshot creation.
func LogSnapshot(logger *slog.Logger, agentName, aggregateID string, version int64, sizeBytes int) {
	if logger == nil {
		return
	}
	logger.Debug("snapshot saved",
		slog.String("agent", agentName),
		slog.String("aggregate_id", aggregateID),
		slog.Int64("version", version),
		slog.Int("size_bytes", sizeBytes),
	)
}

// LogSnapshotError logs snapshot failure (non-fatal).
func LogSnapshotError(logger *slog.Logger, agentName, aggregateID, op string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("snapshot failed",
		slog.String("agent", agentName),
		slog.String("aggregate_id", aggregateID),
		slog.String("operation", op),
		slog.String("error", err.Error()),
	)
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed time in milliseconds.
//
// Example:
//
//	done := TimedOperation()
//	// ... do work ...
//	durationMs := done()
func TimedOperation() func() float64 {
	start := time.Now()
	return func() float64 {
		return float64(time.Since(start).Microseconds()) / 1000
	}
}
