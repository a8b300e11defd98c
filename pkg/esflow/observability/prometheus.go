package observability

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetrics implements MetricsRecorder with Prometheus collectors.
type PrometheusMetrics struct {
	messagesTotal   *prometheus.CounterVec   // By category, message_type and status (ok/error)
	messageDuration *prometheus.HistogramVec // By category
	attempts        prometheus.Histogram
	conflictsTotal  *prometheus.CounterVec // By agent
	eventsAppended  *prometheus.CounterVec // By agent
	dispatchedTotal *prometheus.CounterVec // By status
	snapshotBytes   *prometheus.HistogramVec
}

// Compile-time interface check.
var _ MetricsRecorder = (*PrometheusMetrics)(nil)

// NewPrometheusMetrics creates the collectors and registers them with reg.
// Pass prometheus.DefaultRegisterer to expose them on the default /metrics handler.
func NewPrometheusMetrics(reg prometheus.Registerer) (*PrometheusMetrics, error) {
	m := &PrometheusMetrics{
		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "esflow",
			Subsystem: "router",
			Name:      "messages_total",
			Help:      "Total number of messages handled by the router",
		}, []string{"category", "message_type", "status"}),

		messageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "esflow",
			Subsystem: "router",
			Name:      "message_duration_seconds",
			Help:      "Message handling duration in seconds",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"category"}),

		attempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "esflow",
			Subsystem: "router",
			Name:      "command_attempts",
			Help:      "Attempts needed per command, including conflict retries",
			Buckets:   []float64{1, 2, 3, 4, 5, 8},
		}),

		conflictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "esflow",
			Subsystem: "store",
			Name:      "conflicts_total",
			Help:      "Total number of optimistic lock failures",
		}, []string{"agent"}),

		eventsAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "esflow",
			Subsystem: "store",
			Name:      "events_appended_total",
			Help:      "Total number of events appended to streams",
		}, []string{"agent"}),

		dispatchedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "esflow",
			Subsystem: "dispatch",
			Name:      "messages_total",
			Help:      "Total number of messages handed to the dispatcher",
		}, []string{"status"}),

		snapshotBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "esflow",
			Subsystem: "store",
			Name:      "snapshot_size_bytes",
			Help:      "Snapshot size in bytes",
			Buckets:   prometheus.ExponentialBuckets(64, 4, 8),
		}, []string{"agent"}),
	}

	for _, c := range []prometheus.Collector{
		m.messagesTotal, m.messageDuration, m.attempts, m.conflictsTotal,
		m.eventsAppended, m.dispatchedTotal, m.snapshotBytes,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordMessage implements MetricsRecorder.
func (m *PrometheusMetrics) RecordMessage(_ context.Context, category, msgType string, duration time.Duration, attempts int, err error) {
	m.messagesTotal.WithLabelValues(category, msgType, status(err)).Inc()
	m.messageDuration.WithLabelValues(category).Observe(duration.Seconds())
	if attempts > 0 {
		m.attempts.Observe(float64(attempts))
	}
}

// RecordConflict implements MetricsRecorder.
func (m *PrometheusMetrics) RecordConflict(_ context.Context, agentName string) {
	m.conflictsTotal.WithLabelValues(agentName).Inc()
}

// RecordEventsAppended implements MetricsRecorder.
func (m *PrometheusMetrics) RecordEventsAppended(_ context.Context, agentName string, count int) {
	m.eventsAppended.WithLabelValues(agentName).Add(float64(count))
}

// RecordDispatch implements MetricsRecorder.
func (m *PrometheusMetrics) RecordDispatch(_ context.Context, count int, err error) {
	m.dispatchedTotal.WithLabelValues(status(err)).Add(float64(count))
}

// RecordSnapshot implements MetricsRecorder.
func (m *PrometheusMetrics) RecordSnapshot(_ context.Context, agentName string, sizeBytes int64) {
	m.snapshotBytes.WithLabelValues(agentName).Observe(float64(sizeBytes))
}
