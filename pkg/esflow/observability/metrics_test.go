package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// setupMetricsTest creates a test meter provider and returns a function to collect metrics.
func setupMetricsTest(t *testing.T) (*sdkmetric.ManualReader, func()) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	originalProvider := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)

	cleanup := func() {
		otel.SetMeterProvider(originalProvider)
		if err := provider.Shutdown(context.Background()); err != nil {
			t.Logf("Error shutting down meter provider: %v", err)
		}
	}

	return reader, cleanup
}

// collectMetrics collects all metrics from the reader.
func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) *metricdata.ResourceMetrics {
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return &rm
}

// findMetric finds a metric by name in the collected data.
func findMetric(rm *metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumFor returns the int64 sum data point whose attribute key equals value.
func sumFor(t *testing.T, rm *metricdata.ResourceMetrics, name, key, value string) (int64, bool) {
	t.Helper()
	m := findMetric(rm, name)
	if m == nil {
		return 0, false
	}
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "Expected Sum type for %s", name)
	for _, dp := range sum.DataPoints {
		if key == "" {
			return dp.Value, true
		}
		for _, attr := range dp.Attributes.ToSlice() {
			if string(attr.Key) == key && attr.Value.AsString() == value {
				return dp.Value, true
			}
		}
	}
	return 0, false
}

func TestNewMetricsRecorder(t *testing.T) {
	_, cleanup := setupMetricsTest(t)
	defer cleanup()

	recorder := NewMetricsRecorder()
	require.NotNil(t, recorder)

	_, isNoop := recorder.(NoopMetrics)
	assert.False(t, isNoop, "Expected real metrics recorder, got noop")
}

func TestRecordMessage(t *testing.T) {
	reader, cleanup := setupMetricsTest(t)
	defer cleanup()

	m, err := newOtelMetrics()
	require.NoError(t, err)

	ctx := context.Background()

	t.Run("records count and latency", func(t *testing.T) {
		m.RecordMessage(ctx, "command", "ADD_ITEM", 5*time.Millisecond, 1, nil)

		rm := collectMetrics(t, reader)
		count, found := sumFor(t, rm, "esflow.messages", "message_type", "ADD_ITEM")
		require.True(t, found)
		assert.Equal(t, int64(1), count)

		latency := findMetric(rm, "esflow.message.latency_ms")
		require.NotNil(t, latency)
		_, ok := latency.Data.(metricdata.Histogram[float64])
		assert.True(t, ok, "Expected Histogram type")

		assert.NotNil(t, findMetric(rm, "esflow.command.attempts"))
	})

	t.Run("records errors when present", func(t *testing.T) {
		m.RecordMessage(ctx, "command", "REMOVE_ITEM", time.Millisecond, 5, errors.New("conflict"))

		rm := collectMetrics(t, reader)
		count, found := sumFor(t, rm, "esflow.message.errors", "message_type", "REMOVE_ITEM")
		require.True(t, found)
		assert.Equal(t, int64(1), count)
	})

	t.Run("does not record error when nil", func(t *testing.T) {
		m.RecordMessage(ctx, "event", "ITEM_ADDED", time.Millisecond, 0, nil)

		rm := collectMetrics(t, reader)
		_, found := sumFor(t, rm, "esflow.message.errors", "message_type", "ITEM_ADDED")
		assert.False(t, found)
	})
}

func TestRecordStoreMetrics(t *testing.T) {
	reader, cleanup := setupMetricsTest(t)
	defer cleanup()

	m, err := newOtelMetrics()
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordConflict(ctx, "Cart")
	m.RecordConflict(ctx, "Cart")
	m.RecordEventsAppended(ctx, "Cart", 3)
	m.RecordDispatch(ctx, 4, nil)
	m.RecordDispatch(ctx, 1, errors.New("bus down"))
	m.RecordSnapshot(ctx, "Cart", 2048)

	rm := collectMetrics(t, reader)

	conflicts, _ := sumFor(t, rm, "esflow.store.conflicts", "agent", "Cart")
	assert.Equal(t, int64(2), conflicts)

	appended, _ := sumFor(t, rm, "esflow.store.events_appended", "agent", "Cart")
	assert.Equal(t, int64(3), appended)

	dispatched, _ := sumFor(t, rm, "esflow.dispatch.messages", "", "")
	assert.Equal(t, int64(5), dispatched)

	dispatchErrors, _ := sumFor(t, rm, "esflow.dispatch.errors", "", "")
	assert.Equal(t, int64(1), dispatchErrors)

	snap := findMetric(rm, "esflow.snapshot.size_bytes")
	require.NotNil(t, snap)
	hist, ok := snap.Data.(metricdata.Histogram[int64])
	require.True(t, ok, "Expected Histogram[int64] type")
	require.NotEmpty(t, hist.DataPoints)
	assert.Equal(t, uint64(1), hist.DataPoints[0].Count)
}
