package esflow_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/randalmurphal/esflow/pkg/esflow"
	"github.com/randalmurphal/esflow/pkg/esflow/eventstore"
	"github.com/randalmurphal/esflow/pkg/esflow/observability"
)

// testLogHandler captures log records for testing.
type testLogHandler struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (h *testLogHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *testLogHandler) Handle(_ context.Context, r slog.Record) error {
	data := map[string]any{
		"level": r.Level.String(),
		"msg":   r.Message,
	}
	r.Attrs(func(a slog.Attr) bool {
		data[a.Key] = a.Value.Any()
		return true
	})

	h.mu.Lock()
	defer h.mu.Unlock()
	return json.NewEncoder(&h.buf).Encode(data)
}

func (h *testLogHandler) WithAttrs([]slog.Attr) slog.Handler { return h }

func (h *testLogHandler) WithGroup(string) slog.Handler { return h }

func (h *testLogHandler) records() []map[string]any {
	h.mu.Lock()
	defer h.mu.Unlock()

	var records []map[string]any
	for _, line := range bytes.Split(h.buf.Bytes(), []byte("\n")) {
		var m map[string]any
		if len(line) > 0 && json.Unmarshal(line, &m) == nil {
			records = append(records, m)
		}
	}
	return records
}

func (h *testLogHandler) withMessage(msg string) []map[string]any {
	var out []map[string]any
	for _, r := range h.records() {
		if r["msg"] == msg {
			out = append(out, r)
		}
	}
	return out
}

// recordingSpans notes which spans were started and how they ended.
type recordingSpans struct {
	mu     sync.Mutex
	starts []string
	errs   int
	events []string
}

var _ observability.SpanManager = (*recordingSpans)(nil)

func (s *recordingSpans) StartMessageSpan(ctx context.Context, category, msgType, _, _ string) (context.Context, trace.Span) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.starts = append(s.starts, category+":"+msgType)
	return ctx, noop.Span{}
}

func (s *recordingSpans) StartAttemptSpan(ctx context.Context, agentName, _ string, _ int) (context.Context, trace.Span) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.starts = append(s.starts, "attempt:"+agentName)
	return ctx, noop.Span{}
}

func (s *recordingSpans) EndSpanWithError(_ trace.Span, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.errs++
	}
}

func (s *recordingSpans) AddSpanEvent(_ context.Context, name string, _ ...attribute.KeyValue) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, name)
}

func TestObservability_PrometheusMetrics(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	metrics, err := observability.NewPrometheusMetrics(reg)
	require.NoError(t, err)

	router, _, _ := newCartRouter(t, newConflictingStore(2), esflow.WithMetrics(metrics))

	require.NoError(t, router.HandleCommand(ctx, addItemCmd(uuid.New(), "apple")))
	require.Error(t, router.HandleCommand(ctx, addItemCmd(uuid.New(), "BOGUS")))

	err = testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP esflow_router_messages_total Total number of messages handled by the router
# TYPE esflow_router_messages_total counter
esflow_router_messages_total{category="command",message_type="ADD_ITEM",status="error"} 1
esflow_router_messages_total{category="command",message_type="ADD_ITEM",status="ok"} 1
# HELP esflow_store_conflicts_total Total number of optimistic lock failures
# TYPE esflow_store_conflicts_total counter
esflow_store_conflicts_total{agent="Cart"} 2
# HELP esflow_store_events_appended_total Total number of events appended to streams
# TYPE esflow_store_events_appended_total counter
esflow_store_events_appended_total{agent="Cart"} 1
# HELP esflow_dispatch_messages_total Total number of messages handed to the dispatcher
# TYPE esflow_dispatch_messages_total counter
esflow_dispatch_messages_total{status="ok"} 1
`),
		"esflow_router_messages_total",
		"esflow_store_conflicts_total",
		"esflow_store_events_appended_total",
		"esflow_dispatch_messages_total",
	)
	assert.NoError(t, err)

	count, err := testutil.GatherAndCount(reg, "esflow_router_command_attempts")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestObservability_Spans(t *testing.T) {
	ctx := context.Background()
	spans := &recordingSpans{}
	router, _, _ := newCartRouter(t, newConflictingStore(1), esflow.WithTracing(spans))

	require.NoError(t, router.HandleCommand(ctx, addItemCmd(uuid.New(), "apple")))

	spans.mu.Lock()
	defer spans.mu.Unlock()
	assert.Equal(t, []string{"command:ADD_ITEM", "attempt:Cart", "attempt:Cart"}, spans.starts)
	assert.Equal(t, 1, spans.errs, "only the conflicting attempt ends with an error")
	assert.Equal(t, []string{"events_saved"}, spans.events)
}

func TestObservability_Logging(t *testing.T) {
	ctx := context.Background()
	h := &testLogHandler{}
	router, _, _ := newCartRouter(t, newConflictingStore(1), esflow.WithLogger(slog.New(h)))

	require.NoError(t, router.HandleCommand(ctx, addItemCmd(uuid.New(), "apple")))

	conflicts := h.withMessage("write conflict, retrying")
	require.Len(t, conflicts, 1)
	assert.Equal(t, "WARN", conflicts[0]["level"])
	assert.Equal(t, "Cart", conflicts[0]["agent"])
	assert.EqualValues(t, 1, conflicts[0]["attempt"])

	done := h.withMessage("command handled")
	require.Len(t, done, 1)
	assert.Equal(t, "ADD_ITEM", done[0]["message_type"])
	assert.EqualValues(t, 2, done[0]["attempts"])
	assert.EqualValues(t, 1, done[0]["events"])
}

func TestObservability_HandlerErrorLogged(t *testing.T) {
	ctx := context.Background()
	h := &testLogHandler{}
	router, _, cart := newCartRouter(t, eventstore.NewMemoryStore(), esflow.WithLogger(slog.New(h)))
	cart.err = assert.AnError

	require.Error(t, router.HandleCommand(ctx, addItemCmd(uuid.New(), "apple")))

	failed := h.withMessage("handler failed")
	require.Len(t, failed, 1)
	assert.Equal(t, "Cart", failed[0]["agent"])
	assert.Len(t, h.withMessage("command failed"), 1)
}
