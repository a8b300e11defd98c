package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureHandler records every log line as a JSON object.
type captureHandler struct {
	buf   *bytes.Buffer
	attrs []slog.Attr
}

func newCaptureHandler() *captureHandler {
	return &captureHandler{buf: &bytes.Buffer{}}
}

func (h *captureHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *captureHandler) Handle(_ context.Context, r slog.Record) error {
	data := map[string]any{
		"level": r.Level.String(),
		"msg":   r.Message,
	}
	for _, attr := range h.attrs {
		data[attr.Key] = attr.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		data[a.Key] = a.Value.Any()
		return true
	})
	return json.NewEncoder(h.buf).Encode(data)
}

func (h *captureHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &captureHandler{buf: h.buf, attrs: append(append([]slog.Attr{}, h.attrs...), attrs...)}
}

func (h *captureHandler) WithGroup(string) slog.Handler { return h }

func (h *captureHandler) last(t *testing.T) map[string]any {
	t.Helper()
	lines := bytes.Split(bytes.TrimSpace(h.buf.Bytes()), []byte("\n"))
	require.NotEmpty(t, lines[len(lines)-1], "no log records")

	var m map[string]any
	require.NoError(t, json.Unmarshal(lines[len(lines)-1], &m))
	return m
}

func TestEnrichLogger(t *testing.T) {
	t.Run("adds agent, aggregate_id, and message_id", func(t *testing.T) {
		h := newCaptureHandler()
		enriched := EnrichLogger(slog.New(h), "Cart", "c1", "m1")
		enriched.Info("test message")

		record := h.last(t)
		assert.Equal(t, "Cart", record["agent"])
		assert.Equal(t, "c1", record["aggregate_id"])
		assert.Equal(t, "m1", record["message_id"])
		assert.Equal(t, "test message", record["msg"])
	})

	t.Run("nil logger returns nil", func(t *testing.T) {
		assert.Nil(t, EnrichLogger(nil, "Cart", "c1", "m1"))
	})
}

func TestLogHelpers(t *testing.T) {
	boom := errors.New("boom")

	tests := []struct {
		name   string
		log    func(*slog.Logger)
		level  string
		msg    string
		fields map[string]any
	}{
		{
			name:   "command start",
			log:    func(l *slog.Logger) { LogCommandStart(l, "ADD_ITEM", "m1") },
			level:  "DEBUG",
			msg:    "command handling starting",
			fields: map[string]any{"message_type": "ADD_ITEM", "message_id": "m1"},
		},
		{
			name:  "command complete",
			log:   func(l *slog.Logger) { LogCommandComplete(l, "ADD_ITEM", 12.5, 2, 1) },
			level: "INFO",
			msg:   "command handled",
			fields: map[string]any{
				"message_type": "ADD_ITEM", "duration_ms": 12.5,
				"attempts": float64(2), "events": float64(1), // JSON decodes ints as float64
			},
		},
		{
			name:   "command error",
			log:    func(l *slog.Logger) { LogCommandError(l, "ADD_ITEM", boom, 3, 5) },
			level:  "ERROR",
			msg:    "command failed",
			fields: map[string]any{"error": "boom", "attempts": float64(5)},
		},
		{
			name:   "conflict",
			log:    func(l *slog.Logger) { LogConflict(l, "Cart", "c1", 1, boom) },
			level:  "WARN",
			msg:    "write conflict, retrying",
			fields: map[string]any{"agent": "Cart", "aggregate_id": "c1", "attempt": float64(1)},
		},
		{
			name:   "handler error",
			log:    func(l *slog.Logger) { LogHandlerError(l, "Cart", "ADD_ITEM", boom) },
			level:  "ERROR",
			msg:    "handler failed",
			fields: map[string]any{"agent": "Cart", "message_type": "ADD_ITEM", "error": "boom"},
		},
		{
			name:   "dispatch",
			log:    func(l *slog.Logger) { LogDispatch(l, "m1", 3) },
			level:  "DEBUG",
			msg:    "messages dispatched",
			fields: map[string]any{"cause_id": "m1", "count": float64(3)},
		},
		{
			name:   "snapshot",
			log:    func(l *slog.Logger) { LogSnapshot(l, "Cart", "c1", 10, 256) },
			level:  "DEBUG",
			msg:    "snapshot saved",
			fields: map[string]any{"version": float64(10), "size_bytes": float64(256)},
		},
		{
			name:   "snapshot error",
			log:    func(l *slog.Logger) { LogSnapshotError(l, "Cart", "c1", "decode", boom) },
			level:  "WARN",
			msg:    "snapshot failed",
			fields: map[string]any{"operation": "decode", "error": "boom"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newCaptureHandler()
			tt.log(slog.New(h))

			record := h.last(t)
			assert.Equal(t, tt.level, record["level"])
			assert.Equal(t, tt.msg, record["msg"])
			for k, v := range tt.fields {
				assert.Equal(t, v, record[k], k)
			}
		})

		t.Run(tt.name+"/nil logger does not panic", func(t *testing.T) {
			assert.NotPanics(t, func() { tt.log(nil) })
		})
	}
}

func TestTimedOperation(t *testing.T) {
	t.Run("measures duration", func(t *testing.T) {
		done := TimedOperation()
		time.Sleep(10 * time.Millisecond)
		duration := done()

		assert.GreaterOrEqual(t, duration, 10.0)
		assert.Less(t, duration, 1000.0)
	})

	t.Run("can be called multiple times", func(t *testing.T) {
		done := TimedOperation()
		time.Sleep(2 * time.Millisecond)
		d1 := done()
		time.Sleep(2 * time.Millisecond)
		d2 := done()

		assert.Greater(t, d2, d1)
	})
}
