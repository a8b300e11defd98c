package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/randalmurphal/esflow/pkg/esflow/message"
)

// SQLiteStore persists event streams and snapshots to SQLite.
// It is suitable for single-process production use.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS events (
	name           TEXT NOT NULL,
	aggregate_id   TEXT NOT NULL,
	version        INTEGER NOT NULL,
	id             TEXT NOT NULL,
	type           TEXT NOT NULL,
	payload        BLOB,
	timestamp      TEXT NOT NULL,
	correlation_id TEXT NOT NULL,
	causation_id   TEXT,
	PRIMARY KEY (name, aggregate_id, version)
);

CREATE TABLE IF NOT EXISTS snapshots (
	name         TEXT NOT NULL,
	aggregate_id TEXT NOT NULL,
	version      INTEGER NOT NULL,
	state        BLOB,
	PRIMARY KEY (name, aggregate_id)
);
`

// NewSQLiteStore creates a new SQLite event store.
// The path should be a file path (e.g., "./events.db") or ":memory:" for testing.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", withImmediateTx(path))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One connection: appends are serialised by SQLite anyway, and an in-memory
	// database exists only on the connection that created it.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent read performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// withImmediateTx makes every transaction take the write lock at BEGIN.
// A deferred transaction that reads the stream version and then inserts has to
// upgrade its lock, and when another handle on the same file holds it the
// upgrade fails with SQLITE_BUSY without waiting for busy_timeout.
func withImmediateTx(path string) string {
	if strings.Contains(path, "?") {
		return path + "&_txlock=immediate"
	}
	return path + "?_txlock=immediate"
}

// Compile-time interface check.
var _ EventStore = (*SQLiteStore)(nil)

// Exists implements EventStore.
func (s *SQLiteStore) Exists(ctx context.Context, name string, id uuid.UUID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return false, ErrStoreClosed
	}

	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM events WHERE name = ? AND aggregate_id = ?)
		    OR EXISTS (SELECT 1 FROM snapshots WHERE name = ? AND aggregate_id = ?)
	`, name, id.String(), name, id.String()).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check stream: %w", err)
	}
	return exists, nil
}

// LoadSnapshot implements EventStore.
func (s *SQLiteStore) LoadSnapshot(ctx context.Context, name string, id uuid.UUID) (Snapshot[json.RawMessage], bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return Snapshot[json.RawMessage]{}, false, ErrStoreClosed
	}

	snap := Snapshot[json.RawMessage]{ID: id}
	var state []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT version, state FROM snapshots
		WHERE name = ? AND aggregate_id = ?
	`, name, id.String()).Scan(&snap.Version, &state)

	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot[json.RawMessage]{}, false, nil
	}
	if err != nil {
		return Snapshot[json.RawMessage]{}, false, fmt.Errorf("load snapshot: %w", err)
	}
	snap.State = state
	return snap, true, nil
}

// SaveSnapshot implements EventStore.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, name string, snap Snapshot[json.RawMessage]) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrStoreClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin snapshot: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var stored int64
	err = tx.QueryRowContext(ctx, `
		SELECT version FROM snapshots WHERE name = ? AND aggregate_id = ?
	`, name, snap.ID.String()).Scan(&stored)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("read snapshot version: %w", err)
	case stored > snap.Version:
		return &OptimisticLockError{Name: name, ID: snap.ID, Expected: snap.Version, Actual: stored, Snapshot: true}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO snapshots (name, aggregate_id, version, state)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name, aggregate_id) DO UPDATE SET
			version = excluded.version,
			state = excluded.state
	`, name, snap.ID.String(), snap.Version, []byte(snap.State)); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

// DropSnapshot implements EventStore.
func (s *SQLiteStore) DropSnapshot(ctx context.Context, name string, id uuid.UUID, version int64) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrStoreClosed
	}

	_, err := s.db.ExecContext(ctx, `
		DELETE FROM snapshots
		WHERE name = ? AND aggregate_id = ? AND version = ?
	`, name, id.String(), version)
	if err != nil {
		return fmt.Errorf("drop snapshot: %w", err)
	}
	return nil
}

// LoadEvents implements EventStore.
// Rows are read in full before the first yield so the consumer never holds the
// store's only connection.
func (s *SQLiteStore) LoadEvents(ctx context.Context, name string, id uuid.UUID, after int64) iter.Seq2[message.Versioned, error] {
	return func(yield func(message.Versioned, error) bool) {
		events, err := s.readEvents(ctx, name, id, after)
		if err != nil {
			yield(message.Versioned{}, err)
			return
		}
		for _, evt := range events {
			if !yield(evt, nil) {
				return
			}
		}
	}
}

func (s *SQLiteStore) readEvents(ctx context.Context, name string, id uuid.UUID, after int64) ([]message.Versioned, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT version, id, type, payload, timestamp, correlation_id, causation_id
		FROM events
		WHERE name = ? AND aggregate_id = ? AND version > ?
		ORDER BY version
	`, name, id.String(), after)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	defer rows.Close()

	var events []message.Versioned
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, evt)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

func scanEvent(rows *sql.Rows) (message.Versioned, error) {
	var (
		evt         message.Versioned
		eventID     string
		payload     []byte
		timestamp   string
		correlation string
		causation   sql.NullString
	)
	if err := rows.Scan(&evt.Version, &eventID, &evt.Type, &payload, &timestamp, &correlation, &causation); err != nil {
		return evt, fmt.Errorf("scan event: %w", err)
	}

	var err error
	if evt.ID, err = uuid.Parse(eventID); err != nil {
		return evt, fmt.Errorf("event %d: parse id: %w", evt.Version, err)
	}
	if evt.CorrelationID, err = uuid.Parse(correlation); err != nil {
		return evt, fmt.Errorf("event %d: parse correlation id: %w", evt.Version, err)
	}
	if causation.Valid {
		cause, err := uuid.Parse(causation.String)
		if err != nil {
			return evt, fmt.Errorf("event %d: parse causation id: %w", evt.Version, err)
		}
		evt.CausationID = uuid.NullUUID{UUID: cause, Valid: true}
	}
	if evt.Timestamp, err = time.Parse(time.RFC3339Nano, timestamp); err != nil {
		return evt, fmt.Errorf("event %d: parse timestamp: %w", evt.Version, err)
	}
	if len(payload) > 0 && string(payload) != "null" {
		evt.Payload = json.RawMessage(payload)
	}
	return evt, nil
}

// SaveEvents implements EventStore.
// The last-version check and the inserts share one immediate transaction, so a
// writer on another handle waits for the lock and then sees the new version.
func (s *SQLiteStore) SaveEvents(ctx context.Context, name string, id uuid.UUID, expected int64, events []message.Versioned) error {
	if err := checkBatch(expected, events); err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrStoreClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var last sql.NullInt64
	if err := tx.QueryRowContext(ctx, `
		SELECT MAX(version) FROM events WHERE name = ? AND aggregate_id = ?
	`, name, id.String()).Scan(&last); err != nil {
		return fmt.Errorf("read stream version: %w", err)
	}
	if actual := last.Int64; actual != expected {
		return &OptimisticLockError{Name: name, ID: id, Expected: expected, Actual: actual}
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO events (name, aggregate_id, version, id, type, payload, timestamp, correlation_id, causation_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare append: %w", err)
	}
	defer stmt.Close()

	for _, evt := range events {
		payload, err := message.EncodePayload(evt.Message)
		if err != nil {
			return err
		}
		var causation sql.NullString
		if evt.CausationID.Valid {
			causation = sql.NullString{String: evt.CausationID.UUID.String(), Valid: true}
		}

		_, err = stmt.ExecContext(ctx,
			name, id.String(), evt.Version, evt.ID.String(), evt.Type, []byte(payload),
			evt.Timestamp.UTC().Format(time.RFC3339Nano), evt.CorrelationID.String(), causation)
		if isPrimaryKeyViolation(err) {
			return &OptimisticLockError{Name: name, ID: id, Expected: expected, Actual: evt.Version}
		}
		if err != nil {
			return fmt.Errorf("append event %d: %w", evt.Version, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}
	return nil
}

// isPrimaryKeyViolation reports a version that is already taken. With immediate
// transactions the version check catches concurrent writers first; this covers
// rows written outside the store.
func isPrimaryKeyViolation(err error) bool {
	var sqliteErr *sqlite.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}

// Close implements EventStore.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	return s.db.Close()
}
