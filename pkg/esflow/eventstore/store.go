// Package eventstore persists event streams and snapshots per (agent name, aggregate id)
// with optimistic concurrency.
package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"

	"github.com/google/uuid"

	"github.com/randalmurphal/esflow/pkg/esflow/message"
)

// EventStore persists event streams and snapshots.
// Streams are keyed by (name, id) where name is the owning agent's name.
// Implementations must be safe for concurrent use and must linearise the
// version check and append of SaveEvents per key.
type EventStore interface {
	// Exists reports whether a stream or snapshot exists for (name, id).
	Exists(ctx context.Context, name string, id uuid.UUID) (bool, error)

	// LoadSnapshot returns the latest snapshot, or ok=false if none is stored.
	LoadSnapshot(ctx context.Context, name string, id uuid.UUID) (snap Snapshot[json.RawMessage], ok bool, err error)

	// SaveSnapshot stores snap as the latest snapshot for (name, snap.ID).
	// Returns *OptimisticLockError if the stored snapshot is newer than snap.
	SaveSnapshot(ctx context.Context, name string, snap Snapshot[json.RawMessage]) error

	// DropSnapshot removes the stored snapshot only if its version equals version.
	// It is a no-op otherwise.
	DropSnapshot(ctx context.Context, name string, id uuid.UUID, version int64) error

	// LoadEvents yields the stream's events in ascending version order,
	// restricted to versions strictly greater than after (0 = whole stream).
	// The sequence is lazy and restartable: every range over it re-reads storage.
	// Iteration stops after the first non-nil error.
	LoadEvents(ctx context.Context, name string, id uuid.UUID, after int64) iter.Seq2[message.Versioned, error]

	// SaveEvents appends events to the stream (name, id).
	// expected is the version the caller's state was built from. Returns
	// *OptimisticLockError if the stream is non-empty and its last version is not
	// expected, and ErrVersionGap if events are not numbered expected+1..expected+N.
	// A nil return means the events are durably committed.
	SaveEvents(ctx context.Context, name string, id uuid.UUID, expected int64, events []message.Versioned) error

	// Close releases any resources (connections, files).
	Close() error
}

// Snapshot is an aggregate's state as of Version.
// Version 0 means no events have been applied.
type Snapshot[S any] struct {
	ID      uuid.UUID `json:"id"`
	Version int64     `json:"version"`
	State   S         `json:"state"`
}

// Sentinel errors for event store operations.
var (
	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("event store closed")

	// ErrVersionGap indicates a batch whose versions do not continue the expected version.
	ErrVersionGap = errors.New("event versions are not contiguous")
)

// OptimisticLockError reports a failed compare-and-append or compare-and-set.
// The caller's view of the stream is stale and must be reloaded.
type OptimisticLockError struct {
	Name     string
	ID       uuid.UUID
	Expected int64 // version the caller built on
	Actual   int64 // version found in storage
	Snapshot bool  // true when raised by SaveSnapshot
}

// Error implements the error interface.
func (e *OptimisticLockError) Error() string {
	what := "stream"
	if e.Snapshot {
		what = "snapshot"
	}
	return fmt.Sprintf("optimistic lock: %s %s/%s at version %d, expected %d",
		what, e.Name, e.ID, e.Actual, e.Expected)
}

// Conflict marks the error as a concurrency conflict for errors.Categorize.
func (e *OptimisticLockError) Conflict() bool {
	return true
}

// IsOptimisticLock reports whether err is or wraps an *OptimisticLockError.
func IsOptimisticLock(err error) bool {
	var lockErr *OptimisticLockError
	return errors.As(err, &lockErr)
}

// checkBatch verifies events are numbered expected+1, expected+2, ...
func checkBatch(expected int64, events []message.Versioned) error {
	for i, evt := range events {
		if want := expected + int64(i) + 1; evt.Version != want {
			return fmt.Errorf("%w: event %d has version %d, want %d", ErrVersionGap, i, evt.Version, want)
		}
	}
	return nil
}

// Collect drains a LoadEvents sequence into a slice.
func Collect(seq iter.Seq2[message.Versioned, error]) ([]message.Versioned, error) {
	var out []message.Versioned
	for evt, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, evt)
	}
	return out, nil
}
