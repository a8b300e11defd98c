// Package repository rehydrates stateful agents from their event streams and
// appends the events they produce.
//
// Load starts from the latest snapshot (or the agent's initial state at version 0)
// and replays the rest of the stream in order. Save is a compare-and-append through
// the event store; an *eventstore.OptimisticLockError is returned unchanged and never
// retried here, because only the router can recompute a command against fresh state.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/randalmurphal/esflow/pkg/esflow/agent"
	"github.com/randalmurphal/esflow/pkg/esflow/eventstore"
	"github.com/randalmurphal/esflow/pkg/esflow/message"
	"github.com/randalmurphal/esflow/pkg/esflow/observability"
)

// Sentinel errors for loading.
var (
	// ErrStreamCorrupt indicates a stored stream whose versions are not 1, 2, 3, ...
	ErrStreamCorrupt = errors.New("event stream corrupt")

	// ErrNotStateful indicates Load or Save was called for a stateless agent.
	ErrNotStateful = errors.New("agent has no state")
)

// Repository loads and saves aggregate state for stateful agents.
type Repository struct {
	store            eventstore.EventStore
	logger           *slog.Logger
	metrics          observability.MetricsRecorder
	snapshotInterval int64
}

// Option configures a Repository.
type Option func(*Repository)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(r *Repository) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder. Default: NoopMetrics.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(r *Repository) {
		if m != nil {
			r.metrics = m
		}
	}
}

// WithSnapshotInterval writes a snapshot whenever a save crosses a multiple of n
// events. Default: 0 (never).
//
// Snapshots only shorten replay. A failed snapshot write is logged and never
// fails the save that triggered it.
func WithSnapshotInterval(n int64) Option {
	return func(r *Repository) {
		if n >= 0 {
			r.snapshotInterval = n
		}
	}
}

// New creates a Repository over store.
func New(store eventstore.EventStore, opts ...Option) *Repository {
	r := &Repository{
		store:   store,
		logger:  slog.Default(),
		metrics: observability.NoopMetrics{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Store returns the underlying event store.
func (r *Repository) Store() eventstore.EventStore {
	return r.store
}

// Load returns the current state of aggregate id owned by a.
// Every call builds a fresh state value; callers may mutate it freely.
func (r *Repository) Load(ctx context.Context, a agent.Agent, h any, id uuid.UUID) (eventstore.Snapshot[any], error) {
	agg, ok := a.Stateful()
	if !ok {
		return eventstore.Snapshot[any]{}, fmt.Errorf("%w: %s", ErrNotStateful, a.Name)
	}

	snap, err := r.loadSnapshot(ctx, a.Name, agg, h, id)
	if err != nil {
		return eventstore.Snapshot[any]{}, err
	}

	for evt, err := range r.store.LoadEvents(ctx, a.Name, id, snap.Version) {
		if err != nil {
			return eventstore.Snapshot[any]{}, fmt.Errorf("load %s/%s: %w", a.Name, id, err)
		}
		if evt.Version != snap.Version+1 {
			return eventstore.Snapshot[any]{}, fmt.Errorf("%w: %s/%s has version %d after %d",
				ErrStreamCorrupt, a.Name, id, evt.Version, snap.Version)
		}

		state, err := agg.State.Apply(ctx, h, snap.State, evt)
		if err != nil {
			return eventstore.Snapshot[any]{}, fmt.Errorf("apply %s v%d to %s/%s: %w", evt.Type, evt.Version, a.Name, id, err)
		}
		snap.State = state
		snap.Version = evt.Version
	}

	return snap, nil
}

// loadSnapshot returns the stored snapshot decoded, or the initial state at version 0.
// An undecodable snapshot is dropped so the next load does not trip over it again.
func (r *Repository) loadSnapshot(ctx context.Context, name string, agg *agent.Aggregate, h any, id uuid.UUID) (eventstore.Snapshot[any], error) {
	stored, ok, err := r.store.LoadSnapshot(ctx, name, id)
	if err != nil {
		return eventstore.Snapshot[any]{}, fmt.Errorf("load snapshot %s/%s: %w", name, id, err)
	}

	if ok {
		state, err := agg.State.Decode(stored.State)
		if err == nil {
			return eventstore.Snapshot[any]{ID: id, Version: stored.Version, State: state}, nil
		}

		observability.LogSnapshotError(r.logger, name, id.String(), "decode", err)
		if err := r.store.DropSnapshot(ctx, name, id, stored.Version); err != nil {
			observability.LogSnapshotError(r.logger, name, id.String(), "drop", err)
		}
	}

	state, err := agg.State.Initial(ctx, h)
	if err != nil {
		return eventstore.Snapshot[any]{}, fmt.Errorf("initial state %s/%s: %w", name, id, err)
	}
	return eventstore.Snapshot[any]{ID: id, Version: 0, State: state}, nil
}

// Save appends events to the stream snap was loaded from.
// events must be numbered snap.Version+1, snap.Version+2, ...
// h is only used to fold the events into a snapshot when the interval is crossed.
func (r *Repository) Save(ctx context.Context, a agent.Agent, h any, snap eventstore.Snapshot[any], events []message.Versioned) error {
	agg, ok := a.Stateful()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotStateful, a.Name)
	}
	if len(events) == 0 {
		return nil
	}

	if err := r.store.SaveEvents(ctx, a.Name, snap.ID, snap.Version, events); err != nil {
		return err
	}
	r.metrics.RecordEventsAppended(ctx, a.Name, len(events))

	r.maybeSnapshot(ctx, a.Name, agg, h, snap, events)
	return nil
}

func (r *Repository) maybeSnapshot(ctx context.Context, name string, agg *agent.Aggregate, h any, snap eventstore.Snapshot[any], events []message.Versioned) {
	n := r.snapshotInterval
	last := events[len(events)-1].Version
	if n <= 0 || snap.Version/n == last/n {
		return
	}

	id := snap.ID.String()
	state := snap.State
	for _, evt := range events {
		next, err := agg.State.Apply(ctx, h, state, evt)
		if err != nil {
			observability.LogSnapshotError(r.logger, name, id, "apply", err)
			return
		}
		state = next
	}

	raw, err := json.Marshal(state)
	if err != nil {
		observability.LogSnapshotError(r.logger, name, id, "encode", err)
		return
	}

	err = r.store.SaveSnapshot(ctx, name, eventstore.Snapshot[json.RawMessage]{ID: snap.ID, Version: last, State: raw})
	if err != nil {
		observability.LogSnapshotError(r.logger, name, id, "save", err)
		return
	}

	r.metrics.RecordSnapshot(ctx, name, int64(len(raw)))
	observability.LogSnapshot(r.logger, name, id, last, len(raw))
}
