package eventstore

import (
	"context"
	"encoding/json"
	"iter"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/randalmurphal/esflow/pkg/esflow/message"
	"github.com/randalmurphal/esflow/pkg/esflow/registry"
)

// MemoryStore is the in-memory reference EventStore.
// It keeps, per agent name, a map from aggregate id to the ordered event list
// and the latest snapshot. Data is lost when the process exits.
type MemoryStore struct {
	mu     sync.RWMutex
	names  map[string]map[uuid.UUID]*memStream // name -> id -> stream
	locks  *registry.Locks[streamKey]
	closed bool
}

type streamKey struct {
	name string
	id   uuid.UUID
}

// memStream holds one aggregate's events and snapshot.
// Both are guarded by the per-key lock, never by MemoryStore.mu.
type memStream struct {
	events   []message.Versioned
	snapshot *Snapshot[json.RawMessage]
}

// NewMemoryStore creates a new in-memory event store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		names: make(map[string]map[uuid.UUID]*memStream),
		locks: registry.NewLocks[streamKey](),
	}
}

// Compile-time interface check.
var _ EventStore = (*MemoryStore)(nil)

// stream returns the stream for (name, id), creating it when create is set.
func (m *MemoryStore) stream(name string, id uuid.UUID, create bool) (*memStream, error) {
	if create {
		m.mu.Lock()
		defer m.mu.Unlock()
	} else {
		m.mu.RLock()
		defer m.mu.RUnlock()
	}

	if m.closed {
		return nil, ErrStoreClosed
	}

	byID, ok := m.names[name]
	if !ok {
		if !create {
			return nil, nil
		}
		byID = make(map[uuid.UUID]*memStream)
		m.names[name] = byID
	}

	s, ok := byID[id]
	if !ok && create {
		s = &memStream{}
		byID[id] = s
	}
	return s, nil
}

// lock serialises access to one stream.
func (m *MemoryStore) lock(name string, id uuid.UUID) func() {
	return m.locks.Lock(streamKey{name: name, id: id})
}

// Exists implements EventStore.
func (m *MemoryStore) Exists(_ context.Context, name string, id uuid.UUID) (bool, error) {
	s, err := m.stream(name, id, false)
	if err != nil || s == nil {
		return false, err
	}

	unlock := m.lock(name, id)
	defer unlock()
	return len(s.events) > 0 || s.snapshot != nil, nil
}

// LoadSnapshot implements EventStore.
func (m *MemoryStore) LoadSnapshot(_ context.Context, name string, id uuid.UUID) (Snapshot[json.RawMessage], bool, error) {
	s, err := m.stream(name, id, false)
	if err != nil || s == nil {
		return Snapshot[json.RawMessage]{}, false, err
	}

	unlock := m.lock(name, id)
	defer unlock()

	if s.snapshot == nil {
		return Snapshot[json.RawMessage]{}, false, nil
	}
	snap := *s.snapshot
	snap.State = slices.Clone(snap.State)
	return snap, true, nil
}

// SaveSnapshot implements EventStore.
func (m *MemoryStore) SaveSnapshot(_ context.Context, name string, snap Snapshot[json.RawMessage]) error {
	s, err := m.stream(name, snap.ID, true)
	if err != nil {
		return err
	}

	unlock := m.lock(name, snap.ID)
	defer unlock()

	if s.snapshot != nil && s.snapshot.Version > snap.Version {
		return &OptimisticLockError{
			Name:     name,
			ID:       snap.ID,
			Expected: snap.Version,
			Actual:   s.snapshot.Version,
			Snapshot: true,
		}
	}

	// Copy state to avoid retaining caller's slice
	stored := snap
	stored.State = slices.Clone(snap.State)
	s.snapshot = &stored
	return nil
}

// DropSnapshot implements EventStore.
func (m *MemoryStore) DropSnapshot(_ context.Context, name string, id uuid.UUID, version int64) error {
	s, err := m.stream(name, id, false)
	if err != nil || s == nil {
		return err
	}

	unlock := m.lock(name, id)
	defer unlock()

	if s.snapshot != nil && s.snapshot.Version == version {
		s.snapshot = nil
	}
	return nil
}

// LoadEvents implements EventStore.
// Each iteration copies the matching tail of the stream under the stream lock
// and then yields without holding it.
func (m *MemoryStore) LoadEvents(ctx context.Context, name string, id uuid.UUID, after int64) iter.Seq2[message.Versioned, error] {
	return func(yield func(message.Versioned, error) bool) {
		s, err := m.stream(name, id, false)
		if err != nil {
			yield(message.Versioned{}, err)
			return
		}
		if s == nil {
			return
		}

		unlock := m.lock(name, id)
		// Versions start at 1 with no gaps, so version v sits at index v-1.
		start := max(after, 0)
		var tail []message.Versioned
		if start < int64(len(s.events)) {
			tail = slices.Clone(s.events[start:])
		}
		unlock()

		for _, evt := range tail {
			if err := ctx.Err(); err != nil {
				yield(message.Versioned{}, err)
				return
			}
			if !yield(evt, nil) {
				return
			}
		}
	}
}

// SaveEvents implements EventStore.
func (m *MemoryStore) SaveEvents(_ context.Context, name string, id uuid.UUID, expected int64, events []message.Versioned) error {
	if err := checkBatch(expected, events); err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}

	s, err := m.stream(name, id, true)
	if err != nil {
		return err
	}

	unlock := m.lock(name, id)
	defer unlock()

	if n := len(s.events); n > 0 {
		if last := s.events[n-1].Version; last != expected {
			return &OptimisticLockError{Name: name, ID: id, Expected: expected, Actual: last}
		}
	} else if expected != 0 {
		// An empty stream only accepts a batch starting at version 1, otherwise
		// the index-equals-version layout would break.
		return &OptimisticLockError{Name: name, ID: id, Expected: expected, Actual: 0}
	}

	s.events = append(s.events, events...)
	return nil
}

// Close implements EventStore.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.names = nil
	return nil
}

// Len returns the total number of stored events across all streams.
// Useful for testing.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for name, byID := range m.names {
		for id, s := range byID {
			unlock := m.lock(name, id)
			count += len(s.events)
			unlock()
		}
	}
	return count
}
