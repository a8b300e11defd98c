package registry

import "sync"

// Locks is a table of mutexes indexed by key.
// Entries exist only while some goroutine holds or waits for the key, so the
// table does not grow with the number of distinct keys ever seen.
type Locks[K comparable] struct {
	mu      sync.Mutex
	entries map[K]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// NewLocks creates an empty lock table.
func NewLocks[K comparable]() *Locks[K] {
	return &Locks[K]{
		entries: make(map[K]*lockEntry),
	}
}

// Lock acquires the mutex for key and returns the function that releases it.
//
//	unlock := locks.Lock(key)
//	defer unlock()
func (l *Locks[K]) Lock(key K) (unlock func()) {
	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		e = &lockEntry{}
		l.entries[key] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()

			l.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(l.entries, key)
			}
			l.mu.Unlock()
		})
	}
}

// Len returns the number of keys currently held or awaited.
func (l *Locks[K]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
