// Package registry provides a generic thread-safe registry for values indexed by key,
// and a table of per-key mutexes.
//
// Registry is designed for read-heavy workloads using sync.RWMutex. Unlike a
// plain map it remembers registration order, so iteration is deterministic:
//
//	r := registry.New[string, int]()
//	r.Register("orders", 1)
//	r.Register("billing", 2)
//
//	r.Keys() // ["orders", "billing"]
//
// # Ownership
//
// Add registers a value only when the key is free, which makes "at most one
// owner per key" checks a single atomic step:
//
//	if owner, ok := owners.Add("ADD_ITEM", "Cart"); !ok {
//	    return fmt.Errorf("ADD_ITEM already owned by %s", owner)
//	}
//
// # Lazy Initialization
//
// GetOrCreate is atomic - the factory function is called at most once per key,
// even under concurrent access.
//
// # Locks
//
// Locks hands out one mutex per key and forgets keys nobody holds:
//
//	unlock := locks.Lock(streamKey)
//	defer unlock()
package registry
