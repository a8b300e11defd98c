package eventstore

import (
	"fmt"

	"github.com/randalmurphal/esflow/pkg/esflow/config"
)

// Store drivers accepted by Open.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
)

// Open builds an event store from configuration.
//
//	driver: sqlite        # memory (default) or sqlite
//	path: ./events.db     # sqlite only; ":memory:" when empty
func Open(cfg config.Config) (EventStore, error) {
	switch driver := cfg.String("driver", DriverMemory); driver {
	case DriverMemory:
		return NewMemoryStore(), nil
	case DriverSQLite:
		return NewSQLiteStore(cfg.String("path", ":memory:"))
	default:
		return nil, fmt.Errorf("unknown event store driver %q", driver)
	}
}
