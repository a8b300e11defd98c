/*
Package config provides type-safe configuration extraction from map[string]any.

# Overview

config wraps a map[string]any and provides typed accessor methods that handle
missing keys and type mismatches gracefully by returning default values.
Sections of a YAML or JSON document are reached with Sub.

# Basic Usage

	cfg, err := config.FromFile("esflow.yaml")
	if err != nil {
	    log.Fatal(err)
	}

	router := cfg.Sub("router")
	attempts := router.Int("max_attempts", 5)
	backoff := router.Duration("initial_backoff", 5*time.Millisecond)

	store, err := eventstore.Open(cfg.Sub("store"))

A typical file:

	router:
	  max_attempts: 5
	  initial_backoff: 5ms
	  max_backoff: 100ms
	  max_depth: 32
	repository:
	  snapshot_interval: 50
	store:
	  driver: sqlite
	  path: ${DATA_DIR}/events.db

# Type Coercion

Duration handles multiple input types:
  - string: parsed with time.ParseDuration ("5ms", "1s")
  - int/float64: interpreted as milliseconds
  - time.Duration: used directly

All methods return the default value if:
  - The key is missing
  - The value cannot be converted to the requested type
  - The conversion would lose precision (e.g., float to int with fraction)

# Thread Safety

Config is safe for concurrent read access. The underlying map is not
modified after creation.
*/
package config
