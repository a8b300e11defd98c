package esflow

import (
	"log/slog"

	"github.com/randalmurphal/esflow/pkg/esflow/config"
	eserrors "github.com/randalmurphal/esflow/pkg/esflow/errors"
	"github.com/randalmurphal/esflow/pkg/esflow/observability"
)

// DefaultMaxDepth is the default limit on nested Route calls.
const DefaultMaxDepth = 32

// routerConfig holds the Router's tunables.
type routerConfig struct {
	logger           *slog.Logger
	metrics          observability.MetricsRecorder
	spans            observability.SpanManager
	retry            eserrors.RetryConfig
	maxDepth         int
	locking          bool
	snapshotInterval int64
}

// defaultRouterConfig returns the default router configuration.
func defaultRouterConfig() routerConfig {
	return routerConfig{
		logger:   slog.Default(),
		metrics:  observability.NoopMetrics{},
		spans:    observability.NoopSpanManager{},
		retry:    eserrors.DefaultRetry,
		maxDepth: DefaultMaxDepth,
		locking:  true,
	}
}

// Option configures a Router.
type Option func(*routerConfig)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *routerConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder used by the router and its repository.
// Default: observability.NoopMetrics.
//
// Example:
//
//	router := esflow.New(store, bus, esflow.WithMetrics(observability.NewMetricsRecorder()))
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(c *routerConfig) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithTracing enables spans for every handled message and every command attempt.
// Default: no tracing.
func WithTracing(spans observability.SpanManager) Option {
	return func(c *routerConfig) {
		if spans != nil {
			c.spans = spans
		}
	}
}

// WithRetry sets the conflict retry budget and backoff.
// Default: errors.DefaultRetry (5 attempts).
//
// Only optimistic lock conflicts are retried; RetryableFunc is ignored.
// OnRetry, when set, is called in addition to the router's own conflict logging.
func WithRetry(cfg eserrors.RetryConfig) Option {
	return func(c *routerConfig) {
		c.retry = cfg
	}
}

// WithMaxAttempts sets only the attempt count of the retry budget.
func WithMaxAttempts(n int) Option {
	return func(c *routerConfig) {
		if n > 0 {
			c.retry.MaxAttempts = n
		}
	}
}

// WithMaxDepth limits how often Route may be re-entered through a dispatcher
// that feeds messages back into the router. Default: 32.
func WithMaxDepth(n int) Option {
	return func(c *routerConfig) {
		if n > 0 {
			c.maxDepth = n
		}
	}
}

// WithAggregateLocking serialises command handling per (agent, aggregate id)
// within this process. Conflicts between processes are still caught by the store.
// Default: true.
func WithAggregateLocking(enabled bool) Option {
	return func(c *routerConfig) {
		c.locking = enabled
	}
}

// WithSnapshotInterval snapshots aggregate state every n events. Default: 0 (never).
func WithSnapshotInterval(n int64) Option {
	return func(c *routerConfig) {
		if n >= 0 {
			c.snapshotInterval = n
		}
	}
}

// OptionsFromConfig reads the router and repository sections of cfg.
// Missing keys keep their defaults.
//
//	router:
//	  max_attempts: 5
//	  initial_backoff: 5ms
//	  max_backoff: 200ms
//	  backoff_factor: 2
//	  jitter: 0.2
//	  max_depth: 32
//	  aggregate_locking: true
//	repository:
//	  snapshot_interval: 100
func OptionsFromConfig(cfg config.Config) []Option {
	router := cfg.Sub("router")
	repo := cfg.Sub("repository")

	return []Option{
		WithRetry(eserrors.RetryFromConfig(router)),
		WithMaxDepth(router.Int("max_depth", DefaultMaxDepth)),
		WithAggregateLocking(router.Bool("aggregate_locking", true)),
		WithSnapshotInterval(repo.Int64("snapshot_interval", 0)),
	}
}
