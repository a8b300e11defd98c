package errors

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/randalmurphal/esflow/pkg/esflow/config"
)

// RetryConfig is a retry budget with exponential backoff.
type RetryConfig struct {
	// MaxAttempts counts the first attempt. Values below 1 mean 1.
	MaxAttempts int

	InitialBackoff time.Duration
	MaxBackoff     time.Duration // 0 = uncapped
	BackoffFactor  float64

	// Jitter spreads each wait by up to +/- this fraction (0.0-1.0).
	Jitter float64

	// RetryableFunc replaces IsRetryable when set.
	RetryableFunc func(error) bool

	// OnRetry is called after a failed attempt that will be retried.
	// attempt is 1-based.
	OnRetry func(attempt int, err error)
}

// DefaultRetry is the conflict retry budget used by the router: five attempts
// with short backoff, since a competing writer usually finishes within milliseconds.
var DefaultRetry = RetryConfig{
	MaxAttempts:    5,
	InitialBackoff: 5 * time.Millisecond,
	MaxBackoff:     200 * time.Millisecond,
	BackoffFactor:  2.0,
	Jitter:         0.2,
}

// NoRetry runs exactly one attempt.
var NoRetry = RetryConfig{
	MaxAttempts: 1,
}

// RetryFromConfig reads a retry budget from a config section, falling back to
// DefaultRetry per key.
//
//	max_attempts: 5
//	initial_backoff: 5ms
//	max_backoff: 200ms
//	backoff_factor: 2
//	jitter: 0.2
func RetryFromConfig(c config.Config) RetryConfig {
	def := DefaultRetry
	return NewRetryConfig(
		WithMaxAttempts(c.Int("max_attempts", def.MaxAttempts)),
		WithInitialBackoff(c.Duration("initial_backoff", def.InitialBackoff)),
		WithMaxBackoff(c.Duration("max_backoff", def.MaxBackoff)),
		WithBackoffFactor(c.Float("backoff_factor", def.BackoffFactor)),
		WithJitter(c.Float("jitter", def.Jitter)),
	)
}

// RetryResult is the outcome of a retried operation.
type RetryResult[T any] struct {
	Value T

	// Err is a *CategorizedError wrapping the final failure. Use Cause to
	// recover the attempt's own error.
	Err error

	Attempts int
	Duration time.Duration
}

// WithRetry is WithRetryContext without cancellation.
func WithRetry[T any](cfg RetryConfig, fn func() (T, error)) RetryResult[T] {
	return WithRetryContext(context.Background(), cfg, func(_ context.Context) (T, error) {
		return fn()
	})
}

// WithRetryContext runs fn until it succeeds, returns an error that is not
// retryable, or the budget runs out.
// The context is checked before every attempt, so a cancelled caller never starts
// another attempt; an attempt already running is not interrupted by this function.
func WithRetryContext[T any](
	ctx context.Context,
	cfg RetryConfig,
	fn func(context.Context) (T, error),
) RetryResult[T] {
	start := time.Now()
	fail := func(err error, cat Category, attempts int, reason string) RetryResult[T] {
		return RetryResult[T]{
			Err:      &CategorizedError{Err: err, Category: cat, Retries: attempts, Context: reason},
			Attempts: attempts,
			Duration: time.Since(start),
		}
	}

	maxAttempts := max(cfg.MaxAttempts, 1)
	isRetryable := cfg.RetryableFunc
	if isRetryable == nil {
		isRetryable = IsRetryable
	}
	wait := newBackoff(cfg)

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fail(err, CategoryPermanent, attempt-1, "context cancelled")
		}

		value, err := fn(ctx)
		if err == nil {
			return RetryResult[T]{Value: value, Attempts: attempt, Duration: time.Since(start)}
		}
		lastErr = err

		if !isRetryable(err) {
			return fail(err, Categorize(err), attempt, "")
		}
		if attempt == maxAttempts {
			break
		}

		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err)
		}
		if err := sleep(ctx, wait.next()); err != nil {
			return fail(err, CategoryPermanent, attempt, "context cancelled during backoff")
		}
	}

	return fail(lastErr, Categorize(lastErr), maxAttempts, "max retries exceeded")
}

// Cause strips the categorisation WithRetryContext adds, returning the error
// the failing attempt produced.
func Cause(err error) error {
	var catErr *CategorizedError
	if errors.As(err, &catErr) && catErr.Err != nil {
		return catErr.Err
	}
	return err
}

// backoff yields successive waits: InitialBackoff, then multiplied by
// BackoffFactor up to MaxBackoff, each with jitter applied.
type backoff struct {
	cur    time.Duration
	factor float64
	limit  time.Duration
	jitter float64
}

func newBackoff(cfg RetryConfig) *backoff {
	return &backoff{cur: cfg.InitialBackoff, factor: cfg.BackoffFactor, limit: cfg.MaxBackoff, jitter: cfg.Jitter}
}

func (b *backoff) next() time.Duration {
	d := calculateBackoff(b.cur, b.jitter)
	b.cur = time.Duration(float64(b.cur) * b.factor)
	if b.limit > 0 && b.cur > b.limit {
		b.cur = b.limit
	}
	return d
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// calculateBackoff returns base spread by +/- base*jitter.
func calculateBackoff(base time.Duration, jitter float64) time.Duration {
	if base <= 0 || jitter <= 0 {
		return base
	}
	return time.Duration(float64(base) + float64(base)*jitter*(rand.Float64()*2-1))
}

// RetryOption configures a RetryConfig.
type RetryOption func(*RetryConfig)

// WithMaxAttempts sets the maximum number of attempts.
func WithMaxAttempts(n int) RetryOption {
	return func(cfg *RetryConfig) { cfg.MaxAttempts = n }
}

// WithInitialBackoff sets the first wait.
func WithInitialBackoff(d time.Duration) RetryOption {
	return func(cfg *RetryConfig) { cfg.InitialBackoff = d }
}

// WithMaxBackoff caps the wait.
func WithMaxBackoff(d time.Duration) RetryOption {
	return func(cfg *RetryConfig) { cfg.MaxBackoff = d }
}

// WithBackoffFactor sets the backoff multiplier.
func WithBackoffFactor(f float64) RetryOption {
	return func(cfg *RetryConfig) { cfg.BackoffFactor = f }
}

// WithJitter sets the jitter factor.
func WithJitter(j float64) RetryOption {
	return func(cfg *RetryConfig) { cfg.Jitter = j }
}

// WithRetryableFunc replaces the retryability check.
func WithRetryableFunc(fn func(error) bool) RetryOption {
	return func(cfg *RetryConfig) { cfg.RetryableFunc = fn }
}

// WithOnRetry sets a callback invoked before each retry.
func WithOnRetry(fn func(attempt int, err error)) RetryOption {
	return func(cfg *RetryConfig) { cfg.OnRetry = fn }
}

// NewRetryConfig applies opts to DefaultRetry.
func NewRetryConfig(opts ...RetryOption) RetryConfig {
	cfg := DefaultRetry
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}
