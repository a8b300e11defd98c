package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/randalmurphal/esflow/pkg/esflow/message"
)

// Default breaker settings.
const (
	defaultMaxFailures uint32 = 5
	defaultTimeout            = 30 * time.Second
	defaultInterval           = 60 * time.Second
)

// BreakerConfig configures a Breaker.
type BreakerConfig struct {
	// Name identifies the breaker in logs. Default: "dispatch".
	Name string `yaml:"name"`
	// MaxFailures is the number of consecutive failures before the circuit opens.
	MaxFailures uint32 `yaml:"max_failures"`
	// Timeout is how long the circuit stays open before a probe is allowed.
	Timeout time.Duration `yaml:"timeout"`
	// Interval clears failure counts periodically while closed.
	Interval time.Duration `yaml:"interval"`
}

// Breaker stops calling a dispatcher that keeps failing. While the circuit is
// open, batches fail fast with ErrCircuitOpen.
type Breaker struct {
	next    Dispatcher
	breaker *gobreaker.CircuitBreaker[struct{}]
}

// NewBreaker wraps next. Zero config fields take defaults; a nil logger uses
// slog.Default().
func NewBreaker(next Dispatcher, cfg BreakerConfig, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Name == "" {
		cfg.Name = "dispatch"
	}
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = defaultMaxFailures
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Interval == 0 {
		cfg.Interval = defaultInterval
	}

	maxFailures := cfg.MaxFailures
	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1, // one probe while half-open
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			// The caller giving up says nothing about the dispatcher's health.
			return err == nil || errors.Is(err, context.Canceled)
		},
	})

	return &Breaker{next: next, breaker: cb}
}

// Dispatch sends msgs through the breaker.
func (b *Breaker) Dispatch(ctx context.Context, msgs []message.Envelope) error {
	_, err := b.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, b.next.Dispatch(ctx, msgs)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s: %w", ErrCircuitOpen, b.breaker.Name(), err)
	}
	return err
}

// State returns the breaker's current state.
func (b *Breaker) State() gobreaker.State {
	return b.breaker.State()
}
