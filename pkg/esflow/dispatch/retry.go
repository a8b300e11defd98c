package dispatch

import (
	"context"
	"errors"

	eserrors "github.com/randalmurphal/esflow/pkg/esflow/errors"
	"github.com/randalmurphal/esflow/pkg/esflow/message"
)

// Retry re-sends a failed batch with backoff.
//
// Without a RetryableFunc every error except cancellation is retried,
// since a dispatcher failure says nothing about the batch itself.
type Retry struct {
	next Dispatcher
	cfg  eserrors.RetryConfig
}

// NewRetry wraps next.
func NewRetry(next Dispatcher, cfg eserrors.RetryConfig) *Retry {
	if cfg.RetryableFunc == nil {
		cfg.RetryableFunc = func(err error) bool {
			return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
		}
	}
	return &Retry{next: next, cfg: cfg}
}

// Dispatch calls the inner dispatcher until it succeeds or the budget runs out.
// The returned error is the last attempt's.
func (r *Retry) Dispatch(ctx context.Context, msgs []message.Envelope) error {
	res := eserrors.WithRetryContext(ctx, r.cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.next.Dispatch(ctx, msgs)
	})
	if res.Err == nil {
		return nil
	}
	return eserrors.Cause(res.Err)
}
