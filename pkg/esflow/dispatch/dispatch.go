package dispatch

import (
	"context"

	"github.com/randalmurphal/esflow/pkg/esflow/message"
)

// Dispatcher forwards a batch of messages. It has the same method set as
// esflow.Dispatcher.
type Dispatcher interface {
	Dispatch(ctx context.Context, msgs []message.Envelope) error
}

// Func adapts a function to Dispatcher.
type Func func(ctx context.Context, msgs []message.Envelope) error

// Dispatch calls f.
func (f Func) Dispatch(ctx context.Context, msgs []message.Envelope) error {
	return f(ctx, msgs)
}

// Multi sends every batch to each dispatcher in order and stops at the first error.
func Multi(ds ...Dispatcher) Dispatcher {
	return Func(func(ctx context.Context, msgs []message.Envelope) error {
		for _, d := range ds {
			if err := d.Dispatch(ctx, msgs); err != nil {
				return err
			}
		}
		return nil
	})
}
