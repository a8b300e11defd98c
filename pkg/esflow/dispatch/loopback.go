package dispatch

import (
	"context"
	"sync/atomic"

	"github.com/randalmurphal/esflow/pkg/esflow/message"
)

// Router is the part of *esflow.Router a Loopback needs.
type Router interface {
	Route(ctx context.Context, env message.Envelope) error
}

// Loopback feeds every dispatched message back into a router, synchronously
// and in batch order, so a whole causal chain completes inside the call that
// started it. The router bounds the recursion with its max depth.
//
// The router needs its dispatcher at construction, so a Loopback is created
// unbound and bound afterwards:
//
//	lb := dispatch.NewLoopback()
//	router := esflow.New(store, lb)
//	lb.Bind(router)
type Loopback struct {
	router atomic.Pointer[Router]
}

// NewLoopback creates an unbound Loopback.
func NewLoopback() *Loopback {
	return &Loopback{}
}

// Bind sets the router messages are fed to.
func (l *Loopback) Bind(r Router) {
	l.router.Store(&r)
}

// Dispatch routes each message in order and stops at the first error.
func (l *Loopback) Dispatch(ctx context.Context, msgs []message.Envelope) error {
	r := l.router.Load()
	if r == nil {
		return ErrNotBound
	}
	for _, msg := range msgs {
		if err := (*r).Route(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}
