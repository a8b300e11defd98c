package dispatch

import (
	"errors"
	"time"

	"github.com/randalmurphal/esflow/pkg/esflow/message"
)

// Sentinel errors for dispatchers.
var (
	// ErrBusClosed indicates Publish, Dispatch or Subscribe on a closed Bus.
	ErrBusClosed = errors.New("bus is closed")

	// ErrTooManySubscribers indicates the bus reached BusConfig.MaxSubscribers.
	ErrTooManySubscribers = errors.New("too many subscribers")

	// ErrQueueFull indicates a dead letter queue at capacity.
	ErrQueueFull = errors.New("dead letter queue is full")

	// ErrCircuitOpen indicates the breaker rejected a batch without trying it.
	ErrCircuitOpen = errors.New("circuit open")

	// ErrNotBound indicates a Loopback used before Bind.
	ErrNotBound = errors.New("loopback has no router")
)

// FailedBatch is a batch a dispatcher could not deliver.
type FailedBatch struct {
	// ID identifies the batch in its queue.
	ID string

	Messages []message.Envelope

	// Error is the message of the last delivery error.
	Error string

	// Attempts counts deliveries that failed, including the first.
	Attempts int

	FirstFailedAt time.Time
	LastFailedAt  time.Time
}
