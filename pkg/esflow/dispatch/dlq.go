package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/randalmurphal/esflow/pkg/esflow/message"
)

// DeadLetterQueue stores batches that could not be delivered.
type DeadLetterQueue interface {
	// Enqueue adds a failed batch.
	Enqueue(ctx context.Context, failed *FailedBatch) error

	// Dequeue removes and returns up to limit batches, oldest first.
	Dequeue(ctx context.Context, limit int) ([]*FailedBatch, error)

	// Len returns the number of queued batches.
	Len(ctx context.Context) (int, error)
}

// MemoryQueue is an in-memory DeadLetterQueue.
// Suitable for testing and single-instance deployments.
type MemoryQueue struct {
	mu      sync.Mutex
	batches []*FailedBatch
	maxSize int
}

// DefaultQueueSize is the capacity of a MemoryQueue created with size <= 0.
const DefaultQueueSize = 10000

// NewMemoryQueue creates a queue holding at most maxSize batches.
func NewMemoryQueue(maxSize int) *MemoryQueue {
	if maxSize <= 0 {
		maxSize = DefaultQueueSize
	}
	return &MemoryQueue{maxSize: maxSize}
}

// Enqueue adds failed, or returns ErrQueueFull.
func (q *MemoryQueue) Enqueue(_ context.Context, failed *FailedBatch) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.batches) >= q.maxSize {
		return ErrQueueFull
	}
	q.batches = append(q.batches, failed)
	return nil
}

// Dequeue removes and returns up to limit batches, oldest first.
func (q *MemoryQueue) Dequeue(_ context.Context, limit int) ([]*FailedBatch, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := min(limit, len(q.batches))
	if n <= 0 {
		return nil, nil
	}
	out := make([]*FailedBatch, n)
	copy(out, q.batches[:n])
	q.batches = q.batches[n:]
	return out, nil
}

// Len returns the number of queued batches.
func (q *MemoryQueue) Len(context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.batches), nil
}

// DeadLetter parks batches its inner dispatcher fails to deliver, so the router
// sees a successful dispatch. Redeliver retries them later.
type DeadLetter struct {
	next   Dispatcher
	queue  DeadLetterQueue
	logger *slog.Logger

	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// NewDeadLetter wraps next. A nil logger uses slog.Default().
func NewDeadLetter(next Dispatcher, queue DeadLetterQueue, logger *slog.Logger) *DeadLetter {
	if logger == nil {
		logger = slog.Default()
	}
	return &DeadLetter{
		next:    next,
		queue:   queue,
		logger:  logger,
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
}

// Dispatch delivers msgs through the inner dispatcher and parks them on failure.
// Cancellation is returned, not parked. An error is returned only when the
// batch could be neither delivered nor parked.
func (d *DeadLetter) Dispatch(ctx context.Context, msgs []message.Envelope) error {
	err := d.next.Dispatch(ctx, msgs)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return err
	}

	now := time.Now()
	failed := &FailedBatch{
		ID:            d.newID(now),
		Messages:      msgs,
		Error:         err.Error(),
		Attempts:      1,
		FirstFailedAt: now,
		LastFailedAt:  now,
	}
	if qerr := d.queue.Enqueue(ctx, failed); qerr != nil {
		return fmt.Errorf("park batch after %w: %w", err, qerr)
	}

	d.logger.Warn("batch dead-lettered",
		slog.String("batch_id", failed.ID),
		slog.Int("count", len(msgs)),
		slog.String("error", failed.Error),
	)
	return nil
}

// Redeliver takes up to limit parked batches and tries them again.
// Batches that fail again go back to the queue with their attempt count raised.
// It returns how many batches were delivered.
func (d *DeadLetter) Redeliver(ctx context.Context, limit int) (int, error) {
	batches, err := d.queue.Dequeue(ctx, limit)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for i, b := range batches {
		if err := d.next.Dispatch(ctx, b.Messages); err != nil {
			b.Attempts++
			b.Error = err.Error()
			b.LastFailedAt = time.Now()
			if ctx.Err() != nil {
				return delivered, d.requeue(ctx, batches[i:], ctx.Err())
			}
			if qerr := d.queue.Enqueue(ctx, b); qerr != nil {
				return delivered, fmt.Errorf("requeue batch %s: %w", b.ID, qerr)
			}
			continue
		}
		delivered++
	}
	return delivered, nil
}

// requeue puts back batches that were dequeued but not attempted.
func (d *DeadLetter) requeue(ctx context.Context, batches []*FailedBatch, cause error) error {
	for _, b := range batches {
		if err := d.queue.Enqueue(context.WithoutCancel(ctx), b); err != nil {
			return fmt.Errorf("requeue batch %s after %w: %w", b.ID, cause, err)
		}
	}
	return cause
}

func (d *DeadLetter) newID(t time.Time) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), d.entropy).String()
}
