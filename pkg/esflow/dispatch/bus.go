package dispatch

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/randalmurphal/esflow/pkg/esflow/message"
)

// Handler consumes one delivered message.
type Handler func(ctx context.Context, msg message.Envelope) error

// Subscription represents an active subscription.
type Subscription interface {
	// ID returns the subscription's ULID. IDs sort in subscription order.
	ID() string

	// Unsubscribe removes the subscription. Safe to call more than once.
	Unsubscribe()

	// Pause temporarily stops delivery. Messages arriving while paused are skipped.
	Pause()

	// Resume continues delivery after pause.
	Resume()

	// IsPaused returns true if the subscription is paused.
	IsPaused() bool
}

// BusConfig configures bus behavior.
type BusConfig struct {
	// BufferSize is the channel buffer size per subscription.
	// Default: 256
	BufferSize int

	// MaxSubscribers limits total subscriptions.
	// Default: 0 (unlimited)
	MaxSubscribers int

	// NonBlocking makes Dispatch drop messages for subscribers whose buffer is full.
	// Default: false (blocking)
	NonBlocking bool

	// DeduplicateTTL drops messages whose ID was already published within the TTL.
	// A command retried after a conflict never reaches the bus twice, but a
	// redelivered batch from a dead letter queue can.
	// Default: 0 (disabled)
	DeduplicateTTL time.Duration

	// OnDrop is called when a message is dropped (non-blocking mode).
	OnDrop func(msg message.Envelope, subscriptionID string)

	// OnError is called when a handler returns an error.
	OnError func(msg message.Envelope, subscriptionID string, err error)
}

// DefaultBusConfig provides reasonable defaults.
var DefaultBusConfig = BusConfig{
	BufferSize: 256,
}

// Bus is an in-process pub/sub dispatcher. Each subscription has its own
// goroutine, so a slow subscriber delays only itself (or, when blocking,
// the publisher once its buffer fills).
type Bus struct {
	config BusConfig

	mu            sync.RWMutex
	subscriptions map[string]*subscription
	byType        map[string]map[string]*subscription // message type -> subscription ID -> subscription
	wildcards     map[string]*subscription
	entropy       *ulid.MonotonicEntropy

	dedupeMu    sync.Mutex
	dedupeCache map[uuid.UUID]time.Time

	closed  atomic.Bool
	closeCh chan struct{}
}

// Compile-time interface check.
var _ Dispatcher = (*Bus)(nil)

// NewBus creates a new in-process bus.
func NewBus(config BusConfig) *Bus {
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultBusConfig.BufferSize
	}

	now := time.Now()
	bus := &Bus{
		config:        config,
		subscriptions: make(map[string]*subscription),
		byType:        make(map[string]map[string]*subscription),
		wildcards:     make(map[string]*subscription),
		entropy:       ulid.Monotonic(rand.New(rand.NewSource(now.UnixNano())), 0),
		closeCh:       make(chan struct{}),
	}

	if config.DeduplicateTTL > 0 {
		bus.dedupeCache = make(map[uuid.UUID]time.Time)
		go bus.cleanupDedupe()
	}

	return bus
}

type subscription struct {
	id       string
	types    []string // empty = all types
	handler  Handler
	messages chan message.Envelope
	paused   atomic.Bool
	done     chan struct{}
	once     sync.Once
	bus      *Bus
}

// Dispatch publishes each message in order.
func (b *Bus) Dispatch(ctx context.Context, msgs []message.Envelope) error {
	for _, msg := range msgs {
		if err := b.Publish(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

// Publish sends msg to all matching subscribers.
// With deduplication on, the ID is remembered only once every matching
// subscriber has taken the message, so a publish cut short by ctx can be repeated.
func (b *Bus) Publish(ctx context.Context, msg message.Envelope) error {
	if b.closed.Load() {
		return ErrBusClosed
	}

	dedupe := b.config.DeduplicateTTL > 0
	id := msg.Base().ID
	if dedupe && b.seen(id) {
		return nil
	}

	b.mu.RLock()
	subs := b.matching(msg.Base().Type)
	b.mu.RUnlock()

	for _, sub := range subs {
		if sub.paused.Load() {
			continue
		}

		if b.config.NonBlocking {
			select {
			case sub.messages <- msg:
			default:
				if b.config.OnDrop != nil {
					b.config.OnDrop(msg, sub.id)
				}
			}
			continue
		}

		select {
		case sub.messages <- msg:
		case <-sub.done:
			// Unsubscribed while we waited.
		case <-ctx.Done():
			return ctx.Err()
		case <-b.closeCh:
			return ErrBusClosed
		}
	}

	if dedupe {
		b.remember(id)
	}
	return nil
}

// Subscribe delivers messages of the given types to handler.
// No types subscribes to everything.
func (b *Bus) Subscribe(handler Handler, types ...string) (Subscription, error) {
	if b.closed.Load() {
		return nil, ErrBusClosed
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.config.MaxSubscribers > 0 && len(b.subscriptions) >= b.config.MaxSubscribers {
		return nil, ErrTooManySubscribers
	}

	sub := &subscription{
		id:       ulid.MustNew(ulid.Timestamp(time.Now()), b.entropy).String(),
		types:    types,
		handler:  handler,
		messages: make(chan message.Envelope, b.config.BufferSize),
		done:     make(chan struct{}),
		bus:      b,
	}

	b.subscriptions[sub.id] = sub
	if len(types) == 0 {
		b.wildcards[sub.id] = sub
	} else {
		for _, t := range types {
			if b.byType[t] == nil {
				b.byType[t] = make(map[string]*subscription)
			}
			b.byType[t][sub.id] = sub
		}
	}

	go sub.process()

	return sub, nil
}

// Len returns the number of active subscriptions.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscriptions)
}

func (b *Bus) matching(msgType string) []*subscription {
	subs := make([]*subscription, 0, len(b.byType[msgType])+len(b.wildcards))
	for _, sub := range b.byType[msgType] {
		subs = append(subs, sub)
	}
	for _, sub := range b.wildcards {
		subs = append(subs, sub)
	}
	return subs
}

// Close shuts down the bus and stops every subscription.
func (b *Bus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}

	close(b.closeCh)

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subscriptions {
		sub.stop()
	}
	return nil
}

func (s *subscription) process() {
	for {
		select {
		case msg := <-s.messages:
			if s.paused.Load() {
				continue
			}
			if err := s.handler(context.Background(), msg); err != nil && s.bus.config.OnError != nil {
				s.bus.config.OnError(msg, s.id, err)
			}
		case <-s.done:
			return
		}
	}
}

func (s *subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *subscription) ID() string {
	return s.id
}

func (s *subscription) Unsubscribe() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	delete(s.bus.subscriptions, s.id)
	delete(s.bus.wildcards, s.id)
	for _, t := range s.types {
		delete(s.bus.byType[t], s.id)
	}

	s.stop()
}

func (s *subscription) Pause() {
	s.paused.Store(true)
}

func (s *subscription) Resume() {
	s.paused.Store(false)
}

func (s *subscription) IsPaused() bool {
	return s.paused.Load()
}

// seen reports whether id was published within the TTL.
func (b *Bus) seen(id uuid.UUID) bool {
	b.dedupeMu.Lock()
	defer b.dedupeMu.Unlock()

	at, ok := b.dedupeCache[id]
	return ok && time.Since(at) < b.config.DeduplicateTTL
}

func (b *Bus) remember(id uuid.UUID) {
	b.dedupeMu.Lock()
	defer b.dedupeMu.Unlock()
	b.dedupeCache[id] = time.Now()
}

func (b *Bus) cleanupDedupe() {
	ticker := time.NewTicker(b.config.DeduplicateTTL / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.dedupeMu.Lock()
			cutoff := time.Now().Add(-b.config.DeduplicateTTL)
			for id, at := range b.dedupeCache {
				if at.Before(cutoff) {
					delete(b.dedupeCache, id)
				}
			}
			b.dedupeMu.Unlock()

		case <-b.closeCh:
			return
		}
	}
}
