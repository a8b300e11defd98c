package esflow_test

import (
	"context"
	"errors"
	"iter"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/randalmurphal/esflow/pkg/esflow/agent"
	"github.com/randalmurphal/esflow/pkg/esflow/eventstore"
	"github.com/randalmurphal/esflow/pkg/esflow/message"
)

// Cart: an aggregate owning ADD_ITEM, emitting ITEM_ADDED and the CART_FULL alert.

type cart struct {
	Items []string `json:"items"`
}

type addItem struct {
	CartID uuid.UUID `json:"cart_id"`
	SKU    string    `json:"sku"`
}

type itemAdded struct {
	SKU string `json:"sku"`
}

type cartHandler struct {
	calls    atomic.Int32
	err      error
	capacity int
}

func addItemCmd(cartID uuid.UUID, sku string) message.Identifiable {
	return message.Originate(message.New("ADD_ITEM", addItem{CartID: cartID, SKU: sku}))
}

func cartAgent() agent.Agent {
	return agent.NewAggregate(agent.AggregateDef[*cartHandler, cart]{
		Name:         "Cart",
		CommandTypes: []string{"ADD_ITEM"},
		EventTypes:   []string{"ITEM_ADDED"},
		AlertTypes:   []string{"CART_FULL"},
		AggregateID: func(cmd message.Identifiable) (uuid.UUID, error) {
			p, err := message.DecodePayload[addItem](cmd.Message)
			return p.CartID, err
		},
		InitialState: func(*cartHandler) cart { return cart{Items: []string{}} },
		ApplyEvent: func(_ context.Context, _ *cartHandler, s cart, evt message.Versioned) (cart, error) {
			p, err := message.DecodePayload[itemAdded](evt.Message)
			if err != nil {
				return s, err
			}
			s.Items = append(s.Items, p.SKU)
			return s, nil
		},
		HandleCommand: func(_ context.Context, h *cartHandler, cmd message.Identifiable, s cart) ([]message.Message, error) {
			h.calls.Add(1)
			if h.err != nil {
				return nil, h.err
			}
			p, err := message.DecodePayload[addItem](cmd.Message)
			if err != nil {
				return nil, err
			}

			switch p.SKU {
			case "":
				return nil, nil
			case "BOGUS":
				return []message.Message{message.New("NOT_DECLARED", nil)}, nil
			}

			out := []message.Message{message.New("ITEM_ADDED", itemAdded{SKU: p.SKU})}
			if h.capacity > 0 && len(s.Items)+1 >= h.capacity {
				out = append(out, message.New("CART_FULL", nil))
			}
			return out, nil
		},
	})
}

// Orders and Shipping: ORDER_PLACED is adopted by the Shipping process manager,
// which issues SHIP_ORDER to itself.

type placeOrder struct {
	OrderID string `json:"orderId"`
}

type shipment struct {
	Shipped []string `json:"shipped"`
}

type shippingHandler struct {
	adopted atomic.Int32
}

var shippingNamespace = uuid.MustParse("6ba7b811-9dad-11d1-80b4-00c04fd430c8")

func orderStream(orderID string) uuid.UUID {
	return uuid.NewSHA1(shippingNamespace, []byte(orderID))
}

func ordersAgent() agent.Agent {
	return agent.NewService(agent.ServiceDef[struct{}]{
		Name:         "Orders",
		CommandTypes: []string{"PLACE_ORDER"},
		EventTypes:   []string{"ORDER_PLACED"},
		HandleCommand: func(_ context.Context, _ struct{}, cmd message.Identifiable) ([]message.Message, error) {
			p, err := message.DecodePayload[placeOrder](cmd.Message)
			if err != nil {
				return nil, err
			}
			return []message.Message{message.New("ORDER_PLACED", p)}, nil
		},
	})
}

func shippingAgent() agent.Agent {
	orderID := func(m message.Identifiable) (uuid.UUID, error) {
		p, err := message.DecodePayload[placeOrder](m.Message)
		return orderStream(p.OrderID), err
	}

	return agent.NewProcessManager(agent.ProcessManagerDef[*shippingHandler, shipment]{
		AggregateDef: agent.AggregateDef[*shippingHandler, shipment]{
			Name:         "Shipping",
			CommandTypes: []string{"SHIP_ORDER"},
			EventTypes:   []string{"ORDER_SHIPPED"},
			AggregateID:  orderID,
			InitialState: func(*shippingHandler) shipment { return shipment{} },
			ApplyEvent: func(_ context.Context, _ *shippingHandler, s shipment, evt message.Versioned) (shipment, error) {
				p, err := message.DecodePayload[placeOrder](evt.Message)
				if err != nil {
					return s, err
				}
				s.Shipped = append(s.Shipped, p.OrderID)
				return s, nil
			},
			HandleCommand: func(_ context.Context, _ *shippingHandler, cmd message.Identifiable, s shipment) ([]message.Message, error) {
				p, err := message.DecodePayload[placeOrder](cmd.Message)
				if err != nil {
					return nil, err
				}
				if len(s.Shipped) > 0 {
					return nil, nil
				}
				return []message.Message{message.New("ORDER_SHIPPED", p)}, nil
			},
		},
		AdoptedEventTypes: []string{"ORDER_PLACED"},
		EventAggregateID:  orderID,
		HandleAdoptedEvent: func(_ context.Context, h *shippingHandler, evt message.Identifiable, s shipment) ([]message.Message, error) {
			h.adopted.Add(1)
			p, err := message.DecodePayload[placeOrder](evt.Message)
			if err != nil {
				return nil, err
			}
			if len(s.Shipped) > 0 {
				return nil, nil
			}
			return []message.Message{message.New("SHIP_ORDER", p)}, nil
		},
	})
}

// auditListener turns every ORDER_PLACED into one AUDIT command.
func auditListener() agent.Agent {
	return agent.NewEventListener(agent.EventListenerDef[struct{}]{
		Name:              "Audit",
		AdoptedEventTypes: []string{"ORDER_PLACED"},
		HandleAdoptedEvent: func(_ context.Context, _ struct{}, evt message.Identifiable) ([]message.Message, error) {
			return []message.Message{message.New("AUDIT", nil)}, nil
		},
	})
}

// pager records the alerts it receives.
type pager struct {
	mu     sync.Mutex
	alerts []string
	err    error
}

func (p *pager) received() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.alerts...)
}

func pagerAgent(name string) agent.Agent {
	return agent.NewMonitor(agent.MonitorDef[*pager]{
		Name:       name,
		AlertTypes: []string{"CART_FULL"},
		HandleAlert: func(_ context.Context, p *pager, alert message.Identifiable) error {
			p.mu.Lock()
			defer p.mu.Unlock()
			p.alerts = append(p.alerts, alert.Type)
			return p.err
		},
	})
}

// conflictingStore fails the first n SaveEvents calls with a synthetic conflict
// without writing anything.
type conflictingStore struct {
	*eventstore.MemoryStore
	remaining atomic.Int32
	saves     atomic.Int32
}

func newConflictingStore(n int32) *conflictingStore {
	s := &conflictingStore{MemoryStore: eventstore.NewMemoryStore()}
	s.remaining.Store(n)
	return s
}

func (s *conflictingStore) SaveEvents(ctx context.Context, name string, id uuid.UUID, expected int64, events []message.Versioned) error {
	s.saves.Add(1)
	if s.remaining.Add(-1) >= 0 {
		return &eventstore.OptimisticLockError{Name: name, ID: id, Expected: expected, Actual: expected + 1}
	}
	return s.MemoryStore.SaveEvents(ctx, name, id, expected, events)
}

// brokenStore fails every load.
type brokenStore struct {
	*eventstore.MemoryStore
}

var errDiskGone = errors.New("disk gone")

func (brokenStore) LoadEvents(context.Context, string, uuid.UUID, int64) iter.Seq2[message.Versioned, error] {
	return func(yield func(message.Versioned, error) bool) {
		yield(message.Versioned{}, errDiskGone)
	}
}

func stream(store eventstore.EventStore, name string, id uuid.UUID) ([]message.Versioned, error) {
	return eventstore.Collect(store.LoadEvents(context.Background(), name, id, 0))
}
