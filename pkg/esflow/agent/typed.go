package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/google/uuid"

	"github.com/randalmurphal/esflow/pkg/esflow/message"
)

// AggregateDef describes an Aggregate with a handler of type H and state of type S.
//
// Example:
//
//	cart := agent.NewAggregate(agent.AggregateDef[*CartHandler, Cart]{
//	    Name:          "Cart",
//	    CommandTypes:  []string{"ADD_ITEM"},
//	    EventTypes:    []string{"ITEM_ADDED"},
//	    AggregateID:   cartID,
//	    InitialState:  func(*CartHandler) Cart { return Cart{} },
//	    ApplyEvent:    (*CartHandler).Apply,
//	    HandleCommand: (*CartHandler).Handle,
//	})
type AggregateDef[H, S any] struct {
	Name         string
	CommandTypes []string
	EventTypes   []string
	AlertTypes   []string

	AggregateID   func(cmd message.Identifiable) (uuid.UUID, error)
	InitialState  func(h H) S
	ApplyEvent    func(ctx context.Context, h H, state S, evt message.Versioned) (S, error)
	HandleCommand func(ctx context.Context, h H, cmd message.Identifiable, state S) ([]message.Message, error)
}

// ProcessManagerDef describes a ProcessManager with handler H and state S.
type ProcessManagerDef[H, S any] struct {
	AggregateDef[H, S]

	AdoptedEventTypes  []string
	EventAggregateID   func(evt message.Identifiable) (uuid.UUID, error)
	HandleAdoptedEvent func(ctx context.Context, h H, evt message.Identifiable, state S) ([]message.Message, error)
}

// EventListenerDef describes an EventListener with handler H.
type EventListenerDef[H any] struct {
	Name              string
	AdoptedEventTypes []string

	HandleAdoptedEvent func(ctx context.Context, h H, evt message.Identifiable) ([]message.Message, error)
}

// ServiceDef describes a Service with handler H.
type ServiceDef[H any] struct {
	Name         string
	CommandTypes []string
	EventTypes   []string
	AlertTypes   []string

	HandleCommand func(ctx context.Context, h H, cmd message.Identifiable) ([]message.Message, error)
}

// MonitorDef describes a Monitor with handler H.
type MonitorDef[H any] struct {
	Name       string
	AlertTypes []string

	HandleAlert func(ctx context.Context, h H, alert message.Identifiable) error
}

// NewAggregate builds an Aggregate agent from typed callbacks.
func NewAggregate[H, S any](def AggregateDef[H, S]) Agent {
	return Agent{
		Kind:        KindAggregate,
		Name:        def.Name,
		Aggregate:   def.build(),
		handlerType: reflect.TypeFor[H](),
	}
}

// NewProcessManager builds a ProcessManager agent from typed callbacks.
func NewProcessManager[H, S any](def ProcessManagerDef[H, S]) Agent {
	pm := &ProcessManager{
		Aggregate:         *def.AggregateDef.build(),
		AdoptedEventTypes: def.AdoptedEventTypes,
		EventAggregateID:  def.EventAggregateID,
	}
	if fn := def.HandleAdoptedEvent; fn != nil {
		name := def.Name
		pm.HandleAdoptedEvent = func(ctx context.Context, h any, evt message.Identifiable, state any) ([]message.Message, error) {
			handler, err := asHandler[H](name, h)
			if err != nil {
				return nil, err
			}
			s, err := asState[S](name, state)
			if err != nil {
				return nil, err
			}
			return fn(ctx, handler, evt, s)
		}
	}

	return Agent{
		Kind:           KindProcessManager,
		Name:           def.Name,
		ProcessManager: pm,
		handlerType:    reflect.TypeFor[H](),
	}
}

// NewEventListener builds an EventListener agent from a typed callback.
func NewEventListener[H any](def EventListenerDef[H]) Agent {
	el := &EventListener{AdoptedEventTypes: def.AdoptedEventTypes}
	if fn := def.HandleAdoptedEvent; fn != nil {
		el.HandleAdoptedEvent = func(ctx context.Context, h any, evt message.Identifiable) ([]message.Message, error) {
			handler, err := asHandler[H](def.Name, h)
			if err != nil {
				return nil, err
			}
			return fn(ctx, handler, evt)
		}
	}

	return Agent{
		Kind:          KindEventListener,
		Name:          def.Name,
		EventListener: el,
		handlerType:   reflect.TypeFor[H](),
	}
}

// NewService builds a Service agent from a typed callback.
func NewService[H any](def ServiceDef[H]) Agent {
	svc := &Service{
		CommandTypes: def.CommandTypes,
		EventTypes:   def.EventTypes,
		AlertTypes:   def.AlertTypes,
	}
	if fn := def.HandleCommand; fn != nil {
		svc.HandleCommand = func(ctx context.Context, h any, cmd message.Identifiable) ([]message.Message, error) {
			handler, err := asHandler[H](def.Name, h)
			if err != nil {
				return nil, err
			}
			return fn(ctx, handler, cmd)
		}
	}

	return Agent{
		Kind:        KindService,
		Name:        def.Name,
		Service:     svc,
		handlerType: reflect.TypeFor[H](),
	}
}

// NewMonitor builds a Monitor agent from a typed callback.
func NewMonitor[H any](def MonitorDef[H]) Agent {
	mon := &Monitor{AlertTypes: def.AlertTypes}
	if fn := def.HandleAlert; fn != nil {
		mon.HandleAlert = func(ctx context.Context, h any, alert message.Identifiable) error {
			handler, err := asHandler[H](def.Name, h)
			if err != nil {
				return err
			}
			return fn(ctx, handler, alert)
		}
	}

	return Agent{
		Kind:        KindMonitor,
		Name:        def.Name,
		Monitor:     mon,
		handlerType: reflect.TypeFor[H](),
	}
}

// build wraps the typed callbacks. Callbacks left nil stay nil so Validate
// can report them.
func (def AggregateDef[H, S]) build() *Aggregate {
	name := def.Name
	agg := &Aggregate{
		CommandTypes: def.CommandTypes,
		EventTypes:   def.EventTypes,
		AlertTypes:   def.AlertTypes,
		AggregateID:  def.AggregateID,
	}

	if fn := def.HandleCommand; fn != nil {
		agg.HandleCommand = func(ctx context.Context, h any, cmd message.Identifiable, state any) ([]message.Message, error) {
			handler, err := asHandler[H](name, h)
			if err != nil {
				return nil, err
			}
			s, err := asState[S](name, state)
			if err != nil {
				return nil, err
			}
			return fn(ctx, handler, cmd, s)
		}
	}

	if fn := def.InitialState; fn != nil {
		agg.State.Initial = func(_ context.Context, h any) (any, error) {
			handler, err := asHandler[H](name, h)
			if err != nil {
				return nil, err
			}
			return fn(handler), nil
		}
	}

	if fn := def.ApplyEvent; fn != nil {
		agg.State.Apply = func(ctx context.Context, h any, state any, evt message.Versioned) (any, error) {
			handler, err := asHandler[H](name, h)
			if err != nil {
				return nil, err
			}
			s, err := asState[S](name, state)
			if err != nil {
				return nil, err
			}
			return fn(ctx, handler, s, evt)
		}
	}

	// JSON is the snapshot encoding, so S must round-trip through encoding/json.
	agg.State.Decode = func(raw json.RawMessage) (any, error) {
		var s S
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("agent %s: decode state: %w", name, err)
		}
		return s, nil
	}

	return agg
}

func asHandler[H any](agentName string, h any) (H, error) {
	handler, ok := h.(H)
	if !ok {
		return handler, &HandlerTypeError{
			Agent: agentName,
			Want:  reflect.TypeFor[H]().String(),
			Got:   fmt.Sprintf("%T", h),
		}
	}
	return handler, nil
}

// StateTypeError reports a state value of the wrong type reaching a typed callback.
type StateTypeError struct {
	Agent string
	Want  string
	Got   string
}

// Error implements the error interface.
func (e *StateTypeError) Error() string {
	return fmt.Sprintf("agent %s: state is %s, want %s", e.Agent, e.Got, e.Want)
}

func asState[S any](agentName string, state any) (S, error) {
	s, ok := state.(S)
	if !ok {
		return s, &StateTypeError{
			Agent: agentName,
			Want:  reflect.TypeFor[S]().String(),
			Got:   fmt.Sprintf("%T", state),
		}
	}
	return s, nil
}
