// Package agent defines the five agent variants the router dispatches to.
//
// An Agent is a tagged union: Kind names the variant and exactly one of the
// variant pointers is set. Callbacks receive the agent's handler object as an
// untyped value; the generic constructors in this package (NewAggregate,
// NewProcessManager, NewEventListener, NewService, NewMonitor) wrap typed
// callbacks so handler code never sees the untyped form.
//
//	| Variant        | State | Accepts                  | Produces                 |
//	|----------------|-------|--------------------------|--------------------------|
//	| Aggregate      | yes   | commands                 | events, alerts           |
//	| ProcessManager | yes   | commands, adopted events | events, alerts, commands |
//	| EventListener  | no    | adopted events           | commands                 |
//	| Service        | no    | commands                 | events, alerts           |
//	| Monitor        | no    | alerts                   | nothing                  |
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"slices"

	"github.com/google/uuid"

	"github.com/randalmurphal/esflow/pkg/esflow/message"
)

// Kind discriminates the Agent union.
type Kind int

const (
	KindAggregate Kind = iota + 1
	KindProcessManager
	KindEventListener
	KindService
	KindMonitor
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindAggregate:
		return "aggregate"
	case KindProcessManager:
		return "process_manager"
	case KindEventListener:
		return "event_listener"
	case KindService:
		return "service"
	case KindMonitor:
		return "monitor"
	default:
		return "unknown"
	}
}

// Agent is one registered processing unit.
type Agent struct {
	Kind Kind
	Name string

	Aggregate      *Aggregate
	ProcessManager *ProcessManager
	EventListener  *EventListener
	Service        *Service
	Monitor        *Monitor

	// handlerType is the handler type the typed constructors were built for.
	handlerType reflect.Type
}

// State is the state model of a stateful agent.
type State struct {
	// Initial returns the state of an aggregate with no events.
	Initial func(ctx context.Context, h any) (any, error)

	// Apply folds one event into state and returns the new state.
	// It may mutate state in place; the repository never reuses a state value
	// across loads.
	Apply func(ctx context.Context, h any, state any, evt message.Versioned) (any, error)

	// Decode restores state from a JSON snapshot.
	Decode func(raw json.RawMessage) (any, error)
}

// Aggregate is a stateful agent that accepts commands and emits events and alerts.
type Aggregate struct {
	CommandTypes []string
	EventTypes   []string
	AlertTypes   []string

	// AggregateID extracts the target stream id from a command.
	AggregateID func(cmd message.Identifiable) (uuid.UUID, error)

	// HandleCommand decides what happens. It must be a pure function of
	// (cmd, state): the router calls it again on every conflict retry.
	HandleCommand func(ctx context.Context, h any, cmd message.Identifiable, state any) ([]message.Message, error)

	State State
}

// ProcessManager is an aggregate that also reacts to events adopted from other agents.
type ProcessManager struct {
	Aggregate

	AdoptedEventTypes []string

	// EventAggregateID extracts the process instance id from an adopted event.
	EventAggregateID func(evt message.Identifiable) (uuid.UUID, error)

	// HandleAdoptedEvent sees the instance's current state read-only and returns commands.
	HandleAdoptedEvent func(ctx context.Context, h any, evt message.Identifiable, state any) ([]message.Message, error)
}

// EventListener is a stateless agent turning adopted events into commands.
type EventListener struct {
	AdoptedEventTypes []string

	HandleAdoptedEvent func(ctx context.Context, h any, evt message.Identifiable) ([]message.Message, error)
}

// Service is a stateless command handler. Its output is forwarded, never persisted.
type Service struct {
	CommandTypes []string
	EventTypes   []string
	AlertTypes   []string

	HandleCommand func(ctx context.Context, h any, cmd message.Identifiable) ([]message.Message, error)
}

// Monitor consumes alerts for telemetry. Nothing it does is routed further.
type Monitor struct {
	AlertTypes []string

	HandleAlert func(ctx context.Context, h any, alert message.Identifiable) error
}

// Stateful returns the aggregate part of an Aggregate or ProcessManager agent.
func (a Agent) Stateful() (*Aggregate, bool) {
	switch a.Kind {
	case KindAggregate:
		return a.Aggregate, a.Aggregate != nil
	case KindProcessManager:
		if a.ProcessManager == nil {
			return nil, false
		}
		return &a.ProcessManager.Aggregate, true
	default:
		return nil, false
	}
}

// CommandTypes returns the command types the agent owns.
func (a Agent) CommandTypes() []string {
	switch a.Kind {
	case KindAggregate, KindProcessManager:
		if agg, ok := a.Stateful(); ok {
			return agg.CommandTypes
		}
	case KindService:
		if a.Service != nil {
			return a.Service.CommandTypes
		}
	}
	return nil
}

// EventTypes returns the event types the agent emits and owns.
func (a Agent) EventTypes() []string {
	switch a.Kind {
	case KindAggregate, KindProcessManager:
		if agg, ok := a.Stateful(); ok {
			return agg.EventTypes
		}
	case KindService:
		if a.Service != nil {
			return a.Service.EventTypes
		}
	}
	return nil
}

// AlertTypes returns the alert types the agent emits or, for a Monitor, recognises.
func (a Agent) AlertTypes() []string {
	switch a.Kind {
	case KindAggregate, KindProcessManager:
		if agg, ok := a.Stateful(); ok {
			return agg.AlertTypes
		}
	case KindService:
		if a.Service != nil {
			return a.Service.AlertTypes
		}
	case KindMonitor:
		if a.Monitor != nil {
			return a.Monitor.AlertTypes
		}
	}
	return nil
}

// AdoptedEventTypes returns the foreign event types the agent listens to.
func (a Agent) AdoptedEventTypes() []string {
	switch a.Kind {
	case KindProcessManager:
		if a.ProcessManager != nil {
			return a.ProcessManager.AdoptedEventTypes
		}
	case KindEventListener:
		if a.EventListener != nil {
			return a.EventListener.AdoptedEventTypes
		}
	}
	return nil
}

// Adopts reports whether the agent listens to eventType.
func (a Agent) Adopts(eventType string) bool {
	return slices.Contains(a.AdoptedEventTypes(), eventType)
}

// Recognises reports whether a Monitor agent handles alertType.
func (a Agent) Recognises(alertType string) bool {
	return a.Kind == KindMonitor && slices.Contains(a.AlertTypes(), alertType)
}

// Output classifies a message produced by a handler.
type Output int

const (
	// OutputUndeclared is a type the agent did not declare.
	OutputUndeclared Output = iota
	OutputEvent
	OutputAlert
	OutputCommand
)

// Classify returns what a produced message of msgType is for this agent.
// Declared event types are events and declared alert types are alerts.
// A Process Manager or Event Listener may emit commands, so anything else it
// produces is a command.
func (a Agent) Classify(msgType string) Output {
	switch {
	case slices.Contains(a.EventTypes(), msgType):
		return OutputEvent
	case a.Kind != KindMonitor && slices.Contains(a.AlertTypes(), msgType):
		return OutputAlert
	case a.Kind == KindProcessManager || a.Kind == KindEventListener:
		return OutputCommand
	default:
		return OutputUndeclared
	}
}

// ErrInvalidAgent indicates an agent that is not structurally complete.
var ErrInvalidAgent = errors.New("invalid agent")

func invalid(name, format string, args ...any) error {
	return fmt.Errorf("%w %q: %s", ErrInvalidAgent, name, fmt.Sprintf(format, args...))
}

// Validate checks that the agent is structurally complete: a name, exactly the
// variant named by Kind, and every callback that variant needs.
func (a Agent) Validate() error {
	if a.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidAgent)
	}

	set := 0
	for _, present := range []bool{
		a.Aggregate != nil, a.ProcessManager != nil, a.EventListener != nil, a.Service != nil, a.Monitor != nil,
	} {
		if present {
			set++
		}
	}
	if set != 1 {
		return invalid(a.Name, "exactly one variant must be set, found %d", set)
	}

	switch a.Kind {
	case KindAggregate:
		if a.Aggregate == nil {
			return invalid(a.Name, "kind %s without Aggregate", a.Kind)
		}
		if err := a.Aggregate.validate(a.Name); err != nil {
			return err
		}
	case KindProcessManager:
		pm := a.ProcessManager
		if pm == nil {
			return invalid(a.Name, "kind %s without ProcessManager", a.Kind)
		}
		if err := pm.validate(a.Name); err != nil {
			return err
		}
		if len(pm.AdoptedEventTypes) > 0 && (pm.EventAggregateID == nil || pm.HandleAdoptedEvent == nil) {
			return invalid(a.Name, "adopted events need EventAggregateID and HandleAdoptedEvent")
		}
	case KindEventListener:
		if a.EventListener == nil {
			return invalid(a.Name, "kind %s without EventListener", a.Kind)
		}
		if a.EventListener.HandleAdoptedEvent == nil {
			return invalid(a.Name, "missing HandleAdoptedEvent")
		}
	case KindService:
		if a.Service == nil {
			return invalid(a.Name, "kind %s without Service", a.Kind)
		}
		if a.Service.HandleCommand == nil {
			return invalid(a.Name, "missing HandleCommand")
		}
	case KindMonitor:
		if a.Monitor == nil {
			return invalid(a.Name, "kind %s without Monitor", a.Kind)
		}
		if a.Monitor.HandleAlert == nil {
			return invalid(a.Name, "missing HandleAlert")
		}
	default:
		return invalid(a.Name, "unknown kind %d", int(a.Kind))
	}

	return a.validateTypes()
}

func (agg *Aggregate) validate(name string) error {
	switch {
	case len(agg.CommandTypes) > 0 && agg.AggregateID == nil:
		return invalid(name, "missing AggregateID")
	case len(agg.CommandTypes) > 0 && agg.HandleCommand == nil:
		return invalid(name, "missing HandleCommand")
	case agg.State.Initial == nil || agg.State.Apply == nil || agg.State.Decode == nil:
		return invalid(name, "incomplete state model")
	}
	return nil
}

// validateTypes rejects empty type names and a type declared in two categories.
func (a Agent) validateTypes() error {
	seen := make(map[string]string)
	for _, group := range []struct {
		category string
		types    []string
	}{
		{"command", a.CommandTypes()},
		{"event", a.EventTypes()},
		{"alert", a.AlertTypes()},
		{"adopted event", a.AdoptedEventTypes()},
	} {
		for _, t := range group.types {
			if t == "" {
				return invalid(a.Name, "empty %s type", group.category)
			}
			if prev, ok := seen[t]; ok && prev != group.category {
				return invalid(a.Name, "type %s declared as both %s and %s", t, prev, group.category)
			}
			seen[t] = group.category
		}
	}
	return nil
}

// HandlerTypeError reports a handler object of the wrong type.
type HandlerTypeError struct {
	Agent string
	Want  string
	Got   string
}

// Error implements the error interface.
func (e *HandlerTypeError) Error() string {
	return fmt.Sprintf("agent %s: handler is %s, want %s", e.Agent, e.Got, e.Want)
}

// CheckHandler reports whether h can be passed to the agent's callbacks.
// Agents assembled by hand, without the typed constructors, accept any handler.
func (a Agent) CheckHandler(h any) error {
	if a.handlerType == nil {
		return nil
	}
	got := reflect.TypeOf(h)
	if got == nil || !got.AssignableTo(a.handlerType) {
		return &HandlerTypeError{Agent: a.Name, Want: a.handlerType.String(), Got: fmt.Sprintf("%T", h)}
	}
	return nil
}
