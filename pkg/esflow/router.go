package esflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/randalmurphal/esflow/pkg/esflow/agent"
	eserrors "github.com/randalmurphal/esflow/pkg/esflow/errors"
	"github.com/randalmurphal/esflow/pkg/esflow/eventstore"
	"github.com/randalmurphal/esflow/pkg/esflow/message"
	"github.com/randalmurphal/esflow/pkg/esflow/observability"
	"github.com/randalmurphal/esflow/pkg/esflow/registry"
	"github.com/randalmurphal/esflow/pkg/esflow/repository"
)

// Message categories used for spans and metrics.
const (
	categoryCommand = "command"
	categoryEvent   = "event"
	categoryAlert   = "alert"
)

// Dispatcher forwards messages derived by the router.
// Events arrive as message.Versioned so their stream versions survive forwarding.
// Retry and dead-lettering are the dispatcher's own business.
type Dispatcher interface {
	Dispatch(ctx context.Context, msgs []message.Envelope) error
}

// discard is the dispatcher used when New is given nil.
type discard struct{}

func (discard) Dispatch(context.Context, []message.Envelope) error { return nil }

// registration is an agent paired with its handler.
type registration struct {
	agent   agent.Agent
	handler any
}

type streamKey struct {
	agent string
	id    uuid.UUID
}

// Router routes commands, events and alerts to registered agents.
// It is safe for concurrent use; commands for different aggregates run in parallel.
type Router struct {
	repo       *repository.Repository
	dispatcher Dispatcher
	cfg        routerConfig

	mu       sync.Mutex // serialises RegisterAgent
	agents   *registry.Registry[string, registration]
	commands *registry.Registry[string, string] // command type -> owning agent
	events   *registry.Registry[string, string] // event type -> owning agent
	locks    *registry.Locks[streamKey]
}

// New creates a Router over store that forwards derived messages to d.
// A nil d discards them.
//
// Panics if store is nil.
func New(store eventstore.EventStore, d Dispatcher, opts ...Option) *Router {
	if store == nil {
		panic("esflow: event store cannot be nil")
	}
	if d == nil {
		d = discard{}
	}

	cfg := defaultRouterConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Router{
		repo: repository.New(store,
			repository.WithLogger(cfg.logger),
			repository.WithMetrics(cfg.metrics),
			repository.WithSnapshotInterval(cfg.snapshotInterval),
		),
		dispatcher: d,
		cfg:        cfg,
		agents:     registry.New[string, registration](),
		commands:   registry.New[string, string](),
		events:     registry.New[string, string](),
		locks:      registry.NewLocks[streamKey](),
	}
}

// Repository returns the repository the router loads and saves through.
func (r *Router) Repository() *repository.Repository {
	return r.repo
}

// Agents returns the registered agent names in registration order.
func (r *Router) Agents() []string {
	return r.agents.Keys()
}

// RegisterAgent adds an agent and its handler.
//
// Registration order is the order in which event fan-out visits agents.
// Each command and event type may be owned by one agent only.
func (r *Router) RegisterAgent(a agent.Agent, h any) error {
	if err := a.Validate(); err != nil {
		return err
	}
	if err := a.CheckHandler(h); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.agents.Has(a.Name) {
		return fmt.Errorf("%w: %s", ErrDuplicateAgent, a.Name)
	}
	if err := claim(r.commands, "command", a.Name, a.CommandTypes()); err != nil {
		return err
	}
	if err := claim(r.events, "event", a.Name, a.EventTypes()); err != nil {
		return err
	}

	// The agent goes in first so a concurrent lookup never finds an owner
	// without its registration.
	r.agents.Register(a.Name, registration{agent: a, handler: h})
	for _, t := range a.CommandTypes() {
		r.commands.Register(t, a.Name)
	}
	for _, t := range a.EventTypes() {
		r.events.Register(t, a.Name)
	}
	return nil
}

// claim checks that none of types is owned yet.
func claim(owners *registry.Registry[string, string], kind, name string, types []string) error {
	for i, t := range types {
		if owner, ok := owners.Get(t); ok {
			return fmt.Errorf("%w: %s %s owned by %s", ErrDuplicateOwnership, kind, t, owner)
		}
		for _, prev := range types[:i] {
			if prev == t {
				return fmt.Errorf("%w: %s %s declared twice by %s", ErrDuplicateOwnership, kind, t, name)
			}
		}
	}
	return nil
}

// Route handles env according to who declares its type: commands go to
// HandleCommand, alerts to HandleAlert, and events (owned or adopted) to HandleEvent.
//
// Route is the entry point for dispatchers that feed derived messages back into
// the router. Each nested call counts against WithMaxDepth.
func (r *Router) Route(ctx context.Context, env message.Envelope) error {
	depth := depthFrom(ctx) + 1
	if depth > r.cfg.maxDepth {
		return fmt.Errorf("%w: %d", ErrMaxDepth, r.cfg.maxDepth)
	}
	ctx = withDepth(ctx, depth)

	msg := env.Base()
	switch {
	case r.commands.Has(msg.Type):
		return r.HandleCommand(ctx, msg)
	case r.isAlert(msg.Type):
		return r.HandleAlert(ctx, msg)
	case r.events.Has(msg.Type) || r.isAdopted(msg.Type):
		return r.HandleEvent(ctx, msg)
	default:
		return &UnroutableMessageError{MessageType: msg.Type}
	}
}

func (r *Router) isAlert(msgType string) bool {
	for _, reg := range r.agents.Values() {
		if reg.agent.Classify(msgType) == agent.OutputAlert || reg.agent.Recognises(msgType) {
			return true
		}
	}
	return false
}

func (r *Router) isAdopted(msgType string) bool {
	for _, reg := range r.agents.Values() {
		if reg.agent.Adopts(msgType) {
			return true
		}
	}
	return false
}

// HandleCommand routes cmd to the agent owning its type.
//
// A Service handles it once and its output is forwarded. An Aggregate or
// Process Manager handles it inside a conflict retry loop: load, decide,
// derive, save. Only the attempt whose save succeeds has its output forwarded.
//
// Returned errors are *UnroutableMessageError, *HandlerError,
// *eventstore.OptimisticLockError (budget exhausted), *DispatchError,
// or a store or context error.
func (r *Router) HandleCommand(ctx context.Context, cmd message.Identifiable) (err error) {
	start := time.Now()
	attempts := 0

	ctx, span := r.cfg.spans.StartMessageSpan(ctx, categoryCommand, cmd.Type, cmd.ID.String(), cmd.CorrelationID.String())
	defer func() {
		r.cfg.spans.EndSpanWithError(span, err)
		r.cfg.metrics.RecordMessage(ctx, categoryCommand, cmd.Type, time.Since(start), attempts, err)
	}()

	owner, ok := r.commands.Get(cmd.Type)
	if !ok {
		return &UnroutableMessageError{MessageType: cmd.Type}
	}
	reg, _ := r.agents.Get(owner)

	logger := observability.EnrichLogger(r.cfg.logger, owner, "", cmd.ID.String())
	observability.LogCommandStart(logger, cmd.Type, cmd.ID.String())

	var out commandResult
	switch reg.agent.Kind {
	case agent.KindService:
		attempts = 1
		out, err = r.serviceCommand(ctx, reg, cmd)
	case agent.KindAggregate, agent.KindProcessManager:
		out, attempts, err = r.statefulCommand(ctx, reg, cmd)
	default:
		err = &UnroutableMessageError{MessageType: cmd.Type}
	}

	if err == nil {
		err = r.dispatch(ctx, cmd, out.batch)
	}

	durationMs := float64(time.Since(start).Microseconds()) / 1000
	if err != nil {
		observability.LogCommandError(logger, cmd.Type, err, durationMs, attempts)
		return err
	}
	observability.LogCommandComplete(logger, cmd.Type, durationMs, attempts, out.events)
	return nil
}

// commandResult is the output of one successful command attempt.
type commandResult struct {
	batch  []message.Envelope
	events int
}

func (r *Router) serviceCommand(ctx context.Context, reg registration, cmd message.Identifiable) (commandResult, error) {
	produced, err := reg.agent.Service.HandleCommand(ctx, reg.handler, cmd)
	if err != nil {
		return commandResult{}, r.handlerError(reg.agent.Name, cmd.Type, err)
	}
	for _, m := range produced {
		if reg.agent.Classify(m.Type) == agent.OutputUndeclared {
			return commandResult{}, &UnroutableMessageError{MessageType: m.Type, Agent: reg.agent.Name}
		}
	}
	return commandResult{batch: message.Envelopes(message.DeriveAll(cmd, produced, 0))}, nil
}

func (r *Router) statefulCommand(ctx context.Context, reg registration, cmd message.Identifiable) (commandResult, int, error) {
	agg, _ := reg.agent.Stateful()

	retry := r.cfg.retry
	retry.RetryableFunc = isConflict

	attempt := 0
	res := eserrors.WithRetryContext(ctx, retry, func(ctx context.Context) (commandResult, error) {
		attempt++
		return r.commandAttempt(ctx, reg, agg, cmd, attempt)
	})
	if res.Err != nil {
		return commandResult{}, res.Attempts, eserrors.Cause(res.Err)
	}
	return res.Value, res.Attempts, nil
}

// commandAttempt runs one load-decide-save round. Nothing from a failed attempt
// outlives it; the next attempt reloads state from the store.
func (r *Router) commandAttempt(ctx context.Context, reg registration, agg *agent.Aggregate, cmd message.Identifiable, attempt int) (_ commandResult, err error) {
	name := reg.agent.Name

	id, err := agg.AggregateID(cmd)
	if err != nil {
		return commandResult{}, r.handlerError(name, cmd.Type, err)
	}

	ctx, span := r.cfg.spans.StartAttemptSpan(ctx, name, id.String(), attempt)
	defer func() {
		r.cfg.spans.EndSpanWithError(span, err)
	}()

	if r.cfg.locking {
		unlock := r.locks.Lock(streamKey{agent: name, id: id})
		defer unlock()
	}

	snap, err := r.repo.Load(ctx, reg.agent, reg.handler, id)
	if err != nil {
		return commandResult{}, err
	}

	produced, err := agg.HandleCommand(ctx, reg.handler, cmd, snap.State)
	if err != nil {
		return commandResult{}, r.handlerError(name, cmd.Type, err)
	}
	if len(produced) == 0 {
		return commandResult{}, nil
	}

	events, others, err := derive(reg.agent, cmd, produced, snap.Version)
	if err != nil {
		return commandResult{}, err
	}

	if err := r.repo.Save(ctx, reg.agent, reg.handler, snap, events); err != nil {
		if eventstore.IsOptimisticLock(err) {
			r.cfg.metrics.RecordConflict(ctx, name)
			observability.LogConflict(r.cfg.logger, name, id.String(), attempt, err)
		}
		return commandResult{}, err
	}
	if len(events) > 0 {
		r.cfg.spans.AddSpanEvent(ctx, "events_saved",
			attribute.Int("count", len(events)),
			attribute.Int64("version", events[len(events)-1].Version),
		)
	}

	batch := append(message.Envelopes(events), message.Envelopes(others)...)
	return commandResult{batch: batch, events: len(events)}, nil
}

// derive splits produced into stream events and forwarded-only messages.
// Events are numbered among themselves so versions stay contiguous; alerts and
// commands continue the index after the last event.
func derive(a agent.Agent, cause message.Identifiable, produced []message.Message, baseVersion int64) ([]message.Versioned, []message.Identifiable, error) {
	var events []message.Versioned
	var rest []message.Message

	for _, m := range produced {
		switch a.Classify(m.Type) {
		case agent.OutputEvent:
			events = append(events, message.DeriveVersionedEvent(cause, m, baseVersion, len(events)))
		case agent.OutputAlert, agent.OutputCommand:
			rest = append(rest, m)
		default:
			return nil, nil, &UnroutableMessageError{MessageType: m.Type, Agent: a.Name}
		}
	}

	return events, message.DeriveAll(cause, rest, len(events)), nil
}

// HandleEvent offers evt to every Event Listener and Process Manager adopting
// its type, in registration order, and forwards the combined commands as one batch.
// Process Manager state is read, never written, by an adopted event.
// An event nobody adopts is a no-op.
func (r *Router) HandleEvent(ctx context.Context, evt message.Identifiable) (err error) {
	start := time.Now()

	ctx, span := r.cfg.spans.StartMessageSpan(ctx, categoryEvent, evt.Type, evt.ID.String(), evt.CorrelationID.String())
	defer func() {
		r.cfg.spans.EndSpanWithError(span, err)
		r.cfg.metrics.RecordMessage(ctx, categoryEvent, evt.Type, time.Since(start), 1, err)
	}()

	var commands []message.Message
	for _, reg := range r.agents.Values() {
		if !reg.agent.Adopts(evt.Type) {
			continue
		}
		cmds, err := r.adopt(ctx, reg, evt)
		if err != nil {
			return err
		}
		commands = append(commands, cmds...)
	}

	return r.dispatch(ctx, evt, message.Envelopes(message.DeriveAll(evt, commands, 0)))
}

func (r *Router) adopt(ctx context.Context, reg registration, evt message.Identifiable) ([]message.Message, error) {
	name := reg.agent.Name

	switch reg.agent.Kind {
	case agent.KindEventListener:
		cmds, err := reg.agent.EventListener.HandleAdoptedEvent(ctx, reg.handler, evt)
		if err != nil {
			return nil, r.handlerError(name, evt.Type, err)
		}
		return cmds, nil

	case agent.KindProcessManager:
		pm := reg.agent.ProcessManager
		id, err := pm.EventAggregateID(evt)
		if err != nil {
			return nil, r.handlerError(name, evt.Type, err)
		}
		snap, err := r.repo.Load(ctx, reg.agent, reg.handler, id)
		if err != nil {
			return nil, err
		}
		cmds, err := pm.HandleAdoptedEvent(ctx, reg.handler, evt, snap.State)
		if err != nil {
			return nil, r.handlerError(name, evt.Type, err)
		}
		return cmds, nil
	}

	return nil, nil
}

// HandleAlert passes alert to every Monitor recognising its type.
// Nothing a Monitor does is routed further.
func (r *Router) HandleAlert(ctx context.Context, alert message.Identifiable) (err error) {
	start := time.Now()

	ctx, span := r.cfg.spans.StartMessageSpan(ctx, categoryAlert, alert.Type, alert.ID.String(), alert.CorrelationID.String())
	defer func() {
		r.cfg.spans.EndSpanWithError(span, err)
		r.cfg.metrics.RecordMessage(ctx, categoryAlert, alert.Type, time.Since(start), 1, err)
	}()

	for _, reg := range r.agents.Values() {
		if !reg.agent.Recognises(alert.Type) {
			continue
		}
		if err := reg.agent.Monitor.HandleAlert(ctx, reg.handler, alert); err != nil {
			return r.handlerError(reg.agent.Name, alert.Type, err)
		}
	}
	return nil
}

// dispatch forwards a non-empty batch derived from cause.
func (r *Router) dispatch(ctx context.Context, cause message.Identifiable, batch []message.Envelope) error {
	if len(batch) == 0 {
		return nil
	}

	err := r.dispatcher.Dispatch(ctx, batch)
	r.cfg.metrics.RecordDispatch(ctx, len(batch), err)
	if err != nil {
		return &DispatchError{Count: len(batch), Err: err}
	}

	observability.LogDispatch(r.cfg.logger, cause.ID.String(), len(batch))
	return nil
}

func (r *Router) handlerError(agentName, msgType string, err error) error {
	observability.LogHandlerError(r.cfg.logger, agentName, msgType, err)
	return &HandlerError{Agent: agentName, MessageType: msgType, Err: err}
}

// isConflict reports whether a command attempt failed on the store's version
// check. Conflicts a handler reports about its own dependencies are not retried.
func isConflict(err error) bool {
	var handlerErr *HandlerError
	if errors.As(err, &handlerErr) {
		return false
	}
	return eserrors.IsConflict(err)
}
