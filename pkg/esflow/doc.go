/*
Package esflow provides an event-sourced message router for Go services.

# Overview

esflow routes commands, events and alerts between agents. Agents that own
state (aggregates and process managers) rebuild it from an append-only event
stream, decide what happens next, and append their new events with an
optimistic version check. A concurrent writer causes a conflict; the router
reloads and retries the command until the write succeeds or the retry budget
runs out.

Every derived message carries a deterministic ID computed from its cause and
its position in the output, so a retried command produces byte-for-byte the
same event IDs and versions as a clean run.

# Agents

An agent is one of five kinds:

  - Aggregate: owns commands and events, keeps state in its stream
  - Process Manager: an aggregate that also adopts other agents' events
  - Event Listener: stateless, turns adopted events into commands
  - Service: stateless, turns commands into events, alerts or commands
  - Monitor: receives alerts

Agents are defined with typed handlers and registered on a Router:

	type Cart struct{ Items []string }

	cart := agent.NewAggregate(agent.AggregateDef[*Deps, Cart]{
	    Name:         "Cart",
	    CommandTypes: []string{"ADD_ITEM"},
	    EventTypes:   []string{"ITEM_ADDED"},
	    AggregateID:  cartIDOf,
	    InitialState: func(*Deps) Cart { return Cart{} },
	    ApplyEvent:   applyCart,
	    HandleCommand: func(ctx context.Context, d *Deps, cmd message.Identifiable, s Cart) ([]message.Message, error) {
	        return []message.Message{message.New("ITEM_ADDED", cmd.Payload)}, nil
	    },
	})

	router := esflow.New(eventstore.NewMemoryStore(), dispatch.NewRecorder())
	if err := router.RegisterAgent(cart, deps); err != nil {
	    log.Fatal(err)
	}

	err := router.HandleCommand(ctx, message.Originate(message.New("ADD_ITEM", item)))

Registration rejects a second agent with the same name and a second owner of
any command or event type.

# Dispatch

Messages produced by a successful command are handed to a dispatch.Dispatcher
in one batch: events first, in version order, then alerts and commands.
Nothing is dispatched for an attempt that lost a write conflict.

Dispatchers compose:

	lb := dispatch.NewLoopback()
	bus := dispatch.NewBus(dispatch.DefaultBusConfig)
	d := dispatch.Multi(bus, dispatch.NewBreaker(lb, dispatch.BreakerConfig{}, logger))
	router := esflow.New(store, d)
	lb.Bind(router)

A Loopback feeds batches back into Router.Route, which chains commands
through the agents in-process. Route depth is bounded (see WithMaxDepth) so a
cycle of agents fails with ErrMaxDepth instead of recursing forever.

# Configuration

Router tuning can be read from YAML:

	cfg, err := config.FromFile("esflow.yaml")
	store, err := eventstore.Open(cfg.Sub("store"))
	router := esflow.New(store, d, esflow.OptionsFromConfig(cfg)...)

# Observability

	metrics, _ := observability.NewPrometheusMetrics(prometheus.DefaultRegisterer)

	router := esflow.New(store, d,
	    esflow.WithLogger(slog.New(slog.NewJSONHandler(os.Stdout, nil))),
	    esflow.WithMetrics(metrics),
	    esflow.WithTracing(observability.NewSpanManager()))

Logs include structured fields: agent, aggregate_id, message_id, attempt.
Spans: one per message, one child per command attempt.

# Error Handling

	var herr *esflow.HandlerError
	if errors.As(err, &herr) {
	    log.Printf("agent %s failed: %v", herr.Agent, herr.Err)
	}
	if eventstore.IsOptimisticLock(err) {
	    // retry budget exhausted
	}

Handler errors are never retried. Only write conflicts are.

# Thread Safety

  - Router IS safe for concurrent use, including RegisterAgent
  - Commands for the same stream are serialised in-process by default
  - EventStore implementations are safe for concurrent use

# Subpackages

  - agent: agent kinds and typed constructors
  - config: map-backed configuration with YAML and JSON loaders
  - dispatch: dispatchers (bus, loopback, retry, breaker, dead letter)
  - errors: retry loop and error categories
  - eventstore: event and snapshot storage (memory, SQLite)
  - message: message types and deterministic ID derivation
  - observability: logging, metrics and tracing helpers
  - registry: concurrent ordered registry and keyed locks
  - repository: state loading and saving with snapshots
*/
package esflow
