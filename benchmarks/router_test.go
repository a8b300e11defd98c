package benchmarks

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/randalmurphal/esflow/pkg/esflow"
	"github.com/randalmurphal/esflow/pkg/esflow/agent"
	"github.com/randalmurphal/esflow/pkg/esflow/dispatch"
	"github.com/randalmurphal/esflow/pkg/esflow/eventstore"
	"github.com/randalmurphal/esflow/pkg/esflow/message"
)

type counter struct {
	Count int `json:"count"`
}

type increment struct {
	ID uuid.UUID `json:"id"`
}

func counterAgent() agent.Agent {
	return agent.NewAggregate(agent.AggregateDef[struct{}, counter]{
		Name:         "Counter",
		CommandTypes: []string{"INCREMENT"},
		EventTypes:   []string{"INCREMENTED"},
		AggregateID: func(cmd message.Identifiable) (uuid.UUID, error) {
			p, err := message.DecodePayload[increment](cmd.Message)
			return p.ID, err
		},
		InitialState: func(struct{}) counter { return counter{} },
		ApplyEvent: func(_ context.Context, _ struct{}, s counter, _ message.Versioned) (counter, error) {
			s.Count++
			return s, nil
		},
		HandleCommand: func(_ context.Context, _ struct{}, _ message.Identifiable, _ counter) ([]message.Message, error) {
			return []message.Message{message.New("INCREMENTED", nil)}, nil
		},
	})
}

func newRouter(b *testing.B, opts ...esflow.Option) *esflow.Router {
	b.Helper()
	router := esflow.New(eventstore.NewMemoryStore(), dispatch.Func(func(context.Context, []message.Envelope) error {
		return nil
	}), opts...)
	if err := router.RegisterAgent(counterAgent(), struct{}{}); err != nil {
		b.Fatal(err)
	}
	return router
}

func benchmarkCommands(b *testing.B, router *esflow.Router, streams int) {
	ctx := context.Background()
	ids := make([]uuid.UUID, streams)
	for i := range ids {
		ids[i] = uuid.New()
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		cmd := message.Originate(message.New("INCREMENT", increment{ID: ids[i%streams]}))
		if err := router.HandleCommand(ctx, cmd); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkRouter_HandleCommand measures load-decide-save on one growing stream.
func BenchmarkRouter_HandleCommand(b *testing.B) {
	benchmarkCommands(b, newRouter(b), 1)
}

// BenchmarkRouter_HandleCommand_Snapshots is the same with a snapshot every 50 events.
func BenchmarkRouter_HandleCommand_Snapshots(b *testing.B) {
	benchmarkCommands(b, newRouter(b, esflow.WithSnapshotInterval(50)), 1)
}

// BenchmarkRouter_HandleCommand_ManyStreams spreads commands over 1000 streams.
func BenchmarkRouter_HandleCommand_ManyStreams(b *testing.B) {
	benchmarkCommands(b, newRouter(b), 1000)
}

// BenchmarkRouter_Parallel measures contended writers on 16 streams.
func BenchmarkRouter_Parallel(b *testing.B) {
	router := newRouter(b, esflow.WithMaxAttempts(100))
	ids := make([]uuid.UUID, 16)
	for i := range ids {
		ids[i] = uuid.New()
	}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		ctx := context.Background()
		i := 0
		for pb.Next() {
			cmd := message.Originate(message.New("INCREMENT", increment{ID: ids[i%len(ids)]}))
			if err := router.HandleCommand(ctx, cmd); err != nil {
				b.Error(err)
				return
			}
			i++
		}
	})
}
