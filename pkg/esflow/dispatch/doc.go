// Package dispatch provides esflow.Dispatcher implementations.
//
// # Overview
//
// The router hands every batch of derived messages to a single dispatcher.
// What happens next (fan-out, retry, dead-lettering, feeding the router
// again) is decided here, by composing small dispatchers:
//
//   - Func adapts a function
//   - Recorder captures batches in memory
//   - Bus fans messages out to subscribers by type
//   - Retry re-sends a failed batch with backoff
//   - Breaker stops calling a failing dispatcher for a while
//   - DeadLetter parks batches that could not be delivered
//   - Loopback routes each message back into the router
//
// # Composition
//
// Wrappers take the dispatcher they protect:
//
//	bus := dispatch.NewBus(dispatch.BusConfig{DeduplicateTTL: time.Minute})
//	queue := dispatch.NewMemoryQueue(1000)
//	d := dispatch.NewDeadLetter(
//	    dispatch.NewBreaker(
//	        dispatch.NewRetry(bus, errors.DefaultRetry),
//	        dispatch.BreakerConfig{MaxFailures: 5}, logger),
//	    queue, logger)
//
//	router := esflow.New(store, d)
//
// # Message Shapes
//
// Batches are []message.Envelope. Events produced by aggregates arrive as
// message.Versioned, everything else as message.Identifiable:
//
//	for _, env := range msgs {
//	    if evt, ok := env.(message.Versioned); ok {
//	        fmt.Println(evt.Type, evt.Version)
//	    }
//	}
package dispatch
