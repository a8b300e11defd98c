package dispatch

import (
	"context"
	"slices"
	"sync"

	"github.com/randalmurphal/esflow/pkg/esflow/message"
)

// Recorder keeps every batch it receives. It is safe for concurrent use.
type Recorder struct {
	mu      sync.Mutex
	batches [][]message.Envelope
	err     error
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Dispatch records msgs, or returns the error set by FailWith without recording.
func (r *Recorder) Dispatch(_ context.Context, msgs []message.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.err != nil {
		return r.err
	}
	r.batches = append(r.batches, slices.Clone(msgs))
	return nil
}

// FailWith makes subsequent dispatches fail with err. nil restores recording.
func (r *Recorder) FailWith(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

// Batches returns the recorded batches in arrival order.
func (r *Recorder) Batches() [][]message.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.batches)
}

// Messages returns every recorded message, flattened.
func (r *Recorder) Messages() []message.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []message.Envelope
	for _, b := range r.batches {
		out = append(out, b...)
	}
	return out
}

// Reset forgets everything recorded.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = nil
}
