// Package message defines the immutable message shapes routed by esflow and the
// functions that derive one message from another.
//
// Three shapes exist:
//   - Message: a type name and an opaque payload, as returned by handlers
//   - Identifiable: a Message with identity, timestamp, correlation and causation
//   - Versioned: an Identifiable event with its position in an aggregate stream
//
// Identity is assigned once at the origin of a causal chain (Originate) and
// deterministically for everything derived from it (DeriveCommand, DeriveEvent,
// DeriveVersionedEvent), so re-running a handling step yields the same ids.
package message

import (
	"time"

	"github.com/google/uuid"
)

// Message is the untyped unit a handler produces.
// Type must be unique across all registered agents.
type Message struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// New creates a Message.
func New(msgType string, payload any) Message {
	return Message{Type: msgType, Payload: payload}
}

// Identifiable is a Message with identity and causal metadata.
type Identifiable struct {
	Message

	ID            uuid.UUID     `json:"id"`
	Timestamp     time.Time     `json:"timestamp"`
	CorrelationID uuid.UUID     `json:"correlation_id"`
	CausationID   uuid.NullUUID `json:"causation_id"`
}

// Base implements Envelope.
func (m Identifiable) Base() Identifiable {
	return m
}

// IsOrigin reports whether the message starts a causal chain.
func (m Identifiable) IsOrigin() bool {
	return !m.CausationID.Valid
}

// Versioned is an event positioned in its aggregate's stream.
// Within one (agent name, aggregate id) stream versions start at 1 and have no gaps.
type Versioned struct {
	Identifiable

	Version int64 `json:"version"`
}

// Envelope is satisfied by Identifiable and Versioned.
// Dispatchers receive envelopes so that stream versions survive forwarding;
// a type switch recovers the concrete shape.
type Envelope interface {
	Base() Identifiable
}

// Compile-time interface checks.
var (
	_ Envelope = Identifiable{}
	_ Envelope = Versioned{}
)

// Envelopes widens a slice of Identifiable or Versioned messages to []Envelope.
func Envelopes[T Envelope](msgs []T) []Envelope {
	out := make([]Envelope, len(msgs))
	for i, m := range msgs {
		out[i] = m
	}
	return out
}
