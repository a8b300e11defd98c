package message

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// now is replaced in tests that need fixed timestamps.
var now = func() time.Time { return time.Now().UTC() }

// Originate starts a new causal chain.
// The id is requestID when given (idempotent client retries), otherwise a random v4 UUID.
// CorrelationID equals the id and CausationID is null.
func Originate(msg Message, requestID ...uuid.UUID) Identifiable {
	id := uuid.New()
	if len(requestID) > 0 && requestID[0] != uuid.Nil {
		id = requestID[0]
	}
	return Identifiable{
		Message:       msg,
		ID:            id,
		Timestamp:     now(),
		CorrelationID: id,
	}
}

// DerivedID returns the deterministic id of the index-th message derived from cause.
// It is a v5 UUID in the namespace of the cause's id.
func DerivedID(causeID uuid.UUID, index int) uuid.UUID {
	return uuid.NewSHA1(causeID, []byte(strconv.Itoa(index)))
}

// DeriveCommand derives a command from the message that caused it.
// index must come from enumerating the handler's returned list in order, starting at 0.
func DeriveCommand(cause Identifiable, msg Message, index int) Identifiable {
	return derive(cause, msg, index)
}

// DeriveEvent derives an event or alert from the message that caused it.
func DeriveEvent(cause Identifiable, msg Message, index int) Identifiable {
	return derive(cause, msg, index)
}

// DeriveVersionedEvent derives an event positioned after baseVersion.
// For N events derived from one command the versions are baseVersion+1 ... baseVersion+N.
func DeriveVersionedEvent(cause Identifiable, msg Message, baseVersion int64, index int) Versioned {
	return Versioned{
		Identifiable: derive(cause, msg, index),
		Version:      baseVersion + int64(index) + 1,
	}
}

// DeriveAll derives every message in msgs, numbering them from offset.
func DeriveAll(cause Identifiable, msgs []Message, offset int) []Identifiable {
	out := make([]Identifiable, len(msgs))
	for i, m := range msgs {
		out[i] = derive(cause, m, offset+i)
	}
	return out
}

func derive(cause Identifiable, msg Message, index int) Identifiable {
	return Identifiable{
		Message:       msg,
		ID:            DerivedID(cause.ID, index),
		Timestamp:     now(),
		CorrelationID: cause.CorrelationID,
		CausationID:   uuid.NullUUID{UUID: cause.ID, Valid: true},
	}
}
