package esflow

import (
	"errors"
	"fmt"
)

// Sentinel errors for router configuration and routing.
var (
	// ErrDuplicateAgent indicates RegisterAgent was called twice with the same name.
	ErrDuplicateAgent = errors.New("agent already registered")

	// ErrDuplicateOwnership indicates two agents claim the same command or event type.
	// Every command and event type has exactly one owner.
	ErrDuplicateOwnership = errors.New("message type already owned")

	// ErrMaxDepth indicates Route was re-entered more times than WithMaxDepth allows,
	// which happens when derived messages loop back through the router.
	ErrMaxDepth = errors.New("maximum routing depth exceeded")
)

// UnroutableMessageError reports a message type no registered agent accepts,
// or a type an agent produced without declaring it.
type UnroutableMessageError struct {
	// MessageType is the type that could not be routed.
	MessageType string
	// Agent is the agent that produced the message. Empty for inbound messages.
	Agent string
}

// Error implements the error interface.
func (e *UnroutableMessageError) Error() string {
	if e.Agent != "" {
		return fmt.Sprintf("agent %s produced undeclared message type %q", e.Agent, e.MessageType)
	}
	return fmt.Sprintf("no agent accepts message type %q", e.MessageType)
}

// HandlerError wraps an error returned by an agent callback.
// Handler errors are never retried.
type HandlerError struct {
	// Agent is the agent whose callback failed.
	Agent string
	// MessageType is the type of the message being handled.
	MessageType string
	// Err is the error the callback returned.
	Err error
}

// Error implements the error interface.
func (e *HandlerError) Error() string {
	return fmt.Sprintf("agent %s handling %s: %v", e.Agent, e.MessageType, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *HandlerError) Unwrap() error {
	return e.Err
}

// DispatchError reports that forwarding derived messages failed.
// Any events in the batch were already committed; the command is not retried.
type DispatchError struct {
	// Count is the number of messages in the failed batch.
	Count int
	// Err is the error the dispatcher returned.
	Err error
}

// Error implements the error interface.
func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch %d messages: %v", e.Count, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *DispatchError) Unwrap() error {
	return e.Err
}
