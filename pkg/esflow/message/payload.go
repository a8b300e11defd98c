package message

import (
	"encoding/json"
	"fmt"
)

// PayloadError reports a payload that could not be converted to the requested type.
type PayloadError struct {
	Type string // message type
	Want string // requested Go type
	Err  error
}

// Error implements the error interface.
func (e *PayloadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("message %s: decode payload as %s: %v", e.Type, e.Want, e.Err)
	}
	return fmt.Sprintf("message %s: payload is not %s", e.Type, e.Want)
}

// Unwrap returns the underlying error.
func (e *PayloadError) Unwrap() error {
	return e.Err
}

// DecodePayload returns the payload of m as T.
//
// In-memory messages carry the handler's original value; messages read back from a
// durable store carry json.RawMessage. Both are accepted, as are []byte and the
// map[string]any produced by generic JSON decoding.
func DecodePayload[T any](m Message) (T, error) {
	var out T

	switch p := m.Payload.(type) {
	case T:
		return p, nil
	case *T:
		if p != nil {
			return *p, nil
		}
		return out, &PayloadError{Type: m.Type, Want: fmt.Sprintf("%T", out)}
	case json.RawMessage:
		return decodeJSON[T](m.Type, p)
	case []byte:
		return decodeJSON[T](m.Type, p)
	case map[string]any:
		raw, err := json.Marshal(p)
		if err != nil {
			return out, &PayloadError{Type: m.Type, Want: fmt.Sprintf("%T", out), Err: err}
		}
		return decodeJSON[T](m.Type, raw)
	case nil:
		return out, nil
	default:
		return out, &PayloadError{Type: m.Type, Want: fmt.Sprintf("%T", out)}
	}
}

func decodeJSON[T any](msgType string, raw []byte) (T, error) {
	var out T
	if len(raw) == 0 || string(raw) == "null" {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, &PayloadError{Type: msgType, Want: fmt.Sprintf("%T", out), Err: err}
	}
	return out, nil
}

// EncodePayload returns the JSON form of m's payload.
// A payload that is already json.RawMessage is returned as-is.
func EncodePayload(m Message) (json.RawMessage, error) {
	switch p := m.Payload.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		return p, nil
	default:
		raw, err := json.Marshal(p)
		if err != nil {
			return nil, &PayloadError{Type: m.Type, Want: "json", Err: err}
		}
		return raw, nil
	}
}
