// Package wire holds the JSON envelope exchanged between the relay and its agents.
//
// Every websocket text frame carries exactly one envelope. The payload is kept as raw JSON so
// the relay can store and forward it without understanding its shape.
package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	TypeUpdate       = "stage:update"
	TypeRequestState = "stage:request-state"
	TypeState        = "stage:state"

	// ServerOrigin tags state packets the relay pushes on its own initiative.
	ServerOrigin = "server"
)

// ErrMalformed is returned when a frame is not a JSON object with a string type.
var ErrMalformed = errors.New("malformed envelope")

// Envelope is the union of all message shapes on the wire.
type Envelope struct {
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Version  int64           `json:"version,omitempty"`
	OriginID string          `json:"originId,omitempty"`
}

// HasPayload reports whether the envelope carries a non-null payload.
func (e *Envelope) HasPayload() bool {
	trimmed := bytes.TrimSpace(e.Payload)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

// Decode parses a single frame.
func Decode(raw []byte) (*Envelope, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if fields == nil {
		return nil, fmt.Errorf("%w: not an object", ErrMalformed)
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return &env, nil
}

// Encode renders an envelope as a frame.
func Encode(env Envelope) ([]byte, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", env.Type, err)
	}
	return raw, nil
}

// NewUpdate builds a client update carrying the full serialized snapshot.
func NewUpdate(payload json.RawMessage, originID string) Envelope {
	return Envelope{Type: TypeUpdate, Payload: payload, OriginID: originID}
}

// NewRequestState builds a client request for the relay's current snapshot.
func NewRequestState(originID string) Envelope {
	return Envelope{Type: TypeRequestState, OriginID: originID}
}

// NewState builds a relay state packet.
func NewState(payload json.RawMessage, version int64, originID string) Envelope {
	return Envelope{Type: TypeState, Payload: payload, Version: version, OriginID: originID}
}
