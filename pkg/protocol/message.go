package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Version identifies the message vocabulary spoken by this package.
// Version 2 added TypeFunctionCall.
const Version = 2

// Type is the discriminator of an execution message.
type Type string

const (
	TypeStatus          Type = "status"
	TypeLog             Type = "log"
	TypeProgress        Type = "progress"
	TypeTelemetry       Type = "telemetry"
	TypeWellStateUpdate Type = "well_state_update"
	TypeError           Type = "error"
	TypeComplete        Type = "complete"
	TypeFunctionCall    Type = "function_call"
)

var known = map[Type]struct{}{
	TypeStatus:          {},
	TypeLog:             {},
	TypeProgress:        {},
	TypeTelemetry:       {},
	TypeWellStateUpdate: {},
	TypeError:           {},
	TypeComplete:        {},
	TypeFunctionCall:    {},
}

// Known reports whether t belongs to the vocabulary.
// Consumers must ignore unknown types instead of failing on them.
func (t Type) Known() bool {
	_, ok := known[t]
	return ok
}

// ErrMalformedMessage is returned when a frame is not a valid message envelope.
var ErrMalformedMessage = errors.New("malformed message")

// Message is the unit exchanged between the coordinator and an execution backend.
type Message struct {
	Type      Type      `json:"type"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// New builds a message stamped with the current time.
func New(t Type, payload any) Message {
	return Message{Type: t, Payload: payload, Timestamp: time.Now().UTC()}
}

// Encode serializes a message to its wire form.
func Encode(m Message) ([]byte, error) {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s message: %w", m.Type, err)
	}
	return data, nil
}

// Decode parses a wire frame. Unknown types decode fine; only a missing
// type or invalid JSON is an error.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if m.Type == "" {
		return Message{}, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	return m, nil
}
