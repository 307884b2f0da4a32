// Package protocol defines the JSON frame format exchanged with clients over
// WebSocket: a tagged envelope, inbound payload decoding with validation, and
// outbound event payloads.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Type tags an envelope.
type Type string

// Inbound frame types.
const (
	TypeIdentify    Type = "identify"
	TypeRoomJoin    Type = "room-join"
	TypeRoomMessage Type = "room-message"
	TypeSignal      Type = "signal"
	TypeRoomLeave   Type = "room-leave"
	TypeShare       Type = "share"
)

// Outbound-only frame types. TypeSignal and TypeRoomMessage are used in both
// directions.
const (
	TypeWelcome        Type = "welcome"
	TypeRoomInfo       Type = "room-info"
	TypePeerAvailable  Type = "peer-available"
	TypePeerDeparted   Type = "peer-departed"
	TypeConnectedCount Type = "connected-count"
	TypeShared         Type = "shared"
	TypeAnnouncement   Type = "announcement"
	TypeError          Type = "error"
)

var (
	// ErrMalformedPayload is returned for frames that are not valid JSON or
	// whose payload fails validation.
	ErrMalformedPayload = errors.New("malformed payload")
	// ErrUnknownType is returned by dispatch for a type with no handler.
	ErrUnknownType = errors.New("unknown event type")
)

// Error codes carried by outbound error frames.
const (
	CodeMalformedPayload = "malformed-payload"
	CodeUnknownType      = "unknown-type"
	CodeNotMember        = "not-a-member"
	CodeRateLimited      = "rate-limited"
	CodeInternal         = "internal"
)

// Envelope is the outer shape of every frame.
type Envelope struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Decode parses a raw text frame into an Envelope.
//
// Postcondition: Returns an error wrapping ErrMalformedPayload if data is not
// a JSON object or carries no type.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformedPayload)
	}
	return env, nil
}

// Encode marshals payload and wraps it in an envelope of type t.
func Encode(t Type, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", t, err)
	}
	frame, err := json.Marshal(Envelope{Type: t, Payload: raw})
	if err != nil {
		return nil, fmt.Errorf("encoding %s envelope: %w", t, err)
	}
	return frame, nil
}

// CodeFor maps a protocol error onto its wire error code.
func CodeFor(err error) string {
	switch {
	case errors.Is(err, ErrMalformedPayload):
		return CodeMalformedPayload
	case errors.Is(err, ErrUnknownType):
		return CodeUnknownType
	default:
		return CodeInternal
	}
}
