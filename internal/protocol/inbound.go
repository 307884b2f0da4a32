package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

const (
	// MaxRoomIDBytes bounds room identifiers.
	MaxRoomIDBytes = 128
	// MaxDisplayNameRunes bounds participant display names.
	MaxDisplayNameRunes = 64
	// MaxShareKindRunes bounds the kind tag of a share frame.
	MaxShareKindRunes = 64
	// DefaultMaxChatRunes is the chat length limit used when none is configured.
	DefaultMaxChatRunes = 200
)

// Identify binds a display identity to the sending connection.
type Identify struct {
	UserID      string `json:"userId,omitempty"`
	DisplayName string `json:"displayName"`
}

// Join adds the sender to a room.
type Join struct {
	RoomID      string `json:"roomId"`
	DisplayName string `json:"displayName,omitempty"`
}

// Chat is a room message sent by a client.
type Chat struct {
	RoomID string `json:"roomId"`
	Text   string `json:"text"`
}

// SignalRequest asks the relay to forward an opaque handshake payload. Any
// client-supplied sender id is ignored.
type SignalRequest struct {
	To      string          `json:"toConnectionId"`
	Payload json.RawMessage `json:"payload"`
}

// Leave removes the sender from a room.
type Leave struct {
	RoomID string `json:"roomId"`
}

// Share publishes an opaque item to every other connection.
type Share struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data,omitempty"`
}

func unmarshal(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: missing payload", ErrMalformedPayload)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return nil
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedPayload, fmt.Sprintf(format, args...))
}

// ValidateRoomID checks the room id length bounds.
func ValidateRoomID(id string) error {
	if id == "" || len(id) > MaxRoomIDBytes {
		return malformed("roomId must be 1-%d bytes", MaxRoomIDBytes)
	}
	return nil
}

// ValidateDisplayName checks that name is present and within bounds.
func ValidateDisplayName(name string) error {
	if strings.TrimSpace(name) == "" {
		return malformed("displayName is required")
	}
	if !utf8.ValidString(name) || utf8.RuneCountInString(name) > MaxDisplayNameRunes {
		return malformed("displayName must be valid UTF-8 of at most %d characters", MaxDisplayNameRunes)
	}
	return nil
}

// ParseIdentify decodes an identify payload without validating it, so the
// caller may resolve a missing display name first.
func ParseIdentify(raw json.RawMessage) (Identify, error) {
	var p Identify
	err := unmarshal(raw, &p)
	return p, err
}

// NormalizeName trims surrounding space and converts name to NFC so visually
// identical names compare equal.
func NormalizeName(name string) string {
	return norm.NFC.String(strings.TrimSpace(name))
}

// DecodeIdentify decodes and validates an identify payload.
func DecodeIdentify(raw json.RawMessage) (Identify, error) {
	p, err := ParseIdentify(raw)
	if err != nil {
		return Identify{}, err
	}
	p.DisplayName = NormalizeName(p.DisplayName)
	if err := ValidateDisplayName(p.DisplayName); err != nil {
		return Identify{}, err
	}
	return p, nil
}

// DecodeJoin decodes and validates a room-join payload. An empty display name
// is allowed; the caller falls back to the identified name.
func DecodeJoin(raw json.RawMessage) (Join, error) {
	var p Join
	if err := unmarshal(raw, &p); err != nil {
		return Join{}, err
	}
	if err := ValidateRoomID(p.RoomID); err != nil {
		return Join{}, err
	}
	p.DisplayName = NormalizeName(p.DisplayName)
	if p.DisplayName != "" {
		if err := ValidateDisplayName(p.DisplayName); err != nil {
			return Join{}, err
		}
	}
	return p, nil
}

// DecodeChat decodes and validates a room-message payload. maxRunes <= 0
// applies DefaultMaxChatRunes.
func DecodeChat(raw json.RawMessage, maxRunes int) (Chat, error) {
	if maxRunes <= 0 {
		maxRunes = DefaultMaxChatRunes
	}
	var p Chat
	if err := unmarshal(raw, &p); err != nil {
		return Chat{}, err
	}
	if err := ValidateRoomID(p.RoomID); err != nil {
		return Chat{}, err
	}
	if !utf8.ValidString(p.Text) {
		return Chat{}, malformed("text must be valid UTF-8")
	}
	p.Text = norm.NFC.String(p.Text)
	if strings.TrimSpace(p.Text) == "" {
		return Chat{}, malformed("text must not be empty")
	}
	if n := utf8.RuneCountInString(p.Text); n > maxRunes {
		return Chat{}, malformed("text has %d characters, limit is %d", n, maxRunes)
	}
	return p, nil
}

// ClampChatText applies the chat bounds to text produced after decoding,
// such as a message filter's rewrite. Text longer than maxRunes is cut at a
// rune boundary. It reports false when no visible text remains.
func ClampChatText(text string, maxRunes int) (string, bool) {
	if maxRunes <= 0 {
		maxRunes = DefaultMaxChatRunes
	}
	text = norm.NFC.String(strings.ToValidUTF8(text, ""))
	if utf8.RuneCountInString(text) > maxRunes {
		text = string([]rune(text)[:maxRunes])
	}
	if strings.TrimSpace(text) == "" {
		return "", false
	}
	return text, true
}

// DecodeSignal decodes and validates a signal payload.
func DecodeSignal(raw json.RawMessage) (SignalRequest, error) {
	var p SignalRequest
	if err := unmarshal(raw, &p); err != nil {
		return SignalRequest{}, err
	}
	if p.To == "" {
		return SignalRequest{}, malformed("toConnectionId is required")
	}
	if len(p.Payload) == 0 || bytes.Equal(p.Payload, []byte("null")) {
		return SignalRequest{}, malformed("signal payload is required")
	}
	return p, nil
}

// DecodeLeave decodes and validates a room-leave payload.
func DecodeLeave(raw json.RawMessage) (Leave, error) {
	var p Leave
	if err := unmarshal(raw, &p); err != nil {
		return Leave{}, err
	}
	if err := ValidateRoomID(p.RoomID); err != nil {
		return Leave{}, err
	}
	return p, nil
}

// DecodeShare decodes and validates a share payload.
func DecodeShare(raw json.RawMessage) (Share, error) {
	var p Share
	if err := unmarshal(raw, &p); err != nil {
		return Share{}, err
	}
	if p.Kind == "" || utf8.RuneCountInString(p.Kind) > MaxShareKindRunes {
		return Share{}, malformed("kind must be 1-%d characters", MaxShareKindRunes)
	}
	return p, nil
}
