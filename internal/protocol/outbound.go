package protocol

import "encoding/json"

// Welcome is sent once to a connection when it attaches.
type Welcome struct {
	ConnectionID   string `json:"connectionId"`
	ConnectedCount int    `json:"connectedCount"`
}

// Member describes one room member in a RoomInfo.
type Member struct {
	ConnectionID string `json:"connectionId"`
	DisplayName  string `json:"displayName"`
}

// RoomInfo is unicast to a joiner and reflects the room after the join.
type RoomInfo struct {
	RoomID    string   `json:"roomId"`
	UserCount int      `json:"userCount"`
	Users     []Member `json:"users"`
}

// PeerAvailable tells an existing member that PeerID joined and awaits an offer.
type PeerAvailable struct {
	RoomID string `json:"roomId"`
	PeerID string `json:"peerId"`
}

// PeerDeparted tells remaining members that PeerID left the room.
type PeerDeparted struct {
	RoomID string `json:"roomId"`
	PeerID string `json:"peerId"`
}

// SignalRelay carries a handshake payload verbatim to its target.
type SignalRelay struct {
	From    string          `json:"from"`
	Payload json.RawMessage `json:"payload"`
}

// RoomMessage is a chat message fanned out to a room. Timestamp is Unix
// milliseconds.
type RoomMessage struct {
	RoomID    string `json:"roomId"`
	From      string `json:"from"`
	Author    string `json:"author"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

// ConnectedCount reports the number of identified participants.
type ConnectedCount struct {
	Count int `json:"count"`
}

// Shared is a share fanned out to every connection except the sharer.
type Shared struct {
	From string          `json:"from"`
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Announcement is a host-originated notification sent to every connection.
type Announcement struct {
	Topic string          `json:"topic"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ErrorPayload reports a rejected frame to its sender. Type echoes the
// offending frame's type when known.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Type    Type   `json:"type,omitempty"`
}
