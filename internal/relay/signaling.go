package relay

import (
	"encoding/json"

	"go.uber.org/zap"

	"github.com/cory-johannsen/playhub/internal/protocol"
)

// Signaling relays peer-connection handshake payloads. Payloads are opaque
// and forwarded at most once; nothing is buffered for absent targets.
type Signaling struct {
	router *Router
	logger *zap.Logger
}

// NewSignaling creates a Signaling relay that delivers through router.
func NewSignaling(router *Router, logger *zap.Logger) *Signaling {
	return &Signaling{router: router, logger: logger}
}

// AnnouncePeer tells each connection in existing that newConnID joined
// roomID. Existing members initiate the handshake; the newcomer is never told
// about them.
//
// Postcondition: Returns the number of announcements queued.
func (s *Signaling) AnnouncePeer(roomID, newConnID string, existing []string) int {
	frame, err := protocol.Encode(protocol.TypePeerAvailable, protocol.PeerAvailable{
		RoomID: roomID,
		PeerID: newConnID,
	})
	if err != nil {
		s.logger.Error("encoding peer announcement", zap.String("room", roomID), zap.Error(err))
		return 0
	}
	sent := 0
	for _, connID := range existing {
		if connID == newConnID {
			continue
		}
		if s.router.Unicast(connID, frame) {
			sent++
		}
	}
	return sent
}

// RelaySignal forwards payload verbatim from one connection to another.
//
// Postcondition: Returns false, without error, if the target is not attached.
func (s *Signaling) RelaySignal(to, from string, payload json.RawMessage) bool {
	frame, err := protocol.Encode(protocol.TypeSignal, protocol.SignalRelay{From: from, Payload: payload})
	if err != nil {
		s.logger.Warn("encoding signal", zap.String("from", from), zap.Error(err))
		return false
	}
	if !s.router.Unicast(to, frame) {
		s.logger.Debug("signal dropped",
			zap.String("from", from),
			zap.String("to", to),
		)
		return false
	}
	return true
}
