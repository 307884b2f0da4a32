// Package relay implements room coordination: message fan-out to rooms,
// peer signaling between two connections, and the per-connection lifecycle
// driven by a single coordinator goroutine.
package relay

import (
	"go.uber.org/zap"

	"github.com/cory-johannsen/playhub/internal/protocol"
	"github.com/cory-johannsen/playhub/internal/session"
)

// Router delivers encoded frames to connection outboxes. Delivery is
// fire-and-forget: a failed push is logged and the remaining recipients are
// still served.
type Router struct {
	registry  *session.Registry
	directory *session.Directory
	logger    *zap.Logger
}

// NewRouter creates a Router over the given registry and directory.
//
// Precondition: all arguments must be non-nil.
func NewRouter(registry *session.Registry, directory *session.Directory, logger *zap.Logger) *Router {
	return &Router{registry: registry, directory: directory, logger: logger}
}

// Unicast pushes frame to one connection.
//
// Postcondition: Returns true if the frame was queued.
func (r *Router) Unicast(connID string, frame []byte) bool {
	if frame == nil {
		return false
	}
	outbox, ok := r.registry.Outbox(connID)
	if !ok {
		r.logger.Debug("unicast to unknown connection", zap.String("conn", connID))
		return false
	}
	if err := outbox.Push(frame); err != nil {
		r.logger.Warn("push to outbox failed",
			zap.String("conn", connID),
			zap.Error(err),
		)
		return false
	}
	return true
}

// Broadcast pushes frame to every member of roomID except exclude. An unknown
// room is a no-op.
//
// Postcondition: Returns the number of members the frame was queued for.
func (r *Router) Broadcast(roomID string, frame []byte, exclude string) int {
	return r.fanOut(r.directory.MembersOf(roomID), frame, exclude)
}

// BroadcastAll pushes frame to every attached connection except exclude.
func (r *Router) BroadcastAll(frame []byte, exclude string) int {
	return r.fanOut(r.registry.ConnIDs(), frame, exclude)
}

func (r *Router) fanOut(targets []string, frame []byte, exclude string) int {
	if frame == nil {
		return 0
	}
	delivered := 0
	for _, connID := range targets {
		if connID == exclude {
			continue
		}
		if r.Unicast(connID, frame) {
			delivered++
		}
	}
	return delivered
}

// NotifyRoomInfo unicasts the current roster of roomID to connID.
func (r *Router) NotifyRoomInfo(roomID, connID string) bool {
	members := r.directory.MembersOf(roomID)
	names := r.directory.Names(roomID)
	info := protocol.RoomInfo{
		RoomID:    roomID,
		UserCount: len(members),
		Users:     make([]protocol.Member, len(members)),
	}
	for i, m := range members {
		info.Users[i] = protocol.Member{ConnectionID: m}
		if i < len(names) {
			info.Users[i].DisplayName = names[i]
		}
	}
	frame, err := protocol.Encode(protocol.TypeRoomInfo, info)
	if err != nil {
		r.logger.Error("encoding room info", zap.String("room", roomID), zap.Error(err))
		return false
	}
	return r.Unicast(connID, frame)
}
