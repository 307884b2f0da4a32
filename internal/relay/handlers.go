package relay

import (
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/cory-johannsen/playhub/internal/protocol"
)

func (c *Coordinator) handleIdentify(connID string, payload json.RawMessage) error {
	p, err := protocol.DecodeIdentify(payload)
	if err != nil {
		return err
	}
	// Rooms joined under the previous fallback name pick up the new one.
	previous := connID
	if old, ok := c.registry.Lookup(connID); ok {
		previous = old.DisplayName
	}
	c.registry.Identify(connID, p.UserID, p.DisplayName)
	renamed := c.directory.Rename(connID, previous, p.DisplayName)
	c.logger.Debug("participant identified",
		zap.String("conn", connID),
		zap.String("user", p.UserID),
		zap.Strings("renamed_in", renamed),
	)
	c.broadcastAll(protocol.TypeConnectedCount, protocol.ConnectedCount{Count: c.registry.Count()}, "")
	return nil
}

// roomName picks the name a connection is shown under in a room: the name
// sent with the join, then the identified name, then the connection id.
func (c *Coordinator) roomName(connID, requested string) string {
	if requested != "" {
		return requested
	}
	if p, ok := c.registry.Lookup(connID); ok {
		return p.DisplayName
	}
	return connID
}

func (c *Coordinator) handleJoin(connID string, payload json.RawMessage) error {
	p, err := protocol.DecodeJoin(payload)
	if err != nil {
		return err
	}
	existing := c.directory.MembersOf(p.RoomID)
	rejoin := c.directory.Join(p.RoomID, connID, c.roomName(connID, p.DisplayName))
	announced := c.signaling.AnnouncePeer(p.RoomID, connID, existing)
	c.router.NotifyRoomInfo(p.RoomID, connID)
	c.logger.Debug("room joined",
		zap.String("conn", connID),
		zap.String("room", p.RoomID),
		zap.Bool("rejoin", rejoin),
		zap.Int("announced", announced),
	)
	return nil
}

func (c *Coordinator) handleRoomMessage(connID string, payload json.RawMessage) error {
	p, err := protocol.DecodeChat(payload, c.maxChat)
	if err != nil {
		return err
	}
	if !c.directory.Exists(p.RoomID) {
		c.logger.Debug("message to unknown room", zap.String("conn", connID), zap.String("room", p.RoomID))
		return nil
	}
	author, ok := c.directory.DisplayName(p.RoomID, connID)
	if !ok {
		return fmt.Errorf("room %q: %w", p.RoomID, ErrNotMember)
	}
	text := p.Text
	if c.filter != nil {
		var keep bool
		text, keep = c.filter.FilterMessage(p.RoomID, author, text)
		if keep {
			text, keep = protocol.ClampChatText(text, c.maxChat)
		}
		if !keep {
			c.logger.Debug("message dropped by filter", zap.String("conn", connID), zap.String("room", p.RoomID))
			return nil
		}
	}
	c.broadcast(p.RoomID, protocol.TypeRoomMessage, protocol.RoomMessage{
		RoomID:    p.RoomID,
		From:      connID,
		Author:    author,
		Text:      text,
		Timestamp: c.clock().UnixMilli(),
	}, "")
	return nil
}

func (c *Coordinator) handleSignal(connID string, payload json.RawMessage) error {
	p, err := protocol.DecodeSignal(payload)
	if err != nil {
		return err
	}
	c.signaling.RelaySignal(p.To, connID, p.Payload)
	return nil
}

func (c *Coordinator) handleLeave(connID string, payload json.RawMessage) error {
	p, err := protocol.DecodeLeave(payload)
	if err != nil {
		return err
	}
	if c.departRoom(p.RoomID, connID) {
		c.logger.Debug("room left", zap.String("conn", connID), zap.String("room", p.RoomID))
	}
	return nil
}

func (c *Coordinator) handleShare(connID string, payload json.RawMessage) error {
	p, err := protocol.DecodeShare(payload)
	if err != nil {
		return err
	}
	c.broadcastAll(protocol.TypeShared, protocol.Shared{From: connID, Kind: p.Kind, Data: p.Data}, connID)
	return nil
}
