package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/playhub/internal/protocol"
	"github.com/cory-johannsen/playhub/internal/session"
)

var (
	// ErrNotMember is returned when a connection messages a room it has not joined.
	ErrNotMember = errors.New("not a member of room")
	// ErrUnknownConnection is returned for events from a connection that is not attached.
	ErrUnknownConnection = errors.New("unknown connection")
	// ErrStopped is returned by Submit once the coordinator loop has exited.
	ErrStopped = errors.New("coordinator stopped")
)

// NameResolver looks up the display name registered for a user id.
type NameResolver interface {
	DisplayName(ctx context.Context, userID string) (string, error)
}

// MessageFilter inspects a chat message before fan-out. It returns the text
// to deliver and whether to deliver it at all.
type MessageFilter interface {
	FilterMessage(roomID, author, text string) (string, bool)
}

// DepartureObserver is told after a connection leaves a room, whether by an
// explicit leave or the disconnect sweep. It runs on the coordinator
// goroutine; a panic is contained to that one room.
type DepartureObserver interface {
	RoomDeparted(roomID, connID string)
}

// EventKind tags an Event.
type EventKind int

const (
	EventAttach EventKind = iota + 1
	EventMessage
	EventDetach
	EventAnnounce
)

func (k EventKind) String() string {
	switch k {
	case EventAttach:
		return "attach"
	case EventMessage:
		return "message"
	case EventDetach:
		return "detach"
	case EventAnnounce:
		return "announce"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is one unit of work for the coordinator loop.
type Event struct {
	Kind   EventKind
	ConnID string
	// Outbox is set for EventAttach.
	Outbox *session.Outbox
	// Frame is the raw inbound text frame for EventMessage.
	Frame []byte
	// Topic and Data are set for EventAnnounce.
	Topic string
	Data  json.RawMessage
}

// Options configures a Coordinator.
type Options struct {
	// QueueSize is the inbound event queue capacity.
	QueueSize int
	// MaxChatLength is the chat text limit in characters.
	MaxChatLength int
	// Filter, if non-nil, is applied to every chat message.
	Filter MessageFilter
	// Departures, if non-nil, is told about every room departure.
	Departures DepartureObserver
	// Clock stamps chat messages; defaults to time.Now.
	Clock func() time.Time
}

// Stats is a point-in-time summary of coordinator state.
type Stats struct {
	ConnectedUsers      int
	AttachedConnections int
	ActiveRooms         int
}

type handlerFunc func(connID string, payload json.RawMessage) error

// Coordinator owns the registry and directory and applies every state change
// on a single goroutine in arrival order. Transport goroutines hand it events
// through Submit; snapshots may be read concurrently.
type Coordinator struct {
	registry  *session.Registry
	directory *session.Directory
	router    *Router
	signaling *Signaling
	logger    *zap.Logger

	maxChat    int
	filter     MessageFilter
	departures DepartureObserver
	clock      func() time.Time

	handlers map[protocol.Type]handlerFunc
	events   chan Event
	done     chan struct{}
}

// NewCoordinator creates a Coordinator with empty state.
//
// Precondition: logger must be non-nil.
func NewCoordinator(opts Options, logger *zap.Logger) *Coordinator {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.MaxChatLength <= 0 {
		opts.MaxChatLength = protocol.DefaultMaxChatRunes
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	registry := session.NewRegistry()
	directory := session.NewDirectory()
	router := NewRouter(registry, directory, logger)
	c := &Coordinator{
		registry:   registry,
		directory:  directory,
		router:     router,
		signaling:  NewSignaling(router, logger),
		logger:     logger,
		maxChat:    opts.MaxChatLength,
		filter:     opts.Filter,
		departures: opts.Departures,
		clock:      opts.Clock,
		events:     make(chan Event, opts.QueueSize),
		done:       make(chan struct{}),
	}
	c.handlers = map[protocol.Type]handlerFunc{
		protocol.TypeIdentify:    c.handleIdentify,
		protocol.TypeRoomJoin:    c.handleJoin,
		protocol.TypeRoomMessage: c.handleRoomMessage,
		protocol.TypeSignal:      c.handleSignal,
		protocol.TypeRoomLeave:   c.handleLeave,
		protocol.TypeShare:       c.handleShare,
	}
	return c
}

// Directory exposes room membership for read-only snapshots.
func (c *Coordinator) Directory() *session.Directory { return c.directory }

// Registry exposes connection identities for read-only snapshots.
func (c *Coordinator) Registry() *session.Registry { return c.registry }

// Stats returns current counts. Safe to call from any goroutine.
func (c *Coordinator) Stats() Stats {
	return Stats{
		ConnectedUsers:      c.registry.Count(),
		AttachedConnections: c.registry.AttachedCount(),
		ActiveRooms:         c.directory.RoomCount(),
	}
}

// Run processes events until ctx is cancelled. On exit every remaining outbox
// is closed so writer goroutines terminate.
func (c *Coordinator) Run(ctx context.Context) error {
	defer close(c.done)
	defer c.closeAll()

	c.logger.Info("coordinator started")
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("coordinator stopping", zap.Int("attached", c.registry.AttachedCount()))
			return nil
		case ev := <-c.events:
			c.Handle(ev)
		}
	}
}

func (c *Coordinator) closeAll() {
	for _, connID := range c.registry.ConnIDs() {
		if outbox := c.registry.Forget(connID); outbox != nil {
			outbox.Close()
		}
	}
}

// Submit queues ev for the loop, blocking while the queue is full.
//
// Postcondition: Returns nil once queued, ctx.Err() if ctx ends first, or
// ErrStopped if the loop has exited.
func (c *Coordinator) Submit(ctx context.Context, ev Event) error {
	select {
	case <-c.done:
		return ErrStopped
	default:
	}
	select {
	case c.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrStopped
	}
}

// Attach submits a new connection together with its outbox.
func (c *Coordinator) Attach(ctx context.Context, connID string, outbox *session.Outbox) error {
	return c.Submit(ctx, Event{Kind: EventAttach, ConnID: connID, Outbox: outbox})
}

// Deliver submits one inbound text frame from connID.
func (c *Coordinator) Deliver(ctx context.Context, connID string, frame []byte) error {
	return c.Submit(ctx, Event{Kind: EventMessage, ConnID: connID, Frame: frame})
}

// Detach submits the disconnect of connID.
func (c *Coordinator) Detach(ctx context.Context, connID string) error {
	return c.Submit(ctx, Event{Kind: EventDetach, ConnID: connID})
}

// Announce submits a host notification for every attached connection.
func (c *Coordinator) Announce(ctx context.Context, topic string, data json.RawMessage) error {
	return c.Submit(ctx, Event{Kind: EventAnnounce, Topic: topic, Data: data})
}

// Handle applies one event synchronously. It must only be called from the
// goroutine running Run, or from tests that never start Run.
func (c *Coordinator) Handle(ev Event) {
	switch ev.Kind {
	case EventAttach:
		c.attach(ev.ConnID, ev.Outbox)
	case EventMessage:
		c.dispatch(ev.ConnID, ev.Frame)
	case EventDetach:
		c.detach(ev.ConnID)
	case EventAnnounce:
		c.broadcastAll(protocol.TypeAnnouncement, protocol.Announcement{Topic: ev.Topic, Data: ev.Data}, "")
	default:
		c.logger.Warn("unknown event kind", zap.Stringer("kind", ev.Kind))
	}
}

func (c *Coordinator) attach(connID string, outbox *session.Outbox) {
	if connID == "" || outbox == nil {
		c.logger.Warn("attach without connection id or outbox")
		return
	}
	if !c.registry.Attach(connID, outbox) {
		c.logger.Warn("connection already attached", zap.String("conn", connID))
		return
	}
	c.logger.Debug("connection attached", zap.String("conn", connID))
	c.unicast(connID, protocol.TypeWelcome, protocol.Welcome{
		ConnectionID:   connID,
		ConnectedCount: c.registry.Count(),
	})
}

func (c *Coordinator) dispatch(connID string, frame []byte) {
	if !c.registry.Attached(connID) {
		c.logger.Debug("frame from unattached connection dropped",
			zap.String("conn", connID),
			zap.Error(ErrUnknownConnection),
		)
		return
	}
	env, err := protocol.Decode(frame)
	if err != nil {
		c.sendError(connID, "", err)
		return
	}
	h, ok := c.handlers[env.Type]
	if !ok {
		c.sendError(connID, env.Type, fmt.Errorf("%w: %q", protocol.ErrUnknownType, env.Type))
		return
	}
	if err := h(connID, env.Payload); err != nil {
		c.sendError(connID, env.Type, err)
	}
}

// detach sweeps connID out of every room, then forgets it. Each room is
// isolated so one failure does not stop the sweep.
func (c *Coordinator) detach(connID string) {
	if !c.registry.Attached(connID) {
		c.logger.Debug("detach of unknown connection", zap.String("conn", connID))
		return
	}
	rooms := c.directory.RoomsOf(connID)
	for _, roomID := range rooms {
		c.departRoom(roomID, connID)
	}
	if outbox := c.registry.Forget(connID); outbox != nil {
		outbox.Close()
	}
	c.logger.Debug("connection detached",
		zap.String("conn", connID),
		zap.Strings("rooms", rooms),
	)
	c.broadcastAll(protocol.TypeConnectedCount, protocol.ConnectedCount{Count: c.registry.Count()}, "")
}

// departRoom removes connID from roomID and tells the remaining members. A
// failure is logged and contained to this room. Returns whether connID was a
// member.
func (c *Coordinator) departRoom(roomID, connID string) (left bool) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("room cleanup failed",
				zap.String("room", roomID),
				zap.String("conn", connID),
				zap.Any("panic", r),
			)
		}
	}()
	if !c.directory.Leave(roomID, connID) {
		return false
	}
	left = true
	c.broadcast(roomID, protocol.TypePeerDeparted, protocol.PeerDeparted{RoomID: roomID, PeerID: connID}, connID)
	if c.departures != nil {
		c.departures.RoomDeparted(roomID, connID)
	}
	return left
}

func (c *Coordinator) sendError(connID string, t protocol.Type, err error) {
	code := protocol.CodeFor(err)
	if errors.Is(err, ErrNotMember) {
		code = protocol.CodeNotMember
	}
	c.logger.Debug("frame rejected",
		zap.String("conn", connID),
		zap.String("type", string(t)),
		zap.String("code", code),
		zap.Error(err),
	)
	c.unicast(connID, protocol.TypeError, protocol.ErrorPayload{Code: code, Message: err.Error(), Type: t})
}

func (c *Coordinator) encode(t protocol.Type, payload any) []byte {
	frame, err := protocol.Encode(t, payload)
	if err != nil {
		c.logger.Error("encoding frame", zap.String("type", string(t)), zap.Error(err))
		return nil
	}
	return frame
}

func (c *Coordinator) unicast(connID string, t protocol.Type, payload any) {
	c.router.Unicast(connID, c.encode(t, payload))
}

func (c *Coordinator) broadcast(roomID string, t protocol.Type, payload any, exclude string) {
	c.router.Broadcast(roomID, c.encode(t, payload), exclude)
}

func (c *Coordinator) broadcastAll(t protocol.Type, payload any, exclude string) {
	c.router.BroadcastAll(c.encode(t, payload), exclude)
}
