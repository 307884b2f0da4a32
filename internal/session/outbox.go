// Package session tracks connected participants, their outbound frame queues,
// and room membership for the relay.
package session

import (
	"fmt"
	"sync"
)

// DefaultOutboxSize is used when NewOutbox is given a non-positive size.
const DefaultOutboxSize = 64

// Outbox is a per-connection FIFO queue of encoded frames. It is filled by the
// coordinator goroutine and drained by exactly one transport writer goroutine.
type Outbox struct {
	connID string
	frames chan []byte
	mu     sync.Mutex
	closed bool
}

// NewOutbox creates an Outbox for the given connection id.
//
// Precondition: connID must be non-empty.
// Postcondition: Returns an Outbox with an open frames channel.
func NewOutbox(connID string, size int) *Outbox {
	if size <= 0 {
		size = DefaultOutboxSize
	}
	return &Outbox{
		connID: connID,
		frames: make(chan []byte, size),
	}
}

// ConnID returns the owning connection id.
func (o *Outbox) ConnID() string {
	return o.connID
}

// Push enqueues a frame without blocking.
//
// Postcondition: The frame is queued, or an error is returned if the outbox is
// closed or full. A full outbox never blocks the caller.
func (o *Outbox) Push(frame []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return fmt.Errorf("outbox %s is closed", o.connID)
	}
	select {
	case o.frames <- frame:
		return nil
	default:
		return fmt.Errorf("outbox %s buffer full", o.connID)
	}
}

// Frames returns the channel the writer goroutine drains. It is closed by Close.
func (o *Outbox) Frames() <-chan []byte {
	return o.frames
}

// Close marks the outbox closed and closes the frames channel. Frames queued
// before Close remain readable.
//
// Postcondition: Further Push calls return an error. Close is idempotent.
func (o *Outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.closed {
		o.closed = true
		close(o.frames)
	}
}

// IsClosed reports whether the outbox has been closed.
func (o *Outbox) IsClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}
