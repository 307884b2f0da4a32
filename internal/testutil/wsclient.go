package testutil

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cory-johannsen/playhub/internal/protocol"
)

// WSClient is a WebSocket test client speaking the relay's JSON frames.
type WSClient struct {
	conn *websocket.Conn
	t    *testing.T
}

// WebSocketURL turns an httptest base URL ("http://127.0.0.1:1234") into the
// relay's upgrade URL.
func WebSocketURL(baseURL string) string {
	return "ws" + strings.TrimPrefix(baseURL, "http") + "/ws"
}

// NewWSClient dials url and returns a test client.
//
// Precondition: url must be a ws:// URL with a listening server.
// Postcondition: Returns a connected WSClient or fails the test.
func NewWSClient(t *testing.T, url string) *WSClient {
	t.Helper()
	start := time.Now()

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, resp, err := dialer.Dial(url, http.Header{})
	if err != nil {
		t.Fatalf("connecting to %s: %v [%s]", url, err, time.Since(start))
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	t.Cleanup(func() {
		conn.Close()
	})

	t.Logf("ws client connected to %s [%s]", url, time.Since(start))
	return &WSClient{conn: conn, t: t}
}

// Send encodes payload as a frame of type typ and writes it.
func (c *WSClient) Send(typ protocol.Type, payload any) {
	c.t.Helper()
	frame, err := protocol.Encode(typ, payload)
	if err != nil {
		c.t.Fatalf("encoding %s: %v", typ, err)
	}
	c.SendRaw(frame)
}

// SendRaw writes data as a single text frame.
func (c *WSClient) SendRaw(data []byte) {
	c.t.Helper()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.t.Fatalf("sending %q: %v", data, err)
	}
}

// Next reads the next frame or fails on timeout.
func (c *WSClient) Next(timeout time.Duration) protocol.Envelope {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		c.t.Fatalf("reading frame: %v", err)
	}
	env, err := protocol.Decode(data)
	if err != nil {
		c.t.Fatalf("decoding frame %q: %v", data, err)
	}
	return env
}

// ReadUntil reads frames, discarding others, until one of type typ arrives.
//
// Postcondition: Returns the matching envelope, or fails on timeout.
func (c *WSClient) ReadUntil(typ protocol.Type, timeout time.Duration) protocol.Envelope {
	c.t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			c.t.Fatalf("no %s frame within %s", typ, timeout)
		}
		env := c.Next(remaining)
		if env.Type == typ {
			return env
		}
	}
}

// Decode unmarshals env's payload into v or fails the test.
func (c *WSClient) Decode(env protocol.Envelope, v any) {
	c.t.Helper()
	if err := json.Unmarshal(env.Payload, v); err != nil {
		c.t.Fatalf("decoding %s payload: %v", env.Type, err)
	}
}

// ExpectClosed waits for the server to close the connection.
func (c *WSClient) ExpectClosed(timeout time.Duration) {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if _, ok := err.(*websocket.CloseError); ok {
				return
			}
			if strings.Contains(err.Error(), "timeout") {
				c.t.Fatalf("connection still open after %s", timeout)
			}
			return
		}
	}
}

// Close closes the underlying connection.
func (c *WSClient) Close() {
	c.conn.Close()
}
