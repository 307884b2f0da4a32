package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/playhub/internal/config"
	"github.com/cory-johannsen/playhub/internal/protocol"
	"github.com/cory-johannsen/playhub/internal/relay"
	"github.com/cory-johannsen/playhub/internal/testutil"
)

const wait = 2 * time.Second

func testRelayConfig() config.RelayConfig {
	return config.RelayConfig{
		QueueSize:     64,
		OutboxSize:    64,
		MaxFrameBytes: 4096,
		MaxChatLength: 200,
		InboundRate:   1000,
		InboundBurst:  1000,
		WriteTimeout:  time.Second,
		PingInterval:  time.Second,
		PongTimeout:   3 * time.Second,
	}
}

type fixture struct {
	coord *relay.Coordinator
	srv   *Server
	ts    *httptest.Server
}

func newFixture(t *testing.T, relayCfg config.RelayConfig, opts ...Option) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	coord := relay.NewCoordinator(relay.Options{QueueSize: relayCfg.QueueSize, MaxChatLength: relayCfg.MaxChatLength}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = coord.Run(ctx)
	}()

	httpCfg := config.HTTPConfig{Host: "127.0.0.1", AllowedOrigins: []string{"http://allowed.test"}}
	srv := NewServer(httpCfg, relayCfg, coord, logger, opts...)
	ts := httptest.NewServer(srv.Handler())

	t.Cleanup(func() {
		cancel()
		<-done
		// Stopping the coordinator closes every outbox, which ends each socket.
		srv.wg.Wait()
		ts.Close()
	})
	return &fixture{coord: coord, srv: srv, ts: ts}
}

func (f *fixture) dial(t *testing.T) (*testutil.WSClient, string) {
	t.Helper()
	c := testutil.NewWSClient(t, testutil.WebSocketURL(f.ts.URL))
	var w protocol.Welcome
	c.Decode(c.ReadUntil(protocol.TypeWelcome, wait), &w)
	require.NotEmpty(t, w.ConnectionID)
	return c, w.ConnectionID
}

func TestEndToEndJoinSignalDisconnect(t *testing.T) {
	f := newFixture(t, testRelayConfig())
	a, aID := f.dial(t)
	b, bID := f.dial(t)

	a.Send(protocol.TypeRoomJoin, protocol.Join{RoomID: "voice"})
	var info protocol.RoomInfo
	a.Decode(a.ReadUntil(protocol.TypeRoomInfo, wait), &info)
	assert.Equal(t, 1, info.UserCount)

	b.Send(protocol.TypeRoomJoin, protocol.Join{RoomID: "voice"})
	var peer protocol.PeerAvailable
	a.Decode(a.ReadUntil(protocol.TypePeerAvailable, wait), &peer)
	assert.Equal(t, bID, peer.PeerID)
	b.Decode(b.ReadUntil(protocol.TypeRoomInfo, wait), &info)
	assert.Equal(t, 2, info.UserCount)

	a.Send(protocol.TypeSignal, protocol.SignalRequest{To: bID, Payload: json.RawMessage(`{"sdp":"offer"}`)})
	var sig protocol.SignalRelay
	b.Decode(b.ReadUntil(protocol.TypeSignal, wait), &sig)
	assert.Equal(t, aID, sig.From)
	assert.JSONEq(t, `{"sdp":"offer"}`, string(sig.Payload))

	a.Close()
	var departed protocol.PeerDeparted
	b.Decode(b.ReadUntil(protocol.TypePeerDeparted, wait), &departed)
	assert.Equal(t, aID, departed.PeerID)

	require.Eventually(t, func() bool {
		return len(f.coord.Directory().MembersOf("voice")) == 1
	}, wait, 10*time.Millisecond)
}

func TestChatEchoOverSocket(t *testing.T) {
	f := newFixture(t, testRelayConfig())
	a, _ := f.dial(t)
	a.Send(protocol.TypeRoomJoin, protocol.Join{RoomID: "lobby", DisplayName: "Alice"})
	a.ReadUntil(protocol.TypeRoomInfo, wait)

	a.Send(protocol.TypeRoomMessage, protocol.Chat{RoomID: "lobby", Text: "hello"})
	var msg protocol.RoomMessage
	a.Decode(a.ReadUntil(protocol.TypeRoomMessage, wait), &msg)
	assert.Equal(t, "Alice", msg.Author)
	assert.Equal(t, "hello", msg.Text)
}

func TestBinaryFrameRejected(t *testing.T) {
	f := newFixture(t, testRelayConfig())
	url := testutil.WebSocketURL(f.ts.URL)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{0x01}))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(wait)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		env, err := protocol.Decode(data)
		require.NoError(t, err)
		if env.Type != protocol.TypeError {
			continue
		}
		var e protocol.ErrorPayload
		require.NoError(t, json.Unmarshal(env.Payload, &e))
		assert.Equal(t, protocol.CodeMalformedPayload, e.Code)
		return
	}
}

func TestRateLimitedFramesRejected(t *testing.T) {
	cfg := testRelayConfig()
	cfg.InboundRate = 0.001
	cfg.InboundBurst = 1
	f := newFixture(t, cfg)
	a, _ := f.dial(t)

	a.Send(protocol.TypeRoomJoin, protocol.Join{RoomID: "r"})
	a.Send(protocol.TypeRoomJoin, protocol.Join{RoomID: "r2"})

	var e protocol.ErrorPayload
	a.Decode(a.ReadUntil(protocol.TypeError, wait), &e)
	assert.Equal(t, protocol.CodeRateLimited, e.Code)
	assert.False(t, f.coord.Directory().Exists("r2"))
}

type stubResolver struct {
	names map[string]string
}

func (r stubResolver) DisplayName(_ context.Context, userID string) (string, error) {
	if name, ok := r.names[userID]; ok {
		return name, nil
	}
	return "", errors.New("no such user")
}

func TestIdentifyResolvesMissingName(t *testing.T) {
	resolver := stubResolver{names: map[string]string{"7": "Resolved"}}
	f := newFixture(t, testRelayConfig(), WithNameResolver(resolver, time.Second))
	a, aID := f.dial(t)

	a.Send(protocol.TypeIdentify, map[string]string{"userId": "7"})
	a.ReadUntil(protocol.TypeConnectedCount, wait)

	p, ok := f.coord.Registry().Lookup(aID)
	require.True(t, ok)
	assert.Equal(t, "Resolved", p.DisplayName)

	a.Send(protocol.TypeIdentify, map[string]string{"userId": "unknown"})
	var e protocol.ErrorPayload
	a.Decode(a.ReadUntil(protocol.TypeError, wait), &e)
	assert.Equal(t, protocol.CodeMalformedPayload, e.Code)
}

func TestOriginAllowList(t *testing.T) {
	f := newFixture(t, testRelayConfig())
	url := testutil.WebSocketURL(f.ts.URL)

	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": []string{"http://evil.test"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": []string{"http://allowed.test"}})
	require.NoError(t, err)
	conn.Close()
}

func TestStatusAndHealth(t *testing.T) {
	f := newFixture(t, testRelayConfig(), WithServiceName("hub-test"))
	a, _ := f.dial(t)
	a.Send(protocol.TypeIdentify, protocol.Identify{DisplayName: "Alice"})
	a.Send(protocol.TypeRoomJoin, protocol.Join{RoomID: "r"})
	a.ReadUntil(protocol.TypeRoomInfo, wait)

	resp, err := http.Get(f.ts.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status statusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, statusResponse{Service: "hub-test", ConnectedUsers: 1, AttachedConnections: 1, ActiveRooms: 1}, status)

	health, err := http.Get(f.ts.URL + "/healthz")
	require.NoError(t, err)
	defer health.Body.Close()
	assert.Equal(t, http.StatusOK, health.StatusCode)

	missing, err := http.Get(f.ts.URL + "/nope")
	require.NoError(t, err)
	defer missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestServerListenAndStop(t *testing.T) {
	logger := zaptest.NewLogger(t)
	coord := relay.NewCoordinator(relay.Options{}, logger)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = coord.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	srv := NewServer(config.HTTPConfig{Host: "127.0.0.1", Port: 0, AllowedOrigins: []string{"*"}}, testRelayConfig(), coord, logger)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	require.Eventually(t, func() bool { return srv.IsRunning() && srv.Addr() != "" }, wait, 10*time.Millisecond)

	client := testutil.NewWSClient(t, "ws://"+srv.Addr()+"/ws")
	client.ReadUntil(protocol.TypeWelcome, wait)

	srv.Stop()
	client.ExpectClosed(wait)

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(wait):
		t.Fatal("ListenAndServe did not return")
	}
	assert.False(t, srv.IsRunning())
}
