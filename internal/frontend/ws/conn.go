package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/cory-johannsen/playhub/internal/observability"
	"github.com/cory-johannsen/playhub/internal/protocol"
	"github.com/cory-johannsen/playhub/internal/session"
)

const detachTimeout = 5 * time.Second

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	select {
	case <-s.quit:
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error response.
		s.logger.Debug("websocket upgrade failed",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err),
		)
		return
	}

	s.wg.Add(1)
	defer s.wg.Done()
	s.handleConn(conn, r.RemoteAddr)
}

// handleConn owns one socket: it attaches the connection, runs the writer on
// a second goroutine, reads until the socket fails, then detaches.
func (s *Server) handleConn(conn *websocket.Conn, remote string) {
	start := time.Now()
	connID := uuid.NewString()
	logger := observability.ForConnection(s.logger, connID, remote)
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		select {
		case <-s.quit:
			cancel()
		case <-ctx.Done():
		}
	}()

	outbox := session.NewOutbox(connID, s.relayCfg.OutboxSize)
	if err := s.coord.Attach(ctx, connID, outbox); err != nil {
		logger.Warn("attach failed", zap.Error(err))
		return
	}
	logger.Info("client connected")

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writePump(ctx, conn, outbox, logger)
	}()

	err := s.readPump(ctx, conn, connID, outbox, logger)

	dctx, dcancel := context.WithTimeout(context.Background(), detachTimeout)
	if derr := s.coord.Detach(dctx, connID); derr != nil {
		logger.Debug("detach not queued", zap.Error(derr))
		outbox.Close()
	}
	dcancel()

	<-writerDone
	cancel()

	if err != nil && !isExpectedClose(err) {
		logger.Debug("session ended",
			zap.Error(err),
			zap.Duration("duration", time.Since(start)),
		)
		return
	}
	logger.Info("session ended cleanly", zap.Duration("duration", time.Since(start)))
}

func isExpectedClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) ||
		errors.Is(err, context.Canceled)
}

// readPump decodes inbound frames and submits them to the coordinator.
func (s *Server) readPump(ctx context.Context, conn *websocket.Conn, connID string, outbox *session.Outbox, logger *zap.Logger) error {
	conn.SetReadLimit(s.relayCfg.MaxFrameBytes)
	extend := func() { _ = conn.SetReadDeadline(time.Now().Add(s.relayCfg.PongTimeout)) }
	extend()
	conn.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	limiter := rate.NewLimiter(rate.Limit(s.relayCfg.InboundRate), s.relayCfg.InboundBurst)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		extend()

		if msgType != websocket.TextMessage {
			s.reject(outbox, protocol.CodeMalformedPayload, "only text frames are accepted", logger)
			continue
		}
		if !limiter.Allow() {
			s.reject(outbox, protocol.CodeRateLimited, "too many frames", logger)
			continue
		}

		data = s.resolveIdentity(ctx, data, logger)
		if err := s.coord.Deliver(ctx, connID, data); err != nil {
			return fmt.Errorf("delivering frame: %w", err)
		}
	}
}

// writePump drains the outbox to the socket and pings on an interval. It
// returns when the outbox is closed, the context ends, or a write fails.
func (s *Server) writePump(ctx context.Context, conn *websocket.Conn, outbox *session.Outbox, logger *zap.Logger) {
	ticker := time.NewTicker(s.relayCfg.PingInterval)
	defer ticker.Stop()

	closeWith := func(code int, text string) {
		deadline := time.Now().Add(s.relayCfg.WriteTimeout)
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), deadline)
		// Unblocks the reader.
		_ = conn.Close()
	}

	for {
		select {
		case <-ctx.Done():
			closeWith(websocket.CloseGoingAway, "server shutting down")
			return
		case frame, ok := <-outbox.Frames():
			if !ok {
				closeWith(websocket.CloseNormalClosure, "")
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(s.relayCfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				logger.Debug("write failed", zap.Error(err))
				_ = conn.Close()
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(s.relayCfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				logger.Debug("ping failed", zap.Error(err))
				_ = conn.Close()
				return
			}
		}
	}
}

// reject queues an error frame directly on the outbox, bypassing the coordinator.
func (s *Server) reject(outbox *session.Outbox, code, message string, logger *zap.Logger) {
	frame, err := protocol.Encode(protocol.TypeError, protocol.ErrorPayload{Code: code, Message: message})
	if err != nil {
		logger.Error("encoding error frame", zap.Error(err))
		return
	}
	if err := outbox.Push(frame); err != nil {
		logger.Debug("error frame not queued", zap.Error(err))
	}
}

// resolveIdentity fills in the display name of an identify frame that names a
// user but no display name. Any failure leaves the frame unchanged.
func (s *Server) resolveIdentity(ctx context.Context, frame []byte, logger *zap.Logger) []byte {
	if s.resolver == nil {
		return frame
	}
	env, err := protocol.Decode(frame)
	if err != nil || env.Type != protocol.TypeIdentify {
		return frame
	}
	p, err := protocol.ParseIdentify(env.Payload)
	if err != nil || p.UserID == "" || p.DisplayName != "" {
		return frame
	}

	lctx, cancel := context.WithTimeout(ctx, s.lookupTimeout)
	defer cancel()
	name, err := s.resolver.DisplayName(lctx, p.UserID)
	if err != nil {
		logger.Debug("display name lookup failed", zap.String("user", p.UserID), zap.Error(err))
		return frame
	}
	p.DisplayName = name
	out, err := protocol.Encode(protocol.TypeIdentify, p)
	if err != nil {
		return frame
	}
	return out
}
