// Package ws is the WebSocket frontend: it upgrades HTTP connections, pumps
// frames between sockets and the relay coordinator, and serves the status
// and health endpoints.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cory-johannsen/playhub/internal/config"
	"github.com/cory-johannsen/playhub/internal/relay"
)

const shutdownGrace = 5 * time.Second

// Option customises a Server.
type Option func(*Server)

// WithNameResolver fills in missing display names on identify frames.
func WithNameResolver(r relay.NameResolver, timeout time.Duration) Option {
	return func(s *Server) {
		s.resolver = r
		s.lookupTimeout = timeout
	}
}

// WithServiceName sets the service name reported by the status endpoint.
func WithServiceName(name string) Option {
	return func(s *Server) { s.serviceName = name }
}

// Server accepts WebSocket connections and attaches each one to the coordinator.
type Server struct {
	httpCfg  config.HTTPConfig
	relayCfg config.RelayConfig
	coord    *relay.Coordinator
	logger   *zap.Logger
	upgrader websocket.Upgrader

	resolver      relay.NameResolver
	lookupTimeout time.Duration
	serviceName   string

	httpServer *http.Server
	listener   net.Listener
	wg         sync.WaitGroup
	quit       chan struct{}
	mu         sync.Mutex
	running    bool
}

// NewServer creates a WebSocket frontend.
//
// Precondition: coord and logger must be non-nil; configs must be validated.
// Postcondition: Returns a Server ready to be started with ListenAndServe.
func NewServer(httpCfg config.HTTPConfig, relayCfg config.RelayConfig, coord *relay.Coordinator, logger *zap.Logger, opts ...Option) *Server {
	s := &Server{
		httpCfg:       httpCfg,
		relayCfg:      relayCfg,
		coord:         coord,
		logger:        logger,
		lookupTimeout: 2 * time.Second,
		serviceName:   "playhub",
		quit:          make(chan struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.httpCfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	s.logger.Info("origin rejected", zap.String("origin", origin))
	return false
}

// Handler returns the HTTP routes served by the frontend.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.serveWS)
	mux.HandleFunc("GET /healthz", s.serveHealth)
	mux.HandleFunc("GET /{$}", s.serveStatus)
	return mux
}

// ListenAndServe binds the configured address and serves until Stop is called.
//
// Precondition: The server must not already be running.
// Postcondition: The listener is closed when this method returns.
func (s *Server) ListenAndServe() error {
	start := time.Now()

	listener, err := net.Listen("tcp", s.httpCfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.httpCfg.Addr(), err)
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.httpCfg.ReadHeaderTimeout,
	}

	s.mu.Lock()
	s.listener = listener
	s.httpServer = srv
	s.running = true
	s.mu.Unlock()

	s.logger.Info("websocket frontend listening",
		zap.String("addr", listener.Addr().String()),
		zap.Duration("startup", time.Since(start)),
	)

	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving http: %w", err)
	}
	return nil
}

// Stop closes the listener, tells every open socket to go away, and waits for
// their goroutines to exit.
//
// Postcondition: All connections are closed and goroutines have exited.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.quit)
	srv := s.httpServer
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		s.logger.Warn("http shutdown", zap.Error(err))
	}
	s.wg.Wait()

	s.logger.Info("websocket frontend stopped")
}

// Addr returns the actual listening address, or empty string if not yet listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// IsRunning returns whether the server is currently accepting connections.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

type statusResponse struct {
	Service             string `json:"service"`
	ConnectedUsers      int    `json:"connectedUsers"`
	AttachedConnections int    `json:"attachedConnections"`
	ActiveRooms         int    `json:"activeRooms"`
}

func (s *Server) serveStatus(w http.ResponseWriter, _ *http.Request) {
	stats := s.coord.Stats()
	writeJSON(w, statusResponse{
		Service:             s.serviceName,
		ConnectedUsers:      stats.ConnectedUsers,
		AttachedConnections: stats.AttachedConnections,
		ActiveRooms:         stats.ActiveRooms,
	})
}

func (s *Server) serveHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
