// Package websocket provides a WebSocket server built on
// gorilla/websocket, used as the transport underneath pkg/socketio's
// event protocol.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// MessageHandler handles one inbound message from a connection.
type MessageHandler func(connID string, message []byte) error

// ConnectHandler is invoked once a connection completes its upgrade.
type ConnectHandler func(connID string)

// DisconnectHandler is invoked once a connection is torn down.
type DisconnectHandler func(connID string)

// Config holds WebSocket server configuration.
type Config struct {
	Addr              string
	Path              string
	AllowedOrigins    []string
	MaxConnections    int
	InactivityTimeout time.Duration
	MessageHandler    MessageHandler
	ConnectHandler    ConnectHandler
	DisconnectHandler DisconnectHandler
}

// conn tracks one upgraded WebSocket connection.
type conn struct {
	id           string
	ws           *websocket.Conn
	writeMu      sync.Mutex
	lastActivity time.Time
}

// Server is a WebSocket server managing a registry of live connections.
type Server struct {
	config   Config
	upgrader websocket.Upgrader
	log      *slog.Logger

	httpSrv *http.Server

	mu    sync.RWMutex
	conns map[string]*conn

	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer builds a WebSocket server from cfg.
func NewServer(cfg Config) *Server {
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	s := &Server{
		config: cfg,
		conns:  make(map[string]*conn),
		log:    slog.Default().With("component", "websocket_server"),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.config.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range s.config.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// Start brings up the HTTP listener and begins accepting connections.
func (s *Server) Start() error {
	s.ctx, s.cancel = context.WithCancel(context.Background())

	mux := http.NewServeMux()
	mux.HandleFunc(s.config.Path, s.handleUpgrade)
	s.httpSrv = &http.Server{Addr: s.config.Addr, Handler: mux}

	if s.config.InactivityTimeout > 0 {
		go s.reapInactive()
	}

	ln := make(chan error, 1)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			ln <- err
			return
		}
		ln <- nil
	}()

	select {
	case err := <-ln:
		if err != nil {
			return fmt.Errorf("websocket: listen on %s: %w", s.config.Addr, err)
		}
	case <-time.After(100 * time.Millisecond):
		// Server accepted the listener; treat as started.
	}
	return nil
}

// Stop closes every connection and shuts the listener down.
func (s *Server) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Lock()
	for id, c := range s.conns {
		_ = c.ws.Close()
		delete(s.conns, id)
	}
	s.mu.Unlock()

	if s.httpSrv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	full := s.config.MaxConnections > 0 && len(s.conns) >= s.config.MaxConnections
	s.mu.RUnlock()
	if full {
		http.Error(w, "connection limit reached", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("upgrade failed", "error", err)
		return
	}

	id := connID()
	c := &conn{id: id, ws: ws, lastActivity: time.Now()}
	s.mu.Lock()
	s.conns[id] = c
	s.mu.Unlock()

	if s.config.ConnectHandler != nil {
		s.config.ConnectHandler(id)
	}

	s.readLoop(c)
}

func (s *Server) readLoop(c *conn) {
	defer s.disconnect(c.id)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		c.writeMu.Lock()
		c.lastActivity = time.Now()
		c.writeMu.Unlock()
		if s.config.MessageHandler != nil {
			if err := s.config.MessageHandler(c.id, data); err != nil {
				s.log.Warn("message handler failed", "conn", c.id, "error", err)
			}
		}
	}
}

func (s *Server) disconnect(id string) {
	s.mu.Lock()
	c, ok := s.conns[id]
	if ok {
		delete(s.conns, id)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	_ = c.ws.Close()
	if s.config.DisconnectHandler != nil {
		s.config.DisconnectHandler(id)
	}
}

// Send writes data to a single connection as a text frame.
func (s *Server) Send(connID string, data []byte) error {
	s.mu.RLock()
	c, ok := s.conns[connID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("websocket: connection %s not found", connID)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Broadcast writes data to every live connection, skipping (and
// logging) any write that fails rather than aborting the rest.
func (s *Server) Broadcast(data []byte) {
	s.mu.RLock()
	targets := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		targets = append(targets, c)
	}
	s.mu.RUnlock()

	for _, c := range targets {
		c.writeMu.Lock()
		err := c.ws.WriteMessage(websocket.TextMessage, data)
		c.writeMu.Unlock()
		if err != nil {
			s.log.Warn("broadcast write failed", "conn", c.id, "error", err)
		}
	}
}

// Disconnect forcibly closes one connection.
func (s *Server) Disconnect(connID string) {
	s.disconnect(connID)
}

func (s *Server) reapInactive() {
	ticker := time.NewTicker(s.config.InactivityTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-s.config.InactivityTimeout)
			s.mu.RLock()
			var stale []string
			for id, c := range s.conns {
				c.writeMu.Lock()
				last := c.lastActivity
				c.writeMu.Unlock()
				if last.Before(cutoff) {
					stale = append(stale, id)
				}
			}
			s.mu.RUnlock()
			for _, id := range stale {
				s.disconnect(id)
			}
		}
	}
}

// Addr returns the configured listen address.
func (s *Server) Addr() string { return s.config.Addr }

// Path returns the configured upgrade path.
func (s *Server) Path() string { return s.config.Path }

// ConnectionCount reports the number of live connections.
func (s *Server) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

var connSeq struct {
	mu sync.Mutex
	n  int64
}

func connID() string {
	connSeq.mu.Lock()
	defer connSeq.mu.Unlock()
	connSeq.n++
	return fmt.Sprintf("conn-%d-%d", time.Now().UnixNano(), connSeq.n)
}
