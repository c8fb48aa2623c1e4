// Package socketio implements the fleet's real-time channel to the
// upstream bot host: a Socket.IO-style event protocol (JSON envelopes
// over a WebSocket transport) carrying a FIFO, cancellable
// outgoing-command queue. Conversation events flow outward as
// fire-and-forget bot_request envelopes; the host issues commands with
// bot_response, each answered first with request_queued and then, once
// the single queue processor has executed it, with a request_success
// (carrying message ids or fetched history) or request_failed reply
// scoped to the originating connection.
package socketio

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chatmesh/adapters/internal/event"
	"github.com/chatmesh/adapters/pkg/websocket"
)

// envelope is the wire shape of every message in either direction:
// {"event": "<name>", "data": {...}}.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// OutgoingRequest is one queued bot command awaiting the queue
// processor.
type OutgoingRequest struct {
	ID         string
	ConnID     string
	EventType  string
	Data       json.RawMessage
	EnqueuedAt time.Time
}

// Result is the outcome of processing one outgoing request, shaped for
// the request_success/request_failed reply: message ids for
// send/edit-style commands, a history window for fetch_history.
type Result struct {
	Completed  bool
	MessageIDs []string
	History    []map[string]interface{}
}

// Handler executes one outgoing request against the adapter fleet. The
// context carries the per-request deadline; an expired context should
// surface as Completed=false, not a hang.
type Handler func(ctx context.Context, req OutgoingRequest) Result

// Config bounds the transport and the request pipeline.
type Config struct {
	Addr              string
	Path              string
	MaxConnections    int
	RequestTimeout    time.Duration
	AllowedOrigins    []string
	InactivityTimeout time.Duration
}

// Server is the Socket.IO-style event bus: a WebSocket transport plus
// the queued, cancellable command pipeline layered on top of it.
type Server struct {
	cfg Config
	ws  *websocket.Server
	log *slog.Logger

	// Process executes each dequeued request. Must be set before Start.
	Process Handler

	mu        sync.Mutex
	queue     []*OutgoingRequest
	cancelled map[string]struct{}
	wake      chan struct{}
	stop      chan struct{}
}

// NewServer builds a socketio Server. Call Start to begin accepting
// connections and processing queued requests.
func NewServer(cfg Config, log *slog.Logger) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		cfg:       cfg,
		log:       log.With("component", "socketio_server"),
		cancelled: make(map[string]struct{}),
		wake:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
	}
	s.ws = websocket.NewServer(websocket.Config{
		Addr:              cfg.Addr,
		Path:              cfg.Path,
		MaxConnections:    cfg.MaxConnections,
		AllowedOrigins:    cfg.AllowedOrigins,
		InactivityTimeout: cfg.InactivityTimeout,
		MessageHandler:    s.handleMessage,
		ConnectHandler:    s.handleConnect,
		DisconnectHandler: s.handleDisconnect,
	})
	return s
}

// Start brings up the transport and the queue processor.
func (s *Server) Start() error {
	if err := s.ws.Start(); err != nil {
		return err
	}
	go s.processLoop()
	return nil
}

// Stop tears the server down.
func (s *Server) Stop() error {
	close(s.stop)
	return s.ws.Stop()
}

func (s *Server) handleConnect(connID string) {
	s.log.Info("bot host connected", "conn", connID)
	s.sendTo(connID, "connect", map[string]interface{}{"conn_id": connID})
}

func (s *Server) handleDisconnect(connID string) {
	s.log.Info("bot host disconnected", "conn", connID)
}

func (s *Server) handleMessage(connID string, raw []byte) error {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("socketio: malformed envelope from %s: %w", connID, err)
	}
	switch env.Event {
	case "cancel_request":
		var data struct {
			RequestID string `json:"request_id"`
		}
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return fmt.Errorf("socketio: malformed cancel_request: %w", err)
		}
		s.cancelRequest(connID, data.RequestID)
	case "bot_response":
		var data struct {
			EventType string          `json:"event_type"`
			Data      json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return fmt.Errorf("socketio: malformed bot_response: %w", err)
		}
		s.enqueueOutgoing(connID, data.EventType, data.Data)
	default:
		return fmt.Errorf("socketio: unknown event %q from %s", env.Event, connID)
	}
	return nil
}

// enqueueOutgoing mints a request id for one bot command, appends it
// to the FIFO queue, replies request_queued, and wakes the processor.
func (s *Server) enqueueOutgoing(connID, eventType string, data json.RawMessage) string {
	req := &OutgoingRequest{
		ID:         uuid.NewString(),
		ConnID:     connID,
		EventType:  eventType,
		Data:       data,
		EnqueuedAt: time.Now(),
	}
	s.mu.Lock()
	s.queue = append(s.queue, req)
	s.mu.Unlock()

	s.sendTo(connID, "request_queued", map[string]interface{}{"request_id": req.ID})
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return req.ID
}

// cancelRequest implements best-effort cancellation: a
// request still in queue is dropped and the cancel succeeds; anything
// already handed to the processor (or never seen) fails the cancel.
// In-flight platform calls are not aborted.
func (s *Server) cancelRequest(connID, requestID string) {
	s.mu.Lock()
	found := false
	for i, r := range s.queue {
		if r.ID == requestID {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			s.cancelled[requestID] = struct{}{}
			found = true
			break
		}
	}
	s.mu.Unlock()

	reply := "request_failed"
	if found {
		reply = "request_success"
	}
	s.sendTo(connID, reply, map[string]interface{}{"request_id": requestID})
}

// processLoop is the single queue processor: it consumes
// requests FIFO, skips cancelled ones, executes each through Process,
// and reports the outcome to the originating connection. Unexpected
// panics are caught and followed by a short sleep so a poisoned
// request can't spin the loop hot.
func (s *Server) processLoop() {
	for {
		select {
		case <-s.stop:
			return
		case <-s.wake:
		case <-time.After(time.Second):
		}
		for {
			req, ok := s.pop()
			if !ok {
				break
			}
			s.processOne(req)
		}
	}
}

func (s *Server) pop() (*OutgoingRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.queue) > 0 {
		req := s.queue[0]
		s.queue = s.queue[1:]
		if _, dropped := s.cancelled[req.ID]; dropped {
			delete(s.cancelled, req.ID)
			continue
		}
		return req, true
	}
	return nil, false
}

func (s *Server) processOne(req *OutgoingRequest) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("request processing panicked", "request_id", req.ID, "panic", r)
			s.sendTo(req.ConnID, "request_failed", map[string]interface{}{"request_id": req.ID})
			time.Sleep(time.Second)
		}
	}()

	if s.Process == nil {
		s.sendTo(req.ConnID, "request_failed", map[string]interface{}{"request_id": req.ID})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
	res := s.Process(ctx, *req)
	cancel()

	if !res.Completed {
		s.sendTo(req.ConnID, "request_failed", map[string]interface{}{"request_id": req.ID})
		return
	}
	payload := map[string]interface{}{"request_id": req.ID}
	if len(res.MessageIDs) > 0 {
		payload["message_ids"] = res.MessageIDs
	}
	if res.History != nil {
		payload["history"] = res.History
	}
	s.sendTo(req.ConnID, "request_success", payload)
}

// EmitEvent pushes one canonical conversation event to every connected
// bot host as a bot_request envelope. Delivery is best-effort: inbound
// events are never queued for retry.
func (s *Server) EmitEvent(adapterType string, ev event.Event) {
	data := make(map[string]interface{}, len(ev.Payload)+1)
	for k, v := range ev.Payload {
		data[k] = v
	}
	data["adapter_name"] = adapterType
	s.broadcast("bot_request", map[string]interface{}{
		"adapter_type": adapterType,
		"event_type":   ev.Type,
		"data":         data,
	})
}

// sendTo writes one envelope to a single connection, falling back to a
// log line when the connection is gone (the reply has nowhere else to
// go).
func (s *Server) sendTo(connID, eventName string, data interface{}) {
	env, err := s.marshalEnvelope(eventName, data)
	if err != nil {
		return
	}
	if err := s.ws.Send(connID, env); err != nil {
		s.log.Warn("reply dropped", "event", eventName, "conn", connID, "error", err)
	}
}

func (s *Server) broadcast(eventName string, data interface{}) {
	env, err := s.marshalEnvelope(eventName, data)
	if err != nil {
		return
	}
	s.ws.Broadcast(env)
}

func (s *Server) marshalEnvelope(eventName string, data interface{}) ([]byte, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		s.log.Error("marshal payload failed", "event", eventName, "error", err)
		return nil, err
	}
	env, err := json.Marshal(envelope{Event: eventName, Data: payload})
	if err != nil {
		s.log.Error("marshal envelope failed", "event", eventName, "error", err)
		return nil, err
	}
	return env, nil
}

// QueueDepth reports how many requests are waiting for the processor.
func (s *Server) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}
