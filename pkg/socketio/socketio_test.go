package socketio

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/chatmesh/adapters/internal/event"
)

func newTestServer() *Server {
	return NewServer(Config{RequestTimeout: time.Hour}, nil)
}

func TestEnqueueOutgoingAssignsIDAndQueues(t *testing.T) {
	s := newTestServer()
	id := s.enqueueOutgoing("conn1", "send_message", json.RawMessage(`{"conversation_id":"c1","text":"hi"}`))
	if id == "" {
		t.Fatal("enqueueOutgoing should return a non-empty request id")
	}
	if s.QueueDepth() != 1 {
		t.Errorf("QueueDepth() = %d, want 1", s.QueueDepth())
	}
}

func TestPopIsFIFO(t *testing.T) {
	s := newTestServer()
	first := s.enqueueOutgoing("conn1", "send_message", nil)
	second := s.enqueueOutgoing("conn1", "delete_message", nil)

	req, ok := s.pop()
	if !ok || req.ID != first {
		t.Fatalf("pop() = %+v, want the first queued request %s", req, first)
	}
	req, ok = s.pop()
	if !ok || req.ID != second {
		t.Fatalf("pop() = %+v, want the second queued request %s", req, second)
	}
	if _, ok := s.pop(); ok {
		t.Error("pop() on an empty queue should report no request")
	}
}

func TestCancelQueuedRequestDropsIt(t *testing.T) {
	s := newTestServer()
	id := s.enqueueOutgoing("conn1", "send_message", nil)

	s.cancelRequest("conn1", id)

	if s.QueueDepth() != 0 {
		t.Errorf("QueueDepth() after cancelling a queued request = %d, want 0", s.QueueDepth())
	}
	if _, ok := s.pop(); ok {
		t.Error("a cancelled request should never reach the processor")
	}
}

func TestCancelUnknownRequestLeavesQueueAlone(t *testing.T) {
	s := newTestServer()
	s.enqueueOutgoing("conn1", "send_message", nil)

	s.cancelRequest("conn1", "never-queued")

	if s.QueueDepth() != 1 {
		t.Errorf("QueueDepth() = %d, want the unrelated request still queued", s.QueueDepth())
	}
}

func TestPopSkipsCancelledEntries(t *testing.T) {
	s := newTestServer()
	doomed := s.enqueueOutgoing("conn1", "send_message", nil)
	survivor := s.enqueueOutgoing("conn1", "delete_message", nil)

	// Mark cancelled directly without removing from the queue, the
	// state pop has to defend against if a cancel races the processor.
	s.mu.Lock()
	s.cancelled[doomed] = struct{}{}
	s.mu.Unlock()

	req, ok := s.pop()
	if !ok || req.ID != survivor {
		t.Fatalf("pop() = %+v, want the surviving request %s", req, survivor)
	}
}

func TestProcessOneInvokesHandler(t *testing.T) {
	s := newTestServer()
	var got OutgoingRequest
	s.Process = func(ctx context.Context, req OutgoingRequest) Result {
		got = req
		return Result{Completed: true, MessageIDs: []string{"m1"}}
	}
	s.enqueueOutgoing("conn1", "send_message", json.RawMessage(`{"conversation_id":"c1","text":"hi"}`))

	req, _ := s.pop()
	s.processOne(req)

	if got.EventType != "send_message" {
		t.Errorf("handler received %+v, want the queued send_message request", got)
	}
}

func TestProcessOneWithoutHandlerDoesNotPanic(t *testing.T) {
	s := newTestServer()
	s.enqueueOutgoing("conn1", "send_message", nil)
	req, _ := s.pop()
	s.processOne(req) // only asserting it returns
}

func TestProcessOneRecoversFromPanic(t *testing.T) {
	s := NewServer(Config{RequestTimeout: time.Hour}, nil)
	s.Process = func(ctx context.Context, req OutgoingRequest) Result {
		panic("boom")
	}
	s.enqueueOutgoing("conn1", "send_message", nil)
	req, _ := s.pop()
	s.processOne(req) // must not propagate the panic
}

func TestHandleMessageBotResponseQueues(t *testing.T) {
	s := newTestServer()
	raw := []byte(`{"event":"bot_response","data":{"event_type":"send_message","data":{"conversation_id":"c1","text":"hi"}}}`)
	if err := s.handleMessage("conn1", raw); err != nil {
		t.Fatal(err)
	}
	if s.QueueDepth() != 1 {
		t.Errorf("QueueDepth() = %d, want 1 after a bot_response envelope", s.QueueDepth())
	}
	req, _ := s.pop()
	if req.EventType != "send_message" || req.ConnID != "conn1" {
		t.Errorf("queued request = %+v, want event_type=send_message conn=conn1", req)
	}
}

func TestHandleMessageCancelRequest(t *testing.T) {
	s := newTestServer()
	id := s.enqueueOutgoing("conn1", "send_message", nil)

	raw := []byte(`{"event":"cancel_request","data":{"request_id":"` + id + `"}}`)
	if err := s.handleMessage("conn1", raw); err != nil {
		t.Fatal(err)
	}
	if s.QueueDepth() != 0 {
		t.Errorf("QueueDepth() after a cancel_request envelope = %d, want 0", s.QueueDepth())
	}
}

func TestHandleMessageUnknownEventIsError(t *testing.T) {
	s := newTestServer()
	err := s.handleMessage("conn1", []byte(`{"event":"mystery","data":{}}`))
	if err == nil {
		t.Error("handleMessage should error on an unrecognized event name")
	}
}

func TestHandleMessageMalformedEnvelopeIsError(t *testing.T) {
	s := newTestServer()
	err := s.handleMessage("conn1", []byte(`not json`))
	if err == nil {
		t.Error("handleMessage should error on a malformed envelope")
	}
}

func TestEmitEventDoesNotQueue(t *testing.T) {
	s := newTestServer()
	s.EmitEvent("discord", event.Event{Type: event.MessageReceived, ConversationID: "c1"})
	if s.QueueDepth() != 0 {
		t.Error("EmitEvent is fire-and-forget and must not enter the request queue")
	}
}
