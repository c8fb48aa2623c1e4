package event

import (
	"strings"
	"testing"

	"github.com/chatmesh/adapters/internal/model"
)

func TestProcessNilDeltaIsError(t *testing.T) {
	p := NewIncomingProcessor()
	events, errs := p.Process(nil)
	if len(events) != 0 || len(errs) != 1 {
		t.Errorf("Process(nil) = (%v, %v), want (nil, 1 error)", events, errs)
	}
}

func TestProcessFetchHistoryEmitsConversationStarted(t *testing.T) {
	p := NewIncomingProcessor()
	delta := model.NewDelta("conv1")
	delta.FetchHistory = true

	events, errs := p.Process(delta)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(events) != 1 || events[0].Type != ConversationStarted {
		t.Errorf("events = %+v, want one conversation_started event", events)
	}
}

func TestProcessAddedMessageShapesMessageReceived(t *testing.T) {
	p := NewIncomingProcessor()
	delta := model.NewDelta("conv1")
	msg := model.NewCachedMessage("conv1", "m1")
	msg.Text = "hi"
	delta.AddedMessages = append(delta.AddedMessages, model.AddedMessageEntry{Message: msg, Mentions: []string{"u2"}, IsDirectMessage: true})

	events, errs := p.Process(delta)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(events) != 1 || events[0].Type != MessageReceived {
		t.Fatalf("events = %+v, want one message_received event", events)
	}
	payload := events[0].Payload
	if payload["message_id"] != "m1" || payload["is_direct_message"] != true {
		t.Errorf("payload = %+v, want message_id=m1 is_direct_message=true", payload)
	}
	if mentions, ok := payload["mentions"].([]string); !ok || len(mentions) != 1 {
		t.Errorf("payload mentions = %v, want [u2]", payload["mentions"])
	}
}

func TestProcessAddedMessageMissingIDIsSkippedWithError(t *testing.T) {
	p := NewIncomingProcessor()
	delta := model.NewDelta("conv1")
	delta.AddedMessages = append(delta.AddedMessages, model.AddedMessageEntry{Message: &model.CachedMessage{}})

	events, errs := p.Process(delta)
	if len(events) != 0 {
		t.Errorf("a malformed added message should not produce an event, got %+v", events)
	}
	if len(errs) != 1 {
		t.Errorf("expected one validation error, got %v", errs)
	}
}

func TestProcessDropsEmptyMessagesSilently(t *testing.T) {
	p := NewIncomingProcessor()
	delta := model.NewDelta("conv1")
	empty := model.NewCachedMessage("conv1", "m1")
	delta.AddedMessages = append(delta.AddedMessages, model.AddedMessageEntry{Message: empty})
	updated := model.NewCachedMessage("conv1", "m2")
	delta.UpdatedMessages = append(delta.UpdatedMessages, updated)

	events, errs := p.Process(delta)
	if len(events) != 0 {
		t.Errorf("messages with no text and no attachments should shape no events, got %+v", events)
	}
	if len(errs) != 0 {
		t.Errorf("dropping an empty message is not an error, got %v", errs)
	}

	// An attachment-only message still goes out.
	withAttachment := model.NewCachedMessage("conv1", "m3")
	withAttachment.Attachments["a1"] = struct{}{}
	delta = model.NewDelta("conv1")
	delta.AddedMessages = append(delta.AddedMessages, model.AddedMessageEntry{Message: withAttachment})
	events, _ = p.Process(delta)
	if len(events) != 1 || events[0].Type != MessageReceived {
		t.Errorf("an attachment-only message should still shape a message_received, got %+v", events)
	}
}

func TestProcessDeletedAndReactionsAndPins(t *testing.T) {
	p := NewIncomingProcessor()
	delta := model.NewDelta("conv1")
	delta.DeletedMessageIDs = append(delta.DeletedMessageIDs, "m1")
	delta.AddedReactions = append(delta.AddedReactions, model.ReactionDelta{MessageID: "m1", Emoji: "tada"})
	delta.RemovedReactions = append(delta.RemovedReactions, model.ReactionDelta{MessageID: "m1", Emoji: "heart"})
	delta.PinnedMessageIDs = append(delta.PinnedMessageIDs, "m1")
	delta.UnpinnedMessageIDs = append(delta.UnpinnedMessageIDs, "m2")

	events, errs := p.Process(delta)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	wantTypes := []Type{MessageDeleted, ReactionAdded, ReactionRemoved, MessagePinned, MessageUnpinned}
	if len(events) != len(wantTypes) {
		t.Fatalf("events = %+v, want %d events", events, len(wantTypes))
	}
	for i, want := range wantTypes {
		if events[i].Type != want {
			t.Errorf("events[%d].Type = %q, want %q", i, events[i].Type, want)
		}
	}
}

func TestHistoryPayloadSkipsNil(t *testing.T) {
	msg := model.NewCachedMessage("conv1", "m1")
	out := HistoryPayload([]*model.CachedMessage{msg, nil})
	if len(out) != 1 {
		t.Errorf("HistoryPayload should skip nil entries, got %d entries", len(out))
	}
}

func TestOutgoingProcessValidatesConversationID(t *testing.T) {
	p := NewOutgoingProcessor(100)
	_, err := p.Process(OutgoingCommand{Kind: "send_message", Text: "hi"})
	if err == nil {
		t.Error("Process should reject a command with no conversation id")
	}
}

func TestOutgoingProcessRejectsEmptySendMessage(t *testing.T) {
	p := NewOutgoingProcessor(100)
	_, err := p.Process(OutgoingCommand{Kind: "send_message", ConversationID: "conv1", Text: ""})
	if err == nil {
		t.Error("Process should reject a send_message command with empty text")
	}
}

func TestOutgoingProcessPassesThroughNonSendMessage(t *testing.T) {
	p := NewOutgoingProcessor(100)
	out, err := p.Process(OutgoingCommand{Kind: "delete_message", ConversationID: "conv1", MessageID: "m1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0].Kind != "delete_message" {
		t.Errorf("out = %+v, want the delete_message command unchanged", out)
	}
}

func TestOutgoingProcessValidatesPerKindFields(t *testing.T) {
	p := NewOutgoingProcessor(100)
	cases := []struct {
		name string
		cmd  OutgoingCommand
	}{
		{"edit without message id", OutgoingCommand{Kind: EditMessage, ConversationID: "c1", Text: "x"}},
		{"edit without text", OutgoingCommand{Kind: EditMessage, ConversationID: "c1", MessageID: "m1"}},
		{"delete without message id", OutgoingCommand{Kind: DeleteMessage, ConversationID: "c1"}},
		{"reaction without emoji", OutgoingCommand{Kind: AddReaction, ConversationID: "c1", MessageID: "m1"}},
		{"unknown kind", OutgoingCommand{Kind: "pin_message", ConversationID: "c1", MessageID: "m1"}},
	}
	for _, tc := range cases {
		if _, err := p.Process(tc.cmd); err == nil {
			t.Errorf("Process(%s) should fail validation", tc.name)
		}
	}
}

func TestOutgoingProcessAcceptsFetchHistory(t *testing.T) {
	p := NewOutgoingProcessor(100)
	out, err := p.Process(OutgoingCommand{Kind: FetchHistory, ConversationID: "c1", Limit: 20})
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0].Kind != FetchHistory {
		t.Errorf("out = %+v, want the fetch_history command unchanged", out)
	}
}

func TestParseOutgoingEventDecodesWireShape(t *testing.T) {
	data := []byte(`{"conversation_id":"c1","message_id":"m1","text":"hi","emoji":"tada","anchor":"m0","before":123,"after":45,"limit":10}`)
	cmd, err := ParseOutgoingEvent(SendMessage, data)
	if err != nil {
		t.Fatal(err)
	}
	if cmd.ConversationID != "c1" || cmd.MessageID != "m1" || cmd.Text != "hi" ||
		cmd.Emoji != "tada" || cmd.AnchorMessageID != "m0" || cmd.Before != 123 || cmd.After != 45 || cmd.Limit != 10 {
		t.Errorf("ParseOutgoingEvent() = %+v, want every wire field mapped", cmd)
	}
}

func TestParseOutgoingEventRejectsUnknownType(t *testing.T) {
	if _, err := ParseOutgoingEvent("pin_message", []byte(`{}`)); err == nil {
		t.Error("ParseOutgoingEvent should reject an unknown event type")
	}
}

func TestParseOutgoingEventRejectsMalformedPayload(t *testing.T) {
	if _, err := ParseOutgoingEvent(SendMessage, []byte(`not json`)); err == nil {
		t.Error("ParseOutgoingEvent should reject a malformed payload")
	}
}

func TestOutgoingProcessSplitsOversizedText(t *testing.T) {
	p := NewOutgoingProcessor(10)
	out, err := p.Process(OutgoingCommand{Kind: "send_message", ConversationID: "conv1", Text: "one two three four five"})
	if err != nil {
		t.Fatal(err)
	}
	if len(out) < 2 {
		t.Fatalf("expected the oversized message to split into multiple commands, got %+v", out)
	}
	for _, c := range out {
		if len([]rune(c.Text)) > 10 {
			t.Errorf("part %q exceeds the configured max length", c.Text)
		}
	}
}

func TestSplitMessageUnderLimitReturnsSinglePart(t *testing.T) {
	parts := SplitMessage("short", 100)
	if len(parts) != 1 || parts[0] != "short" {
		t.Errorf("SplitMessage() = %v, want [short]", parts)
	}
}

func TestSplitMessageEmptyReturnsNil(t *testing.T) {
	if parts := SplitMessage("", 10); parts != nil {
		t.Errorf("SplitMessage(\"\") = %v, want nil", parts)
	}
}

func TestSplitMessagePrefersSentenceBoundary(t *testing.T) {
	text := "Hello there. This is the next sentence."
	parts := SplitMessage(text, 15)
	if len(parts) < 2 {
		t.Fatalf("expected a split, got %v", parts)
	}
	if !strings.HasSuffix(strings.TrimRight(parts[0], " "), ".") {
		t.Errorf("first part = %q, want it to end at a sentence boundary", parts[0])
	}
}

func TestSplitMessageHardCutWhenNoBoundary(t *testing.T) {
	text := strings.Repeat("a", 25)
	parts := SplitMessage(text, 10)
	if len(parts) != 3 {
		t.Fatalf("parts = %v, want 3 hard-cut chunks of a 25-char run", parts)
	}
	for _, p := range parts[:2] {
		if len([]rune(p)) != 10 {
			t.Errorf("hard-cut part %q should be exactly 10 runes", p)
		}
	}
}

// Joining the parts must recover the input exactly, since neither
// side of a cut is trimmed.
func TestSplitMessageJoinRecoversOriginalText(t *testing.T) {
	text := "aaaaaaaaaa bbbbbbbbbb"
	parts := SplitMessage(text, 10)
	if joined := strings.Join(parts, ""); joined != text {
		t.Errorf("joined parts = %q, want original %q", joined, text)
	}
	for _, p := range parts {
		if p == "" {
			t.Errorf("SplitMessage produced an empty part, parts=%v", parts)
		}
		if len([]rune(p)) > 10 {
			t.Errorf("part %q exceeds the configured max length", p)
		}
	}
}

func TestSplitMessageSentenceBoundaryCascade(t *testing.T) {
	text := "Hi there. This is a longer sentence. End."
	parts := SplitMessage(text, 20)
	want := []string{"Hi there. ", "This is a longer ", "sentence. End."}
	if len(parts) != len(want) {
		t.Fatalf("parts = %v, want %v", parts, want)
	}
	for i := range want {
		if parts[i] != want[i] {
			t.Errorf("parts[%d] = %q, want %q", i, parts[i], want[i])
		}
	}
	if joined := strings.Join(parts, ""); joined != text {
		t.Errorf("joined parts = %q, want original %q", joined, text)
	}
}
