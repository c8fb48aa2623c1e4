// Package event implements the incoming and outgoing event
// processors: shaping a ConversationDelta into the canonical wire events
// the bot host consumes, validating malformed deltas before they ever
// reach the wire, and splitting oversized outgoing text into
// platform-sized parts.
package event

import (
	"encoding/json"
	"fmt"

	"github.com/chatmesh/adapters/internal/model"
)

// Type names a canonical event.
type Type string

const (
	ConversationStarted Type = "conversation_started"
	MessageReceived     Type = "message_received"
	MessageUpdated      Type = "message_updated"
	MessageDeleted      Type = "message_deleted"
	ReactionAdded       Type = "reaction_added"
	ReactionRemoved     Type = "reaction_removed"
	MessagePinned       Type = "message_pinned"
	MessageUnpinned     Type = "message_unpinned"
)

// Event is one canonical, wire-ready fact about a conversation.
type Event struct {
	Type           Type
	ConversationID string
	Payload        map[string]interface{}
}

// ValidationError reports a malformed delta the incoming processor
// refused to shape into an event.
type ValidationError struct {
	ConversationID string
	Reason         string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("event: invalid delta for conversation %s: %s", e.ConversationID, e.Reason)
}

// IncomingProcessor shapes ConversationDeltas into canonical events.
type IncomingProcessor struct{}

// NewIncomingProcessor builds a stateless incoming event processor.
func NewIncomingProcessor() *IncomingProcessor { return &IncomingProcessor{} }

// Process shapes one delta into its canonical events. Malformed
// entries are skipped and reported rather than aborting the whole
// batch, so one bad reaction doesn't swallow a dozen good messages.
func (p *IncomingProcessor) Process(delta *model.ConversationDelta) ([]Event, []error) {
	if delta == nil || delta.ConversationID == "" {
		return nil, []error{&ValidationError{Reason: "delta has no conversation id"}}
	}

	var events []Event
	var errs []error
	convID := delta.ConversationID

	if delta.FetchHistory {
		events = append(events, Event{
			Type:           ConversationStarted,
			ConversationID: convID,
			Payload: map[string]interface{}{
				"conversation_id": convID,
			},
		})
	}

	for _, entry := range delta.AddedMessages {
		if entry.Message == nil || entry.Message.MessageID == "" {
			errs = append(errs, &ValidationError{ConversationID: convID, Reason: "added message missing id"})
			continue
		}
		if emptyMessage(entry.Message) {
			continue
		}
		events = append(events, Event{
			Type:           MessageReceived,
			ConversationID: convID,
			Payload:        messagePayload(entry.Message, entry.Mentions, entry.IsDirectMessage),
		})
	}

	for _, msg := range delta.UpdatedMessages {
		if msg == nil || msg.MessageID == "" {
			errs = append(errs, &ValidationError{ConversationID: convID, Reason: "updated message missing id"})
			continue
		}
		if emptyMessage(msg) {
			continue
		}
		events = append(events, Event{
			Type:           MessageUpdated,
			ConversationID: convID,
			Payload:        messagePayload(msg, nil, false),
		})
	}

	for _, id := range delta.DeletedMessageIDs {
		events = append(events, Event{
			Type:           MessageDeleted,
			ConversationID: convID,
			Payload:        map[string]interface{}{"message_id": id, "conversation_id": convID},
		})
	}

	for _, r := range delta.AddedReactions {
		events = append(events, reactionEvent(ReactionAdded, convID, r))
	}
	for _, r := range delta.RemovedReactions {
		events = append(events, reactionEvent(ReactionRemoved, convID, r))
	}

	for _, id := range delta.PinnedMessageIDs {
		events = append(events, Event{Type: MessagePinned, ConversationID: convID, Payload: map[string]interface{}{"message_id": id, "conversation_id": convID}})
	}
	for _, id := range delta.UnpinnedMessageIDs {
		events = append(events, Event{Type: MessageUnpinned, ConversationID: convID, Payload: map[string]interface{}{"message_id": id, "conversation_id": convID}})
	}

	return events, errs
}

// HistoryPayload shapes a batch of fetched messages into the
// conversation_started event's "history" list, reusing the
// same per-message shape message_received uses.
func HistoryPayload(msgs []*model.CachedMessage) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(msgs))
	for _, msg := range msgs {
		if msg == nil {
			continue
		}
		out = append(out, messagePayload(msg, nil, false))
	}
	return out
}

// emptyMessage reports a message with no text and no attachments:
// nothing worth relaying, so it is dropped rather than shaped.
func emptyMessage(msg *model.CachedMessage) bool {
	return msg.Text == "" && len(msg.Attachments) == 0
}

func messagePayload(msg *model.CachedMessage, mentions []string, isDirectMessage bool) map[string]interface{} {
	payload := map[string]interface{}{
		"message_id":      msg.MessageID,
		"conversation_id": msg.ConversationID,
		"sender": map[string]interface{}{
			"user_id":      msg.SenderID,
			"display_name": msg.SenderName,
		},
		"is_from_bot":       msg.IsFromBot,
		"text":              msg.Text,
		"timestamp":         msg.Timestamp,
		"edited":            msg.Edited,
		"is_pinned":         msg.IsPinned,
		"is_direct_message": isDirectMessage,
	}
	if msg.EditTimestamp != 0 {
		payload["edit_timestamp"] = msg.EditTimestamp
	}
	if msg.ThreadID != "" {
		payload["thread_id"] = msg.ThreadID
	}
	if msg.ReplyToMessageID != "" {
		payload["reply_to_message_id"] = msg.ReplyToMessageID
	}
	if len(mentions) > 0 {
		payload["mentions"] = mentions
	}
	if ids := msg.AttachmentIDs(); len(ids) > 0 {
		payload["attachments"] = ids
	}
	return payload
}

func reactionEvent(t Type, convID string, r model.ReactionDelta) Event {
	return Event{
		Type:           t,
		ConversationID: convID,
		Payload: map[string]interface{}{
			"message_id":      r.MessageID,
			"conversation_id": convID,
			"emoji":           r.Emoji,
		},
	}
}

// Outgoing command kinds. Pinning is inbound-only: the bot observes
// platform pin events, it does not issue them.
const (
	SendMessage    = "send_message"
	EditMessage    = "edit_message"
	DeleteMessage  = "delete_message"
	AddReaction    = "add_reaction"
	RemoveReaction = "remove_reaction"
	FetchHistory   = "fetch_history"
)

// OutgoingCommand is a bot-issued action awaiting dispatch to a
// platform adapter.
type OutgoingCommand struct {
	Kind             string
	ConversationID   string
	MessageID        string // target for edit/delete/reaction kinds
	Text             string
	Emoji            string
	ReplyToMessageID string

	// History query bounds (fetch_history only): anchor takes
	// precedence over the timestamp bounds.
	AnchorMessageID string
	Before          int64 // milliseconds since epoch, 0 when unset
	After           int64 // milliseconds since epoch, 0 when unset
	Limit           int
}

// outgoingWire is the wire shape of bot_response's data.data field.
type outgoingWire struct {
	ConversationID   string `json:"conversation_id"`
	MessageID        string `json:"message_id"`
	Text             string `json:"text"`
	Emoji            string `json:"emoji"`
	ReplyToMessageID string `json:"reply_to_message_id"`
	Anchor           string `json:"anchor"`
	Before           int64  `json:"before"`
	After            int64  `json:"after"`
	Limit            int    `json:"limit"`
}

// ParseOutgoingEvent decodes one bot_response payload into an
// OutgoingCommand. Unknown event types and malformed JSON are
// validation errors; field-level validation happens later in
// OutgoingProcessor.Process so both entry points share one rule set.
func ParseOutgoingEvent(eventType string, data []byte) (OutgoingCommand, error) {
	switch eventType {
	case SendMessage, EditMessage, DeleteMessage, AddReaction, RemoveReaction, FetchHistory:
	default:
		return OutgoingCommand{}, &ValidationError{Reason: fmt.Sprintf("unknown outgoing event type %q", eventType)}
	}
	var w outgoingWire
	if len(data) > 0 {
		if err := json.Unmarshal(data, &w); err != nil {
			return OutgoingCommand{}, &ValidationError{Reason: "malformed outgoing event payload: " + err.Error()}
		}
	}
	return OutgoingCommand{
		Kind:             eventType,
		ConversationID:   w.ConversationID,
		MessageID:        w.MessageID,
		Text:             w.Text,
		Emoji:            w.Emoji,
		ReplyToMessageID: w.ReplyToMessageID,
		AnchorMessageID:  w.Anchor,
		Before:           w.Before,
		After:            w.After,
		Limit:            w.Limit,
	}, nil
}

// OutgoingProcessor validates outgoing commands and splits oversized
// send_message text.
type OutgoingProcessor struct {
	MaxMessageLength int
}

// NewOutgoingProcessor builds an outgoing processor bounding message
// length to maxLen (the target platform's character limit).
func NewOutgoingProcessor(maxLen int) *OutgoingProcessor {
	return &OutgoingProcessor{MaxMessageLength: maxLen}
}

// Process validates cmd's required fields per kind and, for
// send_message, expands it into one command per split part
// when the text exceeds MaxMessageLength. Other kinds pass through
// unchanged after validation.
func (p *OutgoingProcessor) Process(cmd OutgoingCommand) ([]OutgoingCommand, error) {
	if cmd.ConversationID == "" {
		return nil, &ValidationError{Reason: "outgoing command missing conversation id"}
	}
	switch cmd.Kind {
	case SendMessage:
		if cmd.Text == "" {
			return nil, &ValidationError{ConversationID: cmd.ConversationID, Reason: "send_message with empty text"}
		}
	case EditMessage:
		if cmd.MessageID == "" || cmd.Text == "" {
			return nil, &ValidationError{ConversationID: cmd.ConversationID, Reason: "edit_message requires message_id and text"}
		}
	case DeleteMessage:
		if cmd.MessageID == "" {
			return nil, &ValidationError{ConversationID: cmd.ConversationID, Reason: "delete_message requires message_id"}
		}
	case AddReaction, RemoveReaction:
		if cmd.MessageID == "" || cmd.Emoji == "" {
			return nil, &ValidationError{ConversationID: cmd.ConversationID, Reason: cmd.Kind + " requires message_id and emoji"}
		}
	case FetchHistory:
		// Anchor/before/after and limit are each optional; Process
		// applies no default limit.
	default:
		return nil, &ValidationError{ConversationID: cmd.ConversationID, Reason: fmt.Sprintf("unknown outgoing command kind %q", cmd.Kind)}
	}
	if cmd.Kind != SendMessage {
		return []OutgoingCommand{cmd}, nil
	}

	parts := SplitMessage(cmd.Text, p.MaxMessageLength)
	out := make([]OutgoingCommand, len(parts))
	for i, part := range parts {
		c := cmd
		c.Text = part
		out[i] = c
	}
	return out, nil
}

// SplitMessage breaks text into parts no longer than maxLen runes:
// each part's cut point is chosen by scanning
// backward from the maxLen boundary for, in order of preference, a
// sentence end (".", "!", "?", optionally followed by whitespace)
// within the last 200 characters, a newline past the midpoint, or a
// space past the midpoint; only when none of those appear does it
// hard-cut at maxLen. No part is ever empty. Text is cut and carried
// verbatim — neither side of a cut is trimmed — so joining every part
// back together always recovers the original text exactly.
func SplitMessage(text string, maxLen int) []string {
	if maxLen <= 0 {
		if text == "" {
			return nil
		}
		return []string{text}
	}
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}

	var parts []string
	for len(runes) > maxLen {
		cut := findCut(runes[:maxLen])
		parts = append(parts, string(runes[:cut]))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		parts = append(parts, string(runes))
	}
	return parts
}

// findCut scans window backward for the best split point, returning an
// exclusive end index into window. Falls back to len(window) (a hard
// cut) when no natural boundary is found.
func findCut(window []rune) int {
	n := len(window)

	sentenceStart := n - 200
	if sentenceStart < 0 {
		sentenceStart = 0
	}
	for i := n - 1; i >= sentenceStart; i-- {
		switch window[i] {
		case '.', '!', '?':
			end := i + 1
			if end < n && (window[end] == ' ' || window[end] == '\t') {
				end++
			}
			return end
		}
	}

	mid := n / 2
	for i := n - 1; i > mid; i-- {
		if window[i] == '\n' {
			return i + 1
		}
	}
	for i := n - 1; i > mid; i-- {
		if window[i] == ' ' {
			return i + 1
		}
	}
	return n
}
