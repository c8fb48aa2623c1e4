// Package thread reconstructs reply chains from platform-specific cues
// and maintains the per-conversation thread index.
package thread

import (
	"regexp"
	"time"

	"github.com/chatmesh/adapters/internal/model"
)

// CueExtractor extracts a reply-to message id from a raw platform
// message. Each platform variant implements this differently;
// RawMessage is the adapter's own platform payload type,
// passed through as interface{} so this package stays platform-agnostic.
type CueExtractor func(raw interface{}) (replyToID string, ok bool)

// ZulipQuoteLinkPattern is the default pattern for Zulip's "reply by
// quoting" quote-link syntax: `[said](.../near/(\d+))`. Exposed as a
// variable rather than baked into the extractor: the permalink format
// is server-configurable, so this is a policy knob, not a fixed
// contract.
var ZulipQuoteLinkPattern = regexp.MustCompile(`/near/(\d+)\)`)

// Handler reconstructs and maintains thread structure for one
// conversation manager. It holds no state of its own beyond the cue
// extractor; thread storage lives on model.ConversationInfo.
type Handler struct {
	Extract CueExtractor

	// LookupMessage resolves a message by id within a conversation, used
	// to walk the parent chain when adopting an existing root.
	LookupMessage func(conversationID, messageID string) (*model.CachedMessage, bool)
}

// NewHandler builds a thread handler bound to a platform's cue extractor.
func NewHandler(extract CueExtractor, lookup func(conversationID, messageID string) (*model.CachedMessage, bool)) *Handler {
	return &Handler{Extract: extract, LookupMessage: lookup}
}

// Resolve registers a newly observed message in its reply chain.
// Returns nil if the message is not part of a thread.
func (h *Handler) Resolve(conv *model.ConversationInfo, raw interface{}, newMessageID string, now time.Time) *model.ThreadInfo {
	replyToID, ok := h.Extract(raw)
	if !ok || replyToID == "" {
		return nil
	}

	threadID := replyToID
	info, exists := conv.Threads[threadID]
	if !exists {
		rootID := replyToID
		if h.LookupMessage != nil {
			if parent, found := h.LookupMessage(conv.ConversationID, replyToID); found && parent.ReplyToMessageID != "" {
				if parentThread, ok := conv.Threads[parent.ReplyToMessageID]; ok {
					rootID = parentThread.RootMessageID
				}
			}
		}
		info = model.NewThreadInfo(threadID, rootID)
		conv.Threads[threadID] = info
	}

	info.Messages[newMessageID] = struct{}{}
	info.LastActivity = now.UnixMilli()
	return info
}

// UpdateResult reports the outcome of re-evaluating an edited message's
// thread membership.
type UpdateResult struct {
	Changed bool
	Info    *model.ThreadInfo // nil when the reply-to was removed
}

// Update handles an edit: extracts reply-to from the original and
// updated raw content and classifies the transition.
func (h *Handler) Update(conv *model.ConversationInfo, msg *model.CachedMessage, oldRaw, newRaw interface{}, now time.Time) UpdateResult {
	oldID, oldOK := h.Extract(oldRaw)
	newID, newOK := h.Extract(newRaw)

	switch {
	case oldOK == newOK && oldID == newID:
		return UpdateResult{Changed: false}
	case newOK && newID != "":
		info := h.Resolve(conv, newRaw, msg.MessageID, now)
		return UpdateResult{Changed: true, Info: info}
	default:
		return UpdateResult{Changed: true, Info: nil}
	}
}

// Remove detaches a message from its thread, deleting the thread if it
// becomes empty.
func Remove(conv *model.ConversationInfo, msg *model.CachedMessage) {
	if msg.ThreadID == "" {
		return
	}
	info, ok := conv.Threads[msg.ThreadID]
	if !ok {
		return
	}
	delete(info.Messages, msg.MessageID)
	if info.Empty() {
		delete(conv.Threads, msg.ThreadID)
	}
}

// Platform-specific cue extractors.

// DiscordReplyTo reads message.reference.message_id.
func DiscordReplyTo(raw interface{}) (string, bool) {
	m, ok := raw.(map[string]interface{})
	if !ok {
		return "", false
	}
	ref, ok := m["reference"].(map[string]interface{})
	if !ok {
		return "", false
	}
	id, ok := ref["message_id"].(string)
	return id, ok && id != ""
}

// SlackThreadTS reads message.thread_ts; absent/empty means no thread.
func SlackThreadTS(raw interface{}) (string, bool) {
	m, ok := raw.(map[string]interface{})
	if !ok {
		return "", false
	}
	ts, ok := m["thread_ts"].(string)
	return ts, ok && ts != ""
}

// TelegramReplyTo reads message.reply_to.reply_to_msg_id.
func TelegramReplyTo(raw interface{}) (string, bool) {
	m, ok := raw.(map[string]interface{})
	if !ok {
		return "", false
	}
	replyTo, ok := m["reply_to"].(map[string]interface{})
	if !ok {
		return "", false
	}
	id, ok := replyTo["reply_to_msg_id"].(string)
	return id, ok && id != ""
}

// ZulipQuoteLink parses the message body for the quote-link pattern
// Zulip's "reply by quoting" UX introduces.
func ZulipQuoteLink(raw interface{}) (string, bool) {
	m, ok := raw.(map[string]interface{})
	if !ok {
		return "", false
	}
	content, ok := m["content"].(string)
	if !ok {
		return "", false
	}
	match := ZulipQuoteLinkPattern.FindStringSubmatch(content)
	if match == nil {
		return "", false
	}
	return match[1], true
}
