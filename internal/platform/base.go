// Package platform holds the five concrete chat-platform adapters
// (Discord, Slack, Telegram, Zulip, and a local shell/text-file
// backend), each normalizing its platform's events into the canonical
// model through a shared conversation.Manager and emitting canonical
// events through a shared event.IncomingProcessor.
package platform

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/chatmesh/adapters/internal/cache"
	"github.com/chatmesh/adapters/internal/conversation"
	"github.com/chatmesh/adapters/internal/emoji"
	"github.com/chatmesh/adapters/internal/event"
	"github.com/chatmesh/adapters/internal/history"
	"github.com/chatmesh/adapters/internal/model"
	"github.com/chatmesh/adapters/internal/ratelimit"
)

// Base bundles the collaborators every platform adapter needs: the
// conversation manager that turns raw events into deltas, the history
// fetcher for backfill, the rate limiter guarding outbound calls, the
// emoji converter for reaction round-tripping, and the incoming event
// processor that shapes deltas into wire events.
type Base struct {
	Name      string
	BotUserID string

	Manager     *conversation.Manager
	Fetcher     *history.Fetcher
	Limiter     *ratelimit.Limiter
	Emoji       *emoji.Converter
	Incoming    *event.IncomingProcessor
	Outgoing    *event.OutgoingProcessor
	Attachments *cache.AttachmentCache

	// HistoryLimit bounds the backfill window fetched for a brand-new
	// conversation's conversation_started event. Zero or a negative
	// value falls back to 50.
	HistoryLimit int

	HTTPClient *http.Client
	Log        *slog.Logger

	// Emit is called with every canonical event this adapter produces
	// (typically wired to a socketio.Server's EmitEvent, or directly
	// to a test sink).
	Emit func(event.Event)
}

// NewBase builds the shared adapter scaffolding. Platform constructors
// wrap this with their own REST client fields.
func NewBase(name string, deps Base) *Base {
	b := deps
	b.Name = name
	if b.HTTPClient == nil {
		b.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if b.Log == nil {
		b.Log = slog.Default()
	}
	b.Log = b.Log.With("adapter", name)
	return &b
}

// registerAttachment creates (or joins a reference to) an attachment
// cache entry for a conversation, using the same canonical id the
// conversation manager will independently derive for the same
// platform conversation id.
func (b *Base) registerAttachment(platformConversationID, attachmentID string, build func() *model.CachedAttachment) {
	if b.Attachments == nil {
		return
	}
	convID := model.ConversationID(b.Name, platformConversationID)
	b.Attachments.AddAttachment(convID, attachmentID, build)
}

// emitDelta runs a delta through the incoming processor and hands each
// resulting event to Emit, logging (but not failing on) any validation
// errors the delta produced. A conversation_started event triggers a
// HistoryFetcher backfill before it is emitted and carries the fetched
// history list; the list is empty when no Fetcher is wired or the
// fetch fails.
func (b *Base) emitDelta(delta *model.ConversationDelta) {
	if delta == nil || delta.IsEmpty() {
		return
	}
	events, errs := b.Incoming.Process(delta)
	for _, err := range errs {
		b.Log.Warn("dropped malformed delta entry", "error", err)
	}
	for i := range events {
		if events[i].Type == event.ConversationStarted {
			events[i].Payload["history"] = b.fetchStartupHistory(delta)
		}
	}
	if b.Emit == nil {
		return
	}
	for _, ev := range events {
		b.Emit(ev)
	}
}

// fetchStartupHistory runs the HistoryFetcher anchored on the message
// that just started the conversation, marking the manager's
// history-fetching-in-progress state isn't needed here since the
// fetcher reads from cache/API directly rather than re-entering
// AddToConversation.
func (b *Base) fetchStartupHistory(delta *model.ConversationDelta) []map[string]interface{} {
	if b.Fetcher == nil || b.Manager == nil {
		return []map[string]interface{}{}
	}
	conv, ok := b.Manager.ByCanonicalID(delta.ConversationID)
	if !ok {
		return []map[string]interface{}{}
	}
	limit := b.HistoryLimit
	if limit <= 0 {
		limit = 50
	}
	msgs, err := b.Fetcher.Fetch(context.Background(), conv, history.Params{
		ConversationID:         delta.ConversationID,
		PlatformConversationID: conv.PlatformConversationID,
		AnchorMessageID:        delta.MessageID,
		Anchor:                 history.Before,
		Limit:                  limit,
	})
	if err != nil {
		b.Log.Warn("startup history fetch failed", "conversation_id", delta.ConversationID, "error", err)
		return []map[string]interface{}{}
	}
	return event.HistoryPayload(msgs)
}
