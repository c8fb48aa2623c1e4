// Package conversation implements the conversation manager:
// conversation lookup/creation, bot-mention scanning, and the five
// mutating operations, each shaped into a ConversationDelta ready for
// the event layer. One Manager is constructed per adapter instance and
// wired to that platform's thread cue extractor, reaction handler, and
// mention extractor.
package conversation

import (
	"log/slog"
	"sync"
	"time"

	"github.com/chatmesh/adapters/internal/cache"
	"github.com/chatmesh/adapters/internal/model"
	"github.com/chatmesh/adapters/internal/reaction"
	"github.com/chatmesh/adapters/internal/thread"
)

// MentionExtractor pulls mentioned user ids out of a platform's raw
// message payload. Platforms differ wildly here (Discord structured
// mentions array, Slack/Telegram/Zulip markup parsing), so this stays a
// per-adapter function rather than a shared parser.
type MentionExtractor func(raw interface{}) []string

// Manager holds the in-memory conversation table for one adapter
// instance, guarded by a single mutex in the style of the message and
// attachment caches it coordinates with.
type Manager struct {
	adapter   string
	botUserID string

	messages       *cache.MessageCache
	attachments    *cache.AttachmentCache
	threads        *thread.Handler
	reactions      *reaction.Handler
	extractMention MentionExtractor

	log *slog.Logger

	mu            sync.Mutex
	conversations map[string]*model.ConversationInfo
}

// Config bundles a Manager's platform-specific collaborators.
type Config struct {
	Adapter         string
	BotUserID       string
	Messages        *cache.MessageCache
	Attachments     *cache.AttachmentCache
	Threads         *thread.Handler
	Reactions       *reaction.Handler
	ExtractMentions MentionExtractor
}

// NewManager builds a Manager bound to one platform's collaborators.
func NewManager(cfg Config, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		adapter:        cfg.Adapter,
		botUserID:      cfg.BotUserID,
		messages:       cfg.Messages,
		attachments:    cfg.Attachments,
		threads:        cfg.Threads,
		reactions:      cfg.Reactions,
		extractMention: cfg.ExtractMentions,
		log:            log.With("component", "conversation_manager", "adapter", cfg.Adapter),
		conversations:  make(map[string]*model.ConversationInfo),
	}
}

// getOrCreate looks up a conversation by its platform id, creating a
// fresh record (with JustStarted set) on first observation. Caller
// must hold mu.
func (m *Manager) getOrCreate(platformConversationID, convType, name, serverID, serverName string) (*model.ConversationInfo, bool) {
	id := model.ConversationID(m.adapter, platformConversationID)
	conv, ok := m.conversations[id]
	if ok {
		return conv, false
	}
	conv = model.NewConversationInfo(id, platformConversationID, convType)
	conv.ConversationName = name
	conv.ServerID = serverID
	conv.ServerName = serverName
	m.conversations[id] = conv
	return conv, true
}

// Conversation returns the tracked record for a platform conversation
// id, if one has been observed yet.
func (m *Manager) Conversation(platformConversationID string) (*model.ConversationInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.conversations[model.ConversationID(m.adapter, platformConversationID)]
	return conv, ok
}

// ByCanonicalID returns the tracked record for an already-canonical
// conversation id (as produced by model.ConversationID), for callers
// that only hold the canonical form — notably the outgoing command
// dispatcher, which receives conversation ids off the wire rather than
// platform-native ones.
func (m *Manager) ByCanonicalID(conversationID string) (*model.ConversationInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.conversations[conversationID]
	return conv, ok
}

// ConversationsByServer returns every tracked conversation whose
// ServerID matches, for metadata-update fan-out — a server/stream
// rename touches every conversation grouped under it, not just one.
func (m *Manager) ConversationsByServer(serverID string) []*model.ConversationInfo {
	if serverID == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.ConversationInfo
	for _, conv := range m.conversations {
		if conv.ServerID == serverID {
			out = append(out, conv)
		}
	}
	return out
}

// scanMentions extracts the raw mention list (if the platform
// supports it) and reports whether the bot itself is among them.
// Direct messages are always treated as addressed to the bot even
// when the platform's mention markup doesn't explicitly name it.
func (m *Manager) scanMentions(raw interface{}, isDirectMessage bool) (mentions []string, mentionsBot bool) {
	if m.extractMention != nil {
		mentions = m.extractMention(raw)
	}
	if isDirectMessage {
		return mentions, true
	}
	for _, id := range mentions {
		if id == m.botUserID {
			return mentions, true
		}
	}
	return mentions, false
}

// AddParams carries everything needed to add one observed message to
// a conversation.
type AddParams struct {
	PlatformConversationID string
	ConversationType       string // direct, channel, stream, thread, group
	ConversationName       string
	ServerID, ServerName   string

	MessageID     string
	SenderID      string
	SenderName    string
	IsFromBot     bool
	Text          string
	Timestamp     time.Time
	AttachmentIDs []string
	IsPinned      bool

	// HistoryFetchingInProgress marks this observation as part of a
	// HistoryFetcher backfill replay rather than a live event: it lets
	// the bot's own past messages into added_messages (normally
	// suppressed) while suppressing mention scanning so the replay
	// doesn't re-trigger the bot.
	HistoryFetchingInProgress bool

	// RawMessage is the adapter's untouched platform payload, passed
	// through opaquely for thread-cue extraction and mention scanning.
	RawMessage interface{}
}

// AddToConversation records one observed message: looks up or creates
// the conversation, inserts the message into the message
// cache, resolves thread membership, records attachment references, and
// shapes a delta. A newly created conversation's delta requests history
// backfill via FetchHistory, matching a bot joining a channel mid-stream.
func (m *Manager) AddToConversation(p AddParams) *model.ConversationDelta {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, isNew := m.getOrCreate(p.PlatformConversationID, p.ConversationType, p.ConversationName, p.ServerID, p.ServerName)
	now := p.Timestamp
	if now.IsZero() {
		now = time.Now()
	}
	conv.LastActivity = now

	delta := model.NewDelta(conv.ConversationID)
	delta.MessageID = p.MessageID
	if isNew || conv.JustStarted {
		delta.FetchHistory = true
		conv.JustStarted = false
	}

	msg := m.messages.AddMessage(conv.ConversationID, p.MessageID, func() *model.CachedMessage {
		cm := model.NewCachedMessage(conv.ConversationID, p.MessageID)
		cm.SenderID = p.SenderID
		cm.SenderName = p.SenderName
		cm.IsFromBot = p.IsFromBot
		cm.Text = p.Text
		cm.Timestamp = now.UnixMilli()
		cm.IsPinned = p.IsPinned
		return cm
	})
	conv.Messages[p.MessageID] = struct{}{}
	if p.IsPinned {
		conv.PinnedMessages[p.MessageID] = struct{}{}
	}

	if replyToID, ok := m.threads.Extract(p.RawMessage); ok {
		msg.ReplyToMessageID = replyToID
	}
	if info := m.threads.Resolve(conv, p.RawMessage, msg.MessageID, now); info != nil {
		msg.ThreadID = info.ThreadID
	}

	for _, attID := range p.AttachmentIDs {
		msg.Attachments[attID] = struct{}{}
		conv.Attachments[attID] = struct{}{}
		if m.attachments != nil {
			m.attachments.AddAttachment(conv.ConversationID, attID, func() *model.CachedAttachment {
				return model.NewCachedAttachment(attID, "", "", 0)
			})
		}
	}

	delta.HistoryFetchingInProgress = p.HistoryFetchingInProgress

	// Bot-originated messages are suppressed from added_messages unless
	// this is a history replay; the replay case exists
	// specifically so the bot's own past messages reappear in the
	// backfilled history list. Mentions are never scanned during replay
	// either, since re-surfacing an old mention would re-trigger the bot.
	if msg.IsFromBot && !p.HistoryFetchingInProgress {
		return delta
	}

	// Messages with no text and no attachments (embed-only payloads,
	// platform service messages) carry nothing worth relaying.
	if msg.Text == "" && len(msg.Attachments) == 0 {
		return delta
	}

	isDM := conv.ConversationType == "direct"
	var mentions []string
	if !p.HistoryFetchingInProgress {
		mentions, _ = m.scanMentions(p.RawMessage, isDM)
	}

	delta.AddedMessageIDs = append(delta.AddedMessageIDs, p.MessageID)
	delta.AddedMessages = append(delta.AddedMessages, model.AddedMessageEntry{
		Message:         msg,
		Mentions:        mentions,
		IsDirectMessage: isDM,
	})
	return delta
}

// UpdateParams carries an edit's old and new raw payloads, needed to
// re-evaluate thread membership.
type UpdateParams struct {
	PlatformConversationID string
	MessageID              string
	NewText                string
	EditTimestamp          time.Time
	OldRawMessage          interface{}
	NewRawMessage          interface{}
}

// UpdateConversation applies an edit event: edits text on an
// already-cached message and reconciles its thread
// membership. Messages the cache never saw (evicted or never added)
// produce no delta, since there is nothing to mirror.
func (m *Manager) UpdateConversation(p UpdateParams) *model.ConversationDelta {
	m.mu.Lock()
	defer m.mu.Unlock()

	convID := model.ConversationID(m.adapter, p.PlatformConversationID)
	conv, ok := m.conversations[convID]
	delta := model.NewDelta(convID)
	if !ok {
		return delta
	}
	msg, ok := m.messages.GetMessageByID(convID, p.MessageID)
	if !ok {
		return delta
	}

	ts := p.EditTimestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	result := m.threads.Update(conv, msg, p.OldRawMessage, p.NewRawMessage, ts)

	// An edit event whose content matches what is already cached (a
	// re-delivered edit, or an edit touching only fields this model
	// doesn't track) changes nothing and emits nothing.
	if msg.Text == p.NewText && !result.Changed {
		return delta
	}

	msg.Text = p.NewText
	msg.Edited = true
	msg.EditTimestamp = ts.UnixMilli()

	if result.Changed {
		if result.Info != nil {
			msg.ThreadID = result.Info.ThreadID
		} else {
			thread.Remove(conv, msg)
			msg.ThreadID = ""
		}
		if replyToID, ok := m.threads.Extract(p.NewRawMessage); ok {
			msg.ReplyToMessageID = replyToID
		} else {
			msg.ReplyToMessageID = ""
		}
	}

	conv.LastActivity = ts
	// An edit that leaves the message with no text and no attachments
	// mutates cached state but emits nothing, same as adds.
	if msg.Text == "" && len(msg.Attachments) == 0 {
		return delta
	}
	delta.UpdatedMessageIDs = append(delta.UpdatedMessageIDs, msg.MessageID)
	delta.UpdatedMessages = append(delta.UpdatedMessages, msg)
	return delta
}

// DeleteFromConversation removes one message from its conversation.
// Deleting a message absent from the cache is a no-op delta, so a
// re-delivered deletion changes nothing.
func (m *Manager) DeleteFromConversation(platformConversationID, messageID string) *model.ConversationDelta {
	m.mu.Lock()
	defer m.mu.Unlock()

	convID := model.ConversationID(m.adapter, platformConversationID)
	delta := model.NewDelta(convID)

	conv, ok := m.conversations[convID]
	if !ok {
		return delta
	}
	msg, hadMessage := m.messages.GetMessageByID(convID, messageID)
	if hadMessage {
		thread.Remove(conv, msg)
	}
	if !m.messages.DeleteMessage(convID, messageID) {
		return delta
	}

	delete(conv.Messages, messageID)
	delete(conv.PinnedMessages, messageID)
	if hadMessage {
		for _, attID := range msg.AttachmentIDs() {
			if m.attachmentStillUsed(conv, attID) {
				continue
			}
			delete(conv.Attachments, attID)
			if m.attachments != nil {
				m.attachments.RemoveConversation(attID, convID)
			}
		}
	}
	// Deletions of bot-originated messages are not relayed upstream:
	// the bot already knows about its own deletions.
	if !hadMessage || !msg.IsFromBot {
		delta.DeletedMessageIDs = append(delta.DeletedMessageIDs, messageID)
	}
	return delta
}

// attachmentStillUsed reports whether any message still tracked under
// conv references attID, used to decide whether a delete or migration
// should drop conv from the attachment's reference set (an attachment
// is retained only while at least one conversation still references
// it).
func (m *Manager) attachmentStillUsed(conv *model.ConversationInfo, attID string) bool {
	for id := range conv.Messages {
		msg, ok := m.messages.GetMessageByID(conv.ConversationID, id)
		if !ok {
			continue
		}
		if _, has := msg.Attachments[attID]; has {
			return true
		}
	}
	return false
}

// MigrationResult pairs the deltas produced on each side of a
// conversation migration.
type MigrationResult struct {
	OldDelta *model.ConversationDelta
	NewDelta *model.ConversationDelta
}

// MigrateBetweenConversations moves a message (e.g. a Slack channel
// merge, a Telegram group upgraded to a supergroup) from one platform
// conversation to another. The message's thread membership does not
// carry over: thread ids are conversation-scoped, so a migrated message
// is detached and re-enters the destination as a plain, unthreaded
// message.
func (m *Manager) MigrateBetweenConversations(oldPlatformConversationID, newPlatformConversationID, messageID, newConvType string) MigrationResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	oldConvID := model.ConversationID(m.adapter, oldPlatformConversationID)
	oldDelta := model.NewDelta(oldConvID)

	oldConv, ok := m.conversations[oldConvID]
	if !ok {
		return MigrationResult{OldDelta: oldDelta, NewDelta: model.NewDelta("")}
	}

	newConv, isNew := m.getOrCreate(newPlatformConversationID, newConvType, "", oldConv.ServerID, oldConv.ServerName)
	newDelta := model.NewDelta(newConv.ConversationID)
	if isNew {
		newDelta.FetchHistory = true
		newConv.JustStarted = false
	}

	msg, ok := m.messages.MigrateMessage(oldConvID, newConv.ConversationID, messageID)
	if !ok {
		return MigrationResult{OldDelta: oldDelta, NewDelta: newDelta}
	}

	thread.Remove(oldConv, msg)
	msg.ThreadID = ""
	msg.ReplyToMessageID = ""

	delete(oldConv.Messages, messageID)
	delete(oldConv.PinnedMessages, messageID)
	newConv.Messages[messageID] = struct{}{}
	if msg.IsPinned {
		newConv.PinnedMessages[messageID] = struct{}{}
	}
	// Rewire every attachment the migrated message carries: the new
	// conversation always gains a reference, and the old conversation
	// only loses its reference if no message still left there uses the
	// same attachment.
	for _, attID := range msg.AttachmentIDs() {
		newConv.Attachments[attID] = struct{}{}
		if m.attachments != nil {
			m.attachments.AddAttachment(newConv.ConversationID, attID, func() *model.CachedAttachment {
				return model.NewCachedAttachment(attID, "", "", 0)
			})
		}
		if m.attachmentStillUsed(oldConv, attID) {
			continue
		}
		delete(oldConv.Attachments, attID)
		if m.attachments != nil {
			m.attachments.RemoveConversation(attID, oldConvID)
		}
	}

	oldDelta.DeletedMessageIDs = append(oldDelta.DeletedMessageIDs, messageID)
	newDelta.AddedMessageIDs = append(newDelta.AddedMessageIDs, messageID)
	newDelta.AddedMessages = append(newDelta.AddedMessages, model.AddedMessageEntry{
		Message:         msg,
		IsDirectMessage: newConv.ConversationType == "direct",
	})
	return MigrationResult{OldDelta: oldDelta, NewDelta: newDelta}
}

// UpdateMetadata syncs a conversation's display name and server name
// when the platform reports a
// rename. Returns false if the conversation is not yet tracked or
// nothing changed.
func (m *Manager) UpdateMetadata(platformConversationID, name, serverName string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[model.ConversationID(m.adapter, platformConversationID)]
	if !ok {
		return false
	}
	changed := false
	if name != "" && name != conv.ConversationName {
		conv.ConversationName = name
		changed = true
	}
	if serverName != "" && serverName != conv.ServerName {
		conv.ServerName = serverName
		changed = true
	}
	return changed
}

// ApplyReaction applies one add/remove reaction event: resolves the
// message, delegates to the reaction handler, and returns a delta
// carrying the single added/removed reaction entry. Reactions on
// untracked messages are dropped, since there is no cached state to
// mutate or event to anchor them to.
func (m *Manager) ApplyReaction(platformConversationID, messageID, rawEmoji string, op reaction.Op) *model.ConversationDelta {
	m.mu.Lock()
	defer m.mu.Unlock()

	convID := model.ConversationID(m.adapter, platformConversationID)
	delta := model.NewDelta(convID)

	msg, ok := m.messages.GetMessageByID(convID, messageID)
	if !ok {
		return delta
	}
	m.reactions.Apply(op, msg, rawEmoji, delta)
	return delta
}

// ApplyReactionSnapshot implements the Telegram-style reaction path:
// the platform reports the full current reaction set rather than a
// delta, so this diffs against the cached snapshot and applies the
// difference.
func (m *Manager) ApplyReactionSnapshot(platformConversationID, messageID string, newCounts map[string]int) *model.ConversationDelta {
	m.mu.Lock()
	defer m.mu.Unlock()

	convID := model.ConversationID(m.adapter, platformConversationID)
	delta := model.NewDelta(convID)

	msg, ok := m.messages.GetMessageByID(convID, messageID)
	if !ok {
		return delta
	}
	// The snapshot arrives keyed by the platform's native emoji names,
	// while the cached counts are canonical; fold the snapshot into
	// canonical form before diffing so the two maps share a domain.
	canonical := make(map[string]int, len(newCounts))
	for name, n := range newCounts {
		canonical[m.reactions.Converter.PlatformSpecificToStandard(m.reactions.Platform, name)] += n
	}
	added, removed := reaction.Diff(msg.Reactions, canonical)
	for _, emoji := range added {
		m.reactions.Apply(reaction.Added, msg, m.reactions.Converter.StandardToPlatformSpecific(m.reactions.Platform, emoji), delta)
	}
	for _, emoji := range removed {
		m.reactions.Apply(reaction.Removed, msg, m.reactions.Converter.StandardToPlatformSpecific(m.reactions.Platform, emoji), delta)
	}
	return delta
}

// SetPinned toggles a message's pinned state and mirrors it into the
// delta.
func (m *Manager) SetPinned(platformConversationID, messageID string, pinned bool) *model.ConversationDelta {
	m.mu.Lock()
	defer m.mu.Unlock()

	convID := model.ConversationID(m.adapter, platformConversationID)
	delta := model.NewDelta(convID)

	conv, ok := m.conversations[convID]
	if !ok {
		return delta
	}
	msg, ok := m.messages.GetMessageByID(convID, messageID)
	if !ok {
		return delta
	}
	if msg.IsPinned == pinned {
		return delta
	}
	msg.IsPinned = pinned
	if pinned {
		conv.PinnedMessages[messageID] = struct{}{}
		delta.PinnedMessageIDs = append(delta.PinnedMessageIDs, messageID)
	} else {
		delete(conv.PinnedMessages, messageID)
		delta.UnpinnedMessageIDs = append(delta.UnpinnedMessageIDs, messageID)
	}
	return delta
}
