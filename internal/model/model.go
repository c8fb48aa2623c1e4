// Package model holds the canonical conversation data model shared by
// every platform adapter: cached messages and attachments, thread and
// conversation records, and the delta type every manager operation
// produces.
package model

import (
	"crypto/sha256"
	"encoding/base64"
	"strings"
	"time"
)

// CachedMessage is the canonical unit of conversation state.
type CachedMessage struct {
	MessageID        string
	ConversationID   string
	ThreadID         string // empty when not part of a thread
	ReplyToMessageID string // empty when not a reply
	SenderID         string
	SenderName       string
	IsFromBot        bool
	Text             string
	Timestamp        int64 // milliseconds since epoch
	EditTimestamp    int64 // zero when never edited
	Edited           bool
	IsPinned         bool
	Reactions        map[string]int // canonical emoji name -> count, zero entries absent
	Attachments      map[string]struct{}

	// InsertSeq is a stable tie-break for eviction ordering when two
	// messages share a timestamp; the owning cache assigns it.
	InsertSeq int64
}

// NewCachedMessage builds a message record with its invariants satisfied.
func NewCachedMessage(conversationID, messageID string) *CachedMessage {
	return &CachedMessage{
		MessageID:      messageID,
		ConversationID: conversationID,
		Reactions:      make(map[string]int),
		Attachments:    make(map[string]struct{}),
	}
}

// AddReaction increments the count for an emoji.
func (m *CachedMessage) AddReaction(emoji string) {
	m.Reactions[emoji]++
}

// RemoveReaction decrements the count for an emoji, deleting the key at zero.
// Reports whether the map actually changed.
func (m *CachedMessage) RemoveReaction(emoji string) bool {
	n, ok := m.Reactions[emoji]
	if !ok {
		return false
	}
	if n <= 1 {
		delete(m.Reactions, emoji)
	} else {
		m.Reactions[emoji] = n - 1
	}
	return true
}

// AttachmentIDs returns the attachment set as a sorted-independent slice.
func (m *CachedMessage) AttachmentIDs() []string {
	ids := make([]string, 0, len(m.Attachments))
	for id := range m.Attachments {
		ids = append(ids, id)
	}
	return ids
}

// CachedAttachment is the canonical unit of attachment metadata.
type CachedAttachment struct {
	AttachmentID   string
	AttachmentType string
	FileExtension  string // empty when unknown
	CreatedAt      time.Time
	Size           int64
	Conversations  map[string]struct{}
}

// NewCachedAttachment builds an attachment record with an empty reference set.
func NewCachedAttachment(id, attachmentType, ext string, size int64) *CachedAttachment {
	return &CachedAttachment{
		AttachmentID:   id,
		AttachmentType: attachmentType,
		FileExtension:  ext,
		CreatedAt:      time.Now(),
		Size:           size,
		Conversations:  make(map[string]struct{}),
	}
}

// RelativePath returns the on-disk path fragment <type>/<id>/<id>[.ext].
func (a *CachedAttachment) RelativePath() string {
	name := a.AttachmentID
	if a.FileExtension != "" {
		name += "." + a.FileExtension
	}
	return a.AttachmentType + "/" + a.AttachmentID + "/" + name
}

// MetadataPath returns the sibling metadata JSON path fragment.
func (a *CachedAttachment) MetadataPath() string {
	return a.AttachmentType + "/" + a.AttachmentID + "/" + a.AttachmentID + ".json"
}

// Retained reports whether the attachment should still live on disk.
func (a *CachedAttachment) Retained() bool {
	return len(a.Conversations) >= 1
}

// ThreadInfo reconstructs a reply chain rooted at some message.
type ThreadInfo struct {
	ThreadID      string
	RootMessageID string
	Title         string
	LastActivity  int64
	Messages      map[string]struct{}
}

// NewThreadInfo creates a thread rooted at rootMessageID.
func NewThreadInfo(threadID, rootMessageID string) *ThreadInfo {
	return &ThreadInfo{
		ThreadID:      threadID,
		RootMessageID: rootMessageID,
		Messages:      make(map[string]struct{}),
	}
}

// Empty reports whether the thread has no member messages left.
func (t *ThreadInfo) Empty() bool {
	return len(t.Messages) == 0
}

// UserInfo is a resolved sender identity.
type UserInfo struct {
	UserID    string
	Username  string
	FirstName string
	LastName  string
	Email     string
	IsBot     bool
}

// DisplayName derives a human-facing name: username, else
// concatenated name parts, else email, else "User <id>".
func (u UserInfo) DisplayName() string {
	if u.Username != "" {
		return u.Username
	}
	name := strings.TrimSpace(strings.TrimSpace(u.FirstName) + " " + strings.TrimSpace(u.LastName))
	if name != "" {
		return name
	}
	if u.Email != "" {
		return u.Email
	}
	return "User " + u.UserID
}

// ConversationInfo is the in-memory record of one conversation.
type ConversationInfo struct {
	ConversationID         string
	PlatformConversationID string
	ConversationType       string // direct, channel, stream, thread, group
	ConversationName       string
	ServerID               string
	ServerName             string
	CreatedAt              time.Time
	LastActivity           time.Time
	KnownMembers           map[string]*UserInfo
	Messages               map[string]struct{}
	PinnedMessages         map[string]struct{}
	Threads                map[string]*ThreadInfo
	Attachments            map[string]struct{}
	JustStarted            bool
}

// NewConversationInfo creates a freshly observed conversation.
func NewConversationInfo(conversationID, platformConversationID, convType string) *ConversationInfo {
	return &ConversationInfo{
		ConversationID:         conversationID,
		PlatformConversationID: platformConversationID,
		ConversationType:       convType,
		CreatedAt:              time.Now(),
		LastActivity:           time.Now(),
		KnownMembers:           make(map[string]*UserInfo),
		Messages:               make(map[string]struct{}),
		PinnedMessages:         make(map[string]struct{}),
		Threads:                make(map[string]*ThreadInfo),
		Attachments:            make(map[string]struct{}),
		JustStarted:            true,
	}
}

// ConversationDelta is the output of every manager operation: exactly
// what changed, ready to be shaped into canonical events.
type ConversationDelta struct {
	ConversationID            string
	MessageID                 string // optional, empty when not applicable
	FetchHistory              bool
	HistoryFetchingInProgress bool

	AddedMessageIDs   []string
	UpdatedMessageIDs []string
	DeletedMessageIDs []string

	AddedMessages   []AddedMessageEntry
	UpdatedMessages []*CachedMessage

	AddedReactions   []ReactionDelta
	RemovedReactions []ReactionDelta

	PinnedMessageIDs   []string
	UnpinnedMessageIDs []string
}

// AddedMessageEntry pairs a cached message with the delta-time-only
// facts that ride along with it (mentions and DM-ness are not
// persistent message state, so they live here rather than on
// CachedMessage itself).
type AddedMessageEntry struct {
	Message         *CachedMessage
	Mentions        []string
	IsDirectMessage bool
}

// ReactionDelta describes a single reaction change for delta shaping.
type ReactionDelta struct {
	MessageID string
	Emoji     string
}

// NewDelta creates an empty delta for a conversation.
func NewDelta(conversationID string) *ConversationDelta {
	return &ConversationDelta{ConversationID: conversationID}
}

// IsEmpty reports whether the delta carries no observable change.
func (d *ConversationDelta) IsEmpty() bool {
	return !d.FetchHistory &&
		len(d.AddedMessageIDs) == 0 &&
		len(d.UpdatedMessageIDs) == 0 &&
		len(d.DeletedMessageIDs) == 0 &&
		len(d.AddedReactions) == 0 &&
		len(d.RemovedReactions) == 0 &&
		len(d.PinnedMessageIDs) == 0 &&
		len(d.UnpinnedMessageIDs) == 0
}

// ToWire renders the delta for serialization: empty lists
// are omitted rather than encoded as `[]` or `null`.
func (d *ConversationDelta) ToWire() map[string]interface{} {
	out := map[string]interface{}{
		"conversation_id": d.ConversationID,
	}
	if d.MessageID != "" {
		out["message_id"] = d.MessageID
	}
	if d.FetchHistory {
		out["fetch_history"] = true
	}
	if d.HistoryFetchingInProgress {
		out["history_fetching_in_progress"] = true
	}
	putStrings(out, "added_message_ids", d.AddedMessageIDs)
	putStrings(out, "updated_message_ids", d.UpdatedMessageIDs)
	putStrings(out, "deleted_message_ids", d.DeletedMessageIDs)
	putStrings(out, "pinned_message_ids", d.PinnedMessageIDs)
	putStrings(out, "unpinned_message_ids", d.UnpinnedMessageIDs)
	if len(d.AddedMessages) > 0 {
		out["added_messages"] = d.AddedMessages
	}
	if len(d.UpdatedMessages) > 0 {
		out["updated_messages"] = d.UpdatedMessages
	}
	if len(d.AddedReactions) > 0 {
		out["added_reactions"] = d.AddedReactions
	}
	if len(d.RemovedReactions) > 0 {
		out["removed_reactions"] = d.RemovedReactions
	}
	return out
}

func putStrings(out map[string]interface{}, key string, values []string) {
	if len(values) > 0 {
		out[key] = values
	}
}

// ConversationID derives the canonical conversation id
// "<adapter>_<suffix>", where the suffix is a URL-safe base64 encoding
// of the first 15 bytes of SHA-256(platformID), with '+' -> 'A' and
// '/' -> 'B'. Standard base64 of 15 bytes is exactly 20 characters
// with no padding, so the truncation below is a backstop, not the
// normal path. The id is byte-identical across runs for the same
// (adapter, platformID) pair.
func ConversationID(adapter, platformID string) string {
	// An id that already carries this adapter's prefix is canonical;
	// re-hashing it would derive a second id for the same conversation.
	if strings.HasPrefix(platformID, adapter+"_") {
		return platformID
	}
	sum := sha256.Sum256([]byte(platformID))
	encoded := base64.StdEncoding.EncodeToString(sum[:15])
	encoded = strings.NewReplacer("+", "A", "/", "B").Replace(encoded)
	encoded = strings.TrimRight(encoded, "=")
	if len(encoded) > 21 {
		encoded = encoded[:21]
	}
	return adapter + "_" + encoded
}
