package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/chatmesh/adapters/internal/conversation"
	"github.com/chatmesh/adapters/internal/history"
	"github.com/chatmesh/adapters/internal/model"
	"github.com/chatmesh/adapters/internal/ratelimit"
	"github.com/chatmesh/adapters/pkg/adaerr"
)

// Telegram implements the Telegram adapter over the Bot API. Telegram
// delivers reactions as a full snapshot per message rather than a
// delta, so reaction updates route through
// conversation.Manager.ApplyReactionSnapshot instead of ApplyReaction.
type Telegram struct {
	*Base
	botToken string
}

// NewTelegram builds a Telegram adapter bound to botToken.
func NewTelegram(base Base, botToken string) *Telegram {
	return &Telegram{Base: NewBase("telegram", base), botToken: botToken}
}

func (t *Telegram) apiBase() string {
	return "https://api.telegram.org/bot" + t.botToken
}

// TelegramMentionExtractor reads "text_mention" entities off a Telegram
// message payload and returns their user ids; plain "mention"
// (@username) entities are skipped.
func TelegramMentionExtractor(raw interface{}) []string {
	m, ok := raw.(map[string]interface{})
	if !ok {
		return nil
	}
	var ids []string
	for _, e := range getSlice(m, "entities") {
		ent, ok := e.(map[string]interface{})
		if !ok {
			continue
		}
		if getString(ent, "type") != "text_mention" {
			continue
		}
		user := getMap(ent, "user")
		if id := getID(user, "id"); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// HandleMessage normalizes a Telegram Bot API "message" update.
func (t *Telegram) HandleMessage(raw map[string]interface{}) {
	chat := getMap(raw, "chat")
	from := getMap(raw, "from")
	chatID := getID(chat, "id")

	convType := "channel"
	if getString(chat, "type") == "private" {
		convType = "direct"
	}

	var attachmentIDs []string
	if doc := getMap(raw, "document"); doc != nil {
		if id := getString(doc, "file_id"); id != "" {
			t.registerAttachment(chatID, id, func() *model.CachedAttachment {
				return model.NewCachedAttachment(id, "telegram_document", "", 0)
			})
			attachmentIDs = append(attachmentIDs, id)
		}
	}

	ts := time.Unix(int64(getFloat(raw, "date")), 0)

	delta := t.Manager.AddToConversation(conversation.AddParams{
		PlatformConversationID: chatID,
		ConversationType:       convType,
		MessageID:              getID(raw, "message_id"),
		SenderID:               getID(from, "id"),
		SenderName:             getString(from, "username"),
		IsFromBot:              getBool(from, "is_bot"),
		Text:                   getString(raw, "text"),
		Timestamp:              ts,
		AttachmentIDs:          attachmentIDs,
		RawMessage:             raw,
	})
	t.emitDelta(delta)
}

// HandleEditedMessage normalizes Telegram's "edited_message" update.
func (t *Telegram) HandleEditedMessage(chatID string, oldRaw, newRaw map[string]interface{}) {
	ts := time.Unix(int64(getFloat(newRaw, "edit_date")), 0)
	delta := t.Manager.UpdateConversation(conversation.UpdateParams{
		PlatformConversationID: chatID,
		MessageID:              getID(newRaw, "message_id"),
		NewText:                getString(newRaw, "text"),
		EditTimestamp:          ts,
		OldRawMessage:          oldRaw,
		NewRawMessage:          newRaw,
	})
	t.emitDelta(delta)
}

// HandleChatPinnedMessage normalizes the "pinned_message" service field
// Telegram attaches to a chat update when a message is pinned. The Bot
// API gives bots no corresponding unpin notification, so only the pin
// direction is wired here.
func (t *Telegram) HandleChatPinnedMessage(chatID, messageID string) {
	delta := t.Manager.SetPinned(chatID, messageID, true)
	t.emitDelta(delta)
}

// HandleMessageReaction normalizes a "message_reaction" update, which
// Telegram reports as the message's full current reaction set rather
// than an add/remove delta.
func (t *Telegram) HandleMessageReaction(chatID, messageID string, newCounts map[string]int) {
	delta := t.Manager.ApplyReactionSnapshot(chatID, messageID, newCounts)
	t.emitDelta(delta)
}

// SendMessage sends text to a chat, optionally as a reply.
func (t *Telegram) SendMessage(ctx context.Context, chatID, conversationID, text, replyToMessageID string) (string, error) {
	if err := t.Limiter.LimitRequest(ctx, ratelimit.KindMessage, conversationID); err != nil {
		return "", adaerr.Wrap(adaerr.CategoryRateLimit, "telegram_send", true, err)
	}
	body := map[string]interface{}{"chat_id": chatID, "text": text}
	if replyToMessageID != "" {
		body["reply_to_message_id"] = replyToMessageID
	}
	var resp struct {
		OK     bool `json:"ok"`
		Result struct {
			MessageID int `json:"message_id"`
		} `json:"result"`
		Description string `json:"description"`
	}
	if err := t.do(ctx, "sendMessage", body, &resp); err != nil {
		return "", err
	}
	if !resp.OK {
		return "", adaerr.New(adaerr.CategoryPlatform, "telegram_send_failed", resp.Description, true)
	}
	return fmt.Sprintf("%d", resp.Result.MessageID), nil
}

// EditMessage edits the text of a previously sent message.
func (t *Telegram) EditMessage(ctx context.Context, chatID, conversationID, messageID, text string) error {
	if err := t.Limiter.LimitRequest(ctx, ratelimit.KindEditMessage, conversationID); err != nil {
		return adaerr.Wrap(adaerr.CategoryRateLimit, "telegram_edit", true, err)
	}
	return t.do(ctx, "editMessageText", map[string]interface{}{"chat_id": chatID, "message_id": messageID, "text": text}, nil)
}

// DeleteMessage deletes a previously sent message.
func (t *Telegram) DeleteMessage(ctx context.Context, chatID, conversationID, messageID string) error {
	if err := t.Limiter.LimitRequest(ctx, ratelimit.KindDeleteMessage, conversationID); err != nil {
		return adaerr.Wrap(adaerr.CategoryRateLimit, "telegram_delete", true, err)
	}
	return t.do(ctx, "deleteMessage", map[string]interface{}{"chat_id": chatID, "message_id": messageID}, nil)
}

// SetReaction sets the bot's reaction list on a message (Telegram's
// setMessageReaction replaces the bot's own reaction set wholesale, so
// both add and remove route through this one call).
func (t *Telegram) SetReaction(ctx context.Context, chatID, conversationID, messageID string, canonicalEmojis []string) error {
	if err := t.Limiter.LimitRequest(ctx, ratelimit.KindAddReaction, conversationID); err != nil {
		return adaerr.Wrap(adaerr.CategoryRateLimit, "telegram_react", true, err)
	}
	reactions := make([]map[string]string, 0, len(canonicalEmojis))
	for _, e := range canonicalEmojis {
		reactions = append(reactions, map[string]string{
			"type":  "emoji",
			"emoji": t.Emoji.StandardToPlatformSpecific("telegram", e),
		})
	}
	return t.do(ctx, "setMessageReaction", map[string]interface{}{
		"chat_id":    chatID,
		"message_id": messageID,
		"reaction":   reactions,
	}, nil)
}

// AddReaction sets the bot's reaction to a single emoji, per the
// dispatch.Adapter contract. Telegram has no incremental add; this
// replaces the bot's reaction set outright.
func (t *Telegram) AddReaction(ctx context.Context, chatID, conversationID, messageID, canonicalEmoji string) error {
	return t.SetReaction(ctx, chatID, conversationID, messageID, []string{canonicalEmoji})
}

// RemoveReaction clears the bot's reaction set on a message, per the
// dispatch.Adapter contract.
func (t *Telegram) RemoveReaction(ctx context.Context, chatID, conversationID, messageID, canonicalEmoji string) error {
	return t.SetReaction(ctx, chatID, conversationID, messageID, nil)
}

// FetchMessages implements history.API. The Bot API has no native
// paged history endpoint for arbitrary chats, so adapters deployed
// against it rely on the message cache plus forwarded updates; this
// returns an empty page rather than failing the fetch outright.
func (t *Telegram) FetchMessages(ctx context.Context, chatID, anchorID string, anchor history.Anchor, limit int) ([]history.RawMessage, error) {
	return nil, nil
}

// ResolveSender implements history.API's sender lookup via getChat.
func (t *Telegram) ResolveSender(ctx context.Context, userID string) (*model.UserInfo, error) {
	if err := t.Limiter.LimitRequest(ctx, ratelimit.KindGetUserInfo, ""); err != nil {
		return nil, adaerr.Wrap(adaerr.CategoryRateLimit, "telegram_user", true, err)
	}
	var resp struct {
		OK     bool `json:"ok"`
		Result struct {
			ID        int64  `json:"id"`
			Username  string `json:"username"`
			FirstName string `json:"first_name"`
			LastName  string `json:"last_name"`
		} `json:"result"`
	}
	if err := t.do(ctx, "getChat", map[string]interface{}{"chat_id": userID}, &resp); err != nil {
		return nil, err
	}
	return &model.UserInfo{
		UserID:    fmt.Sprintf("%d", resp.Result.ID),
		Username:  resp.Result.Username,
		FirstName: resp.Result.FirstName,
		LastName:  resp.Result.LastName,
	}, nil
}

func getFloat(m map[string]interface{}, key string) float64 {
	if m == nil {
		return 0
	}
	v, _ := m[key].(float64)
	return v
}

func (t *Telegram) do(ctx context.Context, method string, body interface{}, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return adaerr.Wrap(adaerr.CategoryInternal, "telegram_marshal", false, err)
	}
	req, err := http.NewRequestWithContext(ctx, "POST", t.apiBase()+"/"+method, bytes.NewReader(payload))
	if err != nil {
		return adaerr.Wrap(adaerr.CategoryInternal, "telegram_request", false, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.HTTPClient.Do(req)
	if err != nil {
		return adaerr.Wrap(adaerr.CategoryNetwork, "telegram_http", true, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return adaerr.New(adaerr.CategoryRateLimit, "telegram_429", "telegram returned 429", true)
	}
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		return adaerr.New(adaerr.CategoryPlatform, fmt.Sprintf("telegram_%d", resp.StatusCode), string(data), resp.StatusCode >= 500)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
