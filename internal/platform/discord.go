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
	"github.com/chatmesh/adapters/internal/reaction"
	"github.com/chatmesh/adapters/pkg/adaerr"
)

const discordAPIBase = "https://discord.com/api/v10"

// Discord implements the Discord adapter: REST calls over
// discord.com/api plus gateway-delivered event normalization. The
// gateway connection itself (websocket to Discord) is out of scope
// here; HandleMessageCreate et al. are the normalization entry points
// a gateway client would call with each decoded payload.
type Discord struct {
	*Base
	botToken string
	guildID  string
}

// NewDiscord builds a Discord adapter bound to botToken.
func NewDiscord(base Base, botToken, guildID string) *Discord {
	b := NewBase("discord", base)
	return &Discord{Base: b, botToken: botToken, guildID: guildID}
}

// DiscordMentionExtractor reads the mentions array of a MESSAGE_CREATE
// payload (map[string]interface{} as decoded from JSON).
func DiscordMentionExtractor(raw interface{}) []string {
	m, ok := raw.(map[string]interface{})
	if !ok {
		return nil
	}
	var ids []string
	for _, u := range getSlice(m, "mentions") {
		user, ok := u.(map[string]interface{})
		if !ok {
			continue
		}
		if id := getString(user, "id"); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// HandleMessageCreate normalizes a MESSAGE_CREATE gateway payload.
func (d *Discord) HandleMessageCreate(raw map[string]interface{}) {
	author := getMap(raw, "author")
	convType := "channel"
	if d.guildID == "" || getString(raw, "guild_id") == "" {
		convType = "direct"
	}

	ts, _ := time.Parse(time.RFC3339, getString(raw, "timestamp"))

	channelID := getString(raw, "channel_id")
	var attachmentIDs []string
	for _, a := range getSlice(raw, "attachments") {
		att, ok := a.(map[string]interface{})
		if !ok {
			continue
		}
		id := getString(att, "id")
		if id == "" {
			continue
		}
		d.registerAttachment(channelID, id, func() *model.CachedAttachment {
			return model.NewCachedAttachment(id, "discord_attachment", "", 0)
		})
		attachmentIDs = append(attachmentIDs, id)
	}

	delta := d.Manager.AddToConversation(conversation.AddParams{
		PlatformConversationID: channelID,
		ConversationType:       convType,
		ServerID:               getString(raw, "guild_id"),
		MessageID:              getString(raw, "id"),
		SenderID:               getString(author, "id"),
		SenderName:             getString(author, "username"),
		IsFromBot:              getBool(author, "bot"),
		Text:                   getString(raw, "content"),
		Timestamp:              ts,
		AttachmentIDs:          attachmentIDs,
		RawMessage:             raw,
	})
	d.emitDelta(delta)
}

// HandleMessageUpdate normalizes a MESSAGE_UPDATE gateway payload.
func (d *Discord) HandleMessageUpdate(oldRaw, newRaw map[string]interface{}) {
	ts, _ := time.Parse(time.RFC3339, getString(newRaw, "edited_timestamp"))
	delta := d.Manager.UpdateConversation(conversation.UpdateParams{
		PlatformConversationID: getString(newRaw, "channel_id"),
		MessageID:              getString(newRaw, "id"),
		NewText:                getString(newRaw, "content"),
		EditTimestamp:          ts,
		OldRawMessage:          oldRaw,
		NewRawMessage:          newRaw,
	})
	d.emitDelta(delta)
}

// HandleMessageDelete normalizes a MESSAGE_DELETE gateway payload.
func (d *Discord) HandleMessageDelete(channelID, messageID string) {
	delta := d.Manager.DeleteFromConversation(channelID, messageID)
	d.emitDelta(delta)
}

// HandleMessagePinStatus normalizes the pinned-flag transition a
// MESSAGE_UPDATE payload carries when a message is pinned or unpinned
// (Discord's CHANNEL_PINS_UPDATE event names the channel but not the
// message, so the pin/unpin itself is read off the message payload).
func (d *Discord) HandleMessagePinStatus(channelID, messageID string, pinned bool) {
	delta := d.Manager.SetPinned(channelID, messageID, pinned)
	d.emitDelta(delta)
}

// HandleReactionAdd normalizes a MESSAGE_REACTION_ADD gateway payload.
func (d *Discord) HandleReactionAdd(channelID, messageID, emojiName string) {
	delta := d.Manager.ApplyReaction(channelID, messageID, emojiName, reaction.Added)
	d.emitDelta(delta)
}

// HandleReactionRemove normalizes a MESSAGE_REACTION_REMOVE payload.
func (d *Discord) HandleReactionRemove(channelID, messageID, emojiName string) {
	delta := d.Manager.ApplyReaction(channelID, messageID, emojiName, reaction.Removed)
	d.emitDelta(delta)
}

// SendMessage posts text to a Discord channel, optionally as a reply.
func (d *Discord) SendMessage(ctx context.Context, channelID, conversationID, text, replyToMessageID string) (string, error) {
	if err := d.Limiter.LimitRequest(ctx, ratelimit.KindMessage, conversationID); err != nil {
		return "", adaerr.Wrap(adaerr.CategoryRateLimit, "discord_send", true, err)
	}

	body := map[string]interface{}{"content": text}
	if replyToMessageID != "" {
		body["message_reference"] = map[string]string{"message_id": replyToMessageID}
	}
	var resp struct {
		ID string `json:"id"`
	}
	if err := d.do(ctx, "POST", fmt.Sprintf("/channels/%s/messages", channelID), body, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// EditMessage edits the text of a previously sent message.
func (d *Discord) EditMessage(ctx context.Context, channelID, conversationID, messageID, text string) error {
	if err := d.Limiter.LimitRequest(ctx, ratelimit.KindEditMessage, conversationID); err != nil {
		return adaerr.Wrap(adaerr.CategoryRateLimit, "discord_edit", true, err)
	}
	return d.do(ctx, "PATCH", fmt.Sprintf("/channels/%s/messages/%s", channelID, messageID), map[string]interface{}{"content": text}, nil)
}

// DeleteMessage deletes a previously sent message.
func (d *Discord) DeleteMessage(ctx context.Context, channelID, conversationID, messageID string) error {
	if err := d.Limiter.LimitRequest(ctx, ratelimit.KindDeleteMessage, conversationID); err != nil {
		return adaerr.Wrap(adaerr.CategoryRateLimit, "discord_delete", true, err)
	}
	return d.do(ctx, "DELETE", fmt.Sprintf("/channels/%s/messages/%s", channelID, messageID), nil, nil)
}

// AddReaction reacts to a message with the bot's own account.
func (d *Discord) AddReaction(ctx context.Context, channelID, conversationID, messageID, canonicalEmoji string) error {
	if err := d.Limiter.LimitRequest(ctx, ratelimit.KindAddReaction, conversationID); err != nil {
		return adaerr.Wrap(adaerr.CategoryRateLimit, "discord_react", true, err)
	}
	native := d.Emoji.StandardToPlatformSpecific("discord", canonicalEmoji)
	return d.do(ctx, "PUT", fmt.Sprintf("/channels/%s/messages/%s/reactions/%s/@me", channelID, messageID, native), nil, nil)
}

// RemoveReaction removes the bot's own reaction from a message.
func (d *Discord) RemoveReaction(ctx context.Context, channelID, conversationID, messageID, canonicalEmoji string) error {
	if err := d.Limiter.LimitRequest(ctx, ratelimit.KindRemoveReaction, conversationID); err != nil {
		return adaerr.Wrap(adaerr.CategoryRateLimit, "discord_unreact", true, err)
	}
	native := d.Emoji.StandardToPlatformSpecific("discord", canonicalEmoji)
	return d.do(ctx, "DELETE", fmt.Sprintf("/channels/%s/messages/%s/reactions/%s/@me", channelID, messageID, native), nil, nil)
}

// FetchMessages implements history.API for Discord's paged channel
// message history (before/after query params keyed by snowflake id).
func (d *Discord) FetchMessages(ctx context.Context, channelID, anchorID string, anchor history.Anchor, limit int) ([]history.RawMessage, error) {
	if err := d.Limiter.LimitRequest(ctx, ratelimit.KindFetchHistory, ""); err != nil {
		return nil, adaerr.Wrap(adaerr.CategoryRateLimit, "discord_history", true, err)
	}

	path := fmt.Sprintf("/channels/%s/messages?limit=%d", channelID, limit)
	if anchorID != "" {
		if anchor == history.Before {
			path += "&before=" + anchorID
		} else {
			path += "&after=" + anchorID
		}
	}
	var raws []map[string]interface{}
	if err := d.do(ctx, "GET", path, nil, &raws); err != nil {
		return nil, err
	}

	out := make([]history.RawMessage, 0, len(raws))
	for _, raw := range raws {
		raw := raw
		author := getMap(raw, "author")
		ts, _ := time.Parse(time.RFC3339, getString(raw, "timestamp"))
		out = append(out, history.RawMessage{
			MessageID: getString(raw, "id"),
			SenderID:  getString(author, "id"),
			Timestamp: ts,
			Build: func(sender *model.UserInfo) *model.CachedMessage {
				cm := model.NewCachedMessage("", getString(raw, "id"))
				cm.SenderID = getString(author, "id")
				cm.SenderName = getString(author, "username")
				cm.IsFromBot = getBool(author, "bot")
				cm.Text = getString(raw, "content")
				cm.Timestamp = ts.UnixMilli()
				return cm
			},
		})
	}
	return out, nil
}

// ResolveSender implements history.API's sender lookup.
func (d *Discord) ResolveSender(ctx context.Context, userID string) (*model.UserInfo, error) {
	if err := d.Limiter.LimitRequest(ctx, ratelimit.KindGetUserInfo, ""); err != nil {
		return nil, adaerr.Wrap(adaerr.CategoryRateLimit, "discord_user", true, err)
	}
	var resp struct {
		ID       string `json:"id"`
		Username string `json:"username"`
		Bot      bool   `json:"bot"`
	}
	if err := d.do(ctx, "GET", "/users/"+userID, nil, &resp); err != nil {
		return nil, err
	}
	return &model.UserInfo{UserID: resp.ID, Username: resp.Username, IsBot: resp.Bot}, nil
}

func (d *Discord) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return adaerr.Wrap(adaerr.CategoryInternal, "discord_marshal", false, err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, discordAPIBase+path, reader)
	if err != nil {
		return adaerr.Wrap(adaerr.CategoryInternal, "discord_request", false, err)
	}
	req.Header.Set("Authorization", "Bot "+d.botToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := d.HTTPClient.Do(req)
	if err != nil {
		return adaerr.Wrap(adaerr.CategoryNetwork, "discord_http", true, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return adaerr.New(adaerr.CategoryRateLimit, "discord_429", "discord returned 429", true)
	}
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		return adaerr.New(adaerr.CategoryPlatform, fmt.Sprintf("discord_%d", resp.StatusCode), string(data), resp.StatusCode >= 500)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
