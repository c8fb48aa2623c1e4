package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/chatmesh/adapters/internal/conversation"
	"github.com/chatmesh/adapters/internal/history"
	"github.com/chatmesh/adapters/internal/model"
	"github.com/chatmesh/adapters/internal/ratelimit"
	"github.com/chatmesh/adapters/internal/reaction"
	"github.com/chatmesh/adapters/pkg/adaerr"
)

var (
	zulipAllMentionPattern    = regexp.MustCompile(`@\*\*all\*\*`)
	zulipNameMentionPattern   = regexp.MustCompile(`@\*\*([^*|]+)\*\*`)
	zulipSilentMentionPattern = regexp.MustCompile(`@_\*\*[^|*]+\|(\d+)\*\*`)
)

// NewZulipMentionExtractor builds a conversation.MentionExtractor bound to
// this bot's own display name and numeric user id. Unlike Discord or
// Slack, Zulip has no structured mentions field; mention targets are
// markup embedded in the message body: "@**Name**"
// against the bot's adapter name, the wildcard "@**all**", and the
// unambiguous silent-mention form "@_**Name|id**" against the bot's
// adapter id.
func NewZulipMentionExtractor(botName, botUserID string) func(raw interface{}) []string {
	return func(raw interface{}) []string {
		m, ok := raw.(map[string]interface{})
		if !ok {
			return nil
		}
		content := getString(m, "content")
		if content == "" {
			return nil
		}

		var mentions []string
		if zulipAllMentionPattern.MatchString(content) {
			mentions = append(mentions, botUserID)
		}
		for _, match := range zulipNameMentionPattern.FindAllStringSubmatch(content, -1) {
			if match[1] == "all" {
				continue
			}
			if match[1] == botName {
				mentions = append(mentions, botUserID)
			}
		}
		for _, match := range zulipSilentMentionPattern.FindAllStringSubmatch(content, -1) {
			mentions = append(mentions, match[1])
		}
		return mentions
	}
}

// Zulip implements the Zulip adapter over the REST API
// (zulip.com/api), authenticating as a bot with HTTP basic auth
// (email + API key) rather than a bearer token.
type Zulip struct {
	*Base
	site     string
	botEmail string
	apiKey   string
}

// NewZulip builds a Zulip adapter bound to a realm (site) and bot
// credentials.
func NewZulip(base Base, site, botEmail, apiKey string) *Zulip {
	return &Zulip{Base: NewBase("zulip", base), site: strings.TrimRight(site, "/"), botEmail: botEmail, apiKey: apiKey}
}

// zulipConversationID folds a Zulip stream+topic pair into the single
// platform conversation id the rest of the adapter layer expects; a
// private message conversation uses its own numeric recipient id
// instead.
func zulipConversationID(raw map[string]interface{}) string {
	msg := getMap(raw, "message")
	if msg == nil {
		msg = raw
	}
	if getString(msg, "type") == "private" {
		return "dm_" + getID(msg, "recipient_id")
	}
	return getString(msg, "display_recipient") + "/" + getString(msg, "subject")
}

// HandleMessage normalizes Zulip's "message" event webhook payload.
func (z *Zulip) HandleMessage(event map[string]interface{}) {
	msg := getMap(event, "message")
	if msg == nil {
		msg = event
	}
	sender := map[string]interface{}{
		"id":       fmt.Sprintf("%v", msg["sender_id"]),
		"username": getString(msg, "sender_full_name"),
		"is_bot":   getString(msg, "sender_email") == z.botEmail,
	}

	convID := zulipConversationID(event)
	convType := "channel"
	var streamID, streamName string
	if getString(msg, "type") == "private" {
		convType = "direct"
	} else {
		streamID = fmt.Sprintf("%v", msg["stream_id"])
		streamName = getString(msg, "display_recipient")
	}

	ts := time.Unix(int64(getFloat(msg, "timestamp")), 0)

	delta := z.Manager.AddToConversation(conversation.AddParams{
		PlatformConversationID: convID,
		ConversationType:       convType,
		ServerID:               streamID,
		ServerName:             streamName,
		MessageID:              fmt.Sprintf("%v", msg["id"]),
		SenderID:               getString(sender, "id"),
		SenderName:             getString(sender, "username"),
		IsFromBot:              getBool(sender, "is_bot"),
		Text:                   getString(msg, "content"),
		Timestamp:              ts,
		RawMessage:             msg,
	})
	z.emitDelta(delta)
}

// HandleTopicChange normalizes Zulip's "update_message" event when it
// moves messages to a new stream/topic rather than just editing text
// (the event's message_ids batches every message being moved at once,
// per Zulip's "propagate_mode" semantics). Each moved message is
// migrated independently, producing a deleted-from-old delta and an
// added-to-new delta.
func (z *Zulip) HandleTopicChange(event map[string]interface{}) {
	origStream := fmt.Sprintf("%v", event["stream_id"])
	newStream := origStream
	if event["new_stream_id"] != nil {
		newStream = fmt.Sprintf("%v", event["new_stream_id"])
	}
	origTopic := getString(event, "orig_subject")
	newTopic := getString(event, "subject")
	if origTopic == "" || newTopic == "" {
		return
	}
	if origTopic == newTopic && origStream == newStream {
		return
	}

	oldConvID := getString(event, "orig_display_recipient") + "/" + origTopic
	newConvID := getString(event, "display_recipient") + "/" + newTopic

	var messageIDs []string
	for _, id := range getSlice(event, "message_ids") {
		messageIDs = append(messageIDs, fmt.Sprintf("%v", id))
	}
	for _, messageID := range messageIDs {
		result := z.Manager.MigrateBetweenConversations(oldConvID, newConvID, messageID, "channel")
		z.emitDelta(result.OldDelta)
		z.emitDelta(result.NewDelta)
	}
}

// HandleStreamRename normalizes Zulip's "stream" event (op "update",
// property "name"): every conversation tracked under the renamed
// stream has its ServerName updated; a stream rename touches every
// conversation grouped under it. Zulip has no rename-specific
// canonical wire event, so this is bookkeeping only and emits nothing
// upstream.
func (z *Zulip) HandleStreamRename(streamID, newStreamName string) {
	for _, conv := range z.Manager.ConversationsByServer(streamID) {
		z.Manager.UpdateMetadata(conv.PlatformConversationID, conv.ConversationName, newStreamName)
	}
}

// HandleMessageUpdate normalizes Zulip's "update_message" event.
func (z *Zulip) HandleMessageUpdate(convID string, oldRaw, newRaw map[string]interface{}) {
	ts := time.Now()
	if renderedAt := getFloat(newRaw, "edit_timestamp"); renderedAt > 0 {
		ts = time.Unix(int64(renderedAt), 0)
	}
	delta := z.Manager.UpdateConversation(conversation.UpdateParams{
		PlatformConversationID: convID,
		MessageID:              fmt.Sprintf("%v", newRaw["message_id"]),
		NewText:                getString(newRaw, "content"),
		EditTimestamp:          ts,
		OldRawMessage:          oldRaw,
		NewRawMessage:          newRaw,
	})
	z.emitDelta(delta)
}

// HandleMessageDelete normalizes Zulip's "delete_message" event.
func (z *Zulip) HandleMessageDelete(convID, messageID string) {
	delta := z.Manager.DeleteFromConversation(convID, messageID)
	z.emitDelta(delta)
}

// HandleReactionAdd normalizes Zulip's "reaction" event with op "add".
func (z *Zulip) HandleReactionAdd(convID, messageID, emojiName string) {
	delta := z.Manager.ApplyReaction(convID, messageID, emojiName, reaction.Added)
	z.emitDelta(delta)
}

// HandleReactionRemove normalizes a "reaction" event with op "remove".
func (z *Zulip) HandleReactionRemove(convID, messageID, emojiName string) {
	delta := z.Manager.ApplyReaction(convID, messageID, emojiName, reaction.Removed)
	z.emitDelta(delta)
}

// SendMessage posts to a stream/topic or private conversation. For
// stream conversations convID must be "stream/topic"; for direct
// conversations it is the literal recipient string Zulip expects ("dm_"
// prefixed ids are stripped back to the bare recipient id).
func (z *Zulip) SendMessage(ctx context.Context, convID, conversationID, text, replyToMessageID string) (string, error) {
	if err := z.Limiter.LimitRequest(ctx, ratelimit.KindMessage, conversationID); err != nil {
		return "", adaerr.Wrap(adaerr.CategoryRateLimit, "zulip_send", true, err)
	}

	form := url.Values{"content": {text}}
	if strings.HasPrefix(convID, "dm_") {
		form.Set("type", "private")
		form.Set("to", strings.TrimPrefix(convID, "dm_"))
	} else {
		stream, topic, _ := strings.Cut(convID, "/")
		form.Set("type", "stream")
		form.Set("to", stream)
		form.Set("topic", topic)
	}

	var resp struct {
		Result string `json:"result"`
		Msg    string `json:"msg"`
		ID     int    `json:"id"`
	}
	if err := z.do(ctx, "POST", "/api/v1/messages", form, &resp); err != nil {
		return "", err
	}
	if resp.Result != "success" {
		return "", adaerr.New(adaerr.CategoryPlatform, "zulip_send_failed", resp.Msg, true)
	}
	return strconv.Itoa(resp.ID), nil
}

// EditMessage edits the content of a previously sent message.
func (z *Zulip) EditMessage(ctx context.Context, convID, conversationID, messageID, text string) error {
	if err := z.Limiter.LimitRequest(ctx, ratelimit.KindEditMessage, conversationID); err != nil {
		return adaerr.Wrap(adaerr.CategoryRateLimit, "zulip_edit", true, err)
	}
	form := url.Values{"content": {text}}
	return z.do(ctx, "PATCH", "/api/v1/messages/"+messageID, form, nil)
}

// DeleteMessage deletes a previously sent message.
func (z *Zulip) DeleteMessage(ctx context.Context, convID, conversationID, messageID string) error {
	if err := z.Limiter.LimitRequest(ctx, ratelimit.KindDeleteMessage, conversationID); err != nil {
		return adaerr.Wrap(adaerr.CategoryRateLimit, "zulip_delete", true, err)
	}
	return z.do(ctx, "DELETE", "/api/v1/messages/"+messageID, nil, nil)
}

// AddReaction adds the bot's reaction to a message.
func (z *Zulip) AddReaction(ctx context.Context, convID, conversationID, messageID, canonicalEmoji string) error {
	if err := z.Limiter.LimitRequest(ctx, ratelimit.KindAddReaction, conversationID); err != nil {
		return adaerr.Wrap(adaerr.CategoryRateLimit, "zulip_react", true, err)
	}
	form := url.Values{"emoji_name": {z.Emoji.StandardToPlatformSpecific("zulip", canonicalEmoji)}}
	return z.do(ctx, "POST", "/api/v1/messages/"+messageID+"/reactions", form, nil)
}

// RemoveReaction removes the bot's own reaction from a message.
func (z *Zulip) RemoveReaction(ctx context.Context, convID, conversationID, messageID, canonicalEmoji string) error {
	if err := z.Limiter.LimitRequest(ctx, ratelimit.KindRemoveReaction, conversationID); err != nil {
		return adaerr.Wrap(adaerr.CategoryRateLimit, "zulip_unreact", true, err)
	}
	form := url.Values{"emoji_name": {z.Emoji.StandardToPlatformSpecific("zulip", canonicalEmoji)}}
	return z.do(ctx, "DELETE", "/api/v1/messages/"+messageID+"/reactions", form, nil)
}

// FetchMessages implements history.API via Zulip's narrow-based
// message-fetch endpoint, anchored on a numeric message id.
func (z *Zulip) FetchMessages(ctx context.Context, convID, anchorID string, anchor history.Anchor, limit int) ([]history.RawMessage, error) {
	if err := z.Limiter.LimitRequest(ctx, ratelimit.KindFetchHistory, ""); err != nil {
		return nil, adaerr.Wrap(adaerr.CategoryRateLimit, "zulip_history", true, err)
	}

	narrow := `[{"operator":"stream","operand":""}]`
	stream, topic, hasTopic := strings.Cut(convID, "/")
	if hasTopic {
		narrow = fmt.Sprintf(`[{"operator":"stream","operand":%q},{"operator":"topic","operand":%q}]`, stream, topic)
	}

	anchorParam := "newest"
	numBefore, numAfter := 0, limit
	if anchorID != "" {
		anchorParam = anchorID
		if anchor == history.Before {
			numBefore, numAfter = limit, 0
		} else {
			numBefore, numAfter = 0, limit
		}
	}

	form := url.Values{
		"anchor":         {anchorParam},
		"num_before":     {strconv.Itoa(numBefore)},
		"num_after":      {strconv.Itoa(numAfter)},
		"narrow":         {narrow},
		"apply_markdown": {"false"},
	}
	var resp struct {
		Result   string                   `json:"result"`
		Messages []map[string]interface{} `json:"messages"`
	}
	if err := z.do(ctx, "GET", "/api/v1/messages?"+form.Encode(), nil, &resp); err != nil {
		return nil, err
	}

	out := make([]history.RawMessage, 0, len(resp.Messages))
	for _, raw := range resp.Messages {
		raw := raw
		ts := time.Unix(int64(getFloat(raw, "timestamp")), 0)
		senderID := fmt.Sprintf("%v", raw["sender_id"])
		out = append(out, history.RawMessage{
			MessageID: fmt.Sprintf("%v", raw["id"]),
			SenderID:  senderID,
			Timestamp: ts,
			Build: func(sender *model.UserInfo) *model.CachedMessage {
				cm := model.NewCachedMessage("", fmt.Sprintf("%v", raw["id"]))
				cm.SenderID = senderID
				cm.SenderName = getString(raw, "sender_full_name")
				cm.IsFromBot = getString(raw, "sender_email") == z.botEmail
				cm.Text = getString(raw, "content")
				cm.Timestamp = ts.UnixMilli()
				return cm
			},
		})
	}
	return out, nil
}

// ResolveSender implements history.API's sender lookup.
func (z *Zulip) ResolveSender(ctx context.Context, userID string) (*model.UserInfo, error) {
	if err := z.Limiter.LimitRequest(ctx, ratelimit.KindGetUserInfo, ""); err != nil {
		return nil, adaerr.Wrap(adaerr.CategoryRateLimit, "zulip_user", true, err)
	}
	var resp struct {
		Result string `json:"result"`
		Member struct {
			UserID   int    `json:"user_id"`
			FullName string `json:"full_name"`
			Email    string `json:"email"`
			IsBot    bool   `json:"is_bot"`
		} `json:"member"`
	}
	if err := z.do(ctx, "GET", "/api/v1/users/"+userID, nil, &resp); err != nil {
		return nil, err
	}
	return &model.UserInfo{
		UserID:   strconv.Itoa(resp.Member.UserID),
		Username: resp.Member.FullName,
		IsBot:    resp.Member.IsBot,
	}, nil
}

func (z *Zulip) do(ctx context.Context, method, path string, form url.Values, out interface{}) error {
	var reader io.Reader
	if form != nil && method != "GET" {
		reader = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, z.site+path, reader)
	if err != nil {
		return adaerr.Wrap(adaerr.CategoryInternal, "zulip_request", false, err)
	}
	req.SetBasicAuth(z.botEmail, z.apiKey)
	if reader != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := z.HTTPClient.Do(req)
	if err != nil {
		return adaerr.Wrap(adaerr.CategoryNetwork, "zulip_http", true, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return adaerr.New(adaerr.CategoryRateLimit, "zulip_429", "zulip returned 429", true)
	}
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		return adaerr.New(adaerr.CategoryPlatform, fmt.Sprintf("zulip_%d", resp.StatusCode), string(data), resp.StatusCode >= 500)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
