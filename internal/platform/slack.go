package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
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

const slackAPIBase = "https://slack.com/api"

// Slack implements the Slack adapter over the Web API plus Events API
// webhook payloads.
type Slack struct {
	*Base
	botToken string
}

// NewSlack builds a Slack adapter bound to botToken.
func NewSlack(base Base, botToken string) *Slack {
	return &Slack{Base: NewBase("slack", base), botToken: botToken}
}

// SlackMentionExtractor scans message text for Slack's <@U12345> user
// mention markup.
func SlackMentionExtractor(raw interface{}) []string {
	m, ok := raw.(map[string]interface{})
	if !ok {
		return nil
	}
	text := getString(m, "text")
	var ids []string
	for {
		start := strings.Index(text, "<@")
		if start == -1 {
			break
		}
		end := strings.IndexByte(text[start:], '>')
		if end == -1 {
			break
		}
		id := text[start+2 : start+end]
		if pipe := strings.IndexByte(id, '|'); pipe != -1 {
			id = id[:pipe]
		}
		if id != "" {
			ids = append(ids, id)
		}
		text = text[start+end+1:]
	}
	return ids
}

// slackTimestamp parses Slack's "1234567890.123456" ts into a time.
func slackTimestamp(ts string) time.Time {
	sec, err := strconv.ParseFloat(ts, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(0, int64(sec*float64(time.Second)))
}

// HandleMessageEvent normalizes a Slack Events API "message" event.
func (s *Slack) HandleMessageEvent(raw map[string]interface{}) {
	channel := getString(raw, "channel")
	channelType := getString(raw, "channel_type")
	convType := "channel"
	if channelType == "im" {
		convType = "direct"
	}

	var attachmentIDs []string
	for _, f := range getSlice(raw, "files") {
		file, ok := f.(map[string]interface{})
		if !ok {
			continue
		}
		id := getString(file, "id")
		if id == "" {
			continue
		}
		s.registerAttachment(channel, id, func() *model.CachedAttachment {
			return model.NewCachedAttachment(id, "slack_file", "", 0)
		})
		attachmentIDs = append(attachmentIDs, id)
	}

	delta := s.Manager.AddToConversation(conversation.AddParams{
		PlatformConversationID: channel,
		ConversationType:       convType,
		MessageID:              getString(raw, "ts"),
		SenderID:               getString(raw, "user"),
		Text:                   getString(raw, "text"),
		Timestamp:              slackTimestamp(getString(raw, "ts")),
		AttachmentIDs:          attachmentIDs,
		RawMessage:             raw,
	})
	s.emitDelta(delta)
}

// HandleMessageChanged normalizes Slack's "message_changed" subtype.
func (s *Slack) HandleMessageChanged(channel string, oldRaw, newRaw map[string]interface{}) {
	delta := s.Manager.UpdateConversation(conversation.UpdateParams{
		PlatformConversationID: channel,
		MessageID:              getString(newRaw, "ts"),
		NewText:                getString(newRaw, "text"),
		EditTimestamp:          slackTimestamp(getString(newRaw, "ts")),
		OldRawMessage:          oldRaw,
		NewRawMessage:          newRaw,
	})
	s.emitDelta(delta)
}

// HandleMessageDeleted normalizes Slack's "message_deleted" subtype.
func (s *Slack) HandleMessageDeleted(channel, deletedTS string) {
	delta := s.Manager.DeleteFromConversation(channel, deletedTS)
	s.emitDelta(delta)
}

// HandlePinAdded normalizes a Slack "pin_added" event. Pinning an item
// the manager never cached (e.g. a message posted before this adapter
// started observing the channel) is a no-op with an empty delta
// rather than an error.
func (s *Slack) HandlePinAdded(channel, messageTS string) {
	delta := s.Manager.SetPinned(channel, messageTS, true)
	s.emitDelta(delta)
}

// HandlePinRemoved normalizes a Slack "pin_removed" event.
func (s *Slack) HandlePinRemoved(channel, messageTS string) {
	delta := s.Manager.SetPinned(channel, messageTS, false)
	s.emitDelta(delta)
}

// HandleReactionAdded normalizes a "reaction_added" event.
func (s *Slack) HandleReactionAdded(channel, messageTS, name string) {
	delta := s.Manager.ApplyReaction(channel, messageTS, name, reaction.Added)
	s.emitDelta(delta)
}

// HandleReactionRemoved normalizes a "reaction_removed" event.
func (s *Slack) HandleReactionRemoved(channel, messageTS, name string) {
	delta := s.Manager.ApplyReaction(channel, messageTS, name, reaction.Removed)
	s.emitDelta(delta)
}

// SendMessage posts text to a Slack channel, optionally threaded.
func (s *Slack) SendMessage(ctx context.Context, channel, conversationID, text, threadTS string) (string, error) {
	if err := s.Limiter.LimitRequest(ctx, ratelimit.KindMessage, conversationID); err != nil {
		return "", adaerr.Wrap(adaerr.CategoryRateLimit, "slack_send", true, err)
	}
	body := map[string]interface{}{"channel": channel, "text": text}
	if threadTS != "" {
		body["thread_ts"] = threadTS
	}
	var resp struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
		TS    string `json:"ts"`
	}
	if err := s.do(ctx, "chat.postMessage", body, &resp); err != nil {
		return "", err
	}
	if !resp.OK {
		return "", adaerr.New(adaerr.CategoryPlatform, "slack_"+resp.Error, resp.Error, isSlackRetryable(resp.Error))
	}
	return resp.TS, nil
}

// EditMessage edits a previously sent message's text.
func (s *Slack) EditMessage(ctx context.Context, channel, conversationID, ts, text string) error {
	if err := s.Limiter.LimitRequest(ctx, ratelimit.KindEditMessage, conversationID); err != nil {
		return adaerr.Wrap(adaerr.CategoryRateLimit, "slack_edit", true, err)
	}
	var resp struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := s.do(ctx, "chat.update", map[string]interface{}{"channel": channel, "ts": ts, "text": text}, &resp); err != nil {
		return err
	}
	if !resp.OK {
		return adaerr.New(adaerr.CategoryPlatform, "slack_"+resp.Error, resp.Error, isSlackRetryable(resp.Error))
	}
	return nil
}

// DeleteMessage deletes a previously sent message.
func (s *Slack) DeleteMessage(ctx context.Context, channel, conversationID, ts string) error {
	if err := s.Limiter.LimitRequest(ctx, ratelimit.KindDeleteMessage, conversationID); err != nil {
		return adaerr.Wrap(adaerr.CategoryRateLimit, "slack_delete", true, err)
	}
	return s.do(ctx, "chat.delete", map[string]interface{}{"channel": channel, "ts": ts}, nil)
}

// AddReaction reacts to a message as the bot.
func (s *Slack) AddReaction(ctx context.Context, channel, conversationID, ts, canonicalEmoji string) error {
	if err := s.Limiter.LimitRequest(ctx, ratelimit.KindAddReaction, conversationID); err != nil {
		return adaerr.Wrap(adaerr.CategoryRateLimit, "slack_react", true, err)
	}
	native := s.Emoji.StandardToPlatformSpecific("slack", canonicalEmoji)
	return s.do(ctx, "reactions.add", map[string]interface{}{"channel": channel, "timestamp": ts, "name": native}, nil)
}

// RemoveReaction removes the bot's reaction from a message.
func (s *Slack) RemoveReaction(ctx context.Context, channel, conversationID, ts, canonicalEmoji string) error {
	if err := s.Limiter.LimitRequest(ctx, ratelimit.KindRemoveReaction, conversationID); err != nil {
		return adaerr.Wrap(adaerr.CategoryRateLimit, "slack_unreact", true, err)
	}
	native := s.Emoji.StandardToPlatformSpecific("slack", canonicalEmoji)
	return s.do(ctx, "reactions.remove", map[string]interface{}{"channel": channel, "timestamp": ts, "name": native}, nil)
}

// FetchMessages implements history.API for Slack's conversations.history.
func (s *Slack) FetchMessages(ctx context.Context, channel, anchorTS string, anchor history.Anchor, limit int) ([]history.RawMessage, error) {
	if err := s.Limiter.LimitRequest(ctx, ratelimit.KindFetchHistory, ""); err != nil {
		return nil, adaerr.Wrap(adaerr.CategoryRateLimit, "slack_history", true, err)
	}
	body := map[string]interface{}{"channel": channel, "limit": limit}
	if anchorTS != "" {
		if anchor == history.Before {
			body["latest"] = anchorTS
		} else {
			body["oldest"] = anchorTS
		}
	}
	var resp struct {
		OK       bool                     `json:"ok"`
		Error    string                   `json:"error"`
		Messages []map[string]interface{} `json:"messages"`
	}
	if err := s.do(ctx, "conversations.history", body, &resp); err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, adaerr.New(adaerr.CategoryPlatform, "slack_"+resp.Error, resp.Error, isSlackRetryable(resp.Error))
	}

	out := make([]history.RawMessage, 0, len(resp.Messages))
	for _, raw := range resp.Messages {
		raw := raw
		ts := getString(raw, "ts")
		out = append(out, history.RawMessage{
			MessageID: ts,
			SenderID:  getString(raw, "user"),
			Timestamp: slackTimestamp(ts),
			Build: func(sender *model.UserInfo) *model.CachedMessage {
				cm := model.NewCachedMessage("", ts)
				cm.SenderID = getString(raw, "user")
				cm.Text = getString(raw, "text")
				cm.Timestamp = slackTimestamp(ts).UnixMilli()
				if sender != nil {
					cm.SenderName = sender.DisplayName()
				}
				return cm
			},
		})
	}
	return out, nil
}

// ResolveSender implements history.API's sender lookup via users.info.
func (s *Slack) ResolveSender(ctx context.Context, userID string) (*model.UserInfo, error) {
	if err := s.Limiter.LimitRequest(ctx, ratelimit.KindGetUserInfo, ""); err != nil {
		return nil, adaerr.Wrap(adaerr.CategoryRateLimit, "slack_user", true, err)
	}
	var resp struct {
		OK   bool `json:"ok"`
		User struct {
			ID       string `json:"id"`
			Name     string `json:"name"`
			RealName string `json:"real_name"`
			IsBot    bool   `json:"is_bot"`
		} `json:"user"`
		Error string `json:"error"`
	}
	if err := s.do(ctx, "users.info?user="+userID, nil, &resp); err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, adaerr.New(adaerr.CategoryPlatform, "slack_"+resp.Error, resp.Error, false)
	}
	return &model.UserInfo{UserID: resp.User.ID, Username: resp.User.Name, FirstName: resp.User.RealName, IsBot: resp.User.IsBot}, nil
}

func isSlackRetryable(slackErr string) bool {
	switch slackErr {
	case "rate_limited", "timeout", "server_error", "service_unavailable":
		return true
	default:
		return false
	}
}

func (s *Slack) do(ctx context.Context, method string, body interface{}, out interface{}) error {
	url := slackAPIBase + "/" + method
	var reader io.Reader
	httpMethod := "POST"
	if body == nil {
		httpMethod = "GET"
	} else {
		payload, err := json.Marshal(body)
		if err != nil {
			return adaerr.Wrap(adaerr.CategoryInternal, "slack_marshal", false, err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, httpMethod, url, reader)
	if err != nil {
		return adaerr.Wrap(adaerr.CategoryInternal, "slack_request", false, err)
	}
	req.Header.Set("Authorization", "Bearer "+s.botToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
	}

	resp, err := s.HTTPClient.Do(req)
	if err != nil {
		return adaerr.Wrap(adaerr.CategoryNetwork, "slack_http", true, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		return adaerr.New(adaerr.CategoryPlatform, fmt.Sprintf("slack_%d", resp.StatusCode), string(data), resp.StatusCode >= 500)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
