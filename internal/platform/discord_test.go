package platform

import (
	"testing"

	"github.com/chatmesh/adapters/internal/cache"
	"github.com/chatmesh/adapters/internal/conversation"
	"github.com/chatmesh/adapters/internal/emoji"
	"github.com/chatmesh/adapters/internal/event"
	"github.com/chatmesh/adapters/internal/reaction"
	"github.com/chatmesh/adapters/internal/thread"
)

func newTestDiscord(t *testing.T) (*Discord, *[]event.Event) {
	t.Helper()
	messages := cache.NewMessageCache(cache.MessageCacheConfig{}, nil)
	attachments, err := cache.NewAttachmentCache(cache.AttachmentCacheConfig{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	mgr := conversation.NewManager(conversation.Config{
		Adapter:         "discord",
		BotUserID:       "bot1",
		Messages:        messages,
		Attachments:     attachments,
		Threads:         thread.NewHandler(thread.DiscordReplyTo, messages.GetMessageByID),
		Reactions:       reaction.NewHandler(emoji.New(), "discord"),
		ExtractMentions: DiscordMentionExtractor,
	}, nil)

	var events []event.Event
	d := NewDiscord(Base{
		Manager:     mgr,
		Attachments: attachments,
		Emoji:       emoji.New(),
		Incoming:    event.NewIncomingProcessor(),
		Emit:        func(ev event.Event) { events = append(events, ev) },
	}, "tok", "guild1")
	return d, &events
}

func TestDiscordMentionExtractor(t *testing.T) {
	raw := map[string]interface{}{
		"mentions": []interface{}{
			map[string]interface{}{"id": "u1"},
			map[string]interface{}{"id": "u2"},
		},
	}
	got := DiscordMentionExtractor(raw)
	if len(got) != 2 || got[0] != "u1" || got[1] != "u2" {
		t.Errorf("DiscordMentionExtractor() = %v, want [u1 u2]", got)
	}
}

func TestDiscordMentionExtractorNonMap(t *testing.T) {
	if got := DiscordMentionExtractor("not a map"); got != nil {
		t.Errorf("DiscordMentionExtractor(non-map) = %v, want nil", got)
	}
}

func TestHandleMessageCreateEmitsMessageReceived(t *testing.T) {
	d, events := newTestDiscord(t)
	raw := map[string]interface{}{
		"id":         "m1",
		"channel_id": "c1",
		"guild_id":   "guild1",
		"content":    "hello",
		"timestamp":  "2024-01-01T00:00:00Z",
		"author":     map[string]interface{}{"id": "u1", "username": "alice", "bot": false},
	}
	d.HandleMessageCreate(raw)

	if len(*events) == 0 {
		t.Fatal("HandleMessageCreate should emit at least one event for a first message")
	}
	found := false
	for _, ev := range *events {
		if ev.Type == event.MessageReceived {
			found = true
			if ev.Payload["message_id"] != "m1" {
				t.Errorf("payload message_id = %v, want m1", ev.Payload["message_id"])
			}
		}
	}
	if !found {
		t.Errorf("expected a message_received event, got %+v", *events)
	}
}

func TestHandleMessageCreateRegistersAttachments(t *testing.T) {
	d, _ := newTestDiscord(t)
	raw := map[string]interface{}{
		"id":         "m1",
		"channel_id": "c1",
		"guild_id":   "guild1",
		"content":    "look",
		"timestamp":  "2024-01-01T00:00:00Z",
		"author":     map[string]interface{}{"id": "u1", "username": "alice"},
		"attachments": []interface{}{
			map[string]interface{}{"id": "a1"},
		},
	}
	d.HandleMessageCreate(raw)

	if _, ok := d.Attachments.Get("a1"); !ok {
		t.Error("an attachment on the message should be registered in the attachment cache")
	}
}

func TestHandleMessageDeleteEmitsMessageDeleted(t *testing.T) {
	d, events := newTestDiscord(t)
	raw := map[string]interface{}{
		"id": "m1", "channel_id": "c1", "guild_id": "guild1",
		"content": "hi", "timestamp": "2024-01-01T00:00:00Z",
		"author": map[string]interface{}{"id": "u1"},
	}
	d.HandleMessageCreate(raw)
	*events = nil

	d.HandleMessageDelete("c1", "m1")

	found := false
	for _, ev := range *events {
		if ev.Type == event.MessageDeleted {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a message_deleted event, got %+v", *events)
	}
}

func TestHandleMessagePinStatusEmitsPinned(t *testing.T) {
	d, events := newTestDiscord(t)
	raw := map[string]interface{}{
		"id": "m1", "channel_id": "c1", "guild_id": "guild1",
		"content": "hi", "timestamp": "2024-01-01T00:00:00Z",
		"author": map[string]interface{}{"id": "u1"},
	}
	d.HandleMessageCreate(raw)
	*events = nil

	d.HandleMessagePinStatus("c1", "m1", true)

	if len(*events) != 1 || (*events)[0].Type != event.MessagePinned {
		t.Errorf("events = %+v, want one message_pinned event", *events)
	}
}

func TestHandleReactionAddAndRemove(t *testing.T) {
	d, events := newTestDiscord(t)
	raw := map[string]interface{}{
		"id": "m1", "channel_id": "c1", "guild_id": "guild1",
		"content": "hi", "timestamp": "2024-01-01T00:00:00Z",
		"author": map[string]interface{}{"id": "u1"},
	}
	d.HandleMessageCreate(raw)
	*events = nil

	d.HandleReactionAdd("c1", "m1", "👍")
	if len(*events) != 1 || (*events)[0].Type != event.ReactionAdded {
		t.Fatalf("events after add = %+v, want one reaction_added", *events)
	}

	*events = nil
	d.HandleReactionRemove("c1", "m1", "👍")
	if len(*events) != 1 || (*events)[0].Type != event.ReactionRemoved {
		t.Fatalf("events after remove = %+v, want one reaction_removed", *events)
	}
}

func TestHandleMessageCreateDirectMessageHasNoGuild(t *testing.T) {
	d, events := newTestDiscord(t)
	raw := map[string]interface{}{
		"id": "m1", "channel_id": "dm1",
		"content": "hi", "timestamp": "2024-01-01T00:00:00Z",
		"author": map[string]interface{}{"id": "u1"},
	}
	d.HandleMessageCreate(raw)

	var payload map[string]interface{}
	for _, ev := range *events {
		if ev.Type == event.MessageReceived {
			payload = ev.Payload
		}
	}
	if payload == nil || payload["is_direct_message"] != true {
		t.Errorf("a message with no guild_id should be treated as a direct message, payload=%+v", payload)
	}
}
