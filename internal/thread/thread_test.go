package thread

import (
	"testing"
	"time"

	"github.com/chatmesh/adapters/internal/model"
)

func TestDiscordReplyTo(t *testing.T) {
	raw := map[string]interface{}{"reference": map[string]interface{}{"message_id": "123"}}
	id, ok := DiscordReplyTo(raw)
	if !ok || id != "123" {
		t.Errorf("DiscordReplyTo() = (%q, %v), want (123, true)", id, ok)
	}
	if _, ok := DiscordReplyTo(map[string]interface{}{}); ok {
		t.Error("DiscordReplyTo() on a payload with no reference should report false")
	}
}

func TestSlackThreadTS(t *testing.T) {
	raw := map[string]interface{}{"thread_ts": "1234.5678"}
	id, ok := SlackThreadTS(raw)
	if !ok || id != "1234.5678" {
		t.Errorf("SlackThreadTS() = (%q, %v), want (1234.5678, true)", id, ok)
	}
}

func TestZulipQuoteLink(t *testing.T) {
	raw := map[string]interface{}{"content": "@_**Alice** [said](https://example.zulipchat.com/#narrow/stream/1/near/42): hi"}
	id, ok := ZulipQuoteLink(raw)
	if !ok || id != "42" {
		t.Errorf("ZulipQuoteLink() = (%q, %v), want (42, true)", id, ok)
	}
}

func TestZulipQuoteLinkNoMatch(t *testing.T) {
	raw := map[string]interface{}{"content": "just a plain message"}
	if _, ok := ZulipQuoteLink(raw); ok {
		t.Error("ZulipQuoteLink() should report false with no quote link present")
	}
}

func TestResolveCreatesThread(t *testing.T) {
	h := NewHandler(SlackThreadTS, nil)
	conv := model.NewConversationInfo("slack_abc", "C1", "channel")

	raw := map[string]interface{}{"thread_ts": "100.1"}
	info := h.Resolve(conv, raw, "m2", time.Now())

	if info == nil {
		t.Fatal("Resolve() returned nil for a message carrying a thread cue")
	}
	if info.ThreadID != "100.1" || info.RootMessageID != "100.1" {
		t.Errorf("thread = %+v, want id/root = 100.1", info)
	}
	if _, ok := info.Messages["m2"]; !ok {
		t.Error("new message should be a member of the resolved thread")
	}
}

func TestResolveNoCueReturnsNil(t *testing.T) {
	h := NewHandler(SlackThreadTS, nil)
	conv := model.NewConversationInfo("slack_abc", "C1", "channel")
	if info := h.Resolve(conv, map[string]interface{}{}, "m1", time.Now()); info != nil {
		t.Errorf("Resolve() = %+v, want nil for a message with no thread cue", info)
	}
}

func TestResolveAdoptsExistingRoot(t *testing.T) {
	lookup := func(convID, msgID string) (*model.CachedMessage, bool) {
		if msgID == "parent2" {
			m := model.NewCachedMessage(convID, msgID)
			m.ReplyToMessageID = "root1"
			return m, true
		}
		return nil, false
	}
	h := NewHandler(DiscordReplyTo, lookup)
	conv := model.NewConversationInfo("discord_abc", "C1", "channel")

	// Seed an existing thread rooted at root1.
	h.Resolve(conv, map[string]interface{}{"reference": map[string]interface{}{"message_id": "root1"}}, "parent2", time.Now())

	// A reply to parent2 should join a thread rooted at root1, not parent2.
	info := h.Resolve(conv, map[string]interface{}{"reference": map[string]interface{}{"message_id": "parent2"}}, "child3", time.Now())
	if info.RootMessageID != "root1" {
		t.Errorf("RootMessageID = %q, want root1 (adopted from parent's thread)", info.RootMessageID)
	}
}

func TestUpdateNoChange(t *testing.T) {
	h := NewHandler(SlackThreadTS, nil)
	conv := model.NewConversationInfo("slack_abc", "C1", "channel")
	msg := model.NewCachedMessage(conv.ConversationID, "m1")

	raw := map[string]interface{}{"thread_ts": "100.1"}
	result := h.Update(conv, msg, raw, raw, time.Now())
	if result.Changed {
		t.Error("Update() should report no change when reply-to is identical")
	}
}

func TestUpdateReplyToRemoved(t *testing.T) {
	h := NewHandler(SlackThreadTS, nil)
	conv := model.NewConversationInfo("slack_abc", "C1", "channel")
	msg := model.NewCachedMessage(conv.ConversationID, "m1")

	old := map[string]interface{}{"thread_ts": "100.1"}
	new := map[string]interface{}{}
	result := h.Update(conv, msg, old, new, time.Now())
	if !result.Changed || result.Info != nil {
		t.Errorf("Update() = %+v, want Changed=true Info=nil", result)
	}
}

func TestRemoveDeletesEmptyThread(t *testing.T) {
	conv := model.NewConversationInfo("slack_abc", "C1", "channel")
	info := model.NewThreadInfo("t1", "root1")
	info.Messages["m1"] = struct{}{}
	conv.Threads["t1"] = info

	msg := model.NewCachedMessage(conv.ConversationID, "m1")
	msg.ThreadID = "t1"

	Remove(conv, msg)

	if _, ok := conv.Threads["t1"]; ok {
		t.Error("thread with no remaining members should be removed")
	}
}

func TestRemoveKeepsNonEmptyThread(t *testing.T) {
	conv := model.NewConversationInfo("slack_abc", "C1", "channel")
	info := model.NewThreadInfo("t1", "root1")
	info.Messages["m1"] = struct{}{}
	info.Messages["m2"] = struct{}{}
	conv.Threads["t1"] = info

	msg := model.NewCachedMessage(conv.ConversationID, "m1")
	msg.ThreadID = "t1"

	Remove(conv, msg)

	if _, ok := conv.Threads["t1"]; !ok {
		t.Error("thread with remaining members should not be removed")
	}
	if _, ok := info.Messages["m1"]; ok {
		t.Error("removed message should no longer be a thread member")
	}
}
