package cache

import (
	"testing"
	"time"

	"github.com/chatmesh/adapters/internal/model"
)

func TestAddMessageIdempotent(t *testing.T) {
	c := NewMessageCache(MessageCacheConfig{}, nil)

	first := c.AddMessage("conv1", "m1", func() *model.CachedMessage {
		return model.NewCachedMessage("conv1", "m1")
	})
	second := c.AddMessage("conv1", "m1", func() *model.CachedMessage {
		t.Fatal("build should not be invoked for an already-cached message")
		return nil
	})
	if first != second {
		t.Error("AddMessage should return the existing record on a repeat insert")
	}
}

func TestGetMessageByIDMissing(t *testing.T) {
	c := NewMessageCache(MessageCacheConfig{}, nil)
	if _, ok := c.GetMessageByID("conv1", "missing"); ok {
		t.Error("GetMessageByID should report false for an absent message")
	}
}

func TestDeleteMessage(t *testing.T) {
	c := NewMessageCache(MessageCacheConfig{}, nil)
	c.AddMessage("conv1", "m1", func() *model.CachedMessage { return model.NewCachedMessage("conv1", "m1") })

	if !c.DeleteMessage("conv1", "m1") {
		t.Error("DeleteMessage should report true for a present message")
	}
	if c.DeleteMessage("conv1", "m1") {
		t.Error("DeleteMessage should report false the second time, matching add-then-delete idempotence")
	}
	if _, ok := c.byConv["conv1"]; ok {
		t.Error("emptied conversation bucket should be removed")
	}
}

func TestMigrateMessage(t *testing.T) {
	c := NewMessageCache(MessageCacheConfig{}, nil)
	c.AddMessage("conv1", "m1", func() *model.CachedMessage { return model.NewCachedMessage("conv1", "m1") })

	msg, ok := c.MigrateMessage("conv1", "conv2", "m1")
	if !ok {
		t.Fatal("MigrateMessage should succeed for a present message")
	}
	if msg.ConversationID != "conv2" {
		t.Errorf("migrated message ConversationID = %q, want conv2", msg.ConversationID)
	}
	if _, ok := c.GetMessageByID("conv1", "m1"); ok {
		t.Error("message should no longer be reachable under the old conversation")
	}
	if _, ok := c.GetMessageByID("conv2", "m1"); !ok {
		t.Error("message should be reachable under the new conversation")
	}
}

func TestMigrateMessageMissing(t *testing.T) {
	c := NewMessageCache(MessageCacheConfig{}, nil)
	if _, ok := c.MigrateMessage("conv1", "conv2", "missing"); ok {
		t.Error("MigrateMessage should report false for an absent message")
	}
}

func TestRunMaintenancePerConversationTrim(t *testing.T) {
	c := NewMessageCache(MessageCacheConfig{MaxMessagesPerConversation: 2}, nil)
	base := time.Now().UnixMilli()
	for i, id := range []string{"m1", "m2", "m3"} {
		ts := base + int64(i)
		c.AddMessage("conv1", id, func() *model.CachedMessage {
			m := model.NewCachedMessage("conv1", id)
			m.Timestamp = ts
			return m
		})
	}

	c.runMaintenance()

	if _, ok := c.GetMessageByID("conv1", "m1"); ok {
		t.Error("oldest message should have been evicted by the per-conversation trim")
	}
	if _, ok := c.GetMessageByID("conv1", "m2"); !ok {
		t.Error("m2 should survive the per-conversation trim")
	}
	if _, ok := c.GetMessageByID("conv1", "m3"); !ok {
		t.Error("m3 should survive the per-conversation trim")
	}
}

func TestRunMaintenanceAgeEviction(t *testing.T) {
	c := NewMessageCache(MessageCacheConfig{MaxAgeHours: 1}, nil)
	old := time.Now().Add(-2 * time.Hour).UnixMilli()
	c.AddMessage("conv1", "old", func() *model.CachedMessage {
		m := model.NewCachedMessage("conv1", "old")
		m.Timestamp = old
		return m
	})
	c.AddMessage("conv1", "new", func() *model.CachedMessage {
		m := model.NewCachedMessage("conv1", "new")
		m.Timestamp = time.Now().UnixMilli()
		return m
	})

	c.runMaintenance()

	if _, ok := c.GetMessageByID("conv1", "old"); ok {
		t.Error("message older than MaxAgeHours should be evicted")
	}
	if _, ok := c.GetMessageByID("conv1", "new"); !ok {
		t.Error("recent message should survive age eviction")
	}
}

func TestRunMaintenanceGlobalTrim(t *testing.T) {
	c := NewMessageCache(MessageCacheConfig{MaxTotalMessages: 1}, nil)
	base := time.Now().UnixMilli()
	c.AddMessage("conv1", "m1", func() *model.CachedMessage {
		m := model.NewCachedMessage("conv1", "m1")
		m.Timestamp = base
		return m
	})
	c.AddMessage("conv2", "m2", func() *model.CachedMessage {
		m := model.NewCachedMessage("conv2", "m2")
		m.Timestamp = base + 1
		return m
	})

	c.runMaintenance()

	if c.total != 1 {
		t.Errorf("total after global trim = %d, want 1", c.total)
	}
	if _, ok := c.GetMessageByID("conv1", "m1"); ok {
		t.Error("older message should have been evicted by the global trim")
	}
}

func TestSortOldestFirstTieBreak(t *testing.T) {
	refs := []messageRef{
		{id: "b", ts: 100, seq: 2},
		{id: "a", ts: 100, seq: 1},
	}
	sortOldestFirst(refs)
	if refs[0].id != "a" {
		t.Errorf("equal-timestamp entries should tie-break on insertion order, got %+v", refs)
	}
}

func TestStartMaintenanceNoopWhenDisabled(t *testing.T) {
	c := NewMessageCache(MessageCacheConfig{}, nil)
	stop := c.StartMaintenance()
	stop() // should not panic with no cron scheduled
}
