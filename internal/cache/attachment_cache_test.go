package cache

import (
	"testing"
	"time"

	"github.com/chatmesh/adapters/internal/model"
)

func TestAddAttachmentFirstObservation(t *testing.T) {
	c, err := NewAttachmentCache(AttachmentCacheConfig{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	built := false
	att := c.AddAttachment("conv1", "a1", func() *model.CachedAttachment {
		built = true
		return model.NewCachedAttachment("a1", "image", "png", 100)
	})
	if !built {
		t.Error("build should be invoked on first observation")
	}
	if _, ok := att.Conversations["conv1"]; !ok {
		t.Error("first referencing conversation should be recorded")
	}
}

func TestAddAttachmentAddsReference(t *testing.T) {
	c, err := NewAttachmentCache(AttachmentCacheConfig{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	c.AddAttachment("conv1", "a1", func() *model.CachedAttachment {
		return model.NewCachedAttachment("a1", "image", "png", 100)
	})
	att := c.AddAttachment("conv2", "a1", func() *model.CachedAttachment {
		t.Fatal("build should not run for an already-cached attachment")
		return nil
	})
	if _, ok := att.Conversations["conv1"]; !ok {
		t.Error("original reference should remain")
	}
	if _, ok := att.Conversations["conv2"]; !ok {
		t.Error("new reference should be added")
	}
}

func TestGetMissing(t *testing.T) {
	c, err := NewAttachmentCache(AttachmentCacheConfig{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := c.Get("missing"); ok {
		t.Error("Get should report false for an absent attachment")
	}
}

func TestRemoveConversationEvictsWhenUnreferenced(t *testing.T) {
	c, err := NewAttachmentCache(AttachmentCacheConfig{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	c.AddAttachment("conv1", "a1", func() *model.CachedAttachment {
		return model.NewCachedAttachment("a1", "image", "png", 100)
	})

	c.RemoveConversation("a1", "conv1")

	if _, ok := c.Get("a1"); ok {
		t.Error("attachment with no remaining conversation references should be evicted")
	}
}

func TestRemoveConversationKeepsWhenStillReferenced(t *testing.T) {
	c, err := NewAttachmentCache(AttachmentCacheConfig{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	c.AddAttachment("conv1", "a1", func() *model.CachedAttachment {
		return model.NewCachedAttachment("a1", "image", "png", 100)
	})
	c.AddAttachment("conv2", "a1", func() *model.CachedAttachment {
		return model.NewCachedAttachment("a1", "image", "png", 100)
	})

	c.RemoveConversation("a1", "conv1")

	if _, ok := c.Get("a1"); !ok {
		t.Error("attachment still referenced by conv2 should not be evicted")
	}
}

func TestAttachmentCacheRunMaintenanceAgeEviction(t *testing.T) {
	c, err := NewAttachmentCache(AttachmentCacheConfig{MaxAgeDays: 1}, nil)
	if err != nil {
		t.Fatal(err)
	}
	c.AddAttachment("conv1", "old", func() *model.CachedAttachment {
		a := model.NewCachedAttachment("old", "image", "png", 10)
		a.CreatedAt = time.Now().Add(-48 * time.Hour)
		return a
	})
	c.AddAttachment("conv1", "new", func() *model.CachedAttachment {
		return model.NewCachedAttachment("new", "image", "png", 10)
	})

	c.runMaintenance()

	if _, ok := c.Get("old"); ok {
		t.Error("attachment older than MaxAgeDays should be evicted")
	}
	if _, ok := c.Get("new"); !ok {
		t.Error("recent attachment should survive age eviction")
	}
}

func TestRunMaintenanceTotalCap(t *testing.T) {
	c, err := NewAttachmentCache(AttachmentCacheConfig{MaxTotalAttachments: 1}, nil)
	if err != nil {
		t.Fatal(err)
	}
	c.AddAttachment("conv1", "a1", func() *model.CachedAttachment {
		a := model.NewCachedAttachment("a1", "image", "png", 10)
		a.CreatedAt = time.Now().Add(-time.Hour)
		return a
	})
	c.AddAttachment("conv1", "a2", func() *model.CachedAttachment {
		return model.NewCachedAttachment("a2", "image", "png", 10)
	})

	c.runMaintenance()

	if _, ok := c.Get("a1"); ok {
		t.Error("oldest attachment should be evicted once over the total cap")
	}
	if _, ok := c.Get("a2"); !ok {
		t.Error("newest attachment should survive the total cap trim")
	}
}

func TestNewAttachmentCacheMissingStorageDirIsNotError(t *testing.T) {
	_, err := NewAttachmentCache(AttachmentCacheConfig{StorageDir: "/nonexistent/path/for/test"}, nil)
	if err != nil {
		t.Errorf("missing storage dir should not error on construction, got %v", err)
	}
}
