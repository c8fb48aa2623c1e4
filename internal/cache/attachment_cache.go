package cache

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"github.com/chatmesh/adapters/internal/model"
)

// AttachmentCacheConfig configures AttachmentCache bounds.
type AttachmentCacheConfig struct {
	MaxTotalAttachments int
	MaxAgeDays          int
	MaintenanceInterval time.Duration
	StorageDir          string
}

// attachmentMetadata is the on-disk sidecar JSON.
type attachmentMetadata struct {
	AttachmentID   string    `json:"attachment_id"`
	AttachmentType string    `json:"attachment_type"`
	CreatedAt      time.Time `json:"created_at"`
	FileExtension  string    `json:"file_extension"`
	Size           int64     `json:"size"`
}

// AttachmentCache is a mapping attachment_id -> CachedAttachment with
// reference counting across conversations and disk file lifecycle
// management.
type AttachmentCache struct {
	cfg AttachmentCacheConfig
	log *slog.Logger

	mu      sync.Mutex
	byID    map[string]*model.CachedAttachment
	seq     int64
	seqByID map[string]int64

	cron      *cron.Cron
	entryID   cron.EntryID
	evictions prometheus.Counter
}

// NewAttachmentCache builds an empty cache and, if StorageDir is set,
// loads any previously downloaded attachments' metadata sidecars.
// Conversation references are never restored from disk — they are
// re-learned as live messages arrive.
func NewAttachmentCache(cfg AttachmentCacheConfig, log *slog.Logger) (*AttachmentCache, error) {
	if log == nil {
		log = slog.Default()
	}
	c := &AttachmentCache{
		cfg:     cfg,
		log:     log.With("component", "attachment_cache"),
		byID:    make(map[string]*model.CachedAttachment),
		seqByID: make(map[string]int64),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "adapter_attachment_cache_evictions_total",
			Help: "Attachments evicted from the attachment cache by maintenance.",
		}),
	}
	if cfg.StorageDir != "" {
		if err := c.loadFromDisk(); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Collector exposes the cache's Prometheus metrics for registration.
func (c *AttachmentCache) Collector() prometheus.Collector { return c.evictions }

func (c *AttachmentCache) loadFromDisk() error {
	entries, err := os.ReadDir(c.cfg.StorageDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, typeDir := range entries {
		if !typeDir.IsDir() {
			continue
		}
		idDirs, err := os.ReadDir(filepath.Join(c.cfg.StorageDir, typeDir.Name()))
		if err != nil {
			continue
		}
		for _, idDir := range idDirs {
			if !idDir.IsDir() {
				continue
			}
			metaPath := filepath.Join(c.cfg.StorageDir, typeDir.Name(), idDir.Name(), idDir.Name()+".json")
			data, err := os.ReadFile(metaPath)
			if err != nil {
				continue
			}
			var meta attachmentMetadata
			if err := json.Unmarshal(data, &meta); err != nil {
				c.log.Warn("skipping unreadable attachment metadata", "path", metaPath, "error", err)
				continue
			}
			att := &model.CachedAttachment{
				AttachmentID:   meta.AttachmentID,
				AttachmentType: meta.AttachmentType,
				FileExtension:  meta.FileExtension,
				CreatedAt:      meta.CreatedAt,
				Size:           meta.Size,
				Conversations:  make(map[string]struct{}),
			}
			c.byID[att.AttachmentID] = att
		}
	}
	return nil
}

// AddAttachment creates the record if absent (via build, invoked only
// on first observation) and adds conv to its reference set.
func (c *AttachmentCache) AddAttachment(conv, id string, build func() *model.CachedAttachment) *model.CachedAttachment {
	c.mu.Lock()
	defer c.mu.Unlock()

	att, ok := c.byID[id]
	if !ok {
		att = build()
		c.byID[att.AttachmentID] = att
		c.seq++
		c.seqByID[att.AttachmentID] = c.seq
	}
	att.Conversations[conv] = struct{}{}
	return att
}

// Get returns the attachment record for id, or (nil, false).
func (c *AttachmentCache) Get(id string) (*model.CachedAttachment, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	att, ok := c.byID[id]
	return att, ok
}

// RemoveConversation drops conv from the attachment's reference set. If
// no conversation still references it, it is evicted from memory and disk.
func (c *AttachmentCache) RemoveConversation(id, conv string) {
	c.mu.Lock()
	att, ok := c.byID[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(att.Conversations, conv)
	retained := att.Retained()
	c.mu.Unlock()

	if !retained {
		c.removeAttachment(id)
	}
}

// removeAttachment deletes a record and its on-disk files.
func (c *AttachmentCache) removeAttachment(id string) {
	c.mu.Lock()
	att, ok := c.byID[id]
	if ok {
		delete(c.byID, id)
		delete(c.seqByID, id)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	c.evictions.Inc()
	if c.cfg.StorageDir == "" {
		return
	}
	dir := filepath.Join(c.cfg.StorageDir, att.AttachmentType, att.AttachmentID)
	if err := os.RemoveAll(dir); err != nil {
		c.log.Error("remove attachment files failed", "id", id, "error", err)
	}
	// Remove fails on a non-empty directory, which is exactly the
	// drop-the-type-dir-only-when-empty behavior wanted here.
	_ = os.Remove(filepath.Join(c.cfg.StorageDir, att.AttachmentType))
}

// StartMaintenance schedules the periodic age/total eviction. Returns
// a stop function.
func (c *AttachmentCache) StartMaintenance() func() {
	if c.cfg.MaintenanceInterval <= 0 {
		return func() {}
	}
	c.cron = cron.New(cron.WithSeconds())
	id, err := c.cron.AddFunc(everySpec(c.cfg.MaintenanceInterval), c.runMaintenance)
	if err != nil {
		c.log.Error("schedule attachment cache maintenance failed", "error", err)
		return func() {}
	}
	c.entryID = id
	c.cron.Start()
	return func() {
		c.cron.Remove(c.entryID)
		ctx := c.cron.Stop()
		<-ctx.Done()
	}
}

type attachmentRef struct {
	id  string
	age time.Time
	seq int64
}

func (c *AttachmentCache) runMaintenance() {
	var toEvict []string

	c.mu.Lock()
	if c.cfg.MaxAgeDays > 0 {
		cutoff := time.Now().Add(-time.Duration(c.cfg.MaxAgeDays) * 24 * time.Hour)
		for id, att := range c.byID {
			if att.CreatedAt.Before(cutoff) {
				toEvict = append(toEvict, id)
			}
		}
	}
	if c.cfg.MaxTotalAttachments > 0 && len(c.byID) > c.cfg.MaxTotalAttachments {
		refs := make([]attachmentRef, 0, len(c.byID))
		for id, att := range c.byID {
			refs = append(refs, attachmentRef{id: id, age: att.CreatedAt, seq: c.seqByID[id]})
		}
		sort.Slice(refs, func(i, j int) bool {
			if !refs[i].age.Equal(refs[j].age) {
				return refs[i].age.Before(refs[j].age)
			}
			return refs[i].seq < refs[j].seq
		})
		excess := len(refs) - c.cfg.MaxTotalAttachments
		for _, r := range refs[:excess] {
			toEvict = append(toEvict, r.id)
		}
	}
	c.mu.Unlock()

	seen := make(map[string]struct{}, len(toEvict))
	for _, id := range toEvict {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		c.removeAttachment(id)
	}
}
