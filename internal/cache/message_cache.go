// Package cache implements the bounded MessageCache and
// AttachmentCache, including their periodic maintenance loops,
// scheduled with robfig/cron rather than hand-rolled tickers.
package cache

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"github.com/chatmesh/adapters/internal/model"
)

// MessageCacheConfig configures MessageCache bounds.
type MessageCacheConfig struct {
	MaxMessagesPerConversation int
	MaxTotalMessages           int
	MaxAgeHours                int
	MaintenanceInterval        time.Duration
}

// MessageCache is a two-level mapping conversation_id -> message_id ->
// CachedMessage guarded by a single mutex.
type MessageCache struct {
	cfg MessageCacheConfig
	log *slog.Logger

	mu     sync.Mutex
	byConv map[string]map[string]*model.CachedMessage
	total  int
	seq    int64

	cron      *cron.Cron
	entryID   cron.EntryID
	evictions prometheus.Counter
}

// NewMessageCache builds an empty cache.
func NewMessageCache(cfg MessageCacheConfig, log *slog.Logger) *MessageCache {
	if log == nil {
		log = slog.Default()
	}
	return &MessageCache{
		cfg:    cfg,
		log:    log.With("component", "message_cache"),
		byConv: make(map[string]map[string]*model.CachedMessage),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "adapter_message_cache_evictions_total",
			Help: "Messages evicted from the message cache by maintenance.",
		}),
	}
}

// Collector exposes the cache's Prometheus metrics for registration.
func (c *MessageCache) Collector() prometheus.Collector { return c.evictions }

// AddMessage inserts a message, idempotently. If (conv, id) already
// exists the existing record is returned untouched.
func (c *MessageCache) AddMessage(conv, id string, build func() *model.CachedMessage) *model.CachedMessage {
	c.mu.Lock()
	defer c.mu.Unlock()

	bucket, ok := c.byConv[conv]
	if !ok {
		bucket = make(map[string]*model.CachedMessage)
		c.byConv[conv] = bucket
	}
	if existing, ok := bucket[id]; ok {
		return existing
	}

	msg := build()
	c.seq++
	msg.InsertSeq = c.seq
	bucket[id] = msg
	c.total++
	return msg
}

// GetMessageByID returns the record for (conv, id), or (nil, false).
func (c *MessageCache) GetMessageByID(conv, id string) (*model.CachedMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	bucket, ok := c.byConv[conv]
	if !ok {
		return nil, false
	}
	msg, ok := bucket[id]
	return msg, ok
}

// DeleteMessage removes (conv, id). Returns false if it was absent,
// so a double delete reports failure instead of erroring.
func (c *MessageCache) DeleteMessage(conv, id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	bucket, ok := c.byConv[conv]
	if !ok {
		return false
	}
	if _, ok := bucket[id]; !ok {
		return false
	}
	delete(bucket, id)
	c.total--
	if len(bucket) == 0 {
		delete(c.byConv, conv)
	}
	return true
}

// MigrateMessage atomically moves a message record between conversations.
func (c *MessageCache) MigrateMessage(oldConv, newConv, id string) (*model.CachedMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	oldBucket, ok := c.byConv[oldConv]
	if !ok {
		return nil, false
	}
	msg, ok := oldBucket[id]
	if !ok {
		return nil, false
	}
	delete(oldBucket, id)
	if len(oldBucket) == 0 {
		delete(c.byConv, oldConv)
	}

	newBucket, ok := c.byConv[newConv]
	if !ok {
		newBucket = make(map[string]*model.CachedMessage)
		c.byConv[newConv] = newBucket
	}
	msg.ConversationID = newConv
	newBucket[id] = msg
	return msg, true
}

// messageRef is used for stable oldest-first sorting during maintenance.
type messageRef struct {
	conv string
	id   string
	ts   int64
	seq  int64
}

// StartMaintenance schedules the periodic trim using a cron
// expression derived from the configured interval. Returns a stop
// function.
func (c *MessageCache) StartMaintenance() func() {
	if c.cfg.MaintenanceInterval <= 0 {
		return func() {}
	}
	c.cron = cron.New(cron.WithSeconds())
	spec := everySpec(c.cfg.MaintenanceInterval)
	id, err := c.cron.AddFunc(spec, c.runMaintenance)
	if err != nil {
		c.log.Error("schedule message cache maintenance failed", "error", err)
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

// everySpec renders a cron "@every" expression for a duration.
func everySpec(d time.Duration) string {
	return "@every " + d.String()
}

func (c *MessageCache) runMaintenance() {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Step 1: per-conversation trim.
	if c.cfg.MaxMessagesPerConversation > 0 {
		for conv, bucket := range c.byConv {
			if len(bucket) <= c.cfg.MaxMessagesPerConversation {
				continue
			}
			refs := refsFor(conv, bucket)
			sortOldestFirst(refs)
			excess := len(refs) - c.cfg.MaxMessagesPerConversation
			for _, r := range refs[:excess] {
				delete(bucket, r.id)
				c.total--
				c.evictions.Inc()
			}
		}
	}

	// Step 2: age eviction.
	if c.cfg.MaxAgeHours > 0 {
		cutoff := time.Now().Add(-time.Duration(c.cfg.MaxAgeHours) * time.Hour).UnixMilli()
		for _, bucket := range c.byConv {
			for id, msg := range bucket {
				if msg.Timestamp < cutoff {
					delete(bucket, id)
					c.total--
					c.evictions.Inc()
				}
			}
		}
	}

	// Step 3: global trim.
	if c.cfg.MaxTotalMessages > 0 && c.total > c.cfg.MaxTotalMessages {
		var all []messageRef
		for conv, bucket := range c.byConv {
			all = append(all, refsFor(conv, bucket)...)
		}
		sortOldestFirst(all)
		excess := c.total - c.cfg.MaxTotalMessages
		for _, r := range all[:excess] {
			if bucket, ok := c.byConv[r.conv]; ok {
				delete(bucket, r.id)
				c.total--
				c.evictions.Inc()
			}
		}
	}

	// Step 4: drop empty conversation entries.
	for conv, bucket := range c.byConv {
		if len(bucket) == 0 {
			delete(c.byConv, conv)
		}
	}
}

func refsFor(conv string, bucket map[string]*model.CachedMessage) []messageRef {
	refs := make([]messageRef, 0, len(bucket))
	for id, msg := range bucket {
		refs = append(refs, messageRef{conv: conv, id: id, ts: msg.Timestamp, seq: msg.InsertSeq})
	}
	return refs
}

// sortOldestFirst orders by ascending timestamp, ties broken by
// insertion order (stable).
func sortOldestFirst(refs []messageRef) {
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].ts != refs[j].ts {
			return refs[i].ts < refs[j].ts
		}
		return refs[i].seq < refs[j].seq
	})
}
