// Package history implements the history fetcher: cache-first lookups
// that fall back to batched, rate-limited API calls, sender resolution
// memoized within each batch (with concurrent lookups of the same
// author collapsed by singleflight), and bounded concurrent batch
// fetches via errgroup.
package history

import (
	"context"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/chatmesh/adapters/internal/cache"
	"github.com/chatmesh/adapters/internal/model"
	"github.com/chatmesh/adapters/internal/ratelimit"
)

// Anchor selects where a history fetch starts reading from.
type Anchor int

const (
	// Before fetches messages strictly older than AnchorMessageID.
	Before Anchor = iota
	// After fetches messages strictly newer than AnchorMessageID.
	After
)

// API is the subset of a platform client a Fetcher needs: paged
// message retrieval and sender resolution. Each platform adapter
// supplies its own implementation.
type API interface {
	// FetchMessages returns up to limit raw platform messages on the
	// requested side of anchorID (empty anchorID means "from the most
	// recent/oldest end", per the adapter's own convention).
	FetchMessages(ctx context.Context, platformConversationID, anchorID string, anchor Anchor, limit int) ([]RawMessage, error)
	// ResolveSender looks up a user's display identity by platform id.
	ResolveSender(ctx context.Context, userID string) (*model.UserInfo, error)
}

// RawMessage is a single platform message payload paired with the
// normalization needed to cache it, so Fetcher itself stays
// platform-agnostic.
type RawMessage struct {
	MessageID string
	SenderID  string
	Timestamp time.Time
	Build     func(sender *model.UserInfo) *model.CachedMessage
}

// Config bounds how a Fetcher batches and parallelizes API calls.
type Config struct {
	BatchSize      int // messages requested per API call
	MaxConcurrency int // concurrent in-flight batch fetches
}

// Fetcher implements the cache-first/API-fallback history merge.
type Fetcher struct {
	cfg     Config
	cache   *cache.MessageCache
	limiter *ratelimit.Limiter
	api     API

	senders singleflight.Group
}

// NewFetcher builds a Fetcher bound to one platform's API client.
func NewFetcher(cfg Config, msgCache *cache.MessageCache, limiter *ratelimit.Limiter, api API) *Fetcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 4
	}
	return &Fetcher{cfg: cfg, cache: msgCache, limiter: limiter, api: api}
}

// Params describes one history fetch request: a window
// keyed by either an anchor message id or by before/after timestamp
// bounds (milliseconds since epoch, zero when unset).
type Params struct {
	ConversationID         string
	PlatformConversationID string
	AnchorMessageID        string
	Anchor                 Anchor
	Before                 int64
	After                  int64
	Limit                  int
}

// Fetch returns up to Limit messages in the requested window,
// ascending by timestamp. An anchored fetch goes straight to the API
// (the anchor's neighborhood is exactly what the cache is least likely
// to hold); a before/after fetch serves the cache first and fetches
// only the shortfall, in batches of cfg.BatchSize run with up to
// cfg.MaxConcurrency at once. Every API batch is rate-limited under
// ratelimit.KindFetchHistory.
func (f *Fetcher) Fetch(ctx context.Context, conv *model.ConversationInfo, p Params) ([]*model.CachedMessage, error) {
	if p.AnchorMessageID != "" {
		fetched, err := f.fetchFromAPI(ctx, conv, p, p.Limit)
		if err != nil {
			return nil, err
		}
		sort.Slice(fetched, func(i, j int) bool { return fetched[i].Timestamp < fetched[j].Timestamp })
		return trimAscending(fetched, p.Limit), nil
	}

	cached := f.cachedSide(conv, p)
	if len(cached) >= p.Limit {
		return trimAscending(cached, p.Limit), nil
	}

	shortfall := p.Limit - len(cached)
	fetched, err := f.fetchFromAPI(ctx, conv, p, shortfall)
	if err != nil {
		return nil, err
	}

	merged := mergeUnique(cached, filterWindow(fetched, p.Before, p.After))
	sort.Slice(merged, func(i, j int) bool { return merged[i].Timestamp < merged[j].Timestamp })
	return trimAscending(merged, p.Limit), nil
}

// cachedSide returns the cached messages inside the before/after
// window, read directly from the conversation's message set.
func (f *Fetcher) cachedSide(conv *model.ConversationInfo, p Params) []*model.CachedMessage {
	var out []*model.CachedMessage
	for id := range conv.Messages {
		msg, ok := f.cache.GetMessageByID(conv.ConversationID, id)
		if !ok {
			continue
		}
		if p.Before > 0 && msg.Timestamp >= p.Before {
			continue
		}
		if p.After > 0 && msg.Timestamp <= p.After {
			continue
		}
		out = append(out, msg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out
}

// fetchFromAPI pages the platform API for `need` additional messages,
// running up to cfg.MaxConcurrency batches concurrently via errgroup,
// and normalizes each into a CachedMessage, memoizing sender lookups
// within each batch and collapsing concurrent lookups of the same
// author across batches with singleflight.
func (f *Fetcher) fetchFromAPI(ctx context.Context, conv *model.ConversationInfo, p Params, need int) ([]*model.CachedMessage, error) {
	batches := (need + f.cfg.BatchSize - 1) / f.cfg.BatchSize
	if batches == 0 {
		batches = 1
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(f.cfg.MaxConcurrency)

	results := make([][]*model.CachedMessage, batches)
	anchorID := p.AnchorMessageID

	for i := 0; i < batches; i++ {
		i := i
		remaining := need - i*f.cfg.BatchSize
		limit := f.cfg.BatchSize
		if remaining < limit {
			limit = remaining
		}
		if limit <= 0 {
			continue
		}
		g.Go(func() error {
			if err := f.limiter.LimitRequest(ctx, ratelimit.KindFetchHistory, conv.ConversationID); err != nil {
				return err
			}
			raws, err := f.api.FetchMessages(ctx, p.PlatformConversationID, anchorID, p.Anchor, limit)
			if err != nil {
				return err
			}
			built, err := f.normalizeBatch(ctx, conv.ConversationID, raws)
			if err != nil {
				return err
			}
			results[i] = built
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []*model.CachedMessage
	for _, r := range results {
		all = append(all, r...)
	}
	return all, nil
}

// normalizeBatch resolves senders (memoized per user id) and inserts
// each raw message into the shared cache, so a concurrent history
// fetch and a live incoming message never double-insert the same id.
func (f *Fetcher) normalizeBatch(ctx context.Context, conversationID string, raws []RawMessage) ([]*model.CachedMessage, error) {
	out := make([]*model.CachedMessage, 0, len(raws))
	senders := make(map[string]*model.UserInfo)
	for _, raw := range raws {
		sender, ok := senders[raw.SenderID]
		if !ok {
			var err error
			sender, err = f.resolveSender(ctx, raw.SenderID)
			if err != nil {
				return nil, err
			}
			senders[raw.SenderID] = sender
		}
		msg := f.cache.AddMessage(conversationID, raw.MessageID, func() *model.CachedMessage {
			cm := raw.Build(sender)
			cm.ConversationID = conversationID
			return cm
		})
		out = append(out, msg)
	}
	return out, nil
}

// resolveSender looks up one sender's identity, collapsing concurrent
// requests for the same userID into a single API call.
func (f *Fetcher) resolveSender(ctx context.Context, userID string) (*model.UserInfo, error) {
	if userID == "" {
		return nil, nil
	}
	v, err, _ := f.senders.Do(userID, func() (interface{}, error) {
		return f.api.ResolveSender(ctx, userID)
	})
	if err != nil {
		return nil, err
	}
	info, _ := v.(*model.UserInfo)
	return info, nil
}

// filterWindow drops messages outside the before/after bounds; the
// API returns its own page boundaries, which rarely line up exactly
// with the requested window.
func filterWindow(msgs []*model.CachedMessage, before, after int64) []*model.CachedMessage {
	if before <= 0 && after <= 0 {
		return msgs
	}
	out := msgs[:0]
	for _, m := range msgs {
		if before > 0 && m.Timestamp >= before {
			continue
		}
		if after > 0 && m.Timestamp <= after {
			continue
		}
		out = append(out, m)
	}
	return out
}

// mergeUnique combines two message slices, keeping the first
// occurrence of any duplicate message id (cache wins over a freshly
// fetched copy, since the cache entry may carry edits the API batch
// predates).
func mergeUnique(a, b []*model.CachedMessage) []*model.CachedMessage {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]*model.CachedMessage, 0, len(a)+len(b))
	for _, m := range a {
		if _, ok := seen[m.MessageID]; ok {
			continue
		}
		seen[m.MessageID] = struct{}{}
		out = append(out, m)
	}
	for _, m := range b {
		if _, ok := seen[m.MessageID]; ok {
			continue
		}
		seen[m.MessageID] = struct{}{}
		out = append(out, m)
	}
	return out
}

// trimAscending returns the most relevant `limit` entries, preserving
// ascending timestamp order.
func trimAscending(msgs []*model.CachedMessage, limit int) []*model.CachedMessage {
	if limit <= 0 || len(msgs) <= limit {
		return msgs
	}
	return msgs[len(msgs)-limit:]
}
