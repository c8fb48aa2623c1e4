package history

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chatmesh/adapters/internal/cache"
	"github.com/chatmesh/adapters/internal/model"
	"github.com/chatmesh/adapters/internal/ratelimit"
)

type fakeAPI struct {
	messages       []RawMessage
	resolveCalls   int32
	resolveErr     error
}

func (f *fakeAPI) FetchMessages(ctx context.Context, platformConversationID, anchorID string, anchor Anchor, limit int) ([]RawMessage, error) {
	if limit > len(f.messages) {
		limit = len(f.messages)
	}
	return f.messages[:limit], nil
}

func (f *fakeAPI) ResolveSender(ctx context.Context, userID string) (*model.UserInfo, error) {
	atomic.AddInt32(&f.resolveCalls, 1)
	if f.resolveErr != nil {
		return nil, f.resolveErr
	}
	return &model.UserInfo{UserID: userID, Username: "user-" + userID}, nil
}

func rawMessage(id, senderID string, ts time.Time) RawMessage {
	return RawMessage{
		MessageID: id,
		SenderID:  senderID,
		Timestamp: ts,
		Build: func(sender *model.UserInfo) *model.CachedMessage {
			m := model.NewCachedMessage("conv1", id)
			m.Timestamp = ts.UnixMilli()
			if sender != nil {
				m.SenderID = sender.UserID
				m.SenderName = sender.Username
			}
			return m
		},
	}
}

func TestFetchServesFromCacheWhenSufficient(t *testing.T) {
	msgCache := cache.NewMessageCache(cache.MessageCacheConfig{}, nil)
	conv := model.NewConversationInfo("conv1", "C1", "channel")
	base := time.Now()
	for i, id := range []string{"m1", "m2"} {
		ts := base.Add(time.Duration(i) * time.Second)
		msgCache.AddMessage("conv1", id, func() *model.CachedMessage {
			m := model.NewCachedMessage("conv1", id)
			m.Timestamp = ts.UnixMilli()
			return m
		})
		conv.Messages[id] = struct{}{}
	}

	api := &fakeAPI{}
	f := NewFetcher(Config{}, msgCache, ratelimit.New(ratelimit.Config{}), api)

	out, err := f.Fetch(context.Background(), conv, Params{ConversationID: "conv1", PlatformConversationID: "C1", Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 2 {
		t.Fatalf("out = %v, want 2 cached messages", out)
	}
	if api.resolveCalls != 0 {
		t.Error("a fully cache-served fetch should never resolve senders through the API")
	}
}

func TestFetchFallsBackToAPIForShortfall(t *testing.T) {
	msgCache := cache.NewMessageCache(cache.MessageCacheConfig{}, nil)
	conv := model.NewConversationInfo("conv1", "C1", "channel")
	base := time.Now()

	api := &fakeAPI{messages: []RawMessage{
		rawMessage("m1", "u1", base),
		rawMessage("m2", "u1", base.Add(time.Second)),
		rawMessage("m3", "u2", base.Add(2*time.Second)),
	}}
	f := NewFetcher(Config{BatchSize: 10, MaxConcurrency: 2}, msgCache, ratelimit.New(ratelimit.Config{}), api)

	out, err := f.Fetch(context.Background(), conv, Params{ConversationID: "conv1", PlatformConversationID: "C1", Limit: 3})
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 3 {
		t.Fatalf("out = %v, want 3 messages merged from the API", out)
	}
	for i := 1; i < len(out); i++ {
		if out[i].Timestamp < out[i-1].Timestamp {
			t.Errorf("out is not ascending by timestamp: %+v", out)
		}
	}
}

func TestFetchMemoizesSenderResolution(t *testing.T) {
	msgCache := cache.NewMessageCache(cache.MessageCacheConfig{}, nil)
	conv := model.NewConversationInfo("conv1", "C1", "channel")
	base := time.Now()

	api := &fakeAPI{messages: []RawMessage{
		rawMessage("m1", "u1", base),
		rawMessage("m2", "u1", base.Add(time.Second)),
	}}
	f := NewFetcher(Config{BatchSize: 10, MaxConcurrency: 1}, msgCache, ratelimit.New(ratelimit.Config{}), api)

	_, err := f.Fetch(context.Background(), conv, Params{ConversationID: "conv1", PlatformConversationID: "C1", Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if api.resolveCalls != 1 {
		t.Errorf("resolveCalls = %d, want 1 (same sender across both messages should resolve once)", api.resolveCalls)
	}
}

func TestFetchPropagatesAPIError(t *testing.T) {
	msgCache := cache.NewMessageCache(cache.MessageCacheConfig{}, nil)
	conv := model.NewConversationInfo("conv1", "C1", "channel")
	api := &fakeAPI{
		messages:   []RawMessage{rawMessage("m1", "u1", time.Now())},
		resolveErr: fmt.Errorf("boom"),
	}
	f := NewFetcher(Config{BatchSize: 10, MaxConcurrency: 1}, msgCache, ratelimit.New(ratelimit.Config{}), api)

	_, err := f.Fetch(context.Background(), conv, Params{ConversationID: "conv1", PlatformConversationID: "C1", Limit: 1})
	if err == nil {
		t.Error("Fetch should propagate a sender-resolution error")
	}
}

func TestMergeUniquePrefersCacheCopy(t *testing.T) {
	cached := []*model.CachedMessage{{MessageID: "m1", Text: "cached"}}
	fetched := []*model.CachedMessage{{MessageID: "m1", Text: "fetched"}, {MessageID: "m2", Text: "fetched"}}

	out := mergeUnique(cached, fetched)
	if len(out) != 2 {
		t.Fatalf("out = %v, want 2 unique entries", out)
	}
	if out[0].Text != "cached" {
		t.Errorf("duplicate id should keep the cache copy, got %q", out[0].Text)
	}
}

func TestTrimAscendingKeepsMostRecent(t *testing.T) {
	msgs := []*model.CachedMessage{
		{MessageID: "m1", Timestamp: 1},
		{MessageID: "m2", Timestamp: 2},
		{MessageID: "m3", Timestamp: 3},
	}
	out := trimAscending(msgs, 2)
	if len(out) != 2 || out[0].MessageID != "m2" || out[1].MessageID != "m3" {
		t.Errorf("trimAscending() = %+v, want the 2 most recent in ascending order", out)
	}
}
