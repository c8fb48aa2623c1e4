package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestWaitTimeAllZeroConfigReturnsFallback(t *testing.T) {
	l := New(Config{})
	if got := l.WaitTime(KindGeneral, "conv1"); got != fallbackWait {
		t.Errorf("WaitTime() = %v, want the fallback wait of %v", got, fallbackWait)
	}
}

func TestWaitTimeFirstCallIsImmediate(t *testing.T) {
	l := New(Config{GlobalRPM: 60})
	if got := l.WaitTime(KindGeneral, "conv1"); got != 0 {
		t.Errorf("WaitTime() on a fresh limiter = %v, want 0", got)
	}
}

func TestLimitRequestConsumesBudget(t *testing.T) {
	l := New(Config{GlobalRPM: 60})
	ctx := context.Background()

	if err := l.LimitRequest(ctx, KindGeneral, "conv1"); err != nil {
		t.Fatalf("first request should be admitted immediately: %v", err)
	}
	if got := l.WaitTime(KindGeneral, "conv1"); got <= 0 {
		t.Error("a second request should now face a nonzero wait, since the 1-token bucket was just drained")
	}
}

func TestLimitRequestRespectsContextCancellation(t *testing.T) {
	l := New(Config{GlobalRPM: 1}) // one request per minute: the second call must wait
	ctx := context.Background()
	if err := l.LimitRequest(ctx, KindGeneral, "conv1"); err != nil {
		t.Fatal(err)
	}

	cancelCtx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := l.LimitRequest(cancelCtx, KindGeneral, "conv1"); err == nil {
		t.Error("LimitRequest should return an error once the context is exceeded while waiting")
	}
}

func TestPerConversationScopeIsIndependent(t *testing.T) {
	l := New(Config{PerConversationRPM: 60})
	ctx := context.Background()
	if err := l.LimitRequest(ctx, KindGeneral, "conv1"); err != nil {
		t.Fatal(err)
	}
	// A different conversation should have its own untouched budget.
	if got := l.WaitTime(KindGeneral, "conv2"); got != 0 {
		t.Errorf("WaitTime() for an unrelated conversation = %v, want 0", got)
	}
}

func TestMessageKindScopeOnlyAppliesToMessageKinds(t *testing.T) {
	l := New(Config{MessageRPM: 60})
	ctx := context.Background()
	if err := l.LimitRequest(ctx, KindMessage, "conv1"); err != nil {
		t.Fatal(err)
	}
	// KindGetUserInfo never engages the message_rpm scope, so it sees no wait.
	if got := l.WaitTime(KindGetUserInfo, "conv1"); got != 0 {
		t.Errorf("WaitTime() for a non-message kind = %v, want 0", got)
	}
}
