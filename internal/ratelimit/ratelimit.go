// Package ratelimit implements a three-tier RPM budget: a global
// budget, a per-conversation budget, and a per-request-class budget,
// each enforced independently and composed by taking the maximum
// required wait. The wait/grant mechanism is built on
// golang.org/x/time/rate, whose token-bucket semantics reduce to a
// minimum inter-request interval at burst 1.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

// Kind identifies the scope-selecting tag attached to each API call.
type Kind string

const (
	KindGeneral        Kind = "general"
	KindMessage        Kind = "message"
	KindFetchHistory   Kind = "fetch_history"
	KindAddReaction    Kind = "add_reaction"
	KindRemoveReaction Kind = "remove_reaction"
	KindEditMessage    Kind = "edit_message"
	KindDeleteMessage  Kind = "delete_message"
	KindDownload       Kind = "download"
	KindGetUserInfo    Kind = "get_user_info"
)

// messageKinds engage the message_rpm scope in addition to global/conversation.
var messageKinds = map[Kind]bool{
	KindMessage:       true,
	KindEditMessage:   true,
	KindDeleteMessage: true,
}

// Config holds the three RPM budgets.
type Config struct {
	GlobalRPM          float64
	PerConversationRPM float64
	MessageRPM         float64
}

// fallbackWait is applied when all three RPM budgets are zero,
// throttling to one request per second rather than failing the call
// outright. A single zero budget leaves only that scope unenforced.
const fallbackWait = time.Second

// Limiter is a process-wide rate limiter parameterized by the three
// RPM budgets. Callers are expected to hold one Limiter per adapter
// instance and pass it down explicitly rather than reach for a package
// singleton.
type Limiter struct {
	cfg Config

	mu      sync.Mutex
	global  *rate.Limiter
	perConv map[string]*rate.Limiter
	perKind map[Kind]*rate.Limiter

	waitSeconds *prometheus.HistogramVec
}

// New builds a Limiter from the three budgets.
func New(cfg Config) *Limiter {
	l := &Limiter{
		cfg:     cfg,
		perConv: make(map[string]*rate.Limiter),
		perKind: make(map[Kind]*rate.Limiter),
		waitSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "adapter_ratelimit_wait_seconds",
			Help: "Observed wait time before a rate-limited call proceeded.",
		}, []string{"kind"}),
	}
	if cfg.GlobalRPM > 0 {
		l.global = rate.NewLimiter(rate.Limit(cfg.GlobalRPM/60.0), 1)
	}
	return l
}

// Collector exposes the limiter's Prometheus metrics for registration.
func (l *Limiter) Collector() prometheus.Collector {
	return l.waitSeconds
}

func (l *Limiter) convLimiter(conversationID string) *rate.Limiter {
	if conversationID == "" || l.cfg.PerConversationRPM <= 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.perConv[conversationID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(l.cfg.PerConversationRPM/60.0), 1)
		l.perConv[conversationID] = lim
	}
	return lim
}

func (l *Limiter) kindLimiter(kind Kind) *rate.Limiter {
	if !messageKinds[kind] || l.cfg.MessageRPM <= 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.perKind[kind]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(l.cfg.MessageRPM/60.0), 1)
		l.perKind[kind] = lim
	}
	return lim
}

// WaitTime reports how long the caller would have to wait before a
// request of this kind/conversation is admitted, without consuming a
// slot.
func (l *Limiter) WaitTime(kind Kind, conversationID string) time.Duration {
	if l.cfg.GlobalRPM <= 0 && l.cfg.PerConversationRPM <= 0 && l.cfg.MessageRPM <= 0 {
		return fallbackWait
	}

	now := time.Now()
	var longest time.Duration

	for _, lim := range []*rate.Limiter{l.global, l.convLimiter(conversationID), l.kindLimiter(kind)} {
		if lim == nil {
			continue
		}
		// Reserve one token to measure the wait the next request would
		// face, then cancel so the peek consumes nothing.
		r := lim.ReserveN(now, 1)
		delay := r.DelayFrom(now)
		r.Cancel()
		if delay > longest {
			longest = delay
		}
	}
	return longest
}

// LimitRequest suspends the caller until a request of this kind is
// admitted, waiting on each engaged scope in turn (global,
// conversation, request class) and taking that scope's slot as soon as
// it is granted. The slots are not taken atomically: a cancellation
// while waiting on a later scope leaves the slots already taken on
// earlier scopes consumed. The suspension is cooperative: it observes ctx cancellation and
// returns the context's error rather than blocking past it.
func (l *Limiter) LimitRequest(ctx context.Context, kind Kind, conversationID string) error {
	start := time.Now()
	defer func() {
		l.waitSeconds.WithLabelValues(string(kind)).Observe(time.Since(start).Seconds())
	}()

	if l.cfg.GlobalRPM <= 0 && l.cfg.PerConversationRPM <= 0 && l.cfg.MessageRPM <= 0 {
		select {
		case <-time.After(fallbackWait):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	limiters := []*rate.Limiter{l.global, l.convLimiter(conversationID), l.kindLimiter(kind)}
	for _, lim := range limiters {
		if lim == nil {
			continue
		}
		if err := lim.Wait(ctx); err != nil {
			return fmt.Errorf("ratelimit: wait for %s: %w", kind, err)
		}
	}
	return nil
}
