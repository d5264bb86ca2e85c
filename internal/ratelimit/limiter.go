// Package ratelimit is a fixed-window request throttle keyed by network origin.
//
// A fixed window can admit up to twice the nominal rate across a window
// boundary. With MemoryStore the counters are per process, so a horizontally
// scaled deployment only gets approximate per-instance limiting; use
// RedisStore to share counters between instances.
package ratelimit

import (
	"context"
	"log/slog"
	"math"
	"time"
)

// Window is the state of one client's current window after an increment.
type Window struct {
	Count   int64
	ResetAt time.Time
}

// Store counts hits per key inside fixed windows.
type Store interface {
	// Increment adds one hit to key. When the key's window has elapsed the
	// count restarts at 1 and a new window of the given length begins.
	Increment(ctx context.Context, key string, window time.Duration) (Window, error)
}

// Decision is the outcome of a Check. Limit is zero when the request was
// not counted (limiter disabled or store unavailable).
type Decision struct {
	Allowed    bool
	RetryAfter int // seconds, > 0 when denied
	Limit      int64
	Remaining  int64
}

type Limiter struct {
	store  Store
	max    int64
	window time.Duration
	now    func() time.Time
	log    *slog.Logger
}

func New(store Store, max int64, window time.Duration, log *slog.Logger) *Limiter {
	if log == nil {
		log = slog.Default()
	}
	return &Limiter{store: store, max: max, window: window, now: time.Now, log: log}
}

// Check records one request from clientID and decides whether it may proceed.
// A store failure lets the request through: the limiter protects against
// abuse and must not take the API down with it.
func (l *Limiter) Check(ctx context.Context, clientID string) Decision {
	if l.max <= 0 {
		return Decision{Allowed: true}
	}
	w, err := l.store.Increment(ctx, clientID, l.window)
	if err != nil {
		l.log.Warn("rate limit store failed, allowing request", "client_id", clientID, "error", err)
		return Decision{Allowed: true}
	}
	if w.Count > l.max {
		return Decision{Allowed: false, RetryAfter: retryAfter(w.ResetAt, l.now()), Limit: l.max}
	}
	return Decision{Allowed: true, Limit: l.max, Remaining: l.max - w.Count}
}

func retryAfter(resetAt, now time.Time) int {
	secs := int(math.Ceil(resetAt.Sub(now).Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}
