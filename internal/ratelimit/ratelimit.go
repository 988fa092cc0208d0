// Package ratelimit bounds attempts per key ("<action>:<identifier>") within
// a fixed window, backed by durable storage so limits hold across instances.
package ratelimit

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"labauth/internal/domain"
)

const (
	DefaultWindow      = 15 * time.Minute
	DefaultMaxAttempts = 5

	// Expired entries are swept at most once per hour of process time.
	sweepInterval = time.Hour
)

type entryStore interface {
	Increment(ctx context.Context, key string, now, cutoff time.Time) (*domain.RateLimitEntry, error)
	DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error)
}

type Result struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

type Limiter struct {
	store  entryStore
	window time.Duration
	max    int
	now    func() time.Time

	// Unix nanos of the last sweep. Advisory and safe to race; the worst
	// case is one extra sweep.
	lastSweep atomic.Int64
}

func NewLimiter(store entryStore) *Limiter {
	return &Limiter{
		store:  store,
		window: DefaultWindow,
		max:    DefaultMaxAttempts,
		now:    time.Now,
	}
}

// Check counts this attempt and reports whether it is allowed. The increment
// is a single storage round trip, so a burst of concurrent attempts on one
// key cannot undercount.
func (l *Limiter) Check(ctx context.Context, key string) (Result, error) {
	now := l.now().UTC()
	entry, err := l.store.Increment(ctx, key, now, now.Add(-l.window))
	if err != nil {
		return Result{}, err
	}

	l.maybeSweep(ctx, now)

	remaining := l.max - entry.Attempts
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:   entry.Attempts <= l.max,
		Remaining: remaining,
		ResetAt:   entry.WindowStart.Add(l.window),
	}, nil
}

// maybeSweep deletes fully expired entries, inline and time-gated. Hygiene
// only: failures are logged and swallowed.
func (l *Limiter) maybeSweep(ctx context.Context, now time.Time) {
	last := l.lastSweep.Load()
	if now.UnixNano()-last < sweepInterval.Nanoseconds() {
		return
	}
	if !l.lastSweep.CompareAndSwap(last, now.UnixNano()) {
		return
	}
	deleted, err := l.store.DeleteExpired(ctx, now.Add(-l.window))
	if err != nil {
		slog.Warn("rate limit sweep failed", "error", err)
		return
	}
	if deleted > 0 {
		slog.Debug("rate limit sweep", "deleted", deleted)
	}
}
