package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"labauth/internal/domain"
)

// memoryEntryStore mirrors the SQL upsert semantics: one serialized
// increment per key, reset when the stored window start is at or before the
// cutoff.
type memoryEntryStore struct {
	mu      sync.Mutex
	entries map[string]*domain.RateLimitEntry

	sweeps int
}

func newMemoryEntryStore() *memoryEntryStore {
	return &memoryEntryStore{entries: make(map[string]*domain.RateLimitEntry)}
}

func (m *memoryEntryStore) Increment(_ context.Context, key string, now, cutoff time.Time) (*domain.RateLimitEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok || !e.WindowStart.After(cutoff) {
		e = &domain.RateLimitEntry{Key: key, Attempts: 1, WindowStart: now}
		m.entries[key] = e
	} else {
		e.Attempts++
	}
	out := *e
	return &out, nil
}

func (m *memoryEntryStore) DeleteExpired(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweeps++
	var n int64
	for k, e := range m.entries {
		if !e.WindowStart.After(cutoff) {
			delete(m.entries, k)
			n++
		}
	}
	return n, nil
}

func newTestLimiter(store entryStore, now *time.Time) *Limiter {
	l := NewLimiter(store)
	l.now = func() time.Time { return *now }
	// Pretend a sweep just happened so tests control sweep timing explicitly.
	l.lastSweep.Store(now.UnixNano())
	return l
}

func TestWindowCounting(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := newTestLimiter(newMemoryEntryStore(), &now)
	ctx := context.Background()

	for want := 4; want >= 0; want-- {
		res, err := l.Check(ctx, "login:203.0.113.7")
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, want, res.Remaining)
	}

	// Sixth call in the window is the first rejection.
	res, err := l.Check(ctx, "login:203.0.113.7")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)
	assert.Equal(t, now.Add(DefaultWindow), res.ResetAt)
}

func TestWindowReset(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := newTestLimiter(newMemoryEntryStore(), &now)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := l.Check(ctx, "login:203.0.113.7")
		require.NoError(t, err)
	}

	now = now.Add(DefaultWindow + time.Second)
	res, err := l.Check(ctx, "login:203.0.113.7")
	require.NoError(t, err)
	assert.True(t, res.Allowed, "fresh window after expiry regardless of prior count")
	assert.Equal(t, 4, res.Remaining)
}

func TestKeysAreIndependent(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := newTestLimiter(newMemoryEntryStore(), &now)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		_, err := l.Check(ctx, "login:203.0.113.7")
		require.NoError(t, err)
	}
	res, err := l.Check(ctx, "forgot-password:203.0.113.7")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 4, res.Remaining)
}

func TestSweepIsThrottled(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := newMemoryEntryStore()
	l := newTestLimiter(store, &now)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := l.Check(ctx, "login:203.0.113.7")
		require.NoError(t, err)
	}
	assert.Equal(t, 0, store.sweeps, "no sweep within the interval")

	now = now.Add(sweepInterval + time.Minute)
	_, err := l.Check(ctx, "login:203.0.113.7")
	require.NoError(t, err)
	assert.Equal(t, 1, store.sweeps)

	_, err = l.Check(ctx, "login:203.0.113.7")
	require.NoError(t, err)
	assert.Equal(t, 1, store.sweeps, "second call inside the interval does not sweep")
}

func TestConcurrentChecksDoNotUndercount(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := newTestLimiter(newMemoryEntryStore(), &now)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]Result, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := l.Check(ctx, "login:203.0.113.7")
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	allowed := 0
	for _, res := range results {
		if res.Allowed {
			allowed++
		}
	}
	assert.Equal(t, DefaultMaxAttempts, allowed)
}
