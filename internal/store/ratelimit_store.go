package store

import (
	"context"
	"time"

	"gorm.io/gorm"

	"labauth/internal/domain"
)

type RateLimitStore struct{ db *gorm.DB }

func (s *Store) RateLimits() *RateLimitStore { return &RateLimitStore{db: s.DB} }

// Increment bumps the counter for key in a single upsert so concurrent
// attempts cannot undercount. A window that started at or before cutoff is
// expired: the counter restarts at 1 with a fresh window.
func (r *RateLimitStore) Increment(ctx context.Context, key string, now, cutoff time.Time) (*domain.RateLimitEntry, error) {
	var entry domain.RateLimitEntry
	err := r.db.WithContext(ctx).Raw(`
		INSERT INTO rate_limit_entries (key, attempts, window_start)
		VALUES (?, 1, ?)
		ON CONFLICT (key) DO UPDATE SET
			attempts = CASE
				WHEN rate_limit_entries.window_start <= ? THEN 1
				ELSE rate_limit_entries.attempts + 1
			END,
			window_start = CASE
				WHEN rate_limit_entries.window_start <= ? THEN EXCLUDED.window_start
				ELSE rate_limit_entries.window_start
			END
		RETURNING key, attempts, window_start`,
		key, now, cutoff, cutoff,
	).Scan(&entry).Error
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// DeleteExpired removes entries whose window fully elapsed before cutoff.
// Hygiene only; correctness never depends on it.
func (r *RateLimitStore) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	tx := r.db.WithContext(ctx).Where("window_start <= ?", cutoff).Delete(&domain.RateLimitEntry{})
	return tx.RowsAffected, tx.Error
}
