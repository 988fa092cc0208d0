package store

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"labauth/internal/domain"
)

type AuditStore struct{ db *gorm.DB }

func (s *Store) Audit() *AuditStore { return &AuditStore{db: s.DB} }

// Append inserts one entry. Nothing in this package updates or deletes
// audit rows.
func (a *AuditStore) Append(ctx context.Context, e *domain.AuditLogEntry) error {
	if e.ID == [16]byte{} {
		e.ID = uuid.New()
	}
	return a.db.WithContext(ctx).Create(e).Error
}

func (a *AuditStore) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]domain.AuditLogEntry, error) {
	var out []domain.AuditLogEntry
	if err := a.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
