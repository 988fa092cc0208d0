package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"labauth/internal/domain"
)

// ErrCounterRegression signals a signature counter that did not advance, the
// WebAuthn clone indicator.
var ErrCounterRegression = errors.New("passkey counter did not increase")

type PasskeyStore struct{ db *gorm.DB }

func (s *Store) Passkeys() *PasskeyStore { return &PasskeyStore{db: s.DB} }

func (p *PasskeyStore) Create(ctx context.Context, pk *domain.Passkey) error {
	if pk.ID == uuid.Nil {
		pk.ID = uuid.New()
	}
	return p.db.WithContext(ctx).Create(pk).Error
}

func (p *PasskeyStore) GetByCredentialID(ctx context.Context, credentialID []byte) (*domain.Passkey, error) {
	var pk domain.Passkey
	if err := p.db.WithContext(ctx).First(&pk, "credential_id = ?", credentialID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &pk, nil
}

func (p *PasskeyStore) ListByUser(ctx context.Context, userID uuid.UUID) ([]domain.Passkey, error) {
	var out []domain.Passkey
	if err := p.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// AdvanceCounter persists a new signature counter and last-used timestamp.
// The guard rides in the WHERE clause so two concurrent authentications
// against the same credential cannot both win with a stale read; a zero
// counter is accepted because some authenticators never increment.
func (p *PasskeyStore) AdvanceCounter(ctx context.Context, id uuid.UUID, newCounter uint32, usedAt time.Time) error {
	tx := p.db.WithContext(ctx).Model(&domain.Passkey{}).
		Where("id = ? AND (counter < ? OR (counter = 0 AND ? = 0))", id, newCounter, newCounter).
		Updates(map[string]any{"counter": newCounter, "last_used_at": usedAt})
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return ErrCounterRegression
	}
	return nil
}

func (p *PasskeyStore) Delete(ctx context.Context, userID, id uuid.UUID) error {
	tx := p.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", id, userID).
		Delete(&domain.Passkey{})
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return ErrRecordNotFound
	}
	return nil
}
