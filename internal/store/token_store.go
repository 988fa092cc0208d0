package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"labauth/internal/domain"
)

type TokenStore struct{ db *gorm.DB }

func (s *Store) Tokens() *TokenStore { return &TokenStore{db: s.DB} }

func (t *TokenStore) CreatePasswordReset(ctx context.Context, tok *domain.PasswordResetToken) error {
	if tok.ID == uuid.Nil {
		tok.ID = uuid.New()
	}
	return t.db.WithContext(ctx).Create(tok).Error
}

// GetPasswordResetByHash looks up a reset token by the keyed hash of the raw
// value supplied by the caller.
func (t *TokenStore) GetPasswordResetByHash(ctx context.Context, tokenHash string) (*domain.PasswordResetToken, error) {
	var tok domain.PasswordResetToken
	if err := t.db.WithContext(ctx).First(&tok, "token_hash = ?", tokenHash).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &tok, nil
}

// MarkPasswordResetUsed flips used exactly once; a second call loses the
// WHERE race and reports not found.
func (t *TokenStore) MarkPasswordResetUsed(ctx context.Context, id uuid.UUID) error {
	tx := t.db.WithContext(ctx).Model(&domain.PasswordResetToken{}).
		Where("id = ? AND used = false", id).
		Update("used", true)
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (t *TokenStore) CreateEmailVerification(ctx context.Context, tok *domain.EmailVerificationToken) error {
	if tok.ID == uuid.Nil {
		tok.ID = uuid.New()
	}
	return t.db.WithContext(ctx).Create(tok).Error
}

func (t *TokenStore) GetEmailVerification(ctx context.Context, token string) (*domain.EmailVerificationToken, error) {
	var tok domain.EmailVerificationToken
	if err := t.db.WithContext(ctx).First(&tok, "token = ?", token).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &tok, nil
}

func (t *TokenStore) DeleteEmailVerification(ctx context.Context, id uuid.UUID) error {
	return t.db.WithContext(ctx).Where("id = ?", id).Delete(&domain.EmailVerificationToken{}).Error
}

func (t *TokenStore) DeleteEmailVerificationsForUser(ctx context.Context, userID uuid.UUID) error {
	return t.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&domain.EmailVerificationToken{}).Error
}

// DeleteExpired clears inert rows from both token tables.
func (t *TokenStore) DeleteExpired(ctx context.Context, now time.Time) error {
	if err := t.db.WithContext(ctx).Where("expires_at < ?", now).Delete(&domain.PasswordResetToken{}).Error; err != nil {
		return err
	}
	return t.db.WithContext(ctx).Where("expires_at < ?", now).Delete(&domain.EmailVerificationToken{}).Error
}
