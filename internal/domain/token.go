package domain

import "time"

// PasswordResetToken is ephemeral. EmailHash mirrors the users table so the
// target account can be found without plaintext email; TokenHash is the keyed
// hash of the raw token (the raw value is never stored, only compared).
type PasswordResetToken struct {
	ID        TokenID   `gorm:"type:uuid;primaryKey" db:"id"`
	EmailHash string    `gorm:"type:text;index" db:"email_hash"`
	TokenHash string    `gorm:"type:text;uniqueIndex:ux_reset_token_hash" db:"token_hash"`
	ExpiresAt time.Time `gorm:"not null" db:"expires_at"`
	Used      bool      `gorm:"not null;default:false" db:"used"`
	CreatedAt time.Time `gorm:"not null" db:"created_at"`
}

func (PasswordResetToken) TableName() string { return "password_reset_tokens" }

func (t *PasswordResetToken) Usable(now time.Time) bool {
	return !t.Used && now.Before(t.ExpiresAt)
}

// EmailVerificationToken is ephemeral; deleted after consumption or expiry.
type EmailVerificationToken struct {
	ID        TokenID   `gorm:"type:uuid;primaryKey" db:"id"`
	UserID    UserID    `gorm:"type:uuid;index" db:"user_id"`
	Token     string    `gorm:"type:text;uniqueIndex:ux_email_verif_token" db:"token"`
	ExpiresAt time.Time `gorm:"not null" db:"expires_at"`
	CreatedAt time.Time `gorm:"not null" db:"created_at"`
}

func (EmailVerificationToken) TableName() string { return "email_verification_tokens" }
