package domain

import "time"

// Passkey is one registered WebAuthn credential. Counter must never decrease
// across successful authentications; a stalled or regressing counter is
// evidence of credential cloning.
type Passkey struct {
	ID           PasskeyID  `gorm:"type:uuid;primaryKey" db:"id" json:"id"`
	UserID       UserID     `gorm:"type:uuid;index" db:"user_id" json:"-"`
	CredentialID []byte     `gorm:"type:bytea;uniqueIndex:ux_passkeys_credid" db:"credential_id" json:"-"`
	PublicKey    []byte     `gorm:"type:bytea;not null" db:"public_key" json:"-"`
	Counter      uint32     `gorm:"not null;default:0" db:"counter" json:"-"`
	DeviceType   string     `gorm:"type:text" db:"device_type" json:"deviceType"`
	BackedUp     bool       `gorm:"not null;default:false" db:"backed_up" json:"backedUp"`
	Transports   string     `gorm:"type:text" db:"transports" json:"transports"`
	Name         string     `gorm:"type:text" db:"name" json:"name"`
	CreatedAt    time.Time  `gorm:"not null" db:"created_at" json:"createdAt"`
	LastUsedAt   *time.Time `db:"last_used_at" json:"lastUsedAt"`
}

func (Passkey) TableName() string { return "passkeys" }
