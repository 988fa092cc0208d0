package domain

import "time"

type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

// User is the identity record. Email and DisplayName are stored encrypted;
// EmailHash is the deterministic keyed hash of the normalized email so rows can
// be found without decrypting anything.
type User struct {
	ID            UserID    `gorm:"type:uuid;primaryKey" db:"id" json:"id"`
	Email         string    `gorm:"type:text;not null" db:"email" json:"-"`
	EmailHash     string    `gorm:"type:text;uniqueIndex:ux_users_email_hash" db:"email_hash" json:"-"`
	Username      string    `gorm:"type:citext;uniqueIndex:ux_users_username" db:"username" json:"username"`
	DisplayName   string    `gorm:"type:text" db:"display_name" json:"displayName"`
	PasswordHash  *string   `gorm:"type:text" db:"password_hash" json:"-"`
	Role          Role      `gorm:"type:text;not null;default:user" db:"role" json:"role"`
	TOTPSecret    *string   `gorm:"type:text" db:"totp_secret" json:"-"`
	TOTPEnabled   bool      `gorm:"not null;default:false" db:"totp_enabled" json:"totpEnabled"`
	EmailVerified bool      `gorm:"not null;default:false" db:"email_verified" json:"emailVerified"`
	AvatarURL     string    `gorm:"type:text" db:"avatar_url" json:"avatarUrl"`
	Preferences   JSONMap   `gorm:"type:jsonb" db:"preferences" json:"preferences"`
	CreatedAt     time.Time `gorm:"not null" db:"created_at" json:"createdAt"`
	UpdatedAt     time.Time `gorm:"not null" db:"updated_at" json:"updatedAt"`
}

func (User) TableName() string { return "users" }

// PasswordHash == nil means the account authenticates only via passkey or an
// external identity provider.
func (u *User) HasPassword() bool { return u.PasswordHash != nil && *u.PasswordHash != "" }
