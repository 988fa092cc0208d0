package domain

import "time"

type AuditAction string

const (
	AuditLogin                   AuditAction = "login"
	AuditLoginFailed             AuditAction = "login_failed"
	AuditLogout                  AuditAction = "logout"
	AuditRegister                AuditAction = "register"
	AuditPasswordChange          AuditAction = "password_change"
	AuditTOTPEnable              AuditAction = "totp_enable"
	AuditTOTPDisable             AuditAction = "totp_disable"
	AuditPasskeyRegister         AuditAction = "passkey_register"
	AuditPasskeyRemove           AuditAction = "passkey_remove"
	AuditOAuthLink               AuditAction = "oauth_link"
	AuditAdminUserEdit           AuditAction = "admin_user_edit"
	AuditAdminUserDelete         AuditAction = "admin_user_delete"
	AuditAdminResendVerification AuditAction = "admin_resend_verification"
)

// AuditLogEntry is append-only; normal flows never mutate or delete rows.
type AuditLogEntry struct {
	ID        [16]byte    `gorm:"type:uuid;primaryKey" db:"id"`
	UserID    *UserID     `gorm:"type:uuid" db:"user_id"`
	Action    AuditAction `gorm:"type:text;not null" db:"action"`
	IP        string      `gorm:"type:text" db:"ip"`
	UserAgent string      `gorm:"type:text" db:"user_agent"`
	Details   []byte      `gorm:"type:jsonb" db:"details"`
	CreatedAt time.Time   `gorm:"not null" db:"created_at"`
}

func (AuditLogEntry) TableName() string { return "audit_log" }
