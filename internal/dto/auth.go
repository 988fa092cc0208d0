package dto

import "encoding/json"

type RegisterRequest struct {
	Email       string `json:"email"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	Password    string `json:"password"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	TOTPCode string `json:"totpCode,omitempty"`
}

type ForgotPasswordRequest struct {
	Email string `json:"email"`
}

type ResetPasswordRequest struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

type ChangePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

type UpdateProfileRequest struct {
	DisplayName *string           `json:"displayName,omitempty"`
	AvatarURL   *string           `json:"avatarUrl,omitempty"`
	Preferences map[string]string `json:"preferences,omitempty"`
}

type TOTPConfirmRequest struct {
	Code string `json:"code"`
}

type TOTPDisableRequest struct {
	Code string `json:"code"`
}

type TOTPSetupResponse struct {
	Secret string `json:"secret"`
	URI    string `json:"uri"`
}

// PasskeyFinishRequest carries the browser's raw ceremony response plus an
// optional friendly name for registration.
type PasskeyFinishRequest struct {
	Name     string          `json:"name,omitempty"`
	Response json.RawMessage `json:"response"`
}

type PasskeyInfo struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	DeviceType string `json:"deviceType"`
	BackedUp   bool   `json:"backedUp"`
	CreatedAt  string `json:"createdAt"`
	LastUsedAt string `json:"lastUsedAt,omitempty"`
}

type UserInfo struct {
	ID            string            `json:"id"`
	Email         string            `json:"email"`
	Username      string            `json:"username"`
	DisplayName   string            `json:"displayName"`
	Role          string            `json:"role"`
	TOTPEnabled   bool              `json:"totpEnabled"`
	EmailVerified bool              `json:"emailVerified"`
	AvatarURL     string            `json:"avatarUrl,omitempty"`
	Preferences   map[string]string `json:"preferences,omitempty"`
}

type AdminUpdateUserRequest struct {
	Role          *string `json:"role,omitempty"`
	DisplayName   *string `json:"displayName,omitempty"`
	EmailVerified *bool   `json:"emailVerified,omitempty"`
}

type OKResponse struct {
	OK bool `json:"ok"`
}
