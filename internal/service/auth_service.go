package service

import (
	"context"

	"github.com/google/uuid"

	"labauth/internal/dto"
	"labauth/internal/session"
)

// RequestMeta carries the caller-facing attributes every flow needs for rate
// limiting and the audit trail.
type RequestMeta struct {
	IP        string
	UserAgent string
}

// AuthService is the orchestrator: the only component with business-flow
// branching. Flows take the caller's current session envelope and return the
// envelope that should replace it.
type AuthService interface {
	Register(ctx context.Context, req dto.RegisterRequest, meta RequestMeta) (*dto.UserInfo, session.Session, error)
	Login(ctx context.Context, req dto.LoginRequest, meta RequestMeta) (*dto.UserInfo, session.Session, error)
	Logout(ctx context.Context, sess session.Session, meta RequestMeta) session.Session

	Me(ctx context.Context, sess session.Session) (*dto.UserInfo, session.Session, error)
	UpdateProfile(ctx context.Context, sess session.Session, req dto.UpdateProfileRequest) (*dto.UserInfo, error)
	ChangePassword(ctx context.Context, sess session.Session, req dto.ChangePasswordRequest, meta RequestMeta) error

	ForgotPassword(ctx context.Context, req dto.ForgotPasswordRequest, meta RequestMeta) error
	ResetPassword(ctx context.Context, req dto.ResetPasswordRequest, meta RequestMeta) error
	VerifyEmail(ctx context.Context, token string) error

	BeginTOTPSetup(ctx context.Context, sess session.Session) (*dto.TOTPSetupResponse, session.Session, error)
	ConfirmTOTP(ctx context.Context, sess session.Session, req dto.TOTPConfirmRequest, meta RequestMeta) (session.Session, error)
	DisableTOTP(ctx context.Context, sess session.Session, req dto.TOTPDisableRequest, meta RequestMeta) error

	BeginPasskeyRegistration(ctx context.Context, sess session.Session) ([]byte, session.Session, error)
	FinishPasskeyRegistration(ctx context.Context, sess session.Session, req dto.PasskeyFinishRequest, meta RequestMeta) (session.Session, error)
	BeginPasskeyLogin(ctx context.Context, sess session.Session) ([]byte, session.Session, error)
	FinishPasskeyLogin(ctx context.Context, sess session.Session, req dto.PasskeyFinishRequest, meta RequestMeta) (*dto.UserInfo, session.Session, error)
	ListPasskeys(ctx context.Context, sess session.Session) ([]dto.PasskeyInfo, error)
	RemovePasskey(ctx context.Context, sess session.Session, id uuid.UUID, meta RequestMeta) error

	AdminUpdateUser(ctx context.Context, sess session.Session, target uuid.UUID, req dto.AdminUpdateUserRequest, meta RequestMeta) (*dto.UserInfo, error)
	AdminDeleteUser(ctx context.Context, sess session.Session, target uuid.UUID, meta RequestMeta) error
	AdminResendVerification(ctx context.Context, sess session.Session, target uuid.UUID, meta RequestMeta) error
}
