package impl

import (
	"context"
	"log/slog"

	"labauth/internal/audit"
	"labauth/internal/domain"
	"labauth/internal/dto"
	"labauth/internal/service"
	"labauth/internal/session"
)

// BeginTOTPSetup generates a candidate secret and parks it in the session
// envelope. Nothing touches the database until the user proves possession of
// the secret via ConfirmTOTP.
func (a *AuthServiceImpl) BeginTOTPSetup(ctx context.Context, sess session.Session) (*dto.TOTPSetupResponse, session.Session, error) {
	if !a.flags.TOTP {
		return nil, sess, domain.ErrNotConfigured
	}
	u, err := a.currentUser(ctx, sess)
	if err != nil {
		return nil, sess, err
	}
	if u.TOTPEnabled {
		return nil, sess, domain.Invalid("totp", "already enabled")
	}

	secret, err := a.totp.GenerateSecret()
	if err != nil {
		return nil, sess, err
	}
	label, err := a.box.SafeDecrypt(u.Email)
	if err != nil || label == "" {
		label = u.Username
	}
	uri, err := a.totp.AuthURI(secret, label)
	if err != nil {
		return nil, sess, err
	}
	return &dto.TOTPSetupResponse{Secret: secret, URI: uri}, sess.WithPendingTOTPSecret(secret), nil
}

// ConfirmTOTP turns the pending secret into the enrolled one. The pending
// secret is dropped from the envelope whether the code verifies or not; a
// failed confirmation restarts enrollment from BeginTOTPSetup.
func (a *AuthServiceImpl) ConfirmTOTP(ctx context.Context, sess session.Session, req dto.TOTPConfirmRequest, meta service.RequestMeta) (session.Session, error) {
	if !a.flags.TOTP {
		return sess, domain.ErrNotConfigured
	}
	u, err := a.currentUser(ctx, sess)
	if err != nil {
		return sess, err
	}
	secret := sess.PendingTOTPSecret()
	if secret == "" {
		return sess, domain.Invalid("totp", "no enrollment in progress")
	}
	cleared := sess.ClearCeremony()
	if !a.totp.Verify(req.Code, secret) {
		return cleared, domain.ErrInvalidCredentials
	}

	enc, err := a.box.Encrypt(secret)
	if err != nil {
		return cleared, err
	}
	if err := a.store.Users().SetTOTP(ctx, u.ID, &enc, true); err != nil {
		return cleared, err
	}
	a.audit.Record(ctx, domain.AuditTOTPEnable, audit.Event{
		UserID: &u.ID, IP: meta.IP, UserAgent: meta.UserAgent,
	})
	return cleared, nil
}

// DisableTOTP requires a currently valid code so a hijacked session cannot
// silently strip the second factor without it.
func (a *AuthServiceImpl) DisableTOTP(ctx context.Context, sess session.Session, req dto.TOTPDisableRequest, meta service.RequestMeta) error {
	u, err := a.currentUser(ctx, sess)
	if err != nil {
		return err
	}
	if !u.TOTPEnabled || u.TOTPSecret == nil {
		return domain.Invalid("totp", "not enabled")
	}
	secret, err := a.box.Decrypt(*u.TOTPSecret)
	if err != nil {
		slog.Error("stored totp secret failed to decrypt", "user_id", u.ID)
		return domain.ErrIntegrity
	}
	if !a.totp.Verify(req.Code, secret) {
		return domain.ErrInvalidCredentials
	}
	if err := a.store.Users().SetTOTP(ctx, u.ID, nil, false); err != nil {
		return err
	}
	a.audit.Record(ctx, domain.AuditTOTPDisable, audit.Event{
		UserID: &u.ID, IP: meta.IP, UserAgent: meta.UserAgent,
	})
	return nil
}
