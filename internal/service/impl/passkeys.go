package impl

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/google/uuid"

	"labauth/internal/audit"
	"labauth/internal/domain"
	"labauth/internal/dto"
	"labauth/internal/observability/metrics"
	"labauth/internal/passkey"
	"labauth/internal/service"
	"labauth/internal/session"
	"labauth/internal/store"
)

func (a *AuthServiceImpl) BeginPasskeyRegistration(ctx context.Context, sess session.Session) ([]byte, session.Session, error) {
	if !a.flags.PasskeyAuth {
		return nil, sess, domain.ErrNotConfigured
	}
	u, err := a.currentUser(ctx, sess)
	if err != nil {
		return nil, sess, err
	}
	pu, err := a.passkeyUser(ctx, u)
	if err != nil {
		return nil, sess, err
	}
	options, ceremony, err := a.passkeys.BeginRegistration(pu)
	if err != nil {
		return nil, sess, err
	}
	return options, sess.WithWebAuthnData(ceremony), nil
}

func (a *AuthServiceImpl) FinishPasskeyRegistration(ctx context.Context, sess session.Session, req dto.PasskeyFinishRequest, meta service.RequestMeta) (session.Session, error) {
	if !a.flags.PasskeyAuth {
		return sess, domain.ErrNotConfigured
	}
	u, err := a.currentUser(ctx, sess)
	if err != nil {
		return sess, err
	}
	ceremony := sess.WebAuthnData()
	cleared := sess.ClearCeremony()
	if len(ceremony) == 0 {
		return cleared, domain.Invalid("passkey", "no ceremony in progress")
	}
	pu, err := a.passkeyUser(ctx, u)
	if err != nil {
		return cleared, err
	}
	cred, err := a.passkeys.FinishRegistration(pu, ceremony, req.Response)
	if err != nil {
		return cleared, domain.ErrInvalidCredentials
	}

	name := req.Name
	if name == "" {
		name = "Passkey"
	}
	pk := passkey.NewPasskey(u.ID, name, cred)
	pk.CreatedAt = a.now().UTC()
	if err := a.store.Passkeys().Create(ctx, pk); err != nil {
		return cleared, err
	}
	a.audit.Record(ctx, domain.AuditPasskeyRegister, audit.Event{
		UserID: &u.ID, IP: meta.IP, UserAgent: meta.UserAgent,
		Details: map[string]any{"name": name},
	})
	return cleared, nil
}

func (a *AuthServiceImpl) BeginPasskeyLogin(ctx context.Context, sess session.Session) ([]byte, session.Session, error) {
	if !a.flags.PasskeyAuth {
		return nil, sess, domain.ErrNotConfigured
	}
	options, ceremony, err := a.passkeys.BeginLogin()
	if err != nil {
		return nil, sess, err
	}
	return options, sess.WithWebAuthnData(ceremony), nil
}

func (a *AuthServiceImpl) FinishPasskeyLogin(ctx context.Context, sess session.Session, req dto.PasskeyFinishRequest, meta service.RequestMeta) (*dto.UserInfo, session.Session, error) {
	if !a.flags.PasskeyAuth {
		return nil, sess, domain.ErrNotConfigured
	}
	if err := a.checkLimit(ctx, "login", meta.IP); err != nil {
		return nil, sess, err
	}
	ceremony := sess.WebAuthnData()
	cleared := sess.ClearCeremony()
	if len(ceremony) == 0 {
		return nil, cleared, domain.Invalid("passkey", "no ceremony in progress")
	}

	// The authenticator reports the user handle; resolve it to the account
	// and its stored credentials so the library can check the assertion
	// against the authoritative counter.
	var account *domain.User
	handler := func(rawID, userHandle []byte) (webauthn.User, error) {
		userID, err := uuid.FromBytes(userHandle)
		if err != nil {
			return nil, passkey.ErrVerification
		}
		u, err := a.store.Users().GetByID(ctx, userID)
		if err != nil {
			return nil, passkey.ErrVerification
		}
		account = u
		return a.passkeyUser(ctx, u)
	}

	_, cred, err := a.passkeys.FinishLogin(handler, ceremony, req.Response)
	if err != nil || account == nil {
		return nil, cleared, a.failedLogin(ctx, "passkey", nil, meta, "assertion failed")
	}

	row, err := a.store.Passkeys().GetByCredentialID(ctx, cred.ID)
	if err != nil {
		return nil, cleared, a.failedLogin(ctx, "passkey", &account.ID, meta, "unknown credential")
	}
	if err := a.advancePasskeyCounter(ctx, account, row, cred.Authenticator.SignCount, meta); err != nil {
		return nil, cleared, err
	}

	email, err := a.box.SafeDecrypt(account.Email)
	if err != nil {
		email = ""
	}
	metrics.LoginsTotal.WithLabelValues("passkey", "success").Inc()
	a.audit.Record(ctx, domain.AuditLogin, audit.Event{
		UserID: &account.ID, IP: meta.IP, UserAgent: meta.UserAgent,
		Details: map[string]any{"method": "passkey"},
	})
	return a.userInfo(account), cleared.Authenticate(account.ID, account.Role, email), nil
}

func (a *AuthServiceImpl) ListPasskeys(ctx context.Context, sess session.Session) ([]dto.PasskeyInfo, error) {
	u, err := a.currentUser(ctx, sess)
	if err != nil {
		return nil, err
	}
	rows, err := a.store.Passkeys().ListByUser(ctx, u.ID)
	if err != nil {
		return nil, err
	}
	out := make([]dto.PasskeyInfo, 0, len(rows))
	for _, pk := range rows {
		info := dto.PasskeyInfo{
			ID:         pk.ID.String(),
			Name:       pk.Name,
			DeviceType: pk.DeviceType,
			BackedUp:   pk.BackedUp,
			CreatedAt:  pk.CreatedAt.UTC().Format(time.RFC3339),
		}
		if pk.LastUsedAt != nil {
			info.LastUsedAt = pk.LastUsedAt.UTC().Format(time.RFC3339)
		}
		out = append(out, info)
	}
	return out, nil
}

func (a *AuthServiceImpl) RemovePasskey(ctx context.Context, sess session.Session, id uuid.UUID, meta service.RequestMeta) error {
	u, err := a.currentUser(ctx, sess)
	if err != nil {
		return err
	}
	if err := a.store.Passkeys().Delete(ctx, u.ID, id); err != nil {
		if err == store.ErrRecordNotFound {
			return domain.ErrNotFound
		}
		return err
	}
	a.audit.Record(ctx, domain.AuditPasskeyRemove, audit.Event{
		UserID: &u.ID, IP: meta.IP, UserAgent: meta.UserAgent,
		Details: map[string]any{"passkey_id": id.String()},
	})
	return nil
}

// advancePasskeyCounter commits the assertion's signature counter. A counter
// that does not move forward means the private key was likely cloned, so the
// login is rejected and the event audited instead of trusting the assertion.
func (a *AuthServiceImpl) advancePasskeyCounter(ctx context.Context, account *domain.User, row *domain.Passkey, signCount uint32, meta service.RequestMeta) error {
	err := a.store.Passkeys().AdvanceCounter(ctx, row.ID, signCount, a.now().UTC())
	if err == nil {
		return nil
	}
	if err == store.ErrCounterRegression {
		slog.Warn("passkey counter regression", "user_id", account.ID, "passkey_id", row.ID)
		a.audit.Record(ctx, domain.AuditLoginFailed, audit.Event{
			UserID: &account.ID, IP: meta.IP, UserAgent: meta.UserAgent,
			Details: map[string]any{"method": "passkey", "reason": "counter regression", "passkey_id": row.ID.String()},
		})
		metrics.LoginsTotal.WithLabelValues("passkey", "failure").Inc()
		return domain.ErrIntegrity
	}
	return err
}

// passkeyUser adapts an account and its stored credentials for the ceremony
// layer.
func (a *AuthServiceImpl) passkeyUser(ctx context.Context, u *domain.User) (*passkey.User, error) {
	rows, err := a.store.Passkeys().ListByUser(ctx, u.ID)
	if err != nil {
		return nil, err
	}
	creds := make([]webauthn.Credential, 0, len(rows))
	for i := range rows {
		creds = append(creds, passkey.StoredCredential(&rows[i]))
	}
	displayName, err := a.box.SafeDecrypt(u.DisplayName)
	if err != nil || displayName == "" {
		displayName = u.Username
	}
	return &passkey.User{
		ID:          u.ID,
		Name:        u.Username,
		DisplayName: displayName,
		Credentials: creds,
	}, nil
}
