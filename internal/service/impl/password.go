package impl

import (
	"context"
	"errors"
	"log/slog"
	"net/mail"
	"regexp"

	"labauth/internal/audit"
	"labauth/internal/cryptobox"
	"labauth/internal/domain"
	"labauth/internal/dto"
	"labauth/internal/observability/metrics"
	"labauth/internal/service"
	"labauth/internal/session"
	"labauth/internal/store"
	"labauth/internal/vault"
)

var usernameRe = regexp.MustCompile(`^[a-zA-Z0-9._-]{3,32}$`)

func (a *AuthServiceImpl) Register(ctx context.Context, req dto.RegisterRequest, meta service.RequestMeta) (*dto.UserInfo, session.Session, error) {
	if !a.flags.PasswordAuth {
		return nil, session.Anonymous(), domain.ErrNotConfigured
	}
	email := cryptobox.Normalize(req.Email)
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, session.Anonymous(), domain.Invalid("email", "invalid email address")
	}
	if !usernameRe.MatchString(req.Username) {
		return nil, session.Anonymous(), domain.Invalid("username", "must be 3-32 characters: letters, digits, . _ -")
	}
	if err := vault.ValidatePassword(req.Password); err != nil {
		return nil, session.Anonymous(), domain.Invalid("password", err.Error())
	}
	if err := a.checkLimit(ctx, "register", meta.IP); err != nil {
		return nil, session.Anonymous(), err
	}

	emailHash := a.box.Hash(email)
	if _, err := a.store.Users().GetByEmailHash(ctx, emailHash); err == nil {
		return nil, session.Anonymous(), domain.Invalid("email", "already in use")
	} else if err != store.ErrRecordNotFound {
		return nil, session.Anonymous(), err
	}
	if _, err := a.store.Users().GetByUsername(ctx, req.Username); err == nil {
		return nil, session.Anonymous(), domain.Invalid("username", "already in use")
	} else if err != store.ErrRecordNotFound {
		return nil, session.Anonymous(), err
	}

	encEmail, err := a.box.Encrypt(email)
	if err != nil {
		return nil, session.Anonymous(), err
	}
	displayName := req.DisplayName
	if displayName == "" {
		displayName = req.Username
	}
	encDisplayName, err := a.box.Encrypt(displayName)
	if err != nil {
		return nil, session.Anonymous(), err
	}
	passwordHash, err := vault.HashPassword(req.Password)
	if err != nil {
		return nil, session.Anonymous(), err
	}

	u := &domain.User{
		Email:        encEmail,
		EmailHash:    emailHash,
		Username:     req.Username,
		DisplayName:  encDisplayName,
		PasswordHash: ref(passwordHash),
		Role:         domain.RoleUser,
		Preferences:  domain.JSONMap{},
	}
	verifToken, err := randomToken()
	if err != nil {
		return nil, session.Anonymous(), err
	}
	now := a.now().UTC()
	err = a.store.WithTx(ctx, func(tx dataStore) error {
		if err := tx.Users().Create(ctx, u); err != nil {
			return err
		}
		return tx.Tokens().CreateEmailVerification(ctx, &domain.EmailVerificationToken{
			UserID:    u.ID,
			Token:     verifToken,
			ExpiresAt: now.Add(verificationTokenTTL),
			CreatedAt: now,
		})
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			// A concurrent registration slipped past the pre-check and won
			// the unique index; report it the same way the pre-check would.
			if _, lookupErr := a.store.Users().GetByEmailHash(ctx, emailHash); lookupErr == nil {
				return nil, session.Anonymous(), domain.Invalid("email", "already in use")
			}
			return nil, session.Anonymous(), domain.Invalid("username", "already in use")
		}
		metrics.RegistrationsTotal.WithLabelValues("failure").Inc()
		return nil, session.Anonymous(), err
	}

	if a.mail != nil {
		if err := a.mail.SendVerificationEmail(ctx, email, verifToken); err != nil {
			slog.Warn("verification email send failed", "error", err)
		}
	}

	metrics.RegistrationsTotal.WithLabelValues("success").Inc()
	a.audit.Record(ctx, domain.AuditRegister, audit.Event{
		UserID: &u.ID, IP: meta.IP, UserAgent: meta.UserAgent,
	})
	return a.userInfo(u), session.Anonymous().Authenticate(u.ID, u.Role, email), nil
}

func (a *AuthServiceImpl) Login(ctx context.Context, req dto.LoginRequest, meta service.RequestMeta) (*dto.UserInfo, session.Session, error) {
	if !a.flags.PasswordAuth {
		return nil, session.Anonymous(), domain.ErrNotConfigured
	}
	if err := a.checkLimit(ctx, "login", meta.IP); err != nil {
		return nil, session.Anonymous(), err
	}

	email := cryptobox.Normalize(req.Email)
	u, err := a.store.Users().GetByEmailHash(ctx, a.box.Hash(email))
	if err != nil {
		if err == store.ErrRecordNotFound {
			return nil, session.Anonymous(), a.failedLogin(ctx, "password", nil, meta, "unknown account")
		}
		return nil, session.Anonymous(), err
	}
	if !u.HasPassword() || !vault.VerifyPassword(*u.PasswordHash, req.Password) {
		return nil, session.Anonymous(), a.failedLogin(ctx, "password", &u.ID, meta, "bad password")
	}

	if u.TOTPEnabled && a.flags.TOTP {
		if u.TOTPSecret == nil {
			return nil, session.Anonymous(), domain.ErrIntegrity
		}
		secret, err := a.box.Decrypt(*u.TOTPSecret)
		if err != nil {
			slog.Error("stored totp secret failed to decrypt", "user_id", u.ID)
			return nil, session.Anonymous(), domain.ErrIntegrity
		}
		if req.TOTPCode == "" {
			return nil, session.Anonymous(), domain.ErrTOTPRequired
		}
		if !a.totp.Verify(req.TOTPCode, secret) {
			return nil, session.Anonymous(), a.failedLogin(ctx, "password", &u.ID, meta, "bad totp code")
		}
	}

	metrics.LoginsTotal.WithLabelValues("password", "success").Inc()
	a.audit.Record(ctx, domain.AuditLogin, audit.Event{
		UserID: &u.ID, IP: meta.IP, UserAgent: meta.UserAgent,
		Details: map[string]any{"method": "password"},
	})
	return a.userInfo(u), session.Anonymous().Authenticate(u.ID, u.Role, email), nil
}

func (a *AuthServiceImpl) Logout(ctx context.Context, sess session.Session, meta service.RequestMeta) session.Session {
	if sess.Authenticated() {
		userID := sess.UserID()
		a.audit.Record(ctx, domain.AuditLogout, audit.Event{
			UserID: &userID, IP: meta.IP, UserAgent: meta.UserAgent,
		})
	}
	return session.Anonymous()
}

// ForgotPassword always reports success so the response cannot be used to
// probe which addresses have accounts.
func (a *AuthServiceImpl) ForgotPassword(ctx context.Context, req dto.ForgotPasswordRequest, meta service.RequestMeta) error {
	if a.mail == nil {
		return domain.ErrNotConfigured
	}
	if err := a.checkLimit(ctx, "forgot-password", meta.IP); err != nil {
		return err
	}

	email := cryptobox.Normalize(req.Email)
	emailHash := a.box.Hash(email)
	u, err := a.store.Users().GetByEmailHash(ctx, emailHash)
	if err != nil {
		if err == store.ErrRecordNotFound {
			return nil
		}
		return err
	}

	raw, err := randomToken()
	if err != nil {
		return err
	}
	now := a.now().UTC()
	err = a.store.Tokens().CreatePasswordReset(ctx, &domain.PasswordResetToken{
		EmailHash: emailHash,
		TokenHash: a.box.Hash(raw),
		ExpiresAt: now.Add(resetTokenTTL),
		CreatedAt: now,
	})
	if err != nil {
		return err
	}
	if err := a.mail.SendPasswordResetEmail(ctx, email, raw); err != nil {
		slog.Warn("password reset email send failed", "user_id", u.ID, "error", err)
	}
	return nil
}

func (a *AuthServiceImpl) ResetPassword(ctx context.Context, req dto.ResetPasswordRequest, meta service.RequestMeta) error {
	if err := a.checkLimit(ctx, "reset-password", meta.IP); err != nil {
		return err
	}
	if err := vault.ValidatePassword(req.Password); err != nil {
		return domain.Invalid("password", err.Error())
	}

	tok, err := a.store.Tokens().GetPasswordResetByHash(ctx, a.box.Hash(req.Token))
	if err != nil {
		if err == store.ErrRecordNotFound {
			return domain.ErrInvalidCredentials
		}
		return err
	}
	if !tok.Usable(a.now().UTC()) {
		return domain.ErrInvalidCredentials
	}

	passwordHash, err := vault.HashPassword(req.Password)
	if err != nil {
		return err
	}
	var userID domain.UserID
	err = a.store.WithTx(ctx, func(tx dataStore) error {
		// Losing the used-flag race means someone else consumed the token
		// first; that attempt wins and this one is rejected.
		if err := tx.Tokens().MarkPasswordResetUsed(ctx, tok.ID); err != nil {
			if err == store.ErrRecordNotFound {
				return domain.ErrInvalidCredentials
			}
			return err
		}
		u, err := tx.Users().GetByEmailHash(ctx, tok.EmailHash)
		if err != nil {
			if err == store.ErrRecordNotFound {
				return domain.ErrInvalidCredentials
			}
			return err
		}
		userID = u.ID
		return tx.Users().SetPasswordHash(ctx, u.ID, passwordHash)
	})
	if err != nil {
		return err
	}
	a.audit.Record(ctx, domain.AuditPasswordChange, audit.Event{
		UserID: &userID, IP: meta.IP, UserAgent: meta.UserAgent,
		Details: map[string]any{"via": "reset"},
	})
	return nil
}

func (a *AuthServiceImpl) ChangePassword(ctx context.Context, sess session.Session, req dto.ChangePasswordRequest, meta service.RequestMeta) error {
	u, err := a.currentUser(ctx, sess)
	if err != nil {
		return err
	}
	// Accounts created via passkey may set a first password; everyone else
	// must prove the current one.
	if u.HasPassword() && !vault.VerifyPassword(*u.PasswordHash, req.CurrentPassword) {
		return domain.ErrInvalidCredentials
	}
	if err := vault.ValidatePassword(req.NewPassword); err != nil {
		return domain.Invalid("password", err.Error())
	}
	passwordHash, err := vault.HashPassword(req.NewPassword)
	if err != nil {
		return err
	}
	if err := a.store.Users().SetPasswordHash(ctx, u.ID, passwordHash); err != nil {
		return err
	}
	a.audit.Record(ctx, domain.AuditPasswordChange, audit.Event{
		UserID: &u.ID, IP: meta.IP, UserAgent: meta.UserAgent,
		Details: map[string]any{"via": "change"},
	})
	return nil
}

func (a *AuthServiceImpl) failedLogin(ctx context.Context, method string, userID *domain.UserID, meta service.RequestMeta, reason string) error {
	metrics.LoginsTotal.WithLabelValues(method, "failure").Inc()
	a.audit.Record(ctx, domain.AuditLoginFailed, audit.Event{
		UserID: userID, IP: meta.IP, UserAgent: meta.UserAgent,
		Details: map[string]any{"method": method, "reason": reason},
	})
	return domain.ErrInvalidCredentials
}
