// Package impl wires the auth primitives into the externally visible flows.
// Everything below this package is a primitive; all business-flow branching
// lives here.
package impl

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/google/uuid"

	"labauth/internal/audit"
	"labauth/internal/cryptobox"
	"labauth/internal/domain"
	"labauth/internal/dto"
	"labauth/internal/mailer"
	"labauth/internal/observability/metrics"
	"labauth/internal/passkey"
	"labauth/internal/ratelimit"
	"labauth/internal/service"
	"labauth/internal/session"
	"labauth/internal/store"
	"labauth/internal/totp"
)

const (
	resetTokenTTL        = time.Hour
	verificationTokenTTL = 24 * time.Hour
)

type userStore interface {
	Create(ctx context.Context, u *domain.User) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.User, error)
	GetByEmailHash(ctx context.Context, emailHash string) (*domain.User, error)
	GetByUsername(ctx context.Context, username string) (*domain.User, error)
	Update(ctx context.Context, u *domain.User) error
	SetEmailVerified(ctx context.Context, userID uuid.UUID) error
	SetPasswordHash(ctx context.Context, userID uuid.UUID, hash string) error
	SetTOTP(ctx context.Context, userID uuid.UUID, secret *string, enabled bool) error
	Delete(ctx context.Context, userID uuid.UUID) error
}

type passkeyStore interface {
	Create(ctx context.Context, pk *domain.Passkey) error
	GetByCredentialID(ctx context.Context, credentialID []byte) (*domain.Passkey, error)
	ListByUser(ctx context.Context, userID uuid.UUID) ([]domain.Passkey, error)
	AdvanceCounter(ctx context.Context, id uuid.UUID, newCounter uint32, usedAt time.Time) error
	Delete(ctx context.Context, userID, id uuid.UUID) error
}

type tokenStore interface {
	CreatePasswordReset(ctx context.Context, tok *domain.PasswordResetToken) error
	GetPasswordResetByHash(ctx context.Context, tokenHash string) (*domain.PasswordResetToken, error)
	MarkPasswordResetUsed(ctx context.Context, id uuid.UUID) error
	CreateEmailVerification(ctx context.Context, tok *domain.EmailVerificationToken) error
	GetEmailVerification(ctx context.Context, token string) (*domain.EmailVerificationToken, error)
	DeleteEmailVerification(ctx context.Context, id uuid.UUID) error
	DeleteEmailVerificationsForUser(ctx context.Context, userID uuid.UUID) error
}

type dataStore interface {
	Users() userStore
	Passkeys() passkeyStore
	Tokens() tokenStore
	WithTx(ctx context.Context, fn func(tx dataStore) error) error
}

type attemptLimiter interface {
	Check(ctx context.Context, key string) (ratelimit.Result, error)
}

type auditRecorder interface {
	Record(ctx context.Context, action domain.AuditAction, ev audit.Event)
}

// Flags mirror the environment-level switches for authentication methods.
type Flags struct {
	PasswordAuth bool
	PasskeyAuth  bool
	TOTP         bool
}

type Deps struct {
	Box      *cryptobox.Box
	TOTP     *totp.Service
	Passkeys *passkey.Service
	Limiter  attemptLimiter
	Audit    auditRecorder
	Mail     mailer.Sender
	Flags    Flags
}

type AuthServiceImpl struct {
	store    dataStore
	box      *cryptobox.Box
	totp     *totp.Service
	passkeys *passkey.Service
	limiter  attemptLimiter
	audit    auditRecorder
	mail     mailer.Sender
	flags    Flags
	now      func() time.Time
}

var _ service.AuthService = (*AuthServiceImpl)(nil)

func NewAuthServiceImpl(st *store.Store, deps Deps) *AuthServiceImpl {
	return newAuthService(gormStoreAdapter{store: st}, deps)
}

func newAuthService(st dataStore, deps Deps) *AuthServiceImpl {
	return &AuthServiceImpl{
		store:    st,
		box:      deps.Box,
		totp:     deps.TOTP,
		passkeys: deps.Passkeys,
		limiter:  deps.Limiter,
		audit:    deps.Audit,
		mail:     deps.Mail,
		flags:    deps.Flags,
		now:      time.Now,
	}
}

// ---- gorm adapter ----

type gormStoreAdapter struct {
	store *store.Store
}

func (g gormStoreAdapter) Users() userStore       { return g.store.Users() }
func (g gormStoreAdapter) Passkeys() passkeyStore { return g.store.Passkeys() }
func (g gormStoreAdapter) Tokens() tokenStore     { return g.store.Tokens() }

func (g gormStoreAdapter) WithTx(ctx context.Context, fn func(tx dataStore) error) error {
	return g.store.WithTx(ctx, func(tx *store.Store) error {
		return fn(gormStoreAdapter{store: tx})
	})
}

// ---- shared helpers ----

// checkLimit counts one attempt against "<action>:<ip>" and rejects when the
// window budget is spent.
func (a *AuthServiceImpl) checkLimit(ctx context.Context, action, ip string) error {
	res, err := a.limiter.Check(ctx, action+":"+ip)
	if err != nil {
		return err
	}
	if !res.Allowed {
		metrics.RateLimitRejectionsTotal.WithLabelValues(action).Inc()
		return &domain.RateLimitError{ResetAt: res.ResetAt}
	}
	return nil
}

// currentUser resolves the session's user. A session pointing at a deleted
// account is hostile or stale either way: the caller gets ErrNotFound and
// must discard the envelope.
func (a *AuthServiceImpl) currentUser(ctx context.Context, sess session.Session) (*domain.User, error) {
	if !sess.Authenticated() {
		return nil, domain.ErrInvalidCredentials
	}
	u, err := a.store.Users().GetByID(ctx, sess.UserID())
	if err != nil {
		if err == store.ErrRecordNotFound {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return u, nil
}

func (a *AuthServiceImpl) userInfo(u *domain.User) *dto.UserInfo {
	email, err := a.box.SafeDecrypt(u.Email)
	if err != nil {
		email = ""
	}
	displayName, err := a.box.SafeDecrypt(u.DisplayName)
	if err != nil {
		displayName = ""
	}
	return &dto.UserInfo{
		ID:            u.ID.String(),
		Email:         email,
		Username:      u.Username,
		DisplayName:   displayName,
		Role:          string(u.Role),
		TOTPEnabled:   u.TOTPEnabled,
		EmailVerified: u.EmailVerified,
		AvatarURL:     u.AvatarURL,
		Preferences:   u.Preferences,
	}
}

func randomToken() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}

func ref[T any](v T) *T { return &v }
