package impl

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	ptotp "github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"labauth/internal/cryptobox"
	"labauth/internal/domain"
	"labauth/internal/dto"
	"labauth/internal/observability/metrics"
	"labauth/internal/passkey"
	"labauth/internal/service"
	"labauth/internal/session"
	"labauth/internal/totp"
)

func TestMain(m *testing.M) {
	metrics.MustRegister("test")
	os.Exit(m.Run())
}

type testEnv struct {
	svc     *AuthServiceImpl
	data    *memoryData
	mail    *captureMail
	audits  *recordingAudit
	limiter *stubLimiter
	box     *cryptobox.Box
}

var testMeta = service.RequestMeta{IP: "203.0.113.7", UserAgent: "go-test"}

func mustParse(t *testing.T, s string) uuid.UUID {
	t.Helper()
	id, err := uuid.Parse(s)
	require.NoError(t, err)
	return id
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	box, err := cryptobox.New(cryptobox.Config{Secret: "test-secret"})
	require.NoError(t, err)
	passkeys, err := passkey.NewService(passkey.Config{
		RPDisplayName: "Test",
		RPID:          "localhost",
		RPOrigins:     []string{"http://localhost"},
	})
	require.NoError(t, err)

	env := &testEnv{
		data:    newMemoryData(),
		mail:    newCaptureMail(),
		audits:  &recordingAudit{},
		limiter: &stubLimiter{allow: true, resetAt: time.Now().Add(15 * time.Minute)},
		box:     box,
	}
	env.svc = newAuthService(env.data, Deps{
		Box:      box,
		TOTP:     totp.NewService("Test"),
		Passkeys: passkeys,
		Limiter:  env.limiter,
		Audit:    env.audits,
		Mail:     env.mail,
		Flags:    Flags{PasswordAuth: true, PasskeyAuth: true, TOTP: true},
	})
	return env
}

func (e *testEnv) register(t *testing.T, email, username, password string) (*dto.UserInfo, session.Session) {
	t.Helper()
	info, sess, err := e.svc.Register(context.Background(), dto.RegisterRequest{
		Email:    email,
		Username: username,
		Password: password,
	}, testMeta)
	require.NoError(t, err)
	return info, sess
}

func TestRegisterStoresNoPlaintext(t *testing.T) {
	env := newTestEnv(t)
	info, sess := env.register(t, " Alice@Example.com ", "alice", "horse-staple-42")

	assert.True(t, sess.Authenticated())
	assert.Equal(t, "alice@example.com", info.Email)

	var stored *domain.User
	for _, u := range env.data.users {
		stored = u
	}
	require.NotNil(t, stored)
	assert.NotContains(t, stored.Email, "alice@example.com")
	assert.NotEmpty(t, stored.EmailHash)
	require.NotNil(t, stored.PasswordHash)
	assert.True(t, strings.HasPrefix(*stored.PasswordHash, "$argon2id$"))

	plain, err := env.box.Decrypt(stored.Email)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", plain)

	assert.NotEmpty(t, env.mail.verif["alice@example.com"])
	assert.Contains(t, env.audits.actions(), domain.AuditRegister)
}

func TestRegisterRejectsDuplicateEmail(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "alice@example.com", "alice", "horse-staple-42")

	_, _, err := env.svc.Register(context.Background(), dto.RegisterRequest{
		Email:    "ALICE@example.com",
		Username: "alice2",
		Password: "horse-staple-42",
	}, testMeta)
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "email", verr.Field)
}

func TestRegisterLosingDuplicateRaceReportsValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	newRacingSvc := func(data *racingData) *AuthServiceImpl {
		return newAuthService(data, Deps{
			Box:     env.box,
			Limiter: env.limiter,
			Audit:   env.audits,
			Mail:    env.mail,
			Flags:   Flags{PasswordAuth: true},
		})
	}

	data := &racingData{memoryData: newMemoryData()}
	data.beforeTx = func() {
		require.NoError(t, data.memoryData.Users().Create(ctx, &domain.User{
			EmailHash: env.box.Hash("racer@example.com"),
			Username:  "other",
			Role:      domain.RoleUser,
		}))
	}
	_, _, err := newRacingSvc(data).Register(ctx, dto.RegisterRequest{
		Email:    "racer@example.com",
		Username: "racer",
		Password: "horse-staple-42",
	}, testMeta)
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "email", verr.Field)

	// Same race on the username alone points at the username field.
	data = &racingData{memoryData: newMemoryData()}
	data.beforeTx = func() {
		require.NoError(t, data.memoryData.Users().Create(ctx, &domain.User{
			EmailHash: env.box.Hash("someone-else@example.com"),
			Username:  "racer",
			Role:      domain.RoleUser,
		}))
	}
	_, _, err = newRacingSvc(data).Register(ctx, dto.RegisterRequest{
		Email:    "racer@example.com",
		Username: "racer",
		Password: "horse-staple-42",
	}, testMeta)
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "username", verr.Field)
}

func TestRegisterEnforcesPasswordPolicy(t *testing.T) {
	env := newTestEnv(t)
	_, _, err := env.svc.Register(context.Background(), dto.RegisterRequest{
		Email:    "bob@example.com",
		Username: "bob-builder",
		Password: "password123",
	}, testMeta)
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "password", verr.Field)
}

func TestLoginSuccessAndFailureAreGeneric(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "alice@example.com", "alice", "horse-staple-42")

	info, sess, err := env.svc.Login(context.Background(), dto.LoginRequest{
		Email:    "Alice@Example.com",
		Password: "horse-staple-42",
	}, testMeta)
	require.NoError(t, err)
	assert.True(t, sess.Authenticated())
	assert.Equal(t, "alice", info.Username)

	_, _, wrongPw := env.svc.Login(context.Background(), dto.LoginRequest{
		Email:    "alice@example.com",
		Password: "not-the-password",
	}, testMeta)
	_, _, unknown := env.svc.Login(context.Background(), dto.LoginRequest{
		Email:    "nobody@example.com",
		Password: "horse-staple-42",
	}, testMeta)
	assert.ErrorIs(t, wrongPw, domain.ErrInvalidCredentials)
	assert.ErrorIs(t, unknown, domain.ErrInvalidCredentials)
	// Identical error either way; nothing distinguishes a wrong password
	// from a missing account.
	assert.Equal(t, wrongPw, unknown)
	assert.Contains(t, env.audits.actions(), domain.AuditLoginFailed)
}

func TestLoginRateLimited(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "alice@example.com", "alice", "horse-staple-42")
	env.limiter.allow = false

	_, _, err := env.svc.Login(context.Background(), dto.LoginRequest{
		Email:    "alice@example.com",
		Password: "horse-staple-42",
	}, testMeta)
	var rl *domain.RateLimitError
	require.ErrorAs(t, err, &rl)
	assert.Contains(t, env.limiter.keys, "login:203.0.113.7")
}

func TestTOTPEnrollmentAndLogin(t *testing.T) {
	env := newTestEnv(t)
	_, sess := env.register(t, "alice@example.com", "alice", "horse-staple-42")
	ctx := context.Background()

	setup, sess, err := env.svc.BeginTOTPSetup(ctx, sess)
	require.NoError(t, err)
	assert.NotEmpty(t, setup.Secret)
	assert.Contains(t, setup.URI, "otpauth://")
	assert.Equal(t, setup.Secret, sess.PendingTOTPSecret())

	// A wrong code drops the pending secret; enrollment restarts.
	failed, err := env.svc.ConfirmTOTP(ctx, sess, dto.TOTPConfirmRequest{Code: "000000"}, testMeta)
	assert.ErrorIs(t, err, domain.ErrInvalidCredentials)
	assert.Empty(t, failed.PendingTOTPSecret())

	setup, sess, err = env.svc.BeginTOTPSetup(ctx, sess)
	require.NoError(t, err)
	code, err := ptotp.GenerateCode(setup.Secret, time.Now())
	require.NoError(t, err)
	sess, err = env.svc.ConfirmTOTP(ctx, sess, dto.TOTPConfirmRequest{Code: code}, testMeta)
	require.NoError(t, err)
	assert.Empty(t, sess.PendingTOTPSecret())

	// The stored secret is encrypted, never raw base32.
	var stored *domain.User
	for _, u := range env.data.users {
		stored = u
	}
	require.NotNil(t, stored.TOTPSecret)
	assert.True(t, stored.TOTPEnabled)
	assert.NotEqual(t, setup.Secret, *stored.TOTPSecret)

	_, _, err = env.svc.Login(ctx, dto.LoginRequest{
		Email:    "alice@example.com",
		Password: "horse-staple-42",
	}, testMeta)
	assert.ErrorIs(t, err, domain.ErrTOTPRequired)

	code, err = ptotp.GenerateCode(setup.Secret, time.Now())
	require.NoError(t, err)
	_, authed, err := env.svc.Login(ctx, dto.LoginRequest{
		Email:    "alice@example.com",
		Password: "horse-staple-42",
		TOTPCode: code,
	}, testMeta)
	require.NoError(t, err)
	assert.True(t, authed.Authenticated())
	assert.Contains(t, env.audits.actions(), domain.AuditTOTPEnable)
}

func TestDisableTOTPRequiresValidCode(t *testing.T) {
	env := newTestEnv(t)
	_, sess := env.register(t, "alice@example.com", "alice", "horse-staple-42")
	ctx := context.Background()

	setup, sess, err := env.svc.BeginTOTPSetup(ctx, sess)
	require.NoError(t, err)
	code, err := ptotp.GenerateCode(setup.Secret, time.Now())
	require.NoError(t, err)
	sess, err = env.svc.ConfirmTOTP(ctx, sess, dto.TOTPConfirmRequest{Code: code}, testMeta)
	require.NoError(t, err)

	err = env.svc.DisableTOTP(ctx, sess, dto.TOTPDisableRequest{Code: "000000"}, testMeta)
	assert.ErrorIs(t, err, domain.ErrInvalidCredentials)

	code, err = ptotp.GenerateCode(setup.Secret, time.Now())
	require.NoError(t, err)
	require.NoError(t, env.svc.DisableTOTP(ctx, sess, dto.TOTPDisableRequest{Code: code}, testMeta))

	var stored *domain.User
	for _, u := range env.data.users {
		stored = u
	}
	assert.False(t, stored.TOTPEnabled)
	assert.Nil(t, stored.TOTPSecret)
}

func TestForgotAndResetPassword(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "alice@example.com", "alice", "horse-staple-42")
	ctx := context.Background()

	require.NoError(t, env.svc.ForgotPassword(ctx, dto.ForgotPasswordRequest{Email: "alice@example.com"}, testMeta))
	token := env.mail.reset["alice@example.com"]
	require.NotEmpty(t, token)

	// Unknown addresses succeed identically and send nothing.
	require.NoError(t, env.svc.ForgotPassword(ctx, dto.ForgotPasswordRequest{Email: "nobody@example.com"}, testMeta))
	assert.Empty(t, env.mail.reset["nobody@example.com"])

	err := env.svc.ResetPassword(ctx, dto.ResetPasswordRequest{Token: token, Password: "brand-new-secret"}, testMeta)
	require.NoError(t, err)

	_, _, err = env.svc.Login(ctx, dto.LoginRequest{Email: "alice@example.com", Password: "horse-staple-42"}, testMeta)
	assert.ErrorIs(t, err, domain.ErrInvalidCredentials)
	_, sess, err := env.svc.Login(ctx, dto.LoginRequest{Email: "alice@example.com", Password: "brand-new-secret"}, testMeta)
	require.NoError(t, err)
	assert.True(t, sess.Authenticated())

	// Single use.
	err = env.svc.ResetPassword(ctx, dto.ResetPasswordRequest{Token: token, Password: "another-secret-9"}, testMeta)
	assert.ErrorIs(t, err, domain.ErrInvalidCredentials)
}

func TestResetPasswordRejectsBogusToken(t *testing.T) {
	env := newTestEnv(t)
	err := env.svc.ResetPassword(context.Background(), dto.ResetPasswordRequest{
		Token:    "deadbeef",
		Password: "brand-new-secret",
	}, testMeta)
	assert.ErrorIs(t, err, domain.ErrInvalidCredentials)
}

func TestVerifyEmail(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "alice@example.com", "alice", "horse-staple-42")
	ctx := context.Background()

	token := env.mail.verif["alice@example.com"]
	require.NotEmpty(t, token)
	require.NoError(t, env.svc.VerifyEmail(ctx, token))

	var stored *domain.User
	for _, u := range env.data.users {
		stored = u
	}
	assert.True(t, stored.EmailVerified)

	// Consumed tokens are gone.
	assert.ErrorIs(t, env.svc.VerifyEmail(ctx, token), domain.ErrInvalidCredentials)
}

func TestVerifyEmailExpiredTokenDeleted(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "alice@example.com", "alice", "horse-staple-42")
	ctx := context.Background()

	token := env.mail.verif["alice@example.com"]
	require.NotEmpty(t, token)
	env.svc.now = func() time.Time { return time.Now().Add(verificationTokenTTL + time.Hour) }

	assert.ErrorIs(t, env.svc.VerifyEmail(ctx, token), domain.ErrInvalidCredentials)
	assert.Empty(t, env.data.verifs)

	var stored *domain.User
	for _, u := range env.data.users {
		stored = u
	}
	assert.False(t, stored.EmailVerified)
}

func TestChangePassword(t *testing.T) {
	env := newTestEnv(t)
	_, sess := env.register(t, "alice@example.com", "alice", "horse-staple-42")
	ctx := context.Background()

	err := env.svc.ChangePassword(ctx, sess, dto.ChangePasswordRequest{
		CurrentPassword: "wrong",
		NewPassword:     "brand-new-secret",
	}, testMeta)
	assert.ErrorIs(t, err, domain.ErrInvalidCredentials)

	require.NoError(t, env.svc.ChangePassword(ctx, sess, dto.ChangePasswordRequest{
		CurrentPassword: "horse-staple-42",
		NewPassword:     "brand-new-secret",
	}, testMeta))
	_, _, err = env.svc.Login(ctx, dto.LoginRequest{Email: "alice@example.com", Password: "brand-new-secret"}, testMeta)
	require.NoError(t, err)
}

func TestMeHealsSessionForDeletedUser(t *testing.T) {
	env := newTestEnv(t)
	info, sess := env.register(t, "alice@example.com", "alice", "horse-staple-42")
	ctx := context.Background()

	got, same, err := env.svc.Me(ctx, sess)
	require.NoError(t, err)
	assert.Equal(t, info.ID, got.ID)
	assert.True(t, same.Authenticated())

	for id := range env.data.users {
		delete(env.data.users, id)
	}
	_, healed, err := env.svc.Me(ctx, sess)
	assert.ErrorIs(t, err, domain.ErrInvalidCredentials)
	assert.False(t, healed.Authenticated())
}

func TestUpdateProfile(t *testing.T) {
	env := newTestEnv(t)
	_, sess := env.register(t, "alice@example.com", "alice", "horse-staple-42")

	info, err := env.svc.UpdateProfile(context.Background(), sess, dto.UpdateProfileRequest{
		DisplayName: ref("Alice Liddell"),
		Preferences: map[string]string{"theme": "dark"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Alice Liddell", info.DisplayName)
	assert.Equal(t, "dark", info.Preferences["theme"])

	// Stored display name is encrypted.
	var stored *domain.User
	for _, u := range env.data.users {
		stored = u
	}
	assert.NotContains(t, stored.DisplayName, "Alice Liddell")
}

func TestBeginPasskeyRegistrationAttachesCeremony(t *testing.T) {
	env := newTestEnv(t)
	_, sess := env.register(t, "alice@example.com", "alice", "horse-staple-42")

	options, sess, err := env.svc.BeginPasskeyRegistration(context.Background(), sess)
	require.NoError(t, err)
	assert.Contains(t, string(options), "challenge")
	assert.True(t, sess.Authenticated())
	assert.NotEmpty(t, sess.WebAuthnData())
}

func TestBeginPasskeyLoginStartsCeremony(t *testing.T) {
	env := newTestEnv(t)
	options, sess, err := env.svc.BeginPasskeyLogin(context.Background(), session.Anonymous())
	require.NoError(t, err)
	assert.Contains(t, string(options), "challenge")
	assert.Equal(t, session.PhaseCeremony, sess.Phase())

	// Finishing without ceremony state is rejected outright.
	_, _, err = env.svc.FinishPasskeyLogin(context.Background(), session.Anonymous(), dto.PasskeyFinishRequest{}, testMeta)
	var verr *domain.ValidationError
	assert.True(t, errors.As(err, &verr))
}

func TestPasskeyCounterRegressionRejected(t *testing.T) {
	env := newTestEnv(t)
	info, _ := env.register(t, "alice@example.com", "alice", "horse-staple-42")
	ctx := context.Background()

	userID := mustParse(t, info.ID)
	account, err := env.data.Users().GetByID(ctx, userID)
	require.NoError(t, err)

	pk := &domain.Passkey{
		ID:           uuid.New(),
		UserID:       userID,
		CredentialID: []byte("cred-id"),
		PublicKey:    []byte("public-key"),
		Counter:      10,
		Name:         "laptop",
	}
	require.NoError(t, env.data.Passkeys().Create(ctx, pk))

	// A counter that does not move forward is a cloned-key signal: the login
	// fails, the stored counter keeps its value, and the event is audited.
	err = env.svc.advancePasskeyCounter(ctx, account, pk, 10, testMeta)
	assert.ErrorIs(t, err, domain.ErrIntegrity)
	assert.Contains(t, env.audits.actions(), domain.AuditLoginFailed)
	stored := env.data.passkeys[pk.ID]
	assert.Equal(t, uint32(10), stored.Counter)
	assert.Nil(t, stored.LastUsedAt)

	require.NoError(t, env.svc.advancePasskeyCounter(ctx, account, pk, 11, testMeta))
	stored = env.data.passkeys[pk.ID]
	assert.Equal(t, uint32(11), stored.Counter)
	require.NotNil(t, stored.LastUsedAt)
}

func TestRemovePasskeyUnknownID(t *testing.T) {
	env := newTestEnv(t)
	_, sess := env.register(t, "alice@example.com", "alice", "horse-staple-42")
	err := env.svc.RemovePasskey(context.Background(), sess, uuid.New(), testMeta)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAdminAuthorization(t *testing.T) {
	env := newTestEnv(t)
	adminInfo, adminSess := env.register(t, "root@example.com", "root", "horse-staple-42")
	userInfo, userSess := env.register(t, "alice@example.com", "alice", "horse-staple-42")
	ctx := context.Background()

	adminID := mustParse(t, adminInfo.ID)
	userID := mustParse(t, userInfo.ID)
	env.data.users[adminID].Role = domain.RoleAdmin

	// A plain user is rejected regardless of target.
	_, err := env.svc.AdminUpdateUser(ctx, userSess, adminID, dto.AdminUpdateUserRequest{}, testMeta)
	assert.ErrorIs(t, err, domain.ErrForbidden)

	updated, err := env.svc.AdminUpdateUser(ctx, adminSess, userID, dto.AdminUpdateUserRequest{
		EmailVerified: ref(true),
	}, testMeta)
	require.NoError(t, err)
	assert.True(t, updated.EmailVerified)

	// Self-demotion and self-deletion are blocked.
	_, err = env.svc.AdminUpdateUser(ctx, adminSess, adminID, dto.AdminUpdateUserRequest{Role: ref("user")}, testMeta)
	var verr *domain.ValidationError
	assert.True(t, errors.As(err, &verr))
	err = env.svc.AdminDeleteUser(ctx, adminSess, adminID, testMeta)
	assert.True(t, errors.As(err, &verr))

	require.NoError(t, env.svc.AdminDeleteUser(ctx, adminSess, userID, testMeta))
	_, _, err = env.svc.Me(ctx, userSess)
	assert.ErrorIs(t, err, domain.ErrInvalidCredentials)
	assert.Contains(t, env.audits.actions(), domain.AuditAdminUserDelete)
}

func TestAdminResendVerification(t *testing.T) {
	env := newTestEnv(t)
	adminInfo, adminSess := env.register(t, "root@example.com", "root", "horse-staple-42")
	userInfo, _ := env.register(t, "alice@example.com", "alice", "horse-staple-42")
	ctx := context.Background()

	env.data.users[mustParse(t, adminInfo.ID)].Role = domain.RoleAdmin
	userID := mustParse(t, userInfo.ID)

	first := env.mail.verif["alice@example.com"]
	require.NoError(t, env.svc.AdminResendVerification(ctx, adminSess, userID, testMeta))
	second := env.mail.verif["alice@example.com"]
	assert.NotEqual(t, first, second)

	// Only the fresh token verifies.
	assert.ErrorIs(t, env.svc.VerifyEmail(ctx, first), domain.ErrInvalidCredentials)
	require.NoError(t, env.svc.VerifyEmail(ctx, second))

	err := env.svc.AdminResendVerification(ctx, adminSess, userID, testMeta)
	var verr *domain.ValidationError
	assert.True(t, errors.As(err, &verr))
}
