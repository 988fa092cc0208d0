package impl

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"labauth/internal/audit"
	"labauth/internal/domain"
	"labauth/internal/ratelimit"
	"labauth/internal/store"
)

// memoryData is an in-memory dataStore for exercising the flows without a
// database. Reads hand out clones so tests cannot mutate stored rows by
// accident.
type memoryData struct {
	mu       sync.Mutex
	users    map[uuid.UUID]*domain.User
	passkeys map[uuid.UUID]*domain.Passkey
	resets   map[uuid.UUID]*domain.PasswordResetToken
	verifs   map[uuid.UUID]*domain.EmailVerificationToken
}

func newMemoryData() *memoryData {
	return &memoryData{
		users:    map[uuid.UUID]*domain.User{},
		passkeys: map[uuid.UUID]*domain.Passkey{},
		resets:   map[uuid.UUID]*domain.PasswordResetToken{},
		verifs:   map[uuid.UUID]*domain.EmailVerificationToken{},
	}
}

func (d *memoryData) Users() userStore       { return memUsers{d} }
func (d *memoryData) Passkeys() passkeyStore { return memPasskeys{d} }
func (d *memoryData) Tokens() tokenStore     { return memTokens{d} }

func (d *memoryData) WithTx(ctx context.Context, fn func(tx dataStore) error) error {
	return fn(d)
}

type memUsers struct{ d *memoryData }

func (m memUsers) Create(_ context.Context, u *domain.User) error {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	for _, ex := range m.d.users {
		if ex.EmailHash == u.EmailHash || ex.Username == u.Username {
			return store.ErrDuplicateKey
		}
	}
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	cp := *u
	m.d.users[u.ID] = &cp
	return nil
}

func (m memUsers) GetByID(_ context.Context, id uuid.UUID) (*domain.User, error) {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	u, ok := m.d.users[id]
	if !ok {
		return nil, store.ErrRecordNotFound
	}
	cp := *u
	return &cp, nil
}

func (m memUsers) GetByEmailHash(_ context.Context, emailHash string) (*domain.User, error) {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	for _, u := range m.d.users {
		if u.EmailHash == emailHash {
			cp := *u
			return &cp, nil
		}
	}
	return nil, store.ErrRecordNotFound
}

func (m memUsers) GetByUsername(_ context.Context, username string) (*domain.User, error) {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	for _, u := range m.d.users {
		if u.Username == username {
			cp := *u
			return &cp, nil
		}
	}
	return nil, store.ErrRecordNotFound
}

func (m memUsers) Update(_ context.Context, u *domain.User) error {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	if _, ok := m.d.users[u.ID]; !ok {
		return store.ErrRecordNotFound
	}
	cp := *u
	m.d.users[u.ID] = &cp
	return nil
}

func (m memUsers) SetEmailVerified(_ context.Context, userID uuid.UUID) error {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	if u, ok := m.d.users[userID]; ok {
		u.EmailVerified = true
	}
	return nil
}

func (m memUsers) SetPasswordHash(_ context.Context, userID uuid.UUID, hash string) error {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	if u, ok := m.d.users[userID]; ok {
		u.PasswordHash = &hash
	}
	return nil
}

func (m memUsers) SetTOTP(_ context.Context, userID uuid.UUID, secret *string, enabled bool) error {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	if u, ok := m.d.users[userID]; ok {
		u.TOTPSecret = secret
		u.TOTPEnabled = enabled
	}
	return nil
}

func (m memUsers) Delete(_ context.Context, userID uuid.UUID) error {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	delete(m.d.users, userID)
	for id, pk := range m.d.passkeys {
		if pk.UserID == userID {
			delete(m.d.passkeys, id)
		}
	}
	for id, tok := range m.d.verifs {
		if tok.UserID == userID {
			delete(m.d.verifs, id)
		}
	}
	return nil
}

type memPasskeys struct{ d *memoryData }

func (m memPasskeys) Create(_ context.Context, pk *domain.Passkey) error {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	if pk.ID == uuid.Nil {
		pk.ID = uuid.New()
	}
	cp := *pk
	m.d.passkeys[pk.ID] = &cp
	return nil
}

func (m memPasskeys) GetByCredentialID(_ context.Context, credentialID []byte) (*domain.Passkey, error) {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	for _, pk := range m.d.passkeys {
		if bytes.Equal(pk.CredentialID, credentialID) {
			cp := *pk
			return &cp, nil
		}
	}
	return nil, store.ErrRecordNotFound
}

func (m memPasskeys) ListByUser(_ context.Context, userID uuid.UUID) ([]domain.Passkey, error) {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	var out []domain.Passkey
	for _, pk := range m.d.passkeys {
		if pk.UserID == userID {
			out = append(out, *pk)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m memPasskeys) AdvanceCounter(_ context.Context, id uuid.UUID, newCounter uint32, usedAt time.Time) error {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	pk, ok := m.d.passkeys[id]
	if !ok {
		return store.ErrCounterRegression
	}
	if pk.Counter < newCounter || (pk.Counter == 0 && newCounter == 0) {
		pk.Counter = newCounter
		pk.LastUsedAt = &usedAt
		return nil
	}
	return store.ErrCounterRegression
}

func (m memPasskeys) Delete(_ context.Context, userID, id uuid.UUID) error {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	pk, ok := m.d.passkeys[id]
	if !ok || pk.UserID != userID {
		return store.ErrRecordNotFound
	}
	delete(m.d.passkeys, id)
	return nil
}

type memTokens struct{ d *memoryData }

func (m memTokens) CreatePasswordReset(_ context.Context, tok *domain.PasswordResetToken) error {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	if tok.ID == uuid.Nil {
		tok.ID = uuid.New()
	}
	cp := *tok
	m.d.resets[tok.ID] = &cp
	return nil
}

func (m memTokens) GetPasswordResetByHash(_ context.Context, tokenHash string) (*domain.PasswordResetToken, error) {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	for _, tok := range m.d.resets {
		if tok.TokenHash == tokenHash {
			cp := *tok
			return &cp, nil
		}
	}
	return nil, store.ErrRecordNotFound
}

func (m memTokens) MarkPasswordResetUsed(_ context.Context, id uuid.UUID) error {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	tok, ok := m.d.resets[id]
	if !ok || tok.Used {
		return store.ErrRecordNotFound
	}
	tok.Used = true
	return nil
}

func (m memTokens) CreateEmailVerification(_ context.Context, tok *domain.EmailVerificationToken) error {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	if tok.ID == uuid.Nil {
		tok.ID = uuid.New()
	}
	cp := *tok
	m.d.verifs[tok.ID] = &cp
	return nil
}

func (m memTokens) GetEmailVerification(_ context.Context, token string) (*domain.EmailVerificationToken, error) {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	for _, tok := range m.d.verifs {
		if tok.Token == token {
			cp := *tok
			return &cp, nil
		}
	}
	return nil, store.ErrRecordNotFound
}

func (m memTokens) DeleteEmailVerification(_ context.Context, id uuid.UUID) error {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	delete(m.d.verifs, id)
	return nil
}

func (m memTokens) DeleteEmailVerificationsForUser(_ context.Context, userID uuid.UUID) error {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	for id, tok := range m.d.verifs {
		if tok.UserID == userID {
			delete(m.d.verifs, id)
		}
	}
	return nil
}

// racingData runs a hook just before the insert transaction, simulating a
// concurrent writer that commits between the existence pre-checks and the
// unique index.
type racingData struct {
	*memoryData
	beforeTx func()
}

func (r *racingData) WithTx(ctx context.Context, fn func(tx dataStore) error) error {
	if r.beforeTx != nil {
		r.beforeTx()
		r.beforeTx = nil
	}
	return r.memoryData.WithTx(ctx, fn)
}

// stubLimiter records the keys it sees and allows or denies everything.
type stubLimiter struct {
	mu      sync.Mutex
	allow   bool
	resetAt time.Time
	keys    []string
}

func (s *stubLimiter) Check(_ context.Context, key string) (ratelimit.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = append(s.keys, key)
	if s.allow {
		return ratelimit.Result{Allowed: true, Remaining: 1, ResetAt: s.resetAt}, nil
	}
	return ratelimit.Result{Allowed: false, ResetAt: s.resetAt}, nil
}

type recordedEvent struct {
	action domain.AuditAction
	event  audit.Event
}

type recordingAudit struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *recordingAudit) Record(_ context.Context, action domain.AuditAction, ev audit.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{action: action, event: ev})
}

func (r *recordingAudit) actions() []domain.AuditAction {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.AuditAction, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.action)
	}
	return out
}

// captureMail stores the last token sent to each address instead of sending.
type captureMail struct {
	mu    sync.Mutex
	verif map[string]string
	reset map[string]string
}

func newCaptureMail() *captureMail {
	return &captureMail{verif: map[string]string{}, reset: map[string]string{}}
}

func (c *captureMail) SendVerificationEmail(_ context.Context, email, token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.verif[email] = token
	return nil
}

func (c *captureMail) SendPasswordResetEmail(_ context.Context, email, token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reset[email] = token
	return nil
}
