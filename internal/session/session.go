// Package session implements the opaque, tamper-evident session envelope.
// The envelope is a signed JWT carried in a cookie; any modification by the
// holder fails signature verification and the session reverts to anonymous.
package session

import (
	"encoding/base64"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"labauth/internal/cryptobox"
	"labauth/internal/domain"
)

type Phase int

const (
	PhaseAnonymous Phase = iota
	PhaseCeremony
	PhaseAuthenticated
)

// Session is a tagged state, not a bag of optional fields: identity and
// ceremony state are tracked separately and authenticating clears any pending
// ceremony atomically.
type Session struct {
	phase             Phase
	userID            domain.UserID
	role              domain.Role
	email             string
	webauthnData      []byte
	pendingTOTPSecret string
}

func Anonymous() Session { return Session{phase: PhaseAnonymous} }

func (s Session) Phase() Phase          { return s.phase }
func (s Session) Authenticated() bool   { return s.phase == PhaseAuthenticated }
func (s Session) UserID() domain.UserID { return s.userID }
func (s Session) Role() domain.Role     { return s.role }
func (s Session) Email() string         { return s.email }

func (s Session) WebAuthnData() []byte      { return s.webauthnData }
func (s Session) PendingTOTPSecret() string { return s.pendingTOTPSecret }

// Authenticate transitions to the authenticated phase. Ceremony fields are
// dropped in the same step so a stale challenge can never outlive the
// ceremony it was issued for.
func (s Session) Authenticate(userID domain.UserID, role domain.Role, email string) Session {
	return Session{phase: PhaseAuthenticated, userID: userID, role: role, email: email}
}

// WithWebAuthnData attaches serialized ceremony state. An anonymous session
// becomes ceremony-pending; an authenticated one stays authenticated
// (passkey registration and TOTP enrollment happen signed in).
func (s Session) WithWebAuthnData(data []byte) Session {
	s.webauthnData = data
	if s.phase == PhaseAnonymous {
		s.phase = PhaseCeremony
	}
	return s
}

func (s Session) WithPendingTOTPSecret(secret string) Session {
	s.pendingTOTPSecret = secret
	if s.phase == PhaseAnonymous {
		s.phase = PhaseCeremony
	}
	return s
}

// ClearCeremony drops challenge state after the ceremony completes or fails,
// regardless of outcome. Challenges are single-use.
func (s Session) ClearCeremony() Session {
	s.webauthnData = nil
	s.pendingTOTPSecret = ""
	if s.phase == PhaseCeremony {
		s.phase = PhaseAnonymous
	}
	return s
}

type envelopeClaims struct {
	Role         string `json:"role,omitempty"`
	Email        string `json:"email,omitempty"`
	WebAuthn     string `json:"wac,omitempty"`
	PendingTOTP  string `json:"pts,omitempty"`
	jwt.RegisteredClaims
}

// Manager signs and verifies envelopes. The pending TOTP secret is the one
// claim a holder must not be able to read, so it rides encrypted with the
// CryptoBox rather than merely signed.
type Manager struct {
	key    []byte
	ttl    time.Duration
	issuer string
	box    *cryptobox.Box
	now    func() time.Time
}

func NewManager(secret string, ttl time.Duration, issuer string, box *cryptobox.Box) *Manager {
	return &Manager{key: []byte(secret), ttl: ttl, issuer: issuer, box: box, now: time.Now}
}

func (m *Manager) Encode(s Session) (string, error) {
	now := m.now().UTC()
	claims := envelopeClaims{
		Role:  string(s.role),
		Email: s.email,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
	}
	if s.phase == PhaseAuthenticated {
		claims.Subject = s.userID.String()
	}
	if len(s.webauthnData) > 0 {
		claims.WebAuthn = base64.RawURLEncoding.EncodeToString(s.webauthnData)
	}
	if s.pendingTOTPSecret != "" {
		sealed, err := m.box.Encrypt(s.pendingTOTPSecret)
		if err != nil {
			return "", err
		}
		claims.PendingTOTP = sealed
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.key)
}

// Decode parses an envelope. Tampered, expired, or otherwise unparseable
// input yields an anonymous session; expiry is enforced here on every read,
// never by a background sweep.
func (m *Manager) Decode(token string) Session {
	if token == "" {
		return Anonymous()
	}
	claims := &envelopeClaims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(m.now),
		jwt.WithIssuer(m.issuer),
		jwt.WithExpirationRequired(),
	)
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return m.key, nil
	})
	if err != nil || !parsed.Valid {
		return Anonymous()
	}

	s := Anonymous()
	if claims.WebAuthn != "" {
		data, err := base64.RawURLEncoding.DecodeString(claims.WebAuthn)
		if err != nil {
			return Anonymous()
		}
		s = s.WithWebAuthnData(data)
	}
	if claims.PendingTOTP != "" {
		secret, err := m.box.Decrypt(claims.PendingTOTP)
		if err != nil {
			return Anonymous()
		}
		s = s.WithPendingTOTPSecret(secret)
	}
	if claims.Subject != "" {
		userID, err := uuid.Parse(claims.Subject)
		if err != nil {
			return Anonymous()
		}
		s.phase = PhaseAuthenticated
		s.userID = userID
		s.role = domain.Role(claims.Role)
		s.email = claims.Email
	}
	return s
}
