// Package totp wraps time-based one-time code generation and verification.
// The service is stateless; the orchestrator owns persistence of secrets.
package totp

import (
	"crypto/rand"
	"encoding/base32"
	"errors"

	"github.com/pquerna/otp/totp"
)

const secretBytes = 20

var b32 = base32.StdEncoding.WithPadding(base32.NoPadding)

type Service struct {
	issuer string
}

func NewService(issuer string) *Service {
	return &Service{issuer: issuer}
}

// GenerateSecret returns a fresh random base32 seed. Nothing is persisted
// here; the secret lives only in the session until enrollment is confirmed.
func (s *Service) GenerateSecret() (string, error) {
	raw := make([]byte, secretBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return b32.EncodeToString(raw), nil
}

// AuthURI builds the otpauth provisioning URI for QR display.
func (s *Service) AuthURI(secret, accountLabel string) (string, error) {
	raw, err := b32.DecodeString(secret)
	if err != nil {
		return "", errors.New("totp: malformed secret")
	}
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.issuer,
		AccountName: accountLabel,
		Secret:      raw,
	})
	if err != nil {
		return "", err
	}
	return key.URL(), nil
}

// Verify checks a submitted code against the secret, tolerating one period of
// clock skew. Malformed input verifies as false rather than erroring.
func (s *Service) Verify(code, secret string) bool {
	if code == "" || secret == "" {
		return false
	}
	return totp.Validate(code, secret)
}
