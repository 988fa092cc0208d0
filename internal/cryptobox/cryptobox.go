// Package cryptobox provides symmetric encryption and deterministic keyed
// hashing for fields that must survive a database exfiltration. Both keys are
// derived once from a single shared secret; the package holds no other state.
package cryptobox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	nonceSize = 12
	tagSize   = 16
)

var (
	// ErrFormat means the token is not three colon-delimited hex segments.
	ErrFormat = errors.New("cryptobox: malformed token")
	// ErrAuthentication means the integrity tag did not verify.
	ErrAuthentication = errors.New("cryptobox: authentication failed")
)

type Config struct {
	Secret string
	// LegacyPlaintextFallback makes SafeDecrypt return unencrypted historical
	// values unchanged instead of failing. Migration shim, not a security
	// boundary; leave off unless the store still holds pre-encryption rows.
	LegacyPlaintextFallback bool
}

type Box struct {
	aead     cipher.AEAD
	hmacKey  []byte
	legacyOK bool
}

func New(cfg Config) (*Box, error) {
	if cfg.Secret == "" {
		return nil, errors.New("cryptobox: empty secret")
	}
	aesKey := make([]byte, 32)
	hmacKey := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(cfg.Secret), nil, []byte("cryptobox/aes")), aesKey); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(cfg.Secret), nil, []byte("cryptobox/hmac")), hmacKey); err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Box{aead: aead, hmacKey: hmacKey, legacyOK: cfg.LegacyPlaintextFallback}, nil
}

// Encrypt seals plaintext under a fresh random nonce and returns a
// "nonce:ciphertext:tag" hex token. Two calls on the same input yield
// different tokens.
func (b *Box) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := b.aead.Seal(nil, nonce, []byte(plaintext), nil)
	ct := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]
	return hex.EncodeToString(nonce) + ":" + hex.EncodeToString(ct) + ":" + hex.EncodeToString(tag), nil
}

// Decrypt reverses Encrypt. Returns ErrFormat for anything that is not a
// three-segment hex token and ErrAuthentication when the tag does not verify.
func (b *Box) Decrypt(token string) (string, error) {
	nonce, ct, tag, err := splitToken(token)
	if err != nil {
		return "", err
	}
	plaintext, err := b.aead.Open(nil, nonce, append(ct, tag...), nil)
	if err != nil {
		return "", ErrAuthentication
	}
	return string(plaintext), nil
}

// SafeDecrypt decrypts a possibly-legacy value. When the legacy fallback is
// enabled, values that do not look like tokens (or fail to decrypt) come back
// unchanged; otherwise failures surface as errors.
func (b *Box) SafeDecrypt(value string) (string, error) {
	if !looksEncrypted(value) {
		if b.legacyOK {
			return value, nil
		}
		return "", ErrFormat
	}
	plaintext, err := b.Decrypt(value)
	if err != nil {
		if b.legacyOK {
			return value, nil
		}
		return "", err
	}
	return plaintext, nil
}

// Hash is a deterministic HMAC-SHA256 over the trimmed, lower-cased input, so
// encrypted fields can be looked up case- and whitespace-insensitively.
func (b *Box) Hash(value string) string {
	mac := hmac.New(sha256.New, b.hmacKey)
	mac.Write([]byte(Normalize(value)))
	return hex.EncodeToString(mac.Sum(nil))
}

func Normalize(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func splitToken(token string) (nonce, ct, tag []byte, err error) {
	parts := strings.Split(token, ":")
	if len(parts) != 3 {
		return nil, nil, nil, ErrFormat
	}
	if nonce, err = hex.DecodeString(parts[0]); err != nil || len(nonce) != nonceSize {
		return nil, nil, nil, ErrFormat
	}
	if ct, err = hex.DecodeString(parts[1]); err != nil {
		return nil, nil, nil, ErrFormat
	}
	if tag, err = hex.DecodeString(parts[2]); err != nil || len(tag) != tagSize {
		return nil, nil, nil, ErrFormat
	}
	return nonce, ct, tag, nil
}

func looksEncrypted(value string) bool {
	_, _, _, err := splitToken(value)
	return err == nil
}
