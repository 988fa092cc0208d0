// Package csrf implements double-submit token issuance and validation: the
// same random token travels in a cookie and in a request header, and a
// protected request must present both.
package csrf

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
)

const tokenBytes = 32

// Issue returns a fresh random token. The transport layer mirrors it into
// both the response payload and a cookie.
func Issue() (string, error) {
	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// Validate requires an exact match of header and cookie token. Absence of
// either is a failure, never an automatic pass.
func Validate(headerToken, cookieToken string) bool {
	if headerToken == "" || cookieToken == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(headerToken), []byte(cookieToken)) == 1
}
