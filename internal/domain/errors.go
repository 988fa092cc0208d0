package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidCredentials covers every wrong-factor case (password, code,
	// signature). Callers must not reveal which factor failed or whether the
	// account exists.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrTOTPRequired means the password verified but a second factor is
	// enrolled and no code was supplied. The only case where a partial
	// success may be revealed.
	ErrTOTPRequired  = errors.New("totp code required")
	ErrNotFound      = errors.New("not found")
	ErrNotConfigured = errors.New("capability not configured")
	// ErrIntegrity marks failed decryption or signature verification; the
	// input is treated as hostile and the event is logged.
	ErrIntegrity = errors.New("integrity check failed")
	ErrForbidden = errors.New("forbidden")
)

// ValidationError carries field-level detail and maps to a 4xx response.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Msg
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Msg)
}

func Invalid(field, msg string) error { return &ValidationError{Field: field, Msg: msg} }

// RateLimitError rejects with retry-after semantics.
type RateLimitError struct {
	ResetAt time.Time
}

func (e *RateLimitError) Error() string { return "too many attempts" }

func (e *RateLimitError) RetryAfter(now time.Time) time.Duration {
	d := e.ResetAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
