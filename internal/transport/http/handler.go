// Package http exposes the auth flows over REST. The transport owns cookies:
// the session envelope and the CSRF token both live here, never in the
// service layer.
package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"labauth/internal/csrf"
	"labauth/internal/domain"
	"labauth/internal/netutil"
	"labauth/internal/service"
	"labauth/internal/session"
)

const (
	sessionCookie = "labauth_session"
	csrfCookie    = "labauth_csrf"
	csrfHeader    = "X-CSRF-Token"
)

type Handler struct {
	auth     service.AuthService
	sessions *session.Manager
	secure   bool
	now      func() time.Time
}

func NewHandler(auth service.AuthService, sessions *session.Manager, secureCookies bool) *Handler {
	return &Handler{auth: auth, sessions: sessions, secure: secureCookies, now: time.Now}
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// XFF can be a list: client, proxy1, proxy2...
		ip := strings.TrimSpace(strings.Split(xff, ",")[0])
		if normalized, ok := netutil.NormalizeIP(ip); ok {
			return normalized
		}
	}
	if xr := r.Header.Get("X-Real-IP"); xr != "" {
		if normalized, ok := netutil.NormalizeIP(xr); ok {
			return normalized
		}
	}
	if normalized, ok := netutil.NormalizeIP(r.RemoteAddr); ok {
		return normalized
	}
	return r.RemoteAddr
}

func (h *Handler) meta(r *http.Request) service.RequestMeta {
	return service.RequestMeta{
		IP:        clientIP(r),
		UserAgent: netutil.TruncateUserAgent(r.UserAgent()),
	}
}

// session decodes the envelope cookie. Missing or tampered cookies yield an
// anonymous session; the decision of what that means belongs to the flow.
func (h *Handler) session(r *http.Request) session.Session {
	c, err := r.Cookie(sessionCookie)
	if err != nil {
		return session.Anonymous()
	}
	return h.sessions.Decode(c.Value)
}

func (h *Handler) setSession(w http.ResponseWriter, sess session.Session) error {
	if sess.Phase() == session.PhaseAnonymous {
		http.SetCookie(w, &http.Cookie{
			Name:     sessionCookie,
			Value:    "",
			Path:     "/",
			MaxAge:   -1,
			HttpOnly: true,
			Secure:   h.secure,
			SameSite: http.SameSiteLaxMode,
		})
		return nil
	}
	encoded, err := h.sessions.Encode(sess)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    encoded,
		Path:     "/",
		HttpOnly: true,
		Secure:   h.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// issueCSRF mints a double-submit token: one copy in a cookie, one in the
// response body for the client to echo back in the header.
func (h *Handler) issueCSRF(w http.ResponseWriter, r *http.Request) {
	token, err := csrf.Issue()
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     csrfCookie,
		Value:    token,
		Path:     "/",
		Secure:   h.secure,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, map[string]string{"csrfToken": token})
}

// requireCSRF guards mutating endpoints. Safe methods pass through.
func (h *Handler) requireCSRF(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			next.ServeHTTP(w, r)
			return
		}
		var cookieToken string
		if c, err := r.Cookie(csrfCookie); err == nil {
			cookieToken = c.Value
		}
		if !csrf.Validate(r.Header.Get(csrfHeader), cookieToken) {
			writeJSONError(w, http.StatusForbidden, "csrf token missing or mismatched", "")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func decode(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return domain.Invalid("", "malformed request body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// writeRawJSON is for payloads that are already serialized (WebAuthn
// ceremony options).
func writeRawJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func writeJSONError(w http.ResponseWriter, status int, msg, field string) {
	body := map[string]string{"error": msg}
	if field != "" {
		body["field"] = field
	}
	writeJSON(w, status, body)
}

// writeError maps the service error taxonomy onto HTTP statuses. Credential
// failures stay deliberately vague.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *domain.ValidationError
	var rl *domain.RateLimitError
	switch {
	case errors.As(err, &verr):
		writeJSONError(w, http.StatusBadRequest, verr.Msg, verr.Field)
	case errors.As(err, &rl):
		retry := rl.RetryAfter(h.now())
		w.Header().Set("Retry-After", formatSeconds(retry))
		writeJSONError(w, http.StatusTooManyRequests, "too many attempts, try again later", "")
	case errors.Is(err, domain.ErrTOTPRequired):
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "totp code required", "code": "totp_required"})
	case errors.Is(err, domain.ErrInvalidCredentials):
		writeJSONError(w, http.StatusUnauthorized, "invalid credentials", "")
	case errors.Is(err, domain.ErrForbidden):
		writeJSONError(w, http.StatusForbidden, "forbidden", "")
	case errors.Is(err, domain.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, "not found", "")
	case errors.Is(err, domain.ErrNotConfigured):
		writeJSONError(w, http.StatusServiceUnavailable, "capability not configured", "")
	case errors.Is(err, domain.ErrIntegrity):
		writeJSONError(w, http.StatusBadRequest, "integrity check failed", "")
	default:
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "internal error", "")
	}
}

func formatSeconds(d time.Duration) string {
	secs := int(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
