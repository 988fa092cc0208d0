package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"labauth/internal/domain"
	"labauth/internal/dto"
	obsmw "labauth/internal/observability/middleware"
)

type RouterConfig struct {
	// Browser origins allowed to call the API with credentials.
	CORSOrigins []string
}

func NewRouter(h *Handler, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(30 * time.Second))
	// Coarse per-IP ceiling in front of the durable per-action limiter.
	r.Use(httprate.LimitByIP(300, time.Minute))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", csrfHeader, "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(obsmw.WithRequestAndTrace)
	r.Use(requestMetrics)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1/auth", func(r chi.Router) {
		r.Get("/csrf", h.issueCSRF)
		r.Get("/me", h.me)
		r.Get("/passkeys", h.listPasskeys)
		// Reached from an email link, so no CSRF dance.
		r.Get("/verify-email", h.verifyEmail)

		r.Group(func(r chi.Router) {
			r.Use(h.requireCSRF)

			r.Post("/register", h.register)
			r.Post("/login", h.login)
			r.Post("/logout", h.logout)

			r.Patch("/profile", h.updateProfile)
			r.Post("/password", h.changePassword)
			r.Post("/forgot-password", h.forgotPassword)
			r.Post("/reset-password", h.resetPassword)

			r.Post("/totp/setup", h.beginTOTPSetup)
			r.Post("/totp/confirm", h.confirmTOTP)
			r.Post("/totp/disable", h.disableTOTP)

			r.Post("/passkeys/register/begin", h.beginPasskeyRegistration)
			r.Post("/passkeys/register/finish", h.finishPasskeyRegistration)
			r.Post("/passkeys/login/begin", h.beginPasskeyLogin)
			r.Post("/passkeys/login/finish", h.finishPasskeyLogin)
			r.Delete("/passkeys/{id}", h.removePasskey)
		})
	})

	r.Route("/v1/admin/users/{id}", func(r chi.Router) {
		r.Use(h.requireCSRF)
		r.Patch("/", h.adminUpdateUser)
		r.Delete("/", h.adminDeleteUser)
		r.Post("/resend-verification", h.adminResendVerification)
	})

	return r
}

// ---- handlers ----

func (h *Handler) register(w http.ResponseWriter, r *http.Request) {
	var req dto.RegisterRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	info, sess, err := h.auth.Register(r.Context(), req, h.meta(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.setSession(w, sess); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	var req dto.LoginRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	info, sess, err := h.auth.Login(r.Context(), req, h.meta(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.setSession(w, sess); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *Handler) logout(w http.ResponseWriter, r *http.Request) {
	sess := h.auth.Logout(r.Context(), h.session(r), h.meta(r))
	if err := h.setSession(w, sess); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dto.OKResponse{OK: true})
}

func (h *Handler) me(w http.ResponseWriter, r *http.Request) {
	info, sess, err := h.auth.Me(r.Context(), h.session(r))
	if err != nil {
		// A session pointing at a vanished account is replaced with the
		// healed (anonymous) envelope alongside the error.
		_ = h.setSession(w, sess)
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *Handler) updateProfile(w http.ResponseWriter, r *http.Request) {
	var req dto.UpdateProfileRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	info, err := h.auth.UpdateProfile(r.Context(), h.session(r), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *Handler) changePassword(w http.ResponseWriter, r *http.Request) {
	var req dto.ChangePasswordRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.auth.ChangePassword(r.Context(), h.session(r), req, h.meta(r)); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dto.OKResponse{OK: true})
}

func (h *Handler) forgotPassword(w http.ResponseWriter, r *http.Request) {
	var req dto.ForgotPasswordRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.auth.ForgotPassword(r.Context(), req, h.meta(r)); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dto.OKResponse{OK: true})
}

func (h *Handler) resetPassword(w http.ResponseWriter, r *http.Request) {
	var req dto.ResetPasswordRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.auth.ResetPassword(r.Context(), req, h.meta(r)); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dto.OKResponse{OK: true})
}

func (h *Handler) verifyEmail(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if err := h.auth.VerifyEmail(r.Context(), token); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dto.OKResponse{OK: true})
}

func (h *Handler) beginTOTPSetup(w http.ResponseWriter, r *http.Request) {
	resp, sess, err := h.auth.BeginTOTPSetup(r.Context(), h.session(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.setSession(w, sess); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) confirmTOTP(w http.ResponseWriter, r *http.Request) {
	var req dto.TOTPConfirmRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	sess, err := h.auth.ConfirmTOTP(r.Context(), h.session(r), req, h.meta(r))
	if setErr := h.setSession(w, sess); setErr != nil && err == nil {
		err = setErr
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dto.OKResponse{OK: true})
}

func (h *Handler) disableTOTP(w http.ResponseWriter, r *http.Request) {
	var req dto.TOTPDisableRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.auth.DisableTOTP(r.Context(), h.session(r), req, h.meta(r)); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dto.OKResponse{OK: true})
}

func (h *Handler) beginPasskeyRegistration(w http.ResponseWriter, r *http.Request) {
	options, sess, err := h.auth.BeginPasskeyRegistration(r.Context(), h.session(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.setSession(w, sess); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeRawJSON(w, http.StatusOK, options)
}

func (h *Handler) finishPasskeyRegistration(w http.ResponseWriter, r *http.Request) {
	var req dto.PasskeyFinishRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	sess, err := h.auth.FinishPasskeyRegistration(r.Context(), h.session(r), req, h.meta(r))
	if setErr := h.setSession(w, sess); setErr != nil && err == nil {
		err = setErr
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dto.OKResponse{OK: true})
}

func (h *Handler) beginPasskeyLogin(w http.ResponseWriter, r *http.Request) {
	options, sess, err := h.auth.BeginPasskeyLogin(r.Context(), h.session(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.setSession(w, sess); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeRawJSON(w, http.StatusOK, options)
}

func (h *Handler) finishPasskeyLogin(w http.ResponseWriter, r *http.Request) {
	var req dto.PasskeyFinishRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	info, sess, err := h.auth.FinishPasskeyLogin(r.Context(), h.session(r), req, h.meta(r))
	if setErr := h.setSession(w, sess); setErr != nil && err == nil {
		err = setErr
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *Handler) listPasskeys(w http.ResponseWriter, r *http.Request) {
	list, err := h.auth.ListPasskeys(r.Context(), h.session(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) removePasskey(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.auth.RemovePasskey(r.Context(), h.session(r), id, h.meta(r)); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) adminUpdateUser(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req dto.AdminUpdateUserRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	info, err := h.auth.AdminUpdateUser(r.Context(), h.session(r), id, req, h.meta(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *Handler) adminDeleteUser(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.auth.AdminDeleteUser(r.Context(), h.session(r), id, h.meta(r)); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) adminResendVerification(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.auth.AdminResendVerification(r.Context(), h.session(r), id, h.meta(r)); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dto.OKResponse{OK: true})
}

func pathID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, domain.Invalid("id", "malformed id")
	}
	return id, nil
}
