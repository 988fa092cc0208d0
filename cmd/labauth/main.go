package main

import (
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"

	"labauth/internal/audit"
	"labauth/internal/config"
	"labauth/internal/cryptobox"
	"labauth/internal/mailer"
	"labauth/internal/observability/logging"
	"labauth/internal/observability/metrics"
	"labauth/internal/passkey"
	"labauth/internal/ratelimit"
	impl "labauth/internal/service/impl"
	"labauth/internal/session"
	"labauth/internal/store"
	"labauth/internal/totp"
	httpx "labauth/internal/transport/http"
	"labauth/pkg/db"
)

func main() {
	_ = godotenv.Load()

	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		env = "dev"
	}
	logger := logging.NewLogger(logging.Config{
		ServiceName: "labauth",
		Environment: env,
		Level:       os.Getenv("LOG_LEVEL"),
	})
	slog.SetDefault(logger)
	logger.Info("starting service")

	cfg := config.Load()
	metrics.MustRegister("labauth")

	gdb, err := db.OpenGorm(db.Config{DSN: cfg.DatabaseURL, LogSQL: cfg.LogSQL})
	if err != nil {
		logger.Error("gorm open", "error", err)
		os.Exit(1)
	}
	st := store.New(gdb)

	box, err := cryptobox.New(cryptobox.Config{
		Secret:                  cfg.AppSecret,
		LegacyPlaintextFallback: cfg.LegacyPlaintextFallback,
	})
	if err != nil {
		logger.Error("cryptobox init", "error", err)
		os.Exit(1)
	}

	passkeys, err := passkey.NewService(passkey.Config{
		RPDisplayName: cfg.RPDisplayName,
		RPID:          cfg.RPID,
		RPOrigins:     cfg.RPOrigins,
	})
	if err != nil {
		logger.Error("webauthn init", "error", err)
		os.Exit(1)
	}

	sessions := session.NewManager(cfg.AppSecret, cfg.SessionTTL, cfg.Issuer, box)

	auth := impl.NewAuthServiceImpl(st, impl.Deps{
		Box:      box,
		TOTP:     totp.NewService(cfg.TOTPIssuer),
		Passkeys: passkeys,
		Limiter:  ratelimit.NewLimiter(st.RateLimits()),
		Audit:    audit.NewRecorder(st.Audit()),
		Mail:     mailer.LogSender{},
		Flags: impl.Flags{
			PasswordAuth: cfg.PasswordAuthEnabled,
			PasskeyAuth:  cfg.PasskeyAuthEnabled,
			TOTP:         cfg.TOTPEnabled,
		},
	})

	h := httpx.NewHandler(auth, sessions, cfg.SecureCookies)
	router := httpx.NewRouter(h, httpx.RouterConfig{CORSOrigins: cfg.RPOrigins})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("auth service listening", "addr", srv.Addr, "rp_id", cfg.RPID)
	if err := srv.ListenAndServe(); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
