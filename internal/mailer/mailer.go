// Package mailer declares the email delivery capability the auth flows
// consume. Transport is an external collaborator; the only in-repo
// implementation logs instead of sending, for development.
package mailer

import (
	"context"
	"log/slog"
)

type Sender interface {
	SendVerificationEmail(ctx context.Context, email, token string) error
	SendPasswordResetEmail(ctx context.Context, email, token string) error
}

// LogSender writes would-be emails to the log. Never use outside development.
type LogSender struct{}

func (LogSender) SendVerificationEmail(_ context.Context, email, token string) error {
	slog.Info("verification email (dev sender)", "email", email, "token", token)
	return nil
}

func (LogSender) SendPasswordResetEmail(_ context.Context, email, token string) error {
	slog.Info("password reset email (dev sender)", "email", email, "token", token)
	return nil
}
