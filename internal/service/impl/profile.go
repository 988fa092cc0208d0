package impl

import (
	"context"

	"labauth/internal/domain"
	"labauth/internal/dto"
	"labauth/internal/session"
	"labauth/internal/store"
)

// Me resolves the session to a user snapshot. When the account behind the
// envelope no longer exists the caller gets an anonymous replacement session
// so the stale cookie heals itself.
func (a *AuthServiceImpl) Me(ctx context.Context, sess session.Session) (*dto.UserInfo, session.Session, error) {
	u, err := a.currentUser(ctx, sess)
	if err != nil {
		if err == domain.ErrNotFound {
			return nil, session.Anonymous(), domain.ErrInvalidCredentials
		}
		return nil, sess, err
	}
	return a.userInfo(u), sess, nil
}

func (a *AuthServiceImpl) UpdateProfile(ctx context.Context, sess session.Session, req dto.UpdateProfileRequest) (*dto.UserInfo, error) {
	u, err := a.currentUser(ctx, sess)
	if err != nil {
		return nil, err
	}
	if req.DisplayName != nil {
		if *req.DisplayName == "" {
			return nil, domain.Invalid("displayName", "must not be empty")
		}
		enc, err := a.box.Encrypt(*req.DisplayName)
		if err != nil {
			return nil, err
		}
		u.DisplayName = enc
	}
	if req.AvatarURL != nil {
		u.AvatarURL = *req.AvatarURL
	}
	if req.Preferences != nil {
		if u.Preferences == nil {
			u.Preferences = domain.JSONMap{}
		}
		for k, v := range req.Preferences {
			if v == "" {
				delete(u.Preferences, k)
				continue
			}
			u.Preferences[k] = v
		}
	}
	if err := a.store.Users().Update(ctx, u); err != nil {
		return nil, err
	}
	return a.userInfo(u), nil
}

func (a *AuthServiceImpl) VerifyEmail(ctx context.Context, token string) error {
	if token == "" {
		return domain.ErrInvalidCredentials
	}
	tok, err := a.store.Tokens().GetEmailVerification(ctx, token)
	if err != nil {
		if err == store.ErrRecordNotFound {
			return domain.ErrInvalidCredentials
		}
		return err
	}
	if a.now().UTC().After(tok.ExpiresAt) {
		// Stale tokens are deleted on sight so they cannot pile up.
		if err := a.store.Tokens().DeleteEmailVerification(ctx, tok.ID); err != nil {
			return err
		}
		return domain.ErrInvalidCredentials
	}
	return a.store.WithTx(ctx, func(tx dataStore) error {
		if err := tx.Users().SetEmailVerified(ctx, tok.UserID); err != nil {
			return err
		}
		return tx.Tokens().DeleteEmailVerificationsForUser(ctx, tok.UserID)
	})
}

// issueVerification mints a fresh verification token, replacing any
// outstanding ones, and mails it.
func (a *AuthServiceImpl) issueVerification(ctx context.Context, u *domain.User) error {
	if a.mail == nil {
		return domain.ErrNotConfigured
	}
	token, err := randomToken()
	if err != nil {
		return err
	}
	now := a.now().UTC()
	err = a.store.WithTx(ctx, func(tx dataStore) error {
		if err := tx.Tokens().DeleteEmailVerificationsForUser(ctx, u.ID); err != nil {
			return err
		}
		return tx.Tokens().CreateEmailVerification(ctx, &domain.EmailVerificationToken{
			UserID:    u.ID,
			Token:     token,
			ExpiresAt: now.Add(verificationTokenTTL),
			CreatedAt: now,
		})
	})
	if err != nil {
		return err
	}
	email, err := a.box.SafeDecrypt(u.Email)
	if err != nil {
		return domain.ErrIntegrity
	}
	return a.mail.SendVerificationEmail(ctx, email, token)
}
