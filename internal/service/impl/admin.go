package impl

import (
	"context"

	"github.com/google/uuid"

	"labauth/internal/audit"
	"labauth/internal/domain"
	"labauth/internal/dto"
	"labauth/internal/service"
	"labauth/internal/session"
	"labauth/internal/store"
)

// requireAdmin authorizes against the database row, not the envelope claim,
// so a demotion takes effect on the next request rather than at cookie
// expiry.
func (a *AuthServiceImpl) requireAdmin(ctx context.Context, sess session.Session) (*domain.User, error) {
	u, err := a.currentUser(ctx, sess)
	if err != nil {
		return nil, err
	}
	if u.Role != domain.RoleAdmin {
		return nil, domain.ErrForbidden
	}
	return u, nil
}

func (a *AuthServiceImpl) AdminUpdateUser(ctx context.Context, sess session.Session, target uuid.UUID, req dto.AdminUpdateUserRequest, meta service.RequestMeta) (*dto.UserInfo, error) {
	admin, err := a.requireAdmin(ctx, sess)
	if err != nil {
		return nil, err
	}
	u, err := a.store.Users().GetByID(ctx, target)
	if err != nil {
		if err == store.ErrRecordNotFound {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}

	changes := map[string]any{}
	if req.Role != nil {
		role := domain.Role(*req.Role)
		if role != domain.RoleAdmin && role != domain.RoleUser {
			return nil, domain.Invalid("role", "unknown role")
		}
		if u.ID == admin.ID && role != domain.RoleAdmin {
			return nil, domain.Invalid("role", "cannot demote yourself")
		}
		u.Role = role
		changes["role"] = *req.Role
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
		changes["display_name"] = true
	}
	if req.EmailVerified != nil {
		u.EmailVerified = *req.EmailVerified
		changes["email_verified"] = *req.EmailVerified
	}
	if err := a.store.Users().Update(ctx, u); err != nil {
		return nil, err
	}
	changes["target"] = target.String()
	a.audit.Record(ctx, domain.AuditAdminUserEdit, audit.Event{
		UserID: &admin.ID, IP: meta.IP, UserAgent: meta.UserAgent,
		Details: changes,
	})
	return a.userInfo(u), nil
}

func (a *AuthServiceImpl) AdminDeleteUser(ctx context.Context, sess session.Session, target uuid.UUID, meta service.RequestMeta) error {
	admin, err := a.requireAdmin(ctx, sess)
	if err != nil {
		return err
	}
	if admin.ID == target {
		return domain.Invalid("id", "cannot delete yourself")
	}
	if _, err := a.store.Users().GetByID(ctx, target); err != nil {
		if err == store.ErrRecordNotFound {
			return domain.ErrNotFound
		}
		return err
	}
	if err := a.store.Users().Delete(ctx, target); err != nil {
		return err
	}
	a.audit.Record(ctx, domain.AuditAdminUserDelete, audit.Event{
		UserID: &admin.ID, IP: meta.IP, UserAgent: meta.UserAgent,
		Details: map[string]any{"target": target.String()},
	})
	return nil
}

func (a *AuthServiceImpl) AdminResendVerification(ctx context.Context, sess session.Session, target uuid.UUID, meta service.RequestMeta) error {
	admin, err := a.requireAdmin(ctx, sess)
	if err != nil {
		return err
	}
	u, err := a.store.Users().GetByID(ctx, target)
	if err != nil {
		if err == store.ErrRecordNotFound {
			return domain.ErrNotFound
		}
		return err
	}
	if u.EmailVerified {
		return domain.Invalid("id", "email already verified")
	}
	if err := a.issueVerification(ctx, u); err != nil {
		return err
	}
	a.audit.Record(ctx, domain.AuditAdminResendVerification, audit.Event{
		UserID: &admin.ID, IP: meta.IP, UserAgent: meta.UserAgent,
		Details: map[string]any{"target": target.String()},
	})
	return nil
}
