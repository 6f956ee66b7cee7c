package repo

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Skotchmaster/deed_portal/internal/autherr"
	"github.com/Skotchmaster/deed_portal/internal/models"
)

func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (r *GormRepo) CreateUserIfNotExists(ctx context.Context, u *models.User) error {
	u.Email = NormalizeEmail(u.Email)
	tx := r.DB.WithContext(ctx).Where("email = ?", u.Email).FirstOrCreate(u)
	if tx.Error != nil {
		if isUniqueViolation(tx.Error) {
			return autherr.ErrConflict
		}
		return wrap(tx.Error, autherr.ErrPersistence, "create user")
	}
	if tx.RowsAffected == 0 {
		return autherr.ErrConflict
	}
	return nil
}

func (r *GormRepo) GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var user models.User
	if err := r.DB.WithContext(ctx).Where("id = ?", id).First(&user).Error; err != nil {
		return nil, wrap(err, autherr.ErrPrincipalNotFound, "get user")
	}
	return &user, nil
}

func (r *GormRepo) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var user models.User
	if err := r.DB.WithContext(ctx).Where("email = ?", NormalizeEmail(email)).First(&user).Error; err != nil {
		return nil, wrap(err, autherr.ErrPrincipalNotFound, "get user by email")
	}
	return &user, nil
}

func (r *GormRepo) ListUsers(ctx context.Context, offset, limit int) (int64, []models.User, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	var total int64
	if err := r.DB.WithContext(ctx).Model(&models.User{}).Count(&total).Error; err != nil {
		return 0, nil, wrap(err, autherr.ErrPersistence, "count users")
	}

	var items []models.User
	if err := r.DB.WithContext(ctx).Order("created_at ASC").Offset(offset).Limit(limit).Find(&items).Error; err != nil {
		return 0, nil, wrap(err, autherr.ErrPersistence, "list users")
	}
	return total, items, nil
}

func (r *GormRepo) updateUser(ctx context.Context, id uuid.UUID, op string, values map[string]any) error {
	res := r.DB.WithContext(ctx).Model(&models.User{}).Where("id = ?", id).Updates(values)
	if res.Error != nil {
		return wrap(res.Error, autherr.ErrPersistence, op)
	}
	if res.RowsAffected == 0 {
		return autherr.ErrPrincipalNotFound
	}
	return nil
}

func (r *GormRepo) MarkVerified(ctx context.Context, id uuid.UUID) error {
	return r.updateUser(ctx, id, "mark verified", map[string]any{"verified": true})
}

func (r *GormRepo) TouchLastLogin(ctx context.Context, id uuid.UUID, at time.Time) error {
	return r.updateUser(ctx, id, "touch last login", map[string]any{"last_login_at": at})
}

func (r *GormRepo) SetBlocked(ctx context.Context, id uuid.UUID, blocked bool) error {
	return r.updateUser(ctx, id, "set blocked", map[string]any{"blocked": blocked})
}

func (r *GormRepo) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	return r.updateUser(ctx, id, "set active", map[string]any{"active": active})
}

func (r *GormRepo) SetRole(ctx context.Context, id uuid.UUID, role string) error {
	return r.updateUser(ctx, id, "set role", map[string]any{"role": role})
}

func (r *GormRepo) SetPermissionOverrides(ctx context.Context, id uuid.UUID, perms []string) error {
	return r.updateUser(ctx, id, "set overrides", map[string]any{"permission_overrides": models.StringList(perms)})
}

// SetPasswordHash stores hash; an empty hash leaves the principal unable to log in until reset.
func (r *GormRepo) SetPasswordHash(ctx context.Context, id uuid.UUID, hash string) error {
	return r.updateUser(ctx, id, "set password", map[string]any{"password_hash": hash})
}
