// Package rbac resolves the permissions a principal holds.
//
// Resolution is tiered and the first tier that answers wins:
//
//  1. explicit permission overrides stored on the principal
//  2. the active role row named by the principal's role tag
//  3. a built-in table for the known role tags
//
// Role rows are admin-editable, so tier 3 keeps known roles working while a
// row is missing or the roles table cannot be read.
package rbac

import (
	"context"
	"errors"

	"github.com/Skotchmaster/deed_portal/internal/autherr"
	"github.com/Skotchmaster/deed_portal/internal/logging"
	"github.com/Skotchmaster/deed_portal/internal/models"
)

// Source names the tier that produced a permission set.
type Source string

const (
	SourceOverride Source = "override"
	SourceRole     Source = "role"
	SourceFallback Source = "fallback"
	SourceNone     Source = "none"
)

type RoleLookup interface {
	GetRoleByName(ctx context.Context, name string) (*models.Role, error)
}

type Resolver struct {
	Roles RoleLookup
}

func NewResolver(roles RoleLookup) *Resolver {
	return &Resolver{Roles: roles}
}

func (r *Resolver) Resolve(ctx context.Context, u *models.User) (PermissionSet, Source) {
	if u == nil {
		return PermissionSet{}, SourceNone
	}
	if len(u.PermissionOverrides) > 0 {
		return NewPermissionSet(u.PermissionOverrides...), SourceOverride
	}

	l := logging.FromContext(ctx)
	if r.Roles != nil && u.Role != "" {
		role, err := r.Roles.GetRoleByName(ctx, u.Role)
		switch {
		case err == nil && role.Active:
			return NewPermissionSet(role.Permissions...), SourceRole
		case err == nil:
			l.Warn("role_inactive_fallback", "role", u.Role)
		case errors.Is(err, autherr.ErrNotFound):
			l.Warn("role_missing_fallback", "role", u.Role)
		default:
			l.Warn("role_lookup_failed_fallback", "role", u.Role, "err", err)
		}
	}

	perms := FallbackPermissions(u.Role)
	if perms == nil {
		return PermissionSet{}, SourceNone
	}
	return NewPermissionSet(perms...), SourceFallback
}

// Level returns the precedence of the principal's role, preferring the role row.
func (r *Resolver) Level(ctx context.Context, roleName string) int {
	if r.Roles != nil {
		if role, err := r.Roles.GetRoleByName(ctx, roleName); err == nil && role.Active {
			return role.Level
		}
	}
	return FallbackLevel(roleName)
}
