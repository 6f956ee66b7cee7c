package repo

import (
	"context"

	"gorm.io/gorm/clause"

	"github.com/Skotchmaster/deed_portal/internal/autherr"
	"github.com/Skotchmaster/deed_portal/internal/models"
)

type RoleUpdate struct {
	Permissions *[]string
	Level       *int
	Active      *bool
}

func (r *GormRepo) GetRoleByName(ctx context.Context, name string) (*models.Role, error) {
	var role models.Role
	if err := r.DB.WithContext(ctx).Where("name = ?", name).First(&role).Error; err != nil {
		return nil, wrap(err, autherr.ErrNotFound, "get role")
	}
	return &role, nil
}

func (r *GormRepo) ListRoles(ctx context.Context) ([]models.Role, error) {
	var roles []models.Role
	if err := r.DB.WithContext(ctx).Order("level DESC").Order("name ASC").Find(&roles).Error; err != nil {
		return nil, wrap(err, autherr.ErrPersistence, "list roles")
	}
	return roles, nil
}

func (r *GormRepo) CreateRole(ctx context.Context, role *models.Role) error {
	tx := r.DB.WithContext(ctx).Where("name = ?", role.Name).FirstOrCreate(role)
	if tx.Error != nil {
		if isUniqueViolation(tx.Error) {
			return autherr.ErrConflict
		}
		return wrap(tx.Error, autherr.ErrPersistence, "create role")
	}
	if tx.RowsAffected == 0 {
		return autherr.ErrConflict
	}
	return nil
}

func (r *GormRepo) UpdateRole(ctx context.Context, name string, upd RoleUpdate) (*models.Role, error) {
	values := map[string]any{}
	if upd.Permissions != nil {
		values["permissions"] = models.StringList(*upd.Permissions)
	}
	if upd.Level != nil {
		values["level"] = *upd.Level
	}
	if upd.Active != nil {
		values["active"] = *upd.Active
	}
	if len(values) > 0 {
		res := r.DB.WithContext(ctx).Model(&models.Role{}).Where("name = ?", name).Updates(values)
		if res.Error != nil {
			return nil, wrap(res.Error, autherr.ErrPersistence, "update role")
		}
		if res.RowsAffected == 0 {
			return nil, autherr.ErrNotFound
		}
	}
	return r.GetRoleByName(ctx, name)
}

// DeleteRole removes a non-system role. Principals that still carry the name keep it.
func (r *GormRepo) DeleteRole(ctx context.Context, name string) error {
	role, err := r.GetRoleByName(ctx, name)
	if err != nil {
		return err
	}
	if role.System {
		return autherr.ErrSystemRole
	}
	res := r.DB.WithContext(ctx).Where("name = ? AND is_system = ?", name, false).Delete(&models.Role{})
	if res.Error != nil {
		return wrap(res.Error, autherr.ErrPersistence, "delete role")
	}
	if res.RowsAffected == 0 {
		return autherr.ErrNotFound
	}
	return nil
}

// SeedRoles inserts roles whose names do not exist yet and leaves existing rows alone.
func (r *GormRepo) SeedRoles(ctx context.Context, roles []models.Role) error {
	if len(roles) == 0 {
		return nil
	}
	err := r.DB.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "name"}}, DoNothing: true}).
		Create(&roles).Error
	return wrap(err, autherr.ErrPersistence, "seed roles")
}
