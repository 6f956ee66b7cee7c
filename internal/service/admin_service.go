package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/Skotchmaster/deed_portal/internal/audit"
	"github.com/Skotchmaster/deed_portal/internal/autherr"
	"github.com/Skotchmaster/deed_portal/internal/logging"
	"github.com/Skotchmaster/deed_portal/internal/models"
	"github.com/Skotchmaster/deed_portal/internal/otp"
	"github.com/Skotchmaster/deed_portal/internal/rbac"
	"github.com/Skotchmaster/deed_portal/internal/repo"
)

type AdminRepo interface {
	GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	ListUsers(ctx context.Context, offset, limit int) (int64, []models.User, error)
	SetBlocked(ctx context.Context, id uuid.UUID, blocked bool) error
	SetActive(ctx context.Context, id uuid.UUID, active bool) error
	SetRole(ctx context.Context, id uuid.UUID, role string) error
	SetPermissionOverrides(ctx context.Context, id uuid.UUID, perms []string) error
	SetPasswordHash(ctx context.Context, id uuid.UUID, hash string) error

	GetRoleByName(ctx context.Context, name string) (*models.Role, error)
	ListRoles(ctx context.Context) ([]models.Role, error)
	CreateRole(ctx context.Context, role *models.Role) error
	UpdateRole(ctx context.Context, name string, upd repo.RoleUpdate) (*models.Role, error)
	DeleteRole(ctx context.Context, name string) error
}

// Actor identifies the admin performing an action.
type Actor struct {
	ID   uuid.UUID
	Role string
}

type AdminService struct {
	Repo   AdminRepo
	Tokens *TokenService
	OTP    OTPManager
	Audit  audit.Sink
}

func (s *AdminService) record(ctx context.Context, actor Actor, action string, target string, err error, meta map[string]string) {
	if s.Audit == nil {
		return
	}
	if meta == nil {
		meta = map[string]string{}
	}
	if target != "" {
		meta["target"] = target
	}
	e := audit.Event{
		Action:      action,
		PrincipalID: actor.ID.String(),
		Role:        actor.Role,
		Success:     err == nil,
		Metadata:    meta,
	}
	if err != nil {
		e.Reason = err.Error()
	}
	s.Audit.Record(ctx, e)
}

func (s *AdminService) ListRoles(ctx context.Context) ([]models.Role, error) {
	return s.Repo.ListRoles(ctx)
}

type RoleInput struct {
	Name        string
	Permissions []string
	Level       int
	Active      *bool
}

func (s *AdminService) CreateRole(ctx context.Context, actor Actor, in RoleInput) (*models.Role, error) {
	name := strings.ToLower(strings.TrimSpace(in.Name))
	if name == "" {
		return nil, fmt.Errorf("%w: role name is required", ErrValidation)
	}
	active := true
	if in.Active != nil {
		active = *in.Active
	}
	role := &models.Role{
		Name:        name,
		Permissions: models.StringList(rbac.NewPermissionSet(in.Permissions...).List()),
		Level:       in.Level,
		Active:      active,
	}
	err := s.Repo.CreateRole(ctx, role)
	s.record(ctx, actor, audit.ActionRoleUpsert, name, err, map[string]string{"op": "create"})
	if err != nil {
		return nil, err
	}
	return role, nil
}

func (s *AdminService) UpdateRole(ctx context.Context, actor Actor, name string, upd repo.RoleUpdate) (*models.Role, error) {
	if upd.Permissions != nil {
		perms := rbac.NewPermissionSet(*upd.Permissions...).List()
		upd.Permissions = &perms
	}
	role, err := s.Repo.UpdateRole(ctx, name, upd)
	s.record(ctx, actor, audit.ActionRoleUpsert, name, err, map[string]string{"op": "update"})
	return role, err
}

// DeleteRole removes a role row. Principals still tagged with it fall back to the built-in table.
func (s *AdminService) DeleteRole(ctx context.Context, actor Actor, name string) error {
	err := s.Repo.DeleteRole(ctx, name)
	s.record(ctx, actor, audit.ActionRoleDelete, name, err, nil)
	return err
}

func (s *AdminService) ListUsers(ctx context.Context, offset, limit int) (int64, []models.User, error) {
	return s.Repo.ListUsers(ctx, offset, limit)
}

func (s *AdminService) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	return s.Repo.GetUserByID(ctx, id)
}

// SetBlocked blocks or unblocks a principal. Blocking also ends the principal's session.
func (s *AdminService) SetBlocked(ctx context.Context, actor Actor, id uuid.UUID, blocked bool) error {
	if blocked && actor.ID == id {
		return fmt.Errorf("%w: admins cannot block themselves", ErrValidation)
	}
	err := s.Repo.SetBlocked(ctx, id, blocked)
	if err == nil && blocked {
		err = s.Tokens.RevokePrincipal(ctx, id)
	}
	s.record(ctx, actor, audit.ActionBlock, id.String(), err, map[string]string{"blocked": fmt.Sprint(blocked)})
	return err
}

// SetActive enables or disables a principal. Deactivation ends the principal's session.
func (s *AdminService) SetActive(ctx context.Context, actor Actor, id uuid.UUID, active bool) error {
	if !active && actor.ID == id {
		return fmt.Errorf("%w: admins cannot deactivate themselves", ErrValidation)
	}
	err := s.Repo.SetActive(ctx, id, active)
	if err == nil && !active {
		err = s.Tokens.RevokePrincipal(ctx, id)
	}
	s.record(ctx, actor, audit.ActionActivate, id.String(), err, map[string]string{"active": fmt.Sprint(active)})
	return err
}

func (s *AdminService) SetOverrides(ctx context.Context, actor Actor, id uuid.UUID, perms []string) error {
	clean := rbac.NewPermissionSet(perms...).List()
	err := s.Repo.SetPermissionOverrides(ctx, id, clean)
	s.record(ctx, actor, audit.ActionOverrides, id.String(), err, map[string]string{"count": fmt.Sprint(len(clean))})
	return err
}

// SetRole changes the role tag. The tag must name a role row or a built-in role.
// The new role reaches access tokens at the next rotation.
func (s *AdminService) SetRole(ctx context.Context, actor Actor, id uuid.UUID, role string) error {
	role = strings.ToLower(strings.TrimSpace(role))
	if role == "" {
		return fmt.Errorf("%w: role is required", ErrValidation)
	}
	if _, err := s.Repo.GetRoleByName(ctx, role); err != nil {
		if !errors.Is(err, autherr.ErrNotFound) {
			return err
		}
		if rbac.FallbackPermissions(role) == nil {
			return fmt.Errorf("%w: unknown role %q", ErrValidation, role)
		}
		logging.FromContext(ctx).Warn("role_assigned_without_row", "role", role)
	}
	err := s.Repo.SetRole(ctx, id, role)
	s.record(ctx, actor, audit.ActionRoleChange, id.String(), err, map[string]string{"role": role})
	return err
}

func (s *AdminService) RevokeSessions(ctx context.Context, actor Actor, id uuid.UUID) error {
	if _, err := s.Repo.GetUserByID(ctx, id); err != nil {
		return err
	}
	err := s.Tokens.RevokePrincipal(ctx, id)
	s.record(ctx, actor, audit.ActionSessionRevoke, id.String(), err, nil)
	return err
}

// ResetCredentials clears the password, ends the session, drops any pending login code and sends a reset code.
// The principal cannot log in until the reset is completed.
func (s *AdminService) ResetCredentials(ctx context.Context, actor Actor, id uuid.UUID) error {
	user, err := s.Repo.GetUserByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.Repo.SetPasswordHash(ctx, id, ""); err != nil {
		return err
	}
	if err := s.Tokens.RevokePrincipal(ctx, id); err != nil {
		return err
	}
	if err := s.OTP.Cancel(ctx, user.Email, otp.PurposeLogin); err != nil {
		return err
	}
	err = s.OTP.Request(ctx, user.Email, otp.PurposeReset)
	s.record(ctx, actor, audit.ActionCredentialsReset, id.String(), err, map[string]string{"stage": "initiated"})
	return err
}
