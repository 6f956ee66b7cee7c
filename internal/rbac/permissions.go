package rbac

import "github.com/Skotchmaster/deed_portal/internal/models"

// Permission constants.
const (
	PermDeedRead      = "deed:read"
	PermDeedSubmit    = "deed:submit"
	PermDeedReview    = "deed:review"
	PermDeedVerify    = "deed:verify"
	PermDeedApprove   = "deed:approve"
	PermDeedAssign    = "deed:assign"
	PermClientManage  = "client:manage"
	PermReportRead    = "report:read"
	PermUserManage    = "user:manage"
	PermRoleManage    = "role:manage"
	PermSessionRevoke = "session:revoke"
	PermAuditRead     = "audit:read"
)

// Role levels. Higher levels take precedence.
const (
	LevelAdmin  = 100
	LevelStaff3 = 80
	LevelStaff2 = 60
	LevelStaff1 = 40
	LevelAgent  = 20
	LevelUser   = 10
)

// fallbackPermissions is used when the roles table cannot answer for a role tag.
var fallbackPermissions = map[string][]string{
	models.RoleAdmin: {
		PermDeedRead, PermDeedSubmit, PermDeedReview, PermDeedVerify, PermDeedApprove, PermDeedAssign,
		PermClientManage, PermReportRead, PermUserManage, PermRoleManage, PermSessionRevoke, PermAuditRead,
	},
	models.RoleStaff3: {PermDeedRead, PermDeedReview, PermDeedVerify, PermDeedApprove, PermReportRead},
	models.RoleStaff2: {PermDeedRead, PermDeedReview, PermDeedVerify},
	models.RoleStaff1: {PermDeedRead, PermDeedReview},
	models.RoleAgent:  {PermDeedRead, PermDeedSubmit, PermClientManage},
	models.RoleUser:   {PermDeedRead, PermDeedSubmit},
}

var fallbackLevels = map[string]int{
	models.RoleAdmin:  LevelAdmin,
	models.RoleStaff3: LevelStaff3,
	models.RoleStaff2: LevelStaff2,
	models.RoleStaff1: LevelStaff1,
	models.RoleAgent:  LevelAgent,
	models.RoleUser:   LevelUser,
}

// FallbackPermissions returns a copy of the built-in permissions for role, or nil for unknown tags.
func FallbackPermissions(role string) []string {
	perms, ok := fallbackPermissions[role]
	if !ok {
		return nil
	}
	out := make([]string, len(perms))
	copy(out, perms)
	return out
}

func FallbackLevel(role string) int {
	return fallbackLevels[role]
}

// DefaultRoles is the boot-time seed. admin and user are system roles.
func DefaultRoles() []models.Role {
	names := []string{
		models.RoleAdmin, models.RoleStaff3, models.RoleStaff2,
		models.RoleStaff1, models.RoleAgent, models.RoleUser,
	}
	roles := make([]models.Role, 0, len(names))
	for _, name := range names {
		roles = append(roles, models.Role{
			Name:        name,
			Permissions: models.StringList(FallbackPermissions(name)),
			Level:       fallbackLevels[name],
			System:      name == models.RoleAdmin || name == models.RoleUser,
			Active:      true,
		})
	}
	return roles
}
