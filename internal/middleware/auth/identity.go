package auth

import (
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/Skotchmaster/deed_portal/internal/models"
	"github.com/Skotchmaster/deed_portal/internal/rbac"
	"github.com/Skotchmaster/deed_portal/internal/service"
	"github.com/Skotchmaster/deed_portal/internal/tokens"
)

const (
	ctxUserID      = "user_id"
	ctxRole        = "role"
	ctxPrincipal   = "principal"
	ctxPermissions = "permissions"
	ctxRotated     = "rotated_pair"
)

// Identity is what a verified access token says about the caller.
type Identity struct {
	PrincipalID uuid.UUID
	Role        string
}

func setIdentity(c echo.Context, claims *tokens.Claims) bool {
	id, err := claims.PrincipalID()
	if err != nil {
		return false
	}
	c.Set(ctxUserID, id)
	c.Set(ctxRole, claims.Role)
	return true
}

func IdentityFrom(c echo.Context) (Identity, bool) {
	id, ok := c.Get(ctxUserID).(uuid.UUID)
	if !ok || id == uuid.Nil {
		return Identity{}, false
	}
	role, _ := c.Get(ctxRole).(string)
	return Identity{PrincipalID: id, Role: role}, true
}

// PrincipalFrom returns the principal loaded by the gate.
func PrincipalFrom(c echo.Context) (*models.User, bool) {
	u, ok := c.Get(ctxPrincipal).(*models.User)
	return u, ok && u != nil
}

func PermissionsFrom(c echo.Context) rbac.PermissionSet {
	perms, _ := c.Get(ctxPermissions).(rbac.PermissionSet)
	return perms
}

// RotatedPair returns the pair the interceptor minted for this request, if any.
// The refresh cookie on the request is already consumed once this is set.
func RotatedPair(c echo.Context) (*service.TokenPair, bool) {
	pair, ok := c.Get(ctxRotated).(*service.TokenPair)
	return pair, ok && pair != nil
}
