package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/Skotchmaster/deed_portal/internal/audit"
	"github.com/Skotchmaster/deed_portal/internal/autherr"
	"github.com/Skotchmaster/deed_portal/internal/logging"
	"github.com/Skotchmaster/deed_portal/internal/metrics"
	"github.com/Skotchmaster/deed_portal/internal/models"
	"github.com/Skotchmaster/deed_portal/internal/rbac"
)

const (
	DecisionAllow           = "allow"
	DecisionUnauthenticated = "unauthenticated"
	DecisionForbidden       = "forbidden"
)

type PrincipalLoader interface {
	GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error)
}

// Gate guards routes. Missing or unusable credentials are 401, insufficient rights 403.
// Roles and permissions are checked against the stored principal, not the token claims.
type Gate struct {
	Users    PrincipalLoader
	Resolver *rbac.Resolver
	Audit    audit.Sink
	Metrics  *metrics.Auth
}

type requirement struct {
	roles []string
	perms []string
}

func (r requirement) String() string {
	var parts []string
	if len(r.roles) > 0 {
		parts = append(parts, "roles="+strings.Join(r.roles, ","))
	}
	if len(r.perms) > 0 {
		parts = append(parts, "permissions="+strings.Join(r.perms, ","))
	}
	return strings.Join(parts, " ")
}

// RequireAuth admits any authenticated, unblocked principal.
func (g *Gate) RequireAuth() echo.MiddlewareFunc {
	return g.guard(requirement{})
}

// RequireRoles admits principals holding any of roles.
func (g *Gate) RequireRoles(roles ...string) echo.MiddlewareFunc {
	return g.guard(requirement{roles: roles})
}

// RequirePermissions admits principals holding all of perms.
func (g *Gate) RequirePermissions(perms ...string) echo.MiddlewareFunc {
	return g.guard(requirement{perms: perms})
}

func (g *Gate) guard(req requirement) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			event := audit.Event{
				Action: audit.ActionAuthorize,
				Method: c.Request().Method,
				Path:   c.Path(),
				IP:     c.RealIP(),
			}
			if s := req.String(); s != "" {
				event.Metadata = map[string]string{"required": s}
			}

			id, ok := IdentityFrom(c)
			if !ok {
				return g.deny(c, event, DecisionUnauthenticated, "no credentials")
			}
			event.PrincipalID = id.PrincipalID.String()

			u, err := g.Users.GetUserByID(ctx, id.PrincipalID)
			if err != nil {
				if errors.Is(err, autherr.ErrPrincipalNotFound) {
					return g.deny(c, event, DecisionUnauthenticated, "principal not found")
				}
				logging.FromContext(ctx).Error("gate_principal_lookup_failed", "err", err)
				return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
			}
			event.Role = u.Role
			if !u.CanAuthenticate() {
				return g.deny(c, event, DecisionUnauthenticated, "principal blocked")
			}

			perms, _ := g.resolver().Resolve(ctx, u)
			if len(req.roles) > 0 && !hasRole(u.Role, req.roles) {
				return g.deny(c, event, DecisionForbidden, "role not allowed")
			}
			if len(req.perms) > 0 && !perms.HasAll(req.perms...) {
				return g.deny(c, event, DecisionForbidden, "missing permission")
			}

			c.Set(ctxPrincipal, u)
			c.Set(ctxPermissions, perms)
			event.Success = true
			g.observe(ctx, event, DecisionAllow)
			return next(c)
		}
	}
}

func (g *Gate) resolver() *rbac.Resolver {
	if g.Resolver != nil {
		return g.Resolver
	}
	return rbac.NewResolver(nil)
}

func (g *Gate) deny(c echo.Context, event audit.Event, decision, reason string) error {
	event.Reason = reason
	g.observe(c.Request().Context(), event, decision)

	logging.FromContext(c.Request().Context()).Warn("access_denied",
		"decision", decision, "reason", reason, "path", event.Path, "user_id", event.PrincipalID)

	if decision == DecisionForbidden {
		return echo.NewHTTPError(http.StatusForbidden, "insufficient permissions")
	}
	return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
}

func (g *Gate) observe(ctx context.Context, event audit.Event, decision string) {
	g.Metrics.Decision(decision)
	if g.Audit != nil {
		g.Audit.Record(ctx, event)
	}
}

func hasRole(role string, allowed []string) bool {
	for _, r := range allowed {
		if r == role {
			return true
		}
	}
	return false
}
