package admin

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/Skotchmaster/deed_portal/internal/audit"
	"github.com/Skotchmaster/deed_portal/internal/autherr"
	"github.com/Skotchmaster/deed_portal/internal/es"
	"github.com/Skotchmaster/deed_portal/internal/handlers"
	"github.com/Skotchmaster/deed_portal/internal/logging"
	authmw "github.com/Skotchmaster/deed_portal/internal/middleware/auth"
	"github.com/Skotchmaster/deed_portal/internal/repo"
	"github.com/Skotchmaster/deed_portal/internal/service"
	"github.com/Skotchmaster/deed_portal/internal/util"
)

type AuditSearcher interface {
	Search(ctx context.Context, q es.AuditQuery) (int64, []audit.Event, error)
}

// AdminHandler serves the admin console. Routes are expected behind the Gate,
// which puts the acting principal on the context.
type AdminHandler struct {
	Svc *service.AdminService
	// Audit is nil when no search backend is configured.
	Audit AuditSearcher
}

type roleRequest struct {
	Name        string    `json:"name"`
	Permissions *[]string `json:"permissions"`
	Level       *int      `json:"level"`
	Active      *bool     `json:"active"`
}

func actor(c echo.Context) (service.Actor, error) {
	p, ok := authmw.PrincipalFrom(c)
	if !ok {
		return service.Actor{}, echo.NewHTTPError(http.StatusUnauthorized, "unauthenticated")
	}
	return service.Actor{ID: p.ID, Role: p.Role}, nil
}

func userID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid user id")
	}
	return id, nil
}

// adminError reports a missing target principal as 404; elsewhere it means 401.
func adminError(err error) error {
	if errors.Is(err, autherr.ErrPrincipalNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "user not found").SetInternal(err)
	}
	return handlers.Error(err, "")
}

func (h *AdminHandler) ListRoles(c echo.Context) error {
	roles, err := h.Svc.ListRoles(c.Request().Context())
	if err != nil {
		return adminError(err)
	}
	return c.JSON(http.StatusOK, echo.Map{"items": roles})
}

func (h *AdminHandler) CreateRole(c echo.Context) error {
	a, err := actor(c)
	if err != nil {
		return err
	}
	var req roleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}

	in := service.RoleInput{Name: req.Name, Active: req.Active}
	if req.Permissions != nil {
		in.Permissions = *req.Permissions
	}
	if req.Level != nil {
		in.Level = *req.Level
	}

	role, err := h.Svc.CreateRole(c.Request().Context(), a, in)
	if err != nil {
		return adminError(err)
	}
	return c.JSON(http.StatusCreated, role)
}

func (h *AdminHandler) UpdateRole(c echo.Context) error {
	a, err := actor(c)
	if err != nil {
		return err
	}
	var req roleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}

	role, err := h.Svc.UpdateRole(c.Request().Context(), a, c.Param("name"), repo.RoleUpdate{
		Permissions: req.Permissions,
		Level:       req.Level,
		Active:      req.Active,
	})
	if err != nil {
		return adminError(err)
	}
	return c.JSON(http.StatusOK, role)
}

func (h *AdminHandler) DeleteRole(c echo.Context) error {
	a, err := actor(c)
	if err != nil {
		return err
	}
	if err := h.Svc.DeleteRole(c.Request().Context(), a, c.Param("name")); err != nil {
		return adminError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *AdminHandler) ListUsers(c echo.Context) error {
	page := util.ParseIntDefault(c.QueryParam("page"), 1)
	size := util.ParseIntDefault(c.QueryParam("size"), util.DefaultPageSize)
	offset, limit := util.Calculate(page, size)

	total, users, err := h.Svc.ListUsers(c.Request().Context(), offset, limit)
	if err != nil {
		return adminError(err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"items": users,
		"total": total,
		"page":  page,
		"size":  limit,
	})
}

func (h *AdminHandler) GetUser(c echo.Context) error {
	id, err := userID(c)
	if err != nil {
		return err
	}
	u, err := h.Svc.GetUser(c.Request().Context(), id)
	if err != nil {
		return adminError(err)
	}
	return c.JSON(http.StatusOK, u)
}

func (h *AdminHandler) Block(c echo.Context) error   { return h.setBlocked(c, true) }
func (h *AdminHandler) Unblock(c echo.Context) error { return h.setBlocked(c, false) }

func (h *AdminHandler) setBlocked(c echo.Context, blocked bool) error {
	a, err := actor(c)
	if err != nil {
		return err
	}
	id, err := userID(c)
	if err != nil {
		return err
	}
	if err := h.Svc.SetBlocked(c.Request().Context(), a, id, blocked); err != nil {
		return adminError(err)
	}
	return c.JSON(http.StatusOK, echo.Map{"id": id, "blocked": blocked})
}

func (h *AdminHandler) Activate(c echo.Context) error   { return h.setActive(c, true) }
func (h *AdminHandler) Deactivate(c echo.Context) error { return h.setActive(c, false) }

func (h *AdminHandler) setActive(c echo.Context, active bool) error {
	a, err := actor(c)
	if err != nil {
		return err
	}
	id, err := userID(c)
	if err != nil {
		return err
	}
	if err := h.Svc.SetActive(c.Request().Context(), a, id, active); err != nil {
		return adminError(err)
	}
	return c.JSON(http.StatusOK, echo.Map{"id": id, "active": active})
}

func (h *AdminHandler) SetOverrides(c echo.Context) error {
	a, err := actor(c)
	if err != nil {
		return err
	}
	id, err := userID(c)
	if err != nil {
		return err
	}
	var req struct {
		Permissions []string `json:"permissions"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	if err := h.Svc.SetOverrides(c.Request().Context(), a, id, req.Permissions); err != nil {
		return adminError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *AdminHandler) SetRole(c echo.Context) error {
	a, err := actor(c)
	if err != nil {
		return err
	}
	id, err := userID(c)
	if err != nil {
		return err
	}
	var req struct {
		Role string `json:"role"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	if err := h.Svc.SetRole(c.Request().Context(), a, id, req.Role); err != nil {
		return adminError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *AdminHandler) RevokeSessions(c echo.Context) error {
	a, err := actor(c)
	if err != nil {
		return err
	}
	id, err := userID(c)
	if err != nil {
		return err
	}
	if err := h.Svc.RevokeSessions(c.Request().Context(), a, id); err != nil {
		return adminError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *AdminHandler) ResetCredentials(c echo.Context) error {
	a, err := actor(c)
	if err != nil {
		return err
	}
	id, err := userID(c)
	if err != nil {
		return err
	}
	if err := h.Svc.ResetCredentials(c.Request().Context(), a, id); err != nil {
		return adminError(err)
	}
	return c.JSON(http.StatusAccepted, echo.Map{"message": "reset code sent"})
}

func (h *AdminHandler) SearchAudit(c echo.Context) error {
	if h.Audit == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "audit search is not configured")
	}

	q := es.AuditQuery{
		PrincipalID: c.QueryParam("principal_id"),
		Action:      c.QueryParam("action"),
	}
	if s := c.QueryParam("since"); s != "" {
		since, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "since must be RFC3339")
		}
		q.Since = since
	}
	page := util.ParseIntDefault(c.QueryParam("page"), 1)
	size := util.ParseIntDefault(c.QueryParam("size"), util.DefaultPageSize)
	q.From, q.Size = util.Calculate(page, size)

	total, events, err := h.Audit.Search(c.Request().Context(), q)
	if err != nil {
		logging.FromContext(c.Request().Context()).Error("audit_search_failed", "err", err)
		return echo.NewHTTPError(http.StatusBadGateway, "audit search failed")
	}
	return c.JSON(http.StatusOK, echo.Map{
		"items": events,
		"total": total,
		"page":  page,
		"size":  q.Size,
	})
}
