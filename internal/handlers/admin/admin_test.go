package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Skotchmaster/deed_portal/internal/audit"
	"github.com/Skotchmaster/deed_portal/internal/db/dbtest"
	"github.com/Skotchmaster/deed_portal/internal/es"
	authmw "github.com/Skotchmaster/deed_portal/internal/middleware/auth"
	"github.com/Skotchmaster/deed_portal/internal/models"
	"github.com/Skotchmaster/deed_portal/internal/otp"
	"github.com/Skotchmaster/deed_portal/internal/otp/otptest"
	"github.com/Skotchmaster/deed_portal/internal/rbac"
	"github.com/Skotchmaster/deed_portal/internal/repo"
	"github.com/Skotchmaster/deed_portal/internal/service"
	"github.com/Skotchmaster/deed_portal/internal/tokens"
)

type fakeSearcher struct {
	got    es.AuditQuery
	events []audit.Event
	err    error
}

func (f *fakeSearcher) Search(_ context.Context, q es.AuditQuery) (int64, []audit.Event, error) {
	f.got = q
	return int64(len(f.events)), f.events, f.err
}

type testEnv struct {
	repo       *repo.GormRepo
	tokens     *service.TokenService
	dispatcher *otptest.Dispatcher
	searcher   *fakeSearcher
	echo       *echo.Echo
	admin      *models.User
	adminToken string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	r := repo.New(dbtest.New(t))
	require.NoError(t, r.SeedRoles(context.Background(), rbac.DefaultRoles()))

	ts := service.NewTokenService(r,
		tokens.NewCodec([]byte("test-jwt-secret"), tokens.TypeAccess),
		tokens.NewCodec([]byte("test-refresh-secret"), tokens.TypeRefresh),
		15*time.Minute, 24*time.Hour,
	)
	_, rdb := otptest.NewRedis(t)
	d := &otptest.Dispatcher{}
	m, err := otp.NewManager(otp.NewRedisStore(rdb), d, otp.DefaultConfig())
	require.NoError(t, err)

	searcher := &fakeSearcher{}
	h := &AdminHandler{Svc: &service.AdminService{Repo: r, Tokens: ts, OTP: m}, Audit: searcher}
	gate := &authmw.Gate{Users: r, Resolver: rbac.NewResolver(r)}

	e := echo.New()
	g := e.Group("/admin", authmw.NewInterceptor(ts, "/", false).Middleware)
	roles := g.Group("/roles", gate.RequirePermissions(rbac.PermRoleManage))
	roles.GET("", h.ListRoles)
	roles.POST("", h.CreateRole)
	roles.PATCH("/:name", h.UpdateRole)
	roles.DELETE("/:name", h.DeleteRole)
	users := g.Group("/users", gate.RequirePermissions(rbac.PermUserManage))
	users.GET("", h.ListUsers)
	users.GET("/:id", h.GetUser)
	users.POST("/:id/block", h.Block)
	users.POST("/:id/unblock", h.Unblock)
	users.POST("/:id/activate", h.Activate)
	users.POST("/:id/deactivate", h.Deactivate)
	users.PUT("/:id/permissions", h.SetOverrides)
	users.PUT("/:id/role", h.SetRole)
	users.POST("/:id/reset", h.ResetCredentials)
	g.DELETE("/users/:id/sessions", h.RevokeSessions, gate.RequirePermissions(rbac.PermSessionRevoke))
	g.GET("/audit", h.SearchAudit, gate.RequirePermissions(rbac.PermAuditRead))

	env := &testEnv{repo: r, tokens: ts, dispatcher: d, searcher: searcher, echo: e}
	env.admin = env.user(t, "admin@example.com", models.RoleAdmin)
	env.adminToken = env.login(t, env.admin).AccessToken
	return env
}

func (env *testEnv) user(t *testing.T, email, role string) *models.User {
	t.Helper()
	u := &models.User{Email: email, Role: role, PasswordHash: "x", Active: true, Verified: true}
	require.NoError(t, env.repo.CreateUserIfNotExists(context.Background(), u))
	return u
}

func (env *testEnv) login(t *testing.T, u *models.User) *service.TokenPair {
	t.Helper()
	pair, err := env.tokens.IssueTokenPair(context.Background(), u, "login")
	require.NoError(t, err)
	return pair
}

func (env *testEnv) do(t *testing.T, method, path, access string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if access != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+access)
	}
	rec := httptest.NewRecorder()
	env.echo.ServeHTTP(rec, req)
	return rec
}

func TestAdmin_RequiresAdmin(t *testing.T) {
	env := newTestEnv(t)
	staff := env.user(t, "staff@example.com", models.RoleStaff3)

	rec := env.do(t, http.MethodGet, "/admin/roles", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodGet, "/admin/roles", env.login(t, staff).AccessToken, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, http.MethodGet, "/admin/roles", env.adminToken, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdmin_RoleLifecycle(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/admin/roles", env.adminToken, map[string]any{
		"name": "Notary", "permissions": []string{rbac.PermDeedRead, rbac.PermDeedVerify, rbac.PermDeedRead}, "level": 50,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var role models.Role
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &role))
	assert.Equal(t, "notary", role.Name)
	assert.Equal(t, models.StringList{rbac.PermDeedRead, rbac.PermDeedVerify}, role.Permissions)
	assert.True(t, role.Active)

	rec = env.do(t, http.MethodPost, "/admin/roles", env.adminToken, map[string]any{"name": "notary"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodPatch, "/admin/roles/notary", env.adminToken, map[string]any{"active": false})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &role))
	assert.False(t, role.Active)

	rec = env.do(t, http.MethodDelete, "/admin/roles/notary", env.adminToken, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodDelete, "/admin/roles/admin", env.adminToken, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, http.MethodPost, "/admin/roles", env.adminToken, map[string]any{"name": " "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdmin_Users(t *testing.T) {
	env := newTestEnv(t)
	u := env.user(t, "user@example.com", models.RoleUser)

	rec := env.do(t, http.MethodGet, "/admin/users?page=1&size=1", env.adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Items []models.User `json:"items"`
		Total int64         `json:"total"`
		Size  int           `json:"size"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.EqualValues(t, 2, list.Total)
	assert.Len(t, list.Items, 1)
	assert.Equal(t, 1, list.Size)

	rec = env.do(t, http.MethodGet, "/admin/users/"+u.ID.String(), env.adminToken, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/admin/users/not-a-uuid", env.adminToken, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/admin/users/00000000-0000-0000-0000-000000000001", env.adminToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdmin_BlockEndsAccess(t *testing.T) {
	env := newTestEnv(t)
	u := env.user(t, "user@example.com", models.RoleUser)
	pair := env.login(t, u)

	rec := env.do(t, http.MethodPost, "/admin/users/"+u.ID.String()+"/block", env.adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	stored, err := env.repo.GetUserByID(context.Background(), u.ID)
	require.NoError(t, err)
	assert.True(t, stored.Blocked)

	_, err = env.tokens.Rotate(context.Background(), pair.RefreshToken)
	assert.Error(t, err)

	rec = env.do(t, http.MethodPost, "/admin/users/"+env.admin.ID.String()+"/block", env.adminToken, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/admin/users/"+u.ID.String()+"/unblock", env.adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stored, err = env.repo.GetUserByID(context.Background(), u.ID)
	require.NoError(t, err)
	assert.False(t, stored.Blocked)
}

func TestAdmin_DeactivateEndsAccess(t *testing.T) {
	env := newTestEnv(t)
	u := env.user(t, "user@example.com", models.RoleUser)
	pair := env.login(t, u)

	rec := env.do(t, http.MethodPost, "/admin/users/"+u.ID.String()+"/deactivate", env.adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	stored, err := env.repo.GetUserByID(context.Background(), u.ID)
	require.NoError(t, err)
	assert.False(t, stored.Active)

	_, err = env.tokens.Rotate(context.Background(), pair.RefreshToken)
	assert.Error(t, err)

	rec = env.do(t, http.MethodPost, "/admin/users/"+env.admin.ID.String()+"/deactivate", env.adminToken, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/admin/users/"+u.ID.String()+"/activate", env.adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stored, err = env.repo.GetUserByID(context.Background(), u.ID)
	require.NoError(t, err)
	assert.True(t, stored.Active)

	rec = env.do(t, http.MethodPost, "/admin/users/not-a-uuid/activate", env.adminToken, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdmin_RoleAndOverrides(t *testing.T) {
	env := newTestEnv(t)
	u := env.user(t, "user@example.com", models.RoleUser)

	rec := env.do(t, http.MethodPut, "/admin/users/"+u.ID.String()+"/role", env.adminToken, map[string]string{"role": "staff2"})
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodPut, "/admin/users/"+u.ID.String()+"/role", env.adminToken, map[string]string{"role": "wizard"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPut, "/admin/users/"+u.ID.String()+"/permissions", env.adminToken,
		map[string][]string{"permissions": {rbac.PermReportRead}})
	require.Equal(t, http.StatusNoContent, rec.Code)

	stored, err := env.repo.GetUserByID(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RoleStaff2, stored.Role)
	assert.Equal(t, models.StringList{rbac.PermReportRead}, stored.PermissionOverrides)
}

func TestAdmin_SessionsAndReset(t *testing.T) {
	env := newTestEnv(t)
	u := env.user(t, "user@example.com", models.RoleUser)
	pair := env.login(t, u)

	rec := env.do(t, http.MethodDelete, "/admin/users/"+u.ID.String()+"/sessions", env.adminToken, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	_, err := env.tokens.Rotate(context.Background(), pair.RefreshToken)
	assert.Error(t, err)

	rec = env.do(t, http.MethodPost, "/admin/users/"+u.ID.String()+"/reset", env.adminToken, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.NotEmpty(t, env.dispatcher.LastCode("user@example.com"))

	stored, err := env.repo.GetUserByID(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.PasswordHash)
}

func TestAdmin_SearchAudit(t *testing.T) {
	env := newTestEnv(t)
	env.searcher.events = []audit.Event{{Action: audit.ActionLogin, Success: true}}

	rec := env.do(t, http.MethodGet, "/admin/audit?action=login&since=2026-01-02T03:04:05Z&page=2&size=5", env.adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "login", env.searcher.got.Action)
	assert.Equal(t, 5, env.searcher.got.From)
	assert.Equal(t, 5, env.searcher.got.Size)
	assert.Equal(t, 2026, env.searcher.got.Since.Year())

	rec = env.do(t, http.MethodGet, "/admin/audit?since=yesterday", env.adminToken, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	env.searcher.err = errors.New("cluster down")
	rec = env.do(t, http.MethodGet, "/admin/audit", env.adminToken, nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestAdmin_SearchAuditUnconfigured(t *testing.T) {
	h := &AdminHandler{}
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/admin/audit", nil), rec)

	err := h.SearchAudit(c)
	var he *echo.HTTPError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, http.StatusServiceUnavailable, he.Code)
}
