package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/Skotchmaster/deed_portal/internal/handlers/admin"
	"github.com/Skotchmaster/deed_portal/internal/handlers/auth"
	"github.com/Skotchmaster/deed_portal/internal/metrics"
	authmw "github.com/Skotchmaster/deed_portal/internal/middleware/auth"
	"github.com/Skotchmaster/deed_portal/internal/middleware/csrf"
	"github.com/Skotchmaster/deed_portal/internal/models"
	"github.com/Skotchmaster/deed_portal/internal/rbac"
)

type Deps struct {
	AuthHandler  *auth.AuthHandler
	AdminHandler *admin.AdminHandler
	Interceptor  *authmw.Interceptor
	Gate         *authmw.Gate
	CSRF         csrf.Config

	// OTPRatePerMinute bounds code-sending and code-checking requests per client IP.
	OTPRatePerMinute int

	// Ready reports whether the backing stores answer. Nil means always ready.
	Ready    func(ctx context.Context) error
	Gatherer prometheus.Gatherer
}

func otpLimiter(perMinute int) echo.MiddlewareFunc {
	if perMinute <= 0 {
		perMinute = 5
	}
	store := middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
		Rate:      rate.Limit(float64(perMinute) / 60),
		Burst:     perMinute,
		ExpiresIn: 3 * time.Minute,
	})
	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Store: store,
		DenyHandler: func(c echo.Context, _ string, _ error) error {
			return echo.NewHTTPError(http.StatusTooManyRequests, "too many requests, try again later")
		},
	})
}

func Register(e *echo.Echo, d *Deps) {
	e.GET("/health/live", func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	e.GET("/health/ready", func(c echo.Context) error {
		if d.Ready == nil {
			return c.NoContent(http.StatusOK)
		}
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()
		if err := d.Ready(ctx); err != nil {
			return c.JSON(http.StatusServiceUnavailable, echo.Map{"status": "unavailable"})
		}
		return c.NoContent(http.StatusOK)
	})
	if d.Gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(metrics.Handler(d.Gatherer)))
	}

	v1 := e.Group("/api/v1", d.Interceptor.Middleware)

	limited := otpLimiter(d.OTPRatePerMinute)
	authGroup := v1.Group("/auth")
	authGroup.POST("/register", d.AuthHandler.Register, limited)
	authGroup.POST("/register/verify", d.AuthHandler.VerifySignup, limited)
	authGroup.POST("/login", d.AuthHandler.Login, limited)
	authGroup.POST("/login/verify", d.AuthHandler.VerifyLogin, limited)
	authGroup.POST("/otp/request", d.AuthHandler.RequestOTP, limited)
	authGroup.POST("/reset/complete", d.AuthHandler.CompleteReset, limited)

	session := authGroup.Group("", csrf.Middleware(d.CSRF))
	session.GET("/csrf", func(c echo.Context) error { return c.NoContent(http.StatusNoContent) })
	session.POST("/refresh", d.AuthHandler.Refresh)
	session.POST("/logout", d.AuthHandler.LogOut)

	v1.GET("/me", d.AuthHandler.Me, d.Gate.RequireAuth())

	adm := v1.Group("/admin", d.Gate.RequireRoles(models.RoleAdmin))

	roles := adm.Group("/roles", d.Gate.RequirePermissions(rbac.PermRoleManage))
	roles.GET("", d.AdminHandler.ListRoles)
	roles.POST("", d.AdminHandler.CreateRole)
	roles.PATCH("/:name", d.AdminHandler.UpdateRole)
	roles.DELETE("/:name", d.AdminHandler.DeleteRole)

	users := adm.Group("/users", d.Gate.RequirePermissions(rbac.PermUserManage))
	users.GET("", d.AdminHandler.ListUsers)
	users.GET("/:id", d.AdminHandler.GetUser)
	users.POST("/:id/block", d.AdminHandler.Block)
	users.POST("/:id/unblock", d.AdminHandler.Unblock)
	users.POST("/:id/activate", d.AdminHandler.Activate)
	users.POST("/:id/deactivate", d.AdminHandler.Deactivate)
	users.PUT("/:id/permissions", d.AdminHandler.SetOverrides)
	users.PUT("/:id/role", d.AdminHandler.SetRole)
	users.POST("/:id/reset", d.AdminHandler.ResetCredentials)

	adm.DELETE("/users/:id/sessions", d.AdminHandler.RevokeSessions, d.Gate.RequirePermissions(rbac.PermSessionRevoke))
	adm.GET("/audit", d.AdminHandler.SearchAudit, d.Gate.RequirePermissions(rbac.PermAuditRead))
}
