package auth

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/Skotchmaster/deed_portal/internal/autherr"
	"github.com/Skotchmaster/deed_portal/internal/logging"
	"github.com/Skotchmaster/deed_portal/internal/service"
	"github.com/Skotchmaster/deed_portal/internal/tokens"
)

type Rotator interface {
	VerifyAccess(raw string) (*tokens.Claims, error)
	Rotate(ctx context.Context, raw string) (*service.TokenPair, error)
}

// Interceptor identifies the caller from the bearer token and silently rotates
// an expired or missing one using the refresh cookie. It never rejects a request
// for bad credentials; the Gate decides. Persistence failures are the exception.
type Interceptor struct {
	Tokens       Rotator
	CookiePath   string
	CookieSecure bool
}

func NewInterceptor(t Rotator, cookiePath string, secure bool) *Interceptor {
	if cookiePath == "" {
		cookiePath = "/"
	}
	return &Interceptor{Tokens: t, CookiePath: cookiePath, CookieSecure: secure}
}

func (m *Interceptor) Middleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		raw := tokens.BearerToken(c.Request().Header.Get(echo.HeaderAuthorization))
		if raw != "" {
			claims, err := m.Tokens.VerifyAccess(raw)
			if err == nil && setIdentity(c, claims) {
				return next(c)
			}
			if !errors.Is(err, autherr.ErrTokenExpired) {
				return next(c)
			}
		}

		cookie, err := c.Cookie(tokens.RefreshCookie)
		if err != nil || cookie.Value == "" {
			return next(c)
		}

		ctx := c.Request().Context()
		pair, err := m.Tokens.Rotate(ctx, cookie.Value)
		if err != nil {
			if errors.Is(err, autherr.ErrPersistence) {
				logging.FromContext(ctx).Error("auto_refresh_failed", "err", err)
				return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
			}
			m.ClearCookie(c)
			return next(c)
		}

		m.SetCookie(c, pair)
		c.Set(ctxRotated, pair)
		c.Response().Header().Set(tokens.HeaderAccessToken, pair.AccessToken)
		c.Response().Header().Set(tokens.HeaderAccessTokenExpires, pair.AccessExpiry.UTC().Format(time.RFC3339))
		c.Request().Header.Set(echo.HeaderAuthorization, "Bearer "+pair.AccessToken)

		claims, err := m.Tokens.VerifyAccess(pair.AccessToken)
		if err == nil {
			setIdentity(c, claims)
		}
		return next(c)
	}
}

func (m *Interceptor) SetCookie(c echo.Context, pair *service.TokenPair) {
	cookie := tokens.CreateCookie(tokens.RefreshCookie, pair.RefreshToken, m.CookiePath, pair.RefreshExpiry)
	cookie.Secure = m.CookieSecure
	c.SetCookie(cookie)
}

func (m *Interceptor) ClearCookie(c echo.Context) {
	cookie := tokens.DeleteCookie(tokens.RefreshCookie, m.CookiePath)
	cookie.Secure = m.CookieSecure
	c.SetCookie(cookie)
}
