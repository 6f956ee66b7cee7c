package auth

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/Skotchmaster/deed_portal/internal/autherr"
	"github.com/Skotchmaster/deed_portal/internal/handlers"
	"github.com/Skotchmaster/deed_portal/internal/logging"
	authmw "github.com/Skotchmaster/deed_portal/internal/middleware/auth"
	"github.com/Skotchmaster/deed_portal/internal/models"
	"github.com/Skotchmaster/deed_portal/internal/otp"
	"github.com/Skotchmaster/deed_portal/internal/service"
	"github.com/Skotchmaster/deed_portal/internal/tokens"
)

const (
	msgInvalidCredentials = "invalid email or password"
	msgSessionExpired     = "session expired, please sign in again"
	msgCodeSent           = "if the account exists, a code has been sent"
)

type AuthService interface {
	Register(ctx context.Context, email, phone, password string) (*models.User, error)
	VerifySignup(ctx context.Context, email, code string) (*service.TokenPair, error)
	Login(ctx context.Context, email, password string) (*service.LoginResult, error)
	VerifyLogin(ctx context.Context, email, code string) (*service.TokenPair, error)
	RequestOTP(ctx context.Context, email string, purpose otp.Purpose) error
	CompleteReset(ctx context.Context, email, code, password string) error
	Refresh(ctx context.Context, refreshToken string) (*service.TokenPair, error)
	LogOut(ctx context.Context, refreshToken string) error
	Me(ctx context.Context, id uuid.UUID) (*service.Profile, error)
}

// CookieJar writes and clears the refresh cookie.
type CookieJar interface {
	SetCookie(c echo.Context, pair *service.TokenPair)
	ClearCookie(c echo.Context)
}

type AuthHandler struct {
	Svc     AuthService
	Cookies CookieJar
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Phone    string `json:"phone"`
	Password string `json:"password"`
}

type codeRequest struct {
	Email    string `json:"email"`
	Code     string `json:"code"`
	Password string `json:"password"`
	Purpose  string `json:"purpose"`
}

type tokenResponse struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
	UserID      uuid.UUID `json:"user_id"`
	Role        string    `json:"role"`
}

func (h *AuthHandler) respondWithPair(c echo.Context, status int, pair *service.TokenPair) error {
	h.Cookies.SetCookie(c, pair)
	return c.JSON(status, tokenResponse{
		AccessToken: pair.AccessToken,
		TokenType:   "Bearer",
		ExpiresAt:   pair.AccessExpiry.UTC(),
		UserID:      pair.PrincipalID,
		Role:        pair.Role,
	})
}

func (h *AuthHandler) Register(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "auth_register")

	var req credentialsRequest
	if err := c.Bind(&req); err != nil {
		l.Warn("register_error", "status", 400, "error", err)
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}

	user, err := h.Svc.Register(ctx, req.Email, req.Phone, req.Password)
	if err != nil {
		if errors.Is(err, autherr.ErrConflict) {
			return echo.NewHTTPError(http.StatusConflict, "user already exists")
		}
		return handlers.Error(err, "")
	}

	l.Info("register_success", "status", 201, "user_id", user.ID)
	return c.JSON(http.StatusCreated, echo.Map{
		"id": user.ID, "email": user.Email, "verified": user.Verified,
	})
}

func (h *AuthHandler) VerifySignup(c echo.Context) error {
	var req codeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}

	pair, err := h.Svc.VerifySignup(c.Request().Context(), req.Email, req.Code)
	if err != nil {
		return otpError(err)
	}
	return h.respondWithPair(c, http.StatusOK, pair)
}

func (h *AuthHandler) Login(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "auth_login")

	var req credentialsRequest
	if err := c.Bind(&req); err != nil {
		l.Warn("login_error", "status", 400, "error", err)
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}

	res, err := h.Svc.Login(ctx, req.Email, req.Password)
	switch {
	case err == nil:
	case errors.Is(err, autherr.ErrInvalidCredentials):
		return handlers.Error(err, msgInvalidCredentials)
	case errors.Is(err, autherr.ErrAccountBlocked):
		return handlers.Error(err, "account is blocked")
	case errors.Is(err, autherr.ErrNotVerified):
		return handlers.Error(err, "account is not verified")
	default:
		return handlers.Error(err, "")
	}

	if res.OTPRequired {
		l.Info("login_step_up_required")
		return c.JSON(http.StatusAccepted, echo.Map{"otp_required": true})
	}
	l.Info("login_successful", "user_id", res.Pair.PrincipalID)
	return h.respondWithPair(c, http.StatusOK, res.Pair)
}

func (h *AuthHandler) VerifyLogin(c echo.Context) error {
	var req codeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}

	pair, err := h.Svc.VerifyLogin(c.Request().Context(), req.Email, req.Code)
	if err != nil {
		if errors.Is(err, autherr.ErrCredentialsUnrecoverable) {
			return handlers.Error(err, "password reset required, contact an administrator")
		}
		return otpError(err)
	}
	return h.respondWithPair(c, http.StatusOK, pair)
}

func (h *AuthHandler) RequestOTP(c echo.Context) error {
	var req codeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	purpose, err := otp.ParsePurpose(req.Purpose)
	if err != nil {
		return handlers.Error(err, "")
	}

	if err := h.Svc.RequestOTP(c.Request().Context(), req.Email, purpose); err != nil {
		return handlers.Error(err, "")
	}
	return c.JSON(http.StatusAccepted, echo.Map{"message": msgCodeSent})
}

func (h *AuthHandler) CompleteReset(c echo.Context) error {
	var req codeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}

	if err := h.Svc.CompleteReset(c.Request().Context(), req.Email, req.Code, req.Password); err != nil {
		return otpError(err)
	}
	h.Cookies.ClearCookie(c)
	return c.JSON(http.StatusOK, echo.Map{"message": "password updated, please sign in"})
}

// Refresh rotates the pair carried by the refresh cookie.
// Failures never say whether the principal exists.
func (h *AuthHandler) Refresh(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "auth_refresh")

	if pair, ok := authmw.RotatedPair(c); ok {
		return h.respondWithPair(c, http.StatusOK, pair)
	}

	raw := refreshToken(c)
	if raw == "" {
		l.Warn("refresh_failed", "status", 401, "reason", "missing_refresh_cookie")
		return echo.NewHTTPError(http.StatusUnauthorized, msgSessionExpired)
	}

	pair, err := h.Svc.Refresh(ctx, raw)
	if err != nil {
		if errors.Is(err, autherr.ErrPersistence) {
			return handlers.Error(err, "")
		}
		l.Warn("refresh_failed", "status", 401, "error", err)
		h.Cookies.ClearCookie(c)
		return echo.NewHTTPError(http.StatusUnauthorized, msgSessionExpired)
	}
	return h.respondWithPair(c, http.StatusOK, pair)
}

func (h *AuthHandler) LogOut(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "auth_logout")

	if raw := refreshToken(c); raw != "" {
		if err := h.Svc.LogOut(ctx, raw); err != nil {
			return handlers.Error(err, "")
		}
	} else {
		l.Info("logout_without_cookie")
	}

	h.Cookies.ClearCookie(c)
	l.Info("successful_logout")
	return c.JSON(http.StatusOK, echo.Map{"message": "logged out"})
}

func (h *AuthHandler) Me(c echo.Context) error {
	id, ok := authmw.IdentityFrom(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "unauthenticated")
	}

	profile, err := h.Svc.Me(c.Request().Context(), id.PrincipalID)
	if err != nil {
		return handlers.Error(err, "")
	}
	return c.JSON(http.StatusOK, echo.Map{
		"user":              profile.User,
		"permissions":       profile.Permissions,
		"permission_source": profile.PermissionSource,
	})
}

// refreshToken returns the live refresh token for this request: the one the
// interceptor just minted, or else the cookie value.
func refreshToken(c echo.Context) string {
	if pair, ok := authmw.RotatedPair(c); ok {
		return pair.RefreshToken
	}
	cookie, err := c.Cookie(tokens.RefreshCookie)
	if err != nil {
		return ""
	}
	return cookie.Value
}

// otpError keeps mismatch and expiry distinct so the client can ask for the right next step.
func otpError(err error) error {
	switch {
	case errors.Is(err, autherr.ErrOTPMismatch):
		return handlers.Error(err, "invalid code")
	case errors.Is(err, autherr.ErrOTPExpired):
		return handlers.Error(err, "code expired, request a new one")
	case errors.Is(err, autherr.ErrOTPNotFound):
		return handlers.Error(err, "no pending code, request a new one")
	case errors.Is(err, autherr.ErrOTPConflict):
		return handlers.Error(err, "code is being verified, try again")
	case errors.Is(err, autherr.ErrAccountBlocked):
		return handlers.Error(err, "account is blocked")
	default:
		return handlers.Error(err, "")
	}
}
