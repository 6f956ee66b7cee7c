package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Skotchmaster/deed_portal/internal/autherr"
	"github.com/Skotchmaster/deed_portal/internal/models"
	"github.com/Skotchmaster/deed_portal/internal/otp"
	"github.com/Skotchmaster/deed_portal/internal/rbac"
)

func TestAuthService_Register_Validation(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		email    string
		password string
	}{
		{name: "empty email", email: "", password: "password123"},
		{name: "invalid email", email: "not-an-email", password: "password123"},
		{name: "short password", email: "a@b.com", password: "short"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.auth.Register(ctx, tt.email, "", tt.password)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}
}

func TestAuthService_SignupFlow(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()

	user, err := env.auth.Register(ctx, "a@b.com", "", "password123")
	require.NoError(t, err)
	assert.False(t, user.Verified)
	assert.Equal(t, models.RoleUser, user.Role)

	_, err = env.auth.Register(ctx, "a@b.com", "", "password123")
	assert.ErrorIs(t, err, autherr.ErrConflict)

	_, err = env.auth.Login(ctx, "a@b.com", "password123")
	assert.ErrorIs(t, err, autherr.ErrNotVerified)

	code := env.dispatcher.LastCode("a@b.com")
	require.Len(t, code, 6)

	pair, err := env.auth.VerifySignup(ctx, "a@b.com", code)
	require.NoError(t, err)
	assert.NotEmpty(t, pair.AccessToken)

	stored, err := env.repo.GetUserByID(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, stored.Verified)
	assert.NotNil(t, stored.LastLoginAt)

	_, err = env.auth.VerifySignup(ctx, "a@b.com", code)
	assert.ErrorIs(t, err, autherr.ErrOTPNotFound)
}

func TestAuthService_Login(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()

	env.createUser(t, "user@example.com", models.RoleUser, "password123")
	blocked := env.createUser(t, "blocked@example.com", models.RoleUser, "password123")
	require.NoError(t, env.repo.SetBlocked(ctx, blocked.ID, true))
	reset := env.createUser(t, "reset@example.com", models.RoleUser, "password123")
	require.NoError(t, env.repo.SetPasswordHash(ctx, reset.ID, ""))

	tests := []struct {
		name     string
		email    string
		password string
		want     error
	}{
		{name: "unknown email", email: "ghost@example.com", password: "password123", want: autherr.ErrInvalidCredentials},
		{name: "wrong password", email: "user@example.com", password: "password124", want: autherr.ErrInvalidCredentials},
		{name: "blocked", email: "blocked@example.com", password: "password123", want: autherr.ErrAccountBlocked},
		{name: "missing hash is not a default password", email: "reset@example.com", password: "", want: ErrValidation},
		{name: "missing hash", email: "reset@example.com", password: "password123", want: autherr.ErrCredentialsUnrecoverable},
		{name: "missing hash reads as bad credentials", email: "reset@example.com", password: "password123", want: autherr.ErrInvalidCredentials},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := env.auth.Login(ctx, tt.email, tt.password)
			assert.Nil(t, res)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	res, err := env.auth.Login(ctx, "USER@example.com", "password123")
	require.NoError(t, err)
	require.NotNil(t, res.Pair)
	assert.False(t, res.OTPRequired)
}

func TestAuthService_StaffLoginStepsUp(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	env.createUser(t, "clerk@example.com", models.RoleStaff1, "password123")

	res, err := env.auth.Login(ctx, "clerk@example.com", "password123")
	require.NoError(t, err)
	assert.True(t, res.OTPRequired)
	assert.Nil(t, res.Pair)

	_, err = env.auth.VerifyLogin(ctx, "clerk@example.com", "000")
	assert.ErrorIs(t, err, autherr.ErrOTPMismatch)

	pair, err := env.auth.VerifyLogin(ctx, "clerk@example.com", env.dispatcher.LastCode("clerk@example.com"))
	require.NoError(t, err)

	claims, err := env.tokens.VerifyAccess(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, models.RoleStaff1, claims.Role)
}

func TestAuthService_GlobalStepUp(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.auth.StepUp = true
	env.createUser(t, "user@example.com", models.RoleUser, "password123")

	res, err := env.auth.Login(context.Background(), "user@example.com", "password123")
	require.NoError(t, err)
	assert.True(t, res.OTPRequired)
}

func TestAuthService_StepUpDispatchFailure(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.dispatcher.Err = errors.New("sms gateway down")
	env.createUser(t, "admin@example.com", models.RoleAdmin, "password123")

	_, err := env.auth.Login(context.Background(), "admin@example.com", "password123")
	assert.ErrorIs(t, err, autherr.ErrDispatchFailed)
	assert.Equal(t, 500, autherr.Status(err))
}

func TestAuthService_RequestOTP(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.auth.Register(ctx, "new@example.com", "", "password123")
	require.NoError(t, err)
	env.createUser(t, "verified@example.com", models.RoleUser, "password123")
	sent := len(env.dispatcher.Sent())

	require.NoError(t, env.auth.RequestOTP(ctx, "new@example.com", otp.PurposeSignup))
	require.NoError(t, env.auth.RequestOTP(ctx, "ghost@example.com", otp.PurposeSignup))
	require.NoError(t, env.auth.RequestOTP(ctx, "verified@example.com", otp.PurposeSignup))
	require.NoError(t, env.auth.RequestOTP(ctx, "verified@example.com", otp.PurposeReset))
	assert.Len(t, env.dispatcher.Sent(), sent+1)

	assert.ErrorIs(t, env.auth.RequestOTP(ctx, "verified@example.com", otp.PurposeLogin), ErrValidation)
	assert.ErrorIs(t, env.auth.RequestOTP(ctx, "verified@example.com", otp.Purpose("other")), autherr.ErrInvalidInput)
}

func TestAuthService_LogOut(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	env.createUser(t, "user@example.com", models.RoleUser, "password123")

	res, err := env.auth.Login(ctx, "user@example.com", "password123")
	require.NoError(t, err)

	require.NoError(t, env.auth.LogOut(ctx, res.Pair.RefreshToken))
	_, err = env.auth.Refresh(ctx, res.Pair.RefreshToken)
	assert.ErrorIs(t, err, autherr.ErrSessionRevoked)

	require.NoError(t, env.auth.LogOut(ctx, ""))
}

func TestAuthService_Me(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	u := env.createUser(t, "agent@example.com", models.RoleAgent, "password123")

	profile, err := env.auth.Me(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, rbac.SourceRole, profile.PermissionSource)
	assert.Equal(t, rbac.FallbackPermissions(models.RoleAgent), profile.Permissions)
}

func TestAuthService_BlockedBeforeSignupVerification(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()

	user, err := env.auth.Register(ctx, "late@example.com", "", "password123")
	require.NoError(t, err)
	code := env.dispatcher.LastCode("late@example.com")
	require.NotEmpty(t, code)

	require.NoError(t, env.repo.SetBlocked(ctx, user.ID, true))

	sent := len(env.dispatcher.Sent())
	require.NoError(t, env.auth.RequestOTP(ctx, "late@example.com", otp.PurposeSignup))
	assert.Len(t, env.dispatcher.Sent(), sent)

	pair, err := env.auth.VerifySignup(ctx, "late@example.com", code)
	assert.Nil(t, pair)
	assert.ErrorIs(t, err, autherr.ErrAccountBlocked)

	stored, err := env.repo.GetUserByID(ctx, user.ID)
	require.NoError(t, err)
	assert.False(t, stored.Verified)
	_, err = env.repo.FindRefresh(ctx, user.ID)
	assert.ErrorIs(t, err, autherr.ErrSessionNotFound)
}

func TestAuthService_ResetInvalidatesPendingStepUp(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	actor := newActor(t, env)
	clerk := env.createUser(t, "clerk@example.com", models.RoleStaff1, "password123")

	res, err := env.auth.Login(ctx, "clerk@example.com", "password123")
	require.NoError(t, err)
	require.True(t, res.OTPRequired)
	loginCode := env.dispatcher.LastCode("clerk@example.com")
	require.NotEmpty(t, loginCode)

	require.NoError(t, env.admin.ResetCredentials(ctx, actor, clerk.ID))

	pair, err := env.auth.VerifyLogin(ctx, "clerk@example.com", loginCode)
	assert.Nil(t, pair)
	assert.ErrorIs(t, err, autherr.ErrOTPNotFound)
	_, err = env.repo.FindRefresh(ctx, clerk.ID)
	assert.ErrorIs(t, err, autherr.ErrSessionNotFound)
}

func TestAuthService_VerifyLoginRequiresStoredPassword(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	clerk := env.createUser(t, "clerk@example.com", models.RoleStaff1, "password123")

	res, err := env.auth.Login(ctx, "clerk@example.com", "password123")
	require.NoError(t, err)
	require.True(t, res.OTPRequired)

	// hash cleared outside the admin flow, so the login code is still pending
	require.NoError(t, env.repo.SetPasswordHash(ctx, clerk.ID, ""))

	pair, err := env.auth.VerifyLogin(ctx, "clerk@example.com", env.dispatcher.LastCode("clerk@example.com"))
	assert.Nil(t, pair)
	assert.ErrorIs(t, err, autherr.ErrCredentialsUnrecoverable)
}
