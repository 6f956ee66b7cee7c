package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Skotchmaster/deed_portal/internal/db/dbtest"
	"github.com/Skotchmaster/deed_portal/internal/hash"
	"github.com/Skotchmaster/deed_portal/internal/models"
	"github.com/Skotchmaster/deed_portal/internal/otp"
	"github.com/Skotchmaster/deed_portal/internal/otp/otptest"
	"github.com/Skotchmaster/deed_portal/internal/rbac"
	"github.com/Skotchmaster/deed_portal/internal/repo"
	"github.com/Skotchmaster/deed_portal/internal/tokens"
)

type testEnv struct {
	repo       *repo.GormRepo
	tokens     *TokenService
	auth       *AuthService
	admin      *AdminService
	dispatcher *otptest.Dispatcher
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	r := repo.New(dbtest.New(t))
	require.NoError(t, r.SeedRoles(context.Background(), rbac.DefaultRoles()))

	ts := NewTokenService(r,
		tokens.NewCodec([]byte("test-jwt-secret"), tokens.TypeAccess),
		tokens.NewCodec([]byte("test-refresh-secret"), tokens.TypeRefresh),
		15*time.Minute, 24*time.Hour,
	)

	_, rdb := otptest.NewRedis(t)
	d := &otptest.Dispatcher{}
	m, err := otp.NewManager(otp.NewRedisStore(rdb), d, otp.DefaultConfig())
	require.NoError(t, err)

	resolver := rbac.NewResolver(r)
	return &testEnv{
		repo:       r,
		tokens:     ts,
		auth:       &AuthService{Users: r, Tokens: ts, OTP: m, Resolver: resolver},
		admin:      &AdminService{Repo: r, Tokens: ts, OTP: m},
		dispatcher: d,
	}
}

// createUser stores a verified, active principal with the given password.
func (e *testEnv) createUser(t *testing.T, email, role, password string) *models.User {
	t.Helper()

	pwHash, err := hash.HashPassword(password)
	require.NoError(t, err)
	u := &models.User{Email: email, Role: role, PasswordHash: pwHash, Active: true, Verified: true}
	require.NoError(t, e.repo.CreateUserIfNotExists(context.Background(), u))
	return u
}
