package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Skotchmaster/deed_portal/internal/autherr"
	"github.com/Skotchmaster/deed_portal/internal/models"
	"github.com/Skotchmaster/deed_portal/internal/tokens"
)

func TestTokenService_IssueTokenPair_Claims(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	u := env.createUser(t, "owner@example.com", models.RoleAgent, "password123")

	pair, err := env.tokens.IssueTokenPair(context.Background(), u, "login")
	require.NoError(t, err)

	access, err := env.tokens.VerifyAccess(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, u.ID.String(), access.Subject)
	assert.Equal(t, models.RoleAgent, access.Role)
	assert.Equal(t, pair.AccessExpiry, access.ExpiresAt.Time)

	refresh, err := env.tokens.Refresh.Verify(pair.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, u.ID.String(), refresh.Subject)
	assert.Empty(t, refresh.Role)
	assert.NotEmpty(t, refresh.ID)
	assert.True(t, pair.AccessExpiry.Before(pair.RefreshExpiry))

	_, err = env.tokens.VerifyAccess(pair.RefreshToken)
	assert.ErrorIs(t, err, autherr.ErrTokenSignatureInvalid)
}

func TestTokenService_DoubleIssuanceKeepsOneSession(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	u := env.createUser(t, "owner@example.com", models.RoleUser, "password123")

	first, err := env.tokens.IssueTokenPair(ctx, u, "login")
	require.NoError(t, err)
	second, err := env.tokens.IssueTokenPair(ctx, u, "login")
	require.NoError(t, err)

	var count int64
	require.NoError(t, env.repo.DB.Model(&models.RefreshToken{}).
		Where("user_id = ? AND blacklisted = ?", u.ID, false).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	_, err = env.tokens.Rotate(ctx, first.RefreshToken)
	assert.ErrorIs(t, err, autherr.ErrSessionRevoked)

	_, err = env.tokens.Rotate(ctx, second.RefreshToken)
	require.NoError(t, err)
}

func TestTokenService_RotateConsumesToken(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	u := env.createUser(t, "owner@example.com", models.RoleUser, "password123")

	pair, err := env.tokens.IssueTokenPair(ctx, u, "login")
	require.NoError(t, err)

	next, err := env.tokens.Rotate(ctx, pair.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, pair.RefreshToken, next.RefreshToken)

	_, err = env.tokens.Rotate(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, autherr.ErrSessionRevoked)

	rec, err := env.repo.FindRefresh(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, tokens.Sha256Hex(next.RefreshToken), rec.TokenHash)
}

func TestTokenService_RotateReadsCurrentRole(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	u := env.createUser(t, "clerk@example.com", models.RoleStaff1, "password123")

	pair, err := env.tokens.IssueTokenPair(ctx, u, "login")
	require.NoError(t, err)
	require.NoError(t, env.repo.SetRole(ctx, u.ID, models.RoleStaff3))

	next, err := env.tokens.Rotate(ctx, pair.RefreshToken)
	require.NoError(t, err)

	claims, err := env.tokens.VerifyAccess(next.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, models.RoleStaff3, claims.Role)
}

func TestTokenService_RotateFailures(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()

	blocked := env.createUser(t, "blocked@example.com", models.RoleUser, "password123")
	blockedPair, err := env.tokens.IssueTokenPair(ctx, blocked, "login")
	require.NoError(t, err)
	require.NoError(t, env.repo.SetBlocked(ctx, blocked.ID, true))

	revoked := env.createUser(t, "revoked@example.com", models.RoleUser, "password123")
	revokedPair, err := env.tokens.IssueTokenPair(ctx, revoked, "login")
	require.NoError(t, err)
	require.NoError(t, env.tokens.RevokePrincipal(ctx, revoked.ID))

	ghost := &models.User{ID: uuid.New(), Role: models.RoleUser}
	ghostPair, _, err := env.tokens.mint(ghost)
	require.NoError(t, err)

	noSession := env.createUser(t, "nosession@example.com", models.RoleUser, "password123")
	noSessionPair, _, err := env.tokens.mint(noSession)
	require.NoError(t, err)

	accessPair, err := env.tokens.IssueTokenPair(ctx, env.createUser(t, "x@example.com", models.RoleUser, "password123"), "login")
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{name: "garbage", token: "garbage", want: autherr.ErrTokenMalformed},
		{name: "access token presented", token: accessPair.AccessToken, want: autherr.ErrTokenSignatureInvalid},
		{name: "unknown principal", token: ghostPair.RefreshToken, want: autherr.ErrPrincipalNotFound},
		{name: "no stored session", token: noSessionPair.RefreshToken, want: autherr.ErrSessionNotFound},
		{name: "blacklisted", token: revokedPair.RefreshToken, want: autherr.ErrSessionRevoked},
		{name: "blocked principal", token: blockedPair.RefreshToken, want: autherr.ErrSessionRevoked},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := env.tokens.Rotate(ctx, tt.token)
			assert.Nil(t, res)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestTokenService_RotationRace(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	u := env.createUser(t, "race@example.com", models.RoleUser, "password123")

	pair, err := env.tokens.IssueTokenPair(ctx, u, "login")
	require.NoError(t, err)

	const workers = 2
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.tokens.Rotate(ctx, pair.RefreshToken)
		}(i)
	}
	wg.Wait()

	var ok, revoked int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, autherr.ErrSessionRevoked):
			revoked++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, revoked)
}

func TestTokenService_Revoke(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	u := env.createUser(t, "bye@example.com", models.RoleUser, "password123")

	pair, err := env.tokens.IssueTokenPair(ctx, u, "login")
	require.NoError(t, err)

	require.NoError(t, env.tokens.Revoke(ctx, ""))
	require.NoError(t, env.tokens.Revoke(ctx, "garbage"))
	require.NoError(t, env.tokens.Revoke(ctx, pair.RefreshToken))
	require.NoError(t, env.tokens.Revoke(ctx, pair.RefreshToken))

	rec, err := env.repo.FindRefresh(ctx, u.ID)
	require.NoError(t, err)
	assert.True(t, rec.Blacklisted)

	_, err = env.tokens.Rotate(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, autherr.ErrSessionRevoked)

	// a fresh login clears the blacklist
	again, err := env.tokens.IssueTokenPair(ctx, u, "login")
	require.NoError(t, err)
	_, err = env.tokens.Rotate(ctx, again.RefreshToken)
	require.NoError(t, err)
}

func TestTokenService_JanitorPurgesExpired(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	live := env.createUser(t, "live@example.com", models.RoleUser, "password123")
	stale := env.createUser(t, "stale@example.com", models.RoleUser, "password123")

	_, err := env.tokens.IssueTokenPair(ctx, live, "login")
	require.NoError(t, err)
	past := time.Now().UTC().Add(-2 * time.Hour)
	require.NoError(t, env.repo.ReplaceRefresh(ctx, &models.RefreshToken{
		UserID:    stale.ID,
		TokenHash: "stale",
		JTI:       uuid.NewString(),
		IssuedAt:  past,
		ExpiresAt: past.Add(time.Hour),
	}))

	janitorCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		env.tokens.RunJanitor(janitorCtx, 10*time.Millisecond)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		_, err := env.repo.FindRefresh(ctx, stale.ID)
		return errors.Is(err, autherr.ErrSessionNotFound)
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done

	_, err = env.repo.FindRefresh(ctx, live.ID)
	require.NoError(t, err)
}
