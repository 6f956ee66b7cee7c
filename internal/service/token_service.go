package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/Skotchmaster/deed_portal/internal/autherr"
	"github.com/Skotchmaster/deed_portal/internal/logging"
	"github.com/Skotchmaster/deed_portal/internal/metrics"
	"github.com/Skotchmaster/deed_portal/internal/models"
	"github.com/Skotchmaster/deed_portal/internal/tokens"
)

type PrincipalStore interface {
	GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error)
}

type RefreshStore interface {
	ReplaceRefresh(ctx context.Context, rec *models.RefreshToken) error
	FindRefresh(ctx context.Context, userID uuid.UUID) (*models.RefreshToken, error)
	SwapRefresh(ctx context.Context, userID uuid.UUID, oldHash string, next *models.RefreshToken) error
	BlacklistRefresh(ctx context.Context, userID uuid.UUID, tokenHash string) error
	DeleteExpiredRefresh(ctx context.Context, before time.Time) (int64, error)
}

type TokenRepo interface {
	PrincipalStore
	RefreshStore
}

type TokenPair struct {
	AccessToken   string
	RefreshToken  string
	AccessExpiry  time.Time
	RefreshExpiry time.Time
	PrincipalID   uuid.UUID
	Role          string
}

type TokenService struct {
	Repo       TokenRepo
	Access     *tokens.Codec
	Refresh    *tokens.Codec
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	Metrics    *metrics.Auth
}

func NewTokenService(repo TokenRepo, access, refresh *tokens.Codec, accessTTL, refreshTTL time.Duration) *TokenService {
	return &TokenService{
		Repo:       repo,
		Access:     access,
		Refresh:    refresh,
		AccessTTL:  accessTTL,
		RefreshTTL: refreshTTL,
	}
}

func (s *TokenService) mint(u *models.User) (*TokenPair, *models.RefreshToken, error) {
	sub := u.ID.String()

	accessToken, accessExp, err := s.Access.Issue(tokens.Claims{
		Role:             u.Role,
		RegisteredClaims: jwt.RegisteredClaims{Subject: sub},
	}, s.AccessTTL)
	if err != nil {
		return nil, nil, err
	}

	jti := tokens.NewJTI()
	refreshToken, refreshExp, err := s.Refresh.Issue(tokens.Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: sub, ID: jti},
	}, s.RefreshTTL)
	if err != nil {
		return nil, nil, err
	}

	pair := &TokenPair{
		AccessToken:   accessToken,
		RefreshToken:  refreshToken,
		AccessExpiry:  accessExp,
		RefreshExpiry: refreshExp,
		PrincipalID:   u.ID,
		Role:          u.Role,
	}
	rec := &models.RefreshToken{
		UserID:    u.ID,
		TokenHash: tokens.Sha256Hex(refreshToken),
		JTI:       jti,
		IssuedAt:  refreshExp.Add(-s.RefreshTTL).UTC(),
		ExpiresAt: refreshExp.UTC(),
	}
	return pair, rec, nil
}

// IssueTokenPair mints a pair and makes its refresh token the principal's only session.
func (s *TokenService) IssueTokenPair(ctx context.Context, u *models.User, reason string) (*TokenPair, error) {
	pair, rec, err := s.mint(u)
	if err != nil {
		return nil, err
	}
	if err := s.Repo.ReplaceRefresh(ctx, rec); err != nil {
		return nil, err
	}
	s.Metrics.TokenIssued(reason)
	return pair, nil
}

// Rotate exchanges a refresh token for a new pair. The presented token is consumed:
// the stored record only moves forward if it still holds that token.
func (s *TokenService) Rotate(ctx context.Context, raw string) (*TokenPair, error) {
	pair, err := s.rotate(ctx, raw)
	s.Metrics.Rotation(err)
	if err != nil {
		l := logging.FromContext(ctx)
		if errors.Is(err, autherr.ErrPersistence) {
			l.Error("refresh_rotation_failed", "err", err)
		} else {
			l.Info("refresh_rotation_rejected", "reason", metrics.Outcome(err))
		}
	}
	return pair, err
}

func (s *TokenService) rotate(ctx context.Context, raw string) (*TokenPair, error) {
	claims, err := s.Refresh.Verify(raw)
	if err != nil {
		return nil, err
	}
	id, err := claims.PrincipalID()
	if err != nil {
		return nil, err
	}

	u, err := s.Repo.GetUserByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !u.CanAuthenticate() {
		return nil, autherr.ErrSessionRevoked
	}

	rec, err := s.Repo.FindRefresh(ctx, id)
	if err != nil {
		return nil, err
	}
	presented := tokens.Sha256Hex(raw)
	if rec.Blacklisted || subtle.ConstantTimeCompare([]byte(presented), []byte(rec.TokenHash)) != 1 {
		return nil, autherr.ErrSessionRevoked
	}

	pair, next, err := s.mint(u)
	if err != nil {
		return nil, err
	}
	if err := s.Repo.SwapRefresh(ctx, id, presented, next); err != nil {
		return nil, err
	}
	return pair, nil
}

// Revoke blacklists the session a refresh token belongs to. Tokens that no longer
// verify or no longer match the stored record have nothing left to revoke.
func (s *TokenService) Revoke(ctx context.Context, raw string) error {
	if raw == "" {
		return nil
	}
	claims, err := s.Refresh.Verify(raw)
	if err != nil {
		return nil
	}
	id, err := claims.PrincipalID()
	if err != nil {
		return nil
	}
	err = s.Repo.BlacklistRefresh(ctx, id, tokens.Sha256Hex(raw))
	if errors.Is(err, autherr.ErrSessionNotFound) {
		return nil
	}
	return err
}

// RevokePrincipal blacklists whatever session the principal holds.
func (s *TokenService) RevokePrincipal(ctx context.Context, id uuid.UUID) error {
	err := s.Repo.BlacklistRefresh(ctx, id, "")
	if errors.Is(err, autherr.ErrSessionNotFound) {
		return nil
	}
	return err
}

// PurgeExpired drops refresh records whose expiry has passed.
func (s *TokenService) PurgeExpired(ctx context.Context) (int64, error) {
	return s.Repo.DeleteExpiredRefresh(ctx, time.Now().UTC())
}

// RunJanitor calls PurgeExpired every interval until ctx is cancelled.
func (s *TokenService) RunJanitor(ctx context.Context, interval time.Duration) {
	l := logging.FromContext(ctx).With("component", "refresh_janitor")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.PurgeExpired(ctx)
			if err != nil {
				if ctx.Err() == nil {
					l.Error("refresh_purge_failed", "err", err)
				}
				continue
			}
			if n > 0 {
				l.Info("refresh_purged", "count", n)
			}
		}
	}
}

func (s *TokenService) VerifyAccess(raw string) (*tokens.Claims, error) {
	return s.Access.Verify(raw)
}
