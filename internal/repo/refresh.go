package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm/clause"

	"github.com/Skotchmaster/deed_portal/internal/autherr"
	"github.com/Skotchmaster/deed_portal/internal/models"
)

// ReplaceRefresh makes rec the principal's only refresh record, clearing any blacklist flag.
func (r *GormRepo) ReplaceRefresh(ctx context.Context, rec *models.RefreshToken) error {
	err := r.DB.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"token_hash", "jti", "blacklisted", "issued_at", "expires_at"}),
		}).
		Create(rec).Error
	return wrap(err, autherr.ErrPersistence, "replace refresh token")
}

func (r *GormRepo) FindRefresh(ctx context.Context, userID uuid.UUID) (*models.RefreshToken, error) {
	var rec models.RefreshToken
	if err := r.DB.WithContext(ctx).Where("user_id = ?", userID).First(&rec).Error; err != nil {
		return nil, wrap(err, autherr.ErrSessionNotFound, "find refresh token")
	}
	return &rec, nil
}

// SwapRefresh replaces the record only while it still holds oldHash and is not blacklisted.
// Losing the race yields ErrSessionRevoked.
func (r *GormRepo) SwapRefresh(ctx context.Context, userID uuid.UUID, oldHash string, next *models.RefreshToken) error {
	res := r.DB.WithContext(ctx).Model(&models.RefreshToken{}).
		Where("user_id = ? AND token_hash = ? AND blacklisted = ?", userID, oldHash, false).
		Updates(map[string]any{
			"token_hash": next.TokenHash,
			"jti":        next.JTI,
			"issued_at":  next.IssuedAt,
			"expires_at": next.ExpiresAt,
		})
	if res.Error != nil {
		return wrap(res.Error, autherr.ErrPersistence, "swap refresh token")
	}
	if res.RowsAffected != 1 {
		return autherr.ErrSessionRevoked
	}
	return nil
}

// BlacklistRefresh revokes the principal's record. tokenHash, when set, must match the stored token.
func (r *GormRepo) BlacklistRefresh(ctx context.Context, userID uuid.UUID, tokenHash string) error {
	q := r.DB.WithContext(ctx).Model(&models.RefreshToken{}).Where("user_id = ?", userID)
	if tokenHash != "" {
		q = q.Where("token_hash = ?", tokenHash)
	}
	res := q.Update("blacklisted", true)
	if res.Error != nil {
		return wrap(res.Error, autherr.ErrPersistence, "blacklist refresh token")
	}
	if res.RowsAffected == 0 {
		return autherr.ErrSessionNotFound
	}
	return nil
}

func (r *GormRepo) DeleteExpiredRefresh(ctx context.Context, before time.Time) (int64, error) {
	res := r.DB.WithContext(ctx).Where("expires_at < ?", before).Delete(&models.RefreshToken{})
	if res.Error != nil {
		return 0, wrap(res.Error, autherr.ErrPersistence, "delete expired refresh tokens")
	}
	return res.RowsAffected, nil
}
