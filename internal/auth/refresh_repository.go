package auth

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RefreshRepository persists refresh token records. Like users.Repository,
// each call runs on the handle it is given.
type RefreshRepository interface {
	Create(db *gorm.DB, t *RefreshToken) error
	// FindByJTI loads the record together with its owner.
	FindByJTI(db *gorm.DB, jti string) (*RefreshToken, error)
	// Claim revokes the record only if it is still unrevoked and reports
	// whether this call did it.
	Claim(db *gorm.DB, id string, at time.Time) (bool, error)
	LinkReplacement(db *gorm.DB, oldID, newID string, at time.Time) error
	RevokeByJTI(db *gorm.DB, jti string, at time.Time) (bool, error)
	RevokeAllForUser(db *gorm.DB, userID string, at time.Time) (int64, error)
	RevokeIDs(db *gorm.DB, ids []string, at time.Time) (int64, error)
	// ListActiveForUser returns active records, oldest first.
	ListActiveForUser(db *gorm.DB, userID string, now time.Time) ([]RefreshToken, error)
}

type refreshRepositoryImpl struct{}

func NewRefreshRepository() RefreshRepository {
	return &refreshRepositoryImpl{}
}

func (r *refreshRepositoryImpl) Create(db *gorm.DB, t *RefreshToken) error {
	if err := db.Omit(clause.Associations).Create(t).Error; err != nil {
		return fmt.Errorf("create refresh token: %w", err)
	}
	return nil
}

func (r *refreshRepositoryImpl) FindByJTI(db *gorm.DB, jti string) (*RefreshToken, error) {
	var t RefreshToken
	err := db.Preload("User").Where("jti = ?", jti).First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRefreshTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find refresh token: %w", err)
	}
	return &t, nil
}

func (r *refreshRepositoryImpl) Claim(db *gorm.DB, id string, at time.Time) (bool, error) {
	res := db.Model(&RefreshToken{}).
		Where("id = ? AND revoked_at IS NULL", id).
		Update("revoked_at", at)
	if res.Error != nil {
		return false, fmt.Errorf("claim refresh token: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (r *refreshRepositoryImpl) LinkReplacement(db *gorm.DB, oldID, newID string, at time.Time) error {
	res := db.Model(&RefreshToken{}).
		Where("id = ?", oldID).
		Updates(map[string]any{"revoked_at": at, "replaced_by_token_id": newID})
	if res.Error != nil {
		return fmt.Errorf("link refresh token: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrRefreshTokenNotFound
	}
	return nil
}

func (r *refreshRepositoryImpl) RevokeByJTI(db *gorm.DB, jti string, at time.Time) (bool, error) {
	res := db.Model(&RefreshToken{}).
		Where("jti = ? AND revoked_at IS NULL", jti).
		Update("revoked_at", at)
	if res.Error != nil {
		return false, fmt.Errorf("revoke refresh token: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (r *refreshRepositoryImpl) RevokeAllForUser(db *gorm.DB, userID string, at time.Time) (int64, error) {
	res := db.Model(&RefreshToken{}).
		Where("user_id = ? AND revoked_at IS NULL", userID).
		Update("revoked_at", at)
	if res.Error != nil {
		return 0, fmt.Errorf("revoke user refresh tokens: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (r *refreshRepositoryImpl) RevokeIDs(db *gorm.DB, ids []string, at time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := db.Model(&RefreshToken{}).
		Where("id IN ? AND revoked_at IS NULL", ids).
		Update("revoked_at", at)
	if res.Error != nil {
		return 0, fmt.Errorf("revoke refresh tokens: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (r *refreshRepositoryImpl) ListActiveForUser(db *gorm.DB, userID string, now time.Time) ([]RefreshToken, error) {
	var out []RefreshToken
	err := db.Where("user_id = ? AND revoked_at IS NULL AND expires_at > ?", userID, now).
		Order("issued_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list refresh tokens: %w", err)
	}
	return out, nil
}
