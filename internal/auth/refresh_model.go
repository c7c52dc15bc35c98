package auth

import (
	"time"

	"github.com/officialexam/exam-api/internal/users"
)

// RefreshToken is one member of a rotation lineage. Only the SHA-256 of the
// issued token is stored.
type RefreshToken struct {
	ID                string     `gorm:"type:uuid;primaryKey"`
	JTI               string     `gorm:"column:jti;type:uuid;not null;uniqueIndex"`
	UserID            string     `gorm:"type:uuid;not null;index"`
	User              users.User `gorm:"constraint:OnDelete:CASCADE"`
	TokenHash         string     `gorm:"size:64;not null"`
	IssuedAt          time.Time  `gorm:"not null"`
	ExpiresAt         time.Time  `gorm:"not null;index"`
	RevokedAt         *time.Time `gorm:"index"`
	ReplacedByTokenID *string    `gorm:"type:uuid"`
	UserAgent         string     `gorm:"size:512"`
	IP                string     `gorm:"size:64"`
}

func (RefreshToken) TableName() string { return "refresh_tokens" }

// Active reports whether the token can still be rotated at now.
func (t *RefreshToken) Active(now time.Time) bool {
	return t.RevokedAt == nil && t.ExpiresAt.After(now)
}
