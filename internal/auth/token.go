package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/officialexam/exam-api/internal/config"
	"github.com/officialexam/exam-api/internal/users"
)

// AccessClaims is the payload of an access token: {sub, email, role}.
type AccessClaims struct {
	Email string     `json:"email"`
	Role  users.Role `json:"role"`
	jwt.RegisteredClaims
}

// RefreshClaims is the payload of a refresh token: {sub, jti} only, so a
// rotated token never carries stale authorization data.
type RefreshClaims struct {
	jwt.RegisteredClaims
}

// TokenCodec signs and verifies both token categories with separate secrets.
type TokenCodec struct {
	accessSecret  []byte
	refreshSecret []byte
	accessTTL     time.Duration
	refreshTTL    time.Duration
	now           func() time.Time
}

func NewTokenCodec(cfg config.JWT) (*TokenCodec, error) {
	if len(cfg.AccessSecret) == 0 || len(cfg.RefreshSecret) == 0 {
		return nil, errors.New("token secrets must not be empty")
	}
	if subtle.ConstantTimeCompare(cfg.AccessSecret, cfg.RefreshSecret) == 1 {
		return nil, errors.New("access and refresh secrets must differ")
	}
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 {
		return nil, errors.New("token TTLs must be positive")
	}
	return &TokenCodec{
		accessSecret:  cfg.AccessSecret,
		refreshSecret: cfg.RefreshSecret,
		accessTTL:     cfg.AccessTTL,
		refreshTTL:    cfg.RefreshTTL,
		now:           func() time.Time { return time.Now().UTC() },
	}, nil
}

// Now is the codec's clock; the engine stamps records with it too.
func (c *TokenCodec) Now() time.Time { return c.now() }

func (c *TokenCodec) AccessTTL() time.Duration { return c.accessTTL }

// SignAccess issues an access token for the user.
func (c *TokenCodec) SignAccess(subject, email string, role users.Role) (string, error) {
	now := c.now()
	claims := &AccessClaims{
		Email: email,
		Role:  role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.accessTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.accessSecret)
}

// SignRefresh issues a refresh token and returns its expiry, which the
// stored record mirrors.
func (c *TokenCodec) SignRefresh(subject, jti string) (string, time.Time, error) {
	now := c.now()
	expiresAt := now.Add(c.refreshTTL)
	claims := &RefreshClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.refreshSecret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// VerifyAccess returns the claims of a valid access token or ErrInvalidToken.
func (c *TokenCodec) VerifyAccess(raw string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	if err := c.parse(raw, claims, c.accessSecret); err != nil {
		return nil, err
	}
	if claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// VerifyRefresh returns the claims of a valid refresh token or ErrInvalidToken.
func (c *TokenCodec) VerifyRefresh(raw string) (*RefreshClaims, error) {
	claims := &RefreshClaims{}
	if err := c.parse(raw, claims, c.refreshSecret); err != nil {
		return nil, err
	}
	if claims.Subject == "" || claims.ID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (c *TokenCodec) parse(raw string, claims jwt.Claims, secret []byte) error {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)
	tok, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return secret, nil
	})
	if err != nil || !tok.Valid {
		return ErrInvalidToken
	}
	return nil
}

// HashRefreshToken is the stored form of a refresh token.
func HashRefreshToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func refreshTokenMatches(raw, storedHash string) bool {
	return subtle.ConstantTimeCompare([]byte(HashRefreshToken(raw)), []byte(storedHash)) == 1
}
