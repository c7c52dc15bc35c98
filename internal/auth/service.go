package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/officialexam/exam-api/internal/notificacao"
	"github.com/officialexam/exam-api/internal/observability"
	"github.com/officialexam/exam-api/internal/users"
	"github.com/officialexam/exam-api/internal/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Tokens is the pair handed to the client after register, login or refresh.
type Tokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// Meta is optional client metadata stored with each refresh token.
type Meta struct {
	UserAgent string
	IP        string
}

// BreachNotifier receives reuse detections after they are committed.
type BreachNotifier interface {
	NotifyBreach(alert notificacao.SecurityAlert)
}

// ServiceConfig carries the collaborators of Service. Metrics and Notifier
// are optional.
type ServiceConfig struct {
	DB                *gorm.DB
	Codec             *TokenCodec
	MaxActiveSessions int
	Log               *logrus.Logger
	Metrics           *observability.Metrics
	Notifier          BreachNotifier
}

// Service implements register, login, refresh rotation with reuse
// detection, logout and profile lookup.
type Service struct {
	db                *gorm.DB
	users             users.Repository
	refreshTokens     RefreshRepository
	codec             *TokenCodec
	maxActiveSessions int
	log               *logrus.Logger
	metrics           *observability.Metrics
	notifier          BreachNotifier
}

func NewService(cfg ServiceConfig) *Service {
	log := cfg.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Service{
		db:                cfg.DB,
		users:             users.NewRepository(),
		refreshTokens:     NewRefreshRepository(),
		codec:             cfg.Codec,
		maxActiveSessions: cfg.MaxActiveSessions,
		log:               log,
		metrics:           cfg.Metrics,
		notifier:          cfg.Notifier,
	}
}

// breach is a reuse detection found inside the rotation transaction and
// reported once it has committed.
type breach struct {
	reason  string
	userID  string
	jti     string
	revoked int64
}

const (
	breachUnknownToken = "unknown_token"
	breachRevokedToken = "revoked_token"
	breachHashMismatch = "hash_mismatch"
	breachLostRace     = "concurrent_rotation"
)

// dummyPasswordHash keeps login timing the same for unknown emails.
var dummyPasswordHash = sync.OnceValue(func() string {
	h, _ := utils.HashPassword("timing-equaliser")
	return h
})

// Register creates a USER account and starts its first token lineage.
func (s *Service) Register(ctx context.Context, email, password string, meta Meta) (*Tokens, error) {
	email = users.NormalizeEmail(email)
	hash, err := utils.HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	var tokens *Tokens
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		_, err := s.users.FindByEmail(tx, email)
		if err == nil {
			return ErrConflict
		}
		if !errors.Is(err, users.ErrNotFound) {
			return err
		}

		user := &users.User{Email: email, Password: hash, Role: users.RoleUser}
		if err := s.users.Create(tx, user); err != nil {
			if errors.Is(err, users.ErrEmailTaken) {
				return ErrConflict
			}
			return err
		}

		tokens, err = s.generateAndSaveTokens(tx, user, meta, "")
		return err
	})
	s.record("register", err)
	if err != nil {
		return nil, err
	}

	s.log.WithField("email", email).Info("user registered")
	return tokens, nil
}

// Login verifies the credentials and starts a new token lineage.
func (s *Service) Login(ctx context.Context, email, password string, meta Meta) (*Tokens, error) {
	tokens, err := s.login(ctx, email, password, meta)
	s.record("login", err)
	return tokens, err
}

func (s *Service) login(ctx context.Context, email, password string, meta Meta) (*Tokens, error) {
	db := s.db.WithContext(ctx)

	user, err := s.users.FindByEmail(db, email)
	if errors.Is(err, users.ErrNotFound) {
		utils.CheckPassword(dummyPasswordHash(), password)
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if !utils.CheckPassword(user.Password, password) {
		return nil, ErrInvalidCredentials
	}

	var tokens *Tokens
	err = db.Transaction(func(tx *gorm.DB) error {
		var err error
		tokens, err = s.generateAndSaveTokens(tx, user, meta, "")
		return err
	})
	if err != nil {
		return nil, err
	}
	return tokens, nil
}

// Refresh rotates the refresh token identified by jti. Presenting a token
// that is unknown, already rotated or whose hash does not match is treated
// as theft: every active token of the owner is revoked in the same
// transaction and ErrForbidden is returned.
func (s *Service) Refresh(ctx context.Context, jti, presented string, meta Meta) (*Tokens, error) {
	var (
		tokens   *Tokens
		detected *breach
	)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.codec.Now()

		current, err := s.refreshTokens.FindByJTI(tx, jti)
		if errors.Is(err, ErrRefreshTokenNotFound) {
			detected = &breach{reason: breachUnknownToken, jti: jti}
			return nil
		}
		if err != nil {
			return err
		}

		revokeLineage := func(reason string) error {
			n, err := s.refreshTokens.RevokeAllForUser(tx, current.UserID, now)
			if err != nil {
				return err
			}
			detected = &breach{reason: reason, userID: current.UserID, jti: jti, revoked: n}
			return nil
		}

		if current.RevokedAt != nil {
			return revokeLineage(breachRevokedToken)
		}
		if !refreshTokenMatches(presented, current.TokenHash) {
			return revokeLineage(breachHashMismatch)
		}
		if !current.ExpiresAt.After(now) {
			return ErrUnauthorized
		}
		if current.User.ID == "" {
			return ErrUnauthorized
		}

		claimed, err := s.refreshTokens.Claim(tx, current.ID, now)
		if err != nil {
			return err
		}
		if !claimed {
			return revokeLineage(breachLostRace)
		}

		tokens, err = s.generateAndSaveTokens(tx, &current.User, meta, current.ID)
		return err
	})
	if err != nil {
		s.record("refresh", err)
		return nil, err
	}
	if detected != nil {
		s.reportBreach(detected, meta)
		s.record("refresh", ErrForbidden)
		return nil, ErrForbidden
	}

	s.record("refresh", nil)
	return tokens, nil
}

// Logout revokes the token identified by jti. Unknown or already revoked
// tokens are not an error.
func (s *Service) Logout(ctx context.Context, jti string) error {
	revoked, err := s.refreshTokens.RevokeByJTI(s.db.WithContext(ctx), jti, s.codec.Now())
	if err != nil {
		s.record("logout", err)
		return err
	}
	if revoked {
		s.metrics.TokensRevoked("logout", 1)
	}
	s.log.WithFields(logrus.Fields{"jti": jti, "revoked": revoked}).Debug("logout")
	s.record("logout", nil)
	return nil
}

// Profile returns the user without the password hash. A missing user is
// reported as ErrUnauthorized so the caller learns nothing about existence.
func (s *Service) Profile(ctx context.Context, userID string) (*users.Profile, error) {
	user, err := s.users.FindByID(s.db.WithContext(ctx), userID)
	if errors.Is(err, users.ErrNotFound) {
		return nil, ErrUnauthorized
	}
	if err != nil {
		return nil, err
	}
	p := user.Profile()
	return &p, nil
}

// generateAndSaveTokens signs a new pair, stores the hashed refresh token
// and, when oldTokenID is set, links the rotated record to the new one. It
// must run inside tx so the insert and the link commit together.
func (s *Service) generateAndSaveTokens(tx *gorm.DB, user *users.User, meta Meta, oldTokenID string) (*Tokens, error) {
	now := s.codec.Now()
	jti := uuid.NewString()

	access, err := s.codec.SignAccess(user.ID, user.Email, user.Role)
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}
	refresh, expiresAt, err := s.codec.SignRefresh(user.ID, jti)
	if err != nil {
		return nil, fmt.Errorf("sign refresh token: %w", err)
	}

	if oldTokenID == "" {
		if err := s.enforceSessionCap(tx, user.ID, now); err != nil {
			return nil, err
		}
	}

	record := &RefreshToken{
		ID:        uuid.NewString(),
		JTI:       jti,
		UserID:    user.ID,
		TokenHash: HashRefreshToken(refresh),
		IssuedAt:  now,
		ExpiresAt: expiresAt,
		UserAgent: truncate(meta.UserAgent, 512),
		IP:        truncate(meta.IP, 64),
	}
	if err := s.refreshTokens.Create(tx, record); err != nil {
		return nil, err
	}

	if oldTokenID != "" {
		if err := s.refreshTokens.LinkReplacement(tx, oldTokenID, record.ID, now); err != nil {
			return nil, err
		}
	}

	return &Tokens{AccessToken: access, RefreshToken: refresh}, nil
}

// enforceSessionCap revokes the oldest lineages so that, with the one about
// to be created, the user holds at most maxActiveSessions active tokens.
func (s *Service) enforceSessionCap(tx *gorm.DB, userID string, now time.Time) error {
	if s.maxActiveSessions <= 0 {
		return nil
	}
	active, err := s.refreshTokens.ListActiveForUser(tx, userID, now)
	if err != nil {
		return err
	}
	excess := len(active) - s.maxActiveSessions + 1
	if excess <= 0 {
		return nil
	}

	ids := make([]string, 0, excess)
	for _, t := range active[:excess] {
		ids = append(ids, t.ID)
	}
	n, err := s.refreshTokens.RevokeIDs(tx, ids, now)
	if err != nil {
		return err
	}
	s.metrics.TokensRevoked("session_cap", n)
	s.log.WithFields(logrus.Fields{"user_id": userID, "revoked": n}).Info("session cap reached, oldest sessions revoked")
	return nil
}

func (s *Service) reportBreach(b *breach, meta Meta) {
	s.metrics.ReuseDetected(b.reason)
	s.metrics.TokensRevoked("breach", b.revoked)
	s.log.WithFields(logrus.Fields{
		"reason":  b.reason,
		"user_id": b.userID,
		"jti":     b.jti,
		"revoked": b.revoked,
		"ip":      meta.IP,
	}).Warn("refresh token reuse detected")

	if s.notifier != nil {
		s.notifier.NotifyBreach(notificacao.SecurityAlert{
			Event:     "refresh_token_reuse",
			Reason:    b.reason,
			UserID:    b.userID,
			JTI:       b.jti,
			Revoked:   b.revoked,
			IP:        meta.IP,
			UserAgent: meta.UserAgent,
			At:        s.codec.Now(),
		})
	}
}

func (s *Service) record(operation string, err error) {
	outcome := observability.OutcomeSuccess
	switch {
	case err == nil:
	case errors.Is(err, ErrConflict):
		outcome = observability.OutcomeConflict
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrValidation):
		outcome = observability.OutcomeDenied
	case errors.Is(err, ErrForbidden):
		outcome = observability.OutcomeForbidden
	default:
		outcome = observability.OutcomeError
		s.log.WithError(err).WithField("operation", operation).Error("auth operation failed")
	}
	s.metrics.AuthOperation(operation, outcome)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
