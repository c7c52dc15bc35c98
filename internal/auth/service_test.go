package auth

import (
	"context"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/officialexam/exam-api/internal/notificacao"
	"github.com/officialexam/exam-api/internal/observability"
	"github.com/officialexam/exam-api/internal/testutil"
	"github.com/officialexam/exam-api/internal/users"
	"github.com/officialexam/exam-api/internal/utils"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// stepClock advances one second per reading so stored timestamps are
// strictly ordered.
type stepClock struct {
	base  time.Time
	ticks atomic.Int64
}

func newStepClock() *stepClock {
	return &stepClock{base: time.Now().UTC().Truncate(time.Second)}
}

func (c *stepClock) Now() time.Time {
	return c.base.Add(time.Duration(c.ticks.Add(1)) * time.Second)
}

func (c *stepClock) Advance(d time.Duration) {
	c.ticks.Add(int64(d / time.Second))
}

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []notificacao.SecurityAlert
}

func (n *recordingNotifier) NotifyBreach(a notificacao.SecurityAlert) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, a)
}

func (n *recordingNotifier) Alerts() []notificacao.SecurityAlert {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notificacao.SecurityAlert(nil), n.alerts...)
}

type serviceFixture struct {
	svc      *Service
	db       *gorm.DB
	codec    *TokenCodec
	clock    *stepClock
	metrics  *observability.Metrics
	notifier *recordingNotifier
}

func newServiceFixture(t *testing.T, maxSessions int) *serviceFixture {
	t.Helper()
	db := testutil.OpenSQLite(t, &users.User{}, &RefreshToken{})

	codec := newTestCodec(t)
	clock := newStepClock()
	codec.now = clock.Now

	f := &serviceFixture{
		db:       db,
		codec:    codec,
		clock:    clock,
		metrics:  observability.NewMetrics(prometheus.NewRegistry()),
		notifier: &recordingNotifier{},
	}
	f.svc = NewService(ServiceConfig{
		DB:                db,
		Codec:             codec,
		MaxActiveSessions: maxSessions,
		Log:               testutil.Discard(),
		Metrics:           f.metrics,
		Notifier:          f.notifier,
	})
	return f
}

func (f *serviceFixture) jti(t *testing.T, refresh string) string {
	t.Helper()
	claims, err := f.codec.VerifyRefresh(refresh)
	require.NoError(t, err)
	return claims.ID
}

func (f *serviceFixture) record(t *testing.T, jti string) RefreshToken {
	t.Helper()
	var rt RefreshToken
	require.NoError(t, f.db.Where("jti = ?", jti).First(&rt).Error)
	return rt
}

func (f *serviceFixture) activeCount(t *testing.T, userID string) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Model(&RefreshToken{}).Where("user_id = ? AND revoked_at IS NULL", userID).Count(&n).Error)
	return n
}

var ctx = context.Background()

func TestService_RegisterStoresHashedPassword(t *testing.T) {
	f := newServiceFixture(t, 10)

	tokens, err := f.svc.Register(ctx, "Alice@Example.com", "pw123", Meta{UserAgent: "go-test", IP: "10.0.0.1"})
	require.NoError(t, err)
	require.NotEmpty(t, tokens.AccessToken)
	require.NotEmpty(t, tokens.RefreshToken)

	var u users.User
	require.NoError(t, f.db.Where("email = ?", "alice@example.com").First(&u).Error)
	assert.NotEqual(t, "pw123", u.Password)
	assert.True(t, utils.CheckPassword(u.Password, "pw123"))
	assert.Equal(t, users.RoleUser, u.Role)

	claims, err := f.codec.VerifyAccess(tokens.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, u.ID, claims.Subject)
	assert.Equal(t, "alice@example.com", claims.Email)

	rt := f.record(t, f.jti(t, tokens.RefreshToken))
	assert.Equal(t, u.ID, rt.UserID)
	assert.Equal(t, HashRefreshToken(tokens.RefreshToken), rt.TokenHash)
	assert.NotEqual(t, tokens.RefreshToken, rt.TokenHash)
	assert.Equal(t, "go-test", rt.UserAgent)
	assert.Equal(t, "10.0.0.1", rt.IP)
	assert.Nil(t, rt.RevokedAt)
}

func TestService_RegisterDuplicateEmail(t *testing.T) {
	f := newServiceFixture(t, 10)

	_, err := f.svc.Register(ctx, "alice@example.com", "pw123", Meta{})
	require.NoError(t, err)

	_, err = f.svc.Register(ctx, "ALICE@example.com ", "other", Meta{})
	assert.ErrorIs(t, err, ErrConflict)

	var n int64
	require.NoError(t, f.db.Model(&users.User{}).Count(&n).Error)
	assert.EqualValues(t, 1, n)
	assert.Equal(t, 1.0, promtest.ToFloat64(f.metrics.AuthOperationsTotal.WithLabelValues("register", observability.OutcomeConflict)))
}

func TestService_RegisterPasswordTooLong(t *testing.T) {
	f := newServiceFixture(t, 10)

	long := make([]byte, 73)
	for i := range long {
		long[i] = 'a'
	}
	_, err := f.svc.Register(ctx, "alice@example.com", string(long), Meta{})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestService_Login(t *testing.T) {
	f := newServiceFixture(t, 10)
	_, err := f.svc.Register(ctx, "alice@example.com", "pw123", Meta{})
	require.NoError(t, err)

	tokens, err := f.svc.Login(ctx, " ALICE@example.com", "pw123", Meta{})
	require.NoError(t, err)
	assert.NotEmpty(t, tokens.AccessToken)

	_, err = f.svc.Login(ctx, "alice@example.com", "wrong", Meta{})
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = f.svc.Login(ctx, "nobody@example.com", "pw123", Meta{})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestService_RefreshRotates(t *testing.T) {
	f := newServiceFixture(t, 10)
	first, err := f.svc.Register(ctx, "alice@example.com", "pw123", Meta{})
	require.NoError(t, err)
	oldJTI := f.jti(t, first.RefreshToken)

	second, err := f.svc.Refresh(ctx, oldJTI, first.RefreshToken, Meta{})
	require.NoError(t, err)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)
	newJTI := f.jti(t, second.RefreshToken)
	assert.NotEqual(t, oldJTI, newJTI)

	old := f.record(t, oldJTI)
	cur := f.record(t, newJTI)
	require.NotNil(t, old.RevokedAt)
	require.NotNil(t, old.ReplacedByTokenID)
	assert.Equal(t, cur.ID, *old.ReplacedByTokenID)
	assert.Nil(t, cur.RevokedAt)
	assert.Nil(t, cur.ReplacedByTokenID)
	assert.EqualValues(t, 1, f.activeCount(t, cur.UserID))

	// the access token reflects the current role, not the one at login
	require.NoError(t, f.db.Model(&users.User{}).Where("id = ?", cur.UserID).Update("role", users.RoleStaff).Error)
	third, err := f.svc.Refresh(ctx, newJTI, second.RefreshToken, Meta{})
	require.NoError(t, err)
	claims, err := f.codec.VerifyAccess(third.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, users.RoleStaff, claims.Role)
}

func TestService_RefreshReuseRevokesEverything(t *testing.T) {
	f := newServiceFixture(t, 10)
	first, err := f.svc.Register(ctx, "alice@example.com", "pw123", Meta{})
	require.NoError(t, err)
	other, err := f.svc.Login(ctx, "alice@example.com", "pw123", Meta{})
	require.NoError(t, err)

	oldJTI := f.jti(t, first.RefreshToken)
	second, err := f.svc.Refresh(ctx, oldJTI, first.RefreshToken, Meta{})
	require.NoError(t, err)

	_, err = f.svc.Refresh(ctx, oldJTI, first.RefreshToken, Meta{IP: "203.0.113.9"})
	assert.ErrorIs(t, err, ErrForbidden)

	userID := f.record(t, oldJTI).UserID
	assert.EqualValues(t, 0, f.activeCount(t, userID))

	_, err = f.svc.Refresh(ctx, f.jti(t, second.RefreshToken), second.RefreshToken, Meta{})
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = f.svc.Refresh(ctx, f.jti(t, other.RefreshToken), other.RefreshToken, Meta{})
	assert.ErrorIs(t, err, ErrForbidden)

	alerts := f.notifier.Alerts()
	require.NotEmpty(t, alerts)
	assert.Equal(t, breachRevokedToken, alerts[0].Reason)
	assert.Equal(t, userID, alerts[0].UserID)
	assert.EqualValues(t, 2, alerts[0].Revoked)
	assert.Equal(t, "203.0.113.9", alerts[0].IP)

	assert.Equal(t, 3.0, promtest.ToFloat64(f.metrics.ReuseDetectionsTotal.WithLabelValues(breachRevokedToken)))
	assert.Equal(t, 2.0, promtest.ToFloat64(f.metrics.RefreshTokensRevoked.WithLabelValues("breach")))
}

func TestService_RefreshHashMismatch(t *testing.T) {
	f := newServiceFixture(t, 10)
	tokens, err := f.svc.Register(ctx, "alice@example.com", "pw123", Meta{})
	require.NoError(t, err)
	jti := f.jti(t, tokens.RefreshToken)

	_, err = f.svc.Refresh(ctx, jti, tokens.RefreshToken+"x", Meta{})
	assert.ErrorIs(t, err, ErrForbidden)

	rt := f.record(t, jti)
	assert.NotNil(t, rt.RevokedAt)
	assert.EqualValues(t, 0, f.activeCount(t, rt.UserID))
	assert.Equal(t, 1.0, promtest.ToFloat64(f.metrics.ReuseDetectionsTotal.WithLabelValues(breachHashMismatch)))
}

func TestService_RefreshUnknownJTI(t *testing.T) {
	f := newServiceFixture(t, 10)
	tokens, err := f.svc.Register(ctx, "alice@example.com", "pw123", Meta{})
	require.NoError(t, err)

	_, err = f.svc.Refresh(ctx, "00000000-0000-0000-0000-000000000000", tokens.RefreshToken, Meta{})
	assert.ErrorIs(t, err, ErrForbidden)

	rt := f.record(t, f.jti(t, tokens.RefreshToken))
	assert.Nil(t, rt.RevokedAt)
}

func TestService_RefreshExpiredRecord(t *testing.T) {
	f := newServiceFixture(t, 10)
	tokens, err := f.svc.Register(ctx, "alice@example.com", "pw123", Meta{})
	require.NoError(t, err)
	jti := f.jti(t, tokens.RefreshToken)

	f.clock.Advance(8 * 24 * time.Hour)
	_, err = f.svc.Refresh(ctx, jti, tokens.RefreshToken, Meta{})
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.NotErrorIs(t, err, ErrForbidden)
	assert.Nil(t, f.record(t, jti).RevokedAt)
}

func TestService_ConcurrentRefreshOneWinner(t *testing.T) {
	f := newServiceFixture(t, 10)
	tokens, err := f.svc.Register(ctx, "alice@example.com", "pw123", Meta{})
	require.NoError(t, err)
	jti := f.jti(t, tokens.RefreshToken)

	const callers = 2
	var (
		wg        sync.WaitGroup
		start     = make(chan struct{})
		errs      = make([]error, callers)
		successes atomic.Int32
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = f.svc.Refresh(ctx, jti, tokens.RefreshToken, Meta{})
			if errs[i] == nil {
				successes.Add(1)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	assert.EqualValues(t, 1, successes.Load())
	forbidden := 0
	for _, err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, ErrForbidden)
			forbidden++
		}
	}
	assert.Equal(t, 1, forbidden)
	assert.EqualValues(t, 0, f.activeCount(t, f.record(t, jti).UserID))
}

func TestService_LogoutIdempotent(t *testing.T) {
	f := newServiceFixture(t, 10)
	tokens, err := f.svc.Register(ctx, "alice@example.com", "pw123", Meta{})
	require.NoError(t, err)
	jti := f.jti(t, tokens.RefreshToken)

	require.NoError(t, f.svc.Logout(ctx, jti))
	revokedAt := f.record(t, jti).RevokedAt
	require.NotNil(t, revokedAt)

	require.NoError(t, f.svc.Logout(ctx, jti))
	assert.True(t, revokedAt.Equal(*f.record(t, jti).RevokedAt))

	require.NoError(t, f.svc.Logout(ctx, "unknown-jti"))
	assert.Equal(t, 1.0, promtest.ToFloat64(f.metrics.RefreshTokensRevoked.WithLabelValues("logout")))

	// a logged-out token presented again is reuse
	_, err = f.svc.Refresh(ctx, jti, tokens.RefreshToken, Meta{})
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestService_Profile(t *testing.T) {
	f := newServiceFixture(t, 10)
	tokens, err := f.svc.Register(ctx, "alice@example.com", "pw123", Meta{})
	require.NoError(t, err)
	claims, err := f.codec.VerifyAccess(tokens.AccessToken)
	require.NoError(t, err)

	p, err := f.svc.Profile(ctx, claims.Subject)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", p.Email)
	assert.Equal(t, users.RoleUser, p.Role)

	_, err = f.svc.Profile(ctx, "00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestService_SessionCap(t *testing.T) {
	f := newServiceFixture(t, 2)
	first, err := f.svc.Register(ctx, "alice@example.com", "pw123", Meta{})
	require.NoError(t, err)
	second, err := f.svc.Login(ctx, "alice@example.com", "pw123", Meta{})
	require.NoError(t, err)
	third, err := f.svc.Login(ctx, "alice@example.com", "pw123", Meta{})
	require.NoError(t, err)

	userID := f.record(t, f.jti(t, first.RefreshToken)).UserID
	assert.EqualValues(t, 2, f.activeCount(t, userID))
	assert.NotNil(t, f.record(t, f.jti(t, first.RefreshToken)).RevokedAt)
	assert.Nil(t, f.record(t, f.jti(t, second.RefreshToken)).RevokedAt)
	assert.Nil(t, f.record(t, f.jti(t, third.RefreshToken)).RevokedAt)
	assert.Equal(t, 1.0, promtest.ToFloat64(f.metrics.RefreshTokensRevoked.WithLabelValues("session_cap")))

	// rotation keeps the lineage count unchanged
	_, err = f.svc.Refresh(ctx, f.jti(t, second.RefreshToken), second.RefreshToken, Meta{})
	require.NoError(t, err)
	assert.EqualValues(t, 2, f.activeCount(t, userID))
	assert.Nil(t, f.record(t, f.jti(t, third.RefreshToken)).RevokedAt)
}

func TestService_SessionCapDisabled(t *testing.T) {
	f := newServiceFixture(t, 0)
	tokens, err := f.svc.Register(ctx, "alice@example.com", "pw123", Meta{})
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		_, err := f.svc.Login(ctx, "alice@example.com", "pw123", Meta{})
		require.NoError(t, err)
	}
	assert.EqualValues(t, 5, f.activeCount(t, f.record(t, f.jti(t, tokens.RefreshToken)).UserID))
}

func TestService_DeletingUserCascades(t *testing.T) {
	f := newServiceFixture(t, 10)
	tokens, err := f.svc.Register(ctx, "alice@example.com", "pw123", Meta{})
	require.NoError(t, err)
	jti := f.jti(t, tokens.RefreshToken)
	userID := f.record(t, jti).UserID

	require.NoError(t, users.NewRepository().Delete(f.db, userID))

	var n int64
	require.NoError(t, f.db.Model(&RefreshToken{}).Where("user_id = ?", userID).Count(&n).Error)
	assert.EqualValues(t, 0, n)

	_, err = f.svc.Refresh(ctx, jti, tokens.RefreshToken, Meta{})
	assert.ErrorIs(t, err, ErrForbidden)
}

// A claim that updates no row means another transaction rotated the token
// between the read and the write. The loser revokes the whole lineage in the
// same transaction instead of minting a second successor.
func TestService_RefreshLostClaimRevokesLineage(t *testing.T) {
	db, mock := newPostgresMock(t)
	codec := newTestCodec(t)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	notifier := &recordingNotifier{}
	svc := NewService(ServiceConfig{
		DB:       db,
		Codec:    codec,
		Log:      testutil.Discard(),
		Metrics:  metrics,
		Notifier: notifier,
	})

	const presented = "presented-refresh-token"
	now := codec.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "refresh_tokens" WHERE jti = $1`)).
		WithArgs("jti-1", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "jti", "user_id", "token_hash", "issued_at", "expires_at",
			"revoked_at", "replaced_by_token_id", "user_agent", "ip",
		}).AddRow(
			"rt-1", "jti-1", "user-1", HashRefreshToken(presented), now.Add(-time.Minute), now.Add(time.Hour),
			nil, nil, "go-test", "10.0.0.1",
		))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "users" WHERE "users"."id" = $1`)).
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "password", "role", "created_at", "updated_at"}).
			AddRow("user-1", "alice@example.com", "hash", string(users.RoleUser), now, now))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "refresh_tokens" SET "revoked_at"=$1 WHERE id = $2 AND revoked_at IS NULL`)).
		WithArgs(sqlmock.AnyArg(), "rt-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "refresh_tokens" SET "revoked_at"=$1 WHERE user_id = $2 AND revoked_at IS NULL`)).
		WithArgs(sqlmock.AnyArg(), "user-1").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	tokens, err := svc.Refresh(ctx, "jti-1", presented, Meta{IP: "10.0.0.2"})
	assert.ErrorIs(t, err, ErrForbidden)
	assert.Nil(t, tokens)
	require.NoError(t, mock.ExpectationsWereMet())

	assert.Equal(t, 1.0, promtest.ToFloat64(metrics.ReuseDetectionsTotal.WithLabelValues(breachLostRace)))
	assert.Equal(t, 2.0, promtest.ToFloat64(metrics.RefreshTokensRevoked.WithLabelValues("breach")))
	assert.Equal(t, 1.0, promtest.ToFloat64(metrics.AuthOperationsTotal.WithLabelValues("refresh", observability.OutcomeForbidden)))

	alerts := notifier.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, breachLostRace, alerts[0].Reason)
	assert.Equal(t, "user-1", alerts[0].UserID)
	assert.EqualValues(t, 2, alerts[0].Revoked)
}
