package service

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/gatehouse/gatehouse/internal/identity/audit"
	"github.com/gatehouse/gatehouse/internal/identity/hasher"
	"github.com/gatehouse/gatehouse/internal/identity/ratelimit"
	"github.com/gatehouse/gatehouse/internal/identity/repository"
	"github.com/gatehouse/gatehouse/internal/identity/resolver"
	"github.com/gatehouse/gatehouse/internal/identity/token"
	"github.com/gatehouse/gatehouse/pkg/config"
	"github.com/gatehouse/gatehouse/pkg/database"
	"github.com/gatehouse/gatehouse/pkg/errors"
	"github.com/gatehouse/gatehouse/pkg/logger"
	"github.com/gatehouse/gatehouse/pkg/messaging"
	"github.com/gatehouse/gatehouse/pkg/testutil"
)

type serviceFixture struct {
	svc    *AuthService
	tokens *token.Manager
	engine *hasher.Hasher
	mockDB *testutil.MockDB
	events *testutil.MockPublisher
}

var userCols = []string{
	"id", "name", "email", "password_hash", "is_active",
	"verify_token_hash", "email_verified_at", "created_at", "updated_at",
}

func newServiceFixture(t *testing.T) *serviceFixture {
	mockDB := testutil.NewMockDB(t)
	db := database.WrapExisting(mockDB.DB, logger.Nop())

	engine, err := hasher.New(config.HasherConfig{
		MemoryKiB:   config.MinHashMemoryKiB,
		TimeCost:    config.MinHashTimeCost,
		Parallelism: config.MinHashParallel,
		SaltLength:  config.MinHashSaltLength,
		KeyLength:   config.MinHashKeyLength,
	})
	require.NoError(t, err)

	tokens, err := token.NewManager(&config.AuthConfig{
		SigningSecret: "0123456789abcdef0123456789abcdef",
		AccessTTL:     time.Hour,
		RefreshTTL:    24 * time.Hour,
		Issuer:        "gatehouse-test",
	})
	require.NoError(t, err)

	rbac := repository.NewRBACRepository(db)
	events := testutil.NewMockPublisher()
	svc := NewAuthService(
		repository.NewUserRepository(db),
		repository.NewSessionRepository(db),
		repository.NewResetTokenRepository(db),
		hasher.NewPool(engine, 2),
		tokens,
		resolver.New(rbac, time.Minute, logger.Nop()),
		ratelimit.New(false, nil, logger.Nop()),
		audit.New(nil, nil, false, 0, logger.Nop()),
		events,
		15*time.Minute,
		logger.Nop(),
	)
	return &serviceFixture{svc: svc, tokens: tokens, engine: engine, mockDB: mockDB, events: events}
}

func userRow(passwordHash string, active bool) *sqlmock.Rows {
	now := time.Now()
	return testutil.MockRows(userCols...).
		AddRow("user-1", "Alice", "alice@example.com", passwordHash, active, nil, nil, now, now)
}

func (f *serviceFixture) expectOpenSession() {
	f.mockDB.ExpectExec("INSERT INTO sessions").
		WillReturnResult(sqlmock.NewResult(0, 1))
	// Grant resolution for the token claims; no assignments is fine.
	f.mockDB.ExpectQuery("SELECT r.code AS role_code").
		WillReturnRows(testutil.MockRows("role_code", "action", "resource", "policy_id"))
}

func TestLoginSuccess(t *testing.T) {
	f := newServiceFixture(t)
	defer f.mockDB.Close()

	stored, err := f.engine.Hash("Corr3ct!Horse")
	require.NoError(t, err)

	f.mockDB.ExpectQuery("SELECT").WillReturnRows(userRow(stored, true))
	f.expectOpenSession()

	result, err := f.svc.Login(context.Background(), "alice@example.com", "Corr3ct!Horse", "agent", "10.0.0.1")
	require.NoError(t, err)
	assert.NotEmpty(t, result.AccessToken)
	assert.NotEmpty(t, result.RefreshToken)
	assert.Equal(t, "Bearer", result.TokenType)
	assert.Equal(t, 3600, result.ExpiresIn)
	assert.Equal(t, "user-1", result.UserID)

	claims, err := f.tokens.VerifyRefresh(result.RefreshToken)
	require.NoError(t, err)
	assert.NotEmpty(t, claims.Secret, "refresh token must carry the rotation secret")
	f.mockDB.ExpectationsWereMet(t)
}

func TestLoginInactiveUserIsGeneric(t *testing.T) {
	f := newServiceFixture(t)
	defer f.mockDB.Close()

	stored, err := f.engine.Hash("Corr3ct!Horse")
	require.NoError(t, err)

	f.mockDB.ExpectQuery("SELECT").WillReturnRows(userRow(stored, false))

	_, err = f.svc.Login(context.Background(), "alice@example.com", "Corr3ct!Horse", "agent", "10.0.0.1")
	var appErr *errors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, 401, appErr.StatusCode)
	f.mockDB.ExpectationsWereMet(t)
}

func TestLoginUpgradesLegacyHash(t *testing.T) {
	f := newServiceFixture(t)
	defer f.mockDB.Close()

	legacy, err := bcrypt.GenerateFromPassword([]byte("Corr3ct!Horse"), bcrypt.MinCost)
	require.NoError(t, err)

	f.mockDB.ExpectQuery("SELECT").WillReturnRows(userRow("bcrypt$"+string(legacy), true))
	// The just-verified plaintext is re-hashed with the primary algorithm
	// and persisted before the response goes out.
	f.mockDB.ExpectExec("UPDATE users SET password_hash").
		WithArgs(testutil.AnyString{}, "user-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.expectOpenSession()

	result, err := f.svc.Login(context.Background(), "alice@example.com", "Corr3ct!Horse", "agent", "10.0.0.1")
	require.NoError(t, err)
	assert.NotEmpty(t, result.AccessToken)
	f.mockDB.ExpectationsWereMet(t)
}

func TestLoginFailsWhenUpgradeNotPersisted(t *testing.T) {
	f := newServiceFixture(t)
	defer f.mockDB.Close()

	legacy, err := bcrypt.GenerateFromPassword([]byte("Corr3ct!Horse"), bcrypt.MinCost)
	require.NoError(t, err)

	f.mockDB.ExpectQuery("SELECT").WillReturnRows(userRow("bcrypt$"+string(legacy), true))
	f.mockDB.ExpectExec("UPDATE users SET password_hash").
		WithArgs(testutil.AnyString{}, "user-1").
		WillReturnError(sql.ErrConnDone)

	// The stronger hash could not be made durable, so no session opens.
	_, err = f.svc.Login(context.Background(), "alice@example.com", "Corr3ct!Horse", "agent", "10.0.0.1")
	var appErr *errors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, 503, appErr.StatusCode)
	f.mockDB.ExpectationsWereMet(t)
}

func TestLoginCostUniformAcrossFailureModes(t *testing.T) {
	f := newServiceFixture(t)
	defer f.mockDB.Close()

	stored, err := f.engine.Hash("Corr3ct!Horse")
	require.NoError(t, err)

	f.mockDB.ExpectQuery("SELECT").WillReturnRows(userRow(stored, true))
	start := time.Now()
	_, err = f.svc.Login(context.Background(), "alice@example.com", "wrong-password", "agent", "10.0.0.1")
	knownElapsed := time.Since(start)
	require.Error(t, err)

	f.mockDB.ExpectQuery("SELECT").WillReturnError(sql.ErrNoRows)
	start = time.Now()
	_, err = f.svc.Login(context.Background(), "nobody@example.com", "wrong-password", "agent", "10.0.0.1")
	unknownElapsed := time.Since(start)
	require.Error(t, err)

	// Without the decoy verification the unknown-email leg returns in
	// microseconds and betrays account existence by latency alone.
	assert.Greater(t, unknownElapsed, knownElapsed/2,
		"unknown-email rejection must cost a verification")
	f.mockDB.ExpectationsWereMet(t)
}

func TestRefreshRotatesSession(t *testing.T) {
	f := newServiceFixture(t)
	defer f.mockDB.Close()

	secret, err := repository.NewSecret()
	require.NoError(t, err)
	refresh, err := f.tokens.MintRefresh("user-1", "sess-1", secret)
	require.NoError(t, err)

	now := time.Now()
	f.mockDB.ExpectQuery("SELECT id, user_id, refresh_token_hash").
		WillReturnRows(testutil.MockRows(
			"id", "user_id", "refresh_token_hash", "user_agent", "ip_address", "expires_at", "created_at").
			AddRow("sess-1", "user-1", repository.HashRefreshSecret(secret), nil, nil, now.Add(time.Hour), now))
	f.mockDB.ExpectQuery("SELECT").WillReturnRows(userRow("irrelevant-hash", true))
	f.mockDB.ExpectExec("UPDATE sessions").
		WithArgs(testutil.AnyString{}, testutil.AnyTime{}, "sess-1", repository.HashRefreshSecret(secret)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mockDB.ExpectQuery("SELECT r.code AS role_code").
		WillReturnRows(testutil.MockRows("role_code", "action", "resource", "policy_id"))

	result, err := f.svc.Refresh(context.Background(), refresh, "agent", "10.0.0.1")
	require.NoError(t, err)

	newClaims, err := f.tokens.VerifyRefresh(result.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", newClaims.SessionID, "refresh stays bound to the same session")
	assert.NotEqual(t, secret, newClaims.Secret, "the rotation secret must change")
	f.mockDB.ExpectationsWereMet(t)
}

func TestRefreshReplayLosesCAS(t *testing.T) {
	f := newServiceFixture(t)
	defer f.mockDB.Close()

	staleSecret, err := repository.NewSecret()
	require.NoError(t, err)
	replayed, err := f.tokens.MintRefresh("user-1", "sess-1", staleSecret)
	require.NoError(t, err)

	now := time.Now()
	// The session row exists but holds a newer hash; the CAS on the
	// replayed token's stale hash matches zero rows.
	f.mockDB.ExpectQuery("SELECT id, user_id, refresh_token_hash").
		WillReturnRows(testutil.MockRows(
			"id", "user_id", "refresh_token_hash", "user_agent", "ip_address", "expires_at", "created_at").
			AddRow("sess-1", "user-1", "hash-of-a-newer-secret", nil, nil, now.Add(time.Hour), now))
	f.mockDB.ExpectQuery("SELECT").WillReturnRows(userRow("irrelevant-hash", true))
	f.mockDB.ExpectExec("UPDATE sessions").
		WithArgs(testutil.AnyString{}, testutil.AnyTime{}, "sess-1", repository.HashRefreshSecret(staleSecret)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	_, err = f.svc.Refresh(context.Background(), replayed, "agent", "10.0.0.1")
	var appErr *errors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, 401, appErr.StatusCode)
	f.mockDB.ExpectationsWereMet(t)
}

func TestChangePasswordRevokesAllSessions(t *testing.T) {
	f := newServiceFixture(t)
	defer f.mockDB.Close()

	stored, err := f.engine.Hash("Curr3nt!Pass")
	require.NoError(t, err)

	f.mockDB.ExpectQuery("SELECT").WillReturnRows(userRow(stored, true))
	f.mockDB.ExpectExec("UPDATE users SET password_hash").
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mockDB.ExpectExec("UPDATE sessions SET expires_at").
		WithArgs("user-1").
		WillReturnResult(sqlmock.NewResult(0, 3))

	err = f.svc.ChangePassword(context.Background(), "user-1", "Curr3nt!Pass", "N3w!Secret-Pw", "10.0.0.1")
	require.NoError(t, err)
	f.mockDB.ExpectationsWereMet(t)
}

func TestRecoverRequestPublishesEvent(t *testing.T) {
	f := newServiceFixture(t)
	defer f.mockDB.Close()

	f.mockDB.ExpectQuery("SELECT").WillReturnRows(userRow("whatever", true))
	f.mockDB.ExpectExec("INSERT INTO reset_tokens").
		WillReturnResult(sqlmock.NewResult(0, 1))

	f.svc.RecoverRequest(context.Background(), "alice@example.com", "10.0.0.1")
	f.events.AssertEventPublished(t, messaging.EventResetRequested)
	f.mockDB.ExpectationsWereMet(t)
}

func TestResetConfirmRejectsSamePassword(t *testing.T) {
	f := newServiceFixture(t)
	defer f.mockDB.Close()

	stored, err := f.engine.Hash("S4me!Old-Pass")
	require.NoError(t, err)

	f.mockDB.ExpectQuery("UPDATE reset_tokens").
		WillReturnRows(testutil.MockRows("user_id").AddRow("user-1"))
	f.mockDB.ExpectQuery("SELECT").WillReturnRows(userRow(stored, true))

	err = f.svc.ResetConfirm(context.Background(), "the-token", "S4me!Old-Pass", "10.0.0.1")
	var appErr *errors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, 400, appErr.StatusCode)
	f.mockDB.ExpectationsWereMet(t)
}
