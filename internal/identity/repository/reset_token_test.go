package repository

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatehouse/gatehouse/pkg/database"
	"github.com/gatehouse/gatehouse/pkg/logger"
	"github.com/gatehouse/gatehouse/pkg/testutil"
)

func newResetRepo(t *testing.T) (*ResetTokenRepository, *testutil.MockDB) {
	mockDB := testutil.NewMockDB(t)
	repo := NewResetTokenRepository(database.WrapExisting(mockDB.DB, logger.Nop()))
	return repo, mockDB
}

func TestResetIssueReturnsCleartextOnce(t *testing.T) {
	repo, mockDB := newResetRepo(t)
	defer mockDB.Close()

	mockDB.ExpectExec("INSERT INTO reset_tokens").
		WithArgs(testutil.AnyString{}, "user-1", testutil.AnyTime{}).
		WillReturnResult(sqlmock.NewResult(0, 1))

	token, err := repo.Issue(context.Background(), "user-1", 15*time.Minute)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	// At least 32 bytes of entropy, URL-safe base64.
	assert.GreaterOrEqual(t, len(token), 43)
	mockDB.ExpectationsWereMet(t)
}

func TestResetConsumeWinner(t *testing.T) {
	repo, mockDB := newResetRepo(t)
	defer mockDB.Close()

	mockDB.ExpectQuery("UPDATE reset_tokens").
		WithArgs(hashSecret("the-token")).
		WillReturnRows(testutil.MockRows("user_id").AddRow("user-1"))

	userID, err := repo.Consume(context.Background(), "the-token")
	require.NoError(t, err)
	assert.Equal(t, "user-1", userID)
	mockDB.ExpectationsWereMet(t)
}

func TestResetConsumeLoser(t *testing.T) {
	repo, mockDB := newResetRepo(t)
	defer mockDB.Close()

	// Consumed, expired, and unknown tokens are indistinguishable: the
	// conditional UPDATE matches nothing.
	mockDB.ExpectQuery("UPDATE reset_tokens").
		WithArgs(hashSecret("the-token")).
		WillReturnRows(testutil.MockRows("user_id"))

	_, err := repo.Consume(context.Background(), "the-token")
	assert.ErrorIs(t, err, ErrResetTokenInvalid)
	mockDB.ExpectationsWereMet(t)
}

func TestNewSecretsAreUnique(t *testing.T) {
	a, err := NewSecret()
	require.NoError(t, err)
	b, err := NewSecret()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}
