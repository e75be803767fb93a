package repository

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatehouse/gatehouse/pkg/database"
	"github.com/gatehouse/gatehouse/pkg/logger"
	"github.com/gatehouse/gatehouse/pkg/testutil"
)

func newUserRepo(t *testing.T) (*UserRepository, *testutil.MockDB) {
	mockDB := testutil.NewMockDB(t)
	repo := NewUserRepository(database.WrapExisting(mockDB.DB, logger.Nop()))
	return repo, mockDB
}

func TestUserCreate(t *testing.T) {
	repo, mockDB := newUserRepo(t)
	defer mockDB.Close()

	verifyHash := "deadbeef"
	mockDB.ExpectExec("INSERT INTO users").
		WithArgs(testutil.AnyUUID{}, "Alice", "Alice@Example.com", "hash",
			false, &verifyHash, testutil.AnyTime{}, testutil.AnyTime{}).
		WillReturnResult(sqlmock.NewResult(0, 1))

	user, err := repo.Create(context.Background(), "Alice", "Alice@Example.com", "hash", &verifyHash)
	require.NoError(t, err)
	assert.False(t, user.IsActive, "accounts start inactive")
	mockDB.ExpectationsWereMet(t)
}

func TestUserCreateDuplicateEmail(t *testing.T) {
	repo, mockDB := newUserRepo(t)
	defer mockDB.Close()

	mockDB.ExpectExec("INSERT INTO users").
		WillReturnError(&pq.Error{Code: "23505"})

	_, err := repo.Create(context.Background(), "Alice", "alice@example.com", "hash", nil)
	assert.ErrorIs(t, err, ErrEmailTaken)
	mockDB.ExpectationsWereMet(t)
}

func TestUserGetByEmailNotFound(t *testing.T) {
	repo, mockDB := newUserRepo(t)
	defer mockDB.Close()

	mockDB.ExpectQuery("SELECT").
		WithArgs("nobody@example.com").
		WillReturnRows(testutil.MockRows("id"))

	_, err := repo.GetByEmail(context.Background(), "nobody@example.com")
	assert.ErrorIs(t, err, ErrUserNotFound)
	mockDB.ExpectationsWereMet(t)
}

func TestUserVerifyEmailActivates(t *testing.T) {
	repo, mockDB := newUserRepo(t)
	defer mockDB.Close()

	verifiedAt := time.Now()
	mockDB.ExpectQuery("UPDATE users").
		WithArgs("user-1", "token-hash").
		WillReturnRows(testutil.MockRows("email_verified_at").AddRow(verifiedAt))

	got, err := repo.VerifyEmail(context.Background(), "user-1", "token-hash")
	require.NoError(t, err)
	assert.WithinDuration(t, verifiedAt, got, time.Second)
	mockDB.ExpectationsWereMet(t)
}

func TestUserVerifyEmailWrongToken(t *testing.T) {
	repo, mockDB := newUserRepo(t)
	defer mockDB.Close()

	mockDB.ExpectQuery("UPDATE users").
		WithArgs("user-1", "wrong-hash").
		WillReturnRows(testutil.MockRows("email_verified_at"))

	_, err := repo.VerifyEmail(context.Background(), "user-1", "wrong-hash")
	assert.ErrorIs(t, err, ErrUserNotFound)
	mockDB.ExpectationsWereMet(t)
}
