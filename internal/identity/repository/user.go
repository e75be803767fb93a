package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/gatehouse/gatehouse/internal/identity/domain"
	"github.com/gatehouse/gatehouse/pkg/database"
)

// ErrUserNotFound is returned when no user matches the lookup.
var ErrUserNotFound = errors.New("user not found")

// ErrEmailTaken is returned on a unique violation of the e-mail index.
var ErrEmailTaken = errors.New("email already registered")

// UserRepository handles user persistence
type UserRepository struct {
	db *database.DB
}

// NewUserRepository creates a new user repository
func NewUserRepository(db *database.DB) *UserRepository {
	return &UserRepository{db: db}
}

const userColumns = `id, name, email, password_hash, is_active, verify_token_hash, email_verified_at, created_at, updated_at`

// Create inserts a new user. Users start inactive until e-mail verification
// or administrative activation.
func (r *UserRepository) Create(ctx context.Context, name, email, passwordHash string, verifyTokenHash *string) (*domain.User, error) {
	now := time.Now()
	user := &domain.User{
		ID:              uuid.New().String(),
		Name:            name,
		Email:           email,
		PasswordHash:    passwordHash,
		IsActive:        false,
		VerifyTokenHash: verifyTokenHash,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	query := `
		INSERT INTO users (id, name, email, password_hash, is_active, verify_token_hash, created_at, updated_at)
		VALUES ($1, $2, LOWER($3), $4, $5, $6, $7, $8)
	`
	_, err := r.db.ExecContext(ctx, query,
		user.ID, user.Name, user.Email, user.PasswordHash, user.IsActive, user.VerifyTokenHash, user.CreatedAt, user.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return nil, ErrEmailTaken
		}
		return nil, err
	}

	return user, nil
}

// GetByEmail looks a user up case-insensitively.
func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	var user domain.User
	query := `SELECT ` + userColumns + ` FROM users WHERE email = LOWER($1)`
	if err := r.db.GetContext(ctx, &user, query, email); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

// GetByID returns a user by ID.
func (r *UserRepository) GetByID(ctx context.Context, id string) (*domain.User, error) {
	var user domain.User
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	if err := r.db.GetContext(ctx, &user, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

// UpdatePasswordHash persists a new password hash.
func (r *UserRepository) UpdatePasswordHash(ctx context.Context, id, passwordHash string) error {
	query := `UPDATE users SET password_hash = $1, updated_at = NOW() WHERE id = $2`
	res, err := r.db.ExecContext(ctx, query, passwordHash, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// VerifyEmail consumes the verification token: it activates the user and
// stamps email_verified_at in one statement. A stale or wrong token matches
// no row.
func (r *UserRepository) VerifyEmail(ctx context.Context, id, verifyTokenHash string) (time.Time, error) {
	var verifiedAt time.Time
	query := `
		UPDATE users
		SET is_active = TRUE, verify_token_hash = NULL, email_verified_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND verify_token_hash = $2 AND email_verified_at IS NULL
		RETURNING email_verified_at
	`
	if err := r.db.QueryRowxContext(ctx, query, id, verifyTokenHash).Scan(&verifiedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, ErrUserNotFound
		}
		return time.Time{}, err
	}
	return verifiedAt, nil
}

// SetActive flips the active flag (administrative activation or
// deactivation).
func (r *UserRepository) SetActive(ctx context.Context, id string, active bool) error {
	query := `UPDATE users SET is_active = $1, updated_at = NOW() WHERE id = $2`
	res, err := r.db.ExecContext(ctx, query, active, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrUserNotFound
	}
	return nil
}
