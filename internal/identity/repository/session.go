package repository

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/gatehouse/gatehouse/internal/identity/domain"
	"github.com/gatehouse/gatehouse/pkg/database"
)

// ErrSessionNotFound is returned when no live session matches.
var ErrSessionNotFound = errors.New("session not found")

// ErrRotationConflict is returned when a rotate loses the compare-and-swap
// on the current refresh hash, which means the token was already rotated or
// replayed.
var ErrRotationConflict = errors.New("session rotation conflict")

// SessionRepository persists refresh state. Only the hash of a refresh
// secret is ever stored.
type SessionRepository struct {
	db *database.DB
}

// NewSessionRepository creates a new session repository
func NewSessionRepository(db *database.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// HashRefreshSecret derives the at-rest lookup key from a refresh secret.
func HashRefreshSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// Create stores a new session for the user with the given TTL.
func (r *SessionRepository) Create(ctx context.Context, userID, refreshSecret string, userAgent, ipAddress string, ttl time.Duration) (*domain.Session, error) {
	now := time.Now()
	session := &domain.Session{
		ID:               uuid.New().String(),
		UserID:           userID,
		RefreshTokenHash: HashRefreshSecret(refreshSecret),
		UserAgent:        &userAgent,
		IPAddress:        &ipAddress,
		ExpiresAt:        now.Add(ttl),
		CreatedAt:        now,
	}

	query := `
		INSERT INTO sessions (id, user_id, refresh_token_hash, user_agent, ip_address, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := r.db.ExecContext(ctx, query,
		session.ID,
		session.UserID,
		session.RefreshTokenHash,
		session.UserAgent,
		session.IPAddress,
		session.ExpiresAt,
		session.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	return session, nil
}

// GetByID returns a live session by its ID. Expired rows do not resolve.
func (r *SessionRepository) GetByID(ctx context.Context, id string) (*domain.Session, error) {
	var session domain.Session
	query := `
		SELECT id, user_id, refresh_token_hash, user_agent, ip_address, expires_at, created_at
		FROM sessions
		WHERE id = $1 AND expires_at > NOW()
	`
	if err := r.db.GetContext(ctx, &session, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return &session, nil
}

// GetByRefreshSecret returns the live session matching the secret's hash.
func (r *SessionRepository) GetByRefreshSecret(ctx context.Context, refreshSecret string) (*domain.Session, error) {
	var session domain.Session
	query := `
		SELECT id, user_id, refresh_token_hash, user_agent, ip_address, expires_at, created_at
		FROM sessions
		WHERE refresh_token_hash = $1 AND expires_at > NOW()
	`
	if err := r.db.GetContext(ctx, &session, query, HashRefreshSecret(refreshSecret)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return &session, nil
}

// Rotate swaps the refresh hash and expiry atomically. The compare-and-swap
// on the current hash defeats replay of the old token: a concurrent rotate
// with the same old hash loses and gets ErrRotationConflict.
func (r *SessionRepository) Rotate(ctx context.Context, id, currentRefreshHash, newRefreshSecret string, ttl time.Duration) error {
	query := `
		UPDATE sessions
		SET refresh_token_hash = $1, expires_at = $2
		WHERE id = $3 AND refresh_token_hash = $4 AND expires_at > NOW()
	`
	res, err := r.db.ExecContext(ctx, query,
		HashRefreshSecret(newRefreshSecret),
		time.Now().Add(ttl),
		id,
		currentRefreshHash,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrRotationConflict
	}
	return nil
}

// Revoke moves the session's expiry into the past. Idempotent: revoking a
// dead session is a no-op.
func (r *SessionRepository) Revoke(ctx context.Context, id string) error {
	query := `UPDATE sessions SET expires_at = NOW() - INTERVAL '1 second' WHERE id = $1 AND expires_at > NOW()`
	_, err := r.db.ExecContext(ctx, query, id)
	return err
}

// RevokeAllForUser terminates every live session of the user. Used by the
// password-change and reset flows.
func (r *SessionRepository) RevokeAllForUser(ctx context.Context, userID string) error {
	query := `UPDATE sessions SET expires_at = NOW() - INTERVAL '1 second' WHERE user_id = $1 AND expires_at > NOW()`
	_, err := r.db.ExecContext(ctx, query, userID)
	return err
}

// PurgeExpired deletes dead rows and reports how many went. Lookups filter
// by expiry regardless, so running this lazily is safe.
func (r *SessionRepository) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
