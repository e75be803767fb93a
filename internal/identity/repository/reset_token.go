package repository

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"time"

	"github.com/gatehouse/gatehouse/pkg/database"
)

// ErrResetTokenInvalid covers a missing, expired, or already-consumed token.
// The caller cannot tell which; a reset token is either redeemable or not.
var ErrResetTokenInvalid = errors.New("reset token invalid or already used")

// ResetTokenRepository stores hashes of reset tokens. The cleartext leaves
// the process exactly once, inside the ResetRequested event.
type ResetTokenRepository struct {
	db *database.DB
}

// NewResetTokenRepository creates a new reset token repository
func NewResetTokenRepository(db *database.DB) *ResetTokenRepository {
	return &ResetTokenRepository{db: db}
}

// NewSecret produces a URL-safe random token of at least 32 bytes entropy.
func NewSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func hashSecret(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Issue stores a new token hash for the user and returns the cleartext
// token. Outstanding tokens for the user are superseded.
func (r *ResetTokenRepository) Issue(ctx context.Context, userID string, ttl time.Duration) (string, error) {
	token, err := NewSecret()
	if err != nil {
		return "", err
	}

	query := `
		INSERT INTO reset_tokens (token_hash, user_id, expires_at, created_at)
		VALUES ($1, $2, $3, NOW())
	`
	if _, err := r.db.ExecContext(ctx, query, hashSecret(token), userID, time.Now().Add(ttl)); err != nil {
		return "", err
	}

	return token, nil
}

// Consume redeems a token. The conditional UPDATE makes issued → consumed
// serializable: of any number of concurrent callers exactly one gets the
// user ID, the rest get ErrResetTokenInvalid.
func (r *ResetTokenRepository) Consume(ctx context.Context, token string) (string, error) {
	var userID string
	query := `
		UPDATE reset_tokens
		SET consumed_at = NOW()
		WHERE token_hash = $1 AND consumed_at IS NULL AND expires_at > NOW()
		RETURNING user_id
	`
	if err := r.db.QueryRowxContext(ctx, query, hashSecret(token)).Scan(&userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrResetTokenInvalid
		}
		return "", err
	}
	return userID, nil
}

// PurgeExpired removes stale rows.
func (r *ResetTokenRepository) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM reset_tokens WHERE expires_at <= NOW() OR consumed_at IS NOT NULL`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// HashToken exposes the at-rest form for callers that store verification
// token hashes alongside users.
func HashToken(token string) string {
	return hashSecret(token)
}
