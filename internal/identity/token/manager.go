// Package token mints and verifies the HMAC-signed bearer credentials. An
// access token carries the resolved roles and permissions and is trusted
// within its TTL; a refresh token carries only the session binding.
package token

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/gatehouse/gatehouse/pkg/config"
)

// Typed verification failures.
var (
	ErrExpired      = errors.New("token expired")
	ErrBadSignature = errors.New("token signature invalid")
	ErrMalformed    = errors.New("token malformed")
	ErrWrongType    = errors.New("wrong token type")
)

// Token type claim values.
const (
	TypeAccess  = "access"
	TypeRefresh = "refresh"
)

// NotBeforeSkew is the clock-skew allowance on the not-before check.
// Expiry gets no allowance.
const NotBeforeSkew = 30 * time.Second

// AccessClaims is the claim set of an access token. The gate trusts it for
// the token's lifetime instead of re-resolving roles per request.
type AccessClaims struct {
	jwt.RegisteredClaims
	SessionID   string   `json:"session_id"`
	TenantID    string   `json:"tenant_id,omitempty"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	MFAPresent  bool     `json:"mfa_present,omitempty"`
	TokenType   string   `json:"token_type"`
}

// RefreshClaims is the claim set of a refresh token. Secret is the opaque
// rotation secret whose hash the session store holds; it travels only
// inside the signed token.
type RefreshClaims struct {
	jwt.RegisteredClaims
	SessionID string `json:"session_id"`
	Secret    string `json:"secret"`
	TokenType string `json:"token_type"`
}

// Manager handles signing and verification with the process-wide secret.
type Manager struct {
	secret []byte
	cfg    *config.AuthConfig
}

// NewManager creates a token manager. The secret length is enforced at boot
// by config validation; this re-checks the invariant.
func NewManager(cfg *config.AuthConfig) (*Manager, error) {
	if len(cfg.SigningSecret) < config.MinSigningSecretBytes {
		return nil, errors.New("signing secret below minimum length")
	}
	return &Manager{secret: []byte(cfg.SigningSecret), cfg: cfg}, nil
}

// MintAccess signs an access token for the user and session with the
// resolved role and permission sets.
func (m *Manager) MintAccess(userID, sessionID, tenantID string, roles, permissions []string) (string, error) {
	now := time.Now()
	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.cfg.Issuer,
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(m.cfg.AccessTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now.Add(-NotBeforeSkew)),
			ID:        uuid.New().String(),
		},
		SessionID:   sessionID,
		TenantID:    tenantID,
		Roles:       roles,
		Permissions: permissions,
		TokenType:   TypeAccess,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// MintRefresh signs a refresh token bound to the session and carrying the
// rotation secret. A rotated-away secret makes older refresh tokens fail
// the store's compare-and-swap even though their signatures still verify.
func (m *Manager) MintRefresh(userID, sessionID, secret string) (string, error) {
	now := time.Now()
	claims := RefreshClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.cfg.Issuer,
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(m.cfg.RefreshTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now.Add(-NotBeforeSkew)),
			ID:        uuid.New().String(),
		},
		SessionID: sessionID,
		Secret:    secret,
		TokenType: TypeRefresh,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// VerifyAccess parses and verifies an access token: signature, expiry, type.
func (m *Manager) VerifyAccess(tokenString string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	if err := m.verify(tokenString, claims); err != nil {
		return nil, err
	}
	if claims.TokenType != TypeAccess {
		return nil, ErrWrongType
	}
	return claims, nil
}

// VerifyRefresh parses and verifies a refresh token.
func (m *Manager) VerifyRefresh(tokenString string) (*RefreshClaims, error) {
	claims := &RefreshClaims{}
	if err := m.verify(tokenString, claims); err != nil {
		return nil, err
	}
	if claims.TokenType != TypeRefresh {
		return nil, ErrWrongType
	}
	return claims, nil
}

// ExtractSessionID recovers the session binding from a token even when it
// has expired. The signature is still required; logout uses this.
func (m *Manager) ExtractSessionID(tokenString string) (sessionID, userID string, err error) {
	claims := &AccessClaims{}
	verr := m.verify(tokenString, claims)
	if verr != nil && !errors.Is(verr, ErrExpired) {
		return "", "", verr
	}
	if claims.SessionID == "" {
		return "", "", ErrMalformed
	}
	return claims.SessionID, claims.Subject, nil
}

func (m *Manager) verify(tokenString string, claims jwt.Claims) error {
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrBadSignature
		}
		return m.secret, nil
	})
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return ErrExpired
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return ErrBadSignature
		default:
			return ErrMalformed
		}
	}
	if !token.Valid {
		return ErrMalformed
	}
	return nil
}

// AccessTTL returns the configured access-token lifetime.
func (m *Manager) AccessTTL() time.Duration {
	return m.cfg.AccessTTL
}

// RefreshTTL returns the configured refresh-token lifetime.
func (m *Manager) RefreshTTL() time.Duration {
	return m.cfg.RefreshTTL
}
