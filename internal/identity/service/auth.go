package service

import (
	"context"
	"time"

	"github.com/gatehouse/gatehouse/internal/identity/audit"
	"github.com/gatehouse/gatehouse/internal/identity/domain"
	"github.com/gatehouse/gatehouse/internal/identity/hasher"
	"github.com/gatehouse/gatehouse/internal/identity/ratelimit"
	"github.com/gatehouse/gatehouse/internal/identity/repository"
	"github.com/gatehouse/gatehouse/internal/identity/resolver"
	"github.com/gatehouse/gatehouse/internal/identity/token"
	"github.com/gatehouse/gatehouse/pkg/errors"
	"github.com/gatehouse/gatehouse/pkg/logger"
	"github.com/gatehouse/gatehouse/pkg/messaging"
)

// EventPublisher is the slice of messaging.Publisher the orchestrator
// needs. Nil publishers are tolerated; events are then skipped.
type EventPublisher interface {
	Publish(ctx context.Context, eventType string, data interface{}) error
}

// AuthService orchestrates the authentication flows. It holds no mutable
// state of its own; everything durable lives in the repositories.
type AuthService struct {
	users     *repository.UserRepository
	sessions  *repository.SessionRepository
	resets    *repository.ResetTokenRepository
	hasher    *hasher.Pool
	tokens    *token.Manager
	resolver  *resolver.Resolver
	limiter   *ratelimit.Limiter
	audit     *audit.Service
	publisher EventPublisher
	resetTTL  time.Duration
	log       *logger.Logger

	// decoyHash keeps rejected logins on the same cost path as real
	// verifications, whether or not the email resolves to an account.
	decoyHash string
}

// NewAuthService creates a new auth service
func NewAuthService(
	users *repository.UserRepository,
	sessions *repository.SessionRepository,
	resets *repository.ResetTokenRepository,
	pool *hasher.Pool,
	tokens *token.Manager,
	res *resolver.Resolver,
	limiter *ratelimit.Limiter,
	auditSvc *audit.Service,
	publisher EventPublisher,
	resetTTL time.Duration,
	log *logger.Logger,
) *AuthService {
	decoyHash, err := pool.Hash(context.Background(), "n0t-a-real-credential")
	if err != nil {
		log.WithError(err).Warn().Msg("decoy hash unavailable, timing equalization disabled")
	}
	return &AuthService{
		users:     users,
		sessions:  sessions,
		resets:    resets,
		hasher:    pool,
		tokens:    tokens,
		resolver:  res,
		limiter:   limiter,
		audit:     auditSvc,
		publisher: publisher,
		resetTTL:  resetTTL,
		log:       log.WithComponent("auth"),
		decoyHash: decoyHash,
	}
}

// LoginResult is the token bundle returned by login, register and refresh.
type LoginResult struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type"`
	ExpiresIn    int       `json:"expires_in"`
	UserID       string    `json:"user_id"`
	UserName     string    `json:"user_name"`
	UserEmail    string    `json:"user_email"`
	LoginTime    time.Time `json:"login_time"`
}

// ValidateResult reports on an access token without ever failing the call.
type ValidateResult struct {
	Valid       bool       `json:"valid"`
	UserID      string     `json:"user_id,omitempty"`
	Roles       []string   `json:"roles,omitempty"`
	Permissions []string   `json:"permissions,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// Login authenticates email+password and opens a session. Every failure
// between lookup and password check surfaces as the same generic
// credential error.
func (s *AuthService) Login(ctx context.Context, email, password, userAgent, ip string) (*LoginResult, error) {
	if ok, retry := s.limiter.Admit("login:" + email); !ok {
		s.audit.Auth(ctx, domain.AuditLoginBlocked, nil, nil, &ip, &userAgent, false, "rate limited")
		return nil, errors.RateLimited(int(retry.Seconds()))
	}

	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			s.burnVerify(ctx, password)
			s.audit.Auth(ctx, domain.AuditLoginFail, nil, nil, &ip, &userAgent, false, "unknown")
			return nil, errors.InvalidCredentials()
		}
		return nil, errors.Wrap(err, errors.ErrUpstream.Error(), "authentication unavailable", 503)
	}
	if !user.IsActive {
		s.burnVerify(ctx, password)
		s.audit.Auth(ctx, domain.AuditLoginFail, &user.ID, nil, &ip, &userAgent, false, "inactive")
		return nil, errors.InvalidCredentials()
	}

	result, err := s.hasher.Verify(ctx, password, user.PasswordHash)
	if err != nil || !result.Match {
		s.audit.Auth(ctx, domain.AuditLoginFail, &user.ID, nil, &ip, &userAgent, false, "bad-password")
		return nil, errors.InvalidCredentials()
	}
	if result.NeedsUpgrade {
		rehashed, hashErr := s.hasher.Hash(ctx, password)
		if hashErr == nil {
			hashErr = s.users.UpdatePasswordHash(ctx, user.ID, rehashed)
		}
		// The stronger hash must be durable before the login succeeds.
		if hashErr != nil {
			s.log.WithError(hashErr).WithUserID(user.ID).Error().Msg("hash upgrade not persisted")
			return nil, errors.Upstream("authentication unavailable")
		}
	}

	return s.openSession(ctx, user, userAgent, ip, domain.AuditLoginSuccess)
}

// Register creates an inactive account, emits the verification event, and
// returns a token bundle for the fresh session.
func (s *AuthService) Register(ctx context.Context, name, email, password, userAgent, ip string) (*LoginResult, error) {
	if ok, retry := s.limiter.Admit("register:" + ip); !ok {
		return nil, errors.RateLimited(int(retry.Seconds()))
	}
	if appErr := ValidatePassword(password); appErr != nil {
		return nil, appErr
	}

	passwordHash, err := s.hasher.Hash(ctx, password)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrInternal.Error(), "could not process registration", 500)
	}

	verifySecret, err := repository.NewSecret()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrInternal.Error(), "could not process registration", 500)
	}
	verifyHash := repository.HashToken(verifySecret)

	user, err := s.users.Create(ctx, name, email, passwordHash, &verifyHash)
	if err != nil {
		if errors.Is(err, repository.ErrEmailTaken) {
			return nil, errors.Conflict("email already registered")
		}
		return nil, errors.Wrap(err, errors.ErrUpstream.Error(), "registration unavailable", 503)
	}

	if s.publisher != nil {
		event := messaging.UserRegisteredEvent{
			UserID:      user.ID,
			Email:       user.Email,
			Name:        user.Name,
			VerifyToken: verifySecret,
		}
		if pubErr := s.publisher.Publish(ctx, messaging.EventUserRegistered, event); pubErr != nil {
			s.log.WithError(pubErr).WithUserID(user.ID).Warn().Msg("registration event not published")
		}
	}

	s.audit.Auth(ctx, domain.AuditRegister, &user.ID, nil, &ip, &userAgent, true, "")
	return s.openSession(ctx, user, userAgent, ip, "")
}

// Refresh rotates the session behind a refresh token and mints a new token
// pair bound to the same session.
func (s *AuthService) Refresh(ctx context.Context, refreshToken, userAgent, ip string) (*LoginResult, error) {
	claims, err := s.tokens.VerifyRefresh(refreshToken)
	if err != nil {
		s.audit.Auth(ctx, domain.AuditRefreshFail, nil, nil, &ip, &userAgent, false, err.Error())
		return nil, errors.TokenInvalid()
	}

	if ok, retry := s.limiter.Admit("refresh:" + claims.Subject); !ok {
		return nil, errors.RateLimited(int(retry.Seconds()))
	}

	session, err := s.sessions.GetByID(ctx, claims.SessionID)
	if err != nil {
		s.audit.Auth(ctx, domain.AuditRefreshFail, &claims.Subject, &claims.SessionID, &ip, &userAgent, false, "no-session")
		return nil, errors.TokenInvalid()
	}

	user, err := s.users.GetByID(ctx, claims.Subject)
	if err != nil || !user.IsActive {
		s.audit.Auth(ctx, domain.AuditRefreshFail, &claims.Subject, &session.ID, &ip, &userAgent, false, "inactive")
		return nil, errors.TokenInvalid()
	}

	newSecret, err := repository.NewSecret()
	if err != nil {
		return nil, errors.Internal("could not refresh session")
	}
	// CAS on the hash carried by the presented token. A token minted
	// before an earlier rotation carries a stale secret and loses here.
	presentedHash := repository.HashRefreshSecret(claims.Secret)
	if err := s.sessions.Rotate(ctx, session.ID, presentedHash, newSecret, s.tokens.RefreshTTL()); err != nil {
		reason := "rotation failed"
		if errors.Is(err, repository.ErrRotationConflict) {
			reason = "replay"
		}
		s.audit.Auth(ctx, domain.AuditRefreshFail, &user.ID, &session.ID, &ip, &userAgent, false, reason)
		return nil, errors.TokenInvalid()
	}

	res, err := s.resolver.ForAnyTenant(ctx, user.ID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrUpstream.Error(), "authorization unavailable", 503)
	}

	access, err := s.tokens.MintAccess(user.ID, session.ID, "", res.Roles, res.Permissions)
	if err != nil {
		return nil, errors.Internal("could not mint token")
	}
	refresh, err := s.mintRefreshFor(user.ID, session.ID, newSecret)
	if err != nil {
		return nil, errors.Internal("could not mint token")
	}

	s.audit.Auth(ctx, domain.AuditRefreshSuccess, &user.ID, &session.ID, &ip, &userAgent, true, "")
	return s.tokenBundle(user, access, refresh), nil
}

// Logout revokes the session named by the token. Expired tokens are
// accepted as long as the signature checks out; revocation is idempotent.
func (s *AuthService) Logout(ctx context.Context, tokenString, ip string) error {
	sessionID, userID, err := s.tokens.ExtractSessionID(tokenString)
	if err != nil {
		return errors.BadRequest("unrecognized token")
	}
	if err := s.sessions.Revoke(ctx, sessionID); err != nil {
		return errors.Wrap(err, errors.ErrUpstream.Error(), "logout unavailable", 503)
	}
	s.audit.Auth(ctx, domain.AuditLogout, &userID, &sessionID, &ip, nil, true, "")
	return nil
}

// Validate inspects an access token. It never errors; an unusable token
// yields Valid=false.
func (s *AuthService) Validate(tokenString string) *ValidateResult {
	claims, err := s.tokens.VerifyAccess(tokenString)
	if err != nil {
		return &ValidateResult{Valid: false}
	}
	expires := claims.ExpiresAt.Time
	return &ValidateResult{
		Valid:       true,
		UserID:      claims.Subject,
		Roles:       claims.Roles,
		Permissions: claims.Permissions,
		ExpiresAt:   &expires,
	}
}

// ChangePassword verifies the current password, persists the new hash and
// revokes every session of the user.
func (s *AuthService) ChangePassword(ctx context.Context, userID, currentPassword, newPassword, ip string) error {
	if appErr := ValidatePassword(newPassword); appErr != nil {
		return appErr
	}

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return errors.InvalidCredentials()
	}

	result, err := s.hasher.Verify(ctx, currentPassword, user.PasswordHash)
	if err != nil || !result.Match {
		return errors.InvalidCredentials()
	}

	newHash, err := s.hasher.Hash(ctx, newPassword)
	if err != nil {
		return errors.Internal("could not update password")
	}
	if err := s.users.UpdatePasswordHash(ctx, userID, newHash); err != nil {
		return errors.Wrap(err, errors.ErrUpstream.Error(), "password update unavailable", 503)
	}
	if err := s.sessions.RevokeAllForUser(ctx, userID); err != nil {
		s.log.WithError(err).WithUserID(userID).Error().Msg("session fan-out revoke failed after password change")
	}

	s.audit.Auth(ctx, domain.AuditPasswordChanged, &userID, nil, &ip, nil, true, "")
	return nil
}

// RecoverRequest starts the reset flow. The caller always gets success; a
// token is issued and published only when the account exists and is active.
func (s *AuthService) RecoverRequest(ctx context.Context, email, ip string) {
	if ok, _ := s.limiter.Admit("reset:" + email); !ok {
		return
	}

	user, err := s.users.GetByEmail(ctx, email)
	if err != nil || !user.IsActive {
		return
	}

	secret, err := s.resets.Issue(ctx, user.ID, s.resetTTL)
	if err != nil {
		s.log.WithError(err).WithUserID(user.ID).Error().Msg("reset token issue failed")
		return
	}

	if s.publisher != nil {
		event := messaging.ResetRequestedEvent{
			UserID:     user.ID,
			Email:      user.Email,
			ResetToken: secret,
			ExpiresAt:  time.Now().Add(s.resetTTL),
		}
		if pubErr := s.publisher.Publish(ctx, messaging.EventResetRequested, event); pubErr != nil {
			s.log.WithError(pubErr).WithUserID(user.ID).Error().Msg("reset event not published")
		}
	}

	s.audit.Auth(ctx, domain.AuditResetRequested, &user.ID, nil, &ip, nil, true, "")
}

// ResetConfirm consumes a reset token, installs the new password and
// revokes all sessions. The consume step is the single-winner gate.
func (s *AuthService) ResetConfirm(ctx context.Context, resetToken, newPassword, ip string) error {
	if appErr := ValidatePassword(newPassword); appErr != nil {
		return appErr
	}

	userID, err := s.resets.Consume(ctx, resetToken)
	if err != nil {
		if errors.Is(err, repository.ErrResetTokenInvalid) {
			return errors.BadRequest("reset token invalid, expired or already used")
		}
		return errors.Wrap(err, errors.ErrUpstream.Error(), "reset unavailable", 503)
	}

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return errors.Wrap(err, errors.ErrUpstream.Error(), "reset unavailable", 503)
	}

	if result, verr := s.hasher.Verify(ctx, newPassword, user.PasswordHash); verr == nil && result.Match {
		return errors.BadRequest("new password must differ from the current password")
	}

	newHash, err := s.hasher.Hash(ctx, newPassword)
	if err != nil {
		return errors.Internal("could not update password")
	}
	if err := s.users.UpdatePasswordHash(ctx, userID, newHash); err != nil {
		return errors.Wrap(err, errors.ErrUpstream.Error(), "reset unavailable", 503)
	}
	if err := s.sessions.RevokeAllForUser(ctx, userID); err != nil {
		s.log.WithError(err).WithUserID(userID).Error().Msg("session fan-out revoke failed after reset")
	}

	s.audit.Auth(ctx, domain.AuditPasswordReset, &userID, nil, &ip, nil, true, "")
	return nil
}

// VerifyEmail consumes the verification token sent at registration and
// activates the account.
func (s *AuthService) VerifyEmail(ctx context.Context, userID, verifyToken string) (time.Time, error) {
	verifiedAt, err := s.users.VerifyEmail(ctx, userID, repository.HashToken(verifyToken))
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return time.Time{}, errors.BadRequest("verification token invalid or expired")
		}
		return time.Time{}, errors.Wrap(err, errors.ErrUpstream.Error(), "verification unavailable", 503)
	}

	if s.publisher != nil {
		event := messaging.EmailVerifiedEvent{UserID: userID, VerifiedAt: verifiedAt}
		if pubErr := s.publisher.Publish(ctx, messaging.EventEmailVerified, event); pubErr != nil {
			s.log.WithError(pubErr).WithUserID(userID).Warn().Msg("verification event not published")
		}
	}

	s.audit.Auth(ctx, domain.AuditEmailVerified, &userID, nil, nil, nil, true, "")
	return verifiedAt, nil
}

// burnVerify runs a verification against the decoy hash so rejected logins
// cost the same whether or not the account exists.
func (s *AuthService) burnVerify(ctx context.Context, password string) {
	if s.decoyHash == "" {
		return
	}
	_, _ = s.hasher.Verify(ctx, password, s.decoyHash)
}

// openSession creates a session for the user, resolves the access view and
// mints the token pair.
func (s *AuthService) openSession(ctx context.Context, user *domain.User, userAgent, ip, auditAction string) (*LoginResult, error) {
	refreshSecret, err := repository.NewSecret()
	if err != nil {
		return nil, errors.Internal("could not open session")
	}

	session, err := s.sessions.Create(ctx, user.ID, refreshSecret, userAgent, ip, s.tokens.RefreshTTL())
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrUpstream.Error(), "session store unavailable", 503)
	}

	res, err := s.resolver.ForAnyTenant(ctx, user.ID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrUpstream.Error(), "authorization unavailable", 503)
	}

	access, err := s.tokens.MintAccess(user.ID, session.ID, "", res.Roles, res.Permissions)
	if err != nil {
		return nil, errors.Internal("could not mint token")
	}
	refresh, err := s.mintRefreshFor(user.ID, session.ID, refreshSecret)
	if err != nil {
		return nil, errors.Internal("could not mint token")
	}

	if auditAction != "" {
		s.audit.Auth(ctx, auditAction, &user.ID, &session.ID, &ip, &userAgent, true, "")
	}
	return s.tokenBundle(user, access, refresh), nil
}

// mintRefreshFor binds the opaque refresh secret to a signed refresh
// token. The client presents the signed form; the store only ever sees the
// secret's hash.
func (s *AuthService) mintRefreshFor(userID, sessionID, secret string) (string, error) {
	return s.tokens.MintRefresh(userID, sessionID, secret)
}

func (s *AuthService) tokenBundle(user *domain.User, access, refresh string) *LoginResult {
	return &LoginResult{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresIn:    int(s.tokens.AccessTTL().Seconds()),
		UserID:       user.ID,
		UserName:     user.Name,
		UserEmail:    user.Email,
		LoginTime:    time.Now(),
	}
}
