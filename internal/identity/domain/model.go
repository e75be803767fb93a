package domain

import (
	"encoding/json"
	"time"
)

// Landlord is the top-level isolation boundary. Tenants, roles and
// permissions hang off it.
type Landlord struct {
	ID        string          `json:"id" db:"id"`
	Name      string          `json:"name" db:"name"`
	Config    json.RawMessage `json:"config,omitempty" db:"config"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// SystemLandlordName anchors the global super-admin role.
const SystemLandlordName = "system"

// Tenant belongs to exactly one landlord. Deactivation is soft; rows are
// never removed while referenced by an assignment.
type Tenant struct {
	ID         string          `json:"id" db:"id"`
	LandlordID string          `json:"landlord_id" db:"landlord_id"`
	Name       string          `json:"name" db:"name"`
	Config     json.RawMessage `json:"config,omitempty" db:"config"`
	IsActive   bool            `json:"is_active" db:"is_active"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at" db:"updated_at"`
}

// User is a global principal; tenancy is expressed through assignments.
type User struct {
	ID              string     `json:"id" db:"id"`
	Name            string     `json:"name" db:"name"`
	Email           string     `json:"email" db:"email"`
	PasswordHash    string     `json:"-" db:"password_hash"`
	IsActive        bool       `json:"is_active" db:"is_active"`
	VerifyTokenHash *string    `json:"-" db:"verify_token_hash"`
	EmailVerifiedAt *time.Time `json:"email_verified_at,omitempty" db:"email_verified_at"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at" db:"updated_at"`
}

// Role is landlord-scoped; (code, landlord_id) and (name, landlord_id) are unique.
type Role struct {
	ID          string    `json:"id" db:"id"`
	Code        string    `json:"code" db:"code"`
	Name        string    `json:"name" db:"name"`
	Description *string   `json:"description,omitempty" db:"description"`
	LandlordID  string    `json:"landlord_id" db:"landlord_id"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// SuperAdminRoleCode lives under the system landlord.
const SuperAdminRoleCode = "SUPER_ADMIN"

// Permission is an atomic (action, resource) capability, landlord-scoped.
type Permission struct {
	ID         string    `json:"id" db:"id"`
	Action     string    `json:"action" db:"action"`
	Resource   string    `json:"resource" db:"resource"`
	LandlordID string    `json:"landlord_id" db:"landlord_id"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// Key renders the permission in the "action:resource" claim form.
func (p Permission) Key() string {
	return p.Action + ":" + p.Resource
}

// PolicyEffect is ALLOW or DENY. DENY policies evaluate strictly first.
type PolicyEffect string

const (
	EffectAllow PolicyEffect = "ALLOW"
	EffectDeny  PolicyEffect = "DENY"
)

// Policy is an ABAC rule owned by a tenant. Actions/Resources may contain
// the "*" sentinel; Conditions is the predicate document evaluated against
// the request context.
type Policy struct {
	ID         string          `json:"id" db:"id"`
	TenantID   string          `json:"tenant_id" db:"tenant_id"`
	Code       string          `json:"code" db:"code"`
	Name       string          `json:"name" db:"name"`
	Effect     PolicyEffect    `json:"effect" db:"effect"`
	Actions    []string        `json:"actions" db:"-"`
	Resources  []string        `json:"resources" db:"-"`
	Conditions json.RawMessage `json:"conditions" db:"conditions"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
}

// Matches reports whether the policy's action/resource lists cover the pair,
// honoring the "*" sentinel.
func (p *Policy) Matches(action, resource string) bool {
	return containsOrWild(p.Actions, action) && containsOrWild(p.Resources, resource)
}

func containsOrWild(list []string, v string) bool {
	for _, item := range list {
		if item == "*" || item == v {
			return true
		}
	}
	return false
}

// Session is the live refresh context. Live iff the row exists and
// ExpiresAt is in the future; callers must not cache liveness.
type Session struct {
	ID               string    `json:"id" db:"id"`
	UserID           string    `json:"user_id" db:"user_id"`
	RefreshTokenHash string    `json:"-" db:"refresh_token_hash"`
	UserAgent        *string   `json:"user_agent,omitempty" db:"user_agent"`
	IPAddress        *string   `json:"ip_address,omitempty" db:"ip_address"`
	ExpiresAt        time.Time `json:"expires_at" db:"expires_at"`
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
}

// Live reports session liveness at the given instant.
func (s *Session) Live(now time.Time) bool {
	return s.ExpiresAt.After(now)
}

// ResetToken is stored hashed and consumed exactly once.
type ResetToken struct {
	TokenHash  string     `db:"token_hash"`
	UserID     string     `db:"user_id"`
	ExpiresAt  time.Time  `db:"expires_at"`
	ConsumedAt *time.Time `db:"consumed_at"`
	CreatedAt  time.Time  `db:"created_at"`
}

// AuditEvent is an append-only security journal record.
type AuditEvent struct {
	ID           string    `json:"id" db:"id"`
	ActorID      *string   `json:"actor_id,omitempty" db:"actor_id"`
	SessionID    *string   `json:"session_id,omitempty" db:"session_id"`
	Action       string    `json:"action" db:"action"`
	ResourceType string    `json:"resource_type" db:"resource_type"`
	ResourceID   *string   `json:"resource_id,omitempty" db:"resource_id"`
	Details      string    `json:"details,omitempty" db:"details"`
	IPAddress    *string   `json:"ip_address,omitempty" db:"ip_address"`
	UserAgent    *string   `json:"user_agent,omitempty" db:"user_agent"`
	Success      bool      `json:"success" db:"success"`
	ErrorMessage *string   `json:"error_message,omitempty" db:"error_message"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// Audit action codes emitted by the orchestrator and the gate.
const (
	AuditLoginSuccess       = "LOGIN_SUCCESS"
	AuditLoginFail          = "LOGIN_FAIL"
	AuditLoginBlocked       = "LOGIN_BLOCKED"
	AuditRefreshSuccess     = "REFRESH_SUCCESS"
	AuditRefreshFail        = "REFRESH_FAIL"
	AuditLogout             = "LOGOUT"
	AuditRegister           = "REGISTER"
	AuditPasswordChanged    = "PASSWORD_CHANGED"
	AuditPasswordReset      = "PASSWORD_RESET"
	AuditResetRequested     = "PASSWORD_RESET_REQUESTED"
	AuditEmailVerified      = "EMAIL_VERIFIED"
	AuditAccessDecision     = "ACCESS_DECISION"
	AuditRoleAssigned       = "ROLE_ASSIGNED"
	AuditRoleRevoked        = "ROLE_REVOKED"
	AuditPermissionGranted  = "PERMISSION_GRANTED"
	AuditPolicyCreated      = "POLICY_CREATED"
)
