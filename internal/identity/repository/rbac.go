package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/gatehouse/gatehouse/internal/identity/domain"
	"github.com/gatehouse/gatehouse/pkg/database"
)

// ErrTenantNotFound is returned for an unknown or inactive tenant.
var ErrTenantNotFound = errors.New("tenant not found")

// GrantRow is one row of the effective-grant query: a role the user holds
// in the tenant, optionally joined to one permission reachable through it
// and the policy gating that binding. Rows from direct user grants carry a
// NULL role.
type GrantRow struct {
	RoleCode sql.NullString `db:"role_code"`
	Action   sql.NullString `db:"action"`
	Resource sql.NullString `db:"resource"`
	PolicyID sql.NullString `db:"policy_id"`
}

// RBACRepository reads and mutates the role/permission/policy graph.
type RBACRepository struct {
	db *database.DB
}

// NewRBACRepository creates a new RBAC repository
func NewRBACRepository(db *database.DB) *RBACRepository {
	return &RBACRepository{db: db}
}

// GrantsForTenant returns the effective grant rows for (user, tenant) in a
// single query.
func (r *RBACRepository) GrantsForTenant(ctx context.Context, userID, tenantID string) ([]GrantRow, error) {
	query := `
	SELECT r.code AS role_code, p.action, p.resource, rp.policy_id
	FROM user_tenant_roles utr
	JOIN roles r ON r.id = utr.role_id
	LEFT JOIN role_permissions rp ON rp.role_id = r.id
	LEFT JOIN permissions p ON p.id = rp.permission_id
	WHERE utr.user_id = $1 AND utr.tenant_id = $2
	UNION ALL
	SELECT NULL AS role_code, p.action, p.resource, NULL AS policy_id
	FROM user_tenant_permissions utp
	JOIN permissions p ON p.id = utp.permission_id
	WHERE utp.user_id = $1 AND utp.tenant_id = $2
	`
	var rows []GrantRow
	if err := r.db.SelectContext(ctx, &rows, query, userID, tenantID); err != nil {
		return nil, err
	}
	return rows, nil
}

// GrantsForLandlord returns the landlord-anchored view: grant rows
// reachable through any tenant of the landlord. Used only for bootstrap
// role checks when no tenant is in play yet.
func (r *RBACRepository) GrantsForLandlord(ctx context.Context, userID, landlordID string) ([]GrantRow, error) {
	query := `
	SELECT r.code AS role_code, p.action, p.resource, rp.policy_id
	FROM user_tenant_roles utr
	JOIN tenants t ON t.id = utr.tenant_id AND t.landlord_id = $2
	JOIN roles r ON r.id = utr.role_id
	LEFT JOIN role_permissions rp ON rp.role_id = r.id
	LEFT JOIN permissions p ON p.id = rp.permission_id
	WHERE utr.user_id = $1
	UNION ALL
	SELECT NULL AS role_code, p.action, p.resource, NULL AS policy_id
	FROM user_tenant_permissions utp
	JOIN tenants t ON t.id = utp.tenant_id AND t.landlord_id = $2
	JOIN permissions p ON p.id = utp.permission_id
	WHERE utp.user_id = $1
	`
	var rows []GrantRow
	if err := r.db.SelectContext(ctx, &rows, query, userID, landlordID); err != nil {
		return nil, err
	}
	return rows, nil
}

// GrantsAnyTenant returns grant rows across every tenant the user is
// assigned to, regardless of landlord. This backs the first leg of login,
// before a tenant is chosen.
func (r *RBACRepository) GrantsAnyTenant(ctx context.Context, userID string) ([]GrantRow, error) {
	query := `
	SELECT r.code AS role_code, p.action, p.resource, rp.policy_id
	FROM user_tenant_roles utr
	JOIN roles r ON r.id = utr.role_id
	LEFT JOIN role_permissions rp ON rp.role_id = r.id
	LEFT JOIN permissions p ON p.id = rp.permission_id
	WHERE utr.user_id = $1
	UNION ALL
	SELECT NULL AS role_code, p.action, p.resource, NULL AS policy_id
	FROM user_tenant_permissions utp
	JOIN permissions p ON p.id = utp.permission_id
	WHERE utp.user_id = $1
	`
	var rows []GrantRow
	if err := r.db.SelectContext(ctx, &rows, query, userID); err != nil {
		return nil, err
	}
	return rows, nil
}

// policyRow is the storage shape of a policy; actions and resources are
// JSONB arrays.
type policyRow struct {
	ID         string          `db:"id"`
	TenantID   string          `db:"tenant_id"`
	Code       string          `db:"code"`
	Name       string          `db:"name"`
	Effect     string          `db:"effect"`
	Actions    []byte          `db:"actions"`
	Resources  []byte          `db:"resources"`
	Conditions json.RawMessage `db:"conditions"`
	CreatedAt  time.Time       `db:"created_at"`
}

func (row *policyRow) toDomain() (*domain.Policy, error) {
	p := &domain.Policy{
		ID:         row.ID,
		TenantID:   row.TenantID,
		Code:       row.Code,
		Name:       row.Name,
		Effect:     domain.PolicyEffect(row.Effect),
		Conditions: row.Conditions,
		CreatedAt:  row.CreatedAt,
	}
	if err := json.Unmarshal(row.Actions, &p.Actions); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(row.Resources, &p.Resources); err != nil {
		return nil, err
	}
	return p, nil
}

const policyColumns = `id, tenant_id, code, name, effect, actions, resources, conditions, created_at`

// PoliciesByIDs loads the policies referenced by role-permission bindings.
func (r *RBACRepository) PoliciesByIDs(ctx context.Context, ids []string) ([]*domain.Policy, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`SELECT `+policyColumns+` FROM policies WHERE id IN (?)`, ids)
	if err != nil {
		return nil, err
	}
	query = r.db.Rebind(query)

	var rows []policyRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	return rowsToPolicies(rows)
}

// PoliciesForTenant loads every policy owned by the tenant.
func (r *RBACRepository) PoliciesForTenant(ctx context.Context, tenantID string) ([]*domain.Policy, error) {
	var rows []policyRow
	query := `SELECT ` + policyColumns + ` FROM policies WHERE tenant_id = $1`
	if err := r.db.SelectContext(ctx, &rows, query, tenantID); err != nil {
		return nil, err
	}
	return rowsToPolicies(rows)
}

func rowsToPolicies(rows []policyRow) ([]*domain.Policy, error) {
	policies := make([]*domain.Policy, 0, len(rows))
	for i := range rows {
		p, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		policies = append(policies, p)
	}
	return policies, nil
}

// GetTenant returns an active tenant.
func (r *RBACRepository) GetTenant(ctx context.Context, id string) (*domain.Tenant, error) {
	var tenant domain.Tenant
	query := `SELECT id, landlord_id, name, config, is_active, created_at, updated_at FROM tenants WHERE id = $1 AND is_active = TRUE`
	if err := r.db.GetContext(ctx, &tenant, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTenantNotFound
		}
		return nil, err
	}
	return &tenant, nil
}

// Administrative writes. Each caller is responsible for invalidating the
// resolver cache for the touched (user, tenant) pairs.

// AssignRole grants the user a role inside the tenant. The triple is the
// primary key, so re-assignment is a no-op.
func (r *RBACRepository) AssignRole(ctx context.Context, userID, tenantID, roleID string) error {
	query := `
		INSERT INTO user_tenant_roles (user_id, tenant_id, role_id, created_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (user_id, tenant_id, role_id) DO NOTHING
	`
	_, err := r.db.ExecContext(ctx, query, userID, tenantID, roleID)
	return err
}

// RevokeRole removes a role assignment.
func (r *RBACRepository) RevokeRole(ctx context.Context, userID, tenantID, roleID string) error {
	query := `DELETE FROM user_tenant_roles WHERE user_id = $1 AND tenant_id = $2 AND role_id = $3`
	_, err := r.db.ExecContext(ctx, query, userID, tenantID, roleID)
	return err
}

// GrantPermission gives the user a direct permission in the tenant,
// additive with role-derived permissions.
func (r *RBACRepository) GrantPermission(ctx context.Context, userID, tenantID, permissionID string) error {
	query := `
		INSERT INTO user_tenant_permissions (user_id, tenant_id, permission_id, created_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (user_id, tenant_id, permission_id) DO NOTHING
	`
	_, err := r.db.ExecContext(ctx, query, userID, tenantID, permissionID)
	return err
}

// CreateRole creates a landlord-scoped role.
func (r *RBACRepository) CreateRole(ctx context.Context, code, name, landlordID string, description *string) (*domain.Role, error) {
	role := &domain.Role{
		ID:          uuid.New().String(),
		Code:        code,
		Name:        name,
		Description: description,
		LandlordID:  landlordID,
		CreatedAt:   time.Now(),
	}
	query := `
		INSERT INTO roles (id, code, name, description, landlord_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	if _, err := r.db.ExecContext(ctx, query, role.ID, role.Code, role.Name, role.Description, role.LandlordID, role.CreatedAt); err != nil {
		return nil, err
	}
	return role, nil
}

// CreatePermission creates a landlord-scoped (action, resource) capability.
func (r *RBACRepository) CreatePermission(ctx context.Context, action, resource, landlordID string) (*domain.Permission, error) {
	perm := &domain.Permission{
		ID:         uuid.New().String(),
		Action:     action,
		Resource:   resource,
		LandlordID: landlordID,
		CreatedAt:  time.Now(),
	}
	query := `
		INSERT INTO permissions (id, action, resource, landlord_id, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	if _, err := r.db.ExecContext(ctx, query, perm.ID, perm.Action, perm.Resource, perm.LandlordID, perm.CreatedAt); err != nil {
		return nil, err
	}
	return perm, nil
}

// BindPermission attaches a permission to a role, optionally gated by a
// policy that must be satisfied for the grant to take effect.
func (r *RBACRepository) BindPermission(ctx context.Context, roleID, permissionID string, policyID *string) error {
	query := `
		INSERT INTO role_permissions (role_id, permission_id, policy_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (role_id, permission_id) DO UPDATE SET policy_id = EXCLUDED.policy_id
	`
	_, err := r.db.ExecContext(ctx, query, roleID, permissionID, policyID)
	return err
}

// CreatePolicy stores a tenant-owned ABAC policy.
func (r *RBACRepository) CreatePolicy(ctx context.Context, p *domain.Policy) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	actions, err := json.Marshal(p.Actions)
	if err != nil {
		return err
	}
	resources, err := json.Marshal(p.Resources)
	if err != nil {
		return err
	}
	conditions := p.Conditions
	if len(conditions) == 0 {
		conditions = json.RawMessage(`{}`)
	}
	query := `
		INSERT INTO policies (id, tenant_id, code, name, effect, actions, resources, conditions, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
	`
	_, err = r.db.ExecContext(ctx, query, p.ID, p.TenantID, p.Code, p.Name, string(p.Effect), actions, resources, conditions)
	return err
}
