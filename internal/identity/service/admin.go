package service

import (
	"context"

	"github.com/gatehouse/gatehouse/internal/identity/audit"
	"github.com/gatehouse/gatehouse/internal/identity/domain"
	"github.com/gatehouse/gatehouse/internal/identity/repository"
	"github.com/gatehouse/gatehouse/internal/identity/resolver"
	"github.com/gatehouse/gatehouse/pkg/errors"
	"github.com/gatehouse/gatehouse/pkg/logger"
)

// AdminService owns the administrative writes to the role/permission/policy
// graph. Every mutation invalidates the resolver cache for the principals it
// touches, so a revoked grant stops resolving on the next read instead of
// riding out the cache TTL.
type AdminService struct {
	rbac     *repository.RBACRepository
	resolver *resolver.Resolver
	audit    *audit.Service
	log      *logger.Logger
}

// NewAdminService creates a new admin service
func NewAdminService(rbac *repository.RBACRepository, res *resolver.Resolver, auditSvc *audit.Service, log *logger.Logger) *AdminService {
	return &AdminService{
		rbac:     rbac,
		resolver: res,
		audit:    auditSvc,
		log:      log.WithComponent("admin"),
	}
}

// AssignRole grants a role to the user inside the tenant.
func (s *AdminService) AssignRole(ctx context.Context, actorID, userID, tenantID, roleID string) error {
	if _, err := s.rbac.GetTenant(ctx, tenantID); err != nil {
		if errors.Is(err, repository.ErrTenantNotFound) {
			return errors.NotFound("tenant")
		}
		return errors.Upstream("assignment store unavailable")
	}
	if err := s.rbac.AssignRole(ctx, userID, tenantID, roleID); err != nil {
		return errors.Upstream("assignment store unavailable")
	}
	s.resolver.Invalidate(userID, tenantID)
	s.recordMutation(ctx, actorID, domain.AuditRoleAssigned, "role", roleID, userID, tenantID)
	return nil
}

// RevokeRole removes a role assignment. Revoking an absent assignment is a
// no-op, not an error.
func (s *AdminService) RevokeRole(ctx context.Context, actorID, userID, tenantID, roleID string) error {
	if err := s.rbac.RevokeRole(ctx, userID, tenantID, roleID); err != nil {
		return errors.Upstream("assignment store unavailable")
	}
	s.resolver.Invalidate(userID, tenantID)
	s.recordMutation(ctx, actorID, domain.AuditRoleRevoked, "role", roleID, userID, tenantID)
	return nil
}

// GrantPermission gives the user a direct permission in the tenant,
// additive with whatever their roles derive.
func (s *AdminService) GrantPermission(ctx context.Context, actorID, userID, tenantID, permissionID string) error {
	if _, err := s.rbac.GetTenant(ctx, tenantID); err != nil {
		if errors.Is(err, repository.ErrTenantNotFound) {
			return errors.NotFound("tenant")
		}
		return errors.Upstream("assignment store unavailable")
	}
	if err := s.rbac.GrantPermission(ctx, userID, tenantID, permissionID); err != nil {
		return errors.Upstream("assignment store unavailable")
	}
	s.resolver.Invalidate(userID, tenantID)
	s.recordMutation(ctx, actorID, domain.AuditPermissionGranted, "permission", permissionID, userID, tenantID)
	return nil
}

// CreateRole creates a landlord-scoped role.
func (s *AdminService) CreateRole(ctx context.Context, code, name, landlordID string, description *string) (*domain.Role, error) {
	role, err := s.rbac.CreateRole(ctx, code, name, landlordID, description)
	if err != nil {
		return nil, errors.Conflict("role already exists")
	}
	return role, nil
}

// CreatePermission creates a landlord-scoped (action, resource) capability.
func (s *AdminService) CreatePermission(ctx context.Context, action, resource, landlordID string) (*domain.Permission, error) {
	perm, err := s.rbac.CreatePermission(ctx, action, resource, landlordID)
	if err != nil {
		return nil, errors.Conflict("permission already exists")
	}
	return perm, nil
}

// BindPermission attaches a permission to a role, optionally gated by a
// policy. The binding changes the grants of every principal holding the
// role; the reverse walk is not worth a query, so the whole cache goes.
func (s *AdminService) BindPermission(ctx context.Context, roleID, permissionID string, policyID *string) error {
	if err := s.rbac.BindPermission(ctx, roleID, permissionID, policyID); err != nil {
		return errors.Upstream("assignment store unavailable")
	}
	s.resolver.InvalidateAll()
	return nil
}

// CreatePolicy stores a tenant-owned policy. Cached resolutions for the
// tenant carry policy snapshots, so the cache goes with it.
func (s *AdminService) CreatePolicy(ctx context.Context, actorID string, p *domain.Policy) (*domain.Policy, error) {
	if p.Effect != domain.EffectAllow && p.Effect != domain.EffectDeny {
		return nil, errors.BadRequest("policy effect must be ALLOW or DENY")
	}
	if _, err := s.rbac.GetTenant(ctx, p.TenantID); err != nil {
		if errors.Is(err, repository.ErrTenantNotFound) {
			return nil, errors.NotFound("tenant")
		}
		return nil, errors.Upstream("policy store unavailable")
	}
	if err := s.rbac.CreatePolicy(ctx, p); err != nil {
		return nil, errors.Conflict("policy code already exists in tenant")
	}
	s.resolver.InvalidateAll()
	s.recordMutation(ctx, actorID, domain.AuditPolicyCreated, "policy", p.ID, "", p.TenantID)
	return p, nil
}

func (s *AdminService) recordMutation(ctx context.Context, actorID, action, resourceType, resourceID, subjectID, tenantID string) {
	detail := "tenant=" + tenantID
	if subjectID != "" {
		detail += " user=" + subjectID
	}
	s.audit.Record(ctx, &domain.AuditEvent{
		ActorID:      &actorID,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   &resourceID,
		Success:      true,
		Details:      detail,
	})
}
