package resolver

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gatehouse/gatehouse/internal/identity/domain"
	"github.com/gatehouse/gatehouse/internal/identity/repository"
	"github.com/gatehouse/gatehouse/pkg/logger"
)

// MaxCacheTTL bounds how stale a cached resolution may get. Admin
// mutations invalidate eagerly, so the TTL only covers writes that bypass
// this process.
const MaxCacheTTL = 60 * time.Second

// Resolution is a principal's effective access view for one scope: role
// codes, permission keys in "action:resource" form, and the policies that
// apply to authorization decisions in that scope.
type Resolution struct {
	Roles       []string
	Permissions []string
	Policies    []*domain.Policy
}

// HasRole reports whether the resolution carries the role code.
func (r *Resolution) HasRole(code string) bool {
	for _, role := range r.Roles {
		if role == code {
			return true
		}
	}
	return false
}

// HasPermission reports whether the resolution carries the permission key.
func (r *Resolution) HasPermission(key string) bool {
	for _, perm := range r.Permissions {
		if perm == key {
			return true
		}
	}
	return false
}

type cacheEntry struct {
	res       *Resolution
	expiresAt time.Time
}

// Resolver materializes effective grants from the RBAC store and caches
// them per scope key.
type Resolver struct {
	rbac *repository.RBACRepository
	log  *logger.Logger
	ttl  time.Duration

	mu    sync.RWMutex
	cache map[string]*cacheEntry
}

// New creates a resolver with the given cache TTL, clamped to MaxCacheTTL.
func New(rbac *repository.RBACRepository, ttl time.Duration, log *logger.Logger) *Resolver {
	if ttl <= 0 || ttl > MaxCacheTTL {
		ttl = MaxCacheTTL
	}
	return &Resolver{
		rbac:  rbac,
		log:   log,
		ttl:   ttl,
		cache: make(map[string]*cacheEntry),
	}
}

// ForTenant resolves the user's effective view inside one tenant. Tenant
// policies are included alongside policies gating individual role bindings.
func (r *Resolver) ForTenant(ctx context.Context, userID, tenantID string) (*Resolution, error) {
	key := userID + "|t|" + tenantID
	if res := r.cached(key); res != nil {
		return res, nil
	}

	rows, err := r.rbac.GrantsForTenant(ctx, userID, tenantID)
	if err != nil {
		return nil, err
	}
	// No assignment in the tenant means no access view at all. The
	// tenant's own policies must not become candidates for an outsider.
	if len(rows) == 0 {
		res := &Resolution{}
		r.store(key, res)
		return res, nil
	}
	res, err := r.build(ctx, rows, &tenantID)
	if err != nil {
		return nil, err
	}
	r.store(key, res)
	return res, nil
}

// ForLandlord resolves the landlord-anchored view: everything reachable
// through any of the landlord's tenants. No tenant policies apply.
func (r *Resolver) ForLandlord(ctx context.Context, userID, landlordID string) (*Resolution, error) {
	key := userID + "|l|" + landlordID
	if res := r.cached(key); res != nil {
		return res, nil
	}

	rows, err := r.rbac.GrantsForLandlord(ctx, userID, landlordID)
	if err != nil {
		return nil, err
	}
	res, err := r.build(ctx, rows, nil)
	if err != nil {
		return nil, err
	}
	r.store(key, res)
	return res, nil
}

// ForAnyTenant resolves the union view across every tenant the user is
// assigned to. Used on login, before a tenant is chosen.
func (r *Resolver) ForAnyTenant(ctx context.Context, userID string) (*Resolution, error) {
	key := userID + "|*"
	if res := r.cached(key); res != nil {
		return res, nil
	}

	rows, err := r.rbac.GrantsAnyTenant(ctx, userID)
	if err != nil {
		return nil, err
	}
	res, err := r.build(ctx, rows, nil)
	if err != nil {
		return nil, err
	}
	r.store(key, res)
	return res, nil
}

// Invalidate drops the cached view for one (user, tenant) scope plus the
// user's union views. Admin mutation paths call this write-through.
func (r *Resolver) Invalidate(userID, tenantID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, userID+"|t|"+tenantID)
	for key := range r.cache {
		if strings.HasPrefix(key, userID+"|l|") || key == userID+"|*" {
			delete(r.cache, key)
		}
	}
}

// InvalidateUser drops every cached view for the user, across all scopes.
func (r *Resolver) InvalidateUser(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.cache {
		if strings.HasPrefix(key, userID+"|") {
			delete(r.cache, key)
		}
	}
}

// InvalidateAll flushes the whole cache. Used after policy or role-graph
// edits whose blast radius is unknown.
func (r *Resolver) InvalidateAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[string]*cacheEntry)
	r.log.Debug().Msg("resolver cache flushed")
}

func (r *Resolver) cached(key string) *Resolution {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.cache[key]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil
	}
	return entry.res
}

func (r *Resolver) store(key string, res *Resolution) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[key] = &cacheEntry{res: res, expiresAt: time.Now().Add(r.ttl)}
}

// build folds grant rows into a deduplicated resolution and loads the
// policies in scope. tenantID non-nil pulls the tenant's own policies in.
func (r *Resolver) build(ctx context.Context, rows []repository.GrantRow, tenantID *string) (*Resolution, error) {
	roleSet := make(map[string]struct{})
	permSet := make(map[string]struct{})
	policyIDSet := make(map[string]struct{})

	for _, row := range rows {
		if row.RoleCode.Valid {
			roleSet[row.RoleCode.String] = struct{}{}
		}
		if row.Action.Valid && row.Resource.Valid {
			permSet[row.Action.String+":"+row.Resource.String] = struct{}{}
		}
		if row.PolicyID.Valid {
			policyIDSet[row.PolicyID.String] = struct{}{}
		}
	}

	res := &Resolution{
		Roles:       setToSorted(roleSet),
		Permissions: setToSorted(permSet),
	}

	seen := make(map[string]struct{})
	if len(policyIDSet) > 0 {
		ids := make([]string, 0, len(policyIDSet))
		for id := range policyIDSet {
			ids = append(ids, id)
		}
		policies, err := r.rbac.PoliciesByIDs(ctx, ids)
		if err != nil {
			return nil, err
		}
		for _, p := range policies {
			seen[p.ID] = struct{}{}
			res.Policies = append(res.Policies, p)
		}
	}
	if tenantID != nil {
		policies, err := r.rbac.PoliciesForTenant(ctx, *tenantID)
		if err != nil {
			return nil, err
		}
		for _, p := range policies {
			if _, dup := seen[p.ID]; dup {
				continue
			}
			res.Policies = append(res.Policies, p)
		}
	}
	return res, nil
}

func setToSorted(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
