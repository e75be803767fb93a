package resolver

import (
	"context"
	"database/sql/driver"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatehouse/gatehouse/internal/identity/repository"
	"github.com/gatehouse/gatehouse/pkg/database"
	"github.com/gatehouse/gatehouse/pkg/logger"
	"github.com/gatehouse/gatehouse/pkg/testutil"
)

func newResolver(t *testing.T, ttl time.Duration) (*Resolver, *testutil.MockDB) {
	mockDB := testutil.NewMockDB(t)
	rbac := repository.NewRBACRepository(database.WrapExisting(mockDB.DB, logger.Nop()))
	return New(rbac, ttl, logger.Nop()), mockDB
}

func expectGrants(mockDB *testutil.MockDB, rows [][]driver.Value) {
	grantRows := testutil.MockRows("role_code", "action", "resource", "policy_id")
	for _, r := range rows {
		grantRows.AddRow(r...)
	}
	mockDB.ExpectQuery("SELECT r.code AS role_code").WillReturnRows(grantRows)
}

func expectTenantPolicies(mockDB *testutil.MockDB) {
	mockDB.ExpectQuery("FROM policies WHERE tenant_id").
		WillReturnRows(testutil.MockRows(
			"id", "tenant_id", "code", "name", "effect",
			"actions", "resources", "conditions", "created_at"))
}

func TestForTenantDeduplicatesGrants(t *testing.T) {
	r, mockDB := newResolver(t, time.Minute)
	defer mockDB.Close()

	expectGrants(mockDB, [][]driver.Value{
		{"ADMIN", "read", "records", nil},
		{"ADMIN", "write", "records", nil},
		{"AUDITOR", "read", "records", nil},
		{nil, "read", "invoices", nil}, // direct grant, no role
	})
	expectTenantPolicies(mockDB)

	res, err := r.ForTenant(context.Background(), "user-1", "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"ADMIN", "AUDITOR"}, res.Roles)
	assert.Equal(t, []string{"read:invoices", "read:records", "write:records"}, res.Permissions)
	assert.True(t, res.HasRole("ADMIN"))
	assert.False(t, res.HasRole("SUPER_ADMIN"))
	assert.True(t, res.HasPermission("read:invoices"))
	mockDB.ExpectationsWereMet(t)
}

func TestForTenantRoleWithoutPermissions(t *testing.T) {
	r, mockDB := newResolver(t, time.Minute)
	defer mockDB.Close()

	expectGrants(mockDB, [][]driver.Value{
		{"OBSERVER", nil, nil, nil},
	})
	expectTenantPolicies(mockDB)

	res, err := r.ForTenant(context.Background(), "user-1", "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"OBSERVER"}, res.Roles)
	assert.Empty(t, res.Permissions)
	mockDB.ExpectationsWereMet(t)
}

func TestForTenantWithoutAssignmentIsEmpty(t *testing.T) {
	r, mockDB := newResolver(t, time.Minute)
	defer mockDB.Close()

	// No grant rows and, crucially, no tenant-policy round trip: an
	// outsider must not receive the tenant's policies as candidates.
	expectGrants(mockDB, nil)

	res, err := r.ForTenant(context.Background(), "user-9", "tenant-1")
	require.NoError(t, err)
	assert.Empty(t, res.Roles)
	assert.Empty(t, res.Permissions)
	assert.Empty(t, res.Policies)
	mockDB.ExpectationsWereMet(t)
}

func TestCacheServesSecondCall(t *testing.T) {
	r, mockDB := newResolver(t, time.Minute)
	defer mockDB.Close()

	expectGrants(mockDB, [][]driver.Value{{"ADMIN", "read", "records", nil}})
	expectTenantPolicies(mockDB)

	first, err := r.ForTenant(context.Background(), "user-1", "tenant-1")
	require.NoError(t, err)
	second, err := r.ForTenant(context.Background(), "user-1", "tenant-1")
	require.NoError(t, err)
	assert.Same(t, first, second, "second call must come from the cache")

	// Exactly one round trip happened.
	mockDB.ExpectationsWereMet(t)
}

func TestInvalidateForcesReload(t *testing.T) {
	r, mockDB := newResolver(t, time.Minute)
	defer mockDB.Close()

	expectGrants(mockDB, [][]driver.Value{{"ADMIN", "read", "records", nil}})
	expectTenantPolicies(mockDB)
	_, err := r.ForTenant(context.Background(), "user-1", "tenant-1")
	require.NoError(t, err)

	r.Invalidate("user-1", "tenant-1")

	expectGrants(mockDB, [][]driver.Value{{"ADMIN", "read", "records", nil}})
	expectTenantPolicies(mockDB)
	_, err = r.ForTenant(context.Background(), "user-1", "tenant-1")
	require.NoError(t, err)
	mockDB.ExpectationsWereMet(t)
}

func TestTTLClampedToMax(t *testing.T) {
	r, mockDB := newResolver(t, time.Hour)
	defer mockDB.Close()
	assert.Equal(t, MaxCacheTTL, r.ttl)
}

func TestExpiredEntryReloads(t *testing.T) {
	r, mockDB := newResolver(t, time.Minute)
	defer mockDB.Close()

	expectGrants(mockDB, [][]driver.Value{{"ADMIN", "read", "records", nil}})
	expectTenantPolicies(mockDB)
	_, err := r.ForTenant(context.Background(), "user-1", "tenant-1")
	require.NoError(t, err)

	// Age the entry past its TTL by hand.
	r.mu.Lock()
	for _, e := range r.cache {
		e.expiresAt = time.Now().Add(-time.Second)
	}
	r.mu.Unlock()

	expectGrants(mockDB, [][]driver.Value{{"ADMIN", "read", "records", nil}})
	expectTenantPolicies(mockDB)
	_, err = r.ForTenant(context.Background(), "user-1", "tenant-1")
	require.NoError(t, err)
	mockDB.ExpectationsWereMet(t)
}
