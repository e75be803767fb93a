package policy

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/gatehouse/gatehouse/internal/identity/domain"
)

func allowPolicy(code string, actions, resources []string, conditions string) *domain.Policy {
	return &domain.Policy{
		Code:       code,
		Effect:     domain.EffectAllow,
		Actions:    actions,
		Resources:  resources,
		Conditions: json.RawMessage(conditions),
	}
}

func denyPolicy(code string, actions, resources []string, conditions string) *domain.Policy {
	p := allowPolicy(code, actions, resources, conditions)
	p.Effect = domain.EffectDeny
	return p
}

func baseContext() RequestContext {
	return RequestContext{
		"client_ip":   "10.1.2.3",
		"timestamp":   time.Date(2026, 3, 4, 10, 30, 0, 0, time.UTC), // a Wednesday
		"tenant_id":   "tenant-1",
		"user_id":     "user-1",
		"mfa_present": true,
	}
}

func TestNoMatchingPolicyDenies(t *testing.T) {
	d := Evaluate(baseContext(), "read", "records", nil)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonNoMatchingPolicy, d.Reason)
}

func TestEmptyConditionsAllow(t *testing.T) {
	policies := []*domain.Policy{
		allowPolicy("open-door", []string{"read"}, []string{"records"}, `{}`),
	}
	d := Evaluate(baseContext(), "read", "records", policies)
	assert.True(t, d.Allowed)
	assert.Equal(t, "open-door", d.PolicyCode)
}

func TestDenyBeatsAllow(t *testing.T) {
	policies := []*domain.Policy{
		allowPolicy("open-door", []string{"*"}, []string{"*"}, `{}`),
		denyPolicy("lockdown", []string{"*"}, []string{"*"}, `{}`),
	}
	d := Evaluate(baseContext(), "read", "records", policies)
	assert.False(t, d.Allowed)
	assert.Equal(t, "lockdown", d.PolicyCode)
	assert.Equal(t, ReasonPolicyDeny, d.Reason)
}

func TestWildcardSelection(t *testing.T) {
	policies := []*domain.Policy{
		allowPolicy("star", []string{"*"}, []string{"records"}, `{}`),
	}
	assert.True(t, Evaluate(baseContext(), "delete", "records", policies).Allowed)
	assert.False(t, Evaluate(baseContext(), "delete", "invoices", policies).Allowed)
}

func TestConditionNotMet(t *testing.T) {
	policies := []*domain.Policy{
		allowPolicy("mfa-only", []string{"read"}, []string{"records"}, `{"mfa_required": true}`),
	}
	ctx := baseContext()
	ctx["mfa_present"] = false
	d := Evaluate(ctx, "read", "records", policies)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonConditionNotMet, d.Reason)
}

func TestUnknownPredicateFailsClosed(t *testing.T) {
	policies := []*domain.Policy{
		allowPolicy("future", []string{"read"}, []string{"records"}, `{"quantum_entanglement": true}`),
	}
	d := Evaluate(baseContext(), "read", "records", policies)
	assert.False(t, d.Allowed)
}

func TestUnknownPredicateOnDenyDoesNotFire(t *testing.T) {
	// A DENY whose condition cannot be understood does not trigger; the
	// fail-closed rule applies to the condition, not the effect.
	policies := []*domain.Policy{
		denyPolicy("weird-deny", []string{"*"}, []string{"*"}, `{"quantum_entanglement": true}`),
		allowPolicy("open-door", []string{"*"}, []string{"*"}, `{}`),
	}
	d := Evaluate(baseContext(), "read", "records", policies)
	assert.True(t, d.Allowed)
}

func TestMfaRequired(t *testing.T) {
	policies := []*domain.Policy{
		allowPolicy("mfa-only", []string{"read"}, []string{"records"}, `{"mfa_required": true}`),
	}
	assert.True(t, Evaluate(baseContext(), "read", "records", policies).Allowed)

	ctx := baseContext()
	delete(ctx, "mfa_present")
	assert.False(t, Evaluate(ctx, "read", "records", policies).Allowed)
}

func TestDevicePosture(t *testing.T) {
	policies := []*domain.Policy{
		allowPolicy("managed-only", []string{"read"}, []string{"records"}, `{"device_posture": "managed"}`),
	}
	ctx := baseContext()
	ctx["device_posture"] = "managed"
	assert.True(t, Evaluate(ctx, "read", "records", policies).Allowed)

	ctx["device_posture"] = "byod"
	assert.False(t, Evaluate(ctx, "read", "records", policies).Allowed)
}

func TestAllowedIPRanges(t *testing.T) {
	policies := []*domain.Policy{
		allowPolicy("office-net", []string{"read"}, []string{"records"},
			`{"allowed_ip_ranges": ["10.1.0.0/16", "192.168.0.0/24"]}`),
	}
	assert.True(t, Evaluate(baseContext(), "read", "records", policies).Allowed)

	ctx := baseContext()
	ctx["client_ip"] = "203.0.113.9"
	assert.False(t, Evaluate(ctx, "read", "records", policies).Allowed)

	ctx["client_ip"] = "not-an-ip"
	assert.False(t, Evaluate(ctx, "read", "records", policies).Allowed)
}

func TestGeoRestrictions(t *testing.T) {
	policies := []*domain.Policy{
		allowPolicy("eu-only", []string{"read"}, []string{"records"},
			`{"geo_restrictions": ["DE", "NL"]}`),
	}
	ctx := baseContext()
	ctx["geo"] = "de"
	assert.True(t, Evaluate(ctx, "read", "records", policies).Allowed)

	ctx["geo"] = "US"
	assert.False(t, Evaluate(ctx, "read", "records", policies).Allowed)

	delete(ctx, "geo")
	assert.False(t, Evaluate(ctx, "read", "records", policies).Allowed)
}

func TestAllowedSchedule(t *testing.T) {
	policies := []*domain.Policy{
		allowPolicy("office-hours", []string{"read"}, []string{"records"},
			`{"allowed_schedule": {"timezone": "Europe/Berlin", "windows": [
				{"days": ["MON","TUE","WED","THU","FRI"], "start": "09:00", "end": "17:00"}
			]}}`),
	}

	ctx := baseContext()
	// 10:30 UTC on a Wednesday is 11:30 in Berlin, inside the window.
	assert.True(t, Evaluate(ctx, "read", "records", policies).Allowed)

	// Saturday.
	ctx["timestamp"] = time.Date(2026, 3, 7, 10, 30, 0, 0, time.UTC)
	assert.False(t, Evaluate(ctx, "read", "records", policies).Allowed)

	// Wednesday, but 23:30 Berlin time.
	ctx["timestamp"] = time.Date(2026, 3, 4, 22, 30, 0, 0, time.UTC)
	assert.False(t, Evaluate(ctx, "read", "records", policies).Allowed)
}

func TestDenyOffNetwork(t *testing.T) {
	// A DENY listing the approved corporate range fires when the client is
	// outside it, and stands down when the client is inside.
	policies := []*domain.Policy{
		allowPolicy("finance-team", []string{"read"}, []string{"reports"}, `{}`),
		denyPolicy("off-network", []string{"read"}, []string{"reports"},
			`{"allowed_ip_ranges": ["203.0.113.0/24"]}`),
	}

	ctx := baseContext()
	ctx["client_ip"] = "198.51.100.5"
	d := Evaluate(ctx, "read", "reports", policies)
	assert.False(t, d.Allowed)
	assert.Equal(t, "off-network", d.PolicyCode)
	assert.Equal(t, ReasonPolicyDeny, d.Reason)

	ctx["client_ip"] = "203.0.113.10"
	d = Evaluate(ctx, "read", "reports", policies)
	assert.True(t, d.Allowed)
	assert.Equal(t, "finance-team", d.PolicyCode)
}

func TestDenyOutsideSchedule(t *testing.T) {
	policies := []*domain.Policy{
		allowPolicy("always", []string{"read"}, []string{"reports"}, `{}`),
		denyPolicy("after-hours", []string{"read"}, []string{"reports"},
			`{"allowed_schedule": {"timezone": "Europe/Berlin", "windows": [
				{"days": ["MON","TUE","WED","THU","FRI"], "start": "09:00", "end": "17:00"}
			]}}`),
	}

	// 10:30 UTC Wednesday is 11:30 Berlin, inside the approved window.
	d := Evaluate(baseContext(), "read", "reports", policies)
	assert.True(t, d.Allowed)

	ctx := baseContext()
	ctx["timestamp"] = time.Date(2026, 3, 4, 22, 30, 0, 0, time.UTC)
	d = Evaluate(ctx, "read", "reports", policies)
	assert.False(t, d.Allowed)
	assert.Equal(t, "after-hours", d.PolicyCode)
}

func TestScheduleEndBoundarySecondGranularity(t *testing.T) {
	policies := []*domain.Policy{
		allowPolicy("business-hours", []string{"read"}, []string{"records"},
			`{"allowed_schedule": {"timezone": "America/Sao_Paulo", "windows": [
				{"days": ["MON","TUE","WED","THU","FRI"], "start": "07:00", "end": "22:00"}
			]}}`),
	}

	// 2026-03-02 is a Monday in Sao Paulo (UTC-3).
	ctx := baseContext()
	ctx["timestamp"] = time.Date(2026, 3, 3, 1, 0, 0, 0, time.UTC) // Mon 22:00:00 local
	assert.True(t, Evaluate(ctx, "read", "records", policies).Allowed)

	ctx["timestamp"] = time.Date(2026, 3, 3, 1, 0, 1, 0, time.UTC) // Mon 22:00:01 local
	assert.False(t, Evaluate(ctx, "read", "records", policies).Allowed)
}

func TestDualApproval(t *testing.T) {
	policies := []*domain.Policy{
		allowPolicy("four-eyes", []string{"approve"}, []string{"payouts"},
			`{"requires_dual_approval": true}`),
	}
	ctx := baseContext()
	assert.False(t, Evaluate(ctx, "approve", "payouts", policies).Allowed)

	ctx["dual_approval"] = true
	assert.True(t, Evaluate(ctx, "approve", "payouts", policies).Allowed)
}

func TestTierAndDepartment(t *testing.T) {
	policies := []*domain.Policy{
		allowPolicy("gold-finance", []string{"read"}, []string{"ledgers"},
			`{"tier": "gold", "department": "finance"}`),
	}
	ctx := baseContext()
	ctx["membership_tier"] = "gold"
	ctx["department"] = "finance"
	assert.True(t, Evaluate(ctx, "read", "ledgers", policies).Allowed)

	ctx["department"] = "marketing"
	assert.False(t, Evaluate(ctx, "read", "ledgers", policies).Allowed)
}

func TestRiskLevelOrdering(t *testing.T) {
	policies := []*domain.Policy{
		allowPolicy("high-risk-ok", []string{"read"}, []string{"records"},
			`{"risk_level": "medium"}`),
	}
	for level, want := range map[string]bool{
		"low":      false,
		"medium":   true,
		"high":     true,
		"critical": true,
		"bogus":    false,
	} {
		ctx := baseContext()
		ctx["risk_level"] = level
		assert.Equal(t, want, Evaluate(ctx, "read", "records", policies).Allowed, "risk level %s", level)
	}
}

func TestAllPredicatesShortCircuitAnd(t *testing.T) {
	policies := []*domain.Policy{
		allowPolicy("strict", []string{"read"}, []string{"records"},
			`{"mfa_required": true, "geo_restrictions": ["DE"]}`),
	}
	ctx := baseContext()
	ctx["geo"] = "DE"
	assert.True(t, Evaluate(ctx, "read", "records", policies).Allowed)

	ctx["mfa_present"] = false
	assert.False(t, Evaluate(ctx, "read", "records", policies).Allowed)
}
