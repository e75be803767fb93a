package policy

import (
	"encoding/json"
	"net/netip"
	"strings"
	"time"

	"github.com/gatehouse/gatehouse/internal/identity/domain"
)

// Decision reason codes surfaced alongside a DENY.
const (
	ReasonNoMatchingPolicy = "no-matching-policy"
	ReasonConditionNotMet  = "condition-not-met"
	ReasonPolicyDeny       = "policy-deny"
)

// RequestContext is a flat attribute bag evaluated against condition
// documents. Values are the JSON-like types the gate assembles: string,
// bool, time.Time.
type RequestContext map[string]any

// Decision is the evaluator's verdict. PolicyCode names the policy that
// decided the outcome when one did.
type Decision struct {
	Allowed    bool
	PolicyCode string
	Reason     string
}

// Evaluate runs the deny-first decision algorithm over the candidate
// policies. Only candidates covering (action, resource) participate; a
// single satisfied DENY beats any number of ALLOWs.
func Evaluate(reqCtx RequestContext, action, resource string, candidates []*domain.Policy) Decision {
	var denySet, allowSet []*domain.Policy
	for _, p := range candidates {
		if !p.Matches(action, resource) {
			continue
		}
		if p.Effect == domain.EffectDeny {
			denySet = append(denySet, p)
		} else {
			allowSet = append(allowSet, p)
		}
	}

	for _, p := range denySet {
		if conditionsHold(p.Conditions, reqCtx, p.Effect) {
			return Decision{Allowed: false, PolicyCode: p.Code, Reason: ReasonPolicyDeny}
		}
	}

	if len(allowSet) == 0 {
		return Decision{Allowed: false, Reason: ReasonNoMatchingPolicy}
	}

	for _, p := range allowSet {
		if conditionsHold(p.Conditions, reqCtx, p.Effect) {
			return Decision{Allowed: true, PolicyCode: p.Code}
		}
	}

	return Decision{Allowed: false, Reason: ReasonConditionNotMet}
}

// conditionsHold evaluates a condition document as a short-circuit AND of
// its predicates. An empty document holds trivially. Unknown predicate
// keys and malformed predicate values fail closed.
func conditionsHold(doc json.RawMessage, reqCtx RequestContext, effect domain.PolicyEffect) bool {
	if len(doc) == 0 {
		return true
	}
	var predicates map[string]json.RawMessage
	if err := json.Unmarshal(doc, &predicates); err != nil {
		return false
	}
	for key, raw := range predicates {
		if !evalPredicate(key, raw, reqCtx, effect) {
			return false
		}
	}
	return true
}

func evalPredicate(key string, raw json.RawMessage, reqCtx RequestContext, effect domain.PolicyEffect) bool {
	switch key {
	case "mfa_required":
		var required bool
		if err := json.Unmarshal(raw, &required); err != nil {
			return false
		}
		if !required {
			return true
		}
		return ctxBool(reqCtx, "mfa_present")

	case "device_posture":
		return stringEquals(raw, reqCtx, "device_posture")

	case "allowed_ip_ranges":
		var cidrs []string
		if err := json.Unmarshal(raw, &cidrs); err != nil {
			return false
		}
		ip, ok := ctxString(reqCtx, "client_ip")
		if !ok {
			return false
		}
		addr, err := netip.ParseAddr(ip)
		if err != nil {
			return false
		}
		inRange := false
		for _, cidr := range cidrs {
			prefix, err := netip.ParsePrefix(cidr)
			if err != nil {
				continue
			}
			if prefix.Contains(addr) {
				inRange = true
				break
			}
		}
		// On a DENY policy the listed ranges are the approved network;
		// the condition is met when the client falls outside it.
		if effect == domain.EffectDeny {
			return !inRange
		}
		return inRange

	case "geo_restrictions":
		var codes []string
		if err := json.Unmarshal(raw, &codes); err != nil {
			return false
		}
		geo, ok := ctxString(reqCtx, "geo")
		if !ok {
			return false
		}
		for _, code := range codes {
			if strings.EqualFold(code, geo) {
				return true
			}
		}
		return false

	case "allowed_schedule":
		var schedule scheduleDoc
		if err := json.Unmarshal(raw, &schedule); err != nil {
			return false
		}
		ts, ok := ctxTime(reqCtx, "timestamp")
		if !ok {
			return false
		}
		// Same inversion as allowed_ip_ranges: a DENY fires outside the
		// approved windows.
		if effect == domain.EffectDeny {
			return !schedule.covers(ts)
		}
		return schedule.covers(ts)

	case "requires_dual_approval":
		var required bool
		if err := json.Unmarshal(raw, &required); err != nil {
			return false
		}
		if !required {
			return true
		}
		return ctxBool(reqCtx, "dual_approval")

	case "tier":
		return stringEquals(raw, reqCtx, "membership_tier")

	case "department":
		return stringEquals(raw, reqCtx, "department")

	case "risk_level":
		var want string
		if err := json.Unmarshal(raw, &want); err != nil {
			return false
		}
		have, ok := ctxString(reqCtx, "risk_level")
		if !ok {
			return false
		}
		wantRank, okW := riskRank(want)
		haveRank, okH := riskRank(have)
		if !okW || !okH {
			return false
		}
		return haveRank >= wantRank

	default:
		// Fail closed on predicates this build does not understand.
		return false
	}
}

func riskRank(level string) (int, bool) {
	switch strings.ToLower(level) {
	case "low":
		return 0, true
	case "medium":
		return 1, true
	case "high":
		return 2, true
	case "critical":
		return 3, true
	}
	return 0, false
}

type scheduleDoc struct {
	Timezone string `json:"timezone"`
	Windows  []struct {
		Days  []string `json:"days"`
		Start string   `json:"start"`
		End   string   `json:"end"`
	} `json:"windows"`
}

// covers reports whether the instant, translated into the schedule's
// timezone, falls inside at least one window. A window spans start <= t <=
// end on a listed day of week; the end bound is inclusive only at :00
// sharp, so 22:00:00 is inside a window ending "22:00" and 22:00:01 is not.
func (s *scheduleDoc) covers(ts time.Time) bool {
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return false
	}
	local := ts.In(loc)
	day := strings.ToUpper(local.Weekday().String()[:3])
	seconds := local.Hour()*3600 + local.Minute()*60 + local.Second()

	for _, w := range s.Windows {
		if !dayListed(w.Days, day) {
			continue
		}
		start, okS := parseClock(w.Start)
		end, okE := parseClock(w.End)
		if !okS || !okE {
			continue
		}
		if seconds >= start*60 && seconds <= end*60 {
			return true
		}
	}
	return false
}

func dayListed(days []string, day string) bool {
	for _, d := range days {
		if len(d) >= 3 && strings.EqualFold(d[:3], day) {
			return true
		}
	}
	return false
}

// parseClock converts "HH:MM" to minutes past midnight.
func parseClock(v string) (int, bool) {
	t, err := time.Parse("15:04", v)
	if err != nil {
		return 0, false
	}
	return t.Hour()*60 + t.Minute(), true
}

func stringEquals(raw json.RawMessage, reqCtx RequestContext, ctxKey string) bool {
	var want string
	if err := json.Unmarshal(raw, &want); err != nil {
		return false
	}
	have, ok := ctxString(reqCtx, ctxKey)
	return ok && have == want
}

func ctxString(reqCtx RequestContext, key string) (string, bool) {
	v, ok := reqCtx[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func ctxBool(reqCtx RequestContext, key string) bool {
	v, ok := reqCtx[key]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

func ctxTime(reqCtx RequestContext, key string) (time.Time, bool) {
	v, ok := reqCtx[key]
	if !ok {
		return time.Time{}, false
	}
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		parsed, err := time.Parse(time.RFC3339, t)
		if err != nil {
			return time.Time{}, false
		}
		return parsed, true
	}
	return time.Time{}, false
}
