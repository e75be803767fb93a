package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/gatehouse/gatehouse/internal/identity/audit"
	"github.com/gatehouse/gatehouse/internal/identity/policy"
	"github.com/gatehouse/gatehouse/internal/identity/resolver"
	"github.com/gatehouse/gatehouse/internal/identity/token"
	"github.com/gatehouse/gatehouse/pkg/errors"
	"github.com/gatehouse/gatehouse/pkg/httputil"
	"github.com/gatehouse/gatehouse/pkg/logger"
)

type claimsKey struct{}

// Edge headers trusted for ABAC context attributes. The values originate
// from the fronting proxy, not the client.
const (
	headerDevicePosture = "X-Device-Posture"
	headerGeoCountry    = "X-Geo-Country"
)

// Gate enforces authentication and authorization per route. The access
// token's claim set is authoritative within its TTL; only ABAC checks go
// back to the resolver, and only for policies.
type Gate struct {
	tokens   *token.Manager
	resolver *resolver.Resolver
	audit    *audit.Service
	log      *logger.Logger
}

// NewGate creates a new authorization gate
func NewGate(tokens *token.Manager, res *resolver.Resolver, auditSvc *audit.Service, log *logger.Logger) *Gate {
	return &Gate{
		tokens:   tokens,
		resolver: res,
		audit:    auditSvc,
		log:      log.WithComponent("gate"),
	}
}

// Authenticate verifies the bearer access token and stores its claims in
// the request context.
func (g *Gate) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := BearerToken(r)
		if !ok {
			httputil.Error(w, errors.Unauthorized("missing bearer token"))
			return
		}
		claims, err := g.tokens.VerifyAccess(raw)
		if err != nil {
			httputil.Error(w, verifyError(err))
			return
		}
		ctx := context.WithValue(r.Context(), claimsKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRoles passes requests whose claims carry at least one of the
// given role codes.
func (g *Gate) RequireRoles(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := ClaimsFromContext(r.Context())
			if claims == nil {
				httputil.Error(w, errors.Unauthorized("missing bearer token"))
				return
			}
			if !hasAnyRole(claims.Roles, roles) {
				g.deny(r, claims, "role:"+strings.Join(roles, ","), "")
				httputil.Error(w, errors.Forbidden("insufficient role"))
				return
			}
			g.allow(r, claims, "role:"+strings.Join(roles, ","))
			next.ServeHTTP(w, r)
		})
	}
}

// RequirePermission passes requests whose claims carry the
// "action:resource" permission.
func (g *Gate) RequirePermission(action, resource string) func(http.Handler) http.Handler {
	key := action + ":" + resource
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := ClaimsFromContext(r.Context())
			if claims == nil {
				httputil.Error(w, errors.Unauthorized("missing bearer token"))
				return
			}
			if !contains(claims.Permissions, key) {
				g.deny(r, claims, key, "")
				httputil.Error(w, errors.Forbidden("insufficient permission"))
				return
			}
			g.allow(r, claims, key)
			next.ServeHTTP(w, r)
		})
	}
}

// RequireOwnershipOrRoles passes when the token subject matches the path
// parameter, or the role check passes.
func (g *Gate) RequireOwnershipOrRoles(param string, roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := ClaimsFromContext(r.Context())
			if claims == nil {
				httputil.Error(w, errors.Unauthorized("missing bearer token"))
				return
			}
			if claims.Subject == chi.URLParam(r, param) || hasAnyRole(claims.Roles, roles) {
				next.ServeHTTP(w, r)
				return
			}
			g.deny(r, claims, "ownership:"+param, "")
			httputil.Error(w, errors.Forbidden("not the resource owner"))
		})
	}
}

// EnforcePolicy runs the ABAC evaluator for (action, resource) against the
// tenant's policies. The tenant comes from the "tenant_id" path parameter
// or, failing that, the token claim.
func (g *Gate) EnforcePolicy(action, resource string) func(http.Handler) http.Handler {
	key := action + ":" + resource
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := ClaimsFromContext(r.Context())
			if claims == nil {
				httputil.Error(w, errors.Unauthorized("missing bearer token"))
				return
			}
			tenantID := chi.URLParam(r, "tenant_id")
			if tenantID == "" {
				tenantID = claims.TenantID
			}
			if tenantID == "" {
				g.deny(r, claims, key, "")
				httputil.Error(w, errors.Forbidden("no tenant in scope"))
				return
			}

			res, err := g.resolver.ForTenant(r.Context(), claims.Subject, tenantID)
			if err != nil {
				httputil.Error(w, errors.Upstream("authorization unavailable"))
				return
			}

			reqCtx := g.buildRequestContext(r, claims, tenantID)
			decision := policy.Evaluate(reqCtx, action, resource, res.Policies)
			if !decision.Allowed {
				code := decision.PolicyCode
				if code == "" {
					code = decision.Reason
				}
				g.deny(r, claims, key, code)
				httputil.Error(w, errors.ForbiddenByPolicy(code))
				return
			}
			g.allow(r, claims, key)
			next.ServeHTTP(w, r)
		})
	}
}

// buildRequestContext assembles the ABAC attribute bag from the request
// boundary and the verified claims.
func (g *Gate) buildRequestContext(r *http.Request, claims *token.AccessClaims, tenantID string) policy.RequestContext {
	reqCtx := policy.RequestContext{
		"client_ip":   httputil.ClientIP(r),
		"timestamp":   time.Now(),
		"tenant_id":   tenantID,
		"user_id":     claims.Subject,
		"mfa_present": claims.MFAPresent,
	}
	if posture := r.Header.Get(headerDevicePosture); posture != "" {
		reqCtx["device_posture"] = posture
	}
	if geo := r.Header.Get(headerGeoCountry); geo != "" {
		reqCtx["geo"] = geo
	}
	return reqCtx
}

func (g *Gate) allow(r *http.Request, claims *token.AccessClaims, key string) {
	ip := httputil.ClientIP(r)
	g.audit.Decision(r.Context(), &claims.Subject, key, true, "", &ip)
}

func (g *Gate) deny(r *http.Request, claims *token.AccessClaims, key, code string) {
	ip := httputil.ClientIP(r)
	g.audit.Decision(r.Context(), &claims.Subject, key, false, code, &ip)
}

// ClaimsFromContext returns the verified access claims, or nil outside an
// authenticated route.
func ClaimsFromContext(ctx context.Context) *token.AccessClaims {
	claims, _ := ctx.Value(claimsKey{}).(*token.AccessClaims)
	return claims
}

// BearerToken extracts the credential from the Authorization header.
func BearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

func verifyError(err error) error {
	switch {
	case errors.Is(err, token.ErrExpired):
		return errors.TokenExpired()
	default:
		return errors.TokenInvalid()
	}
}

func hasAnyRole(have, want []string) bool {
	for _, w := range want {
		if contains(have, w) {
			return true
		}
	}
	return false
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
