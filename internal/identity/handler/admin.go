package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/gatehouse/gatehouse/internal/identity/domain"
	"github.com/gatehouse/gatehouse/internal/identity/service"
	"github.com/gatehouse/gatehouse/pkg/errors"
	"github.com/gatehouse/gatehouse/pkg/httputil"
	"github.com/gatehouse/gatehouse/pkg/logger"
)

// AdminHandler exposes the role/permission/policy management surface.
// Every route sits behind the gate with an administrative role check.
type AdminHandler struct {
	admin *service.AdminService
	gate  *Gate
	log   *logger.Logger
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(admin *service.AdminService, gate *Gate, log *logger.Logger) *AdminHandler {
	return &AdminHandler{
		admin: admin,
		gate:  gate,
		log:   log.WithComponent("admin-handler"),
	}
}

// Routes mounts the handler on the router.
func (h *AdminHandler) Routes(r chi.Router) {
	r.Route("/admin", func(r chi.Router) {
		r.Use(h.gate.Authenticate)
		r.Use(h.gate.RequireRoles(domain.SuperAdminRoleCode, "ADMIN"))

		r.Route("/tenants/{tenant_id}/users/{user_id}", func(r chi.Router) {
			r.Post("/roles", h.AssignRole)
			r.Delete("/roles/{role_id}", h.RevokeRole)
			r.Post("/permissions", h.GrantPermission)
		})

		r.Post("/roles", h.CreateRole)
		r.Post("/permissions", h.CreatePermission)
		r.Post("/roles/{role_id}/permissions", h.BindPermission)
		r.Post("/tenants/{tenant_id}/policies", h.CreatePolicy)
	})
}

func actorID(r *http.Request) string {
	if claims := ClaimsFromContext(r.Context()); claims != nil {
		return claims.Subject
	}
	return ""
}

type assignRoleRequest struct {
	RoleID string `json:"role_id" validate:"required,uuid"`
}

// AssignRole handles POST /admin/tenants/{tenant_id}/users/{user_id}/roles
func (h *AdminHandler) AssignRole(w http.ResponseWriter, r *http.Request) {
	var req assignRoleRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, errors.BadRequest("invalid request body"))
		return
	}
	if err := httputil.Validate(req); err != nil {
		httputil.Error(w, err)
		return
	}

	err := h.admin.AssignRole(r.Context(),
		actorID(r),
		chi.URLParam(r, "user_id"),
		chi.URLParam(r, "tenant_id"),
		req.RoleID,
	)
	if err != nil {
		httputil.Error(w, err)
		return
	}
	httputil.NoContent(w)
}

// RevokeRole handles DELETE /admin/tenants/{tenant_id}/users/{user_id}/roles/{role_id}
func (h *AdminHandler) RevokeRole(w http.ResponseWriter, r *http.Request) {
	err := h.admin.RevokeRole(r.Context(),
		actorID(r),
		chi.URLParam(r, "user_id"),
		chi.URLParam(r, "tenant_id"),
		chi.URLParam(r, "role_id"),
	)
	if err != nil {
		httputil.Error(w, err)
		return
	}
	httputil.NoContent(w)
}

type grantPermissionRequest struct {
	PermissionID string `json:"permission_id" validate:"required,uuid"`
}

// GrantPermission handles POST /admin/tenants/{tenant_id}/users/{user_id}/permissions
func (h *AdminHandler) GrantPermission(w http.ResponseWriter, r *http.Request) {
	var req grantPermissionRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, errors.BadRequest("invalid request body"))
		return
	}
	if err := httputil.Validate(req); err != nil {
		httputil.Error(w, err)
		return
	}

	err := h.admin.GrantPermission(r.Context(),
		actorID(r),
		chi.URLParam(r, "user_id"),
		chi.URLParam(r, "tenant_id"),
		req.PermissionID,
	)
	if err != nil {
		httputil.Error(w, err)
		return
	}
	httputil.NoContent(w)
}

type createRoleRequest struct {
	Code        string  `json:"code" validate:"required,min=2,max=64"`
	Name        string  `json:"name" validate:"required,min=2,max=100"`
	LandlordID  string  `json:"landlord_id" validate:"required,uuid"`
	Description *string `json:"description,omitempty"`
}

// CreateRole handles POST /admin/roles
func (h *AdminHandler) CreateRole(w http.ResponseWriter, r *http.Request) {
	var req createRoleRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, errors.BadRequest("invalid request body"))
		return
	}
	if err := httputil.Validate(req); err != nil {
		httputil.Error(w, err)
		return
	}

	role, err := h.admin.CreateRole(r.Context(), req.Code, req.Name, req.LandlordID, req.Description)
	if err != nil {
		httputil.Error(w, err)
		return
	}
	httputil.Created(w, role)
}

type createPermissionRequest struct {
	Action     string `json:"action" validate:"required,min=2,max=64"`
	Resource   string `json:"resource" validate:"required,min=2,max=64"`
	LandlordID string `json:"landlord_id" validate:"required,uuid"`
}

// CreatePermission handles POST /admin/permissions
func (h *AdminHandler) CreatePermission(w http.ResponseWriter, r *http.Request) {
	var req createPermissionRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, errors.BadRequest("invalid request body"))
		return
	}
	if err := httputil.Validate(req); err != nil {
		httputil.Error(w, err)
		return
	}

	perm, err := h.admin.CreatePermission(r.Context(), req.Action, req.Resource, req.LandlordID)
	if err != nil {
		httputil.Error(w, err)
		return
	}
	httputil.Created(w, perm)
}

type bindPermissionRequest struct {
	PermissionID string  `json:"permission_id" validate:"required,uuid"`
	PolicyID     *string `json:"policy_id,omitempty" validate:"omitempty,uuid"`
}

// BindPermission handles POST /admin/roles/{role_id}/permissions
func (h *AdminHandler) BindPermission(w http.ResponseWriter, r *http.Request) {
	var req bindPermissionRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, errors.BadRequest("invalid request body"))
		return
	}
	if err := httputil.Validate(req); err != nil {
		httputil.Error(w, err)
		return
	}

	if err := h.admin.BindPermission(r.Context(), chi.URLParam(r, "role_id"), req.PermissionID, req.PolicyID); err != nil {
		httputil.Error(w, err)
		return
	}
	httputil.NoContent(w)
}

type createPolicyRequest struct {
	Code       string          `json:"code" validate:"required,min=2,max=64"`
	Name       string          `json:"name" validate:"required,min=2,max=100"`
	Effect     string          `json:"effect" validate:"required,oneof=ALLOW DENY"`
	Actions    []string        `json:"actions" validate:"required,min=1"`
	Resources  []string        `json:"resources" validate:"required,min=1"`
	Conditions json.RawMessage `json:"conditions,omitempty"`
}

// CreatePolicy handles POST /admin/tenants/{tenant_id}/policies
func (h *AdminHandler) CreatePolicy(w http.ResponseWriter, r *http.Request) {
	var req createPolicyRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, errors.BadRequest("invalid request body"))
		return
	}
	if err := httputil.Validate(req); err != nil {
		httputil.Error(w, err)
		return
	}

	policy := &domain.Policy{
		TenantID:   chi.URLParam(r, "tenant_id"),
		Code:       req.Code,
		Name:       req.Name,
		Effect:     domain.PolicyEffect(req.Effect),
		Actions:    req.Actions,
		Resources:  req.Resources,
		Conditions: req.Conditions,
	}
	created, err := h.admin.CreatePolicy(r.Context(), actorID(r), policy)
	if err != nil {
		httputil.Error(w, err)
		return
	}
	httputil.Created(w, created)
}
