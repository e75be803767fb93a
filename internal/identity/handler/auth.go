package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/gatehouse/gatehouse/internal/identity/service"
	"github.com/gatehouse/gatehouse/pkg/errors"
	"github.com/gatehouse/gatehouse/pkg/httputil"
	"github.com/gatehouse/gatehouse/pkg/logger"
)

// AuthHandler exposes the authentication surface.
type AuthHandler struct {
	auth *service.AuthService
	gate *Gate
	log  *logger.Logger
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(auth *service.AuthService, gate *Gate, log *logger.Logger) *AuthHandler {
	return &AuthHandler{
		auth: auth,
		gate: gate,
		log:  log.WithComponent("auth-handler"),
	}
}

// Routes mounts the handler on the router.
func (h *AuthHandler) Routes(r chi.Router) {
	r.Route("/auth", func(r chi.Router) {
		r.Post("/login", h.Login)
		r.Post("/register", h.Register)
		r.Post("/refresh", h.Refresh)
		r.Post("/logout", h.Logout)
		r.Get("/validate", h.Validate)

		r.Route("/password", func(r chi.Router) {
			r.Post("/recover", h.RecoverPassword)
			r.Post("/reset", h.ResetPassword)
			r.With(h.gate.Authenticate).Post("/change", h.ChangePassword)
		})
	})

	r.Post("/users/{id}/verify-email", h.VerifyEmail)
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// Login handles POST /auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, errors.BadRequest("invalid request body"))
		return
	}
	if err := httputil.Validate(req); err != nil {
		httputil.Error(w, err)
		return
	}

	result, err := h.auth.Login(r.Context(), req.Email, req.Password, r.UserAgent(), httputil.ClientIP(r))
	if err != nil {
		httputil.Error(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, result)
}

type registerRequest struct {
	Name     string `json:"name" validate:"required,min=2,max=100"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// Register handles POST /auth/register
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, errors.BadRequest("invalid request body"))
		return
	}
	if err := httputil.Validate(req); err != nil {
		httputil.Error(w, err)
		return
	}

	result, err := h.auth.Register(r.Context(), req.Name, req.Email, req.Password, r.UserAgent(), httputil.ClientIP(r))
	if err != nil {
		httputil.Error(w, err)
		return
	}
	httputil.Created(w, result)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

// Refresh handles POST /auth/refresh
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, errors.BadRequest("invalid request body"))
		return
	}
	if err := httputil.Validate(req); err != nil {
		httputil.Error(w, err)
		return
	}

	result, err := h.auth.Refresh(r.Context(), req.RefreshToken, r.UserAgent(), httputil.ClientIP(r))
	if err != nil {
		httputil.Error(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, result)
}

// Logout handles POST /auth/logout. The bearer token may be expired; only
// its signature matters.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	raw, ok := BearerToken(r)
	if !ok {
		httputil.Error(w, errors.BadRequest("missing bearer token"))
		return
	}
	if err := h.auth.Logout(r.Context(), raw, httputil.ClientIP(r)); err != nil {
		httputil.Error(w, err)
		return
	}
	httputil.NoContent(w)
}

// Validate handles GET /auth/validate. Always 200; the body carries the
// verdict.
func (h *AuthHandler) Validate(w http.ResponseWriter, r *http.Request) {
	raw, ok := BearerToken(r)
	if !ok {
		httputil.JSON(w, http.StatusOK, &service.ValidateResult{Valid: false})
		return
	}
	httputil.JSON(w, http.StatusOK, h.auth.Validate(raw))
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password" validate:"required"`
	NewPassword     string `json:"new_password" validate:"required"`
}

// ChangePassword handles POST /auth/password/change (authenticated).
func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	if claims == nil {
		httputil.Error(w, errors.Unauthorized("missing bearer token"))
		return
	}

	var req changePasswordRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, errors.BadRequest("invalid request body"))
		return
	}
	if err := httputil.Validate(req); err != nil {
		httputil.Error(w, err)
		return
	}

	if err := h.auth.ChangePassword(r.Context(), claims.Subject, req.CurrentPassword, req.NewPassword, httputil.ClientIP(r)); err != nil {
		httputil.Error(w, err)
		return
	}
	httputil.NoContent(w)
}

type recoverRequest struct {
	Email string `json:"email" validate:"required,email"`
}

// RecoverPassword handles POST /auth/password/recover. Always 204, no
// matter what, so callers cannot enumerate accounts.
func (h *AuthHandler) RecoverPassword(w http.ResponseWriter, r *http.Request) {
	var req recoverRequest
	if err := httputil.DecodeJSON(r, &req); err == nil && httputil.Validate(req) == nil {
		h.auth.RecoverRequest(r.Context(), req.Email, httputil.ClientIP(r))
	}
	httputil.NoContent(w)
}

type resetRequest struct {
	ResetToken  string `json:"reset_token" validate:"required"`
	NewPassword string `json:"new_password" validate:"required"`
}

// ResetPassword handles POST /auth/password/reset
func (h *AuthHandler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, errors.BadRequest("invalid request body"))
		return
	}
	if err := httputil.Validate(req); err != nil {
		httputil.Error(w, err)
		return
	}

	if err := h.auth.ResetConfirm(r.Context(), req.ResetToken, req.NewPassword, httputil.ClientIP(r)); err != nil {
		httputil.Error(w, err)
		return
	}
	httputil.NoContent(w)
}

type verifyEmailRequest struct {
	Token string `json:"token" validate:"required"`
}

type verifyEmailResponse struct {
	Verified   bool      `json:"verified"`
	VerifiedAt time.Time `json:"verified_at"`
}

// VerifyEmail handles POST /users/{id}/verify-email
func (h *AuthHandler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	var req verifyEmailRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, errors.BadRequest("invalid request body"))
		return
	}
	if err := httputil.Validate(req); err != nil {
		httputil.Error(w, err)
		return
	}

	verifiedAt, err := h.auth.VerifyEmail(r.Context(), userID, req.Token)
	if err != nil {
		httputil.Error(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, verifyEmailResponse{Verified: true, VerifiedAt: verifiedAt})
}
