package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/akmhq/akm/internal/model"
	"github.com/akmhq/akm/internal/service"
)

// AuthHandler serves registration, login, and session endpoints under
// /api/v1/auth.
type AuthHandler struct {
	authSvc *service.AuthService
}

// NewAuthHandler creates a new AuthHandler.
func NewAuthHandler(authSvc *service.AuthService) *AuthHandler {
	return &AuthHandler{authSvc: authSvc}
}

type registerRequest struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type profileRequest struct {
	Email    string `json:"email"`
	Username string `json:"username"`
}

type passwordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

type roleRequest struct {
	Role model.Role `json:"role"`
}

// Register creates a developer account.
// POST /api/v1/auth/register
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	u, err := h.authSvc.Register(r.Context(), service.RegisterInput{
		Email:    req.Email,
		Username: req.Username,
		Password: req.Password,
		Role:     model.RoleDeveloper,
	}, requestInfo(r))
	if err != nil {
		writeServiceError(w, err, "Failed to register user")
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

// Login exchanges email and password for a token pair.
// POST /api/v1/auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "Email and password are required")
		return
	}

	pair, _, err := h.authSvc.Login(r.Context(), req.Email, req.Password, requestInfo(r))
	if err != nil {
		writeServiceError(w, err, "Authentication error")
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

// Refresh redeems a refresh token for a new pair.
// POST /api/v1/auth/refresh
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := readJSON(r, &req); err != nil || req.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "refresh_token is required")
		return
	}

	pair, err := h.authSvc.Refresh(r.Context(), req.RefreshToken, requestInfo(r))
	if err != nil {
		writeServiceError(w, err, "Failed to refresh session")
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

// Logout revokes every refresh token of the caller.
// POST /api/v1/auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	p, ok := currentUser(w, r)
	if !ok {
		return
	}
	if err := h.authSvc.Logout(r.Context(), p.UserID, requestInfo(r)); err != nil {
		writeServiceError(w, err, "Failed to log out")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Me returns the caller's account.
// GET /api/v1/auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	p, ok := currentUser(w, r)
	if !ok {
		return
	}
	u, err := h.authSvc.Me(r.Context(), p.UserID)
	if err != nil {
		writeServiceError(w, err, "Failed to load user")
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// UpdateMe changes the caller's email or username.
// PUT /api/v1/auth/me
func (h *AuthHandler) UpdateMe(w http.ResponseWriter, r *http.Request) {
	p, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req profileRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	u, err := h.authSvc.UpdateProfile(r.Context(), p.UserID, req.Email, req.Username)
	if err != nil {
		writeServiceError(w, err, "Failed to update profile")
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// ChangePassword replaces the caller's password and ends all sessions.
// POST /api/v1/auth/change-password
func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	p, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req passwordRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if err := h.authSvc.ChangePassword(r.Context(), p.UserID, req.CurrentPassword, req.NewPassword, requestInfo(r)); err != nil {
		writeServiceError(w, err, "Failed to change password")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetRole changes a user's role. Admin only.
// PUT /api/v1/auth/users/{userID}/role
func (h *AuthHandler) SetRole(w http.ResponseWriter, r *http.Request) {
	p, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req roleRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	u, err := h.authSvc.SetRole(r.Context(), p.User(), chi.URLParam(r, "userID"), req.Role, requestInfo(r))
	if err != nil {
		writeServiceError(w, err, "Failed to update role")
		return
	}
	writeJSON(w, http.StatusOK, u)
}
