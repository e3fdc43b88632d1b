package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/akmhq/akm/internal/model"
	"github.com/akmhq/akm/internal/registry"
	"github.com/akmhq/akm/internal/service"
)

// KeyHandler serves the owner-scoped API key endpoints under /api/v1/keys.
type KeyHandler struct {
	keys *service.KeyService
}

// NewKeyHandler creates a new KeyHandler.
func NewKeyHandler(keys *service.KeyService) *KeyHandler {
	return &KeyHandler{keys: keys}
}

// keyRequest is the body of create and update. Absent fields decode to nil
// and are left unchanged on update; an explicit empty list clears a list.
type keyRequest struct {
	Name               *string            `json:"name"`
	Description        *string            `json:"description"`
	Permissions        []model.Permission `json:"permissions"`
	AllowedIPs         []string           `json:"allowed_ips"`
	AllowedUserAgents  []string           `json:"allowed_user_agents"`
	Environment        *string            `json:"environment"`
	RateLimitPerMinute *int               `json:"rate_limit_per_minute"`
	RateLimitPerHour   *int               `json:"rate_limit_per_hour"`
	RateLimitPerDay    *int               `json:"rate_limit_per_day"`
	ExpiresInDays      *int               `json:"expires_in_days"`
}

func (req keyRequest) input() service.KeyInput {
	return service.KeyInput{
		Name:               req.Name,
		Description:        req.Description,
		Permissions:        req.Permissions,
		AllowedIPs:         req.AllowedIPs,
		AllowedUserAgents:  req.AllowedUserAgents,
		Environment:        req.Environment,
		RateLimitPerMinute: req.RateLimitPerMinute,
		RateLimitPerHour:   req.RateLimitPerHour,
		RateLimitPerDay:    req.RateLimitPerDay,
		ExpiresInDays:      req.ExpiresInDays,
	}
}

// createdKeyResponse is a key record plus its raw secret, shown only once.
type createdKeyResponse struct {
	*model.APIKey
	RawKey string `json:"api_key"`
}

type rotateRequest struct {
	GracePeriodHours *int `json:"grace_period_hours"`
}

type rotateResponse struct {
	OldKeyID          string             `json:"old_key_id"`
	NewKey            createdKeyResponse `json:"new_key"`
	GracePeriodEndsAt *time.Time         `json:"grace_period_ends_at"`
}

// Create issues a new key owned by the caller.
// POST /api/v1/keys
func (h *KeyHandler) Create(w http.ResponseWriter, r *http.Request) {
	p, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req keyRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	created, err := h.keys.Create(r.Context(), p.UserID, req.input(), requestInfo(r))
	if err != nil {
		writeServiceError(w, err, "Failed to create API key")
		return
	}
	writeJSON(w, http.StatusCreated, createdKeyResponse{APIKey: created.Key, RawKey: created.RawKey})
}

// List returns a page of the caller's keys.
// GET /api/v1/keys?page=1&page_size=20&status=active&environment=production
func (h *KeyHandler) List(w http.ResponseWriter, r *http.Request) {
	p, ok := currentUser(w, r)
	if !ok {
		return
	}
	page := registry.Page{
		Number: queryInt(r, "page", 1),
		Size:   queryInt(r, "page_size", 20),
	}.Normalize()
	filter := registry.Filter{
		Status:      model.KeyStatus(queryString(r, "status")),
		Environment: queryString(r, "environment"),
	}

	keys, total, err := h.keys.List(r.Context(), p.UserID, filter, page)
	if err != nil {
		writeServiceError(w, err, "Failed to list API keys")
		return
	}
	if keys == nil {
		keys = []model.APIKey{}
	}
	writeJSON(w, http.StatusOK, model.NewListResponse(keys, total, page.Number, page.Size))
}

// Get returns one of the caller's keys.
// GET /api/v1/keys/{keyID}
func (h *KeyHandler) Get(w http.ResponseWriter, r *http.Request) {
	p, ok := currentUser(w, r)
	if !ok {
		return
	}
	k, err := h.keys.Get(r.Context(), p.UserID, chi.URLParam(r, "keyID"))
	if err != nil {
		writeServiceError(w, err, "Failed to load API key")
		return
	}
	writeJSON(w, http.StatusOK, k)
}

// Update changes key attributes.
// PUT /api/v1/keys/{keyID}
func (h *KeyHandler) Update(w http.ResponseWriter, r *http.Request) {
	p, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req keyRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	k, err := h.keys.Update(r.Context(), p.UserID, chi.URLParam(r, "keyID"), req.input(), requestInfo(r))
	if err != nil {
		writeServiceError(w, err, "Failed to update API key")
		return
	}
	writeJSON(w, http.StatusOK, k)
}

// Rotate issues a successor key. An empty body uses the default grace period.
// POST /api/v1/keys/{keyID}/rotate
func (h *KeyHandler) Rotate(w http.ResponseWriter, r *http.Request) {
	p, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req rotateRequest
	if r.ContentLength != 0 {
		if err := readJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
			return
		}
	}
	rotated, err := h.keys.Rotate(r.Context(), p.UserID, chi.URLParam(r, "keyID"), req.GracePeriodHours, requestInfo(r))
	if err != nil {
		writeServiceError(w, err, "Failed to rotate API key")
		return
	}
	writeJSON(w, http.StatusOK, rotateResponse{
		OldKeyID:          rotated.OldKeyID,
		NewKey:            createdKeyResponse{APIKey: rotated.New.Key, RawKey: rotated.New.RawKey},
		GracePeriodEndsAt: rotated.GracePeriodEndsAt,
	})
}

// Disable suspends a key.
// POST /api/v1/keys/{keyID}/disable
func (h *KeyHandler) Disable(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.keys.Disable, "Failed to disable API key")
}

// Enable restores a disabled key.
// POST /api/v1/keys/{keyID}/enable
func (h *KeyHandler) Enable(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.keys.Enable, "Failed to enable API key")
}

// Revoke permanently revokes a key.
// DELETE /api/v1/keys/{keyID}
func (h *KeyHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	p, ok := currentUser(w, r)
	if !ok {
		return
	}
	if _, err := h.keys.Revoke(r.Context(), p.UserID, chi.URLParam(r, "keyID"), requestInfo(r)); err != nil {
		writeServiceError(w, err, "Failed to revoke API key")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type transitionFunc func(ctx context.Context, ownerID, keyID string, info service.RequestInfo) (*model.APIKey, error)

func (h *KeyHandler) transition(w http.ResponseWriter, r *http.Request, fn transitionFunc, fallback string) {
	p, ok := currentUser(w, r)
	if !ok {
		return
	}
	k, err := fn(r.Context(), p.UserID, chi.URLParam(r, "keyID"), requestInfo(r))
	if err != nil {
		writeServiceError(w, err, fallback)
		return
	}
	writeJSON(w, http.StatusOK, k)
}
