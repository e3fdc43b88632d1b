package handler

import (
	"net/http"

	"github.com/akmhq/akm/internal/model"
	"github.com/akmhq/akm/internal/server/middleware"
)

// ProtectedHandler serves the sample resources guarded by API keys. The
// validation middleware has already enforced the method's permission by the
// time these run.
type ProtectedHandler struct{}

// NewProtectedHandler creates a new ProtectedHandler.
func NewProtectedHandler() *ProtectedHandler {
	return &ProtectedHandler{}
}

type protectedResponse struct {
	Message     string             `json:"message"`
	Method      string             `json:"method"`
	KeyID       string             `json:"key_id"`
	KeyName     string             `json:"key_name"`
	Permissions []model.Permission `json:"permissions"`
}

// Test confirms that the presented key authenticates.
// GET {protected}/test
func (h *ProtectedHandler) Test(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, "API key is valid")
}

// Resource echoes the method used against the sample resource.
// GET|POST|PUT|PATCH|DELETE {protected}/resource
func (h *ProtectedHandler) Resource(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, "Access granted")
}

func (h *ProtectedHandler) respond(w http.ResponseWriter, r *http.Request, msg string) {
	p := middleware.GetPrincipal(r.Context())
	if p == nil || p.Key == nil {
		writeError(w, http.StatusUnauthorized, "API key required")
		return
	}
	writeJSON(w, http.StatusOK, protectedResponse{
		Message:     msg,
		Method:      r.Method,
		KeyID:       p.Key.ID,
		KeyName:     p.Key.Name,
		Permissions: p.Key.Permissions,
	})
}
