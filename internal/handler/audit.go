package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/akmhq/akm/internal/model"
	"github.com/akmhq/akm/internal/registry"
)

// AuditReader is the read side of the audit trail.
type AuditReader interface {
	ListAuditEntries(ctx context.Context, f model.AuditFilter, p registry.Page) ([]model.AuditEntry, int, error)
	AuditStats(ctx context.Context, f model.AuditFilter) ([]model.ActionCount, error)
}

// maxAuditDays bounds the days lookback filter.
const maxAuditDays = 365

// AuditHandler serves the audit trail under /api/v1/audit. Regular users see
// their own entries; admins see everything and may filter by user.
type AuditHandler struct {
	store AuditReader
	now   func() time.Time
}

// NewAuditHandler creates a new AuditHandler.
func NewAuditHandler(store AuditReader) *AuditHandler {
	return &AuditHandler{store: store, now: time.Now}
}

type auditStatsResponse struct {
	Total    int64               `json:"total"`
	ByAction []model.ActionCount `json:"by_action"`
}

// List returns a page of audit entries, newest first.
// GET /api/v1/audit?action=...&api_key_id=...&days=7&page=1&page_size=50
func (h *AuditHandler) List(w http.ResponseWriter, r *http.Request) {
	filter, ok := h.filter(w, r)
	if !ok {
		return
	}
	page := registry.Page{
		Number: queryInt(r, "page", 1),
		Size:   queryInt(r, "page_size", 50),
	}.Normalize()

	entries, total, err := h.store.ListAuditEntries(r.Context(), filter, page)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list audit entries")
		return
	}
	if entries == nil {
		entries = []model.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, model.NewListResponse(entries, total, page.Number, page.Size))
}

// Stats returns entry counts grouped by action.
// GET /api/v1/audit/stats?days=30
func (h *AuditHandler) Stats(w http.ResponseWriter, r *http.Request) {
	filter, ok := h.filter(w, r)
	if !ok {
		return
	}
	counts, err := h.store.AuditStats(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to compute audit stats")
		return
	}
	resp := auditStatsResponse{ByAction: counts}
	if resp.ByAction == nil {
		resp.ByAction = []model.ActionCount{}
	}
	for _, c := range counts {
		resp.Total += c.Count
	}
	writeJSON(w, http.StatusOK, resp)
}

// filter builds the audit filter from the query string and the caller's
// scope. It writes the error response itself and returns false on failure.
func (h *AuditHandler) filter(w http.ResponseWriter, r *http.Request) (model.AuditFilter, bool) {
	p, ok := currentUser(w, r)
	if !ok {
		return model.AuditFilter{}, false
	}

	f := model.AuditFilter{
		Action:   queryString(r, "action"),
		APIKeyID: queryString(r, "api_key_id"),
	}
	if p.IsAdmin() {
		f.UserID = queryString(r, "user_id")
	} else {
		f.UserID = p.UserID
	}

	if raw := queryString(r, "days"); raw != "" {
		days, err := strconv.Atoi(raw)
		if err != nil || days < 1 || days > maxAuditDays {
			writeError(w, http.StatusBadRequest, "days must be between 1 and 365", map[string]interface{}{"field": "days"})
			return model.AuditFilter{}, false
		}
		since := h.now().AddDate(0, 0, -days)
		f.Since = &since
	}
	return f, true
}
