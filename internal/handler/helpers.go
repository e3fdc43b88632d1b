package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/akmhq/akm/internal/model"
	"github.com/akmhq/akm/internal/server/middleware"
	"github.com/akmhq/akm/internal/service"
)

// writeJSON serializes v as JSON and writes it to the response with the given
// HTTP status code. The Content-Type header is set to application/json.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a structured error response using the standard error
// envelope. The optional ctx map provides additional context fields.
func writeError(w http.ResponseWriter, code int, message string, ctx ...map[string]interface{}) {
	var ctxMap map[string]interface{}
	if len(ctx) > 0 {
		ctxMap = ctx[0]
	}
	writeJSON(w, code, model.ErrorResponse{
		Error: model.ErrorDetail{
			Code:    code,
			Message: message,
			Context: ctxMap,
		},
	})
}

// readJSON decodes the request body as JSON into v. The body is closed after
// decoding regardless of success or failure.
func readJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// queryInt extracts an integer query parameter, returning defaultVal if the
// parameter is missing or cannot be parsed.
func queryInt(r *http.Request, key string, defaultVal int) int {
	val := r.URL.Query().Get(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

// queryString extracts a string query parameter.
func queryString(r *http.Request, key string) string {
	return r.URL.Query().Get(key)
}

// requestInfo collects the caller details recorded in audit entries.
func requestInfo(r *http.Request) service.RequestInfo {
	return service.RequestInfo{
		IP:        middleware.ClientIP(r),
		UserAgent: r.UserAgent(),
		Endpoint:  r.URL.Path,
		Method:    r.Method,
	}
}

// currentUser returns the session principal, writing a 401 when absent.
func currentUser(w http.ResponseWriter, r *http.Request) (*middleware.Principal, bool) {
	p := middleware.GetPrincipal(r.Context())
	if p == nil || p.Type != middleware.PrincipalUser {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return nil, false
	}
	return p, true
}

// classifyError maps service errors to HTTP status codes and messages.
// Unrecognized errors become a 500 with fallbackMsg so internals do not
// leak to clients.
func classifyError(err error, fallbackMsg string) (int, string, map[string]interface{}) {
	var verr *service.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, verr.Error(), map[string]interface{}{"field": verr.Field}
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound, "Not found", nil
	case errors.Is(err, service.ErrUserExists):
		return http.StatusConflict, err.Error(), nil
	case errors.Is(err, service.ErrInvalidState):
		return http.StatusBadRequest, err.Error(), nil
	case errors.Is(err, service.ErrConflict):
		return http.StatusConflict, err.Error(), nil
	case errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden, "Forbidden", nil
	case errors.Is(err, service.ErrInvalidCredentials):
		return http.StatusUnauthorized, "Invalid email or password", nil
	case errors.Is(err, service.ErrInvalidToken):
		return http.StatusUnauthorized, "Invalid or expired refresh token", nil
	case errors.Is(err, service.ErrAccountLocked):
		return http.StatusLocked, err.Error(), nil
	case errors.Is(err, service.ErrAccountInactive):
		return http.StatusForbidden, err.Error(), nil
	default:
		return http.StatusInternalServerError, fallbackMsg, nil
	}
}

func writeServiceError(w http.ResponseWriter, err error, fallbackMsg string) {
	code, msg, ctx := classifyError(err, fallbackMsg)
	if ctx != nil {
		writeError(w, code, msg, ctx)
		return
	}
	writeError(w, code, msg)
}
