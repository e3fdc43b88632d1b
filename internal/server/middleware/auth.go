package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/akmhq/akm/internal/model"
	"github.com/akmhq/akm/internal/service"
	"github.com/akmhq/akm/internal/token"
)

type contextKeyAuth string

const (
	// AuthPrincipalKey is the context key for the authenticated principal.
	AuthPrincipalKey contextKeyAuth = "auth_principal"
)

// Principal types.
const (
	PrincipalUser   = "user"
	PrincipalAPIKey = "api_key"
)

// Principal represents the authenticated identity making the request.
type Principal struct {
	Type        string // "user" or "api_key"
	UserID      string
	Role        model.Role
	Permissions []model.Permission
	// Key is set for API key principals.
	Key *model.APIKey
}

// IsAdmin reports whether the principal is a user with the admin role.
func (p *Principal) IsAdmin() bool {
	return p.Type == PrincipalUser && p.Role == model.RoleAdmin
}

// User converts a session principal to the service representation.
func (p *Principal) User() *service.UserPrincipal {
	return &service.UserPrincipal{UserID: p.UserID, Role: p.Role, Permissions: p.Permissions}
}

// Authenticate returns an HTTP middleware that requires a session access
// token in the Authorization header:
//
//	Authorization: Bearer <access token>
//
// On success, a user Principal is attached to the request context. On
// failure, a 401 JSON error response is returned.
func Authenticate(authSvc *service.AuthService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeError(w, http.StatusUnauthorized, "Authentication required. Provide a Bearer token.", nil)
				return
			}

			p, err := authSvc.Authenticate(strings.TrimPrefix(authHeader, "Bearer "))
			if err != nil {
				msg := "Invalid token"
				if errors.Is(err, token.ErrExpired) {
					msg = "Token expired"
				}
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeError(w, http.StatusUnauthorized, msg, nil)
				return
			}

			ctx := WithPrincipal(r.Context(), &Principal{
				Type:        PrincipalUser,
				UserID:      p.UserID,
				Role:        p.Role,
				Permissions: p.Permissions,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAdmin returns an HTTP middleware that enforces admin-level access.
// It must be used after Authenticate in the middleware chain.
func RequireAdmin() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal := GetPrincipal(r.Context())
			if principal == nil || !principal.IsAdmin() {
				writeError(w, http.StatusForbidden, "Admin access required", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// GetPrincipal extracts the authenticated principal from the context.
// Returns nil if no principal is present (i.e., unauthenticated request).
func GetPrincipal(ctx context.Context) *Principal {
	if p, ok := ctx.Value(AuthPrincipalKey).(*Principal); ok {
		return p
	}
	return nil
}

// WithPrincipal returns a copy of ctx carrying p.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	notePrincipal(ctx, p)
	return context.WithValue(ctx, AuthPrincipalKey, p)
}

func writeError(w http.ResponseWriter, status int, message string, ctx map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(model.ErrorResponse{
		Error: model.ErrorDetail{Code: status, Message: message, Context: ctx},
	})
}
