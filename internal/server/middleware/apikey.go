package middleware

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/akmhq/akm/internal/service"
)

// DefaultExcludedPaths are never validated or rate limited.
var DefaultExcludedPaths = []string{"/healthz", "/readyz", "/metrics", "/openapi.json", "/docs"}

// Excluded reports whether path is one of paths or lies beneath one.
func Excluded(path string, paths []string) bool {
	for _, p := range paths {
		if path == p || strings.HasPrefix(path, strings.TrimSuffix(p, "/")+"/") {
			return true
		}
	}
	return false
}

// ExtractCredential returns the API key presented on r. The X-API-Key
// header wins over "Authorization: ApiKey <key>", which wins over the
// api_key query parameter.
func ExtractCredential(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return key
	}
	if auth := r.Header.Get("Authorization"); len(auth) > 7 && strings.EqualFold(auth[:7], "ApiKey ") {
		return strings.TrimSpace(auth[7:])
	}
	return r.URL.Query().Get("api_key")
}

// ClientIP returns the request's source address without the port. Behind
// a trusted proxy, RealIP has already replaced RemoteAddr with the client.
func ClientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// ValidateAPIKey returns an HTTP middleware that authenticates every
// request under prefix with an API key. Requests outside prefix, or on an
// excluded path, pass through untouched.
//
// On success an api_key Principal is attached to the context and, once
// the downstream handler returns, usage is recorded asynchronously.
// Rejections carry the reason code in the error context.
func ValidateAPIKey(v *service.Validator, prefix string, excluded []string, logger *slog.Logger) func(http.Handler) http.Handler {
	prefix = strings.TrimSuffix(prefix, "/")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if Excluded(r.URL.Path, excluded) || (r.URL.Path != prefix && !strings.HasPrefix(r.URL.Path, prefix+"/")) {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			req := service.KeyRequest{
				Credential: ExtractCredential(r),
				IP:         ClientIP(r),
				UserAgent:  r.UserAgent(),
				Method:     r.Method,
				Path:       r.URL.Path,
			}
			key, err := v.Validate(r.Context(), req)
			if err != nil {
				var kerr *service.KeyError
				if errors.As(err, &kerr) {
					if kerr.Status() == http.StatusUnauthorized {
						w.Header().Set("WWW-Authenticate", "ApiKey")
					}
					writeError(w, kerr.Status(), kerr.Error(), map[string]interface{}{"reason": string(kerr.Reason)})
					return
				}
				logger.Error("api key validation failed", "error", err, "request_id", GetRequestID(r.Context()))
				writeError(w, http.StatusInternalServerError, "Authentication backend unavailable", nil)
				return
			}

			ctx := WithPrincipal(r.Context(), &Principal{
				Type:        PrincipalAPIKey,
				UserID:      key.OwnerID,
				Permissions: key.Permissions,
				Key:         key,
			})
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r.WithContext(ctx))
			v.RecordUse(key, req, ww.status, time.Since(start))
		})
	}
}
