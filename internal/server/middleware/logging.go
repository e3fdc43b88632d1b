package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Logger returns an HTTP middleware that writes one structured record per
// request: method, path, status, bytes, duration, request id, client
// address and, when a later middleware authenticated the caller, the
// principal and key id. 5xx responses log at error, 4xx at warn.
func Logger(logger *slog.Logger) func(http.Handler) http.Handler {
	logger = logger.With("component", "http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			holder := &principalHolder{}
			next.ServeHTTP(ww, r.WithContext(context.WithValue(r.Context(), principalHolderKey, holder)))

			attrs := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.status,
				"bytes", ww.bytes,
				"duration_ms", float64(time.Since(start).Microseconds()) / 1000.0,
				"request_id", GetRequestID(r.Context()),
				"remote_addr", r.RemoteAddr,
			}
			if p := holder.p; p != nil {
				attrs = append(attrs, "principal", p.Type, "user_id", p.UserID)
				if p.Key != nil {
					attrs = append(attrs, "key_id", p.Key.ID)
				}
			}
			logger.Log(r.Context(), statusLevel(ww.status), "request", attrs...)
		})
	}
}

func statusLevel(status int) slog.Level {
	switch {
	case status >= 500:
		return slog.LevelError
	case status >= 400:
		return slog.LevelWarn
	}
	return slog.LevelInfo
}

// responseWriter records the status and size of a response. ValidateAPIKey
// reuses it to learn the downstream status for usage entries.
type responseWriter struct {
	http.ResponseWriter
	status      int
	bytes       int
	wroteHeader bool
}

type principalHolder struct {
	p *Principal
}

const principalHolderKey contextKey = "principal_holder"

// notePrincipal lets Logger see a principal attached by inner middleware.
func notePrincipal(ctx context.Context, p *Principal) {
	if h, ok := ctx.Value(principalHolderKey).(*principalHolder); ok {
		h.p = p
	}
}

func (w *responseWriter) WriteHeader(code int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

// Unwrap exposes the wrapped writer to http.ResponseController.
func (w *responseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
