package middleware

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/httprate"

	"github.com/akmhq/akm/internal/audit"
	"github.com/akmhq/akm/internal/metrics"
	"github.com/akmhq/akm/internal/model"
	"github.com/akmhq/akm/internal/ratelimit"
)

// RateLimit returns an HTTP middleware that applies multi-window admission
// control. Requests with an API key principal are charged to the key's
// buckets under the key's own ceilings; everything else is charged to the
// client IP under the defaults. It must run after ValidateAPIKey.
//
// Every limited response carries X-RateLimit-Limit, X-RateLimit-Remaining
// and X-RateLimit-Reset for the minute window. Rejections add Retry-After.
func RateLimit(l *ratelimit.Limiter, m *metrics.Metrics, emitter audit.Emitter, excluded []string) func(http.Handler) http.Handler {
	if emitter == nil {
		emitter = audit.Discard
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if Excluded(r.URL.Path, excluded) {
				next.ServeHTTP(w, r)
				return
			}

			kind, id, limits := "ip", ratelimit.IPIdentifier(ClientIP(r)), ratelimit.Limits{}
			p := GetPrincipal(r.Context())
			if p != nil && p.Key != nil {
				kind, id, limits = "api_key", ratelimit.KeyIdentifier(p.Key.ID), KeyLimits(p.Key)
			}

			d := l.Allow(id, limits)
			m.RecordRateLimit(kind, d.Allowed, d.Window.String())

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))

			if !d.Allowed {
				retry := int(math.Ceil(d.RetryAfter.Seconds()))
				if retry < 1 {
					retry = 1
				}
				h.Set("Retry-After", strconv.Itoa(retry))

				e := model.AuditEntry{
					Action:     model.ActionRateLimited,
					Endpoint:   r.URL.Path,
					Method:     r.Method,
					IPAddress:  ClientIP(r),
					UserAgent:  r.UserAgent(),
					StatusCode: http.StatusTooManyRequests,
					Reason:     d.Window.String(),
					CreatedAt:  time.Now().UTC(),
				}
				if p != nil && p.Key != nil {
					owner, keyID := p.Key.OwnerID, p.Key.ID
					e.UserID, e.APIKeyID = &owner, &keyID
				}
				emitter.Emit(e)

				writeError(w, http.StatusTooManyRequests, "Rate limit exceeded", map[string]interface{}{
					"window":      d.Window.String(),
					"retry_after": retry,
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// KeyLimits returns the per-window ceilings configured on k. Unset windows
// are zero and fall back to the limiter defaults.
func KeyLimits(k *model.APIKey) ratelimit.Limits {
	var l ratelimit.Limits
	if k.RateLimitPerMinute != nil {
		l.PerMinute = *k.RateLimitPerMinute
	}
	if k.RateLimitPerHour != nil {
		l.PerHour = *k.RateLimitPerHour
	}
	if k.RateLimitPerDay != nil {
		l.PerDay = *k.RateLimitPerDay
	}
	return l
}

// Throttle returns an HTTP middleware that limits requests per client IP
// to requestsPerMinute on a sliding window. It guards the unauthenticated
// login and registration endpoints against brute force.
func Throttle(requestsPerMinute int) func(http.Handler) http.Handler {
	return httprate.Limit(
		requestsPerMinute,
		time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			writeError(w, http.StatusTooManyRequests, "Too many attempts, try again later", nil)
		}),
	)
}
