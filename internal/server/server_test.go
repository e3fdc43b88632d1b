package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"

	"github.com/akmhq/akm/internal/audit"
	"github.com/akmhq/akm/internal/metrics"
	"github.com/akmhq/akm/internal/model"
	"github.com/akmhq/akm/internal/ratelimit"
	"github.com/akmhq/akm/internal/service"
	"github.com/akmhq/akm/internal/store"
	"github.com/akmhq/akm/internal/token"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

const (
	testJWTSecret = "test-secret-for-jwt-integration-tests"
	testPassword  = "Str0ng!pass"
)

// testEnv holds all the shared state for integration tests.
type testEnv struct {
	server    *Server
	store     *store.Store
	audit     *audit.Memory
	validator *service.Validator
}

// newTestEnv creates a fresh test environment with an in-memory store and a
// fully wired Server.
func newTestEnv(t *testing.T, cfgFns ...func(*Config)) *testEnv {
	t.Helper()

	st, err := store.NewStore("") // in-memory SQLite
	if err != nil {
		t.Fatalf("store.NewStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mem := &audit.Memory{}
	m := metrics.New()
	tokens := token.NewService(token.Config{Secret: testJWTSecret})
	validator := service.NewValidator(st, mem, m, logger, service.ValidatorConfig{})

	cfg := DefaultConfig()
	for _, fn := range cfgFns {
		fn(&cfg)
	}
	srv := New(cfg, Deps{
		Store:     st,
		Auth:      service.NewAuthService(st, tokens, mem, service.AuthConfig{BcryptCost: 4}),
		Keys:      service.NewKeyService(st, mem, "akm"),
		Validator: validator,
		Limiter:   ratelimit.New(ratelimit.Limits{PerMinute: 1000, PerHour: 10000, PerDay: 100000}),
		Metrics:   m,
		Audit:     mem,
	}, logger)

	return &testEnv{server: srv, store: st, audit: mem, validator: validator}
}

// do executes an HTTP request against the test server and returns the recorder.
// headers is an optional map of header key-value pairs.
func (e *testEnv) do(t *testing.T, method, path string, body io.Reader, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		if k == "RemoteAddr" {
			req.RemoteAddr = v
			continue
		}
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	e.server.ServeHTTP(rr, req)
	return rr
}

// doAuth executes a request with a session access token.
func (e *testEnv) doAuth(t *testing.T, method, path string, body io.Reader, token string) *httptest.ResponseRecorder {
	t.Helper()
	return e.do(t, method, path, body, map[string]string{
		"Authorization": "Bearer " + token,
	})
}

// doKey executes a request presenting an API key from the given address.
func (e *testEnv) doKey(t *testing.T, method, path, key, remoteAddr string) *httptest.ResponseRecorder {
	t.Helper()
	headers := map[string]string{"X-API-Key": key}
	if remoteAddr != "" {
		headers["RemoteAddr"] = remoteAddr
	}
	return e.do(t, method, path, nil, headers)
}

// signup registers and logs in a developer, returning the access token.
func (e *testEnv) signup(t *testing.T, email, username string) string {
	t.Helper()
	rr := e.do(t, "POST", "/api/v1/auth/register", jsonBody(t, map[string]string{
		"email": email, "username": username, "password": testPassword,
	}), nil)
	assertStatus(t, rr, http.StatusCreated)

	rr = e.do(t, "POST", "/api/v1/auth/login", jsonBody(t, map[string]string{
		"email": email, "password": testPassword,
	}), nil)
	assertStatus(t, rr, http.StatusOK)
	var pair struct {
		AccessToken string `json:"access_token"`
	}
	decodeJSON(t, rr, &pair)
	if pair.AccessToken == "" {
		t.Fatal("signup: got empty access token")
	}
	return pair.AccessToken
}

type createdKey struct {
	ID     string `json:"id"`
	APIKey string `json:"api_key"`
}

// createKey creates an API key through the API.
func (e *testEnv) createKey(t *testing.T, token string, body map[string]interface{}) createdKey {
	t.Helper()
	rr := e.doAuth(t, "POST", "/api/v1/keys", jsonBody(t, body), token)
	assertStatus(t, rr, http.StatusCreated)
	var k createdKey
	decodeJSON(t, rr, &k)
	if k.APIKey == "" {
		t.Fatal("createKey: no api_key in response")
	}
	return k
}

func jsonBody(t *testing.T, v interface{}) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(v); err != nil {
		t.Fatalf("jsonBody: %v", err)
	}
	return buf
}

func assertStatus(t *testing.T, rr *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rr.Code != want {
		t.Errorf("status = %d, want %d; body = %s", rr.Code, want, rr.Body.String())
	}
}

func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decodeJSON: %v; body = %s", err, rr.Body.String())
	}
}

// errorReason extracts error.context.reason from an error response.
func errorReason(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var resp model.ErrorResponse
	decodeJSON(t, rr, &resp)
	reason, _ := resp.Error.Context["reason"].(string)
	return reason
}

// ---------------------------------------------------------------------------
// System endpoints
// ---------------------------------------------------------------------------

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, "GET", "/healthz", nil, nil)
	assertStatus(t, rr, http.StatusOK)
	if rr.Header().Get("X-RateLimit-Limit") != "" {
		t.Error("health checks must not be rate limited")
	}
}

func TestReadyz(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, "GET", "/readyz", nil, nil)
	assertStatus(t, rr, http.StatusOK)

	var resp struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	decodeJSON(t, rr, &resp)
	if resp.Status != "ok" || resp.Checks["database"] != "ok" {
		t.Errorf("got %+v", resp)
	}

	env.store.Close()
	rr = env.do(t, "GET", "/readyz", nil, nil)
	assertStatus(t, rr, http.StatusServiceUnavailable)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	token := env.signup(t, "dev@example.com", "dev_one")
	k := env.createKey(t, token, map[string]interface{}{"name": "m"})
	env.doKey(t, "GET", "/api/v1/protected/test", k.APIKey, "")

	rr := env.do(t, "GET", "/metrics", nil, nil)
	assertStatus(t, rr, http.StatusOK)
	if !strings.Contains(rr.Body.String(), "akm_key_validations_total") {
		t.Error("validation counter missing from /metrics")
	}
}

func TestOpenAPIAndDocs(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, "GET", "/openapi.json", nil, nil)
	assertStatus(t, rr, http.StatusOK)
	var doc map[string]interface{}
	decodeJSON(t, rr, &doc)
	if doc["openapi"] != "3.1.0" {
		t.Errorf("openapi = %v", doc["openapi"])
	}

	rr = env.do(t, "GET", "/docs", nil, nil)
	assertStatus(t, rr, http.StatusOK)
}

func TestRequestIDEchoed(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, "GET", "/healthz", nil, map[string]string{"X-Request-ID": "trace-123"})
	if got := rr.Header().Get("X-Request-ID"); got != "trace-123" {
		t.Errorf("X-Request-ID = %q, want trace-123", got)
	}
}

// ---------------------------------------------------------------------------
// Session-protected routes
// ---------------------------------------------------------------------------

func TestManagementRequiresSession(t *testing.T) {
	env := newTestEnv(t)
	for _, path := range []string{"/api/v1/keys", "/api/v1/audit", "/api/v1/auth/me"} {
		rr := env.do(t, "GET", path, nil, nil)
		assertStatus(t, rr, http.StatusUnauthorized)
	}

	rr := env.doAuth(t, "GET", "/api/v1/keys", nil, "not-a-jwt")
	assertStatus(t, rr, http.StatusUnauthorized)
}

func TestSetRoleRequiresAdmin(t *testing.T) {
	env := newTestEnv(t)
	token := env.signup(t, "dev@example.com", "dev_one")

	rr := env.doAuth(t, "PUT", "/api/v1/auth/users/anyone/role", jsonBody(t, map[string]string{"role": "admin"}), token)
	assertStatus(t, rr, http.StatusForbidden)
}

func TestLoginThrottled(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.LoginRate = 3 })

	body := map[string]string{"email": "nobody@example.com", "password": "Wr0ng!pass"}
	for i := 0; i < 3; i++ {
		rr := env.do(t, "POST", "/api/v1/auth/login", jsonBody(t, body), nil)
		assertStatus(t, rr, http.StatusUnauthorized)
	}
	rr := env.do(t, "POST", "/api/v1/auth/login", jsonBody(t, body), nil)
	assertStatus(t, rr, http.StatusTooManyRequests)
}

// ---------------------------------------------------------------------------
// API key protected routes
// ---------------------------------------------------------------------------

func TestProtectedRoute_EndToEnd(t *testing.T) {
	env := newTestEnv(t)
	token := env.signup(t, "dev@example.com", "dev_one")
	k := env.createKey(t, token, map[string]interface{}{
		"name":        "reader",
		"permissions": []string{"read"},
	})

	rr := env.doKey(t, "GET", "/api/v1/protected/resource", k.APIKey, "")
	assertStatus(t, rr, http.StatusOK)
	if rr.Header().Get("X-RateLimit-Limit") == "" || rr.Header().Get("X-RateLimit-Remaining") == "" {
		t.Error("expected rate limit headers on a protected response")
	}
	var ok struct {
		KeyID  string `json:"key_id"`
		Method string `json:"method"`
	}
	decodeJSON(t, rr, &ok)
	if ok.KeyID != k.ID || ok.Method != "GET" {
		t.Errorf("got %+v", ok)
	}

	rr = env.doKey(t, "POST", "/api/v1/protected/resource", k.APIKey, "")
	assertStatus(t, rr, http.StatusForbidden)
	if reason := errorReason(t, rr); reason != string(service.ReasonPermissionDenied) {
		t.Errorf("reason = %q, want PERMISSION_DENIED", reason)
	}

	rr = env.do(t, "GET", "/api/v1/protected/test", nil, nil)
	assertStatus(t, rr, http.StatusUnauthorized)
	if reason := errorReason(t, rr); reason != string(service.ReasonMissing) {
		t.Errorf("reason = %q, want MISSING_CREDENTIAL", reason)
	}

	// A session token is not an API key.
	rr = env.doAuth(t, "GET", "/api/v1/protected/test", nil, token)
	assertStatus(t, rr, http.StatusUnauthorized)

	env.validator.Wait()
	stored, err := env.store.Get(context.Background(), k.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.UsageCount != 1 {
		t.Errorf("usage_count = %d, want 1", stored.UsageCount)
	}
	if got := env.audit.Count(model.ActionKeyRejected); got != 3 {
		t.Errorf("rejections audited = %d, want 3", got)
	}
	for _, e := range env.audit.Entries() {
		if e.Action == model.ActionKeyRejected && e.Reason == string(service.ReasonPermissionDenied) {
			if e.APIKeyID == nil || *e.APIKeyID != k.ID {
				t.Errorf("permission rejection not attributed to key %s", k.ID)
			}
		}
	}
}

func TestProtectedRoute_CredentialLocations(t *testing.T) {
	env := newTestEnv(t)
	token := env.signup(t, "dev@example.com", "dev_one")
	k := env.createKey(t, token, map[string]interface{}{"name": "any"})

	rr := env.do(t, "GET", "/api/v1/protected/test", nil, map[string]string{"Authorization": "ApiKey " + k.APIKey})
	assertStatus(t, rr, http.StatusOK)

	rr = env.do(t, "GET", "/api/v1/protected/test?api_key="+k.APIKey, nil, nil)
	assertStatus(t, rr, http.StatusOK)
}

func TestProtectedRoute_IPAllowlist(t *testing.T) {
	env := newTestEnv(t)
	token := env.signup(t, "dev@example.com", "dev_one")
	k := env.createKey(t, token, map[string]interface{}{
		"name":        "office",
		"allowed_ips": []string{"10.0.0.0/24"},
	})

	rr := env.doKey(t, "GET", "/api/v1/protected/test", k.APIKey, "10.0.0.5:4000")
	assertStatus(t, rr, http.StatusOK)

	rr = env.doKey(t, "GET", "/api/v1/protected/test", k.APIKey, "10.0.1.5:4000")
	assertStatus(t, rr, http.StatusForbidden)
	if reason := errorReason(t, rr); reason != string(service.ReasonIPNotAllowed) {
		t.Errorf("reason = %q, want IP_NOT_ALLOWED", reason)
	}

	// Forwarding headers from an untrusted peer do not change the client.
	rr = env.do(t, "GET", "/api/v1/protected/test", nil, map[string]string{
		"X-API-Key":       k.APIKey,
		"X-Forwarded-For": "10.0.0.5",
		"X-Real-IP":       "10.0.0.5",
		"RemoteAddr":      "203.0.113.9:4000",
	})
	assertStatus(t, rr, http.StatusForbidden)
}

func TestProtectedRoute_TrustedProxy(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.TrustedProxies = []netip.Prefix{netip.MustParsePrefix("192.0.2.0/24")}
	})
	token := env.signup(t, "dev@example.com", "dev_one")
	k := env.createKey(t, token, map[string]interface{}{
		"name":        "office",
		"allowed_ips": []string{"10.0.0.0/24"},
	})

	via := func(remote, xff string) *httptest.ResponseRecorder {
		return env.do(t, "GET", "/api/v1/protected/test", nil, map[string]string{
			"X-API-Key":       k.APIKey,
			"X-Forwarded-For": xff,
			"RemoteAddr":      remote,
		})
	}
	assertStatus(t, via("192.0.2.1:4000", "10.0.0.5"), http.StatusOK)
	assertStatus(t, via("192.0.2.1:4000", "10.0.0.5, 10.0.1.5"), http.StatusForbidden)
	assertStatus(t, via("203.0.113.9:4000", "10.0.0.5"), http.StatusForbidden)
}

func TestProtectedRoute_RevokedAndDisabled(t *testing.T) {
	env := newTestEnv(t)
	token := env.signup(t, "dev@example.com", "dev_one")
	disabled := env.createKey(t, token, map[string]interface{}{"name": "d"})
	revoked := env.createKey(t, token, map[string]interface{}{"name": "r"})

	assertStatus(t, env.doAuth(t, "POST", "/api/v1/keys/"+disabled.ID+"/disable", nil, token), http.StatusOK)
	assertStatus(t, env.doAuth(t, "DELETE", "/api/v1/keys/"+revoked.ID, nil, token), http.StatusNoContent)

	rr := env.doKey(t, "GET", "/api/v1/protected/test", disabled.APIKey, "")
	assertStatus(t, rr, http.StatusUnauthorized)
	if reason := errorReason(t, rr); reason != string(service.ReasonDisabled) {
		t.Errorf("reason = %q, want DISABLED", reason)
	}

	rr = env.doKey(t, "GET", "/api/v1/protected/test", revoked.APIKey, "")
	assertStatus(t, rr, http.StatusUnauthorized)
	if reason := errorReason(t, rr); reason != string(service.ReasonRevoked) {
		t.Errorf("reason = %q, want REVOKED", reason)
	}
}

func TestProtectedRoute_RotationGrace(t *testing.T) {
	env := newTestEnv(t)
	token := env.signup(t, "dev@example.com", "dev_one")
	old := env.createKey(t, token, map[string]interface{}{"name": "svc"})

	rr := env.doAuth(t, "POST", "/api/v1/keys/"+old.ID+"/rotate", jsonBody(t, map[string]int{"grace_period_hours": 1}), token)
	assertStatus(t, rr, http.StatusOK)
	var rotated struct {
		NewKey createdKey `json:"new_key"`
	}
	decodeJSON(t, rr, &rotated)

	assertStatus(t, env.doKey(t, "GET", "/api/v1/protected/test", old.APIKey, ""), http.StatusOK)
	assertStatus(t, env.doKey(t, "GET", "/api/v1/protected/test", rotated.NewKey.APIKey, ""), http.StatusOK)

	// Without a grace period the old key stops working at once.
	rr = env.doAuth(t, "POST", "/api/v1/keys/"+rotated.NewKey.ID+"/rotate", jsonBody(t, map[string]int{"grace_period_hours": 0}), token)
	assertStatus(t, rr, http.StatusOK)
	assertStatus(t, env.doKey(t, "GET", "/api/v1/protected/test", rotated.NewKey.APIKey, ""), http.StatusUnauthorized)
}

func TestProtectedRoute_RateLimited(t *testing.T) {
	env := newTestEnv(t)
	token := env.signup(t, "dev@example.com", "dev_one")
	k := env.createKey(t, token, map[string]interface{}{
		"name":                  "tight",
		"rate_limit_per_minute": 2,
	})

	for i := 0; i < 2; i++ {
		assertStatus(t, env.doKey(t, "GET", "/api/v1/protected/test", k.APIKey, ""), http.StatusOK)
	}
	rr := env.doKey(t, "GET", "/api/v1/protected/test", k.APIKey, "")
	assertStatus(t, rr, http.StatusTooManyRequests)
	if rr.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After on 429")
	}
	if rr.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("X-RateLimit-Remaining = %q, want 0", rr.Header().Get("X-RateLimit-Remaining"))
	}
	if env.audit.Count(model.ActionRateLimited) != 1 {
		t.Errorf("rate limit audits = %d, want 1", env.audit.Count(model.ActionRateLimited))
	}

	// Other keys have their own buckets.
	other := env.createKey(t, token, map[string]interface{}{"name": "other"})
	assertStatus(t, env.doKey(t, "GET", "/api/v1/protected/test", other.APIKey, ""), http.StatusOK)
}

func TestProtectedRoute_UnknownKey(t *testing.T) {
	env := newTestEnv(t)
	rr := env.doKey(t, "GET", "/api/v1/protected/test", "akm_"+strings.Repeat("A", 43), "")
	assertStatus(t, rr, http.StatusUnauthorized)
	if rr.Header().Get("WWW-Authenticate") == "" {
		t.Error("expected WWW-Authenticate on 401")
	}
}
