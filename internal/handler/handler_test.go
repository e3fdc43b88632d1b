package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/akmhq/akm/internal/audit"
	"github.com/akmhq/akm/internal/model"
	"github.com/akmhq/akm/internal/server/middleware"
	"github.com/akmhq/akm/internal/service"
	"github.com/akmhq/akm/internal/store"
	"github.com/akmhq/akm/internal/token"
)

const testPassword = "Str0ng!pass"

// storeEmitter persists audit entries synchronously so tests can read them
// back through the audit endpoints.
type storeEmitter struct {
	sink audit.Sink
}

func (e storeEmitter) Emit(entry model.AuditEntry) {
	e.sink.Write(context.Background(), entry)
}

type testEnv struct {
	store   *store.Store
	authSvc *service.AuthService
	router  chi.Router
}

// newTestEnv creates a fresh test environment with an in-memory store and
// the session-authenticated routes mounted. API key validation is not
// mounted here; it is covered by the server tests.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	st, err := store.NewStore("") // in-memory SQLite
	if err != nil {
		t.Fatalf("store.NewStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	emitter := storeEmitter{sink: audit.StoreSink(st)}
	tokens := token.NewService(token.Config{Secret: "handler-test-secret-long-enough-for-hs256"})
	authSvc := service.NewAuthService(st, tokens, emitter, service.AuthConfig{BcryptCost: 4})
	keySvc := service.NewKeyService(st, emitter, "akm")

	authH := NewAuthHandler(authSvc)
	keyH := NewKeyHandler(keySvc)
	auditH := NewAuditHandler(st)

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/register", authH.Register)
		r.Post("/auth/login", authH.Login)
		r.Post("/auth/refresh", authH.Refresh)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Authenticate(authSvc))
			r.Post("/auth/logout", authH.Logout)
			r.Get("/auth/me", authH.Me)
			r.Put("/auth/me", authH.UpdateMe)
			r.Post("/auth/change-password", authH.ChangePassword)
			r.Put("/auth/users/{userID}/role", authH.SetRole)

			r.Post("/keys", keyH.Create)
			r.Get("/keys", keyH.List)
			r.Get("/keys/{keyID}", keyH.Get)
			r.Put("/keys/{keyID}", keyH.Update)
			r.Delete("/keys/{keyID}", keyH.Revoke)
			r.Post("/keys/{keyID}/rotate", keyH.Rotate)
			r.Post("/keys/{keyID}/disable", keyH.Disable)
			r.Post("/keys/{keyID}/enable", keyH.Enable)

			r.Get("/audit", auditH.List)
			r.Get("/audit/stats", auditH.Stats)
		})
	})

	return &testEnv{store: st, authSvc: authSvc, router: r}
}

// do executes an HTTP request against the test router and returns the recorder.
func (e *testEnv) do(t *testing.T, method, path, accessToken string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

// register creates an account through the API and returns its id.
func (e *testEnv) register(t *testing.T, email, username string) string {
	t.Helper()
	rr := e.do(t, "POST", "/api/v1/auth/register", "", toJSON(t, map[string]string{
		"email":    email,
		"username": username,
		"password": testPassword,
	}))
	assertStatus(t, rr, http.StatusCreated)
	var u model.User
	decodeJSON(t, rr, &u)
	return u.ID
}

// login returns a fresh token pair for email.
func (e *testEnv) login(t *testing.T, email string) service.TokenPair {
	t.Helper()
	rr := e.do(t, "POST", "/api/v1/auth/login", "", toJSON(t, map[string]string{
		"email":    email,
		"password": testPassword,
	}))
	assertStatus(t, rr, http.StatusOK)
	var pair service.TokenPair
	decodeJSON(t, rr, &pair)
	return pair
}

// createKey creates a key through the API and returns the response.
func (e *testEnv) createKey(t *testing.T, accessToken string, body map[string]interface{}) createdKeyResponse {
	t.Helper()
	rr := e.do(t, "POST", "/api/v1/keys", accessToken, toJSON(t, body))
	assertStatus(t, rr, http.StatusCreated)
	resp := createdKeyResponse{APIKey: &model.APIKey{}}
	decodeJSON(t, rr, &resp)
	return resp
}

func toJSON(t *testing.T, v interface{}) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(v); err != nil {
		t.Fatalf("toJSON: %v", err)
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

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) model.ErrorDetail {
	t.Helper()
	var resp model.ErrorResponse
	decodeJSON(t, rr, &resp)
	return resp.Error
}
