package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/akmhq/akm/internal/audit"
	"github.com/akmhq/akm/internal/handler"
	"github.com/akmhq/akm/internal/metrics"
	"github.com/akmhq/akm/internal/ratelimit"
	"github.com/akmhq/akm/internal/server/middleware"
	"github.com/akmhq/akm/internal/service"
	"github.com/akmhq/akm/internal/store"
)

// Config holds the HTTP server configuration.
type Config struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration
	CORSOrigins     []string
	CORSMethods     []string
	ProtectedPrefix string
	BaseURL         string
	Version         string
	LoginRate       int   // register and login attempts per minute per IP
	MaxBodySize     int64 // bytes
	// Peers allowed to set X-Forwarded-For and X-Real-IP. Empty means the
	// connection address is always the client.
	TrustedProxies []netip.Prefix
}

// DefaultConfig returns a Config with sensible production defaults.
func DefaultConfig() Config {
	return Config{
		Host:            "0.0.0.0",
		Port:            8080,
		ShutdownTimeout: 30 * time.Second,
		CORSOrigins:     []string{"http://localhost:3000", "http://localhost:8000"},
		CORSMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE"},
		ProtectedPrefix: "/api/v1/protected",
		Version:         "dev",
		LoginRate:       10,
		MaxBodySize:     1 << 20, // 1MB
	}
}

// Deps are the services the HTTP layer is wired to.
type Deps struct {
	Store     *store.Store
	Auth      *service.AuthService
	Keys      *service.KeyService
	Validator *service.Validator
	Limiter   *ratelimit.Limiter
	Metrics   *metrics.Metrics
	Audit     audit.Emitter
}

// Server is the top-level HTTP server for akm. It owns the Chi router and
// the services behind it.
type Server struct {
	cfg        Config
	deps       Deps
	router     chi.Router
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a new Server, wires up all routes and middleware, and returns
// it ready to listen. Call ListenAndServe to start accepting connections.
func New(cfg Config, deps Deps, logger *slog.Logger) *Server {
	if cfg.ProtectedPrefix == "" {
		cfg.ProtectedPrefix = DefaultConfig().ProtectedPrefix
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = fmt.Sprintf("http://localhost:%d", cfg.Port)
	}
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()
	excluded := middleware.DefaultExcludedPaths

	// --- Global middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(s.logger))
	r.Use(chimw.Recoverer)
	r.Use(middleware.RealIP(s.cfg.TrustedProxies))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   append(append([]string{}, s.cfg.CORSMethods...), "OPTIONS"),
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	if s.cfg.MaxBodySize > 0 {
		r.Use(chimw.RequestSize(s.cfg.MaxBodySize))
	}
	r.Use(middleware.ValidateAPIKey(s.deps.Validator, s.cfg.ProtectedPrefix, excluded, s.logger))
	r.Use(middleware.RateLimit(s.deps.Limiter, s.deps.Metrics, s.deps.Audit, excluded))

	// --- Health checks and docs (no auth required) ---
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Handle("/metrics", s.deps.Metrics.Handler())

	openAPIHandler := handler.NewOpenAPIHandler(s.cfg.BaseURL, s.cfg.Version, s.cfg.ProtectedPrefix)
	r.Get("/openapi.json", openAPIHandler.ServeSpec)
	r.Get("/docs", openAPIHandler.ServeDocs)

	authenticate := middleware.Authenticate(s.deps.Auth)

	// --- API routes ---
	r.Route("/api/v1", func(r chi.Router) {

		// Accounts and sessions
		r.Route("/auth", func(r chi.Router) {
			authHandler := handler.NewAuthHandler(s.deps.Auth)
			throttle := middleware.Throttle(s.cfg.LoginRate)

			r.With(throttle).Post("/register", authHandler.Register)
			r.With(throttle).Post("/login", authHandler.Login)
			r.Post("/refresh", authHandler.Refresh)

			r.Group(func(r chi.Router) {
				r.Use(authenticate)
				r.Post("/logout", authHandler.Logout)
				r.Get("/me", authHandler.Me)
				r.Put("/me", authHandler.UpdateMe)
				r.Post("/change-password", authHandler.ChangePassword)
				r.With(middleware.RequireAdmin()).Put("/users/{userID}/role", authHandler.SetRole)
			})
		})

		// API key management
		r.Route("/keys", func(r chi.Router) {
			r.Use(authenticate)
			keyHandler := handler.NewKeyHandler(s.deps.Keys)

			r.Post("/", keyHandler.Create)
			r.Get("/", keyHandler.List)
			r.Get("/{keyID}", keyHandler.Get)
			r.Put("/{keyID}", keyHandler.Update)
			r.Delete("/{keyID}", keyHandler.Revoke)
			r.Post("/{keyID}/rotate", keyHandler.Rotate)
			r.Post("/{keyID}/disable", keyHandler.Disable)
			r.Post("/{keyID}/enable", keyHandler.Enable)
		})

		// Audit trail
		r.Route("/audit", func(r chi.Router) {
			r.Use(authenticate)
			auditHandler := handler.NewAuditHandler(s.deps.Store)

			r.Get("/", auditHandler.List)
			r.Get("/stats", auditHandler.Stats)
		})
	})

	// --- Key-protected resources ---
	// ValidateAPIKey above has already authenticated and authorized
	// everything under the prefix.
	r.Route(s.cfg.ProtectedPrefix, func(r chi.Router) {
		protectedHandler := handler.NewProtectedHandler()

		r.Get("/test", protectedHandler.Test)
		r.Get("/resource", protectedHandler.Resource)
		r.Post("/resource", protectedHandler.Resource)
		r.Put("/resource", protectedHandler.Resource)
		r.Patch("/resource", protectedHandler.Resource)
		r.Delete("/resource", protectedHandler.Resource)
	})

	s.router = r
}

// handleHealthz is a liveness probe. Returns 200 if the process is running.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// handleReadyz is a readiness probe. Returns 200 when the database is
// reachable, or 503 otherwise.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	httpStatus := http.StatusOK
	checks := map[string]string{"database": "ok"}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.deps.Store.Ping(ctx); err != nil {
		checks["database"] = "error: " + err.Error()
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": status,
		"checks": checks,
	})
}

// ListenAndServe starts the HTTP server and blocks until ctx is canceled.
// It then performs a graceful shutdown, draining in-flight requests and
// pending usage updates.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in background goroutine
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", addr, "protected_prefix", s.cfg.ProtectedPrefix)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		return fmt.Errorf("server listen: %w", err)
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	s.deps.Validator.Wait()
	s.logger.Info("server stopped")
	return nil
}

// Router returns the underlying Chi router, useful for testing.
func (s *Server) Router() chi.Router {
	return s.router
}

// ServeHTTP implements http.Handler, delegating to the router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
