package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/akmhq/akm/internal/audit"
	"github.com/akmhq/akm/internal/config"
	"github.com/akmhq/akm/internal/metrics"
	"github.com/akmhq/akm/internal/notify"
	"github.com/akmhq/akm/internal/ratelimit"
	"github.com/akmhq/akm/internal/scheduler"
	"github.com/akmhq/akm/internal/service"
	"github.com/akmhq/akm/internal/store"
	"github.com/akmhq/akm/internal/token"
)

// dataDir holds the --data-dir persistent flag value (set on root command).
var dataDir string

// resolveDataDir returns the data directory from --data-dir flag,
// AKM_DATA_DIR env var, or ~/.akm as fallback.
func resolveDataDir() string {
	if dataDir != "" {
		return dataDir
	}
	if envDir := os.Getenv("AKM_DATA_DIR"); envDir != "" {
		return envDir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".akm")
}

// loadSettings resolves the effective configuration from viper.
func loadSettings() (*config.Settings, error) {
	s, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return s, nil
}

// openStore opens the configured database. SQLite files live in the data
// directory, which is created on first use.
func openStore(s *config.Settings) (*store.Store, error) {
	cfg := store.Config{Driver: s.DatabaseDriver, DSN: s.DatabaseDSN}
	if s.DatabaseDriver == "sqlite" && s.DatabaseDSN == "" {
		cfg.DataDir = resolveDataDir()
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	st, err := store.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return st, nil
}

// app bundles the services shared by serve, sweep, key, user and mcp.
type app struct {
	settings   *config.Settings
	logger     *slog.Logger
	store      *store.Store
	metrics    *metrics.Metrics
	dispatcher *audit.Dispatcher
	redis      *audit.RedisSink

	tokens    *token.Service
	auth      *service.AuthService
	keys      *service.KeyService
	validator *service.Validator
	limiter   *ratelimit.Limiter
	notifier  notify.Notifier
}

// newApp opens the store and builds every service. secret may be empty for
// commands that never sign tokens.
func newApp(ctx context.Context, s *config.Settings, logger *slog.Logger, secret string) (*app, error) {
	st, err := openStore(s)
	if err != nil {
		return nil, err
	}
	a := &app{settings: s, logger: logger, store: st, metrics: metrics.New()}

	sinks := audit.MultiSink{audit.StoreSink(st), audit.LogSink{Logger: logger.With("component", "audit")}}
	if s.AuditRedisURL != "" {
		rs, err := audit.NewRedisSink(ctx, s.AuditRedisURL, s.AuditRedisStream, 0)
		if err != nil {
			st.Close()
			return nil, err
		}
		a.redis = rs
		sinks = append(sinks, rs)
		logger.Info("audit stream enabled", "stream", s.AuditRedisStream)
	}
	a.dispatcher = audit.NewDispatcher(sinks, s.AuditBuffer, logger, audit.OnDrop(a.metrics.RecordAuditDropped))

	a.tokens = token.NewService(token.Config{Secret: secret, AccessTTL: s.AccessTTL, RefreshTTL: s.RefreshTTL})
	a.auth = service.NewAuthService(st, a.tokens, a.dispatcher, service.AuthConfig{
		MaxLoginAttempts: s.MaxLoginAttempts,
		LockoutDuration:  s.LockoutDuration,
		BcryptCost:       s.BcryptCost,
	})
	a.keys = service.NewKeyService(st, a.dispatcher, s.KeyPrefix)
	a.validator = service.NewValidator(st, a.dispatcher, a.metrics, logger, service.ValidatorConfig{
		LookupTimeout: s.RegistryTimeout,
	})
	a.limiter = ratelimit.New(ratelimit.Limits{
		PerMinute: s.RateLimitPerMinute,
		PerHour:   s.RateLimitPerHour,
		PerDay:    s.RateLimitPerDay,
	}, ratelimit.WithTTL(s.BucketTTL))

	a.notifier = notify.Nop{}
	if s.WebhookURL != "" {
		a.notifier = notify.NewWebhook(notify.Config{
			URL:     s.WebhookURL,
			Secret:  s.WebhookSecret,
			Timeout: s.WebhookTimeout,
		}, st, a.metrics, logger)
	}
	return a, nil
}

// newScheduler builds the lifecycle sweep over the app's services.
func (a *app) newScheduler() *scheduler.Scheduler {
	opts := []scheduler.Option{scheduler.WithPurger(a.store)}
	if a.settings.AdvisoryThreshold > 0 {
		opts = append(opts, scheduler.WithAdvisor(scheduler.RejectionAdvisor{
			Counter:   a.store,
			Window:    a.settings.SchedulerInterval,
			Threshold: int64(a.settings.AdvisoryThreshold),
		}))
	}
	return scheduler.New(a.store, a.limiter, a.dispatcher, a.notifier, a.metrics, a.logger, scheduler.Config{
		Interval:       a.settings.SchedulerInterval,
		WarningWindow:  a.settings.WarningWindow,
		AuditRetention: a.settings.AuditRetention,
	}, opts...)
}

// Close drains pending audit writes and pending key usage updates before
// closing the store.
func (a *app) Close() {
	a.validator.Wait()
	a.dispatcher.Close()
	if a.redis != nil {
		a.redis.Close()
	}
	a.store.Close()
}

// cliInfo tags audit entries written by CLI commands.
func cliInfo(command string) service.RequestInfo {
	return service.RequestInfo{Endpoint: "cli:" + command, Method: "CLI", UserAgent: "akm/" + versionString()}
}

// versionString returns a display version string.
func versionString() string {
	if appVersion == "" || appVersion == "dev" {
		return "dev"
	}
	if strings.HasPrefix(appVersion, "v") {
		return appVersion
	}
	return "v" + appVersion
}
