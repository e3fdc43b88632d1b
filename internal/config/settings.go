package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// InsecureDevSecret is used when no JWT secret is configured. serve refuses
// to start with it unless --dev is given.
const InsecureDevSecret = "akm-dev-secret-change-me-akm-dev-secret"

// MinSecretLength is the shortest accepted JWT signing secret.
const MinSecretLength = 32

// Settings is the effective runtime configuration, resolved from defaults,
// the config file, and AKM_* environment variables.
type Settings struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration
	ProtectedPrefix string
	CORSOrigins     []string
	CORSMethods     []string
	TrustedProxies  []netip.Prefix

	JWTSecret        string
	AccessTTL        time.Duration
	RefreshTTL       time.Duration
	MaxLoginAttempts int
	LockoutDuration  time.Duration
	BcryptCost       int
	KeyPrefix        string
	RegistryTimeout  time.Duration
	LoginRate        int

	RateLimitPerMinute int
	RateLimitPerHour   int
	RateLimitPerDay    int
	BucketTTL          time.Duration

	SchedulerEnabled  bool
	SchedulerInterval time.Duration
	WarningWindow     time.Duration
	AuditRetention    time.Duration
	AdvisoryThreshold int

	WebhookURL     string
	WebhookSecret  string
	WebhookTimeout time.Duration

	AuditBuffer      int
	AuditRedisURL    string
	AuditRedisStream string

	DatabaseDriver string
	DatabaseDSN    string

	LogLevel  string
	LogFormat string
}

// SetDefaults registers every known key with its default so that viper's
// AutomaticEnv can resolve AKM_* overrides for keys absent from the file.
func SetDefaults(v *viper.Viper) {
	d := DefaultYAMLConfig()

	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	v.SetDefault("server.protected_prefix", d.Server.ProtectedPrefix)
	v.SetDefault("server.trusted_proxies", []string{})
	v.SetDefault("server.cors.origins", d.Server.CORS.Origins)
	v.SetDefault("server.cors.methods", d.Server.CORS.Methods)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.access_ttl", d.Auth.AccessTTL)
	v.SetDefault("auth.refresh_ttl", d.Auth.RefreshTTL)
	v.SetDefault("auth.max_login_attempts", d.Auth.MaxLoginAttempts)
	v.SetDefault("auth.lockout_duration", d.Auth.LockoutDuration)
	v.SetDefault("auth.bcrypt_cost", d.Auth.BcryptCost)
	v.SetDefault("auth.key_prefix", d.Auth.KeyPrefix)
	v.SetDefault("auth.registry_timeout", d.Auth.RegistryTimeout)
	v.SetDefault("auth.login_rate_per_minute", d.Auth.LoginRate)

	v.SetDefault("ratelimit.per_minute", d.RateLimit.PerMinute)
	v.SetDefault("ratelimit.per_hour", d.RateLimit.PerHour)
	v.SetDefault("ratelimit.per_day", d.RateLimit.PerDay)
	v.SetDefault("ratelimit.bucket_ttl", d.RateLimit.BucketTTL)

	v.SetDefault("scheduler.enabled", d.Scheduler.Enabled)
	v.SetDefault("scheduler.interval", d.Scheduler.Interval)
	v.SetDefault("scheduler.warning_window", d.Scheduler.WarningWindow)
	v.SetDefault("scheduler.audit_retention", d.Scheduler.AuditRetention)
	v.SetDefault("scheduler.advisory_threshold", d.Scheduler.AdvisoryThreshold)

	v.SetDefault("webhook.url", "")
	v.SetDefault("webhook.secret", "")
	v.SetDefault("webhook.timeout", d.Webhook.Timeout)

	v.SetDefault("audit.buffer", d.Audit.Buffer)
	v.SetDefault("audit.redis_url", "")
	v.SetDefault("audit.redis_stream", d.Audit.RedisStream)

	v.SetDefault("database.driver", d.Database.Driver)
	v.SetDefault("database.dsn", "")

	v.SetDefault("log.level", d.Logging.Level)
	v.SetDefault("log.format", d.Logging.Format)
}

// Load resolves Settings from v. Durations accept Go duration syntax.
func Load(v *viper.Viper) (*Settings, error) {
	var errs []error
	dur := func(key string) time.Duration {
		d, err := time.ParseDuration(v.GetString(key))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
		return d
	}
	prefixes := func(key string) []netip.Prefix {
		p, err := ParsePrefixes(v.GetStringSlice(key))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
		return p
	}

	s := &Settings{
		Host:            v.GetString("server.host"),
		Port:            v.GetInt("server.port"),
		ShutdownTimeout: dur("server.shutdown_timeout"),
		ProtectedPrefix: v.GetString("server.protected_prefix"),
		CORSOrigins:     v.GetStringSlice("server.cors.origins"),
		CORSMethods:     v.GetStringSlice("server.cors.methods"),
		TrustedProxies:  prefixes("server.trusted_proxies"),

		JWTSecret:        v.GetString("auth.jwt_secret"),
		AccessTTL:        dur("auth.access_ttl"),
		RefreshTTL:       dur("auth.refresh_ttl"),
		MaxLoginAttempts: v.GetInt("auth.max_login_attempts"),
		LockoutDuration:  dur("auth.lockout_duration"),
		BcryptCost:       v.GetInt("auth.bcrypt_cost"),
		KeyPrefix:        v.GetString("auth.key_prefix"),
		RegistryTimeout:  dur("auth.registry_timeout"),
		LoginRate:        v.GetInt("auth.login_rate_per_minute"),

		RateLimitPerMinute: v.GetInt("ratelimit.per_minute"),
		RateLimitPerHour:   v.GetInt("ratelimit.per_hour"),
		RateLimitPerDay:    v.GetInt("ratelimit.per_day"),
		BucketTTL:          dur("ratelimit.bucket_ttl"),

		SchedulerEnabled:  v.GetBool("scheduler.enabled"),
		SchedulerInterval: dur("scheduler.interval"),
		WarningWindow:     dur("scheduler.warning_window"),
		AuditRetention:    dur("scheduler.audit_retention"),
		AdvisoryThreshold: v.GetInt("scheduler.advisory_threshold"),

		WebhookURL:     v.GetString("webhook.url"),
		WebhookSecret:  v.GetString("webhook.secret"),
		WebhookTimeout: dur("webhook.timeout"),

		AuditBuffer:      v.GetInt("audit.buffer"),
		AuditRedisURL:    v.GetString("audit.redis_url"),
		AuditRedisStream: v.GetString("audit.redis_stream"),

		DatabaseDriver: v.GetString("database.driver"),
		DatabaseDSN:    v.GetString("database.dsn"),

		LogLevel:  v.GetString("log.level"),
		LogFormat: v.GetString("log.format"),
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks ranges that would otherwise fail later at runtime.
func (s *Settings) Validate() error {
	var errs []error
	if s.Port < 0 || s.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", s.Port))
	}
	if s.JWTSecret != "" && len(s.JWTSecret) < MinSecretLength {
		errs = append(errs, fmt.Errorf("auth.jwt_secret must be at least %d characters", MinSecretLength))
	}
	if s.AccessTTL <= 0 || s.RefreshTTL <= 0 {
		errs = append(errs, errors.New("auth.access_ttl and auth.refresh_ttl must be positive"))
	}
	if s.MaxLoginAttempts < 1 {
		errs = append(errs, errors.New("auth.max_login_attempts must be at least 1"))
	}
	if s.RegistryTimeout <= 0 {
		errs = append(errs, errors.New("auth.registry_timeout must be positive"))
	}
	if s.RateLimitPerMinute < 1 || s.RateLimitPerHour < 1 || s.RateLimitPerDay < 1 {
		errs = append(errs, errors.New("ratelimit ceilings must be at least 1"))
	}
	if s.SchedulerInterval <= 0 {
		errs = append(errs, errors.New("scheduler.interval must be positive"))
	}
	switch s.DatabaseDriver {
	case "sqlite", "postgres", "mysql":
	default:
		errs = append(errs, fmt.Errorf("database.driver %q not supported", s.DatabaseDriver))
	}
	switch strings.ToLower(s.LogFormat) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", s.LogFormat))
	}
	if _, err := ParseLevel(s.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ParsePrefixes parses CIDR blocks and bare addresses. A bare address
// becomes a single-host prefix.
func ParsePrefixes(values []string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if strings.Contains(v, "/") {
			p, err := netip.ParsePrefix(v)
			if err != nil {
				return nil, err
			}
			out = append(out, p.Masked())
			continue
		}
		ip, err := netip.ParseAddr(v)
		if err != nil {
			return nil, err
		}
		ip = ip.Unmap()
		out = append(out, netip.PrefixFrom(ip, ip.BitLen()))
	}
	return out, nil
}

// ParseLevel maps debug, info, warn, and error to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log.level %q: %w", s, err)
	}
	return l, nil
}

// NewLogger builds the process logger. The level is read through lv so a
// config reload can change it without rebuilding handlers.
func NewLogger(w io.Writer, format string, lv *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: lv}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
