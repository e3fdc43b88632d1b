package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// YAMLConfig represents the top-level akm configuration file.
type YAMLConfig struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Audit     AuditConfig     `yaml:"audit"`
	Database  DatabaseConfig  `yaml:"database"`
	Logging   LoggingConfig   `yaml:"log"`
}

// ServerConfig controls the HTTP server behavior.
type ServerConfig struct {
	Host            string     `yaml:"host"`
	Port            int        `yaml:"port"`
	ShutdownTimeout string     `yaml:"shutdown_timeout"`
	ProtectedPrefix string     `yaml:"protected_prefix"`
	TrustedProxies  []string   `yaml:"trusted_proxies"`
	CORS            CORSConfig `yaml:"cors"`
}

// CORSConfig controls cross-origin resource sharing settings.
type CORSConfig struct {
	Origins []string `yaml:"origins"`
	Methods []string `yaml:"methods"`
}

// AuthConfig controls session tokens, passwords, and API key issuance.
type AuthConfig struct {
	JWTSecret        string `yaml:"jwt_secret"`
	AccessTTL        string `yaml:"access_ttl"`
	RefreshTTL       string `yaml:"refresh_ttl"`
	MaxLoginAttempts int    `yaml:"max_login_attempts"`
	LockoutDuration  string `yaml:"lockout_duration"`
	BcryptCost       int    `yaml:"bcrypt_cost"`
	KeyPrefix        string `yaml:"key_prefix"`
	RegistryTimeout  string `yaml:"registry_timeout"`
	LoginRate        int    `yaml:"login_rate_per_minute"`
}

// RateLimitConfig holds the global per-window ceilings used when a key has
// no limit of its own, and for IP-keyed traffic.
type RateLimitConfig struct {
	PerMinute int    `yaml:"per_minute"`
	PerHour   int    `yaml:"per_hour"`
	PerDay    int    `yaml:"per_day"`
	BucketTTL string `yaml:"bucket_ttl"`
}

// SchedulerConfig controls the background key sweep.
type SchedulerConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Interval       string `yaml:"interval"`
	WarningWindow  string `yaml:"warning_window"`
	AuditRetention string `yaml:"audit_retention"`
	// AdvisoryThreshold is the rejection count per key and interval that
	// gets logged as an anomaly. Zero disables the advisory phase.
	AdvisoryThreshold int `yaml:"advisory_threshold"`
}

// WebhookConfig controls expiry notifications. An empty URL disables them.
type WebhookConfig struct {
	URL     string `yaml:"url"`
	Secret  string `yaml:"secret"`
	Timeout string `yaml:"timeout"`
}

// AuditConfig controls where audit entries go besides the database.
type AuditConfig struct {
	Buffer      int    `yaml:"buffer"`
	RedisURL    string `yaml:"redis_url"`
	RedisStream string `yaml:"redis_stream"`
}

// DatabaseConfig selects the storage engine.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LoadYAMLConfig reads and parses a YAML configuration file. Environment
// variables referenced as ${VAR_NAME} in the file are expanded before parsing.
func LoadYAMLConfig(path string) (*YAMLConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Expand environment variables: ${VAR_NAME}
	content := os.ExpandEnv(string(data))

	cfg := DefaultYAMLConfig()
	if err := yaml.Unmarshal([]byte(content), cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// DefaultYAMLConfig returns a YAMLConfig pre-filled with sensible defaults.
func DefaultYAMLConfig() *YAMLConfig {
	return &YAMLConfig{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ShutdownTimeout: "30s",
			ProtectedPrefix: "/api/v1/protected",
			CORS: CORSConfig{
				Origins: []string{"http://localhost:3000", "http://localhost:8000"},
				Methods: []string{"GET", "POST", "PUT", "PATCH", "DELETE"},
			},
		},
		Auth: AuthConfig{
			AccessTTL:        "30m",
			RefreshTTL:       "168h",
			MaxLoginAttempts: 5,
			LockoutDuration:  "15m",
			BcryptCost:       12,
			KeyPrefix:        "akm",
			RegistryTimeout:  "2s",
			LoginRate:        10,
		},
		RateLimit: RateLimitConfig{
			PerMinute: 60,
			PerHour:   1000,
			PerDay:    10000,
			BucketTTL: "1h",
		},
		Scheduler: SchedulerConfig{
			Enabled:           true,
			Interval:          "5m",
			WarningWindow:     "168h",
			AuditRetention:    "2160h",
			AdvisoryThreshold: 50,
		},
		Webhook: WebhookConfig{
			Timeout: "10s",
		},
		Audit: AuditConfig{
			Buffer:      1024,
			RedisStream: "akm:audit",
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// WriteDefaultConfig writes the default configuration to a YAML file.
func WriteDefaultConfig(path string) error {
	cfg := DefaultYAMLConfig()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
