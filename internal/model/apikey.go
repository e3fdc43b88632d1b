package model

import "time"

// KeyStatus is the lifecycle state of an API key. Exactly one status holds
// at any time.
type KeyStatus string

const (
	KeyActive   KeyStatus = "active"
	KeyDisabled KeyStatus = "disabled"
	KeyExpired  KeyStatus = "expired"
	KeyRevoked  KeyStatus = "revoked"
	KeyRotating KeyStatus = "rotating"
)

// Valid reports whether s is one of the five known statuses.
func (s KeyStatus) Valid() bool {
	switch s {
	case KeyActive, KeyDisabled, KeyExpired, KeyRevoked, KeyRotating:
		return true
	}
	return false
}

// Deployment environments a key can be tagged with.
const (
	EnvDevelopment = "development"
	EnvStaging     = "staging"
	EnvProduction  = "production"
)

// ValidEnvironment reports whether env is a known environment tag.
func ValidEnvironment(env string) bool {
	switch env {
	case EnvDevelopment, EnvStaging, EnvProduction:
		return true
	}
	return false
}

// APIKey is the central registry record. The raw key is never stored; only
// its SHA-256 digest and an 8 character display prefix are persisted.
type APIKey struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description"`
	KeyPrefix   string       `json:"key_prefix"`
	KeyHash     string       `json:"-"` // SHA-256 hex, never expose
	OwnerID     string       `json:"owner_id"`
	Status      KeyStatus    `json:"status"`
	Permissions []Permission `json:"permissions"`

	AllowedIPs        []string `json:"allowed_ips"`
	AllowedUserAgents []string `json:"allowed_user_agents"`
	Environment       string   `json:"environment"`

	// Nil means the global default applies for that window.
	RateLimitPerMinute *int `json:"rate_limit_per_minute"`
	RateLimitPerHour   *int `json:"rate_limit_per_hour"`
	RateLimitPerDay    *int `json:"rate_limit_per_day"`

	ExpiresAt         *time.Time `json:"expires_at,omitempty"`
	RotatedFromID     *string    `json:"rotated_from_id,omitempty"`
	GracePeriodEndsAt *time.Time `json:"grace_period_ends_at,omitempty"`

	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	UsageCount int64      `json:"usage_count"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// HasPermission reports whether p is in the key's permission set.
func (k *APIKey) HasPermission(p Permission) bool {
	for _, have := range k.Permissions {
		if have == p {
			return true
		}
	}
	return false
}

// GraceEnded reports whether a rotating key's grace period has run out at now.
func (k *APIKey) GraceEnded(now time.Time) bool {
	return k.Status == KeyRotating && k.GracePeriodEndsAt != nil && !now.Before(*k.GracePeriodEndsAt)
}

// PastExpiry reports whether the absolute expiry has been reached at now.
func (k *APIKey) PastExpiry(now time.Time) bool {
	return k.ExpiresAt != nil && !now.Before(*k.ExpiresAt)
}
