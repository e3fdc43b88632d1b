package model

import "time"

// Audit actions recorded by the service.
const (
	ActionKeyCreated       = "api_key_created"
	ActionKeyUpdated       = "api_key_updated"
	ActionKeyRotated       = "api_key_rotated"
	ActionKeyDisabled      = "api_key_disabled"
	ActionKeyEnabled       = "api_key_enabled"
	ActionKeyRevoked       = "api_key_revoked"
	ActionKeyUsed          = "api_key_used"
	ActionKeyRejected      = "api_key_validation_failed"
	ActionKeyExpired       = "api_key_expired"
	ActionKeyGraceEnded    = "api_key_grace_ended"
	ActionKeyExpiryWarning = "key_expiry_warning"
	ActionRateLimited      = "rate_limit_exceeded"
	ActionUserRegistered   = "user_registered"
	ActionLoginSucceeded   = "login_succeeded"
	ActionLoginFailed      = "login_failed"
	ActionAccountLocked    = "account_locked"
	ActionTokenRefreshed   = "token_refreshed"
	ActionLogout           = "logout"
	ActionPasswordChanged  = "password_changed"
	ActionRoleChanged      = "role_changed"
)

// AuditEntry is one structured audit record. Optional fields are nil when
// they do not apply to the action.
type AuditEntry struct {
	ID             string         `json:"id"`
	Action         string         `json:"action"`
	UserID         *string        `json:"user_id,omitempty"`
	APIKeyID       *string        `json:"api_key_id,omitempty"`
	Endpoint       string         `json:"endpoint,omitempty"`
	Method         string         `json:"method,omitempty"`
	IPAddress      string         `json:"ip_address,omitempty"`
	UserAgent      string         `json:"user_agent,omitempty"`
	StatusCode     int            `json:"status_code,omitempty"`
	ResponseTimeMs float64        `json:"response_time_ms,omitempty"`
	Reason         string         `json:"reason,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// AuditFilter narrows an audit listing. Empty fields match everything.
type AuditFilter struct {
	UserID   string
	APIKeyID string
	Action   string
	Since    *time.Time
}

// ActionCount is one row of the audit stats breakdown.
type ActionCount struct {
	Action string `json:"action" db:"action"`
	Count  int64  `json:"count" db:"count"`
}
