package store

import (
	"fmt"
	"strings"
)

// migrations are applied in order on every start. Each statement must be
// idempotent or fail with an error migrate knows to skip.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id {key} PRIMARY KEY,
		email {key} NOT NULL UNIQUE,
		username {key} NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		role VARCHAR(32) NOT NULL DEFAULT 'developer',
		failed_login_attempts INTEGER NOT NULL DEFAULT 0,
		locked_until {ts},
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		is_verified BOOLEAN NOT NULL DEFAULT FALSE,
		last_login_at {ts},
		created_at {ts} NOT NULL,
		updated_at {ts} NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS api_keys (
		id {key} PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		description TEXT NOT NULL,
		key_prefix VARCHAR(16) NOT NULL,
		key_hash {key} NOT NULL UNIQUE,
		owner_id {key} NOT NULL,
		status VARCHAR(16) NOT NULL,
		permissions TEXT NOT NULL,
		allowed_ips TEXT NOT NULL,
		allowed_user_agents TEXT NOT NULL,
		environment VARCHAR(32) NOT NULL,
		rate_limit_per_minute INTEGER,
		rate_limit_per_hour INTEGER,
		rate_limit_per_day INTEGER,
		expires_at {ts},
		rotated_from_id {key},
		grace_period_ends_at {ts},
		last_used_at {ts},
		usage_count BIGINT NOT NULL DEFAULT 0,
		created_at {ts} NOT NULL,
		updated_at {ts} NOT NULL,
		FOREIGN KEY (owner_id) REFERENCES users(id) ON DELETE CASCADE
	)`,

	`CREATE TABLE IF NOT EXISTS refresh_tokens (
		id {key} PRIMARY KEY,
		user_id {key} NOT NULL,
		token_hash {key} NOT NULL UNIQUE,
		expires_at {ts} NOT NULL,
		revoked BOOLEAN NOT NULL DEFAULT FALSE,
		revoked_at {ts},
		created_at {ts} NOT NULL,
		FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
	)`,

	`CREATE TABLE IF NOT EXISTS audit_logs (
		id {key} PRIMARY KEY,
		action VARCHAR(64) NOT NULL,
		user_id {key},
		api_key_id {key},
		endpoint TEXT NOT NULL,
		method VARCHAR(16) NOT NULL,
		ip_address VARCHAR(64) NOT NULL,
		user_agent TEXT NOT NULL,
		status_code INTEGER NOT NULL DEFAULT 0,
		response_time_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
		reason VARCHAR(64) NOT NULL,
		metadata TEXT NOT NULL,
		created_at {ts} NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS webhook_events (
		id {key} PRIMARY KEY,
		event_type VARCHAR(64) NOT NULL,
		payload TEXT NOT NULL,
		status VARCHAR(16) NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_attempt_at {ts},
		error_message TEXT NOT NULL,
		created_at {ts} NOT NULL
	)`,

	`{index} idx_api_keys_owner ON api_keys(owner_id)`,
	`{index} idx_api_keys_status_expiry ON api_keys(status, expires_at)`,
	`{index} idx_refresh_tokens_user ON refresh_tokens(user_id)`,
	`{index} idx_audit_logs_created ON audit_logs(created_at)`,
	`{index} idx_audit_logs_key ON audit_logs(api_key_id)`,
}

func (s *Store) migrate() error {
	for _, m := range migrations {
		stmt := s.dialect.ddl(m)
		if _, err := s.db.Exec(stmt); err != nil {
			// MySQL has no CREATE INDEX IF NOT EXISTS; an existing index
			// reports "Duplicate key name" and is treated as applied.
			if strings.Contains(err.Error(), "Duplicate key name") {
				continue
			}
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, stmt)
		}
	}
	return nil
}
