// Package storage handles all database operations for the token gateway.
package storage

import (
	"database/sql"
	"fmt"
)

// InitSchema creates all required tables and indexes.
// This is idempotent - safe to call multiple times.
func InitSchema(db *sql.DB) error {
	// Enable foreign key constraints
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	ddlStatements := []string{
		// tokens table: both variants share one table, discriminated by kind
		`CREATE TABLE IF NOT EXISTS tokens (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			secret_hash TEXT NOT NULL UNIQUE,
			kind TEXT NOT NULL CHECK (kind IN ('mobile', 'api')),
			name TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'active'
				CHECK (status IN ('active', 'inactive', 'revoked')),
			role TEXT NOT NULL DEFAULT '',
			required_app_version TEXT NOT NULL DEFAULT '',
			client_name TEXT NOT NULL DEFAULT '',
			client_email TEXT NOT NULL DEFAULT '',
			rate_limit_per_hour INTEGER NOT NULL DEFAULT 0,
			rate_limit_per_day INTEGER NOT NULL DEFAULT 0,
			allowed_endpoints TEXT NOT NULL DEFAULT '[]',
			allowed_ips TEXT NOT NULL DEFAULT '[]',
			expires_at TIMESTAMP,
			max_usage_count INTEGER NOT NULL DEFAULT 0,
			usage_count INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			last_used_at TIMESTAMP
		)`,

		// Index on secret_hash for the per-request lookup
		`CREATE INDEX IF NOT EXISTS idx_tokens_secret_hash ON tokens(secret_hash)`,
		`CREATE INDEX IF NOT EXISTS idx_tokens_status ON tokens(status)`,
		`CREATE INDEX IF NOT EXISTS idx_tokens_kind ON tokens(kind)`,

		// model_permissions table: per-token, per-model grants
		`CREATE TABLE IF NOT EXISTS model_permissions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			token_id INTEGER NOT NULL,
			model_name TEXT NOT NULL,
			can_create INTEGER NOT NULL DEFAULT 0,
			can_read INTEGER NOT NULL DEFAULT 1,
			can_update INTEGER NOT NULL DEFAULT 0,
			can_delete INTEGER NOT NULL DEFAULT 0,
			can_list INTEGER NOT NULL DEFAULT 1,
			can_bulk_create INTEGER NOT NULL DEFAULT 0,
			can_bulk_update INTEGER NOT NULL DEFAULT 0,
			can_bulk_delete INTEGER NOT NULL DEFAULT 0,
			restricted_fields TEXT NOT NULL DEFAULT '[]',
			readonly_fields TEXT NOT NULL DEFAULT '[]',
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (token_id, model_name),
			FOREIGN KEY (token_id) REFERENCES tokens(id) ON DELETE CASCADE
		)`,

		`CREATE INDEX IF NOT EXISTS idx_model_permissions_token ON model_permissions(token_id)`,

		// usage_counters table: ephemeral wall-clock-aligned window counters
		`CREATE TABLE IF NOT EXISTS usage_counters (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			token_id INTEGER NOT NULL,
			window_kind TEXT NOT NULL CHECK (window_kind IN ('hour', 'day')),
			window_start TIMESTAMP NOT NULL,
			count INTEGER NOT NULL DEFAULT 0,
			UNIQUE (token_id, window_kind, window_start),
			FOREIGN KEY (token_id) REFERENCES tokens(id) ON DELETE CASCADE
		)`,

		`CREATE INDEX IF NOT EXISTS idx_usage_counters_window ON usage_counters(window_kind, window_start)`,

		// usage_log table: append-only validation outcome records
		`CREATE TABLE IF NOT EXISTS usage_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			token_id INTEGER NOT NULL,
			token_kind TEXT NOT NULL,
			token_name TEXT NOT NULL,
			ts TIMESTAMP NOT NULL,
			endpoint TEXT NOT NULL,
			method TEXT NOT NULL,
			client_ip TEXT NOT NULL DEFAULT '',
			user_agent TEXT NOT NULL DEFAULT '',
			status_code INTEGER NOT NULL,
			latency_ms INTEGER NOT NULL DEFAULT 0,
			request_size INTEGER NOT NULL DEFAULT 0,
			response_size INTEGER NOT NULL DEFAULT 0,
			error_code TEXT NOT NULL DEFAULT ''
		)`,

		`CREATE INDEX IF NOT EXISTS idx_usage_log_token ON usage_log(token_id, ts)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_log_ts ON usage_log(ts)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_log_endpoint ON usage_log(endpoint)`,
	}

	for _, stmt := range ddlStatements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute DDL: %w", err)
		}
	}

	return nil
}
