package store

import (
	"context"
	"fmt"
)

// schema is valid for both Postgres and SQLite. Instants are Unix milliseconds.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS consultations (
		id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL,
		provider_id TEXT NOT NULL,
		scheduled_at BIGINT NOT NULL,
		duration_minutes INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		origin TEXT NOT NULL DEFAULT '',
		value_cents BIGINT NOT NULL DEFAULT 0,
		payable INTEGER NOT NULL DEFAULT 0,
		credit_action TEXT NOT NULL DEFAULT 'none',
		billing_ref TEXT NOT NULL DEFAULT '',
		subscription_id TEXT NOT NULL DEFAULT '',
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_consultations_status_scheduled ON consultations (status, scheduled_at)`,
	`CREATE INDEX IF NOT EXISTS idx_consultations_subscription ON consultations (subscription_id)`,

	`CREATE TABLE IF NOT EXISTS consultation_joins (
		consultation_id TEXT NOT NULL,
		slot_at BIGINT NOT NULL,
		customer_joined_at BIGINT,
		provider_joined_at BIGINT,
		customer_token TEXT NOT NULL DEFAULT '',
		provider_token TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (consultation_id, slot_at)
	)`,

	`CREATE TABLE IF NOT EXISTS cancellations (
		id TEXT PRIMARY KEY,
		consultation_id TEXT NOT NULL,
		requested_by TEXT NOT NULL,
		reason_kind TEXT NOT NULL DEFAULT '',
		reason_detail TEXT NOT NULL DEFAULT '',
		deferral TEXT NOT NULL,
		requested_at BIGINT NOT NULL,
		decided_at BIGINT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_cancellations_consultation ON cancellations (consultation_id, requested_at)`,

	`CREATE TABLE IF NOT EXISTS commissions (
		id TEXT PRIMARY KEY,
		consultation_id TEXT NOT NULL UNIQUE,
		provider_id TEXT NOT NULL,
		base_cents BIGINT NOT NULL,
		rate_bps INTEGER NOT NULL,
		value_cents BIGINT NOT NULL,
		period TEXT NOT NULL,
		consult_at BIGINT NOT NULL,
		status TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_commissions_status ON commissions (status, consult_at)`,

	`CREATE TABLE IF NOT EXISTS providers (
		id TEXT PRIMARY KEY,
		legal_entity TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1
	)`,

	`CREATE TABLE IF NOT EXISTS credit_grants (
		id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		remaining INTEGER NOT NULL,
		used INTEGER NOT NULL DEFAULT 0,
		active INTEGER NOT NULL DEFAULT 1,
		valid_until BIGINT NOT NULL,
		created_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_credit_grants_customer ON credit_grants (customer_id, kind)`,

	`CREATE TABLE IF NOT EXISTS credit_returns (
		consultation_id TEXT NOT NULL,
		billing_ref TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		PRIMARY KEY (consultation_id, billing_ref)
	)`,

	`CREATE TABLE IF NOT EXISTS purchases (
		id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL,
		status TEXT NOT NULL,
		expires_at BIGINT NOT NULL,
		created_at BIGINT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS subscriptions (
		id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL,
		status TEXT NOT NULL,
		period_end BIGINT NOT NULL,
		cancelled_at BIGINT
	)`,
}

// Migrate creates or upgrades the schema. It is safe to run repeatedly.
func (s *SQLStore) Migrate(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := s.exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate step %d: %w", i, err)
		}
	}
	return nil
}
