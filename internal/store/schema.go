package store

import (
	"context"
	"fmt"
)

const schema = `
CREATE TABLE IF NOT EXISTS bars (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	is_active  BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS tabs (
	id                  TEXT PRIMARY KEY,
	bar_id              TEXT NOT NULL REFERENCES bars(id),
	tab_number          INTEGER NOT NULL,
	customer_identifier TEXT NOT NULL,
	status              TEXT NOT NULL DEFAULT 'open',
	balance             BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS tabs_customer_idx ON tabs (bar_id, customer_identifier, status);

CREATE TABLE IF NOT EXISTS mpesa_credentials (
	tenant_id                TEXT NOT NULL REFERENCES bars(id),
	environment              TEXT NOT NULL CHECK (environment IN ('sandbox', 'production')),
	business_shortcode       TEXT NOT NULL,
	consumer_key_encrypted   TEXT NOT NULL,
	consumer_secret_encrypted TEXT NOT NULL,
	passkey_encrypted        TEXT NOT NULL,
	callback_url             TEXT NOT NULL DEFAULT '',
	is_active                BOOLEAN NOT NULL DEFAULT TRUE,
	encrypted_at             TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_validated           TIMESTAMPTZ,
	PRIMARY KEY (tenant_id, environment)
);

CREATE TABLE IF NOT EXISTS transactions (
	id                   TEXT PRIMARY KEY,
	tenant_id            TEXT NOT NULL,
	tab_id               TEXT NOT NULL REFERENCES tabs(id),
	customer_id          TEXT NOT NULL,
	phone_number         TEXT NOT NULL,
	amount               BIGINT NOT NULL CHECK (amount > 0),
	currency             TEXT NOT NULL DEFAULT 'KES',
	environment          TEXT NOT NULL,
	status               TEXT NOT NULL,
	account_reference    TEXT NOT NULL,
	checkout_request_id  TEXT UNIQUE,
	merchant_request_id  TEXT,
	mpesa_receipt_number TEXT,
	result_code          INTEGER,
	failure_reason       TEXT,
	attempts             INTEGER NOT NULL DEFAULT 1,
	created_at           TIMESTAMPTZ NOT NULL,
	updated_at           TIMESTAMPTZ NOT NULL,
	sent_at              TIMESTAMPTZ,
	completed_at         TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS transactions_status_idx ON transactions (status, created_at DESC);

CREATE TABLE IF NOT EXISTS callback_events (
	id                  TEXT PRIMARY KEY,
	checkout_request_id TEXT NOT NULL,
	merchant_request_id TEXT NOT NULL,
	result_code         INTEGER NOT NULL,
	transaction_id      TEXT REFERENCES transactions(id),
	payload             JSONB NOT NULL,
	source_ip           TEXT,
	duplicate           BOOLEAN NOT NULL DEFAULT FALSE,
	processed           BOOLEAN NOT NULL DEFAULT FALSE,
	received_at         TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS callback_events_checkout_idx ON callback_events (checkout_request_id);
CREATE INDEX IF NOT EXISTS callback_events_pending_idx ON callback_events (received_at) WHERE NOT processed;

CREATE TABLE IF NOT EXISTS rate_limit_attempts (
	id           BIGSERIAL PRIMARY KEY,
	customer_id  TEXT NOT NULL,
	phone_number TEXT NOT NULL,
	ip_address   TEXT,
	amount       BIGINT NOT NULL,
	outcome      TEXT NOT NULL,
	reason       TEXT,
	created_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS rate_limit_attempts_customer_idx ON rate_limit_attempts (customer_id, created_at DESC);
`

// Migrate creates any missing tables. It is safe to run on every start.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.Db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}
