// internal/ledger/schema.go
package ledger

import (
	"context"
	"database/sql"
	"fmt"
)

// Schema creates the ledger tables. Statements are idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS members (
	id BIGSERIAL PRIMARY KEY,
	member_id TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL,
	email TEXT NOT NULL,
	phone TEXT NOT NULL DEFAULT '',
	birthday TEXT NOT NULL DEFAULT '',
	gender TEXT NOT NULL DEFAULT '',
	stamps INT NOT NULL DEFAULT 0 CHECK (stamps BETWEEN 0 AND 5),
	total_rewards INT NOT NULL DEFAULT 0 CHECK (total_rewards >= 0),
	available_rewards INT NOT NULL DEFAULT 0 CHECK (available_rewards >= 0),
	latest_message_title TEXT NOT NULL DEFAULT '',
	latest_message_body TEXT NOT NULL DEFAULT '',
	version INT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE UNIQUE INDEX IF NOT EXISTS members_email_key ON members (LOWER(email));

CREATE TABLE IF NOT EXISTS reward_history (
	seq BIGSERIAL PRIMARY KEY,
	id UUID NOT NULL UNIQUE,
	member_id BIGINT NOT NULL REFERENCES members(id) ON DELETE CASCADE,
	type TEXT NOT NULL CHECK (type IN ('earned', 'redeemed')),
	description TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS reward_history_member_idx ON reward_history (member_id, seq);

CREATE TABLE IF NOT EXISTS pass_registrations (
	device_library_id TEXT NOT NULL,
	pass_type_id TEXT NOT NULL,
	serial_number TEXT NOT NULL REFERENCES members(member_id) ON DELETE CASCADE,
	push_token TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (device_library_id, pass_type_id, serial_number)
);

CREATE INDEX IF NOT EXISTS pass_registrations_serial_idx ON pass_registrations (serial_number);
CREATE INDEX IF NOT EXISTS pass_registrations_token_idx ON pass_registrations (push_token);
`

// Migrate applies Schema.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
