package sqlstore

import (
	"context"
	"fmt"
)

// Timestamps are unix milliseconds and JSON payloads are TEXT so that one
// schema serves both dialects. Only the surrogate key differs.
const schemaTemplate = `
CREATE TABLE IF NOT EXISTS wallets (
	user_id                TEXT PRIMARY KEY,
	balance_cents          BIGINT NOT NULL DEFAULT 0 CHECK (balance_cents >= 0),
	lifetime_granted_cents BIGINT NOT NULL DEFAULT 0,
	lifetime_spent_cents   BIGINT NOT NULL DEFAULT 0,
	created_at             BIGINT NOT NULL,
	updated_at             BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS ledger_entries (
	seq          %[1]s,
	id           TEXT NOT NULL UNIQUE,
	user_id      TEXT NOT NULL,
	entry_type   TEXT NOT NULL,
	amount_cents BIGINT NOT NULL CHECK (amount_cents >= 0),
	currency     TEXT NOT NULL,
	request_id   TEXT,
	thread_id    TEXT,
	message_id   TEXT,
	model_id     TEXT,
	provider     TEXT,
	metadata     TEXT,
	created_at   BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_ledger_entries_user ON ledger_entries(user_id, seq);
CREATE INDEX IF NOT EXISTS idx_ledger_entries_request ON ledger_entries(request_id);

CREATE TABLE IF NOT EXISTS reservations (
	request_id   TEXT PRIMARY KEY,
	user_id      TEXT NOT NULL,
	amount_cents BIGINT NOT NULL,
	status       TEXT NOT NULL,
	created_at   BIGINT NOT NULL,
	closed_at    BIGINT
);

CREATE INDEX IF NOT EXISTS idx_reservations_open ON reservations(status, created_at);

CREATE TABLE IF NOT EXISTS feedback_ratings (
	id         TEXT PRIMARY KEY,
	source     TEXT NOT NULL,
	target_id  TEXT NOT NULL,
	user_id    TEXT,
	rating     INTEGER NOT NULL CHECK (rating BETWEEN 1 AND 5),
	comment    TEXT,
	created_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS feedback_citations (
	rating_id TEXT NOT NULL REFERENCES feedback_ratings(id) ON DELETE CASCADE,
	chunk_id  TEXT NOT NULL,
	doc_id    TEXT,
	PRIMARY KEY (rating_id, chunk_id)
);

CREATE INDEX IF NOT EXISTS idx_feedback_citations_chunk ON feedback_citations(chunk_id);

CREATE TABLE IF NOT EXISTS retrieval_signals (
	chunk_id          TEXT PRIMARY KEY,
	doc_id            TEXT,
	rating_count      INTEGER NOT NULL,
	avg_rating        DOUBLE PRECISION NOT NULL,
	low_rating_count  INTEGER NOT NULL,
	high_rating_count INTEGER NOT NULL,
	confidence        DOUBLE PRECISION NOT NULL,
	multiplier        DOUBLE PRECISION NOT NULL,
	updated_at        BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_events (
	id         TEXT PRIMARY KEY,
	actor_id   TEXT,
	action     TEXT NOT NULL,
	subject    TEXT,
	payload    TEXT,
	created_at BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_events_created ON audit_events(created_at);
`

// Schema returns the DDL for d.
func Schema(d Dialect) string {
	seq := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if d == DialectPostgres {
		seq = "BIGSERIAL PRIMARY KEY"
	}
	return fmt.Sprintf(schemaTemplate, seq)
}

// Migrate creates any missing tables and indexes. It is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema(s.dialect)); err != nil {
		return fmt.Errorf("migrate %s: %w", s.dialect, err)
	}
	return nil
}
