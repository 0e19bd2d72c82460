package database

import (
	"context"
	"fmt"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS deals (
		url              TEXT PRIMARY KEY,
		name             TEXT NOT NULL,
		brand            TEXT,
		category         TEXT,
		original_price   DOUBLE PRECISION NOT NULL,
		sale_price       DOUBLE PRECISION NOT NULL,
		currency         TEXT NOT NULL DEFAULT 'EUR',
		image_url        TEXT,
		source           TEXT NOT NULL,
		regions          TEXT[],
		discount_percent INTEGER NOT NULL,
		scraped_at       TIMESTAMPTZ NOT NULL,
		created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_deals_scraped_at ON deals (scraped_at)`,
	`CREATE INDEX IF NOT EXISTS idx_deals_source ON deals (source)`,
	`CREATE TABLE IF NOT EXISTS outbox_event (
		id             UUID PRIMARY KEY,
		aggregate_type TEXT NOT NULL,
		aggregate_id   TEXT NOT NULL,
		event_type     TEXT NOT NULL,
		payload        JSONB NOT NULL,
		target_stream  TEXT NOT NULL,
		status         TEXT NOT NULL DEFAULT 'pending',
		retry_count    INTEGER NOT NULL DEFAULT 0,
		error_message  TEXT,
		created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		processed_at   TIMESTAMPTZ,
		next_retry_at  TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_event_pending
		ON outbox_event (next_retry_at) WHERE status IN ('pending', 'failed')`,
}

// EnsureSchema creates the tables the scraper owns. Statements are
// idempotent so this runs at every startup.
func (db *DB) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := db.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}
