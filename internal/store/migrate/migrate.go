// Package migrate applies the ohlcv_rows schema and its indexes. No
// example repo in the teacher pack wires a migration framework (golang-
// migrate, goose, etc) — every one that touches Postgres does so with
// sqlx/lib/pq directly — so this runner follows that same raw-SQL style
// rather than introducing an unrelated dependency.
package migrate

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// statements is the ordered list of DDL this service owns. Each is
// idempotent (IF NOT EXISTS) so Run is safe to call on every startup.
var statements = []string{
	`CREATE TABLE IF NOT EXISTS ohlcv_rows (
		symbol     TEXT NOT NULL,
		market     TEXT NOT NULL,
		interval   TEXT NOT NULL,
		ts         TIMESTAMPTZ NOT NULL,
		open       DOUBLE PRECISION NOT NULL,
		high       DOUBLE PRECISION NOT NULL,
		low        DOUBLE PRECISION NOT NULL,
		close      DOUBLE PRECISION NOT NULL,
		volume     DOUBLE PRECISION NOT NULL,
		source     TEXT NOT NULL,
		is_duplicate     BOOLEAN NOT NULL DEFAULT FALSE,
		duplicate_source TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (symbol, market, interval, ts)
	)`,
	`CREATE INDEX IF NOT EXISTS ohlcv_rows_symbol_interval_ts_idx
		ON ohlcv_rows (symbol, market, interval, ts DESC)`,
	`ALTER TABLE ohlcv_rows ADD COLUMN IF NOT EXISTS is_duplicate BOOLEAN NOT NULL DEFAULT FALSE`,
	`ALTER TABLE ohlcv_rows ADD COLUMN IF NOT EXISTS duplicate_source TEXT NOT NULL DEFAULT ''`,
	`CREATE TABLE IF NOT EXISTS daily_metrics (
		symbol        TEXT NOT NULL,
		market        TEXT NOT NULL,
		date          DATE NOT NULL,
		close         DOUBLE PRECISION NOT NULL,
		change_pct    DOUBLE PRECISION NOT NULL,
		volume        DOUBLE PRECISION NOT NULL,
		quality_score DOUBLE PRECISION NOT NULL,
		data_source   TEXT NOT NULL,
		last_updated  TIMESTAMPTZ NOT NULL,
		ma5           DOUBLE PRECISION NOT NULL DEFAULT 0,
		ma20          DOUBLE PRECISION NOT NULL DEFAULT 0,
		pe_ratio      DOUBLE PRECISION NOT NULL DEFAULT 0,
		pb_ratio      DOUBLE PRECISION NOT NULL DEFAULT 0,
		market_cap    DOUBLE PRECISION NOT NULL DEFAULT 0,
		dividend_yield DOUBLE PRECISION NOT NULL DEFAULT 0,
		validation_status TEXT NOT NULL DEFAULT 'ok',
		is_duplicate     BOOLEAN NOT NULL DEFAULT FALSE,
		duplicate_source TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (symbol, market, date)
	)`,
	`ALTER TABLE daily_metrics ADD COLUMN IF NOT EXISTS is_duplicate BOOLEAN NOT NULL DEFAULT FALSE`,
	`ALTER TABLE daily_metrics ADD COLUMN IF NOT EXISTS duplicate_source TEXT NOT NULL DEFAULT ''`,
	`CREATE TABLE IF NOT EXISTS symbols (
		symbol      TEXT NOT NULL,
		market      TEXT NOT NULL,
		name        TEXT NOT NULL DEFAULT '',
		active      BOOLEAN NOT NULL DEFAULT TRUE,
		listed_at   TIMESTAMPTZ,
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (symbol, market)
	)`,
	`CREATE TABLE IF NOT EXISTS fundamental_snapshots (
		symbol         TEXT NOT NULL,
		market         TEXT NOT NULL,
		as_of          TIMESTAMPTZ NOT NULL,
		market_cap     DOUBLE PRECISION NOT NULL DEFAULT 0,
		pe_ratio       DOUBLE PRECISION NOT NULL DEFAULT 0,
		pb_ratio       DOUBLE PRECISION NOT NULL DEFAULT 0,
		dividend_yield DOUBLE PRECISION NOT NULL DEFAULT 0,
		source         TEXT NOT NULL,
		PRIMARY KEY (symbol, market, as_of)
	)`,
	// Partial indexes: screener-style queries filter on "PE ratio/market cap
	// actually set" far more often than on the full unfiltered column, so a
	// partial index on the positive-value subset keeps it small and fast
	// without indexing every zero-valued snapshot row.
	`CREATE INDEX IF NOT EXISTS fundamental_snapshots_pe_idx
		ON fundamental_snapshots (pe_ratio) WHERE pe_ratio > 0`,
	`CREATE INDEX IF NOT EXISTS fundamental_snapshots_mcap_idx
		ON fundamental_snapshots (market_cap) WHERE market_cap > 0`,
	`CREATE TABLE IF NOT EXISTS corporate_actions (
		symbol        TEXT NOT NULL,
		market        TEXT NOT NULL,
		type          TEXT NOT NULL,
		effective_at  TIMESTAMPTZ NOT NULL,
		ratio         DOUBLE PRECISION NOT NULL DEFAULT 0,
		cash_amount   DOUBLE PRECISION NOT NULL DEFAULT 0,
		PRIMARY KEY (symbol, market, type, effective_at)
	)`,
	`CREATE TABLE IF NOT EXISTS annual_earnings (
		symbol      TEXT NOT NULL,
		market      TEXT NOT NULL,
		year        INTEGER NOT NULL,
		revenue     DOUBLE PRECISION NOT NULL DEFAULT 0,
		net_income  DOUBLE PRECISION NOT NULL DEFAULT 0,
		eps         DOUBLE PRECISION NOT NULL DEFAULT 0,
		source      TEXT NOT NULL,
		PRIMARY KEY (symbol, market, year)
	)`,
}

// Run applies every statement in order, stopping at the first failure.
func Run(ctx context.Context, db *sqlx.DB) error {
	for i, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: statement %d: %w", i, err)
		}
	}
	return nil
}
