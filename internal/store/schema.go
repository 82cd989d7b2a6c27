package store

import (
	"context"
	"fmt"
)

// Bootstrap creates the schema when it does not exist yet. Every statement
// is idempotent, so the daemon runs this on each startup.
func (s *Store) Bootstrap(ctx context.Context) error {
	for _, stmt := range schemaStatements(s.driver) {
		if _, err := s.Conn.ExecCtx(ctx, stmt); err != nil {
			return fmt.Errorf("store: bootstrap schema: %w", err)
		}
	}
	return nil
}

// schemaStatements renders the DDL for the given driver. The only dialect
// difference is the auto-assigned integer primary key.
func schemaStatements(driver string) []string {
	serial := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if driver == DriverPostgres {
		serial = "BIGSERIAL PRIMARY KEY"
	}

	return []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id               TEXT PRIMARY KEY,
			status           TEXT NOT NULL,
			start_date       TEXT,
			end_date         TEXT NOT NULL,
			models           TEXT NOT NULL,
			replace_existing BOOLEAN NOT NULL,
			created_at       TIMESTAMP NOT NULL,
			started_at       TIMESTAMP,
			completed_at     TIMESTAMP,
			duration_seconds DOUBLE PRECISION,
			error            TEXT,
			warnings         TEXT
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS job_details (
			id               %s,
			job_id           TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
			date             TEXT NOT NULL,
			model            TEXT NOT NULL,
			status           TEXT NOT NULL,
			started_at       TIMESTAMP,
			completed_at     TIMESTAMP,
			duration_seconds DOUBLE PRECISION,
			error            TEXT,
			UNIQUE (job_id, date, model)
		)`, serial),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS trading_days (
			id                      %s,
			model                   TEXT NOT NULL,
			date                    TEXT NOT NULL,
			job_id                  TEXT NOT NULL,
			starting_cash           DOUBLE PRECISION NOT NULL,
			ending_cash             DOUBLE PRECISION NOT NULL,
			portfolio_value_start   DOUBLE PRECISION NOT NULL,
			portfolio_value_end     DOUBLE PRECISION NOT NULL,
			daily_profit            DOUBLE PRECISION NOT NULL,
			daily_return_pct        DOUBLE PRECISION NOT NULL,
			days_since_last_trading INTEGER NOT NULL,
			reasoning_summary       TEXT,
			reasoning_ref           TEXT,
			created_at              TIMESTAMP NOT NULL,
			UNIQUE (model, date)
		)`, serial),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS holdings (
			id             %s,
			trading_day_id BIGINT NOT NULL REFERENCES trading_days(id) ON DELETE CASCADE,
			phase          TEXT NOT NULL,
			symbol         TEXT NOT NULL,
			quantity       DOUBLE PRECISION NOT NULL
		)`, serial),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS actions (
			id             %s,
			trading_day_id BIGINT NOT NULL REFERENCES trading_days(id) ON DELETE CASCADE,
			seq_no         INTEGER NOT NULL,
			type           TEXT NOT NULL,
			symbol         TEXT,
			quantity       DOUBLE PRECISION,
			price          DOUBLE PRECISION,
			executed_at    TIMESTAMP NOT NULL
		)`, serial),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS price_coverage (
			id         %s,
			symbol     TEXT NOT NULL,
			start_date TEXT NOT NULL,
			end_date   TEXT NOT NULL,
			UNIQUE (symbol, start_date)
		)`, serial),
		`CREATE TABLE IF NOT EXISTS price_bars (
			symbol TEXT NOT NULL,
			date   TEXT NOT NULL,
			open   DOUBLE PRECISION NOT NULL,
			high   DOUBLE PRECISION NOT NULL,
			low    DOUBLE PRECISION NOT NULL,
			close  DOUBLE PRECISION NOT NULL,
			volume BIGINT NOT NULL,
			PRIMARY KEY (symbol, date)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs (status)`,
		`CREATE INDEX IF NOT EXISTS idx_job_details_job ON job_details (job_id)`,
		`CREATE INDEX IF NOT EXISTS idx_trading_days_job ON trading_days (job_id)`,
		`CREATE INDEX IF NOT EXISTS idx_holdings_day ON holdings (trading_day_id)`,
		`CREATE INDEX IF NOT EXISTS idx_actions_day ON actions (trading_day_id)`,
		`CREATE INDEX IF NOT EXISTS idx_price_coverage_symbol ON price_coverage (symbol)`,
	}
}

// TableCounts returns row counts per table, used by the operational probe.
func (s *Store) TableCounts(ctx context.Context) (map[string]int64, error) {
	tables := []string{
		"jobs", "job_details", "trading_days", "holdings",
		"actions", "price_coverage", "price_bars",
	}
	counts := make(map[string]int64, len(tables))
	for _, table := range tables {
		var n int64
		query := fmt.Sprintf("SELECT COUNT(*) FROM %s", table)
		if err := s.Conn.QueryRowCtx(ctx, &n, query); err != nil {
			return nil, fmt.Errorf("store: count %s: %w", table, err)
		}
		counts[table] = n
	}
	return counts, nil
}
