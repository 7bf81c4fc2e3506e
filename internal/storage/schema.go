package storage

import (
	"fmt"
	"strings"
	"time"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS watchlist_analyses (
        id                   BIGSERIAL PRIMARY KEY,
        trading_date         DATE NOT NULL,
        ticker               TEXT NOT NULL,
        sector               TEXT,
        top_broker_code      TEXT NOT NULL DEFAULT '',
        top_broker_lots      BIGINT NOT NULL DEFAULT 0,
        top_broker_avg_price BIGINT NOT NULL DEFAULT 0,
        close_price          BIGINT NOT NULL DEFAULT 0,
        ara_price            BIGINT NOT NULL DEFAULT 0,
        arb_price            BIGINT NOT NULL DEFAULT 0,
        tick_size            BIGINT NOT NULL DEFAULT 0,
        total_bid_lots       BIGINT NOT NULL DEFAULT 0,
        total_offer_lots     BIGINT NOT NULL DEFAULT 0,
        board_lots           BIGINT NOT NULL DEFAULT 0,
        avg_bid_offer_lots   BIGINT NOT NULL DEFAULT 0,
        accumulation_margin  BIGINT NOT NULL DEFAULT 0,
        pressure_ratio       BIGINT NOT NULL DEFAULT 0,
        target_conservative  BIGINT NOT NULL DEFAULT 0,
        target_max           BIGINT NOT NULL DEFAULT 0,
        status               TEXT NOT NULL CHECK (status IN ('success', 'error')),
        error_message        TEXT,
        realized_price       BIGINT,
        created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
        updated_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
        UNIQUE (trading_date, ticker)
    )`,
	`CREATE INDEX IF NOT EXISTS watchlist_analyses_ticker_date_idx
        ON watchlist_analyses (ticker, trading_date DESC)`,
	`CREATE TABLE IF NOT EXISTS session (
        key        TEXT PRIMARY KEY,
        value      TEXT NOT NULL,
        updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
    )`,
	`CREATE TABLE IF NOT EXISTS job_runs (
        id            UUID PRIMARY KEY,
        job_name      TEXT NOT NULL,
        status        TEXT NOT NULL,
        started_at    TIMESTAMPTZ NOT NULL,
        completed_at  TIMESTAMPTZ,
        total_items   INTEGER NOT NULL DEFAULT 0,
        success_count INTEGER NOT NULL DEFAULT 0,
        error_count   INTEGER NOT NULL DEFAULT 0,
        skipped_count INTEGER NOT NULL DEFAULT 0,
        error_message TEXT,
        log_entries   JSONB NOT NULL DEFAULT '[]'::jsonb
    )`,
	`CREATE INDEX IF NOT EXISTS job_runs_name_started_idx ON job_runs (job_name, started_at DESC)`,
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS watchlist_analyses (
        id                   INTEGER PRIMARY KEY AUTOINCREMENT,
        trading_date         TEXT NOT NULL,
        ticker               TEXT NOT NULL,
        sector               TEXT,
        top_broker_code      TEXT NOT NULL DEFAULT '',
        top_broker_lots      INTEGER NOT NULL DEFAULT 0,
        top_broker_avg_price INTEGER NOT NULL DEFAULT 0,
        close_price          INTEGER NOT NULL DEFAULT 0,
        ara_price            INTEGER NOT NULL DEFAULT 0,
        arb_price            INTEGER NOT NULL DEFAULT 0,
        tick_size            INTEGER NOT NULL DEFAULT 0,
        total_bid_lots       INTEGER NOT NULL DEFAULT 0,
        total_offer_lots     INTEGER NOT NULL DEFAULT 0,
        board_lots           INTEGER NOT NULL DEFAULT 0,
        avg_bid_offer_lots   INTEGER NOT NULL DEFAULT 0,
        accumulation_margin  INTEGER NOT NULL DEFAULT 0,
        pressure_ratio       INTEGER NOT NULL DEFAULT 0,
        target_conservative  INTEGER NOT NULL DEFAULT 0,
        target_max           INTEGER NOT NULL DEFAULT 0,
        status               TEXT NOT NULL CHECK (status IN ('success', 'error')),
        error_message        TEXT,
        realized_price       INTEGER,
        created_at           TEXT NOT NULL,
        updated_at           TEXT NOT NULL,
        UNIQUE (trading_date, ticker)
    )`,
	`CREATE INDEX IF NOT EXISTS watchlist_analyses_ticker_date_idx
        ON watchlist_analyses (ticker, trading_date DESC)`,
	`CREATE TABLE IF NOT EXISTS session (
        key        TEXT PRIMARY KEY,
        value      TEXT NOT NULL,
        updated_at TEXT NOT NULL
    )`,
	`CREATE TABLE IF NOT EXISTS job_runs (
        id            TEXT PRIMARY KEY,
        job_name      TEXT NOT NULL,
        status        TEXT NOT NULL,
        started_at    TEXT NOT NULL,
        completed_at  TEXT,
        total_items   INTEGER NOT NULL DEFAULT 0,
        success_count INTEGER NOT NULL DEFAULT 0,
        error_count   INTEGER NOT NULL DEFAULT 0,
        skipped_count INTEGER NOT NULL DEFAULT 0,
        error_message TEXT,
        log_entries   TEXT NOT NULL DEFAULT '[]'
    )`,
	`CREATE INDEX IF NOT EXISTS job_runs_name_started_idx ON job_runs (job_name, started_at DESC)`,
}

const analysisColumns = `id, trading_date, ticker, sector,
        top_broker_code, top_broker_lots, top_broker_avg_price,
        close_price, ara_price, arb_price, tick_size, total_bid_lots, total_offer_lots,
        board_lots, avg_bid_offer_lots, accumulation_margin, pressure_ratio,
        target_conservative, target_max,
        status, error_message, realized_price, created_at, updated_at`

const defaultListLimit = 100

// whereAnalyses renders the filter as a WHERE/ORDER/LIMIT tail. placeholder
// renders the n-th (1-based) bind marker; date converts date bounds for the driver.
func whereAnalyses(f AnalysisFilter, placeholder func(n int) string, date func(time.Time) any) (string, []any) {
	var (
		conds []string
		args  []any
	)
	next := func(v any) string {
		args = append(args, v)
		return placeholder(len(args))
	}

	if len(f.Tickers) > 0 {
		marks := make([]string, 0, len(f.Tickers))
		for _, t := range f.Tickers {
			marks = append(marks, next(strings.ToUpper(strings.TrimSpace(t))))
		}
		conds = append(conds, fmt.Sprintf("ticker IN (%s)", strings.Join(marks, ", ")))
	}
	if f.Sector != "" {
		conds = append(conds, "sector = "+next(f.Sector))
	}
	if f.From != nil {
		conds = append(conds, "trading_date >= "+next(date(DateOnly(*f.From))))
	}
	if f.To != nil {
		conds = append(conds, "trading_date <= "+next(date(DateOnly(*f.To))))
	}
	if f.Status != "" {
		conds = append(conds, "status = "+next(f.Status))
	}

	var b strings.Builder
	if len(conds) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(conds, " AND "))
	}
	b.WriteString(" ORDER BY trading_date DESC, ticker ASC")

	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	b.WriteString(" LIMIT " + next(limit))
	if f.Offset > 0 {
		b.WriteString(" OFFSET " + next(f.Offset))
	}
	return b.String(), args
}
