package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const (
	sqliteUpsertAnalysisSQL = `INSERT INTO watchlist_analyses (
        trading_date, ticker, sector,
        top_broker_code, top_broker_lots, top_broker_avg_price,
        close_price, ara_price, arb_price, tick_size, total_bid_lots, total_offer_lots,
        board_lots, avg_bid_offer_lots, accumulation_margin, pressure_ratio,
        target_conservative, target_max,
        status, error_message, created_at, updated_at
    ) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
    ON CONFLICT (trading_date, ticker) DO UPDATE
    SET
        sector               = excluded.sector,
        top_broker_code      = excluded.top_broker_code,
        top_broker_lots      = excluded.top_broker_lots,
        top_broker_avg_price = excluded.top_broker_avg_price,
        close_price          = excluded.close_price,
        ara_price            = excluded.ara_price,
        arb_price            = excluded.arb_price,
        tick_size            = excluded.tick_size,
        total_bid_lots       = excluded.total_bid_lots,
        total_offer_lots     = excluded.total_offer_lots,
        board_lots           = excluded.board_lots,
        avg_bid_offer_lots   = excluded.avg_bid_offer_lots,
        accumulation_margin  = excluded.accumulation_margin,
        pressure_ratio       = excluded.pressure_ratio,
        target_conservative  = excluded.target_conservative,
        target_max           = excluded.target_max,
        status               = excluded.status,
        error_message        = excluded.error_message,
        updated_at           = excluded.updated_at;`

	sqliteBackfillRealizedPriceSQL = `UPDATE watchlist_analyses
    SET realized_price = ?, updated_at = ?
    WHERE id = (
        SELECT id FROM watchlist_analyses
        WHERE ticker = ?
          AND status = 'success'
          AND trading_date < ?
        ORDER BY trading_date DESC
        LIMIT 1
    );`

	sqliteLatestAnalysisSQL = `SELECT ` + analysisColumns + `
    FROM watchlist_analyses
    WHERE ticker = ? AND status = 'success'
    ORDER BY trading_date DESC
    LIMIT 1;`

	sqliteGetSessionValueSQL    = `SELECT value FROM session WHERE key = ?;`
	sqliteUpsertSessionValueSQL = `INSERT INTO session (key, value, updated_at) VALUES (?, ?, ?)
    ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at;`

	sqliteInsertJobRunSQL = `INSERT INTO job_runs (id, job_name, status, started_at, log_entries)
    VALUES (?, ?, ?, ?, '[]');`

	sqliteFinishJobRunSQL = `UPDATE job_runs
    SET status = ?, completed_at = ?, total_items = ?, success_count = ?,
        error_count = ?, skipped_count = ?, error_message = ?, log_entries = ?
    WHERE id = ?;`

	sqliteListRecentJobRunsSQL = `SELECT
        id, job_name, status, started_at, completed_at,
        total_items, success_count, error_count, skipped_count,
        error_message, log_entries
    FROM job_runs
    WHERE (? = '' OR job_name = ?)
    ORDER BY started_at DESC
    LIMIT ?;`
)

// SQLiteStore is the embedded single-file backend.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (creating when needed) the database at dsn. An empty dsn
// or ":memory:" yields a private in-memory database.
func OpenSQLite(ctx context.Context, dsn string) (*SQLiteStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		dsn = ":memory:"
	}
	if dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
		if dir := filepath.Dir(dsn); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
		if !strings.Contains(dsn, "?") {
			dsn += "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection keeps an in-memory database shared and serialises writers.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() {
	if s == nil || s.db == nil {
		return
	}
	_ = s.db.Close()
}

func (s *SQLiteStore) getDB() (*sql.DB, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotConfigured
	}
	return s.db, nil
}

func (s *SQLiteStore) stamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

// Migrate creates the tables and indexes when missing.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	for _, stmt := range sqliteSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return persistErr("migrate", err)
		}
	}
	return nil
}

// UpsertAnalysis inserts or fully replaces the row for (TradingDate, Ticker).
// A realized price already recorded on the row is preserved.
func (s *SQLiteStore) UpsertAnalysis(ctx context.Context, rec AnalysisRecord) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	now := s.stamp()
	_, execErr := db.ExecContext(ctx, sqliteUpsertAnalysisSQL,
		DateOnly(rec.TradingDate).Format(time.DateOnly),
		rec.Ticker,
		nullString(rec.Sector),
		rec.TopBrokerCode,
		rec.TopBrokerLots,
		rec.TopBrokerAvgPrice,
		rec.ClosePrice,
		rec.AraPrice,
		rec.ArbPrice,
		rec.TickSize,
		rec.TotalBidLots,
		rec.TotalOfferLots,
		rec.BoardLots,
		rec.AvgBidOfferLots,
		rec.AccumulationMargin,
		rec.PressureRatio,
		rec.TargetConservative,
		rec.TargetMax,
		rec.Status,
		nullString(rec.ErrorMessage),
		now,
		now,
	)
	return persistErr("upsert analysis", execErr)
}

// BackfillRealizedPrice sets realized_price on the latest successful row for
// ticker dated strictly before asOf. It reports whether a row was updated.
func (s *SQLiteStore) BackfillRealizedPrice(ctx context.Context, ticker string, asOf time.Time, price int64) (bool, error) {
	db, err := s.getDB()
	if err != nil {
		return false, err
	}
	res, execErr := db.ExecContext(ctx, sqliteBackfillRealizedPriceSQL,
		price, s.stamp(), ticker, DateOnly(asOf).Format(time.DateOnly))
	if execErr != nil {
		return false, persistErr("backfill realized price", execErr)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, persistErr("backfill realized price", err)
	}
	return affected > 0, nil
}

// ListAnalyses returns rows matching filter, newest trading date first.
func (s *SQLiteStore) ListAnalyses(ctx context.Context, filter AnalysisFilter) ([]AnalysisRecord, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	tail, args := whereAnalyses(filter,
		func(int) string { return "?" },
		func(t time.Time) any { return t.Format(time.DateOnly) },
	)
	rows, queryErr := db.QueryContext(ctx, "SELECT "+analysisColumns+" FROM watchlist_analyses"+tail, args...)
	if queryErr != nil {
		return nil, persistErr("list analyses", queryErr)
	}
	defer rows.Close()

	records := make([]AnalysisRecord, 0)
	for rows.Next() {
		rec, scanErr := scanSQLiteAnalysis(rows)
		if scanErr != nil {
			return nil, persistErr("list analyses", scanErr)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("list analyses", err)
	}
	return records, nil
}

// LatestAnalysis returns the newest successful row for ticker, or nil when
// the ticker has no successful analysis.
func (s *SQLiteStore) LatestAnalysis(ctx context.Context, ticker string) (*AnalysisRecord, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	rows, queryErr := db.QueryContext(ctx, sqliteLatestAnalysisSQL, ticker)
	if queryErr != nil {
		return nil, persistErr("latest analysis", queryErr)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, persistErr("latest analysis", rows.Err())
	}
	rec, scanErr := scanSQLiteAnalysis(rows)
	if scanErr != nil {
		return nil, persistErr("latest analysis", scanErr)
	}
	return &rec, nil
}

// GetSessionValue reads a session key. The bool is false when the key is absent.
func (s *SQLiteStore) GetSessionValue(ctx context.Context, key string) (string, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return "", false, err
	}
	var value string
	if scanErr := db.QueryRowContext(ctx, sqliteGetSessionValueSQL, key).Scan(&value); scanErr != nil {
		if errors.Is(scanErr, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, persistErr("get session value", scanErr)
	}
	return value, true, nil
}

// UpsertSessionValue stores value under key.
func (s *SQLiteStore) UpsertSessionValue(ctx context.Context, key, value string) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	_, execErr := db.ExecContext(ctx, sqliteUpsertSessionValueSQL, key, value, s.stamp())
	return persistErr("upsert session value", execErr)
}

// CreateJobRun records the start of a run.
func (s *SQLiteStore) CreateJobRun(ctx context.Context, run JobRun) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	_, execErr := db.ExecContext(ctx, sqliteInsertJobRunSQL,
		run.ID, run.JobName, run.Status, run.StartedAt.UTC().Format(time.RFC3339Nano))
	return persistErr("create job run", execErr)
}

// FinishJobRun writes the terminal status, counters, and log entries of a run.
func (s *SQLiteStore) FinishJobRun(ctx context.Context, run JobRun) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	entries, err := encodeEntries(run.Entries)
	if err != nil {
		return persistErr("finish job run", err)
	}
	var completed sql.NullString
	if run.CompletedAt != nil {
		completed = sql.NullString{String: run.CompletedAt.UTC().Format(time.RFC3339Nano), Valid: true}
	}
	_, execErr := db.ExecContext(ctx, sqliteFinishJobRunSQL,
		run.Status,
		completed,
		run.TotalItems,
		run.SuccessCount,
		run.ErrorCount,
		run.SkippedCount,
		nullString(run.ErrorMessage),
		string(entries),
		run.ID,
	)
	return persistErr("finish job run", execErr)
}

// ListRecentJobRuns lists runs newest first. An empty jobName matches all jobs.
func (s *SQLiteStore) ListRecentJobRuns(ctx context.Context, jobName string, limit int) ([]JobRun, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 20
	}

	rows, queryErr := db.QueryContext(ctx, sqliteListRecentJobRunsSQL, jobName, jobName, limit)
	if queryErr != nil {
		return nil, persistErr("list job runs", queryErr)
	}
	defer rows.Close()

	runs := make([]JobRun, 0, limit)
	for rows.Next() {
		var (
			run       JobRun
			started   string
			completed sql.NullString
			errMsg    sql.NullString
			entries   string
		)
		if err := rows.Scan(
			&run.ID,
			&run.JobName,
			&run.Status,
			&started,
			&completed,
			&run.TotalItems,
			&run.SuccessCount,
			&run.ErrorCount,
			&run.SkippedCount,
			&errMsg,
			&entries,
		); err != nil {
			return nil, persistErr("list job runs", err)
		}
		if run.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
			return nil, persistErr("list job runs", err)
		}
		if completed.Valid {
			at, err := time.Parse(time.RFC3339Nano, completed.String)
			if err != nil {
				return nil, persistErr("list job runs", err)
			}
			run.CompletedAt = &at
		}
		if errMsg.Valid {
			msg := errMsg.String
			run.ErrorMessage = &msg
		}
		if run.Entries, err = decodeEntries([]byte(entries)); err != nil {
			return nil, persistErr("list job runs", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("list job runs", err)
	}
	return runs, nil
}

func scanSQLiteAnalysis(rows *sql.Rows) (AnalysisRecord, error) {
	var (
		rec       AnalysisRecord
		date      string
		sector    sql.NullString
		errMsg    sql.NullString
		realized  sql.NullInt64
		createdAt string
		updatedAt string
	)
	if err := rows.Scan(
		&rec.ID,
		&date,
		&rec.Ticker,
		&sector,
		&rec.TopBrokerCode,
		&rec.TopBrokerLots,
		&rec.TopBrokerAvgPrice,
		&rec.ClosePrice,
		&rec.AraPrice,
		&rec.ArbPrice,
		&rec.TickSize,
		&rec.TotalBidLots,
		&rec.TotalOfferLots,
		&rec.BoardLots,
		&rec.AvgBidOfferLots,
		&rec.AccumulationMargin,
		&rec.PressureRatio,
		&rec.TargetConservative,
		&rec.TargetMax,
		&rec.Status,
		&errMsg,
		&realized,
		&createdAt,
		&updatedAt,
	); err != nil {
		return AnalysisRecord{}, err
	}

	var err error
	if rec.TradingDate, err = time.Parse(time.DateOnly, date); err != nil {
		return AnalysisRecord{}, fmt.Errorf("parse trading_date: %w", err)
	}
	if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return AnalysisRecord{}, fmt.Errorf("parse created_at: %w", err)
	}
	if rec.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return AnalysisRecord{}, fmt.Errorf("parse updated_at: %w", err)
	}
	applyNullable(&rec, sector, errMsg, realized)
	return rec, nil
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}
