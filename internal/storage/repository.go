package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	upsertAnalysisSQL = `INSERT INTO watchlist_analyses (
        trading_date,
        ticker,
        sector,
        top_broker_code,
        top_broker_lots,
        top_broker_avg_price,
        close_price,
        ara_price,
        arb_price,
        tick_size,
        total_bid_lots,
        total_offer_lots,
        board_lots,
        avg_bid_offer_lots,
        accumulation_margin,
        pressure_ratio,
        target_conservative,
        target_max,
        status,
        error_message
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20
    )
    ON CONFLICT (trading_date, ticker) DO UPDATE
    SET
        sector               = EXCLUDED.sector,
        top_broker_code      = EXCLUDED.top_broker_code,
        top_broker_lots      = EXCLUDED.top_broker_lots,
        top_broker_avg_price = EXCLUDED.top_broker_avg_price,
        close_price          = EXCLUDED.close_price,
        ara_price            = EXCLUDED.ara_price,
        arb_price            = EXCLUDED.arb_price,
        tick_size            = EXCLUDED.tick_size,
        total_bid_lots       = EXCLUDED.total_bid_lots,
        total_offer_lots     = EXCLUDED.total_offer_lots,
        board_lots           = EXCLUDED.board_lots,
        avg_bid_offer_lots   = EXCLUDED.avg_bid_offer_lots,
        accumulation_margin  = EXCLUDED.accumulation_margin,
        pressure_ratio       = EXCLUDED.pressure_ratio,
        target_conservative  = EXCLUDED.target_conservative,
        target_max           = EXCLUDED.target_max,
        status               = EXCLUDED.status,
        error_message        = EXCLUDED.error_message,
        updated_at           = now();`

	backfillRealizedPriceSQL = `UPDATE watchlist_analyses
    SET realized_price = $3, updated_at = now()
    WHERE id = (
        SELECT id FROM watchlist_analyses
        WHERE ticker = $1
          AND status = 'success'
          AND trading_date < $2
        ORDER BY trading_date DESC
        LIMIT 1
    );`

	latestAnalysisSQL = `SELECT ` + analysisColumns + `
    FROM watchlist_analyses
    WHERE ticker = $1 AND status = 'success'
    ORDER BY trading_date DESC
    LIMIT 1;`

	getSessionValueSQL    = `SELECT value FROM session WHERE key = $1;`
	upsertSessionValueSQL = `INSERT INTO session (key, value, updated_at) VALUES ($1, $2, now())
    ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now();`

	insertJobRunSQL = `INSERT INTO job_runs (
        id, job_name, status, started_at, log_entries
    ) VALUES ($1, $2, $3, $4, '[]'::jsonb);`

	finishJobRunSQL = `UPDATE job_runs
    SET
        status        = $2,
        completed_at  = $3,
        total_items   = $4,
        success_count = $5,
        error_count   = $6,
        skipped_count = $7,
        error_message = $8,
        log_entries   = $9
    WHERE id = $1;`

	listRecentJobRunsSQL = `SELECT
        id::text, job_name, status, started_at, completed_at,
        total_items, success_count, error_count, skipped_count,
        error_message, log_entries
    FROM job_runs
    WHERE ($1 = '' OR job_name = $1)
    ORDER BY started_at DESC
    LIMIT $2;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// AnalysisStore persists daily per-ticker analyses.
type AnalysisStore interface {
	UpsertAnalysis(ctx context.Context, rec AnalysisRecord) error
	BackfillRealizedPrice(ctx context.Context, ticker string, asOf time.Time, price int64) (bool, error)
	ListAnalyses(ctx context.Context, filter AnalysisFilter) ([]AnalysisRecord, error)
	LatestAnalysis(ctx context.Context, ticker string) (*AnalysisRecord, error)
}

// SessionStore is the key/value table holding the upstream credential.
type SessionStore interface {
	GetSessionValue(ctx context.Context, key string) (string, bool, error)
	UpsertSessionValue(ctx context.Context, key, value string) error
}

// JobRunStore records job executions.
type JobRunStore interface {
	CreateJobRun(ctx context.Context, run JobRun) error
	FinishJobRun(ctx context.Context, run JobRun) error
	ListRecentJobRuns(ctx context.Context, jobName string, limit int) ([]JobRun, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store is the PostgreSQL backend.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// Migrate creates the tables and indexes when missing.
func (s *Store) Migrate(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	for _, stmt := range postgresSchema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return persistErr("migrate", err)
		}
	}
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// A failed unlock is released with the session when the conn is recycled.
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

// UpsertAnalysis inserts or fully replaces the row for (TradingDate, Ticker).
// A realized price already recorded on the row is preserved.
func (s *Store) UpsertAnalysis(ctx context.Context, rec AnalysisRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	_, execErr := pool.Exec(ctx, upsertAnalysisSQL,
		DateOnly(rec.TradingDate),
		rec.Ticker,
		rec.Sector,
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
		rec.ErrorMessage,
	)
	return persistErr("upsert analysis", execErr)
}

// BackfillRealizedPrice sets realized_price on the latest successful row for
// ticker dated strictly before asOf. It reports whether a row was updated.
func (s *Store) BackfillRealizedPrice(ctx context.Context, ticker string, asOf time.Time, price int64) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}
	tag, execErr := pool.Exec(ctx, backfillRealizedPriceSQL, ticker, DateOnly(asOf), price)
	if execErr != nil {
		return false, persistErr("backfill realized price", execErr)
	}
	return tag.RowsAffected() > 0, nil
}

// ListAnalyses returns rows matching filter, newest trading date first.
func (s *Store) ListAnalyses(ctx context.Context, filter AnalysisFilter) ([]AnalysisRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	tail, args := whereAnalyses(filter,
		func(n int) string { return "$" + strconv.Itoa(n) },
		func(t time.Time) any { return t },
	)
	rows, queryErr := pool.Query(ctx, "SELECT "+analysisColumns+" FROM watchlist_analyses"+tail, args...)
	if queryErr != nil {
		return nil, persistErr("list analyses", queryErr)
	}
	defer rows.Close()

	records := make([]AnalysisRecord, 0)
	for rows.Next() {
		rec, scanErr := scanAnalysis(rows)
		if scanErr != nil {
			return nil, persistErr("list analyses", scanErr)
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, persistErr("list analyses", rows.Err())
	}
	return records, nil
}

// LatestAnalysis returns the newest successful row for ticker, or nil when
// the ticker has no successful analysis.
func (s *Store) LatestAnalysis(ctx context.Context, ticker string) (*AnalysisRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, latestAnalysisSQL, ticker)
	if queryErr != nil {
		return nil, persistErr("latest analysis", queryErr)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, persistErr("latest analysis", rows.Err())
	}
	rec, scanErr := scanAnalysis(rows)
	if scanErr != nil {
		return nil, persistErr("latest analysis", scanErr)
	}
	return &rec, nil
}

// GetSessionValue reads a session key. The bool is false when the key is absent.
func (s *Store) GetSessionValue(ctx context.Context, key string) (string, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return "", false, err
	}
	var value string
	if scanErr := pool.QueryRow(ctx, getSessionValueSQL, key).Scan(&value); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, persistErr("get session value", scanErr)
	}
	return value, true, nil
}

// UpsertSessionValue stores value under key.
func (s *Store) UpsertSessionValue(ctx context.Context, key, value string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	_, execErr := pool.Exec(ctx, upsertSessionValueSQL, key, value)
	return persistErr("upsert session value", execErr)
}

// CreateJobRun records the start of a run.
func (s *Store) CreateJobRun(ctx context.Context, run JobRun) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	_, execErr := pool.Exec(ctx, insertJobRunSQL, run.ID, run.JobName, run.Status, run.StartedAt)
	return persistErr("create job run", execErr)
}

// FinishJobRun writes the terminal status, counters, and log entries of a run.
func (s *Store) FinishJobRun(ctx context.Context, run JobRun) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	entries, err := encodeEntries(run.Entries)
	if err != nil {
		return persistErr("finish job run", err)
	}
	_, execErr := pool.Exec(ctx, finishJobRunSQL,
		run.ID,
		run.Status,
		run.CompletedAt,
		run.TotalItems,
		run.SuccessCount,
		run.ErrorCount,
		run.SkippedCount,
		run.ErrorMessage,
		entries,
	)
	return persistErr("finish job run", execErr)
}

// ListRecentJobRuns lists runs newest first. An empty jobName matches all jobs.
func (s *Store) ListRecentJobRuns(ctx context.Context, jobName string, limit int) ([]JobRun, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 20
	}

	rows, queryErr := pool.Query(ctx, listRecentJobRunsSQL, jobName, limit)
	if queryErr != nil {
		return nil, persistErr("list job runs", queryErr)
	}
	defer rows.Close()

	runs := make([]JobRun, 0, limit)
	for rows.Next() {
		var (
			run     JobRun
			entries []byte
		)
		if err := rows.Scan(
			&run.ID,
			&run.JobName,
			&run.Status,
			&run.StartedAt,
			&run.CompletedAt,
			&run.TotalItems,
			&run.SuccessCount,
			&run.ErrorCount,
			&run.SkippedCount,
			&run.ErrorMessage,
			&entries,
		); err != nil {
			return nil, persistErr("list job runs", err)
		}
		if run.Entries, err = decodeEntries(entries); err != nil {
			return nil, persistErr("list job runs", err)
		}
		runs = append(runs, run)
	}
	if rows.Err() != nil {
		return nil, persistErr("list job runs", rows.Err())
	}
	return runs, nil
}

func scanAnalysis(rows pgx.Rows) (AnalysisRecord, error) {
	var (
		rec      AnalysisRecord
		sector   sql.NullString
		errMsg   sql.NullString
		realized sql.NullInt64
	)
	if err := rows.Scan(
		&rec.ID,
		&rec.TradingDate,
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
		&rec.CreatedAt,
		&rec.UpdatedAt,
	); err != nil {
		return AnalysisRecord{}, err
	}
	applyNullable(&rec, sector, errMsg, realized)
	return rec, nil
}

func applyNullable(rec *AnalysisRecord, sector, errMsg sql.NullString, realized sql.NullInt64) {
	if sector.Valid {
		value := sector.String
		rec.Sector = &value
	}
	if errMsg.Valid {
		msg := errMsg.String
		rec.ErrorMessage = &msg
	}
	if realized.Valid {
		price := realized.Int64
		rec.RealizedPrice = &price
	}
}

func encodeEntries(entries []JobLogEntry) ([]byte, error) {
	if entries == nil {
		entries = []JobLogEntry{}
	}
	return json.Marshal(entries)
}

func decodeEntries(raw []byte) ([]JobLogEntry, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var entries []JobLogEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("decode log entries: %w", err)
	}
	return entries, nil
}
