// Package job runs the daily watchlist analysis: it fetches the watchlist,
// analyses every ticker with per-ticker failure isolation, persists the
// results, and reports a run summary.
package job

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"watchlist-analyzer/internal/alerting"
	"watchlist-analyzer/internal/analysis"
	"watchlist-analyzer/internal/storage"
	"watchlist-analyzer/internal/upstream"
)

// ErrAlreadyRunning is returned when a run is already in progress, in this
// process or in another one holding the advisory lock.
var ErrAlreadyRunning = errors.New("job already running")

// Upstream is the subset of the trading API the job consumes.
type Upstream interface {
	FetchWatchlist(ctx context.Context, groupID int64) (*upstream.WatchlistResponse, error)
	FetchBrokerSummary(ctx context.Context, ticker string, from, to time.Time) (*upstream.BrokerSummaryResponse, error)
	FetchOrderBook(ctx context.Context, ticker string) (*upstream.OrderBookResponse, error)
}

// SectorLookup resolves a ticker's sector.
type SectorLookup interface {
	GetSector(ctx context.Context, ticker string) (string, error)
}

// Deps are the job's collaborators. Runs, Locker and Notifier are optional.
type Deps struct {
	Upstream Upstream
	Sectors  SectorLookup
	Store    storage.AnalysisStore
	Runs     storage.JobRunStore
	Locker   storage.AdvisoryLocker
	Notifier alerting.Notifier
}

// Options tune a run.
type Options struct {
	Name        string
	GroupID     int64
	Concurrency int
	Deadline    time.Duration
	Policy      analysis.DegeneratePolicy
	LockKey     int64
	Location    *time.Location
	Now         func() time.Time
}

// Job is the watchlist analysis orchestrator.
type Job struct {
	deps    Deps
	opts    Options
	logger  zerolog.Logger
	running atomic.Bool
}

// New constructs the job. When Locker is unset and Store can take advisory
// locks, the store is used.
func New(deps Deps, opts Options, logger zerolog.Logger) *Job {
	if opts.Name == "" {
		opts.Name = "analyze-watchlist"
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if deps.Locker == nil {
		if l, ok := deps.Store.(storage.AdvisoryLocker); ok {
			deps.Locker = l
		}
	}
	return &Job{
		deps:   deps,
		opts:   opts,
		logger: logger.With().Str("component", "job").Str("job", opts.Name).Logger(),
	}
}

// Name reports the configured job name.
func (j *Job) Name() string { return j.opts.Name }

// Run executes one analysis pass over the watchlist. The returned error is
// non-nil only for run-level failures; per-ticker failures are reported in
// the summary.
func (j *Job) Run(ctx context.Context) (Summary, error) {
	if !j.running.CompareAndSwap(false, true) {
		return Summary{}, ErrAlreadyRunning
	}
	defer j.running.Store(false)

	unlock, proceed, err := j.acquireLock(ctx)
	if err != nil {
		return Summary{}, err
	}
	if !proceed {
		j.logger.Info().Msg("skip run because advisory lock held elsewhere")
		return Summary{}, ErrAlreadyRunning
	}
	if unlock != nil {
		defer unlock()
	}

	started := j.opts.Now()
	summary := Summary{
		RunID:       uuid.NewString(),
		JobName:     j.opts.Name,
		TradingDate: storage.DateOnly(started.In(j.opts.Location)),
		StartedAt:   started,
	}
	logger := j.logger.With().
		Str("run_id", summary.RunID).
		Str("trading_date", summary.TradingDate.Format(time.DateOnly)).
		Logger()
	logger.Info().Int("concurrency", j.opts.Concurrency).Msg("job started")

	j.recordStart(ctx, summary, logger)

	runCtx := ctx
	if j.opts.Deadline > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, j.opts.Deadline)
		defer cancel()
	}

	watchlist, err := j.deps.Upstream.FetchWatchlist(runCtx, j.opts.GroupID)
	if err != nil {
		err = fmt.Errorf("fetch watchlist: %w", err)
		summary.FinishedAt = j.opts.Now()
		logger.Error().Err(err).Msg("job failed")
		j.recordFinish(ctx, summary, err, logger)
		j.notify(ctx, summary, err, logger)
		return summary, err
	}

	tickers := watchlist.Tickers()
	if len(tickers) == 0 {
		logger.Info().Msg("watchlist empty, nothing to analyse")
	} else {
		summary.Results = j.processTickers(runCtx, summary.TradingDate, tickers, logger)
	}
	summary.tally()
	summary.FinishedAt = j.opts.Now()

	logger.Info().
		Int("processed", summary.Processed).
		Int("succeeded", summary.Succeeded).
		Int("failed", summary.Failed).
		Int("skipped", summary.Skipped).
		Dur("elapsed", summary.FinishedAt.Sub(summary.StartedAt)).
		Msg("job completed")

	j.recordFinish(ctx, summary, nil, logger)
	j.notify(ctx, summary, nil, logger)
	return summary, nil
}

// processTickers analyses tickers on a pool of at most Concurrency workers.
// Results keep watchlist order.
func (j *Job) processTickers(ctx context.Context, date time.Time, tickers []string, logger zerolog.Logger) []TickerResult {
	results := make([]TickerResult, len(tickers))

	var g errgroup.Group
	g.SetLimit(j.opts.Concurrency)
	for i, ticker := range tickers {
		if ctx.Err() != nil {
			results[i] = skipped(ticker, "deadline reached before start")
			continue
		}
		i, ticker := i, ticker
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					results[i] = failed(ticker, fmt.Errorf("panic: %v", r))
					logger.Error().Str("ticker", ticker).Interface("panic", r).Msg("ticker worker panicked")
				}
			}()
			results[i] = j.processTicker(ctx, date, ticker, logger.With().Str("ticker", ticker).Logger())
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (j *Job) acquireLock(ctx context.Context) (func(), bool, error) {
	if j.opts.LockKey == 0 || j.deps.Locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := j.deps.Locker.TryAdvisoryLock(ctx, j.opts.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
