package job

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"watchlist-analyzer/internal/analysis"
	"watchlist-analyzer/internal/storage"
	"watchlist-analyzer/internal/upstream"
)

type fetched struct {
	summary    *upstream.BrokerSummaryResponse
	summaryErr error
	book       *upstream.OrderBookResponse
	bookErr    error
	sector     string
}

// fetchAll runs the broker summary, order book and sector lookups concurrently
// and waits for all three. A sector failure leaves the sector unknown.
func (j *Job) fetchAll(ctx context.Context, date time.Time, ticker string, logger zerolog.Logger) fetched {
	var (
		out fetched
		wg  sync.WaitGroup
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		out.summaryErr = guard(func() (err error) {
			out.summary, err = j.deps.Upstream.FetchBrokerSummary(ctx, ticker, date, date)
			return err
		})
	}()
	go func() {
		defer wg.Done()
		out.bookErr = guard(func() (err error) {
			out.book, err = j.deps.Upstream.FetchOrderBook(ctx, ticker)
			return err
		})
	}()

	if j.deps.Sectors != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := guard(func() (err error) {
				out.sector, err = j.deps.Sectors.GetSector(ctx, ticker)
				return err
			})
			if err != nil {
				out.sector = ""
				logger.Warn().Err(err).Msg("sector lookup failed, sector unknown")
			}
		}()
	}

	wg.Wait()
	return out
}

// guard converts a panic in fn into an error.
func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

// processTicker analyses and persists one ticker. It never returns an error;
// every failure is folded into the result.
func (j *Job) processTicker(ctx context.Context, date time.Time, ticker string, logger zerolog.Logger) TickerResult {
	if ctx.Err() != nil {
		return skipped(ticker, "deadline reached before start")
	}

	data := j.fetchAll(ctx, date, ticker, logger)
	if err := firstErr(
		wrapErr("broker summary", data.summaryErr),
		wrapErr("order book", data.bookErr),
	); err != nil {
		return j.fail(ctx, ticker, err, logger)
	}

	top, err := upstream.RequireTopBroker(data.summary)
	if err != nil {
		return j.fail(ctx, ticker, err, logger)
	}

	snap, err := data.book.Data.Snapshot()
	if err != nil {
		return j.fail(ctx, ticker, err, logger)
	}

	targets, calcErr := analysis.ComputeTargets(analysis.Inputs{
		BrokerAvgPrice: top.AvgPrice,
		BrokerLots:     top.Lots,
		AskCeiling:     snap.BestAsk,
		BidFloor:       snap.BestBid,
		TotalBidLots:   analysis.LotsFromShares(snap.TotalBidLots),
		TotalOfferLots: analysis.LotsFromShares(snap.TotalOfferLots),
		ClosePrice:     snap.Close,
	}, j.opts.Policy)
	if calcErr != nil && !errors.Is(calcErr, analysis.ErrDegenerateBook) {
		return j.fail(ctx, ticker, calcErr, logger)
	}

	record := buildRecord(date, ticker, data.sector, top, snap, targets)
	if calcErr != nil {
		msg := fmt.Sprintf("%v: ask ceiling %d, bid floor %d, tick %d",
			calcErr, snap.BestAsk, snap.BestBid, targets.TickSize)
		record.Status = storage.StatusError
		record.ErrorMessage = &msg
	}

	if err := j.deps.Store.UpsertAnalysis(ctx, record); err != nil {
		return j.fail(ctx, ticker, err, logger)
	}

	backfilled := j.backfill(ctx, date, ticker, snap.Close, logger)

	if calcErr != nil {
		logger.Error().Err(calcErr).Int64("ask", snap.BestAsk).Int64("bid", snap.BestBid).Msg("ticker analysis rejected")
		res := failed(ticker, errors.New(*record.ErrorMessage))
		res.Backfilled = backfilled
		return res
	}

	logger.Info().
		Str("broker", top.Code).
		Int64("target_conservative", targets.TargetConservative).
		Int64("target_max", targets.TargetMax).
		Bool("backfilled", backfilled).
		Msg("ticker analysed")

	return TickerResult{
		Ticker:             ticker,
		Outcome:            OutcomeSuccess,
		Broker:             top.Code,
		ClosePrice:         snap.Close,
		TargetConservative: targets.TargetConservative,
		TargetMax:          targets.TargetMax,
		Backfilled:         backfilled,
	}
}

// backfill writes today's close onto the previous successful row. Failures
// are logged and swallowed.
func (j *Job) backfill(ctx context.Context, date time.Time, ticker string, price int64, logger zerolog.Logger) bool {
	updated, err := j.deps.Store.BackfillRealizedPrice(ctx, ticker, date, price)
	if err != nil {
		logger.Warn().Err(err).Msg("realized price backfill failed")
		return false
	}
	return updated
}

// fail classifies a ticker failure: when the run deadline interrupted it the
// ticker is skipped, otherwise it is an error.
func (j *Job) fail(ctx context.Context, ticker string, err error, logger zerolog.Logger) TickerResult {
	if ctx.Err() != nil {
		logger.Warn().Err(err).Msg("ticker interrupted by deadline")
		return skipped(ticker, "interrupted: "+err.Error())
	}
	logger.Error().Err(err).Msg("ticker analysis failed")
	return failed(ticker, err)
}

func buildRecord(date time.Time, ticker, sector string, top upstream.TopBroker, snap upstream.BookSnapshot, t analysis.Targets) storage.AnalysisRecord {
	rec := storage.AnalysisRecord{
		TradingDate:        date,
		Ticker:             ticker,
		TopBrokerCode:      top.Code,
		TopBrokerLots:      top.Lots,
		TopBrokerAvgPrice:  top.AvgPrice,
		ClosePrice:         snap.Close,
		AraPrice:           snap.BestAsk,
		ArbPrice:           snap.BestBid,
		TickSize:           t.TickSize,
		TotalBidLots:       snap.TotalBidLots,
		TotalOfferLots:     snap.TotalOfferLots,
		BoardLots:          t.BoardLots,
		AvgBidOfferLots:    t.AvgBidOfferLots,
		AccumulationMargin: t.AccumulationMargin,
		PressureRatio:      t.PressureRatio,
		TargetConservative: t.TargetConservative,
		TargetMax:          t.TargetMax,
		Status:             storage.StatusSuccess,
	}
	if sector != "" {
		rec.Sector = &sector
	}
	return rec
}

func wrapErr(what string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", what, err)
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
