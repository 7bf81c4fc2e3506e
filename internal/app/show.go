package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"watchlist-analyzer/internal/storage"
)

// ErrLatestWithFilters rejects history filters combined with a latest lookup,
// which only takes tickers.
var ErrLatestWithFilters = errors.New("latest lookup takes tickers only; sector, date and status filters do not apply")

// Show prints stored analyses, newest first. With Latest it prints the newest
// successful row per ticker.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	if opts.Latest && (opts.Sector != "" || opts.From != nil || opts.To != nil || opts.Status != "") {
		return ErrLatestWithFilters
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	var records []storage.AnalysisRecord
	if opts.Latest {
		for _, ticker := range opts.Tickers {
			rec, err := store.LatestAnalysis(ctx, strings.ToUpper(ticker))
			if err != nil {
				return err
			}
			if rec != nil {
				records = append(records, *rec)
			}
		}
	} else {
		records, err = store.ListAnalyses(ctx, storage.AnalysisFilter{
			Tickers: opts.Tickers,
			Sector:  opts.Sector,
			From:    opts.From,
			To:      opts.To,
			Status:  opts.Status,
			Limit:   opts.Limit,
		})
		if err != nil {
			return err
		}
	}

	if len(records) == 0 {
		fmt.Fprintln(a.out(), "no analyses found")
		return nil
	}

	writer := tabwriter.NewWriter(a.out(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Date\tTicker\tSector\tBroker\tAvg\tClose\tAra\tArb\tTarget\tMax\tRealized\tStatus\tError")
	for _, rec := range records {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\t%d\t%s\t%s\t%s\n",
			rec.TradingDate.Format(time.DateOnly),
			rec.Ticker,
			deref(rec.Sector),
			rec.TopBrokerCode,
			rec.TopBrokerAvgPrice,
			rec.ClosePrice,
			rec.AraPrice,
			rec.ArbPrice,
			rec.TargetConservative,
			rec.TargetMax,
			formatRealized(rec.RealizedPrice),
			rec.Status,
			sanitizeInline(deref(rec.ErrorMessage)),
		)
	}
	return writer.Flush()
}

// Runs prints recent job runs.
func (a *App) Runs(ctx context.Context, opts RunsOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	name := a.Config.Job.Name
	if opts.All {
		name = ""
	}
	runs, err := store.ListRecentJobRuns(ctx, name, opts.Limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(a.out(), "no job runs found")
		return nil
	}

	writer := tabwriter.NewWriter(a.out(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Started (UTC)\tJob\tStatus\tTotal\tOK\tErr\tSkip\tDuration\tError")
	for _, run := range runs {
		duration := "-"
		if run.CompletedAt != nil {
			duration = run.CompletedAt.Sub(run.StartedAt).Round(time.Second).String()
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%s\t%s\n",
			run.StartedAt.UTC().Format(time.RFC3339),
			run.JobName,
			run.Status,
			run.TotalItems,
			run.SuccessCount,
			run.ErrorCount,
			run.SkippedCount,
			duration,
			sanitizeInline(deref(run.ErrorMessage)),
		)
	}
	return writer.Flush()
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func formatRealized(v *int64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%d", *v)
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
