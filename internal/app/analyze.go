package app

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"
)

// AnalyzeOnce runs the job a single time and prints its summary.
func (a *App) AnalyzeOnce(ctx context.Context, opts AnalyzeOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	analyzer, err := a.newJob(store, opts.GroupID)
	if err != nil {
		return err
	}

	summary, err := analyzer.Run(ctx)
	if err != nil {
		return err
	}

	if opts.JSON {
		enc := json.NewEncoder(a.out())
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	}

	writer := tabwriter.NewWriter(a.out(), 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "Run %s on %s: %d succeeded, %d failed, %d skipped\n\n",
		summary.RunID, summary.TradingDate.Format(time.DateOnly),
		summary.Succeeded, summary.Failed, summary.Skipped)
	fmt.Fprintln(writer, "Ticker\tOutcome\tBroker\tClose\tTarget\tMax\tDetail")
	for _, r := range summary.Results {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			r.Ticker, r.Outcome, r.Broker, r.ClosePrice, r.TargetConservative, r.TargetMax, sanitizeInline(r.Error))
	}
	return writer.Flush()
}
