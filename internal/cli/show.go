package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"watchlist-analyzer/internal/app"
)

var (
	showLimit   int
	showTickers []string
	showSector  string
	showFrom    string
	showTo      string
	showStatus  string
	showLatest  bool

	runsLimit int
	runsAll   bool
)

var showCmd = &cobra.Command{
	Use:   "show [TICKER...]",
	Short: "Display stored analyses",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		tickers := append([]string{}, showTickers...)
		tickers = append(tickers, args...)
		if showLatest && len(tickers) == 0 {
			return fmt.Errorf("--latest requires at least one ticker")
		}
		if showLatest && cmd.Flags().Changed("limit") {
			return fmt.Errorf("--latest prints one row per ticker and cannot be combined with --limit")
		}

		from, err := parseDate("from", showFrom)
		if err != nil {
			return err
		}
		to, err := parseDate("to", showTo)
		if err != nil {
			return err
		}

		opts := app.ShowOptions{
			Tickers: tickers,
			Sector:  showSector,
			From:    from,
			To:      to,
			Status:  strings.ToLower(showStatus),
			Limit:   showLimit,
			Latest:  showLatest,
		}
		return getApp().Show(cmd.Context(), opts)
	},
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Display recent job runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		if runsLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}
		return getApp().Runs(cmd.Context(), app.RunsOptions{Limit: runsLimit, All: runsAll})
	},
}

func parseDate(name, value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse(time.DateOnly, value)
	if err != nil {
		return nil, fmt.Errorf("--%s must be YYYY-MM-DD: %w", name, err)
	}
	return &t, nil
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 50, "Number of rows to display")
	showCmd.Flags().StringSliceVar(&showTickers, "ticker", nil, "Filter by ticker (repeatable or comma separated)")
	showCmd.Flags().StringVar(&showSector, "sector", "", "Filter by sector")
	showCmd.Flags().StringVar(&showFrom, "from", "", "Earliest trading date (YYYY-MM-DD)")
	showCmd.Flags().StringVar(&showTo, "to", "", "Latest trading date (YYYY-MM-DD)")
	showCmd.Flags().StringVar(&showStatus, "status", "", "Filter by status (success|error)")
	showCmd.Flags().BoolVar(&showLatest, "latest", false, "Show only the newest successful row per ticker (tickers only, no other filters)")

	runsCmd.Flags().IntVar(&runsLimit, "limit", 20, "Number of runs to display")
	runsCmd.Flags().BoolVar(&runsAll, "all", false, "Include runs of every job name")
}
