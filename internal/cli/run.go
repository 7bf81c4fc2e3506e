package cli

import (
	"github.com/spf13/cobra"

	"watchlist-analyzer/internal/app"
)

var runCmd = &cobra.Command{
	Use:     "run",
	Aliases: []string{"serve"},
	Short:   "Serve the HTTP trigger and run the daily scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Run(cmd.Context())
	},
}

var (
	analyzeGroup int64
	analyzeJSON  bool
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Run the watchlist analysis once and print the summary",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().AnalyzeOnce(cmd.Context(), app.AnalyzeOptions{
			GroupID: analyzeGroup,
			JSON:    analyzeJSON,
		})
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Migrate(cmd.Context())
	},
}

func init() {
	analyzeCmd.Flags().Int64Var(&analyzeGroup, "group", 0, "Watchlist group id (default: configured or account default group)")
	analyzeCmd.Flags().BoolVar(&analyzeJSON, "json", false, "Print the run summary as JSON")
}
