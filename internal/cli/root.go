package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"watchlist-analyzer/internal/app"
	"watchlist-analyzer/internal/config"
	"watchlist-analyzer/internal/logging"
)

var (
	cfgFile   string
	logLevel  string
	appHandle *app.App
)

var rootCmd = &cobra.Command{
	Use:           "watchlist-analyzer",
	Short:         "Compute daily accumulation targets for a stock watchlist",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if appHandle != nil {
			appHandle.Out = cmd.OutOrStdout()
			return nil
		}
		// calc and version need no configuration file or database.
		if cmd.Annotations["config"] == "optional" && cfgFile == "" {
			cfg, err := config.Load("")
			if err != nil {
				cfg = &config.Config{Job: config.JobConfig{DegenerateBook: config.DegenerateReject}}
			}
			appHandle = app.NewApp(cfg, logging.NewLogger(cfg.Logging, cfg.App.Name))
			appHandle.Out = cmd.OutOrStdout()
			return nil
		}

		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}

		if logLevel != "" {
			cfg.Logging.Level = logLevel
		}

		logger := logging.NewLogger(cfg.Logging, cfg.App.Name)
		appHandle = app.NewApp(cfg, logger)
		appHandle.Out = cmd.OutOrStdout()
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log level defined in config")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(calcCmd)
	rootCmd.AddCommand(versionCmd)
}

func getApp() *app.App {
	if appHandle == nil {
		panic("application not initialized; PersistentPreRunE not executed")
	}
	return appHandle
}
