package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"watchlist-analyzer/internal/version"
)

var versionJSON bool

var versionCmd = &cobra.Command{
	Use:         "version",
	Short:       "Print build information",
	Annotations: map[string]string{"config": "optional"},
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		if !versionJSON {
			_, err := fmt.Fprintln(out, "watchlist-analyzer", version.String())
			return err
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]string{
			"version": version.Version,
			"commit":  version.Commit,
			"built":   version.BuildDate,
		})
	},
}

func init() {
	versionCmd.Flags().BoolVar(&versionJSON, "json", false, "Print build information as JSON")
}
