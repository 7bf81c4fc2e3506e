package cli

import (
	"bufio"
	"errors"
	"strings"

	"github.com/spf13/cobra"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage the upstream API token",
}

var tokenSetCmd = &cobra.Command{
	Use:   "set [TOKEN]",
	Short: "Store the upstream bearer token (reads stdin when omitted)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var token string
		if len(args) == 1 {
			token = args[0]
		} else {
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && line == "" {
				return errors.New("no token given on the command line or stdin")
			}
			token = line
		}
		token = strings.TrimPrefix(strings.TrimSpace(token), "Bearer ")
		if token == "" {
			return errors.New("token must not be empty")
		}
		return getApp().SetToken(cmd.Context(), token)
	},
}

func init() {
	tokenCmd.AddCommand(tokenSetCmd)
}
