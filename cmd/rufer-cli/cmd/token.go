package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nfrund/rufer/cmd/rufer-cli/internal/terminal"
)

var tokenOutputFormat string

// tokenCmd represents the token command
var tokenCmd = &cobra.Command{
	Use:   "token <user-id>",
	Short: "Issue a single-use session token",
	Long: `Token asks the server for a session token for a registered user. The
token admits exactly one websocket connection and expires when unused.

Examples:
  rufer-cli token alice
  rufer-cli token alice --format json

Output formats:
  plain - the token only (default)
  json  - the user id and token`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tok, err := tokenSource().Token(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("issue token for %s: %w", args[0], err)
		}
		return terminal.WriteToken(cmd.OutOrStdout(), args[0], tok, tokenOutputFormat)
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.Flags().StringVarP(&tokenOutputFormat, "format", "f", "plain", "Output format (plain, json)")
}
