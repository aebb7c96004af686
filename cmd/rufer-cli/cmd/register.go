package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var displayName string

// registerCmd represents the register command
var registerCmd = &cobra.Command{
	Use:   "register <user-id>",
	Short: "Register a user or update its display name",
	Long: `Register creates the user on the server. Registering an existing user
replaces its display name when --name is given and leaves it untouched
otherwise.

Examples:
  rufer-cli register alice --name "Alice Liddell"
  rufer-cli register bob`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := tokenSource().Register(cmd.Context(), args[0], displayName); err != nil {
			return fmt.Errorf("register %s: %w", args[0], err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Registered %s\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(registerCmd)
	registerCmd.Flags().StringVarP(&displayName, "name", "n", "", "Display name")
}
