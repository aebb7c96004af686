package cmd

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/nfrund/rufer/internal/client"
)

var (
	serverURL string
	secretKey string
)

var rootCmd = &cobra.Command{
	Use:   "rufer-cli",
	Short: "Rufer CLI tool",
	Long: `Rufer CLI talks to a running rufer server.

Available commands:
  register    Register a user or update its display name
  token       Issue a single-use session token
  chat        Open an interactive chat session as a user

The shared secret is read from --secret or RUFER_SECRET_KEY, and the server
from --server or RUFER_SERVER_URL. A .env file in the working directory is
loaded first when present.

Use "rufer-cli [command] --help" for more information about a specific command.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		_ = godotenv.Load()
		if !cmd.Flags().Changed("server") {
			if v := os.Getenv("RUFER_SERVER_URL"); v != "" {
				serverURL = v
			}
		}
		if !cmd.Flags().Changed("secret") {
			secretKey = os.Getenv("RUFER_SECRET_KEY")
		}
	},
}

// Execute executes the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:3000", "Base URL of the rufer server")
	rootCmd.PersistentFlags().StringVar(&secretKey, "secret", "", "Shared secret for the user API")
}

func tokenSource() client.HTTPTokenSource {
	return client.HTTPTokenSource{BaseURL: serverURL, Secret: secretKey}
}

// websocketURL derives the /ws endpoint from the HTTP base URL.
func websocketURL() string {
	u := strings.TrimSuffix(serverURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/ws"
}
