// admissiond serves trade-entry admission decisions and replays recorded
// sessions against the admission rules.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version    = "0.1.0"
	configPath string
	serverURL  string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "admissiond",
		Short: "Trade-entry admission control",
		Long: `admissiond decides whether a strategy may open a position right now.
It combines the per-session trade ledger, reason-aware cooldowns,
the market-wide early-failure sensor and staged pullback confirmation.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to the YAML config")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8089", "Admission server base URL for client commands")

	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(replayCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(checkCmd())
	rootCmd.AddCommand(reportCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "admissiond version %s\n", version)
		},
	}
}
