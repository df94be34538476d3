/*
main.go - Application entry point

PURPOSE:
  Command-line interface for the claims billing engine. The serve command
  runs the HTTP API; the other commands operate on the same persisted
  state for scripting and cron jobs.

COMMANDS:
  serve                 Run the HTTP API (graceful shutdown on SIGINT/SIGTERM)
  finalize [--date D]   Finalize one day, or every open past day with --all
  analytics [--days N]  Print earnings analytics as JSON
  import-firms FILE     Add firm contracts from a JSON file

GLOBAL FLAGS:
  --config PATH   TOML configuration file (see config package)

EXAMPLES:
  # Run with the defaults (./data/billing.db, :8080)
  claims-billing serve

  # Run with a config file and an in-memory store
  CLAIMS_BILLING_STORE_DRIVER=memory claims-billing serve --config ./billing.toml

  # Close yesterday from cron
  claims-billing finalize

SEE ALSO:
  - wire.go: Builds the engine and its adapters from config
  - api/server.go: Router configuration
  - config/config.go: Configuration sources
*/
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/warp/claims-billing/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "claims-billing",
	Short: "Job billing and aggregation engine for field insurance adjusters",
	Long: `claims-billing prices adjuster jobs from per-firm rate contracts, rolls
completed jobs into daily tallies and firm billing periods, and reports
earnings analytics. State is persisted locally in SQLite and optionally
mirrored to Google Cloud Storage.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a TOML config file")
}

// loadConfig reads the config named by --config.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
