package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath   string
	outputFormat string
	ledgerPath   string
	logLevel     string
	logFormat    string
)

// errPartial marks a run where some workers succeeded and some failed.
// main maps it to exit code 2 so scripts can tell partial failure apart
// from configuration or transport errors.
var errPartial = errors.New("partial fleet failure")

func main() {
	rootCmd := &cobra.Command{
		Use:   "drydock",
		Short: "Drydock fleet drain and teardown CLI",
		Long: `Drydock drains ephemeral compute fleets to a confirmed-paused state and
tears them down without interrupting work in flight.

Exit codes: 0 when every worker succeeded, 2 when some workers failed and
some succeeded, 1 on any other error.`,
		SilenceUsage: true,
	}

	// Get default config path from env var if set
	defaultConfig := "drydock.yaml"
	if envConfig := os.Getenv("DRYDOCK_CONFIG"); envConfig != "" {
		defaultConfig = envConfig
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfig, "Config file path (env: DRYDOCK_CONFIG)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "Output format (table, json)")
	rootCmd.PersistentFlags().StringVar(&ledgerPath, "ledger", "", "Ledger file path (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log format (text, json)")

	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(statusOneCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(drainCmd())
	rootCmd.AddCommand(teardownCmd())
	rootCmd.AddCommand(resetCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if errors.Is(err, errPartial) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
