// Package cli provides the command-line interface for the trading engine.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"supertrend-trader/internal/config"
)

var (
	configDir string
)

// rootCmd is the base command.
var rootCmd = &cobra.Command{
	Use:   "supertrend-trader",
	Short: "Intraday index-options trading engine",
	Long: `supertrend-trader runs a deterministic, event-driven intraday trading
engine for NSE/BSE index options: it aggregates spot ticks into candles,
tracks the SuperTrend direction, and manages a single long option position
per strategy with layered risk exits.`,
	SilenceUsage: true,
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", "", "configuration directory (default ~/.config/supertrend-trader)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(journalCmd)
	rootCmd.AddCommand(configCmd)
}

func loadConfig() (*config.EngineConfig, error) {
	return config.Load(configDir)
}
