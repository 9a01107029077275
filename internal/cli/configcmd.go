package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"supertrend-trader/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage engine configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default engine.toml template",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := configDir
		if dir == "" {
			dir = config.DefaultConfigDir()
		}
		if err := config.WriteTemplate(dir); err != nil {
			return err
		}
		fmt.Printf("Configuration template written to %s/engine.toml\n", dir)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		fmt.Printf("root                 = %s\n", cfg.Root)
		fmt.Printf("mode                 = %s\n", cfg.Mode)
		fmt.Printf("lots                 = %d\n", cfg.Lots)
		fmt.Printf("interval_seconds     = %d\n", cfg.IntervalSeconds)
		fmt.Printf("supertrend           = %d / %.1f\n", cfg.SupertrendPeriod, cfg.SupertrendMultiplier)
		fmt.Printf("use_macd             = %v\n", cfg.UseMACD)
		fmt.Printf("initial_stop_points  = %.1f\n", cfg.InitialStopPoints)
		fmt.Printf("max_loss_per_trade   = %.1f\n", cfg.MaxLossPerTradeRupees)
		fmt.Printf("target_points        = %.1f\n", cfg.TargetPoints)
		fmt.Printf("trail_start/step     = %.1f / %.1f\n", cfg.TrailStartPoints, cfg.TrailStepPoints)
		fmt.Printf("daily_max_loss       = %.1f\n", cfg.DailyMaxLossRupees)
		fmt.Printf("max_trades_per_day   = %d\n", cfg.MaxTradesPerDay)
		fmt.Printf("risk_per_trade       = %.1f\n", cfg.RiskPerTradeRupees)
		fmt.Printf("min_gap_candles      = %d\n", cfg.MinGapCandles)
		fmt.Printf("entry window (IST)   = %s - %s\n", cfg.EntryOpenIST, cfg.EntryCloseIST)
		fmt.Printf("force_flat (IST)     = %s\n", cfg.ForceFlatIST)
		fmt.Printf("journal_path         = %s\n", cfg.JournalPath)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
}
