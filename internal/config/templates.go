package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const engineTemplate = `# supertrend-trader engine configuration

# Index root: NIFTY, BANKNIFTY, FINNIFTY, SENSEX
root = "NIFTY"

# Trading mode: "paper" or "live"
mode = "paper"

# Lots per trade (contracts = lots x lot size)
lots = 1

# Candle interval in seconds
interval_seconds = 60

# SuperTrend parameters
supertrend_period = 7
supertrend_multiplier = 4.0

# Optional MACD confirmation
use_macd = false
macd_fast = 12
macd_slow = 26
macd_signal = 9

# Risk parameters (points are option premium points; 0 disables, except
# max_trades_per_day and min_gap_candles, which must be at least 1)
initial_stop_points = 50.0
max_loss_per_trade = 0.0
target_points = 0.0
trail_start_points = 0.0
trail_step_points = 0.0
daily_max_loss = 5000.0
max_trades_per_day = 10
risk_per_trade = 0.0
min_gap_candles = 1

# Session windows (IST)
entry_open = "09:25"
entry_close = "15:10"
force_flat = "15:25"
session_close = "15:30"

# Order execution
order_fill_timeout_ms = 15000
order_poll_interval_ms = 500

# Logging: debug, info, warn, error
log_level = "info"

# Live mode credentials (or set KITE_API_KEY / KITE_ACCESS_TOKEN)
# kite_api_key = ""
# kite_access_token = ""
`

// WriteTemplate writes the default engine.toml into configDir if absent.
func WriteTemplate(configDir string) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	path := filepath.Join(configDir, "engine.toml")
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	return os.WriteFile(path, []byte(engineTemplate), 0644)
}
