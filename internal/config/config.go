// Package config provides configuration management for the trading engine.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"

	errs "supertrend-trader/internal/errors"
)

// EngineConfig holds all engine configuration. It is immutable during a run
// except for runtime-safe patches applied through ApplyPatch.
type EngineConfig struct {
	// Instrument & mode
	Root string `mapstructure:"root"` // NIFTY, BANKNIFTY, FINNIFTY, SENSEX
	Mode string `mapstructure:"mode"` // "paper", "live"
	Lots int    `mapstructure:"lots"` // configured lot count per trade

	// Candle & indicator
	IntervalSeconds      int     `mapstructure:"interval_seconds"`
	SupertrendPeriod     int     `mapstructure:"supertrend_period"`
	SupertrendMultiplier float64 `mapstructure:"supertrend_multiplier"`
	UseMACD              bool    `mapstructure:"use_macd"`
	MACDFast             int     `mapstructure:"macd_fast"`
	MACDSlow             int     `mapstructure:"macd_slow"`
	MACDSignal           int     `mapstructure:"macd_signal"`

	// Risk (0 = disabled where noted)
	InitialStopPoints     float64 `mapstructure:"initial_stop_points"`
	MaxLossPerTradeRupees float64 `mapstructure:"max_loss_per_trade"` // 0=disabled
	TargetPoints          float64 `mapstructure:"target_points"`      // 0=disabled
	TrailStartPoints      float64 `mapstructure:"trail_start_points"` // 0=disabled
	TrailStepPoints       float64 `mapstructure:"trail_step_points"`  // 0=disabled
	DailyMaxLossRupees    float64 `mapstructure:"daily_max_loss"`
	MaxTradesPerDay       int     `mapstructure:"max_trades_per_day"`
	RiskPerTradeRupees    float64 `mapstructure:"risk_per_trade"` // 0=disabled
	MinGapCandles         int     `mapstructure:"min_gap_candles"`

	// Session windows (IST, "HH:MM")
	EntryOpenIST    string `mapstructure:"entry_open"`
	EntryCloseIST   string `mapstructure:"entry_close"`
	ForceFlatIST    string `mapstructure:"force_flat"`
	SessionCloseIST string `mapstructure:"session_close"`

	// Order execution
	OrderFillTimeoutMs  int `mapstructure:"order_fill_timeout_ms"`
	OrderPollIntervalMs int `mapstructure:"order_poll_interval_ms"`

	// Persistence & logging
	JournalPath string `mapstructure:"journal_path"`
	LogLevel    string `mapstructure:"log_level"`

	// Credentials (env-overridable, live mode only)
	KiteAPIKey      string `mapstructure:"kite_api_key"`
	KiteAccessToken string `mapstructure:"kite_access_token"`
}

// Default returns the default engine configuration.
func Default() EngineConfig {
	home, _ := os.UserHomeDir()
	return EngineConfig{
		Root:                 "NIFTY",
		Mode:                 "paper",
		Lots:                 1,
		IntervalSeconds:      60,
		SupertrendPeriod:     7,
		SupertrendMultiplier: 4,
		UseMACD:              false,
		MACDFast:             12,
		MACDSlow:             26,
		MACDSignal:           9,
		InitialStopPoints:    50,
		DailyMaxLossRupees:   5000,
		MaxTradesPerDay:      10,
		MinGapCandles:        1,
		EntryOpenIST:         "09:25",
		EntryCloseIST:        "15:10",
		ForceFlatIST:         "15:25",
		SessionCloseIST:      "15:30",
		OrderFillTimeoutMs:   15000,
		OrderPollIntervalMs:  500,
		JournalPath:          filepath.Join(home, ".config", "supertrend-trader", "trades.db"),
		LogLevel:             "info",
	}
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/supertrend-trader"
	}
	return filepath.Join(home, ".config", "supertrend-trader")
}

// Load loads configuration from the specified directory, creating a
// template on first run. Env vars override credentials and mode.
func Load(configDir string) (*EngineConfig, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	cfg := Default()

	v := viper.New()
	v.SetConfigName("engine")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			if terr := WriteTemplate(configDir); terr != nil {
				return nil, fmt.Errorf("writing template config: %w", terr)
			}
		} else {
			return nil, fmt.Errorf("reading engine.toml: %w", err)
		}
	} else if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling engine.toml: %w", err)
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *EngineConfig) {
	if v := os.Getenv("KITE_API_KEY"); v != "" {
		cfg.KiteAPIKey = v
	}
	if v := os.Getenv("KITE_ACCESS_TOKEN"); v != "" {
		cfg.KiteAccessToken = v
	}
	if v := os.Getenv("TRADING_MODE"); v != "" {
		cfg.Mode = v
	}
}

// Validate validates the configuration.
func (c *EngineConfig) Validate() error {
	switch c.Root {
	case "NIFTY", "BANKNIFTY", "FINNIFTY", "SENSEX":
	default:
		return errs.NewConfigError("root", fmt.Sprintf("unknown index root %q", c.Root))
	}
	if c.Mode != "paper" && c.Mode != "live" {
		return errs.NewConfigError("mode", "must be 'paper' or 'live'")
	}
	if c.Lots < 1 {
		return errs.NewConfigError("lots", "must be at least 1")
	}
	if c.IntervalSeconds < 1 {
		return errs.NewConfigError("interval_seconds", "must be at least 1")
	}
	if c.SupertrendPeriod < 1 {
		return errs.NewConfigError("supertrend_period", "must be at least 1")
	}
	if c.SupertrendMultiplier <= 0 {
		return errs.NewConfigError("supertrend_multiplier", "must be positive")
	}
	if c.UseMACD {
		if c.MACDFast < 1 || c.MACDSlow < 1 || c.MACDSignal < 1 {
			return errs.NewConfigError("macd", "periods must be at least 1")
		}
		if c.MACDFast >= c.MACDSlow {
			return errs.NewConfigError("macd", "fast period must be below slow period")
		}
	}
	if c.InitialStopPoints < 0 || c.MaxLossPerTradeRupees < 0 || c.TargetPoints < 0 ||
		c.TrailStartPoints < 0 || c.TrailStepPoints < 0 || c.RiskPerTradeRupees < 0 {
		return errs.NewConfigError("risk", "risk parameters must be non-negative")
	}
	if c.DailyMaxLossRupees < 0 {
		return errs.NewConfigError("daily_max_loss", "must be non-negative")
	}
	if c.MaxTradesPerDay < 1 {
		return errs.NewConfigError("max_trades_per_day", "must be at least 1")
	}
	if c.MinGapCandles < 1 {
		return errs.NewConfigError("min_gap_candles", "must be at least 1")
	}
	if c.OrderFillTimeoutMs < 1 || c.OrderPollIntervalMs < 1 {
		return errs.NewConfigError("order_timing", "fill timeout and poll interval must be positive")
	}
	for _, w := range []struct{ field, val string }{
		{"entry_open", c.EntryOpenIST},
		{"entry_close", c.EntryCloseIST},
		{"force_flat", c.ForceFlatIST},
		{"session_close", c.SessionCloseIST},
	} {
		if !validHHMM(w.val) {
			return errs.NewConfigError(w.field, fmt.Sprintf("invalid HH:MM %q", w.val))
		}
	}
	if c.Mode == "live" && (c.KiteAPIKey == "" || c.KiteAccessToken == "") {
		return errs.NewConfigError("credentials", "live mode requires kite_api_key and kite_access_token")
	}
	return nil
}

func validHHMM(s string) bool {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return false
	}
	return h >= 0 && h <= 23 && m >= 0 && m <= 59
}

// Patch carries optional overrides for a running engine. Nil fields are
// left unchanged.
type Patch struct {
	MaxLossPerTradeRupees *float64
	TargetPoints          *float64
	TrailStartPoints      *float64
	TrailStepPoints       *float64
	DailyMaxLossRupees    *float64
	MaxTradesPerDay       *int
	Lots                  *int
	IntervalSeconds       *int
	SupertrendPeriod      *int
	SupertrendMultiplier  *float64
	RiskPerTradeRupees    *float64
}

// runtimeUnsafe reports whether the patch touches fields that may only
// change while the position is closed (interval, indicator params, sizing).
func (p Patch) runtimeUnsafe() bool {
	return p.IntervalSeconds != nil || p.SupertrendPeriod != nil ||
		p.SupertrendMultiplier != nil || p.Lots != nil || p.RiskPerTradeRupees != nil
}

// ApplyPatch returns a new config with the patch applied. Risk limits may
// be changed live; structural fields are rejected unless the position is
// closed.
func ApplyPatch(cur EngineConfig, p Patch, positionClosed bool) (EngineConfig, error) {
	if p.runtimeUnsafe() && !positionClosed {
		return cur, errs.NewConfigError("patch", "interval, indicator, and sizing changes require a closed position")
	}

	next := cur
	if p.MaxLossPerTradeRupees != nil {
		next.MaxLossPerTradeRupees = *p.MaxLossPerTradeRupees
	}
	if p.TargetPoints != nil {
		next.TargetPoints = *p.TargetPoints
	}
	if p.TrailStartPoints != nil {
		next.TrailStartPoints = *p.TrailStartPoints
	}
	if p.TrailStepPoints != nil {
		next.TrailStepPoints = *p.TrailStepPoints
	}
	if p.DailyMaxLossRupees != nil {
		next.DailyMaxLossRupees = *p.DailyMaxLossRupees
	}
	if p.MaxTradesPerDay != nil {
		next.MaxTradesPerDay = *p.MaxTradesPerDay
	}
	if p.Lots != nil {
		next.Lots = *p.Lots
	}
	if p.IntervalSeconds != nil {
		next.IntervalSeconds = *p.IntervalSeconds
	}
	if p.SupertrendPeriod != nil {
		next.SupertrendPeriod = *p.SupertrendPeriod
	}
	if p.SupertrendMultiplier != nil {
		next.SupertrendMultiplier = *p.SupertrendMultiplier
	}
	if p.RiskPerTradeRupees != nil {
		next.RiskPerTradeRupees = *p.RiskPerTradeRupees
	}

	if err := next.Validate(); err != nil {
		return cur, err
	}
	return next, nil
}
