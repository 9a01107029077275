package cli

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"supertrend-trader/internal/broker"
	"supertrend-trader/internal/engine"
	"supertrend-trader/internal/journal"
	"supertrend-trader/internal/logging"
	"supertrend-trader/internal/market"
)

var (
	runStrategyID string
	runPaperSeed  int64
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the trading engine until interrupted",
	Long: `Run starts the engine loop for one strategy instance.

Signals:
  SIGINT   graceful stop (refused while a position is open; send SIGTERM to force)
  SIGTERM  force-flat stop (squares off any open position first)
  SIGHUP   manual squareoff without stopping`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		logCfg := logging.DefaultLogConfig()
		logCfg.Level = cfg.LogLevel
		log := logging.NewLoggerWithConfig(logCfg)

		session := market.NewSessionManager()

		if err := os.MkdirAll(filepath.Dir(cfg.JournalPath), 0755); err != nil {
			return fmt.Errorf("creating journal dir: %w", err)
		}
		j, err := journal.Open(cfg.JournalPath)
		if err != nil {
			return err
		}
		defer j.Close()

		var b broker.Broker
		if cfg.Mode == "live" {
			b = broker.NewZerodhaBroker(broker.ZerodhaConfig{
				APIKey:      cfg.KiteAPIKey,
				AccessToken: cfg.KiteAccessToken,
			}, session)
		} else {
			b = broker.NewPaperBroker(session, runPaperSeed)
		}

		eng, err := engine.New(runStrategyID, *cfg, b, j, session, log)
		if err != nil {
			return err
		}
		if err := eng.Start(); err != nil {
			return err
		}

		// Mirror snapshots at debug level so an operator tailing the log
		// sees the live state without a dashboard attached.
		sub := eng.Subscribe()
		go func() {
			for snap := range sub.C {
				log.Debug().
					Float64("index_ltp", snap.IndexLTP).
					Int("direction", snap.Indicator.Direction).
					Bool("position", snap.Position != nil).
					Float64("day_pnl", snap.Risk.RealizedPnLToday).
					Msg("Snapshot")
			}
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

		for sig := range sigCh {
			switch sig {
			case syscall.SIGHUP:
				if err := eng.Squareoff(); err != nil {
					log.Warn().Err(err).Msg("Squareoff request refused")
				}
			case syscall.SIGINT:
				if err := eng.Stop(engine.StopGraceful); err != nil {
					log.Warn().Err(err).Msg("Graceful stop refused; SIGTERM force-flats")
					continue
				}
				return nil
			case syscall.SIGTERM:
				if err := eng.Stop(engine.StopForceFlat); err != nil {
					log.Error().Err(err).Msg("Force-flat stop failed")
				}
				return nil
			}
		}
		return nil
	},
}

func init() {
	runCmd.Flags().StringVar(&runStrategyID, "strategy", "st-1", "strategy instance id")
	runCmd.Flags().Int64Var(&runPaperSeed, "paper-seed", time.Now().UnixNano(), "seed for the paper broker price walk")
}
