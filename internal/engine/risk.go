package engine

import (
	"time"

	"supertrend-trader/internal/config"
	"supertrend-trader/internal/models"
)

// Exit reasons as recorded in the trade journal.
const (
	ReasonDailyMaxLoss    = "Daily Max Loss"
	ReasonMaxLossPerTrade = "Max Loss Per Trade"
	ReasonInitialSL       = "Initial SL"
	ReasonTarget          = "Target"
	ReasonTrailSL         = "Trail SL"
	ReasonReversal        = "Reversal"
	ReasonForceFlat       = "Force Squareoff"
	ReasonManual          = "Manual"
)

// evalTickExit runs the tick-level exit checks in priority order against an
// OPEN position and the latest option LTP. It returns the first reason that
// fires. Trailing-stop anchors on the position are advanced as a side
// effect even when nothing fires.
//
// Priority: daily max loss > per-trade max loss > initial stop > target >
// trailing stop. Reversal and force-flat are evaluated elsewhere (candle
// close and wall clock).
func evalTickExit(cfg config.EngineConfig, book models.RiskBook, pos *models.Position, ltp float64) (string, bool) {
	unrealized := pos.UnrealizedPnL(ltp)

	if cfg.DailyMaxLossRupees > 0 && book.RealizedPnLToday+unrealized <= -cfg.DailyMaxLossRupees {
		return ReasonDailyMaxLoss, true
	}

	if cfg.MaxLossPerTradeRupees > 0 && unrealized <= -cfg.MaxLossPerTradeRupees {
		return ReasonMaxLossPerTrade, true
	}

	if cfg.InitialStopPoints > 0 && ltp <= pos.EntryPrice-cfg.InitialStopPoints {
		return ReasonInitialSL, true
	}

	if cfg.TargetPoints > 0 && ltp >= pos.EntryPrice+cfg.TargetPoints {
		return ReasonTarget, true
	}

	if cfg.TrailStartPoints > 0 && cfg.TrailStepPoints > 0 {
		a := &pos.Anchors
		if a.HighWaterMark == 0 {
			if ltp-pos.EntryPrice >= cfg.TrailStartPoints {
				a.TrailingStop = ltp - cfg.TrailStepPoints
				a.HighWaterMark = ltp
			}
		} else if ltp > a.HighWaterMark {
			a.HighWaterMark = ltp
			if next := ltp - cfg.TrailStepPoints; next > a.TrailingStop {
				a.TrailingStop = next
			}
		}
		if a.TrailingStop > 0 && ltp <= a.TrailingStop {
			return ReasonTrailSL, true
		}
	}

	return "", false
}

// reversalDue reports whether the indicator direction opposes the held side
// and the minimum hold since entry has elapsed. Reversal has lower priority
// than any tick trigger firing in the same cycle.
func reversalDue(pos *models.Position, direction int, now time.Time, minHold time.Duration) bool {
	if direction == 0 {
		return false
	}
	opposed := (pos.Ref.Side == models.SideCall && direction == -1) ||
		(pos.Ref.Side == models.SidePut && direction == 1)
	if !opposed {
		return false
	}
	return now.Sub(pos.EntryTime) >= minHold
}
