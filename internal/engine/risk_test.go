package engine

import (
	"testing"
	"time"

	"supertrend-trader/internal/config"
	"supertrend-trader/internal/models"
)

func openPosition(entry float64, qty int, side models.OptionSide) *models.Position {
	return &models.Position{
		TradeID:    "T1",
		Ref:        models.OptionRef{Side: side, Strike: 23500, Root: models.RootNifty},
		State:      models.PositionOpen,
		EntryTime:  time.Now().Add(-10 * time.Minute),
		EntryPrice: entry,
		Qty:        qty,
	}
}

func TestDailyMaxLossHasTopPriority(t *testing.T) {
	// Daily limit 5000, realized -4800, unrealized -300: total -5100
	// breaches the daily limit even though no per-trade rule fires.
	cfg := config.EngineConfig{
		DailyMaxLossRupees: 5000,
		InitialStopPoints:  50,
	}
	book := models.RiskBook{RealizedPnLToday: -4800}
	pos := openPosition(100, 50, models.SideCall)

	reason, fired := evalTickExit(cfg, book, pos, 94) // unrealized = -300
	if !fired || reason != ReasonDailyMaxLoss {
		t.Fatalf("reason=%q fired=%v, want Daily Max Loss", reason, fired)
	}
}

func TestPerTradeMaxLoss(t *testing.T) {
	cfg := config.EngineConfig{MaxLossPerTradeRupees: 1000}
	pos := openPosition(100, 50, models.SideCall)

	// Loss of 20 points x 50 = 1000 hits the limit exactly.
	reason, fired := evalTickExit(cfg, models.RiskBook{}, pos, 80)
	if !fired || reason != ReasonMaxLossPerTrade {
		t.Fatalf("reason=%q fired=%v", reason, fired)
	}

	reason, fired = evalTickExit(cfg, models.RiskBook{}, pos, 81)
	if fired {
		t.Fatalf("unexpected exit %q at loss below limit", reason)
	}
}

func TestInitialStop(t *testing.T) {
	// Entry 100, stop 50 points: a tick at 49.9 fires the initial SL.
	cfg := config.EngineConfig{InitialStopPoints: 50}
	pos := openPosition(100, 50, models.SideCall)

	reason, fired := evalTickExit(cfg, models.RiskBook{}, pos, 49.9)
	if !fired || reason != ReasonInitialSL {
		t.Fatalf("reason=%q fired=%v, want Initial SL", reason, fired)
	}

	if _, fired := evalTickExit(cfg, models.RiskBook{}, pos, 50.1); fired {
		t.Fatal("tick above the stop must not fire")
	}
}

func TestTarget(t *testing.T) {
	cfg := config.EngineConfig{TargetPoints: 25}
	pos := openPosition(100, 50, models.SideCall)

	reason, fired := evalTickExit(cfg, models.RiskBook{}, pos, 125)
	if !fired || reason != ReasonTarget {
		t.Fatalf("reason=%q fired=%v, want Target", reason, fired)
	}
}

func TestTrailingStopScenario(t *testing.T) {
	// Entry 100, trail start 10, trail step 5. Ticks 100, 112, 115, 109:
	// at 112 trailing stop arms at 107, at 115 it advances to 110, at 109
	// the stop is breached.
	cfg := config.EngineConfig{TrailStartPoints: 10, TrailStepPoints: 5}
	pos := openPosition(100, 50, models.SideCall)

	if _, fired := evalTickExit(cfg, models.RiskBook{}, pos, 100); fired {
		t.Fatal("no trigger expected at entry price")
	}
	if pos.Anchors.TrailingStop != 0 {
		t.Fatal("trailing stop should not arm below trail start")
	}

	if _, fired := evalTickExit(cfg, models.RiskBook{}, pos, 112); fired {
		t.Fatal("no trigger expected at 112")
	}
	if pos.Anchors.TrailingStop != 107 || pos.Anchors.HighWaterMark != 112 {
		t.Fatalf("after 112: stop=%g hwm=%g", pos.Anchors.TrailingStop, pos.Anchors.HighWaterMark)
	}

	if _, fired := evalTickExit(cfg, models.RiskBook{}, pos, 115); fired {
		t.Fatal("no trigger expected at 115")
	}
	if pos.Anchors.TrailingStop != 110 || pos.Anchors.HighWaterMark != 115 {
		t.Fatalf("after 115: stop=%g hwm=%g", pos.Anchors.TrailingStop, pos.Anchors.HighWaterMark)
	}

	reason, fired := evalTickExit(cfg, models.RiskBook{}, pos, 109)
	if !fired || reason != ReasonTrailSL {
		t.Fatalf("reason=%q fired=%v, want Trail SL", reason, fired)
	}
}

func TestTrailingStopNeverRetreats(t *testing.T) {
	cfg := config.EngineConfig{TrailStartPoints: 10, TrailStepPoints: 5}
	pos := openPosition(100, 50, models.SideCall)

	evalTickExit(cfg, models.RiskBook{}, pos, 115) // stop = 110
	evalTickExit(cfg, models.RiskBook{}, pos, 112) // pullback above the stop

	if pos.Anchors.TrailingStop != 110 {
		t.Fatalf("trailing stop moved to %g on a pullback", pos.Anchors.TrailingStop)
	}
	if pos.Anchors.HighWaterMark != 115 {
		t.Fatalf("high water mark moved to %g on a pullback", pos.Anchors.HighWaterMark)
	}
}

func TestPriorityOrder(t *testing.T) {
	// A tick that satisfies several triggers at once must report the
	// highest-priority one.
	cfg := config.EngineConfig{
		DailyMaxLossRupees:    100,
		MaxLossPerTradeRupees: 100,
		InitialStopPoints:     1,
	}
	book := models.RiskBook{RealizedPnLToday: -50}
	pos := openPosition(100, 50, models.SideCall)

	reason, fired := evalTickExit(cfg, book, pos, 50)
	if !fired || reason != ReasonDailyMaxLoss {
		t.Fatalf("reason=%q, want Daily Max Loss first", reason)
	}

	// With the daily rule disabled the per-trade rule wins over the stop.
	cfg.DailyMaxLossRupees = 0
	reason, _ = evalTickExit(cfg, book, pos, 50)
	if reason != ReasonMaxLossPerTrade {
		t.Fatalf("reason=%q, want Max Loss Per Trade second", reason)
	}
}

func TestDisabledRulesNeverFire(t *testing.T) {
	cfg := config.EngineConfig{} // everything zero = disabled
	pos := openPosition(100, 50, models.SideCall)

	for _, ltp := range []float64{0.05, 50, 100, 500} {
		if reason, fired := evalTickExit(cfg, models.RiskBook{}, pos, ltp); fired {
			t.Fatalf("disabled config fired %q at ltp %g", reason, ltp)
		}
	}
}

func TestReversalDue(t *testing.T) {
	now := time.Now()
	pos := openPosition(100, 50, models.SideCall)
	pos.EntryTime = now.Add(-2 * time.Minute)

	if !reversalDue(pos, -1, now, time.Minute) {
		t.Error("CE against -1 past min hold should be due")
	}
	if reversalDue(pos, 1, now, time.Minute) {
		t.Error("CE with +1 is aligned, not a reversal")
	}
	if reversalDue(pos, 0, now, time.Minute) {
		t.Error("warm-up direction must not trigger reversal")
	}

	// Min hold not yet elapsed.
	pos.EntryTime = now.Add(-30 * time.Second)
	if reversalDue(pos, -1, now, time.Minute) {
		t.Error("reversal must respect the minimum hold")
	}

	put := openPosition(100, 50, models.SidePut)
	put.EntryTime = now.Add(-2 * time.Minute)
	if !reversalDue(put, 1, now, time.Minute) {
		t.Error("PE against +1 past min hold should be due")
	}
}
