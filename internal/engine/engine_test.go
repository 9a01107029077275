package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"supertrend-trader/internal/broker"
	"supertrend-trader/internal/config"
	errs "supertrend-trader/internal/errors"
	"supertrend-trader/internal/journal"
	"supertrend-trader/internal/market"
	"supertrend-trader/internal/models"
)

func testConfig(t *testing.T) config.EngineConfig {
	t.Helper()
	cfg := config.Default()
	cfg.JournalPath = filepath.Join(t.TempDir(), "trades.db")
	cfg.IntervalSeconds = 5
	cfg.OrderFillTimeoutMs = 100
	cfg.OrderPollIntervalMs = 5
	cfg.InitialStopPoints = 50
	cfg.DailyMaxLossRupees = 5000
	return cfg
}

func newTestEngine(t *testing.T, cfg config.EngineConfig, b broker.Broker) (*Engine, *journal.Journal) {
	t.Helper()
	j, err := journal.Open(cfg.JournalPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { j.Close() })

	session := market.NewSessionManager()
	e, err := New("st-test", cfg, b, j, session, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	return e, j
}

// tradingTime returns a weekday time inside the entry window.
func tradingTime(e *Engine) time.Time {
	return time.Date(2026, 8, 5, 10, 0, 0, 0, e.session.Location())
}

func closedCandle(close float64) models.Candle {
	return models.Candle{
		Boundary: time.Unix(1000, 0).UTC(),
		Open:     close,
		High:     close + 5,
		Low:      close - 5,
		Close:    close,
		Closed:   true,
	}
}

// enter opens a position through the real entry path.
func enter(t *testing.T, e *Engine, cfg config.EngineConfig) *models.Position {
	t.Helper()
	e.tryEntry(context.Background(), tradingTime(e), cfg, closedCandle(23467), 1, true)
	pos := e.ledger.Position()
	if pos == nil || pos.State != models.PositionOpen {
		t.Fatal("expected an OPEN position after entry")
	}
	return pos
}

func TestEntryOnFlip(t *testing.T) {
	cfg := testConfig(t)
	b := newScriptedBroker()
	e, j := newTestEngine(t, cfg, b)

	pos := enter(t, e, cfg)

	if pos.Ref.Side != models.SideCall {
		t.Errorf("side = %s, want CE for direction +1", pos.Ref.Side)
	}
	if pos.Ref.Strike != 23450 {
		t.Errorf("strike = %g, want ATM 23450 for spot 23467", pos.Ref.Strike)
	}
	if pos.Qty != 50 {
		t.Errorf("qty = %d, want 1 lot x 50", pos.Qty)
	}
	if pos.EntryPrice != 100 {
		t.Errorf("entry price = %g", pos.EntryPrice)
	}
	if e.book.TradesTakenToday != 1 {
		t.Errorf("trades taken = %d, want 1 after fill", e.book.TradesTakenToday)
	}

	rec, err := j.Trade(context.Background(), pos.TradeID)
	if err != nil || rec == nil {
		t.Fatalf("trade record missing: %v", err)
	}
	if rec.Closed() {
		t.Error("open record should not carry close fields")
	}

	snap := e.Snapshot()
	if snap.Position == nil {
		t.Fatal("journaled open position should be published")
	}
	if snap.Position.State != models.PositionOpen {
		t.Errorf("published state = %s", snap.Position.State)
	}
}

func TestNoEntryWithoutFlip(t *testing.T) {
	cfg := testConfig(t)
	b := newScriptedBroker()
	e, _ := newTestEngine(t, cfg, b)

	e.tryEntry(context.Background(), tradingTime(e), cfg, closedCandle(23467), 1, false)
	if e.ledger.Position() != nil {
		t.Fatal("entry must require a direction flip at the closed boundary")
	}
	if b.buys() != 0 {
		t.Errorf("buys = %d, want 0", b.buys())
	}
}

func TestNoEntryOutsideWindow(t *testing.T) {
	cfg := testConfig(t)
	b := newScriptedBroker()
	e, _ := newTestEngine(t, cfg, b)

	early := time.Date(2026, 8, 5, 9, 20, 0, 0, e.session.Location())
	e.tryEntry(context.Background(), early, cfg, closedCandle(23467), 1, true)
	if b.buys() != 0 {
		t.Error("no entry before 09:25")
	}

	late := time.Date(2026, 8, 5, 15, 15, 0, 0, e.session.Location())
	e.tryEntry(context.Background(), late, cfg, closedCandle(23467), 1, true)
	if b.buys() != 0 {
		t.Error("no entry after 15:10")
	}
}

func TestBuyTimeoutAbandonsAttempt(t *testing.T) {
	cfg := testConfig(t)
	b := newScriptedBroker()
	e, _ := newTestEngine(t, cfg, b)

	b.setDefaultStatus(&broker.OrderStatus{State: models.OrderPending})
	e.tryEntry(context.Background(), tradingTime(e), cfg, closedCandle(23467), 1, true)

	if e.ledger.Position() != nil {
		t.Fatal("a timed-out BUY must not create a position")
	}
	if e.book.TradesTakenToday != 0 {
		t.Error("an abandoned entry must not consume a trade slot")
	}
}

func TestReversalExit(t *testing.T) {
	cfg := testConfig(t)
	b := newScriptedBroker()
	e, j := newTestEngine(t, cfg, b)

	pos := enter(t, e, cfg)
	tradeID := pos.TradeID
	pos.EntryTime = time.Now().Add(-10 * time.Minute)

	minHold := time.Duration(cfg.MinGapCandles*cfg.IntervalSeconds) * time.Second
	if !reversalDue(pos, -1, time.Now(), minHold) {
		t.Fatal("reversal should be due")
	}

	b.setOption(109)
	if !e.requestExit(context.Background(), ReasonReversal) {
		t.Fatal("exit should fire")
	}

	if e.ledger.Position() != nil {
		t.Fatal("position should be CLOSED after the SELL fill")
	}
	rec, err := j.Trade(context.Background(), tradeID)
	if err != nil || rec == nil {
		t.Fatal("trade record missing")
	}
	if rec.ExitReason != ReasonReversal {
		t.Errorf("exit reason = %q, want Reversal", rec.ExitReason)
	}
	if rec.RealizedPnL != (109-100)*50 {
		t.Errorf("realized pnl = %g, want 450", rec.RealizedPnL)
	}
	if e.book.RealizedPnLToday != 450 {
		t.Errorf("book pnl = %g", e.book.RealizedPnLToday)
	}
	if e.candlesSinceExit != 0 {
		t.Error("candle gap counter should reset on exit")
	}
}

func TestSingleSellInvariant(t *testing.T) {
	cfg := testConfig(t)
	b := newScriptedBroker()
	e, j := newTestEngine(t, cfg, b)

	pos := enter(t, e, cfg)
	tradeID := pos.TradeID

	// SELL stays pending past the fill timeout: position parks in CLOSING.
	b.setDefaultStatus(&broker.OrderStatus{State: models.OrderPending})
	if !e.requestExit(context.Background(), ReasonReversal) {
		t.Fatal("first exit request should fire")
	}
	if got := e.positionState(); got != models.PositionClosing {
		t.Fatalf("state = %s, want CLOSING", got)
	}

	// Reversal plus manual squareoff in the same cycle: both coalesce.
	if !e.requestExit(context.Background(), ReasonManual) {
		t.Fatal("coalesced request should still report an exit in flight")
	}
	e.requestExit(context.Background(), ReasonForceFlat)

	if b.sells() != 1 {
		t.Fatalf("broker saw %d SELLs, want exactly 1", b.sells())
	}

	// The pending SELL eventually fills; the background poll closes out.
	b.setDefaultStatus(&broker.OrderStatus{State: models.OrderFilled, AvgFillPrice: 105, FilledQty: 50})
	deadline := time.Now().Add(5 * time.Second)
	for e.hasAnyPosition() {
		if time.Now().After(deadline) {
			t.Fatal("position never closed after the fill confirmed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	rec, err := j.Trade(context.Background(), tradeID)
	if err != nil || rec == nil || !rec.Closed() {
		t.Fatal("close row missing after recovery")
	}
	if b.sells() != 1 {
		t.Fatalf("broker saw %d SELLs after recovery, want 1", b.sells())
	}
}

func TestSellRejectRevertsToOpen(t *testing.T) {
	cfg := testConfig(t)
	b := newScriptedBroker()
	e, _ := newTestEngine(t, cfg, b)

	enter(t, e, cfg)

	b.setDefaultStatus(&broker.OrderStatus{State: models.OrderRejected})
	if e.requestExit(context.Background(), ReasonTarget) {
		t.Fatal("a rejected SELL is not a completed exit")
	}

	pos := e.ledger.Position()
	if pos == nil || pos.State != models.PositionOpen {
		t.Fatal("position should revert to OPEN after a SELL reject")
	}
	if pos.ExitOrderID != "" {
		t.Error("exit order id should clear so the evaluator can retry")
	}

	// The evaluator retries on a later tick and succeeds.
	b.setDefaultStatus(nil)
	if !e.requestExit(context.Background(), ReasonTarget) {
		t.Fatal("retry should succeed")
	}
	if e.ledger.Position() != nil {
		t.Fatal("position should close on the retry")
	}
	if b.sells() != 2 {
		t.Errorf("sells = %d, want 2 (reject then retry)", b.sells())
	}
}

func TestDailyMaxLossTripsAndBlocksEntries(t *testing.T) {
	cfg := testConfig(t)
	b := newScriptedBroker()
	e, _ := newTestEngine(t, cfg, b)

	enter(t, e, cfg)
	e.book.RealizedPnLToday = -4800

	// Unrealized -300 takes the day to -5100, breaching the 5000 limit.
	b.setOption(94)
	if !e.tickRisk(context.Background(), cfg) {
		t.Fatal("daily max loss should fire")
	}
	if !e.book.DailyLossTripped {
		t.Fatal("risk book should trip")
	}
	if e.ledger.Position() != nil {
		t.Fatal("position should be closed")
	}

	// No further entries today.
	e.tryEntry(context.Background(), tradingTime(e), cfg, closedCandle(23467), -1, true)
	if e.ledger.Position() != nil {
		t.Fatal("tripped book must block entries")
	}
}

func TestManualSquareoffRequiresPosition(t *testing.T) {
	cfg := testConfig(t)
	e, _ := newTestEngine(t, cfg, newScriptedBroker())

	if err := e.Squareoff(); !errs.Is(err, errs.ErrNoPosition) {
		t.Fatalf("err = %v, want ErrNoPosition", err)
	}
}

func TestStopModes(t *testing.T) {
	cfg := testConfig(t)
	b := newScriptedBroker()
	e, j := newTestEngine(t, cfg, b)

	if err := e.Start(); err != nil {
		t.Fatal(err)
	}
	if err := e.Start(); !errs.Is(err, errs.ErrAlreadyRunning) {
		t.Fatalf("second start: %v, want ErrAlreadyRunning", err)
	}

	pos := enter(t, e, cfg)
	tradeID := pos.TradeID

	if err := e.Stop(StopGraceful); !errs.Is(err, errs.ErrPositionOpen) {
		t.Fatalf("graceful stop with open position: %v, want ErrPositionOpen", err)
	}

	if err := e.Stop(StopForceFlat); err != nil {
		t.Fatal(err)
	}
	if e.Running() {
		t.Error("engine should be stopped")
	}
	if e.ledger.Position() != nil {
		t.Error("force-flat stop should close the position")
	}

	rec, err := j.Trade(context.Background(), tradeID)
	if err != nil || rec == nil || !rec.Closed() {
		t.Fatal("force-flat exit should be journaled")
	}
	if rec.ExitReason != ReasonManual {
		t.Errorf("exit reason = %q", rec.ExitReason)
	}
}

func TestUpdateConfigRules(t *testing.T) {
	cfg := testConfig(t)
	e, _ := newTestEngine(t, cfg, newScriptedBroker())

	enter(t, e, cfg)

	// Structural change with an open position is refused.
	interval := 10
	if err := e.UpdateConfig(config.Patch{IntervalSeconds: &interval}); err == nil {
		t.Fatal("interval change must be rejected while a position is open")
	}

	// Tightening a risk limit live is allowed.
	tighter := 2000.0
	if err := e.UpdateConfig(config.Patch{DailyMaxLossRupees: &tighter}); err != nil {
		t.Fatal(err)
	}
	e.mu.Lock()
	got := e.cfg.DailyMaxLossRupees
	e.mu.Unlock()
	if got != 2000 {
		t.Errorf("daily max loss = %g, want 2000", got)
	}
}

func TestRiskSizing(t *testing.T) {
	cfg := testConfig(t)
	cfg.Lots = 4
	cfg.RiskPerTradeRupees = 7500
	cfg.InitialStopPoints = 50
	// floor(7500 / (50 * 50)) = 3 lots
	if lots := entryLots(cfg, 50); lots != 3 {
		t.Errorf("lots = %d, want 3", lots)
	}

	// Risk too small for one lot still trades the minimum.
	cfg.RiskPerTradeRupees = 100
	if lots := entryLots(cfg, 50); lots != 1 {
		t.Errorf("lots = %d, want 1", lots)
	}

	// Disabled risk sizing falls back to configured lots.
	cfg.RiskPerTradeRupees = 0
	if lots := entryLots(cfg, 50); lots != 4 {
		t.Errorf("lots = %d, want 4", lots)
	}
}

func TestSnapshotIsolation(t *testing.T) {
	cfg := testConfig(t)
	e, _ := newTestEngine(t, cfg, newScriptedBroker())

	enter(t, e, cfg)

	snap := e.Snapshot()
	if snap.Position == nil {
		t.Fatal("expected a position snapshot")
	}

	// Mutating the snapshot must not touch engine state.
	snap.Position.EntryPrice = 999
	if e.ledger.Position().EntryPrice == 999 {
		t.Fatal("snapshot shares mutable state with the engine")
	}

	clone := snap.Clone()
	clone.Position.Qty = 1
	if snap.Position.Qty == 1 {
		t.Fatal("clone shares position with its source")
	}
}
