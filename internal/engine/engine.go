package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"supertrend-trader/internal/broker"
	"supertrend-trader/internal/candle"
	"supertrend-trader/internal/config"
	errs "supertrend-trader/internal/errors"
	"supertrend-trader/internal/indicators"
	"supertrend-trader/internal/journal"
	"supertrend-trader/internal/logging"
	"supertrend-trader/internal/market"
	"supertrend-trader/internal/models"
	"supertrend-trader/internal/stream"
	"supertrend-trader/pkg/utils"
)

// StopMode selects how Stop treats an open position.
type StopMode string

const (
	// StopGraceful refuses to stop while a position is not CLOSED.
	StopGraceful StopMode = "GRACEFUL"
	// StopForceFlat submits an immediate SELL before stopping.
	StopForceFlat StopMode = "FORCE_FLAT"
)

const (
	quoteTimeout = 2 * time.Second
	// exitRecoveryDeadline bounds background polling of an unconfirmed
	// SELL before a fresh order with a new tag may be issued.
	exitRecoveryDeadline = 2 * time.Minute
)

// pendingClose carries a confirmed exit fill whose journal write has not
// yet succeeded. The position stays CLOSING until it is durably recorded.
type pendingClose struct {
	fill   Fill
	reason string
}

// Engine is one strategy instance: the single authoritative mutator of its
// position, risk book, aggregator, and indicator state. Broker I/O and
// journal writes run off the loop with deadlines; all state transitions
// serialize through the engine lock.
type Engine struct {
	strategyID string
	mode       models.TradingMode
	instrument models.InstrumentRef
	session    *market.SessionManager
	broker     broker.Broker
	journal    *journal.Journal
	hub        *stream.Hub
	executor   *Executor
	log        zerolog.Logger

	mu      sync.Mutex
	cfg     config.EngineConfig
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	agg    *candle.Aggregator
	st     *indicators.SuperTrend
	macd   *indicators.MACD
	ledger Ledger
	book   models.RiskBook

	indexLTP         float64
	optionLTP        float64
	lastTickAt       time.Time
	lastBoundary     time.Time
	candlesSinceExit int
	tradeSeq         int
	lastAction       *models.ActionNote
	openJournaled    bool
	pendingClose     *pendingClose
	manualExit       bool
}

// New creates an engine instance for one strategy.
func New(strategyID string, cfg config.EngineConfig, b broker.Broker, j *journal.Journal, session *market.SessionManager, log zerolog.Logger) (*Engine, error) {
	instrument, err := market.Lookup(models.IndexRoot(cfg.Root))
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	st, err := indicators.NewSuperTrend(cfg.SupertrendPeriod, cfg.SupertrendMultiplier)
	if err != nil {
		return nil, err
	}
	var macd *indicators.MACD
	if cfg.UseMACD {
		macd, err = indicators.NewMACD(cfg.MACDFast, cfg.MACDSlow, cfg.MACDSignal)
		if err != nil {
			return nil, err
		}
	}

	mode := models.ModePaper
	if cfg.Mode == "live" {
		mode = models.ModeLive
	}

	e := &Engine{
		strategyID: strategyID,
		mode:       mode,
		instrument: instrument,
		session:    session,
		broker:     b,
		journal:    j,
		hub:        stream.NewHub(),
		log:        logging.WithStrategy(log, strategyID),
		cfg:        cfg,
		agg:        candle.New(time.Duration(cfg.IntervalSeconds) * time.Second),
		st:         st,
		macd:       macd,
	}
	e.executor = NewExecutor(b, e.log, strategyID,
		time.Duration(cfg.OrderPollIntervalMs)*time.Millisecond,
		time.Duration(cfg.OrderFillTimeoutMs)*time.Millisecond)
	// A fresh instance has no prior exit, so the min-gap gate starts open.
	e.candlesSinceExit = cfg.MinGapCandles
	return e, nil
}

// Start begins the engine loop. Returns ErrAlreadyRunning when running.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return errs.ErrAlreadyRunning
	}

	// Restart policy: discard any partial candle and warm the indicator
	// from scratch on the next ticks.
	e.agg.Reset()
	e.st.Reset()
	if e.macd != nil {
		e.macd.Reset()
	}
	e.candlesSinceExit = e.cfg.MinGapCandles
	e.recoverRiskBookLocked()

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.done = make(chan struct{})
	e.running = true

	go e.runLoop(ctx, e.done)

	e.log.Info().
		Str("root", string(e.instrument.Root)).
		Str("mode", string(e.mode)).
		Int("interval_s", e.cfg.IntervalSeconds).
		Msg("Engine started")
	return nil
}

// recoverRiskBookLocked reloads today's risk counters from the journal so a
// restart does not forget realized losses.
func (e *Engine) recoverRiskBookLocked() {
	dayKey := e.session.DayKey(time.Now())
	e.book.Rollover(dayKey)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if stats, err := e.journal.DayStats(ctx, dayKey); err == nil && stats != nil {
		e.book = *stats
		return
	}
	if pnl, closed, err := e.journal.DayRealized(ctx, dayKey); err == nil {
		e.book.RealizedPnLToday = pnl
		e.book.TradesTakenToday = closed
		if e.cfg.DailyMaxLossRupees > 0 && pnl <= -e.cfg.DailyMaxLossRupees {
			e.book.DailyLossTripped = true
		}
	}
}

// Stop halts the engine. StopGraceful refuses while a position is live;
// StopForceFlat submits an immediate SELL through the executor first.
func (e *Engine) Stop(mode StopMode) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return errs.ErrNotRunning
	}
	live := e.ledger.HasLive()
	e.mu.Unlock()

	if live {
		if mode == StopGraceful {
			return errs.ErrPositionOpen
		}
		ctx, cancel := context.WithTimeout(context.Background(),
			time.Duration(e.cfg.OrderFillTimeoutMs)*time.Millisecond+5*time.Second)
		e.requestExit(ctx, ReasonManual)
		cancel()
	}

	e.mu.Lock()
	cancel := e.cancel
	done := e.done
	e.running = false
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	e.log.Info().Msg("Engine stopped")
	return nil
}

// Squareoff triggers a manual exit through the same single-SELL path as
// every other exit. It is a no-op when a SELL is already in flight.
func (e *Engine) Squareoff() error {
	e.mu.Lock()
	if !e.ledger.HasLive() {
		e.mu.Unlock()
		return errs.ErrNoPosition
	}
	e.manualExit = true
	e.mu.Unlock()
	return nil
}

// UpdateConfig applies a configuration patch. Risk limits may change live;
// interval, indicator, and sizing fields require a closed position.
func (e *Engine) UpdateConfig(p config.Patch) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	next, err := config.ApplyPatch(e.cfg, p, !e.ledger.HasLive())
	if err != nil {
		return err
	}

	structural := next.IntervalSeconds != e.cfg.IntervalSeconds ||
		next.SupertrendPeriod != e.cfg.SupertrendPeriod ||
		next.SupertrendMultiplier != e.cfg.SupertrendMultiplier
	e.cfg = next

	if structural {
		e.agg = candle.New(time.Duration(next.IntervalSeconds) * time.Second)
		st, err := indicators.NewSuperTrend(next.SupertrendPeriod, next.SupertrendMultiplier)
		if err != nil {
			return err
		}
		e.st = st
	}
	e.executor.pollInterval = time.Duration(next.OrderPollIntervalMs) * time.Millisecond
	e.executor.fillTimeout = time.Duration(next.OrderFillTimeoutMs) * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := e.journal.SaveConfig(ctx, "engine", next); err != nil {
		e.log.Error().Err(err).Msg("Config persistence failed")
	}
	return nil
}

// Subscribe returns a stream of state snapshots.
func (e *Engine) Subscribe() *stream.Subscriber {
	return e.hub.Subscribe()
}

// Unsubscribe removes a snapshot subscriber.
func (e *Engine) Unsubscribe(sub *stream.Subscriber) {
	e.hub.Unsubscribe(sub)
}

// Running reports whether the loop is active.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// runLoop is the 1-second heartbeat.
func (e *Engine) runLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.cycle(ctx)
		}
	}
}

// cycle runs one heartbeat: quotes, candle fold, indicator update, risk and
// entry evaluation, snapshot publication.
func (e *Engine) cycle(ctx context.Context) {
	nowIST := e.session.NowIST()

	e.mu.Lock()
	cfg := e.cfg
	if e.book.Rollover(e.session.DayKey(nowIST)) {
		e.candlesSinceExit = cfg.MinGapCandles
		e.log.Info().Str("day", e.book.DayKeyIST).Msg("Session day rollover; risk book reset")
	}
	manual := e.manualExit
	e.manualExit = false
	hasLive := e.ledger.HasLive()
	pending := e.pendingClose != nil
	e.mu.Unlock()

	// A confirmed exit fill that is not yet journaled blocks everything
	// else for this position: retry the write first.
	if pending {
		e.flushPendingClose(ctx)
	}

	if manual {
		e.requestExit(ctx, ReasonManual)
	}

	// Hard cutoff: force-flat overrides every other rule.
	if e.session.AtOrAfter(nowIST, cfg.ForceFlatIST) && e.positionState() == models.PositionOpen {
		e.requestExit(ctx, ReasonForceFlat)
	}

	if !e.session.WithinSession(nowIST) && !hasLive {
		e.publish()
		return
	}

	tick, err := e.quoteIndex(ctx)
	if err != nil {
		// Missing tick this cycle; never synthesized.
		e.log.Debug().Err(err).Msg("No index tick this cycle")
		e.publish()
		return
	}

	e.mu.Lock()
	e.indexLTP = tick.LTP
	e.lastTickAt = tick.Timestamp
	e.mu.Unlock()

	exitFired := e.tickRisk(ctx, cfg)

	closed, direction, flipped := e.foldTick(tick)

	if closed != nil {
		if !exitFired && e.positionState() == models.PositionOpen {
			minHold := time.Duration(cfg.MinGapCandles*cfg.IntervalSeconds) * time.Second
			e.mu.Lock()
			pos := e.ledger.Position()
			due := pos != nil && reversalDue(pos, direction, time.Now(), minHold)
			e.mu.Unlock()
			if due {
				exitFired = e.requestExit(ctx, ReasonReversal)
			}
		}
		if !exitFired && !e.hasAnyPosition() {
			e.tryEntry(ctx, nowIST, cfg, *closed, direction, flipped)
		}
	}

	e.publish()
}

// tickRisk fetches the option LTP and runs the tick-level exit checks.
// Returns true when an exit fired this cycle.
func (e *Engine) tickRisk(ctx context.Context, cfg config.EngineConfig) bool {
	e.mu.Lock()
	pos := e.ledger.Position()
	if pos == nil || pos.State != models.PositionOpen {
		e.mu.Unlock()
		return false
	}
	ref := pos.Ref
	e.mu.Unlock()

	opt, err := e.quoteOption(ctx, ref)
	if err != nil {
		e.log.Debug().Err(err).Msg("No option tick this cycle")
		return false
	}

	e.mu.Lock()
	e.optionLTP = opt.LTP
	pos = e.ledger.Position()
	if pos == nil || pos.State != models.PositionOpen {
		e.mu.Unlock()
		return false
	}
	reason, fire := evalTickExit(cfg, e.book, pos, opt.LTP)
	if fire && reason == ReasonDailyMaxLoss {
		// Trip immediately so no entry sneaks in while the SELL confirms.
		e.book.DailyLossTripped = true
	}
	e.mu.Unlock()

	if !fire {
		return false
	}
	return e.requestExit(ctx, reason)
}

// foldTick folds the index tick into the aggregator and, on a boundary
// close, updates the indicators.
func (e *Engine) foldTick(tick models.Tick) (*models.Candle, int, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	closed := e.agg.Apply(tick)
	if closed == nil {
		return nil, e.st.Direction(), false
	}

	e.lastBoundary = closed.Boundary
	direction, flipped := e.st.Update(*closed)
	if e.macd != nil {
		e.macd.Update(*closed)
	}
	e.candlesSinceExit++

	logging.LogCandleClose(e.log, *closed, e.st.Value(), direction)
	return closed, direction, flipped
}

// requestExit places the single SELL for the position. Repeated requests
// while CLOSING coalesce to no-ops, so any number of triggers in one cycle
// produce exactly one broker SELL.
func (e *Engine) requestExit(ctx context.Context, reason string) bool {
	e.mu.Lock()
	pos := e.ledger.Position()
	if pos == nil || !pos.Live() {
		e.mu.Unlock()
		return false
	}
	if err := e.ledger.BeginClose(); err != nil {
		e.mu.Unlock()
		if !errs.Is(err, errs.ErrExitInFlight) {
			e.log.Error().Err(err).Str("reason", reason).Msg("Exit refused")
		}
		// An in-flight SELL still counts as an exit firing this cycle.
		return errs.Is(err, errs.ErrExitInFlight)
	}
	ref := pos.Ref
	qty := pos.Qty
	tag := e.executor.NextTag("exit")
	e.mu.Unlock()

	e.log.Info().Str("reason", reason).Str("symbol", ref.TradingSymbol).Int("qty", qty).Msg("Exit triggered")

	orderID, err := e.executor.Place(ctx, ref, models.ActionSell, qty, tag)
	if err != nil {
		e.mu.Lock()
		e.ledger.AbortClose()
		e.setActionLocked("ERROR", reason+": sell placement failed")
		e.mu.Unlock()
		e.log.Error().Err(err).Str("reason", reason).Msg("Exit order placement failed")
		return false
	}

	e.mu.Lock()
	if err := e.ledger.SetExitOrder(orderID); err != nil {
		e.mu.Unlock()
		e.log.Error().Err(err).Msg("Exit order assignment refused")
		return false
	}
	e.mu.Unlock()

	fill, err := e.executor.AwaitFill(ctx, orderID)
	switch {
	case err == nil:
		e.finalizeExit(ctx, *fill, reason)
		return true
	case errs.Is(err, errs.ErrOrderRejected):
		e.mu.Lock()
		e.ledger.AbortClose()
		e.setActionLocked("ERROR", reason+": sell rejected")
		e.mu.Unlock()
		e.log.Error().Str("order_id", orderID).Str("reason", reason).Msg("Exit order rejected; will retry")
		return false
	default:
		// Timeout or cancellation: the SELL may still fill. Keep CLOSING
		// and confirm in the background; no second SELL can be placed
		// while CLOSING persists.
		e.log.Warn().Str("order_id", orderID).Str("reason", reason).Msg("Exit fill unconfirmed; polling in background")
		go e.recoverExit(orderID, reason)
		return true
	}
}

// recoverExit keeps polling an unconfirmed SELL. A confirmed fill closes
// the position; a confirmed reject reverts to OPEN for re-evaluation; past
// the recovery deadline the order is abandoned as UNKNOWN and the position
// reverts to OPEN so a fresh SELL with a new tag can be issued.
func (e *Engine) recoverExit(orderID, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), exitRecoveryDeadline)
	defer cancel()

	pollInterval := e.executor.pollInterval
	for {
		status, err := e.executor.Status(ctx, orderID)
		if err == nil {
			switch status.State {
			case models.OrderFilled:
				e.finalizeExit(ctx, Fill{OrderID: orderID, AvgPrice: status.AvgFillPrice, Qty: status.FilledQty}, reason)
				return
			case models.OrderRejected:
				e.mu.Lock()
				e.ledger.AbortClose()
				e.setActionLocked("ERROR", reason+": sell rejected")
				e.mu.Unlock()
				return
			}
		}

		select {
		case <-ctx.Done():
			e.mu.Lock()
			e.ledger.AbortClose()
			e.setActionLocked("ERROR", reason+": sell unconfirmed past deadline")
			e.mu.Unlock()
			e.log.Error().Str("order_id", orderID).Msg("Exit order unconfirmed past recovery deadline")
			return
		case <-time.After(pollInterval):
		}
	}
}

// finalizeExit journals the close and releases the position. The position
// stays CLOSING until the close row is durably written; publication never
// advances past the un-journaled state.
func (e *Engine) finalizeExit(ctx context.Context, fill Fill, reason string) {
	e.mu.Lock()
	pos := e.ledger.Position()
	if pos == nil || pos.State != models.PositionClosing {
		e.mu.Unlock()
		return
	}
	tradeID := pos.TradeID
	pnl := (fill.AvgPrice - pos.EntryPrice) * float64(pos.Qty)
	e.mu.Unlock()

	closeAt := time.Now().UTC()
	err := utils.Retry(ctx, utils.DefaultRetryConfig(), func() error {
		return e.journal.WriteClose(ctx, tradeID, closeAt, fill.AvgPrice, pnl, reason)
	})
	if err != nil {
		e.mu.Lock()
		e.pendingClose = &pendingClose{fill: fill, reason: reason}
		e.mu.Unlock()
		e.log.Error().Err(err).Str("trade_id", tradeID).Msg("Close journal write failed; will retry")
		return
	}

	e.completeClose(ctx, fill, reason, pnl)
}

// flushPendingClose retries the journal write for a close that has already
// filled at the broker.
func (e *Engine) flushPendingClose(ctx context.Context) {
	e.mu.Lock()
	pc := e.pendingClose
	pos := e.ledger.Position()
	e.mu.Unlock()
	if pc == nil || pos == nil {
		return
	}

	pnl := (pc.fill.AvgPrice - pos.EntryPrice) * float64(pos.Qty)
	if err := e.journal.WriteClose(ctx, pos.TradeID, time.Now().UTC(), pc.fill.AvgPrice, pnl, pc.reason); err != nil {
		e.log.Error().Err(err).Msg("Close journal write still failing")
		return
	}

	e.mu.Lock()
	e.pendingClose = nil
	e.mu.Unlock()
	e.completeClose(ctx, pc.fill, pc.reason, pnl)
}

// completeClose applies the post-journal state transitions for an exit.
func (e *Engine) completeClose(ctx context.Context, fill Fill, reason string, pnl float64) {
	e.mu.Lock()
	closed, err := e.ledger.ConfirmClose()
	if err != nil {
		e.mu.Unlock()
		e.log.Error().Err(err).Msg("Close confirmation refused")
		return
	}
	e.book.RealizedPnLToday += pnl
	if e.cfg.DailyMaxLossRupees > 0 && e.book.RealizedPnLToday <= -e.cfg.DailyMaxLossRupees {
		e.book.DailyLossTripped = true
	}
	e.candlesSinceExit = 0
	e.openJournaled = false
	book := e.book
	e.setActionLocked("EXIT", reason)
	e.mu.Unlock()

	if err := e.journal.UpsertDayStats(ctx, book); err != nil {
		e.log.Error().Err(err).Msg("Day stats write failed")
	}

	logging.LogExit(e.log, closed.TradeID, reason, fill.AvgPrice, pnl)
	e.publish()
}

// quoteIndex fetches the spot tick with a bounded deadline, retrying
// transient failures inside it.
func (e *Engine) quoteIndex(ctx context.Context) (models.Tick, error) {
	qctx, cancel := context.WithTimeout(ctx, quoteTimeout)
	defer cancel()
	return utils.RetryWithResult(qctx, utils.DefaultRetryConfig(), func() (models.Tick, error) {
		return e.broker.QuoteIndex(qctx, e.instrument)
	})
}

// quoteOption fetches the option tick with a bounded deadline.
func (e *Engine) quoteOption(ctx context.Context, ref models.OptionRef) (models.Tick, error) {
	qctx, cancel := context.WithTimeout(ctx, quoteTimeout)
	defer cancel()
	return utils.RetryWithResult(qctx, utils.DefaultRetryConfig(), func() (models.Tick, error) {
		return e.broker.QuoteOption(qctx, ref)
	})
}

func (e *Engine) positionState() models.PositionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ledger.Position() == nil {
		return models.PositionClosed
	}
	return e.ledger.Position().State
}

func (e *Engine) hasAnyPosition() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.HasLive()
}

func (e *Engine) setActionLocked(kind, reason string) {
	e.lastAction = &models.ActionNote{Kind: kind, Reason: reason, At: time.Now().UTC()}
}

// Snapshot builds an immutable state snapshot.
func (e *Engine) Snapshot() models.Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Engine) snapshotLocked() models.Snapshot {
	snap := models.Snapshot{
		StrategyID:     e.strategyID,
		Mode:           e.mode,
		Running:        e.running,
		Root:           e.instrument.Root,
		IndexLTP:       e.indexLTP,
		OptionLTP:      e.optionLTP,
		LastTickAt:     e.lastTickAt,
		LastBoundaryAt: e.lastBoundary,
		Indicator: models.IndicatorSnapshot{
			Direction: e.st.Direction(),
			Value:     e.st.Value(),
			FlippedAt: e.st.FlippedAt(),
		},
		Risk: models.RiskSnapshot{
			RealizedPnLToday: e.book.RealizedPnLToday,
			TradesTakenToday: e.book.TradesTakenToday,
			DailyLossTripped: e.book.DailyLossTripped,
		},
		EmittedAt: time.Now().UTC(),
	}

	// The open leg is published only once journaled, so observers never
	// see state ahead of the durable record.
	if pos := e.ledger.Position(); pos != nil && pos.Live() && (e.openJournaled || pos.State == models.PositionClosing) {
		snap.Position = &models.PositionSnapshot{
			State:         pos.State,
			Side:          pos.Ref.Side,
			Strike:        pos.Ref.Strike,
			Expiry:        pos.Ref.Expiry,
			EntryPrice:    pos.EntryPrice,
			Qty:           pos.Qty,
			UnrealizedPnL: pos.UnrealizedPnL(e.optionLTP),
			Anchors:       pos.Anchors,
		}
	}
	if e.lastAction != nil {
		act := *e.lastAction
		snap.LastAction = &act
	}
	return snap
}

// publish emits a snapshot to all subscribers.
func (e *Engine) publish() {
	e.hub.Publish(e.Snapshot())
}
