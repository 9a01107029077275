package engine

import (
	"context"
	"fmt"
	"math"
	"time"

	"supertrend-trader/internal/config"
	errs "supertrend-trader/internal/errors"
	"supertrend-trader/internal/logging"
	"supertrend-trader/internal/models"
	"supertrend-trader/pkg/utils"
)

// tryEntry evaluates the entry gates on a closed index candle and, when
// they all pass, submits the BUY and confirms the fill. The position
// transitions OPEN and the trade slot is consumed only on a confirmed fill.
func (e *Engine) tryEntry(ctx context.Context, nowIST time.Time, cfg config.EngineConfig, closed models.Candle, direction int, flipped bool) {
	if direction == 0 {
		return
	}
	// Flip-only: no re-entry into an unchanged trend.
	if !flipped {
		return
	}

	if !e.session.WithinWindow(nowIST, cfg.EntryOpenIST, cfg.EntryCloseIST) {
		e.log.Debug().Msg("Entry blocked: outside entry window")
		return
	}
	if e.session.AtOrAfter(nowIST, cfg.ForceFlatIST) {
		return
	}

	e.mu.Lock()
	if e.book.DailyLossTripped {
		e.mu.Unlock()
		e.log.Debug().Msg("Entry blocked: daily loss tripped")
		return
	}
	if e.book.TradesTakenToday >= cfg.MaxTradesPerDay {
		e.mu.Unlock()
		e.log.Info().Int("max", cfg.MaxTradesPerDay).Msg("Entry blocked: max trades per day reached")
		return
	}
	if e.candlesSinceExit < cfg.MinGapCandles {
		e.mu.Unlock()
		e.log.Debug().Int("since_exit", e.candlesSinceExit).Msg("Entry blocked: min gap not met")
		return
	}
	e.mu.Unlock()

	side := models.SideCall
	if direction == -1 {
		side = models.SidePut
	}

	if cfg.UseMACD && e.macd != nil && !e.macd.Confirms(direction) {
		e.setAction("SKIP", "MACD confirmation missing")
		e.log.Info().Str("side", string(side)).Msg("Entry skipped: MACD does not confirm")
		return
	}

	lots := entryLots(cfg, e.instrument.LotSize)
	qty := lots * e.instrument.LotSize

	ref, err := e.broker.ResolveOption(ctx, e.instrument, closed.Close, side)
	if err != nil {
		var re *errs.ResolveError
		if errs.As(err, &re) {
			e.setAction("SKIP", "no contract: "+re.Error())
			e.log.Warn().Err(err).Msg("Entry skipped: option resolution failed")
			return
		}
		e.log.Error().Err(err).Msg("Option resolution failed")
		return
	}

	// Reserve the slot before the BUY goes out so a second attempt cannot
	// start while this one is in flight.
	e.mu.Lock()
	e.tradeSeq++
	tradeID := fmt.Sprintf("T%s-%03d", time.Now().UTC().Format("20060102150405"), e.tradeSeq)
	pos := models.Position{
		TradeID:   tradeID,
		Ref:       ref,
		EntryTime: time.Now().UTC(),
		Qty:       qty,
		Lots:      lots,
	}
	if err := e.ledger.BeginOpen(pos); err != nil {
		e.mu.Unlock()
		e.log.Error().Err(err).Msg("Entry refused")
		return
	}
	tag := e.executor.NextTag("entry")
	e.mu.Unlock()

	e.log.Info().
		Str("side", string(side)).
		Float64("strike", ref.Strike).
		Float64("spot", closed.Close).
		Int("qty", qty).
		Msg("Entry signal")

	orderID, err := e.executor.Place(ctx, ref, models.ActionBuy, qty, tag)
	if err != nil {
		e.mu.Lock()
		e.ledger.AbandonOpen()
		e.setActionLocked("ERROR", "buy placement failed")
		e.mu.Unlock()
		e.log.Error().Err(err).Msg("Entry order placement failed")
		return
	}

	fill, err := e.executor.AwaitFill(ctx, orderID)
	if err != nil {
		e.mu.Lock()
		e.ledger.AbandonOpen()
		e.mu.Unlock()

		if errs.Is(err, errs.ErrOrderRejected) {
			e.setAction("ERROR", "buy rejected")
			e.log.Error().Str("order_id", orderID).Msg("Entry order rejected")
			return
		}
		// Timeout: never fabricate a fill. The attempt is abandoned and
		// recorded; the trade slot is not consumed.
		e.setAction("SKIP", "buy fill unconfirmed")
		e.log.Warn().Str("order_id", orderID).Msg("Entry abandoned: fill unconfirmed within deadline")
		if jerr := e.journal.WriteEntrySkip(ctx, time.Now(), side, ref.Strike, "fill timeout"); jerr != nil {
			e.log.Error().Err(jerr).Msg("Entry skip journal write failed")
		}
		return
	}

	e.mu.Lock()
	if err := e.ledger.ConfirmOpen(orderID, fill.AvgPrice); err != nil {
		e.mu.Unlock()
		e.log.Error().Err(err).Msg("Open confirmation refused")
		return
	}
	opened := e.ledger.Position()
	opened.Anchors = entryAnchors(cfg, fill.AvgPrice)
	e.book.TradesTakenToday++
	e.optionLTP = fill.AvgPrice
	book := e.book
	rec := models.TradeRecord{
		TradeID:    opened.TradeID,
		OpenAt:     opened.EntryTime,
		Side:       side,
		Strike:     ref.Strike,
		Expiry:     ref.Expiry,
		EntryPrice: fill.AvgPrice,
		Qty:        qty,
		Mode:       e.mode,
		Root:       e.instrument.Root,
	}
	e.setActionLocked("ENTRY", string(side)+" "+ref.TradingSymbol)
	e.mu.Unlock()

	// Commit the open row before the position is published externally.
	err = utils.Retry(ctx, utils.DefaultRetryConfig(), func() error {
		return e.journal.WriteOpen(ctx, rec)
	})
	if err != nil {
		e.log.Error().Err(err).Str("trade_id", rec.TradeID).Msg("Open journal write failed; position withheld from snapshots")
	} else {
		e.mu.Lock()
		e.openJournaled = true
		e.mu.Unlock()
	}

	if err := e.journal.UpsertDayStats(ctx, book); err != nil {
		e.log.Error().Err(err).Msg("Day stats write failed")
	}

	e.mu.Lock()
	pos2 := e.ledger.Position()
	if pos2 != nil {
		logging.LogEntry(e.log, pos2)
	}
	e.mu.Unlock()
}

// entryLots sizes the trade. With risk-based sizing enabled, lots are
// derived from the rupee risk against the initial stop; otherwise the
// configured lot count is used.
func entryLots(cfg config.EngineConfig, lotSize int) int {
	if cfg.RiskPerTradeRupees > 0 && cfg.InitialStopPoints > 0 {
		lots := int(math.Floor(cfg.RiskPerTradeRupees / (cfg.InitialStopPoints * float64(lotSize))))
		if lots < 1 {
			lots = 1
		}
		return lots
	}
	return cfg.Lots
}

// entryAnchors derives the published risk anchors from config and the
// confirmed entry price.
func entryAnchors(cfg config.EngineConfig, entryPrice float64) models.Anchors {
	a := models.Anchors{MaxLossRupees: cfg.MaxLossPerTradeRupees}
	if cfg.InitialStopPoints > 0 {
		a.InitialStop = entryPrice - cfg.InitialStopPoints
	}
	if cfg.TargetPoints > 0 {
		a.TargetPrice = entryPrice + cfg.TargetPoints
	}
	return a
}

// setAction records the last notable action without the lock held.
func (e *Engine) setAction(kind, reason string) {
	e.mu.Lock()
	e.setActionLocked(kind, reason)
	e.mu.Unlock()
}
