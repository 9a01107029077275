// Package engine implements the trading engine core: the position ledger,
// risk and entry evaluators, order executor, and the per-strategy loop.
package engine

import (
	"fmt"

	errs "supertrend-trader/internal/errors"
	"supertrend-trader/internal/models"
)

// Ledger owns the at-most-one position of a strategy instance and enforces
// its lifecycle transitions:
//
//	OPENING -> OPEN -> CLOSING -> CLOSED
//
// All methods must be called with the engine lock held; the ledger itself
// carries no locking.
type Ledger struct {
	pos *models.Position
}

// Position returns the live position, or nil. Callers mutate only under
// the engine lock.
func (l *Ledger) Position() *models.Position {
	return l.pos
}

// HasLive reports whether a position is OPENING, OPEN, or CLOSING.
func (l *Ledger) HasLive() bool {
	return l.pos != nil && l.pos.Live()
}

// BeginOpen reserves the position slot while a BUY is outstanding.
func (l *Ledger) BeginOpen(pos models.Position) error {
	if l.pos != nil && l.pos.Live() {
		return errs.NewInvariantError("begin_open", "position already live")
	}
	pos.State = models.PositionOpening
	l.pos = &pos
	return nil
}

// AbandonOpen drops an OPENING position after a BUY reject or timeout.
// No position is created; no trade slot is consumed.
func (l *Ledger) AbandonOpen() {
	if l.pos != nil && l.pos.State == models.PositionOpening {
		l.pos = nil
	}
}

// ConfirmOpen transitions OPENING -> OPEN with the confirmed fill.
func (l *Ledger) ConfirmOpen(orderID string, fillPrice float64) error {
	if l.pos == nil || l.pos.State != models.PositionOpening {
		return errs.NewInvariantError("confirm_open", "no opening position")
	}
	l.pos.State = models.PositionOpen
	l.pos.OpenOrderID = orderID
	l.pos.EntryPrice = fillPrice
	return nil
}

// BeginClose transitions OPEN -> CLOSING. While CLOSING persists, further
// close requests are refused so at most one SELL is ever in flight.
func (l *Ledger) BeginClose() error {
	if l.pos == nil {
		return errs.ErrNoPosition
	}
	switch l.pos.State {
	case models.PositionClosing:
		return errs.ErrExitInFlight
	case models.PositionOpen:
		l.pos.State = models.PositionClosing
		return nil
	default:
		return errs.NewInvariantError("begin_close", fmt.Sprintf("position state %s", l.pos.State))
	}
}

// SetExitOrder records the broker SELL order id. Single-assignment: a
// second assignment is an invariant violation.
func (l *Ledger) SetExitOrder(orderID string) error {
	if l.pos == nil || l.pos.State != models.PositionClosing {
		return errs.NewInvariantError("set_exit_order", "no closing position")
	}
	if l.pos.ExitOrderID != "" && l.pos.ExitOrderID != orderID {
		return errs.NewInvariantError("set_exit_order", "exit order already assigned")
	}
	l.pos.ExitOrderID = orderID
	return nil
}

// AbortClose reverts CLOSING -> OPEN after a SELL reject, clearing the
// exit order id so the evaluator may retry on a later tick.
func (l *Ledger) AbortClose() {
	if l.pos != nil && l.pos.State == models.PositionClosing {
		l.pos.State = models.PositionOpen
		l.pos.ExitOrderID = ""
	}
}

// ConfirmClose transitions CLOSING -> CLOSED and releases the slot.
// Requires a confirmed SELL fill: the position must carry an exit order.
func (l *Ledger) ConfirmClose() (models.Position, error) {
	if l.pos == nil || l.pos.State != models.PositionClosing {
		return models.Position{}, errs.NewInvariantError("confirm_close", "no closing position")
	}
	if l.pos.ExitOrderID == "" {
		return models.Position{}, errs.NewInvariantError("confirm_close", "no exit order recorded")
	}
	closed := *l.pos
	closed.State = models.PositionClosed
	l.pos = nil
	return closed, nil
}
