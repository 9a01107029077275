package models

import "time"

// TradeRecord is one row in the trade journal. TradeID is stable across
// the open and close writes.
type TradeRecord struct {
	TradeID     string
	OpenAt      time.Time
	CloseAt     time.Time // zero until the exit fill is journaled
	Side        OptionSide
	Strike      float64
	Expiry      time.Time
	EntryPrice  float64
	ExitPrice   float64
	Qty         int
	RealizedPnL float64
	ExitReason  string
	Mode        TradingMode
	Root        IndexRoot
}

// Closed reports whether the close leg has been recorded.
func (t *TradeRecord) Closed() bool {
	return !t.CloseAt.IsZero()
}

// RiskBook tracks per-day risk counters for one strategy instance.
// It resets at session-day rollover (00:00 IST).
type RiskBook struct {
	DayKeyIST        string
	RealizedPnLToday float64
	TradesTakenToday int
	DailyLossTripped bool
}

// Rollover resets the book when the IST session day changes.
// Returns true if a reset happened.
func (b *RiskBook) Rollover(dayKeyIST string) bool {
	if b.DayKeyIST == dayKeyIST {
		return false
	}
	b.DayKeyIST = dayKeyIST
	b.RealizedPnLToday = 0
	b.TradesTakenToday = 0
	b.DailyLossTripped = false
	return true
}
