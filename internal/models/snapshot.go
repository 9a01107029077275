package models

import "time"

// IndicatorSnapshot is the published indicator state.
type IndicatorSnapshot struct {
	Direction int
	Value     float64
	FlippedAt time.Time
}

// PositionSnapshot is the published view of the open position, if any.
type PositionSnapshot struct {
	State         PositionState
	Side          OptionSide
	Strike        float64
	Expiry        time.Time
	EntryPrice    float64
	Qty           int
	UnrealizedPnL float64
	Anchors       Anchors
}

// RiskSnapshot is the published view of the day's risk counters.
type RiskSnapshot struct {
	RealizedPnLToday float64
	TradesTakenToday int
	DailyLossTripped bool
}

// ActionNote describes the engine's most recent notable action.
type ActionNote struct {
	Kind   string // "ENTRY", "EXIT", "SKIP", "ERROR"
	Reason string
	At     time.Time
}

// Snapshot is an immutable value describing engine state at emission time.
// It shares no mutable data with the engine loop.
type Snapshot struct {
	StrategyID     string
	Mode           TradingMode
	Running        bool
	Root           IndexRoot
	IndexLTP       float64
	OptionLTP      float64
	LastTickAt     time.Time
	LastBoundaryAt time.Time
	Indicator      IndicatorSnapshot
	Position       *PositionSnapshot
	Risk           RiskSnapshot
	LastAction     *ActionNote
	EmittedAt      time.Time
}

// Clone returns a deep copy safe to hand to subscribers.
func (s Snapshot) Clone() Snapshot {
	out := s
	if s.Position != nil {
		pos := *s.Position
		out.Position = &pos
	}
	if s.LastAction != nil {
		act := *s.LastAction
		out.LastAction = &act
	}
	return out
}
