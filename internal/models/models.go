// Package models provides domain models for the trading engine.
package models

import (
	"time"
)

// IndexRoot identifies a tradeable index underlying.
type IndexRoot string

const (
	RootNifty     IndexRoot = "NIFTY"
	RootBankNifty IndexRoot = "BANKNIFTY"
	RootFinNifty  IndexRoot = "FINNIFTY"
	RootSensex    IndexRoot = "SENSEX"
)

// OptionSide represents the option type held by the engine.
type OptionSide string

const (
	SideCall OptionSide = "CE"
	SidePut  OptionSide = "PE"
)

// OrderAction represents the direction of a market order.
type OrderAction string

const (
	ActionBuy  OrderAction = "BUY"
	ActionSell OrderAction = "SELL"
)

// TradingMode selects the broker implementation.
type TradingMode string

const (
	ModePaper TradingMode = "PAPER"
	ModeLive  TradingMode = "LIVE"
)

// OrderState is the normalized broker order status.
type OrderState string

const (
	OrderPending  OrderState = "PENDING"
	OrderFilled   OrderState = "FILLED"
	OrderRejected OrderState = "REJECTED"
	OrderUnknown  OrderState = "UNKNOWN"
)

// InstrumentRef describes an index underlying for one session.
// Immutable once the engine starts.
type InstrumentRef struct {
	Root          IndexRoot
	LotSize       int
	StrikeStep    float64
	ExpiryWeekday time.Weekday
	QuoteSymbol   string // broker symbol for the spot index, e.g. "NSE:NIFTY 50"
}

// OptionRef identifies a resolved option contract. Immutable once resolved.
type OptionRef struct {
	Root          IndexRoot
	Expiry        time.Time
	Strike        float64
	Side          OptionSide
	SecurityID    string
	TradingSymbol string
}

// Tick is a single last-traded-price observation.
type Tick struct {
	Symbol    string
	LTP       float64
	Timestamp time.Time
}

// Candle represents OHLC data for one fixed interval.
// Boundary is the interval start, aligned to floor(t/interval)*interval in UTC.
type Candle struct {
	Boundary time.Time
	Interval time.Duration
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Closed   bool
}

// Fold updates an in-progress candle with a new price.
func (c *Candle) Fold(price float64) {
	if price > c.High {
		c.High = price
	}
	if price < c.Low {
		c.Low = price
	}
	c.Close = price
}
