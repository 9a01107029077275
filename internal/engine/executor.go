package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"supertrend-trader/internal/broker"
	errs "supertrend-trader/internal/errors"
	"supertrend-trader/internal/models"
)

// Fill is a confirmed order fill.
type Fill struct {
	OrderID  string
	AvgPrice float64
	Qty      int
}

// Executor places market orders and verifies fills against the broker.
// It never fabricates a local fill: an order that cannot be confirmed
// FILLED within the deadline surfaces ErrFillTimeout and the caller decides
// what the position state means.
type Executor struct {
	broker       broker.Broker
	log          zerolog.Logger
	strategyID   string
	pollInterval time.Duration
	fillTimeout  time.Duration
	seq          atomic.Uint64
}

// NewExecutor creates an order executor.
func NewExecutor(b broker.Broker, log zerolog.Logger, strategyID string, pollInterval, fillTimeout time.Duration) *Executor {
	return &Executor{
		broker:       b,
		log:          log,
		strategyID:   strategyID,
		pollInterval: pollInterval,
		fillTimeout:  fillTimeout,
	}
}

// NextTag mints an idempotency tag for one order intent. The tag is stable
// across retries within that intent; a new intent gets a new tag.
func (x *Executor) NextTag(intent string) string {
	return fmt.Sprintf("%s-%s-%d", x.strategyID, intent, x.seq.Add(1))
}

// Place submits a market order, retrying transient placement errors with
// the same idempotency tag. Returns the broker order id.
func (x *Executor) Place(ctx context.Context, ref models.OptionRef, action models.OrderAction, qty int, tag string) (string, error) {
	req := broker.OrderRequest{
		Ref:       ref,
		Action:    action,
		Qty:       qty,
		ClientTag: tag,
	}

	delay := 200 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		orderID, err := x.broker.PlaceMarketOrder(ctx, req)
		if err == nil {
			x.log.Info().
				Str("order_id", orderID).
				Str("action", string(action)).
				Str("symbol", ref.TradingSymbol).
				Int("qty", qty).
				Str("tag", tag).
				Msg("Order placed")
			return orderID, nil
		}
		lastErr = err
		if !errs.IsTransient(err) {
			break
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return "", lastErr
}

// AwaitFill polls order status every poll interval until the order is
// FILLED, REJECTED, or the fill timeout elapses. Transient status errors
// count as PENDING.
func (x *Executor) AwaitFill(ctx context.Context, orderID string) (*Fill, error) {
	deadline := time.Now().Add(x.fillTimeout)

	for {
		status, err := x.broker.OrderStatus(ctx, orderID)
		if err == nil {
			switch status.State {
			case models.OrderFilled:
				return &Fill{
					OrderID:  orderID,
					AvgPrice: status.AvgFillPrice,
					Qty:      status.FilledQty,
				}, nil
			case models.OrderRejected:
				return nil, errs.Wrapf(errs.ErrOrderRejected, "order %s", orderID)
			}
		} else if !errs.IsTransient(err) && ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if time.Now().After(deadline) {
			return nil, errs.Wrapf(errs.ErrFillTimeout, "order %s", orderID)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(x.pollInterval):
		}
	}
}

// Status returns one normalized status poll for an order.
func (x *Executor) Status(ctx context.Context, orderID string) (broker.OrderStatus, error) {
	return x.broker.OrderStatus(ctx, orderID)
}
