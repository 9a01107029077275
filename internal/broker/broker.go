// Package broker provides the broker adapter contract and implementations.
package broker

import (
	"context"
	"strings"

	"supertrend-trader/internal/models"
)

// Broker is the contract the engine requires of a broker adapter. All calls
// carry a caller-supplied deadline via ctx and must not be invoked on the
// engine loop without one.
type Broker interface {
	// ResolveOption chooses the ATM strike for the given spot and resolves
	// the nearest non-expired contract for the index's weekly rule.
	ResolveOption(ctx context.Context, instrument models.InstrumentRef, spot float64, side models.OptionSide) (models.OptionRef, error)

	// QuoteIndex returns the latest spot tick for the index.
	QuoteIndex(ctx context.Context, instrument models.InstrumentRef) (models.Tick, error)

	// QuoteOption returns the latest tick for a resolved option contract.
	QuoteOption(ctx context.Context, opt models.OptionRef) (models.Tick, error)

	// PlaceMarketOrder submits a market order and returns the broker order
	// ID. The ClientTag is an idempotency key stable across retries within
	// one intent; adapters supporting broker-side idempotency should pass
	// it through.
	PlaceMarketOrder(ctx context.Context, req OrderRequest) (string, error)

	// OrderStatus returns the normalized status of a placed order.
	OrderStatus(ctx context.Context, orderID string) (OrderStatus, error)
}

// OrderRequest describes a market order.
type OrderRequest struct {
	Ref       models.OptionRef
	Action    models.OrderAction
	Qty       int
	ClientTag string
}

// OrderStatus is the normalized result of an order status poll.
type OrderStatus struct {
	State        models.OrderState
	AvgFillPrice float64
	FilledQty    int
}

// NormalizeStatus maps vendor status strings onto the engine's order states.
func NormalizeStatus(vendor string) models.OrderState {
	switch strings.ToUpper(strings.TrimSpace(vendor)) {
	case "FILLED", "TRADED", "COMPLETE", "COMPLETED":
		return models.OrderFilled
	case "REJECTED", "CANCELLED", "CANCELED":
		return models.OrderRejected
	case "PENDING", "OPEN", "OPEN PENDING", "TRIGGER PENDING",
		"PUT ORDER REQ RECEIVED", "VALIDATION PENDING", "MODIFY PENDING":
		return models.OrderPending
	default:
		return models.OrderUnknown
	}
}
