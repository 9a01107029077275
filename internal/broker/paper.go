package broker

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"supertrend-trader/internal/market"
	"supertrend-trader/internal/models"
	"supertrend-trader/pkg/utils"
)

const (
	paperTickSize     = 0.05
	paperATMTimeValue = 150.0
	paperDecayRange   = 500.0
)

// paperBasePrices seeds the simulated spot per index.
var paperBasePrices = map[models.IndexRoot]float64{
	models.RootNifty:     23500,
	models.RootBankNifty: 51500,
	models.RootFinNifty:  22000,
	models.RootSensex:    70000,
}

// PaperBroker simulates the full broker contract. It never touches real
// market data: the spot is a random walk and option prices are derived
// from intrinsic value plus a distance-decayed time value.
type PaperBroker struct {
	session *market.SessionManager
	rng     *rand.Rand

	mu           sync.Mutex
	spot         map[models.IndexRoot]float64
	orders       map[string]*paperOrder
	orderCounter int
}

type paperOrder struct {
	req       OrderRequest
	fillPrice float64
	placedAt  time.Time
}

// NewPaperBroker creates a paper trading broker.
func NewPaperBroker(session *market.SessionManager, seed int64) *PaperBroker {
	return &PaperBroker{
		session: session,
		rng:     rand.New(rand.NewSource(seed)),
		spot:    make(map[models.IndexRoot]float64),
		orders:  make(map[string]*paperOrder),
	}
}

// QuoteIndex returns the next step of the simulated spot random walk.
func (p *PaperBroker) QuoteIndex(ctx context.Context, instrument models.InstrumentRef) (models.Tick, error) {
	if err := ctx.Err(); err != nil {
		return models.Tick{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	spot, ok := p.spot[instrument.Root]
	if !ok {
		spot = paperBasePrices[instrument.Root]
		if spot == 0 {
			spot = 20000
		}
	}

	// Step sizes scale with the strike step so BANKNIFTY moves like
	// BANKNIFTY, not like NIFTY.
	steps := []float64{-15, -10, -5, -2, 0, 2, 5, 10, 15}
	scale := instrument.StrikeStep / 50
	if scale <= 0 {
		scale = 1
	}
	spot += steps[p.rng.Intn(len(steps))] * scale
	p.spot[instrument.Root] = spot

	return models.Tick{
		Symbol:    instrument.QuoteSymbol,
		LTP:       spot,
		Timestamp: time.Now().UTC(),
	}, nil
}

// ResolveOption resolves a simulated contract at the ATM strike.
func (p *PaperBroker) ResolveOption(ctx context.Context, instrument models.InstrumentRef, spot float64, side models.OptionSide) (models.OptionRef, error) {
	if err := ctx.Err(); err != nil {
		return models.OptionRef{}, err
	}

	strike := market.RoundToStrike(spot, instrument.StrikeStep)
	expiry := p.session.NearestExpiry(time.Now(), instrument.ExpiryWeekday)

	id := fmt.Sprintf("SIM_%s_%d_%s", instrument.Root, int(strike), side)
	return models.OptionRef{
		Root:          instrument.Root,
		Expiry:        expiry,
		Strike:        strike,
		Side:          side,
		SecurityID:    id,
		TradingSymbol: id,
	}, nil
}

// QuoteOption prices the option as intrinsic value plus time value that
// decays with distance from the money, jittered by up to two ticks either way.
func (p *PaperBroker) QuoteOption(ctx context.Context, opt models.OptionRef) (models.Tick, error) {
	if err := ctx.Err(); err != nil {
		return models.Tick{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	spot := p.spot[opt.Root]
	if spot == 0 {
		spot = paperBasePrices[opt.Root]
	}

	ltp := p.priceLocked(opt, spot)
	return models.Tick{
		Symbol:    opt.TradingSymbol,
		LTP:       ltp,
		Timestamp: time.Now().UTC(),
	}, nil
}

func (p *PaperBroker) priceLocked(opt models.OptionRef, spot float64) float64 {
	var intrinsic float64
	if opt.Side == models.SideCall {
		intrinsic = spot - opt.Strike
	} else {
		intrinsic = opt.Strike - spot
	}
	if intrinsic < 0 {
		intrinsic = 0
	}

	distance := spot - opt.Strike
	if distance < 0 {
		distance = -distance
	}
	decay := 1 - distance/paperDecayRange
	if decay < 0 {
		decay = 0
	}
	timeValue := paperATMTimeValue * decay

	jitter := []float64{-0.10, -0.05, 0, 0.05, 0.10}
	ltp := intrinsic + timeValue + jitter[p.rng.Intn(len(jitter))]
	ltp = utils.RoundToTick(ltp, paperTickSize)
	if ltp < paperTickSize {
		ltp = paperTickSize
	}
	return ltp
}

// PlaceMarketOrder fills immediately at the simulated LTP.
func (p *PaperBroker) PlaceMarketOrder(ctx context.Context, req OrderRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Idempotency: a repeated tag returns the original order.
	if req.ClientTag != "" {
		for id, o := range p.orders {
			if o.req.ClientTag == req.ClientTag {
				return id, nil
			}
		}
	}

	spot := p.spot[req.Ref.Root]
	if spot == 0 {
		spot = paperBasePrices[req.Ref.Root]
	}

	p.orderCounter++
	orderID := fmt.Sprintf("PAPER_%d", p.orderCounter)
	p.orders[orderID] = &paperOrder{
		req:       req,
		fillPrice: p.priceLocked(req.Ref, spot),
		placedAt:  time.Now().UTC(),
	}
	return orderID, nil
}

// OrderStatus reports paper orders as immediately filled.
func (p *PaperBroker) OrderStatus(ctx context.Context, orderID string) (OrderStatus, error) {
	if err := ctx.Err(); err != nil {
		return OrderStatus{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.orders[orderID]
	if !ok {
		return OrderStatus{State: models.OrderUnknown}, nil
	}
	return OrderStatus{
		State:        models.OrderFilled,
		AvgFillPrice: o.fillPrice,
		FilledQty:    o.req.Qty,
	}, nil
}

// SetSpot pins the simulated spot for an index. Test hook.
func (p *PaperBroker) SetSpot(root models.IndexRoot, spot float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.spot[root] = spot
}

// Ensure PaperBroker implements the Broker interface.
var _ Broker = (*PaperBroker)(nil)
