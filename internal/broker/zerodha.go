package broker

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	kiteconnect "github.com/zerodha/gokiteconnect/v4"

	errs "supertrend-trader/internal/errors"
	"supertrend-trader/internal/market"
	"supertrend-trader/internal/models"
)

// ZerodhaBroker implements the Broker contract on Zerodha Kite Connect.
type ZerodhaBroker struct {
	client  *kiteconnect.Client
	session *market.SessionManager

	mu          sync.RWMutex
	instruments []kiteconnect.Instrument
	loadedAt    time.Time
}

// ZerodhaConfig holds credentials for the Kite Connect client.
type ZerodhaConfig struct {
	APIKey      string
	AccessToken string
}

// NewZerodhaBroker creates a live broker instance. The access token must be
// generated out-of-band (Kite tokens expire daily at 6 AM IST).
func NewZerodhaBroker(cfg ZerodhaConfig, session *market.SessionManager) *ZerodhaBroker {
	client := kiteconnect.New(cfg.APIKey)
	client.SetAccessToken(cfg.AccessToken)
	return &ZerodhaBroker{
		client:  client,
		session: session,
	}
}

// optionExchange returns the derivatives exchange for an index root.
func optionExchange(root models.IndexRoot) string {
	if root == models.RootSensex {
		return "BFO"
	}
	return "NFO"
}

// QuoteIndex fetches the spot LTP for the index.
func (z *ZerodhaBroker) QuoteIndex(ctx context.Context, instrument models.InstrumentRef) (models.Tick, error) {
	if err := ctx.Err(); err != nil {
		return models.Tick{}, err
	}

	quotes, err := z.client.GetLTP(instrument.QuoteSymbol)
	if err != nil {
		return models.Tick{}, errs.NewBrokerError("quote_index", instrument.QuoteSymbol, true, err)
	}
	q, ok := quotes[instrument.QuoteSymbol]
	if !ok {
		return models.Tick{}, errs.NewBrokerError("quote_index", "symbol missing from LTP response", false, nil)
	}
	return models.Tick{
		Symbol:    instrument.QuoteSymbol,
		LTP:       q.LastPrice,
		Timestamp: time.Now().UTC(),
	}, nil
}

// QuoteOption fetches the LTP for a resolved option contract.
func (z *ZerodhaBroker) QuoteOption(ctx context.Context, opt models.OptionRef) (models.Tick, error) {
	if err := ctx.Err(); err != nil {
		return models.Tick{}, err
	}

	symbol := optionExchange(opt.Root) + ":" + opt.TradingSymbol
	quotes, err := z.client.GetLTP(symbol)
	if err != nil {
		return models.Tick{}, errs.NewBrokerError("quote_option", symbol, true, err)
	}
	q, ok := quotes[symbol]
	if !ok {
		return models.Tick{}, errs.NewBrokerError("quote_option", "symbol missing from LTP response", false, nil)
	}
	return models.Tick{
		Symbol:    symbol,
		LTP:       q.LastPrice,
		Timestamp: time.Now().UTC(),
	}, nil
}

// ResolveOption finds the contract at the ATM strike with the nearest
// non-expired expiry in the instrument dump.
func (z *ZerodhaBroker) ResolveOption(ctx context.Context, instrument models.InstrumentRef, spot float64, side models.OptionSide) (models.OptionRef, error) {
	if err := z.ensureInstruments(ctx); err != nil {
		return models.OptionRef{}, err
	}

	strike := market.RoundToStrike(spot, instrument.StrikeStep)
	exchange := optionExchange(instrument.Root)
	today := z.session.NowIST().Truncate(24 * time.Hour)

	z.mu.RLock()
	defer z.mu.RUnlock()

	var best *kiteconnect.Instrument
	for i := range z.instruments {
		inst := &z.instruments[i]
		if inst.Exchange != exchange || inst.Name != string(instrument.Root) {
			continue
		}
		if inst.InstrumentType != string(side) || inst.StrikePrice != strike {
			continue
		}
		expiry := inst.Expiry.Time
		if expiry.Before(today) {
			continue
		}
		if best == nil || expiry.Before(best.Expiry.Time) {
			best = inst
		}
	}

	if best == nil {
		expiry := z.session.NearestExpiry(time.Now(), instrument.ExpiryWeekday)
		return models.OptionRef{}, errs.NewResolveError(string(instrument.Root), strike, string(side), expiry.Format("2006-01-02"))
	}

	return models.OptionRef{
		Root:          instrument.Root,
		Expiry:        best.Expiry.Time,
		Strike:        strike,
		Side:          side,
		SecurityID:    strconv.Itoa(best.InstrumentToken),
		TradingSymbol: best.Tradingsymbol,
	}, nil
}

// ensureInstruments loads the daily instrument dump once and caches it.
func (z *ZerodhaBroker) ensureInstruments(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	z.mu.RLock()
	fresh := len(z.instruments) > 0 && time.Since(z.loadedAt) < 12*time.Hour
	z.mu.RUnlock()
	if fresh {
		return nil
	}

	instruments, err := z.client.GetInstruments()
	if err != nil {
		return errs.NewBrokerError("instruments", "fetching instrument dump", true, err)
	}

	z.mu.Lock()
	z.instruments = instruments
	z.loadedAt = time.Now()
	z.mu.Unlock()
	return nil
}

// PlaceMarketOrder submits an intraday (MIS) market order. The client tag
// rides along for broker-side dedup and reconciliation.
func (z *ZerodhaBroker) PlaceMarketOrder(ctx context.Context, req OrderRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	params := kiteconnect.OrderParams{
		Exchange:        optionExchange(req.Ref.Root),
		Tradingsymbol:   req.Ref.TradingSymbol,
		TransactionType: string(req.Action),
		OrderType:       "MARKET",
		Product:         "MIS",
		Quantity:        req.Qty,
		Validity:        "DAY",
		Tag:             req.ClientTag,
	}

	resp, err := z.client.PlaceOrder(kiteconnect.VarietyRegular, params)
	if err != nil {
		return "", errs.NewBrokerError("place_order", fmt.Sprintf("%s %s x%d", req.Action, req.Ref.TradingSymbol, req.Qty), false, err)
	}
	return resp.OrderID, nil
}

// OrderStatus polls the order book for the order and normalizes its status.
func (z *ZerodhaBroker) OrderStatus(ctx context.Context, orderID string) (OrderStatus, error) {
	if err := ctx.Err(); err != nil {
		return OrderStatus{}, err
	}

	orders, err := z.client.GetOrders()
	if err != nil {
		return OrderStatus{}, errs.NewBrokerError("order_status", orderID, true, err)
	}

	for _, o := range orders {
		if o.OrderID != orderID {
			continue
		}
		return OrderStatus{
			State:        NormalizeStatus(o.Status),
			AvgFillPrice: o.AveragePrice,
			FilledQty:    int(o.FilledQuantity),
		}, nil
	}
	return OrderStatus{State: models.OrderUnknown}, nil
}

// Ensure ZerodhaBroker implements the Broker interface.
var _ Broker = (*ZerodhaBroker)(nil)
