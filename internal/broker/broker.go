package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

const (
	maxAttempts    = 3
	baseRetryWait  = 500 * time.Millisecond
	rateLimitWait  = 2 * time.Second
	callsPerSecond = 3
)

type Account struct {
	ID          string
	Cash        float64
	Equity      float64
	BuyingPower float64
}

// PositionSnapshot is the broker's view of one open position.
type PositionSnapshot struct {
	Symbol         string
	Qty            float64
	AvgEntryPrice  float64
	CostBasis      float64
	CurrentPrice   float64
	UnrealizedPL   float64
	UnrealizedPLPC float64
}

// Bar is one daily bar, ascending order when returned in a slice.
type Bar struct {
	Date   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

type OrderAck struct {
	ID             string
	ClientOrderID  string
	Symbol         string
	Side           string
	Status         string
	FilledQty      float64
	FilledAvgPrice float64
}

type MarketStatus struct {
	IsOpen    bool
	Timestamp time.Time
	NextOpen  time.Time
	NextClose time.Time
}

type Opts struct {
	APIKey       string
	APISecret    string
	TradeBaseURL string
	DataBaseURL  string // empty means the SDK default
}

// Client wraps the brokerage trading and market data APIs. All calls share
// one rate-limit budget and retry transient failures with exponential
// backoff, at most maxAttempts tries.
type Client struct {
	trading *alpaca.Client
	data    *marketdata.Client
	limiter *rate.Limiter
}

func New(opts Opts) *Client {
	return &Client{
		trading: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    opts.APIKey,
			APISecret: opts.APISecret,
			BaseURL:   opts.TradeBaseURL,
		}),
		data: marketdata.NewClient(marketdata.ClientOpts{
			APIKey:    opts.APIKey,
			APISecret: opts.APISecret,
			BaseURL:   opts.DataBaseURL,
		}),
		limiter: rate.NewLimiter(rate.Limit(callsPerSecond), callsPerSecond),
	}
}

func (c *Client) GetAccount(ctx context.Context) (Account, error) {
	var acct Account
	err := c.call(ctx, "get_account", func() error {
		raw, err := c.trading.GetAccount()
		if err != nil {
			return err
		}
		cash, _ := raw.Cash.Float64()
		equity, _ := raw.Equity.Float64()
		buyingPower, _ := raw.BuyingPower.Float64()
		acct = Account{ID: raw.ID, Cash: cash, Equity: equity, BuyingPower: buyingPower}
		return nil
	})
	return acct, err
}

func (c *Client) GetPositions(ctx context.Context) ([]PositionSnapshot, error) {
	var snapshots []PositionSnapshot
	err := c.call(ctx, "get_positions", func() error {
		raw, err := c.trading.GetPositions()
		if err != nil {
			return err
		}
		snapshots = make([]PositionSnapshot, 0, len(raw))
		for _, pos := range raw {
			snapshots = append(snapshots, toSnapshot(pos))
		}
		return nil
	})
	return snapshots, err
}

func toSnapshot(pos alpaca.Position) PositionSnapshot {
	snap := PositionSnapshot{Symbol: pos.Symbol}
	snap.Qty, _ = pos.Qty.Float64()
	snap.AvgEntryPrice, _ = pos.AvgEntryPrice.Float64()
	snap.CostBasis, _ = pos.CostBasis.Float64()
	if pos.CurrentPrice != nil {
		snap.CurrentPrice, _ = pos.CurrentPrice.Float64()
	}
	if pos.UnrealizedPL != nil {
		snap.UnrealizedPL, _ = pos.UnrealizedPL.Float64()
	}
	if pos.UnrealizedPLPC != nil {
		snap.UnrealizedPLPC, _ = pos.UnrealizedPLPC.Float64()
	}
	return snap
}

// GetLatestPrice returns the last trade price, falling back to the quote
// midpoint when no trade is available.
func (c *Client) GetLatestPrice(ctx context.Context, symbol string) (float64, error) {
	var price float64
	err := c.call(ctx, "get_latest_price", func() error {
		trade, err := c.data.GetLatestTrade(symbol, marketdata.GetLatestTradeRequest{})
		if err == nil && trade != nil && trade.Price > 0 {
			price = trade.Price
			return nil
		}
		quote, qerr := c.data.GetLatestQuote(symbol, marketdata.GetLatestQuoteRequest{})
		if qerr != nil {
			if err != nil {
				return err
			}
			return qerr
		}
		switch {
		case quote.BidPrice > 0 && quote.AskPrice > 0:
			price = (quote.BidPrice + quote.AskPrice) / 2
		case quote.AskPrice > 0:
			price = quote.AskPrice
		default:
			return fmt.Errorf("no trade or quote for %s", symbol)
		}
		return nil
	})
	return price, err
}

// GetBars returns up to days daily bars ascending by date. The request spans
// extra calendar days so weekends and holidays do not shorten the window.
func (c *Client) GetBars(ctx context.Context, symbol string, days int) ([]Bar, error) {
	var bars []Bar
	err := c.call(ctx, "get_bars", func() error {
		end := time.Now().UTC()
		start := end.AddDate(0, 0, -(days*2 + 5))
		raw, err := c.data.GetBars(symbol, marketdata.GetBarsRequest{
			TimeFrame: marketdata.OneDay,
			Start:     start,
			End:       end,
		})
		if err != nil {
			return err
		}
		bars = make([]Bar, 0, len(raw))
		for _, b := range raw {
			bars = append(bars, Bar{
				Date:   b.Timestamp,
				Open:   b.Open,
				High:   b.High,
				Low:    b.Low,
				Close:  b.Close,
				Volume: float64(b.Volume),
			})
		}
		if len(bars) > days {
			bars = bars[len(bars)-days:]
		}
		return nil
	})
	return bars, err
}

// Buy submits a market day buy for a dollar notional. ClientOrderID is the
// idempotency key; retries reuse it so the broker rejects duplicates.
func (c *Client) Buy(ctx context.Context, symbol string, notional float64, clientOrderID, reason string) (OrderAck, error) {
	amount := decimal.NewFromFloat(notional).Round(2)
	req := alpaca.PlaceOrderRequest{
		Symbol:        symbol,
		Notional:      &amount,
		Side:          alpaca.Buy,
		Type:          alpaca.Market,
		TimeInForce:   alpaca.Day,
		ClientOrderID: clientOrderID,
	}
	slog.Info("submitting buy", "symbol", symbol, "notional", notional, "client_order_id", clientOrderID, "reason", reason)
	return c.placeOrder(ctx, req)
}

// BuyQty submits a market day buy for a share quantity, for brokers without
// fractional notional support.
func (c *Client) BuyQty(ctx context.Context, symbol string, qty decimal.Decimal, clientOrderID, reason string) (OrderAck, error) {
	req := alpaca.PlaceOrderRequest{
		Symbol:        symbol,
		Qty:           &qty,
		Side:          alpaca.Buy,
		Type:          alpaca.Market,
		TimeInForce:   alpaca.Day,
		ClientOrderID: clientOrderID,
	}
	slog.Info("submitting buy", "symbol", symbol, "qty", qty.String(), "client_order_id", clientOrderID, "reason", reason)
	return c.placeOrder(ctx, req)
}

// Sell submits a market day sell for the full quantity given.
func (c *Client) Sell(ctx context.Context, symbol string, qty decimal.Decimal, clientOrderID, reason string) (OrderAck, error) {
	req := alpaca.PlaceOrderRequest{
		Symbol:        symbol,
		Qty:           &qty,
		Side:          alpaca.Sell,
		Type:          alpaca.Market,
		TimeInForce:   alpaca.Day,
		ClientOrderID: clientOrderID,
	}
	slog.Info("submitting sell", "symbol", symbol, "qty", qty.String(), "client_order_id", clientOrderID, "reason", reason)
	return c.placeOrder(ctx, req)
}

func (c *Client) placeOrder(ctx context.Context, req alpaca.PlaceOrderRequest) (OrderAck, error) {
	var ack OrderAck
	attempt := 0
	err := c.call(ctx, "place_order", func() error {
		attempt++
		order, err := c.trading.PlaceOrder(req)
		if err != nil {
			// A retry after a submit that actually landed is rejected for a
			// duplicate client order id; recover the original ack instead.
			if attempt > 1 {
				if existing, lookupErr := c.trading.GetOrderByClientOrderID(req.ClientOrderID); lookupErr == nil {
					ack = toAck(existing)
					return nil
				}
			}
			return err
		}
		ack = toAck(order)
		return nil
	})
	if err != nil {
		slog.Error("place order failed", "symbol", req.Symbol, "side", req.Side, "error", err)
		return OrderAck{}, err
	}
	slog.Info("order accepted", "symbol", req.Symbol, "side", req.Side, "order_id", ack.ID, "status", ack.Status)
	return ack, nil
}

// GetOrderByClientID fetches an order by its idempotency key.
func (c *Client) GetOrderByClientID(ctx context.Context, clientOrderID string) (OrderAck, error) {
	var ack OrderAck
	err := c.call(ctx, "get_order", func() error {
		order, err := c.trading.GetOrderByClientOrderID(clientOrderID)
		if err != nil {
			return err
		}
		ack = toAck(order)
		return nil
	})
	return ack, err
}

func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	return c.call(ctx, "cancel_order", func() error {
		return c.trading.CancelOrder(orderID)
	})
}

// MarketStatus queries the exchange clock.
func (c *Client) MarketStatus(ctx context.Context) (MarketStatus, error) {
	var status MarketStatus
	err := c.call(ctx, "market_status", func() error {
		clock, err := c.trading.GetClock()
		if err != nil {
			return err
		}
		status = MarketStatus{
			IsOpen:    clock.IsOpen,
			Timestamp: clock.Timestamp,
			NextOpen:  clock.NextOpen,
			NextClose: clock.NextClose,
		}
		return nil
	})
	return status, err
}

func toAck(order *alpaca.Order) OrderAck {
	ack := OrderAck{
		ID:            order.ID,
		ClientOrderID: order.ClientOrderID,
		Symbol:        order.Symbol,
		Side:          string(order.Side),
		Status:        string(order.Status),
	}
	ack.FilledQty, _ = order.FilledQty.Float64()
	if order.FilledAvgPrice != nil {
		ack.FilledAvgPrice, _ = order.FilledAvgPrice.Float64()
	}
	return ack
}

// call runs fn under the shared rate limiter, classifying errors and
// retrying transient ones with exponential backoff.
func (c *Client) call(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = classify(err)
		if !retryable(lastErr) || attempt == maxAttempts-1 {
			break
		}
		wait := baseRetryWait << attempt
		if errors.Is(lastErr, ErrRateLimited) {
			wait = retryDelay(lastErr)
		}
		slog.Warn("broker call retrying", "op", op, "attempt", attempt+1, "wait", wait, "error", lastErr)
		if err := WaitForContext(ctx, wait); err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	return lastErr
}

// retryDelay returns the server-suggested wait for a rate-limited call
// when the error chain carries one, otherwise the fixed fallback. The
// Alpaca SDK drops the Retry-After header, so the hint path only fires
// for errors that surface it themselves.
func retryDelay(err error) time.Duration {
	var hinted interface{ RetryAfter() time.Duration }
	if errors.As(err, &hinted) && hinted.RetryAfter() > 0 {
		return hinted.RetryAfter()
	}
	return rateLimitWait
}

// WaitForContext sleeps for delay or until ctx is done.
func WaitForContext(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
