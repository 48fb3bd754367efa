// Package executor turns strategy intents into broker orders, strictly one
// at a time. It rechecks preconditions against the live ledger, submits
// with a deterministic idempotency key, and polls fills to a deadline.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"trader/internal/broker"
	"trader/internal/ledger"
	"trader/internal/risk"
	"trader/internal/strategy"
)

// Broker is the slice of the adapter the executor needs; the full client
// satisfies it and tests substitute a fake.
type Broker interface {
	Buy(ctx context.Context, symbol string, notional float64, clientOrderID, reason string) (broker.OrderAck, error)
	BuyQty(ctx context.Context, symbol string, qty decimal.Decimal, clientOrderID, reason string) (broker.OrderAck, error)
	Sell(ctx context.Context, symbol string, qty decimal.Decimal, clientOrderID, reason string) (broker.OrderAck, error)
	GetOrderByClientID(ctx context.Context, clientOrderID string) (broker.OrderAck, error)
}

// Outcome of one intent.
const (
	StatusFilled      = "filled"
	StatusPartialFill = "partial_fill"
	StatusPendingFill = "pending_fill"
	StatusRejected    = "rejected"
	StatusStale       = "stale_intent"
	StatusDropped     = "dropped"
	StatusError       = "error"
)

type Result struct {
	Intent         strategy.Intent `json:"intent"`
	Status         string          `json:"status"`
	OrderID        string          `json:"order_id,omitempty"`
	ClientOrderID  string          `json:"client_order_id,omitempty"`
	FilledQty      float64         `json:"filled_qty,omitempty"`
	FilledAvgPrice float64         `json:"filled_avg_price,omitempty"`
	Error          string          `json:"error,omitempty"`
}

type Options struct {
	FractionalShares bool
	BudgetPerSide    float64
	BasketSize       int
	FillPollTimeout  time.Duration
	FillPollInterval time.Duration
}

type Executor struct {
	broker Broker
	gate   risk.Gate
	opts   Options

	// injectable for tests
	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

func New(brokerClient Broker, opts Options) *Executor {
	if opts.FillPollTimeout == 0 {
		opts.FillPollTimeout = 15 * time.Second
	}
	if opts.FillPollInterval == 0 {
		opts.FillPollInterval = time.Second
	}
	return &Executor{
		broker: brokerClient,
		opts:   opts,
		now:    func() time.Time { return time.Now().UTC() },
		sleep:  broker.WaitForContext,
	}
}

// Execute runs the intents sequentially against the ledger. CLOSE intents
// arrive first from the strategy, so freed cash settles before any OPEN is
// issued. An auth or availability failure aborts the remaining intents;
// per-intent rejections do not.
func (e *Executor) Execute(ctx context.Context, l *ledger.Ledger, intents []strategy.Intent, account broker.Account, prices map[string]float64, tradingDay string) []Result {
	results := make([]Result, 0, len(intents))
	for _, intent := range intents {
		if intent.Kind == strategy.Hold {
			continue
		}
		var res Result
		switch intent.Kind {
		case strategy.Open:
			res = e.open(ctx, l, intent, account, prices[intent.Symbol], tradingDay)
		case strategy.Close:
			res = e.close(ctx, l, intent, tradingDay)
		default:
			continue
		}
		results = append(results, res)
		if res.Status == StatusError {
			slog.Error("aborting remaining intents", "symbol", intent.Symbol, "error", res.Error)
			break
		}
	}
	return results
}

func (e *Executor) open(ctx context.Context, l *ledger.Ledger, intent strategy.Intent, account broker.Account, price float64, tradingDay string) Result {
	res := Result{Intent: intent}

	// The ledger may have changed since the strategy ran (reconciliation,
	// an earlier intent in this tick); recheck the precondition.
	if l.Phase(intent.Symbol) != ledger.Flat {
		res.Status = StatusStale
		slog.Info("stale intent dropped", "symbol", intent.Symbol, "kind", intent.Kind, "phase", l.Phase(intent.Symbol))
		return res
	}
	if err := e.gate.Evaluate(intent, l, risk.Context{
		BuyingPower:   account.BuyingPower,
		TotalCost:     l.TotalCostBasis(),
		BudgetPerSide: e.opts.BudgetPerSide,
		BasketSize:    e.opts.BasketSize,
	}); err != nil {
		res.Status = StatusDropped
		res.Error = err.Error()
		return res
	}

	key := broker.IdempotencyKey(intent.Symbol, "buy", tradingDay, fmt.Sprintf("open:%.2f", intent.Notional))
	res.ClientOrderID = key

	// The sized qty rides in the pending order so a rate-limited submit
	// retries next tick with the same sizing, not a fresh notional.
	ack, sizedQty, err := e.submitBuy(ctx, intent, price, key)
	if err != nil {
		return e.submitFailure(l, res, ledger.PendingOrder{
			Symbol:        intent.Symbol,
			Side:          "buy",
			ClientOrderID: key,
			Reason:        intent.Reason,
			Notional:      intent.Notional,
			Qty:           sizedQty,
			SubmittedAt:   e.now(),
		}, err)
	}

	l.SetPending(ledger.PendingOrder{
		Symbol:        intent.Symbol,
		Side:          "buy",
		ClientOrderID: key,
		OrderID:       ack.ID,
		Reason:        intent.Reason,
		Notional:      intent.Notional,
		Qty:           sizedQty,
		SubmittedAt:   e.now(),
	})
	return e.awaitFill(ctx, l, res, ack, intent.Reason)
}

// submitBuy issues the order and reports the whole-share qty it was sized
// to, zero for fractional notional orders.
func (e *Executor) submitBuy(ctx context.Context, intent strategy.Intent, price float64, key string) (broker.OrderAck, float64, error) {
	if e.opts.FractionalShares {
		ack, err := e.broker.Buy(ctx, intent.Symbol, intent.Notional, key, intent.Reason)
		return ack, 0, err
	}
	if price <= 0 {
		return broker.OrderAck{}, 0, fmt.Errorf("%w: no price to size whole-share order", broker.ErrRejected)
	}
	qty := decimal.NewFromFloat(intent.Notional / price).Floor()
	if qty.IsZero() {
		return broker.OrderAck{}, 0, fmt.Errorf("%w: notional %.2f buys zero whole shares at %.2f", broker.ErrRejected, intent.Notional, price)
	}
	ack, err := e.broker.BuyQty(ctx, intent.Symbol, qty, key, intent.Reason)
	qtyFloat, _ := qty.Float64()
	return ack, qtyFloat, err
}

func (e *Executor) close(ctx context.Context, l *ledger.Ledger, intent strategy.Intent, tradingDay string) Result {
	res := Result{Intent: intent}

	pos, ok := l.Get(intent.Symbol)
	if !ok || l.Phase(intent.Symbol) != ledger.Open {
		res.Status = StatusStale
		slog.Info("stale intent dropped", "symbol", intent.Symbol, "kind", intent.Kind)
		return res
	}

	key := broker.IdempotencyKey(intent.Symbol, "sell", tradingDay, "close:"+intent.Reason)
	res.ClientOrderID = key
	qty := e.sellQty(pos.Qty)

	ack, err := e.broker.Sell(ctx, intent.Symbol, qty, key, intent.Reason)
	if err != nil {
		qtyFloat, _ := qty.Float64()
		return e.submitFailure(l, res, ledger.PendingOrder{
			Symbol:        intent.Symbol,
			Side:          "sell",
			ClientOrderID: key,
			Reason:        intent.Reason,
			Qty:           qtyFloat,
			SubmittedAt:   e.now(),
		}, err)
	}

	qtyFloat, _ := qty.Float64()
	l.SetPending(ledger.PendingOrder{
		Symbol:        intent.Symbol,
		Side:          "sell",
		ClientOrderID: key,
		OrderID:       ack.ID,
		Reason:        intent.Reason,
		Qty:           qtyFloat,
		SubmittedAt:   e.now(),
	})
	return e.awaitFill(ctx, l, res, ack, intent.Reason)
}

// sellQty applies the share rounding policy: six decimal places for
// fractional brokers, floor to whole shares otherwise.
func (e *Executor) sellQty(qty float64) decimal.Decimal {
	d := decimal.NewFromFloat(qty)
	if e.opts.FractionalShares {
		return d.RoundDown(6)
	}
	return d.Floor()
}

// submitFailure records the outcome of a failed submission. Rate limiting
// keeps the symbol in its transient state so the next tick retries under
// the same idempotency key; rejections are terminal for the intent; auth
// and availability failures abort the tick.
func (e *Executor) submitFailure(l *ledger.Ledger, res Result, pending ledger.PendingOrder, err error) Result {
	res.Error = err.Error()
	switch {
	case errors.Is(err, broker.ErrRateLimited):
		l.SetPending(pending)
		res.Status = StatusPendingFill
	case errors.Is(err, broker.ErrRejected):
		res.Status = StatusRejected
	default:
		res.Status = StatusError
	}
	return res
}

// awaitFill polls the order until it reaches a terminal status or the
// deadline passes. On timeout the transient stays in the ledger and the
// next tick reconciles it.
func (e *Executor) awaitFill(ctx context.Context, l *ledger.Ledger, res Result, ack broker.OrderAck, reason string) Result {
	res.OrderID = ack.ID
	deadline := e.now().Add(e.opts.FillPollTimeout)
	current := ack

	for {
		if done, out := e.settle(l, res, current, reason, false); done {
			return out
		}
		if !e.now().Before(deadline) {
			break
		}
		if err := e.sleep(ctx, e.opts.FillPollInterval); err != nil {
			break
		}
		updated, err := e.broker.GetOrderByClientID(ctx, current.ClientOrderID)
		if err != nil {
			slog.Warn("fill poll failed", "client_order_id", current.ClientOrderID, "error", err)
			continue
		}
		current = updated
	}

	if done, out := e.settle(l, res, current, reason, true); done {
		return out
	}
	res.Status = StatusPendingFill
	slog.Info("order still open at poll deadline", "symbol", current.Symbol, "order_id", current.ID, "status", current.Status)
	return res
}

// settle applies a terminal order status to the ledger. At the deadline a
// partial fill is committed as-is instead of waiting longer.
func (e *Executor) settle(l *ledger.Ledger, res Result, ack broker.OrderAck, reason string, atDeadline bool) (bool, Result) {
	res.FilledQty = ack.FilledQty
	res.FilledAvgPrice = ack.FilledAvgPrice

	switch ack.Status {
	case "filled":
		e.commitFill(l, ack)
		res.Status = StatusFilled
		return true, res
	case "partially_filled":
		if !atDeadline {
			return false, res
		}
		if ack.FilledQty > 0 {
			e.commitFill(l, ack)
		}
		res.Status = StatusPartialFill
		slog.Warn("partial fill committed at deadline", "symbol", ack.Symbol, "filled_qty", ack.FilledQty)
		return true, res
	case "rejected", "canceled", "expired":
		l.ClearPending(ack.Symbol)
		res.Status = StatusRejected
		res.Error = fmt.Sprintf("order %s", ack.Status)
		return true, res
	default:
		return false, res
	}
}

func (e *Executor) commitFill(l *ledger.Ledger, ack broker.OrderAck) {
	if ack.Side == "sell" {
		pos, ok := l.Get(ack.Symbol)
		if ok && ack.FilledQty < pos.Qty && ack.FilledQty > 0 {
			// Partial close: the remainder stays open.
			pos.Qty -= ack.FilledQty
			pos.CostBasis = pos.Qty * pos.EntryPrice
			l.Positions[ack.Symbol] = pos
			l.ClearPending(ack.Symbol)
			return
		}
		l.Remove(ack.Symbol)
		return
	}

	qty := decimal.NewFromFloat(ack.FilledQty).RoundDown(6)
	qtyFloat, _ := qty.Float64()
	pos := ledger.Position{
		Symbol:     ack.Symbol,
		Qty:        qtyFloat,
		EntryPrice: ack.FilledAvgPrice,
		EntryTime:  e.now(),
		Side:       "long",
	}
	if err := l.Commit(pos); err != nil {
		// Reconciliation already adopted this position from the broker.
		l.ClearPending(ack.Symbol)
	}
}

// ResolvePending settles transients carried over from earlier ticks: it
// looks each one up by idempotency key and applies the result. A pending
// order that was never accepted (rate limited at submit) is re-submitted
// under its original key.
func (e *Executor) ResolvePending(ctx context.Context, l *ledger.Ledger) []Result {
	var results []Result
	for _, symbol := range pendingSymbols(l) {
		pending := l.Pending[symbol]
		ack, err := e.broker.GetOrderByClientID(ctx, pending.ClientOrderID)
		if err != nil {
			if errors.Is(err, broker.ErrNotFound) {
				results = append(results, e.resubmit(ctx, l, pending))
				continue
			}
			slog.Warn("pending lookup failed", "symbol", symbol, "error", err)
			continue
		}

		res := Result{
			Intent:        pendingIntent(pending),
			ClientOrderID: pending.ClientOrderID,
		}
		if done, out := e.settle(l, res, ack, pending.Reason, true); done {
			results = append(results, out)
			continue
		}
		// Still working at the broker; leave the transient alone.
		res.Status = StatusPendingFill
		res.OrderID = ack.ID
		results = append(results, res)
	}
	return results
}

func (e *Executor) resubmit(ctx context.Context, l *ledger.Ledger, pending ledger.PendingOrder) Result {
	res := Result{Intent: pendingIntent(pending), ClientOrderID: pending.ClientOrderID}

	var ack broker.OrderAck
	var err error
	switch {
	case pending.Side == "sell":
		ack, err = e.broker.Sell(ctx, pending.Symbol, decimal.NewFromFloat(pending.Qty), pending.ClientOrderID, pending.Reason)
	case pending.Qty > 0:
		// Whole-share open: retry with the originally sized qty.
		ack, err = e.broker.BuyQty(ctx, pending.Symbol, decimal.NewFromFloat(pending.Qty), pending.ClientOrderID, pending.Reason)
	default:
		ack, err = e.broker.Buy(ctx, pending.Symbol, pending.Notional, pending.ClientOrderID, pending.Reason)
	}
	if err != nil {
		res.Error = err.Error()
		if errors.Is(err, broker.ErrRejected) {
			l.ClearPending(pending.Symbol)
			res.Status = StatusRejected
		} else {
			res.Status = StatusPendingFill
		}
		return res
	}
	pending.OrderID = ack.ID
	l.SetPending(pending)
	return e.awaitFill(ctx, l, res, ack, pending.Reason)
}

func pendingIntent(pending ledger.PendingOrder) strategy.Intent {
	kind := strategy.Open
	if pending.Side == "sell" {
		kind = strategy.Close
	}
	return strategy.Intent{Kind: kind, Symbol: pending.Symbol, Notional: pending.Notional, Reason: pending.Reason}
}

func pendingSymbols(l *ledger.Ledger) []string {
	symbols := make([]string, 0, len(l.Pending))
	for symbol := range l.Pending {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	return symbols
}
