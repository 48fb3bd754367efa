// Package strategy is the pure decision core: one call per tick, no I/O,
// same inputs always produce the same intent list.
package strategy

import (
	"fmt"
	"math"
	"sort"
	"time"

	"trader/internal/broker"
	"trader/internal/ledger"
	"trader/internal/window"
)

type Kind string

const (
	Open  Kind = "OPEN"
	Close Kind = "CLOSE"
	Hold  Kind = "HOLD"
)

// Intent is one instruction for the executor.
type Intent struct {
	Kind     Kind    `json:"kind"`
	Symbol   string  `json:"symbol"`
	Notional float64 `json:"notional,omitempty"`
	Reason   string  `json:"reason"`
}

// Params are the daily strategy parameters; configuration, not state.
type Params struct {
	PullbackThreshold float64
	ProfitTarget      float64
	StopLoss          float64
	BudgetPerSide     float64
	CutoffMinutes     int // end-of-day cutoff, minutes after exchange-local midnight
}

// entryBufferMinutes is the no-entry window before the cutoff: close to the
// forced exit there is no room for a position to work.
const entryBufferMinutes = 10

// Input is the full market picture for one tick. Now must be exchange-local.
type Input struct {
	Now        time.Time
	MarketOpen bool
	Account    broker.Account
	Ledger     *ledger.Ledger
	Views      map[string]window.View
	Basket     []string
}

// Decide produces the ordered intent list for one tick. CLOSE intents sort
// before OPEN intents so freed cash is never double-committed within a
// tick; within a kind, symbols sort lexicographically.
func Decide(params Params, in Input) []Intent {
	var closes, opens, holds []Intent

	nowMinutes := in.Now.Hour()*60 + in.Now.Minute()
	basket := append([]string(nil), in.Basket...)
	sort.Strings(basket)

	for _, symbol := range basket {
		switch in.Ledger.Phase(symbol) {
		case ledger.Opening, ledger.Closing:
			// A transient from an earlier tick owns this symbol.
			continue
		case ledger.Open:
			pos, _ := in.Ledger.Get(symbol)
			intent, isClose := exitIntent(params, pos, in.Views[symbol], nowMinutes)
			if isClose {
				closes = append(closes, intent)
			} else {
				holds = append(holds, intent)
			}
		case ledger.Flat:
			if intent, ok := entryIntent(params, in, symbol, nowMinutes); ok {
				opens = append(opens, intent)
			}
		}
	}

	intents := make([]Intent, 0, len(closes)+len(opens)+len(holds))
	intents = append(intents, closes...)
	intents = append(intents, opens...)
	intents = append(intents, holds...)
	return intents
}

// exitIntent evaluates the exit rules in order; first match wins.
func exitIntent(params Params, pos ledger.Position, view window.View, nowMinutes int) (Intent, bool) {
	price := view.Price
	if price > 0 {
		if price >= pos.TargetPrice(params.ProfitTarget) {
			return Intent{Kind: Close, Symbol: pos.Symbol, Reason: "profit_target"}, true
		}
		if price <= pos.StopPrice(params.StopLoss) {
			return Intent{Kind: Close, Symbol: pos.Symbol, Reason: "stop_loss"}, true
		}
	}
	if nowMinutes >= params.CutoffMinutes {
		return Intent{Kind: Close, Symbol: pos.Symbol, Reason: "eod"}, true
	}
	return Intent{Kind: Hold, Symbol: pos.Symbol, Reason: "holding"}, false
}

func entryIntent(params Params, in Input, symbol string, nowMinutes int) (Intent, bool) {
	if !in.MarketOpen {
		return Intent{}, false
	}
	if nowMinutes >= params.CutoffMinutes-entryBufferMinutes {
		return Intent{}, false
	}
	view, ok := in.Views[symbol]
	if !ok || view.Price <= 0 {
		return Intent{}, false
	}
	if view.Pullback < params.PullbackThreshold {
		return Intent{}, false
	}
	if in.Account.BuyingPower < params.BudgetPerSide {
		return Intent{}, false
	}
	notional := math.Min(params.BudgetPerSide, math.Floor(in.Account.BuyingPower))
	return Intent{
		Kind:     Open,
		Symbol:   symbol,
		Notional: notional,
		Reason:   fmt.Sprintf("pullback %.2f%% from %d-day high", view.Pullback*100, view.Lookback),
	}, true
}
