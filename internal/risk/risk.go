// Package risk is the last check before an order leaves the process. The
// strategy should never produce an intent that fails here; the gate exists
// so a strategy bug cannot breach the account-level invariants.
package risk

import (
	"fmt"
	"log/slog"

	"trader/internal/ledger"
	"trader/internal/strategy"
)

type Context struct {
	BuyingPower   float64
	TotalCost     float64 // cost basis committed across all open positions
	BudgetPerSide float64
	BasketSize    int
}

type Gate struct{}

// Evaluate rejects intents that would breach position sizing rules. HOLD
// and CLOSE intents always pass; only new exposure is gated.
func (g Gate) Evaluate(intent strategy.Intent, l *ledger.Ledger, ctx Context) error {
	if intent.Kind != strategy.Open {
		return nil
	}
	if intent.Notional <= 0 {
		slog.Info("risk rejected", "symbol", intent.Symbol, "reason", "invalid_notional", "notional", intent.Notional)
		return fmt.Errorf("invalid_notional")
	}
	if intent.Notional > ctx.BudgetPerSide {
		slog.Info("risk rejected", "symbol", intent.Symbol, "reason", "budget_per_side_exceeded", "notional", intent.Notional, "budget", ctx.BudgetPerSide)
		return fmt.Errorf("budget_per_side_exceeded")
	}
	if intent.Notional > ctx.BuyingPower {
		slog.Info("risk rejected", "symbol", intent.Symbol, "reason", "insufficient_buying_power", "notional", intent.Notional, "buying_power", ctx.BuyingPower)
		return fmt.Errorf("insufficient_buying_power")
	}
	limit := ctx.BudgetPerSide * float64(ctx.BasketSize)
	if ctx.TotalCost+intent.Notional > limit {
		slog.Info("risk rejected", "symbol", intent.Symbol, "reason", "total_budget_exceeded", "committed", ctx.TotalCost, "limit", limit)
		return fmt.Errorf("total_budget_exceeded")
	}
	if l.Phase(intent.Symbol) != ledger.Flat {
		slog.Info("risk rejected", "symbol", intent.Symbol, "reason", "position_exists")
		return fmt.Errorf("position_exists")
	}
	return nil
}
