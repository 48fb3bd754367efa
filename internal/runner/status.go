package runner

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/olekukonko/tablewriter"

	"trader/internal/state"
)

const recentEventLimit = 10

// eventLister is satisfied by backends that keep the trade audit trail.
type eventLister interface {
	RecentEvents(ctx context.Context, accountID string, limit int) ([]state.TradeEvent, error)
}

// Status prints the account, every open position with its exit levels, and
// the most recent trade events. Read-only: no orders, no state writes.
func (r *Runner) Status(ctx context.Context, out io.Writer) error {
	status, err := r.broker.MarketStatus(ctx)
	if err != nil {
		return fmt.Errorf("market status: %w", err)
	}

	account, err := r.broker.GetAccount(ctx)
	if err != nil {
		return fmt.Errorf("get account: %w", err)
	}

	rec, err := r.store.Load(ctx, account.ID)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}

	market := "CLOSED"
	if status.IsOpen {
		market = "OPEN"
	}
	mode := "LIVE"
	if r.cfg.Paper {
		mode = "PAPER"
	}
	fmt.Fprintf(out, "Account %s (%s)  market %s  cash $%.2f  equity $%.2f  buying power $%.2f\n",
		account.ID, mode, market, account.Cash, account.Equity, account.BuyingPower)
	fmt.Fprintf(out, "State revision %d, updated %s\n\n", rec.Revision, rec.UpdatedAt.Format(time.RFC3339))

	if rec.Ledger == nil || len(rec.Ledger.Positions) == 0 {
		fmt.Fprintln(out, "No open positions.")
	} else {
		prices := map[string]float64{}
		for _, symbol := range rec.Ledger.Symbols() {
			price, err := r.broker.GetLatestPrice(ctx, symbol)
			if err == nil {
				prices[symbol] = price
			}
		}

		table := tablewriter.NewWriter(out)
		table.Header("Symbol", "Phase", "Qty", "Entry", "Last", "Target", "Stop", "High", "Unreal P/L")
		for _, symbol := range rec.Ledger.Symbols() {
			pos, ok := rec.Ledger.Get(symbol)
			if !ok {
				continue
			}
			last := "-"
			pl := "-"
			if price, ok := prices[symbol]; ok {
				last = fmt.Sprintf("%.2f", price)
				pl = fmt.Sprintf("%+.2f", (price-pos.EntryPrice)*pos.Qty)
			}
			table.Append(
				symbol,
				string(rec.Ledger.Phase(symbol)),
				fmt.Sprintf("%.4f", pos.Qty),
				fmt.Sprintf("%.2f", pos.EntryPrice),
				last,
				fmt.Sprintf("%.2f", pos.TargetPrice(r.cfg.ProfitTarget)),
				fmt.Sprintf("%.2f", pos.StopPrice(r.cfg.StopLoss)),
				fmt.Sprintf("%.2f", pos.HighWaterPrice),
				pl,
			)
		}
		table.Render()
	}

	if rec.Ledger != nil {
		for symbol, pending := range rec.Ledger.Pending {
			fmt.Fprintf(out, "\nPending %s %s (%s), submitted %s, tick %d\n",
				pending.Side, symbol, pending.Reason, pending.SubmittedAt.Format(time.RFC3339), pending.Ticks)
		}
	}

	r.printRecentEvents(ctx, out, account.ID)
	return nil
}

func (r *Runner) printRecentEvents(ctx context.Context, out io.Writer, accountID string) {
	lister, ok := r.store.(eventLister)
	if !ok {
		return
	}
	events, err := lister.RecentEvents(ctx, accountID, recentEventLimit)
	if err != nil || len(events) == 0 {
		return
	}

	fmt.Fprintf(out, "\nRecent trades:\n")
	table := tablewriter.NewWriter(out)
	table.Header("Time", "Event", "Symbol", "Qty", "Price", "Reason")
	for _, ev := range events {
		table.Append(
			ev.Timestamp.Format("01-02 15:04"),
			ev.Event,
			ev.Symbol,
			fmt.Sprintf("%.4f", ev.Qty),
			fmt.Sprintf("%.2f", ev.Price),
			ev.Reason,
		)
	}
	table.Render()
}
