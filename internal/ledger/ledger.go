// Package ledger holds the authoritative in-process view of open positions.
// It is persisted whole through the state store and reconciled against the
// broker at the start of every tick.
package ledger

import (
	"fmt"
	"sort"
	"time"

	"trader/internal/broker"
)

// Phase is the per-symbol lifecycle state.
type Phase string

const (
	Flat    Phase = "FLAT"
	Opening Phase = "OPENING"
	Open    Phase = "OPEN"
	Closing Phase = "CLOSING"
)

// maxTransientTicks bounds how many ticks a symbol may sit in OPENING or
// CLOSING before the transient is abandoned.
const maxTransientTicks = 3

// Position is one open long position. At most one exists per symbol.
type Position struct {
	Symbol         string    `json:"symbol"`
	Qty            float64   `json:"qty"`
	EntryPrice     float64   `json:"entry_price"`
	EntryTime      time.Time `json:"entry_time"`
	CostBasis      float64   `json:"cost_basis"`
	Side           string    `json:"side"`
	HighWaterPrice float64   `json:"high_water_price"`
}

func (p Position) TargetPrice(profitTarget float64) float64 {
	return p.EntryPrice * (1 + profitTarget)
}

func (p Position) StopPrice(stopLoss float64) float64 {
	return p.EntryPrice * (1 - stopLoss)
}

// PendingOrder marks a symbol in a transient OPENING or CLOSING state: an
// order was submitted but its fill is not confirmed yet. Ticks counts how
// many ticks the transient has survived.
type PendingOrder struct {
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"`
	ClientOrderID string    `json:"client_order_id"`
	OrderID       string    `json:"order_id,omitempty"`
	Reason        string    `json:"reason"`
	Notional      float64   `json:"notional,omitempty"`
	Qty           float64   `json:"qty,omitempty"`
	Ticks         int       `json:"ticks"`
	SubmittedAt   time.Time `json:"submitted_at"`
}

// Ledger maps symbols to positions and in-flight orders. Not safe for
// concurrent use; a tick is strictly serial.
type Ledger struct {
	AccountID string                  `json:"account_id"`
	Positions map[string]Position     `json:"positions"`
	Pending   map[string]PendingOrder `json:"pending,omitempty"`
	LastTick  time.Time               `json:"last_tick"`
}

func New(accountID string) *Ledger {
	return &Ledger{
		AccountID: accountID,
		Positions: map[string]Position{},
		Pending:   map[string]PendingOrder{},
	}
}

// Normalize repairs nil maps after JSON decoding.
func (l *Ledger) Normalize() {
	if l.Positions == nil {
		l.Positions = map[string]Position{}
	}
	if l.Pending == nil {
		l.Pending = map[string]PendingOrder{}
	}
}

func (l *Ledger) Get(symbol string) (Position, bool) {
	pos, ok := l.Positions[symbol]
	return pos, ok
}

// Phase derives the lifecycle state of a symbol.
func (l *Ledger) Phase(symbol string) Phase {
	if pending, ok := l.Pending[symbol]; ok {
		if pending.Side == "sell" {
			return Closing
		}
		return Opening
	}
	if _, ok := l.Positions[symbol]; ok {
		return Open
	}
	return Flat
}

// Commit records a broker-confirmed position. It fails if one is already
// open for the symbol.
func (l *Ledger) Commit(pos Position) error {
	if _, exists := l.Positions[pos.Symbol]; exists {
		return fmt.Errorf("position already open for %s", pos.Symbol)
	}
	if pos.Side == "" {
		pos.Side = "long"
	}
	if pos.CostBasis == 0 {
		pos.CostBasis = pos.Qty * pos.EntryPrice
	}
	if pos.HighWaterPrice < pos.EntryPrice {
		pos.HighWaterPrice = pos.EntryPrice
	}
	l.Positions[pos.Symbol] = pos
	delete(l.Pending, pos.Symbol)
	return nil
}

// Remove drops the position after a confirmed close.
func (l *Ledger) Remove(symbol string) {
	delete(l.Positions, symbol)
	delete(l.Pending, symbol)
}

// UpdateHighWater raises the high water mark if price exceeds it.
func (l *Ledger) UpdateHighWater(symbol string, price float64) {
	pos, ok := l.Positions[symbol]
	if !ok {
		return
	}
	if price > pos.HighWaterPrice {
		pos.HighWaterPrice = price
		l.Positions[symbol] = pos
	}
}

// TotalCostBasis sums cost basis across all open positions.
func (l *Ledger) TotalCostBasis() float64 {
	total := 0.0
	for _, pos := range l.Positions {
		total += pos.CostBasis
	}
	return total
}

// SetPending marks a transient state for the symbol.
func (l *Ledger) SetPending(p PendingOrder) {
	l.Pending[p.Symbol] = p
}

// ClearPending drops the transient for the symbol.
func (l *Ledger) ClearPending(symbol string) {
	delete(l.Pending, symbol)
}

// AgePending bumps the tick counter on every transient and abandons any
// that exceeded the retry budget. Returns the symbols reverted.
func (l *Ledger) AgePending() []string {
	var reverted []string
	for symbol, pending := range l.Pending {
		pending.Ticks++
		if pending.Ticks > maxTransientTicks {
			delete(l.Pending, symbol)
			reverted = append(reverted, symbol)
			continue
		}
		l.Pending[symbol] = pending
	}
	sort.Strings(reverted)
	return reverted
}

// Reconcile aligns the ledger to broker-reported positions. The broker wins
// on qty and entry price; the ledger keeps its high water mark unless it
// would fall below the new entry. Positions the broker no longer reports
// are dropped, positions it reports that the ledger lacks are adopted.
// Returns human-readable notes of every adjustment made.
func (l *Ledger) Reconcile(snapshots []broker.PositionSnapshot, now time.Time) []string {
	var notes []string
	seen := map[string]bool{}

	for _, snap := range snapshots {
		seen[snap.Symbol] = true
		existing, ok := l.Positions[snap.Symbol]
		if !ok {
			highWater := snap.AvgEntryPrice
			if snap.CurrentPrice > highWater {
				highWater = snap.CurrentPrice
			}
			l.Positions[snap.Symbol] = Position{
				Symbol:         snap.Symbol,
				Qty:            snap.Qty,
				EntryPrice:     snap.AvgEntryPrice,
				EntryTime:      now,
				CostBasis:      snap.CostBasis,
				Side:           "long",
				HighWaterPrice: highWater,
			}
			delete(l.Pending, snap.Symbol)
			notes = append(notes, fmt.Sprintf("adopted broker position %s qty=%.6f entry=%.2f", snap.Symbol, snap.Qty, snap.AvgEntryPrice))
			continue
		}
		if existing.Qty != snap.Qty || existing.EntryPrice != snap.AvgEntryPrice {
			highWater := existing.HighWaterPrice
			if highWater < snap.AvgEntryPrice {
				highWater = snap.AvgEntryPrice
			}
			existing.Qty = snap.Qty
			existing.EntryPrice = snap.AvgEntryPrice
			existing.CostBasis = snap.CostBasis
			existing.HighWaterPrice = highWater
			l.Positions[snap.Symbol] = existing
			notes = append(notes, fmt.Sprintf("adjusted %s to broker view qty=%.6f entry=%.2f", snap.Symbol, snap.Qty, snap.AvgEntryPrice))
		}
	}

	for symbol := range l.Positions {
		if !seen[symbol] {
			delete(l.Positions, symbol)
			notes = append(notes, fmt.Sprintf("dropped %s: broker reports no position", symbol))
		}
	}

	sort.Strings(notes)
	return notes
}

// Symbols returns open position symbols in lexicographic order.
func (l *Ledger) Symbols() []string {
	symbols := make([]string, 0, len(l.Positions))
	for symbol := range l.Positions {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	return symbols
}
