// Package window derives entry signals from a symbol's recent daily bars.
package window

import (
	"errors"
	"fmt"
	"time"

	"trader/internal/broker"
)

// ErrDataMissing marks a symbol with no usable bar history. The symbol is
// skipped for the tick; it never aborts the pipeline.
var ErrDataMissing = errors.New("data missing")

// View is the per-symbol market picture for one tick.
type View struct {
	Symbol     string
	Price      float64
	RecentHigh float64
	Pullback   float64
	Lookback   int
	TodayLow   float64
	TodayHigh  float64
	HasToday   bool
}

// Compute builds a View from ascending daily bars and the live price. The
// most recent bar is excluded from the recent high when it is today's
// in-progress bar; its range is surfaced separately instead.
func Compute(symbol string, bars []broker.Bar, price float64, lookback int, now time.Time) (View, error) {
	if len(bars) == 0 {
		return View{}, fmt.Errorf("%w: no bars for %s", ErrDataMissing, symbol)
	}
	if price <= 0 {
		return View{}, fmt.Errorf("%w: no price for %s", ErrDataMissing, symbol)
	}

	view := View{Symbol: symbol, Price: price, Lookback: lookback}

	completed := bars
	last := bars[len(bars)-1]
	if sameDay(last.Date, now) {
		view.HasToday = true
		view.TodayLow = last.Low
		view.TodayHigh = last.High
		completed = bars[:len(bars)-1]
	}
	if len(completed) == 0 {
		return View{}, fmt.Errorf("%w: only an in-progress bar for %s", ErrDataMissing, symbol)
	}
	if len(completed) > lookback {
		completed = completed[len(completed)-lookback:]
	}

	high := completed[0].High
	for _, b := range completed[1:] {
		if b.High > high {
			high = b.High
		}
	}
	if high <= 0 {
		return View{}, fmt.Errorf("%w: degenerate highs for %s", ErrDataMissing, symbol)
	}
	view.RecentHigh = high
	view.Pullback = (high - price) / high
	return view, nil
}

func sameDay(a, b time.Time) bool {
	a = a.In(b.Location())
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
