// Package runner drives the tick pipeline: load state, reconcile against
// the broker, decide, execute, persist. One tick is one atomic pass; two
// runners on the same account are serialized by the state revision check.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"trader/internal/broker"
	"trader/internal/config"
	"trader/internal/executor"
	"trader/internal/ledger"
	"trader/internal/state"
	"trader/internal/strategy"
	"trader/internal/ticklog"
	"trader/internal/window"
)

// ErrMarketClosed aborts a single-shot run; the CLI maps it to exit code 2.
var ErrMarketClosed = errors.New("market closed")

const exchangeTZ = "America/New_York"

// Broker is the slice of the adapter the runner needs; the live client
// satisfies it and tests substitute a fake.
type Broker interface {
	executor.Broker
	MarketStatus(ctx context.Context) (broker.MarketStatus, error)
	GetAccount(ctx context.Context) (broker.Account, error)
	GetPositions(ctx context.Context) ([]broker.PositionSnapshot, error)
	GetLatestPrice(ctx context.Context, symbol string) (float64, error)
	GetBars(ctx context.Context, symbol string, days int) ([]broker.Bar, error)
}

type Runner struct {
	cfg    config.Config
	broker Broker
	store  state.Store
	exec   *executor.Executor
	log    *ticklog.Writer
	loc    *time.Location

	// injectable for tests
	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

func New(cfg config.Config, brk Broker, store state.Store, log *ticklog.Writer) (*Runner, error) {
	loc, err := time.LoadLocation(exchangeTZ)
	if err != nil {
		return nil, fmt.Errorf("load exchange timezone: %w", err)
	}
	return &Runner{
		cfg:    cfg,
		broker: brk,
		store:  store,
		exec: executor.New(brk, executor.Options{
			FractionalShares: cfg.FractionalShares,
			BudgetPerSide:    cfg.BudgetPerSide,
			BasketSize:       len(cfg.Basket),
		}),
		log:   log,
		loc:   loc,
		now:   time.Now,
		sleep: broker.WaitForContext,
	}, nil
}

func (r *Runner) params() strategy.Params {
	return strategy.Params{
		PullbackThreshold: r.cfg.PullbackThreshold,
		ProfitTarget:      r.cfg.ProfitTarget,
		StopLoss:          r.cfg.StopLoss,
		BudgetPerSide:     r.cfg.BudgetPerSide,
		CutoffMinutes:     r.cfg.EODCutoff.Minutes(),
	}
}

// Tick runs one full pass. It returns ErrMarketClosed without touching
// state when the exchange is closed, and state.ErrConcurrentWrite when
// another runner committed first.
func (r *Runner) Tick(ctx context.Context) error {
	status, err := r.broker.MarketStatus(ctx)
	if err != nil {
		return fmt.Errorf("market status: %w", err)
	}
	if !status.IsOpen {
		slog.Info("market closed", "next_open", status.NextOpen)
		r.emitClosed(status)
		return ErrMarketClosed
	}
	_, err = r.tick(ctx, status, false)
	return err
}

// emitClosed writes the summary line for a closed-market no-op, so every
// invocation leaves exactly one JSON record.
func (r *Runner) emitClosed(status broker.MarketStatus) {
	if r.log == nil {
		return
	}
	r.log.Append(ticklog.Tick{
		Timestamp:       r.now().UTC(),
		TickID:          ticklog.NewTickID(),
		Market:          ticklog.MarketSummary{IsOpen: false, Now: r.now().In(r.loc)},
		PositionsBefore: map[string]ledger.Position{},
		PositionsAfter:  map[string]ledger.Position{},
		Errors:          []string{"market closed"},
	})
}

// tick is the shared pipeline. When liquidate is set every open position is
// closed regardless of price, and no entries are considered.
func (r *Runner) tick(ctx context.Context, status broker.MarketStatus, liquidate bool) (tick ticklog.Tick, err error) {
	tickID := ticklog.NewTickID()
	nowLocal := r.now().In(r.loc)
	logger := slog.With("tick_id", tickID)

	tick = ticklog.Tick{
		Timestamp:       r.now().UTC(),
		TickID:          tickID,
		Market:          ticklog.MarketSummary{IsOpen: status.IsOpen, Now: nowLocal},
		PositionsBefore: map[string]ledger.Position{},
		PositionsAfter:  map[string]ledger.Position{},
		Errors:          []string{},
	}

	// The summary line is written even when the tick aborts; the error
	// list is part of the audit surface.
	defer func() {
		if err != nil {
			tick.Errors = append(tick.Errors, err.Error())
		}
		if r.log != nil {
			r.log.Append(tick)
		}
	}()

	account, err := r.broker.GetAccount(ctx)
	if err != nil {
		return tick, fmt.Errorf("get account: %w", err)
	}
	tick.Account = ticklog.AccountSummary{Cash: account.Cash, Equity: account.Equity, BuyingPower: account.BuyingPower}

	rec, err := r.store.Load(ctx, account.ID)
	if err != nil {
		return tick, fmt.Errorf("load state: %w", err)
	}
	l := rec.Ledger
	if l == nil {
		l = ledger.New(account.ID)
	}
	l.Normalize()

	snapshots, err := r.broker.GetPositions(ctx)
	if err != nil {
		return tick, fmt.Errorf("get positions: %w", err)
	}
	for _, note := range l.Reconcile(snapshots, r.now().UTC()) {
		logger.Warn("ledger adjusted to broker", "note", note)
		tick.Errors = append(tick.Errors, note)
	}

	resolved := r.exec.ResolvePending(ctx, l)
	tick.Orders = append(tick.Orders, resolved...)
	for _, symbol := range l.AgePending() {
		logger.Warn("abandoned stale pending order", "symbol", symbol)
		tick.Errors = append(tick.Errors, "abandoned pending "+symbol)
	}

	tick.PositionsBefore = clonePositions(l.Positions)

	views, prices := r.gatherViews(ctx, logger, nowLocal, &tick)

	// Raise high water marks before deciding so the persisted document
	// reflects this tick's prices even when nothing trades.
	for symbol, price := range prices {
		l.UpdateHighWater(symbol, price)
	}

	var intents []strategy.Intent
	if liquidate {
		intents = liquidateIntents(l)
	} else {
		intents = strategy.Decide(r.params(), strategy.Input{
			Now:        nowLocal,
			MarketOpen: status.IsOpen,
			Account:    account,
			Ledger:     l,
			Views:      views,
			Basket:     r.cfg.Basket,
		})
	}
	tick.Intents = intents

	tradingDay := nowLocal.Format("2006-01-02")
	results := r.exec.Execute(ctx, l, intents, account, prices, tradingDay)
	tick.Orders = append(tick.Orders, results...)
	r.appendEvents(ctx, logger, account.ID, tick.Orders)

	tick.PositionsAfter = clonePositions(l.Positions)

	l.LastTick = r.now().UTC()
	rec.AccountID = account.ID
	rec.Ledger = l
	rec.UpdatedAt = r.now().UTC()
	if err := r.store.Save(ctx, rec, rec.Revision); err != nil {
		return tick, fmt.Errorf("save state: %w", err)
	}

	logger.Info("tick complete",
		"intents", len(intents),
		"orders", len(tick.Orders),
		"positions", len(l.Positions))
	return tick, nil
}

// gatherViews fetches the live price and daily bars for every basket
// symbol. A symbol with missing data is skipped for this tick, not fatal.
func (r *Runner) gatherViews(ctx context.Context, logger *slog.Logger, nowLocal time.Time, tick *ticklog.Tick) (map[string]window.View, map[string]float64) {
	views := make(map[string]window.View, len(r.cfg.Basket))
	prices := make(map[string]float64, len(r.cfg.Basket))

	for _, symbol := range r.cfg.Basket {
		price, err := r.broker.GetLatestPrice(ctx, symbol)
		if err != nil {
			logger.Warn("no price, skipping symbol", "symbol", symbol, "error", err)
			tick.Errors = append(tick.Errors, fmt.Sprintf("price %s: %v", symbol, err))
			continue
		}
		prices[symbol] = price

		// One extra bar covers the case where today's in-progress bar is
		// included; the window only counts completed days.
		bars, err := r.broker.GetBars(ctx, symbol, r.cfg.LookbackDays+1)
		if err != nil {
			logger.Warn("no bars, skipping symbol", "symbol", symbol, "error", err)
			tick.Errors = append(tick.Errors, fmt.Sprintf("bars %s: %v", symbol, err))
			continue
		}

		view, err := window.Compute(symbol, bars, price, r.cfg.LookbackDays, nowLocal)
		if err != nil {
			logger.Warn("incomplete window, skipping symbol", "symbol", symbol, "error", err)
			tick.Errors = append(tick.Errors, fmt.Sprintf("window %s: %v", symbol, err))
			continue
		}
		views[symbol] = view
	}
	return views, prices
}

func (r *Runner) appendEvents(ctx context.Context, logger *slog.Logger, accountID string, results []executor.Result) {
	for _, res := range results {
		if res.Status != executor.StatusFilled && res.Status != executor.StatusPartialFill {
			continue
		}
		event := "open"
		if res.Intent.Kind == strategy.Close {
			event = "close"
		}
		err := r.store.AppendEvent(ctx, state.TradeEvent{
			AccountID: accountID,
			Timestamp: r.now().UTC(),
			Event:     event,
			Symbol:    res.Intent.Symbol,
			Qty:       res.FilledQty,
			Price:     res.FilledAvgPrice,
			Notional:  res.Intent.Notional,
			Reason:    res.Intent.Reason,
			OrderID:   res.OrderID,
		})
		if err != nil {
			// The ledger is the source of truth; a lost audit row is
			// logged and tolerated.
			logger.Warn("append trade event failed", "symbol", res.Intent.Symbol, "error", err)
		}
	}
}

func liquidateIntents(l *ledger.Ledger) []strategy.Intent {
	var intents []strategy.Intent
	for _, symbol := range l.Symbols() {
		if l.Phase(symbol) != ledger.Open {
			continue
		}
		intents = append(intents, strategy.Intent{Kind: strategy.Close, Symbol: symbol, Reason: "liquidate"})
	}
	return intents
}

// Liquidate closes every open position unconditionally, even while the
// market is closed: the day-TIF sells queue with the broker and fill at
// the open, and the transient carries to the next tick until they do.
func (r *Runner) Liquidate(ctx context.Context) error {
	status, err := r.broker.MarketStatus(ctx)
	if err != nil {
		return fmt.Errorf("market status: %w", err)
	}
	_, err = r.tick(ctx, status, true)
	return err
}

// Loop ticks on the configured interval while the market is open and
// sleeps until the next session otherwise. It exits on context
// cancellation or a lost revision race.
func (r *Runner) Loop(ctx context.Context) error {
	for {
		status, err := r.broker.MarketStatus(ctx)
		if err != nil {
			slog.Error("market status failed, retrying", "error", err)
			if err := r.sleep(ctx, time.Minute); err != nil {
				return ctx.Err()
			}
			continue
		}

		if !status.IsOpen {
			wait := time.Until(status.NextOpen)
			if wait < time.Minute {
				wait = time.Minute
			}
			slog.Info("market closed, sleeping until open", "next_open", status.NextOpen, "wait", wait)
			if err := r.sleep(ctx, wait); err != nil {
				return ctx.Err()
			}
			continue
		}

		if _, err := r.tick(ctx, status, false); err != nil {
			if errors.Is(err, state.ErrConcurrentWrite) {
				return err
			}
			slog.Error("tick failed", "error", err)
		}

		if err := r.sleep(ctx, r.untilNextTick()); err != nil {
			return ctx.Err()
		}
	}
}

// untilNextTick aligns ticks to interval boundaries so two runners started
// at different times still observe the same schedule.
func (r *Runner) untilNextTick() time.Duration {
	now := r.now()
	next := now.Truncate(r.cfg.TickInterval).Add(r.cfg.TickInterval)
	wait := next.Sub(now)
	if wait < time.Second {
		wait = r.cfg.TickInterval
	}
	return wait
}

func clonePositions(positions map[string]ledger.Position) map[string]ledger.Position {
	out := make(map[string]ledger.Position, len(positions))
	for symbol, pos := range positions {
		out[symbol] = pos
	}
	return out
}
