package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trader/internal/broker"
	"trader/internal/config"
	"trader/internal/ledger"
	"trader/internal/state"
	"trader/internal/ticklog"
)

type fakeBroker struct {
	status     broker.MarketStatus
	statusErr  error
	account    broker.Account
	accountErr error
	positions  []broker.PositionSnapshot

	prices    map[string]float64
	priceErrs map[string]error
	bars      map[string][]broker.Bar

	buyAck  broker.OrderAck
	buyErr  error
	sellAck broker.OrderAck
	sellErr error

	calls []string
}

func (f *fakeBroker) MarketStatus(ctx context.Context) (broker.MarketStatus, error) {
	return f.status, f.statusErr
}

func (f *fakeBroker) GetAccount(ctx context.Context) (broker.Account, error) {
	return f.account, f.accountErr
}

func (f *fakeBroker) GetPositions(ctx context.Context) ([]broker.PositionSnapshot, error) {
	return f.positions, nil
}

func (f *fakeBroker) GetLatestPrice(ctx context.Context, symbol string) (float64, error) {
	if err := f.priceErrs[symbol]; err != nil {
		return 0, err
	}
	return f.prices[symbol], nil
}

func (f *fakeBroker) GetBars(ctx context.Context, symbol string, days int) ([]broker.Bar, error) {
	return f.bars[symbol], nil
}

func (f *fakeBroker) Buy(ctx context.Context, symbol string, notional float64, clientOrderID, reason string) (broker.OrderAck, error) {
	f.calls = append(f.calls, "buy "+symbol)
	if f.buyErr != nil {
		return broker.OrderAck{}, f.buyErr
	}
	ack := f.buyAck
	ack.Symbol = symbol
	ack.ClientOrderID = clientOrderID
	ack.Side = "buy"
	return ack, nil
}

func (f *fakeBroker) BuyQty(ctx context.Context, symbol string, qty decimal.Decimal, clientOrderID, reason string) (broker.OrderAck, error) {
	f.calls = append(f.calls, "buyqty "+symbol)
	ack := f.buyAck
	ack.Symbol = symbol
	ack.ClientOrderID = clientOrderID
	ack.Side = "buy"
	return ack, f.buyErr
}

func (f *fakeBroker) Sell(ctx context.Context, symbol string, qty decimal.Decimal, clientOrderID, reason string) (broker.OrderAck, error) {
	f.calls = append(f.calls, "sell "+symbol)
	if f.sellErr != nil {
		return broker.OrderAck{}, f.sellErr
	}
	ack := f.sellAck
	ack.Symbol = symbol
	ack.ClientOrderID = clientOrderID
	ack.Side = "sell"
	ack.FilledQty = f.sellAck.FilledQty
	if ack.FilledQty == 0 {
		q, _ := qty.Float64()
		ack.FilledQty = q
	}
	return ack, nil
}

func (f *fakeBroker) GetOrderByClientID(ctx context.Context, clientOrderID string) (broker.OrderAck, error) {
	return broker.OrderAck{}, fmt.Errorf("%w: unknown order", broker.ErrNotFound)
}

type memStore struct {
	rec     state.Record
	hasRec  bool
	saveErr error
	saved   []state.Record
	events  []state.TradeEvent
}

func (m *memStore) Load(ctx context.Context, accountID string) (state.Record, error) {
	if !m.hasRec {
		return state.Record{AccountID: accountID}, nil
	}
	return m.rec, nil
}

func (m *memStore) Save(ctx context.Context, rec state.Record, expectedRevision int64) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	if m.hasRec && expectedRevision != m.rec.Revision {
		return state.ErrConcurrentWrite
	}
	rec.Revision = expectedRevision + 1
	m.rec = rec
	m.hasRec = true
	m.saved = append(m.saved, rec)
	return nil
}

func (m *memStore) AppendEvent(ctx context.Context, event state.TradeEvent) error {
	m.events = append(m.events, event)
	return nil
}

func (m *memStore) Close() error { return nil }

func testConfig() config.Config {
	return config.Config{
		Basket:            []string{"SGOL"},
		BudgetPerSide:     1000,
		PullbackThreshold: 0.02,
		ProfitTarget:      0.05,
		StopLoss:          0.05,
		LookbackDays:      10,
		EODCutoff:         config.ClockTime{Hour: 15, Minute: 55},
		FractionalShares:  true,
		TickInterval:      15 * time.Minute,
	}
}

// 15:30 UTC is 10:30 in New York during winter time.
var tickNow = time.Date(2026, 3, 2, 15, 30, 0, 0, time.UTC)

func dailyBars(high float64, days int) []broker.Bar {
	bars := make([]broker.Bar, 0, days)
	for i := days; i >= 1; i-- {
		date := tickNow.AddDate(0, 0, -i)
		bars = append(bars, broker.Bar{
			Date: date, Open: high - 1, High: high, Low: high - 2, Close: high - 0.5, Volume: 1000,
		})
	}
	return bars
}

func newTestRunner(t *testing.T, cfg config.Config, fake *fakeBroker, store state.Store) *Runner {
	t.Helper()
	r, err := New(cfg, fake, store, nil)
	require.NoError(t, err)
	r.now = func() time.Time { return tickNow }
	r.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return r
}

func openFake() *fakeBroker {
	return &fakeBroker{
		status:  broker.MarketStatus{IsOpen: true, Timestamp: tickNow},
		account: broker.Account{ID: "acct-1", Cash: 5000, Equity: 5000, BuyingPower: 5000},
		prices:  map[string]float64{"SGOL": 24.50},
		bars:    map[string][]broker.Bar{"SGOL": dailyBars(25.00, 12)},
		buyAck:  broker.OrderAck{ID: "o-1", Status: "filled", FilledQty: 40.816326, FilledAvgPrice: 24.50},
	}
}

func TestTickMarketClosed(t *testing.T) {
	fake := openFake()
	fake.status.IsOpen = false
	store := &memStore{}
	r := newTestRunner(t, testConfig(), fake, store)

	err := r.Tick(context.Background())
	assert.ErrorIs(t, err, ErrMarketClosed)
	assert.Empty(t, store.saved, "closed market must not write state")
}

func TestTickOpensOnPullback(t *testing.T) {
	fake := openFake()
	store := &memStore{}
	r := newTestRunner(t, testConfig(), fake, store)

	require.NoError(t, r.Tick(context.Background()))

	require.Len(t, store.saved, 1)
	saved := store.saved[0]
	assert.Equal(t, int64(1), saved.Revision)
	require.NotNil(t, saved.Ledger)
	pos, ok := saved.Ledger.Get("SGOL")
	require.True(t, ok)
	assert.Equal(t, 24.50, pos.EntryPrice)

	require.Len(t, store.events, 1)
	assert.Equal(t, "open", store.events[0].Event)
	assert.Equal(t, "SGOL", store.events[0].Symbol)
	assert.Contains(t, fake.calls, "buy SGOL")
}

func TestTickHoldsBelowThreshold(t *testing.T) {
	fake := openFake()
	fake.prices["SGOL"] = 24.80 // 0.8% pullback
	store := &memStore{}
	r := newTestRunner(t, testConfig(), fake, store)

	require.NoError(t, r.Tick(context.Background()))

	assert.Empty(t, fake.calls)
	require.Len(t, store.saved, 1)
	assert.Empty(t, store.saved[0].Ledger.Positions)
}

func TestTickSkipsSymbolWithoutPrice(t *testing.T) {
	cfg := testConfig()
	cfg.Basket = []string{"CPER", "SGOL"}
	fake := openFake()
	fake.priceErrs = map[string]error{"CPER": fmt.Errorf("%w: feed down", broker.ErrUnavailable)}
	store := &memStore{}
	r := newTestRunner(t, cfg, fake, store)

	require.NoError(t, r.Tick(context.Background()))

	assert.Contains(t, fake.calls, "buy SGOL")
	assert.NotContains(t, fake.calls, "buy CPER")
}

func TestTickConcurrentWriteSurfaces(t *testing.T) {
	fake := openFake()
	store := &memStore{saveErr: state.ErrConcurrentWrite}
	r := newTestRunner(t, testConfig(), fake, store)

	err := r.Tick(context.Background())
	assert.ErrorIs(t, err, state.ErrConcurrentWrite)
}

func TestTickExitsAtProfitTarget(t *testing.T) {
	fake := openFake()
	fake.prices["SGOL"] = 25.73 // 24.50 * 1.05 = 25.725
	fake.sellAck = broker.OrderAck{ID: "o-2", Status: "filled", FilledAvgPrice: 25.73}
	store := &memStore{hasRec: true}
	l := ledger.New("acct-1")
	require.NoError(t, l.Commit(ledger.Position{Symbol: "SGOL", Qty: 40.816326, EntryPrice: 24.50}))
	store.rec = state.Record{AccountID: "acct-1", Revision: 3, Ledger: l}
	fake.positions = []broker.PositionSnapshot{{Symbol: "SGOL", Qty: 40.816326, AvgEntryPrice: 24.50}}
	r := newTestRunner(t, testConfig(), fake, store)

	require.NoError(t, r.Tick(context.Background()))

	assert.Contains(t, fake.calls, "sell SGOL")
	require.Len(t, store.saved, 1)
	assert.Equal(t, int64(4), store.saved[0].Revision)
	assert.Empty(t, store.saved[0].Ledger.Positions)
	require.Len(t, store.events, 1)
	assert.Equal(t, "close", store.events[0].Event)
	assert.Equal(t, "profit_target", store.events[0].Reason)
}

func TestTickDropsPositionBrokerNoLongerReports(t *testing.T) {
	fake := openFake()
	fake.prices["SGOL"] = 24.80 // no entry signal
	store := &memStore{hasRec: true}
	l := ledger.New("acct-1")
	require.NoError(t, l.Commit(ledger.Position{Symbol: "SGOL", Qty: 10, EntryPrice: 24.50}))
	store.rec = state.Record{AccountID: "acct-1", Revision: 1, Ledger: l}
	// Broker reports no positions at all.
	r := newTestRunner(t, testConfig(), fake, store)

	require.NoError(t, r.Tick(context.Background()))

	require.Len(t, store.saved, 1)
	assert.Empty(t, store.saved[0].Ledger.Positions)
}

func TestTickRaisesHighWater(t *testing.T) {
	fake := openFake()
	fake.prices["SGOL"] = 24.90 // above entry, below target, below pullback threshold
	store := &memStore{hasRec: true}
	l := ledger.New("acct-1")
	require.NoError(t, l.Commit(ledger.Position{Symbol: "SGOL", Qty: 10, EntryPrice: 24.50}))
	store.rec = state.Record{AccountID: "acct-1", Revision: 2, Ledger: l}
	fake.positions = []broker.PositionSnapshot{{Symbol: "SGOL", Qty: 10, AvgEntryPrice: 24.50}}
	r := newTestRunner(t, testConfig(), fake, store)

	require.NoError(t, r.Tick(context.Background()))

	pos, ok := store.saved[0].Ledger.Get("SGOL")
	require.True(t, ok)
	assert.Equal(t, 24.90, pos.HighWaterPrice)
}

func TestLiquidateClosesEverythingHeld(t *testing.T) {
	cfg := testConfig()
	cfg.Basket = []string{"CPER", "SGOL"}
	fake := openFake()
	fake.prices = map[string]float64{"CPER": 28.00, "SGOL": 24.00}
	fake.bars = map[string][]broker.Bar{
		"CPER": dailyBars(28.50, 12),
		"SGOL": dailyBars(25.00, 12),
	}
	fake.sellAck = broker.OrderAck{ID: "o-2", Status: "filled", FilledAvgPrice: 24.00}
	store := &memStore{hasRec: true}
	l := ledger.New("acct-1")
	require.NoError(t, l.Commit(ledger.Position{Symbol: "CPER", Qty: 5, EntryPrice: 28.10}))
	require.NoError(t, l.Commit(ledger.Position{Symbol: "SGOL", Qty: 10, EntryPrice: 24.50}))
	store.rec = state.Record{AccountID: "acct-1", Revision: 7, Ledger: l}
	fake.positions = []broker.PositionSnapshot{
		{Symbol: "CPER", Qty: 5, AvgEntryPrice: 28.10},
		{Symbol: "SGOL", Qty: 10, AvgEntryPrice: 24.50},
	}
	r := newTestRunner(t, cfg, fake, store)

	require.NoError(t, r.Liquidate(context.Background()))

	assert.Contains(t, fake.calls, "sell CPER")
	assert.Contains(t, fake.calls, "sell SGOL")
	assert.NotContains(t, fake.calls, "buy CPER")
	assert.NotContains(t, fake.calls, "buy SGOL")
	assert.Empty(t, store.saved[0].Ledger.Positions)
}

func TestLiquidateSubmitsWhileMarketClosed(t *testing.T) {
	fake := openFake()
	fake.status.IsOpen = false
	fake.sellAck = broker.OrderAck{ID: "o-2", Status: "filled", FilledAvgPrice: 24.00}
	store := &memStore{hasRec: true}
	l := ledger.New("acct-1")
	require.NoError(t, l.Commit(ledger.Position{Symbol: "SGOL", Qty: 10, EntryPrice: 24.50}))
	store.rec = state.Record{AccountID: "acct-1", Revision: 1, Ledger: l}
	fake.positions = []broker.PositionSnapshot{{Symbol: "SGOL", Qty: 10, AvgEntryPrice: 24.50}}
	r := newTestRunner(t, testConfig(), fake, store)

	// The day-TIF sell queues with the broker; a closed market is no bar.
	require.NoError(t, r.Liquidate(context.Background()))
	assert.Contains(t, fake.calls, "sell SGOL")
	assert.Empty(t, store.saved[0].Ledger.Positions)
}

func newLoggedRunner(t *testing.T, cfg config.Config, fake *fakeBroker, store state.Store, out *bytes.Buffer) *Runner {
	t.Helper()
	r, err := New(cfg, fake, store, ticklog.NewConsole(out))
	require.NoError(t, err)
	r.now = func() time.Time { return tickNow }
	r.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return r
}

func decodeTickLine(t *testing.T, out *bytes.Buffer) ticklog.Tick {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 1, "expected exactly one summary line, got %q", out.String())
	var tick ticklog.Tick
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &tick))
	return tick
}

func TestAbortedTickStillEmitsSummary(t *testing.T) {
	fake := openFake()
	store := &memStore{saveErr: state.ErrConcurrentWrite}
	var out bytes.Buffer
	r := newLoggedRunner(t, testConfig(), fake, store, &out)

	err := r.Tick(context.Background())
	require.ErrorIs(t, err, state.ErrConcurrentWrite)

	tick := decodeTickLine(t, &out)
	require.NotEmpty(t, tick.Errors, "aborted tick must carry its error list")
	assert.Contains(t, tick.Errors[len(tick.Errors)-1], "concurrent write")
	assert.NotEmpty(t, tick.TickID)
}

func TestMarketClosedStillEmitsSummary(t *testing.T) {
	fake := openFake()
	fake.status.IsOpen = false
	var out bytes.Buffer
	r := newLoggedRunner(t, testConfig(), fake, &memStore{}, &out)

	err := r.Tick(context.Background())
	require.ErrorIs(t, err, ErrMarketClosed)

	tick := decodeTickLine(t, &out)
	assert.False(t, tick.Market.IsOpen)
	assert.Equal(t, []string{"market closed"}, tick.Errors)
}

func TestAccountFailureStillEmitsSummary(t *testing.T) {
	fake := openFake()
	fake.accountErr = fmt.Errorf("%w: 503", broker.ErrUnavailable)
	var out bytes.Buffer
	r := newLoggedRunner(t, testConfig(), fake, &memStore{}, &out)

	err := r.Tick(context.Background())
	require.ErrorIs(t, err, broker.ErrUnavailable)

	tick := decodeTickLine(t, &out)
	require.NotEmpty(t, tick.Errors)
	assert.Contains(t, tick.Errors[0], "get account")
}

func TestUntilNextTickAlignsToBoundary(t *testing.T) {
	r := newTestRunner(t, testConfig(), openFake(), &memStore{})

	r.now = func() time.Time { return time.Date(2026, 3, 2, 15, 7, 30, 0, time.UTC) }
	assert.Equal(t, 7*time.Minute+30*time.Second, r.untilNextTick())

	// On the boundary the full interval is waited, not zero.
	r.now = func() time.Time { return time.Date(2026, 3, 2, 15, 15, 0, 0, time.UTC) }
	assert.Equal(t, 15*time.Minute, r.untilNextTick())
}

func TestTickErrorDoesNotPanicWithNilLedgerInStore(t *testing.T) {
	fake := openFake()
	store := &memStore{hasRec: true, rec: state.Record{AccountID: "acct-1", Revision: 5}}
	r := newTestRunner(t, testConfig(), fake, store)

	require.NoError(t, r.Tick(context.Background()))
	require.Len(t, store.saved, 1)
	assert.Equal(t, int64(6), store.saved[0].Revision)
	assert.NotNil(t, store.saved[0].Ledger)
}

func TestStatusPrintsAccountAndPositions(t *testing.T) {
	cfg := testConfig()
	cfg.Paper = true
	fake := openFake()
	fake.prices["SGOL"] = 24.90
	store := &memStore{hasRec: true}
	l := ledger.New("acct-1")
	require.NoError(t, l.Commit(ledger.Position{Symbol: "SGOL", Qty: 10, EntryPrice: 24.50}))
	store.rec = state.Record{AccountID: "acct-1", Revision: 2, Ledger: l}
	r := newTestRunner(t, cfg, fake, store)

	var out bytes.Buffer
	require.NoError(t, r.Status(context.Background(), &out))

	text := out.String()
	assert.Contains(t, text, "acct-1")
	assert.Contains(t, text, "PAPER")
	assert.Contains(t, text, "SGOL")
	assert.Empty(t, store.saved, "status must not write state")
	assert.Empty(t, fake.calls, "status must not place orders")
}

func TestTickStatusErrorPropagates(t *testing.T) {
	fake := openFake()
	fake.statusErr = fmt.Errorf("%w: 503", broker.ErrUnavailable)
	r := newTestRunner(t, testConfig(), fake, &memStore{})

	err := r.Tick(context.Background())
	assert.ErrorIs(t, err, broker.ErrUnavailable)
	assert.False(t, errors.Is(err, ErrMarketClosed))
}
