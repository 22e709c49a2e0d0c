package core

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/olyamironova/spot-exchange/internal/adapter/in_memory"
	"github.com/olyamironova/spot-exchange/internal/domain"
	"github.com/olyamironova/spot-exchange/internal/logging"
	"github.com/olyamironova/spot-exchange/internal/port"
	"github.com/olyamironova/spot-exchange/internal/registry"
	"github.com/olyamironova/spot-exchange/internal/sequence"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

type seqIDs struct{ n atomic.Uint64 }

func (g *seqIDs) NewID() string { return fmt.Sprintf("id-%04d", g.n.Add(1)) }

type recorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recorder) Publish(_ context.Context, events []domain.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events...)
	return nil
}

func (r *recorder) trades() []domain.Trade {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Trade
	for _, ev := range r.events {
		if m, ok := ev.(domain.OrderMatched); ok {
			out = append(out, m.Trade)
		}
	}
	return out
}

func (r *recorder) count(typ domain.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type() == typ {
			n++
		}
	}
	return n
}

type mockPublisher struct{ mock.Mock }

func (m *mockPublisher) Publish(ctx context.Context, events []domain.Event) error {
	return m.Called(ctx, events).Error(0)
}

// flakyRepo fails the next n BeginTx calls with a conflict.
type flakyRepo struct {
	*in_memory.MemoryRepo
	failures atomic.Int32
}

func (f *flakyRepo) BeginTx(ctx context.Context) (port.Tx, error) {
	if f.failures.Add(-1) >= 0 {
		return nil, fmt.Errorf("begin: %w", domain.ErrConflict)
	}
	return f.MemoryRepo.BeginTx(ctx)
}

type fixture struct {
	engine *Engine
	repo   *in_memory.MemoryRepo
	cache  *in_memory.Cache
	events *recorder
}

func newFixture(t *testing.T, mutate ...func(*Config, *Deps)) *fixture {
	t.Helper()
	reg, err := registry.New(registry.NewDefaultConfig())
	require.NoError(t, err)

	f := &fixture{
		repo:   in_memory.NewMemoryRepo(time.Second),
		cache:  in_memory.NewCache(),
		events: &recorder{},
	}
	cfg := NewDefaultConfig()
	deps := Deps{
		Repo:      f.repo,
		Cache:     f.cache,
		Publisher: f.events,
		Registry:  reg,
		Clock:     &stepClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		IDs:       &seqIDs{},
		Log:       logging.NewTestLogger(),
	}
	for _, m := range mutate {
		m(&cfg, &deps)
	}
	f.engine = NewEngine(cfg, deps)
	return f
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func (f *fixture) deposit(t *testing.T, user, asset, amount string) {
	t.Helper()
	_, err := f.engine.Deposit(context.Background(), user, asset, d(amount))
	require.NoError(t, err)
}

func (f *fixture) order(t *testing.T, user string, side domain.Side, price, amount string) *domain.Order {
	t.Helper()
	o, err := f.engine.CreateOrder(context.Background(), CreateOrderRequest{
		UserID: user,
		Symbol: "BTC-USD",
		Side:   side,
		Price:  d(price),
		Amount: d(amount),
	})
	require.NoError(t, err)
	return o
}

func (f *fixture) assertBalance(t *testing.T, user, asset, total, locked string) {
	t.Helper()
	b, err := f.repo.GetBalance(context.Background(), user, asset)
	require.NoError(t, err)
	assert.True(t, b.Total.Equal(d(total)), "%s %s total: want %s, got %s", user, asset, total, b.Total)
	assert.True(t, b.Locked.Equal(d(locked)), "%s %s locked: want %s, got %s", user, asset, locked, b.Locked)
}

func (f *fixture) stored(t *testing.T, id string) *domain.Order {
	t.Helper()
	o, err := f.engine.GetOrder(context.Background(), id)
	require.NoError(t, err)
	return o
}

func TestEndToEndTrade(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.deposit(t, "A", "BTC", "1.0")
	sell := f.order(t, "A", domain.Sell, "50000", "0.5")
	assert.Equal(t, domain.Open, sell.Status)

	book, err := f.engine.GetOrderBook(ctx, "BTC-USD", 10)
	require.NoError(t, err)
	require.Len(t, book.Asks, 1)
	assert.Empty(t, book.Bids)
	f.assertBalance(t, "A", "BTC", "1", "0.5")

	f.deposit(t, "B", "USD", "100000")
	buy := f.order(t, "B", domain.Buy, "50000", "0.5")
	assert.Equal(t, domain.Filled, buy.Status)
	assert.Equal(t, domain.Filled, f.stored(t, sell.ID).Status)

	trades, err := f.engine.GetTradesForOrder(ctx, buy.ID)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	tr := trades[0]
	assert.Equal(t, buy.ID, tr.BuyOrderID)
	assert.Equal(t, sell.ID, tr.SellOrderID)
	assert.True(t, tr.Price.Equal(d("50000")))
	assert.True(t, tr.Amount.Equal(d("0.5")))
	assert.True(t, tr.Commission.Equal(d("375")), "commission %s", tr.Commission)

	f.assertBalance(t, "B", "BTC", "0.5", "0")
	f.assertBalance(t, "B", "USD", "75000", "0")
	f.assertBalance(t, "A", "BTC", "0.5", "0")
	// commission deducted exactly once
	f.assertBalance(t, "A", "USD", "24625", "0")

	book, err = f.engine.GetOrderBook(ctx, "BTC-USD", 10)
	require.NoError(t, err)
	assert.Empty(t, book.Asks)
	assert.Empty(t, book.Bids)

	assert.Equal(t, 1, f.events.count(domain.EventOrderMatched))
	assert.Equal(t, 2, f.events.count(domain.EventOrderBookChanged))
	assert.NotZero(t, f.events.count(domain.EventBalanceChanged))
}

func TestPartialFill(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.deposit(t, "A", "BTC", "2")
	f.deposit(t, "B", "USD", "1000")

	sell := f.order(t, "A", domain.Sell, "100", "1.0")
	buy := f.order(t, "B", domain.Buy, "100", "0.3")
	assert.Equal(t, domain.Filled, buy.Status)

	resting := f.stored(t, sell.ID)
	assert.Equal(t, domain.Open, resting.Status)
	assert.True(t, resting.FilledAmount.Equal(d("0.3")))
	assert.True(t, resting.Remaining().Equal(d("0.7")))

	book, err := f.engine.GetOrderBook(ctx, "BTC-USD", 10)
	require.NoError(t, err)
	require.Len(t, book.Asks, 1)
	assert.Equal(t, sell.ID, book.Asks[0].ID)
	assert.True(t, book.Asks[0].Price.Equal(d("100")))
	assert.True(t, book.Asks[0].Remaining().Equal(d("0.7")))

	f.assertBalance(t, "A", "BTC", "1.7", "0.7")
	f.assertBalance(t, "B", "BTC", "0.3", "0")
}

func TestPriceTimePriority(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.deposit(t, "S", "BTC", "10")
	f.deposit(t, "C", "USD", "1000")

	s100 := f.order(t, "S", domain.Sell, "100", "1")
	s99 := f.order(t, "S", domain.Sell, "99", "1")
	s101 := f.order(t, "S", domain.Sell, "101", "1")
	s100b := f.order(t, "S", domain.Sell, "100", "1")

	buy := f.order(t, "C", domain.Buy, "100", "3")
	assert.Equal(t, domain.Filled, buy.Status)

	trades, err := f.engine.GetTradesForOrder(ctx, buy.ID)
	require.NoError(t, err)
	require.Len(t, trades, 3)
	assert.Equal(t, s99.ID, trades[0].SellOrderID)
	assert.True(t, trades[0].Price.Equal(d("99")), "aggressor gets the resting price")
	assert.Equal(t, s100.ID, trades[1].SellOrderID, "earlier order at the same price first")
	assert.Equal(t, s100b.ID, trades[2].SellOrderID)

	assert.Equal(t, domain.Open, f.stored(t, s101.ID).Status)

	// reserved 300, paid 299, the 1 of price improvement is released
	f.assertBalance(t, "C", "USD", "701", "0")
	f.assertBalance(t, "C", "BTC", "3", "0")
}

func TestSellAggressorTakesBidPrice(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, "B", "USD", "1000")
	f.deposit(t, "S", "BTC", "1")

	f.order(t, "B", domain.Buy, "110", "1")
	sell := f.order(t, "S", domain.Sell, "100", "1")
	assert.Equal(t, domain.Filled, sell.Status)

	trades, err := f.engine.GetTradesForOrder(context.Background(), sell.ID)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.True(t, trades[0].Price.Equal(d("110")))
	// 110 less 1.5% commission
	f.assertBalance(t, "S", "USD", "108.35", "0")
	f.assertBalance(t, "B", "USD", "890", "0")
}

func TestInsufficientFunds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.deposit(t, "B", "USD", "100")
	f.deposit(t, "S", "BTC", "0.5")

	_, err := f.engine.CreateOrder(ctx, CreateOrderRequest{UserID: "B", Symbol: "BTC-USD", Side: domain.Buy, Price: d("200"), Amount: d("1")})
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
	f.assertBalance(t, "B", "USD", "100", "0")

	_, err = f.engine.CreateOrder(ctx, CreateOrderRequest{UserID: "S", Symbol: "BTC-USD", Side: domain.Sell, Price: d("1"), Amount: d("0.6")})
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
	f.assertBalance(t, "S", "BTC", "0.5", "0")

	_, err = f.engine.CreateOrder(ctx, CreateOrderRequest{UserID: "nobody", Symbol: "BTC-USD", Side: domain.Buy, Price: d("1"), Amount: d("1")})
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)

	page, err := f.engine.ListUserOrders(ctx, "B", port.OrderFilter{}, port.Page{})
	require.NoError(t, err)
	assert.Zero(t, page.Total, "rejected order is not persisted")

	book, err := f.engine.GetOrderBook(ctx, "BTC-USD", 0)
	require.NoError(t, err)
	assert.Empty(t, book.Bids)
	assert.Empty(t, book.Asks)
}

func TestValidation(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name string
		req  CreateOrderRequest
		want error
	}{
		{"zero price", CreateOrderRequest{UserID: "u", Symbol: "BTC-USD", Side: domain.Buy, Price: d("0"), Amount: d("1")}, domain.ErrInvalidPrice},
		{"negative amount", CreateOrderRequest{UserID: "u", Symbol: "BTC-USD", Side: domain.Buy, Price: d("1"), Amount: d("-1")}, domain.ErrInvalidAmount},
		{"below min amount", CreateOrderRequest{UserID: "u", Symbol: "BTC-USD", Side: domain.Buy, Price: d("1"), Amount: d("0.000000001")}, domain.ErrInvalidAmount},
		{"price finer than quote", CreateOrderRequest{UserID: "u", Symbol: "BTC-USD", Side: domain.Buy, Price: d("50000.123456789"), Amount: d("0.1")}, domain.ErrInvalidPrice},
		{"amount finer than base", CreateOrderRequest{UserID: "u", Symbol: "BTC-USD", Side: domain.Buy, Price: d("50000"), Amount: d("0.123456789012")}, domain.ErrInvalidAmount},
		{"bad side", CreateOrderRequest{UserID: "u", Symbol: "BTC-USD", Side: 0, Price: d("1"), Amount: d("1")}, domain.ErrInvalidSide},
		{"malformed symbol", CreateOrderRequest{UserID: "u", Symbol: "BTCUSD", Side: domain.Buy, Price: d("1"), Amount: d("1")}, domain.ErrUnknownSymbol},
		{"wrong quote", CreateOrderRequest{UserID: "u", Symbol: "BTC-ETH", Side: domain.Buy, Price: d("1"), Amount: d("1")}, domain.ErrUnknownSymbol},
		{"unsupported base", CreateOrderRequest{UserID: "u", Symbol: "DOGE-USD", Side: domain.Buy, Price: d("1"), Amount: d("1")}, domain.ErrUnsupportedAsset},
		{"disabled base", CreateOrderRequest{UserID: "u", Symbol: "USDT-USD", Side: domain.Buy, Price: d("1"), Amount: d("1")}, domain.ErrUnsupportedAsset},
		{"no user", CreateOrderRequest{Symbol: "BTC-USD", Side: domain.Buy, Price: d("1"), Amount: d("1")}, domain.ErrInvalidOrder},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.CreateOrder(context.Background(), tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.ErrorIs(t, domain.ErrInvalidPrice, domain.ErrInvalidOrder, "validation kinds share a parent")
}

func TestLowercaseSymbolIsNormalised(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, "S", "btc", "1")
	o, err := f.engine.CreateOrder(context.Background(), CreateOrderRequest{UserID: "S", Symbol: "btc-usd", Side: domain.Sell, Price: d("10"), Amount: d("1")})
	require.NoError(t, err)
	assert.Equal(t, "BTC-USD", o.Symbol)
}

func TestCancelReleasesRemainder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.deposit(t, "B", "USD", "100")
	f.deposit(t, "S", "BTC", "1")

	buy := f.order(t, "B", domain.Buy, "100", "1")
	f.assertBalance(t, "B", "USD", "100", "100")
	f.order(t, "S", domain.Sell, "100", "0.4")
	f.assertBalance(t, "B", "USD", "60", "60")

	cancelled, err := f.engine.CancelOrder(ctx, buy.ID, "B")
	require.NoError(t, err)
	assert.Equal(t, domain.Cancelled, cancelled.Status)
	assert.True(t, cancelled.FilledAmount.Equal(d("0.4")))
	f.assertBalance(t, "B", "USD", "60", "0")
	f.assertBalance(t, "B", "BTC", "0.4", "0")

	book, err := f.engine.GetOrderBook(ctx, "BTC-USD", 10)
	require.NoError(t, err)
	assert.Empty(t, book.Bids)
	assert.Equal(t, 1, f.events.count(domain.EventOrderCancelled))
}

func TestCancelSellReleasesBase(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, "S", "BTC", "1")
	sell := f.order(t, "S", domain.Sell, "100", "0.75")
	f.assertBalance(t, "S", "BTC", "1", "0.75")

	_, err := f.engine.CancelOrder(context.Background(), sell.ID, "S")
	require.NoError(t, err)
	f.assertBalance(t, "S", "BTC", "1", "0")
}

func TestCancelGuards(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.deposit(t, "B", "USD", "1000")
	f.deposit(t, "S", "BTC", "1")

	sell := f.order(t, "S", domain.Sell, "100", "1")
	f.order(t, "B", domain.Buy, "100", "1")

	_, err := f.engine.CancelOrder(ctx, sell.ID, "S")
	assert.ErrorIs(t, err, domain.ErrNotCancellable, "filled order")
	f.assertBalance(t, "S", "BTC", "0", "0")

	open := f.order(t, "B", domain.Buy, "50", "1")
	_, err = f.engine.CancelOrder(ctx, open.ID, "S")
	assert.ErrorIs(t, err, domain.ErrNotOwner)

	_, err = f.engine.CancelOrder(ctx, open.ID, "B")
	require.NoError(t, err)
	before, err := f.repo.GetBalance(ctx, "B", "USD")
	require.NoError(t, err)

	_, err = f.engine.CancelOrder(ctx, open.ID, "B")
	assert.ErrorIs(t, err, domain.ErrNotCancellable, "already cancelled")
	after, err := f.repo.GetBalance(ctx, "B", "USD")
	require.NoError(t, err)
	assert.Equal(t, before, after, "no ledger mutation")

	_, err = f.engine.CancelOrder(ctx, "missing", "B")
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestSelfTradeAllowed(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, "A", "BTC", "1")
	f.deposit(t, "A", "USD", "1000")

	f.order(t, "A", domain.Sell, "100", "1")
	buy := f.order(t, "A", domain.Buy, "100", "1")
	assert.Equal(t, domain.Filled, buy.Status)

	f.assertBalance(t, "A", "BTC", "1", "0")
	f.assertBalance(t, "A", "USD", "998.5", "0")
}

func TestFeeAccountReceivesCommission(t *testing.T) {
	f := newFixture(t, func(c *Config, _ *Deps) { c.FeeAccount = "fees" })
	f.deposit(t, "B", "USD", "1000")
	f.deposit(t, "S", "BTC", "1")

	f.order(t, "S", domain.Sell, "200", "1")
	f.order(t, "B", domain.Buy, "200", "1")

	f.assertBalance(t, "fees", "USD", "3", "0")
	f.assertBalance(t, "S", "USD", "197", "0")
	f.assertBalance(t, "B", "USD", "800", "0")
}

func TestCommissionRoundsToQuotePrecision(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, "B", "USD", "1000")
	f.deposit(t, "S", "BTC", "1")

	f.order(t, "S", domain.Sell, "33.33", "1")
	buy := f.order(t, "B", domain.Buy, "33.33", "1")

	trades, err := f.engine.GetTradesForOrder(context.Background(), buy.ID)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	// 33.33 * 0.015 = 0.49995
	assert.Equal(t, "0.5", trades[0].Commission.String())
}

func TestPublishFailureDoesNotRollBack(t *testing.T) {
	pub := &mockPublisher{}
	pub.On("Publish", mock.Anything, mock.Anything).Return(errors.New("broker down"))
	f := newFixture(t, func(_ *Config, d *Deps) { d.Publisher = pub })

	f.deposit(t, "S", "BTC", "1")
	o := f.order(t, "S", domain.Sell, "10", "1")
	assert.Equal(t, domain.Open, f.stored(t, o.ID).Status)
	pub.AssertNumberOfCalls(t, "Publish", 2)
}

func TestConflictsAreRetried(t *testing.T) {
	ctx := context.Background()
	reg, err := registry.New(registry.NewDefaultConfig())
	require.NoError(t, err)
	flaky := &flakyRepo{MemoryRepo: in_memory.NewMemoryRepo(time.Second)}
	e := NewEngine(NewDefaultConfig(), Deps{
		Repo:     flaky,
		Registry: reg,
		Clock:    &stepClock{},
		IDs:      &seqIDs{},
		Log:      logging.NewTestLogger(),
	})

	flaky.failures.Store(2)
	b, err := e.Deposit(ctx, "u", "USD", d("10"))
	require.NoError(t, err)
	assert.True(t, b.Total.Equal(d("10")))

	flaky.failures.Store(10)
	_, err = e.Deposit(ctx, "u", "USD", d("10"))
	assert.ErrorIs(t, err, domain.ErrTransient)
	assert.ErrorIs(t, err, domain.ErrConflict)

	flaky.failures.Store(0)
	b, err = flaky.GetBalance(ctx, "u", "USD")
	require.NoError(t, err)
	assert.True(t, b.Total.Equal(d("10")), "failed attempts left no trace")
}

func TestDepositWithdraw(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.engine.Deposit(ctx, "u", "USD", d("0.001"))
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
	_, err = f.engine.Deposit(ctx, "u", "BTC", d("1.000000001"))
	assert.ErrorIs(t, err, domain.ErrInvalidAmount, "finer than the asset precision")
	_, err = f.engine.Deposit(ctx, "u", "DOGE", d("1"))
	assert.ErrorIs(t, err, domain.ErrUnsupportedAsset)
	_, err = f.engine.Deposit(ctx, "u", "USDT", d("1"))
	assert.ErrorIs(t, err, domain.ErrUnsupportedAsset)

	f.deposit(t, "u", "USD", "500")
	f.order(t, "u", domain.Buy, "100", "3")

	_, err = f.engine.Withdraw(ctx, "u", "USD", d("201"))
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds, "locked funds cannot be withdrawn")

	b, err := f.engine.Withdraw(ctx, "u", "USD", d("200"))
	require.NoError(t, err)
	assert.True(t, b.Total.Equal(d("300")))
	assert.True(t, b.Locked.Equal(d("300")))
}

func TestInitializeAccount(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.deposit(t, "u", "BTC", "2")

	balances, err := f.engine.InitializeAccount(ctx, "u")
	require.NoError(t, err)
	require.Len(t, balances, 3)
	assert.Equal(t, "BTC", balances[0].Asset)
	assert.True(t, balances[0].Total.Equal(d("2")), "existing balance untouched")
	assert.Equal(t, "ETH", balances[1].Asset)
	assert.Equal(t, "USD", balances[2].Asset)

	again, err := f.engine.InitializeAccount(ctx, "u")
	require.NoError(t, err)
	assert.Len(t, again, 3)
}

func TestListUserOrders(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.deposit(t, "u", "BTC", "100")
	for i := 0; i < 12; i++ {
		f.order(t, "u", domain.Sell, fmt.Sprintf("%d", 100+i), "1")
	}
	page, err := f.engine.ListUserOrders(ctx, "u", port.OrderFilter{Symbol: "btc-usd"}, port.Page{Number: 2, PerPage: 5})
	require.NoError(t, err)
	assert.Equal(t, 12, page.Total)
	assert.Equal(t, 3, page.LastPage)
	assert.Equal(t, 2, page.Page)
	require.Len(t, page.Orders, 5)
	assert.True(t, page.Orders[0].Price.Equal(d("106")), "newest first")

	page, err = f.engine.ListUserOrders(ctx, "u", port.OrderFilter{Side: domain.Buy}, port.Page{})
	require.NoError(t, err)
	assert.Zero(t, page.Total)
	assert.Equal(t, 1, page.LastPage)
}

func TestGetOrderBookLimitAndCache(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(c *Config, _ *Deps) { c.BookDepth = 3 })
	f.deposit(t, "u", "BTC", "100")
	for i := 0; i < 5; i++ {
		f.order(t, "u", domain.Sell, fmt.Sprintf("%d", 105-i), "1")
	}

	cached, err := f.cache.GetOrderbook(ctx, "BTC-USD")
	require.NoError(t, err)
	require.NotNil(t, cached, "written through on change")
	assert.Len(t, cached.Asks, 3)

	snap, err := f.engine.GetOrderBook(ctx, "BTC-USD", 2)
	require.NoError(t, err)
	require.Len(t, snap.Asks, 2)
	assert.True(t, snap.Asks[0].Price.Equal(d("101")))

	snap, err = f.engine.GetOrderBook(ctx, "BTC-USD", 10)
	require.NoError(t, err)
	assert.Len(t, snap.Asks, 5, "deeper than the cache reads the live book")

	require.NoError(t, f.cache.Invalidate(ctx, "BTC-USD"))
	snap, err = f.engine.GetOrderBook(ctx, "btc-usd", 0)
	require.NoError(t, err)
	assert.Len(t, snap.Asks, 3)

	snap, err = f.engine.GetOrderBook(ctx, "ETH-USD", 0)
	require.NoError(t, err)
	assert.NotNil(t, snap.Bids)
	assert.Empty(t, snap.Bids)

	_, err = f.engine.GetOrderBook(ctx, "nonsense", 0)
	assert.ErrorIs(t, err, domain.ErrUnknownSymbol)
}

func TestLoadOpenOrdersFromRepo(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.deposit(t, "S", "BTC", "5")
	f.deposit(t, "B", "USD", "1000")
	s1 := f.order(t, "S", domain.Sell, "100", "1")
	f.order(t, "S", domain.Sell, "101", "1")
	f.order(t, "B", domain.Buy, "100", "0.5")

	reg, err := registry.New(registry.NewDefaultConfig())
	require.NoError(t, err)
	seq := sequence.New(0)
	events := &recorder{}
	restored := NewEngine(NewDefaultConfig(), Deps{
		Repo:      f.repo,
		Publisher: events,
		Registry:  reg,
		Clock:     &stepClock{t: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)},
		IDs:       &seqIDs{},
		Sequencer: seq,
		Log:       logging.NewTestLogger(),
	})
	require.NoError(t, restored.LoadOpenOrdersFromRepo(ctx))
	assert.Equal(t, uint64(3), seq.Current())

	require.Len(t, events.events, 1, "one depth event per restored book")
	changed, ok := events.events[0].(domain.OrderBookChanged)
	require.True(t, ok)
	assert.Equal(t, "BTC-USD", changed.Symbol)
	assert.Len(t, changed.Sell, 2)
	assert.Empty(t, changed.Buy)

	snap, err := restored.GetOrderBook(ctx, "BTC-USD", 10)
	require.NoError(t, err)
	require.Len(t, snap.Asks, 2)
	assert.Equal(t, s1.ID, snap.Asks[0].ID)
	assert.True(t, snap.Asks[0].Remaining().Equal(d("0.5")))

	_, err = restored.CancelOrder(ctx, s1.ID, "S")
	require.NoError(t, err)
	f.assertBalance(t, "S", "BTC", "4.5", "1")
}

func TestConcurrentTradingKeepsInvariants(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	const users = 8
	const perUser = 40
	symbols := []string{"BTC-USD", "ETH-USD"}
	for u := 0; u < users; u++ {
		user := fmt.Sprintf("u%d", u)
		f.deposit(t, user, "USD", "100000")
		f.deposit(t, user, "BTC", "20")
		f.deposit(t, user, "ETH", "20")
	}

	var wg sync.WaitGroup
	errs := make(chan error, users)
	for u := 0; u < users; u++ {
		wg.Add(1)
		go func(u int) {
			defer wg.Done()
			rnd := rand.New(rand.NewSource(int64(u)))
			user := fmt.Sprintf("u%d", u)
			var mine []string
			for i := 0; i < perUser; i++ {
				if len(mine) > 0 && rnd.Intn(6) == 0 {
					_, err := f.engine.CancelOrder(ctx, mine[rnd.Intn(len(mine))], user)
					if err != nil && !errors.Is(err, domain.ErrNotCancellable) && !errors.Is(err, domain.ErrTransient) {
						errs <- err
						return
					}
					continue
				}
				side := domain.Buy
				if rnd.Intn(2) == 0 {
					side = domain.Sell
				}
				o, err := f.engine.CreateOrder(ctx, CreateOrderRequest{
					UserID: user,
					Symbol: symbols[rnd.Intn(len(symbols))],
					Side:   side,
					Price:  decimal.NewFromInt(int64(95 + rnd.Intn(11))),
					Amount: decimal.New(int64(1+rnd.Intn(20)), -1),
				})
				if err != nil {
					// cross-symbol lock cycles may exhaust retries
					if errors.Is(err, domain.ErrInsufficientFunds) || errors.Is(err, domain.ErrTransient) {
						continue
					}
					errs <- err
					return
				}
				mine = append(mine, o.ID)
			}
		}(u)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	trades := f.events.trades()
	require.NotEmpty(t, trades)
	commission := decimal.Zero
	for _, tr := range trades {
		commission = commission.Add(tr.Commission)
	}

	totals := map[string]decimal.Decimal{}
	for u := 0; u < users; u++ {
		user := fmt.Sprintf("u%d", u)
		expectLocked := map[string]decimal.Decimal{"USD": decimal.Zero, "BTC": decimal.Zero, "ETH": decimal.Zero}

		page, err := f.engine.ListUserOrders(ctx, user, port.OrderFilter{}, port.Page{PerPage: port.MaxPerPage})
		require.NoError(t, err)
		require.Equal(t, len(page.Orders), page.Total)
		for _, o := range page.Orders {
			require.NoError(t, o.Validate())
			if o.Status != domain.Open {
				continue
			}
			base, quote, err := domain.SplitSymbol(o.Symbol)
			require.NoError(t, err)
			asset, amount := reservation(o, base, quote, o.Remaining())
			expectLocked[asset] = expectLocked[asset].Add(amount)
		}

		balances, err := f.engine.GetBalances(ctx, user)
		require.NoError(t, err)
		for _, b := range balances {
			require.NoError(t, b.Validate())
			assert.True(t, b.Locked.Equal(expectLocked[b.Asset]),
				"%s %s locked %s, open orders reserve %s", user, b.Asset, b.Locked, expectLocked[b.Asset])
			totals[b.Asset] = totals[b.Asset].Add(b.Total)
		}
	}

	assert.True(t, totals["BTC"].Equal(d("160")), "BTC conserved: %s", totals["BTC"])
	assert.True(t, totals["ETH"].Equal(d("160")), "ETH conserved: %s", totals["ETH"])
	assert.True(t, totals["USD"].Add(commission).Equal(d("800000")),
		"USD conserved modulo commission: %s + %s", totals["USD"], commission)
}
