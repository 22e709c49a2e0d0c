package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/olyamironova/spot-exchange/internal/domain"
	"github.com/olyamironova/spot-exchange/internal/ledger"
	"github.com/olyamironova/spot-exchange/internal/logging"
	"github.com/olyamironova/spot-exchange/internal/metrics"
	"github.com/olyamironova/spot-exchange/internal/port"
	"github.com/olyamironova/spot-exchange/internal/sequence"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	maxBookLimit      = 500
	defaultTradeLimit = 50
	maxTradeLimit     = 500
)

// AssetRegistry is what the engine needs to know about custodied assets.
type AssetRegistry interface {
	ledger.Registry
	MinAmount(symbol string) decimal.Decimal
	DecimalPlaces(symbol string) int32
	FitsPrecision(symbol string, v decimal.Decimal) bool
	ValidateAmount(symbol string, amount decimal.Decimal) error
	DefaultAssets() []string
}

type Config struct {
	CommissionRate decimal.Decimal
	// FeeAccount receives commissions when set.
	FeeAccount string
	QuoteAsset string
	BookDepth  int
	MaxRetries int
}

func NewDefaultConfig() Config {
	return Config{
		CommissionRate: decimal.RequireFromString("0.015"),
		QuoteAsset:     "USD",
		BookDepth:      20,
		MaxRetries:     3,
	}
}

// Deps are the engine's collaborators. Cache, Publisher, Sequencer and
// Metrics are optional.
type Deps struct {
	Repo      port.Repository
	Cache     port.Cache
	Publisher port.Publisher
	Registry  AssetRegistry
	Clock     port.Clock
	IDs       port.IDGenerator
	Sequencer *sequence.Sequencer
	Metrics   *metrics.Metrics
	Log       *logging.Logger
}

type CreateOrderRequest struct {
	UserID string
	Symbol string
	Side   domain.Side
	Price  decimal.Decimal
	Amount decimal.Decimal
}

type symbolBook struct {
	// mu is held for a whole submission or cancellation on the symbol.
	mu   sync.Mutex
	book *OrderBook
}

// Engine is the order lifecycle manager. It validates and places orders,
// runs matching and cancels, each as one store transaction, and publishes
// the resulting events once the transaction has committed.
type Engine struct {
	cfg     Config
	repo    port.Repository
	cache   port.Cache
	pub     port.Publisher
	reg     AssetRegistry
	ledger  *ledger.Ledger
	match   *matcher
	clock   port.Clock
	ids     port.IDGenerator
	seq     *sequence.Sequencer
	metrics *metrics.Metrics
	log     *logging.Logger

	mu    sync.Mutex
	books map[string]*symbolBook
}

func NewEngine(cfg Config, d Deps) *Engine {
	log := d.Log.Named("engine")
	seq := d.Sequencer
	if seq == nil {
		seq = sequence.New(0)
	}
	cfg.QuoteAsset = strings.ToUpper(cfg.QuoteAsset)
	return &Engine{
		cfg:    cfg,
		repo:   d.Repo,
		cache:  d.Cache,
		pub:    d.Publisher,
		reg:    d.Registry,
		ledger: ledger.New(d.Registry, d.Clock, d.Log),
		match: &matcher{
			rate:       cfg.CommissionRate,
			feeAccount: cfg.FeeAccount,
			decimals:   d.Registry.DecimalPlaces,
			ids:        d.IDs,
			clock:      d.Clock,
		},
		clock:   d.Clock,
		ids:     d.IDs,
		seq:     seq,
		metrics: d.Metrics,
		log:     log,
		books:   make(map[string]*symbolBook),
	}
}

// LoadOpenOrdersFromRepo rebuilds every book from persisted open orders,
// moves the sequencer past the highest persisted seq and publishes the
// restored depth of each book. Used on startup.
func (e *Engine) LoadOpenOrdersFromRepo(ctx context.Context) error {
	symbols, err := e.repo.ListSymbols(ctx)
	if err != nil {
		return fmt.Errorf("list symbols: %w", err)
	}
	total := 0
	events := make([]domain.Event, 0, len(symbols))
	for _, symbol := range symbols {
		orders, err := e.repo.LoadOpenOrders(ctx, symbol)
		if err != nil {
			return fmt.Errorf("load open orders for %s: %w", symbol, err)
		}
		book := NewOrderBook(symbol)
		for _, o := range orders {
			book.Insert(*o)
		}
		total += len(orders)

		sb := e.bookFor(symbol)
		sb.mu.Lock()
		sb.book = book
		events = append(events, e.afterBookChange(ctx, book))
		sb.mu.Unlock()
	}
	maxSeq, err := e.repo.MaxSeq(ctx)
	if err != nil {
		return fmt.Errorf("max seq: %w", err)
	}
	e.seq.AdvanceTo(maxSeq)
	e.log.Info("order books restored",
		zap.Int("symbols", len(symbols)), zap.Int("orders", total), zap.Uint64("seq", maxSeq))
	e.publish(ctx, events)
	return nil
}

// CreateOrder validates, reserves funds for and places a limit order, then
// matches it against the book. The returned order reflects final settlement
// state.
func (e *Engine) CreateOrder(ctx context.Context, req CreateOrderRequest) (*domain.Order, error) {
	defer e.metrics.EngineTimeObserve("create_order")()

	base, quote, err := e.validateOrder(&req)
	if err != nil {
		e.reject(err)
		return nil, err
	}

	sb := e.bookFor(req.Symbol)
	sb.mu.Lock()
	defer sb.mu.Unlock()

	now := e.clock.Now().Truncate(time.Microsecond)
	tmpl := domain.Order{
		ID:           e.ids.NewID(),
		UserID:       req.UserID,
		Symbol:       req.Symbol,
		Side:         req.Side,
		Price:        req.Price,
		Amount:       req.Amount,
		FilledAmount: decimal.Zero,
		Status:       domain.Open,
		Seq:          e.seq.Next(),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	var (
		order   *domain.Order
		working *OrderBook
		run     *matchRun
	)
	err = e.retry(ctx, "create_order", func() error {
		o := tmpl
		w := sb.book.Clone()
		r, err := e.place(ctx, &o, w, base, quote)
		if err != nil {
			return err
		}
		order, working, run = &o, w, r
		return nil
	})
	if err != nil {
		e.reject(err)
		if errors.Is(err, domain.ErrInvariantViolation) {
			e.log.Error("order placement aborted",
				zap.String("order_id", tmpl.ID), zap.String("user_id", tmpl.UserID),
				zap.String("symbol", tmpl.Symbol), zap.Error(err))
		}
		return nil, err
	}

	sb.book = working
	events := append(run.events, e.afterBookChange(ctx, working))

	e.metrics.OrderAccepted(order.Symbol, order.Side.String())
	for _, t := range run.trades {
		e.metrics.TradeExecuted(t.Symbol, t.Amount.InexactFloat64())
	}
	e.log.Debug("order placed",
		zap.String("order_id", order.ID), zap.String("symbol", order.Symbol),
		zap.Stringer("side", order.Side), zap.Stringer("status", order.Status),
		zap.Int("trades", len(run.trades)))

	e.publish(ctx, events)
	out := *order
	return &out, nil
}

// place runs one attempt of an order submission on a working copy of the
// book.
func (e *Engine) place(ctx context.Context, o *domain.Order, book *OrderBook, base, quote string) (*matchRun, error) {
	var run *matchRun
	err := withTx(ctx, e.repo, func(tx port.Tx) error {
		ls := e.ledger.Session(tx)
		if err := tx.InsertOrder(ctx, o); err != nil {
			return err
		}
		asset, amount := reservation(o, base, quote, o.Amount)
		if err := ls.Reserve(ctx, o.UserID, asset, amount); err != nil {
			return err
		}
		book.Insert(*o)

		r := &matchRun{tx: tx, ls: ls, book: book, base: base, quote: quote}
		if err := e.match.run(ctx, r, o); err != nil {
			return err
		}
		if len(r.trades) > 0 {
			if err := tx.UpdateOrder(ctx, o); err != nil {
				return err
			}
		}
		if err := o.Validate(); err != nil {
			return err
		}
		r.events = append(ls.Events(), r.events...)
		run = r
		return nil
	})
	return run, err
}

// CancelOrder cancels an open order owned by userID and releases the
// reservation still held for its unfilled remainder.
func (e *Engine) CancelOrder(ctx context.Context, orderID, userID string) (*domain.Order, error) {
	defer e.metrics.EngineTimeObserve("cancel_order")()

	existing, err := e.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if existing.UserID != userID {
		return nil, fmt.Errorf("%w: order %s", domain.ErrNotOwner, orderID)
	}
	base, quote, err := domain.SplitSymbol(existing.Symbol)
	if err != nil {
		return nil, err
	}

	sb := e.bookFor(existing.Symbol)
	sb.mu.Lock()
	defer sb.mu.Unlock()

	var (
		cancelled *domain.Order
		working   *OrderBook
		events    []domain.Event
	)
	err = e.retry(ctx, "cancel_order", func() error {
		w := sb.book.Clone()
		var (
			out *domain.Order
			evs []domain.Event
		)
		err := withTx(ctx, e.repo, func(tx port.Tx) error {
			o, err := tx.GetOrderForUpdate(ctx, orderID)
			if err != nil {
				return err
			}
			if o.UserID != userID {
				return fmt.Errorf("%w: order %s", domain.ErrNotOwner, orderID)
			}
			if err := o.Cancel(e.clock.Now()); err != nil {
				return err
			}
			ls := e.ledger.Session(tx)
			if asset, amount := reservation(o, base, quote, o.Remaining()); amount.IsPositive() {
				if err := ls.Release(ctx, o.UserID, asset, amount); err != nil {
					return err
				}
			}
			if err := tx.UpdateOrder(ctx, o); err != nil {
				return err
			}
			if !w.Remove(*o) {
				e.log.Warn("cancelled order was not in the book",
					zap.String("order_id", o.ID), zap.String("symbol", o.Symbol))
			}
			out = o
			evs = append(ls.Events(), domain.OrderCancelled{Order: *o})
			return nil
		})
		if err != nil {
			return err
		}
		cancelled, working, events = out, w, evs
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrInvariantViolation) {
			e.log.Error("order cancellation aborted",
				zap.String("order_id", orderID), zap.String("user_id", userID), zap.Error(err))
		}
		return nil, err
	}

	sb.book = working
	events = append(events, e.afterBookChange(ctx, working))
	e.metrics.OrderCancelled(cancelled.Symbol)
	e.publish(ctx, events)
	return cancelled, nil
}

// GetOrderBook returns up to limit orders per side, best first. Reads within
// the configured depth are served from the snapshot cache when possible.
func (e *Engine) GetOrderBook(ctx context.Context, symbol string, limit int) (*domain.OrderbookSnapshot, error) {
	base, quote, err := domain.SplitSymbol(symbol)
	if err != nil {
		return nil, err
	}
	symbol = base + "-" + quote
	if limit <= 0 {
		limit = e.cfg.BookDepth
	}
	if limit > maxBookLimit {
		limit = maxBookLimit
	}

	if limit <= e.cfg.BookDepth {
		if snap := e.cachedSnapshot(ctx, symbol); snap != nil {
			return truncate(snap, limit), nil
		}
	}

	sb := e.existingBook(symbol)
	if sb == nil {
		return &domain.OrderbookSnapshot{
			Symbol:    symbol,
			Bids:      []domain.Order{},
			Asks:      []domain.Order{},
			Timestamp: e.clock.Now(),
		}, nil
	}
	sb.mu.Lock()
	defer sb.mu.Unlock()
	now := e.clock.Now()
	e.updateCache(ctx, snapshotOf(sb.book, e.cfg.BookDepth, now))
	return snapshotOf(sb.book, limit, now), nil
}

func (e *Engine) ListUserOrders(ctx context.Context, userID string, f port.OrderFilter, p port.Page) (*port.OrderPage, error) {
	p = p.Normalize()
	f.Symbol = strings.ToUpper(f.Symbol)
	orders, total, err := e.repo.ListUserOrders(ctx, userID, f, p)
	if err != nil {
		return nil, err
	}
	last := (total + p.PerPage - 1) / p.PerPage
	if last < 1 {
		last = 1
	}
	return &port.OrderPage{
		Orders:   orders,
		Total:    total,
		Page:     p.Number,
		PerPage:  p.PerPage,
		LastPage: last,
	}, nil
}

func (e *Engine) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	return e.repo.GetOrder(ctx, orderID)
}

func (e *Engine) GetTradesForOrder(ctx context.Context, orderID string) ([]*domain.Trade, error) {
	if _, err := e.repo.GetOrder(ctx, orderID); err != nil {
		return nil, err
	}
	return e.repo.LoadTradesForOrder(ctx, orderID)
}

// ListUserTrades returns the user's most recent trades on either side.
func (e *Engine) ListUserTrades(ctx context.Context, userID string, limit int) ([]*domain.Trade, error) {
	if limit <= 0 {
		limit = defaultTradeLimit
	}
	if limit > maxTradeLimit {
		limit = maxTradeLimit
	}
	return e.repo.ListUserTrades(ctx, userID, limit)
}

func (e *Engine) Deposit(ctx context.Context, userID, asset string, amount decimal.Decimal) (*domain.Balance, error) {
	return e.adjust(ctx, "deposit", userID, asset, amount,
		func(ctx context.Context, ls *ledger.Session, asset string) error {
			return ls.Credit(ctx, userID, asset, amount, domain.ReasonDeposit)
		})
}

// Withdraw debits available funds; locked funds cannot be withdrawn.
func (e *Engine) Withdraw(ctx context.Context, userID, asset string, amount decimal.Decimal) (*domain.Balance, error) {
	return e.adjust(ctx, "withdraw", userID, asset, amount,
		func(ctx context.Context, ls *ledger.Session, asset string) error {
			return ls.Debit(ctx, userID, asset, amount, domain.ReasonWithdrawal)
		})
}

func (e *Engine) adjust(
	ctx context.Context,
	op, userID, asset string,
	amount decimal.Decimal,
	apply func(context.Context, *ledger.Session, string) error,
) (*domain.Balance, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: missing user", domain.ErrInvalidOrder)
	}
	asset = strings.ToUpper(strings.TrimSpace(asset))
	if err := e.reg.ValidateAmount(asset, amount); err != nil {
		return nil, err
	}

	var (
		bal    *domain.Balance
		events []domain.Event
	)
	err := e.retry(ctx, op, func() error {
		return withTx(ctx, e.repo, func(tx port.Tx) error {
			ls := e.ledger.Session(tx)
			if err := apply(ctx, ls, asset); err != nil {
				return err
			}
			b, err := tx.GetBalanceForUpdate(ctx, userID, asset)
			if err != nil {
				return err
			}
			bal, events = b, ls.Events()
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	e.log.Info("balance adjusted",
		zap.String("op", op), zap.String("user_id", userID),
		zap.String("asset", asset), zap.Stringer("amount", amount))
	e.publish(ctx, events)
	return bal, nil
}

// InitializeAccount creates zero balances for every default asset the user
// does not hold yet and returns all of the user's balances.
func (e *Engine) InitializeAccount(ctx context.Context, userID string) ([]*domain.Balance, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: missing user", domain.ErrInvalidOrder)
	}
	var events []domain.Event
	err := e.retry(ctx, "initialize_account", func() error {
		return withTx(ctx, e.repo, func(tx port.Tx) error {
			ls := e.ledger.Session(tx)
			for _, asset := range e.reg.DefaultAssets() {
				if _, _, err := ls.Open(ctx, userID, asset); err != nil {
					return err
				}
			}
			events = ls.Events()
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	e.publish(ctx, events)
	return e.repo.ListBalances(ctx, userID)
}

func (e *Engine) GetBalances(ctx context.Context, userID string) ([]*domain.Balance, error) {
	return e.repo.ListBalances(ctx, userID)
}

func (e *Engine) validateOrder(req *CreateOrderRequest) (base, quote string, err error) {
	if req.UserID == "" {
		return "", "", fmt.Errorf("%w: missing user", domain.ErrInvalidOrder)
	}
	if req.Side != domain.Buy && req.Side != domain.Sell {
		return "", "", fmt.Errorf("%w: %d", domain.ErrInvalidSide, req.Side)
	}
	base, quote, err = domain.SplitSymbol(req.Symbol)
	if err != nil {
		return "", "", err
	}
	if quote != e.cfg.QuoteAsset || base == quote {
		return "", "", fmt.Errorf("%w: %s does not trade against %s", domain.ErrUnknownSymbol, req.Symbol, e.cfg.QuoteAsset)
	}
	if !e.reg.IsSupported(base) || !e.reg.IsSupported(quote) {
		return "", "", fmt.Errorf("%w: %s", domain.ErrUnsupportedAsset, req.Symbol)
	}
	req.Symbol = base + "-" + quote
	if !req.Price.IsPositive() {
		return "", "", fmt.Errorf("%w: %s must be positive", domain.ErrInvalidPrice, req.Price)
	}
	if !e.reg.FitsPrecision(quote, req.Price) {
		return "", "", fmt.Errorf("%w: %s has more than %d decimal places", domain.ErrInvalidPrice, req.Price, e.reg.DecimalPlaces(quote))
	}
	if !req.Amount.IsPositive() {
		return "", "", fmt.Errorf("%w: %s must be positive", domain.ErrInvalidAmount, req.Amount)
	}
	if !e.reg.FitsPrecision(base, req.Amount) {
		return "", "", fmt.Errorf("%w: %s has more than %d decimal places", domain.ErrInvalidAmount, req.Amount, e.reg.DecimalPlaces(base))
	}
	if minimum := e.reg.MinAmount(base); req.Amount.LessThan(minimum) {
		return "", "", fmt.Errorf("%w: %s is below minimum %s", domain.ErrInvalidAmount, req.Amount, minimum)
	}
	return base, quote, nil
}

// reservation returns the asset and amount an order locks for qty units.
func reservation(o *domain.Order, base, quote string, qty decimal.Decimal) (string, decimal.Decimal) {
	if o.Side == domain.Buy {
		return quote, o.Price.Mul(qty)
	}
	return base, qty
}

func (e *Engine) bookFor(symbol string) *symbolBook {
	e.mu.Lock()
	defer e.mu.Unlock()
	sb, ok := e.books[symbol]
	if !ok {
		sb = &symbolBook{book: NewOrderBook(symbol)}
		e.books[symbol] = sb
	}
	return sb
}

func (e *Engine) existingBook(symbol string) *symbolBook {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.books[symbol]
}

// afterBookChange refreshes the cache and gauges for a book that has just
// become live and returns the change event. Callers hold the symbol lock.
func (e *Engine) afterBookChange(ctx context.Context, book *OrderBook) domain.Event {
	snap := snapshotOf(book, e.cfg.BookDepth, e.clock.Now())
	e.updateCache(ctx, snap)
	e.metrics.BookDepthSet(book.Symbol(), book.Len(domain.Buy), book.Len(domain.Sell))
	return domain.OrderBookChanged{
		Symbol: snap.Symbol,
		Buy:    snap.Bids,
		Sell:   snap.Asks,
		At:     snap.Timestamp,
	}
}

// publish hands committed events to the publisher. Failures are logged and
// never undo the transaction.
func (e *Engine) publish(ctx context.Context, events []domain.Event) {
	if e.pub == nil || len(events) == 0 {
		return
	}
	if err := e.pub.Publish(context.WithoutCancel(ctx), events); err != nil {
		e.log.Warn("event publish failed", zap.Int("events", len(events)), zap.Error(err))
		e.metrics.PublishFailed("fanout")
	}
}

func (e *Engine) reject(err error) {
	e.metrics.OrderRejected(errorKind(err))
}

// errorKind names an error's class for metrics and API mapping.
func errorKind(err error) string {
	switch {
	case errors.Is(err, domain.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, domain.ErrUnsupportedAsset):
		return "unsupported_asset"
	case errors.Is(err, domain.ErrInvalidOrder):
		return "invalid"
	case errors.Is(err, domain.ErrTransient):
		return "transient"
	default:
		return "internal"
	}
}
