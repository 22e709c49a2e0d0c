package port

import (
	"context"
	"math"
	"time"

	"github.com/olyamironova/spot-exchange/internal/domain"
)

type Repository interface {
	BeginTx(ctx context.Context) (Tx, error)

	GetOrder(ctx context.Context, id string) (*domain.Order, error)
	ListUserOrders(ctx context.Context, userID string, f OrderFilter, p Page) ([]*domain.Order, int, error)
	// LoadOpenOrders returns open orders for a symbol ordered by created_at, seq.
	LoadOpenOrders(ctx context.Context, symbol string) ([]*domain.Order, error)
	ListSymbols(ctx context.Context) ([]string, error)
	MaxSeq(ctx context.Context) (uint64, error)

	LoadTradesForOrder(ctx context.Context, orderID string) ([]*domain.Trade, error)
	ListUserTrades(ctx context.Context, userID string, limit int) ([]*domain.Trade, error)

	GetBalance(ctx context.Context, userID, asset string) (*domain.Balance, error)
	ListBalances(ctx context.Context, userID string) ([]*domain.Balance, error)
}

// BalanceStore is the row-level view the ledger works against. Reads through
// it lock the row until the owning transaction ends.
type BalanceStore interface {
	// GetBalanceForUpdate returns domain.ErrBalanceNotFound when the row does not exist.
	GetBalanceForUpdate(ctx context.Context, userID, asset string) (*domain.Balance, error)
	InsertBalance(ctx context.Context, b *domain.Balance) error
	UpdateBalance(ctx context.Context, b *domain.Balance) error
}

type Tx interface {
	BalanceStore

	InsertOrder(ctx context.Context, o *domain.Order) error
	UpdateOrder(ctx context.Context, o *domain.Order) error
	GetOrderForUpdate(ctx context.Context, id string) (*domain.Order, error)
	InsertTrade(ctx context.Context, t *domain.Trade) error

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

type OrderFilter struct {
	Symbol string
	Side   domain.Side
	Status domain.OrderStatus
	From   time.Time
	To     time.Time
}

// Match reports whether o passes every set field of the filter.
func (f OrderFilter) Match(o *domain.Order) bool {
	switch {
	case f.Symbol != "" && o.Symbol != f.Symbol:
		return false
	case f.Side != 0 && o.Side != f.Side:
		return false
	case f.Status != 0 && o.Status != f.Status:
		return false
	case !f.From.IsZero() && o.CreatedAt.Before(f.From):
		return false
	case !f.To.IsZero() && o.CreatedAt.After(f.To):
		return false
	}
	return true
}

const (
	DefaultPerPage = 10
	MaxPerPage     = 100
	// MaxPageNumber keeps Offset well inside int32 and a postgres OFFSET.
	MaxPageNumber = math.MaxInt32 / MaxPerPage
)

type Page struct {
	Number  int
	PerPage int
}

func (p Page) Normalize() Page {
	if p.Number < 1 {
		p.Number = 1
	}
	if p.Number > MaxPageNumber {
		p.Number = MaxPageNumber
	}
	if p.PerPage < 1 {
		p.PerPage = DefaultPerPage
	}
	if p.PerPage > MaxPerPage {
		p.PerPage = MaxPerPage
	}
	return p
}

func (p Page) Offset() int {
	return (p.Number - 1) * p.PerPage
}

type OrderPage struct {
	Orders   []*domain.Order
	Total    int
	Page     int
	PerPage  int
	LastPage int
}
