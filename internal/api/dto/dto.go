package dto

import (
	"time"

	"github.com/olyamironova/spot-exchange/internal/domain"
	"github.com/olyamironova/spot-exchange/internal/port"
	"github.com/shopspring/decimal"
)

// Decimal fields travel as strings so no precision is lost in transit.

type CreateOrderRequest struct {
	Symbol string          `json:"symbol" binding:"required"`
	Side   string          `json:"side" binding:"required"`
	Price  decimal.Decimal `json:"price"`
	Amount decimal.Decimal `json:"amount"`
}

type BalanceChangeRequest struct {
	Asset  string          `json:"asset" binding:"required"`
	Amount decimal.Decimal `json:"amount"`
}

type ListOrdersQuery struct {
	Symbol  string    `form:"symbol"`
	Side    string    `form:"side"`
	Status  string    `form:"status"`
	From    time.Time `form:"from" time_format:"2006-01-02T15:04:05Z07:00"`
	To      time.Time `form:"to" time_format:"2006-01-02T15:04:05Z07:00"`
	Page    int       `form:"page"`
	PerPage int       `form:"per_page"`
}

// Filter parses the textual side and status.
func (q ListOrdersQuery) Filter() (port.OrderFilter, error) {
	f := port.OrderFilter{Symbol: q.Symbol, From: q.From, To: q.To}
	var err error
	if q.Side != "" {
		if f.Side, err = domain.ParseSide(q.Side); err != nil {
			return f, err
		}
	}
	if q.Status != "" {
		if f.Status, err = domain.ParseOrderStatus(q.Status); err != nil {
			return f, err
		}
	}
	return f, nil
}

type Order struct {
	ID           string          `json:"id"`
	UserID       string          `json:"user_id"`
	Symbol       string          `json:"symbol"`
	Side         string          `json:"side"`
	Price        decimal.Decimal `json:"price"`
	Amount       decimal.Decimal `json:"amount"`
	FilledAmount decimal.Decimal `json:"filled_amount"`
	Remaining    decimal.Decimal `json:"remaining"`
	Status       string          `json:"status"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

type Trade struct {
	ID          string          `json:"id"`
	Symbol      string          `json:"symbol"`
	BuyOrderID  string          `json:"buy_order_id"`
	SellOrderID string          `json:"sell_order_id"`
	Price       decimal.Decimal `json:"price"`
	Amount      decimal.Decimal `json:"amount"`
	Commission  decimal.Decimal `json:"commission"`
	CreatedAt   time.Time       `json:"created_at"`
}

type Balance struct {
	Asset     string          `json:"asset"`
	Total     decimal.Decimal `json:"total"`
	Locked    decimal.Decimal `json:"locked"`
	Available decimal.Decimal `json:"available"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type OrderPage struct {
	Orders   []Order `json:"orders"`
	Total    int     `json:"total"`
	Page     int     `json:"page"`
	PerPage  int     `json:"per_page"`
	LastPage int     `json:"last_page"`
}

type OrderBook struct {
	Symbol    string    `json:"symbol"`
	Bids      []Order   `json:"bids"`
	Asks      []Order   `json:"asks"`
	Timestamp time.Time `json:"timestamp"`
}

type Error struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func FromOrder(o *domain.Order) Order {
	return Order{
		ID:           o.ID,
		UserID:       o.UserID,
		Symbol:       o.Symbol,
		Side:         o.Side.String(),
		Price:        o.Price,
		Amount:       o.Amount,
		FilledAmount: o.FilledAmount,
		Remaining:    o.Remaining(),
		Status:       o.Status.String(),
		CreatedAt:    o.CreatedAt,
		UpdatedAt:    o.UpdatedAt,
	}
}

func FromOrders(orders []domain.Order) []Order {
	res := make([]Order, len(orders))
	for i := range orders {
		res[i] = FromOrder(&orders[i])
	}
	return res
}

func FromOrderPtrs(orders []*domain.Order) []Order {
	res := make([]Order, len(orders))
	for i, o := range orders {
		res[i] = FromOrder(o)
	}
	return res
}

func FromTrades(trades []*domain.Trade) []Trade {
	res := make([]Trade, len(trades))
	for i, t := range trades {
		res[i] = Trade{
			ID:          t.ID,
			Symbol:      t.Symbol,
			BuyOrderID:  t.BuyOrderID,
			SellOrderID: t.SellOrderID,
			Price:       t.Price,
			Amount:      t.Amount,
			Commission:  t.Commission,
			CreatedAt:   t.CreatedAt,
		}
	}
	return res
}

func FromBalance(b *domain.Balance) Balance {
	return Balance{
		Asset:     b.Asset,
		Total:     b.Total,
		Locked:    b.Locked,
		Available: b.Available(),
		UpdatedAt: b.UpdatedAt,
	}
}

func FromBalances(bs []*domain.Balance) []Balance {
	res := make([]Balance, len(bs))
	for i, b := range bs {
		res[i] = FromBalance(b)
	}
	return res
}

func FromOrderPage(p *port.OrderPage) OrderPage {
	return OrderPage{
		Orders:   FromOrderPtrs(p.Orders),
		Total:    p.Total,
		Page:     p.Page,
		PerPage:  p.PerPage,
		LastPage: p.LastPage,
	}
}

func FromSnapshot(s *domain.OrderbookSnapshot) OrderBook {
	return OrderBook{
		Symbol:    s.Symbol,
		Bids:      FromOrders(s.Bids),
		Asks:      FromOrders(s.Asks),
		Timestamp: s.Timestamp,
	}
}
