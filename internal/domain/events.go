package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type EventType string

const (
	EventOrderBookChanged EventType = "order_book_changed"
	EventOrderMatched     EventType = "order_matched"
	EventOrderCancelled   EventType = "order_cancelled"
	EventBalanceChanged   EventType = "balance_changed"
)

// Event is a fact produced inside a transaction and published after commit.
type Event interface {
	Type() EventType
	// Key groups related events for ordered delivery (symbol or user id).
	Key() string
}

type OrderBookChanged struct {
	Symbol string    `json:"symbol"`
	Buy    []Order   `json:"buy"`
	Sell   []Order   `json:"sell"`
	At     time.Time `json:"at"`
}

func (e OrderBookChanged) Type() EventType { return EventOrderBookChanged }
func (e OrderBookChanged) Key() string     { return e.Symbol }

type OrderMatched struct {
	Trade     Trade `json:"trade"`
	BuyOrder  Order `json:"buy_order"`
	SellOrder Order `json:"sell_order"`
}

func (e OrderMatched) Type() EventType { return EventOrderMatched }
func (e OrderMatched) Key() string     { return e.Trade.Symbol }

type OrderCancelled struct {
	Order Order `json:"order"`
}

func (e OrderCancelled) Type() EventType { return EventOrderCancelled }
func (e OrderCancelled) Key() string     { return e.Order.Symbol }

// Balance change reasons.
const (
	ReasonDeposit      = "deposit"
	ReasonWithdrawal   = "withdrawal"
	ReasonReserve      = "order reserve"
	ReasonRelease      = "order release"
	ReasonTrade        = "trade settlement"
	ReasonCommission   = "commission deduction"
	ReasonFeeIncome    = "commission income"
	ReasonAccountSetup = "account setup"
)

type BalanceChanged struct {
	UserID string          `json:"user_id"`
	Asset  string          `json:"asset"`
	Total  decimal.Decimal `json:"total"`
	Locked decimal.Decimal `json:"locked"`
	Reason string          `json:"reason"`
}

func (e BalanceChanged) Type() EventType { return EventBalanceChanged }
func (e BalanceChanged) Key() string     { return e.UserID }

// Envelope is the wire form of an event for downstream consumers.
type Envelope struct {
	Type EventType `json:"type"`
	Key  string    `json:"key"`
	At   time.Time `json:"at"`
	Data Event     `json:"data"`
}

func NewEnvelope(ev Event, at time.Time) Envelope {
	return Envelope{Type: ev.Type(), Key: ev.Key(), At: at, Data: ev}
}
