package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Trade is an immutable record of one match. It references the orders it
// settled; orders hold no pointer back.
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

func (t *Trade) Value() decimal.Decimal {
	return t.Amount.Mul(t.Price)
}
