package core

import (
	"context"
	"fmt"

	"github.com/olyamironova/spot-exchange/internal/domain"
	"github.com/olyamironova/spot-exchange/internal/ledger"
	"github.com/olyamironova/spot-exchange/internal/port"
	"github.com/shopspring/decimal"
)

// matcher runs the matching loop for one aggressor inside the caller's
// transaction. Every write goes through tx, the ledger session or the
// working book; nothing here is visible until the caller commits.
type matcher struct {
	rate       decimal.Decimal
	feeAccount string
	decimals   func(asset string) int32
	ids        port.IDGenerator
	clock      port.Clock
}

type matchRun struct {
	tx    port.Tx
	ls    *ledger.Session
	book  *OrderBook
	base  string
	quote string

	trades []*domain.Trade
	events []domain.Event
}

// run matches order against book until it is filled or nothing crosses.
// order must already be resting in book.
func (m *matcher) run(ctx context.Context, r *matchRun, order *domain.Order) error {
	for order.Status == domain.Open && order.Remaining().IsPositive() {
		counter, ok := r.book.BestOpposing(order.Side, order.Price)
		if !ok {
			break
		}
		if err := m.execute(ctx, r, order, &counter); err != nil {
			return err
		}
	}
	return nil
}

func (m *matcher) execute(ctx context.Context, r *matchRun, aggressor, resting *domain.Order) error {
	now := m.clock.Now()

	qty := decimal.Min(aggressor.Remaining(), resting.Remaining())
	price := resting.Price
	value := qty.Mul(price)
	commission := value.Mul(m.rate).Round(m.decimals(r.quote))

	if err := aggressor.Fill(qty, now); err != nil {
		return err
	}
	if err := resting.Fill(qty, now); err != nil {
		return err
	}
	r.book.Insert(*aggressor)
	r.book.Insert(*resting)
	if err := r.tx.UpdateOrder(ctx, resting); err != nil {
		return err
	}

	buy, sell := aggressor, resting
	if aggressor.Side == domain.Sell {
		buy, sell = resting, aggressor
	}

	trade := &domain.Trade{
		ID:          m.ids.NewID(),
		Symbol:      aggressor.Symbol,
		BuyOrderID:  buy.ID,
		SellOrderID: sell.ID,
		Price:       price,
		Amount:      qty,
		Commission:  commission,
		CreatedAt:   now,
	}
	if err := r.tx.InsertTrade(ctx, trade); err != nil {
		return err
	}

	if err := m.settle(ctx, r, buy, sell, trade); err != nil {
		return err
	}

	r.trades = append(r.trades, trade)
	r.events = append(r.events, domain.OrderMatched{
		Trade:     *trade,
		BuyOrder:  *buy,
		SellOrder: *sell,
	})
	return nil
}

// settle moves funds for one trade. The buyer's quote lock pays the seller,
// the seller's base lock pays the buyer, and the commission is taken once
// from the seller's proceeds.
func (m *matcher) settle(ctx context.Context, r *matchRun, buy, sell *domain.Order, t *domain.Trade) error {
	value := t.Value()

	if err := r.ls.SettleLockedToTransfer(ctx, buy.UserID, sell.UserID, r.quote, value); err != nil {
		return err
	}
	// a buy that traded under its limit gives back the unused part of its lock
	if improvement := t.Amount.Mul(buy.Price.Sub(t.Price)); improvement.IsPositive() {
		if err := r.ls.Release(ctx, buy.UserID, r.quote, improvement); err != nil {
			return err
		}
	}
	if err := r.ls.SettleLockedToTransfer(ctx, sell.UserID, buy.UserID, r.base, t.Amount); err != nil {
		return err
	}
	if !t.Commission.IsPositive() {
		return nil
	}
	if err := r.ls.Debit(ctx, sell.UserID, r.quote, t.Commission, domain.ReasonCommission); err != nil {
		return fmt.Errorf("commission on trade %s: %w", t.ID, err)
	}
	if m.feeAccount != "" {
		if err := r.ls.Credit(ctx, m.feeAccount, r.quote, t.Commission, domain.ReasonFeeIncome); err != nil {
			return fmt.Errorf("commission income on trade %s: %w", t.ID, err)
		}
	}
	return nil
}
