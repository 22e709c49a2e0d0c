package pg

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/olyamironova/spot-exchange/internal/domain"
	"github.com/olyamironova/spot-exchange/internal/port"
)

type pgTx struct {
	tx pgx.Tx
}

var _ port.Tx = (*pgTx)(nil)

func (t *pgTx) GetBalanceForUpdate(ctx context.Context, userID, asset string) (*domain.Balance, error) {
	b, err := scanBalance(t.tx.QueryRow(ctx, `SELECT user_id, asset, total::text, locked::text, updated_at
FROM balances WHERE user_id = $1 AND asset = $2 FOR UPDATE`, userID, asset))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", domain.ErrBalanceNotFound, userID, asset)
	}
	return b, err
}

func (t *pgTx) InsertBalance(ctx context.Context, b *domain.Balance) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO balances (user_id, asset, total, locked, updated_at)
VALUES ($1, $2, $3, $4, $5)`, b.UserID, b.Asset, b.Total.String(), b.Locked.String(), b.UpdatedAt)
	if err != nil {
		return mapErr(fmt.Errorf("pg: insert balance %s/%s: %w", b.UserID, b.Asset, err))
	}
	return nil
}

func (t *pgTx) UpdateBalance(ctx context.Context, b *domain.Balance) error {
	tag, err := t.tx.Exec(ctx, `UPDATE balances SET total = $3, locked = $4, updated_at = $5
WHERE user_id = $1 AND asset = $2`, b.UserID, b.Asset, b.Total.String(), b.Locked.String(), b.UpdatedAt)
	if err != nil {
		return mapErr(fmt.Errorf("pg: update balance %s/%s: %w", b.UserID, b.Asset, err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s/%s", domain.ErrBalanceNotFound, b.UserID, b.Asset)
	}
	return nil
}

func (t *pgTx) InsertOrder(ctx context.Context, o *domain.Order) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO orders
(id, user_id, symbol, side, price, amount, filled_amount, status, seq, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		o.ID, o.UserID, o.Symbol, o.Side.String(), o.Price.String(), o.Amount.String(),
		o.FilledAmount.String(), o.Status.String(), int64(o.Seq), o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return mapErr(fmt.Errorf("pg: insert order %s: %w", o.ID, err))
	}
	return nil
}

// UpdateOrder writes the mutable columns only.
func (t *pgTx) UpdateOrder(ctx context.Context, o *domain.Order) error {
	tag, err := t.tx.Exec(ctx, `UPDATE orders SET filled_amount = $2, status = $3, updated_at = $4 WHERE id = $1`,
		o.ID, o.FilledAmount.String(), o.Status.String(), o.UpdatedAt)
	if err != nil {
		return mapErr(fmt.Errorf("pg: update order %s: %w", o.ID, err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", domain.ErrOrderNotFound, o.ID)
	}
	return nil
}

func (t *pgTx) GetOrderForUpdate(ctx context.Context, id string) (*domain.Order, error) {
	o, err := scanOrder(t.tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrOrderNotFound, id)
	}
	return o, err
}

func (t *pgTx) InsertTrade(ctx context.Context, tr *domain.Trade) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO trades
(id, symbol, buy_order_id, sell_order_id, price, amount, commission, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		tr.ID, tr.Symbol, tr.BuyOrderID, tr.SellOrderID, tr.Price.String(), tr.Amount.String(),
		tr.Commission.String(), tr.CreatedAt)
	if err != nil {
		return mapErr(fmt.Errorf("pg: insert trade %s: %w", tr.ID, err))
	}
	return nil
}

func (t *pgTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		return mapErr(fmt.Errorf("pg: commit: %w", err))
	}
	return nil
}

// Rollback is safe to call after Commit.
func (t *pgTx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("pg: rollback: %w", err)
	}
	return nil
}
