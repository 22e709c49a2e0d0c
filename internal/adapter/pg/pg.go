package pg

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/olyamironova/spot-exchange/internal/domain"
	"github.com/olyamironova/spot-exchange/internal/port"
	"github.com/shopspring/decimal"
)

//go:embed schema.sql
var schema string

var _ port.Repository = (*PgRepo)(nil)

type PgRepo struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

// NewPgRepo opens a pool and pings it. Call Close when finished.
// lockTimeout bounds every row-lock wait inside a transaction; a wait that
// runs out surfaces as domain.ErrConflict.
func NewPgRepo(ctx context.Context, dsn string, lockTimeout time.Duration) (*PgRepo, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pg: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pg: ping: %w", err)
	}
	return &PgRepo{pool: pool, lockTimeout: lockTimeout}, nil
}

func (p *PgRepo) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

// Migrate creates the tables if they do not exist yet.
func (p *PgRepo) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("pg: migrate: %w", err)
	}
	return nil
}

func (p *PgRepo) BeginTx(ctx context.Context) (port.Tx, error) {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, mapErr(fmt.Errorf("pg: begin: %w", err))
	}
	if p.lockTimeout > 0 {
		// SET does not take bind parameters.
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", p.lockTimeout.Milliseconds())
		if _, err := tx.Exec(ctx, stmt); err != nil {
			_ = tx.Rollback(ctx)
			return nil, fmt.Errorf("pg: set lock_timeout: %w", err)
		}
	}
	return &pgTx{tx: tx}, nil
}

const orderColumns = `id, user_id, symbol, side, price::text, amount::text, filled_amount::text, status, seq, created_at, updated_at`

const tradeColumns = `t.id, t.symbol, t.buy_order_id, t.sell_order_id, t.price::text, t.amount::text, t.commission::text, t.created_at`

func (p *PgRepo) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	o, err := scanOrder(p.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrOrderNotFound, id)
	}
	return o, err
}

func (p *PgRepo) ListUserOrders(ctx context.Context, userID string, f port.OrderFilter, page port.Page) ([]*domain.Order, int, error) {
	where := []string{"user_id = $1"}
	args := []any{userID}
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.Symbol != "" {
		add("symbol = $%d", f.Symbol)
	}
	if f.Side != 0 {
		add("side = $%d", f.Side.String())
	}
	if f.Status != 0 {
		add("status = $%d", f.Status.String())
	}
	if !f.From.IsZero() {
		add("created_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("created_at <= $%d", f.To)
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := p.pool.QueryRow(ctx, `SELECT count(*) FROM orders WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pg: count orders: %w", err)
	}

	page = page.Normalize()
	args = append(args, page.PerPage, page.Offset())
	q := fmt.Sprintf(`SELECT %s FROM orders WHERE %s ORDER BY created_at DESC, seq DESC LIMIT $%d OFFSET $%d`,
		orderColumns, cond, len(args)-1, len(args))
	orders, err := p.queryOrders(ctx, q, args...)
	if err != nil {
		return nil, 0, err
	}
	return orders, total, nil
}

// LoadOpenOrders returns open orders for a symbol oldest first.
func (p *PgRepo) LoadOpenOrders(ctx context.Context, symbol string) ([]*domain.Order, error) {
	return p.queryOrders(ctx, `SELECT `+orderColumns+` FROM orders
WHERE symbol = $1 AND status = 'open'
ORDER BY created_at ASC, seq ASC`, symbol)
}

func (p *PgRepo) ListSymbols(ctx context.Context) ([]string, error) {
	rows, err := p.pool.Query(ctx, `SELECT DISTINCT symbol FROM orders WHERE status = 'open' ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("pg: list symbols: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (p *PgRepo) MaxSeq(ctx context.Context) (uint64, error) {
	var seq int64
	if err := p.pool.QueryRow(ctx, `SELECT COALESCE(MAX(seq), 0) FROM orders`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("pg: max seq: %w", err)
	}
	return uint64(seq), nil
}

func (p *PgRepo) LoadTradesForOrder(ctx context.Context, orderID string) ([]*domain.Trade, error) {
	return p.queryTrades(ctx, `SELECT `+tradeColumns+` FROM trades t
WHERE t.buy_order_id = $1 OR t.sell_order_id = $1
ORDER BY t.trade_no ASC`, orderID)
}

func (p *PgRepo) ListUserTrades(ctx context.Context, userID string, limit int) ([]*domain.Trade, error) {
	q := `SELECT ` + tradeColumns + ` FROM trades t
JOIN orders b ON b.id = t.buy_order_id
JOIN orders s ON s.id = t.sell_order_id
WHERE b.user_id = $1 OR s.user_id = $1
ORDER BY t.trade_no DESC`
	args := []any{userID}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}
	return p.queryTrades(ctx, q, args...)
}

func (p *PgRepo) GetBalance(ctx context.Context, userID, asset string) (*domain.Balance, error) {
	b, err := scanBalance(p.pool.QueryRow(ctx, `SELECT user_id, asset, total::text, locked::text, updated_at
FROM balances WHERE user_id = $1 AND asset = $2`, userID, asset))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", domain.ErrBalanceNotFound, userID, asset)
	}
	return b, err
}

func (p *PgRepo) ListBalances(ctx context.Context, userID string) ([]*domain.Balance, error) {
	rows, err := p.pool.Query(ctx, `SELECT user_id, asset, total::text, locked::text, updated_at
FROM balances WHERE user_id = $1 ORDER BY asset`, userID)
	if err != nil {
		return nil, fmt.Errorf("pg: list balances: %w", err)
	}
	defer rows.Close()
	var res []*domain.Balance
	for rows.Next() {
		b, err := scanBalance(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

func (p *PgRepo) queryOrders(ctx context.Context, q string, args ...any) ([]*domain.Order, error) {
	rows, err := p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("pg: query orders: %w", err)
	}
	defer rows.Close()
	var res []*domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

func (p *PgRepo) queryTrades(ctx context.Context, q string, args ...any) ([]*domain.Trade, error) {
	rows, err := p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("pg: query trades: %w", err)
	}
	defer rows.Close()
	var res []*domain.Trade
	for rows.Next() {
		var (
			t                         domain.Trade
			price, amount, commission string
		)
		if err := rows.Scan(&t.ID, &t.Symbol, &t.BuyOrderID, &t.SellOrderID, &price, &amount, &commission, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("pg: scan trade: %w", err)
		}
		if err := parseDecimals(map[*decimal.Decimal]string{&t.Price: price, &t.Amount: amount, &t.Commission: commission}); err != nil {
			return nil, err
		}
		res = append(res, &t)
	}
	return res, rows.Err()
}

func scanOrder(row pgx.Row) (*domain.Order, error) {
	var (
		o                     domain.Order
		side, status          string
		price, amount, filled string
		seq                   int64
	)
	if err := row.Scan(&o.ID, &o.UserID, &o.Symbol, &side, &price, &amount, &filled, &status, &seq, &o.CreatedAt, &o.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, mapErr(fmt.Errorf("pg: scan order: %w", err))
	}
	var err error
	if o.Side, err = domain.ParseSide(side); err != nil {
		return nil, err
	}
	if o.Status, err = domain.ParseOrderStatus(status); err != nil {
		return nil, err
	}
	if err := parseDecimals(map[*decimal.Decimal]string{&o.Price: price, &o.Amount: amount, &o.FilledAmount: filled}); err != nil {
		return nil, err
	}
	o.Seq = uint64(seq)
	return &o, nil
}

func scanBalance(row pgx.Row) (*domain.Balance, error) {
	var (
		b             domain.Balance
		total, locked string
	)
	if err := row.Scan(&b.UserID, &b.Asset, &total, &locked, &b.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, mapErr(fmt.Errorf("pg: scan balance: %w", err))
	}
	if err := parseDecimals(map[*decimal.Decimal]string{&b.Total: total, &b.Locked: locked}); err != nil {
		return nil, err
	}
	return &b, nil
}

// Numerics are read as text so no precision is lost on the way in.
func parseDecimals(fields map[*decimal.Decimal]string) error {
	for dst, s := range fields {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return fmt.Errorf("pg: parse numeric %q: %w", s, err)
		}
		*dst = d
	}
	return nil
}

// mapErr turns serialization failures, deadlocks, lock timeouts and unique
// violations into domain.ErrConflict so the engine retries them.
func mapErr(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "40001", "40P01", "55P03", "23505":
		return fmt.Errorf("%w: %w", domain.ErrConflict, err)
	}
	return err
}
