package in_memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/olyamironova/spot-exchange/internal/domain"
	"github.com/olyamironova/spot-exchange/internal/port"
	"golang.org/x/sync/semaphore"
)

const DefaultLockTimeout = 2 * time.Second

type balanceKey struct {
	user  string
	asset string
}

// MemoryRepo is a transactional store held in process memory. Transactions
// stage their writes and apply them on commit; rows read for update are
// locked until the transaction ends, and a lock wait longer than the lock
// timeout fails with domain.ErrConflict.
type MemoryRepo struct {
	mu       sync.RWMutex
	orders   map[string]domain.Order
	trades   []domain.Trade
	balances map[balanceKey]domain.Balance

	lockMu      sync.Mutex
	locks       map[string]*semaphore.Weighted
	lockTimeout time.Duration
}

var _ port.Repository = (*MemoryRepo)(nil)

func NewMemoryRepo(lockTimeout time.Duration) *MemoryRepo {
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}
	return &MemoryRepo{
		orders:      make(map[string]domain.Order),
		balances:    make(map[balanceKey]domain.Balance),
		locks:       make(map[string]*semaphore.Weighted),
		lockTimeout: lockTimeout,
	}
}

func (r *MemoryRepo) rowLock(key string) *semaphore.Weighted {
	r.lockMu.Lock()
	defer r.lockMu.Unlock()
	l, ok := r.locks[key]
	if !ok {
		l = semaphore.NewWeighted(1)
		r.locks[key] = l
	}
	return l
}

func (r *MemoryRepo) BeginTx(ctx context.Context) (port.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &memTx{
		r:        r,
		held:     make(map[string]*semaphore.Weighted),
		orders:   make(map[string]domain.Order),
		balances: make(map[balanceKey]domain.Balance),
	}, nil
}

func (r *MemoryRepo) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrOrderNotFound, id)
	}
	return &o, nil
}

func (r *MemoryRepo) ListUserOrders(ctx context.Context, userID string, f port.OrderFilter, p port.Page) ([]*domain.Order, int, error) {
	r.mu.RLock()
	var matched []domain.Order
	for _, o := range r.orders {
		if o.UserID == userID && f.Match(&o) {
			matched = append(matched, o)
		}
	}
	r.mu.RUnlock()

	// newest first
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].Seq > matched[j].Seq
	})

	p = p.Normalize()
	total := len(matched)
	start := p.Offset()
	if start > total {
		start = total
	}
	end := start + p.PerPage
	if end > total {
		end = total
	}
	out := make([]*domain.Order, 0, end-start)
	for i := start; i < end; i++ {
		o := matched[i]
		out = append(out, &o)
	}
	return out, total, nil
}

func (r *MemoryRepo) LoadOpenOrders(ctx context.Context, symbol string) ([]*domain.Order, error) {
	r.mu.RLock()
	var res []*domain.Order
	for _, o := range r.orders {
		if o.Symbol == symbol && o.Status == domain.Open {
			res = append(res, &o)
		}
	}
	r.mu.RUnlock()
	sort.Slice(res, func(i, j int) bool {
		if !res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].CreatedAt.Before(res[j].CreatedAt)
		}
		return res[i].Seq < res[j].Seq
	})
	return res, nil
}

// ListSymbols returns the symbols that have open orders.
func (r *MemoryRepo) ListSymbols(ctx context.Context) ([]string, error) {
	r.mu.RLock()
	set := make(map[string]struct{})
	for _, o := range r.orders {
		if o.Status == domain.Open {
			set[o.Symbol] = struct{}{}
		}
	}
	r.mu.RUnlock()
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out, nil
}

func (r *MemoryRepo) MaxSeq(ctx context.Context) (uint64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var max uint64
	for _, o := range r.orders {
		if o.Seq > max {
			max = o.Seq
		}
	}
	return max, nil
}

func (r *MemoryRepo) LoadTradesForOrder(ctx context.Context, orderID string) ([]*domain.Trade, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var res []*domain.Trade
	for _, t := range r.trades {
		if t.BuyOrderID == orderID || t.SellOrderID == orderID {
			res = append(res, &t)
		}
	}
	return res, nil
}

// ListUserTrades returns up to limit trades in which the user held either
// order, newest first.
func (r *MemoryRepo) ListUserTrades(ctx context.Context, userID string, limit int) ([]*domain.Trade, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var res []*domain.Trade
	for i := len(r.trades) - 1; i >= 0 && (limit <= 0 || len(res) < limit); i-- {
		t := r.trades[i]
		if r.orders[t.BuyOrderID].UserID == userID || r.orders[t.SellOrderID].UserID == userID {
			res = append(res, &t)
		}
	}
	return res, nil
}

func (r *MemoryRepo) GetBalance(ctx context.Context, userID, asset string) (*domain.Balance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.balances[balanceKey{userID, asset}]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", domain.ErrBalanceNotFound, userID, asset)
	}
	return &b, nil
}

func (r *MemoryRepo) ListBalances(ctx context.Context, userID string) ([]*domain.Balance, error) {
	r.mu.RLock()
	var res []*domain.Balance
	for k, b := range r.balances {
		if k.user == userID {
			res = append(res, &b)
		}
	}
	r.mu.RUnlock()
	sort.Slice(res, func(i, j int) bool { return res[i].Asset < res[j].Asset })
	return res, nil
}

var errTxDone = errors.New("in_memory: transaction already finished")

type memTx struct {
	r        *MemoryRepo
	held     map[string]*semaphore.Weighted
	orders   map[string]domain.Order
	trades   []domain.Trade
	balances map[balanceKey]domain.Balance
	done     bool
}

// lock takes the row lock for key unless this transaction already holds it.
func (tx *memTx) lock(ctx context.Context, key string) error {
	if tx.done {
		return errTxDone
	}
	if _, ok := tx.held[key]; ok {
		return nil
	}
	l := tx.r.rowLock(key)
	wctx, cancel := context.WithTimeout(ctx, tx.r.lockTimeout)
	defer cancel()
	if err := l.Acquire(wctx, 1); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: lock wait on %s timed out", domain.ErrConflict, key)
	}
	tx.held[key] = l
	return nil
}

func balanceLockKey(user, asset string) string { return "balance/" + user + "/" + asset }
func orderLockKey(id string) string            { return "order/" + id }

func (tx *memTx) GetBalanceForUpdate(ctx context.Context, userID, asset string) (*domain.Balance, error) {
	if err := tx.lock(ctx, balanceLockKey(userID, asset)); err != nil {
		return nil, err
	}
	k := balanceKey{userID, asset}
	if b, ok := tx.balances[k]; ok {
		return &b, nil
	}
	tx.r.mu.RLock()
	b, ok := tx.r.balances[k]
	tx.r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", domain.ErrBalanceNotFound, userID, asset)
	}
	return &b, nil
}

func (tx *memTx) exists(k balanceKey) bool {
	if _, ok := tx.balances[k]; ok {
		return true
	}
	tx.r.mu.RLock()
	defer tx.r.mu.RUnlock()
	_, ok := tx.r.balances[k]
	return ok
}

func (tx *memTx) InsertBalance(ctx context.Context, b *domain.Balance) error {
	if err := tx.lock(ctx, balanceLockKey(b.UserID, b.Asset)); err != nil {
		return err
	}
	k := balanceKey{b.UserID, b.Asset}
	if tx.exists(k) {
		return fmt.Errorf("%w: balance %s/%s already exists", domain.ErrConflict, b.UserID, b.Asset)
	}
	tx.balances[k] = *b
	return nil
}

func (tx *memTx) UpdateBalance(ctx context.Context, b *domain.Balance) error {
	if err := tx.lock(ctx, balanceLockKey(b.UserID, b.Asset)); err != nil {
		return err
	}
	k := balanceKey{b.UserID, b.Asset}
	if !tx.exists(k) {
		return fmt.Errorf("%w: %s/%s", domain.ErrBalanceNotFound, b.UserID, b.Asset)
	}
	tx.balances[k] = *b
	return nil
}

func (tx *memTx) InsertOrder(ctx context.Context, o *domain.Order) error {
	if err := tx.lock(ctx, orderLockKey(o.ID)); err != nil {
		return err
	}
	_, staged := tx.orders[o.ID]
	tx.r.mu.RLock()
	_, committed := tx.r.orders[o.ID]
	tx.r.mu.RUnlock()
	if staged || committed {
		return fmt.Errorf("%w: order %s already exists", domain.ErrConflict, o.ID)
	}
	tx.orders[o.ID] = *o
	return nil
}

func (tx *memTx) UpdateOrder(ctx context.Context, o *domain.Order) error {
	if err := tx.lock(ctx, orderLockKey(o.ID)); err != nil {
		return err
	}
	if _, err := tx.getOrder(o.ID); err != nil {
		return err
	}
	tx.orders[o.ID] = *o
	return nil
}

func (tx *memTx) GetOrderForUpdate(ctx context.Context, id string) (*domain.Order, error) {
	if err := tx.lock(ctx, orderLockKey(id)); err != nil {
		return nil, err
	}
	return tx.getOrder(id)
}

func (tx *memTx) getOrder(id string) (*domain.Order, error) {
	if o, ok := tx.orders[id]; ok {
		return &o, nil
	}
	tx.r.mu.RLock()
	o, ok := tx.r.orders[id]
	tx.r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrOrderNotFound, id)
	}
	return &o, nil
}

func (tx *memTx) InsertTrade(ctx context.Context, t *domain.Trade) error {
	if tx.done {
		return errTxDone
	}
	tx.trades = append(tx.trades, *t)
	return nil
}

func (tx *memTx) Commit(ctx context.Context) error {
	if tx.done {
		return errTxDone
	}
	tx.r.mu.Lock()
	for id, o := range tx.orders {
		tx.r.orders[id] = o
	}
	tx.r.trades = append(tx.r.trades, tx.trades...)
	for k, b := range tx.balances {
		tx.r.balances[k] = b
	}
	tx.r.mu.Unlock()
	tx.finish()
	return nil
}

func (tx *memTx) Rollback(ctx context.Context) error {
	if tx.done {
		return nil
	}
	tx.finish()
	return nil
}

func (tx *memTx) finish() {
	for _, l := range tx.held {
		l.Release(1)
	}
	tx.held = nil
	tx.done = true
}
