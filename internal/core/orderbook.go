package core

import (
	"github.com/google/btree"
	"github.com/olyamironova/spot-exchange/internal/domain"
	"github.com/shopspring/decimal"
)

const bookDegree = 32

// OrderBook is the price/time priority view of one symbol's open orders.
// Entries are order values keyed by (price, created_at, seq, id); an update
// to a resting order is a replace with the same key.
//
// An OrderBook is not safe for concurrent use. Matching runs on a Clone and
// the clone replaces the live book only once the transaction has committed.
type OrderBook struct {
	symbol string
	bids   *btree.BTreeG[domain.Order]
	asks   *btree.BTreeG[domain.Order]
}

func NewOrderBook(symbol string) *OrderBook {
	return &OrderBook{
		symbol: symbol,
		bids:   btree.NewG(bookDegree, bidLess),
		asks:   btree.NewG(bookDegree, askLess),
	}
}

// bids: price descending, then oldest first
func bidLess(a, b domain.Order) bool {
	if c := a.Price.Cmp(b.Price); c != 0 {
		return c > 0
	}
	return timeLess(a, b)
}

// asks: price ascending, then oldest first
func askLess(a, b domain.Order) bool {
	if c := a.Price.Cmp(b.Price); c != 0 {
		return c < 0
	}
	return timeLess(a, b)
}

func timeLess(a, b domain.Order) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	if a.Seq != b.Seq {
		return a.Seq < b.Seq
	}
	return a.ID < b.ID
}

func (ob *OrderBook) Symbol() string {
	return ob.symbol
}

func (ob *OrderBook) side(s domain.Side) *btree.BTreeG[domain.Order] {
	if s == domain.Buy {
		return ob.bids
	}
	return ob.asks
}

// Insert adds or replaces an open order. Orders in any other status are
// removed instead so the book only ever holds open orders.
func (ob *OrderBook) Insert(o domain.Order) {
	if o.Status != domain.Open {
		ob.Remove(o)
		return
	}
	ob.side(o.Side).ReplaceOrInsert(o)
}

// Remove deletes o by key and reports whether it was present.
func (ob *OrderBook) Remove(o domain.Order) bool {
	_, ok := ob.side(o.Side).Delete(o)
	return ok
}

// BestOpposing returns the highest-priority resting order that an order on
// side at limit can trade with.
func (ob *OrderBook) BestOpposing(side domain.Side, limit decimal.Decimal) (domain.Order, bool) {
	best, ok := ob.side(side.Opposite()).Min()
	if !ok {
		return domain.Order{}, false
	}
	switch side {
	case domain.Buy:
		if best.Price.GreaterThan(limit) {
			return domain.Order{}, false
		}
	case domain.Sell:
		if best.Price.LessThan(limit) {
			return domain.Order{}, false
		}
	}
	return best, true
}

// Snapshot returns up to limit orders of one side, best first. A limit of
// zero or less returns the whole side.
func (ob *OrderBook) Snapshot(side domain.Side, limit int) []domain.Order {
	t := ob.side(side)
	n := t.Len()
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]domain.Order, 0, n)
	t.Ascend(func(o domain.Order) bool {
		out = append(out, o)
		return len(out) < n
	})
	return out
}

func (ob *OrderBook) Len(side domain.Side) int {
	return ob.side(side).Len()
}

// Clone returns a lazily copied book. Writes to either copy never show in
// the other.
func (ob *OrderBook) Clone() *OrderBook {
	return &OrderBook{
		symbol: ob.symbol,
		bids:   ob.bids.Clone(),
		asks:   ob.asks.Clone(),
	}
}
