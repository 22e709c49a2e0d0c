package core

import (
	"context"
	"time"

	"github.com/olyamironova/spot-exchange/internal/domain"
	"go.uber.org/zap"
)

func snapshotOf(book *OrderBook, limit int, at time.Time) *domain.OrderbookSnapshot {
	return &domain.OrderbookSnapshot{
		Symbol:    book.Symbol(),
		Bids:      book.Snapshot(domain.Buy, limit),
		Asks:      book.Snapshot(domain.Sell, limit),
		Timestamp: at,
	}
}

// truncate cuts a cached snapshot down to limit levels per side.
func truncate(snap *domain.OrderbookSnapshot, limit int) *domain.OrderbookSnapshot {
	out := snap.DeepCopy()
	if limit > 0 && len(out.Bids) > limit {
		out.Bids = out.Bids[:limit]
	}
	if limit > 0 && len(out.Asks) > limit {
		out.Asks = out.Asks[:limit]
	}
	return out
}

// updateCache writes a depth-bounded snapshot through to the cache. A failed
// write invalidates the entry so readers fall back to the live book.
func (e *Engine) updateCache(ctx context.Context, snap *domain.OrderbookSnapshot) {
	if e.cache == nil {
		return
	}
	if err := e.cache.SetOrderbook(ctx, snap.Symbol, snap.DeepCopy()); err != nil {
		e.log.Warn("order book cache write failed", zap.String("symbol", snap.Symbol), zap.Error(err))
		if err := e.cache.Invalidate(ctx, snap.Symbol); err != nil {
			e.log.Warn("order book cache invalidate failed", zap.String("symbol", snap.Symbol), zap.Error(err))
		}
	}
}

func (e *Engine) cachedSnapshot(ctx context.Context, symbol string) *domain.OrderbookSnapshot {
	if e.cache == nil {
		return nil
	}
	snap, err := e.cache.GetOrderbook(ctx, symbol)
	if err != nil {
		e.log.Debug("order book cache read failed", zap.String("symbol", symbol), zap.Error(err))
		return nil
	}
	return snap
}
