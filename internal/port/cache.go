package port

import (
	"context"

	"github.com/olyamironova/spot-exchange/internal/domain"
)

// Cache holds order-book snapshots. A miss is (nil, nil).
type Cache interface {
	SetOrderbook(ctx context.Context, symbol string, ob *domain.OrderbookSnapshot) error
	GetOrderbook(ctx context.Context, symbol string) (*domain.OrderbookSnapshot, error)
	Invalidate(ctx context.Context, symbol string) error
}
