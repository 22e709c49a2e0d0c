package port

import (
	"context"
	"errors"
	"time"

	"github.com/olyamironova/spot-exchange/internal/domain"
)

// Publisher delivers committed events. Delivery is best effort from the
// engine's point of view.
type Publisher interface {
	Publish(ctx context.Context, events []domain.Event) error
}

type Clock interface {
	Now() time.Time
}

type IDGenerator interface {
	NewID() string
}

// FanOut publishes to every publisher and joins their errors.
type FanOut []Publisher

func (f FanOut) Publish(ctx context.Context, events []domain.Event) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, events); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
