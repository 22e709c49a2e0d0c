package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Balance is one user's holding of one asset. Locked is the part reserved
// against open orders.
type Balance struct {
	UserID    string          `json:"user_id"`
	Asset     string          `json:"asset"`
	Total     decimal.Decimal `json:"total"`
	Locked    decimal.Decimal `json:"locked"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func (b *Balance) Available() decimal.Decimal {
	return b.Total.Sub(b.Locked)
}

// Validate enforces 0 <= locked <= total.
func (b *Balance) Validate() error {
	if b.Total.IsNegative() || b.Locked.IsNegative() || b.Locked.GreaterThan(b.Total) {
		return fmt.Errorf("%w: balance %s/%s total=%s locked=%s",
			ErrInvariantViolation, b.UserID, b.Asset, b.Total, b.Locked)
	}
	return nil
}
