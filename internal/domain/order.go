package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Side uint8

const (
	Buy Side = iota + 1
	Sell
)

func (s Side) String() string {
	switch s {
	case Buy:
		return "buy"
	case Sell:
		return "sell"
	default:
		return "unknown"
	}
}

// Opposite returns the side resting orders must have to match s.
func (s Side) Opposite() Side {
	switch s {
	case Buy:
		return Sell
	case Sell:
		return Buy
	default:
		panic(fmt.Sprintf("domain: invalid side %d", s))
	}
}

func ParseSide(v string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "buy":
		return Buy, nil
	case "sell":
		return Sell, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidSide, v)
	}
}

type OrderStatus uint8

const (
	Open OrderStatus = iota + 1
	Filled
	Cancelled
)

func (s OrderStatus) String() string {
	switch s {
	case Open:
		return "open"
	case Filled:
		return "filled"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

func ParseOrderStatus(v string) (OrderStatus, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "open":
		return Open, nil
	case "filled":
		return Filled, nil
	case "cancelled", "canceled":
		return Cancelled, nil
	default:
		return 0, fmt.Errorf("%w: unknown status %q", ErrInvalidOrder, v)
	}
}

// Terminal reports whether no further transition is possible.
func (s OrderStatus) Terminal() bool {
	switch s {
	case Filled, Cancelled:
		return true
	case Open:
		return false
	default:
		panic(fmt.Sprintf("domain: invalid status %d", s))
	}
}

type Order struct {
	ID           string          `json:"id"`
	UserID       string          `json:"user_id"`
	Symbol       string          `json:"symbol"`
	Side         Side            `json:"side"`
	Price        decimal.Decimal `json:"price"`
	Amount       decimal.Decimal `json:"amount"`
	FilledAmount decimal.Decimal `json:"filled_amount"`
	Status       OrderStatus     `json:"status"`

	// Seq breaks time-priority ties between orders created at the same instant.
	Seq       uint64    `json:"seq"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (o *Order) Remaining() decimal.Decimal {
	return o.Amount.Sub(o.FilledAmount)
}

func (o *Order) PartiallyFilled() bool {
	return o.FilledAmount.IsPositive() && o.FilledAmount.LessThan(o.Amount)
}

// Fill records a match of qty against the order and moves it to Filled once
// nothing remains.
func (o *Order) Fill(qty decimal.Decimal, at time.Time) error {
	if o.Status != Open {
		return fmt.Errorf("%w: fill on %s order %s", ErrInvariantViolation, o.Status, o.ID)
	}
	if !qty.IsPositive() || qty.GreaterThan(o.Remaining()) {
		return fmt.Errorf("%w: fill %s exceeds remaining %s on order %s", ErrInvariantViolation, qty, o.Remaining(), o.ID)
	}
	o.FilledAmount = o.FilledAmount.Add(qty)
	if o.FilledAmount.Equal(o.Amount) {
		o.Status = Filled
	}
	o.UpdatedAt = at
	return nil
}

func (o *Order) Cancel(at time.Time) error {
	if o.Status != Open {
		return fmt.Errorf("%w: order %s is %s", ErrNotCancellable, o.ID, o.Status)
	}
	o.Status = Cancelled
	o.UpdatedAt = at
	return nil
}

// Validate checks the order invariants that must hold after every mutation.
func (o *Order) Validate() error {
	switch {
	case !o.Amount.IsPositive():
		return fmt.Errorf("%w: order %s amount %s", ErrInvariantViolation, o.ID, o.Amount)
	case o.FilledAmount.IsNegative() || o.FilledAmount.GreaterThan(o.Amount):
		return fmt.Errorf("%w: order %s filled %s of %s", ErrInvariantViolation, o.ID, o.FilledAmount, o.Amount)
	case (o.Status == Filled) != o.FilledAmount.Equal(o.Amount):
		return fmt.Errorf("%w: order %s status %s with filled %s of %s", ErrInvariantViolation, o.ID, o.Status, o.FilledAmount, o.Amount)
	}
	return nil
}

// SplitSymbol returns the base and quote assets of a trading symbol such as
// "BTC-USD".
func SplitSymbol(symbol string) (base, quote string, err error) {
	parts := strings.Split(strings.ToUpper(strings.TrimSpace(symbol)), "-")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%w: %q", ErrUnknownSymbol, symbol)
	}
	return parts[0], parts[1], nil
}

func (s Side) MarshalText() ([]byte, error) {
	if s != Buy && s != Sell {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSide, s)
	}
	return []byte(s.String()), nil
}

func (s *Side) UnmarshalText(b []byte) error {
	v, err := ParseSide(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func (s OrderStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *OrderStatus) UnmarshalText(b []byte) error {
	v, err := ParseOrderStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}
