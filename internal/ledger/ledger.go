package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/olyamironova/spot-exchange/internal/domain"
	"github.com/olyamironova/spot-exchange/internal/logging"
	"github.com/olyamironova/spot-exchange/internal/port"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Registry is the part of the asset registry the ledger consults before
// creating a balance row.
type Registry interface {
	IsSupported(symbol string) bool
	IsEnabledForAutoCreate() bool
}

// Ledger owns the balance invariants. It holds no state of its own; every
// mutation goes through a Session bound to one store transaction.
type Ledger struct {
	reg   Registry
	clock port.Clock
	log   *logging.Logger
}

func New(reg Registry, clock port.Clock, log *logging.Logger) *Ledger {
	return &Ledger{
		reg:   reg,
		clock: clock,
		log:   log.Named("ledger"),
	}
}

// Session applies ledger primitives against store and records a
// BalanceChanged event for each write. It is not safe for concurrent use.
type Session struct {
	l      *Ledger
	store  port.BalanceStore
	events []domain.Event
}

func (l *Ledger) Session(store port.BalanceStore) *Session {
	return &Session{l: l, store: store}
}

// Events returns the balance changes recorded so far, in write order.
func (s *Session) Events() []domain.Event {
	return s.events
}

// GetOrCreate returns the locked balance row, creating a zero row for an
// enabled asset when auto-create is on.
func (s *Session) GetOrCreate(ctx context.Context, userID, asset string) (*domain.Balance, error) {
	b, err := s.store.GetBalanceForUpdate(ctx, userID, asset)
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, domain.ErrBalanceNotFound) {
		return nil, err
	}
	if !s.l.reg.IsSupported(asset) {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedAsset, asset)
	}
	if !s.l.reg.IsEnabledForAutoCreate() {
		return nil, fmt.Errorf("%w: %s/%s", domain.ErrBalanceNotFound, userID, asset)
	}
	return s.create(ctx, userID, asset)
}

// Open makes sure a balance row exists for an enabled asset, creating a zero
// row regardless of the auto-create setting. The bool reports creation.
func (s *Session) Open(ctx context.Context, userID, asset string) (*domain.Balance, bool, error) {
	b, err := s.store.GetBalanceForUpdate(ctx, userID, asset)
	if err == nil {
		return b, false, nil
	}
	if !errors.Is(err, domain.ErrBalanceNotFound) {
		return nil, false, err
	}
	if !s.l.reg.IsSupported(asset) {
		return nil, false, fmt.Errorf("%w: %s", domain.ErrUnsupportedAsset, asset)
	}
	b, err = s.create(ctx, userID, asset)
	if err != nil {
		return nil, false, err
	}
	s.events = append(s.events, domain.BalanceChanged{
		UserID: userID,
		Asset:  asset,
		Total:  b.Total,
		Locked: b.Locked,
		Reason: domain.ReasonAccountSetup,
	})
	return b, true, nil
}

func (s *Session) create(ctx context.Context, userID, asset string) (*domain.Balance, error) {
	b := &domain.Balance{
		UserID:    userID,
		Asset:     asset,
		Total:     decimal.Zero,
		Locked:    decimal.Zero,
		UpdatedAt: s.l.clock.Now(),
	}
	if err := s.store.InsertBalance(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}

// Reserve moves amount from available into locked.
func (s *Session) Reserve(ctx context.Context, userID, asset string, amount decimal.Decimal) error {
	if err := positive(amount); err != nil {
		return err
	}
	b, err := s.GetOrCreate(ctx, userID, asset)
	if err != nil {
		if errors.Is(err, domain.ErrBalanceNotFound) {
			return fmt.Errorf("%w: no %s balance for %s", domain.ErrInsufficientFunds, asset, userID)
		}
		return err
	}
	if b.Available().LessThan(amount) {
		return fmt.Errorf("%w: %s available %s, need %s", domain.ErrInsufficientFunds, asset, b.Available(), amount)
	}
	b.Locked = b.Locked.Add(amount)
	return s.write(ctx, b, domain.ReasonReserve)
}

// Release returns amount from locked to available.
func (s *Session) Release(ctx context.Context, userID, asset string, amount decimal.Decimal) error {
	if err := positive(amount); err != nil {
		return err
	}
	b, err := s.store.GetBalanceForUpdate(ctx, userID, asset)
	if err != nil {
		return s.missing(err, userID, asset)
	}
	if b.Locked.LessThan(amount) {
		return s.violation(fmt.Errorf("%w: release %s %s exceeds locked %s for %s",
			domain.ErrInvariantViolation, amount, asset, b.Locked, userID))
	}
	b.Locked = b.Locked.Sub(amount)
	return s.write(ctx, b, domain.ReasonRelease)
}

func (s *Session) Credit(ctx context.Context, userID, asset string, amount decimal.Decimal, reason string) error {
	if err := positive(amount); err != nil {
		return err
	}
	b, err := s.GetOrCreate(ctx, userID, asset)
	if err != nil {
		return err
	}
	b.Total = b.Total.Add(amount)
	return s.write(ctx, b, reason)
}

// Debit removes amount from total. Only the available part may be debited.
func (s *Session) Debit(ctx context.Context, userID, asset string, amount decimal.Decimal, reason string) error {
	if err := positive(amount); err != nil {
		return err
	}
	b, err := s.store.GetBalanceForUpdate(ctx, userID, asset)
	if err != nil {
		if errors.Is(err, domain.ErrBalanceNotFound) {
			return fmt.Errorf("%w: no %s balance for %s", domain.ErrInsufficientFunds, asset, userID)
		}
		return err
	}
	if b.Available().LessThan(amount) {
		return fmt.Errorf("%w: %s available %s, need %s", domain.ErrInsufficientFunds, asset, b.Available(), amount)
	}
	b.Total = b.Total.Sub(amount)
	return s.write(ctx, b, reason)
}

// SettleLockedToTransfer consumes amount from the sender's lock, removing it
// from the sender's total, and credits it to the receiver. Both rows are
// written in the session's transaction. Sender and receiver may be the same
// user.
func (s *Session) SettleLockedToTransfer(ctx context.Context, fromUser, toUser, asset string, amount decimal.Decimal) error {
	if err := positive(amount); err != nil {
		return err
	}
	from, err := s.store.GetBalanceForUpdate(ctx, fromUser, asset)
	if err != nil {
		return s.missing(err, fromUser, asset)
	}
	if from.Locked.LessThan(amount) {
		return s.violation(fmt.Errorf("%w: settle %s %s exceeds locked %s for %s",
			domain.ErrInvariantViolation, amount, asset, from.Locked, fromUser))
	}
	from.Locked = from.Locked.Sub(amount)
	from.Total = from.Total.Sub(amount)
	if err := s.write(ctx, from, domain.ReasonTrade); err != nil {
		return err
	}
	return s.Credit(ctx, toUser, asset, amount, domain.ReasonTrade)
}

func (s *Session) write(ctx context.Context, b *domain.Balance, reason string) error {
	if err := b.Validate(); err != nil {
		return s.violation(err)
	}
	b.UpdatedAt = s.l.clock.Now()
	if err := s.store.UpdateBalance(ctx, b); err != nil {
		return err
	}
	s.events = append(s.events, domain.BalanceChanged{
		UserID: b.UserID,
		Asset:  b.Asset,
		Total:  b.Total,
		Locked: b.Locked,
		Reason: reason,
	})
	return nil
}

// missing turns an absent row on a lock-consuming path into an invariant
// violation; a lock can only exist on a row that exists.
func (s *Session) missing(err error, userID, asset string) error {
	if errors.Is(err, domain.ErrBalanceNotFound) {
		return s.violation(fmt.Errorf("%w: no %s balance for %s", domain.ErrInvariantViolation, asset, userID))
	}
	return err
}

func (s *Session) violation(err error) error {
	s.l.log.Error("ledger invariant violated", zap.Error(err))
	return err
}

func positive(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: %s must be positive", domain.ErrInvalidAmount, amount)
	}
	return nil
}
