package ledger

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/olyamironova/spot-exchange/internal/domain"
	"github.com/olyamironova/spot-exchange/internal/logging"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type stubRegistry struct {
	supported  map[string]bool
	autoCreate bool
}

func (r stubRegistry) IsSupported(s string) bool     { return r.supported[s] }
func (r stubRegistry) IsEnabledForAutoCreate() bool { return r.autoCreate }

type memStore struct {
	rows    map[string]domain.Balance
	failOn  string
	updates int
}

func newMemStore() *memStore {
	return &memStore{rows: map[string]domain.Balance{}}
}

func key(user, asset string) string { return user + "/" + asset }

func (m *memStore) GetBalanceForUpdate(_ context.Context, user, asset string) (*domain.Balance, error) {
	b, ok := m.rows[key(user, asset)]
	if !ok {
		return nil, domain.ErrBalanceNotFound
	}
	return &b, nil
}

func (m *memStore) InsertBalance(_ context.Context, b *domain.Balance) error {
	if _, ok := m.rows[key(b.UserID, b.Asset)]; ok {
		return domain.ErrConflict
	}
	m.rows[key(b.UserID, b.Asset)] = *b
	return nil
}

func (m *memStore) UpdateBalance(_ context.Context, b *domain.Balance) error {
	if m.failOn == key(b.UserID, b.Asset) {
		return fmt.Errorf("write %s: boom", m.failOn)
	}
	m.updates++
	m.rows[key(b.UserID, b.Asset)] = *b
	return nil
}

func (m *memStore) set(user, asset, total, locked string) {
	m.rows[key(user, asset)] = domain.Balance{
		UserID: user,
		Asset:  asset,
		Total:  decimal.RequireFromString(total),
		Locked: decimal.RequireFromString(locked),
	}
}

func (m *memStore) assertBalance(t *testing.T, user, asset, total, locked string) {
	t.Helper()
	b, ok := m.rows[key(user, asset)]
	require.True(t, ok, "missing %s", key(user, asset))
	assert.Equal(t, decimal.RequireFromString(total).String(), b.Total.String(), "total %s", key(user, asset))
	assert.Equal(t, decimal.RequireFromString(locked).String(), b.Locked.String(), "locked %s", key(user, asset))
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestLedger(autoCreate bool) *Ledger {
	reg := stubRegistry{
		supported:  map[string]bool{"USD": true, "BTC": true},
		autoCreate: autoCreate,
	}
	return New(reg, fixedClock{time.Unix(1700000000, 0)}, logging.NewTestLogger())
}

func TestReserveRelease(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	store.set("alice", "USD", "100", "0")
	s := newTestLedger(true).Session(store)

	require.NoError(t, s.Reserve(ctx, "alice", "USD", d("60")))
	store.assertBalance(t, "alice", "USD", "100", "60")

	err := s.Reserve(ctx, "alice", "USD", d("40.01"))
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
	store.assertBalance(t, "alice", "USD", "100", "60")

	require.NoError(t, s.Release(ctx, "alice", "USD", d("10")))
	store.assertBalance(t, "alice", "USD", "100", "50")

	err = s.Release(ctx, "alice", "USD", d("50.5"))
	assert.ErrorIs(t, err, domain.ErrInvariantViolation)
	store.assertBalance(t, "alice", "USD", "100", "50")

	events := s.Events()
	require.Len(t, events, 2)
	assert.Equal(t, domain.ReasonReserve, events[0].(domain.BalanceChanged).Reason)
	assert.Equal(t, domain.ReasonRelease, events[1].(domain.BalanceChanged).Reason)
}

func TestNonPositiveAmounts(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	store.set("alice", "USD", "100", "10")
	s := newTestLedger(true).Session(store)

	for _, amt := range []string{"0", "-1"} {
		assert.ErrorIs(t, s.Reserve(ctx, "alice", "USD", d(amt)), domain.ErrInvalidAmount)
		assert.ErrorIs(t, s.Release(ctx, "alice", "USD", d(amt)), domain.ErrInvalidAmount)
		assert.ErrorIs(t, s.Credit(ctx, "alice", "USD", d(amt), domain.ReasonDeposit), domain.ErrInvalidAmount)
		assert.ErrorIs(t, s.Debit(ctx, "alice", "USD", d(amt), domain.ReasonWithdrawal), domain.ErrInvalidAmount)
		assert.ErrorIs(t, s.SettleLockedToTransfer(ctx, "alice", "bob", "USD", d(amt)), domain.ErrInvalidAmount)
	}
	assert.Zero(t, store.updates)
	assert.Empty(t, s.Events())
}

func TestCreditDebit(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	s := newTestLedger(true).Session(store)

	require.NoError(t, s.Credit(ctx, "bob", "BTC", d("1.5"), domain.ReasonDeposit))
	store.assertBalance(t, "bob", "BTC", "1.5", "0")

	require.NoError(t, s.Reserve(ctx, "bob", "BTC", d("1")))
	err := s.Debit(ctx, "bob", "BTC", d("0.6"), domain.ReasonWithdrawal)
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds, "locked part cannot be debited")

	require.NoError(t, s.Debit(ctx, "bob", "BTC", d("0.5"), domain.ReasonWithdrawal))
	store.assertBalance(t, "bob", "BTC", "1", "1")

	assert.ErrorIs(t, s.Debit(ctx, "bob", "USD", d("1"), domain.ReasonWithdrawal), domain.ErrInsufficientFunds)
}

func TestGetOrCreate(t *testing.T) {
	ctx := context.Background()

	t.Run("creates enabled asset", func(t *testing.T) {
		store := newMemStore()
		b, err := newTestLedger(true).Session(store).GetOrCreate(ctx, "carol", "BTC")
		require.NoError(t, err)
		assert.True(t, b.Total.IsZero())
		store.assertBalance(t, "carol", "BTC", "0", "0")
	})

	t.Run("rejects unsupported asset", func(t *testing.T) {
		store := newMemStore()
		_, err := newTestLedger(true).Session(store).GetOrCreate(ctx, "carol", "DOGE")
		assert.ErrorIs(t, err, domain.ErrUnsupportedAsset)
		assert.Empty(t, store.rows)
	})

	t.Run("auto-create disabled", func(t *testing.T) {
		store := newMemStore()
		s := newTestLedger(false).Session(store)
		_, err := s.GetOrCreate(ctx, "carol", "BTC")
		assert.ErrorIs(t, err, domain.ErrBalanceNotFound)
		assert.ErrorIs(t, s.Reserve(ctx, "carol", "BTC", d("1")), domain.ErrInsufficientFunds)
		assert.Empty(t, store.rows)
	})

	t.Run("existing row returned", func(t *testing.T) {
		store := newMemStore()
		store.set("carol", "USDT", "5", "1")
		b, err := newTestLedger(false).Session(store).GetOrCreate(ctx, "carol", "USDT")
		require.NoError(t, err)
		assert.Equal(t, "5", b.Total.String())
	})
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	store.set("dave", "USD", "7", "0")
	s := newTestLedger(false).Session(store)

	_, created, err := s.Open(ctx, "dave", "BTC")
	require.NoError(t, err)
	assert.True(t, created, "opens even with auto-create off")
	store.assertBalance(t, "dave", "BTC", "0", "0")

	b, created, err := s.Open(ctx, "dave", "USD")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "7", b.Total.String())

	_, _, err = s.Open(ctx, "dave", "DOGE")
	assert.ErrorIs(t, err, domain.ErrUnsupportedAsset)

	require.Len(t, s.Events(), 1)
	assert.Equal(t, domain.ReasonAccountSetup, s.Events()[0].(domain.BalanceChanged).Reason)
}

func TestSettleLockedToTransfer(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	store.set("seller", "BTC", "1", "0.5")
	s := newTestLedger(true).Session(store)

	require.NoError(t, s.SettleLockedToTransfer(ctx, "seller", "buyer", "BTC", d("0.3")))
	store.assertBalance(t, "seller", "BTC", "0.7", "0.2")
	store.assertBalance(t, "buyer", "BTC", "0.3", "0")

	err := s.SettleLockedToTransfer(ctx, "seller", "buyer", "BTC", d("0.3"))
	assert.ErrorIs(t, err, domain.ErrInvariantViolation)
	store.assertBalance(t, "seller", "BTC", "0.7", "0.2")

	err = s.SettleLockedToTransfer(ctx, "nobody", "buyer", "BTC", d("0.1"))
	assert.ErrorIs(t, err, domain.ErrInvariantViolation)
}

func TestSettleSelfTrade(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	store.set("alice", "BTC", "2", "1")
	s := newTestLedger(true).Session(store)

	require.NoError(t, s.SettleLockedToTransfer(ctx, "alice", "alice", "BTC", d("1")))
	store.assertBalance(t, "alice", "BTC", "2", "0")
}

func TestStoreErrorPropagates(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	store.set("alice", "USD", "100", "0")
	store.failOn = key("alice", "USD")
	s := newTestLedger(true).Session(store)

	assert.Error(t, s.Reserve(ctx, "alice", "USD", d("1")))
	assert.Empty(t, s.Events())
}
