package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/olyamironova/spot-exchange/internal/domain"
	"github.com/olyamironova/spot-exchange/internal/port"
	"go.uber.org/zap"
)

func withTx(ctx context.Context, repo port.Repository, fn func(port.Tx) error) error {
	tx, err := repo.BeginTx(ctx)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	committed = true
	return nil
}

func (e *Engine) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(e.cfg.MaxRetries)), ctx)
}

// retry runs attempt until it succeeds, fails with something other than
// domain.ErrConflict, or the retry budget is spent. An exhausted budget is
// reported as domain.ErrTransient.
func (e *Engine) retry(ctx context.Context, op string, attempt func() error) error {
	n := 0
	err := backoff.Retry(func() error {
		n++
		err := attempt()
		switch {
		case err == nil:
			return nil
		case errors.Is(err, domain.ErrConflict):
			e.log.Debug("transaction conflict, retrying",
				zap.String("op", op), zap.Int("attempt", n), zap.Error(err))
			e.metrics.TxRetried(op)
			return err
		default:
			return backoff.Permanent(err)
		}
	}, e.newBackOff(ctx))
	if err != nil && errors.Is(err, domain.ErrConflict) {
		return fmt.Errorf("%w: %s gave up after %d attempts: %w", domain.ErrTransient, op, n, err)
	}
	return err
}
