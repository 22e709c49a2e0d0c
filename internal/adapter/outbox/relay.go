package outbox

import (
	"context"
	"time"

	"github.com/olyamironova/spot-exchange/internal/logging"
	"go.uber.org/zap"
)

// Sender hands one message to the broker.
type Sender interface {
	Send(ctx context.Context, key, value []byte) error
}

type Relay struct {
	box      *Outbox
	sender   Sender
	interval time.Duration
	log      *logging.Logger
}

func NewRelay(box *Outbox, sender Sender, interval time.Duration, log *logging.Logger) *Relay {
	if interval <= 0 {
		interval = time.Second
	}
	return &Relay{box: box, sender: sender, interval: interval, log: log.Named("outbox-relay")}
}

// Run flushes on every tick until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	t := time.NewTicker(r.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := r.Flush(ctx); err != nil {
				r.log.Warn("outbox flush stopped", zap.Error(err))
			}
		}
	}
}

// Flush sends pending records in order and stops at the first failure so a
// later record never overtakes an earlier one. It returns how many were
// delivered.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	sent := 0
	err := r.box.Pending(func(rec Record) error {
		if ctx.Err() != nil {
			return errStop
		}
		if rec.State != StateNew {
			r.log.Debug("resending record",
				zap.Uint64("id", rec.ID),
				zap.Stringer("state", rec.State),
				zap.Time("last_attempt", rec.lastAttempt()))
		}
		if err := r.box.Mark(rec, StateSent); err != nil {
			return err
		}
		if err := r.sender.Send(ctx, rec.Key, rec.Value); err != nil {
			rec.Retries++
			if merr := r.box.Mark(rec, StateFailed); merr != nil {
				return merr
			}
			r.log.Warn("outbox send failed",
				zap.Uint64("id", rec.ID),
				zap.Uint32("retries", rec.Retries),
				zap.Error(err))
			return errStop
		}
		if err := r.box.Ack(rec.ID); err != nil {
			return err
		}
		sent++
		return nil
	})
	return sent, err
}

// LogSender acknowledges records by logging them. Used when no broker is
// configured.
type LogSender struct {
	Log *logging.Logger
}

func (s LogSender) Send(_ context.Context, key, value []byte) error {
	s.Log.Debug("event", zap.ByteString("key", key), zap.ByteString("value", value))
	return nil
}
