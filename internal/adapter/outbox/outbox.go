package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/olyamironova/spot-exchange/internal/domain"
	"github.com/olyamironova/spot-exchange/internal/port"
	"github.com/olyamironova/spot-exchange/internal/sequence"
)

// Outbox durably stores committed events until a relay has handed them to
// the broker. Records are kept in insertion order.
type Outbox struct {
	db    *pebble.DB
	seq   *sequence.Sequencer
	clock port.Clock
}

var _ port.Publisher = (*Outbox)(nil)

func Open(dir string, clock port.Clock) (*Outbox, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("outbox: open %s: %w", dir, err)
	}
	last, err := lastID(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Outbox{db: db, seq: sequence.New(last), clock: clock}, nil
}

func lastID(db *pebble.DB) (uint64, error) {
	iter, err := db.NewIter(bounds())
	if err != nil {
		return 0, err
	}
	defer iter.Close()
	if !iter.Last() {
		return 0, iter.Error()
	}
	return parseKey(iter.Key())
}

func bounds() *pebble.IterOptions {
	return &pebble.IterOptions{
		LowerBound: []byte(keyPrefix),
		UpperBound: []byte(keyPrefix + "~"),
	}
}

func (o *Outbox) Close() error {
	return o.db.Close()
}

// Publish stores the events as NEW in one synced batch.
func (o *Outbox) Publish(ctx context.Context, events []domain.Event) error {
	if len(events) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	at := o.clock.Now()
	b := o.db.NewBatch()
	defer b.Close()
	for _, ev := range events {
		rec, err := newRecord(ev, at)
		if err != nil {
			return err
		}
		if err := b.Set(keyFor(o.seq.Next()), encodeRecord(rec), nil); err != nil {
			return err
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("outbox: commit batch: %w", err)
	}
	return nil
}

// Pending iterates undelivered records oldest first. Returning errStop from
// fn ends the scan without an error.
func (o *Outbox) Pending(fn func(Record) error) error {
	iter, err := o.db.NewIter(bounds())
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		rec, err := decodeRecord(iter.Value())
		if err != nil {
			return err
		}
		if rec.ID, err = parseKey(iter.Key()); err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			if errors.Is(err, errStop) {
				return nil
			}
			return err
		}
	}
	return iter.Error()
}

var errStop = errors.New("outbox: stop scan")

// Mark rewrites the state of a record.
func (o *Outbox) Mark(r Record, state State) error {
	r.State = state
	r.LastAttempt = o.clock.Now().UnixNano()
	return o.db.Set(keyFor(r.ID), encodeRecord(r), pebble.Sync)
}

// Ack removes a delivered record.
func (o *Outbox) Ack(id uint64) error {
	return o.db.Delete(keyFor(id), pebble.Sync)
}

// Len counts undelivered records.
func (o *Outbox) Len() (int, error) {
	n := 0
	err := o.Pending(func(Record) error {
		n++
		return nil
	})
	return n, err
}

func (r Record) lastAttempt() time.Time {
	if r.LastAttempt == 0 {
		return time.Time{}
	}
	return time.Unix(0, r.LastAttempt)
}
