package sequence

import "sync/atomic"

// Sequencer hands out strictly increasing order sequence numbers. Ties on
// created_at are broken by it, so it must never go backwards.
type Sequencer struct {
	last atomic.Uint64
}

// New returns a sequencer whose first Next is start+1.
func New(start uint64) *Sequencer {
	s := &Sequencer{}
	s.last.Store(start)
	return s
}

func (s *Sequencer) Next() uint64 {
	return s.last.Add(1)
}

// Current returns the last issued number.
func (s *Sequencer) Current() uint64 {
	return s.last.Load()
}

// AdvanceTo moves the sequencer forward to v if it is behind. Used after
// reloading persisted orders.
func (s *Sequencer) AdvanceTo(v uint64) {
	for {
		cur := s.last.Load()
		if cur >= v {
			return
		}
		if s.last.CompareAndSwap(cur, v) {
			return
		}
	}
}
