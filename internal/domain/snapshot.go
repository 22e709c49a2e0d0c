package domain

import "time"

type OrderbookSnapshot struct {
	Symbol    string    `json:"symbol"`
	Bids      []Order   `json:"bids"`
	Asks      []Order   `json:"asks"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *OrderbookSnapshot) DeepCopy() *OrderbookSnapshot {
	if s == nil {
		return nil
	}
	c := &OrderbookSnapshot{
		Symbol:    s.Symbol,
		Bids:      make([]Order, len(s.Bids)),
		Asks:      make([]Order, len(s.Asks)),
		Timestamp: s.Timestamp,
	}
	copy(c.Bids, s.Bids)
	copy(c.Asks, s.Asks)
	return c
}
