package system

import (
	"time"

	"github.com/google/uuid"
)

// Clock reads wall time in UTC.
type Clock struct{}

func (Clock) Now() time.Time {
	return time.Now().UTC()
}

// UUIDGenerator issues random v4 ids for orders and trades.
type UUIDGenerator struct{}

func (UUIDGenerator) NewID() string {
	return uuid.NewString()
}
