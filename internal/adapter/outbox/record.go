package outbox

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/olyamironova/spot-exchange/internal/domain"
)

type State uint8

const (
	StateNew State = iota
	StateSent
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateSent:
		return "SENT"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Record is one stored event. Key and Value are what goes on the wire.
type Record struct {
	ID          uint64
	State       State
	Retries     uint32
	LastAttempt int64
	Key         []byte
	Value       []byte
}

func newRecord(ev domain.Event, at time.Time) (Record, error) {
	body, err := json.Marshal(domain.NewEnvelope(ev, at))
	if err != nil {
		return Record{}, fmt.Errorf("outbox: encode %s: %w", ev.Type(), err)
	}
	return Record{State: StateNew, Key: []byte(ev.Key()), Value: body}, nil
}

const headerLen = 1 + 4 + 8 + 4

// binary encoding: [state:1][retries:4][lastAttempt:8][keyLen:4][key][value]
func encodeRecord(r Record) []byte {
	buf := make([]byte, headerLen+len(r.Key)+len(r.Value))
	buf[0] = byte(r.State)
	binary.BigEndian.PutUint32(buf[1:5], r.Retries)
	binary.BigEndian.PutUint64(buf[5:13], uint64(r.LastAttempt))
	binary.BigEndian.PutUint32(buf[13:17], uint32(len(r.Key)))
	copy(buf[headerLen:], r.Key)
	copy(buf[headerLen+len(r.Key):], r.Value)
	return buf
}

var errShortRecord = errors.New("outbox: record too short")

// decodeRecord copies out of b, which pebble may reuse.
func decodeRecord(b []byte) (Record, error) {
	if len(b) < headerLen {
		return Record{}, errShortRecord
	}
	keyLen := int(binary.BigEndian.Uint32(b[13:17]))
	if len(b) < headerLen+keyLen {
		return Record{}, errShortRecord
	}
	r := Record{
		State:       State(b[0]),
		Retries:     binary.BigEndian.Uint32(b[1:5]),
		LastAttempt: int64(binary.BigEndian.Uint64(b[5:13])),
		Key:         append([]byte(nil), b[headerLen:headerLen+keyLen]...),
		Value:       append([]byte(nil), b[headerLen+keyLen:]...),
	}
	return r, nil
}

const keyPrefix = "event/"

func keyFor(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", keyPrefix, id))
}

func parseKey(b []byte) (uint64, error) {
	var id uint64
	if _, err := fmt.Sscanf(string(b), keyPrefix+"%d", &id); err != nil {
		return 0, fmt.Errorf("outbox: bad key %q: %w", b, err)
	}
	return id, nil
}
