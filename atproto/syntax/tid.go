package syntax

import (
	"errors"
	"regexp"
	"strings"
	"sync"
	"time"
)

const base32SortAlphabet = "234567abcdefghijklmnopqrstuvwxyz"

// Timestamp identifier: 13 chars of sortable base32, used as record keys for time-ordered records.
type TID string

var tidRegex = regexp.MustCompile(`^[234567abcdefghij][234567abcdefghijklmnopqrstuvwxyz]{12}$`)

func ParseTID(raw string) (TID, error) {
	if raw == "" {
		return "", errors.New("expected TID, got empty string")
	}
	if len(raw) != 13 {
		return "", errors.New("TID is wrong length (expected 13 chars)")
	}
	if !tidRegex.MatchString(raw) {
		return "", errors.New("TID syntax didn't validate via regex")
	}
	return TID(raw), nil
}

func NewTID(unixMicros int64, clockID uint) TID {
	v := (uint64(unixMicros&0x1F_FFFF_FFFF_FFFF) << 10) | uint64(clockID&0x3FF)
	var buf [13]byte
	for i := 12; i >= 0; i-- {
		buf[i] = base32SortAlphabet[v&0x1F]
		v >>= 5
	}
	return TID(buf[:])
}

func (t TID) integer() uint64 {
	s := t.String()
	if len(s) != 13 {
		return 0
	}
	var v uint64
	for i := 0; i < 13; i++ {
		c := strings.IndexByte(base32SortAlphabet, s[i])
		if c < 0 {
			return 0
		}
		v = (v << 5) | uint64(c)
	}
	return v
}

func (t TID) Time() time.Time {
	return time.UnixMicro(int64((t.integer() >> 10) & 0x1FFF_FFFF_FFFF_FFFF)).UTC()
}

func (t TID) ClockID() uint {
	return uint(t.integer() & 0x3FF)
}

func (t TID) RecordKey() RecordKey {
	return RecordKey(t)
}

func (t TID) String() string {
	return string(t)
}

// Generates monotonically increasing TIDs. Safe for concurrent use.
type TIDClock struct {
	ClockID uint

	mtx           sync.Mutex
	lastUnixMicro int64
}

func NewTIDClock(clockID uint) *TIDClock {
	return &TIDClock{ClockID: clockID}
}

func (c *TIDClock) Next() TID {
	now := time.Now().UTC().UnixMicro()
	c.mtx.Lock()
	if now <= c.lastUnixMicro {
		now = c.lastUnixMicro + 1
	}
	c.lastUnixMicro = now
	c.mtx.Unlock()
	return NewTID(now, c.ClockID)
}
