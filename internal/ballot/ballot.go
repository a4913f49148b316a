// Package ballot implements the proposal-number source used by one run of
// the Promise/Accept/Learn protocol.
package ballot

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Ballot is a 64-bit proposal number, compared as an unsigned integer.
// Higher ballots win; ties are rejected by the protocol rather than
// resolved here.
type Ballot uint64

// Clock produces ballots for new proposer rounds. Implementations must
// be safe for concurrent use and must never return a value lower than
// any value they have already returned.
type Clock interface {
	Next() Ballot
}

const scale = 1000

// WallClock draws ballots from wall-clock seconds, scaled up and offset
// by a process-local client id so that two proposers racing in the same
// second rarely collide. It additionally enforces strict monotonicity
// within a single process: two Next calls in the same second still
// produce increasing ballots.
type WallClock struct {
	mu       sync.Mutex
	last     Ballot
	clientID uint64
	now      func() time.Time
}

// NewWallClock builds a WallClock whose client-id component is derived
// from a random UUID, so that concurrent processes racing for the same
// key rarely draw identical ballots even within the same wall-clock
// second.
func NewWallClock() *WallClock {
	id := uuid.New()
	return &WallClock{
		clientID: binary.BigEndian.Uint64(id[:8]) % scale,
		now:      time.Now,
	}
}

// Next returns the next ballot, guaranteed strictly greater than any
// ballot previously returned by this WallClock.
func (c *WallClock) Next() Ballot {
	c.mu.Lock()
	defer c.mu.Unlock()

	b := Ballot(uint64(c.now().Unix())*scale + c.clientID)
	if b <= c.last {
		b = c.last + 1
	}
	c.last = b
	return b
}
