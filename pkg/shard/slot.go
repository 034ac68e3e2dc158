package shard

import (
	"errors"
	"sync"
	"time"

	"docshard/pkg/types"
)

type slotState uint8

const (
	stateLoading slotState = iota
	stateLoaded
	stateUnloading
	stateUnloaded
)

func (s slotState) String() string {
	switch s {
	case stateLoading:
		return "loading"
	case stateLoaded:
		return "loaded"
	case stateUnloading:
		return "unloading"
	default:
		return "unloaded"
	}
}

// errRetrySlot tells a waiter its slot left the table and the request must be
// retried against a fresh one.
var errRetrySlot = errors.New("docshard: slot retired")

// waiter is one pending acquire parked on a slot. Writers receive ownership
// directly when signaled with nil; readers are only parked while the slot is
// between usable states.
type waiter struct {
	conn types.ConnID
	read bool
	ch   chan error
}

func newWaiter(conn types.ConnID, read bool) *waiter {
	return &waiter{conn: conn, read: read, ch: make(chan error, 1)}
}

// slot is the unit of in-memory residency for one key.
type slot struct {
	key types.Key

	mu    sync.Mutex
	state slotState

	doc       types.Document
	shadow    types.Document
	shadowSet bool
	owner     types.ConnID
	dirty     bool
	// committedSinceFlush is set when a commit leaves dirty data behind and
	// cleared on flush; rollback keeps the slot dirty while it is set.
	committedSinceFlush bool
	// version guards the persistence pipeline against racing mutations: a
	// flush only clears dirty if the version it snapshotted is still current.
	version     uint64
	lastTouched time.Time

	releaseRequested bool
	lockHeld         bool
	unloadPending    bool
	unloadTimer      *time.Timer

	waiters []*waiter

	loadErr  error
	gone     chan struct{}
	goneOnce sync.Once
}

func newSlot(key types.Key) *slot {
	return &slot{
		key:   key,
		state: stateLoading,
		gone:  make(chan struct{}),
	}
}

func (s *slot) touchLocked(now time.Time) {
	s.lastTouched = now
}

// wakeLocked drains the waiter queue as far as the slot state allows: all
// parked readers are released, and the first writer in FIFO order is handed
// ownership. Later writers stay parked.
func (s *slot) wakeLocked(now time.Time) {
	if s.state != stateLoaded {
		return
	}
	rest := s.waiters[:0]
	for _, w := range s.waiters {
		switch {
		case w.read:
			w.ch <- nil
		case s.owner == "":
			s.owner = w.conn
			s.touchLocked(now)
			w.ch <- nil
		default:
			rest = append(rest, w)
		}
	}
	for i := len(rest); i < len(s.waiters); i++ {
		s.waiters[i] = nil
	}
	s.waiters = rest
}

// failWaitersLocked signals every parked waiter with err and empties the
// queue.
func (s *slot) failWaitersLocked(err error) {
	for _, w := range s.waiters {
		w.ch <- err
	}
	s.waiters = nil
}

// removeWaiterLocked unparks w without signaling it. Reports false when w was
// already signaled.
func (s *slot) removeWaiterLocked(w *waiter) bool {
	for i, q := range s.waiters {
		if q == w {
			s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
			return true
		}
	}
	return false
}

func (s *slot) markGone() {
	s.goneOnce.Do(func() { close(s.gone) })
}
