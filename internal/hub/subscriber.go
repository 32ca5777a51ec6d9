package hub

import (
	"sync"
	"sync/atomic"
	"time"

	"termshare/internal/auth"
	"termshare/internal/protocol"
)

// Subscriber is one (connection, session) pair. The hub owns membership and
// enqueues frames; the connection drains the two lanes. Removal is a
// single-shot signal so both sides tear down without double-close.
type Subscriber struct {
	principal auth.Principal
	session   string
	connID    uint64

	out  chan protocol.ServerFrame // output lane, droppable
	prio chan protocol.ServerFrame // state lane, never silently dropped

	done chan struct{}
	once sync.Once

	lastActivity atomic.Int64 // unix nanos, written by the connection
	idle         bool         // hub-loop owned
}

func NewSubscriber(p auth.Principal, session string, connID uint64, outCap, prioCap int) *Subscriber {
	s := &Subscriber{
		principal: p,
		session:   session,
		connID:    connID,
		out:       make(chan protocol.ServerFrame, outCap),
		prio:      make(chan protocol.ServerFrame, prioCap),
		done:      make(chan struct{}),
	}
	s.Touch()
	return s
}

func (s *Subscriber) Principal() auth.Principal { return s.principal }
func (s *Subscriber) Session() string           { return s.session }

// Output and Priority are drained by the connection's pump. Done closes
// exactly once when the hub has removed the subscriber; after that the pump
// drains the priority lane and exits.
func (s *Subscriber) Output() <-chan protocol.ServerFrame   { return s.out }
func (s *Subscriber) Priority() <-chan protocol.ServerFrame { return s.prio }
func (s *Subscriber) Done() <-chan struct{}                 { return s.done }

// Touch records client activity for idle tracking.
func (s *Subscriber) Touch() { s.lastActivity.Store(time.Now().UnixNano()) }

func (s *Subscriber) lastActive() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

func (s *Subscriber) signalRemoval() {
	s.once.Do(func() { close(s.done) })
}

// enqueueOutput applies the slow-consumer policy: enqueue if there is room,
// otherwise coalesce by discarding up to half of the buffered output frames
// and retry once. ok=false means the subscriber must be evicted.
func (s *Subscriber) enqueueOutput(f protocol.ServerFrame) (dropped int, ok bool) {
	select {
	case s.out <- f:
		return 0, true
	default:
	}

	n := len(s.out) / 2
drain:
	for i := 0; i < n; i++ {
		select {
		case <-s.out:
			dropped++
		default:
			break drain
		}
	}

	select {
	case s.out <- f:
		return dropped, true
	default:
		return dropped, false
	}
}

// enqueuePriority never drops: a full priority lane fails the enqueue and
// the caller evicts the subscriber.
func (s *Subscriber) enqueuePriority(f protocol.ServerFrame) bool {
	select {
	case s.prio <- f:
		return true
	default:
		return false
	}
}
