package client

import (
	"sync"

	"simbus/pkg/protocol"
)

// outQueue holds outgoing publishes per topic with a hard cap per flow.
// On overflow the oldest queued envelope of that topic is dropped, so a
// burst on one topic bounds memory without touching the others. Dequeue is
// round-robin across topics and FIFO within one, preserving per-topic order.
type outQueue struct {
	mu    sync.Mutex
	cap   int
	flows map[string]*flow
	order []string
	idx   int

	// notify carries at most one pending wakeup for the run loop
	notify chan struct{}
}

type flow struct {
	q []*protocol.Envelope
}

func newOutQueue(capacity int) *outQueue {
	if capacity <= 0 {
		capacity = 64
	}
	return &outQueue{
		cap:    capacity,
		flows:  make(map[string]*flow),
		notify: make(chan struct{}, 1),
	}
}

// push appends an envelope to its topic flow and reports whether an older
// envelope had to be dropped to stay within the cap.
func (q *outQueue) push(topic string, e *protocol.Envelope) (dropped *protocol.Envelope) {
	q.mu.Lock()
	f := q.flows[topic]
	if f == nil {
		f = &flow{}
		q.flows[topic] = f
		q.order = append(q.order, topic)
	}
	f.q = append(f.q, e)
	if len(f.q) > q.cap {
		dropped = f.q[0]
		copy(f.q, f.q[1:])
		f.q = f.q[:len(f.q)-1]
	}
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return dropped
}

// pop returns the next envelope in round-robin topic order, or false when
// every flow is empty.
func (q *outQueue) pop() (*protocol.Envelope, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.order)
	for i := 0; i < n; i++ {
		j := (q.idx + i) % n
		f := q.flows[q.order[j]]
		if f == nil || len(f.q) == 0 {
			continue
		}
		e := f.q[0]
		copy(f.q, f.q[1:])
		f.q = f.q[:len(f.q)-1]
		q.idx = (j + 1) % n
		return e, true
	}
	return nil, false
}

// drop empties every flow (used when the session dies; publishes are
// fire-and-forget and must not survive into a later session).
func (q *outQueue) drop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, f := range q.flows {
		f.q = nil
	}
}
