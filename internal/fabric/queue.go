package fabric

import (
	"errors"
	"sync"

	"github.com/fedsig/threatnet/pkg/models"
)

// Bounded per-session outbound queue.
//
// Back-pressure policy: when the queue is full the oldest client_status
// event is evicted to admit the newcomer. ioc_verified events are never
// dropped — if nothing is evictable the push fails with errQueueOverflow
// and the caller closes the session, forcing a reconnect + re-sync.
// Lower-value events are shed silently instead.

var (
	errQueueClosed   = errors.New("fabric: session queue closed")
	errQueueOverflow = errors.New("fabric: session queue overflow")
)

type outEvent struct {
	event   string
	payload []byte
}

type outQueue struct {
	mu       sync.Mutex
	items    []outEvent
	capacity int
	closed   bool
	notify   chan struct{}
}

func newOutQueue(capacity int) *outQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &outQueue{
		capacity: capacity,
		notify:   make(chan struct{}, 1),
	}
}

// push enqueues an event, applying the drop policy on overflow. The
// returned dropped flag reports whether an event (incoming or evicted) was
// shed.
func (q *outQueue) push(event string, payload []byte) (dropped bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false, errQueueClosed
	}

	if len(q.items) >= q.capacity {
		if i := q.oldestEvictable(); i >= 0 {
			q.items = append(q.items[:i], q.items[i+1:]...)
			dropped = true
		} else if event == models.EventIOCVerified {
			return false, errQueueOverflow
		} else {
			// Nothing evictable and the newcomer is sheddable itself.
			return true, nil
		}
	}

	q.items = append(q.items, outEvent{event: event, payload: payload})
	q.signal()
	return dropped, nil
}

// oldestEvictable returns the index of the oldest sheddable event, -1 when
// the queue holds only must-deliver events.
func (q *outQueue) oldestEvictable() int {
	for i, it := range q.items {
		if it.event == models.EventClientStatus {
			return i
		}
	}
	return -1
}

// pop removes the head of the queue; ok is false when empty.
func (q *outQueue) pop() (outEvent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return outEvent{}, false
	}
	head := q.items[0]
	q.items = q.items[1:]
	return head, true
}

func (q *outQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *outQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.items = nil
	q.mu.Unlock()
	q.signal()
}

// wait returns the channel signaled whenever items arrive or the queue
// closes.
func (q *outQueue) wait() <-chan struct{} { return q.notify }

func (q *outQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
