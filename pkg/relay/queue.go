package relay

import (
	"sync"

	"github.com/eapache/queue"
)

// inboundQueue is the unbounded FIFO between the shared overlay dispatch
// loop and one session's overlay-to-backend forwarding task. Dispatch never
// blocks on a slow session; ordering is preserved by construction.
type inboundQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  *queue.Queue
	closed bool
}

func newInboundQueue() *inboundQueue {
	q := &inboundQueue{items: queue.New()}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends one payload. Returns false when the queue is closed.
func (q *inboundQueue) Push(payload []byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items.Add(payload)
	q.cond.Signal()
	return true
}

// Pop blocks until a payload is available or the queue is closed. The
// second return is false once the queue is closed and drained.
func (q *inboundQueue) Pop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.items.Length() == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.items.Length() == 0 {
		return nil, false
	}
	payload := q.items.Remove().([]byte)
	return payload, true
}

// Close wakes all waiters. Remaining items stay poppable; idempotent.
func (q *inboundQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.cond.Broadcast()
}

// Len returns the number of queued payloads.
func (q *inboundQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Length()
}
