package distribution

import (
	"sync"

	"github.com/warp/referral-engine/metrics"
)

// queue is the process-local buffer of batch ids waiting for a worker.
// It is not a source of truth: every id in it already has a ledger row.
//
// An id stays tracked from push until done, covering both the time it sits
// in the buffer and the time a worker holds it, so recovery cannot dispatch
// the same batch twice inside one process.
type queue struct {
	mu      sync.Mutex
	pending []BatchID
	tracked map[BatchID]struct{}
	notify  chan struct{}
}

func newQueue() *queue {
	return &queue{
		tracked: make(map[BatchID]struct{}),
		notify:  make(chan struct{}, 1),
	}
}

// push buffers id. Returns false if the id is already tracked.
func (q *queue) push(id BatchID) bool {
	q.mu.Lock()
	if _, ok := q.tracked[id]; ok {
		q.mu.Unlock()
		return false
	}
	q.tracked[id] = struct{}{}
	q.pending = append(q.pending, id)
	depth := len(q.pending)
	q.mu.Unlock()

	metrics.QueueDepth.Set(float64(depth))
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// take removes up to n ids from the front of the buffer. They stay tracked.
func (q *queue) take(n int) []BatchID {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n <= 0 || n > len(q.pending) {
		n = len(q.pending)
	}
	group := make([]BatchID, n)
	copy(group, q.pending[:n])
	q.pending = q.pending[n:]
	metrics.QueueDepth.Set(float64(len(q.pending)))
	return group
}

func (q *queue) done(id BatchID) {
	q.mu.Lock()
	delete(q.tracked, id)
	q.mu.Unlock()
}

func (q *queue) isTracked(id BatchID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.tracked[id]
	return ok
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
