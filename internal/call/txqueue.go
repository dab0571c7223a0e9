package call

import "sync"

// defaultQueueCapacity bounds the transmit queue when the config does not say
// otherwise. At 4096 samples per chunk this is roughly eight seconds of
// buffered microphone audio.
const defaultQueueCapacity = 32

// txQueue is a bounded FIFO between the capture callback (producer) and the
// channel sender goroutine (consumer). Push never blocks: when the queue is
// full the oldest chunk is dropped to make room, favouring recency — stale
// microphone audio is worthless to a live conversation.
type txQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  [][]byte
	cap    int
	drops  uint64
	closed bool
}

func newTxQueue(capacity int) *txQueue {
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	q := &txQueue{cap: capacity}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push enqueues chunk, evicting the oldest entry when full. Reports whether
// an eviction happened. Pushes after close are discarded.
func (q *txQueue) push(chunk []byte) (dropped bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	if len(q.items) >= q.cap {
		q.items = q.items[1:]
		q.drops++
		dropped = true
	}
	q.items = append(q.items, chunk)
	q.cond.Signal()
	return dropped
}

// pop blocks until a chunk is available or the queue is closed. The second
// return is false once the queue is closed and drained.
func (q *txQueue) pop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}
	chunk := q.items[0]
	q.items = q.items[1:]
	return chunk, true
}

// close unblocks pop and discards future pushes. Buffered chunks remain
// poppable. Idempotent.
func (q *txQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

// dropCount reports how many chunks were evicted so far.
func (q *txQueue) dropCount() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.drops
}

// depth reports the number of queued chunks.
func (q *txQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
