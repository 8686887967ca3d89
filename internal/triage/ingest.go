package triage

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

// pendingItem is a validated, classified submission waiting for a worker.
type pendingItem struct {
	tx         *Transaction
	reqBody    []byte
	respBody   []byte
	annotation ThreatAnnotation
	seq        uint64
	receivedAt time.Time
}

// pendingQueue is a bounded priority queue keyed by transaction ID. Workers
// pop the highest severity first (oldest first within a severity). When
// full, the lowest-severity item is evicted; High and Critical items are
// never evicted, so the queue may exceed its capacity with them.
type pendingQueue struct {
	mu       sync.Mutex
	items    map[string]*pendingItem
	capacity int
	active   int
	closed   bool
	wake     chan struct{}
}

func newPendingQueue(capacity int) *pendingQueue {
	return &pendingQueue{
		items:    make(map[string]*pendingItem),
		capacity: capacity,
		wake:     make(chan struct{}, 1),
	}
}

// push enqueues it. It returns the item dropped to make room, which may be
// it itself, or nil. Pushing an ID that is already pending replaces it.
func (q *pendingQueue) push(it *pendingItem) (dropped *pendingItem, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, false
	}

	id := it.tx.ID
	if prev, exists := q.items[id]; exists {
		if prev.seq < it.seq {
			q.items[id] = it
		}
		q.signal()
		return nil, true
	}

	if len(q.items) >= q.capacity {
		victim := q.lowestLocked()
		switch {
		case victim == nil || victim.annotation.Severity.Protected():
			if !it.annotation.Severity.Protected() {
				return it, true
			}
		case it.annotation.Severity < victim.annotation.Severity:
			return it, true
		default:
			delete(q.items, victim.tx.ID)
			dropped = victim
		}
	}

	q.items[id] = it
	q.signal()
	return dropped, true
}

// lowestLocked returns the lowest severity item, oldest first.
func (q *pendingQueue) lowestLocked() *pendingItem {
	var low *pendingItem
	for _, it := range q.items {
		if low == nil ||
			it.annotation.Severity < low.annotation.Severity ||
			(it.annotation.Severity == low.annotation.Severity && it.seq < low.seq) {
			low = it
		}
	}
	return low
}

func (q *pendingQueue) signal() {
	if q.closed {
		return
	}
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// tryPop removes the highest-priority item and counts it as active.
func (q *pendingQueue) tryPop() (*pendingItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var top *pendingItem
	for _, it := range q.items {
		if top == nil ||
			it.annotation.Severity > top.annotation.Severity ||
			(it.annotation.Severity == top.annotation.Severity && it.seq < top.seq) {
			top = it
		}
	}
	if top == nil {
		return nil, false
	}
	delete(q.items, top.tx.ID)
	q.active++
	if len(q.items) > 0 {
		q.signal()
	}
	return top, true
}

// pop blocks until an item is available, the queue is closed and empty, or
// ctx is done.
func (q *pendingQueue) pop(ctx context.Context) (*pendingItem, bool) {
	for {
		if it, ok := q.tryPop(); ok {
			return it, true
		}
		q.mu.Lock()
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil, false
		}
		select {
		case <-q.wake:
		case <-ctx.Done():
			return nil, false
		}
	}
}

func (q *pendingQueue) done() {
	q.mu.Lock()
	q.active--
	q.mu.Unlock()
}

func (q *pendingQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	// wakes every blocked worker
	close(q.wake)
}

// idle reports whether nothing is pending or being processed.
func (q *pendingQueue) idle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) == 0 && q.active == 0
}

// depth returns the number of pending items.
func (q *pendingQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// clear drops every pending item.
func (q *pendingQueue) clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	q.items = make(map[string]*pendingItem)
	return n
}

// keyLocks serializes work on one transaction ID across workers.
type keyLocks struct {
	stripes [64]sync.Mutex
}

func (k *keyLocks) lock(id string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	m := &k.stripes[h.Sum32()%uint32(len(k.stripes))]
	m.Lock()
	return m.Unlock
}
