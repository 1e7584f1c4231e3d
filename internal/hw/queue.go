package hw

import (
	"sync"
	"time"
)

// Queue is a FIFO of buffers safe for concurrent use. It supports a
// non-blocking Get and a bounded blocking wait.
type Queue struct {
	mu     sync.Mutex
	items  []*Buffer
	head   int
	signal chan struct{}
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{signal: make(chan struct{}, 1)}
}

// Put appends b to the queue and wakes one waiter.
func (q *Queue) Put(b *Buffer) {
	q.mu.Lock()
	q.items = append(q.items, b)
	q.mu.Unlock()
	q.notify()
}

// Get removes and returns the oldest buffer, or nil if the queue is empty.
func (q *Queue) Get() *Buffer {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popLocked()
}

// TimedWait waits up to d for a buffer to become available. It returns nil
// when the wait times out.
func (q *Queue) TimedWait(d time.Duration) *Buffer {
	if b := q.Get(); b != nil {
		return b
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	for {
		select {
		case <-q.signal:
			if b := q.Get(); b != nil {
				return b
			}
		case <-timer.C:
			return q.Get()
		}
	}
}

// Len returns the number of queued buffers.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}

func (q *Queue) popLocked() *Buffer {
	if q.head == len(q.items) {
		return nil
	}
	b := q.items[q.head]
	q.items[q.head] = nil
	q.head++

	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	} else {
		if q.head >= 32 && q.head*2 >= len(q.items) {
			n := copy(q.items, q.items[q.head:])
			clear(q.items[n:])
			q.items = q.items[:n]
			q.head = 0
		}
		// Hand the wakeup on so a second waiter sees the remaining items.
		q.notify()
	}
	return b
}

func (q *Queue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
