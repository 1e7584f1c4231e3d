package hw

import (
	"fmt"
	"sync"
)

// Pool is a fixed-size set of pre-allocated buffers. Free buffers sit in the
// pool's Queue; Buffer.Release puts a buffer back.
type Pool struct {
	queue *Queue
	size  int
	num   int

	mu     sync.Mutex
	closed bool
}

// NewPool allocates num buffers of size bytes each.
func NewPool(num, size int) (*Pool, error) {
	if num <= 0 {
		return nil, fmt.Errorf("hw: pool buffer count %d: %w", num, StatusEINVAL)
	}
	if size < 0 {
		return nil, fmt.Errorf("hw: pool buffer size %d: %w", size, StatusEINVAL)
	}
	p := &Pool{
		queue: NewQueue(),
		size:  size,
		num:   num,
	}
	for i := 0; i < num; i++ {
		b := NewBuffer(size)
		b.pool = p
		p.queue.Put(b)
	}
	return p, nil
}

// Queue returns the free-buffer queue.
func (p *Pool) Queue() *Queue { return p.queue }

// BufferSize is the allocation size of every buffer in the pool.
func (p *Pool) BufferSize() int { return p.size }

// Len is the number of buffers the pool was created with.
func (p *Pool) Len() int { return p.num }

// Close destroys the pool. Buffers released afterwards are discarded.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	for p.queue.Get() != nil {
	}
}

func (p *Pool) put(b *Buffer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.queue.Put(b)
}
