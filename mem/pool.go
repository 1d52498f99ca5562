package mem

import (
	"errors"
	"sync"
)

// Pool recycles staging buffers by capacity. Buffers are handed out in LIFO
// order per capacity class, so ranks that issue the same Acquire/Release
// sequence observe the same symmetric IDs.
type Pool struct {
	alloc    Allocator
	capacity int

	mu      sync.Mutex
	classes map[uint64][]*Buffer
	closed  bool
}

// NewPool constructs a pool that provisions buffers lazily from alloc and
// retains at most capacity idle buffers per size class.
func NewPool(alloc Allocator, capacity int) (*Pool, error) {
	if alloc == nil {
		return nil, errors.New("commbench mem: pool requires an allocator")
	}
	if capacity < 0 {
		capacity = 0
	}
	return &Pool{
		alloc:    alloc,
		capacity: capacity,
		classes:  make(map[uint64][]*Buffer),
	}, nil
}

// Acquire returns an idle buffer of exactly size bytes, allocating a new one
// when none is available. Callers must Release it when finished.
func (p *Pool) Acquire(size uint64) (*Buffer, error) {
	if p == nil {
		return nil, errors.New("commbench mem: nil pool")
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	idle := p.classes[size]
	if n := len(idle); n > 0 {
		buf := idle[n-1]
		p.classes[size] = idle[:n-1]
		p.mu.Unlock()
		return buf, nil
	}
	p.mu.Unlock()
	return p.alloc.Allocate(size)
}

// Release returns buf to the pool. Buffers that do not fit, or arrive after
// Close, are freed immediately.
func (p *Pool) Release(buf *Buffer) {
	if p == nil || buf == nil || !buf.Live() {
		return
	}
	size := buf.Cap()
	p.mu.Lock()
	if p.closed || len(p.classes[size]) >= p.capacity {
		p.mu.Unlock()
		_ = p.alloc.Free(buf)
		return
	}
	p.classes[size] = append(p.classes[size], buf)
	p.mu.Unlock()
}

// Idle reports the number of pooled buffers across all classes.
func (p *Pool) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, class := range p.classes {
		n += len(class)
	}
	return n
}

// Close frees every pooled buffer and rejects further acquisitions.
func (p *Pool) Close() {
	if p == nil {
		return
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	classes := p.classes
	p.classes = nil
	p.mu.Unlock()
	for _, class := range classes {
		for _, buf := range class {
			_ = p.alloc.Free(buf)
		}
	}
}
