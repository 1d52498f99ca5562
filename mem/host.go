package mem

import (
	"fmt"
	"sync/atomic"
)

// HostAllocator hands out Go heap buffers for one rank.
type HostAllocator struct {
	rank   int
	next   atomic.Uint64
	closed atomic.Bool
	hook   func(*Buffer)
}

// NewHostAllocator returns an allocator whose buffers belong to rank.
func NewHostAllocator(rank int) *HostAllocator {
	return &HostAllocator{rank: rank}
}

// OnAllocate registers fn to observe every buffer after it is allocated.
// Transport drivers use it to publish buffers to peers.
func (a *HostAllocator) OnAllocate(fn func(*Buffer)) {
	a.hook = fn
}

// Rank reports the owning rank.
func (a *HostAllocator) Rank() int {
	return a.rank
}

// Allocate returns a zeroed buffer of the requested capacity.
func (a *HostAllocator) Allocate(capacity uint64) (*Buffer, error) {
	if a == nil || a.closed.Load() {
		return nil, ErrClosed
	}
	if capacity == 0 {
		return nil, ErrZeroCapacity
	}
	id := a.next.Add(1)
	buf := &Buffer{
		id:    id,
		rank:  a.rank,
		kind:  KindHost,
		data:  make([]byte, capacity),
		owner: a,
	}
	if a.hook != nil {
		a.hook(buf)
	}
	return buf, nil
}

// Free releases buf. Memory referenced by an outstanding execution stays
// valid until that execution is retired.
func (a *HostAllocator) Free(buf *Buffer) error {
	if buf == nil {
		return nil
	}
	if buf.owner != a {
		return fmt.Errorf("buffer %d: %w", buf.id, ErrForeign)
	}
	return buf.markFreed()
}

// Close stops further allocations.
func (a *HostAllocator) Close() {
	a.closed.Store(true)
}
