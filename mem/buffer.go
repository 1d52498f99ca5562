// Package mem provides the buffer handles moved by communication plans and
// the allocators that produce them.
//
// A Buffer is owned by the caller that allocated it. Plans only reference
// buffers; they never allocate or free caller memory. Allocators hand out
// symmetric identities: the k-th allocation on every rank carries the same
// ID, so a transfer can name "the same buffer" on its source and destination
// ranks.
package mem

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"
)

var (
	// ErrFreed indicates the buffer was released by its allocator.
	ErrFreed = errors.New("commbench mem: buffer freed")
	// ErrRange indicates an offset/length pair outside the buffer capacity.
	ErrRange = errors.New("commbench mem: range exceeds buffer capacity")
	// ErrZeroCapacity indicates an allocation request for zero bytes.
	ErrZeroCapacity = errors.New("commbench mem: capacity must be positive")
	// ErrForeign indicates a buffer was returned to an allocator that did not produce it.
	ErrForeign = errors.New("commbench mem: buffer not owned by allocator")
	// ErrClosed indicates the allocator or pool has been closed.
	ErrClosed = errors.New("commbench mem: closed")
)

// Kind reports what backs a buffer.
type Kind int

const (
	KindHost Kind = iota + 1
	KindShared
	KindDevice
)

func (k Kind) String() string {
	switch k {
	case KindHost:
		return "host"
	case KindShared:
		return "shared"
	case KindDevice:
		return "device"
	default:
		return "unknown"
	}
}

// Buffer is an opaque handle to a memory region of fixed capacity.
//
// A buffer that is freed while pinned by an outstanding execution keeps its
// backing memory until the last pin is dropped; Live reports false from the
// moment Free is called so the fault stays detectable.
type Buffer struct {
	id    uint64
	rank  int
	kind  Kind
	data  []byte
	path  string
	owner any

	freed atomic.Bool

	mu       sync.Mutex
	pins     int
	released bool
	release  func([]byte) error
}

// NewBuffer wraps memory obtained elsewhere (a driver mapping, a device
// allocation) in a handle. release runs once the buffer is freed and unpinned.
func NewBuffer(id uint64, rank int, kind Kind, data []byte, release func([]byte) error) *Buffer {
	return &Buffer{id: id, rank: rank, kind: kind, data: data, release: release}
}

// ID returns the symmetric identity shared by every rank's k-th allocation.
func (b *Buffer) ID() uint64 {
	if b == nil {
		return 0
	}
	return b.id
}

// Rank reports the rank whose memory backs the buffer.
func (b *Buffer) Rank() int {
	if b == nil {
		return -1
	}
	return b.rank
}

// Kind reports the backing memory kind.
func (b *Buffer) Kind() Kind {
	if b == nil {
		return 0
	}
	return b.kind
}

// Cap returns the capacity in bytes.
func (b *Buffer) Cap() uint64 {
	if b == nil {
		return 0
	}
	return uint64(len(b.data))
}

// Addr returns a pointer-sized token for the start of the region. It is only
// meaningful for logging and equality; it must not be dereferenced.
func (b *Buffer) Addr() uintptr {
	if b == nil || len(b.data) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(unsafe.SliceData(b.data)))
}

// Path returns the shared-memory file backing the buffer, if any.
func (b *Buffer) Path() string {
	if b == nil {
		return ""
	}
	return b.path
}

// Live reports whether the buffer has not been freed.
func (b *Buffer) Live() bool {
	return b != nil && !b.freed.Load()
}

// Bytes returns the whole region, or nil once the buffer has been freed.
func (b *Buffer) Bytes() []byte {
	if !b.Live() {
		return nil
	}
	return b.data
}

// Slice returns the length bytes starting at offset.
func (b *Buffer) Slice(offset, length uint64) ([]byte, error) {
	if b == nil {
		return nil, ErrFreed
	}
	if b.freed.Load() {
		return nil, fmt.Errorf("buffer %d: %w", b.id, ErrFreed)
	}
	if err := b.Check(offset, length); err != nil {
		return nil, err
	}
	return b.data[offset : offset+length : offset+length], nil
}

// Check validates that [offset, offset+length) lies inside the buffer.
func (b *Buffer) Check(offset, length uint64) error {
	capacity := b.Cap()
	end := offset + length
	if end < offset || end > capacity {
		return fmt.Errorf("%w: offset %d length %d capacity %d", ErrRange, offset, length, capacity)
	}
	return nil
}

// Pin keeps the backing memory alive until Unpin. It fails once the buffer
// has been freed.
func (b *Buffer) Pin() error {
	if b == nil {
		return ErrFreed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.freed.Load() {
		return fmt.Errorf("buffer %d: %w", b.id, ErrFreed)
	}
	b.pins++
	return nil
}

// Unpin drops a pin taken with Pin, releasing the memory if the buffer was
// freed in the meantime.
func (b *Buffer) Unpin() {
	if b == nil {
		return
	}
	b.mu.Lock()
	if b.pins > 0 {
		b.pins--
	}
	releasable := b.pins == 0 && b.freed.Load()
	b.mu.Unlock()
	if releasable {
		_ = b.releaseBacking()
	}
}

// Pinned reports the number of outstanding pins.
func (b *Buffer) Pinned() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pins
}

// markFreed flags the buffer as freed and releases it unless pinned.
func (b *Buffer) markFreed() error {
	if !b.freed.CompareAndSwap(false, true) {
		return fmt.Errorf("buffer %d: %w", b.id, ErrFreed)
	}
	b.mu.Lock()
	pinned := b.pins > 0
	b.mu.Unlock()
	if pinned {
		return nil
	}
	return b.releaseBacking()
}

// Close releases a buffer not produced by an Allocator, such as a peer
// mapping returned by a transport driver.
func (b *Buffer) Close() error {
	if b == nil {
		return nil
	}
	if b.freed.Load() {
		return nil
	}
	return b.markFreed()
}

func (b *Buffer) releaseBacking() error {
	b.mu.Lock()
	if b.released {
		b.mu.Unlock()
		return nil
	}
	b.released = true
	release := b.release
	b.release = nil
	b.mu.Unlock()
	if release == nil {
		return nil
	}
	return release(b.data)
}

func (b *Buffer) String() string {
	if b == nil {
		return "buffer(nil)"
	}
	return fmt.Sprintf("buffer(id=%d rank=%d kind=%s cap=%d)", b.id, b.rank, b.kind, len(b.data))
}

// Allocator produces and releases buffers. Implementations must be safe for
// concurrent use.
type Allocator interface {
	Allocate(capacity uint64) (*Buffer, error)
	Free(buf *Buffer) error
}
