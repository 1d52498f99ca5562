package shm

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rocketbitz/commbench-go/mem"
)

type bufferKey struct {
	rank int
	id   uint64
}

// Node emulates a shared-memory node inside one process. Every rank's
// allocator publishes its buffers to the node, and drivers resolve peer
// buffers to the very same memory.
type Node struct {
	size int

	mu      sync.RWMutex
	buffers map[bufferKey]*mem.Buffer
	bells   map[uint64]*memoryBell
	closed  bool
}

// NewNode returns a node hosting size ranks.
func NewNode(size int) *Node {
	return &Node{
		size:    size,
		buffers: make(map[bufferKey]*mem.Buffer),
		bells:   make(map[uint64]*memoryBell),
	}
}

// Size reports the number of ranks on the node.
func (n *Node) Size() int { return n.size }

// Allocator returns a host allocator for rank whose buffers are visible to
// every driver of the node.
func (n *Node) Allocator(rank int) *mem.HostAllocator {
	alloc := mem.NewHostAllocator(rank)
	alloc.OnAllocate(n.publish)
	return alloc
}

// Driver returns the view of the node seen by rank.
func (n *Node) Driver(rank int) (Driver, error) {
	if rank < 0 || rank >= n.size {
		return nil, fmt.Errorf("%w: %d of %d", ErrRank, rank, n.size)
	}
	return &nodeDriver{node: n, rank: rank}, nil
}

func (n *Node) publish(buf *mem.Buffer) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.buffers[bufferKey{rank: buf.Rank(), id: buf.ID()}] = buf
}

func (n *Node) lookup(rank int, id uint64) (*mem.Buffer, error) {
	if rank < 0 || rank >= n.size {
		return nil, fmt.Errorf("%w: %d of %d", ErrRank, rank, n.size)
	}
	key := bufferKey{rank: rank, id: id}
	n.mu.RLock()
	buf, ok := n.buffers[key]
	closed := n.closed
	n.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	if !ok {
		return nil, fmt.Errorf("%w: rank %d buffer %d", ErrNotMapped, rank, id)
	}
	if !buf.Live() {
		n.mu.Lock()
		delete(n.buffers, key)
		n.mu.Unlock()
		return nil, fmt.Errorf("%w: rank %d buffer %d freed", ErrNotMapped, rank, id)
	}
	return buf, nil
}

func (n *Node) doorbell(channel uint64) (*memoryBell, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, ErrClosed
	}
	bell, ok := n.bells[channel]
	if !ok {
		bell = &memoryBell{size: n.size, counts: make([]atomic.Uint64, n.size*n.size)}
		n.bells[channel] = bell
	}
	return bell, nil
}

// Close forgets every published buffer and doorbell.
func (n *Node) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = true
	n.buffers = nil
	n.bells = nil
	return nil
}

type nodeDriver struct {
	node *Node
	rank int
}

func (d *nodeDriver) Map(rank int, id uint64) (*mem.Buffer, error) {
	return d.node.lookup(rank, id)
}

// Unmap is a no-op: the view is the owner's buffer.
func (d *nodeDriver) Unmap(*mem.Buffer) error { return nil }

func (d *nodeDriver) Doorbell(channel uint64) (Doorbell, error) {
	return d.node.doorbell(channel)
}

func (d *nodeDriver) Close() error { return nil }

type memoryBell struct {
	size   int
	counts []atomic.Uint64
}

func (b *memoryBell) Ring(src, dst int) error {
	if err := checkPair(b.size, src, dst); err != nil {
		return err
	}
	b.counts[src*b.size+dst].Add(1)
	return nil
}

func (b *memoryBell) Count(src, dst int) uint64 {
	if checkPair(b.size, src, dst) != nil {
		return 0
	}
	return b.counts[src*b.size+dst].Load()
}

func (b *memoryBell) Close() error { return nil }
