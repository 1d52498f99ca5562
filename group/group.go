// Package group carries the process-group context a communicator runs in:
// this rank's identity, the group size, the rank that prints reports, and
// the transport drivers that have been brought up for the group.
package group

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/rocketbitz/commbench-go/mem"
	"github.com/rocketbitz/commbench-go/transport/device"
	"github.com/rocketbitz/commbench-go/transport/msg"
	"github.com/rocketbitz/commbench-go/transport/shm"
)

var (
	// ErrNotInitialized indicates a missing or inconsistent group context.
	ErrNotInitialized = errors.New("commbench group: not initialized")
	// ErrNoCollective indicates a multi-rank group without a messenger.
	ErrNoCollective = errors.New("commbench group: collectives require a messenger")
	// ErrClosed indicates the context has been closed.
	ErrClosed = errors.New("commbench group: closed")
)

// Tags below zero are reserved for group collectives.
const (
	tagBarrier = -1
	tagReduce  = -2
)

// DefaultStagingCapacity bounds idle staging buffers kept per size class.
const DefaultStagingCapacity = 8

// Context is one rank's view of the process group.
type Context struct {
	name      string
	rank      int
	size      int
	printRank int

	alloc     mem.Allocator
	staging   *mem.Pool
	stageCap  int
	shm       shm.Driver
	messenger msg.Messenger
	device    device.Device
	closers   []func() error

	channels atomic.Uint64
	collMu   sync.Mutex
	closed   atomic.Bool
}

// Option customises New.
type Option func(*Context)

// WithName sets the group name. Ranks of one group must agree on it.
func WithName(name string) Option {
	return func(c *Context) { c.name = name }
}

// WithPrintRank selects the rank that emits reports. Defaults to 0.
func WithPrintRank(rank int) Option {
	return func(c *Context) { c.printRank = rank }
}

// WithAllocator sets the allocator used for user and staging buffers.
func WithAllocator(alloc mem.Allocator) Option {
	return func(c *Context) { c.alloc = alloc }
}

// WithSharedMemory attaches the shared-memory driver, readying the IPC backend.
func WithSharedMemory(d shm.Driver) Option {
	return func(c *Context) { c.shm = d }
}

// WithMessenger attaches the messaging endpoint, readying the MPI backend and
// group collectives.
func WithMessenger(m msg.Messenger) Option {
	return func(c *Context) { c.messenger = m }
}

// WithDevice attaches the accelerator, readying the GPU backend together with
// a shared-memory driver.
func WithDevice(d device.Device) Option {
	return func(c *Context) { c.device = d }
}

// WithStagingCapacity bounds the idle staging buffers per size class.
func WithStagingCapacity(n int) Option {
	return func(c *Context) { c.stageCap = n }
}

func withCloser(fn func() error) Option {
	return func(c *Context) { c.closers = append(c.closers, fn) }
}

// New builds the context for rank in a group of size ranks.
func New(rank, size int, opts ...Option) (*Context, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: group size %d", ErrNotInitialized, size)
	}
	if rank < 0 || rank >= size {
		return nil, fmt.Errorf("%w: rank %d of %d", ErrNotInitialized, rank, size)
	}
	c := &Context{rank: rank, size: size, stageCap: DefaultStagingCapacity}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.printRank < 0 || c.printRank >= size {
		return nil, fmt.Errorf("%w: print rank %d of %d", ErrNotInitialized, c.printRank, size)
	}
	if c.name == "" {
		c.name = uuid.NewString()
	}
	if c.alloc == nil {
		c.alloc = mem.NewHostAllocator(rank)
	}
	if m := c.messenger; m != nil && (m.Rank() != rank || m.Size() != size) {
		return nil, fmt.Errorf("%w: messenger is rank %d of %d, context is rank %d of %d", ErrNotInitialized, m.Rank(), m.Size(), rank, size)
	}
	pool, err := mem.NewPool(c.alloc, c.stageCap)
	if err != nil {
		return nil, err
	}
	c.staging = pool
	return c, nil
}

func (c *Context) Name() string { return c.name }

func (c *Context) Rank() int { return c.rank }

func (c *Context) Size() int { return c.size }

func (c *Context) PrintRank() int { return c.printRank }

// IsPrintRank reports whether this rank emits reports.
func (c *Context) IsPrintRank() bool { return c.rank == c.printRank }

// ValidRank reports whether r names a member of the group.
func (c *Context) ValidRank(r int) bool { return r >= 0 && r < c.size }

func (c *Context) Allocator() mem.Allocator { return c.alloc }

// Staging returns the pool lazy descriptors draw their buffers from.
func (c *Context) Staging() *mem.Pool { return c.staging }

// SharedMemory returns the shared-memory driver, or nil if none is attached.
func (c *Context) SharedMemory() shm.Driver { return c.shm }

// Messenger returns the messaging endpoint, or nil if none is attached.
func (c *Context) Messenger() msg.Messenger { return c.messenger }

// Device returns the accelerator, or nil if none is attached.
func (c *Context) Device() device.Device { return c.device }

// Allocate returns a buffer from the group allocator. Every rank must issue
// the same allocation sequence for buffer identities to line up.
func (c *Context) Allocate(capacity uint64) (*mem.Buffer, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	return c.alloc.Allocate(capacity)
}

// Free releases a buffer obtained from Allocate.
func (c *Context) Free(buf *mem.Buffer) error {
	return c.alloc.Free(buf)
}

// NextChannel returns a fresh channel number. Ranks that create
// communicators in the same order receive the same numbers.
func (c *Context) NextChannel() uint64 {
	return c.channels.Add(1)
}

// Collective reports whether Barrier and MaxFloat64 are available.
func (c *Context) Collective() bool {
	return c.size == 1 || c.messenger != nil
}

// Barrier returns once every rank has entered it.
func (c *Context) Barrier(ctx context.Context) error {
	_, err := c.reduce(ctx, tagBarrier, 0)
	return err
}

// MaxFloat64 returns the maximum of v across the group on every rank.
func (c *Context) MaxFloat64(ctx context.Context, v float64) (float64, error) {
	return c.reduce(ctx, tagReduce, v)
}

// reduce gathers values at rank 0 and broadcasts the maximum.
func (c *Context) reduce(ctx context.Context, tag int, v float64) (float64, error) {
	if c.size == 1 {
		return v, nil
	}
	if c.messenger == nil {
		return 0, ErrNoCollective
	}
	if c.closed.Load() {
		return 0, ErrClosed
	}
	c.collMu.Lock()
	defer c.collMu.Unlock()

	m := c.messenger
	if c.rank != 0 {
		if err := sendFloat(ctx, m, 0, tag, v); err != nil {
			return 0, err
		}
		return recvFloat(ctx, m, 0, tag)
	}

	reqs := make([]msg.Request, c.size)
	bufs := make([][]byte, c.size)
	for r := 1; r < c.size; r++ {
		bufs[r] = make([]byte, 8)
		req, err := m.Irecv(r, tag, bufs[r])
		if err != nil {
			return 0, fmt.Errorf("collective recv from rank %d: %w", r, err)
		}
		reqs[r] = req
	}
	peak := v
	for r := 1; r < c.size; r++ {
		if err := reqs[r].Wait(ctx); err != nil {
			return 0, fmt.Errorf("collective recv from rank %d: %w", r, err)
		}
		peak = math.Max(peak, math.Float64frombits(binary.LittleEndian.Uint64(bufs[r])))
	}
	for r := 1; r < c.size; r++ {
		if err := sendFloat(ctx, m, r, tag, peak); err != nil {
			return 0, err
		}
	}
	return peak, nil
}

func sendFloat(ctx context.Context, m msg.Messenger, dst, tag int, v float64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
	req, err := m.Isend(dst, tag, buf[:])
	if err != nil {
		return fmt.Errorf("collective send to rank %d: %w", dst, err)
	}
	if err := req.Wait(ctx); err != nil {
		return fmt.Errorf("collective send to rank %d: %w", dst, err)
	}
	return nil
}

func recvFloat(ctx context.Context, m msg.Messenger, src, tag int) (float64, error) {
	buf := make([]byte, 8)
	req, err := m.Irecv(src, tag, buf)
	if err != nil {
		return 0, fmt.Errorf("collective recv from rank %d: %w", src, err)
	}
	if err := req.Wait(ctx); err != nil {
		return 0, fmt.Errorf("collective recv from rank %d: %w", src, err)
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(buf)), nil
}

// Close frees staging buffers and shuts down the attached drivers.
func (c *Context) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.staging.Close()
	var errs []error
	if c.messenger != nil {
		if err := c.messenger.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close messenger: %w", err))
		}
	}
	if c.device != nil {
		if err := c.device.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close device: %w", err))
		}
	}
	if c.shm != nil {
		if err := c.shm.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close shared memory: %w", err))
		}
	}
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
