// Package device is the GPU-direct transport seam: devices own ordered
// streams of asynchronous copies, events mark stream positions, and peer
// memory must be opened before a stream can write into it.
//
// HostDevice emulates a device on the host. Streams are goroutines draining
// an ordered work queue, which gives the same ordering and error semantics
// as a hardware stream.
package device

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rocketbitz/commbench-go/mem"
	"github.com/rocketbitz/commbench-go/transport/shm"
)

var (
	// ErrNotRegistered indicates memory that was never registered with the device.
	ErrNotRegistered = errors.New("commbench device: memory not registered")
	// ErrClosed indicates the device or stream has been closed.
	ErrClosed = errors.New("commbench device: closed")
	// ErrCopySize indicates mismatched copy extents.
	ErrCopySize = errors.New("commbench device: copy size mismatch")
)

// Device is one accelerator visible to a rank.
type Device interface {
	Ordinal() int
	NewStream() (Stream, error)
	// Register pins buf for device access. Registrations nest.
	Register(buf *mem.Buffer) error
	Unregister(buf *mem.Buffer) error
	// OpenPeer maps buffer id of another rank for device writes.
	OpenPeer(rank int, id uint64) (*mem.Buffer, error)
	ClosePeer(buf *mem.Buffer) error
	Close() error
}

// Stream executes work in submission order. After the first failure every
// later item is skipped and the error is sticky.
type Stream interface {
	CopyAsync(dst, src []byte) error
	// Notify enqueues a host callback that runs after all earlier work.
	Notify(fn func() error) error
	Record() (Event, error)
	Synchronize(ctx context.Context) error
	Err() error
	Close() error
}

// Event marks a point in a stream.
type Event interface {
	Query() (bool, error)
	Synchronize(ctx context.Context) error
}

// HostDevice is a Device whose memory is host memory.
type HostDevice struct {
	ordinal int
	peers   shm.Driver

	mu         sync.Mutex
	registered map[*mem.Buffer]int
	streams    []*hostStream
	closed     bool
}

var _ Device = (*HostDevice)(nil)

// NewHostDevice returns an emulated device. peers resolves OpenPeer; it may
// be nil for single-rank use.
func NewHostDevice(ordinal int, peers shm.Driver) *HostDevice {
	return &HostDevice{
		ordinal:    ordinal,
		peers:      peers,
		registered: make(map[*mem.Buffer]int),
	}
}

func (d *HostDevice) Ordinal() int { return d.ordinal }

func (d *HostDevice) NewStream() (Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}
	s := newHostStream()
	d.streams = append(d.streams, s)
	return s, nil
}

func (d *HostDevice) Register(buf *mem.Buffer) error {
	if err := buf.Pin(); err != nil {
		return fmt.Errorf("register %s: %w", buf, err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		buf.Unpin()
		return ErrClosed
	}
	d.registered[buf]++
	return nil
}

func (d *HostDevice) Unregister(buf *mem.Buffer) error {
	d.mu.Lock()
	n, ok := d.registered[buf]
	if n <= 1 {
		delete(d.registered, buf)
	} else {
		d.registered[buf] = n - 1
	}
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("unregister %s: %w", buf, ErrNotRegistered)
	}
	buf.Unpin()
	return nil
}

// Registered reports whether buf is registered.
func (d *HostDevice) Registered(buf *mem.Buffer) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.registered[buf]
	return ok
}

func (d *HostDevice) OpenPeer(rank int, id uint64) (*mem.Buffer, error) {
	if d.peers == nil {
		return nil, fmt.Errorf("open peer rank %d buffer %d: no peer driver", rank, id)
	}
	buf, err := d.peers.Map(rank, id)
	if err != nil {
		return nil, err
	}
	if err := buf.Pin(); err != nil {
		_ = d.peers.Unmap(buf)
		return nil, err
	}
	return buf, nil
}

func (d *HostDevice) ClosePeer(buf *mem.Buffer) error {
	if buf == nil {
		return nil
	}
	buf.Unpin()
	if d.peers == nil {
		return nil
	}
	return d.peers.Unmap(buf)
}

// Close stops every stream and drops registrations.
func (d *HostDevice) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	streams := d.streams
	registered := d.registered
	d.streams = nil
	d.registered = nil
	d.mu.Unlock()

	for _, s := range streams {
		_ = s.Close()
	}
	for buf, n := range registered {
		for ; n > 0; n-- {
			buf.Unpin()
		}
	}
	return nil
}
