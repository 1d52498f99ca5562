package group

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/rocketbitz/commbench-go/transport/device"
	"github.com/rocketbitz/commbench-go/transport/msg"
	"github.com/rocketbitz/commbench-go/transport/shm"
)

// World is an in-process group: every rank is a goroutine, shared memory is
// a shm.Node, messaging is a msg.Hub and each rank has an emulated device.
type World struct {
	node     *shm.Node
	hub      *msg.Hub
	contexts []*Context
}

// NewLocalWorld brings up size ranks with every backend ready. opts apply to
// each rank's context; allocator options are ignored because ranks must
// publish their buffers to the shared node.
func NewLocalWorld(size int, opts ...Option) (*World, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: group size %d", ErrNotInitialized, size)
	}
	w := &World{
		node:     shm.NewNode(size),
		hub:      msg.NewHub(size),
		contexts: make([]*Context, size),
	}
	name := uuid.NewString()
	for rank := 0; rank < size; rank++ {
		drv, err := w.node.Driver(rank)
		if err != nil {
			_ = w.Close()
			return nil, err
		}
		ep, err := w.hub.Endpoint(rank)
		if err != nil {
			_ = w.Close()
			return nil, err
		}
		rankOpts := append(append([]Option{WithName(name)}, opts...),
			WithAllocator(w.node.Allocator(rank)),
			WithSharedMemory(drv),
			WithMessenger(ep),
			WithDevice(device.NewHostDevice(rank, drv)),
		)
		ctx, err := New(rank, size, rankOpts...)
		if err != nil {
			_ = w.Close()
			return nil, err
		}
		w.contexts[rank] = ctx
	}
	return w, nil
}

// Size reports the number of ranks.
func (w *World) Size() int { return len(w.contexts) }

// Context returns rank's group context.
func (w *World) Context(rank int) *Context {
	if rank < 0 || rank >= len(w.contexts) {
		return nil
	}
	return w.contexts[rank]
}

// Run invokes fn once per rank, concurrently, and returns the first error.
// The context passed to fn is cancelled when any rank fails.
func (w *World) Run(ctx context.Context, fn func(ctx context.Context, g *Context) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	eg, ectx := errgroup.WithContext(ctx)
	for _, c := range w.contexts {
		c := c
		eg.Go(func() error {
			if err := fn(ectx, c); err != nil {
				return fmt.Errorf("rank %d: %w", c.Rank(), err)
			}
			return nil
		})
	}
	return eg.Wait()
}

// Close shuts down every rank and the shared node.
func (w *World) Close() error {
	var errs []error
	for _, c := range w.contexts {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := w.node.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
