// Package gpu is the GPU-direct backend. Every destination rank gets its own
// device stream; copies into peer memory are queued asynchronously and a
// stream callback rings the doorbell once the copies ahead of it land.
package gpu

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/rocketbitz/commbench-go/backend"
	"github.com/rocketbitz/commbench-go/group"
	"github.com/rocketbitz/commbench-go/mem"
	"github.com/rocketbitz/commbench-go/transport/device"
	"github.com/rocketbitz/commbench-go/transport/shm"
)

type peerKey struct {
	rank int
	id   uint64
}

// Adapter implements backend.Adapter over a device.Device.
type Adapter struct {
	rank int
	dev  device.Device
	bell shm.Doorbell
}

var _ backend.Adapter = (*Adapter)(nil)

// New is the backend.Factory for GPU. It needs a device for the copies and a
// shared-memory driver for completion doorbells.
func New(g *group.Context) (backend.Adapter, error) {
	if g == nil || g.Device() == nil {
		return nil, fmt.Errorf("%w: gpu needs a device", backend.ErrGroupContext)
	}
	if g.SharedMemory() == nil {
		return nil, fmt.Errorf("%w: gpu needs a shared-memory driver for peer notification", backend.ErrGroupContext)
	}
	bell, err := g.SharedMemory().Doorbell(g.NextChannel())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", backend.ErrGroupContext, err)
	}
	return &Adapter{rank: g.Rank(), dev: g.Device(), bell: bell}, nil
}

func (a *Adapter) Kind() backend.Kind { return backend.KindGPU }

type token struct {
	dev        device.Device
	ops        []backend.Op
	registered []*mem.Buffer
	peers      map[peerKey]*mem.Buffer
	streams    map[int]device.Stream
	order      []int
	pushes     map[int]int
	inbox      *backend.Inbox
}

func (t *token) Ops() []backend.Op { return t.ops }

func (t *token) Close() error {
	var errs []error
	for _, rank := range t.order {
		if err := t.streams[rank].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, view := range t.peers {
		if err := t.dev.ClosePeer(view); err != nil {
			errs = append(errs, err)
		}
	}
	for _, buf := range t.registered {
		if err := t.dev.Unregister(buf); err != nil {
			errs = append(errs, err)
		}
	}
	t.streams, t.peers, t.registered, t.order = nil, nil, nil, nil
	return errors.Join(errs...)
}

// Prepare registers local buffers, opens peer buffers and creates one
// stream per destination rank.
func (a *Adapter) Prepare(ops []backend.Op, _ *group.Context) (backend.Token, error) {
	t := &token{
		dev:     a.dev,
		ops:     ops,
		peers:   make(map[peerKey]*mem.Buffer),
		streams: make(map[int]device.Stream),
		pushes:  make(map[int]int),
		inbox:   backend.NewInbox(a.bell, a.rank, ops),
	}
	seen := make(map[*mem.Buffer]bool)
	register := func(buf *mem.Buffer) error {
		if seen[buf] {
			return nil
		}
		if err := a.dev.Register(buf); err != nil {
			return err
		}
		seen[buf] = true
		t.registered = append(t.registered, buf)
		return nil
	}
	fail := func(op backend.Op, err error) (backend.Token, error) {
		_ = t.Close()
		return nil, fmt.Errorf("%w: %s: %v", backend.ErrRegistration, op, err)
	}

	for _, op := range ops {
		role := op.Role(a.rank)
		switch role {
		case backend.RoleLocal:
			if err := register(op.Src); err != nil {
				return fail(op, err)
			}
			if err := register(op.Dst); err != nil {
				return fail(op, err)
			}
		case backend.RoleSend:
			if err := register(op.Src); err != nil {
				return fail(op, err)
			}
			key := peerKey{rank: op.DstRank, id: op.Dst.ID()}
			view, ok := t.peers[key]
			if !ok {
				var err error
				if view, err = a.dev.OpenPeer(op.DstRank, op.Dst.ID()); err != nil {
					return fail(op, err)
				}
				t.peers[key] = view
			}
			if err := view.Check(op.DstOffset, op.Length); err != nil {
				return fail(op, err)
			}
			t.pushes[op.DstRank]++
		case backend.RoleRecv:
			if err := register(op.Dst); err != nil {
				return fail(op, err)
			}
			continue
		default:
			continue
		}
		if _, ok := t.streams[op.DstRank]; !ok {
			stream, err := a.dev.NewStream()
			if err != nil {
				return fail(op, err)
			}
			t.streams[op.DstRank] = stream
			t.order = append(t.order, op.DstRank)
		}
	}
	return t, nil
}

type execution struct {
	tok      *token
	events   map[int]device.Event
	rung     []atomic.Int32
	failures []backend.Failure
	status   *backend.Status
}

func (e *execution) Token() backend.Token { return e.tok }

// failRank records err for every op this rank issued on dst's stream.
func (e *execution) failRank(rank, dst int, err error) {
	for _, op := range e.tok.ops {
		role := op.Role(rank)
		if op.DstRank != dst || (role != backend.RoleSend && role != backend.RoleLocal) {
			continue
		}
		if e.failed(op.Index) {
			continue
		}
		e.failures = append(e.failures, backend.Failure{Index: op.Index, Op: op, Err: err})
	}
}

func (e *execution) failed(index int) bool {
	for _, f := range e.failures {
		if f.Index == index {
			return true
		}
	}
	return false
}

// Post queues every copy, then a doorbell callback and an event per stream.
func (a *Adapter) Post(tok backend.Token) (backend.Execution, error) {
	t, ok := tok.(*token)
	if !ok || t == nil {
		return nil, errors.New("commbench gpu: foreign token")
	}
	e := &execution{
		tok:    t,
		events: make(map[int]device.Event, len(t.order)),
		rung:   make([]atomic.Int32, len(t.order)),
	}
	for _, op := range t.ops {
		role := op.Role(a.rank)
		if role != backend.RoleLocal && role != backend.RoleSend {
			continue
		}
		if err := a.enqueue(t, op, role); err != nil {
			e.failures = append(e.failures, backend.Failure{Index: op.Index, Op: op, Err: err})
		}
	}
	for i, rank := range t.order {
		stream := t.streams[rank]
		if n := t.pushes[rank]; n > 0 {
			rung, dst := &e.rung[i], rank
			if err := stream.Notify(func() error { return a.ring(rung, n, dst) }); err != nil {
				e.failRank(a.rank, rank, fmt.Errorf("queue doorbell for rank %d: %w", rank, err))
			}
		}
		ev, err := stream.Record()
		if err != nil {
			e.failRank(a.rank, rank, fmt.Errorf("record event for rank %d: %w", rank, err))
			continue
		}
		e.events[rank] = ev
	}
	return e, nil
}

// ring brings the execution's rings for dst up to n. A failed stream skips
// its callback, so Poll finishes the rings from the host; slots are claimed
// before ringing so the two paths never ring twice.
func (a *Adapter) ring(rung *atomic.Int32, n, dst int) error {
	for {
		done := rung.Load()
		if int(done) >= n {
			return nil
		}
		if !rung.CompareAndSwap(done, done+1) {
			continue
		}
		if err := a.bell.Ring(a.rank, dst); err != nil {
			return err
		}
	}
}

func (a *Adapter) enqueue(t *token, op backend.Op, role backend.Role) error {
	if err := backend.CheckLive(op, a.rank); err != nil {
		return err
	}
	src, err := op.Src.Slice(op.SrcOffset, op.Length)
	if err != nil {
		return err
	}
	target := op.Dst
	if role == backend.RoleSend {
		target = t.peers[peerKey{rank: op.DstRank, id: op.Dst.ID()}]
	}
	dst, err := target.Slice(op.DstOffset, op.Length)
	if err != nil {
		return err
	}
	return t.streams[op.DstRank].CopyAsync(dst, src)
}

// Poll waits for every stream event and every incoming doorbell ring. Rings
// a failed stream skipped are issued from the host once its event resolves.
func (a *Adapter) Poll(ctx context.Context, exec backend.Execution, blocking bool) (backend.Status, error) {
	e, ok := exec.(*execution)
	if !ok || e == nil {
		return backend.Status{}, errors.New("commbench gpu: foreign execution")
	}
	if e.status != nil {
		return *e.status, nil
	}
	t := e.tok

	if !blocking {
		for _, ev := range e.events {
			if done, _ := ev.Query(); !done {
				return backend.Status{}, nil
			}
		}
	}

	for i, rank := range t.order {
		if ev, ok := e.events[rank]; ok {
			if err := ev.Synchronize(ctx); err != nil {
				if ctx != nil && ctx.Err() != nil {
					return backend.Status{}, err
				}
				e.failRank(a.rank, rank, err)
			}
		}
		if n := t.pushes[rank]; n > 0 {
			if err := a.ring(&e.rung[i], n, rank); err != nil {
				e.failRank(a.rank, rank, fmt.Errorf("ring doorbell for rank %d: %w", rank, err))
			}
		}
	}

	if !blocking && !t.inbox.Ready() {
		return backend.Status{}, nil
	}
	if err := t.inbox.Wait(ctx); err != nil {
		return backend.Status{}, err
	}
	t.inbox.Commit()
	e.status = &backend.Status{Done: true, Failures: backend.Retire(t.ops, a.rank, e.failures)}
	return *e.status, nil
}

// Close releases the doorbell.
func (a *Adapter) Close() error {
	return a.bell.Close()
}
