// Package ipc is the shared-memory backend. Transfers are one-sided pushes:
// the source rank copies straight into the destination rank's mapped buffer
// and rings the pair's doorbell. Posting is synchronous; completion on the
// destination is observed through the doorbell.
package ipc

import (
	"context"
	"errors"
	"fmt"

	"github.com/rocketbitz/commbench-go/backend"
	"github.com/rocketbitz/commbench-go/group"
	"github.com/rocketbitz/commbench-go/mem"
	"github.com/rocketbitz/commbench-go/transport/shm"
)

type peerKey struct {
	rank int
	id   uint64
}

// Adapter implements backend.Adapter over a shm.Driver.
type Adapter struct {
	rank    int
	drv     shm.Driver
	channel uint64
	bell    shm.Doorbell
}

var _ backend.Adapter = (*Adapter)(nil)

// New is the backend.Factory for IPC. It claims a doorbell channel from g, so
// ranks must construct communicators in the same order.
func New(g *group.Context) (backend.Adapter, error) {
	if g == nil || g.SharedMemory() == nil {
		return nil, fmt.Errorf("%w: ipc needs a shared-memory driver", backend.ErrGroupContext)
	}
	channel := g.NextChannel()
	bell, err := g.SharedMemory().Doorbell(channel)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", backend.ErrGroupContext, err)
	}
	return &Adapter{rank: g.Rank(), drv: g.SharedMemory(), channel: channel, bell: bell}, nil
}

func (a *Adapter) Kind() backend.Kind { return backend.KindIPC }

type token struct {
	ops   []backend.Op
	views map[peerKey]*mem.Buffer
	drv   shm.Driver
	inbox *backend.Inbox
}

func (t *token) Ops() []backend.Op { return t.ops }

func (t *token) Close() error {
	var errs []error
	for _, view := range t.views {
		view.Unpin()
		if err := t.drv.Unmap(view); err != nil {
			errs = append(errs, err)
		}
	}
	t.views = nil
	return errors.Join(errs...)
}

// Prepare maps and pins every destination buffer this rank writes into.
func (a *Adapter) Prepare(ops []backend.Op, _ *group.Context) (backend.Token, error) {
	t := &token{
		ops:   ops,
		views: make(map[peerKey]*mem.Buffer),
		drv:   a.drv,
		inbox: backend.NewInbox(a.bell, a.rank, ops),
	}
	for _, op := range ops {
		if op.Role(a.rank) != backend.RoleSend {
			continue
		}
		key := peerKey{rank: op.DstRank, id: op.Dst.ID()}
		view, ok := t.views[key]
		if !ok {
			var err error
			view, err = a.drv.Map(op.DstRank, op.Dst.ID())
			if err != nil {
				_ = t.Close()
				return nil, fmt.Errorf("%w: %s: %v", backend.ErrRegistration, op, err)
			}
			if err := view.Pin(); err != nil {
				_ = a.drv.Unmap(view)
				_ = t.Close()
				return nil, fmt.Errorf("%w: %s: %v", backend.ErrRegistration, op, err)
			}
			t.views[key] = view
		}
		if err := view.Check(op.DstOffset, op.Length); err != nil {
			_ = t.Close()
			return nil, fmt.Errorf("%w: %s: peer mapping: %v", backend.ErrRegistration, op, err)
		}
	}
	return t, nil
}

type execution struct {
	tok      *token
	failures []backend.Failure
	status   *backend.Status
}

func (e *execution) Token() backend.Token { return e.tok }

// Post performs local copies and pushes, ringing the doorbell once per push.
// A failed push or ring is recorded against its op and the remaining ops are
// still issued.
func (a *Adapter) Post(tok backend.Token) (backend.Execution, error) {
	t, ok := tok.(*token)
	if !ok || t == nil {
		return nil, errors.New("commbench ipc: foreign token")
	}
	e := &execution{tok: t}
	for _, op := range t.ops {
		switch op.Role(a.rank) {
		case backend.RoleLocal:
			err := backend.CheckLive(op, a.rank)
			if err == nil {
				err = backend.LocalCopy(op)
			}
			if err != nil {
				e.failures = append(e.failures, backend.Failure{Index: op.Index, Op: op, Err: err})
			}
		case backend.RoleSend:
			err := a.push(t, op)
			if rerr := a.bell.Ring(a.rank, op.DstRank); rerr != nil {
				err = errors.Join(err, fmt.Errorf("ring doorbell for rank %d: %w", op.DstRank, rerr))
			}
			if err != nil {
				e.failures = append(e.failures, backend.Failure{Index: op.Index, Op: op, Err: err})
			}
		}
	}
	return e, nil
}

func (a *Adapter) push(t *token, op backend.Op) error {
	if err := backend.CheckLive(op, a.rank); err != nil {
		return err
	}
	view := t.views[peerKey{rank: op.DstRank, id: op.Dst.ID()}]
	if view == nil {
		return fmt.Errorf("commbench ipc: no mapping for rank %d buffer %d", op.DstRank, op.Dst.ID())
	}
	dst, err := view.Slice(op.DstOffset, op.Length)
	if err != nil {
		return fmt.Errorf("peer rank %d: %w", op.DstRank, err)
	}
	src, err := op.Src.Slice(op.SrcOffset, op.Length)
	if err != nil {
		return err
	}
	copy(dst, src)
	return nil
}

// Poll waits for every incoming push of the execution.
func (a *Adapter) Poll(ctx context.Context, exec backend.Execution, blocking bool) (backend.Status, error) {
	e, ok := exec.(*execution)
	if !ok || e == nil {
		return backend.Status{}, errors.New("commbench ipc: foreign execution")
	}
	if e.status != nil {
		return *e.status, nil
	}
	inbox := e.tok.inbox
	if blocking {
		if err := inbox.Wait(ctx); err != nil {
			return backend.Status{}, err
		}
	} else if !inbox.Ready() {
		return backend.Status{}, nil
	}
	inbox.Commit()
	e.status = &backend.Status{Done: true, Failures: backend.Retire(e.tok.ops, a.rank, e.failures)}
	return *e.status, nil
}

// Close releases the doorbell.
func (a *Adapter) Close() error {
	return a.bell.Close()
}
