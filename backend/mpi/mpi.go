// Package mpi is the two-sided messaging backend. The source rank posts an
// Isend and the destination rank an Irecv for every op; the tag combines the
// communicator's channel with the op's compiled index.
package mpi

import (
	"context"
	"errors"
	"fmt"

	"github.com/rocketbitz/commbench-go/backend"
	"github.com/rocketbitz/commbench-go/group"
	"github.com/rocketbitz/commbench-go/transport/msg"
)

const indexBits = 20

// MaxOps bounds the ops of one plan so that tags stay unique.
const MaxOps = 1 << indexBits

// Adapter implements backend.Adapter over a msg.Messenger.
type Adapter struct {
	rank    int
	m       msg.Messenger
	channel uint64
}

var _ backend.Adapter = (*Adapter)(nil)

// New is the backend.Factory for MPI.
func New(g *group.Context) (backend.Adapter, error) {
	if g == nil || g.Messenger() == nil {
		return nil, fmt.Errorf("%w: mpi needs a messenger", backend.ErrGroupContext)
	}
	return &Adapter{rank: g.Rank(), m: g.Messenger(), channel: g.NextChannel()}, nil
}

func (a *Adapter) Kind() backend.Kind { return backend.KindMPI }

// Tag returns the message tag used for the op at index.
func (a *Adapter) Tag(index int) int {
	return int(a.channel<<indexBits) | index
}

type token struct {
	ops []backend.Op
}

func (t *token) Ops() []backend.Op { return t.ops }

func (t *token) Close() error { return nil }

// Prepare only validates sizes; messaging needs no registration.
func (a *Adapter) Prepare(ops []backend.Op, _ *group.Context) (backend.Token, error) {
	if len(ops) > MaxOps {
		return nil, fmt.Errorf("%w: %d ops exceed the tag space of %d", backend.ErrRegistration, len(ops), MaxOps)
	}
	return &token{ops: ops}, nil
}

type pending struct {
	op  backend.Op
	req msg.Request
}

type execution struct {
	tok      *token
	pending  []pending
	failures []backend.Failure
	status   *backend.Status
}

func (e *execution) Token() backend.Token { return e.tok }

// Post issues receives first, then sends, then local copies.
func (a *Adapter) Post(tok backend.Token) (backend.Execution, error) {
	t, ok := tok.(*token)
	if !ok || t == nil {
		return nil, errors.New("commbench mpi: foreign token")
	}
	e := &execution{tok: t}
	fail := func(op backend.Op, err error) {
		e.failures = append(e.failures, backend.Failure{Index: op.Index, Op: op, Err: err})
	}

	for _, op := range t.ops {
		if op.Role(a.rank) != backend.RoleRecv {
			continue
		}
		if err := backend.CheckLive(op, a.rank); err != nil {
			fail(op, err)
			// Still drain the matching message so later executions line up.
			req, rerr := a.m.Irecv(op.SrcRank, a.Tag(op.Index), make([]byte, op.Length))
			if rerr == nil {
				e.pending = append(e.pending, pending{op: op, req: req})
			}
			continue
		}
		dst, err := op.Dst.Slice(op.DstOffset, op.Length)
		if err != nil {
			fail(op, err)
			continue
		}
		req, err := a.m.Irecv(op.SrcRank, a.Tag(op.Index), dst)
		if err != nil {
			fail(op, err)
			continue
		}
		e.pending = append(e.pending, pending{op: op, req: req})
	}

	for _, op := range t.ops {
		switch op.Role(a.rank) {
		case backend.RoleSend:
			payload, err := op.Src.Slice(op.SrcOffset, op.Length)
			if err != nil {
				fail(op, err)
				// Keep the receiver matched.
				payload = make([]byte, op.Length)
			}
			req, err := a.m.Isend(op.DstRank, a.Tag(op.Index), payload)
			if err != nil {
				fail(op, err)
				continue
			}
			e.pending = append(e.pending, pending{op: op, req: req})
		case backend.RoleLocal:
			err := backend.CheckLive(op, a.rank)
			if err == nil {
				err = backend.LocalCopy(op)
			}
			if err != nil {
				fail(op, err)
			}
		}
	}
	return e, nil
}

// Poll tests or waits on every outstanding request.
func (a *Adapter) Poll(ctx context.Context, exec backend.Execution, blocking bool) (backend.Status, error) {
	e, ok := exec.(*execution)
	if !ok || e == nil {
		return backend.Status{}, errors.New("commbench mpi: foreign execution")
	}
	if e.status != nil {
		return *e.status, nil
	}
	if !blocking {
		for _, p := range e.pending {
			if done, _ := p.req.Test(); !done {
				return backend.Status{}, nil
			}
		}
	}
	failed := make(map[int]bool, len(e.failures))
	for _, f := range e.failures {
		failed[f.Index] = true
	}
	for _, p := range e.pending {
		err := p.req.Wait(ctx)
		if err != nil && ctx != nil && ctx.Err() != nil {
			return backend.Status{}, err
		}
		if err != nil && !failed[p.op.Index] {
			e.failures = append(e.failures, backend.Failure{Index: p.op.Index, Op: p.op, Err: err})
			failed[p.op.Index] = true
		}
	}
	e.status = &backend.Status{Done: true, Failures: backend.Retire(e.tok.ops, a.rank, e.failures)}
	return *e.status, nil
}

func (a *Adapter) Close() error { return nil }
