package comm

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/rocketbitz/commbench-go/backend"
	"github.com/rocketbitz/commbench-go/group"
	"github.com/rocketbitz/commbench-go/mem"
)

// Descriptor is a plan entry: either Concrete or Lazy.
type Descriptor interface {
	descriptor()
}

// Concrete copies Length bytes from Src[SrcOffset:] on SrcRank to
// Dst[DstOffset:] on DstRank.
type Concrete struct {
	Src       *mem.Buffer
	SrcOffset uint64
	Dst       *mem.Buffer
	DstOffset uint64
	Length    uint64
	SrcRank   int
	DstRank   int
}

func (Concrete) descriptor() {}

// Lazy is a transfer declared by shape; compilation binds it to staging
// buffers.
type Lazy struct {
	Length  uint64
	SrcRank int
	DstRank int
}

func (Lazy) descriptor() {}

type compiledPlan struct {
	ops     []backend.Op
	token   backend.Token
	staging []*mem.Buffer
	// local lists the distinct buffers this rank touches.
	local []*mem.Buffer
	bytes int64
}

func (p *compiledPlan) release(g *group.Context) error {
	var errs []error
	if p.token != nil {
		if err := p.token.Close(); err != nil {
			errs = append(errs, err)
		}
		p.token = nil
	}
	for _, buf := range p.staging {
		g.Staging().Release(buf)
	}
	p.staging = nil
	return errors.Join(errs...)
}

// Compile freezes the plan and prepares it with the backend. It runs at most
// once; Start and Measure call it implicitly. A failed compilation is
// terminal for the communicator.
func (c *Comm) Compile(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.compileLocked(ensureContext(ctx))
}

func (c *Comm) compileLocked(ctx context.Context) error {
	if c.closed {
		return ErrClosed
	}
	if c.compiled != nil {
		return nil
	}
	if c.compileErr != nil {
		return c.compileErr
	}
	plan, err := c.compile(ctx)
	if err != nil {
		c.compileErr = err
		c.logEvent("compile_error", logKV("descriptors", len(c.plan)), logKV("error", err))
		return err
	}
	c.compiled = plan
	c.stats.compiles.Add(1)
	fields := []logField{
		logKV("descriptors", len(plan.ops)),
		logKV("lazy", len(plan.staging)/2),
		logKV("bytes", plan.bytes),
	}
	c.logEvent("compile", fields...)
	c.metricPlanCompiled(fields...)
	return nil
}

func (c *Comm) compile(ctx context.Context) (*compiledPlan, error) {
	plan := &compiledPlan{ops: make([]backend.Op, 0, len(c.plan))}

	// Resolve lazy descriptors. Every rank acquires the same staging pair
	// in the same order, so the buffers share identities across ranks.
	concrete := make([]Concrete, 0, len(c.plan))
	for _, d := range c.plan {
		switch d := d.(type) {
		case Concrete:
			concrete = append(concrete, d)
		case Lazy:
			src, err := c.g.Staging().Acquire(d.Length)
			if err != nil {
				_ = plan.release(c.g)
				return nil, fmt.Errorf("%w: staging source for lazy transfer %d->%d: %v", ErrRegistration, d.SrcRank, d.DstRank, err)
			}
			plan.staging = append(plan.staging, src)
			dst, err := c.g.Staging().Acquire(d.Length)
			if err != nil {
				_ = plan.release(c.g)
				return nil, fmt.Errorf("%w: staging destination for lazy transfer %d->%d: %v", ErrRegistration, d.SrcRank, d.DstRank, err)
			}
			plan.staging = append(plan.staging, dst)
			concrete = append(concrete, Concrete{
				Src:     src,
				Dst:     dst,
				Length:  d.Length,
				SrcRank: d.SrcRank,
				DstRank: d.DstRank,
			})
		}
	}

	for _, d := range concrete {
		if err := c.validate(d); err != nil {
			_ = plan.release(c.g)
			return nil, err
		}
		plan.ops = append(plan.ops, backend.Op{
			Src:       d.Src,
			SrcOffset: d.SrcOffset,
			Dst:       d.Dst,
			DstOffset: d.DstOffset,
			Length:    d.Length,
			SrcRank:   d.SrcRank,
			DstRank:   d.DstRank,
		})
		plan.bytes += int64(d.Length)
	}

	sort.SliceStable(plan.ops, func(i, j int) bool {
		return plan.ops[i].DstRank < plan.ops[j].DstRank
	})
	seen := make(map[*mem.Buffer]bool)
	rank := c.g.Rank()
	for i := range plan.ops {
		plan.ops[i].Index = i
		op := plan.ops[i]
		switch op.Role(rank) {
		case backend.RoleLocal:
			plan.local = appendOnce(plan.local, seen, op.Src, op.Dst)
		case backend.RoleSend:
			plan.local = appendOnce(plan.local, seen, op.Src)
		case backend.RoleRecv:
			plan.local = appendOnce(plan.local, seen, op.Dst)
		}
	}

	// Peers map each other's buffers during Prepare, so every rank must have
	// finished allocating first.
	if c.g.Size() > 1 && c.g.Collective() {
		if err := c.g.Barrier(ctx); err != nil {
			_ = plan.release(c.g)
			return nil, fmt.Errorf("%w: exchange: %v", ErrRegistration, err)
		}
	}

	token, err := c.adapter.Prepare(plan.ops, c.g)
	if err != nil {
		_ = plan.release(c.g)
		if errors.Is(err, ErrRegistration) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrRegistration, err)
	}
	plan.token = token
	return plan, nil
}

func appendOnce(list []*mem.Buffer, seen map[*mem.Buffer]bool, bufs ...*mem.Buffer) []*mem.Buffer {
	for _, buf := range bufs {
		if seen[buf] {
			continue
		}
		seen[buf] = true
		list = append(list, buf)
	}
	return list
}
