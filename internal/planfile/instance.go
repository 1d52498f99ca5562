package planfile

import (
	"context"
	"errors"
	"fmt"

	"github.com/rocketbitz/commbench-go/comm"
	"github.com/rocketbitz/commbench-go/group"
	"github.com/rocketbitz/commbench-go/mem"
)

// Instance is a plan brought up on one rank.
type Instance struct {
	Plan    *Plan
	Buffers map[string]*mem.Buffer
	Comms   []*comm.Comm

	g *group.Context
}

// Instantiate allocates the plan's buffers and builds its communicators on g.
// Every rank must call it with the same plan. base supplies the observability
// settings shared by all communicators.
func (p *Plan) Instantiate(g *group.Context, base comm.Config) (*Instance, error) {
	if g.Size() != p.Ranks {
		return nil, fmt.Errorf("%w: plan has %d ranks, group has %d", ErrInvalid, p.Ranks, g.Size())
	}
	inst := &Instance{Plan: p, Buffers: make(map[string]*mem.Buffer, len(p.Buffers)), g: g}
	for _, b := range p.Buffers {
		buf, err := g.Allocate(b.Size)
		if err != nil {
			_ = inst.Close()
			return nil, fmt.Errorf("allocate buffer %q: %w", b.Name, err)
		}
		inst.Buffers[b.Name] = buf
	}
	for _, c := range p.Comms {
		cfg := base
		cfg.Backend = c.Backend
		cfg.Group = g
		cfg.Name = c.Name
		cm, err := comm.New(cfg)
		if err != nil {
			_ = inst.Close()
			return nil, fmt.Errorf("comm %q: %w", c.Name, err)
		}
		inst.Comms = append(inst.Comms, cm)
		for i, t := range c.Transfers {
			src, dst := inst.Buffers[t.Src], inst.Buffers[t.Dst]
			if err := cm.Add(src, t.SrcOffset, dst, t.DstOffset, t.Length, t.From, t.To); err != nil {
				_ = inst.Close()
				return nil, fmt.Errorf("comm %q transfer %d: %w", c.Name, i, err)
			}
		}
		for i, l := range c.Lazy {
			if err := cm.AddLazy(l.Length, l.From, l.To); err != nil {
				_ = inst.Close()
				return nil, fmt.Errorf("comm %q lazy %d: %w", c.Name, i, err)
			}
		}
	}
	return inst, nil
}

// Options converts the plan's measure settings for the i-th communicator.
func (inst *Instance) Options(i int) comm.MeasureOptions {
	m := inst.Plan.Comms[i].Measure
	return comm.MeasureOptions{Scrub: m.Scrub, Bytes: int64(m.Bytes)}
}

// Measure benchmarks the i-th communicator with its declared settings.
func (inst *Instance) Measure(ctx context.Context, i int) (comm.MeasurementResult, error) {
	m := inst.Plan.Comms[i].Measure
	return inst.Comms[i].MeasureWith(ctx, m.Warmup, m.Iterations, inst.Options(i))
}

// Close closes every communicator and frees the plan's buffers.
func (inst *Instance) Close() error {
	var errs []error
	for _, c := range inst.Comms {
		if h := c.Outstanding(); h != nil {
			// A run interrupted mid-iteration may have finished since.
			_, _ = c.Test(h)
		}
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	inst.Comms = nil
	for name, buf := range inst.Buffers {
		if err := inst.g.Free(buf); err != nil {
			errs = append(errs, fmt.Errorf("free buffer %q: %w", name, err))
		}
	}
	inst.Buffers = nil
	return errors.Join(errs...)
}
