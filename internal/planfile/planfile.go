// Package planfile loads benchmark plans written in HCL.
//
// A plan file declares the group size, symmetric buffers and one or more
// communicators with their transfers and measurement settings:
//
//	world {
//	  ranks      = 8
//	  print_rank = 0
//	}
//
//	buffer "send" { size = "1KiB" }
//	buffer "temp" { size = 1024 }
//
//	comm "scatter" {
//	  backend = "ipc"
//
//	  transfer {
//	    src        = "send"
//	    src_offset = 256
//	    dst        = "temp"
//	    length     = "256B"
//	    from       = 0
//	    to         = 1
//	  }
//
//	  lazy {
//	    length = "1MiB"
//	    from   = 0
//	    to     = 4
//	  }
//
//	  measure {
//	    warmup     = 5
//	    iterations = 10
//	  }
//	}
package planfile

import (
	"errors"
	"fmt"
	"os"

	units "github.com/docker/go-units"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/gocty"

	"github.com/rocketbitz/commbench-go/backend"
)

// Defaults for omitted measure settings.
const (
	DefaultWarmup     = 5
	DefaultIterations = 10
)

// ErrInvalid wraps every semantic error in a plan file.
var ErrInvalid = errors.New("planfile: invalid plan")

// Plan is a decoded plan file.
type Plan struct {
	Ranks     int
	PrintRank int
	Buffers   []Buffer
	Comms     []Comm
}

// Buffer declares a symmetric buffer allocated on every rank.
type Buffer struct {
	Name string
	Size uint64
}

// Comm declares one communicator.
type Comm struct {
	Name      string
	Backend   backend.Kind
	Transfers []Transfer
	Lazy      []Lazy
	Measure   Measure
}

// Transfer is a concrete descriptor naming declared buffers.
type Transfer struct {
	Src       string
	SrcOffset uint64
	Dst       string
	DstOffset uint64
	Length    uint64
	From      int
	To        int
}

// Lazy is a descriptor bound to staging buffers at compile time.
type Lazy struct {
	Length uint64
	From   int
	To     int
}

// Measure holds the benchmark settings of a communicator.
type Measure struct {
	Warmup     int
	Iterations int
	Scrub      bool
	// Bytes overrides the per-iteration byte count; zero keeps the plan total.
	Bytes uint64
}

type hclFile struct {
	World   *hclWorld    `hcl:"world,block"`
	Buffers []*hclBuffer `hcl:"buffer,block"`
	Comms   []*hclComm   `hcl:"comm,block"`
}

type hclWorld struct {
	Ranks     int  `hcl:"ranks"`
	PrintRank *int `hcl:"print_rank,optional"`
}

type hclBuffer struct {
	Name string    `hcl:"name,label"`
	Size cty.Value `hcl:"size"`
}

type hclComm struct {
	Name      string         `hcl:"name,label"`
	Backend   string         `hcl:"backend"`
	Transfers []*hclTransfer `hcl:"transfer,block"`
	Lazy      []*hclLazy     `hcl:"lazy,block"`
	Measure   *hclMeasure    `hcl:"measure,block"`
}

type hclTransfer struct {
	Src       string     `hcl:"src"`
	SrcOffset *cty.Value `hcl:"src_offset,optional"`
	Dst       string     `hcl:"dst"`
	DstOffset *cty.Value `hcl:"dst_offset,optional"`
	Length    cty.Value  `hcl:"length"`
	From      int        `hcl:"from"`
	To        int        `hcl:"to"`
}

type hclLazy struct {
	Length cty.Value `hcl:"length"`
	From   int       `hcl:"from"`
	To     int       `hcl:"to"`
}

type hclMeasure struct {
	Warmup     *int       `hcl:"warmup,optional"`
	Iterations *int       `hcl:"iterations,optional"`
	Scrub      *bool      `hcl:"scrub,optional"`
	Bytes      *cty.Value `hcl:"bytes,optional"`
}

// Load parses and validates the plan file at path.
func Load(path string) (*Plan, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("planfile: read %s: %w", path, err)
	}
	return Parse(src, path)
}

// Parse decodes and validates HCL source. filename only labels diagnostics.
func Parse(src []byte, filename string) (*Plan, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("planfile: parse %s: %w", filename, diags)
	}
	var raw hclFile
	if diags := gohcl.DecodeBody(file.Body, nil, &raw); diags.HasErrors() {
		return nil, fmt.Errorf("planfile: decode %s: %w", filename, diags)
	}
	plan, err := convert(&raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	if err := plan.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	return plan, nil
}

func convert(raw *hclFile) (*Plan, error) {
	if raw.World == nil {
		return nil, fmt.Errorf("%w: missing world block", ErrInvalid)
	}
	plan := &Plan{Ranks: raw.World.Ranks}
	if raw.World.PrintRank != nil {
		plan.PrintRank = *raw.World.PrintRank
	}

	for _, b := range raw.Buffers {
		size, err := Size(b.Size)
		if err != nil {
			return nil, fmt.Errorf("buffer %q size: %w", b.Name, err)
		}
		plan.Buffers = append(plan.Buffers, Buffer{Name: b.Name, Size: size})
	}

	for _, c := range raw.Comms {
		kind, err := backend.ParseKind(c.Backend)
		if err != nil {
			return nil, fmt.Errorf("%w: comm %q: %v", ErrInvalid, c.Name, err)
		}
		comm := Comm{
			Name:    c.Name,
			Backend: kind,
			Measure: Measure{Warmup: DefaultWarmup, Iterations: DefaultIterations},
		}
		for i, t := range c.Transfers {
			tr := Transfer{Src: t.Src, Dst: t.Dst, From: t.From, To: t.To}
			if tr.Length, err = Size(t.Length); err != nil {
				return nil, fmt.Errorf("comm %q transfer %d length: %w", c.Name, i, err)
			}
			if tr.SrcOffset, err = optionalSize(t.SrcOffset); err != nil {
				return nil, fmt.Errorf("comm %q transfer %d src_offset: %w", c.Name, i, err)
			}
			if tr.DstOffset, err = optionalSize(t.DstOffset); err != nil {
				return nil, fmt.Errorf("comm %q transfer %d dst_offset: %w", c.Name, i, err)
			}
			comm.Transfers = append(comm.Transfers, tr)
		}
		for i, l := range c.Lazy {
			length, err := Size(l.Length)
			if err != nil {
				return nil, fmt.Errorf("comm %q lazy %d length: %w", c.Name, i, err)
			}
			comm.Lazy = append(comm.Lazy, Lazy{Length: length, From: l.From, To: l.To})
		}
		if m := c.Measure; m != nil {
			if m.Warmup != nil {
				comm.Measure.Warmup = *m.Warmup
			}
			if m.Iterations != nil {
				comm.Measure.Iterations = *m.Iterations
			}
			if m.Scrub != nil {
				comm.Measure.Scrub = *m.Scrub
			}
			if comm.Measure.Bytes, err = optionalSize(m.Bytes); err != nil {
				return nil, fmt.Errorf("comm %q measure bytes: %w", c.Name, err)
			}
		}
		plan.Comms = append(plan.Comms, comm)
	}
	return plan, nil
}

// Size converts a number of bytes or a human-readable size string such as
// "256KiB" into bytes.
func Size(v cty.Value) (uint64, error) {
	if v.IsNull() || !v.IsKnown() {
		return 0, fmt.Errorf("%w: size is null", ErrInvalid)
	}
	switch {
	case v.Type().Equals(cty.String):
		n, err := units.RAMInBytes(v.AsString())
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		if n < 0 {
			return 0, fmt.Errorf("%w: negative size %q", ErrInvalid, v.AsString())
		}
		return uint64(n), nil
	case v.Type().Equals(cty.Number):
		var n uint64
		if err := gocty.FromCtyValue(v, &n); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("%w: size must be a number or string, got %s", ErrInvalid, v.Type().FriendlyName())
	}
}

func optionalSize(v *cty.Value) (uint64, error) {
	if v == nil || v.IsNull() {
		return 0, nil
	}
	return Size(*v)
}

// Validate checks references, ranks and ranges without touching a group.
func (p *Plan) Validate() error {
	if p.Ranks <= 0 {
		return fmt.Errorf("%w: ranks must be positive, got %d", ErrInvalid, p.Ranks)
	}
	if p.PrintRank < 0 || p.PrintRank >= p.Ranks {
		return fmt.Errorf("%w: print_rank %d outside %d ranks", ErrInvalid, p.PrintRank, p.Ranks)
	}
	sizes := make(map[string]uint64, len(p.Buffers))
	for _, b := range p.Buffers {
		if _, dup := sizes[b.Name]; dup {
			return fmt.Errorf("%w: buffer %q declared twice", ErrInvalid, b.Name)
		}
		if b.Size == 0 {
			return fmt.Errorf("%w: buffer %q has zero size", ErrInvalid, b.Name)
		}
		sizes[b.Name] = b.Size
	}
	names := make(map[string]bool, len(p.Comms))
	for _, c := range p.Comms {
		if names[c.Name] {
			return fmt.Errorf("%w: comm %q declared twice", ErrInvalid, c.Name)
		}
		names[c.Name] = true
		if len(c.Transfers) == 0 && len(c.Lazy) == 0 {
			return fmt.Errorf("%w: comm %q has no transfers", ErrInvalid, c.Name)
		}
		for i, t := range c.Transfers {
			if err := p.validateTransfer(sizes, t); err != nil {
				return fmt.Errorf("comm %q transfer %d: %w", c.Name, i, err)
			}
		}
		for i, l := range c.Lazy {
			if err := p.validateRanks(l.From, l.To); err != nil {
				return fmt.Errorf("comm %q lazy %d: %w", c.Name, i, err)
			}
			if l.Length == 0 {
				return fmt.Errorf("%w: comm %q lazy %d has zero length", ErrInvalid, c.Name, i)
			}
		}
		if c.Measure.Warmup <= 0 || c.Measure.Iterations <= 0 {
			return fmt.Errorf("%w: comm %q needs positive warmup and iterations", ErrInvalid, c.Name)
		}
	}
	return nil
}

func (p *Plan) validateRanks(from, to int) error {
	if from < 0 || from >= p.Ranks || to < 0 || to >= p.Ranks {
		return fmt.Errorf("%w: ranks %d->%d outside %d ranks", ErrInvalid, from, to, p.Ranks)
	}
	return nil
}

func (p *Plan) validateTransfer(sizes map[string]uint64, t Transfer) error {
	if err := p.validateRanks(t.From, t.To); err != nil {
		return err
	}
	if t.Length == 0 {
		return fmt.Errorf("%w: zero length", ErrInvalid)
	}
	check := func(side, name string, offset uint64) error {
		size, ok := sizes[name]
		if !ok {
			return fmt.Errorf("%w: %s buffer %q is not declared", ErrInvalid, side, name)
		}
		if end := offset + t.Length; end < offset || end > size {
			return fmt.Errorf("%w: %s range [%d, %d) exceeds buffer %q of %s", ErrInvalid, side, offset, end, name, units.BytesSize(float64(size)))
		}
		return nil
	}
	if err := check("source", t.Src, t.SrcOffset); err != nil {
		return err
	}
	return check("destination", t.Dst, t.DstOffset)
}
