// Package comm builds, compiles, executes and benchmarks communication plans.
//
// A Comm owns an ordered plan of transfer descriptors bound to one backend.
// The plan is mutable until the first Start or Measure compiles it; after that
// it is frozen and every execution reuses the same backend-prepared form.
// Every rank of the group builds the same plan and executes the parts of each
// descriptor that name it.
package comm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rocketbitz/commbench-go/backend"
	"github.com/rocketbitz/commbench-go/backend/gpu"
	"github.com/rocketbitz/commbench-go/backend/ipc"
	"github.com/rocketbitz/commbench-go/backend/mpi"
	"github.com/rocketbitz/commbench-go/group"
	"github.com/rocketbitz/commbench-go/mem"
)

// Re-exported backend kinds.
const (
	IPC = backend.KindIPC
	MPI = backend.KindMPI
	GPU = backend.KindGPU
)

var adapters = map[backend.Kind]backend.Factory{
	backend.KindIPC: ipc.New,
	backend.KindMPI: mpi.New,
	backend.KindGPU: gpu.New,
}

// Config controls New.
type Config struct {
	Backend backend.Kind
	Group   *group.Context
	// Name labels logs, spans and metrics.
	Name string
	// Factory replaces the registered adapter for Backend.
	Factory          backend.Factory
	Logger           Logger
	StructuredLogger StructuredLogger
	Tracer           Tracer
	Metrics          MetricHook
}

// Hook runs user computation around an execution.
type Hook func(ctx context.Context) error

// Comm is a communicator.
type Comm struct {
	cfg     Config
	name    string
	kind    backend.Kind
	g       *group.Context
	adapter backend.Adapter

	mu          sync.Mutex
	plan        []Descriptor
	pre         []Hook
	post        []Hook
	compiled    *compiledPlan
	compileErr  error
	outstanding *Handle
	closed      bool
	seq         uint64

	logger           Logger
	structuredLogger StructuredLogger
	tracer           Tracer
	metrics          MetricHook
	stats            commStats
}

// Stats contains counters for communicator activity.
type Stats struct {
	Compiles           uint64
	Starts             uint64
	Completed          uint64
	Failed             uint64
	TransfersFailed    uint64
	WarmupIterations   uint64
	MeasuredIterations uint64
}

type commStats struct {
	compiles        atomic.Uint64
	starts          atomic.Uint64
	completed       atomic.Uint64
	failed          atomic.Uint64
	transfersFailed atomic.Uint64
	warmup          atomic.Uint64
	measured        atomic.Uint64
}

// New constructs a communicator for cfg.Backend on cfg.Group.
func New(cfg Config) (*Comm, error) {
	if cfg.Group == nil {
		return nil, fmt.Errorf("%w: nil group context", ErrGroupContext)
	}
	factory := cfg.Factory
	if factory == nil {
		factory = adapters[cfg.Backend]
	}
	if factory == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedBackend, cfg.Backend)
	}
	adapter, err := factory(cfg.Group)
	if err != nil {
		if errors.Is(err, ErrGroupContext) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrGroupContext, cfg.Backend, err)
	}
	c := &Comm{
		cfg:              cfg,
		name:             cfg.Name,
		kind:             cfg.Backend,
		g:                cfg.Group,
		adapter:          adapter,
		logger:           cfg.Logger,
		structuredLogger: cfg.StructuredLogger,
		tracer:           cfg.Tracer,
		metrics:          cfg.Metrics,
	}
	c.logEvent("construct", logKV("group", c.g.Name()), logKV("size", c.g.Size()))
	return c, nil
}

// Backend reports the backend the communicator is bound to.
func (c *Comm) Backend() backend.Kind { return c.kind }

// Group returns the group context.
func (c *Comm) Group() *group.Context { return c.g }

// Add appends a transfer of length bytes from srcBuf[srcOffset:] on srcRank
// to dstBuf[dstOffset:] on dstRank. A failed Add leaves the plan unchanged.
func (c *Comm) Add(srcBuf *mem.Buffer, srcOffset uint64, dstBuf *mem.Buffer, dstOffset uint64, length uint64, srcRank, dstRank int) error {
	d := Concrete{
		Src:       srcBuf,
		SrcOffset: srcOffset,
		Dst:       dstBuf,
		DstOffset: dstOffset,
		Length:    length,
		SrcRank:   srcRank,
		DstRank:   dstRank,
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.mutable(); err != nil {
		return err
	}
	if err := c.validate(d); err != nil {
		return err
	}
	c.plan = append(c.plan, d)
	return nil
}

// AddLazy appends a transfer declared by shape only. It is bound to staging
// buffers when the plan compiles.
func (c *Comm) AddLazy(length uint64, srcRank, dstRank int) error {
	d := Lazy{Length: length, SrcRank: srcRank, DstRank: dstRank}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.mutable(); err != nil {
		return err
	}
	if err := c.validateRanks(srcRank, dstRank); err != nil {
		return err
	}
	if length == 0 {
		return fmt.Errorf("%w: zero length", ErrInvalidArgument)
	}
	c.plan = append(c.plan, d)
	return nil
}

// AddPreHook registers fn to run before every execution is issued.
func (c *Comm) AddPreHook(fn Hook) error {
	return c.addHook(&c.pre, fn)
}

// AddPostHook registers fn to run after every execution completes.
func (c *Comm) AddPostHook(fn Hook) error {
	return c.addHook(&c.post, fn)
}

func (c *Comm) addHook(list *[]Hook, fn Hook) error {
	if fn == nil {
		return fmt.Errorf("%w: nil hook", ErrInvalidArgument)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.mutable(); err != nil {
		return err
	}
	*list = append(*list, fn)
	return nil
}

func (c *Comm) mutable() error {
	if c.closed {
		return ErrClosed
	}
	if c.compiled != nil || c.compileErr != nil {
		return ErrPlanFrozen
	}
	return nil
}

func (c *Comm) validateRanks(srcRank, dstRank int) error {
	if !c.g.ValidRank(srcRank) {
		return &RankError{Side: SideSource, Rank: srcRank, Size: c.g.Size()}
	}
	if !c.g.ValidRank(dstRank) {
		return &RankError{Side: SideDestination, Rank: dstRank, Size: c.g.Size()}
	}
	return nil
}

func (c *Comm) validate(d Concrete) error {
	if err := c.validateRanks(d.SrcRank, d.DstRank); err != nil {
		return err
	}
	if d.Length == 0 {
		return fmt.Errorf("%w: zero length", ErrInvalidArgument)
	}
	if d.Src == nil || d.Dst == nil {
		return fmt.Errorf("%w: nil buffer", ErrInvalidArgument)
	}
	if !d.Src.Live() {
		return fmt.Errorf("%w: source %s: %v", ErrInvalidArgument, d.Src, mem.ErrFreed)
	}
	if !d.Dst.Live() {
		return fmt.Errorf("%w: destination %s: %v", ErrInvalidArgument, d.Dst, mem.ErrFreed)
	}
	if err := d.Src.Check(d.SrcOffset, d.Length); err != nil {
		return &BoundsError{Side: SideSource, Offset: d.SrcOffset, Length: d.Length, Capacity: d.Src.Cap()}
	}
	if err := d.Dst.Check(d.DstOffset, d.Length); err != nil {
		return &BoundsError{Side: SideDestination, Offset: d.DstOffset, Length: d.Length, Capacity: d.Dst.Cap()}
	}
	return nil
}

// Plan returns a copy of the descriptors in the order they were added.
func (c *Comm) Plan() []Descriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Descriptor(nil), c.plan...)
}

// Compiled returns the compiled descriptors, or nil before compilation.
func (c *Comm) Compiled() []backend.Op {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.compiled == nil {
		return nil
	}
	return append([]backend.Op(nil), c.compiled.ops...)
}

// Stats returns a snapshot of the communicator's counters.
func (c *Comm) Stats() Stats {
	return Stats{
		Compiles:           c.stats.compiles.Load(),
		Starts:             c.stats.starts.Load(),
		Completed:          c.stats.completed.Load(),
		Failed:             c.stats.failed.Load(),
		TransfersFailed:    c.stats.transfersFailed.Load(),
		WarmupIterations:   c.stats.warmup.Load(),
		MeasuredIterations: c.stats.measured.Load(),
	}
}

// Close releases the compiled plan, staging buffers and adapter resources.
// It fails with ErrAlreadyOutstanding while an execution is in flight.
func (c *Comm) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	if c.outstanding != nil {
		return ErrAlreadyOutstanding
	}
	c.closed = true
	var errs []error
	if c.compiled != nil {
		if err := c.compiled.release(c.g); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.adapter.Close(); err != nil {
		errs = append(errs, err)
	}
	c.logEvent("close")
	return errors.Join(errs...)
}
