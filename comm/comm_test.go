package comm

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/rocketbitz/commbench-go/backend"
	"github.com/rocketbitz/commbench-go/backend/ipc"
	"github.com/rocketbitz/commbench-go/group"
	"github.com/rocketbitz/commbench-go/mem"
)

func TestNewRejectsMissingGroupAndBackend(t *testing.T) {
	if _, err := New(Config{Backend: IPC}); !errors.Is(err, ErrGroupContext) {
		t.Fatalf("expected ErrGroupContext, got %v", err)
	}
	g := newWorld(t, 1).Context(0)
	if _, err := New(Config{Backend: backend.Kind(42), Group: g}); !errors.Is(err, ErrUnsupportedBackend) {
		t.Fatalf("expected ErrUnsupportedBackend, got %v", err)
	}

	bare, err := group.New(0, 1)
	if err != nil {
		t.Fatalf("group.New: %v", err)
	}
	defer bare.Close()
	if _, err := New(Config{Backend: IPC, Group: bare}); !errors.Is(err, ErrGroupContext) {
		t.Fatalf("expected ErrGroupContext without shared memory, got %v", err)
	}
	if _, err := New(Config{Backend: MPI, Group: bare}); !errors.Is(err, ErrGroupContext) {
		t.Fatalf("expected ErrGroupContext without messenger, got %v", err)
	}
}

func TestAddValidation(t *testing.T) {
	g := newWorld(t, 2).Context(0)
	c := newComm(t, g, IPC)
	src := allocate(t, g, 1024)
	dst := allocate(t, g, 1024)

	var bounds *BoundsError
	err := c.Add(src, 1000, dst, 0, 100, 0, 1)
	if !errors.Is(err, ErrBounds) || !errors.As(err, &bounds) || bounds.Side != SideSource {
		t.Fatalf("expected source BoundsError, got %v", err)
	}
	if err := c.Add(src, 0, dst, 1000, 100, 0, 1); !errors.As(err, &bounds) || bounds.Side != SideDestination {
		t.Fatalf("expected destination BoundsError, got %v", err)
	}
	var rankErr *RankError
	if err := c.Add(src, 0, dst, 0, 100, 0, 2); !errors.Is(err, ErrInvalidRank) || !errors.As(err, &rankErr) || rankErr.Side != SideDestination {
		t.Fatalf("expected destination RankError, got %v", err)
	}
	if err := c.Add(src, 0, dst, 0, 100, -1, 0); !errors.Is(err, ErrInvalidRank) {
		t.Fatalf("expected ErrInvalidRank, got %v", err)
	}
	if err := c.Add(src, 0, dst, 0, 0, 0, 1); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for zero length, got %v", err)
	}
	if err := c.Add(nil, 0, dst, 0, 10, 0, 1); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for nil buffer, got %v", err)
	}
	if err := c.AddLazy(0, 0, 1); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for zero lazy length, got %v", err)
	}
	if err := c.AddPreHook(nil); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for nil hook, got %v", err)
	}
	if n := len(c.Plan()); n != 0 {
		t.Fatalf("failed adds must leave the plan unchanged, got %d descriptors", n)
	}

	if err := c.Add(src, 924, dst, 924, 100, 0, 1); err != nil {
		t.Fatalf("Add at the buffer end: %v", err)
	}
	if n := len(c.Plan()); n != 1 {
		t.Fatalf("expected one descriptor, got %d", n)
	}
}

func TestPlanFreezesOnCompile(t *testing.T) {
	g := newWorld(t, 1).Context(0)
	c := newComm(t, g, IPC)
	src := allocate(t, g, 64)
	dst := allocate(t, g, 64)
	if err := c.Add(src, 0, dst, 0, 64, 0, 0); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if c.Compiled() != nil {
		t.Fatal("plan compiled before first execution")
	}
	h, err := c.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := c.Wait(context.Background(), h); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if err := c.Add(src, 0, dst, 0, 64, 0, 0); !errors.Is(err, ErrPlanFrozen) {
		t.Fatalf("expected ErrPlanFrozen, got %v", err)
	}
	if err := c.AddLazy(64, 0, 0); !errors.Is(err, ErrPlanFrozen) {
		t.Fatalf("expected ErrPlanFrozen for lazy add, got %v", err)
	}
	if err := c.AddPostHook(func(context.Context) error { return nil }); !errors.Is(err, ErrPlanFrozen) {
		t.Fatalf("expected ErrPlanFrozen for hook, got %v", err)
	}
	if n := len(c.Plan()); n != 1 {
		t.Fatalf("frozen plan changed: %d descriptors", n)
	}
}

func TestSameRankRoundTrip(t *testing.T) {
	g := newWorld(t, 1).Context(0)
	c := newComm(t, g, IPC)
	src := allocate(t, g, 256)
	dst := allocate(t, g, 256)
	fill(src.Bytes(), 7)
	if err := c.Add(src, 0, dst, 128, 128, 0, 0); err != nil {
		t.Fatalf("Add: %v", err)
	}

	runOnce(t, c)

	if diff := cmp.Diff(src.Bytes()[:128], dst.Bytes()[128:]); diff != "" {
		t.Fatalf("destination mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(make([]byte, 128), dst.Bytes()[:128]); diff != "" {
		t.Fatalf("bytes outside the range changed (-want +got):\n%s", diff)
	}
	stats := c.Stats()
	if stats.Compiles != 1 || stats.Starts != 1 || stats.Completed != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestStartWhileOutstanding(t *testing.T) {
	g := newWorld(t, 1).Context(0)
	c := newComm(t, g, IPC)
	src := allocate(t, g, 32)
	dst := allocate(t, g, 32)
	if err := c.Add(src, 0, dst, 0, 32, 0, 0); err != nil {
		t.Fatalf("Add: %v", err)
	}
	ctx := context.Background()
	h, err := c.Start(ctx)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := c.Start(ctx); !errors.Is(err, ErrAlreadyOutstanding) {
		t.Fatalf("expected ErrAlreadyOutstanding, got %v", err)
	}
	if err := c.Close(); !errors.Is(err, ErrAlreadyOutstanding) {
		t.Fatalf("expected Close to refuse while outstanding, got %v", err)
	}
	if err := c.Wait(ctx, &Handle{}); !errors.Is(err, ErrInvalidHandle) {
		t.Fatalf("expected ErrInvalidHandle for foreign handle, got %v", err)
	}
	if err := c.Wait(ctx, h); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if err := c.Wait(ctx, h); !errors.Is(err, ErrInvalidHandle) {
		t.Fatalf("expected ErrInvalidHandle for retired handle, got %v", err)
	}
	h2, err := c.Start(ctx)
	if err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if h2.Seq() != h.Seq()+1 || h2.ID() == h.ID() {
		t.Fatalf("unexpected handle identity: %d/%s after %d/%s", h2.Seq(), h2.ID(), h.Seq(), h.ID())
	}
	for {
		done, err := c.Test(h2)
		if err != nil {
			t.Fatalf("Test: %v", err)
		}
		if done {
			break
		}
	}
}

func TestCancelledMeasureLeavesHandleToRetire(t *testing.T) {
	g := newWorld(t, 1).Context(0)
	stall := &stallingAdapter{}
	stall.stall.Store(true)
	c, err := New(Config{Backend: IPC, Group: g, Factory: stall.factory})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()
	buf := allocate(t, g, 64)
	if err := c.Add(buf, 0, buf, 32, 32, 0, 0); err != nil {
		t.Fatalf("Add: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.Measure(ctx, 2, 2)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	var pending *PendingError
	if !errors.As(err, &pending) {
		t.Fatalf("expected *PendingError, got %T: %v", err, err)
	}
	if c.Outstanding() != pending.Handle {
		t.Fatalf("pending handle is not the outstanding execution")
	}
	if _, err := c.Start(context.Background()); !errors.Is(err, ErrAlreadyOutstanding) {
		t.Fatalf("expected ErrAlreadyOutstanding before retiring, got %v", err)
	}

	stall.stall.Store(false)
	if err := c.Wait(context.Background(), pending.Handle); err != nil {
		t.Fatalf("Wait on pending handle: %v", err)
	}
	if c.Outstanding() != nil {
		t.Fatalf("execution still outstanding after Wait")
	}
	if _, err := c.Measure(context.Background(), 1, 2); err != nil {
		t.Fatalf("Measure after retiring: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestCompiledPlanGroupsByDestination(t *testing.T) {
	world := newWorld(t, 4)
	type entry struct {
		Index     int
		DstRank   int
		SrcOffset uint64
	}
	err := world.Run(context.Background(), func(ctx context.Context, g *group.Context) error {
		c, err := New(Config{Backend: MPI, Group: g})
		if err != nil {
			return err
		}
		defer c.Close()
		send, err := g.Allocate(1024)
		if err != nil {
			return err
		}
		recv, err := g.Allocate(256)
		if err != nil {
			return err
		}
		adds := []struct {
			off uint64
			dst int
		}{{768, 3}, {256, 1}, {512, 2}, {0, 1}}
		for _, a := range adds {
			if err := c.Add(send, a.off, recv, 0, 256, 0, a.dst); err != nil {
				return err
			}
		}
		// A self transfer on rank 0 sorts ahead of every remote destination.
		if err := c.Add(send, 0, send, 512, 256, 0, 0); err != nil {
			return err
		}
		if c.Compiled() != nil {
			t.Errorf("rank %d: plan compiled before Compile", g.Rank())
		}
		if err := c.Compile(ctx); err != nil {
			return err
		}
		var got []entry
		for _, op := range c.Compiled() {
			got = append(got, entry{Index: op.Index, DstRank: op.DstRank, SrcOffset: op.SrcOffset})
		}
		want := []entry{
			{Index: 0, DstRank: 0, SrcOffset: 0},
			{Index: 1, DstRank: 1, SrcOffset: 256},
			{Index: 2, DstRank: 1, SrcOffset: 0},
			{Index: 3, DstRank: 2, SrcOffset: 512},
			{Index: 4, DstRank: 3, SrcOffset: 768},
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("rank %d compiled order (-want +got):\n%s", g.Rank(), diff)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestMeasureCompilesOnce(t *testing.T) {
	g := newWorld(t, 1).Context(0)
	counter := &countingAdapter{}
	c, err := New(Config{Backend: IPC, Group: g, Factory: counter.factory})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	src := allocate(t, g, 4096)
	dst := allocate(t, g, 4096)
	if err := c.Add(src, 0, dst, 0, 4096, 0, 0); err != nil {
		t.Fatalf("Add: %v", err)
	}

	var phases []Phase
	res, err := c.MeasureWith(context.Background(), 5, 10, MeasureOptions{
		Scrub:   true,
		OnPhase: func(p Phase) { phases = append(phases, p) },
	})
	if err != nil {
		t.Fatalf("Measure: %v", err)
	}
	if n := counter.prepares.Load(); n != 1 {
		t.Fatalf("expected one Prepare, got %d", n)
	}
	if res.Count() != 10 || res.Warmup != 5 {
		t.Fatalf("unexpected iteration counts: %+v", res)
	}
	for i, d := range res.Times {
		if d < 0 {
			t.Fatalf("iteration %d has negative time %v", i, d)
		}
	}
	if res.Mean < res.Min || res.Mean > res.Max || res.Median < res.Min || res.Median > res.Max {
		t.Fatalf("statistics out of order: min %v median %v mean %v max %v", res.Min, res.Median, res.Mean, res.Max)
	}
	if res.Bytes != 4096 {
		t.Fatalf("expected 4096 bytes per iteration, got %d", res.Bytes)
	}
	want := []Phase{PhaseIdle, PhaseWarming, PhaseTiming, PhaseReported}
	if diff := cmp.Diff(want, phases); diff != "" {
		t.Fatalf("phase sequence (-want +got):\n%s", diff)
	}
	stats := c.Stats()
	if stats.Starts != 15 || stats.Completed != 15 || stats.WarmupIterations != 5 || stats.MeasuredIterations != 10 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	if _, err := c.Measure(context.Background(), 1, 2); err != nil {
		t.Fatalf("second Measure: %v", err)
	}
	if n := counter.prepares.Load(); n != 1 {
		t.Fatalf("second Measure recompiled: %d prepares", n)
	}
}

func TestMeasureRejectsEmptyPhases(t *testing.T) {
	g := newWorld(t, 1).Context(0)
	c := newComm(t, g, IPC)
	if _, err := c.Measure(context.Background(), 0, 10); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for zero warmup, got %v", err)
	}
	if _, err := c.Measure(context.Background(), 5, 0); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for zero timed, got %v", err)
	}
	if c.Compiled() != nil {
		t.Fatal("rejected Measure must not compile")
	}
}

func TestScatterAcrossBackends(t *testing.T) {
	const chunk = 512
	for _, kind := range []backend.Kind{IPC, MPI, GPU} {
		t.Run(kind.String(), func(t *testing.T) {
			world := newWorld(t, 4)
			err := world.Run(context.Background(), func(ctx context.Context, g *group.Context) error {
				c, err := New(Config{Backend: kind, Group: g})
				if err != nil {
					return err
				}
				defer c.Close()
				send, err := g.Allocate(3 * chunk)
				if err != nil {
					return err
				}
				recv, err := g.Allocate(chunk)
				if err != nil {
					return err
				}
				if g.Rank() == 0 {
					fill(send.Bytes(), 1)
				}
				for dst := 1; dst < 4; dst++ {
					if err := c.Add(send, uint64(dst-1)*chunk, recv, 0, chunk, 0, dst); err != nil {
						return err
					}
				}
				h, err := c.Start(ctx)
				if err != nil {
					return err
				}
				if err := c.Wait(ctx, h); err != nil {
					return err
				}
				if g.Rank() == 0 {
					return nil
				}
				want := pattern(3*chunk, 1)[(g.Rank()-1)*chunk : g.Rank()*chunk]
				if diff := cmp.Diff(want, recv.Bytes()); diff != "" {
					t.Errorf("rank %d received wrong chunk (-want +got):\n%s", g.Rank(), diff)
				}
				return nil
			})
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
		})
	}
}

// TestRelayAcrossCommunicators scatters from rank 0 over IPC, relays over MPI
// and gathers on rank 4 over IPC again.
func TestRelayAcrossCommunicators(t *testing.T) {
	world := newWorld(t, 8)
	var measured atomic.Int32
	err := world.Run(context.Background(), func(ctx context.Context, g *group.Context) error {
		send, err := g.Allocate(1024)
		if err != nil {
			return err
		}
		temp, err := g.Allocate(1024)
		if err != nil {
			return err
		}
		recv, err := g.Allocate(1024)
		if err != nil {
			return err
		}
		c, err := New(Config{Backend: IPC, Group: g, Name: "scatter"})
		if err != nil {
			return err
		}
		defer c.Close()
		c1, err := New(Config{Backend: MPI, Group: g, Name: "relay"})
		if err != nil {
			return err
		}
		defer c1.Close()
		c2, err := New(Config{Backend: IPC, Group: g, Name: "gather"})
		if err != nil {
			return err
		}
		defer c2.Close()

		for i := 1; i <= 3; i++ {
			if err := c.Add(send, uint64(i)*256, temp, 0, 256, 0, i); err != nil {
				return err
			}
		}
		for i := 0; i < 4; i++ {
			if err := c1.Add(temp, 0, temp, 0, 256, i, i+4); err != nil {
				return err
			}
		}
		for i := 1; i <= 3; i++ {
			if err := c2.Add(temp, 0, recv, uint64(i)*256, 256, i+4, 4); err != nil {
				return err
			}
		}

		if g.Rank() == 0 {
			fill(send.Bytes(), 3)
		}
		for _, comm := range []*Comm{c, c1, c2} {
			h, err := comm.Start(ctx)
			if err != nil {
				return err
			}
			if err := comm.Wait(ctx, h); err != nil {
				return err
			}
		}
		if g.Rank() == 4 {
			want := pattern(1024, 3)[256:]
			if diff := cmp.Diff(want, recv.Bytes()[256:]); diff != "" {
				t.Errorf("gathered data mismatch (-want +got):\n%s", diff)
			}
		}

		for _, comm := range []*Comm{c, c1, c2} {
			res, err := comm.Measure(ctx, 5, 10)
			if err != nil {
				return err
			}
			if res.Count() != 10 {
				t.Errorf("rank %d: %d timed iterations", g.Rank(), res.Count())
			}
		}
		measured.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if measured.Load() != 8 {
		t.Fatalf("expected all 8 ranks to measure, got %d", measured.Load())
	}
}

func TestFreedBufferFailsExecution(t *testing.T) {
	g := newWorld(t, 1).Context(0)
	c := newComm(t, g, IPC)
	a := allocate(t, g, 64)
	b := allocate(t, g, 64)
	keep := allocate(t, g, 64)
	if err := c.Add(keep, 0, keep, 0, 32, 0, 0); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := c.Add(a, 0, b, 0, 64, 0, 0); err != nil {
		t.Fatalf("Add: %v", err)
	}
	ctx := context.Background()
	h, err := c.Start(ctx)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := g.Free(a); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if a.Pinned() == 0 {
		t.Fatal("outstanding execution must keep the freed buffer pinned")
	}

	err = c.Wait(ctx, h)
	var terr *TransportError
	if !errors.As(err, &terr) || !errors.Is(err, ErrTransport) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if terr.Index != 1 || !errors.Is(err, mem.ErrFreed) {
		t.Fatalf("unexpected failure: index %d err %v", terr.Index, terr.Err)
	}
	if a.Pinned() != 0 {
		t.Fatalf("pins leaked after Wait: %d", a.Pinned())
	}
	stats := c.Stats()
	if stats.Failed != 1 || stats.TransfersFailed != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	h, err = c.Start(ctx)
	if err != nil {
		t.Fatalf("Start after failure: %v", err)
	}
	if err := c.Wait(ctx, h); !errors.Is(err, ErrTransport) {
		t.Fatalf("expected the freed buffer to fail again, got %v", err)
	}
}

func TestRegistrationFailureIsTerminal(t *testing.T) {
	g := newWorld(t, 1).Context(0)
	boom := errors.New("no pinned memory left")
	counter := &countingAdapter{fail: boom}
	c, err := New(Config{Backend: IPC, Group: g, Factory: counter.factory})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()
	src := allocate(t, g, 16)
	if err := c.Add(src, 0, src, 8, 8, 0, 0); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := c.Start(context.Background()); !errors.Is(err, ErrRegistration) {
		t.Fatalf("expected ErrRegistration, got %v", err)
	}
	if _, err := c.Measure(context.Background(), 1, 1); !errors.Is(err, ErrRegistration) {
		t.Fatalf("expected ErrRegistration from Measure, got %v", err)
	}
	if err := c.Add(src, 0, src, 8, 8, 0, 0); !errors.Is(err, ErrPlanFrozen) {
		t.Fatalf("expected ErrPlanFrozen, got %v", err)
	}
	if n := counter.prepares.Load(); n != 1 {
		t.Fatalf("expected one Prepare attempt, got %d", n)
	}
}

func TestLazyDescriptorsUseStaging(t *testing.T) {
	world := newWorld(t, 2)
	err := world.Run(context.Background(), func(ctx context.Context, g *group.Context) error {
		c, err := New(Config{Backend: IPC, Group: g})
		if err != nil {
			return err
		}
		if err := c.AddLazy(1024, 0, 1); err != nil {
			return err
		}
		if err := c.AddLazy(256, 1, 1); err != nil {
			return err
		}
		h, err := c.Start(ctx)
		if err != nil {
			return err
		}
		if err := c.Wait(ctx, h); err != nil {
			return err
		}
		ops := c.Compiled()
		if len(ops) != 2 {
			t.Errorf("rank %d: expected 2 compiled ops, got %d", g.Rank(), len(ops))
			return nil
		}
		for _, op := range ops {
			if op.Src.Cap() != op.Length || op.Dst.Cap() != op.Length {
				t.Errorf("rank %d: staging size mismatch for %s", g.Rank(), op)
			}
			if op.SrcOffset != 0 || op.DstOffset != 0 {
				t.Errorf("rank %d: staging offsets must be zero: %s", g.Rank(), op)
			}
		}
		if err := c.Close(); err != nil {
			return err
		}
		if idle := g.Staging().Idle(); idle != 4 {
			t.Errorf("rank %d: expected 4 idle staging buffers after Close, got %d", g.Rank(), idle)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestHooksRunAroundExecution(t *testing.T) {
	g := newWorld(t, 1).Context(0)
	c := newComm(t, g, IPC)
	src := allocate(t, g, 8)
	dst := allocate(t, g, 8)
	fill(src.Bytes(), 9)
	if err := c.Add(src, 0, dst, 0, 8, 0, 0); err != nil {
		t.Fatalf("Add: %v", err)
	}
	var order []string
	if err := c.AddPreHook(func(context.Context) error {
		order = append(order, "pre")
		return nil
	}); err != nil {
		t.Fatalf("AddPreHook: %v", err)
	}
	if err := c.AddPostHook(func(context.Context) error {
		if !bytes.Equal(src.Bytes(), dst.Bytes()) {
			order = append(order, "post-early")
			return nil
		}
		order = append(order, "post")
		return nil
	}); err != nil {
		t.Fatalf("AddPostHook: %v", err)
	}
	runOnce(t, c)
	runOnce(t, c)
	if diff := cmp.Diff([]string{"pre", "post", "pre", "post"}, order); diff != "" {
		t.Fatalf("hook order (-want +got):\n%s", diff)
	}
}

func TestPreHookErrorAbortsStart(t *testing.T) {
	g := newWorld(t, 1).Context(0)
	c := newComm(t, g, IPC)
	src := allocate(t, g, 8)
	if err := c.Add(src, 0, src, 4, 4, 0, 0); err != nil {
		t.Fatalf("Add: %v", err)
	}
	boom := errors.New("compute failed")
	if err := c.AddPreHook(func(context.Context) error { return boom }); err != nil {
		t.Fatalf("AddPreHook: %v", err)
	}
	if _, err := c.Start(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected hook error, got %v", err)
	}
	if src.Pinned() != 0 {
		t.Fatalf("aborted Start left %d pins", src.Pinned())
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close after aborted Start: %v", err)
	}
}

func TestCloseRejectsFurtherUse(t *testing.T) {
	g := newWorld(t, 1).Context(0)
	c := newComm(t, g, IPC)
	src := allocate(t, g, 8)
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := c.Add(src, 0, src, 4, 4, 0, 0); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed from Add, got %v", err)
	}
	if _, err := c.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed from Start, got %v", err)
	}
}

func TestStructuredLoggingAndTracing(t *testing.T) {
	g := newWorld(t, 1).Context(0)
	logger, logs := newObservedLogger()
	tp, recorder := newTestTracerProvider()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = tp.Shutdown(ctx)
	}()

	c, err := New(Config{
		Backend:          IPC,
		Group:            g,
		Name:             "traced",
		Logger:           logger,
		StructuredLogger: logger,
		Tracer:           NewOTelTracer(OTelTracerOptions{TracerProvider: tp}),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()
	src := allocate(t, g, 128)
	dst := allocate(t, g, 128)
	if err := c.Add(src, 0, dst, 0, 128, 0, 0); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := c.Measure(context.Background(), 1, 2); err != nil {
		t.Fatalf("Measure: %v", err)
	}

	for _, event := range []string{"construct", "compile", "start", "completion", "iteration", "measure"} {
		if !hasLogEvent(logs, event) {
			t.Fatalf("missing %q log event", event)
		}
	}
	for _, entry := range logs.All() {
		if entry.ContextMap()[labelComm] != "traced" {
			t.Fatalf("log entry without communicator name: %v", entry.ContextMap())
		}
	}
	if !spanHasEvent(recorder, "compiled") || !spanHasEvent(recorder, "phase") {
		t.Fatal("missing measure span events")
	}
}

func TestMeasureSpanRecordsFailure(t *testing.T) {
	g := newWorld(t, 1).Context(0)
	tp, recorder := newTestTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()
	c, err := New(Config{
		Backend: IPC,
		Group:   g,
		Tracer:  NewOTelTracer(OTelTracerOptions{TracerProvider: tp}),
		Factory: (&countingAdapter{fail: errors.New("denied")}).factory,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()
	src := allocate(t, g, 8)
	if err := c.Add(src, 0, src, 4, 4, 0, 0); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := c.Measure(context.Background(), 1, 1); !errors.Is(err, ErrRegistration) {
		t.Fatalf("expected ErrRegistration, got %v", err)
	}
	spans := recorder.Ended()
	if len(spans) != 1 || spans[0].Name() != "commbench-measure" {
		t.Fatalf("expected one measure span, got %d", len(spans))
	}
	if spans[0].Status().Description == "" {
		t.Fatal("measure span does not carry the error status")
	}
}

func TestReportAndResult(t *testing.T) {
	world := newWorld(t, 3)
	var out bytes.Buffer
	err := world.Run(context.Background(), func(ctx context.Context, g *group.Context) error {
		c, err := New(Config{Backend: MPI, Group: g, Name: "fanout"})
		if err != nil {
			return err
		}
		defer c.Close()
		buf, err := g.Allocate(2048)
		if err != nil {
			return err
		}
		if err := c.Add(buf, 0, buf, 0, 1024, 0, 1); err != nil {
			return err
		}
		if err := c.Add(buf, 1024, buf, 1024, 1024, 0, 2); err != nil {
			return err
		}
		if err := c.Add(buf, 0, buf, 1024, 1024, 2, 2); err != nil {
			return err
		}
		var w bytes.Buffer
		if err := c.Report(ctx, &w); err != nil {
			return err
		}
		if g.Rank() != g.PrintRank() {
			if w.Len() != 0 {
				t.Errorf("rank %d wrote a report", g.Rank())
			}
			return nil
		}
		loads, err := c.Loads(ctx)
		if err != nil {
			return err
		}
		want := []RankLoad{
			{Rank: 0, Sends: 2, BytesOut: 2048},
			{Rank: 1, Recvs: 1, BytesIn: 1024},
			{Rank: 2, Recvs: 1, Locals: 1, BytesIn: 1024, BytesSelf: 1024},
		}
		if diff := cmp.Diff(want, loads); diff != "" {
			t.Errorf("loads (-want +got):\n%s", diff)
		}
		out.Write(w.Bytes())
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	report := out.String()
	for _, want := range []string{"comm fanout backend mpi", "3 transfers", "3KiB", "rank", "index"} {
		if !strings.Contains(report, want) {
			t.Fatalf("report missing %q:\n%s", want, report)
		}
	}

	res := MeasurementResult{Warmup: 1, Times: []time.Duration{time.Millisecond}, Min: time.Millisecond, Median: time.Millisecond, Mean: time.Millisecond, Max: time.Millisecond, Bytes: 1e9}
	var rendered bytes.Buffer
	if err := WriteResult(&rendered, res); err != nil {
		t.Fatalf("WriteResult: %v", err)
	}
	if !strings.Contains(rendered.String(), "minTime: 1.0000e+03 us, 1.0000e+00 ms/GB, 1.0000e+03 GB/s") {
		t.Fatalf("unexpected result rendering:\n%s", rendered.String())
	}
}

func TestSummarize(t *testing.T) {
	res := MeasurementResult{
		Times:      []time.Duration{5, 1, 4, 2, 3, 6},
		StartTimes: []time.Duration{2, 2, 1, 1, 1, 3},
	}
	summarize(&res)
	if res.Min != 1 || res.Max != 6 {
		t.Fatalf("unexpected range %v..%v", res.Min, res.Max)
	}
	if res.Median != 4 {
		t.Fatalf("median is the upper middle of an even count, got %v", res.Median)
	}
	if res.Mean < 3 || res.Mean > 4 {
		t.Fatalf("unexpected mean %v", res.Mean)
	}
	if res.StdDev <= 0 {
		t.Fatalf("expected positive stddev, got %v", res.StdDev)
	}
	if res.StartMedian != 2 {
		t.Fatalf("unexpected start median %v", res.StartMedian)
	}
	if diff := cmp.Diff([]time.Duration{5, 1, 4, 2, 3, 6}, res.Times); diff != "" {
		t.Fatalf("summarize reordered times (-want +got):\n%s", diff)
	}

	single := MeasurementResult{Times: []time.Duration{7}, StartTimes: []time.Duration{1}}
	summarize(&single)
	if single.Min != 7 || single.Mean != 7 || single.Max != 7 || single.StdDev != 0 {
		t.Fatalf("unexpected single-sample statistics: %+v", single)
	}
}

type countingAdapter struct {
	backend.Adapter
	prepares atomic.Int32
	fail     error
}

func (a *countingAdapter) factory(g *group.Context) (backend.Adapter, error) {
	inner, err := ipc.New(g)
	if err != nil {
		return nil, err
	}
	a.Adapter = inner
	return a, nil
}

func (a *countingAdapter) Prepare(ops []backend.Op, g *group.Context) (backend.Token, error) {
	a.prepares.Add(1)
	if a.fail != nil {
		return nil, a.fail
	}
	return a.Adapter.Prepare(ops, g)
}

// stallingAdapter blocks every blocking Poll until ctx ends while stall is set.
type stallingAdapter struct {
	backend.Adapter
	stall atomic.Bool
}

func (a *stallingAdapter) factory(g *group.Context) (backend.Adapter, error) {
	inner, err := ipc.New(g)
	if err != nil {
		return nil, err
	}
	a.Adapter = inner
	return a, nil
}

func (a *stallingAdapter) Poll(ctx context.Context, exec backend.Execution, blocking bool) (backend.Status, error) {
	if blocking && a.stall.Load() {
		<-ctx.Done()
		return backend.Status{}, ctx.Err()
	}
	return a.Adapter.Poll(ctx, exec, blocking)
}

func newWorld(t *testing.T, size int) *group.World {
	t.Helper()
	world, err := group.NewLocalWorld(size)
	if err != nil {
		t.Fatalf("NewLocalWorld: %v", err)
	}
	t.Cleanup(func() { _ = world.Close() })
	return world
}

func newComm(t *testing.T, g *group.Context, kind backend.Kind) *Comm {
	t.Helper()
	c, err := New(Config{Backend: kind, Group: g})
	if err != nil {
		t.Fatalf("New(%s): %v", kind, err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func allocate(t *testing.T, g *group.Context, size uint64) *mem.Buffer {
	t.Helper()
	buf, err := g.Allocate(size)
	if err != nil {
		t.Fatalf("Allocate(%d): %v", size, err)
	}
	return buf
}

func runOnce(t *testing.T, c *Comm) {
	t.Helper()
	ctx := context.Background()
	h, err := c.Start(ctx)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := c.Wait(ctx, h); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func pattern(n int, seed byte) []byte {
	out := make([]byte, n)
	fill(out, seed)
	return out
}

func fill(b []byte, seed byte) {
	for i := range b {
		b[i] = byte(i)*31 + seed
	}
}

func newObservedLogger() (*zap.SugaredLogger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)
	return logger.Sugar(), logs
}

func newTestTracerProvider() (*tracesdk.TracerProvider, *tracetest.SpanRecorder) {
	recorder := tracetest.NewSpanRecorder()
	tp := tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(recorder))
	return tp, recorder
}

func hasLogEvent(logs *observer.ObservedLogs, event string) bool {
	for _, entry := range logs.All() {
		if evt, ok := entry.ContextMap()["event"].(string); ok && evt == event {
			return true
		}
	}
	return false
}

func spanHasEvent(recorder *tracetest.SpanRecorder, event string) bool {
	for _, span := range recorder.Ended() {
		if span.Name() != "commbench-measure" {
			continue
		}
		for _, evt := range span.Events() {
			if evt.Name == event {
				return true
			}
		}
	}
	return false
}
