package comm

import (
	"context"
	"fmt"
	"sort"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/rocketbitz/commbench-go/backend"
)

// Phase is a stage of a measurement run.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseWarming
	PhaseTiming
	PhaseReported
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseWarming:
		return "warmup"
	case PhaseTiming:
		return "timing"
	case PhaseReported:
		return "reported"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// MeasureOptions tunes Measure.
type MeasureOptions struct {
	// Scrub overwrites local source regions with 0xFF before every
	// iteration, outside the timed window.
	Scrub bool
	// Bytes overrides the byte count used for bandwidth figures. Zero means
	// the sum of every descriptor's length.
	Bytes int64
	// OnPhase observes phase transitions.
	OnPhase func(Phase)
	// OnIteration observes every iteration. Warmup iterations have a
	// negative index.
	OnIteration func(iter int, start, elapsed time.Duration)
}

// MeasurementResult holds the timing statistics of one Measure call. Times
// are group-wide maxima when the group provides collectives and local
// times otherwise.
type MeasurementResult struct {
	Warmup     int
	Iterations int
	// Times and StartTimes are in iteration order.
	Times      []time.Duration
	StartTimes []time.Duration

	Min    time.Duration
	Median time.Duration
	Mean   time.Duration
	Max    time.Duration
	StdDev time.Duration

	StartMedian time.Duration
	// Bytes moved per iteration.
	Bytes int64
}

// Count returns the number of timed iterations.
func (r MeasurementResult) Count() int { return len(r.Times) }

// GBPerSecond converts d into bandwidth over r.Bytes.
func (r MeasurementResult) GBPerSecond(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(r.Bytes) / d.Seconds() / 1e9
}

// MsPerGB converts d into milliseconds per gigabyte over r.Bytes.
func (r MeasurementResult) MsPerGB(d time.Duration) float64 {
	if r.Bytes <= 0 {
		return 0
	}
	return d.Seconds() / float64(r.Bytes) * 1e12
}

// Measure runs warmup discarded and timed measured start/wait cycles.
func (c *Comm) Measure(ctx context.Context, warmup, timed int) (MeasurementResult, error) {
	return c.MeasureWith(ctx, warmup, timed, MeasureOptions{})
}

// MeasureWith is Measure with options. Compilation happens before the first
// iteration and never inside a timed window. Any failed iteration aborts the
// run. If ctx ends while an iteration is in flight, the error wraps a
// *PendingError carrying the handle that must still be retired.
func (c *Comm) MeasureWith(ctx context.Context, warmup, timed int, opts MeasureOptions) (res MeasurementResult, err error) {
	ctx = ensureContext(ctx)
	if warmup <= 0 || timed <= 0 {
		return MeasurementResult{}, fmt.Errorf("%w: warmup %d and timed %d iterations must be positive", ErrInvalidArgument, warmup, timed)
	}
	if opts.Bytes < 0 {
		return MeasurementResult{}, fmt.Errorf("%w: negative byte count %d", ErrInvalidArgument, opts.Bytes)
	}

	span := c.startSpan("commbench-measure", logKV("warmup", warmup), logKV("iterations", timed))
	defer func() { finishSpan(span, err) }()

	phase := func(p Phase) {
		spanAddEvent(span, "phase", logKV(labelPhase, p.String()))
		if opts.OnPhase != nil {
			opts.OnPhase(p)
		}
	}
	phase(PhaseIdle)

	if err := c.Compile(ctx); err != nil {
		spanRecordError(span, err)
		return MeasurementResult{}, err
	}
	spanAddEvent(span, "compiled")
	c.mu.Lock()
	plan := c.compiled
	c.mu.Unlock()
	if plan == nil {
		return MeasurementResult{}, ErrClosed
	}

	res = MeasurementResult{
		Warmup:     warmup,
		Iterations: timed,
		Times:      make([]time.Duration, 0, timed),
		StartTimes: make([]time.Duration, 0, timed),
		Bytes:      plan.bytes,
	}
	if opts.Bytes > 0 {
		res.Bytes = opts.Bytes
	}
	sync := c.g.Size() > 1 && c.g.Collective()

	phase(PhaseWarming)
	for iter := -warmup; iter < timed; iter++ {
		if iter == 0 {
			phase(PhaseTiming)
		}
		if opts.Scrub {
			scrub(plan.ops, c.g.Rank())
		}
		if sync {
			if err := c.g.Barrier(ctx); err != nil {
				spanRecordError(span, err)
				return MeasurementResult{}, fmt.Errorf("commbench: barrier before iteration %d: %w", iter, err)
			}
		}

		t0 := time.Now()
		h, err := c.Start(ctx)
		if err != nil {
			spanRecordError(span, err)
			return MeasurementResult{}, fmt.Errorf("commbench: iteration %d: %w", iter, err)
		}
		start := time.Since(t0)
		if err := c.Wait(ctx, h); err != nil {
			if c.Outstanding() == h {
				err = &PendingError{Handle: h, Err: err}
			}
			spanRecordError(span, err)
			return MeasurementResult{}, fmt.Errorf("commbench: iteration %d: %w", iter, err)
		}
		elapsed := time.Since(t0)

		if sync {
			if start, err = c.maxDuration(ctx, start); err == nil {
				elapsed, err = c.maxDuration(ctx, elapsed)
			}
			if err != nil {
				spanRecordError(span, err)
				return MeasurementResult{}, fmt.Errorf("commbench: reduce iteration %d: %w", iter, err)
			}
		}

		p := PhaseTiming
		if iter < 0 {
			p = PhaseWarming
			c.stats.warmup.Add(1)
		} else {
			c.stats.measured.Add(1)
			res.Times = append(res.Times, elapsed)
			res.StartTimes = append(res.StartTimes, start)
		}
		c.metricIterationTimed(elapsed.Seconds(), logKV(labelPhase, p.String()))
		c.logEvent("iteration", logKV(labelPhase, p.String()), logKV("iteration", iter), logKV("start", start), logKV("elapsed", elapsed))
		if opts.OnIteration != nil {
			opts.OnIteration(iter, start, elapsed)
		}
	}

	summarize(&res)
	phase(PhaseReported)
	c.logEvent("measure",
		logKV("warmup", warmup),
		logKV("iterations", timed),
		logKV("bytes", res.Bytes),
		logKV("min", res.Min),
		logKV("median", res.Median),
		logKV("mean", res.Mean),
		logKV("max", res.Max),
	)
	return res, nil
}

func (c *Comm) maxDuration(ctx context.Context, d time.Duration) (time.Duration, error) {
	v, err := c.g.MaxFloat64(ctx, d.Seconds())
	if err != nil {
		return 0, err
	}
	return time.Duration(v * float64(time.Second)), nil
}

// scrub fills the source regions this rank reads from.
func scrub(ops []backend.Op, rank int) {
	for _, op := range ops {
		switch op.Role(rank) {
		case backend.RoleSend, backend.RoleLocal:
		default:
			continue
		}
		if !op.Src.Live() {
			continue
		}
		region, err := op.Src.Slice(op.SrcOffset, op.Length)
		if err != nil {
			continue
		}
		for i := range region {
			region[i] = 0xFF
		}
	}
}

func summarize(res *MeasurementResult) {
	n := len(res.Times)
	if n == 0 {
		return
	}
	secs := seconds(res.Times)
	res.Min = res.Times[floats.MinIdx(secs)]
	res.Max = res.Times[floats.MaxIdx(secs)]
	res.Mean = clamp(fromSeconds(stat.Mean(secs, nil)), res.Min, res.Max)
	if n > 1 {
		res.StdDev = fromSeconds(stat.StdDev(secs, nil))
	}
	res.Median = sortedMiddle(res.Times)
	res.StartMedian = sortedMiddle(res.StartTimes)
}

// sortedMiddle returns the element at n/2 of the sorted values.
func sortedMiddle(values []time.Duration) time.Duration {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return sorted[len(sorted)/2]
}

func seconds(values []time.Duration) []float64 {
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = v.Seconds()
	}
	return out
}

func fromSeconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func clamp(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}
