package comm

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	units "github.com/docker/go-units"

	"github.com/rocketbitz/commbench-go/backend"
)

// RankLoad summarizes the transfers one rank takes part in.
type RankLoad struct {
	Rank      int
	Sends     int
	Recvs     int
	Locals    int
	BytesOut  uint64
	BytesIn   uint64
	BytesSelf uint64
}

// Loads tallies the compiled plan per rank. The plan is compiled if needed.
func (c *Comm) Loads(ctx context.Context) ([]RankLoad, error) {
	if err := c.Compile(ctx); err != nil {
		return nil, err
	}
	return tally(c.Compiled(), c.g.Size()), nil
}

func tally(ops []backend.Op, size int) []RankLoad {
	loads := make([]RankLoad, size)
	for r := range loads {
		loads[r].Rank = r
	}
	for _, op := range ops {
		if op.SrcRank == op.DstRank {
			loads[op.SrcRank].Locals++
			loads[op.SrcRank].BytesSelf += op.Length
			continue
		}
		loads[op.SrcRank].Sends++
		loads[op.SrcRank].BytesOut += op.Length
		loads[op.DstRank].Recvs++
		loads[op.DstRank].BytesIn += op.Length
	}
	return loads
}

// Report writes the compiled plan as a per-rank table followed by the
// descriptor list. Only the print rank writes; other ranks return nil.
func (c *Comm) Report(ctx context.Context, w io.Writer) error {
	loads, err := c.Loads(ctx)
	if err != nil {
		return err
	}
	if !c.g.IsPrintRank() {
		return nil
	}
	ops := c.Compiled()
	var total uint64
	for _, op := range ops {
		total += op.Length
	}

	name := c.name
	if name == "" {
		name = "-"
	}
	fmt.Fprintf(w, "comm %s backend %s group %s: %d ranks, %d transfers, %s\n",
		name, c.kind, c.g.Name(), c.g.Size(), len(ops), units.BytesSize(float64(total)))

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "rank\tsends\trecvs\tlocal\tout\tin\tself")
	for _, l := range loads {
		fmt.Fprintf(tw, "%d\t%d\t%d\t%d\t%s\t%s\t%s\n",
			l.Rank, l.Sends, l.Recvs, l.Locals,
			units.BytesSize(float64(l.BytesOut)),
			units.BytesSize(float64(l.BytesIn)),
			units.BytesSize(float64(l.BytesSelf)))
	}
	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "index\tsrc\tdst\tlength\tsource\tdestination")
	for _, op := range ops {
		fmt.Fprintf(tw, "%d\t%d\t%d\t%s\t%d@%d\t%d@%d\n",
			op.Index, op.SrcRank, op.DstRank, units.BytesSize(float64(op.Length)),
			op.Src.ID(), op.SrcOffset, op.Dst.ID(), op.DstOffset)
	}
	return tw.Flush()
}

// WriteResult writes res in microseconds, milliseconds per gigabyte and
// gigabytes per second.
func WriteResult(w io.Writer, res MeasurementResult) error {
	if _, err := fmt.Fprintf(w, "data: %s (%d bytes), %d warmup, %d timed\n",
		units.BytesSize(float64(res.Bytes)), res.Bytes, res.Warmup, res.Count()); err != nil {
		return err
	}
	rows := []struct {
		name string
		d    time.Duration
	}{
		{"minTime", res.Min},
		{"medTime", res.Median},
		{"maxTime", res.Max},
		{"avgTime", res.Mean},
	}
	for _, row := range rows {
		if _, err := fmt.Fprintf(w, "%s: %.4e us, %.4e ms/GB, %.4e GB/s\n",
			row.name, float64(row.d)/float64(time.Microsecond), res.MsPerGB(row.d), res.GBPerSecond(row.d)); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "stddev: %.4e us, start median: %.4e us\n",
		float64(res.StdDev)/float64(time.Microsecond), float64(res.StartMedian)/float64(time.Microsecond))
	return err
}

// PrintResult writes res on the print rank only.
func (c *Comm) PrintResult(w io.Writer, res MeasurementResult) error {
	if !c.g.IsPrintRank() {
		return nil
	}
	return WriteResult(w, res)
}
