package backend

import (
	"context"
	"sort"

	"github.com/rocketbitz/commbench-go/transport/shm"
)

// Inbox tracks doorbell progress for the ops a rank receives through
// one-sided pushes. Senders ring once per op, failed or not, so the counts
// always advance by the number of ops per execution.
type Inbox struct {
	bell     shm.Doorbell
	rank     int
	sources  []int
	expected map[int]uint64
	consumed map[int]uint64
}

// NewInbox counts the ops in ops that rank receives from other ranks.
func NewInbox(bell shm.Doorbell, rank int, ops []Op) *Inbox {
	in := &Inbox{
		bell:     bell,
		rank:     rank,
		expected: make(map[int]uint64),
		consumed: make(map[int]uint64),
	}
	for _, op := range ops {
		if op.Role(rank) == RoleRecv {
			in.expected[op.SrcRank]++
		}
	}
	for src := range in.expected {
		in.sources = append(in.sources, src)
	}
	sort.Ints(in.sources)
	return in
}

// Empty reports whether rank receives nothing.
func (in *Inbox) Empty() bool { return len(in.sources) == 0 }

// Ready reports whether every sender has rung for the current execution.
func (in *Inbox) Ready() bool {
	for _, src := range in.sources {
		if in.bell.Count(src, in.rank) < in.consumed[src]+in.expected[src] {
			return false
		}
	}
	return true
}

// Wait blocks until Ready or ctx ends.
func (in *Inbox) Wait(ctx context.Context) error {
	for _, src := range in.sources {
		if err := shm.Await(ctx, in.bell, src, in.rank, in.consumed[src]+in.expected[src]); err != nil {
			return err
		}
	}
	return nil
}

// Commit retires the current execution's rings.
func (in *Inbox) Commit() {
	for _, src := range in.sources {
		in.consumed[src] += in.expected[src]
	}
}
