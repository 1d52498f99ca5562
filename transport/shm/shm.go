// Package shm is the shared-memory segment transport. A Driver maps buffers
// owned by other ranks on the same node into the calling process and exposes
// doorbells: per rank pair counters a writer bumps after it finishes storing
// into a peer's memory.
package shm

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/rocketbitz/commbench-go/mem"
)

var (
	// ErrNotMapped indicates the requested peer buffer is unknown or gone.
	ErrNotMapped = errors.New("commbench shm: peer buffer not mapped")
	// ErrRank indicates a rank outside the node.
	ErrRank = errors.New("commbench shm: rank out of range")
	// ErrClosed indicates the driver has been closed.
	ErrClosed = errors.New("commbench shm: closed")
)

// Driver gives one rank access to its peers' memory.
type Driver interface {
	// Map returns a view of buffer id owned by rank. Writes through the view
	// land in the owner's memory.
	Map(rank int, id uint64) (*mem.Buffer, error)
	// Unmap releases a view returned by Map.
	Unmap(buf *mem.Buffer) error
	// Doorbell returns the counter matrix for channel. Every rank that asks
	// for the same channel observes the same counters.
	Doorbell(channel uint64) (Doorbell, error)
	Close() error
}

// Doorbell is a matrix of monotonically increasing counters indexed by
// (src, dst) rank.
type Doorbell interface {
	Ring(src, dst int) error
	Count(src, dst int) uint64
	Close() error
}

// Await polls bell until the (src, dst) counter reaches target or ctx ends.
func Await(ctx context.Context, bell Doorbell, src, dst int, target uint64) error {
	if bell == nil {
		return errors.New("commbench shm: nil doorbell")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	spins := 0
	backoff := time.Microsecond
	for {
		if bell.Count(src, dst) >= target {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("await doorbell %d->%d: %w", src, dst, err)
		}
		if spins < 64 {
			spins++
			runtime.Gosched()
			continue
		}
		select {
		case <-ctx.Done():
		case <-time.After(backoff):
		}
		if backoff < time.Millisecond {
			backoff *= 2
		}
	}
}

func checkPair(size, src, dst int) error {
	if src < 0 || src >= size || dst < 0 || dst >= size {
		return fmt.Errorf("%w: pair %d->%d of %d", ErrRank, src, dst, size)
	}
	return nil
}
