package comm

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rocketbitz/commbench-go/backend"
)

var (
	// ErrUnsupportedBackend indicates no adapter is registered for the backend.
	ErrUnsupportedBackend = errors.New("commbench: unsupported backend")
	// ErrGroupContext indicates the group context is not ready for the backend.
	ErrGroupContext = backend.ErrGroupContext
	// ErrPlanFrozen indicates an add after the plan was compiled.
	ErrPlanFrozen = errors.New("commbench: plan frozen")
	// ErrBounds indicates an offset/length outside a buffer.
	ErrBounds = errors.New("commbench: range exceeds buffer")
	// ErrInvalidRank indicates a rank outside the group.
	ErrInvalidRank = errors.New("commbench: invalid rank")
	// ErrInvalidArgument indicates a malformed argument such as a zero length.
	ErrInvalidArgument = errors.New("commbench: invalid argument")
	// ErrAlreadyOutstanding indicates Start while an execution is in flight.
	ErrAlreadyOutstanding = errors.New("commbench: execution already outstanding")
	// ErrInvalidHandle indicates Wait on a handle that is not outstanding.
	ErrInvalidHandle = errors.New("commbench: invalid handle")
	// ErrRegistration indicates the backend could not prepare the plan.
	ErrRegistration = backend.ErrRegistration
	// ErrTransport indicates one or more transfers failed.
	ErrTransport = errors.New("commbench: transport error")
	// ErrClosed indicates the communicator has been closed.
	ErrClosed = errors.New("commbench: communicator closed")
)

// Side names the end of a transfer an error refers to.
type Side string

const (
	SideSource      Side = "source"
	SideDestination Side = "destination"
)

// BoundsError reports a range that does not fit its buffer.
type BoundsError struct {
	Side     Side
	Offset   uint64
	Length   uint64
	Capacity uint64
}

func (e *BoundsError) Error() string {
	return fmt.Sprintf("commbench: %s range [%d, %d+%d) exceeds capacity %d", e.Side, e.Offset, e.Offset, e.Length, e.Capacity)
}

// Is matches ErrBounds.
func (e *BoundsError) Is(target error) bool { return target == ErrBounds }

// RankError reports a rank outside the group.
type RankError struct {
	Side Side
	Rank int
	Size int
}

func (e *RankError) Error() string {
	return fmt.Sprintf("commbench: %s rank %d outside group of %d", e.Side, e.Rank, e.Size)
}

// Is matches ErrInvalidRank.
func (e *RankError) Is(target error) bool { return target == ErrInvalidRank }

// TransportError reports a failed execution. Index and Op describe the first
// failing descriptor in compiled order; Failures lists every failure.
type TransportError struct {
	Index    int
	Op       backend.Op
	Err      error
	Failures []backend.Failure
}

func (e *TransportError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "commbench: transport error on descriptor %d (%s): %v", e.Index, e.Op, e.Err)
	if n := len(e.Failures); n > 1 {
		fmt.Fprintf(&b, " (+%d more)", n-1)
	}
	return b.String()
}

// Is matches ErrTransport.
func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// Unwrap exposes the first failure's cause.
func (e *TransportError) Unwrap() error { return e.Err }

// PendingError reports a run that stopped while its execution was still in
// flight. Handle remains outstanding; Wait or Test retires it.
type PendingError struct {
	Handle *Handle
	Err    error
}

func (e *PendingError) Error() string {
	return fmt.Sprintf("commbench: execution %d still outstanding: %v", e.Handle.Seq(), e.Err)
}

func (e *PendingError) Unwrap() error { return e.Err }

func newTransportError(failures []backend.Failure) *TransportError {
	if len(failures) == 0 {
		return nil
	}
	first := failures[0]
	for _, f := range failures[1:] {
		if f.Index < first.Index {
			first = f
		}
	}
	return &TransportError{Index: first.Index, Op: first.Op, Err: first.Err, Failures: failures}
}
