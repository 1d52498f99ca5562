// Package backend defines the seam between a communicator and a transport.
//
// An Adapter turns an ordered, validated list of Ops into transport calls in
// three steps: Prepare once per compiled plan, then Post and Poll for every
// execution. Execution is rank-local: each rank performs only the halves of
// an Op that name it.
package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rocketbitz/commbench-go/group"
	"github.com/rocketbitz/commbench-go/mem"
)

var (
	// ErrRegistration indicates memory could not be made visible to the transport.
	ErrRegistration = errors.New("commbench: registration failed")
	// ErrGroupContext indicates the group lacks what the backend needs.
	ErrGroupContext = errors.New("commbench: group context not initialized for backend")
	// ErrUnknownKind indicates a backend name outside the closed set.
	ErrUnknownKind = errors.New("commbench: unknown backend")
)

// Kind names a backend.
type Kind int

const (
	KindIPC Kind = iota + 1
	KindMPI
	KindGPU
)

func (k Kind) String() string {
	switch k {
	case KindIPC:
		return "ipc"
	case KindMPI:
		return "mpi"
	case KindGPU:
		return "gpu"
	default:
		return fmt.Sprintf("backend(%d)", int(k))
	}
}

// ParseKind maps a case-insensitive backend name to its Kind.
func ParseKind(name string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "ipc":
		return KindIPC, nil
	case "mpi":
		return KindMPI, nil
	case "gpu":
		return KindGPU, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownKind, name)
	}
}

// Op is one validated transfer. Src and Dst are this rank's handles for the
// symmetric buffers; adapters locate the peer's copy by rank and ID.
type Op struct {
	Index     int
	Src       *mem.Buffer
	SrcOffset uint64
	Dst       *mem.Buffer
	DstOffset uint64
	Length    uint64
	SrcRank   int
	DstRank   int
}

// Role reports what rank must do for the op.
func (o Op) Role(rank int) Role {
	switch {
	case o.SrcRank == rank && o.DstRank == rank:
		return RoleLocal
	case o.SrcRank == rank:
		return RoleSend
	case o.DstRank == rank:
		return RoleRecv
	default:
		return RoleNone
	}
}

func (o Op) String() string {
	return fmt.Sprintf("op#%d %d:%d+%d -> %d:%d+%d (%d bytes)",
		o.Index, o.SrcRank, o.Src.ID(), o.SrcOffset, o.DstRank, o.Dst.ID(), o.DstOffset, o.Length)
}

// Role is a rank's part in an Op.
type Role int

const (
	RoleNone Role = iota
	RoleLocal
	RoleSend
	RoleRecv
)

// Token is the prepared form of a plan.
type Token interface {
	Ops() []Op
	Close() error
}

// Execution is one posted run of a Token.
type Execution interface {
	Token() Token
}

// Failure records why one op failed.
type Failure struct {
	Index int
	Op    Op
	Err   error
}

// Status is the result of polling an Execution.
type Status struct {
	Done     bool
	Failures []Failure
}

// Adapter is implemented by every backend.
type Adapter interface {
	Kind() Kind
	// Prepare registers memory and returns the token reused by every Post.
	Prepare(ops []Op, g *group.Context) (Token, error)
	// Post issues every op of tok without waiting for completion.
	Post(tok Token) (Execution, error)
	// Poll reports completion. With blocking set it returns only once the
	// execution is done or ctx ends.
	Poll(ctx context.Context, exec Execution, blocking bool) (Status, error)
	Close() error
}

// Factory builds an adapter for a group.
type Factory func(g *group.Context) (Adapter, error)

// Retire appends a failure for every op whose local buffers were freed while
// the execution was outstanding.
func Retire(ops []Op, rank int, failures []Failure) []Failure {
	seen := make(map[int]bool, len(failures))
	for _, f := range failures {
		seen[f.Index] = true
	}
	for _, op := range ops {
		if seen[op.Index] {
			continue
		}
		if err := liveness(op, op.Role(rank)); err != nil {
			failures = append(failures, Failure{Index: op.Index, Op: op, Err: err})
		}
	}
	return failures
}

// CheckLive reports an error when a buffer the rank touches has been freed.
func CheckLive(op Op, rank int) error {
	return liveness(op, op.Role(rank))
}

func liveness(op Op, role Role) error {
	switch role {
	case RoleLocal:
		if !op.Src.Live() {
			return fmt.Errorf("source %s: %w", op.Src, mem.ErrFreed)
		}
		if !op.Dst.Live() {
			return fmt.Errorf("destination %s: %w", op.Dst, mem.ErrFreed)
		}
	case RoleSend:
		if !op.Src.Live() {
			return fmt.Errorf("source %s: %w", op.Src, mem.ErrFreed)
		}
	case RoleRecv:
		if !op.Dst.Live() {
			return fmt.Errorf("destination %s: %w", op.Dst, mem.ErrFreed)
		}
	}
	return nil
}

// LocalCopy performs a same-rank op.
func LocalCopy(op Op) error {
	src, err := op.Src.Slice(op.SrcOffset, op.Length)
	if err != nil {
		return err
	}
	dst, err := op.Dst.Slice(op.DstOffset, op.Length)
	if err != nil {
		return err
	}
	copy(dst, src)
	return nil
}
