//go:build !unix

package mem

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrSharedUnsupported is returned on platforms without mmap.
var ErrSharedUnsupported = errors.New("commbench mem: shared memory not supported on this platform")

// ShmAllocator is unavailable on this platform.
type ShmAllocator struct{}

func NewShmAllocator(dir, group string, rank int) (*ShmAllocator, error) {
	return nil, ErrSharedUnsupported
}

func (a *ShmAllocator) Allocate(capacity uint64) (*Buffer, error) {
	return nil, ErrSharedUnsupported
}

func (a *ShmAllocator) Free(buf *Buffer) error {
	return ErrSharedUnsupported
}

func (a *ShmAllocator) Close() {}

func OpenSegment(dir, group string, rank int, id uint64) (*Buffer, error) {
	return nil, ErrSharedUnsupported
}

func MapFile(path string, size int) ([]byte, func() error, error) {
	return nil, nil, ErrSharedUnsupported
}

func SegmentPath(dir, group string, rank int, id uint64) string {
	return filepath.Join(dir, fmt.Sprintf("commbench_%s_r%d_b%d", group, rank, id))
}

func DefaultSegmentDir() string {
	return os.TempDir()
}
