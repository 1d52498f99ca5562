//go:build unix

package mem

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// ShmAllocator backs buffers with files in a shared-memory directory so that
// other processes on the node can map them.
type ShmAllocator struct {
	dir    string
	group  string
	rank   int
	next   atomic.Uint64
	closed atomic.Bool
}

// NewShmAllocator returns an allocator that places rank's buffers under dir,
// namespaced by group. An empty dir selects DefaultSegmentDir.
func NewShmAllocator(dir, group string, rank int) (*ShmAllocator, error) {
	if group == "" {
		return nil, errors.New("commbench mem: shared-memory allocator requires a group name")
	}
	if dir == "" {
		dir = DefaultSegmentDir()
	}
	return &ShmAllocator{dir: dir, group: group, rank: rank}, nil
}

// Allocate creates and maps a new segment file of the requested capacity.
func (a *ShmAllocator) Allocate(capacity uint64) (*Buffer, error) {
	if a == nil || a.closed.Load() {
		return nil, ErrClosed
	}
	if capacity == 0 {
		return nil, ErrZeroCapacity
	}
	id := a.next.Add(1)
	path := SegmentPath(a.dir, a.group, a.rank, id)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create segment %s: %w", path, err)
	}
	defer file.Close()

	if err := file.Truncate(int64(capacity)); err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("resize segment %s: %w", path, err)
	}
	data, err := unix.Mmap(int(file.Fd()), 0, int(capacity), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("mmap segment %s: %w", path, err)
	}

	return &Buffer{
		id:    id,
		rank:  a.rank,
		kind:  KindShared,
		data:  data,
		path:  path,
		owner: a,
		release: func(b []byte) error {
			err := unix.Munmap(b)
			if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) && err == nil {
				err = rmErr
			}
			return err
		},
	}, nil
}

// Free unmaps and removes the segment once no execution pins it.
func (a *ShmAllocator) Free(buf *Buffer) error {
	if buf == nil {
		return nil
	}
	if buf.owner != a {
		return fmt.Errorf("buffer %d: %w", buf.id, ErrForeign)
	}
	return buf.markFreed()
}

// Close stops further allocations.
func (a *ShmAllocator) Close() {
	a.closed.Store(true)
}

// OpenSegment maps a buffer allocated by another rank's ShmAllocator.
// Closing the returned buffer unmaps it without removing the file.
func OpenSegment(dir, group string, rank int, id uint64) (*Buffer, error) {
	if dir == "" {
		dir = DefaultSegmentDir()
	}
	path := SegmentPath(dir, group, rank, id)
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open segment %s: %w", path, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat segment %s: %w", path, err)
	}
	if info.Size() <= 0 {
		return nil, fmt.Errorf("segment %s is empty", path)
	}
	data, err := unix.Mmap(int(file.Fd()), 0, int(info.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap segment %s: %w", path, err)
	}
	buf := NewBuffer(id, rank, KindShared, data, unix.Munmap)
	buf.path = path
	return buf, nil
}

// MapFile maps (creating if needed) a file of exactly size bytes. It is used
// for small control regions such as doorbell matrices.
func MapFile(path string, size int) ([]byte, func() error, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.Size() < int64(size) {
		if err := file.Truncate(int64(size)); err != nil {
			return nil, nil, fmt.Errorf("resize %s: %w", path, err)
		}
	}
	data, err := unix.Mmap(int(file.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, nil, fmt.Errorf("mmap %s: %w", path, err)
	}
	return data, func() error { return unix.Munmap(data) }, nil
}

// SegmentPath names the file backing buffer id of rank within group.
func SegmentPath(dir, group string, rank int, id uint64) string {
	return filepath.Join(dir, fmt.Sprintf("commbench_%s_r%d_b%d", group, rank, id))
}

// DefaultSegmentDir prefers /dev/shm and falls back to the temp directory.
func DefaultSegmentDir() string {
	if info, err := os.Stat("/dev/shm"); err == nil && info.IsDir() {
		return "/dev/shm"
	}
	return os.TempDir()
}
