package shm

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/rocketbitz/commbench-go/mem"
)

// FileConfig configures NewFileDriver.
type FileConfig struct {
	// Dir holds the segment files. Empty selects mem.DefaultSegmentDir.
	Dir string
	// Group namespaces the files; every rank of a group must agree on it.
	Group string
	Rank  int
	Size  int
}

// FileDriver maps segments created by mem.ShmAllocator in other processes.
type FileDriver struct {
	cfg FileConfig

	mu     sync.Mutex
	bells  map[uint64]*fileBell
	closed bool
}

// NewFileDriver returns a driver for cfg.Rank in a group of cfg.Size ranks.
func NewFileDriver(cfg FileConfig) (*FileDriver, error) {
	if cfg.Group == "" {
		return nil, errors.New("commbench shm: file driver requires a group name")
	}
	if cfg.Size <= 0 || cfg.Rank < 0 || cfg.Rank >= cfg.Size {
		return nil, fmt.Errorf("%w: %d of %d", ErrRank, cfg.Rank, cfg.Size)
	}
	if cfg.Dir == "" {
		cfg.Dir = mem.DefaultSegmentDir()
	}
	return &FileDriver{cfg: cfg, bells: make(map[uint64]*fileBell)}, nil
}

// Map opens the segment file of rank's buffer id.
func (d *FileDriver) Map(rank int, id uint64) (*mem.Buffer, error) {
	if rank < 0 || rank >= d.cfg.Size {
		return nil, fmt.Errorf("%w: %d of %d", ErrRank, rank, d.cfg.Size)
	}
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	buf, err := mem.OpenSegment(d.cfg.Dir, d.cfg.Group, rank, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotMapped, err)
	}
	return buf, nil
}

// Unmap drops the local mapping; the owner's file is untouched.
func (d *FileDriver) Unmap(buf *mem.Buffer) error {
	return buf.Close()
}

// Doorbell maps the counter file for channel, creating it on first use.
func (d *FileDriver) Doorbell(channel uint64) (Doorbell, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}
	if bell, ok := d.bells[channel]; ok {
		return bell, nil
	}
	path := filepath.Join(d.cfg.Dir, fmt.Sprintf("commbench_%s_bell_%d", d.cfg.Group, channel))
	data, unmap, err := mem.MapFile(path, d.cfg.Size*d.cfg.Size*8)
	if err != nil {
		return nil, fmt.Errorf("map doorbell %d: %w", channel, err)
	}
	bell := &fileBell{size: d.cfg.Size, path: path, data: data, unmap: unmap}
	d.bells[channel] = bell
	return bell, nil
}

// Close unmaps every doorbell. Rank 0 also removes the doorbell files; peers
// that still hold a mapping keep working until they unmap.
func (d *FileDriver) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	bells := d.bells
	d.bells = nil
	d.mu.Unlock()

	var errs []error
	for _, bell := range bells {
		if err := bell.Close(); err != nil {
			errs = append(errs, err)
		}
		if d.cfg.Rank == 0 {
			if err := os.Remove(bell.path); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

type fileBell struct {
	size  int
	path  string
	data  []byte
	unmap func() error
	once  sync.Once
}

func (b *fileBell) counter(src, dst int) *uint64 {
	offset := (src*b.size + dst) * 8
	return (*uint64)(unsafe.Pointer(&b.data[offset]))
}

func (b *fileBell) Ring(src, dst int) error {
	if err := checkPair(b.size, src, dst); err != nil {
		return err
	}
	atomic.AddUint64(b.counter(src, dst), 1)
	return nil
}

func (b *fileBell) Count(src, dst int) uint64 {
	if checkPair(b.size, src, dst) != nil {
		return 0
	}
	return atomic.LoadUint64(b.counter(src, dst))
}

func (b *fileBell) Close() error {
	var err error
	b.once.Do(func() {
		if b.unmap != nil {
			err = b.unmap()
		}
	})
	return err
}
