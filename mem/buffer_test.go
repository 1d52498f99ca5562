package mem

import (
	"errors"
	"testing"
)

func TestHostAllocatorSymmetricIDs(t *testing.T) {
	a0 := NewHostAllocator(0)
	a1 := NewHostAllocator(1)

	for i := 0; i < 3; i++ {
		b0, err := a0.Allocate(64)
		if err != nil {
			t.Fatalf("rank 0 Allocate: %v", err)
		}
		b1, err := a1.Allocate(64)
		if err != nil {
			t.Fatalf("rank 1 Allocate: %v", err)
		}
		if b0.ID() != b1.ID() {
			t.Fatalf("allocation %d: ids differ: %d vs %d", i, b0.ID(), b1.ID())
		}
		if b0.Rank() != 0 || b1.Rank() != 1 {
			t.Fatalf("unexpected ranks: %d %d", b0.Rank(), b1.Rank())
		}
	}
}

func TestHostAllocatorRejectsZeroCapacity(t *testing.T) {
	a := NewHostAllocator(0)
	if _, err := a.Allocate(0); !errors.Is(err, ErrZeroCapacity) {
		t.Fatalf("expected ErrZeroCapacity, got %v", err)
	}
}

func TestBufferSliceBounds(t *testing.T) {
	a := NewHostAllocator(0)
	buf, err := a.Allocate(1024)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	if s, err := buf.Slice(768, 256); err != nil || len(s) != 256 {
		t.Fatalf("Slice(768,256) = %d, %v", len(s), err)
	}
	if _, err := buf.Slice(769, 256); !errors.Is(err, ErrRange) {
		t.Fatalf("expected ErrRange, got %v", err)
	}
	if _, err := buf.Slice(^uint64(0), 2); !errors.Is(err, ErrRange) {
		t.Fatalf("expected ErrRange on overflow, got %v", err)
	}
	if buf.Addr() == 0 {
		t.Fatal("expected non-zero address token")
	}
}

func TestBufferFreeWhilePinned(t *testing.T) {
	a := NewHostAllocator(0)
	buf, err := a.Allocate(16)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	released := 0
	buf.release = func([]byte) error {
		released++
		return nil
	}

	if err := buf.Pin(); err != nil {
		t.Fatalf("Pin: %v", err)
	}
	if err := a.Free(buf); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if buf.Live() {
		t.Fatal("buffer still live after Free")
	}
	if released != 0 {
		t.Fatal("backing released while pinned")
	}
	if _, err := buf.Slice(0, 1); !errors.Is(err, ErrFreed) {
		t.Fatalf("expected ErrFreed from Slice, got %v", err)
	}
	if err := buf.Pin(); !errors.Is(err, ErrFreed) {
		t.Fatalf("expected ErrFreed from Pin, got %v", err)
	}

	buf.Unpin()
	if released != 1 {
		t.Fatalf("expected backing release after unpin, got %d", released)
	}
	if err := a.Free(buf); !errors.Is(err, ErrFreed) {
		t.Fatalf("expected ErrFreed on double free, got %v", err)
	}
}

func TestAllocatorRejectsForeignBuffer(t *testing.T) {
	a := NewHostAllocator(0)
	b := NewHostAllocator(0)
	buf, err := a.Allocate(8)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := b.Free(buf); !errors.Is(err, ErrForeign) {
		t.Fatalf("expected ErrForeign, got %v", err)
	}
	if !buf.Live() {
		t.Fatal("foreign free must not release the buffer")
	}
}

func TestHostAllocatorHookAndClose(t *testing.T) {
	a := NewHostAllocator(2)
	var seen []*Buffer
	a.OnAllocate(func(b *Buffer) { seen = append(seen, b) })

	buf, err := a.Allocate(4)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if len(seen) != 1 || seen[0] != buf {
		t.Fatalf("hook not invoked with allocated buffer")
	}

	a.Close()
	if _, err := a.Allocate(4); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
