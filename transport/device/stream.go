package device

import (
	"context"
	"fmt"
	"sync"
)

const streamDepth = 256

type hostStream struct {
	work chan task
	quit chan struct{}
	done chan struct{}

	mu     sync.Mutex
	err    error
	closed bool
}

func newHostStream() *hostStream {
	s := &hostStream{
		work: make(chan task, streamDepth),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *hostStream) run() {
	defer close(s.done)
	for {
		select {
		case <-s.quit:
			return
		case t := <-s.work:
			if s.Err() != nil && !t.marker {
				continue
			}
			if err := t.fn(); err != nil {
				s.mu.Lock()
				if s.err == nil {
					s.err = err
				}
				s.mu.Unlock()
			}
		}
	}
}

func (s *hostStream) submit(t task) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	select {
	case s.work <- t:
		return nil
	case <-s.quit:
		return ErrClosed
	}
}

func (s *hostStream) CopyAsync(dst, src []byte) error {
	if len(dst) != len(src) {
		return fmt.Errorf("%w: dst %d src %d", ErrCopySize, len(dst), len(src))
	}
	return s.submit(task{fn: func() error {
		copy(dst, src)
		return nil
	}})
}

func (s *hostStream) Notify(fn func() error) error {
	if fn == nil {
		return nil
	}
	return s.submit(task{fn: fn})
}

func (s *hostStream) Record() (Event, error) {
	ev := &hostEvent{stream: s, done: make(chan struct{})}
	mark := func() error {
		close(ev.done)
		return nil
	}
	if err := s.submit(task{fn: mark, marker: true}); err != nil {
		return nil, err
	}
	return ev, nil
}

func (s *hostStream) Synchronize(ctx context.Context) error {
	ev, err := s.Record()
	if err != nil {
		return err
	}
	return ev.Synchronize(ctx)
}

func (s *hostStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *hostStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	close(s.quit)
	<-s.done
	return nil
}

// task is one unit of stream work. Markers run even on a failed stream so
// that events still resolve.
type task struct {
	fn     func() error
	marker bool
}

type hostEvent struct {
	stream *hostStream
	done   chan struct{}
}

func (e *hostEvent) Query() (bool, error) {
	select {
	case <-e.done:
		return true, e.stream.Err()
	default:
		return false, nil
	}
}

func (e *hostEvent) Synchronize(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-e.done:
		return e.stream.Err()
	case <-e.stream.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}
