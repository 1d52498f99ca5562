// Package msg is the network messaging transport: tagged, non-blocking,
// two-sided point-to-point sends and receives between ranks.
//
// Messages from one source with one tag are matched in the order they were
// sent. Hub sends are eager: the payload is copied before Isend returns. TCP
// sends are queued to a per-connection writer and complete once flushed.
package msg

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrTruncated indicates an incoming message larger than the receive buffer.
	ErrTruncated = errors.New("commbench msg: message truncated")
	// ErrClosed indicates the messenger has been closed.
	ErrClosed = errors.New("commbench msg: closed")
	// ErrRank indicates a peer rank outside the group.
	ErrRank = errors.New("commbench msg: rank out of range")
)

// Request tracks one posted send or receive.
type Request interface {
	// Test reports whether the request finished, without blocking.
	Test() (bool, error)
	// Wait blocks until the request finishes or ctx ends.
	Wait(ctx context.Context) error
}

// Messenger is one rank's endpoint.
type Messenger interface {
	Rank() int
	Size() int
	Isend(dst, tag int, payload []byte) (Request, error)
	Irecv(src, tag int, buf []byte) (Request, error)
	Close() error
}

type request struct {
	done chan struct{}
	once sync.Once
	err  error
}

func newRequest() *request {
	return &request{done: make(chan struct{})}
}

func completedRequest(err error) *request {
	r := newRequest()
	r.complete(err)
	return r
}

func (r *request) complete(err error) {
	r.once.Do(func() {
		r.err = err
		close(r.done)
	})
}

func (r *request) Test() (bool, error) {
	select {
	case <-r.done:
		return true, r.err
	default:
		return false, nil
	}
}

func (r *request) Wait(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		select {
		case <-r.done:
			return r.err
		default:
		}
		return ctx.Err()
	}
}

type matchKey struct {
	src int
	tag int
}

type pendingRecv struct {
	buf []byte
	req *request
}

// matcher pairs arriving messages with posted receives for one rank.
type matcher struct {
	mu         sync.Mutex
	unexpected map[matchKey][][]byte
	posted     map[matchKey][]pendingRecv
	failed     error
}

func newMatcher() *matcher {
	return &matcher{
		unexpected: make(map[matchKey][][]byte),
		posted:     make(map[matchKey][]pendingRecv),
	}
}

// deliver hands payload to the oldest matching receive or queues it. The
// matcher takes ownership of payload.
func (m *matcher) deliver(src, tag int, payload []byte) {
	key := matchKey{src: src, tag: tag}
	m.mu.Lock()
	if queue := m.posted[key]; len(queue) > 0 {
		recv := queue[0]
		if len(queue) == 1 {
			delete(m.posted, key)
		} else {
			m.posted[key] = queue[1:]
		}
		m.mu.Unlock()
		recv.req.complete(fill(recv.buf, payload, src, tag))
		return
	}
	m.unexpected[key] = append(m.unexpected[key], payload)
	m.mu.Unlock()
}

func (m *matcher) post(src, tag int, buf []byte) *request {
	key := matchKey{src: src, tag: tag}
	req := newRequest()
	m.mu.Lock()
	if queue := m.unexpected[key]; len(queue) > 0 {
		payload := queue[0]
		if len(queue) == 1 {
			delete(m.unexpected, key)
		} else {
			m.unexpected[key] = queue[1:]
		}
		m.mu.Unlock()
		req.complete(fill(buf, payload, src, tag))
		return req
	}
	if m.failed != nil {
		err := m.failed
		m.mu.Unlock()
		req.complete(err)
		return req
	}
	m.posted[key] = append(m.posted[key], pendingRecv{buf: buf, req: req})
	m.mu.Unlock()
	return req
}

// fail completes every posted receive with err and rejects later ones that
// cannot be satisfied from already queued messages.
func (m *matcher) fail(err error) {
	m.mu.Lock()
	if m.failed == nil {
		m.failed = err
	}
	posted := m.posted
	m.posted = make(map[matchKey][]pendingRecv)
	m.mu.Unlock()
	for _, queue := range posted {
		for _, recv := range queue {
			recv.req.complete(err)
		}
	}
}

func fill(buf, payload []byte, src, tag int) error {
	if len(payload) > len(buf) {
		copy(buf, payload)
		return fmt.Errorf("%w: %d bytes from rank %d tag %d into %d", ErrTruncated, len(payload), src, tag, len(buf))
	}
	copy(buf, payload)
	return nil
}
