package msg

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sync/errgroup"
)

// TCPConfig controls Dial.
type TCPConfig struct {
	Rank int
	// Peers lists a host:port per rank. Rank r listens on Peers[r] unless
	// Listen is set.
	Peers  []string
	Listen string
	// RetryInterval is the initial pause between connection attempts to a
	// peer that is not listening yet. Defaults to 20ms.
	RetryInterval time.Duration
}

type hello struct {
	Rank int `msgpack:"rank"`
	Size int `msgpack:"size"`
}

type frame struct {
	Tag     int    `msgpack:"tag"`
	Payload []byte `msgpack:"payload"`
}

// sendQueueDepth bounds the frames queued on one connection before Isend
// blocks.
const sendQueueDepth = 64

type outgoing struct {
	frame frame
	req   *request
}

type tcpConn struct {
	peer int
	conn net.Conn
	dec  *msgpack.Decoder

	wmu   sync.Mutex
	bw    *bufio.Writer
	enc   *msgpack.Encoder
	queue chan outgoing
}

func newTCPConn(conn net.Conn) *tcpConn {
	bw := bufio.NewWriter(conn)
	return &tcpConn{
		peer:  -1,
		conn:  conn,
		dec:   msgpack.NewDecoder(bufio.NewReader(conn)),
		bw:    bw,
		enc:   msgpack.NewEncoder(bw),
		queue: make(chan outgoing, sendQueueDepth),
	}
}

func (c *tcpConn) write(v any) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.enc.Encode(v); err != nil {
		return err
	}
	return c.bw.Flush()
}

// TCP is a Messenger with one TCP connection per peer. Lower ranks accept
// connections from higher ranks. Each connection has a reader and a writer
// goroutine; Isend queues the frame and its request completes once the frame
// is flushed.
type TCP struct {
	rank  int
	size  int
	conns []*tcpConn
	inbox *matcher

	closed atomic.Bool
	// sendMu orders Isend enqueues before quit is closed.
	sendMu sync.RWMutex
	quit   chan struct{}
	wg     sync.WaitGroup
}

var _ Messenger = (*TCP)(nil)

// Dial listens on this rank's address and connects to every peer. It returns
// once the full mesh is established or ctx ends.
func Dial(ctx context.Context, cfg TCPConfig) (*TCP, error) {
	size := len(cfg.Peers)
	if size == 0 {
		return nil, errors.New("commbench msg: no peers configured")
	}
	if cfg.Rank < 0 || cfg.Rank >= size {
		return nil, fmt.Errorf("%w: %d of %d", ErrRank, cfg.Rank, size)
	}
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = 20 * time.Millisecond
	}
	if ctx == nil {
		ctx = context.Background()
	}
	listen := cfg.Listen
	if listen == "" {
		listen = cfg.Peers[cfg.Rank]
	}

	t := &TCP{
		rank:  cfg.Rank,
		size:  size,
		conns: make([]*tcpConn, size),
		inbox: newMatcher(),
		quit:  make(chan struct{}),
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", listen)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", listen, err)
	}
	defer ln.Close()

	g, gctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(gctx, func() { _ = ln.Close() })
	defer stop()

	var mu sync.Mutex
	register := func(c *tcpConn) error {
		mu.Lock()
		defer mu.Unlock()
		if c.peer < 0 || c.peer >= size || c.peer == cfg.Rank || t.conns[c.peer] != nil {
			return fmt.Errorf("commbench msg: unexpected peer rank %d", c.peer)
		}
		t.conns[c.peer] = c
		return nil
	}

	g.Go(func() error {
		for remaining := size - 1 - cfg.Rank; remaining > 0; remaining-- {
			conn, err := ln.Accept()
			if err != nil {
				return fmt.Errorf("accept: %w", err)
			}
			c := newTCPConn(conn)
			var h hello
			if err := c.dec.Decode(&h); err != nil {
				_ = conn.Close()
				return fmt.Errorf("read hello: %w", err)
			}
			if h.Size != size {
				_ = conn.Close()
				return fmt.Errorf("commbench msg: peer %d reports group size %d, want %d", h.Rank, h.Size, size)
			}
			c.peer = h.Rank
			if err := register(c); err != nil {
				_ = conn.Close()
				return err
			}
		}
		return nil
	})

	for peer := 0; peer < cfg.Rank; peer++ {
		peer := peer
		g.Go(func() error {
			conn, err := dialRetry(gctx, cfg.Peers[peer], cfg.RetryInterval)
			if err != nil {
				return fmt.Errorf("dial rank %d at %s: %w", peer, cfg.Peers[peer], err)
			}
			c := newTCPConn(conn)
			c.peer = peer
			if err := c.write(hello{Rank: cfg.Rank, Size: size}); err != nil {
				_ = conn.Close()
				return fmt.Errorf("send hello to rank %d: %w", peer, err)
			}
			return register(c)
		})
	}

	if err := g.Wait(); err != nil {
		for _, c := range t.conns {
			if c != nil {
				_ = c.conn.Close()
			}
		}
		return nil, err
	}

	for _, c := range t.conns {
		if c == nil {
			continue
		}
		t.wg.Add(2)
		go t.read(c)
		go t.writeLoop(c)
	}
	return t, nil
}

func dialRetry(ctx context.Context, addr string, interval time.Duration) (net.Conn, error) {
	var d net.Dialer
	for {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn, nil
		}
		select {
		case <-ctx.Done():
			return nil, errors.Join(ctx.Err(), err)
		case <-time.After(interval):
		}
		if interval < time.Second {
			interval *= 2
		}
	}
}

func (t *TCP) read(c *tcpConn) {
	defer t.wg.Done()
	for {
		var f frame
		if err := c.dec.Decode(&f); err != nil {
			if t.closed.Load() {
				return
			}
			t.inbox.fail(fmt.Errorf("receive from rank %d: %w", c.peer, err))
			return
		}
		t.inbox.deliver(c.peer, f.Tag, f.Payload)
	}
}

// writeLoop flushes queued frames in order. After quit it fails whatever is
// still queued.
func (t *TCP) writeLoop(c *tcpConn) {
	defer t.wg.Done()
	for {
		select {
		case out := <-c.queue:
			if err := c.write(out.frame); err != nil {
				out.req.complete(fmt.Errorf("send to rank %d: %w", c.peer, err))
				continue
			}
			out.req.complete(nil)
		case <-t.quit:
			for {
				select {
				case out := <-c.queue:
					out.req.complete(ErrClosed)
				default:
					return
				}
			}
		}
	}
}

func (t *TCP) Rank() int { return t.rank }

func (t *TCP) Size() int { return t.size }

// Isend queues payload for dst's writer. payload must not change until the
// request completes.
func (t *TCP) Isend(dst, tag int, payload []byte) (Request, error) {
	if dst < 0 || dst >= t.size {
		return nil, fmt.Errorf("%w: %d of %d", ErrRank, dst, t.size)
	}
	t.sendMu.RLock()
	defer t.sendMu.RUnlock()
	if t.closed.Load() {
		return nil, ErrClosed
	}
	if dst == t.rank {
		t.inbox.deliver(t.rank, tag, append([]byte(nil), payload...))
		return completedRequest(nil), nil
	}
	req := newRequest()
	select {
	case t.conns[dst].queue <- outgoing{frame: frame{Tag: tag, Payload: payload}, req: req}:
		return req, nil
	case <-t.quit:
		return nil, ErrClosed
	}
}

// Irecv posts buf for the next message from src with tag.
func (t *TCP) Irecv(src, tag int, buf []byte) (Request, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	if src < 0 || src >= t.size {
		return nil, fmt.Errorf("%w: %d of %d", ErrRank, src, t.size)
	}
	return t.inbox.post(src, tag, buf), nil
}

// Close tears down every connection and fails outstanding sends and
// receives.
func (t *TCP) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	var errs []error
	for _, c := range t.conns {
		if c == nil {
			continue
		}
		if err := c.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	t.sendMu.Lock()
	close(t.quit)
	t.sendMu.Unlock()
	t.wg.Wait()
	t.inbox.fail(ErrClosed)
	return errors.Join(errs...)
}
