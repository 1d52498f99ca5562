package comm

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rocketbitz/commbench-go/backend"
	"github.com/rocketbitz/commbench-go/mem"
)

// Handle identifies one outstanding execution.
type Handle struct {
	id      uuid.UUID
	seq     uint64
	started time.Time
	exec    backend.Execution
	pinned  []*mem.Buffer
	waiting atomic.Bool
}

// ID returns the execution's unique identifier.
func (h *Handle) ID() uuid.UUID {
	if h == nil {
		return uuid.Nil
	}
	return h.id
}

// Seq returns the execution's position in the communicator's history.
func (h *Handle) Seq() uint64 {
	if h == nil {
		return 0
	}
	return h.seq
}

// Start compiles the plan if needed and issues every descriptor without
// waiting for completion. At most one execution may be outstanding.
func (c *Comm) Start(ctx context.Context) (*Handle, error) {
	ctx = ensureContext(ctx)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.outstanding != nil {
		return nil, ErrAlreadyOutstanding
	}
	if err := c.compileLocked(ctx); err != nil {
		return nil, err
	}
	plan := c.compiled

	// Pins keep freed buffers' memory valid until Wait retires the
	// execution; adapters report the freed buffers as failures.
	pinned := make([]*mem.Buffer, 0, len(plan.local))
	for _, buf := range plan.local {
		if err := buf.Pin(); err == nil {
			pinned = append(pinned, buf)
		}
	}
	unpin := func() {
		for _, buf := range pinned {
			buf.Unpin()
		}
	}

	for _, fn := range c.pre {
		if err := fn(ctx); err != nil {
			unpin()
			c.logEvent("pre_hook_error", logKV("error", err))
			return nil, fmt.Errorf("commbench: pre hook: %w", err)
		}
	}

	exec, err := c.adapter.Post(plan.token)
	if err != nil {
		unpin()
		c.logEvent("post_error", logKV("error", err))
		return nil, fmt.Errorf("%w: post: %v", ErrTransport, err)
	}
	c.seq++
	h := &Handle{
		id:      uuid.New(),
		seq:     c.seq,
		started: time.Now(),
		exec:    exec,
		pinned:  pinned,
	}
	c.outstanding = h
	c.stats.starts.Add(1)
	c.logEvent("start", logKV("execution", h.id), logKV("seq", h.seq), logKV("descriptors", len(plan.ops)))
	return h, nil
}

// Wait blocks until every descriptor of h has completed or failed and then
// retires the execution. If ctx ends first the execution stays outstanding.
func (c *Comm) Wait(ctx context.Context, h *Handle) error {
	_, err := c.retire(ensureContext(ctx), h, true)
	return err
}

// Test polls h without blocking. It reports true, and retires the
// execution, once every descriptor has completed or failed.
func (c *Comm) Test(h *Handle) (bool, error) {
	return c.retire(context.Background(), h, false)
}

// Outstanding returns the in-flight execution, or nil.
func (c *Comm) Outstanding() *Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outstanding
}

func (c *Comm) retire(ctx context.Context, h *Handle, blocking bool) (bool, error) {
	c.mu.Lock()
	if h == nil || h != c.outstanding {
		c.mu.Unlock()
		return false, ErrInvalidHandle
	}
	if !h.waiting.CompareAndSwap(false, true) {
		c.mu.Unlock()
		return false, fmt.Errorf("%w: concurrent wait", ErrInvalidHandle)
	}
	post := c.post
	c.mu.Unlock()

	status, err := c.adapter.Poll(ctx, h.exec, blocking)
	if err != nil || !status.Done {
		h.waiting.Store(false)
		return false, err
	}

	for _, buf := range h.pinned {
		buf.Unpin()
	}
	h.pinned = nil
	elapsed := time.Since(h.started)

	c.mu.Lock()
	c.outstanding = nil
	c.mu.Unlock()

	if terr := newTransportError(status.Failures); terr != nil {
		c.stats.failed.Add(1)
		c.stats.transfersFailed.Add(uint64(len(status.Failures)))
		fields := []logField{
			logKV("execution", h.id),
			logKV("seq", h.seq),
			logKV("status", "error"),
			logKV("failures", len(status.Failures)),
			logKV("descriptor", terr.Index),
			logKV("error", terr.Err),
		}
		c.logEvent("completion_error", fields...)
		c.metricExecutionFailed(terr, fields...)
		for _, f := range status.Failures {
			c.metricTransferFailed(f.Err, logKV("descriptor", f.Index))
		}
		return true, terr
	}

	var hookErrs []error
	for _, fn := range post {
		if err := fn(ctx); err != nil {
			hookErrs = append(hookErrs, err)
		}
	}
	c.stats.completed.Add(1)
	fields := []logField{
		logKV("execution", h.id),
		logKV("seq", h.seq),
		logKV("status", "ok"),
		logKV("elapsed", elapsed),
	}
	c.logEvent("completion", fields...)
	c.metricExecutionCompleted(fields...)
	if len(hookErrs) > 0 {
		return true, fmt.Errorf("commbench: post hook: %w", errors.Join(hookErrs...))
	}
	return true, nil
}

func ensureContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}
