package msg

import (
	"fmt"
	"sync/atomic"
)

// Hub connects the ranks of an in-process group.
type Hub struct {
	endpoints []*Endpoint
}

// NewHub returns a hub with one endpoint per rank.
func NewHub(size int) *Hub {
	h := &Hub{endpoints: make([]*Endpoint, size)}
	for rank := range h.endpoints {
		h.endpoints[rank] = &Endpoint{hub: h, rank: rank, inbox: newMatcher()}
	}
	return h
}

// Endpoint returns rank's messenger.
func (h *Hub) Endpoint(rank int) (*Endpoint, error) {
	if rank < 0 || rank >= len(h.endpoints) {
		return nil, fmt.Errorf("%w: %d of %d", ErrRank, rank, len(h.endpoints))
	}
	return h.endpoints[rank], nil
}

// Endpoint is a Messenger backed by a Hub.
type Endpoint struct {
	hub    *Hub
	rank   int
	inbox  *matcher
	closed atomic.Bool
}

var _ Messenger = (*Endpoint)(nil)

func (e *Endpoint) Rank() int { return e.rank }

func (e *Endpoint) Size() int { return len(e.hub.endpoints) }

// Isend copies payload into dst's inbox.
func (e *Endpoint) Isend(dst, tag int, payload []byte) (Request, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	peer, err := e.hub.Endpoint(dst)
	if err != nil {
		return nil, err
	}
	if peer.closed.Load() {
		return completedRequest(fmt.Errorf("send to rank %d: %w", dst, ErrClosed)), nil
	}
	peer.inbox.deliver(e.rank, tag, append([]byte(nil), payload...))
	return completedRequest(nil), nil
}

// Irecv posts buf for the next message from src with tag.
func (e *Endpoint) Irecv(src, tag int, buf []byte) (Request, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	if src < 0 || src >= len(e.hub.endpoints) {
		return nil, fmt.Errorf("%w: %d of %d", ErrRank, src, len(e.hub.endpoints))
	}
	return e.inbox.post(src, tag, buf), nil
}

// Close fails outstanding receives.
func (e *Endpoint) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	e.inbox.fail(ErrClosed)
	return nil
}
