package oob

import (
	"context"
	"sync"
)

// loopbackHub is the shared rendezvous point for a Loopback Bootstrap
// group, the OOB analog of fabric.World.
type loopbackHub struct {
	size int

	mu        sync.Mutex
	cond      *sync.Cond
	gather    [][]byte
	gatherSeq int
	gatherN   int

	bcastSeq     int
	bcastPayload []byte
	bcastN       int

	barrierSeq int
	barrierN   int
}

func newLoopbackHub(size int) *loopbackHub {
	h := &loopbackHub{size: size, gather: make([][]byte, size)}
	h.cond = sync.NewCond(&h.mu)
	return h
}

// Loopback is an in-process Bootstrap: every rank in the group shares one
// loopbackHub. Used pervasively by package tests and by the single-process
// multi-"node" examples.
type Loopback struct {
	hub  *loopbackHub
	rank int
}

// NewLoopbackGroup creates n ranks sharing one hub.
func NewLoopbackGroup(n int) []*Loopback {
	hub := newLoopbackHub(n)
	out := make([]*Loopback, n)
	for i := 0; i < n; i++ {
		out[i] = &Loopback{hub: hub, rank: i}
	}
	return out
}

func (l *Loopback) Init(ctx context.Context) error { return nil }
func (l *Loopback) Fini(ctx context.Context) error { return nil }
func (l *Loopback) Rank() int                      { return l.rank }
func (l *Loopback) Size() int                      { return l.hub.size }

func (l *Loopback) Allgather(ctx context.Context, local []byte) ([][]byte, error) {
	h := l.hub
	h.mu.Lock()
	mySeq := h.gatherSeq
	h.gather[l.rank] = local
	h.gatherN++
	if h.gatherN == h.size {
		h.gatherSeq++
		h.gatherN = 0
		h.cond.Broadcast()
		out := make([][]byte, h.size)
		copy(out, h.gather)
		h.mu.Unlock()
		return out, nil
	}
	for h.gatherSeq == mySeq {
		h.cond.Wait()
		if err := ctx.Err(); err != nil {
			h.mu.Unlock()
			return nil, err
		}
	}
	out := make([][]byte, h.size)
	copy(out, h.gather)
	h.mu.Unlock()
	return out, nil
}

func (l *Loopback) Bcast(ctx context.Context, root int, payload []byte) ([]byte, error) {
	h := l.hub
	h.mu.Lock()
	mySeq := h.bcastSeq
	if l.rank == root {
		h.bcastPayload = payload
	}
	h.bcastN++
	if h.bcastN == h.size {
		h.bcastSeq++
		h.bcastN = 0
		h.cond.Broadcast()
		out := h.bcastPayload
		h.mu.Unlock()
		return out, nil
	}
	for h.bcastSeq == mySeq {
		h.cond.Wait()
		if err := ctx.Err(); err != nil {
			h.mu.Unlock()
			return nil, err
		}
	}
	out := h.bcastPayload
	h.mu.Unlock()
	return out, nil
}

func (l *Loopback) Barrier(ctx context.Context) error {
	h := l.hub
	h.mu.Lock()
	mySeq := h.barrierSeq
	h.barrierN++
	if h.barrierN == h.size {
		h.barrierSeq++
		h.barrierN = 0
		h.cond.Broadcast()
		h.mu.Unlock()
		return nil
	}
	for h.barrierSeq == mySeq {
		h.cond.Wait()
		if err := ctx.Err(); err != nil {
			h.mu.Unlock()
			return err
		}
	}
	h.mu.Unlock()
	return nil
}

var _ Bootstrap = (*Loopback)(nil)
