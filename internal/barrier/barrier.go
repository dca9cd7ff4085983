// Package barrier implements the tree split-phase barrier (§4.8): a
// fan-out-64 tree rooted at node 0, built on PUTs into a per-node bar_info
// replicated and registered the same way the order-dummy region is, plus an
// OOB fallback for callers that can't rely on the AM handler being up yet.
package barrier

import (
	"context"

	"github.com/pgaofi/pgaofi/internal/mcm"
	"github.com/pgaofi/pgaofi/internal/oob"
	"github.com/pgaofi/pgaofi/internal/rdma"
	"github.com/pgaofi/pgaofi/internal/tasking"
	"github.com/pgaofi/pgaofi/internal/tct"
)

// Fanout is the tree's branching factor (§4.8).
const Fanout = 64

// InfoSize is the byte size of one node's bar_info: child_notify[Fanout]
// plus a single parent_release byte.
const InfoSize = Fanout + 1

// Topology computes this node's parent, children, and index-among-siblings
// in the fan-out-K tree over n nodes rooted at 0 — a flat K-ary heap
// layout: node i's parent is (i-1)/K, its children are i*K+1 .. i*K+K.
func Topology(self, n, fanout int) (parent int, children []int, indexAmongSiblings int) {
	if self == 0 {
		parent = -1
	} else {
		parent = (self - 1) / fanout
		indexAmongSiblings = (self - 1) % fanout
	}
	first := self*fanout + 1
	for c := first; c < first+fanout && c < n; c++ {
		children = append(children, c)
	}
	return parent, children, indexAmongSiblings
}

// Engine drives one node's participation in the barrier.
type Engine struct {
	eng   *rdma.Engine
	boot  oob.Bootstrap
	n     int
	self  int

	parent  int
	childIx int
	childs  []int

	// selfAddr is this node's own bar_info location in its registered
	// heap; oneAddr is a 1-byte heap location, pre-set to the value 1,
	// used as the PUT source for every notify/release signal (the
	// handler's "thread-local one buffer", per §4.7's done-signaling note,
	// reused here since the payload is identical).
	selfAddr uintptr
	oneAddr  uintptr

	// parentChildNotifyAddr is the address, in the parent's heap, of our
	// slot in the parent's ChildNotify array (valid only if parent >= 0).
	parentChildNotifyAddr uintptr
	// childParentReleaseAddr[i] is childs[i]'s ParentRelease address.
	childParentReleaseAddr []uintptr

	// handlerUp reports whether the AM handler is running; Barrier falls
	// back to the OOB barrier when false (§4.8, "Fallback": "if the
	// caller is the init thread or the AM handler is not yet running").
	handlerUp func() bool
}

// New constructs the barrier engine. peerBarAddr(p) must return peer p's
// bar_info base address; Init passes the symmetric heap-layout offset, which
// is the same on every node, so no OOB exchange is involved. oneAddr
// is this node's own pre-set "1" byte, living in its registered heap.
func New(eng *rdma.Engine, bootstrap oob.Bootstrap, n int, peerBarAddr func(peer int) uintptr, selfAddr, oneAddr uintptr, handlerUp func() bool) *Engine {
	self := eng.Self()
	parent, children, ix := Topology(self, n, Fanout)

	e := &Engine{
		eng: eng, boot: bootstrap, n: n, self: self,
		parent: parent, childIx: ix, childs: children,
		selfAddr: selfAddr, oneAddr: oneAddr, handlerUp: handlerUp,
	}
	if parent >= 0 {
		e.parentChildNotifyAddr = peerBarAddr(parent) + uintptr(ix)
	}
	e.childParentReleaseAddr = make([]uintptr, len(children))
	for i, c := range children {
		_ = c
		e.childParentReleaseAddr[i] = peerBarAddr(children[i]) + Fanout
	}
	return e
}

func (e *Engine) localInfo() []byte { return e.eng.SelfSlice(e.selfAddr, InfoSize) }

// Barrier implements barrier(tag) (§4.8). It takes no tag: the public
// surface's tag (§6) is not passed down, and this engine doesn't need
// distinct generations because each phase fully drains before returning.
func (e *Engine) Barrier(cache *tct.Cache, sched tasking.Scheduler, bitmap **mcm.Bitmap, nPeers int) error {
	if e.n == 1 {
		return nil
	}
	if !e.handlerUp() {
		return e.boot.Barrier(context.Background())
	}

	local := e.localInfo()

	// Up-phase: wait for every child's notify bit, then notify our
	// parent (unless we are root).
	for i := range e.childs {
		for local[i] == 0 {
			sched.Yield()
		}
	}
	if e.parent >= 0 {
		if err := e.eng.Put(cache, sched, bitmap, nPeers, e.parent, e.oneAddr, 1, e.parentChildNotifyAddr, false); err != nil {
			return err
		}
	}

	// Down-phase: non-root waits for release; everyone then clears local
	// flags and releases every child.
	if e.parent >= 0 {
		for local[Fanout] == 0 {
			sched.Yield()
		}
	}
	for i := range local {
		local[i] = 0
	}
	for i, addr := range e.childParentReleaseAddr {
		if err := e.eng.Put(cache, sched, bitmap, nPeers, e.childs[i], e.oneAddr, 1, addr, false); err != nil {
			return err
		}
	}
	return nil
}
