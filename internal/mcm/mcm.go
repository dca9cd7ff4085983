// Package mcm implements the memory-consistency-model machinery (§4.6):
// delivery-complete vs. message-order provider semantics, the dummy-GET
// ordering trick, and the per-task put-bitmap bookkeeping that lets the
// engine defer forcing visibility until it is actually needed.
package mcm

import (
	"sync/atomic"

	"github.com/pgaofi/pgaofi/internal/fabric"
	"github.com/pgaofi/pgaofi/internal/progress"
	"github.com/pgaofi/pgaofi/internal/tasking"
	"github.com/pgaofi/pgaofi/internal/tct"
)

// Mode selects which guarantee the negotiated provider offers.
type Mode int

const (
	DeliveryComplete Mode = iota
	MessageOrder
)

// PeerAddrs resolves a peer node to the fabric address whose endpoint is
// used for ordering-sensitive RMA — the AM/RMA receive address pair
// picked during address exchange (§4.9).
type PeerAddrs func(peer int) fabric.Addr

// Engine decides when and how to force prior PUTs visible at their
// targets, per the rules in §4.6.
type Engine struct {
	mode Mode

	peerAddr    PeerAddrs
	dummyRemote []fabric.RemoteMR // per peer, the order-dummy slot

	dummySeq atomic.Uint64
}

// New constructs the engine. dummyRemote[p] must be the remote
// (key, offset) of peer p's order-dummy region, learned at init the same
// way every other peer's MR info is learned.
func New(mode Mode, peerAddr PeerAddrs, dummyRemote []fabric.RemoteMR) *Engine {
	return &Engine{mode: mode, peerAddr: peerAddr, dummyRemote: dummyRemote}
}

func (e *Engine) Mode() Mode { return e.mode }

// NeedsBookkeeping reports whether the caller should track this PUT in
// the task's put-bitmap instead of forcing visibility immediately: only
// relevant in MO mode, and only for injected PUTs on bound contexts
// (§4.6, "Pending PUT bookkeeping").
func (e *Engine) NeedsBookkeeping(tcx *tct.Tcx, injected bool) bool {
	return e.mode == MessageOrder && injected && tcx.Bound()
}

// forceOne issues a dummy 1-byte GET from peer into a throwaway local
// buffer and waits for its completion — the ordering-via-read trick.
func (e *Engine) forceOne(tcx *tct.Tcx, peer int, sched tasking.Scheduler) error {
	if e.mode == DeliveryComplete {
		return nil
	}
	addr := e.peerAddr(peer)
	remote := e.dummyRemote[peer]
	local := make([]byte, 1)
	ctxTag := e.dummySeq.Add(1)
	ep := tcx.Endpoint()
	if err := ep.Read(addr, remote, local, fabric.LocalMR{}, ctxTag, false); err != nil {
		return err
	}
	tcx.RecordIssue(false)
	if err := progress.Wait(ep, ctxTag, sched); err != nil {
		return err
	}
	tcx.RecordComplete(1)
	return nil
}

// ForceVisibleOne unconditionally forces visibility to a single peer,
// bypassing the bitmap — used by the RDMA engine's own PUT completion
// discipline (§4.3 step 3's dummy-GET case), as distinct from the deferred
// bookkeeping WaitPutsVisOneNode performs on the task's put-bitmap.
func (e *Engine) ForceVisibleOne(tcx *tct.Tcx, peer int, sched tasking.Scheduler) error {
	return e.forceOne(tcx, peer, sched)
}

// WaitPutsVisOneNode implements wait_puts_vis_one_node: forces visibility
// to a single peer if (and only if) the bitmap says one is outstanding.
func (e *Engine) WaitPutsVisOneNode(tcx *tct.Tcx, bitmap *Bitmap, peer int, sched tasking.Scheduler) error {
	if bitmap == nil || !bitmap.IsSet(peer) {
		return nil
	}
	bitmap.Clear(peer)
	return e.forceOne(tcx, peer, sched)
}

// WaitPutsVisAllNodes implements wait_puts_vis_all_nodes: forces
// visibility on every peer with an outstanding bit, serially (the
// original implementation's note that this "may be vectorized" is not
// acted on). taskEnding is accepted but not consulted.
func (e *Engine) WaitPutsVisAllNodes(tcx *tct.Tcx, bitmap *Bitmap, taskEnding bool, sched tasking.Scheduler) error {
	if bitmap == nil {
		return nil
	}
	var firstErr error
	bitmap.ForEachSet(func(peer int) {
		if firstErr != nil {
			return
		}
		if err := e.forceOne(tcx, peer, sched); err != nil {
			firstErr = err
			return
		}
		bitmap.Clear(peer)
	})
	return firstErr
}

// ForceVisibleAllPeers forces visibility to every peer in [0, n) regardless
// of bitmap state. The AMO, RDMA and AM engines do not call it: before a
// mutating AMO or an executeOn they use WaitPutsVisAllNodes, which forces
// only the peers the task's bitmap marks.
func (e *Engine) ForceVisibleAllPeers(tcx *tct.Tcx, n, self int, sched tasking.Scheduler) error {
	if e.mode == DeliveryComplete {
		return nil
	}
	for p := 0; p < n; p++ {
		if p == self {
			continue
		}
		if err := e.forceOne(tcx, p, sched); err != nil {
			return err
		}
	}
	return nil
}

// RecordInjectedPut sets peer's bit in bitmap, lazily allocating it.
func RecordInjectedPut(bitmap **Bitmap, n, peer int) {
	if *bitmap == nil {
		*bitmap = NewBitmap(n)
	}
	(*bitmap).Set(peer)
}
