package amo

import (
	"github.com/pgaofi/pgaofi/internal/fabric"
	"github.com/pgaofi/pgaofi/internal/mcm"
	"github.com/pgaofi/pgaofi/internal/mr"
	"github.com/pgaofi/pgaofi/internal/progress"
	"github.com/pgaofi/pgaofi/internal/tasking"
	"github.com/pgaofi/pgaofi/internal/tct"
	"github.com/pgaofi/pgaofi/internal/xerrors"
)

// AMProxy is the subset of the AM engine this package falls back to when a
// (type, op) isn't natively supported, or the target word isn't
// network-addressable at the peer (§4.4 step 3). Defined here, satisfied by
// internal/amengine, mirroring rdma.AMProxy's split to avoid an import cycle.
type AMProxy interface {
	// objAddr is peer's own heap address of the target word — meaningful
	// only in peer's coordinate system, which is exactly why the handler
	// applies the AMO directly against its own heap rather than needing a
	// remote-key lookup the way a PUT/GET proxy request does.
	RequestRemoteAMO(peer int, objAddr uintptr, typ fabric.AtomicType, op fabric.AtomicOp, size int,
		operand1, operand2 []byte, wantsResult bool, result []byte, blocking bool) error
}

// Engine issues AMOs for one node: native network AMO when the provider and
// MR table both support it, CPU-side fallback for peer==self, and AM-proxy
// routing otherwise.
type Engine struct {
	provider fabric.Provider
	mrt      *mr.Table
	mcmEng   *mcm.Engine
	table    *tct.Table
	peerAddr mcm.PeerAddrs
	proxy    AMProxy
	self     int

	selfHeap []byte
	selfBase uintptr

	validity *ValidityCache
	cpu      CPU

	// RetireDelayedAM, if set, retires any pending delayed-blocking-AM
	// done-flag before this AMO proceeds, per §4.6's "MCM-significant
	// event" rule. Wired by the top-level Init to internal/amengine's
	// retirement function; nil in isolated package tests.
	RetireDelayedAM func(sched tasking.Scheduler) error
}

// New constructs the AMO engine.
func New(provider fabric.Provider, mrt *mr.Table, mcmEng *mcm.Engine, table *tct.Table,
	peerAddr mcm.PeerAddrs, proxy AMProxy, self int, selfHeap []byte, selfBase uintptr, validity *ValidityCache) *Engine {
	return &Engine{
		provider: provider, mrt: mrt, mcmEng: mcmEng, table: table,
		peerAddr: peerAddr, proxy: proxy, self: self,
		selfHeap: selfHeap, selfBase: selfBase, validity: validity,
	}
}

// SetAMProxy wires the AM-proxy fallback after construction; see
// rdma.Engine.SetAMProxy for why this is a post-construction setter rather
// than a New parameter supplied up front.
func (e *Engine) SetAMProxy(proxy AMProxy) { e.proxy = proxy }

// ApplyCPU runs a proxied AMO directly against this node's own heap,
// through the same mutex-guarded CPU path doCPU uses for peer==self — the
// AM handler calls this for proxied requests so a concurrent local AMO on
// the same word and a proxied one from a peer can never race (§4.4 step 3,
// "run the AMO in the handler thread").
func (e *Engine) ApplyCPU(objAddr uintptr, size int, typ fabric.AtomicType, op fabric.AtomicOp, operand1, operand2, result []byte) error {
	return e.doCPU(objAddr, size, typ, op, operand1, operand2, result)
}

func (e *Engine) retire(sched tasking.Scheduler) error {
	if e.RetireDelayedAM == nil {
		return nil
	}
	return e.RetireDelayedAM(sched)
}

// fetchingOp reports whether op returns the pre-op value, i.e. needs
// FetchAtomic rather than a fire-and-forget Atomic.
func fetchingOp(op fabric.AtomicOp, wantsResult bool) bool {
	return wantsResult || op == fabric.OpRead
}

// DoAMO implements doAMO (§4.4). objAddr is peer's heap address of the
// target word; operand1/operand2 (cswap compare) and result are raw,
// already-sized (4 or 8 byte) byte slices. bitmap is the calling task's
// put-bitmap, forced visible on every peer before a mutating AMO.
//
// Only nPeers == 1 takes the immediate-CPU degenerate path (§4.4 step 1).
// A peer == e.self AMO in a job of N > 1 still runs the full algorithm:
// retire any delayed done-flag, then prefer the native loop-back AMO
// whenever the type/op is valid and the target is addressable (mr.Table
// replicates a real remote key for e.self, so this is the common case),
// falling back to the CPU path — fenced on prior-PUT visibility for
// mutating ops, exactly as the AM-proxy branch is for any other peer —
// only when the native path isn't available.
func (e *Engine) DoAMO(cache *tct.Cache, sched tasking.Scheduler, bitmap **mcm.Bitmap, nPeers int,
	peer int, objAddr uintptr, size int, typ fabric.AtomicType, op fabric.AtomicOp,
	operand1, operand2, result []byte) error {

	if nPeers == 1 {
		return e.doCPU(objAddr, size, typ, op, operand1, operand2, result)
	}

	if err := e.retire(sched); err != nil {
		return err
	}

	native := e.validity.Valid(e.provider, typ, op) && e.mrt.Addressable(peer, objAddr, uint64(size))
	if !native {
		if peer == e.self {
			return e.selfCPUFallback(cache, sched, bitmap, op, objAddr, size, typ, operand1, operand2, result)
		}
		return e.proxy.RequestRemoteAMO(peer, objAddr, typ, op, size, operand1, operand2, fetchingOp(op, result != nil), result, true)
	}
	return e.ofiAMO(cache, sched, bitmap, nPeers, peer, objAddr, size, typ, op, operand1, operand2, result)
}

// selfCPUFallback runs the CPU-side AMO against this node's own memory when
// the native loop-back AMO isn't available (type/op not valid, or the
// target not addressable) — the peer == e.self analog of the AM-proxy
// fallback taken for any other peer. Mutating ops must still see every
// prior PUT from this task at every peer first (§4.6), the same fence
// ofiAMO applies before issuing a native mutating AMO.
func (e *Engine) selfCPUFallback(cache *tct.Cache, sched tasking.Scheduler, bitmap **mcm.Bitmap, op fabric.AtomicOp,
	objAddr uintptr, size int, typ fabric.AtomicType, operand1, operand2, result []byte) error {

	if op != fabric.OpRead {
		tcx, err := e.table.Alloc(cache, sched.IsFixedThread(), sched)
		if err != nil {
			return err
		}
		err = e.mcmEng.WaitPutsVisAllNodes(tcx, *bitmap, false, sched)
		e.table.Free(tcx)
		if err != nil {
			return err
		}
	}
	return e.doCPU(objAddr, size, typ, op, operand1, operand2, result)
}

func (e *Engine) doCPU(objAddr uintptr, size int, typ fabric.AtomicType, op fabric.AtomicOp, operand1, operand2, result []byte) error {
	off := uint64(objAddr - e.selfBase)
	operand := operand1
	if op == fabric.OpRead && len(operand) < size {
		// Workaround rule (§4.4): some providers reject a null operand
		// for ATOMIC_READ; the CPU path has no such restriction but we
		// still supply a scratch buffer for call-site symmetry.
		operand = make([]byte, size)
	}
	return e.cpu.Apply(e.selfHeap, off, typ, op, operand, operand2, result)
}

func (e *Engine) ofiAMO(cache *tct.Cache, sched tasking.Scheduler, bitmap **mcm.Bitmap, nPeers int,
	peer int, objAddr uintptr, size int, typ fabric.AtomicType, op fabric.AtomicOp,
	operand1, operand2, result []byte) error {

	remote, ok := e.mrt.RemoteKey(peer, objAddr, uint64(size))
	if !ok {
		return xerrors.NewPeer("ofi_amo", peer, xerrors.CodeNonAddressable, "amo target not rma-addressable")
	}

	tcx, err := e.table.Alloc(cache, sched.IsFixedThread(), sched)
	if err != nil {
		return err
	}
	defer e.table.Free(tcx)

	if op != fabric.OpRead {
		// Mutating AMOs must see every prior PUT from this task at every
		// peer before they execute (§4.6, "before a network AMO
		// (non-read): all nodes"). A nil bitmap means nothing is
		// outstanding, so this is a no-op — WaitPutsVisAllNodes already
		// guards on that; there is no "force everyone anyway" fallback.
		if err := e.mcmEng.WaitPutsVisAllNodes(tcx, *bitmap, false, sched); err != nil {
			return err
		}
	}

	ep := tcx.Endpoint()
	addr := e.peerAddr(peer)
	operand := operand1
	if op == fabric.OpRead && len(operand) < size {
		operand = make([]byte, size)
	}

	switch {
	case op == fabric.OpCswap:
		tag := tagFor(tcx)
		if err := ep.CompareAtomic(addr, remote, typ, operand, operand2, result, tag); err != nil {
			return xerrors.Wrap("ofi_amo", peer, err)
		}
		tcx.RecordIssue(false)
		if err := progress.Wait(ep, tag, sched); err != nil {
			return err
		}
		tcx.RecordComplete(1)
	case fetchingOp(op, result != nil):
		tag := tagFor(tcx)
		if err := ep.FetchAtomic(addr, remote, typ, op, operand, result, tag); err != nil {
			return xerrors.Wrap("ofi_amo", peer, err)
		}
		tcx.RecordIssue(false)
		if err := progress.Wait(ep, tag, sched); err != nil {
			return err
		}
		tcx.RecordComplete(1)
	default:
		tag := tagFor(tcx)
		if err := ep.Atomic(addr, remote, typ, op, operand, tag, false); err != nil {
			return xerrors.Wrap("ofi_amo", peer, err)
		}
		tcx.RecordIssue(false)
		if err := progress.Wait(ep, tag, sched); err != nil {
			return err
		}
		tcx.RecordComplete(1)
	}
	return nil
}

func tagFor(tcx *tct.Tcx) uint64 {
	return uint64(tcx.Index())<<32 | uint64(tcx.Issued())
}
