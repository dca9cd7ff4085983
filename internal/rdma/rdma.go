// Package rdma implements the PUT/GET engine (§4.3): direct RMA issue
// against a looked-up remote key, the AM-proxy fallback when the target
// isn't directly addressable, oversized-transfer splitting, and the
// batched/buffered paths built on top in batch.go.
//
// Addresses throughout this package are uintptr offsets into a node's
// registered heap (exactly as the PGAS object model hands out addresses to
// callers), not Go slice headers — the engine slices its own selfHeap and
// scratch buffers by address internally, the way the original C
// implementation dereferences raw pointers.
package rdma

import (
	"github.com/pgaofi/pgaofi/internal/fabric"
	"github.com/pgaofi/pgaofi/internal/mcm"
	"github.com/pgaofi/pgaofi/internal/mr"
	"github.com/pgaofi/pgaofi/internal/progress"
	"github.com/pgaofi/pgaofi/internal/tasking"
	"github.com/pgaofi/pgaofi/internal/tct"
	"github.com/pgaofi/pgaofi/internal/xerrors"
)

// AMProxy is the subset of the AM engine the RDMA engine falls back to when
// a target address isn't directly RMA-addressable. It is satisfied by
// internal/amengine; defined here so this package doesn't need to import
// it (amengine imports rdma to drive the handler's RMA-on-behalf-of work).
type AMProxy interface {
	// RequestRemoteGet sends am_opGet to peer: asks its handler to GET
	// size bytes from this node (srcRemote describes how the peer
	// addresses us) into the peer's own memory at dstAddr.
	RequestRemoteGet(peer int, srcRemote fabric.RemoteMR, srcLocal []byte, dstAddr uintptr, size uint64, blocking bool) error

	// RequestRemotePut sends am_opPut to peer: asks its handler to PUT
	// size bytes from its own memory at srcAddr into this node's memory
	// (dstRemote describes how the peer addresses us).
	RequestRemotePut(peer int, srcAddr uintptr, size uint64, dstRemote fabric.RemoteMR, dstLocal []byte, blocking bool) error
}

// Engine issues PUT/GET operations for one node.
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

	maxMsgSize uint64
	injectSize uint64

	scratch       []byte
	scratchBase   uintptr
	scratchRemote fabric.RemoteMR
	scratchNext   int
}

// New constructs the RDMA engine. selfHeap/selfBase describe this node's
// own registered heap; scratch/scratchBase/scratchRemote describe a
// separate, already-registered staging region used to bounce sources that
// aren't themselves part of selfHeap.
func New(provider fabric.Provider, mrt *mr.Table, mcmEng *mcm.Engine, table *tct.Table,
	peerAddr mcm.PeerAddrs, proxy AMProxy, self int, selfHeap []byte, selfBase uintptr,
	maxMsgSize, injectSize uint64, scratch []byte, scratchBase uintptr, scratchRemote fabric.RemoteMR) *Engine {
	return &Engine{
		provider: provider, mrt: mrt, mcmEng: mcmEng, table: table,
		peerAddr: peerAddr, proxy: proxy, self: self, selfHeap: selfHeap, selfBase: selfBase,
		maxMsgSize: maxMsgSize, injectSize: injectSize,
		scratch: scratch, scratchBase: scratchBase, scratchRemote: scratchRemote,
	}
}

// SetAMProxy wires the AM-proxy fallback after construction, breaking the
// rdma/amengine construction cycle: amengine.New takes a *rdma.Engine, so
// the engine is built with a nil proxy first and this is called once the
// AM engine exists.
func (e *Engine) SetAMProxy(proxy AMProxy) { e.proxy = proxy }

func (e *Engine) selfSlice(addr uintptr, size int) []byte {
	off := addr - e.selfBase
	return e.selfHeap[off : off+uintptr(size)]
}

// SelfSlice exposes selfSlice to other engines built on top of this one
// (the barrier, which reads/writes its own bar_info fields directly since
// they live in its own registered heap).
func (e *Engine) SelfSlice(addr uintptr, size int) []byte { return e.selfSlice(addr, size) }

// Self reports this node's id, for callers that build peer/child loops.
func (e *Engine) Self() int { return e.self }

// bounceToScratch copies size bytes from srcAddr (assumed in selfHeap) into
// the scratch region and returns the staged address and its local
// descriptor. Single bump allocator with wraparound: adequate for the low,
// serialized-per-caller concurrency this engine assumes per transmit
// context; see the grounding ledger for the scope this simplifies away.
func (e *Engine) bounceToScratch(srcAddr uintptr, size int) (uintptr, fabric.LocalMR, error) {
	if size > len(e.scratch) {
		return 0, fabric.LocalMR{}, xerrors.New("rdma_bounce", xerrors.CodeInvalidArgument, "transfer exceeds scratch staging capacity")
	}
	if e.scratchNext+size > len(e.scratch) {
		e.scratchNext = 0
	}
	off := e.scratchNext
	copy(e.scratch[off:], e.selfSlice(srcAddr, size))
	e.scratchNext += size
	addr := e.scratchBase + uintptr(off)
	return addr, fabric.LocalMR{Mode: fabric.MRBasic, Base: e.scratchBase, Size: uint64(len(e.scratch))}, nil
}

// resolveLocal returns a byte view and MR descriptor for an address/size
// pair that is about to be the *local* side of a Write/Read, bouncing
// through scratch if the address isn't itself part of a registered region.
func (e *Engine) resolveLocal(addr uintptr, size int) ([]byte, fabric.LocalMR, error) {
	if desc, ok := e.mrt.LocalDesc(addr, uint64(size)); ok {
		off := addr - desc.Base
		return e.selfHeap[off : off+uintptr(size)], desc, nil
	}
	staged, desc, err := e.bounceToScratch(addr, size)
	if err != nil {
		return nil, fabric.LocalMR{}, err
	}
	off := staged - e.scratchBase
	return e.scratch[off : off+uintptr(size)], desc, nil
}

// Put implements ofi_put. srcAddr/size describe the local source; dstAddr
// is peer's heap address. bitmap is the calling task's put-bitmap, lazily
// allocated by mcm.RecordInjectedPut — pass a pointer to a task-private
// *mcm.Bitmap variable.
func (e *Engine) Put(cache *tct.Cache, sched tasking.Scheduler, bitmap **mcm.Bitmap, nPeers, peer int, srcAddr uintptr, size int, dstAddr uintptr, blocking bool) error {
	if size == 0 {
		return nil
	}
	if peer == e.self {
		off := dstAddr - e.selfBase
		copy(e.selfHeap[off:off+uintptr(size)], e.selfSlice(srcAddr, size))
		return nil
	}
	if size > int(e.maxMsgSize) {
		return e.splitPut(cache, sched, bitmap, nPeers, peer, srcAddr, size, dstAddr, blocking)
	}

	remote, ok := e.mrt.RemoteKey(peer, dstAddr, uint64(size))
	if !ok {
		return e.putViaProxy(cache, sched, bitmap, peer, srcAddr, size, dstAddr, blocking)
	}

	local, localDesc, err := e.resolveLocal(srcAddr, size)
	if err != nil {
		return err
	}

	tcx, err := e.table.Alloc(cache, sched.IsFixedThread(), sched)
	if err != nil {
		return err
	}
	defer e.table.Free(tcx)

	caps := e.provider.Capabilities()
	ep := tcx.Endpoint()
	switch {
	case caps.DeliveryComplete:
		tag := tagFor(tcx)
		if err := ep.Write(e.peerAddr(peer), remote, local, localDesc, tag, false); err != nil {
			return xerrors.Wrap("ofi_put", peer, err)
		}
		tcx.RecordIssue(false)
		if err := progress.Wait(ep, tag, sched); err != nil {
			return err
		}
		tcx.RecordComplete(1)
	case tcx.Bound() && uint64(size) <= e.injectSize:
		if err := ep.InjectWrite(e.peerAddr(peer), remote, local); err != nil {
			return xerrors.Wrap("ofi_put", peer, err)
		}
		tcx.RecordIssue(true)
		mcm.RecordInjectedPut(bitmap, nPeers, peer)
	default:
		tag := tagFor(tcx)
		if err := ep.Write(e.peerAddr(peer), remote, local, localDesc, tag, false); err != nil {
			return xerrors.Wrap("ofi_put", peer, err)
		}
		tcx.RecordIssue(false)
		if err := progress.Wait(ep, tag, sched); err != nil {
			return err
		}
		tcx.RecordComplete(1)
		if err := e.mcmEng.ForceVisibleOne(tcx, peer, sched); err != nil {
			return err
		}
	}
	return nil
}

// Get implements ofi_get. dstAddr/size describe the local destination;
// srcAddr is peer's heap address. If bitmap is non-nil, peer's bit is
// cleared — a GET subsumes prior PUT visibility to that peer (§4.3).
func (e *Engine) Get(cache *tct.Cache, sched tasking.Scheduler, bitmap *mcm.Bitmap, peer int, dstAddr uintptr, size int, srcAddr uintptr) error {
	if size == 0 {
		return nil
	}
	if peer == e.self {
		off := srcAddr - e.selfBase
		copy(e.selfSlice(dstAddr, size), e.selfHeap[off:off+uintptr(size)])
		return nil
	}
	if size > int(e.maxMsgSize) {
		return e.splitGet(cache, sched, bitmap, peer, dstAddr, size, srcAddr)
	}

	remote, ok := e.mrt.RemoteKey(peer, srcAddr, uint64(size))
	if !ok {
		return e.getViaProxy(cache, sched, bitmap, peer, dstAddr, size, srcAddr)
	}

	dst, localDesc, err := e.resolveLocal(dstAddr, size)
	if err != nil {
		return err
	}

	tcx, err := e.table.Alloc(cache, sched.IsFixedThread(), sched)
	if err != nil {
		return err
	}
	defer e.table.Free(tcx)

	ep := tcx.Endpoint()
	tag := tagFor(tcx)
	if err := ep.Read(e.peerAddr(peer), remote, dst, localDesc, tag, false); err != nil {
		return xerrors.Wrap("ofi_get", peer, err)
	}
	tcx.RecordIssue(false)
	if err := progress.Wait(ep, tag, sched); err != nil {
		return err
	}
	tcx.RecordComplete(1)

	if bitmap != nil {
		bitmap.Clear(peer)
	}
	return nil
}

// forceVisibleOne implements §4.6's "before an AM-proxy PUT or GET: that one
// node" MCM pre-step, clearing the task's put-bitmap bit for peer if (and
// only if) one is outstanding.
func (e *Engine) forceVisibleOne(cache *tct.Cache, sched tasking.Scheduler, bitmap *mcm.Bitmap, peer int) error {
	tcx, err := e.table.Alloc(cache, sched.IsFixedThread(), sched)
	if err != nil {
		return err
	}
	defer e.table.Free(tcx)
	return e.mcmEng.WaitPutsVisOneNode(tcx, bitmap, peer, sched)
}

func (e *Engine) putViaProxy(cache *tct.Cache, sched tasking.Scheduler, bitmap **mcm.Bitmap, peer int, srcAddr uintptr, size int, dstAddr uintptr, blocking bool) error {
	var bm *mcm.Bitmap
	if bitmap != nil {
		bm = *bitmap
	}
	if err := e.forceVisibleOne(cache, sched, bm, peer); err != nil {
		return err
	}
	ourRemote, ok := e.mrt.RemoteKey(e.self, srcAddr, uint64(size))
	srcLocal := e.selfSlice(srcAddr, size)
	if !ok {
		staged, _, err := e.bounceToScratch(srcAddr, size)
		if err != nil {
			return err
		}
		ourRemote = e.scratchRemote
		ourRemote.Offset = uint64(staged - e.scratchBase)
		off := staged - e.scratchBase
		srcLocal = e.scratch[off : off+uintptr(size)]
	}
	return e.proxy.RequestRemoteGet(peer, ourRemote, srcLocal, dstAddr, uint64(size), blocking)
}

func (e *Engine) getViaProxy(cache *tct.Cache, sched tasking.Scheduler, bitmap *mcm.Bitmap, peer int, dstAddr uintptr, size int, srcAddr uintptr) error {
	if err := e.forceVisibleOne(cache, sched, bitmap, peer); err != nil {
		return err
	}
	ourRemote, ok := e.mrt.RemoteKey(e.self, dstAddr, uint64(size))
	if !ok {
		return xerrors.New("ofi_get", xerrors.CodeNonAddressable, "get destination must be in the registered heap for am-proxy delivery")
	}
	return e.proxy.RequestRemotePut(peer, srcAddr, uint64(size), ourRemote, e.selfSlice(dstAddr, size), true)
}

func (e *Engine) splitPut(cache *tct.Cache, sched tasking.Scheduler, bitmap **mcm.Bitmap, nPeers, peer int, srcAddr uintptr, size int, dstAddr uintptr, blocking bool) error {
	chunk := int(e.maxMsgSize)
	for off := 0; off < size; off += chunk {
		n := chunk
		if off+n > size {
			n = size - off
		}
		if err := e.Put(cache, sched, bitmap, nPeers, peer, srcAddr+uintptr(off), n, dstAddr+uintptr(off), blocking); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) splitGet(cache *tct.Cache, sched tasking.Scheduler, bitmap *mcm.Bitmap, peer int, dstAddr uintptr, size int, srcAddr uintptr) error {
	chunk := int(e.maxMsgSize)
	for off := 0; off < size; off += chunk {
		n := chunk
		if off+n > size {
			n = size - off
		}
		if err := e.Get(cache, sched, bitmap, peer, dstAddr+uintptr(off), n, srcAddr+uintptr(off)); err != nil {
			return err
		}
	}
	return nil
}

// PutDirect issues a write against an explicitly supplied remote
// descriptor, skipping the mrt lookup Put would otherwise perform. Used by
// the AM handler's Put-request case (§4.7): the initiator already handed us
// its own remote descriptor in the request, precisely because the normal
// table-driven path couldn't resolve it.
func (e *Engine) PutDirect(cache *tct.Cache, sched tasking.Scheduler, peer int, srcAddr uintptr, size int, remote fabric.RemoteMR) error {
	if size == 0 {
		return nil
	}
	local, localDesc, err := e.resolveLocal(srcAddr, size)
	if err != nil {
		return err
	}
	tcx, err := e.table.Alloc(cache, sched.IsFixedThread(), sched)
	if err != nil {
		return err
	}
	defer e.table.Free(tcx)

	ep := tcx.Endpoint()
	tag := tagFor(tcx)
	if err := ep.Write(e.peerAddr(peer), remote, local, localDesc, tag, false); err != nil {
		return xerrors.Wrap("ofi_put_direct", peer, err)
	}
	tcx.RecordIssue(false)
	if err := progress.Wait(ep, tag, sched); err != nil {
		return err
	}
	tcx.RecordComplete(1)
	return e.mcmEng.ForceVisibleOne(tcx, peer, sched)
}

// GetDirect issues a read against an explicitly supplied remote descriptor,
// mirroring PutDirect for the AM handler's Get-request case.
func (e *Engine) GetDirect(cache *tct.Cache, sched tasking.Scheduler, peer int, dstAddr uintptr, size int, remote fabric.RemoteMR) error {
	if size == 0 {
		return nil
	}
	dst, localDesc, err := e.resolveLocal(dstAddr, size)
	if err != nil {
		return err
	}
	tcx, err := e.table.Alloc(cache, sched.IsFixedThread(), sched)
	if err != nil {
		return err
	}
	defer e.table.Free(tcx)

	ep := tcx.Endpoint()
	tag := tagFor(tcx)
	if err := ep.Read(e.peerAddr(peer), remote, dst, localDesc, tag, false); err != nil {
		return xerrors.Wrap("ofi_get_direct", peer, err)
	}
	tcx.RecordIssue(false)
	if err := progress.Wait(ep, tag, sched); err != nil {
		return err
	}
	tcx.RecordComplete(1)
	return nil
}

// tagFor derives a completion-queue tag from the transmit context's own
// issue counter — unique enough within one Tcx's lifetime for progress.Wait
// to disambiguate concurrent in-flight operations on it.
func tagFor(tcx *tct.Tcx) uint64 {
	return uint64(tcx.Index())<<32 | uint64(tcx.Issued())
}
