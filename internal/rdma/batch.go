package rdma

import (
	"github.com/pgaofi/pgaofi/internal/mcm"
	"github.com/pgaofi/pgaofi/internal/tasking"
	"github.com/pgaofi/pgaofi/internal/tct"
)

// MaxChainedLen bounds a single put_V/get_V batch (§4.3).
const MaxChainedLen = 64

// MaxUnorderedTransSize is the largest transfer the buffered PUT path will
// stage through the task-private buffer rather than issuing immediately.
const MaxUnorderedTransSize = 1024

type pending struct {
	peer int
	src  uintptr // put: staged copy address; get: caller's destination
	dst  uintptr // put: peer's destination; get: peer's source
	size int
}

// Batch accumulates same-kind PUT or GET operations for one task until a
// flush, per the put_V/get_V + do_remote_put_buff/do_remote_get_buff design.
// It is not safe for concurrent use — one task owns one Batch.
type Batch struct {
	eng    *Engine
	isPut  bool
	ops    []pending
	bitmap *mcm.Bitmap // peers touched by this batch, forced visible on flush

	// buf backs the copied source bytes for buffered PUTs (GET never
	// copies — the caller's destination is filled in place on flush).
	buf     []byte
	bufBase uintptr
	bufNext int
}

// NewPutBatch constructs a batch for buffered/vectorized PUTs, backed by a
// caller-owned scratch region (bufBase is that region's heap address).
func NewPutBatch(eng *Engine, buf []byte, bufBase uintptr) *Batch {
	return &Batch{eng: eng, isPut: true, buf: buf, bufBase: bufBase}
}

// NewGetBatch constructs a batch for vectorized GETs.
func NewGetBatch(eng *Engine) *Batch {
	return &Batch{eng: eng, isPut: false}
}

// Len reports the number of operations currently queued.
func (b *Batch) Len() int { return len(b.ops) }

// AddPut implements do_remote_put_buff for transfers that qualify (size <=
// MaxUnorderedTransSize and dst is MR-addressable at peer); anything else
// falls through to an immediate Put. srcAddr/size describe the caller's
// source, copied into the batch's private buffer so the caller may reuse it
// immediately.
func (b *Batch) AddPut(cache *tct.Cache, sched tasking.Scheduler, nPeers, peer int, srcAddr uintptr, size int, dstAddr uintptr) error {
	if !b.isPut {
		panic("rdma: AddPut on a GET batch")
	}
	if size > MaxUnorderedTransSize {
		return b.eng.Put(cache, sched, &b.bitmap, nPeers, peer, srcAddr, size, dstAddr, false)
	}
	if _, ok := b.eng.mrt.RemoteKey(peer, dstAddr, uint64(size)); !ok {
		return b.eng.Put(cache, sched, &b.bitmap, nPeers, peer, srcAddr, size, dstAddr, false)
	}

	if b.bufNext+size > len(b.buf) {
		if err := b.Flush(cache, sched, nPeers); err != nil {
			return err
		}
	}
	off := b.bufNext
	copy(b.buf[off:off+size], b.eng.selfSlice(srcAddr, size))
	b.bufNext += size
	b.ops = append(b.ops, pending{peer: peer, src: b.bufBase + uintptr(off), dst: dstAddr, size: size})

	if len(b.ops) >= MaxChainedLen {
		return b.Flush(cache, sched, nPeers)
	}
	return nil
}

// AddGet implements do_remote_get_buff: no copy, the caller's destination
// is filled only once the batch flushes, so the caller must not read it
// before then.
func (b *Batch) AddGet(cache *tct.Cache, sched tasking.Scheduler, peer int, dstAddr uintptr, size int, srcAddr uintptr) error {
	if b.isPut {
		panic("rdma: AddGet on a PUT batch")
	}
	b.ops = append(b.ops, pending{peer: peer, src: dstAddr, dst: srcAddr, size: size})
	if len(b.ops) >= MaxChainedLen {
		return b.Flush(cache, sched, 0)
	}
	return nil
}

// Flush implements put_V/get_V: issues every queued op in turn through the
// engine's single-op Put or Get, each waiting for its own completion (no op
// carries a "more coming" hint), then (for PUT) forces visibility on every
// touched peer, or (for GET) waits for the whole group to drain.
func (b *Batch) Flush(cache *tct.Cache, sched tasking.Scheduler, nPeers int) error {
	if len(b.ops) == 0 {
		return nil
	}
	defer b.reset()

	if b.isPut {
		for _, op := range b.ops {
			if err := b.eng.Put(cache, sched, &b.bitmap, nPeers, op.peer, op.src, op.size, op.dst, false); err != nil {
				return err
			}
		}
		if b.bitmap != nil {
			tcx, err := mustTcx(b.eng, cache, sched)
			if err != nil {
				return err
			}
			if err := b.eng.mcmEng.WaitPutsVisAllNodes(tcx, b.bitmap, false, sched); err != nil {
				return err
			}
		}
		return nil
	}

	for _, op := range b.ops {
		if err := b.eng.Get(cache, sched, nil, op.peer, op.src, op.size, op.dst); err != nil {
			return err
		}
	}
	return nil
}

func (b *Batch) reset() {
	b.ops = b.ops[:0]
	b.bufNext = 0
	b.bitmap = nil
}

// mustTcx is a small helper for the batch-flush visibility pass, which
// needs *a* transmit context to issue the dummy-GET ordering trick on —
// any bound or freshly allocated one will do, since the dummy GET's
// completion is only ever waited on by the issuing thread itself. Table
// allocation can fail under resource exhaustion (same CodeResourceExhaust
// condition every other table.Alloc call site handles), so the error must
// reach the caller rather than be swallowed into a nil tcx.
func mustTcx(eng *Engine, cache *tct.Cache, sched tasking.Scheduler) (*tct.Tcx, error) {
	tcx, err := eng.table.Alloc(cache, sched.IsFixedThread(), sched)
	if err != nil {
		return nil, err
	}
	if !tcx.Bound() {
		defer eng.table.Free(tcx)
	}
	return tcx, nil
}
