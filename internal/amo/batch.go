package amo

import (
	"github.com/pgaofi/pgaofi/internal/fabric"
	"github.com/pgaofi/pgaofi/internal/mcm"
	"github.com/pgaofi/pgaofi/internal/tasking"
	"github.com/pgaofi/pgaofi/internal/tct"
)

// MaxChainedLen bounds a single amo_nf_V batch, matching rdma.MaxChainedLen
// (§4.4, "same machinery as PUT-V").
const MaxChainedLen = 64

type pendingAMO struct {
	peer    int
	objAddr uintptr
	typ     fabric.AtomicType
	op      fabric.AtomicOp
	operand []byte
}

// Batch accumulates non-fetching AMOs for one task, issuing them with
// FI_MORE chaining on flush (§4.4, "Batched non-fetching AMO"). Not safe
// for concurrent use.
type Batch struct {
	eng *Engine
	ops []pendingAMO

	// bitmap is the issuing task's own outstanding-PUT bitmap (the same
	// one DoAMO's bitmap parameter consults) — every queued op here
	// mutates remote state, so flush must wait on it exactly like a
	// single-op mutating AMO does, and must do nothing when it's empty.
	bitmap **mcm.Bitmap

	// operandBuf backs every queued operand; a single reused local MR
	// descriptor covers the whole batch rather than registering one per op.
	operandBuf []byte
	next       int
}

// NewBatch constructs a batch backed by a caller-owned operand scratch
// region sized for MaxChainedLen entries of the largest atomic width (8),
// and the task's outstanding-PUT bitmap flush must wait on before any
// queued mutating AMO takes effect.
func NewBatch(eng *Engine, operandBuf []byte, bitmap **mcm.Bitmap) *Batch {
	return &Batch{eng: eng, operandBuf: operandBuf, bitmap: bitmap}
}

// Len reports the number of queued operations.
func (b *Batch) Len() int { return len(b.ops) }

// Add queues one non-fetching AMO. op must not be OpRead or OpCswap — those
// have no non-fetching form and must go through Engine.DoAMO directly.
func (b *Batch) Add(cache *tct.Cache, sched tasking.Scheduler, nPeers, peer int, objAddr uintptr, typ fabric.AtomicType, op fabric.AtomicOp, operand []byte) error {
	if op == fabric.OpRead || op == fabric.OpCswap {
		panic("amo: batch.Add called with a fetching/cswap op")
	}
	width := len(operand)
	if b.next+width > len(b.operandBuf) {
		if err := b.Flush(cache, sched, nPeers); err != nil {
			return err
		}
	}
	off := b.next
	copy(b.operandBuf[off:off+width], operand)
	b.next += width
	b.ops = append(b.ops, pendingAMO{peer: peer, objAddr: objAddr, typ: typ, op: op, operand: b.operandBuf[off : off+width]})

	if len(b.ops) >= MaxChainedLen {
		return b.Flush(cache, sched, nPeers)
	}
	return nil
}

// Flush implements amo_nf_V: waits for this task's prior PUTs to become
// visible on every peer touched (every queued op mutates remote state, same
// rule as a single network AMO), then issues every queued op with a "more
// coming" hint except the last. A nil bitmap means nothing is outstanding
// and the wait is a no-op, matching Engine.ofiAMO's single-op path — there
// is no "force everyone anyway" fallback. Every queued op must already be
// network-addressable at its peer — AddressableForBatch should be checked
// by the caller before Add; a non-addressable target belongs on the
// single-op Engine.DoAMO path, which knows how to fall back to the AM proxy.
func (b *Batch) Flush(cache *tct.Cache, sched tasking.Scheduler, nPeers int) error {
	if len(b.ops) == 0 {
		return nil
	}
	defer b.reset()

	tcx, err := b.eng.table.Alloc(cache, sched.IsFixedThread(), sched)
	if err != nil {
		return err
	}
	defer b.eng.table.Free(tcx)

	if err := b.eng.mcmEng.WaitPutsVisAllNodes(tcx, *b.bitmap, false, sched); err != nil {
		return err
	}

	ep := tcx.Endpoint()
	for i, op := range b.ops {
		remote, ok := b.eng.mrt.RemoteKey(op.peer, op.objAddr, uint64(len(op.operand)))
		if !ok {
			return fabric.ErrEAGAIN // returned to the caller as is; nothing retries it
		}
		more := i != len(b.ops)-1
		tag := tagFor(tcx)
		if err := ep.Atomic(b.eng.peerAddr(op.peer), remote, op.typ, op.op, op.operand, tag, more); err != nil {
			return err
		}
		tcx.RecordIssue(false)
	}
	return nil
}

// AddressableForBatch reports whether objAddr/size is directly
// network-addressable at peer, the precondition Add expects its caller to
// have already checked (non-addressable targets should go through
// Engine.DoAMO instead, which knows the AM-proxy fallback).
func (b *Batch) AddressableForBatch(peer int, objAddr uintptr, size int) bool {
	return b.eng.mrt.Addressable(peer, objAddr, uint64(size))
}

func (b *Batch) reset() {
	b.ops = b.ops[:0]
	b.next = 0
}
