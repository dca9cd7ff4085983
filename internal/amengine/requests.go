package amengine

import (
	"encoding/binary"
	"unsafe"

	"github.com/pgaofi/pgaofi/internal/fabric"
	"github.com/pgaofi/pgaofi/internal/progress"
	"github.com/pgaofi/pgaofi/internal/tct"
	"github.com/pgaofi/pgaofi/internal/wire"
	"github.com/pgaofi/pgaofi/internal/xerrors"
)

// packOperand and unpackOperand move a raw, already-sized (4 or 8 byte)
// atomic operand between its byte-slice form (what the CPU/provider atomic
// verbs want) and the fixed uint64 wire field AMORequest carries it in —
// little-endian, zero-extended, matching the width encoded separately in
// the request's Size field.
func packOperand(b []byte) uint64 {
	var buf [8]byte
	copy(buf[:], b)
	return binary.LittleEndian.Uint64(buf[:])
}

func unpackOperand(v uint64, size int) []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	out := make([]byte, size)
	copy(out, buf[:size])
	return out
}

// sendRequest transmits payload to peer over the AM endpoint, waits for its
// local send completion, then — if blocking is true — spins on flag
// until the target's handler has PUT the completion byte back. A throwaway
// per-call Tcx is used rather than a caller-supplied cache: every AM
// request here is already the slow/fallback path, so the thread-local
// allocation cache optimization doesn't matter.
func (e *Engine) sendRequest(peer int, payload []byte, flag *byte, blocking bool) error {
	cache := tct.NewCache()
	tcx, err := e.table.Alloc(cache, false, e.sched)
	if err != nil {
		return err
	}
	defer e.table.Free(tcx)

	ep := tcx.Endpoint()
	tag := tagFor(tcx)
	if err := ep.Send(e.peerAM(peer), payload, tag); err != nil {
		return xerrors.Wrap("am_send", peer, err)
	}
	tcx.RecordIssue(false)
	if err := progress.Wait(ep, tag, e.sched); err != nil {
		return err
	}
	tcx.RecordComplete(1)

	if blocking && flag != nil {
		return spinOnFlag(flag, e.sched)
	}
	return nil
}

func tagFor(tcx *tct.Tcx) uint64 {
	return uint64(tcx.Index())<<32 | uint64(tcx.Issued())
}

// RequestRemoteGet implements rdma.AMProxy: asks peer's handler to GET size
// bytes from this node (srcRemote/srcLocal describe our side) into peer's
// own memory at dstAddr.
func (e *Engine) RequestRemoteGet(peer int, srcRemote fabric.RemoteMR, srcLocal []byte, dstAddr uintptr, size uint64, blocking bool) error {
	var flag *byte
	var pdone uint64
	if blocking {
		flag, pdone = e.allocFlag()
	}
	req := &wire.RMARequest{
		Header:     wire.Header{InitiatorNode: uint32(e.self), PDone: pdone},
		LocalAddr:  srcRemote.Offset,
		LocalKey:   srcRemote.Key,
		RemoteAddr: uint64(dstAddr),
		Size:       size,
	}
	return e.sendRequest(peer, req.MarshalGet(), flag, blocking)
}

// RequestRemotePut implements rdma.AMProxy: asks peer's handler to PUT size
// bytes from its own memory at srcAddr into this node's memory (dstRemote
// describes how the peer addresses us).
func (e *Engine) RequestRemotePut(peer int, srcAddr uintptr, size uint64, dstRemote fabric.RemoteMR, dstLocal []byte, blocking bool) error {
	var flag *byte
	var pdone uint64
	if blocking {
		flag, pdone = e.allocFlag()
	}
	req := &wire.RMARequest{
		Header:     wire.Header{InitiatorNode: uint32(e.self), PDone: pdone},
		LocalAddr:  dstRemote.Offset,
		LocalKey:   dstRemote.Key,
		RemoteAddr: uint64(srcAddr),
		Size:       size,
	}
	return e.sendRequest(peer, req.MarshalPut(), flag, blocking)
}

// RequestRemoteAMO implements amo.AMProxy: asks peer's handler to apply the
// atomic at objAddr directly against its own heap (CPU-side), and — if
// wantsResult — PUT the pre-op value back into result, which must already
// live in this node's registered heap so we can hand the handler a remote
// descriptor for it.
func (e *Engine) RequestRemoteAMO(peer int, objAddr uintptr, typ fabric.AtomicType, op fabric.AtomicOp, size int,
	operand1, operand2 []byte, wantsResult bool, result []byte, blocking bool) error {

	if op != fabric.OpRead {
		if err := e.forceBitmapVisibleAll(); err != nil {
			return err
		}
	}

	flag, pdone := e.allocFlag()
	if !blocking {
		pdone = 0
	}

	var op1, op2 uint64
	if len(operand1) > 0 {
		op1 = packOperand(operand1)
	}
	if len(operand2) > 0 {
		op2 = packOperand(operand2)
	}

	var resultAddr, resultKey uint64
	if wantsResult {
		remote, ok := e.mrt.RemoteKey(e.self, resultLocalAddr(e, result), uint64(size))
		if !ok {
			return xerrors.New("am_amo_request", xerrors.CodeNonAddressable, "fetching amo result buffer must live in the registered heap")
		}
		resultAddr, resultKey = remote.Offset, remote.Key
	}

	req := &wire.AMORequest{
		Header:      wire.Header{InitiatorNode: uint32(e.self), PDone: pdone},
		AtomicOp:    uint8(op),
		AtomicType:  uint8(typ),
		Size:        uint32(size),
		ObjAddr:     uint64(objAddr),
		Operand1:    op1,
		Operand2:    op2,
		ResultAddr:  resultAddr,
		ResultKey:   resultKey,
		WantsResult: wantsResult,
	}
	return e.sendRequest(peer, req.Marshal(), flag, blocking)
}

// resultLocalAddr recovers the heap address backing result, since the
// AMProxy interface is only handed the slice. result must alias e.selfHeap
// (the engine's own registered region), which DoAMO's fallback guarantees.
// Pointer subtraction, not byte-by-byte comparison, is the only way to
// recover that offset once the slice header has lost its origin.
func resultLocalAddr(e *Engine, result []byte) uintptr {
	if len(result) == 0 || len(e.selfHeap) == 0 {
		return e.selfBase
	}
	basePtr := uintptr(unsafe.Pointer(&e.selfHeap[0]))
	subPtr := uintptr(unsafe.Pointer(&result[0]))
	return e.selfBase + (subPtr - basePtr)
}
