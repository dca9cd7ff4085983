package pgaofi

import (
	"encoding/binary"
	"math"

	"github.com/pgaofi/pgaofi/internal/fabric"
	"github.com/pgaofi/pgaofi/internal/metrics"
	"github.com/pgaofi/pgaofi/internal/tasking"
)

func widthOf(typ fabric.AtomicType) int {
	switch typ {
	case fabric.Int32, fabric.Uint32, fabric.Float32:
		return 4
	default:
		return 8
	}
}

// atomicOp implements doAMO's call-site plumbing shared by every typed
// wrapper below: it stages a fetch result (when wanted) into this node's
// own amoResultPool slot, which internal/amo.Engine's AM-proxy fallback
// requires of any result buffer it is handed (§4.4 step 3 — the fallback
// recovers the buffer's network address by pointer arithmetic against its
// own registered heap, so an arbitrary caller-owned slice will not do).
func (s *Substrate) atomicOp(sched tasking.Scheduler, peer int, addr uintptr, typ fabric.AtomicType, op fabric.AtomicOp, operand1, operand2 []byte, wantsResult bool) ([]byte, error) {
	ts, err := s.taskState(sched)
	if err != nil {
		return nil, err
	}
	var resultBuf []byte
	if wantsResult {
		_, resultBuf = s.atomicResultSlot()
		resultBuf = resultBuf[:widthOf(typ)]
	}
	s.metrics.Issue(metrics.OpAMO, peer)
	err = s.amoEng.DoAMO(ts.amoCache, sched, &ts.bitmap, s.n, peer, addr, widthOf(typ), typ, op, operand1, operand2, resultBuf)
	s.metrics.Complete(metrics.OpAMO, peer, err)
	if err != nil {
		return nil, err
	}
	if !wantsResult {
		return nil, nil
	}
	out := make([]byte, len(resultBuf))
	copy(out, resultBuf)
	return out, nil
}

// atomicUnordered implements the amo_nf_V batched path (§4.4, amo_nf_V):
// queues one non-fetching AMO into this task's buffered batch, falling
// back to the immediate path when the target word isn't addressable for
// batching (e.g. peer == self, or the batch's operand pool is exhausted).
func (s *Substrate) atomicUnordered(sched tasking.Scheduler, peer int, addr uintptr, typ fabric.AtomicType, op fabric.AtomicOp, operand []byte) error {
	ts, err := s.taskState(sched)
	if err != nil {
		return err
	}
	if ts.amoBatch.AddressableForBatch(peer, addr, widthOf(typ)) {
		return ts.amoBatch.Add(ts.amoCache, sched, s.n, peer, addr, typ, op, operand)
	}
	_, aerr := s.atomicOp(sched, peer, addr, typ, op, operand, nil, false)
	return aerr
}

// AtomicUnorderedTaskFence implements atomic_unordered_task_fence: drains
// this task's buffered non-fetching-AMO batch.
func (s *Substrate) AtomicUnorderedTaskFence(sched tasking.Scheduler) error {
	ts, err := s.taskState(sched)
	if err != nil {
		return err
	}
	return ts.amoBatch.Flush(ts.amoCache, sched, s.n)
}

// --- Int32 -------------------------------------------------------------

func put32(v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return b[:]
}
func get32(b []byte) uint32 { return binary.LittleEndian.Uint32(b) }

// AddInt32 implements atomic_add (int32): a non-fetching remote add.
func (s *Substrate) AddInt32(sched tasking.Scheduler, peer int, addr uintptr, delta int32) error {
	_, err := s.atomicOp(sched, peer, addr, fabric.Int32, fabric.OpSum, put32(uint32(delta)), nil, false)
	return err
}

// AddInt32Unordered implements atomic_add's amo_nf_V batched form.
func (s *Substrate) AddInt32Unordered(sched tasking.Scheduler, peer int, addr uintptr, delta int32) error {
	return s.atomicUnordered(sched, peer, addr, fabric.Int32, fabric.OpSum, put32(uint32(delta)))
}

// FetchAddInt32 implements atomic_fetch_add (int32): returns the
// pre-operation value.
func (s *Substrate) FetchAddInt32(sched tasking.Scheduler, peer int, addr uintptr, delta int32) (int32, error) {
	res, err := s.atomicOp(sched, peer, addr, fabric.Int32, fabric.OpSum, put32(uint32(delta)), nil, true)
	if err != nil {
		return 0, err
	}
	return int32(get32(res)), nil
}

// ReadInt32 implements atomic_fetch (int32): an atomic read.
func (s *Substrate) ReadInt32(sched tasking.Scheduler, peer int, addr uintptr) (int32, error) {
	res, err := s.atomicOp(sched, peer, addr, fabric.Int32, fabric.OpRead, nil, nil, true)
	if err != nil {
		return 0, err
	}
	return int32(get32(res)), nil
}

// WriteInt32 implements atomic_set (int32): an atomic write.
func (s *Substrate) WriteInt32(sched tasking.Scheduler, peer int, addr uintptr, v int32) error {
	_, err := s.atomicOp(sched, peer, addr, fabric.Int32, fabric.OpWrite, put32(uint32(v)), nil, false)
	return err
}

// ExchangeInt32 implements atomic_xchg (int32): an atomic write that
// returns the pre-operation value (§4.5's "atomic_write ... if
// result≠null, exchange, write old").
func (s *Substrate) ExchangeInt32(sched tasking.Scheduler, peer int, addr uintptr, v int32) (int32, error) {
	res, err := s.atomicOp(sched, peer, addr, fabric.Int32, fabric.OpWrite, put32(uint32(v)), nil, true)
	if err != nil {
		return 0, err
	}
	return int32(get32(res)), nil
}

// CompareAndSwapInt32 implements atomic_compare_and_swap (int32): returns
// the pre-operation value; the swap takes effect only if it equaled
// compare.
func (s *Substrate) CompareAndSwapInt32(sched tasking.Scheduler, peer int, addr uintptr, compare, swap int32) (int32, error) {
	res, err := s.atomicOp(sched, peer, addr, fabric.Int32, fabric.OpCswap, put32(uint32(swap)), put32(uint32(compare)), true)
	if err != nil {
		return 0, err
	}
	return int32(get32(res)), nil
}

// AndInt32 implements atomic_and (int32): a non-fetching bitwise AND.
func (s *Substrate) AndInt32(sched tasking.Scheduler, peer int, addr uintptr, mask int32) error {
	_, err := s.atomicOp(sched, peer, addr, fabric.Int32, fabric.OpBAnd, put32(uint32(mask)), nil, false)
	return err
}

// FetchAndInt32 implements atomic_fetch_and (int32).
func (s *Substrate) FetchAndInt32(sched tasking.Scheduler, peer int, addr uintptr, mask int32) (int32, error) {
	res, err := s.atomicOp(sched, peer, addr, fabric.Int32, fabric.OpBAnd, put32(uint32(mask)), nil, true)
	if err != nil {
		return 0, err
	}
	return int32(get32(res)), nil
}

// OrInt32 implements atomic_or (int32): a non-fetching bitwise OR.
func (s *Substrate) OrInt32(sched tasking.Scheduler, peer int, addr uintptr, mask int32) error {
	_, err := s.atomicOp(sched, peer, addr, fabric.Int32, fabric.OpBOr, put32(uint32(mask)), nil, false)
	return err
}

// FetchOrInt32 implements atomic_fetch_or (int32).
func (s *Substrate) FetchOrInt32(sched tasking.Scheduler, peer int, addr uintptr, mask int32) (int32, error) {
	res, err := s.atomicOp(sched, peer, addr, fabric.Int32, fabric.OpBOr, put32(uint32(mask)), nil, true)
	if err != nil {
		return 0, err
	}
	return int32(get32(res)), nil
}

// XorInt32 implements atomic_xor (int32): a non-fetching bitwise XOR.
func (s *Substrate) XorInt32(sched tasking.Scheduler, peer int, addr uintptr, mask int32) error {
	_, err := s.atomicOp(sched, peer, addr, fabric.Int32, fabric.OpBXor, put32(uint32(mask)), nil, false)
	return err
}

// FetchXorInt32 implements atomic_fetch_xor (int32).
func (s *Substrate) FetchXorInt32(sched tasking.Scheduler, peer int, addr uintptr, mask int32) (int32, error) {
	res, err := s.atomicOp(sched, peer, addr, fabric.Int32, fabric.OpBXor, put32(uint32(mask)), nil, true)
	if err != nil {
		return 0, err
	}
	return int32(get32(res)), nil
}

// AndInt32Unordered implements atomic_and's amo_nf_V batched form (int32).
func (s *Substrate) AndInt32Unordered(sched tasking.Scheduler, peer int, addr uintptr, mask int32) error {
	return s.atomicUnordered(sched, peer, addr, fabric.Int32, fabric.OpBAnd, put32(uint32(mask)))
}

// OrInt32Unordered implements atomic_or's amo_nf_V batched form (int32).
func (s *Substrate) OrInt32Unordered(sched tasking.Scheduler, peer int, addr uintptr, mask int32) error {
	return s.atomicUnordered(sched, peer, addr, fabric.Int32, fabric.OpBOr, put32(uint32(mask)))
}

// XorInt32Unordered implements atomic_xor's amo_nf_V batched form (int32).
func (s *Substrate) XorInt32Unordered(sched tasking.Scheduler, peer int, addr uintptr, mask int32) error {
	return s.atomicUnordered(sched, peer, addr, fabric.Int32, fabric.OpBXor, put32(uint32(mask)))
}

// AddInt64Unordered implements atomic_add's amo_nf_V batched form (int64).
func (s *Substrate) AddInt64Unordered(sched tasking.Scheduler, peer int, addr uintptr, delta int64) error {
	return s.atomicUnordered(sched, peer, addr, fabric.Int64, fabric.OpSum, put64(uint64(delta)))
}

// --- Uint32 --------------------------------------------------------------

// AddUint32 implements atomic_add (uint32).
func (s *Substrate) AddUint32(sched tasking.Scheduler, peer int, addr uintptr, delta uint32) error {
	_, err := s.atomicOp(sched, peer, addr, fabric.Uint32, fabric.OpSum, put32(delta), nil, false)
	return err
}

// FetchAddUint32 implements atomic_fetch_add (uint32).
func (s *Substrate) FetchAddUint32(sched tasking.Scheduler, peer int, addr uintptr, delta uint32) (uint32, error) {
	res, err := s.atomicOp(sched, peer, addr, fabric.Uint32, fabric.OpSum, put32(delta), nil, true)
	if err != nil {
		return 0, err
	}
	return get32(res), nil
}

// ReadUint32 implements atomic_fetch (uint32).
func (s *Substrate) ReadUint32(sched tasking.Scheduler, peer int, addr uintptr) (uint32, error) {
	res, err := s.atomicOp(sched, peer, addr, fabric.Uint32, fabric.OpRead, nil, nil, true)
	if err != nil {
		return 0, err
	}
	return get32(res), nil
}

// WriteUint32 implements atomic_set (uint32).
func (s *Substrate) WriteUint32(sched tasking.Scheduler, peer int, addr uintptr, v uint32) error {
	_, err := s.atomicOp(sched, peer, addr, fabric.Uint32, fabric.OpWrite, put32(v), nil, false)
	return err
}

// ExchangeUint32 implements atomic_xchg (uint32).
func (s *Substrate) ExchangeUint32(sched tasking.Scheduler, peer int, addr uintptr, v uint32) (uint32, error) {
	res, err := s.atomicOp(sched, peer, addr, fabric.Uint32, fabric.OpWrite, put32(v), nil, true)
	if err != nil {
		return 0, err
	}
	return get32(res), nil
}

// AddUint32Unordered implements atomic_add's amo_nf_V batched form (uint32).
func (s *Substrate) AddUint32Unordered(sched tasking.Scheduler, peer int, addr uintptr, delta uint32) error {
	return s.atomicUnordered(sched, peer, addr, fabric.Uint32, fabric.OpSum, put32(delta))
}

// CompareAndSwapUint32 implements atomic_compare_and_swap (uint32).
func (s *Substrate) CompareAndSwapUint32(sched tasking.Scheduler, peer int, addr uintptr, compare, swap uint32) (uint32, error) {
	res, err := s.atomicOp(sched, peer, addr, fabric.Uint32, fabric.OpCswap, put32(swap), put32(compare), true)
	if err != nil {
		return 0, err
	}
	return get32(res), nil
}

// AndUint32 implements atomic_and (uint32): a non-fetching bitwise AND.
func (s *Substrate) AndUint32(sched tasking.Scheduler, peer int, addr uintptr, mask uint32) error {
	_, err := s.atomicOp(sched, peer, addr, fabric.Uint32, fabric.OpBAnd, put32(mask), nil, false)
	return err
}

// FetchAndUint32 implements atomic_fetch_and (uint32).
func (s *Substrate) FetchAndUint32(sched tasking.Scheduler, peer int, addr uintptr, mask uint32) (uint32, error) {
	res, err := s.atomicOp(sched, peer, addr, fabric.Uint32, fabric.OpBAnd, put32(mask), nil, true)
	if err != nil {
		return 0, err
	}
	return get32(res), nil
}

// OrUint32 implements atomic_or (uint32): a non-fetching bitwise OR.
func (s *Substrate) OrUint32(sched tasking.Scheduler, peer int, addr uintptr, mask uint32) error {
	_, err := s.atomicOp(sched, peer, addr, fabric.Uint32, fabric.OpBOr, put32(mask), nil, false)
	return err
}

// FetchOrUint32 implements atomic_fetch_or (uint32).
func (s *Substrate) FetchOrUint32(sched tasking.Scheduler, peer int, addr uintptr, mask uint32) (uint32, error) {
	res, err := s.atomicOp(sched, peer, addr, fabric.Uint32, fabric.OpBOr, put32(mask), nil, true)
	if err != nil {
		return 0, err
	}
	return get32(res), nil
}

// XorUint32 implements atomic_xor (uint32): a non-fetching bitwise XOR.
func (s *Substrate) XorUint32(sched tasking.Scheduler, peer int, addr uintptr, mask uint32) error {
	_, err := s.atomicOp(sched, peer, addr, fabric.Uint32, fabric.OpBXor, put32(mask), nil, false)
	return err
}

// FetchXorUint32 implements atomic_fetch_xor (uint32).
func (s *Substrate) FetchXorUint32(sched tasking.Scheduler, peer int, addr uintptr, mask uint32) (uint32, error) {
	res, err := s.atomicOp(sched, peer, addr, fabric.Uint32, fabric.OpBXor, put32(mask), nil, true)
	if err != nil {
		return 0, err
	}
	return get32(res), nil
}

// AndUint32Unordered implements atomic_and's amo_nf_V batched form (uint32).
func (s *Substrate) AndUint32Unordered(sched tasking.Scheduler, peer int, addr uintptr, mask uint32) error {
	return s.atomicUnordered(sched, peer, addr, fabric.Uint32, fabric.OpBAnd, put32(mask))
}

// OrUint32Unordered implements atomic_or's amo_nf_V batched form (uint32).
func (s *Substrate) OrUint32Unordered(sched tasking.Scheduler, peer int, addr uintptr, mask uint32) error {
	return s.atomicUnordered(sched, peer, addr, fabric.Uint32, fabric.OpBOr, put32(mask))
}

// XorUint32Unordered implements atomic_xor's amo_nf_V batched form (uint32).
func (s *Substrate) XorUint32Unordered(sched tasking.Scheduler, peer int, addr uintptr, mask uint32) error {
	return s.atomicUnordered(sched, peer, addr, fabric.Uint32, fabric.OpBXor, put32(mask))
}

// --- Int64 / Uint64 ------------------------------------------------------

func put64(v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return b[:]
}
func get64(b []byte) uint64 { return binary.LittleEndian.Uint64(b) }

// AddInt64 implements atomic_add (int64).
func (s *Substrate) AddInt64(sched tasking.Scheduler, peer int, addr uintptr, delta int64) error {
	_, err := s.atomicOp(sched, peer, addr, fabric.Int64, fabric.OpSum, put64(uint64(delta)), nil, false)
	return err
}

// FetchAddInt64 implements atomic_fetch_add (int64).
func (s *Substrate) FetchAddInt64(sched tasking.Scheduler, peer int, addr uintptr, delta int64) (int64, error) {
	res, err := s.atomicOp(sched, peer, addr, fabric.Int64, fabric.OpSum, put64(uint64(delta)), nil, true)
	if err != nil {
		return 0, err
	}
	return int64(get64(res)), nil
}

// ReadInt64 implements atomic_fetch (int64).
func (s *Substrate) ReadInt64(sched tasking.Scheduler, peer int, addr uintptr) (int64, error) {
	res, err := s.atomicOp(sched, peer, addr, fabric.Int64, fabric.OpRead, nil, nil, true)
	if err != nil {
		return 0, err
	}
	return int64(get64(res)), nil
}

// WriteInt64 implements atomic_set (int64).
func (s *Substrate) WriteInt64(sched tasking.Scheduler, peer int, addr uintptr, v int64) error {
	_, err := s.atomicOp(sched, peer, addr, fabric.Int64, fabric.OpWrite, put64(uint64(v)), nil, false)
	return err
}

// ExchangeInt64 implements atomic_xchg (int64).
func (s *Substrate) ExchangeInt64(sched tasking.Scheduler, peer int, addr uintptr, v int64) (int64, error) {
	res, err := s.atomicOp(sched, peer, addr, fabric.Int64, fabric.OpWrite, put64(uint64(v)), nil, true)
	if err != nil {
		return 0, err
	}
	return int64(get64(res)), nil
}

// CompareAndSwapInt64 implements atomic_compare_and_swap (int64).
func (s *Substrate) CompareAndSwapInt64(sched tasking.Scheduler, peer int, addr uintptr, compare, swap int64) (int64, error) {
	res, err := s.atomicOp(sched, peer, addr, fabric.Int64, fabric.OpCswap, put64(uint64(swap)), put64(uint64(compare)), true)
	if err != nil {
		return 0, err
	}
	return int64(get64(res)), nil
}

// AndInt64 implements atomic_and (int64): a non-fetching bitwise AND.
func (s *Substrate) AndInt64(sched tasking.Scheduler, peer int, addr uintptr, mask int64) error {
	_, err := s.atomicOp(sched, peer, addr, fabric.Int64, fabric.OpBAnd, put64(uint64(mask)), nil, false)
	return err
}

// FetchAndInt64 implements atomic_fetch_and (int64).
func (s *Substrate) FetchAndInt64(sched tasking.Scheduler, peer int, addr uintptr, mask int64) (int64, error) {
	res, err := s.atomicOp(sched, peer, addr, fabric.Int64, fabric.OpBAnd, put64(uint64(mask)), nil, true)
	if err != nil {
		return 0, err
	}
	return int64(get64(res)), nil
}

// OrInt64 implements atomic_or (int64): a non-fetching bitwise OR.
func (s *Substrate) OrInt64(sched tasking.Scheduler, peer int, addr uintptr, mask int64) error {
	_, err := s.atomicOp(sched, peer, addr, fabric.Int64, fabric.OpBOr, put64(uint64(mask)), nil, false)
	return err
}

// FetchOrInt64 implements atomic_fetch_or (int64).
func (s *Substrate) FetchOrInt64(sched tasking.Scheduler, peer int, addr uintptr, mask int64) (int64, error) {
	res, err := s.atomicOp(sched, peer, addr, fabric.Int64, fabric.OpBOr, put64(uint64(mask)), nil, true)
	if err != nil {
		return 0, err
	}
	return int64(get64(res)), nil
}

// XorInt64 implements atomic_xor (int64): a non-fetching bitwise XOR.
func (s *Substrate) XorInt64(sched tasking.Scheduler, peer int, addr uintptr, mask int64) error {
	_, err := s.atomicOp(sched, peer, addr, fabric.Int64, fabric.OpBXor, put64(uint64(mask)), nil, false)
	return err
}

// FetchXorInt64 implements atomic_fetch_xor (int64).
func (s *Substrate) FetchXorInt64(sched tasking.Scheduler, peer int, addr uintptr, mask int64) (int64, error) {
	res, err := s.atomicOp(sched, peer, addr, fabric.Int64, fabric.OpBXor, put64(uint64(mask)), nil, true)
	if err != nil {
		return 0, err
	}
	return int64(get64(res)), nil
}

// AndInt64Unordered implements atomic_and's amo_nf_V batched form (int64).
func (s *Substrate) AndInt64Unordered(sched tasking.Scheduler, peer int, addr uintptr, mask int64) error {
	return s.atomicUnordered(sched, peer, addr, fabric.Int64, fabric.OpBAnd, put64(uint64(mask)))
}

// OrInt64Unordered implements atomic_or's amo_nf_V batched form (int64).
func (s *Substrate) OrInt64Unordered(sched tasking.Scheduler, peer int, addr uintptr, mask int64) error {
	return s.atomicUnordered(sched, peer, addr, fabric.Int64, fabric.OpBOr, put64(uint64(mask)))
}

// XorInt64Unordered implements atomic_xor's amo_nf_V batched form (int64).
func (s *Substrate) XorInt64Unordered(sched tasking.Scheduler, peer int, addr uintptr, mask int64) error {
	return s.atomicUnordered(sched, peer, addr, fabric.Int64, fabric.OpBXor, put64(uint64(mask)))
}

// AddUint64 implements atomic_add (uint64).
func (s *Substrate) AddUint64(sched tasking.Scheduler, peer int, addr uintptr, delta uint64) error {
	_, err := s.atomicOp(sched, peer, addr, fabric.Uint64, fabric.OpSum, put64(delta), nil, false)
	return err
}

// FetchAddUint64 implements atomic_fetch_add (uint64).
func (s *Substrate) FetchAddUint64(sched tasking.Scheduler, peer int, addr uintptr, delta uint64) (uint64, error) {
	res, err := s.atomicOp(sched, peer, addr, fabric.Uint64, fabric.OpSum, put64(delta), nil, true)
	if err != nil {
		return 0, err
	}
	return get64(res), nil
}

// ReadUint64 implements atomic_fetch (uint64).
func (s *Substrate) ReadUint64(sched tasking.Scheduler, peer int, addr uintptr) (uint64, error) {
	res, err := s.atomicOp(sched, peer, addr, fabric.Uint64, fabric.OpRead, nil, nil, true)
	if err != nil {
		return 0, err
	}
	return get64(res), nil
}

// WriteUint64 implements atomic_set (uint64).
func (s *Substrate) WriteUint64(sched tasking.Scheduler, peer int, addr uintptr, v uint64) error {
	_, err := s.atomicOp(sched, peer, addr, fabric.Uint64, fabric.OpWrite, put64(v), nil, false)
	return err
}

// ExchangeUint64 implements atomic_xchg (uint64).
func (s *Substrate) ExchangeUint64(sched tasking.Scheduler, peer int, addr uintptr, v uint64) (uint64, error) {
	res, err := s.atomicOp(sched, peer, addr, fabric.Uint64, fabric.OpWrite, put64(v), nil, true)
	if err != nil {
		return 0, err
	}
	return get64(res), nil
}

// CompareAndSwapUint64 implements atomic_compare_and_swap (uint64).
func (s *Substrate) CompareAndSwapUint64(sched tasking.Scheduler, peer int, addr uintptr, compare, swap uint64) (uint64, error) {
	res, err := s.atomicOp(sched, peer, addr, fabric.Uint64, fabric.OpCswap, put64(swap), put64(compare), true)
	if err != nil {
		return 0, err
	}
	return get64(res), nil
}

// AndUint64 implements atomic_and (uint64): a non-fetching bitwise AND.
func (s *Substrate) AndUint64(sched tasking.Scheduler, peer int, addr uintptr, mask uint64) error {
	_, err := s.atomicOp(sched, peer, addr, fabric.Uint64, fabric.OpBAnd, put64(mask), nil, false)
	return err
}

// FetchAndUint64 implements atomic_fetch_and (uint64).
func (s *Substrate) FetchAndUint64(sched tasking.Scheduler, peer int, addr uintptr, mask uint64) (uint64, error) {
	res, err := s.atomicOp(sched, peer, addr, fabric.Uint64, fabric.OpBAnd, put64(mask), nil, true)
	if err != nil {
		return 0, err
	}
	return get64(res), nil
}

// OrUint64 implements atomic_or (uint64): a non-fetching bitwise OR.
func (s *Substrate) OrUint64(sched tasking.Scheduler, peer int, addr uintptr, mask uint64) error {
	_, err := s.atomicOp(sched, peer, addr, fabric.Uint64, fabric.OpBOr, put64(mask), nil, false)
	return err
}

// FetchOrUint64 implements atomic_fetch_or (uint64).
func (s *Substrate) FetchOrUint64(sched tasking.Scheduler, peer int, addr uintptr, mask uint64) (uint64, error) {
	res, err := s.atomicOp(sched, peer, addr, fabric.Uint64, fabric.OpBOr, put64(mask), nil, true)
	if err != nil {
		return 0, err
	}
	return get64(res), nil
}

// XorUint64 implements atomic_xor (uint64): a non-fetching bitwise XOR.
func (s *Substrate) XorUint64(sched tasking.Scheduler, peer int, addr uintptr, mask uint64) error {
	_, err := s.atomicOp(sched, peer, addr, fabric.Uint64, fabric.OpBXor, put64(mask), nil, false)
	return err
}

// FetchXorUint64 implements atomic_fetch_xor (uint64).
func (s *Substrate) FetchXorUint64(sched tasking.Scheduler, peer int, addr uintptr, mask uint64) (uint64, error) {
	res, err := s.atomicOp(sched, peer, addr, fabric.Uint64, fabric.OpBXor, put64(mask), nil, true)
	if err != nil {
		return 0, err
	}
	return get64(res), nil
}

// AndUint64Unordered implements atomic_and's amo_nf_V batched form (uint64).
func (s *Substrate) AndUint64Unordered(sched tasking.Scheduler, peer int, addr uintptr, mask uint64) error {
	return s.atomicUnordered(sched, peer, addr, fabric.Uint64, fabric.OpBAnd, put64(mask))
}

// OrUint64Unordered implements atomic_or's amo_nf_V batched form (uint64).
func (s *Substrate) OrUint64Unordered(sched tasking.Scheduler, peer int, addr uintptr, mask uint64) error {
	return s.atomicUnordered(sched, peer, addr, fabric.Uint64, fabric.OpBOr, put64(mask))
}

// XorUint64Unordered implements atomic_xor's amo_nf_V batched form (uint64).
func (s *Substrate) XorUint64Unordered(sched tasking.Scheduler, peer int, addr uintptr, mask uint64) error {
	return s.atomicUnordered(sched, peer, addr, fabric.Uint64, fabric.OpBXor, put64(mask))
}

// --- Float32 / Float64 (§4.4: floats support only Sum, Write, Read, Cswap) -

// AddFloat32 implements atomic_add (float32).
func (s *Substrate) AddFloat32(sched tasking.Scheduler, peer int, addr uintptr, delta float32) error {
	_, err := s.atomicOp(sched, peer, addr, fabric.Float32, fabric.OpSum, put32(math.Float32bits(delta)), nil, false)
	return err
}

// FetchAddFloat32 implements atomic_fetch_add (float32).
func (s *Substrate) FetchAddFloat32(sched tasking.Scheduler, peer int, addr uintptr, delta float32) (float32, error) {
	res, err := s.atomicOp(sched, peer, addr, fabric.Float32, fabric.OpSum, put32(math.Float32bits(delta)), nil, true)
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(get32(res)), nil
}

// ReadFloat32 implements atomic_fetch (float32).
func (s *Substrate) ReadFloat32(sched tasking.Scheduler, peer int, addr uintptr) (float32, error) {
	res, err := s.atomicOp(sched, peer, addr, fabric.Float32, fabric.OpRead, nil, nil, true)
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(get32(res)), nil
}

// WriteFloat32 implements atomic_set (float32).
func (s *Substrate) WriteFloat32(sched tasking.Scheduler, peer int, addr uintptr, v float32) error {
	_, err := s.atomicOp(sched, peer, addr, fabric.Float32, fabric.OpWrite, put32(math.Float32bits(v)), nil, false)
	return err
}

// ExchangeFloat32 implements atomic_xchg (float32).
func (s *Substrate) ExchangeFloat32(sched tasking.Scheduler, peer int, addr uintptr, v float32) (float32, error) {
	res, err := s.atomicOp(sched, peer, addr, fabric.Float32, fabric.OpWrite, put32(math.Float32bits(v)), nil, true)
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(get32(res)), nil
}

// CompareAndSwapFloat32 implements atomic_compare_and_swap (float32).
func (s *Substrate) CompareAndSwapFloat32(sched tasking.Scheduler, peer int, addr uintptr, compare, swap float32) (float32, error) {
	res, err := s.atomicOp(sched, peer, addr, fabric.Float32, fabric.OpCswap, put32(math.Float32bits(swap)), put32(math.Float32bits(compare)), true)
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(get32(res)), nil
}

// AddFloat64 implements atomic_add (float64).
func (s *Substrate) AddFloat64(sched tasking.Scheduler, peer int, addr uintptr, delta float64) error {
	_, err := s.atomicOp(sched, peer, addr, fabric.Float64, fabric.OpSum, put64(math.Float64bits(delta)), nil, false)
	return err
}

// FetchAddFloat64 implements atomic_fetch_add (float64).
func (s *Substrate) FetchAddFloat64(sched tasking.Scheduler, peer int, addr uintptr, delta float64) (float64, error) {
	res, err := s.atomicOp(sched, peer, addr, fabric.Float64, fabric.OpSum, put64(math.Float64bits(delta)), nil, true)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(get64(res)), nil
}

// ReadFloat64 implements atomic_fetch (float64).
func (s *Substrate) ReadFloat64(sched tasking.Scheduler, peer int, addr uintptr) (float64, error) {
	res, err := s.atomicOp(sched, peer, addr, fabric.Float64, fabric.OpRead, nil, nil, true)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(get64(res)), nil
}

// WriteFloat64 implements atomic_set (float64).
func (s *Substrate) WriteFloat64(sched tasking.Scheduler, peer int, addr uintptr, v float64) error {
	_, err := s.atomicOp(sched, peer, addr, fabric.Float64, fabric.OpWrite, put64(math.Float64bits(v)), nil, false)
	return err
}

// ExchangeFloat64 implements atomic_xchg (float64).
func (s *Substrate) ExchangeFloat64(sched tasking.Scheduler, peer int, addr uintptr, v float64) (float64, error) {
	res, err := s.atomicOp(sched, peer, addr, fabric.Float64, fabric.OpWrite, put64(math.Float64bits(v)), nil, true)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(get64(res)), nil
}

// CompareAndSwapFloat64 implements atomic_compare_and_swap (float64).
func (s *Substrate) CompareAndSwapFloat64(sched tasking.Scheduler, peer int, addr uintptr, compare, swap float64) (float64, error) {
	res, err := s.atomicOp(sched, peer, addr, fabric.Float64, fabric.OpCswap, put64(math.Float64bits(swap)), put64(math.Float64bits(compare)), true)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(get64(res)), nil
}

// GetMaxThreads implements get_max_threads (§6): always 0 — the real
// concurrency bound belongs to the external tasking layer's own
// MaxParallelism, not to this substrate.
func (s *Substrate) GetMaxThreads() int { return 0 }
