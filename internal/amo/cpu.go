package amo

import (
	"sync"

	"github.com/pgaofi/pgaofi/internal/fabric"
)

// CPU implements the CPU-side AMO fallback (§4.5): every (op, type) pair
// applied directly to local memory via standard atomic-intrinsic-equivalent
// semantics. A single mutex serializes every CPU AMO against a given heap,
// matching the "sequentially consistent at word granularity" requirement —
// Go has no portable word-width C11 atomic intrinsics exposed for arbitrary
// byte slices, so a mutex is the idiomatic substitute the teacher's own
// code reaches for whenever it needs a critical section shorter than a
// full operation (see queue.Runner's per-tag mutexes).
type CPU struct {
	mu sync.Mutex
}

// Apply runs op against heap[offset:offset+width] in place, writing the
// pre-op value into result when non-nil. compare is only consulted for
// Cswap.
func (c *CPU) Apply(heap []byte, offset uint64, typ fabric.AtomicType, op fabric.AtomicOp, operand, compare, result []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fabric.ApplyAtomicCPU(heap, offset, typ, op, operand, compare, result)
	return err
}
