package fabric

import (
	"encoding/binary"
	"fmt"
	"math"
)

// applyAtomic performs a single (type, op) AMO directly against buf at
// offset, writing the pre-op value into result (if non-nil). It is used
// both by the CPU-side AMO fallback and by LoopbackProvider to simulate a
// native network AMO. compare is only consulted for OpCswap.
//
// Semantics are sequentially consistent at word granularity, matching
// §4.5: every call site already holds the serializing lock (the world
// mutex for the fabric path, or the amo package's single CPU mutex for the
// CPU fallback path).
func applyAtomic(buf []byte, offset uint64, typ AtomicType, op AtomicOp, operand, compare, result []byte) (old []byte, err error) {
	width, err := widthOf(typ)
	if err != nil {
		return nil, err
	}
	if int(offset)+width > len(buf) {
		return nil, fmt.Errorf("fabric: amo offset %d width %d out of range (len %d)", offset, width, len(buf))
	}
	word := buf[offset : int(offset)+width]

	prev := make([]byte, width)
	copy(prev, word)

	switch op {
	case OpRead:
		// no mutation

	case OpWrite:
		if len(operand) < width {
			return nil, fmt.Errorf("fabric: amo write operand too small")
		}
		copy(word, operand[:width])

	case OpCswap:
		if len(operand) < width || len(compare) < width {
			return nil, fmt.Errorf("fabric: amo cswap operand/compare too small")
		}
		if bytesEqual(word, compare[:width]) {
			copy(word, operand[:width])
		}

	case OpSum, OpBAnd, OpBOr, OpBXor:
		if len(operand) < width {
			return nil, fmt.Errorf("fabric: amo operand too small")
		}
		applyArith(word, operand[:width], typ, op)

	default:
		return nil, fmt.Errorf("fabric: unsupported amo op %v", op)
	}

	if result != nil && len(result) >= width {
		copy(result[:width], prev)
	}
	return prev, nil
}

// ApplyAtomicCPU is the exported entry point the CPU-side AMO fallback
// (§4.5) uses to apply an operation directly to a local word — the same
// function LoopbackProvider uses internally to simulate a native network
// AMO, so both paths agree on width/ordering semantics by construction.
func ApplyAtomicCPU(buf []byte, offset uint64, typ AtomicType, op AtomicOp, operand, compare, result []byte) ([]byte, error) {
	return applyAtomic(buf, offset, typ, op, operand, compare, result)
}

func widthOf(typ AtomicType) (int, error) {
	switch typ {
	case Int32, Uint32, Float32:
		return 4, nil
	case Int64, Uint64, Float64:
		return 8, nil
	default:
		return 0, fmt.Errorf("fabric: unknown atomic type %v", typ)
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func applyArith(word, operand []byte, typ AtomicType, op AtomicOp) {
	switch typ {
	case Int32:
		a := int32(binary.LittleEndian.Uint32(word))
		b := int32(binary.LittleEndian.Uint32(operand))
		binary.LittleEndian.PutUint32(word, uint32(intOp(int64(a), int64(b), op)))
	case Uint32:
		a := binary.LittleEndian.Uint32(word)
		b := binary.LittleEndian.Uint32(operand)
		binary.LittleEndian.PutUint32(word, uint32(intOp(int64(a), int64(b), op)))
	case Int64:
		a := int64(binary.LittleEndian.Uint64(word))
		b := int64(binary.LittleEndian.Uint64(operand))
		binary.LittleEndian.PutUint64(word, uint64(intOp(a, b, op)))
	case Uint64:
		a := binary.LittleEndian.Uint64(word)
		b := binary.LittleEndian.Uint64(operand)
		binary.LittleEndian.PutUint64(word, uint64(intOp(int64(a), int64(b), op)))
	case Float32:
		a := math.Float32frombits(binary.LittleEndian.Uint32(word))
		b := math.Float32frombits(binary.LittleEndian.Uint32(operand))
		binary.LittleEndian.PutUint32(word, math.Float32bits(a+b)) // only OpSum is valid for floats
	case Float64:
		a := math.Float64frombits(binary.LittleEndian.Uint64(word))
		b := math.Float64frombits(binary.LittleEndian.Uint64(operand))
		binary.LittleEndian.PutUint64(word, math.Float64bits(a+b))
	}
}

func intOp(a, b int64, op AtomicOp) int64 {
	switch op {
	case OpSum:
		return a + b
	case OpBAnd:
		return a & b
	case OpBOr:
		return a | b
	case OpBXor:
		return a ^ b
	default:
		return a
	}
}
