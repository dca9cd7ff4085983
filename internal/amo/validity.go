// Package amo implements the atomic-memory-operation engine (§4.4): native
// network AMOs issued through a transmit context, the CPU-side fallback
// (§4.5) used when a provider can't do a given (type, op) natively or the
// target isn't network-addressable, the atomic-validity cache, and the
// batched non-fetching AMO path built on the same machinery as put_V.
package amo

import (
	"sync"

	"github.com/pgaofi/pgaofi/internal/fabric"
)

type validityKey struct {
	typ fabric.AtomicType
	op  fabric.AtomicOp
}

// ValidityCache memoizes fi_{fetch_}atomicvalid probes: once a provider
// instance reports whether it supports a given (type, op) combination
// natively, the answer can't change for the life of the provider, so every
// DoAMO call after the first for that combination is a map lookup instead
// of a provider round-trip (§4.4, "Atomic-validity cache").
type ValidityCache struct {
	mu    sync.Mutex
	cache map[validityKey]bool
}

// NewValidityCache returns an empty cache.
func NewValidityCache() *ValidityCache {
	return &ValidityCache{cache: make(map[validityKey]bool)}
}

// Valid reports whether provider supports (typ, op) natively, probing and
// memoizing on first use.
func (v *ValidityCache) Valid(provider fabric.Provider, typ fabric.AtomicType, op fabric.AtomicOp) bool {
	key := validityKey{typ, op}
	v.mu.Lock()
	defer v.mu.Unlock()
	if ok, hit := v.cache[key]; hit {
		return ok
	}
	ok := provider.AtomicValid(typ, op)
	v.cache[key] = ok
	return ok
}

// AllTypesOps enumerates every (type, op) pair the substrate uses, matching
// §4.4's coverage list: signed/unsigned 32/64-bit ints and 32/64-bit
// floats, with integer ops (sum, band, bor, bxor, write, read, cswap) and
// float ops (sum, write, read, cswap). WarmAll pre-populates the cache with
// these at init so the first real AMO of any kind never pays a probe.
var AllTypesOps = buildAllTypesOps()

func buildAllTypesOps() []validityKey {
	intTypes := []fabric.AtomicType{fabric.Int32, fabric.Int64, fabric.Uint32, fabric.Uint64}
	intOps := []fabric.AtomicOp{fabric.OpSum, fabric.OpBAnd, fabric.OpBOr, fabric.OpBXor, fabric.OpWrite, fabric.OpRead, fabric.OpCswap}
	floatTypes := []fabric.AtomicType{fabric.Float32, fabric.Float64}
	floatOps := []fabric.AtomicOp{fabric.OpSum, fabric.OpWrite, fabric.OpRead, fabric.OpCswap}

	var out []validityKey
	for _, t := range intTypes {
		for _, o := range intOps {
			out = append(out, validityKey{t, o})
		}
	}
	for _, t := range floatTypes {
		for _, o := range floatOps {
			out = append(out, validityKey{t, o})
		}
	}
	return out
}

// WarmAll probes every (type, op) pair in AllTypesOps against provider,
// populating the cache up front.
func (v *ValidityCache) WarmAll(provider fabric.Provider) {
	for _, k := range AllTypesOps {
		v.Valid(provider, k.typ, k.op)
	}
}
