// Package tct implements the transmit-context table (§4.2): a pool of
// per-context transmit endpoints, lock-free CAS-based allocation, and the
// permanent binding of contexts to AM handlers and fixed-thread workers.
package tct

import (
	"sync/atomic"

	"github.com/pgaofi/pgaofi/internal/fabric"
	"github.com/pgaofi/pgaofi/internal/tasking"
	"github.com/pgaofi/pgaofi/internal/xerrors"
)

// Tcx is one transmit context: a claimable fabric endpoint plus the
// in-flight/issued counters the RDMA/AMO/AM engines use for CQ
// back-pressure and injection accounting (§5).
type Tcx struct {
	index int

	allocated atomic.Bool
	bound     atomic.Bool

	ep         fabric.Endpoint
	cqCapacity int

	numInFlight atomic.Int64
	numIssued   atomic.Int64
}

func (t *Tcx) Index() int             { return t.index }
func (t *Tcx) Bound() bool            { return t.bound.Load() }
func (t *Tcx) Endpoint() fabric.Endpoint { return t.ep }
func (t *Tcx) CQCapacity() int        { return t.cqCapacity }
func (t *Tcx) InFlight() int64        { return t.numInFlight.Load() }
func (t *Tcx) Issued() int64          { return t.numIssued.Load() }

// RecordIssue applies the injection-accounting rule: injected ops bump
// only num_issued, normal ops bump both.
func (t *Tcx) RecordIssue(injected bool) {
	t.numIssued.Add(1)
	if !injected {
		t.numInFlight.Add(1)
	}
}

// RecordComplete decrements num_in_flight for `n` drained completions.
func (t *Tcx) RecordComplete(n int) {
	if n > 0 {
		t.numInFlight.Add(-int64(n))
	}
}

// Cache is a per-caller ("thread") allocation cache: the last index tried
// and, once one is bound, the bound Tcx itself — the mechanism that lets
// repeat allocation on a fixed-thread worker skip synchronization entirely
// (§4.2 step 1).
type Cache struct {
	lastIndex int
	bound     *Tcx
}

// NewCache returns an empty per-caller cache.
func NewCache() *Cache { return &Cache{lastIndex: -1} }

// Table owns the full pool: entries [0, W) are the worker sub-range,
// [W, len) is reserved for AM handlers.
type Table struct {
	entries []*Tcx
	w       int // worker sub-range size
}

// New allocates a Table of `workers` worker contexts plus `amHandlers`
// reserved AM-handler contexts, opening one fabric endpoint per entry.
func New(provider fabric.Provider, workers, amHandlers, cqCapacity int) (*Table, error) {
	total := workers + amHandlers
	entries := make([]*Tcx, total)
	for i := 0; i < total; i++ {
		ep, err := provider.OpenEndpoint()
		if err != nil {
			return nil, xerrors.Wrap("tct_init", 0, err)
		}
		entries[i] = &Tcx{index: i, ep: ep, cqCapacity: cqCapacity}
	}
	return &Table{entries: entries, w: workers}, nil
}

// Len reports the total table size (workers + am handlers), mainly for
// tests and diagnostics.
func (t *Table) Len() int { return len(t.entries) }

// Entry returns the i'th transmit context, mainly for tests and
// diagnostics (e.g. inspecting issued/in-flight counters after an
// operation runs).
func (t *Table) Entry(i int) *Tcx { return t.entries[i] }

// Alloc implements tci_alloc (§4.2). bind controls whether a freshly
// claimed context is permanently pinned to the caller: true when the
// caller is an AM handler or a fixed-thread worker.
func (t *Table) Alloc(cache *Cache, bind bool, sched tasking.Scheduler) (*Tcx, error) {
	if cache.bound != nil {
		return cache.bound, nil
	}

	if cache.lastIndex >= 0 && cache.lastIndex < t.w {
		tcx := t.entries[cache.lastIndex]
		if tcx.allocated.CompareAndSwap(false, true) {
			return t.claim(cache, tcx, bind), nil
		}
	}

	for {
		start := cache.lastIndex
		if start < 0 || start >= t.w {
			start = 0
		}
		allUnobtainable := true
		for i := 0; i < t.w; i++ {
			idx := (start + i) % t.w
			tcx := t.entries[idx]
			if tcx.Bound() {
				continue
			}
			allUnobtainable = false
			if tcx.allocated.CompareAndSwap(false, true) {
				cache.lastIndex = idx
				return t.claim(cache, tcx, bind), nil
			}
		}
		if allUnobtainable {
			return nil, xerrors.New("tci_alloc", xerrors.CodeResourceExhaust,
				"transmit context table saturated: every worker entry is bound")
		}
		sched.Yield()
	}
}

func (t *Table) claim(cache *Cache, tcx *Tcx, bind bool) *Tcx {
	if bind {
		tcx.bound.Store(true)
		cache.bound = tcx
	}
	return tcx
}

// Free implements tci_free: releases the allocated flag unless the
// context is bound, in which case it is never returned to the pool.
func (t *Table) Free(tcx *Tcx) {
	if !tcx.Bound() {
		tcx.allocated.Store(false)
	}
}

// AllocForAMHandler implements tci_alloc_for_am_handler: claims the next
// free entry in the reserved [W, len) range and always binds it.
func (t *Table) AllocForAMHandler() (*Tcx, error) {
	for i := t.w; i < len(t.entries); i++ {
		tcx := t.entries[i]
		if tcx.allocated.CompareAndSwap(false, true) {
			tcx.bound.Store(true)
			return tcx, nil
		}
	}
	return nil, xerrors.New("tci_alloc_for_am_handler", xerrors.CodeResourceExhaust,
		"no reserved am-handler transmit context available")
}
