package tct

import (
	"testing"

	"github.com/pgaofi/pgaofi/internal/fabric"
	"github.com/pgaofi/pgaofi/internal/tasking"
)

func newTestTable(t *testing.T, workers, amHandlers int) *Table {
	t.Helper()
	world := fabric.NewWorld()
	p := fabric.NewLoopbackProvider(world, 0, fabric.DefaultLoopbackCapabilities())
	table, err := New(p, workers, amHandlers, 128)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return table
}

func TestAllocUnboundRoundTrip(t *testing.T) {
	table := newTestTable(t, 4, 1)
	sched := tasking.NewFakeScheduler(false, 0)
	cache := NewCache()

	tcx, err := table.Alloc(cache, false, sched)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if tcx.Bound() {
		t.Error("unbound alloc should not set bound")
	}
	table.Free(tcx)

	// After free, the same cache should be able to re-claim (possibly a
	// different index if the CAS races, but never error here).
	if _, err := table.Alloc(cache, false, sched); err != nil {
		t.Fatalf("second Alloc: %v", err)
	}
}

func TestAllocBindPinsContext(t *testing.T) {
	table := newTestTable(t, 4, 1)
	sched := tasking.NewFakeScheduler(true, 0)
	cache := NewCache()

	tcx, err := table.Alloc(cache, true, sched)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if !tcx.Bound() {
		t.Fatal("expected bound context")
	}

	again, err := table.Alloc(cache, true, sched)
	if err != nil {
		t.Fatalf("second Alloc: %v", err)
	}
	if again != tcx {
		t.Error("expected the cached bound context to be returned without reallocation")
	}

	// Free on a bound context is a no-op: it must never return to the pool.
	table.Free(tcx)
	if !tcx.allocated.Load() {
		t.Error("bound context must remain allocated after Free")
	}
}

func TestAllocExhaustionAborts(t *testing.T) {
	table := newTestTable(t, 2, 1)
	sched := tasking.NewFakeScheduler(true, 0)

	c1 := NewCache()
	c2 := NewCache()
	if _, err := table.Alloc(c1, true, sched); err != nil {
		t.Fatalf("Alloc c1: %v", err)
	}
	if _, err := table.Alloc(c2, true, sched); err != nil {
		t.Fatalf("Alloc c2: %v", err)
	}

	c3 := NewCache()
	if _, err := table.Alloc(c3, true, sched); err == nil {
		t.Fatal("expected resource exhaustion once every worker entry is bound")
	}
}

func TestAllocForAMHandlerUsesReservedRange(t *testing.T) {
	table := newTestTable(t, 2, 1)
	tcx, err := table.AllocForAMHandler()
	if err != nil {
		t.Fatalf("AllocForAMHandler: %v", err)
	}
	if tcx.Index() < 2 {
		t.Errorf("expected index in reserved range, got %d", tcx.Index())
	}
	if !tcx.Bound() {
		t.Error("am handler context must always be bound")
	}

	if _, err := table.AllocForAMHandler(); err == nil {
		t.Fatal("expected exhaustion: only one reserved am-handler slot configured")
	}
}

func TestInjectionAccounting(t *testing.T) {
	table := newTestTable(t, 1, 0)
	sched := tasking.NewFakeScheduler(true, 0)
	cache := NewCache()
	tcx, _ := table.Alloc(cache, true, sched)

	tcx.RecordIssue(true)
	if tcx.Issued() != 1 || tcx.InFlight() != 0 {
		t.Errorf("injected issue: issued=%d inflight=%d, want 1,0", tcx.Issued(), tcx.InFlight())
	}
	tcx.RecordIssue(false)
	if tcx.Issued() != 2 || tcx.InFlight() != 1 {
		t.Errorf("normal issue: issued=%d inflight=%d, want 2,1", tcx.Issued(), tcx.InFlight())
	}
	tcx.RecordComplete(1)
	if tcx.InFlight() != 0 {
		t.Errorf("inflight after complete = %d, want 0", tcx.InFlight())
	}
}
