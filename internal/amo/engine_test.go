package amo

import (
	"encoding/binary"
	"testing"

	"github.com/pgaofi/pgaofi/internal/fabric"
	"github.com/pgaofi/pgaofi/internal/mcm"
	"github.com/pgaofi/pgaofi/internal/mr"
	"github.com/pgaofi/pgaofi/internal/tasking"
	"github.com/pgaofi/pgaofi/internal/tct"
)

// setupSelfTargetEngine builds a 2-node job (so nPeers > 1) where node 0's
// own address is inserted into its own address vector, letting DoAMO's
// native loop-back path actually issue fabric traffic against peer==self
// rather than only ever reaching the CPU fallback.
func setupSelfTargetEngine(t *testing.T, caps fabric.Capabilities) (*Engine, *tct.Table, []byte) {
	t.Helper()
	world := fabric.NewWorld()
	p0 := fabric.NewLoopbackProvider(world, 0, caps)

	heap := make([]byte, 64)
	local, err := p0.RegisterHeap(heap, fabric.MRBasic)
	if err != nil {
		t.Fatalf("RegisterHeap: %v", err)
	}

	mrt := mr.NewTable(0, 2, fabric.MRBasic)
	selfRemote := fabric.RemoteMR{Key: uint64(local.Desc), Offset: 0}
	mrt.SetLocal(0, uint64(len(heap)), local, selfRemote)

	table, err := tct.New(p0, 2, 0, 128)
	if err != nil {
		t.Fatalf("tct.New: %v", err)
	}

	selfEp, err := p0.OpenEndpoint()
	if err != nil {
		t.Fatalf("OpenEndpoint: %v", err)
	}
	selfAddr, err := p0.AddressVector().Insert(selfEp.LocalAddr())
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	peerAddrFn := func(peer int) fabric.Addr { return selfAddr }

	mcmEng := mcm.New(mcm.DeliveryComplete, peerAddrFn, []fabric.RemoteMR{{}, {}})
	validity := NewValidityCache()
	eng := New(p0, mrt, mcmEng, table, peerAddrFn, nil, 0, heap, 0, validity)
	return eng, table, heap
}

// TestDoAMOSelfTargetWithMultiNodeJobUsesNativeLoopback guards against the
// bug where peer == e.self was treated as the §4.4 step-1 "N==1"
// degenerate case for any job size: in a job of N > 1, a self-targeted AMO
// must still retire any delayed done-flag and, since mr.Table replicates a
// real remote key for e.self, take the native provider AMO path rather than
// jumping straight to the CPU fallback.
func TestDoAMOSelfTargetWithMultiNodeJobUsesNativeLoopback(t *testing.T) {
	eng, table, heap := setupSelfTargetEngine(t, fabric.DefaultLoopbackCapabilities())

	binary.LittleEndian.PutUint32(heap[0:4], 10)

	var retired bool
	eng.RetireDelayedAM = func(sched tasking.Scheduler) error {
		retired = true
		return nil
	}

	sched := tasking.NewFakeScheduler(true, 0)
	cache := tct.NewCache()
	var bitmap *mcm.Bitmap

	operand := make([]byte, 4)
	binary.LittleEndian.PutUint32(operand, 3)
	result := make([]byte, 4)

	if err := eng.DoAMO(cache, sched, &bitmap, 2, 0, 0, 4, fabric.Uint32, fabric.OpSum, operand, nil, result); err != nil {
		t.Fatalf("DoAMO: %v", err)
	}

	if !retired {
		t.Error("expected RetireDelayedAM to run for a self-targeted AMO when nPeers > 1")
	}
	if got := binary.LittleEndian.Uint32(result); got != 10 {
		t.Errorf("fetched pre-op value = %d, want 10", got)
	}
	if got := binary.LittleEndian.Uint32(heap[0:4]); got != 13 {
		t.Errorf("heap after sum = %d, want 13", got)
	}

	var issued int64
	for i := 0; i < table.Len(); i++ {
		issued += table.Entry(i).Issued()
	}
	if issued == 0 {
		t.Error("expected the native provider AMO path to issue through a transmit context, issued=0")
	}
}

// TestDoAMOSelfTargetFallsBackToCPUWhenNotNative checks the other half of
// the fix: when the (type, op) isn't natively valid, a self-targeted
// mutating AMO in a job of N > 1 still forces visibility of this task's
// pending PUTs to every peer before touching memory, exactly as the
// AM-proxy branch does for any other peer.
func TestDoAMOSelfTargetFallsBackToCPUWhenNotNative(t *testing.T) {
	caps := fabric.DefaultLoopbackCapabilities()
	caps.AtomicsSupported = false // forces validity.Valid(...) to report false
	eng, _, heap := setupSelfTargetEngine(t, caps)

	binary.LittleEndian.PutUint32(heap[0:4], 10)

	sched := tasking.NewFakeScheduler(true, 0)
	cache := tct.NewCache()
	bitmap := mcm.NewBitmap(2)
	bitmap.Set(1)
	bitmapPtr := bitmap

	operand := make([]byte, 4)
	binary.LittleEndian.PutUint32(operand, 3)
	result := make([]byte, 4)

	if err := eng.DoAMO(cache, sched, &bitmapPtr, 2, 0, 0, 4, fabric.Uint32, fabric.OpSum, operand, nil, result); err != nil {
		t.Fatalf("DoAMO: %v", err)
	}

	if got := binary.LittleEndian.Uint32(heap[0:4]); got != 13 {
		t.Errorf("heap after sum = %d, want 13", got)
	}
	if bitmapPtr.IsSet(1) {
		t.Error("expected the mutating AMO's CPU fallback to force-clear the pending PUT bit before writing")
	}
}
