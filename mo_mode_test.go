package pgaofi

import (
	"context"
	"sync"
	"testing"

	"github.com/pgaofi/pgaofi/internal/fabric"
)

// messageOrderCapabilities mirrors DefaultLoopbackCapabilities but with
// DeliveryComplete off, so the MCM engine takes its message-order path
// (dummy-GET ordering, put-bitmap bookkeeping) instead of the
// delivery-complete path every other integration test in this package
// exercises via DefaultLoopbackCapabilities.
func messageOrderCapabilities() fabric.Capabilities {
	caps := DefaultLoopbackCapabilities()
	caps.DeliveryComplete = false
	return caps
}

// bringUpFixtureWithCaps is bringUpFixture parameterized on Capabilities,
// for tests that need the message-order (rather than delivery-complete)
// path.
func bringUpFixtureWithCaps(t *testing.T, n int, heapSize uint64, caps fabric.Capabilities) *jobFixture {
	t.Helper()

	world := NewLoopbackWorld()
	boots := NewLoopbackGroup(n)

	j := &jobFixture{subs: make([]*Substrate, n), tasks: make([]*FakeTask, n)}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error
	ctx := context.Background()

	for r := 0; r < n; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()

			provider := NewLoopbackProvider(world, r, caps)
			task := NewFakeTask(true, 1)

			opts := DefaultOptions()
			opts.Provider = provider
			opts.Bootstrap = boots[r]
			opts.Scheduler = task
			opts.HeapSize = heapSize

			sub, err := Init(ctx, opts)
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return
			}
			if err := sub.PostMemInit(ctx); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return
			}
			if err := sub.TaskCreateHook(task); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return
			}
			if err := sub.PostTaskInit(task); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return
			}

			j.subs[r] = sub
			j.tasks[r] = task
		}(r)
	}
	wg.Wait()
	if firstErr != nil {
		t.Fatalf("bring-up failed: %v", firstErr)
	}
	return j
}

// TestMessageOrderModeBufferedPutsThenGet covers the Testable Property
// "bound TX context, message-order mode, 1,000 buffered PUTs then a GET of
// the last value": every PutUnordered call lands through the injected-write
// path (tcx.Bound() && size <= InjectSize), recording this task's
// outstanding-PUT bit for the peer rather than waiting for completion, and
// the closing GET must still observe the last value written.
func TestMessageOrderModeBufferedPutsThenGet(t *testing.T) {
	j := bringUpFixtureWithCaps(t, 2, 64<<10, messageOrderCapabilities())
	defer j.shutdown(t)

	base0, _ := j.subs[0].Heap()
	base1, _ := j.subs[1].Heap()

	var last int32
	for i := 0; i < 1000; i++ {
		last = int32(i)
		copy(j.subs[0].LocalBytes(base0, 4), put32(uint32(last)))
		if err := j.subs[0].PutUnordered(j.tasks[0], 1, base0, 4, base1); err != nil {
			t.Fatalf("PutUnordered #%d: %v", i, err)
		}
	}
	if err := j.subs[0].UnorderedTaskFence(j.tasks[0]); err != nil {
		t.Fatalf("UnorderedTaskFence: %v", err)
	}

	dst := base0 + 4
	if err := j.subs[0].Get(j.tasks[0], 1, dst, 4, base1); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v := int32(get32(j.subs[0].LocalBytes(dst, 4))); v != last {
		t.Fatalf("Get after 1000 buffered PUTs = %d, want %d", v, last)
	}
}

// TestMessageOrderModeMutatingAMOAfterPut exercises Engine.ofiAMO's bitmap
// gate directly: the first mutating AMO this task ever issues sees a nil
// bitmap (nothing outstanding) and must be a no-op wait, not a forced
// visibility pass against every peer; a later mutating AMO after a PUT must
// correctly wait on the now-nonempty bitmap. Both must leave the AMO's
// numeric result correct regardless of which branch ran.
func TestMessageOrderModeMutatingAMOAfterPut(t *testing.T) {
	j := bringUpFixtureWithCaps(t, 2, 64<<10, messageOrderCapabilities())
	defer j.shutdown(t)

	base0, _ := j.subs[0].Heap()
	base1, _ := j.subs[1].Heap()
	target := base1 + 32

	copy(j.subs[1].LocalBytes(target, 4), put32(0))

	// First mutating AMO issued by this task: bitmap is nil, must not
	// force visibility against every peer to proceed.
	if err := j.subs[0].AddInt32(j.tasks[0], 1, target, 5); err != nil {
		t.Fatalf("AddInt32 (nil bitmap): %v", err)
	}

	// A PUT through this task's shared bitmap (not the batch-private one
	// rdma.Batch keeps) now leaves it non-nil for peer 1 — the injected
	// write path (message-order mode, bound tcx, size <= InjectSize)
	// records the bit without waiting for completion. Put overwrites
	// target with the raw payload (7), it does not add to it.
	copy(j.subs[0].LocalBytes(base0, 4), put32(uint32(7)))
	if err := j.subs[0].Put(j.tasks[0], 1, base0, 4, target); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// This mutating AMO must wait for the PUT above to become visible
	// before it executes, per the "before a network AMO (non-read): all
	// nodes" rule.
	if err := j.subs[0].AddInt32(j.tasks[0], 1, target, 1); err != nil {
		t.Fatalf("AddInt32 (non-nil bitmap): %v", err)
	}

	dst := base0 + 4
	if err := j.subs[0].Get(j.tasks[0], 1, dst, 4, target); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v := int32(get32(j.subs[0].LocalBytes(dst, 4))); v != 8 {
		t.Fatalf("final value = %d, want 8 (overwritten to 7 by Put, then +1)", v)
	}
}

// TestMessageOrderModeAMOBatchFlushAfterPut exercises amo.Batch.Flush's
// bitmap gate (the batched amo_nf_V path), the direct analog of
// TestMessageOrderModeMutatingAMOAfterPut for buffered non-fetching AMOs:
// flushing a batch with nothing outstanding must be a no-op wait, and
// flushing one after a PUT must wait on the task's bitmap before issuing.
func TestMessageOrderModeAMOBatchFlushAfterPut(t *testing.T) {
	j := bringUpFixtureWithCaps(t, 2, 64<<10, messageOrderCapabilities())
	defer j.shutdown(t)

	base0, _ := j.subs[0].Heap()
	base1, _ := j.subs[1].Heap()
	target := base1 + 48

	copy(j.subs[1].LocalBytes(target, 4), put32(0))

	// Batch of non-fetching AMOs flushed with nothing outstanding yet.
	if err := j.subs[0].AddInt32Unordered(j.tasks[0], 1, target, 2); err != nil {
		t.Fatalf("AddInt32Unordered: %v", err)
	}
	if err := j.subs[0].AtomicUnorderedTaskFence(j.tasks[0]); err != nil {
		t.Fatalf("AtomicUnorderedTaskFence (nil bitmap): %v", err)
	}

	// Put overwrites target with the raw payload (3), it does not add to
	// it; it also leaves this task's shared bitmap non-nil for peer 1.
	copy(j.subs[0].LocalBytes(base0, 4), put32(uint32(3)))
	if err := j.subs[0].Put(j.tasks[0], 1, base0, 4, target); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if err := j.subs[0].AddInt32Unordered(j.tasks[0], 1, target, 10); err != nil {
		t.Fatalf("AddInt32Unordered: %v", err)
	}
	if err := j.subs[0].AtomicUnorderedTaskFence(j.tasks[0]); err != nil {
		t.Fatalf("AtomicUnorderedTaskFence (non-nil bitmap): %v", err)
	}

	dst := base0 + 4
	if err := j.subs[0].Get(j.tasks[0], 1, dst, 4, target); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v := int32(get32(j.subs[0].LocalBytes(dst, 4))); v != 13 {
		t.Fatalf("final value = %d, want 13 (overwritten to 3 by Put, then +10)", v)
	}
}
