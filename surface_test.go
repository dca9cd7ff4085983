package pgaofi

import (
	"context"
	"testing"
)

func TestGetStridedGathersElements(t *testing.T) {
	j := bringUpFixture(t, 2, 64<<10)
	defer j.shutdown(t)

	base0, _ := j.subs[0].Heap()
	base1, _ := j.subs[1].Heap()

	const count, elemSize, stride = 3, 4, 16
	for i := 0; i < count; i++ {
		copy(j.subs[1].LocalBytes(base1+uintptr(i*stride), elemSize), []byte{byte(10 + i), 0, 0, 0})
	}

	dst := base0 + uintptr(count*stride) // past the strided source region, still in-heap
	if err := j.subs[0].GetStrided(j.tasks[0], 1, dst, stride, base1, stride, elemSize, count); err != nil {
		t.Fatalf("GetStrided: %v", err)
	}
	for i := 0; i < count; i++ {
		got := j.subs[0].LocalBytes(dst+uintptr(i*stride), elemSize)
		if got[0] != byte(10+i) {
			t.Errorf("element %d: got %v, want first byte %d", i, got, 10+i)
		}
	}
}

func TestGetPutUnorderedTaskFenceDrainsBoth(t *testing.T) {
	j := bringUpFixture(t, 2, 64<<10)
	defer j.shutdown(t)

	base0, _ := j.subs[0].Heap()
	base1, _ := j.subs[1].Heap()

	payload := []byte("fence")
	copy(j.subs[0].LocalBytes(base0, len(payload)), payload)
	if err := j.subs[0].PutUnordered(j.tasks[0], 1, base0, len(payload), base1); err != nil {
		t.Fatalf("PutUnordered: %v", err)
	}

	dst := base0 + uintptr(len(payload))
	copy(j.subs[1].LocalBytes(base1+uintptr(len(payload)), len(payload)), []byte("other"))
	if err := j.subs[0].GetUnordered(j.tasks[0], 1, dst, len(payload), base1+uintptr(len(payload))); err != nil {
		t.Fatalf("GetUnordered: %v", err)
	}

	if err := j.subs[0].GetPutUnorderedTaskFence(j.tasks[0]); err != nil {
		t.Fatalf("GetPutUnorderedTaskFence: %v", err)
	}

	if got := string(j.subs[1].LocalBytes(base1, len(payload))); got != string(payload) {
		t.Errorf("peer put side: got %q, want %q", got, payload)
	}
	if got := string(j.subs[0].LocalBytes(dst, len(payload))); got != "other" {
		t.Errorf("local get side: got %q, want %q", got, "other")
	}
}

func TestAddInt32UnorderedBatchesThenFences(t *testing.T) {
	j := bringUpFixture(t, 2, 64<<10)
	defer j.shutdown(t)

	base1, _ := j.subs[1].Heap()
	addr := base1 + 256
	if err := j.subs[1].WriteInt32(j.tasks[1], 1, addr, 0); err != nil {
		t.Fatalf("WriteInt32: %v", err)
	}

	for i := 0; i < 5; i++ {
		if err := j.subs[0].AddInt32Unordered(j.tasks[0], 1, addr, 1); err != nil {
			t.Fatalf("AddInt32Unordered: %v", err)
		}
	}
	if err := j.subs[0].AtomicUnorderedTaskFence(j.tasks[0]); err != nil {
		t.Fatalf("AtomicUnorderedTaskFence: %v", err)
	}

	got, err := j.subs[1].ReadInt32(j.tasks[1], 1, addr)
	if err != nil {
		t.Fatalf("ReadInt32: %v", err)
	}
	if got != 5 {
		t.Fatalf("counter = %d, want 5", got)
	}
}

func TestExecuteOnNBAndFastAlsoRun(t *testing.T) {
	j := bringUpFixture(t, 2, 64<<10)
	defer j.shutdown(t)

	done := make(chan string, 2)
	j.subs[1].RegisterFunc(7, func(args []byte) { done <- "nb:" + string(args) })
	j.subs[1].RegisterFunc(8, func(args []byte) { done <- "fast:" + string(args) })

	if err := j.subs[0].ExecuteOnNB(1, 7, []byte("a")); err != nil {
		t.Fatalf("ExecuteOnNB: %v", err)
	}
	if err := j.subs[0].ExecuteOnFast(1, 8, []byte("b")); err != nil {
		t.Fatalf("ExecuteOnFast: %v", err)
	}

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		seen[<-done] = true
	}
	if !seen["nb:a"] || !seen["fast:b"] {
		t.Fatalf("expected both handler bodies to run, got %v", seen)
	}
}

func TestBroadcastPrivateDeliversRootPayload(t *testing.T) {
	j := bringUpFixture(t, 3, 4<<10)
	defer j.shutdown(t)

	results := make([][]byte, 3)
	errs := make([]error, 3)
	done := make(chan int, 3)
	for r := 0; r < 3; r++ {
		go func(r int) {
			var payload []byte
			if r == 0 {
				payload = []byte("config-blob")
			}
			out, err := j.subs[r].BroadcastPrivate(context.Background(), 0, payload)
			results[r], errs[r] = out, err
			done <- r
		}(r)
	}
	for i := 0; i < 3; i++ {
		<-done
	}
	for r := 0; r < 3; r++ {
		if errs[r] != nil {
			t.Fatalf("rank %d: BroadcastPrivate: %v", r, errs[r])
		}
		if string(results[r]) != "config-blob" {
			t.Errorf("rank %d observed %q, want %q", r, results[r], "config-blob")
		}
	}
}

func TestBroadcastGlobalVarsHelperOverwritesEveryPeer(t *testing.T) {
	j := bringUpFixture(t, 3, 4<<10)
	defer j.shutdown(t)

	base0, _ := j.subs[0].Heap()
	copy(j.subs[0].LocalBytes(base0, 8), []byte("rootval!"))
	for r := 1; r < 3; r++ {
		baseR, _ := j.subs[r].Heap()
		copy(j.subs[r].LocalBytes(baseR, 8), []byte("stalevalue"[:8]))
	}

	errs := make([]error, 3)
	done := make(chan int, 3)
	for r := 0; r < 3; r++ {
		go func(r int) {
			baseR, _ := j.subs[r].Heap()
			errs[r] = j.subs[r].BroadcastGlobalVarsHelper(context.Background(), baseR, 8)
			done <- r
		}(r)
	}
	for i := 0; i < 3; i++ {
		<-done
	}
	for r := 0; r < 3; r++ {
		if errs[r] != nil {
			t.Fatalf("rank %d: BroadcastGlobalVarsHelper: %v", r, errs[r])
		}
		baseR, _ := j.subs[r].Heap()
		if got := string(j.subs[r].LocalBytes(baseR, 8)); got != "rootval!" {
			t.Errorf("rank %d: got %q, want %q", r, got, "rootval!")
		}
	}
}

func TestMetricsCollectorReportsAfterOps(t *testing.T) {
	j := bringUpFixture(t, 2, 4<<10)
	defer j.shutdown(t)

	base0, _ := j.subs[0].Heap()
	base1, _ := j.subs[1].Heap()
	if err := j.subs[0].Put(j.tasks[0], 1, base0, 4, base1); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if j.subs[0].Metrics() == nil {
		t.Fatal("expected a non-nil Metrics collector")
	}
}
