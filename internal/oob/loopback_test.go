package oob

import (
	"context"
	"fmt"
	"sync"
	"testing"
)

func TestLoopbackAllgatherOrdersByRank(t *testing.T) {
	ranks := NewLoopbackGroup(4)
	var wg sync.WaitGroup
	results := make([][][]byte, 4)
	for i, r := range ranks {
		wg.Add(1)
		go func(i int, r *Loopback) {
			defer wg.Done()
			out, err := r.Allgather(context.Background(), []byte(fmt.Sprintf("rank%d", i)))
			if err != nil {
				t.Errorf("rank %d: Allgather: %v", i, err)
				return
			}
			results[i] = out
		}(i, r)
	}
	wg.Wait()

	for i := 0; i < 4; i++ {
		if results[0] == nil {
			t.Fatal("missing result")
		}
		want := fmt.Sprintf("rank%d", i)
		if string(results[0][i]) != want {
			t.Errorf("results[0][%d] = %q, want %q", i, results[0][i], want)
		}
	}
	for r := 1; r < 4; r++ {
		for i := 0; i < 4; i++ {
			if string(results[r][i]) != string(results[0][i]) {
				t.Errorf("rank %d saw different gather result than rank 0 at index %d", r, i)
			}
		}
	}
}

func TestLoopbackBcastDistributesRootPayload(t *testing.T) {
	ranks := NewLoopbackGroup(3)
	var wg sync.WaitGroup
	got := make([][]byte, 3)
	for i, r := range ranks {
		wg.Add(1)
		go func(i int, r *Loopback) {
			defer wg.Done()
			payload := []byte(nil)
			if i == 0 {
				payload = []byte("config")
			}
			out, err := r.Bcast(context.Background(), 0, payload)
			if err != nil {
				t.Errorf("rank %d: Bcast: %v", i, err)
				return
			}
			got[i] = out
		}(i, r)
	}
	wg.Wait()
	for i := 0; i < 3; i++ {
		if string(got[i]) != "config" {
			t.Errorf("rank %d got %q, want config", i, got[i])
		}
	}
}

func TestLoopbackBarrierReleasesAllRanks(t *testing.T) {
	ranks := NewLoopbackGroup(5)
	var wg sync.WaitGroup
	errs := make(chan error, len(ranks))
	for _, r := range ranks {
		wg.Add(1)
		go func(r *Loopback) {
			defer wg.Done()
			errs <- r.Barrier(context.Background())
		}(r)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("Barrier: %v", err)
		}
	}
}
