package tasking

import (
	"context"
	"runtime"
	"sync"
)

// FakeScheduler is a minimal Scheduler good enough to drive the substrate
// in tests without a real cooperative task layer: Yield is runtime.Gosched,
// StartMoved launches a goroutine, and private slots are a goroutine-local
// approximation keyed by an explicit handle rather than true TLS (Go has
// none) — callers obtain one handle per simulated task via NewFakeTask and
// thread it through explicitly, which is also how the real tasking layer's
// "task-private slot" is reached: through whatever identifies the calling
// task to it.
type FakeScheduler struct {
	fixed bool
	maxP  int

	wg sync.WaitGroup
}

// NewFakeScheduler returns a Scheduler suitable for package tests.
func NewFakeScheduler(fixed bool, maxParallelism int) *FakeScheduler {
	if maxParallelism <= 0 {
		maxParallelism = runtime.NumCPU()
	}
	return &FakeScheduler{fixed: fixed, maxP: maxParallelism}
}

func (f *FakeScheduler) Yield()              { runtime.Gosched() }
func (f *FakeScheduler) IsFixedThread() bool { return f.fixed }
func (f *FakeScheduler) MaxParallelism() int { return f.maxP }

func (f *FakeScheduler) StartMoved(ctx context.Context, fn func(context.Context)) {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		fn(ctx)
	}()
}

// Wait blocks until every task started via StartMoved has returned. Tests
// call this to avoid racing on assertions made right after an AM send.
func (f *FakeScheduler) Wait() { f.wg.Wait() }

// Private is a simplification: in the real tasking layer this resolves the
// calling task's own slot; FakeTask below carries one explicitly since Go
// has no task-identity primitive to hang TLS off of.
func (f *FakeScheduler) Private() *TaskPrivate { return &TaskPrivate{} }

// FakeTask bundles a Scheduler with one task-private slot, modeling "the
// current task" for single-task test scenarios.
type FakeTask struct {
	*FakeScheduler
	slot TaskPrivate
}

// NewFakeTask returns a FakeTask whose Private() always returns the same
// slot, as a real per-task handle would.
func NewFakeTask(fixed bool, maxParallelism int) *FakeTask {
	return &FakeTask{FakeScheduler: NewFakeScheduler(fixed, maxParallelism)}
}

func (t *FakeTask) Private() *TaskPrivate { return &t.slot }

var _ Scheduler = (*FakeTask)(nil)
