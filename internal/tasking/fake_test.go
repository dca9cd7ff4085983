package tasking

import (
	"context"
	"testing"
)

func TestFakeTaskPrivateSlotIsStable(t *testing.T) {
	task := NewFakeTask(true, 4)
	task.Private().Data = "first"
	if task.Private().Data != "first" {
		t.Fatal("expected the same private slot across calls")
	}
}

func TestFakeSchedulerStartMovedRuns(t *testing.T) {
	sched := NewFakeScheduler(false, 0)
	ran := make(chan struct{})
	sched.StartMoved(context.Background(), func(ctx context.Context) {
		close(ran)
	})
	sched.Wait()
	select {
	case <-ran:
	default:
		t.Fatal("expected StartMoved's fn to have run")
	}
}

func TestFakeSchedulerIsFixedThread(t *testing.T) {
	if NewFakeScheduler(true, 1).IsFixedThread() != true {
		t.Error("expected fixed=true")
	}
	if NewFakeScheduler(false, 1).IsFixedThread() != false {
		t.Error("expected fixed=false")
	}
}

func TestFakeSchedulerMaxParallelismDefaultsPositive(t *testing.T) {
	if NewFakeScheduler(false, 0).MaxParallelism() <= 0 {
		t.Error("expected a positive default MaxParallelism")
	}
}
