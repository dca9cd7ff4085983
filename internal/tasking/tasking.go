// Package tasking defines the scheduler contract the substrate consumes.
// The real task/scheduler layer (fixed OS threads, cooperative task
// migration, task-private storage) is an external collaborator; this
// package only describes the shape the core needs and supplies a fake
// implementation for tests.
package tasking

import "context"

// TaskPrivate is the per-task scratch state the core attaches its own
// bookkeeping to (the put-bitmap, delayed-AM done-flag, batch buffers).
// The tasking layer owns the slot; the core only ever sees the `any` it
// stored there via Scheduler.Private.
type TaskPrivate struct {
	Data any
}

// Scheduler is the contract consumed from the external task layer (§6):
// task_yield, task_is_fixed_thread, task_start_moved, and per-task
// private-slot access.
type Scheduler interface {
	// Yield cooperatively yields the calling task. The core calls this
	// while spinning on a done-flag, a CAS retry, or an MCM wait — never
	// while holding an unbound transmit context.
	Yield()

	// IsFixedThread reports whether the calling task is permanently
	// bound to its current OS thread (so a Tcx claimed here may itself
	// be marked bound).
	IsFixedThread() bool

	// MaxParallelism is task_get_max_par: an upper bound used to size
	// the transmit-context table.
	MaxParallelism() int

	// StartMoved runs fn on a newly scheduled task, possibly on a
	// different OS thread; used by the AM handler to hand off ExecOn /
	// ExecOnLrg / Get / Put work instead of running it inline.
	StartMoved(ctx context.Context, fn func(context.Context))

	// Private returns this task's private slot, creating it on first use.
	Private() *TaskPrivate
}
