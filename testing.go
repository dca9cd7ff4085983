package pgaofi

import (
	"github.com/pgaofi/pgaofi/internal/fabric"
	"github.com/pgaofi/pgaofi/internal/oob"
	"github.com/pgaofi/pgaofi/internal/tasking"
)

// The types and constructors below re-export the in-process test doubles
// internal/fabric, internal/oob, and internal/tasking provide, so a caller
// embedding this package in its own tests never needs to import our
// internal packages directly (which the Go toolchain forbids across module
// boundaries anyway).

// LoopbackWorld is the shared, in-process fabric every LoopbackProvider in
// a test job must be constructed against.
type LoopbackWorld = fabric.World

// NewLoopbackWorld returns a fresh in-process fabric world.
func NewLoopbackWorld() *LoopbackWorld { return fabric.NewWorld() }

// LoopbackProvider is a fabric.Provider backed entirely by Go slices and
// channels — no real network, no real RDMA — for unit tests and the
// single-process example.
type LoopbackProvider = fabric.LoopbackProvider

// NewLoopbackProvider constructs node's view of world. Every node sharing
// a world must be constructed with the same Capabilities.
func NewLoopbackProvider(world *LoopbackWorld, node int, caps fabric.Capabilities) *LoopbackProvider {
	return fabric.NewLoopbackProvider(world, node, caps)
}

// DefaultLoopbackCapabilities returns a representative Capabilities value
// for LoopbackProvider: delivery-complete, message-ordered, atomics
// supported, a generous inject size.
func DefaultLoopbackCapabilities() fabric.Capabilities {
	return fabric.DefaultLoopbackCapabilities()
}

// LoopbackBootstrap is an oob.Bootstrap implemented with in-process
// condition-variable rendezvous, for tests that never leave one process.
type LoopbackBootstrap = oob.Loopback

// NewLoopbackGroup returns n LoopbackBootstrap instances, one per rank,
// sharing one rendezvous hub.
func NewLoopbackGroup(n int) []*LoopbackBootstrap { return oob.NewLoopbackGroup(n) }

// FakeScheduler is a tasking.Scheduler test double: Yield is
// runtime.Gosched, StartMoved runs its function on a new goroutine tracked
// by Wait, and Private returns a fresh slot on every call (FakeTask keeps
// one fixed slot).
type FakeScheduler = tasking.FakeScheduler

// NewFakeScheduler returns a FakeScheduler. fixed reports IsFixedThread;
// maxParallelism is what MaxParallelism reports.
func NewFakeScheduler(fixed bool, maxParallelism int) *FakeScheduler {
	return tasking.NewFakeScheduler(fixed, maxParallelism)
}

// FakeTask is a FakeScheduler with its own private task-local slot — use
// one per simulated task when a test drives more than one concurrently.
type FakeTask = tasking.FakeTask

// NewFakeTask returns a FakeTask.
func NewFakeTask(fixed bool, maxParallelism int) *FakeTask {
	return tasking.NewFakeTask(fixed, maxParallelism)
}
