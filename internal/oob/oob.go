// Package oob defines the out-of-band bootstrap contract (§6) and ships
// two concrete implementations good enough to make the rest of the module
// runnable and testable without a real PMI-like launcher: an in-process
// loopback for single-process multi-node tests, and TCPRing, a minimal
// TCP rendezvous through rank 0 for ranks in separate processes.
package oob

import "context"

// Bootstrap is the thin external collaborator the core consumes for
// bring-up and the barrier fallback: allgather, broadcast, and a barrier,
// plus init/fini bracketing.
type Bootstrap interface {
	Init(ctx context.Context) error
	Fini(ctx context.Context) error

	Rank() int
	Size() int

	// Allgather gathers one []byte per rank (all must submit same length)
	// and returns them ordered by rank.
	Allgather(ctx context.Context, local []byte) ([][]byte, error)

	// Bcast distributes root's payload to every rank; non-root callers
	// pass a nil/ignored payload and receive root's in the return value.
	Bcast(ctx context.Context, root int, payload []byte) ([]byte, error)

	Barrier(ctx context.Context) error
}
