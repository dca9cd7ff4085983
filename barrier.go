package pgaofi

import (
	"context"

	"github.com/pgaofi/pgaofi/internal/tasking"
)

// Barrier implements barrier(tag) (§4.8, §6): a full split-phase barrier
// across every node, via the tree of PUTs internal/barrier builds, falling
// back to the out-of-band bootstrap's barrier if the AM handler isn't up
// yet. tag exists for call-site parity with the public surface; this
// implementation has no notion of distinct barrier generations since each
// call fully drains before returning.
func (s *Substrate) Barrier(sched tasking.Scheduler, tag int) error {
	ts, err := s.taskState(sched)
	if err != nil {
		return err
	}
	return s.barEng.Barrier(ts.putCache, sched, &ts.bitmap, s.n)
}

// BroadcastPrivate implements broadcast_private(id, size) (§6): every
// node's copy of local converges to root's value, via the out-of-band
// bootstrap rather than the RDMA fabric, since this call has no assumption
// that root's value already lives at a network-addressable, symmetric
// heap offset.
func (s *Substrate) BroadcastPrivate(ctx context.Context, root int, local []byte) ([]byte, error) {
	return s.boot.Bcast(ctx, root, local)
}

// BroadcastGlobalVarsHelper implements broadcast_global_vars_helper (§6):
// node 0's copy of a symmetric global-variable region at addr/size (valid
// on every node by the SPMD convention every node's heap layout shares) is
// authoritative; every other node overwrites its own copy with node 0's
// bytes.
func (s *Substrate) BroadcastGlobalVarsHelper(ctx context.Context, addr uintptr, size int) error {
	local := s.rdmaEng.SelfSlice(addr, size)
	data, err := s.boot.Bcast(ctx, 0, local)
	if err != nil {
		return err
	}
	if s.self != 0 {
		copy(local, data)
	}
	return nil
}
