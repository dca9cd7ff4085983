// Package progress holds the one polling idiom that recurs across the
// RDMA, AMO, and MCM engines: issue an operation, then yield-and-poll a
// transmit context's completion queue until the matching tag shows up.
// Centralizing it is what keeps "spin-with-yield as the only blocking
// primitive" (the re-architecture's explicit constraint) from being
// reimplemented three slightly-different ways.
package progress

import (
	"fmt"

	"github.com/pgaofi/pgaofi/internal/fabric"
	"github.com/pgaofi/pgaofi/internal/tasking"
)

// ErrCQTruncated is returned when the endpoint's error queue reports a
// truncation event (a fatal category in §7). Wait returns it to its caller
// without retrying; no caller passes it to xerrors.Fatal.
var ErrCQTruncated = fmt.Errorf("progress: cq truncation (ETRUNC)")

// Wait blocks (spin + yield) until a completion tagged ctxTag is observed
// on ep, or an error completion is drained first.
func Wait(ep fabric.Endpoint, ctxTag uint64, sched tasking.Scheduler) error {
	for {
		if comp, ok, err := ep.CQReadErr(); ok {
			if err != nil {
				return err
			}
			if comp.Truncated {
				return ErrCQTruncated
			}
			return fmt.Errorf("progress: cq error completion (context=%d)", comp.Context)
		}
		comps, err := ep.CQRead(64)
		if err != nil {
			return err
		}
		for _, c := range comps {
			if c.Context == ctxTag {
				return nil
			}
		}
		sched.Yield()
	}
}

// Drain reserves CQ capacity before a batched issue of `pending` more
// operations on tcxCapacity-bounded ep: it drains completions (without
// regard to tag) until inFlight()+pending <= capacity, yielding between
// attempts. This is the CQ back-pressure rule in §5.
func Drain(ep fabric.Endpoint, inFlight func() int64, onComplete func(n int), capacity, pending int, sched tasking.Scheduler) error {
	for int(inFlight())+pending > capacity {
		comps, err := ep.CQRead(64)
		if err != nil {
			return err
		}
		if len(comps) > 0 {
			onComplete(len(comps))
			continue
		}
		sched.Yield()
	}
	return nil
}
