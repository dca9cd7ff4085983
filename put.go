package pgaofi

import (
	"github.com/pgaofi/pgaofi/internal/metrics"
	"github.com/pgaofi/pgaofi/internal/tasking"
)

// Put implements put (§6): a blocking one-sided RDMA write of size bytes
// from this node's own address src to peer's heap address dst.
func (s *Substrate) Put(sched tasking.Scheduler, peer int, src uintptr, size int, dst uintptr) error {
	ts, err := s.taskState(sched)
	if err != nil {
		return err
	}
	s.metrics.Issue(metrics.OpPut, peer)
	err = s.rdmaEng.Put(ts.putCache, sched, &ts.bitmap, s.n, peer, src, size, dst, true)
	s.metrics.Complete(metrics.OpPut, peer, err)
	return err
}

// PutNB implements put_nb: identical to Put except the AM-proxy fallback
// path (used only when dst isn't natively RMA-addressable at peer) doesn't
// wait for the remote done-flag before returning — the native RDMA path
// below always waits for its own local completion either way, since the
// source buffer must be reusable the moment this call returns.
func (s *Substrate) PutNB(sched tasking.Scheduler, peer int, src uintptr, size int, dst uintptr) error {
	ts, err := s.taskState(sched)
	if err != nil {
		return err
	}
	s.metrics.Issue(metrics.OpPut, peer)
	err = s.rdmaEng.Put(ts.putCache, sched, &ts.bitmap, s.n, peer, src, size, dst, false)
	s.metrics.Complete(metrics.OpPut, peer, err)
	return err
}

// Get implements get (§6): a blocking one-sided RDMA read of size bytes
// from peer's heap address src into this node's own address dst.
func (s *Substrate) Get(sched tasking.Scheduler, peer int, dst uintptr, size int, src uintptr) error {
	ts, err := s.taskState(sched)
	if err != nil {
		return err
	}
	s.metrics.Issue(metrics.OpGet, peer)
	err = s.rdmaEng.Get(ts.getCache, sched, ts.bitmap, peer, dst, size, src)
	s.metrics.Complete(metrics.OpGet, peer, err)
	return err
}

// GetNB implements get_nb. There is no asynchronous GET path underneath —
// the result is only meaningful once the bytes have landed, so GetNB is
// Get under a different name, matching the original's own note that a GET
// is inherently a blocking operation from the issuer's perspective.
func (s *Substrate) GetNB(sched tasking.Scheduler, peer int, dst uintptr, size int, src uintptr) error {
	return s.Get(sched, peer, dst, size, src)
}

// PutStrided implements put_strided (§6): count elements of elemSize bytes,
// written from src+i*srcStride to peer's dst+i*dstStride for i in
// [0,count), queued through this task's buffered-PUT batch and then
// flushed. The flush issues each element as its own PUT and waits for each
// one's completion; the elements are not chained into one transaction.
func (s *Substrate) PutStrided(sched tasking.Scheduler, peer int, src uintptr, srcStride int, dst uintptr, dstStride int, elemSize, count int) error {
	ts, err := s.taskState(sched)
	if err != nil {
		return err
	}
	s.metrics.Issue(metrics.OpPut, peer)
	for i := 0; i < count; i++ {
		srcI := src + uintptr(i*srcStride)
		dstI := dst + uintptr(i*dstStride)
		if aerr := ts.putBatch.AddPut(ts.putCache, sched, s.n, peer, srcI, elemSize, dstI); aerr != nil {
			s.metrics.Complete(metrics.OpPut, peer, aerr)
			return aerr
		}
	}
	err = ts.putBatch.Flush(ts.putCache, sched, s.n)
	s.metrics.Complete(metrics.OpPut, peer, err)
	return err
}

// GetStrided implements get_strided, the GET-side analog of PutStrided.
func (s *Substrate) GetStrided(sched tasking.Scheduler, peer int, dst uintptr, dstStride int, src uintptr, srcStride int, elemSize, count int) error {
	ts, err := s.taskState(sched)
	if err != nil {
		return err
	}
	s.metrics.Issue(metrics.OpGet, peer)
	for i := 0; i < count; i++ {
		dstI := dst + uintptr(i*dstStride)
		srcI := src + uintptr(i*srcStride)
		if aerr := ts.getBatch.AddGet(ts.getCache, sched, peer, dstI, elemSize, srcI); aerr != nil {
			s.metrics.Complete(metrics.OpGet, peer, aerr)
			return aerr
		}
	}
	err = ts.getBatch.Flush(ts.getCache, sched, s.n)
	s.metrics.Complete(metrics.OpGet, peer, err)
	return err
}

// PutUnordered implements put_unordered (§4.3's put_V): queues one PUT into
// this task's buffered batch without issuing it. Queued PUTs carry no
// relative ordering guarantee among themselves or against other unordered
// PUTs/GETs until UnorderedTaskFence (or GetPutUnorderedTaskFence) drains
// the batch.
func (s *Substrate) PutUnordered(sched tasking.Scheduler, peer int, src uintptr, size int, dst uintptr) error {
	ts, err := s.taskState(sched)
	if err != nil {
		return err
	}
	return ts.putBatch.AddPut(ts.putCache, sched, s.n, peer, src, size, dst)
}

// GetUnordered implements get_unordered, the GET-side analog of
// PutUnordered.
func (s *Substrate) GetUnordered(sched tasking.Scheduler, peer int, dst uintptr, size int, src uintptr) error {
	ts, err := s.taskState(sched)
	if err != nil {
		return err
	}
	return ts.getBatch.AddGet(ts.getCache, sched, peer, dst, size, src)
}

// UnorderedTaskFence implements unordered_task_fence: drains this task's
// buffered PUT batch, issuing every queued write as its own PUT and waiting
// for each one's completion.
func (s *Substrate) UnorderedTaskFence(sched tasking.Scheduler) error {
	ts, err := s.taskState(sched)
	if err != nil {
		return err
	}
	return ts.putBatch.Flush(ts.putCache, sched, s.n)
}

// GetPutUnorderedTaskFence implements getput_unordered_task_fence: drains
// both this task's buffered PUT and GET batches.
func (s *Substrate) GetPutUnorderedTaskFence(sched tasking.Scheduler) error {
	ts, err := s.taskState(sched)
	if err != nil {
		return err
	}
	if err := ts.putBatch.Flush(ts.putCache, sched, s.n); err != nil {
		return err
	}
	return ts.getBatch.Flush(ts.getCache, sched, s.n)
}

// AddrGettable implements addr_gettable (§6): always false. This substrate
// resolves network-reachability internally (the mr.Table lookup inside
// Put/Get) rather than exposing it as a separate, racy query primitive.
func (s *Substrate) AddrGettable(peer int, addr uintptr, size int) bool { return false }
