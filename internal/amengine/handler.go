package amengine

import (
	"context"
	"runtime"

	"golang.org/x/sys/unix"

	"github.com/pgaofi/pgaofi/internal/fabric"
	"github.com/pgaofi/pgaofi/internal/wire"
)

// handlerLoop is the single goroutine that owns the handler's bound Tcx and
// both landing-zone buffers (§4.7): it re-posts a buffer as soon as the
// fabric reports it drained, and dispatches every delivered request.
func (e *Engine) handlerLoop() {
	defer e.wg.Done()
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if e.handlerCPU >= 0 {
		var mask unix.CPUSet
		mask.Set(e.handlerCPU)
		// Best-effort, same as the teacher's ioLoop: a failed affinity
		// pin doesn't stop the handler from running, just from being
		// pinned.
		_ = unix.SchedSetaffinity(0, &mask)
	}

	for {
		select {
		case <-e.stopCh:
			return
		case ev := <-e.amEP.BufferEvents():
			_ = e.amEP.PostMultiRecv(ev.Index, landingZoneCapacity)
		case del := <-e.amEP.Deliveries():
			e.dispatch(del.Payload)
		}
	}
}

func (e *Engine) dispatch(payload []byte) {
	op, err := wire.PeekOp(payload)
	if err != nil {
		return
	}
	switch op {
	case wire.OpExecOn:
		e.handleExecOn(payload)
	case wire.OpExecOnLrg:
		e.handleExecOnLrg(payload)
	case wire.OpGet:
		e.handleGet(payload)
	case wire.OpPut:
		e.handlePut(payload)
	case wire.OpAMO:
		e.handleAMO(payload)
	case wire.OpFree:
		// Staging slots are round-robin reused, not explicitly released
		// (see lrgPool's doc comment); nothing to do.
	case wire.OpNop:
		// Liveness/ordering no-op: arrival alone is the signal.
	case wire.OpShutdown:
		e.exitFlag.Store(true)
	}
}

// signalDone completes the done-flag protocol (§4.7): if pdone is nonzero,
// PUT a single 1 byte into the initiator's memory at that address using
// the handler's own bound Tcx.
func (e *Engine) signalDone(initiator uint32, pdone uint64) {
	if pdone == 0 {
		return
	}
	peer := int(initiator)
	remote, ok := e.mrt.RemoteKey(peer, uintptr(pdone), 1)
	if !ok {
		return
	}
	_ = e.rdmaEng.PutDirect(e.handlerCache(), e.sched, peer, e.oneByteAddr(), 1, remote)
}

// oneByteAddr returns the address of a handler-owned byte set to 1, taking
// the next round-robin result slot as its backing store and writing the 1
// on every call — every done-flag PUT carries the identical single-byte
// payload.
func (e *Engine) oneByteAddr() uintptr {
	addr, buf := e.allocResult()
	buf[0] = 1
	return addr
}

func (e *Engine) handleExecOn(payload []byte) {
	req, err := wire.UnmarshalExecOn(payload)
	if err != nil {
		return
	}
	fn, ok := e.registry.lookup(req.FuncID)
	run := func(ctx context.Context) {
		if ok {
			fn(req.Args)
		}
		e.signalDone(req.InitiatorNode, req.PDone)
	}
	if req.Fast {
		run(context.Background())
		return
	}
	e.sched.StartMoved(context.Background(), run)
}

// handleExecOnLrg GETs the oversized argument bundle from the initiator's
// registered heap into a staging slot, then runs the function the same way
// handleExecOn does.
func (e *Engine) handleExecOnLrg(payload []byte) {
	req, err := wire.UnmarshalExecOnLrg(payload)
	if err != nil {
		return
	}
	size := int(req.PayloadSize)
	dstAddr, dst, err := e.allocLrgSlot(size)
	if err != nil {
		e.signalDone(req.InitiatorNode, req.PDone)
		return
	}
	remote := fabric.RemoteMR{Key: req.PayloadKey, Offset: req.PayloadAddr}
	if err := e.rdmaEng.GetDirect(e.handlerCache(), e.sched, int(req.InitiatorNode), dstAddr, size, remote); err != nil {
		e.signalDone(req.InitiatorNode, req.PDone)
		return
	}

	fn, ok := e.registry.lookup(req.FuncID)
	args := append([]byte(nil), dst...)
	run := func(ctx context.Context) {
		if ok {
			fn(args)
		}
		e.signalDone(req.InitiatorNode, req.PDone)
	}
	e.sched.StartMoved(context.Background(), run)
}

// handleGet performs the RMA on the initiator's behalf: reads from the
// initiator's memory at (LocalAddr, LocalKey) and writes into this node's
// own heap at RemoteAddr (§4.7, RMARequest's op=Get convention).
func (e *Engine) handleGet(payload []byte) {
	req, err := wire.UnmarshalRMARequest(payload)
	if err != nil {
		return
	}
	remote := fabric.RemoteMR{Key: req.LocalKey, Offset: req.LocalAddr}
	_ = e.rdmaEng.GetDirect(e.handlerCache(), e.sched, int(req.InitiatorNode), uintptr(req.RemoteAddr), int(req.Size), remote)
	e.signalDone(req.InitiatorNode, req.PDone)
}

// handlePut performs the RMA on the initiator's behalf: reads from this
// node's own heap at RemoteAddr and writes into the initiator's memory at
// (LocalAddr, LocalKey) (§4.7, RMARequest's op=Put convention).
func (e *Engine) handlePut(payload []byte) {
	req, err := wire.UnmarshalRMARequest(payload)
	if err != nil {
		return
	}
	remote := fabric.RemoteMR{Key: req.LocalKey, Offset: req.LocalAddr}
	_ = e.rdmaEng.PutDirect(e.handlerCache(), e.sched, int(req.InitiatorNode), uintptr(req.RemoteAddr), int(req.Size), remote)
	e.signalDone(req.InitiatorNode, req.PDone)
}

// handleAMO applies the proxied atomic directly against this node's own
// heap via the same CPU path a local self-AMO would take (§4.4 step 3:
// "run the AMO in the handler thread") — by the time a request reaches
// here it's already known not to be natively network-addressable.
func (e *Engine) handleAMO(payload []byte) {
	req, err := wire.UnmarshalAMO(payload)
	if err != nil {
		return
	}
	size := int(req.Size)
	operand := unpackOperand(req.Operand1, size)
	compare := unpackOperand(req.Operand2, size)
	off := uint64(req.ObjAddr)

	var result []byte
	if req.WantsResult {
		result = make([]byte, size)
	}

	applyErr := e.amoEng.ApplyCPU(uintptr(off), size, fabric.AtomicType(req.AtomicType), fabric.AtomicOp(req.AtomicOp), operand, compare, result)

	if req.WantsResult && applyErr == nil {
		resAddr, resBuf := e.allocResult()
		copy(resBuf, result)
		remote := fabric.RemoteMR{Key: req.ResultKey, Offset: req.ResultAddr}
		_ = e.rdmaEng.PutDirect(e.handlerCache(), e.sched, int(req.InitiatorNode), resAddr, size, remote)
	}
	e.signalDone(req.InitiatorNode, req.PDone)
}
