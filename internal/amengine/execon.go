package amengine

import (
	"github.com/pgaofi/pgaofi/internal/wire"
	"github.com/pgaofi/pgaofi/internal/xerrors"
)

// ExecuteOn implements executeOn (§4.7, blocking form): run funcID on peer
// with args, waiting for it to finish before returning. A zero-length args
// bundle is still sent (func ids with no arguments are common).
func (e *Engine) ExecuteOn(peer int, funcID uint64, args []byte) error {
	if peer == e.self {
		if fn, ok := e.registry.lookup(funcID); ok {
			fn(args)
		}
		return nil
	}
	if len(args) > wire.MaxInlinePayload {
		return e.executeOnLrg(peer, funcID, args, true)
	}
	if err := e.forceBitmapVisibleAll(); err != nil {
		return err
	}
	flag, pdone := e.allocFlag()
	req := &wire.ExecOnRequest{
		Header: wire.Header{InitiatorNode: uint32(e.self), PDone: pdone},
		FuncID: funcID, Args: args,
	}
	return e.sendRequest(peer, req.Marshal(), flag, true)
}

// ExecuteOnNB implements executeOn_nb: fires the request and stashes its
// done-flag for later retirement (§4.6's "Delayed blocking AM") instead of
// spinning here, letting the caller's task keep running until the next
// MCM-significant event needs the result to have landed.
func (e *Engine) ExecuteOnNB(peer int, funcID uint64, args []byte) error {
	if peer == e.self {
		if fn, ok := e.registry.lookup(funcID); ok {
			fn(args)
		}
		return nil
	}
	if err := e.forceBitmapVisibleAll(); err != nil {
		return err
	}
	flag, pdone := e.allocFlag()
	req := &wire.ExecOnRequest{
		Header: wire.Header{InitiatorNode: uint32(e.self), PDone: pdone},
		FuncID: funcID, Args: args,
	}
	if err := e.sendRequest(peer, req.Marshal(), nil, false); err != nil {
		return err
	}
	e.delayedMu.Lock()
	e.delayedDone = flag
	e.delayedMu.Unlock()
	return nil
}

// ExecuteOnFast implements executeOn_fast: the target runs funcID inline on
// its handler thread rather than handing off to a scheduled task (§4.7,
// ExecOnRequest.Fast) — lower latency, but funcID must not block or issue
// further AM/RMA that would wait on the handler that's now busy running it.
func (e *Engine) ExecuteOnFast(peer int, funcID uint64, args []byte) error {
	if peer == e.self {
		if fn, ok := e.registry.lookup(funcID); ok {
			fn(args)
		}
		return nil
	}
	if err := e.forceBitmapVisibleAll(); err != nil {
		return err
	}
	flag, pdone := e.allocFlag()
	req := &wire.ExecOnRequest{
		Header: wire.Header{InitiatorNode: uint32(e.self), PDone: pdone},
		FuncID: funcID, Fast: true, Args: args,
	}
	return e.sendRequest(peer, req.Marshal(), flag, true)
}

// executeOnLrg stages args in the engine's own registered heap and points
// the target at it via ExecOnLrgRequest, for argument bundles too large to
// inline (§3's MaxInlinePayload).
func (e *Engine) executeOnLrg(peer int, funcID uint64, args []byte, blocking bool) error {
	if err := e.forceBitmapVisibleAll(); err != nil {
		return err
	}
	stageAddr, stage, err := e.allocLrgSlot(len(args))
	if err != nil {
		return err
	}
	copy(stage, args)
	remote, ok := e.mrt.RemoteKey(e.self, stageAddr, uint64(len(args)))
	if !ok {
		return xerrors.New("am_execon_lrg", xerrors.CodeNonAddressable, "staged argument bundle not rma-addressable")
	}
	var flag *byte
	var pdone uint64
	if blocking {
		flag, pdone = e.allocFlag()
	}
	req := &wire.ExecOnLrgRequest{
		Header:      wire.Header{InitiatorNode: uint32(e.self), PDone: pdone},
		FuncID:      funcID,
		PayloadAddr: remote.Offset,
		PayloadKey:  remote.Key,
		PayloadSize: uint64(len(args)),
	}
	return e.sendRequest(peer, req.Marshal(), flag, blocking)
}
