package amengine

import (
	"time"

	"github.com/pgaofi/pgaofi/internal/wire"
	"github.com/pgaofi/pgaofi/internal/xerrors"
)

// livenessInterval is how often node 0 pings the next peer in its rotation
// with a no-op AM (§4.7). The interval is fixed; it does not adapt. A frozen
// peer simply never drains its landing zone; this engine doesn't act on
// that beyond what sendRequest's own CQ wait already surfaces as an error,
// which is this design's documented blind spot (see DESIGN.md's Open
// Questions).
const livenessInterval = 2 * time.Second

// RunLiveness blocks sending one no-op AM per tick to the next peer in a
// 1..n-1 rotation until stopCh closes; node 0 is the only caller per §4.7.
// A send error is passed to xerrors.Fatal as a CodeLivenessFailure.
func (e *Engine) RunLiveness(stopCh <-chan struct{}) {
	if e.self != 0 {
		return
	}
	ticker := time.NewTicker(livenessInterval)
	defer ticker.Stop()
	next := 1
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			if e.n < 2 {
				continue
			}
			p := next
			next = next%(e.n-1) + 1
			req := &wire.NopRequest{Header: wire.Header{InitiatorNode: uint32(e.self)}}
			if err := e.sendRequest(p, req.Marshal(), nil, false); err != nil {
				xerrors.Fatal(nil, xerrors.NewPeer("liveness", p, xerrors.CodeLivenessFailure, err.Error()))
			}
		}
	}
}

// Shutdown broadcasts am_opShutdown to every peer, the last step of the
// graceful-exit sequence (§4.10); node 0 is again the only caller.
func (e *Engine) Shutdown() error {
	if e.self != 0 {
		return nil
	}
	req := &wire.ShutdownRequest{Header: wire.Header{InitiatorNode: uint32(e.self)}}
	for p := 0; p < e.n; p++ {
		if p == e.self {
			continue
		}
		if err := e.sendRequest(p, req.Marshal(), nil, false); err != nil {
			return err
		}
	}
	return nil
}
