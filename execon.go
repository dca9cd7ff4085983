package pgaofi

import "github.com/pgaofi/pgaofi/internal/amengine"

// Func is a registered executeOn body, identical to amengine.Func: a
// node-local function invoked on the target with the initiator's argument
// bundle (§4.7).
type Func = amengine.Func

// RegisterFunc registers fn under id. Every node must register the same id
// against behaviorally-equivalent bodies before the first ExecuteOn
// targeting it — there is no dynamic registration protocol (§4.7, "every
// node runs the same build").
func (s *Substrate) RegisterFunc(id uint64, fn Func) { s.registry.Register(id, fn) }

// ExecuteOn implements executeOn (§4.7, §6): sends funcID with args to
// peer and blocks until peer's handler has run it and signaled completion.
// args larger than wire.MaxInlinePayload are staged through peer's
// ExecOnLrg path transparently.
func (s *Substrate) ExecuteOn(peer int, funcID uint64, args []byte) error {
	return s.amEng.ExecuteOn(peer, funcID, args)
}

// ExecuteOnNB implements executeOn_nb: queues the request and returns once
// it is on the wire, without waiting for peer to run it.
func (s *Substrate) ExecuteOnNB(peer int, funcID uint64, args []byte) error {
	return s.amEng.ExecuteOnNB(peer, funcID, args)
}

// ExecuteOnFast implements executeOn_fast: the body runs inline on peer's
// AM handler instead of as a moved task, so it suits short bodies. Like
// ExecuteOn, it blocks until peer's handler has signaled completion.
func (s *Substrate) ExecuteOnFast(peer int, funcID uint64, args []byte) error {
	return s.amEng.ExecuteOnFast(peer, funcID, args)
}
