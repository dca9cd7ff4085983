// Package amengine implements the active-message protocol (§4.7): request
// encoding/transmission, the two-landing-zone receive discipline, the
// handler loop, and the eight request sub-kinds' dispatch, including the
// delayed-blocking-AM retirement the MCM engine needs (§4.6).
package amengine

import (
	"sync"
	"sync/atomic"

	"github.com/pgaofi/pgaofi/internal/amo"
	"github.com/pgaofi/pgaofi/internal/fabric"
	"github.com/pgaofi/pgaofi/internal/mcm"
	"github.com/pgaofi/pgaofi/internal/mr"
	"github.com/pgaofi/pgaofi/internal/rdma"
	"github.com/pgaofi/pgaofi/internal/tasking"
	"github.com/pgaofi/pgaofi/internal/tct"
	"github.com/pgaofi/pgaofi/internal/wire"
	"github.com/pgaofi/pgaofi/internal/xerrors"
)

// Func is a user executeOn body: node-local code the handler invokes with
// the argument bundle the initiator supplied.
type Func func(args []byte)

// Registry maps function ids to bodies, populated once before Init (there
// is no dynamic registration protocol — every node runs the same build).
type Registry struct {
	mu    sync.RWMutex
	funcs map[uint64]Func
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry { return &Registry{funcs: make(map[uint64]Func)} }

// Register associates id with fn. Call before Engine.Start.
func (r *Registry) Register(id uint64, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[id] = fn
}

func (r *Registry) lookup(id uint64) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[id]
	return fn, ok
}

// landingZoneCapacity sizes each of the two multi-receive buffers.
const landingZoneCapacity = 256 * 1024

// Engine drives one node's AM traffic: both the initiator side (the
// Request* methods, which satisfy rdma.AMProxy and amo.AMProxy) and the
// target side (the handler loop in handler.go).
type Engine struct {
	self     int
	n        int
	provider fabric.Provider
	amEP     fabric.AMEndpoint
	table    *tct.Table
	mrt      *mr.Table
	mcmEng   *mcm.Engine
	rdmaEng  *rdma.Engine
	amoEng   *amo.Engine
	peerAM   func(peer int) fabric.Addr
	sched    tasking.Scheduler
	registry *Registry

	// heap/base let the handler resolve its own local addresses, and let
	// done-flags and ExecOnLrg payload pointers be bounced through the
	// registered region when the caller's address isn't already in it.
	selfHeap []byte
	selfBase uintptr

	amCache tct.Cache // the handler thread's own permanently bound Tcx

	exitFlag atomic.Bool
	stopCh   chan struct{}
	wg       sync.WaitGroup

	injectSize uint64

	// delayedDone, if non-nil, is this task's pending blocking-AM
	// done-flag awaiting retirement (§4.6's "Delayed blocking AM"). This
	// field models a single task-private slot; a real multi-task build
	// keeps one of these per task via tasking.TaskPrivate.
	delayedMu   sync.Mutex
	delayedDone *byte

	// bitmapPtr, if set, addresses the calling task's put-bitmap slot —
	// the same variable the rdma/amo engines receive as **mcm.Bitmap,
	// shared in by the top-level substrate's BindBitmap so a PUT recorded
	// on one engine is visible to this one's pre-send MCM check. Consulted
	// before any send that §4.6 requires prior-PUT visibility ahead of
	// (executeOn, mutating AMO AM) — forced on every peer, not just the
	// target, since the handler that runs funcID may itself read state
	// this task PUT to any node.
	bitmapMu  sync.Mutex
	bitmapPtr **mcm.Bitmap

	// flagPool is a small dedicated, registered byte region used only as
	// done-flag targets for blocking AM requests — a peer's handler PUTs
	// a single 1 byte into one of these on completion (§4.7). Round-robin
	// allocated under flagMu; this is the AM-proxy fallback path, not a
	// hot one, so a mutex is adequate.
	flagMu   sync.Mutex
	flagPool []byte
	flagBase uintptr
	flagNext int

	// resultPool is a second reserved heap region the handler stages a
	// fetched AMO result into before PUTting it back to the initiator
	// (§4.4/§4.7: the target must have a local, registered address to
	// hand resolveLocal for that PUT). Round-robin allocated like
	// flagPool, 8 bytes per slot (the widest atomic width).
	resultMu   sync.Mutex
	resultPool []byte
	resultBase uintptr
	resultNext int

	// lrgPool is a third reserved heap region, sliced into fixed-size
	// slots, that the handler GETs an oversized ExecOnLrg argument bundle
	// into (§4.7, "ExecOnLrg... the handler GETs it before running").
	// Round-robin like flagPool/resultPool: a slot is reused on its next
	// turn, which is why OpFree is a no-op here.
	lrgMu   sync.Mutex
	lrgPool []byte
	lrgBase uintptr
	lrgNext int

	handlerCPU int
}

// lrgSlotSize is the capacity of one ExecOnLrg staging slot.
const lrgSlotSize = 256 * 1024

// LrgSlotSize exposes lrgSlotSize to the top-level package so it can size
// the shared lrg pool it hands this engine to match exactly.
const LrgSlotSize = lrgSlotSize

// Config bundles Engine's construction dependencies.
type Config struct {
	Self       fabric.NodeID
	N          int
	Provider   fabric.Provider
	AMEndpoint fabric.AMEndpoint
	Table      *tct.Table
	MRT        *mr.Table
	MCM        *mcm.Engine
	RDMA       *rdma.Engine
	AMO        *amo.Engine
	PeerAM     func(peer int) fabric.Addr
	Sched      tasking.Scheduler
	Registry   *Registry
	SelfHeap   []byte
	SelfBase   uintptr
	InjectSize uint64

	// FlagPool/FlagBase describe the dedicated done-flag region (see
	// Engine.flagPool).
	FlagPool []byte
	FlagBase uintptr

	// ResultPool/ResultBase describe the dedicated fetched-AMO staging
	// region (see Engine.resultPool). Both FlagPool/FlagBase and
	// ResultPool/ResultBase must be subslices of SelfHeap so the normal
	// mr.Table lookup resolves them without a bounce.
	ResultPool []byte
	ResultBase uintptr

	// LrgPool/LrgBase describe the ExecOnLrg staging region (see
	// Engine.lrgPool); also a subslice of SelfHeap.
	LrgPool []byte
	LrgBase uintptr

	// HandlerCPU, if >= 0, pins the handler loop's OS thread to that core
	// (§4.7's handler-thread affinity, the same requirement that drives
	// queue.Runner.ioLoop's CPU pinning in the teacher). Negative means no
	// affinity is set.
	HandlerCPU int
}

// New constructs the Engine; call Start to bind its transmit context and
// launch the handler loop.
func New(cfg Config) *Engine {
	return &Engine{
		self: int(cfg.Self), n: cfg.N, provider: cfg.Provider, amEP: cfg.AMEndpoint,
		table: cfg.Table, mrt: cfg.MRT, mcmEng: cfg.MCM, rdmaEng: cfg.RDMA, amoEng: cfg.AMO,
		peerAM: cfg.PeerAM, sched: cfg.Sched, registry: cfg.Registry,
		selfHeap: cfg.SelfHeap, selfBase: cfg.SelfBase, injectSize: cfg.InjectSize,
		flagPool: cfg.FlagPool, flagBase: cfg.FlagBase,
		resultPool: cfg.ResultPool, resultBase: cfg.ResultBase,
		lrgPool: cfg.LrgPool, lrgBase: cfg.LrgBase,
		handlerCPU: cfg.HandlerCPU,
	}
}

// Start binds the handler's reserved Tcx, posts both landing-zone buffers,
// and launches the handler loop goroutine.
func (e *Engine) Start() error {
	tcx, err := e.table.AllocForAMHandler()
	if err != nil {
		return err
	}
	e.amCache = tct.Cache{}
	_ = tcx // the handler's Tcx is reached again through e.table via amCache

	if err := e.amEP.PostMultiRecv(0, landingZoneCapacity); err != nil {
		return err
	}
	if err := e.amEP.PostMultiRecv(1, landingZoneCapacity); err != nil {
		return err
	}

	e.stopCh = make(chan struct{})
	e.wg.Add(1)
	go e.handlerLoop()
	return nil
}

// Stop sets the exit flag and waits for the handler loop to drain and
// return (§4.10: "setting am_handlers_exit causes the handler to drain and
// exit").
func (e *Engine) Stop() {
	e.exitFlag.Store(true)
	close(e.stopCh)
	e.wg.Wait()
}

// ShutdownRequested reports whether this node has observed an OpShutdown
// request (§4.10: non-zero nodes wait on a signal flipped by the Shutdown
// handler, then barrier).
func (e *Engine) ShutdownRequested() bool { return e.exitFlag.Load() }

// Self reports this node's id.
func (e *Engine) Self() fabric.NodeID { return fabric.NodeID(e.self) }

// N reports the job size.
func (e *Engine) N() int { return e.n }

// handlerCache returns the allocation cache that holds the handler's own
// bound transmit context, used both
// for replying (done-flags, result PUTs) and for the RMA-on-behalf-of work
// the Get/Put request cases perform.
func (e *Engine) handlerCache() *tct.Cache { return &e.amCache }

// RetireDelayedAM implements the MCM engine's delayed-blocking-AM
// retirement hook (§4.6): if this task has a pending done-flag from an
// earlier non-blocking-looking blocking AM, spin until it's set before any
// further MCM-significant operation proceeds.
func (e *Engine) RetireDelayedAM(sched tasking.Scheduler) error {
	e.delayedMu.Lock()
	flag := e.delayedDone
	e.delayedDone = nil
	e.delayedMu.Unlock()
	if flag == nil {
		return nil
	}
	return spinOnFlag(flag, sched)
}

func spinOnFlag(flag *byte, sched tasking.Scheduler) error {
	for *flag == 0 {
		sched.Yield()
	}
	return nil
}

// BindBitmap wires the calling task's put-bitmap slot into this engine, so
// executeOn/AMO-AM sends see PUTs the rdma/amo engines recorded against the
// same slot. Call once after construction, before any traffic.
func (e *Engine) BindBitmap(p **mcm.Bitmap) {
	e.bitmapMu.Lock()
	e.bitmapPtr = p
	e.bitmapMu.Unlock()
}

// forceBitmapVisibleAll implements the §4.6 MCM pre-step "before an
// executeOn or a mutating AMO AM: all nodes": if this task has any PUTs
// outstanding per its bitmap, force them visible on every peer before the
// request goes out.
func (e *Engine) forceBitmapVisibleAll() error {
	e.bitmapMu.Lock()
	ptr := e.bitmapPtr
	e.bitmapMu.Unlock()
	if ptr == nil || *ptr == nil {
		return nil
	}
	cache := tct.NewCache()
	tcx, err := e.table.Alloc(cache, false, e.sched)
	if err != nil {
		return err
	}
	defer e.table.Free(tcx)
	return e.mcmEng.WaitPutsVisAllNodes(tcx, *ptr, false, e.sched)
}

// allocFlag hands out the next done-flag byte round robin, clearing it
// before return, and reports both its local pointer (for spinning) and its
// heap address (for PDone — the target resolves this address against its
// own replicated view of our MR key, exactly as it would any other
// initiator-heap address we hand it).
func (e *Engine) allocFlag() (*byte, uint64) {
	e.flagMu.Lock()
	defer e.flagMu.Unlock()
	if e.flagNext >= len(e.flagPool) {
		e.flagNext = 0
	}
	idx := e.flagNext
	e.flagNext++
	e.flagPool[idx] = 0
	return &e.flagPool[idx], uint64(e.flagBase) + uint64(idx)
}

const resultSlotSize = 8

// allocResult hands out the next 8-byte result-staging slot round robin,
// returning its heap address and byte view.
func (e *Engine) allocResult() (uintptr, []byte) {
	e.resultMu.Lock()
	defer e.resultMu.Unlock()
	slots := len(e.resultPool) / resultSlotSize
	if e.resultNext >= slots {
		e.resultNext = 0
	}
	idx := e.resultNext
	e.resultNext++
	off := idx * resultSlotSize
	return e.resultBase + uintptr(off), e.resultPool[off : off+resultSlotSize]
}

// allocLrgSlot hands out the next ExecOnLrg staging slot round robin.
// Returns an error if size exceeds a single slot's capacity.
func (e *Engine) allocLrgSlot(size int) (uintptr, []byte, error) {
	if size > lrgSlotSize {
		return 0, nil, xerrors.New("am_execon_lrg", xerrors.CodeArgumentTooLarge, "argument bundle exceeds staging slot capacity")
	}
	e.lrgMu.Lock()
	defer e.lrgMu.Unlock()
	slots := len(e.lrgPool) / lrgSlotSize
	if e.lrgNext >= slots {
		e.lrgNext = 0
	}
	idx := e.lrgNext
	e.lrgNext++
	off := idx * lrgSlotSize
	return e.lrgBase + uintptr(off), e.lrgPool[off : off+size], nil
}

// Op exposes the wire opcode enum to callers that need it without a direct
// wire import (the root package's execon.go/amo.go).
type Op = wire.Op
