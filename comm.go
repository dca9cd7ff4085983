// Package pgaofi implements a partitioned-global-address-space
// communication substrate: one-sided PUT/GET, remote atomic memory
// operations, active messages (executeOn), and a tree barrier across N
// peer nodes, all issued over a pluggable fabric.Provider (§4 of the
// design). This file is the entry point: Init wires every internal engine
// (transmit-context table, memory-region table, MCM bookkeeping, RDMA/AMO
// engines, the active-message handler, and the barrier) into one Substrate,
// the way CreateAndServe wires a ublk device's controller, queues, and
// backend together in one call.
package pgaofi

import (
	"context"
	"os"
	"sync"
	"sync/atomic"

	"github.com/pgaofi/pgaofi/internal/amengine"
	"github.com/pgaofi/pgaofi/internal/amo"
	"github.com/pgaofi/pgaofi/internal/barrier"
	"github.com/pgaofi/pgaofi/internal/config"
	"github.com/pgaofi/pgaofi/internal/fabric"
	"github.com/pgaofi/pgaofi/internal/initcfg"
	"github.com/pgaofi/pgaofi/internal/logging"
	"github.com/pgaofi/pgaofi/internal/mcm"
	"github.com/pgaofi/pgaofi/internal/metrics"
	"github.com/pgaofi/pgaofi/internal/mr"
	"github.com/pgaofi/pgaofi/internal/oob"
	"github.com/pgaofi/pgaofi/internal/rdma"
	"github.com/pgaofi/pgaofi/internal/tasking"
	"github.com/pgaofi/pgaofi/internal/tct"
	"github.com/pgaofi/pgaofi/internal/xerrors"
)

// HeapPageSize implements reg_mem_heap_page_size (§6): the fixed 4KiB page
// size this substrate reports, matching the original's convention. The
// heap layout is not aligned to it: the user region Heap reports starts
// wherever the reserved regions before it end.
const HeapPageSize = 4096

// Options configures Init. Every field has a usable zero value except
// Provider, Bootstrap, and Scheduler, which the caller must always supply —
// this package never selects a transport, a launcher, or a task layer on
// its own (§4.9's "provider selection is policy, not mechanism").
type Options struct {
	// Provider is the negotiated fabric transport. Use
	// fabric.NewLoopbackProvider for tests and single-process examples.
	Provider fabric.Provider

	// Bootstrap is the out-of-band launcher used for address/MR exchange
	// and barrier fallback. Use oob.NewLoopbackGroup for tests, oob.TCPRing
	// for a job spread over several processes.
	Bootstrap oob.Bootstrap

	// Scheduler is this node's default external task-layer collaborator,
	// bound once into the AM engine's handler-side sends (which don't carry
	// a per-call scheduler of their own). Every other operation takes its
	// own Scheduler explicitly.
	Scheduler tasking.Scheduler

	// Registry holds executeOn function bodies. If nil, Init creates an
	// empty one; register functions into it before the first ExecuteOn.
	Registry *amengine.Registry

	// Config holds the COMM_OFI_* bring-up knobs. If nil, Init reads them
	// from the process environment via config.FromEnv.
	Config *config.Config

	// Logger receives bring-up diagnostics. If nil, Init uses
	// logging.Default().
	Logger *logging.Logger

	// HeapSize is the size, in bytes, of the user-visible PGAS heap region
	// every node registers identically (reg_mem_heap_info's Size). Defaults
	// to 8 MiB.
	HeapSize uint64

	// Workers is the worker sub-range of the transmit-context table. If <=
	// 0, Init asks Scheduler.MaxParallelism().
	Workers int

	// AMHandlers is the reserved AM-handler sub-range of the
	// transmit-context table (§4.2, tci_alloc_for_am_handler). Defaults to 1.
	AMHandlers int

	// CQCapacity bounds how many in-flight completions a transmit context
	// may carry before back-pressure kicks in (§5). Defaults to 64.
	CQCapacity int

	// HandlerCPU pins the AM handler loop's OS thread if >= 0. Defaults to
	// -1 (no affinity) via DefaultOptions; the Options zero value of 0 would
	// otherwise ambiguously mean "pin to CPU 0", so callers building Options
	// directly should set this explicitly.
	HandlerCPU int

	// ScratchSize sizes the RDMA engine's bounce-staging region, used only
	// when a caller's source/destination address isn't itself part of the
	// registered heap. Defaults to 1 MiB.
	ScratchSize uint64

	// FlagSlots/ResultSlots/LrgSlots size the AM engine's three reserved
	// staging pools (done-flags, fetched-AMO results, ExecOnLrg argument
	// bundles). Defaults: 256, 64, 4.
	FlagSlots   int
	ResultSlots int
	LrgSlots    int

	// PutBatchBufSize sizes each task's buffered-PUT staging slice (§4.3's
	// put_V). Defaults to 64 KiB.
	PutBatchBufSize int

	// AmoOperandBufSize sizes each task's batched-AMO operand staging slice
	// (§4.4's amo_nf_V). Defaults to rdma.MaxChainedLen * 8 bytes.
	AmoOperandBufSize int
}

// DefaultOptions returns an Options with every size/count field at its
// documented default and HandlerCPU set to -1 (unpinned); Provider,
// Bootstrap, and Scheduler are left nil for the caller to fill in.
func DefaultOptions() Options {
	return Options{
		HeapSize:          8 << 20,
		AMHandlers:        1,
		CQCapacity:        64,
		HandlerCPU:        -1,
		ScratchSize:       1 << 20,
		FlagSlots:         256,
		ResultSlots:       64,
		LrgSlots:          4,
		PutBatchBufSize:   64 << 10,
		AmoOperandBufSize: rdma.MaxChainedLen * 8,
	}
}

func (o *Options) fillDefaults() {
	d := DefaultOptions()
	if o.HeapSize == 0 {
		o.HeapSize = d.HeapSize
	}
	if o.AMHandlers <= 0 {
		o.AMHandlers = d.AMHandlers
	}
	if o.CQCapacity <= 0 {
		o.CQCapacity = d.CQCapacity
	}
	if o.ScratchSize == 0 {
		o.ScratchSize = d.ScratchSize
	}
	if o.FlagSlots <= 0 {
		o.FlagSlots = d.FlagSlots
	}
	if o.ResultSlots <= 0 {
		o.ResultSlots = d.ResultSlots
	}
	if o.LrgSlots <= 0 {
		o.LrgSlots = d.LrgSlots
	}
	if o.PutBatchBufSize <= 0 {
		o.PutBatchBufSize = d.PutBatchBufSize
	}
	if o.AmoOperandBufSize <= 0 {
		o.AmoOperandBufSize = d.AmoOperandBufSize
	}
	if o.Config == nil {
		o.Config = config.FromEnv()
	}
	if o.Logger == nil {
		o.Logger = logging.Default()
	}
	if o.Registry == nil {
		o.Registry = amengine.NewRegistry()
	}
}

// heapLayout records the byte ranges this package bump-allocates out of the
// single registered heap, in the uniform, base-zero convention every node
// applies identically: since every node
// runs the same build and lays out its heap the same way, a fixed-offset
// region (the order-dummy word, bar_info) resolves at any peer through the
// ordinary mr.Table.RemoteKey lookup, with no separate OOB exchange needed
// for these particular regions.
type heapLayout struct {
	dummyOff, dummySize       uintptr
	barOff, barSize           uintptr
	oneOff                    uintptr
	flagOff, flagSize         uintptr
	resultOff, resultSize     uintptr
	lrgOff, lrgSize           uintptr
	scratchOff, scratchSize   uintptr
	batchOff, batchSlotSize   uintptr
	batchSlots                int
	amoResultOff, amoResultSz uintptr
	userOff, userSize         uintptr
	total                     uintptr
}

func buildHeapLayout(opts Options, batchSlots int) heapLayout {
	var l heapLayout
	off := uintptr(0)

	l.dummyOff, l.dummySize = off, 4
	off += l.dummySize

	l.barOff, l.barSize = off, uintptr(barrier.InfoSize)
	off += l.barSize

	l.oneOff = off
	off += 1

	l.flagOff, l.flagSize = off, uintptr(opts.FlagSlots)
	off += l.flagSize

	l.resultOff, l.resultSize = off, uintptr(opts.ResultSlots*8)
	off += l.resultSize

	l.lrgOff, l.lrgSize = off, uintptr(opts.LrgSlots*amengine.LrgSlotSize)
	off += l.lrgSize

	l.scratchOff, l.scratchSize = off, uintptr(opts.ScratchSize)
	off += l.scratchSize

	l.batchSlotSize = uintptr(opts.PutBatchBufSize + opts.AmoOperandBufSize)
	l.batchSlots = batchSlots
	l.batchOff = off
	off += l.batchSlotSize * uintptr(batchSlots)

	l.amoResultOff, l.amoResultSz = off, uintptr(opts.ResultSlots*8)
	off += l.amoResultSz

	l.userOff, l.userSize = off, uintptr(opts.HeapSize)
	off += l.userSize

	l.total = off
	return l
}

// taskState is the per-task scratch this package attaches to
// tasking.TaskPrivate.Data: the allocation caches and pending bitmap the
// engines need threaded through every call on that task's behalf, plus the
// task's own buffered-PUT/GET/AMO batches.
type taskState struct {
	bitmap *mcm.Bitmap

	putCache *tct.Cache
	getCache *tct.Cache
	amoCache *tct.Cache

	putBatch *rdma.Batch
	getBatch *rdma.Batch
	amoBatch *amo.Batch
}

// Substrate is one node's bound-up view of the job: every internal engine,
// the registered heap and its bump-allocated reserved regions, and the
// bookkeeping Exit needs to tear everything down cleanly.
type Substrate struct {
	opts Options

	self int
	n    int

	cfg      *config.Config
	provider fabric.Provider
	boot     oob.Bootstrap
	sched    tasking.Scheduler
	registry *amengine.Registry
	log      *logging.Logger

	mrt     *mr.Table
	table   *tct.Table
	mcmEng  *mcm.Engine
	rdmaEng *rdma.Engine
	amoEng  *amo.Engine
	amEng   *amengine.Engine
	barEng  *barrier.Engine

	heap   []byte
	layout heapLayout

	batchMu   sync.Mutex
	batchNext int

	amoResultMu   sync.Mutex
	amoResultNext int

	metrics *metrics.Collector

	livenessStop chan struct{}
	exited       atomic.Bool
}

// Init implements comm_init (§4.9/§4.11): negotiates the provider's
// capabilities, registers and exchanges this node's heap, warms the atomic
// validity cache, and constructs every engine in the order their
// constructor dependencies require — mirroring CreateAndServe's own
// sequencing (params, controller, queues, then serve).
func Init(ctx context.Context, opts Options) (*Substrate, error) {
	if opts.Provider == nil || opts.Bootstrap == nil || opts.Scheduler == nil {
		return nil, xerrors.New("pgaofi_init", xerrors.CodeInvalidArgument,
			"Provider, Bootstrap, and Scheduler are required")
	}
	opts.fillDefaults()

	if err := opts.Bootstrap.Init(ctx); err != nil {
		return nil, xerrors.Wrap("pgaofi_init", -1, err)
	}
	self := opts.Bootstrap.Rank()
	n := opts.Bootstrap.Size()

	workers := opts.Workers
	if workers <= 0 {
		workers = opts.Scheduler.MaxParallelism()
	}
	if workers <= 0 {
		workers = 1
	}

	layout := buildHeapLayout(opts, workers)
	heap := make([]byte, layout.total)
	heap[layout.oneOff] = 1

	caps := opts.Provider.Capabilities()
	mode := initcfg.SelectMRMode(opts.Config, caps)

	local, err := opts.Provider.RegisterHeap(heap, mode)
	if err != nil {
		return nil, xerrors.NewPeer("pgaofi_init", self, xerrors.CodeProviderFatal, err.Error())
	}
	selfRemote := fabric.RemoteMR{Key: uint64(local.Desc), Offset: 0}

	mrt := mr.NewTable(self, n, mode)
	mrt.SetLocal(0, uint64(len(heap)), local, selfRemote)

	table, err := tct.New(opts.Provider, workers, opts.AMHandlers, opts.CQCapacity)
	if err != nil {
		return nil, err
	}

	amEP, err := opts.Provider.OpenAMEndpoint()
	if err != nil {
		return nil, xerrors.NewPeer("pgaofi_init", self, xerrors.CodeProviderFatal, err.Error())
	}

	av := opts.Provider.AddressVector()
	peerAM, peerRMA, err := initcfg.ExchangeAddrs(ctx, opts.Bootstrap, av, initcfg.AddrSet{AM: amEP.LocalAddr(), RMA: amEP.LocalAddr()})
	if err != nil {
		return nil, err
	}
	if err := initcfg.ExchangeMR(ctx, opts.Bootstrap, mrt, 0, uint64(len(heap)), selfRemote); err != nil {
		return nil, err
	}

	validity := amo.NewValidityCache()
	initcfg.WarmAtomics(opts.Provider, validity)

	peerAddrFn := func(peer int) fabric.Addr { return peerRMA[peer] }
	peerAMFn := func(peer int) fabric.Addr { return peerAM[peer] }

	dummyRemote := make([]fabric.RemoteMR, n)
	for p := 0; p < n; p++ {
		r, ok := mrt.RemoteKey(p, layout.dummyOff, uint64(layout.dummySize))
		if !ok {
			return nil, xerrors.New("pgaofi_init", xerrors.CodeNonAddressable, "order-dummy region not addressable at a peer")
		}
		dummyRemote[p] = r
	}

	mcmMode := initcfg.SelectMCMMode(opts.Config, caps)
	mcmEng := mcm.New(mcmMode, peerAddrFn, dummyRemote)

	scratch := heap[layout.scratchOff : layout.scratchOff+layout.scratchSize]
	rdmaEng := rdma.New(opts.Provider, mrt, mcmEng, table, peerAddrFn, nil, self, heap, 0,
		caps.MaxMsgSize, caps.InjectSize, scratch, layout.scratchOff, selfRemote)

	amoEng := amo.New(opts.Provider, mrt, mcmEng, table, peerAddrFn, nil, self, heap, 0, validity)

	amEngCfg := amengine.Config{
		Self: fabric.NodeID(self), N: n, Provider: opts.Provider, AMEndpoint: amEP,
		Table: table, MRT: mrt, MCM: mcmEng, RDMA: rdmaEng, AMO: amoEng,
		PeerAM: peerAMFn, Sched: opts.Scheduler, Registry: opts.Registry,
		SelfHeap: heap, SelfBase: 0, InjectSize: caps.InjectSize,
		FlagPool:   heap[layout.flagOff : layout.flagOff+layout.flagSize],
		FlagBase:   layout.flagOff,
		ResultPool: heap[layout.resultOff : layout.resultOff+layout.resultSize],
		ResultBase: layout.resultOff,
		LrgPool:    heap[layout.lrgOff : layout.lrgOff+layout.lrgSize],
		LrgBase:    layout.lrgOff,
		HandlerCPU: opts.HandlerCPU,
	}
	amEng := amengine.New(amEngCfg)

	rdmaEng.SetAMProxy(amEng)
	amoEng.SetAMProxy(amEng)
	amoEng.RetireDelayedAM = amEng.RetireDelayedAM

	var handlerStarted atomic.Bool
	barEng := barrier.New(rdmaEng, opts.Bootstrap, n, func(peer int) uintptr { return layout.barOff }, layout.barOff, layout.oneOff, handlerStarted.Load)

	if err := amEng.Start(); err != nil {
		return nil, err
	}
	handlerStarted.Store(true)

	s := &Substrate{
		opts: opts, self: self, n: n,
		cfg: opts.Config, provider: opts.Provider, boot: opts.Bootstrap, sched: opts.Scheduler,
		registry: opts.Registry, log: opts.Logger.With("node", self),
		mrt: mrt, table: table, mcmEng: mcmEng, rdmaEng: rdmaEng, amoEng: amoEng, amEng: amEng, barEng: barEng,
		heap: heap, layout: layout,
		metrics: metrics.NewCollector(self),
	}
	return s, nil
}

// PostMemInit implements post_mem_init (§6): blocks until every node has
// finished registering and exchanging its heap, so no node's first PUT/GET
// against a peer races that peer's own memory-region installation.
func (s *Substrate) PostMemInit(ctx context.Context) error {
	if err := s.boot.Barrier(ctx); err != nil {
		return err
	}
	s.log.Debug("post-mem-init barrier complete")
	return nil
}

// PostTaskInit implements post_task_init: called once the external tasking
// layer is ready to schedule tasks on the calling node. Starts node 0's
// periodic liveness pings and brings every node through one AM-backed
// barrier, now that the handler loop is actually running.
func (s *Substrate) PostTaskInit(sched tasking.Scheduler) error {
	if s.self == 0 && s.livenessStop == nil {
		s.livenessStop = make(chan struct{})
		s.log.Debug("starting liveness pings")
		go s.amEng.RunLiveness(s.livenessStop)
	}
	ts, err := s.taskState(sched)
	if err != nil {
		return err
	}
	return s.barEng.Barrier(ts.putCache, sched, &ts.bitmap, s.n)
}

// PreTaskExit implements pre_task_exit (§4.10). When all is false this is a
// per-task checkpoint with nothing to do (only the final, job-wide exit
// needs coordination); when true, node 0 broadcasts the shutdown signal,
// every other node waits to observe it, and all nodes barrier before
// Exit tears down local state.
func (s *Substrate) PreTaskExit(sched tasking.Scheduler, all bool) error {
	if !all {
		return nil
	}
	if s.self == 0 {
		if err := s.amEng.Shutdown(); err != nil {
			return err
		}
	} else {
		for !s.amEng.ShutdownRequested() {
			sched.Yield()
		}
	}
	ts, err := s.taskState(sched)
	if err != nil {
		return err
	}
	return s.barEng.Barrier(ts.putCache, sched, &ts.bitmap, s.n)
}

// Exit implements exit_any (§4.10): tears down this node's handler and
// provider. Every node must already have reached PreTaskExit(sched, true)
// when all is true; when false this is the abrupt single-node abort path:
// after teardown it calls os.Exit(status), whatever the provider.
func (s *Substrate) Exit(ctx context.Context, all bool, status int) {
	if !s.exited.CompareAndSwap(false, true) {
		return
	}
	if s.livenessStop != nil {
		close(s.livenessStop)
		s.livenessStop = nil
	}
	s.amEng.Stop()
	_ = s.provider.Close()
	_ = s.boot.Fini(ctx)
	if !all {
		s.log.Warn("aborting single node", "status", status)
		os.Exit(status)
	}
}

// TaskCreateHook implements task_create_hook (§6): allocates this task's
// allocation caches, put-bitmap slot, and buffered PUT/GET/AMO batches (the
// PUT and AMO batches get the next unclaimed slot of the shared batch pool;
// slots are never reused, so the hook fails once every slot is claimed), and
// binds the bitmap into the AM engine so executeOn/mutating-AMO-AM sends see
// this task's outstanding PUTs.
func (s *Substrate) TaskCreateHook(sched tasking.Scheduler) error {
	putBuf, putBufAddr, operandBuf, err := s.claimBatchSlot()
	if err != nil {
		return err
	}
	ts := &taskState{
		putCache: tct.NewCache(),
		getCache: tct.NewCache(),
		amoCache: tct.NewCache(),
	}
	ts.putBatch = rdma.NewPutBatch(s.rdmaEng, putBuf, putBufAddr)
	ts.getBatch = rdma.NewGetBatch(s.rdmaEng)
	ts.amoBatch = amo.NewBatch(s.amoEng, operandBuf, &ts.bitmap)
	sched.Private().Data = ts
	s.amEng.BindBitmap(&ts.bitmap)
	return nil
}

// TaskEndHook implements task_end_hook: flushes any still-queued
// buffered PUT/GET/AMO work so nothing this task queued is silently
// dropped once it stops running.
func (s *Substrate) TaskEndHook(sched tasking.Scheduler) error {
	ts, err := s.taskState(sched)
	if err != nil {
		return err
	}
	if err := ts.putBatch.Flush(ts.putCache, sched, s.n); err != nil {
		return err
	}
	if err := ts.getBatch.Flush(ts.getCache, sched, s.n); err != nil {
		return err
	}
	return ts.amoBatch.Flush(ts.amoCache, sched, s.n)
}

// Self reports this node's rank.
func (s *Substrate) Self() int { return s.self }

// N reports the job size.
func (s *Substrate) N() int { return s.n }

// Heap implements reg_mem_heap_info: the base address and size of this
// node's user-visible PGAS heap region, identical on every node by
// construction (§ SPMD symmetry).
func (s *Substrate) Heap() (uintptr, uint64) { return s.layout.userOff, uint64(s.layout.userSize) }

// LocalBytes returns a direct slice of this node's own registered heap at
// addr — the zero-cost, no-network path PGAS gives every node onto its own
// share of the global address space. Put/Get are for reaching a peer's
// share; reads and writes of your own never need them.
func (s *Substrate) LocalBytes(addr uintptr, size int) []byte {
	return s.heap[addr : addr+uintptr(size)]
}

func (s *Substrate) taskState(sched tasking.Scheduler) (*taskState, error) {
	ts, ok := sched.Private().Data.(*taskState)
	if !ok || ts == nil {
		return nil, xerrors.New("pgaofi_task_state", xerrors.CodeInvalidArgument,
			"task has no pgaofi state; call TaskCreateHook before issuing any operation")
	}
	return ts, nil
}

func (s *Substrate) claimBatchSlot() ([]byte, uintptr, []byte, error) {
	s.batchMu.Lock()
	defer s.batchMu.Unlock()
	if s.batchNext >= s.layout.batchSlots {
		return nil, 0, nil, xerrors.New("pgaofi_task_create", xerrors.CodeResourceExhaust,
			"every reserved per-task batch slot is already claimed")
	}
	idx := s.batchNext
	s.batchNext++

	base := s.layout.batchOff + uintptr(idx)*s.layout.batchSlotSize
	putBuf := s.heap[base : base+uintptr(s.opts.PutBatchBufSize)]
	operandBuf := s.heap[base+uintptr(s.opts.PutBatchBufSize) : base+s.layout.batchSlotSize]
	return putBuf, base, operandBuf, nil
}

func (s *Substrate) atomicResultSlot() (uintptr, []byte) {
	s.amoResultMu.Lock()
	defer s.amoResultMu.Unlock()
	slots := int(s.layout.amoResultSz / 8)
	if s.amoResultNext >= slots {
		s.amoResultNext = 0
	}
	idx := s.amoResultNext
	s.amoResultNext++
	off := s.layout.amoResultOff + uintptr(idx*8)
	return off, s.heap[off : off+8]
}

// Handle is a non-blocking operation handle. Every operation this substrate
// issues already completes synchronously (or is queued into a task-owned
// batch) from the caller's point of view, so Handle carries no state — it
// exists only so code written against the async surface (§6) still compiles.
type Handle struct{}

// TestNBComplete implements test_nb_complete: always true.
func TestNBComplete(h Handle) bool { return true }

// WaitNBSome implements wait_nb_some: a no-op, for the same reason.
func WaitNBSome(hs []Handle) {}

// TryNBSome implements try_nb_some: a no-op that always succeeds.
func TryNBSome(hs []Handle) bool { return true }
