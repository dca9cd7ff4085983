package fabric

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
)

// World is the shared substrate behind a set of LoopbackProviders: it plays
// the role that the physical network plays for a real provider, letting
// every simulated node's RDMA/AMO/AM traffic actually land somewhere
// observable in tests without any real fabric hardware.
type World struct {
	mu       sync.Mutex
	heaps    map[NodeID][]byte
	nodeOf   map[Addr]NodeID
	nextAddr uint64

	amEndpoints map[Addr]*loopbackAMEndpoint
}

// NewWorld creates an empty shared loopback fabric.
func NewWorld() *World {
	return &World{
		heaps:       make(map[NodeID][]byte),
		nodeOf:      make(map[Addr]NodeID),
		amEndpoints: make(map[Addr]*loopbackAMEndpoint),
	}
}

// LoopbackProvider is a Provider implementation requiring no real hardware:
// every node's registered heap lives in the same process, and RDMA/AMO/AM
// traffic is just direct memory access guarded by the World's mutex — which
// gives the simulation real atomicity for free, handy for AMO convergence
// tests.
type LoopbackProvider struct {
	world *World
	node  NodeID
	caps  Capabilities
}

// DefaultLoopbackCapabilities describes a generous, DC-capable provider —
// the easy case for the MCM engine. Tests that want to exercise the
// message-order path construct Capabilities with DeliveryComplete: false
// directly.
func DefaultLoopbackCapabilities() Capabilities {
	return Capabilities{
		Name:             "loopback",
		DeliveryComplete: true,
		MessageOrder:     true,
		MaxMsgSize:       1 << 20,
		InjectSize:       256,
		MaxEpTx:          64,
		ScalableEP:       true,
		AtomicsSupported: true,
		Good:             true,
	}
}

// NewLoopbackProvider creates the Provider for one node sharing world.
func NewLoopbackProvider(world *World, node NodeID, caps Capabilities) *LoopbackProvider {
	return &LoopbackProvider{world: world, node: node, caps: caps}
}

func (p *LoopbackProvider) Capabilities() Capabilities { return p.caps }

func (p *LoopbackProvider) RegisterHeap(heap []byte, mode MRMode) (LocalMR, error) {
	p.world.mu.Lock()
	defer p.world.mu.Unlock()
	p.world.heaps[p.node] = heap
	var base uintptr
	if len(heap) > 0 {
		base = uintptr(len(heap)) // placeholder, loopback never dereferences Base
	}
	return LocalMR{Mode: mode, Desc: uintptr(p.node) + 1, Base: base, Size: uint64(len(heap))}, nil
}

func (p *LoopbackProvider) AddressVector() AddressVector {
	return &loopbackAV{world: p.world}
}

func (p *LoopbackProvider) OpenEndpoint() (Endpoint, error) {
	addr := p.newAddr()
	ep := &loopbackEndpoint{world: p.world, node: p.node, addr: addr, cq: make(chan Completion, 4096), cqErr: make(chan Completion, 64)}
	p.world.mu.Lock()
	p.world.nodeOf[addr] = p.node
	p.world.mu.Unlock()
	return ep, nil
}

func (p *LoopbackProvider) OpenAMEndpoint() (AMEndpoint, error) {
	addr := p.newAddr()
	base := &loopbackEndpoint{world: p.world, node: p.node, addr: addr, cq: make(chan Completion, 4096), cqErr: make(chan Completion, 64)}
	am := &loopbackAMEndpoint{
		loopbackEndpoint: base,
		deliveries:       make(chan AMDelivery, 4096),
		bufferEvents:     make(chan AMBufferEvent, 4),
	}
	p.world.mu.Lock()
	p.world.nodeOf[addr] = p.node
	p.world.amEndpoints[addr] = am
	p.world.mu.Unlock()
	return am, nil
}

// AtomicValid reports every (type, op) combination as supported except the
// float (op) restriction the spec documents: floats only support Sum,
// Write, Read, and Cswap natively (§4.4's "Float ops" list).
func (p *LoopbackProvider) AtomicValid(typ AtomicType, op AtomicOp) bool {
	if !p.caps.AtomicsSupported {
		return false
	}
	if typ == Float32 || typ == Float64 {
		switch op {
		case OpSum, OpWrite, OpRead, OpCswap:
			return true
		default:
			return false
		}
	}
	return true
}

func (p *LoopbackProvider) Close() error { return nil }

func (p *LoopbackProvider) newAddr() Addr {
	return Addr(atomic.AddUint64(&p.world.nextAddr, 1))
}

type loopbackAV struct{ world *World }

func (av *loopbackAV) Insert(raw []byte) (Addr, error) {
	if len(raw) != 8 {
		return 0, fmt.Errorf("fabric: malformed loopback address (len=%d)", len(raw))
	}
	a := Addr(binary.BigEndian.Uint64(raw))
	av.world.mu.Lock()
	_, ok := av.world.nodeOf[a]
	av.world.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("fabric: address %d not known to this world", a)
	}
	return a, nil
}

type loopbackEndpoint struct {
	world *World
	node  NodeID
	addr  Addr
	cq    chan Completion
	cqErr chan Completion
}

func (e *loopbackEndpoint) LocalAddr() []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(e.addr))
	return b
}

func (e *loopbackEndpoint) targetHeap(peer Addr) ([]byte, error) {
	e.world.mu.Lock()
	defer e.world.mu.Unlock()
	node, ok := e.world.nodeOf[peer]
	if !ok {
		return nil, fmt.Errorf("fabric: unknown peer address %d", peer)
	}
	return e.world.heaps[node], nil
}

func (e *loopbackEndpoint) Write(peer Addr, remote RemoteMR, local []byte, _ LocalMR, ctxTag uint64, more bool) error {
	heap, err := e.targetHeap(peer)
	if err != nil {
		return err
	}
	if int(remote.Offset)+len(local) > len(heap) {
		return fmt.Errorf("fabric: write [%d,%d) out of range (heap len %d)", remote.Offset, int(remote.Offset)+len(local), len(heap))
	}
	e.world.mu.Lock()
	copy(heap[remote.Offset:], local)
	e.world.mu.Unlock()
	e.cq <- Completion{Context: ctxTag}
	return nil
}

func (e *loopbackEndpoint) InjectWrite(peer Addr, remote RemoteMR, local []byte) error {
	heap, err := e.targetHeap(peer)
	if err != nil {
		return err
	}
	if int(remote.Offset)+len(local) > len(heap) {
		return fmt.Errorf("fabric: inject_write out of range")
	}
	e.world.mu.Lock()
	copy(heap[remote.Offset:], local)
	e.world.mu.Unlock()
	return nil
}

func (e *loopbackEndpoint) Read(peer Addr, remote RemoteMR, local []byte, _ LocalMR, ctxTag uint64, more bool) error {
	heap, err := e.targetHeap(peer)
	if err != nil {
		return err
	}
	if int(remote.Offset)+len(local) > len(heap) {
		return fmt.Errorf("fabric: read [%d,%d) out of range (heap len %d)", remote.Offset, int(remote.Offset)+len(local), len(heap))
	}
	e.world.mu.Lock()
	copy(local, heap[remote.Offset:int(remote.Offset)+len(local)])
	e.world.mu.Unlock()
	e.cq <- Completion{Context: ctxTag}
	return nil
}

func (e *loopbackEndpoint) Send(peer Addr, payload []byte, ctxTag uint64) error {
	e.world.mu.Lock()
	am, ok := e.world.amEndpoints[peer]
	e.world.mu.Unlock()
	if !ok {
		return fmt.Errorf("fabric: peer %d has no am endpoint", peer)
	}
	if err := am.deliver(payload); err != nil {
		return err
	}
	e.cq <- Completion{Context: ctxTag}
	return nil
}

func (e *loopbackEndpoint) Inject(peer Addr, payload []byte) error {
	e.world.mu.Lock()
	am, ok := e.world.amEndpoints[peer]
	e.world.mu.Unlock()
	if !ok {
		return fmt.Errorf("fabric: peer %d has no am endpoint", peer)
	}
	return am.deliver(payload)
}

func (e *loopbackEndpoint) Atomic(peer Addr, remote RemoteMR, typ AtomicType, op AtomicOp, operand []byte, ctxTag uint64, more bool) error {
	heap, err := e.targetHeap(peer)
	if err != nil {
		return err
	}
	e.world.mu.Lock()
	_, err = applyAtomic(heap, remote.Offset, typ, op, operand, nil, nil)
	e.world.mu.Unlock()
	if err != nil {
		return err
	}
	e.cq <- Completion{Context: ctxTag}
	return nil
}

func (e *loopbackEndpoint) FetchAtomic(peer Addr, remote RemoteMR, typ AtomicType, op AtomicOp, operand, result []byte, ctxTag uint64) error {
	heap, err := e.targetHeap(peer)
	if err != nil {
		return err
	}
	e.world.mu.Lock()
	_, err = applyAtomic(heap, remote.Offset, typ, op, operand, nil, result)
	e.world.mu.Unlock()
	if err != nil {
		return err
	}
	e.cq <- Completion{Context: ctxTag}
	return nil
}

func (e *loopbackEndpoint) CompareAtomic(peer Addr, remote RemoteMR, typ AtomicType, operand, compare, result []byte, ctxTag uint64) error {
	heap, err := e.targetHeap(peer)
	if err != nil {
		return err
	}
	e.world.mu.Lock()
	_, err = applyAtomic(heap, remote.Offset, typ, OpCswap, operand, compare, result)
	e.world.mu.Unlock()
	if err != nil {
		return err
	}
	e.cq <- Completion{Context: ctxTag}
	return nil
}

func (e *loopbackEndpoint) CQRead(max int) ([]Completion, error) {
	var out []Completion
	for len(out) < max {
		select {
		case c := <-e.cq:
			out = append(out, c)
		default:
			return out, nil
		}
	}
	return out, nil
}

func (e *loopbackEndpoint) CQReadErr() (Completion, bool, error) {
	select {
	case c := <-e.cqErr:
		return c, true, nil
	default:
		return Completion{}, false, nil
	}
}

func (e *loopbackEndpoint) Close() error { return nil }

type loopbackAMEndpoint struct {
	*loopbackEndpoint

	mu        sync.Mutex
	bufCap    [2]int
	bufUsed   [2]int
	bufPosted [2]bool
	active    int

	deliveries   chan AMDelivery
	bufferEvents chan AMBufferEvent
}

func (a *loopbackAMEndpoint) PostMultiRecv(index int, capacity int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.bufCap[index] = capacity
	a.bufUsed[index] = 0
	a.bufPosted[index] = true
	return nil
}

func (a *loopbackAMEndpoint) deliver(payload []byte) error {
	a.mu.Lock()
	idx := a.active
	if !a.bufPosted[idx] || a.bufUsed[idx]+len(payload) > a.bufCap[idx] {
		released := idx
		a.bufPosted[idx] = false
		other := 1 - idx
		if !a.bufPosted[other] {
			a.mu.Unlock()
			return fmt.Errorf("fabric: both am landing buffers exhausted, request dropped")
		}
		a.active = other
		a.mu.Unlock()
		a.bufferEvents <- AMBufferEvent{Index: released}
		a.mu.Lock()
		idx = a.active
		if a.bufUsed[idx]+len(payload) > a.bufCap[idx] {
			a.mu.Unlock()
			return fmt.Errorf("fabric: am payload of %d bytes exceeds landing buffer capacity", len(payload))
		}
	}
	a.bufUsed[idx] += len(payload)
	a.mu.Unlock()

	cp := make([]byte, len(payload))
	copy(cp, payload)
	a.deliveries <- AMDelivery{Payload: cp}
	return nil
}

func (a *loopbackAMEndpoint) Deliveries() <-chan AMDelivery       { return a.deliveries }
func (a *loopbackAMEndpoint) BufferEvents() <-chan AMBufferEvent { return a.bufferEvents }

var (
	_ Provider   = (*LoopbackProvider)(nil)
	_ Endpoint   = (*loopbackEndpoint)(nil)
	_ AMEndpoint = (*loopbackAMEndpoint)(nil)
)
