// Package fabric defines the capability contract the substrate consumes
// from a fabric provider (e.g. libfabric): endpoints, address vectors,
// memory registration, completion queues, and the RDMA/AMO/AM verb set.
// Everything above this package treats Provider as an opaque capability —
// exactly how the comm-substrate core treats libfabric.
package fabric

import "fmt"

// NodeID identifies one peer in the job, in [0, N).
type NodeID int

// Addr is an opaque per-endpoint fabric address, the analog of fi_addr_t.
// The zero value is never a valid inserted address.
type Addr uint64

// MRMode selects how memory is registered, mirroring §4.1's two modes.
type MRMode int

const (
	MRScalable MRMode = iota // one region covering the whole address space
	MRBasic                  // one region covering a pre-reserved heap
)

func (m MRMode) String() string {
	if m == MRScalable {
		return "scalable"
	}
	return "basic"
}

// LocalMR is the local, provider-specific descriptor for a registered region.
type LocalMR struct {
	Mode MRMode
	Desc uintptr
	Base uintptr
	Size uint64
}

// RemoteMR is what a peer needs to RDMA into/out of a region it did not
// register itself: the remote key plus the base offset convention that
// mode implies (absolute virtual address for providers that require it,
// or a region-relative offset otherwise).
type RemoteMR struct {
	Key    uint64
	Offset uint64
}

// AtomicType enumerates the (type) half of the AMO validity matrix in §4.4.
type AtomicType int

const (
	Int32 AtomicType = iota
	Int64
	Uint32
	Uint64
	Float32
	Float64
)

// AtomicOp enumerates the (op) half.
type AtomicOp int

const (
	OpSum AtomicOp = iota
	OpBAnd
	OpBOr
	OpBXor
	OpWrite
	OpRead
	OpCswap
)

// Capabilities describes what a negotiated provider instance offers, as
// decided during provider selection (§4.9/§4.11).
type Capabilities struct {
	Name             string
	DeliveryComplete bool
	MessageOrder     bool
	MaxMsgSize       uint64
	InjectSize       uint64
	MaxEpTx          int
	ScalableEP       bool
	AtomicsSupported bool
	// Good reports whether this is a "real" transport, i.e. not the
	// sockets/tcp emulation providers the selection algorithm deprioritizes.
	Good bool
}

// Completion is a single CQ event. Context carries the tagged completion
// word the issuer supplied (see the comm package's tag encoding).
type Completion struct {
	Context   uint64
	Truncated bool
}

// AddressVector's Insert returns the fabric address of an endpoint given its
// raw, provider-specific wire representation (exchanged out-of-band).
type AddressVector interface {
	Insert(raw []byte) (Addr, error)
}

// Endpoint is a transmit-capable endpoint: the fabric object a
// transmit context owns. One Provider may hand out many (N independent
// endpoints) or sub-contexts of one scalable endpoint; callers don't care
// which, they just get one Endpoint per Tcx.
type Endpoint interface {
	// LocalAddr returns this endpoint's raw address for OOB exchange.
	LocalAddr() []byte

	Write(peer Addr, remote RemoteMR, local []byte, localDesc LocalMR, ctxTag uint64, more bool) error
	InjectWrite(peer Addr, remote RemoteMR, local []byte) error
	Read(peer Addr, remote RemoteMR, local []byte, localDesc LocalMR, ctxTag uint64, more bool) error

	Send(peer Addr, payload []byte, ctxTag uint64) error
	Inject(peer Addr, payload []byte) error

	Atomic(peer Addr, remote RemoteMR, typ AtomicType, op AtomicOp, operand []byte, ctxTag uint64, more bool) error
	FetchAtomic(peer Addr, remote RemoteMR, typ AtomicType, op AtomicOp, operand, result []byte, ctxTag uint64) error
	CompareAtomic(peer Addr, remote RemoteMR, typ AtomicType, operand, compare, result []byte, ctxTag uint64) error

	// CQRead drains up to max completions without blocking.
	CQRead(max int) ([]Completion, error)
	// CQReadErr drains one error completion (e.g. ETRUNC), if any.
	CQReadErr() (Completion, bool, error)

	Close() error
}

// AMDelivery is one inbound active-message payload as packed by the
// fabric into a landing buffer.
type AMDelivery struct {
	Payload []byte
}

// AMBufferEvent signals that the landing buffer at Index has been
// released by the fabric (filled, or explicitly drained) and must be
// re-posted before more messages can land there.
type AMBufferEvent struct {
	Index int
}

// AMEndpoint is the receive-side endpoint the AM handler owns: a
// transmit-capable Endpoint (so it can reply) plus the multi-receive
// landing-zone machinery described in §4.7.
type AMEndpoint interface {
	Endpoint

	// PostMultiRecv (re)posts landing buffer `index` with the given
	// capacity. Both indices (0 and 1) must stay posted at all times;
	// the handler loop re-posts whichever one AMBufferEvent names.
	PostMultiRecv(index int, capacity int) error

	Deliveries() <-chan AMDelivery
	BufferEvents() <-chan AMBufferEvent
}

// Provider is the capability contract consumed by initialization, the
// TCT, the RDMA/AMO engines, and the AM engine. A concrete Provider is
// selected once at Init and is immutable afterward (read-only after
// init, per the concurrency model).
type Provider interface {
	Capabilities() Capabilities

	// RegisterHeap registers the fixed region backing this node's
	// globally-addressable heap, per the MRMode chosen during init.
	RegisterHeap(heap []byte, mode MRMode) (LocalMR, error)

	AddressVector() AddressVector

	// OpenEndpoint allocates one transmit-capable endpoint for a worker
	// transmit context.
	OpenEndpoint() (Endpoint, error)

	// OpenAMEndpoint allocates the endpoint the AM handler uses to both
	// receive requests and transmit responses/proxy RMA.
	OpenAMEndpoint() (AMEndpoint, error)

	// AtomicValid is the fi_{fetch_}atomicvalid probe (§4.4): reports
	// whether this provider instance supports the given (type, op) AMO
	// natively. The AMO engine probes every combination it uses once at
	// init and memoizes the result; this method is never called from a
	// hot path.
	AtomicValid(typ AtomicType, op AtomicOp) bool

	Close() error
}

// ErrEAGAIN is returned by issue-site verbs when the provider transiently
// can't make progress (e.g. during connection setup). No caller in this
// module retries on it: it is returned up the stack like any other error.
var ErrEAGAIN = fmt.Errorf("fabric: resource temporarily unavailable (EAGAIN)")
