// Package wire implements the active-message request encoding (§4.7,
// `am_request_common`): a tagged union over the eight AM sub-kinds, each
// starting with a common {op, initiator_node, p_done} header, marshaled by
// hand with encoding/binary the way the teacher repo marshals its
// kernel-facing structs rather than through reflection-based codecs.
package wire

import (
	"encoding/binary"
	"fmt"
)

// Op identifies an AM request sub-kind.
type Op uint8

const (
	OpExecOn Op = iota
	OpExecOnLrg
	OpGet
	OpPut
	OpAMO
	OpFree
	OpNop
	OpShutdown
)

func (o Op) String() string {
	switch o {
	case OpExecOn:
		return "ExecOn"
	case OpExecOnLrg:
		return "ExecOnLrg"
	case OpGet:
		return "Get"
	case OpPut:
		return "Put"
	case OpAMO:
		return "AMO"
	case OpFree:
		return "Free"
	case OpNop:
		return "Nop"
	case OpShutdown:
		return "Shutdown"
	default:
		return fmt.Sprintf("Op(%d)", uint8(o))
	}
}

// MaxInlinePayload bounds an inline ExecOn argument bundle (§3).
const MaxInlinePayload = 1024

// headerSize is {op(1), pad(7), initiator_node(4), pad(4), p_done(8)} = 24 bytes.
// The opcode byte is first, per §6's wire-format note.
const headerSize = 24

// Header is the common prefix of every AM request.
type Header struct {
	Op            Op
	InitiatorNode uint32
	// PDone is the remote (to the target) address at which a single
	// nonzero byte should be RMA-written on completion. Zero means
	// fire-and-forget.
	PDone uint64
}

func putHeader(buf []byte, h Header) {
	buf[0] = byte(h.Op)
	binary.LittleEndian.PutUint32(buf[8:12], h.InitiatorNode)
	binary.LittleEndian.PutUint64(buf[16:24], h.PDone)
}

func getHeader(data []byte) (Header, error) {
	if len(data) < headerSize {
		return Header{}, ErrShortBuffer
	}
	return Header{
		Op:            Op(data[0]),
		InitiatorNode: binary.LittleEndian.Uint32(data[8:12]),
		PDone:         binary.LittleEndian.Uint64(data[16:24]),
	}, nil
}

// ErrShortBuffer is returned when a wire buffer is too small to hold the
// structure being decoded.
var ErrShortBuffer = fmt.Errorf("wire: buffer too short")

// ExecOnRequest carries an inline function id plus argument bundle.
type ExecOnRequest struct {
	Header
	FuncID uint64
	Fast   bool
	Args   []byte
}

// execOnFixedSize covers func_id(8) + fast(1) + pad(3) + arglen(4).
const execOnFixedSize = headerSize + 16

func (r *ExecOnRequest) Marshal() []byte {
	buf := make([]byte, execOnFixedSize+len(r.Args))
	putHeader(buf, r.Header)
	binary.LittleEndian.PutUint64(buf[headerSize:headerSize+8], r.FuncID)
	if r.Fast {
		buf[headerSize+8] = 1
	}
	binary.LittleEndian.PutUint32(buf[headerSize+12:headerSize+16], uint32(len(r.Args)))
	copy(buf[execOnFixedSize:], r.Args)
	return buf
}

func UnmarshalExecOn(data []byte) (*ExecOnRequest, error) {
	h, err := getHeader(data)
	if err != nil {
		return nil, err
	}
	if len(data) < execOnFixedSize {
		return nil, ErrShortBuffer
	}
	funcID := binary.LittleEndian.Uint64(data[headerSize : headerSize+8])
	fast := data[headerSize+8] != 0
	n := binary.LittleEndian.Uint32(data[headerSize+12 : headerSize+16])
	if execOnFixedSize+int(n) > len(data) {
		return nil, ErrShortBuffer
	}
	args := make([]byte, n)
	copy(args, data[execOnFixedSize:execOnFixedSize+int(n)])
	return &ExecOnRequest{Header: h, FuncID: funcID, Fast: fast, Args: args}, nil
}

// ExecOnLrgRequest points at an oversized argument bundle still sitting in
// the initiator's registered heap; the handler GETs it before running.
type ExecOnLrgRequest struct {
	Header
	FuncID      uint64
	PayloadAddr uint64 // remote offset into initiator heap
	PayloadKey  uint64 // remote MR key
	PayloadSize uint64
}

const execOnLrgSize = headerSize + 32

func (r *ExecOnLrgRequest) Marshal() []byte {
	buf := make([]byte, execOnLrgSize)
	putHeader(buf, r.Header)
	binary.LittleEndian.PutUint64(buf[headerSize:headerSize+8], r.FuncID)
	binary.LittleEndian.PutUint64(buf[headerSize+8:headerSize+16], r.PayloadAddr)
	binary.LittleEndian.PutUint64(buf[headerSize+16:headerSize+24], r.PayloadKey)
	binary.LittleEndian.PutUint64(buf[headerSize+24:headerSize+32], r.PayloadSize)
	return buf
}

func UnmarshalExecOnLrg(data []byte) (*ExecOnLrgRequest, error) {
	h, err := getHeader(data)
	if err != nil {
		return nil, err
	}
	if len(data) < execOnLrgSize {
		return nil, ErrShortBuffer
	}
	return &ExecOnLrgRequest{
		Header:      h,
		FuncID:      binary.LittleEndian.Uint64(data[headerSize : headerSize+8]),
		PayloadAddr: binary.LittleEndian.Uint64(data[headerSize+8 : headerSize+16]),
		PayloadKey:  binary.LittleEndian.Uint64(data[headerSize+16 : headerSize+24]),
		PayloadSize: binary.LittleEndian.Uint64(data[headerSize+24 : headerSize+32]),
	}, nil
}

// RMARequest is the common shape of Get and Put: the handler performs the
// RMA on the initiator's behalf. For op=Get, the handler reads from the
// initiator's memory at (LocalAddr, LocalKey) and writes into its own heap
// at RemoteAddr (resolved locally, RemoteKey unused). For op=Put, the
// handler reads from its own heap at RemoteAddr and writes into the
// initiator's memory at (LocalAddr, LocalKey).
type RMARequest struct {
	Header
	LocalAddr  uint64 // initiator-local address/key: the non-handler side of the RMA
	LocalKey   uint64
	RemoteAddr uint64 // handler-local address (offset), resolved via the handler's own mr table
	RemoteKey  uint64 // unused; reserved
	Size       uint64
}

const rmaRequestSize = headerSize + 40

func (r *RMARequest) marshal(op Op) []byte {
	buf := make([]byte, rmaRequestSize)
	h := r.Header
	h.Op = op
	putHeader(buf, h)
	binary.LittleEndian.PutUint64(buf[headerSize:headerSize+8], r.LocalAddr)
	binary.LittleEndian.PutUint64(buf[headerSize+8:headerSize+16], r.LocalKey)
	binary.LittleEndian.PutUint64(buf[headerSize+16:headerSize+24], r.RemoteAddr)
	binary.LittleEndian.PutUint64(buf[headerSize+24:headerSize+32], r.RemoteKey)
	binary.LittleEndian.PutUint64(buf[headerSize+32:headerSize+40], r.Size)
	return buf
}

func (r *RMARequest) MarshalGet() []byte { return r.marshal(OpGet) }
func (r *RMARequest) MarshalPut() []byte { return r.marshal(OpPut) }

func UnmarshalRMARequest(data []byte) (*RMARequest, error) {
	h, err := getHeader(data)
	if err != nil {
		return nil, err
	}
	if len(data) < rmaRequestSize {
		return nil, ErrShortBuffer
	}
	return &RMARequest{
		Header:     h,
		LocalAddr:  binary.LittleEndian.Uint64(data[headerSize : headerSize+8]),
		LocalKey:   binary.LittleEndian.Uint64(data[headerSize+8 : headerSize+16]),
		RemoteAddr: binary.LittleEndian.Uint64(data[headerSize+16 : headerSize+24]),
		RemoteKey:  binary.LittleEndian.Uint64(data[headerSize+24 : headerSize+32]),
		Size:       binary.LittleEndian.Uint64(data[headerSize+32 : headerSize+40]),
	}, nil
}

// AMORequest carries a proxied atomic memory operation (§4.4/§4.5).
type AMORequest struct {
	Header
	AtomicOp    uint8
	AtomicType  uint8
	Size        uint32
	ObjAddr     uint64 // handler-local offset of the target word
	Operand1    uint64
	Operand2    uint64 // compare operand, for Cswap
	ResultAddr  uint64 // initiator-local address to PUT the fetched result into
	ResultKey   uint64
	WantsResult bool
}

const amoRequestSize = headerSize + 48

func (r *AMORequest) Marshal() []byte {
	buf := make([]byte, amoRequestSize)
	putHeader(buf, r.Header)
	buf[headerSize] = r.AtomicOp
	buf[headerSize+1] = r.AtomicType
	if r.WantsResult {
		buf[headerSize+2] = 1
	}
	binary.LittleEndian.PutUint32(buf[headerSize+4:headerSize+8], r.Size)
	binary.LittleEndian.PutUint64(buf[headerSize+8:headerSize+16], r.ObjAddr)
	binary.LittleEndian.PutUint64(buf[headerSize+16:headerSize+24], r.Operand1)
	binary.LittleEndian.PutUint64(buf[headerSize+24:headerSize+32], r.Operand2)
	binary.LittleEndian.PutUint64(buf[headerSize+32:headerSize+40], r.ResultAddr)
	binary.LittleEndian.PutUint64(buf[headerSize+40:headerSize+48], r.ResultKey)
	return buf
}

func UnmarshalAMO(data []byte) (*AMORequest, error) {
	h, err := getHeader(data)
	if err != nil {
		return nil, err
	}
	if len(data) < amoRequestSize {
		return nil, ErrShortBuffer
	}
	return &AMORequest{
		Header:      h,
		AtomicOp:    data[headerSize],
		AtomicType:  data[headerSize+1],
		WantsResult: data[headerSize+2] != 0,
		Size:        binary.LittleEndian.Uint32(data[headerSize+4 : headerSize+8]),
		ObjAddr:     binary.LittleEndian.Uint64(data[headerSize+8 : headerSize+16]),
		Operand1:    binary.LittleEndian.Uint64(data[headerSize+16 : headerSize+24]),
		Operand2:    binary.LittleEndian.Uint64(data[headerSize+24 : headerSize+32]),
		ResultAddr:  binary.LittleEndian.Uint64(data[headerSize+32 : headerSize+40]),
		ResultKey:   binary.LittleEndian.Uint64(data[headerSize+40 : headerSize+48]),
	}, nil
}

// FreeRequest asks the target to free a previously-bounced pointer.
type FreeRequest struct {
	Header
	Addr uint64
}

const freeRequestSize = headerSize + 8

func (r *FreeRequest) Marshal() []byte {
	buf := make([]byte, freeRequestSize)
	h := r.Header
	h.Op = OpFree
	putHeader(buf, h)
	binary.LittleEndian.PutUint64(buf[headerSize:headerSize+8], r.Addr)
	return buf
}

func UnmarshalFree(data []byte) (*FreeRequest, error) {
	h, err := getHeader(data)
	if err != nil {
		return nil, err
	}
	if len(data) < freeRequestSize {
		return nil, ErrShortBuffer
	}
	return &FreeRequest{Header: h, Addr: binary.LittleEndian.Uint64(data[headerSize : headerSize+8])}, nil
}

// NopRequest is the liveness / MCM-ordering no-op.
type NopRequest struct {
	Header
}

func (r *NopRequest) Marshal() []byte {
	buf := make([]byte, headerSize)
	h := r.Header
	h.Op = OpNop
	putHeader(buf, h)
	return buf
}

// ShutdownRequest is the graceful-exit signal broadcast from node 0.
type ShutdownRequest struct {
	Header
}

func (r *ShutdownRequest) Marshal() []byte {
	buf := make([]byte, headerSize)
	h := r.Header
	h.Op = OpShutdown
	putHeader(buf, h)
	return buf
}

// PeekOp reads just the opcode byte, letting the handler loop dispatch to
// the right Unmarshal* without re-parsing the header twice.
func PeekOp(data []byte) (Op, error) {
	if len(data) < 1 {
		return 0, ErrShortBuffer
	}
	return Op(data[0]), nil
}
