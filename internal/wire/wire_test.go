package wire

import "testing"

func TestExecOnRoundTrip(t *testing.T) {
	req := &ExecOnRequest{
		Header: Header{Op: OpExecOn, InitiatorNode: 3, PDone: 0xABCD},
		FuncID: 42,
		Fast:   true,
		Args:   []byte("hello"),
	}
	buf := req.Marshal()
	got, err := UnmarshalExecOn(buf)
	if err != nil {
		t.Fatalf("UnmarshalExecOn: %v", err)
	}
	if got.InitiatorNode != 3 || got.PDone != 0xABCD || got.FuncID != 42 || !got.Fast {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if string(got.Args) != "hello" {
		t.Fatalf("args = %q, want hello", got.Args)
	}
}

func TestExecOnEmptyArgs(t *testing.T) {
	req := &ExecOnRequest{Header: Header{Op: OpExecOn}, FuncID: 1}
	got, err := UnmarshalExecOn(req.Marshal())
	if err != nil {
		t.Fatalf("UnmarshalExecOn: %v", err)
	}
	if len(got.Args) != 0 {
		t.Errorf("expected empty args, got %v", got.Args)
	}
}

func TestExecOnLrgRoundTrip(t *testing.T) {
	req := &ExecOnLrgRequest{
		Header:      Header{Op: OpExecOnLrg, InitiatorNode: 1},
		FuncID:      7,
		PayloadAddr: 0x1000,
		PayloadKey:  99,
		PayloadSize: 4096,
	}
	got, err := UnmarshalExecOnLrg(req.Marshal())
	if err != nil {
		t.Fatalf("UnmarshalExecOnLrg: %v", err)
	}
	if got.FuncID != 7 || got.PayloadAddr != 0x1000 || got.PayloadKey != 99 || got.PayloadSize != 4096 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestRMARequestGetPutOpcodes(t *testing.T) {
	req := &RMARequest{Header: Header{InitiatorNode: 2}, LocalAddr: 10, Size: 64}

	getBuf := req.MarshalGet()
	op, err := PeekOp(getBuf)
	if err != nil || op != OpGet {
		t.Fatalf("PeekOp(get) = %v, %v", op, err)
	}
	decodedGet, err := UnmarshalRMARequest(getBuf)
	if err != nil {
		t.Fatalf("UnmarshalRMARequest: %v", err)
	}
	if decodedGet.Op != OpGet || decodedGet.Size != 64 {
		t.Fatalf("unexpected decode: %+v", decodedGet)
	}

	putBuf := req.MarshalPut()
	op, err = PeekOp(putBuf)
	if err != nil || op != OpPut {
		t.Fatalf("PeekOp(put) = %v, %v", op, err)
	}
}

func TestAMORoundTrip(t *testing.T) {
	req := &AMORequest{
		Header:      Header{Op: OpAMO, InitiatorNode: 5, PDone: 0x2000},
		AtomicOp:    3,
		AtomicType:  1,
		Size:        8,
		ObjAddr:     128,
		Operand1:    1,
		ResultAddr:  256,
		ResultKey:   77,
		WantsResult: true,
	}
	got, err := UnmarshalAMO(req.Marshal())
	if err != nil {
		t.Fatalf("UnmarshalAMO: %v", err)
	}
	if got.AtomicOp != 3 || got.AtomicType != 1 || got.Size != 8 || got.ObjAddr != 128 ||
		got.Operand1 != 1 || got.ResultAddr != 256 || got.ResultKey != 77 || !got.WantsResult {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestFreeRoundTrip(t *testing.T) {
	req := &FreeRequest{Header: Header{InitiatorNode: 1}, Addr: 0xDEAD}
	got, err := UnmarshalFree(req.Marshal())
	if err != nil {
		t.Fatalf("UnmarshalFree: %v", err)
	}
	if got.Op != OpFree || got.Addr != 0xDEAD {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestNopAndShutdownOpcodes(t *testing.T) {
	nop := (&NopRequest{}).Marshal()
	op, err := PeekOp(nop)
	if err != nil || op != OpNop {
		t.Fatalf("PeekOp(nop) = %v, %v", op, err)
	}
	shut := (&ShutdownRequest{}).Marshal()
	op, err = PeekOp(shut)
	if err != nil || op != OpShutdown {
		t.Fatalf("PeekOp(shutdown) = %v, %v", op, err)
	}
}

func TestShortBufferErrors(t *testing.T) {
	if _, err := UnmarshalExecOn([]byte{1, 2, 3}); err != ErrShortBuffer {
		t.Fatalf("expected ErrShortBuffer, got %v", err)
	}
	if _, err := PeekOp(nil); err != ErrShortBuffer {
		t.Fatalf("expected ErrShortBuffer, got %v", err)
	}
}

func TestOpString(t *testing.T) {
	if OpExecOn.String() != "ExecOn" {
		t.Errorf("OpExecOn.String() = %q", OpExecOn.String())
	}
	if OpShutdown.String() != "Shutdown" {
		t.Errorf("OpShutdown.String() = %q", OpShutdown.String())
	}
}
