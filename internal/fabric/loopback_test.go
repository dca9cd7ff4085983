package fabric

import "testing"

func newPair(t *testing.T) (*LoopbackProvider, *LoopbackProvider, []byte, []byte) {
	t.Helper()
	world := NewWorld()
	p0 := NewLoopbackProvider(world, 0, DefaultLoopbackCapabilities())
	p1 := NewLoopbackProvider(world, 1, DefaultLoopbackCapabilities())

	heap0 := make([]byte, 4096)
	heap1 := make([]byte, 4096)
	if _, err := p0.RegisterHeap(heap0, MRBasic); err != nil {
		t.Fatalf("RegisterHeap(0): %v", err)
	}
	if _, err := p1.RegisterHeap(heap1, MRBasic); err != nil {
		t.Fatalf("RegisterHeap(1): %v", err)
	}
	return p0, p1, heap0, heap1
}

func TestLoopbackWriteRead(t *testing.T) {
	p0, p1, _, heap1 := newPair(t)

	ep0, err := p0.OpenEndpoint()
	if err != nil {
		t.Fatalf("OpenEndpoint: %v", err)
	}
	amEp1, err := p1.OpenAMEndpoint()
	if err != nil {
		t.Fatalf("OpenAMEndpoint: %v", err)
	}
	av := p0.AddressVector()
	peerAddr, err := av.Insert(amEp1.LocalAddr())
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	payload := []byte("hello pgaofi")
	if err := ep0.Write(peerAddr, RemoteMR{Key: 2, Offset: 10}, payload, LocalMR{}, 42, false); err != nil {
		t.Fatalf("Write: %v", err)
	}
	completions, err := ep0.CQRead(8)
	if err != nil || len(completions) != 1 || completions[0].Context != 42 {
		t.Fatalf("CQRead = %v, %v", completions, err)
	}
	if string(heap1[10:10+len(payload)]) != string(payload) {
		t.Errorf("target heap mismatch: got %q", heap1[10:10+len(payload)])
	}

	readBuf := make([]byte, len(payload))
	if err := ep0.Read(peerAddr, RemoteMR{Offset: 10}, readBuf, LocalMR{}, 43, false); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(readBuf) != string(payload) {
		t.Errorf("Read got %q, want %q", readBuf, payload)
	}
}

func TestLoopbackInjectWriteNoCompletion(t *testing.T) {
	p0, p1, _, heap1 := newPair(t)
	ep0, _ := p0.OpenEndpoint()
	amEp1, _ := p1.OpenAMEndpoint()
	peerAddr, _ := p0.AddressVector().Insert(amEp1.LocalAddr())

	if err := ep0.InjectWrite(peerAddr, RemoteMR{Offset: 0}, []byte{0xAB}); err != nil {
		t.Fatalf("InjectWrite: %v", err)
	}
	completions, _ := ep0.CQRead(8)
	if len(completions) != 0 {
		t.Errorf("InjectWrite should not produce a CQ event, got %v", completions)
	}
	if heap1[0] != 0xAB {
		t.Errorf("target byte = %x, want ab", heap1[0])
	}
}

func TestLoopbackAtomicFetchAddConverges(t *testing.T) {
	_, p1, _, heap1 := newPair(t)
	world := p1.world
	p0 := NewLoopbackProvider(world, 0, DefaultLoopbackCapabilities())

	ep0, _ := p0.OpenEndpoint()
	amEp1, _ := p1.OpenAMEndpoint()
	peerAddr, _ := p0.AddressVector().Insert(amEp1.LocalAddr())

	const n = 1000
	for i := 0; i < n; i++ {
		operand := make([]byte, 8)
		operand[0] = 1
		if err := ep0.Atomic(peerAddr, RemoteMR{Offset: 0}, Int64, OpSum, operand, uint64(i), false); err != nil {
			t.Fatalf("Atomic: %v", err)
		}
	}
	ep0.CQRead(n + 1)

	got := int64(0)
	for i := 0; i < 8; i++ {
		got |= int64(heap1[i]) << (8 * i)
	}
	if got != n {
		t.Errorf("counter = %d, want %d", got, n)
	}
}

func TestLoopbackAMBufferSwap(t *testing.T) {
	_, p1, _, _ := newPair(t)
	world := p1.world
	p0 := NewLoopbackProvider(world, 0, DefaultLoopbackCapabilities())

	ep0, _ := p0.OpenEndpoint()
	amEp1, _ := p1.OpenAMEndpoint()
	peerAddr, _ := p0.AddressVector().Insert(amEp1.LocalAddr())

	if err := amEp1.PostMultiRecv(0, 16); err != nil {
		t.Fatalf("PostMultiRecv(0): %v", err)
	}
	if err := amEp1.PostMultiRecv(1, 16); err != nil {
		t.Fatalf("PostMultiRecv(1): %v", err)
	}

	if err := ep0.Send(peerAddr, make([]byte, 10), 1); err != nil {
		t.Fatalf("Send 1: %v", err)
	}
	if err := ep0.Send(peerAddr, make([]byte, 10), 2); err != nil {
		t.Fatalf("Send 2: %v", err)
	}

	select {
	case ev := <-amEp1.BufferEvents():
		if ev.Index != 0 {
			t.Errorf("expected buffer 0 released, got %d", ev.Index)
		}
	default:
		t.Fatal("expected a buffer-released event after exceeding capacity")
	}

	if len(amEp1.Deliveries()) != 2 {
		t.Errorf("expected 2 deliveries queued, got %d", len(amEp1.Deliveries()))
	}
}
