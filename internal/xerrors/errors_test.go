package xerrors

import (
	"errors"
	"strings"
	"syscall"
	"testing"
)

func TestStructuredError(t *testing.T) {
	err := New("tci_alloc", CodeResourceExhaust, "transmit context table saturated")
	if err.Error() == "" {
		t.Fatal("expected non-empty error string")
	}
	if !errors.Is(err, New("other_op", CodeResourceExhaust, "")) {
		t.Error("expected errors.Is to match on Code")
	}
	if errors.Is(err, New("other_op", CodeCQTruncation, "")) {
		t.Error("did not expect match across different codes")
	}
}

func TestWrapErrno(t *testing.T) {
	wrapped := Wrap("mr_reg", 3, syscall.ENOMEM)
	if wrapped.Code != CodeProviderFatal {
		t.Errorf("Code = %v, want CodeProviderFatal", wrapped.Code)
	}
	if wrapped.Errno != syscall.ENOMEM {
		t.Errorf("Errno = %v, want ENOMEM", wrapped.Errno)
	}
	if wrapped.Peer != 3 {
		t.Errorf("Peer = %d, want 3", wrapped.Peer)
	}
}

func TestWrapNilIsNil(t *testing.T) {
	if Wrap("op", 0, nil) != nil {
		t.Error("Wrap(nil) should return nil")
	}
}

func TestIsCode(t *testing.T) {
	err := NewPeer("ofi_get", 2, CodeNonAddressable, "not rma-addressable")
	if !IsCode(err, CodeNonAddressable) {
		t.Error("expected IsCode to match")
	}
	if IsCode(err, CodeProviderFatal) {
		t.Error("did not expect match")
	}
	if IsCode(errors.New("plain"), CodeNonAddressable) {
		t.Error("plain error should never match IsCode")
	}
}

func TestFatalInvokesAbortFunc(t *testing.T) {
	called := false
	var gotErr error
	orig := AbortFunc
	AbortFunc = func(err error) {
		called = true
		gotErr = err
	}
	defer func() { AbortFunc = orig }()

	sentinel := New("cq_readerr", CodeCQTruncation, "am receive buffer undersized")
	Fatal(nil, sentinel)

	if !called {
		t.Fatal("expected AbortFunc to be invoked")
	}
	if gotErr != sentinel {
		t.Errorf("AbortFunc received %v, want %v", gotErr, sentinel)
	}
}

func TestEMFileHintMentionsConcurrencyAndNodes(t *testing.T) {
	hint := EMFileHint(16, 4)
	if !strings.Contains(hint, "concurrency=16") || !strings.Contains(hint, "nodes=4") {
		t.Fatalf("hint %q does not mention concurrency=16 and nodes=4", hint)
	}
}
