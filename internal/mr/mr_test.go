package mr

import (
	"testing"

	"github.com/pgaofi/pgaofi/internal/fabric"
)

func TestLocalDescFindsContainingRegion(t *testing.T) {
	table := NewTable(0, 2, fabric.MRBasic)
	table.SetLocal(0x1000, 4096, fabric.LocalMR{Mode: fabric.MRBasic, Base: 0x1000, Size: 4096}, fabric.RemoteMR{Key: 1})

	if _, ok := table.LocalDesc(0x1100, 64); !ok {
		t.Error("expected a local descriptor for an address inside the region")
	}
	if _, ok := table.LocalDesc(0x500, 64); ok {
		t.Error("did not expect a descriptor for an address outside the region")
	}
	if _, ok := table.LocalDesc(0x1F80, 256); ok {
		t.Error("did not expect a descriptor for a range crossing the region end")
	}
}

func TestRemoteKeyComputesOffset(t *testing.T) {
	table := NewTable(0, 2, fabric.MRBasic)
	table.SetPeer(1, []Region{{Base: 0x2000, Size: 4096, Remote: fabric.RemoteMR{Key: 7}}})

	key, ok := table.RemoteKey(1, 0x2040, 16)
	if !ok {
		t.Fatal("expected a remote key")
	}
	if key.Key != 7 || key.Offset != 0x40 {
		t.Errorf("RemoteKey = %+v, want key=7 offset=0x40", key)
	}
}

func TestRemoteKeyUnknownPeer(t *testing.T) {
	table := NewTable(0, 2, fabric.MRBasic)
	if _, ok := table.RemoteKey(5, 0, 8); ok {
		t.Error("expected no key for an out-of-range peer index")
	}
}

func TestAddressableIsConservative(t *testing.T) {
	table := NewTable(0, 2, fabric.MRBasic)
	table.SetPeer(1, []Region{{Base: 0x2000, Size: 4096, Remote: fabric.RemoteMR{Key: 7}}})

	if table.Addressable(1, 0x9000, 8) {
		t.Error("expected Addressable to be false for memory outside the registered region")
	}
	if !table.Addressable(1, 0x2000, 8) {
		t.Error("expected Addressable to be true for memory inside the registered region")
	}
}

func TestSelectMode(t *testing.T) {
	if mode, ok := SelectMode(true, false); !ok || mode != fabric.MRScalable {
		t.Errorf("expected scalable when supported and not required basic, got %v %v", mode, ok)
	}
	if mode, ok := SelectMode(false, true); !ok || mode != fabric.MRBasic {
		t.Errorf("expected basic fallback, got %v %v", mode, ok)
	}
	if _, ok := SelectMode(false, false); ok {
		t.Error("expected mode selection to fail when neither is viable")
	}
}
