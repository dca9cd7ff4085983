// Package mr implements the memory-region table (§4.1 / §3): local
// descriptors, and per-peer remote-key/offset lookup for every other
// node's registered heap.
package mr

import "github.com/pgaofi/pgaofi/internal/fabric"

// Region describes one registered range, local or remote.
type Region struct {
	Base   uintptr
	Size   uint64
	Local  fabric.LocalMR  // valid only for the local node's own region
	Remote fabric.RemoteMR // valid only when describing a peer's region
}

// NodeSet is the small per-node array of registered regions; the spec
// bounds this at ≤10 per node, so linear scan is intentional, not a
// shortcut.
type NodeSet struct {
	Regions []Region
}

// contains reports whether [addr, addr+size) falls fully within r.
func (r Region) contains(addr uintptr, size uint64) bool {
	if addr < r.Base {
		return false
	}
	end := r.Base + uintptr(r.Size)
	reqEnd := addr + uintptr(size)
	return reqEnd <= end
}

// Table is the replicated view of every node's MR set: index Self is this
// node's own set (queried via LocalDesc), every other index is a peer's
// set as learned via the memory-region exchange in initialization.
type Table struct {
	Mode  fabric.MRMode
	Self  int
	Nodes []NodeSet // Nodes[p] == peer p's registered regions
}

// NewTable allocates an empty table for n nodes.
func NewTable(self int, n int, mode fabric.MRMode) *Table {
	return &Table{Mode: mode, Self: self, Nodes: make([]NodeSet, n)}
}

// SetLocal installs this node's own region, as produced by
// fabric.Provider.RegisterHeap. selfRemote is the (key, offset=0) pair this
// node advertises to peers for the same region during memory-region
// exchange — populating it here lets RemoteKey(t.Self, ...) answer queries
// a PUT issues when staging a proxy request that must tell a peer how to
// reach this node's own memory.
func (t *Table) SetLocal(base uintptr, size uint64, local fabric.LocalMR, selfRemote fabric.RemoteMR) {
	t.Nodes[t.Self] = NodeSet{Regions: []Region{{Base: base, Size: size, Local: local, Remote: selfRemote}}}
}

// SetPeer installs peer p's replicated region set, as produced by the
// memory-region allgather.
func (t *Table) SetPeer(peer int, regions []Region) {
	t.Nodes[peer] = NodeSet{Regions: regions}
}

// LocalDesc implements mr_get_desc: the first local region fully
// containing [addr, addr+size).
func (t *Table) LocalDesc(addr uintptr, size uint64) (fabric.LocalMR, bool) {
	for _, r := range t.Nodes[t.Self].Regions {
		if r.contains(addr, size) {
			return r.Local, true
		}
	}
	return fabric.LocalMR{}, false
}

// RemoteKey implements mr_get_key: the first region of peer `peer` fully
// containing [addr, addr+size), translated to (key, offset). The offset is
// always addr minus that region's base; the table's Mode is not consulted,
// so the offset is region-relative in both registration modes.
func (t *Table) RemoteKey(peer int, addr uintptr, size uint64) (fabric.RemoteMR, bool) {
	if peer < 0 || peer >= len(t.Nodes) {
		return fabric.RemoteMR{}, false
	}
	for _, r := range t.Nodes[peer].Regions {
		if r.contains(addr, size) {
			offset := addr - r.Base
			return fabric.RemoteMR{Key: r.Remote.Key, Offset: uint64(offset)}, true
		}
	}
	return fabric.RemoteMR{}, false
}

// Addressable reports whether addr/size is covered by peer's registered
// heap at all (false when no region of peer covers the whole range). The
// AMO engine uses it to choose between a network AMO and the AM fallback.
func (t *Table) Addressable(peer int, addr uintptr, size uint64) bool {
	_, ok := t.RemoteKey(peer, addr, size)
	return ok
}

// SelectMode chooses a registration mode given what the negotiated
// provider requires, trying scalable first and falling back to
// basic/fixed-heap — the fallback chain the original implementation uses
// (comm-ofi.c tries FI_MR_SCALABLE first, then FI_MR_BASIC / the
// virt-address-required combination).
func SelectMode(providerSupportsScalable, providerRequiresBasic bool) (fabric.MRMode, bool) {
	if providerSupportsScalable && !providerRequiresBasic {
		return fabric.MRScalable, true
	}
	if providerRequiresBasic {
		return fabric.MRBasic, true
	}
	return fabric.MRScalable, false
}
