package initcfg

import (
	"context"
	"encoding/binary"
	"fmt"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/pgaofi/pgaofi/internal/fabric"
	"github.com/pgaofi/pgaofi/internal/mr"
	"github.com/pgaofi/pgaofi/internal/oob"
)

// maxConcurrentPeerOps bounds how many per-peer AV-insert / MR-decode
// operations run at once during exchange (§4.9): unbounded fan-out across
// a job of thousands of nodes would thrash the OOB rendezvous rather than
// speed bring-up up.
const maxConcurrentPeerOps = 64

// AddrSet is this node's own exchanged address pair: the AM endpoint
// address every peer's handler sends requests to, and one representative
// RMA-capable endpoint address used for ordering-sensitive traffic (dummy
// GETs, and any PUT/GET/AMO issued on an unbound transmit context) — any
// one of a node's open endpoints resolves to the same peer/heap, so a
// single representative address is enough (§4.1).
type AddrSet struct {
	AM  []byte
	RMA []byte
}

func marshalAddrSet(a AddrSet) []byte {
	buf := make([]byte, 8+len(a.AM)+len(a.RMA))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(a.AM)))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(a.RMA)))
	n := copy(buf[8:], a.AM)
	copy(buf[8+n:], a.RMA)
	return buf
}

func unmarshalAddrSet(buf []byte) (AddrSet, error) {
	if len(buf) < 8 {
		return AddrSet{}, fmt.Errorf("initcfg: short address payload (%d bytes)", len(buf))
	}
	amLen := binary.LittleEndian.Uint32(buf[0:4])
	rmaLen := binary.LittleEndian.Uint32(buf[4:8])
	if 8+int(amLen)+int(rmaLen) > len(buf) {
		return AddrSet{}, fmt.Errorf("initcfg: truncated address payload")
	}
	am := append([]byte(nil), buf[8:8+amLen]...)
	rma := append([]byte(nil), buf[8+amLen:8+amLen+rmaLen]...)
	return AddrSet{AM: am, RMA: rma}, nil
}

// ExchangeAddrs implements the §4.9 address-exchange step: an OOB
// allgather of every node's (AM, RMA) raw address pair, followed by a
// bounded-concurrency fan-out of AddressVector.Insert calls — independent
// per-peer operations in a real provider, parallelized with errgroup and
// capped with a semaphore rather than either serializing them or letting
// an N-node job open N-1 inserts at once.
//
// Returns, indexed by peer, the fabric.Addr to use for AM requests and for
// ordering-sensitive RMA respectively.
func ExchangeAddrs(ctx context.Context, boot oob.Bootstrap, av fabric.AddressVector, self AddrSet) (peerAM, peerRMA []fabric.Addr, err error) {
	raw, err := boot.Allgather(ctx, marshalAddrSet(self))
	if err != nil {
		return nil, nil, fmt.Errorf("initcfg: address allgather: %w", err)
	}

	n := len(raw)
	peerAM = make([]fabric.Addr, n)
	peerRMA = make([]fabric.Addr, n)

	sem := semaphore.NewWeighted(maxConcurrentPeerOps)
	g, gctx := errgroup.WithContext(ctx)
	for p := 0; p < n; p++ {
		p := p
		if err := sem.Acquire(gctx, 1); err != nil {
			return nil, nil, fmt.Errorf("initcfg: address exchange: %w", err)
		}
		g.Go(func() error {
			defer sem.Release(1)
			set, err := unmarshalAddrSet(raw[p])
			if err != nil {
				return fmt.Errorf("initcfg: peer %d: %w", p, err)
			}
			amAddr, err := av.Insert(set.AM)
			if err != nil {
				return fmt.Errorf("initcfg: peer %d am insert: %w", p, err)
			}
			rmaAddr, err := av.Insert(set.RMA)
			if err != nil {
				return fmt.Errorf("initcfg: peer %d rma insert: %w", p, err)
			}
			peerAM[p] = amAddr
			peerRMA[p] = rmaAddr
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return peerAM, peerRMA, nil
}

// ExchangeMR implements the §4.1/§4.9 memory-region exchange: an OOB
// allgather of every node's local registration descriptor, decoded in
// parallel (same bounded-concurrency rationale as ExchangeAddrs) into the
// replicated mr.Table every peer needs for RemoteKey lookups.
func ExchangeMR(ctx context.Context, boot oob.Bootstrap, mrt *mr.Table, selfBase uintptr, selfSize uint64, selfRemote fabric.RemoteMR) error {
	local := make([]byte, 24)
	binary.LittleEndian.PutUint64(local[0:8], uint64(selfBase))
	binary.LittleEndian.PutUint64(local[8:16], selfSize)
	binary.LittleEndian.PutUint64(local[16:24], selfRemote.Key)

	raw, err := boot.Allgather(ctx, local)
	if err != nil {
		return fmt.Errorf("initcfg: mr allgather: %w", err)
	}

	n := len(raw)
	sem := semaphore.NewWeighted(maxConcurrentPeerOps)
	g, gctx := errgroup.WithContext(ctx)
	for p := 0; p < n; p++ {
		p := p
		if err := sem.Acquire(gctx, 1); err != nil {
			return fmt.Errorf("initcfg: mr exchange: %w", err)
		}
		g.Go(func() error {
			defer sem.Release(1)
			buf := raw[p]
			if len(buf) < 24 {
				return fmt.Errorf("initcfg: peer %d: short mr payload", p)
			}
			base := uintptr(binary.LittleEndian.Uint64(buf[0:8]))
			size := binary.LittleEndian.Uint64(buf[8:16])
			key := binary.LittleEndian.Uint64(buf[16:24])
			mrt.SetPeer(p, []mr.Region{{
				Base:   base,
				Size:   size,
				Remote: fabric.RemoteMR{Key: key, Offset: 0},
			}})
			return nil
		})
	}
	return g.Wait()
}
