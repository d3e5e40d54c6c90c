// 82599 ("ixgbe") shared-ring packet forwarding agent
// https://github.com/tinynf-go/tinynf
//
// Copyright (c) The TinyNF-Go Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package ixgbe

import (
	"fmt"

	"github.com/tinynf-go/tinynf/dma"
	"github.com/tinynf-go/tinynf/internal/reg"
)

const (
	// ringSize is the number of descriptors (and packet buffer slots) per
	// ring. The protocol is parametric in this value, but the agent picks
	// one fixed, compile-time value rather than carrying it as a runtime
	// parameter: at 256 the software processed delimiter wraps for free as
	// a uint8, which is the shape the reference implementation relies on.
	ringSize = 256

	// packetBufferSize is the size of a single packet buffer slot. It must
	// fit the largest Ethernet frame the agent will see; the owning device
	// programs its own receive buffer size independently and both must
	// agree (package hostdev programs 2 KiB in AddInput).
	packetBufferSize = 2048

	// cacheLineSize is the spacing between transmit-head mailboxes, so
	// that hardware DMA writes into one output's mailbox never dirty the
	// cache line backing another output's.
	cacheLineSize = 64
)

// ring is one shared descriptor ring's backing DMA memory: ringSize 16-byte
// descriptors, physically contiguous. Every descriptor's address word is
// programmed once, at construction, to the matching slot in the shared
// packet buffer, and is never rewritten afterwards.
type ring struct {
	mem  []byte
	base uintptr
}

func newRing(bufferBase uintptr) (*ring, error) {
	addr, mem := dma.Reserve(ringSize*descriptorSize, descriptorSize)

	r := &ring{mem: mem, base: addr}

	for i := 0; i < ringSize; i++ {
		slotVirt := bufferBase + uintptr(i*packetBufferSize)

		slotPhys, err := dma.VirtToPhys(slotVirt)
		if err != nil {
			return nil, fmt.Errorf("ixgbe: resolving physical address of buffer slot %d: %w", i, err)
		}

		reg.Write64(r.descriptorAddr(i), cpuToLe64(slotPhys))
	}

	return r, nil
}

func (r *ring) descriptorAddr(i int) uintptr {
	return r.base + uintptr(i*descriptorSize)
}

func (r *ring) metadataAddr(i int) uintptr {
	return r.descriptorAddr(i) + 8
}

func (r *ring) metadata(i int) uint64 {
	return le64ToCPU(reg.Read64(r.metadataAddr(i)))
}

func (r *ring) setMetadata(i int, v uint64) {
	reg.Write64(r.metadataAddr(i), cpuToLe64(v))
}
