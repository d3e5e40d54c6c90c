// 82599 ("ixgbe") shared-ring packet forwarding agent
// https://github.com/tinynf-go/tinynf
//
// Copyright (c) The TinyNF-Go Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package ixgbe

import (
	"sync/atomic"
	"testing"
	"unsafe"

	"github.com/tinynf-go/tinynf/dma"
)

// resetDMA installs a fresh backing region before every test so tests don't
// see each other's allocations; this package's DMA region is process-global,
// same as the teacher packages it is adapted from.
func resetDMA(t *testing.T) {
	t.Helper()

	buf := make([]byte, 4<<20)
	// newRing resolves every buffer slot through dma.VirtToPhys, which on
	// Linux only accepts resident pages: write to each page to fault it in.
	for i := 0; i < len(buf); i += 4096 {
		buf[i] = 0
	}
	dma.Init(uintptr(unsafe.Pointer(&buf[0])), uintptr(len(buf)))
}

type fakeInput struct {
	tail uint32
}

func (f *fakeInput) AddInput(ring uintptr) (uintptr, error) {
	return uintptr(unsafe.Pointer(&f.tail)), nil
}

type fakeOutput struct {
	tail uint32
}

func (f *fakeOutput) AddOutput(ring uintptr, headMailbox uintptr) (uintptr, error) {
	return uintptr(unsafe.Pointer(&f.tail)), nil
}

const sentinelTail = 0xdeadbeef

func newTestAgent(t *testing.T, n int) (*Agent, *fakeInput, []*fakeOutput) {
	t.Helper()
	resetDMA(t)

	in := &fakeInput{tail: sentinelTail}

	outs := make([]*fakeOutput, n)
	devices := make([]OutputDevice, n)
	for k := range outs {
		outs[k] = &fakeOutput{tail: sentinelTail}
		devices[k] = outs[k]
	}

	a := &Agent{}
	if err := a.Init(in, devices); err != nil {
		t.Fatalf("Init: %v", err)
	}

	return a, in, outs
}

func setHead(a *Agent, k int, value uint32) {
	atomic.StoreUint32((*uint32)(unsafe.Pointer(a.headBase+uintptr(k*cacheLineSize))), value)
}

func TestColdIdle(t *testing.T) {
	a, in, outs := newTestAgent(t, 2)

	called := false
	a.Run(func(packet []byte, outputs []uint16) { called = true })

	if called {
		t.Fatal("classifier called with no frame ready")
	}
	if a.ProcessedDelimiter() != 0 {
		t.Fatalf("processed delimiter = %d, want 0", a.ProcessedDelimiter())
	}
	if in.tail != sentinelTail {
		t.Fatal("receive tail written on an idle call")
	}
	for k, o := range outs {
		if o.tail != sentinelTail {
			t.Fatalf("output %d tail written on an idle call", k)
		}
	}
}

func TestSingleFrameBothOutputs(t *testing.T) {
	a, in, outs := newTestAgent(t, 2)

	a.rings[0].setMetadata(0, rxMetadataDD|uint64(100))

	a.Run(func(packet []byte, outputs []uint16) {
		if len(packet) != 100 {
			t.Fatalf("packet length = %d, want 100", len(packet))
		}
		outputs[0] = 100
		outputs[1] = 100
	})

	if a.ProcessedDelimiter() != 1 {
		t.Fatalf("processed delimiter = %d, want 1", a.ProcessedDelimiter())
	}

	for k, r := range a.rings {
		meta := r.metadata(0)
		if rxMetadataLength(meta) != 100 {
			t.Fatalf("ring %d length = %d, want 100", k, rxMetadataLength(meta))
		}
		if meta&txMetadataRS != 0 {
			t.Fatalf("ring %d RS set on a non-recycle step", k)
		}
		if meta&txMetadataEOP == 0 || meta&txMetadataIFCS == 0 {
			t.Fatalf("ring %d missing EOP/IFCS", k)
		}
	}

	for k, o := range outs {
		if o.tail != 1 {
			t.Fatalf("output %d tail = %d, want 1", k, o.tail)
		}
	}
	if in.tail != sentinelTail {
		t.Fatal("receive tail written on a non-recycle step")
	}
}

func TestBroadcastDropOneOutput(t *testing.T) {
	a, _, outs := newTestAgent(t, 2)

	a.rings[0].setMetadata(0, rxMetadataDD|uint64(100))

	a.Run(func(packet []byte, outputs []uint16) {
		outputs[0] = 100
		outputs[1] = 0
	})

	if got := rxMetadataLength(a.rings[0].metadata(0)); got != 100 {
		t.Fatalf("ring 0 length = %d, want 100", got)
	}
	if got := rxMetadataLength(a.rings[1].metadata(0)); got != 0 {
		t.Fatalf("ring 1 length = %d, want 0", got)
	}
	for k, o := range outs {
		if o.tail != 1 {
			t.Fatalf("output %d tail = %d, want 1", k, o.tail)
		}
	}
}

func TestRecycleCadence(t *testing.T) {
	a, in, _ := newTestAgent(t, 2)
	a.FlushPeriod = 8
	a.RecyclePeriod = 64

	for i := 0; i < 64; i++ {
		a.rings[0].setMetadata(i, rxMetadataDD|uint64(64))
	}
	// RS fires on step 63, and recycle runs after that step's increment,
	// with the processed delimiter at 64. Both heads sit just ahead of it
	// (distances 1 and 26), so head 0 has the smallest distance and wins.
	setHead(a, 0, 65)
	setHead(a, 1, 90)

	for call := 0; call < 8; call++ {
		a.Run(func(packet []byte, outputs []uint16) {
			outputs[0] = 64
			outputs[1] = 64
		})

		if call < 7 && in.tail != sentinelTail {
			t.Fatalf("receive tail written before recycle step (call %d)", call)
		}
	}

	if a.ProcessedDelimiter() != 64 {
		t.Fatalf("processed delimiter = %d, want 64", a.ProcessedDelimiter())
	}
	if in.tail != 65&uint32(ringSize-1) {
		t.Fatalf("receive tail = %d, want %d", in.tail, 65&uint32(ringSize-1))
	}

	meta := a.rings[0].metadata(63)
	if meta&txMetadataRS == 0 {
		t.Fatal("RS not set on step 63")
	}
}

func TestFlushPeriodCap(t *testing.T) {
	a, _, outs := newTestAgent(t, 2)
	a.FlushPeriod = 8

	for i := 0; i < 100; i++ {
		a.rings[0].setMetadata(i, rxMetadataDD|uint64(64))
	}

	processed := 0
	a.Run(func(packet []byte, outputs []uint16) {
		processed++
		outputs[0] = 64
		outputs[1] = 64
	})

	if processed != 8 {
		t.Fatalf("frames processed = %d, want 8", processed)
	}
	if a.ProcessedDelimiter() != 8 {
		t.Fatalf("processed delimiter = %d, want 8", a.ProcessedDelimiter())
	}
	for k, o := range outs {
		if o.tail != 8 {
			t.Fatalf("output %d tail = %d, want 8", k, o.tail)
		}
	}
}

func TestHeadWrap(t *testing.T) {
	a, in, _ := newTestAgent(t, 2)
	a.processedDelimiter = 5

	setHead(a, 0, 250)
	setHead(a, 1, 7)

	a.recycle()

	if in.tail != 7 {
		t.Fatalf("receive tail = %d, want 7", in.tail)
	}
}

func TestInitRejectsNoOutputs(t *testing.T) {
	resetDMA(t)

	a := &Agent{}
	if err := a.Init(&fakeInput{}, nil); err == nil {
		t.Fatal("Init succeeded with zero outputs")
	}
}

func TestInitRejectsBadPeriods(t *testing.T) {
	resetDMA(t)

	a := &Agent{RecyclePeriod: 3}
	if err := a.Init(&fakeInput{}, []OutputDevice{&fakeOutput{}}); err == nil {
		t.Fatal("Init succeeded with a non-power-of-two RecyclePeriod")
	}
}
