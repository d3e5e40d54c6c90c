// 82599 ("ixgbe") shared-ring packet forwarding agent
// https://github.com/tinynf-go/tinynf
//
// Copyright (c) The TinyNF-Go Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package ixgbe implements the hot-path forwarding engine of a user-space
// packet-switching agent for 82599-class ("ixgbe") 10GbE controllers: a
// shared receive/transmit descriptor ring, a polled steady-state loop that
// classifies each received frame and re-injects it (or a subset of it) on
// one or more outputs with zero copying, and the transmit-head tracking
// that lets the receive pointer advance only once every output has drained
// what it was given.
//
// An Agent is built once per (input device, output devices) tuple and is
// then driven by repeatedly calling Run from a single goroutine pinned to
// an isolated core; it is never safe to share one Agent across goroutines.
// PCIe enumeration, DMA buffer allocation and MMIO register mapping are
// deliberately outside this package — see InputDevice, OutputDevice and
// package hostdev for those collaborators.
package ixgbe

import (
	"fmt"

	"github.com/tinynf-go/tinynf/dma"
	"github.com/tinynf-go/tinynf/internal/reg"
)

const (
	defaultFlushPeriod   = 8
	defaultRecyclePeriod = 64
)

// Stats counts hot-path events for observability; see cmd/ixgbe-agentd for
// one way to expose them.
type Stats struct {
	FramesProcessed uint64
	RunCalls        uint64
	RecycleEvents   uint64
	TailFlushes     uint64
}

// Agent aggregates the shared packet buffer, one descriptor ring per
// output, the transmit-head mailboxes, and the single software cursor
// (ProcessedDelimiter) that names the next slot to examine on the receive
// ring and to write on every transmit ring.
type Agent struct {
	// FlushPeriod caps the number of frames a single Run call processes
	// (must be >= 1 and < ringSize). Zero means defaultFlushPeriod.
	FlushPeriod int

	// RecyclePeriod is the interval, in frames, at which the agent asks
	// hardware to report its transmit-head position and recycles the
	// receive tail from it (must be >= 1, < ringSize, and a power of
	// two). Zero means defaultRecyclePeriod.
	RecyclePeriod int

	Stats Stats

	buffer    uintptr
	bufferMem []byte

	rings []*ring // rings[0] is also bound as the receive queue

	headBase      uintptr
	headMem       []byte
	transmitTails []uintptr
	receiveTail   uintptr

	processedDelimiter uint8
	outputs            []uint16

	initialized bool
}

// Init allocates the agent's DMA memory, programs every descriptor's buffer
// address, and binds ring 0 as input's receive queue and each ring as the
// matching entry of outputs' transmit queue. No further allocation happens
// after Init returns; Run is the only method meant to be called afterwards.
//
// Init fails if outputs is empty, or if any device refuses to bind a queue;
// on failure the agent is left partially constructed and must not be used.
func (a *Agent) Init(input InputDevice, outputs []OutputDevice) error {
	n := len(outputs)
	if n < 1 {
		return fmt.Errorf("ixgbe: agent needs at least one output, got %d", n)
	}

	if a.FlushPeriod == 0 {
		a.FlushPeriod = defaultFlushPeriod
	}
	if a.RecyclePeriod == 0 {
		a.RecyclePeriod = defaultRecyclePeriod
	}
	if err := validatePeriods(a.FlushPeriod, a.RecyclePeriod); err != nil {
		return err
	}

	bufferAddr, bufferMem := dma.Reserve(ringSize*packetBufferSize, packetBufferSize)
	a.buffer = bufferAddr
	a.bufferMem = bufferMem

	headAddr, headMem := dma.Reserve(n*cacheLineSize, cacheLineSize)
	a.headBase = headAddr
	a.headMem = headMem

	a.rings = make([]*ring, n)
	a.transmitTails = make([]uintptr, n)
	a.outputs = make([]uint16, n)

	for k := 0; k < n; k++ {
		r, err := newRing(a.buffer)
		if err != nil {
			return fmt.Errorf("ixgbe: allocating ring %d: %w", k, err)
		}
		a.rings[k] = r

		tail, err := outputs[k].AddOutput(a.rings[k].base, a.headBase+uintptr(k*cacheLineSize))
		if err != nil {
			return fmt.Errorf("ixgbe: output %d refused queue binding: %w", k, err)
		}
		a.transmitTails[k] = tail
	}

	tail, err := input.AddInput(a.rings[0].base)
	if err != nil {
		return fmt.Errorf("ixgbe: input device refused queue binding: %w", err)
	}
	a.receiveTail = tail

	a.initialized = true

	return nil
}

func validatePeriods(flush, recycle int) error {
	if flush < 1 || flush >= ringSize {
		return fmt.Errorf("ixgbe: FlushPeriod must be in [1, %d), got %d", ringSize, flush)
	}
	if recycle < 1 || recycle >= ringSize {
		return fmt.Errorf("ixgbe: RecyclePeriod must be in [1, %d), got %d", ringSize, recycle)
	}
	if recycle&(recycle-1) != 0 {
		return fmt.Errorf("ixgbe: RecyclePeriod must be a power of two, got %d", recycle)
	}
	return nil
}

// Run executes at most FlushPeriod steps of the forwarding loop:
//
//  1. if the receive descriptor at the processed delimiter is not done,
//     return early;
//  2. otherwise read its length, hand the packet and the output-length
//     vector to classify;
//  3. write N transmit descriptors for the slot, requesting a status
//     report (RS) every RecyclePeriod descriptors;
//  4. advance the processed delimiter;
//  5. on an RS step, recycle the receive tail from the furthest-behind
//     transmit head.
//
// If at least one frame was processed, every output's transmit-tail
// register is written exactly once, at the end of the call, with the final
// processed delimiter. This batches the (expensive) MMIO tail writes to at
// most one per output per Run call.
func (a *Agent) Run(classify Classifier) {
	if !a.initialized {
		panic("ixgbe: Run called before successful Init")
	}

	a.Stats.RunCalls++

	recycleMask := uint8(a.RecyclePeriod - 1)
	steps := 0

	for ; steps < a.FlushPeriod; steps++ {
		i := int(a.processedDelimiter)

		metadata := a.rings[0].metadata(i)
		if !rxMetadataDone(metadata) {
			break
		}

		length := rxMetadataLength(metadata)
		start := i * packetBufferSize
		packet := a.bufferMem[start : start+int(length)]

		classify(packet, a.outputs)

		reportStatus := a.processedDelimiter&recycleMask == recycleMask

		var rs uint64
		if reportStatus {
			rs = txMetadataRS
		}

		for k, r := range a.rings {
			meta := txMetadataLength(a.outputs[k]) | rs | txMetadataIFCS | txMetadataEOP
			r.setMetadata(i, meta)
			a.outputs[k] = 0
		}

		a.processedDelimiter++ // ringSize == 256, so uint8 wraps for free
		a.Stats.FramesProcessed++

		if reportStatus {
			a.recycle()
		}
	}

	if steps > 0 {
		a.Stats.TailFlushes++

		for _, tail := range a.transmitTails {
			reg.Write(tail, cpuToLe32(uint32(a.processedDelimiter)))
		}
	}
}

// recycle implements the earliest-transmit-head computation of §4.D step 7:
// among all reported transmit heads, the one whose unsigned, wrap-aware
// distance ahead of the processed delimiter is smallest is the one that has
// drained the least, so the receive tail can only be moved up to it. Ties
// keep the last-seen minimum, matching the reference implementation
// bit-for-bit; it is observationally irrelevant since a tie means the same
// head value.
func (a *Agent) recycle() {
	a.Stats.RecycleEvents++

	delimiter := uint32(a.processedDelimiter)
	earliest := delimiter
	minDiff := ^uint32(0)

	for k := range a.rings {
		head := le32ToCPU(reg.Read(a.headBase + uintptr(k*cacheLineSize)))
		diff := head - delimiter

		if diff <= minDiff {
			earliest = head
			minDiff = diff
		}
	}

	reg.Write(a.receiveTail, cpuToLe32(earliest&uint32(ringSize-1)))
}

// ProcessedDelimiter returns the next slot index the agent will examine on
// the receive ring. It is exported for tests and monitoring; nothing in the
// package needs a caller to set it.
func (a *Agent) ProcessedDelimiter() uint8 {
	return a.processedDelimiter
}
