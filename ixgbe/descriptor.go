// 82599 ("ixgbe") shared-ring packet forwarding agent
// https://github.com/tinynf-go/tinynf
//
// Copyright (c) The TinyNF-Go Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package ixgbe

import "github.com/tinynf-go/tinynf/bits"

// A descriptor is two 64-bit little-endian words: the buffer address and a
// status/length/flags word whose meaning depends on whether the owning ring
// is serving receive or transmit traffic. Both words live in DMA memory
// shared with the NIC, so every read or write goes through reg.Read64 /
// reg.Write64 (see internal/reg) rather than a plain Go memory access.
const descriptorSize = 16

// rxMetadataDDBit is the position of the Descriptor Done flag in the
// receive descriptor's second quadword: hardware sets it once DMA of the
// frame has completed, bits 0-15 of the same word carry the frame length.
// The agent never writes this word, it only polls it.
const rxMetadataDDBit = 32

// rxMetadataDD is the DD flag in isolation, useful for tests that build a
// receive descriptor's metadata word directly rather than through hardware.
const rxMetadataDD = 1 << rxMetadataDDBit

func rxMetadataDone(metadata uint64) bool {
	return bits.Get64(&metadata, rxMetadataDDBit)
}

func rxMetadataLength(metadata uint64) uint16 {
	return uint16(bits.GetN64(&metadata, 0, 0xffff))
}

// Transmit metadata (legacy transmit descriptor, second quadword): bits
// 0-15 are the length the agent requests hardware to send, bits 24-31 are
// command flags. The agent writes this word every step and never reads it
// back; transmit completion is observed only indirectly, through the
// transmit-head mailbox.
const (
	txMetadataEOP = 1 << 24 // End Of Packet: every descriptor here is a full frame
	txMetadataIFCS = 1 << 25 // Insert FCS: ask hardware to append the frame check sequence
	txMetadataRS   = 1 << 27 // Report Status: ask hardware to write the head mailbox
)

func txMetadataLength(length uint16) uint64 {
	return uint64(length) & 0xffff
}

// cpuToLe64 and le64ToCPU convert between the host's native representation
// and the little-endian wire format the 82599 always uses, regardless of
// host byte order. They are identity functions on the little-endian hosts
// (amd64, arm64) this agent targets; they exist, and are named, so the
// conversion is explicit and auditable rather than implicit in a bare
// memory access.
func cpuToLe64(v uint64) uint64 { return v }
func le64ToCPU(v uint64) uint64 { return v }

// le32ToCPU performs the 32-bit equivalent conversion, used for the
// transmit-head mailbox words and the tail registers.
func le32ToCPU(v uint32) uint32 { return v }
func cpuToLe32(v uint32) uint32 { return v }
