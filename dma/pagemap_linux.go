// First-fit memory allocator for DMA buffers
// https://github.com/tinynf-go/tinynf
//
// Copyright (c) The TinyNF-Go Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build linux

package dma

import (
	"encoding/binary"
	"fmt"
	"os"
)

const pagemapEntrySize = 8

// VirtToPhys translates a virtual address previously returned by this
// package's allocation functions into the physical address the NIC must be
// given, by walking /proc/self/pagemap. This is the Linux implementation of
// the core's virt_to_phys collaborator (§6); it only works for pages that
// are present and not swappable, which hugepages (see InitHugepages)
// guarantee.
func VirtToPhys(addr uintptr) (uint64, error) {
	f, err := os.Open("/proc/self/pagemap")
	if err != nil {
		return 0, fmt.Errorf("dma: open pagemap: %w", err)
	}
	defer f.Close()

	pageSize := uintptr(os.Getpagesize())
	page := addr / pageSize
	offsetInPage := uint64(addr % pageSize)

	var entry [pagemapEntrySize]byte
	if _, err := f.ReadAt(entry[:], int64(page*pagemapEntrySize)); err != nil {
		return 0, fmt.Errorf("dma: read pagemap entry for page %d: %w", page, err)
	}

	raw := binary.LittleEndian.Uint64(entry[:])
	if raw&(1<<63) == 0 {
		return 0, fmt.Errorf("dma: page at %#x is not resident", addr)
	}

	frame := raw & ((1 << 55) - 1)

	return frame*uint64(pageSize) + offsetInPage, nil
}
