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
	"container/list"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

const hugepageSize = 2 << 20 // 2 MiB, the default Linux hugepage size

// InitHugepages reserves a locked-in-RAM, anonymous hugepage mapping and
// installs it as the package's default Region. This is the Linux answer to
// the core's allocate_contiguous collaborator (§6): once it returns nil,
// every subsequent Reserve/Alloc from this package is carved out of that
// mapping and cannot fail for want of memory during the agent's lifetime.
//
// Hugepages, rather than a regular mmap, keep the mapping backed by a
// single physical extent per page so VirtToPhys has at most one page
// boundary to reason about per buffer, and keep the TLB pressure of
// polling descriptor memory on every hot-path step low.
func InitHugepages(pages int) error {
	size := pages * hugepageSize

	mem, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_HUGETLB)
	if err != nil {
		return fmt.Errorf("dma: hugepage mmap of %d bytes failed: %w", size, err)
	}

	if err := unix.Mlock(mem); err != nil {
		unix.Munmap(mem)
		return fmt.Errorf("dma: mlock failed: %w", err)
	}

	start := uintptr(unsafe.Pointer(&mem[0]))

	r := &Region{
		start: start,
		size:  uintptr(size),
	}

	r.freeBlocks = list.New()
	r.freeBlocks.PushFront(&block{addr: start, size: uintptr(size)})
	r.usedBlocks = make(map[uintptr]*block)

	dma = r

	return nil
}
