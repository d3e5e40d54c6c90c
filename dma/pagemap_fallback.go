// First-fit memory allocator for DMA buffers
// https://github.com/tinynf-go/tinynf
//
// Copyright (c) The TinyNF-Go Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build !linux

package dma

// VirtToPhys is the non-Linux fallback: there is no portable way to walk
// the page tables from user space, so it is the identity function. This is
// only correct for tests, which never hand the resulting address to real
// DMA hardware; InitHugepages is Linux-only for the same reason.
func VirtToPhys(addr uintptr) (uint64, error) {
	return uint64(addr), nil
}
