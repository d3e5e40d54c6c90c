// 82599 ("ixgbe") shared-ring packet forwarding agent
// https://github.com/tinynf-go/tinynf
//
// Copyright (c) The TinyNF-Go Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package ixgbe

// InputDevice is the narrow contract the agent needs from whatever binds a
// ring as a device's receive queue. Implementations live outside the core
// (see package hostdev): PCIe enumeration, DMA memory allocator setup and
// MMIO register mapping are deliberately not this package's concern.
type InputDevice interface {
	// AddInput installs ring as the device's receive queue and returns
	// the virtual address of that device's receive-tail register. An
	// error means the device refused to bind another queue, or is
	// otherwise unable to serve as an input; the agent propagates it
	// and does not initialize.
	AddInput(ring uintptr) (tailRegister uintptr, err error)
}

// OutputDevice is the equivalent contract for a device serving as one of
// the agent's transmit outputs.
type OutputDevice interface {
	// AddOutput installs ring as one of the device's transmit queues,
	// with headMailbox as the address hardware should periodically DMA
	// the queue's head index into, and returns the virtual address of
	// that device's transmit-tail register.
	AddOutput(ring uintptr, headMailbox uintptr) (tailRegister uintptr, err error)
}
