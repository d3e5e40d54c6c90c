// 82599 ("ixgbe") PCIe device binding
// https://github.com/tinynf-go/tinynf
//
// Copyright (c) The TinyNF-Go Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package hostdev binds a PCIe 82599 controller, found and mapped through
// package pci, to the ixgbe package's InputDevice and OutputDevice
// contracts: it owns the NIC's register-level bring-up (reset, queue
// configuration, link) that the forwarding core deliberately does not
// know about.
package hostdev

import (
	"fmt"
	"runtime"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/tinynf-go/tinynf/dma"
	"github.com/tinynf-go/tinynf/internal/reg"
	"github.com/tinynf-go/tinynf/soc/intel/pci"
)

const registerTimeout = 5 * time.Second

// Known 82599 PCI device IDs (Intel vendor 0x8086), from the public 82599
// datasheet's device ID table. Open checks only the vendor ID; it does not
// match the device ID against this table.
const (
	VendorIntel = 0x8086

	DeviceID82599SFI  = 0x10fb
	DeviceID82599SFQP = 0x154a
	DeviceID82599ENSFP = 0x1557
)

const (
	barSize = 512 * 1024 // 82599 BAR0 is 512KiB of MMIO

	regCTRL    = 0x00000
	regCTRLEXT = 0x00018
	regFCTRL   = 0x05080
	regRXCTRL  = 0x03000
	regLINKS   = 0x042a4
	regEEC     = 0x10010

	ctrlRST = 1 << 26

	rxctrlRXEN = 1 << 0

	fctrlUPE = 1 << 9
	fctrlMPE = 1 << 8
)

func rdbal(n int) uintptr { return uintptr(0x01000 + 0x40*n) }
func rdbah(n int) uintptr { return uintptr(0x01004 + 0x40*n) }
func rdlen(n int) uintptr { return uintptr(0x01008 + 0x40*n) }
func srrctl(n int) uintptr { return uintptr(0x01014 + 0x40*n) }
func rdh(n int) uintptr   { return uintptr(0x01010 + 0x40*n) }
func rdt(n int) uintptr   { return uintptr(0x01018 + 0x40*n) }
func rxdctl(n int) uintptr { return uintptr(0x01028 + 0x40*n) }

func tdbal(n int) uintptr { return uintptr(0x06000 + 0x40*n) }
func tdbah(n int) uintptr { return uintptr(0x06004 + 0x40*n) }
func tdlen(n int) uintptr { return uintptr(0x06008 + 0x40*n) }
func tdh(n int) uintptr   { return uintptr(0x06010 + 0x40*n) }
func tdt(n int) uintptr   { return uintptr(0x06018 + 0x40*n) }
func txdctl(n int) uintptr { return uintptr(0x06028 + 0x40*n) }
func tdwbal(n int) uintptr { return uintptr(0x06038 + 0x40*n) }
func tdwbah(n int) uintptr { return uintptr(0x0603c + 0x40*n) }

const (
	srrctlDescTypeLegacy = 0 << 25
	rxdctlENABLE         = 1 << 25
	txdctlENABLE         = 1 << 25
)

// Device is a PCIe-bound, MMIO-mapped 82599 controller. It is constructed
// once at startup and then handed to ixgbe.Agent.Init as both the
// InputDevice (always queue 0) and, one per output, the OutputDevice.
type Device struct {
	pci *pci.Device
	bar []byte
	base uintptr

	nextOutput int
}

// Open opens the Intel-vendor device at the given bus/slot (the device ID
// is not checked), enables bus mastering, maps its BAR0 and resets it into
// a known idle state. It does not configure
// any queue; that happens as the agent calls AddInput/AddOutput.
func Open(bus, slot int) (*Device, error) {
	p := &pci.Device{Bus: uint32(bus), Slot: uint32(slot)}
	val, err := p.Read(pci.VendorID)
	if err != nil {
		return nil, fmt.Errorf("hostdev: probe %d:%d: %w", bus, slot, err)
	}
	if uint16(val) != VendorIntel {
		return nil, fmt.Errorf("hostdev: %d:%d is not an Intel device", bus, slot)
	}

	if err := p.EnableBusMastering(); err != nil {
		return nil, fmt.Errorf("hostdev: enable bus mastering: %w", err)
	}

	if caps, err := p.Capabilities(); err == nil {
		for _, c := range caps {
			if c.ID == pci.MSIX {
				// The 82599 advertises MSI-X, but this agent is poll-only
				// and never unmasks it; nothing to do beyond noting it.
				break
			}
		}
	}

	bar, err := p.MapBAR(0, barSize)
	if err != nil {
		return nil, fmt.Errorf("hostdev: map BAR0: %w", err)
	}

	d := &Device{pci: p, bar: bar, base: uintptr(unsafe.Pointer(&bar[0]))}

	d.reset()

	return d, nil
}

func (d *Device) reg(offset uintptr) uintptr {
	return d.base + offset
}

func (d *Device) reset() {
	reg.Set(d.reg(regCTRL), 26) // CTRL.RST
	reg.WaitFor(registerTimeout, d.reg(regCTRL), 26, 1, 0)

	// accept all unicast/multicast traffic; the classifier decides what
	// to do with a frame, the NIC should not filter anything out first.
	reg.Or(d.reg(regFCTRL), fctrlUPE|fctrlMPE)
}

// AddInput implements ixgbe.InputDevice. The 82599 exposes many receive
// queues but this device binding only ever configures queue 0, matching
// the agent's single shared receive ring.
func (d *Device) AddInput(ring uintptr) (uintptr, error) {
	phys, err := dma.VirtToPhys(ring)
	if err != nil {
		return 0, fmt.Errorf("hostdev: resolving receive ring address: %w", err)
	}

	const queue = 0

	reg.Write(d.reg(rdbal(queue)), uint32(phys))
	reg.Write(d.reg(rdbah(queue)), uint32(phys>>32))
	reg.Write(d.reg(rdlen(queue)), 256*16)
	// BSIZEPACKET (bits 0-4, in 1 KiB units): 2 KiB, matching the agent's
	// packet buffer slots.
	reg.Write(d.reg(srrctl(queue)), srrctlDescTypeLegacy|2)

	reg.Set(d.reg(rxdctl(queue)), 25) // RXDCTL.ENABLE
	reg.WaitFor(registerTimeout, d.reg(rxdctl(queue)), 25, 1, 1)

	reg.Or(d.reg(regRXCTRL), rxctrlRXEN)

	return d.reg(rdt(queue)), nil
}

// AddOutput implements ixgbe.OutputDevice, binding the next unused
// transmit queue on every successive call.
func (d *Device) AddOutput(ring uintptr, headMailbox uintptr) (uintptr, error) {
	queue := d.nextOutput
	d.nextOutput++

	ringPhys, err := dma.VirtToPhys(ring)
	if err != nil {
		return 0, fmt.Errorf("hostdev: resolving transmit ring %d address: %w", queue, err)
	}
	headPhys, err := dma.VirtToPhys(headMailbox)
	if err != nil {
		return 0, fmt.Errorf("hostdev: resolving transmit head mailbox %d address: %w", queue, err)
	}

	reg.Write(d.reg(tdbal(queue)), uint32(ringPhys))
	reg.Write(d.reg(tdbah(queue)), uint32(ringPhys>>32))
	reg.Write(d.reg(tdlen(queue)), 256*16)
	reg.Write(d.reg(tdwbal(queue)), uint32(headPhys)|1) // bit 0: write-back enable
	reg.Write(d.reg(tdwbah(queue)), uint32(headPhys>>32))

	reg.Set(d.reg(txdctl(queue)), 25) // TXDCTL.ENABLE
	reg.WaitFor(registerTimeout, d.reg(txdctl(queue)), 25, 1, 1)

	return d.reg(tdt(queue)), nil
}

// LinkUp reports the 82599's current link state.
func (d *Device) LinkUp() bool {
	links := reg.Read(d.reg(regLINKS))
	return links&(1<<30) != 0
}

// PinCurrentThread locks the calling goroutine to its current OS thread and
// restricts that thread to the given CPU. The forwarding hot path (see
// ixgbe.Agent.Run) must be driven from a thread pinned this way: the 82599
// and the descriptor rings are touched through individual atomic loads and
// stores with no locking, which is only safe from a single, unmigrated
// core.
func PinCurrentThread(cpu int) error {
	if cpu < 0 {
		return fmt.Errorf("hostdev: invalid CPU index %d", cpu)
	}

	runtime.LockOSThread()

	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)

	return unix.SchedSetaffinity(0, &set)
}
