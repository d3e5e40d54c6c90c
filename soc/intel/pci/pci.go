// Intel Peripheral Component Interconnect (PCI) driver
// https://github.com/tinynf-go/tinynf
//
// Copyright (c) The TinyNF-Go Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package pci implements a driver for Intel Peripheral Component Interconnect
// (PCI) controllers adopting the following reference specifications:
//   - PCI Local Bus Specification, revision 3.0, PCI Special Interest Group
//
// Unlike the bare-metal driver this package is adapted from, which reaches
// the PCI configuration space through the legacy CONFIG_ADDRESS/CONFIG_DATA
// I/O ports, this driver runs in Linux user space and goes through the
// sysfs mirror of the same configuration space instead:
// /sys/bus/pci/devices/<bdf>/config. A device's memory-mapped registers
// (its BAR) are reached the same way, through the matching resourceN file.
package pci

import (
	"fmt"
	"os"

	"github.com/tinynf-go/tinynf/bits"
)

// Header Type 0x0 offsets
const (
	VendorID           = 0x00
	Command            = 0x04
	RevisionID         = 0x08
	Bar0               = 0x10
	CapabilitiesOffset = 0x34
)

const maxDevices = 32

// Device represents a PCI device, named by its Linux domain:bus:device.function
// address (its "BDF").
type Device struct {
	Domain uint32
	Bus    uint32
	Slot   uint32
	Fn     uint32

	Vendor uint16
	Device uint16
}

func (d *Device) bdf() string {
	return fmt.Sprintf("%04x:%02x:%02x.%d", d.Domain, d.Bus, d.Slot, d.Fn)
}

func (d *Device) sysfsPath(name string) string {
	return fmt.Sprintf("/sys/bus/pci/devices/%s/%s", d.bdf(), name)
}

// Read reads the device's configuration space at the given 32-bit-aligned
// register offset.
func (d *Device) Read(off uint32) (uint32, error) {
	f, err := os.Open(d.sysfsPath("config"))
	if err != nil {
		return 0, fmt.Errorf("pci: open config space of %s: %w", d.bdf(), err)
	}
	defer f.Close()

	var buf [4]byte
	if _, err := f.ReadAt(buf[:], int64(off)); err != nil {
		return 0, fmt.Errorf("pci: read config space of %s at %#x: %w", d.bdf(), off, err)
	}

	return le32(buf[:]), nil
}

// Write writes the device's configuration space at the given 32-bit-aligned
// register offset.
func (d *Device) Write(off uint32, val uint32) error {
	f, err := os.OpenFile(d.sysfsPath("config"), os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("pci: open config space of %s: %w", d.bdf(), err)
	}
	defer f.Close()

	var buf [4]byte
	putLe32(buf[:], val)
	if _, err := f.WriteAt(buf[:], int64(off)); err != nil {
		return fmt.Errorf("pci: write config space of %s at %#x: %w", d.bdf(), off, err)
	}

	return nil
}

// BaseAddress decodes BAR n from the device's configuration space and
// returns its physical base address. Only 32-bit and 64-bit memory BARs are
// understood; I/O-space BARs (unused by the 82599) return an error.
func (d *Device) BaseAddress(n int) (uint64, error) {
	if n < 0 || n > 5 {
		return 0, fmt.Errorf("pci: invalid BAR index %d", n)
	}

	off := uint32(Bar0 + n*4)
	bar, err := d.Read(off)
	if err != nil {
		return 0, err
	}

	if bits.GetN(&bar, 0, 0b1) == 1 {
		return 0, fmt.Errorf("pci: BAR %d is an I/O-space BAR, not memory", n)
	}

	switch bits.GetN(&bar, 1, 0b11) {
	case 0: // 32-bit
		return uint64(bar & 0xfffffff0), nil
	case 2: // 64-bit, spans this BAR and the next
		hi, err := d.Read(off + 4)
		if err != nil {
			return 0, err
		}
		return uint64(hi)<<32 | uint64(bar&0xfffffff0), nil
	}

	return 0, fmt.Errorf("pci: BAR %d has an unsupported type", n)
}

// MapBAR mmaps the device's resourceN sysfs file, returning a slice backed
// by the BAR's MMIO registers. The returned slice must outlive every
// register access into it; the caller owns unmapping it (see
// golang.org/x/sys/unix.Munmap).
func (d *Device) MapBAR(n int, size int) ([]byte, error) {
	path := d.sysfsPath(fmt.Sprintf("resource%d", n))

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("pci: open %s: %w", path, err)
	}
	defer f.Close()

	return mmapBAR(f, size)
}

// EnableBusMastering sets the Bus Master Enable and Memory Space Enable
// bits in the device's Command register, without which the 82599 cannot
// perform any DMA.
func (d *Device) EnableBusMastering() error {
	cmd, err := d.Read(Command)
	if err != nil {
		return err
	}

	bits.Set(&cmd, 1) // Memory Space Enable
	bits.Set(&cmd, 2) // Bus Master Enable

	return d.Write(Command, cmd)
}

func (d *Device) probe() bool {
	val, err := d.Read(VendorID)
	if err != nil {
		return false
	}

	if d.Vendor = uint16(val); d.Vendor == 0xffff {
		return false
	}

	d.Device = uint16(val >> 16)

	return true
}

// Probe looks for a single device matching vendor and device on the given
// bus, trying every slot in turn.
func Probe(bus int, vendor uint16, device uint16) *Device {
	for slot := uint32(0); slot < maxDevices; slot++ {
		d := &Device{Bus: uint32(bus), Slot: slot}

		if d.probe() && d.Vendor == vendor && d.Device == device {
			return d
		}
	}

	return nil
}

// Devices returns every responding device on the given bus.
func Devices(bus int) (devices []*Device) {
	for slot := uint32(0); slot < maxDevices; slot++ {
		d := &Device{Bus: uint32(bus), Slot: slot}

		if d.probe() {
			devices = append(devices, d)
		}
	}

	return
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func putLe32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
