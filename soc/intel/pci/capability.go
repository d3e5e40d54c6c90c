// Intel Peripheral Component Interconnect (PCI) driver
// https://github.com/tinynf-go/tinynf
//
// Copyright (c) The TinyNF-Go Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package pci

// Capability IDs
//
// (PCI Code and ID Assignment Specification Revision 1.11
// 24 Jan 2019 - 2. Capability IDs).
const (
	Null           = 0x00
	Power          = 0x01
	AGP            = 0x02
	VPD            = 0x03
	SlotID         = 0x04
	MSI            = 0x05
	HotSwap        = 0x06
	PCIX           = 0x07
	HyperTransport = 0x08
	VendorSpecific = 0x09
	Debug          = 0x0a
	CompactPCI     = 0x0b
	HotPlug        = 0x0c
	Bridge         = 0x0d
	AGP8x          = 0x0e
	Secure         = 0x0f
	PCIe           = 0x10
	MSIX           = 0x11
	SATA           = 0x12
	AF             = 0x13
	EA             = 0x14
	FPB            = 0x15
)

// CapabilityHeader represents the common fields of a PCI Capabilities List
// entry.
type CapabilityHeader struct {
	ID   uint8
	Next uint8
}

// Capabilities walks the device's Capabilities List, stopping at the first
// read error (most often because the device is no longer present).
func (d *Device) Capabilities() ([]CapabilityHeader, error) {
	var headers []CapabilityHeader

	off, err := d.Read(CapabilitiesOffset)
	if err != nil {
		return nil, err
	}

	for off&0xff != 0 {
		val, err := d.Read(off & 0xfc)
		if err != nil {
			return nil, err
		}

		hdr := CapabilityHeader{ID: uint8(val), Next: uint8(val >> 8)}
		headers = append(headers, hdr)

		off = uint32(hdr.Next)
	}

	return headers, nil
}
