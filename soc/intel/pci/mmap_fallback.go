// Intel Peripheral Component Interconnect (PCI) driver
// https://github.com/tinynf-go/tinynf
//
// Copyright (c) The TinyNF-Go Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build !linux

package pci

import (
	"fmt"
	"os"
)

func mmapBAR(f *os.File, size int) ([]byte, error) {
	return nil, fmt.Errorf("pci: BAR mmap is only implemented on linux")
}
