// 82599 ("ixgbe") PCIe device binding
// https://github.com/tinynf-go/tinynf
//
// Copyright (c) The TinyNF-Go Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package hostdev

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQueueRegisterOffsets(t *testing.T) {
	assert.Equal(t, uintptr(0x01000), rdbal(0))
	assert.Equal(t, uintptr(0x01040), rdbal(1))
	assert.Equal(t, uintptr(0x06000), tdbal(0))
	assert.Equal(t, uintptr(0x06040), tdbal(1))
	assert.Equal(t, uintptr(0x06038), tdwbal(0))
	assert.Equal(t, uintptr(0x06078), tdwbal(1))
}

func TestPinCurrentThreadRejectsInvalidCPU(t *testing.T) {
	err := PinCurrentThread(-1)
	assert.Error(t, err)
}
