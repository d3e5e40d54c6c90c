// 82599 ("ixgbe") shared-ring packet forwarding agent
// https://github.com/tinynf-go/tinynf
//
// Copyright (c) The TinyNF-Go Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package ixgbe

// Classifier is called synchronously, once per received frame, from
// Agent.Run. packet is the frame's bytes, backed by the agent's DMA packet
// buffer and already sliced to the length hardware reported; the classifier
// may read and mutate it in place.
//
// outputs has one entry per output, already zeroed by the loop. The
// classifier must set outputs[k], for every k, to the number of bytes to
// transmit on output k, or leave it zero to drop the frame on that output.
//
// A classifier must not block, allocate, or call back into the agent: it
// runs on the same goroutine as Run, between reading hardware's receive
// descriptor and writing N transmit descriptors, and the loop has no
// suspension points of its own.
type Classifier func(packet []byte, outputs []uint16)
