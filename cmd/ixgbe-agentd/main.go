// ixgbe-agentd runs the forwarding agent against a real 82599 NIC
// https://github.com/tinynf-go/tinynf
//
// Copyright (c) The TinyNF-Go Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Command ixgbe-agentd binds one 82599 input device and one or more 82599
// output devices, then drives the forwarding agent in a tight loop on a
// pinned core. It exposes the agent's counters as expvar variables and, if
// -metrics-addr is set, serves them alongside a live-updating runtime chart
// through github.com/mkevac/debugcharts.
package main

import (
	"expvar"
	"flag"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	// Registers /debug/charts/ on http.DefaultServeMux.
	_ "github.com/mkevac/debugcharts"

	"github.com/tinynf-go/tinynf/dma"
	"github.com/tinynf-go/tinynf/hostdev"
	"github.com/tinynf-go/tinynf/ixgbe"
)

type busSlot struct {
	bus, slot int
}

func parseBusSlot(s string) (busSlot, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return busSlot{}, fmt.Errorf("malformed bus:slot %q", s)
	}

	bus, err := strconv.Atoi(parts[0])
	if err != nil {
		return busSlot{}, fmt.Errorf("malformed bus in %q: %w", s, err)
	}
	slot, err := strconv.Atoi(parts[1])
	if err != nil {
		return busSlot{}, fmt.Errorf("malformed slot in %q: %w", s, err)
	}

	return busSlot{bus, slot}, nil
}

func main() {
	log.SetFlags(0)

	var (
		inputFlag     = flag.String("input", "", "input device, as bus:slot (e.g. 0:0)")
		outputsFlag   = flag.String("outputs", "", "comma-separated output devices, as bus:slot")
		coreFlag      = flag.Int("core", 0, "CPU core to pin the forwarding loop to")
		hugepagesFlag = flag.Int("hugepages", 64, "number of 2MB hugepages to reserve for DMA memory")
		metricsAddr   = flag.String("metrics-addr", "", "if set, serve expvar and debugcharts on this address")
	)
	flag.Parse()

	if *inputFlag == "" || *outputsFlag == "" {
		log.Fatal("ixgbe-agentd: -input and -outputs are required")
	}

	inBS, err := parseBusSlot(*inputFlag)
	if err != nil {
		log.Fatalf("ixgbe-agentd: %v", err)
	}

	var outBS []busSlot
	for _, s := range strings.Split(*outputsFlag, ",") {
		bs, err := parseBusSlot(s)
		if err != nil {
			log.Fatalf("ixgbe-agentd: %v", err)
		}
		outBS = append(outBS, bs)
	}

	if err := dma.InitHugepages(*hugepagesFlag); err != nil {
		log.Fatalf("ixgbe-agentd: reserving DMA memory: %v", err)
	}

	input, err := hostdev.Open(inBS.bus, inBS.slot)
	if err != nil {
		log.Fatalf("ixgbe-agentd: opening input device: %v", err)
	}

	outputs := make([]ixgbe.OutputDevice, len(outBS))
	for i, bs := range outBS {
		dev, err := hostdev.Open(bs.bus, bs.slot)
		if err != nil {
			log.Fatalf("ixgbe-agentd: opening output device %d: %v", i, err)
		}
		outputs[i] = dev
	}

	agent := &ixgbe.Agent{}
	if err := agent.Init(input, outputs); err != nil {
		log.Fatalf("ixgbe-agentd: %v", err)
	}

	if err := hostdev.PinCurrentThread(*coreFlag); err != nil {
		log.Fatalf("ixgbe-agentd: pinning to core %d: %v", *coreFlag, err)
	}

	if *metricsAddr != "" {
		publishStats(&agent.Stats)
		go func() {
			log.Printf("ixgbe-agentd: serving metrics on %s", *metricsAddr)
			if err := http.ListenAndServe(*metricsAddr, nil); err != nil {
				log.Printf("ixgbe-agentd: metrics server: %v", err)
			}
		}()
	}

	log.Printf("ixgbe-agentd: forwarding started on core %d", *coreFlag)

	for {
		agent.Run(l2Broadcast)
	}
}

// l2Broadcast is the default classifier: every input frame goes to every
// output unchanged. Operators link in a different Classifier (see
// ixgbe.Classifier) to get anything more interesting.
func l2Broadcast(packet []byte, outputs []uint16) {
	for i := range outputs {
		outputs[i] = uint16(len(packet))
	}
}

func publishStats(stats *ixgbe.Stats) {
	expvar.Publish("ixgbe_frames_processed", expvar.Func(func() any { return stats.FramesProcessed }))
	expvar.Publish("ixgbe_run_calls", expvar.Func(func() any { return stats.RunCalls }))
	expvar.Publish("ixgbe_recycle_events", expvar.Func(func() any { return stats.RecycleEvents }))
	expvar.Publish("ixgbe_tail_flushes", expvar.Func(func() any { return stats.TailFlushes }))
	expvar.Publish("ixgbe_uptime_seconds", expvar.Func(func() any { return time.Since(startTime).Seconds() }))
}

var startTime = time.Now()
