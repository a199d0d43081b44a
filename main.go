// ════════════════════════════════════════════════════════════════════════════════════════════════
// Multi-Hart Firmware Signaling Core - Main Entry Point
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Project: Multi-Hart Firmware Signaling Core
// Component: Main Entry Point & Machine Orchestration
//
// Description:
//   Machine orchestration with phased bring-up and clean separation of concerns.
//   Description Load → Subsystem Wiring → Hart Boot → Steady State → Coordinated Halt
//
// Architecture:
//   - Phase 0: Machine description load, validation, and boot measurement
//   - Phase 1: Subsystem construction (scratch, doorbell, fence inboxes, trace, engine)
//   - Phase 2: Cold boot on hart 0, warm boot on every other available hart
//   - Phase 3: Pinned hart loops plus a heartbeat exercising the signaling paths
//   - Phase 4: Interrupt-driven HALT broadcast and drain-to-zero shutdown
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package main

import (
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"
	"unsafe"

	"github.com/github-efx/opensbi/control"
	"github.com/github-efx/opensbi/debug"
	"github.com/github-efx/opensbi/fencefifo"
	"github.com/github-efx/opensbi/hartrun"
	"github.com/github-efx/opensbi/ipi"
	"github.com/github-efx/opensbi/platform"
	"github.com/github-efx/opensbi/scratch"
	"github.com/github-efx/opensbi/traceharvest"
	"github.com/github-efx/opensbi/utils"
)

// machineBell is the doorbell surface the orchestrator needs: the engine's
// driver half plus the read side the hart loops poll.
type machineBell interface {
	ipi.Doorbell
	Pending(hart uint32) bool
}

// main orchestrates the complete machine lifecycle in distinct phases.
func main() {
	// PHASE 0: Machine description and boot measurement
	spec := loadSpec()
	fp, err := spec.FingerprintHex()
	if err != nil {
		debug.DropError("MEASURE", err)
		os.Exit(1)
	}
	debug.DropMessage("BOOT", spec.Name+" harts="+utils.Itoa(spec.Harts))
	debug.DropMessage("MEASURE", fp)

	avail := spec.AvailabilityMask()
	debug.DropMessage("AVAIL", utils.Utox(avail))

	// PHASE 1: Subsystem construction
	pool := scratch.NewPool(spec.Harts)
	bell := newDoorbell(spec, avail)
	lines := control.NewLines()

	fence := fencefifo.New(spec.Harts, func(hart uint32, _ unsafe.Pointer) {
		// The reference platform's invalidation is a no-op flush; real
		// platforms hook their TLB/cache maintenance here.
		_ = hart
	})

	var trace ipi.Recorder
	var harvester *traceharvest.Harvester
	if spec.Trace.Enabled {
		harvester, err = traceharvest.Open(spec.Trace.Path)
		if err != nil {
			debug.DropError("TRACE", err)
			os.Exit(1)
		}
		trace = harvester
		debug.DropMessage("TRACE", "Recording to "+spec.Trace.Path)
	}

	eng := ipi.New(ipi.Config{
		Pool:  pool,
		Bell:  bell,
		Fence: fence,
		Topo:  control.NewTopology(avail),
		Lines: lines,
		Trace: trace,
	})

	// PHASE 2: Hart boot — cold first, then warm, before any loop runs
	coldHart := spec.Available[0]
	if err := eng.Init(coldHart, true); err != nil {
		debug.DropError("COLDBOOT", err)
		os.Exit(1)
	}
	for _, h := range spec.Available[1:] {
		if err := eng.Init(h, false); err != nil {
			debug.DropError("WARMBOOT", err)
			os.Exit(1)
		}
	}
	debug.DropMessage("READY", utils.Itoa(len(spec.Available))+" harts booted")

	// PHASE 3: Pinned hart loops and heartbeat traffic
	var stop uint32
	dones := make([]chan struct{}, 0, len(spec.Available))
	for i, h := range spec.Available {
		done := make(chan struct{})
		dones = append(dones, done)
		hartrun.Run(i, h, bell, eng, lines, &stop, done)
	}

	halting := make(chan struct{})
	setupSignalHandling(halting)

	heartbeat := time.NewTicker(100 * time.Millisecond)
	defer heartbeat.Stop()

steady:
	for {
		select {
		case <-halting:
			break steady
		case <-heartbeat.C:
			// Exercise the broadcast path end to end every tick.
			if err := eng.SendMany(coldHart, avail, 0, ipi.EventSoft, nil); err != nil {
				debug.DropError("HEARTBEAT", err)
			}
			for _, h := range spec.Available {
				eng.ClearSoftPending(h)
			}
		}
	}

	// PHASE 4: Coordinated halt — broadcast HALT, drain every loop to zero
	debug.DropMessage("HALT", "Broadcasting halt to all harts")
	if err := eng.SendMany(coldHart, avail, 0, ipi.EventHalt, nil); err != nil {
		debug.DropError("HALT", err)
		atomic.StoreUint32(&stop, 1) // fall back to the stop flag
	}
	for _, done := range dones {
		<-done
	}
	if !lines.AllHalted(avail) {
		debug.DropMessage("HALT", "Stopped with unhalted harts")
	}

	if harvester != nil {
		recorded, dropped, flushed := harvester.Stats()
		debug.DropMessage("TRACE", "recorded="+utils.Itoa(int(recorded))+
			" dropped="+utils.Itoa(int(dropped))+
			" flushed="+utils.Itoa(int(flushed)))
		if err := harvester.Close(); err != nil {
			debug.DropError("TRACE", err)
		}
	}
	debug.DropMessage("HALT", "Machine down")
}

// loadSpec reads the machine description named on the command line, or
// falls back to the built-in default machine.
func loadSpec() platform.Spec {
	if len(os.Args) > 1 {
		spec, err := platform.Load(os.Args[1])
		if err != nil {
			debug.DropError("SPEC", err)
			os.Exit(1)
		}
		return spec
	}
	return platform.Default()
}

// setupSignalHandling converts the first interrupt into a halt request.
func setupSignalHandling(halting chan<- struct{}) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		debug.DropMessage("SIGNAL", "Received interrupt, halting machine...")
		close(halting)
	}()
}
