// ════════════════════════════════════════════════════════════════════════════════════════════════
// ⚡ CORE-PINNED HART EXECUTION LOOP
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Project: Multi-Hart Firmware Signaling Core
// Component: Dedicated Core Event Drain Loop
//
// Description:
//   Runs one hart as a goroutine bound to a dedicated CPU core, polling its doorbell and draining
//   pending events through the signaling engine. Provides adaptive polling with hot/cold detection
//   and automatic CPU relaxation so idle harts back off while a signaled hart reacts within a
//   handful of cache misses.
//
// Adaptive Behavior:
//   - Hot mode: continuous doorbell polling while events keep arriving
//   - Cool mode: CPU relaxation plus scheduler yield after the idle threshold
//   - Automatic transition based on doorbell arrival patterns
//   - HALT events terminate the loop from inside the drain; the done channel still closes
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package hartrun

import (
	"runtime"
	"time"

	"github.com/github-efx/opensbi/constants"
	"github.com/github-efx/opensbi/control"
)

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// CONFIGURATION CONSTANTS
// ═══════════════════════════════════════════════════════════════════════════════════════════════

const (
	// hotWindow defines the duration to maintain aggressive polling after a
	// drained event. During this window the hart assumes more IPIs are
	// likely to arrive.
	hotWindow = 200 * time.Microsecond
)

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// COLLABORATOR CONTRACTS
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Doorbell is the read side of the platform notification line: the loop
// only ever asks "is my line up". Acknowledging it belongs to the drain.
type Doorbell interface {
	Pending(hart uint32) bool
}

// Drainer consumes every event pending for the calling hart. A drained
// HALT does not return; it unwinds the calling goroutine instead.
type Drainer interface {
	ProcessPending(self uint32)
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// PINNED HART LOOP
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Run launches a goroutine bound to a specific CPU core that models one
// hart's trap loop: poll the doorbell, drain on indication, back off when
// idle.
//
// PARAMETERS:
//   - core: target CPU core index (0-based); binding is best effort
//   - hart: hart ID this loop embodies
//   - bell: doorbell read side for this machine
//   - eng: event drain, normally the signaling engine
//   - lines: per-hart soft-IRQ gate and halted latch
//   - stop: pointer to shutdown flag (non-zero triggers shutdown)
//   - done: channel closed when the hart terminates, by stop flag or HALT
//
// THREADING MODEL:
//
//	The goroutine locks to an OS thread and sets CPU affinity so each hart
//	owns a core, matching the one-hart-one-core execution the drain
//	protocol assumes. A HALT drained inside ProcessPending ends the
//	goroutine via runtime.Goexit; the deferred cleanup still runs, so done
//	closes on every exit path.
//
// GATING:
//
//	A raised doorbell is only acted on while the hart's soft-IRQ line is
//	armed. A disarmed hart (pre-init, mid-exit) leaves the indication in
//	place for whoever arms the line next.
//
//go:norace
//go:nocheckptr
//go:inline
//go:registerparams
func Run(
	core int,
	hart uint32,
	bell Doorbell,
	eng Drainer,
	lines *control.Lines,
	stop *uint32,
	done chan<- struct{},
) {
	go func() {
		// Lock goroutine to OS thread for CPU affinity
		runtime.LockOSThread()
		setAffinity(core)

		// Ensure cleanup on exit, including the Goexit a HALT drain takes
		defer func() {
			runtime.UnlockOSThread()
			close(done)
		}()

		// Polling state management
		var miss int          // Consecutive idle polls
		lastHit := time.Now() // Last drained indication

		// Main drain loop
		for {
			// Priority 1: check for shutdown signal
			if *stop != 0 || lines.Halted(hart) {
				return
			}

			// Priority 2: drain on a raised, armed doorbell
			if bell.Pending(hart) && lines.SoftIRQEnabled(hart) {
				eng.ProcessPending(hart) // HALT never returns from here
				miss = 0
				lastHit = time.Now()
				continue
			}

			// Priority 3: stay hot while traffic is recent
			if time.Since(lastHit) <= hotWindow {
				continue
			}

			// Priority 4: apply CPU relaxation after threshold
			if miss++; miss >= constants.HartSpinBudget {
				miss = 0
				cpuRelax()
				runtime.Gosched()
			}
		}
	}()
}
