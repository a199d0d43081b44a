// control.go — Hart topology and per-hart line state for the signaling core
// ============================================================================
// HART CONTROL ORCHESTRATION
// ============================================================================
//
// Control package provides the hart-availability view and the per-hart
// control lines the IPI core arms and disarms: the machine-level soft
// interrupt enable (the line the doorbell asserts) and the halted latch.
//
// Architecture overview:
//   • Topology: immutable availability mask computed by the platform layer
//   • Lines: lock-free per-hart flag words for enable/halt state
//   • Cache-line isolated slots so harts never false-share their flags
//
// Threading model:
//   • A hart arms/disarms only its own soft-IRQ line (boot and shutdown)
//   • Remote harts read the halted latch; only the owner sets it
//   • All flag access is atomic; there is no lock anywhere in this package

package control

import (
	"math/bits"
	"sync/atomic"

	"github.com/github-efx/opensbi/constants"
)

// ============================================================================
// TOPOLOGY
// ============================================================================

// Topology is the externally computed hart-availability view. It is built
// once by the platform layer and read-only afterwards, so accessors need
// no synchronization.
type Topology struct {
	mask uint64 // bit h set = hart h usable
}

// NewTopology wraps an availability mask. It panics when the mask is empty:
// a machine with zero usable harts cannot run the caller either.
func NewTopology(mask uint64) *Topology {
	if mask == 0 {
		panic("control: empty hart availability mask")
	}
	return &Topology{mask: mask}
}

// AvailabilityMask returns the raw availability bitmask.
//
//go:nosplit
//go:inline
func (t *Topology) AvailabilityMask() uint64 {
	return t.mask
}

// Available reports whether hart h is usable.
//
//go:nosplit
//go:inline
func (t *Topology) Available(h uint32) bool {
	return h < constants.MaxHarts && t.mask&(1<<h) != 0
}

// HighestHart returns the largest usable hart ID.
//
//go:nosplit
//go:inline
func (t *Topology) HighestHart() uint32 {
	return uint32(bits.Len64(t.mask) - 1)
}

// ============================================================================
// PER-HART CONTROL LINES
// ============================================================================

// line is one hart's flag slot, padded to a full cache line so neighboring
// harts polling their own flags never contend.
type line struct {
	softIRQ uint32 // 1 = machine soft-interrupt line armed
	halted  uint32 // 1 = hart has executed its terminal halt
	_       [56]byte
}

// Lines holds the control-line state for every hart of one machine.
type Lines struct {
	slots [constants.MaxHarts]line
}

// NewLines returns a Lines block with every line disarmed.
func NewLines() *Lines {
	return &Lines{}
}

// ----------------------------------------------------------------------------
// Soft-IRQ line (MIE.MSIP stand-in)
// ----------------------------------------------------------------------------

// EnableSoftIRQ arms hart h's machine soft-interrupt line. Called by the
// hart itself during IPI init.
//
//go:nosplit
//go:inline
func (l *Lines) EnableSoftIRQ(h uint32) {
	atomic.StoreUint32(&l.slots[h].softIRQ, 1)
}

// DisableSoftIRQ disarms hart h's line. Called by the hart itself during
// IPI exit, before the final drain.
//
//go:nosplit
//go:inline
func (l *Lines) DisableSoftIRQ(h uint32) {
	atomic.StoreUint32(&l.slots[h].softIRQ, 0)
}

// SoftIRQEnabled reports whether hart h's line is armed. The pinned hart
// loop gates its doorbell poll on this.
//
//go:nosplit
//go:inline
func (l *Lines) SoftIRQEnabled(h uint32) bool {
	return atomic.LoadUint32(&l.slots[h].softIRQ) == 1
}

// ----------------------------------------------------------------------------
// Halted latch
// ----------------------------------------------------------------------------

// MarkHalted latches hart h as terminally stopped. Set exactly once, by the
// hart itself, from the HALT event handler.
//
//go:nosplit
//go:inline
func (l *Lines) MarkHalted(h uint32) {
	atomic.StoreUint32(&l.slots[h].halted, 1)
}

// Halted reports whether hart h has latched its terminal stop.
//
//go:nosplit
//go:inline
func (l *Lines) Halted(h uint32) bool {
	return atomic.LoadUint32(&l.slots[h].halted) == 1
}

// AllHalted reports whether every hart in mask has latched. Used by the
// boot hart to wait out a HALT broadcast.
func (l *Lines) AllHalted(mask uint64) bool {
	for h := uint32(0); mask != 0; h, mask = h+1, mask>>1 {
		if mask&1 != 0 && !l.Halted(h) {
			return false
		}
	}
	return true
}
