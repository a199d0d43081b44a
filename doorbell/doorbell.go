// ════════════════════════════════════════════════════════════════════════════════════════════════
// Doorbell Drivers
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Project: Multi-Hart Firmware Signaling Core
// Component: Platform Notification Mechanism
//
// Description:
//   The doorbell is the physical half of an IPI: the sender rings a per-hart notification after
//   publishing the event bit, and the target clears the indication at the top of its drain. Two
//   drivers ship here: a portable one backed by per-hart atomic pending words (spin-polled by the
//   hart loop) and a Linux one backed by eventfd so idle hart threads can sleep in the kernel.
//
// Ordering contract:
//   Ring must never become observable on the target before the sender's event-bit store. Both
//   drivers ring through a sync/atomic store (or a write(2) syscall, which is even stronger), so
//   the sequentially consistent event-bit OR issued by the sender is ordered first.
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package doorbell

import (
	"errors"
	"sync/atomic"

	"github.com/github-efx/opensbi/constants"
)

// ErrNotInitialized is returned by a warm Init on a driver whose cold init
// never ran.
var ErrNotInitialized = errors.New("doorbell: warm init before cold init")

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// SPIN DRIVER
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// cell is one hart's pending word, padded to a cache line so a hart polling
// its own doorbell never contends with a neighbor being rung.
type cell struct {
	pending uint32
	_       [60]byte
}

// Spin is the portable doorbell: one atomic pending word per hart. The
// pinned hart loop polls Pending; senders ring by storing 1.
type Spin struct {
	avail  uint64 // availability mask, fixed at construction
	inited uint32 // cold-init latch
	slots  [constants.MaxHarts]cell
}

// NewSpin builds a spin doorbell over the given availability mask.
func NewSpin(avail uint64) *Spin {
	return &Spin{avail: avail}
}

// Disabled reports whether the platform considers hart h unusable.
//
//go:nosplit
//go:inline
func (d *Spin) Disabled(h uint32) bool {
	return h >= constants.MaxHarts || d.avail&(1<<h) == 0
}

// Ring raises hart h's doorbell indication.
//
//go:nosplit
//go:inline
func (d *Spin) Ring(h uint32) {
	atomic.StoreUint32(&d.slots[h].pending, 1)
}

// Pending reports whether hart h's doorbell is raised. Polled by the hart's
// own run loop only.
//
//go:nosplit
//go:inline
func (d *Spin) Pending(h uint32) bool {
	return atomic.LoadUint32(&d.slots[h].pending) == 1
}

// ClearLocal acknowledges hart h's doorbell. Called by hart h itself at the
// top of its drain, before the event-word exchange, so an event bit set
// after the exchange re-raises the indication rather than getting its wake
// swallowed.
//
//go:nosplit
//go:inline
func (d *Spin) ClearLocal(h uint32) {
	atomic.StoreUint32(&d.slots[h].pending, 0)
}

// Init prepares the driver. Cold boot lowers every doorbell; warm boot
// requires the cold pass to have happened.
func (d *Spin) Init(coldBoot bool) error {
	if coldBoot {
		for i := range d.slots {
			atomic.StoreUint32(&d.slots[i].pending, 0)
		}
		atomic.StoreUint32(&d.inited, 1)
		return nil
	}
	if atomic.LoadUint32(&d.inited) == 0 {
		return ErrNotInitialized
	}
	return nil
}

// Exit releases driver resources. The spin driver holds none.
func (d *Spin) Exit() {}
