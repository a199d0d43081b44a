// ─────────────────────────────────────────────────────────────────────────────
// [Filename]: constants.go — machine-wide tunables for the IPI core
//
// Purpose:
//   - Defines the hart-set width, scratch sizing, fence-inbox capacity and
//     spin budgets shared across packages.
//
// ⚠️ No runtime logic here — all values must be compile-time resolvable
// ─────────────────────────────────────────────────────────────────────────────

package constants

// ───────────────────────────── Hart Set ────────────────────────────────────

const (
	// MaxHarts bounds the hart-ID space to one machine word. Availability
	// masks, broadcast hart masks and the per-hart pending-event store are
	// all uint64, so hart IDs ≥ 64 are not representable. Lifting this
	// limit requires a wider hart-set type everywhere a mask is shifted.
	MaxHarts = 64

	// EventWordBits is the width of the per-hart pending-event word.
	// Event kinds beyond bit 63 cannot be signaled.
	EventWordBits = 64
)

// ───────────────────────────── Scratch Layout ──────────────────────────────

const (
	// ScratchWords sizes each hart's private scratch region, in 64-bit
	// words. Offset 0 is reserved so a zero offset can mean "allocation
	// failed", matching the allocator's failure convention.
	ScratchWords = 64
)

// ───────────────────────────── Fence Inbox ─────────────────────────────────

const (
	// FenceInboxSlots is the per-hart capacity of the remote-invalidation
	// inbox. Power of two: the inbox indexes with a bitmask.
	FenceInboxSlots = 256
)

// ───────────────────────────── Spin Budgets ────────────────────────────────

const (
	// HartSpinBudget is the number of failed doorbell polls a pinned hart
	// loop tolerates before issuing a CPU relax hint.
	HartSpinBudget = 224

	// FenceSyncSpinBudget bounds how many rendezvous polls happen between
	// relax hints while a sender waits for a remote fence drain.
	FenceSyncSpinBudget = 64
)

// ───────────────────────────── Trace Ring ──────────────────────────────────

const (
	// TraceRingBits sizes the IPI trace ring: 2^14 records ≈ 256 KiB.
	// Large enough to hold a full broadcast storm across 64 harts without
	// the harvester falling behind.
	TraceRingBits = 14

	// TraceFlushBatch is how many records the harvester folds into one
	// sqlite transaction.
	TraceFlushBatch = 512
)
