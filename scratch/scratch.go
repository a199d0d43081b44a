// ════════════════════════════════════════════════════════════════════════════════════════════════
// Per-Hart Scratch Pool
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Project: Multi-Hart Firmware Signaling Core
// Component: Boot-Time Scratch Region Allocator
//
// Description:
//   Each hart owns one private scratch region, modeled as a fixed arena of 64-bit words. Firmware
//   subsystems reserve space in it once, during cold boot, by allocating a word offset that is
//   common to every hart's region; only the region base differs per hart. The offset is therefore
//   a process-wide, write-once value: cold boot happens-before every later read of it.
//
// Ownership model:
//   - A hart exclusively owns every word of its region, with one deliberate exception: words that
//     a subsystem designates as cross-hart mailboxes (the IPI pending-event store) are additionally
//     written by remote harts through dedicated atomic operations only.
//   - The allocator itself is NOT concurrency-safe. It runs on the cold-boot hart before any other
//     hart is released, which is the boot-order contract that makes the offsets safely immutable.
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package scratch

import "github.com/github-efx/opensbi/constants"

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// CORE DATA STRUCTURES
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Offset addresses a reserved span inside any hart's scratch region.
// Offset 0 is reserved: the allocator returns 0 to signal exhaustion.
type Offset = uint32

// allocation records one cold-boot reservation for diagnostics.
type allocation struct {
	off   Offset
	words uint32
	tag   string
}

// Pool holds every hart's scratch region plus the shared offset cursor.
type Pool struct {
	regions [][]uint64   // per-hart word arenas, index = hart ID
	cursor  uint32       // next free word offset, starts past the reserved word 0
	allocs  []allocation // cold-boot reservation log
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// CONSTRUCTOR
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// NewPool builds the scratch regions for a machine with the given hart
// count. It panics on an unrepresentable hart count so the masking
// arithmetic in the signaling layer stays valid.
func NewPool(harts int) *Pool {
	if harts <= 0 || harts > constants.MaxHarts {
		panic("scratch: hart count must be in 1.." + itoa(constants.MaxHarts))
	}
	regions := make([][]uint64, harts)
	for i := range regions {
		regions[i] = make([]uint64, constants.ScratchWords)
	}
	return &Pool{
		regions: regions,
		cursor:  1, // word 0 reserved as the failure sentinel
	}
}

// itoa is a tiny local formatter so the constructor's panic message does
// not pull strconv into this package.
func itoa(v int) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// COLD-BOOT ALLOCATION
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// AllocOffset reserves `words` consecutive words in every hart's region and
// returns their common offset, or 0 when the regions are exhausted.
//
// CONTRACT: cold boot only, single caller. The returned offset is immutable
// for the life of the machine; warm boots on every hart reuse it.
//
//go:nosplit
func (p *Pool) AllocOffset(words uint32, tag string) Offset {
	if words == 0 {
		return 0
	}
	if p.cursor+words > constants.ScratchWords {
		return 0
	}
	off := Offset(p.cursor)
	p.cursor += words
	p.allocs = append(p.allocs, allocation{off: off, words: words, tag: tag})
	return off
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// REGION ACCESS
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Word resolves (hart, offset) to the backing word. The pointer stays valid
// for the life of the pool, which is what lets the IPI layer hand it to
// sync/atomic from remote harts.
//
//go:nosplit
//go:inline
func (p *Pool) Word(hart uint32, off Offset) *uint64 {
	return &p.regions[hart][off]
}

// Harts reports how many regions the pool carries.
//
//go:nosplit
//go:inline
func (p *Pool) Harts() int {
	return len(p.regions)
}

// Remaining reports how many unreserved words each region still has.
// Diagnostics only.
func (p *Pool) Remaining() uint32 {
	return constants.ScratchWords - p.cursor
}
