// ════════════════════════════════════════════════════════════════════════════════════════════════
// ⚡ INTER-PROCESSOR EVENT SIGNALING ENGINE
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Project: Multi-Hart Firmware Signaling Core
// Component: IPI Send / Broadcast / Drain / Lifecycle
//
// Description:
//   Lets any hart request that one, several, or all harts asynchronously execute a privileged
//   action — deliver a virtual supervisor interrupt, run a remote invalidation, or halt — with no
//   OS, no locks, and no blocking primitive except the explicit FENCE rendezvous. The only
//   cross-hart-mutable datum is one pending-event word per hart, living in that hart's scratch
//   region at a cold-boot-allocated offset; senders OR bits in atomically, the owner drains with
//   one atomic exchange, and the doorbell ring is ordered strictly after the bit store.
//
// Threading model:
//   • Senders: any hart, concurrently; linearized per target around the atomic OR
//   • Drain: owning hart only, from its trap path after a doorbell indication
//   • Bits set concurrently with a drain are deferred to the next drain, never lost
//   • Repeated identical events coalesce into one handler run per drain (idempotent by design
//     of the event set: SOFT re-arms a flag, FENCE drains a queue, HALT is terminal)
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package ipi

import (
	"errors"
	"math/bits"
	"runtime"
	"sync/atomic"
	"unsafe"

	"github.com/github-efx/opensbi/constants"
	"github.com/github-efx/opensbi/control"
	"github.com/github-efx/opensbi/scratch"
)

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// EVENT KINDS
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// EventID names one pending-event bit. The set is fixed at build time;
// bits drained that match no known kind are reserved and ignored, so an
// older receiver stays compatible with a newer sender.
type EventID uint32

const (
	// EventSoft asks the target to mark a supervisor software interrupt
	// pending for itself.
	EventSoft EventID = iota

	// EventFence asks the target to drain and apply its remote
	// invalidation inbox. Senders of this event block until the target
	// has consumed the queued request (rendezvous).
	EventFence

	// EventHalt asks the target to stop permanently. Terminal: the
	// target's drain does not return from this handler.
	EventHalt
)

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// ERROR TAXONOMY
// ═══════════════════════════════════════════════════════════════════════════════════════════════

var (
	// ErrTargetUnavailable rejects a send to a hart the platform reports
	// disabled. No state changes.
	ErrTargetUnavailable = errors.New("ipi: target hart unavailable")

	// ErrInvalidRange rejects a broadcast whose hart base exceeds the
	// highest available hart ID.
	ErrInvalidRange = errors.New("ipi: hart base beyond available harts")

	// ErrInvalidMask rejects a broadcast naming any unavailable hart.
	// All-or-nothing: no IPI is sent.
	ErrInvalidMask = errors.New("ipi: hart mask names unavailable harts")

	// ErrAllocationFailed aborts cold boot when the scratch pool cannot
	// reserve the event store. Fatal to firmware init.
	ErrAllocationFailed = errors.New("ipi: scratch allocation failed")

	// ErrNotInitialized rejects a warm boot before any cold boot ran.
	ErrNotInitialized = errors.New("ipi: warm boot before cold boot")
)

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// COLLABORATOR CONTRACTS
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Doorbell is the platform notification mechanism: the physical half of an
// IPI.
type Doorbell interface {
	Disabled(hart uint32) bool
	Ring(hart uint32)
	ClearLocal(hart uint32)
	Init(coldBoot bool) error
	Exit()
}

// FenceQueue is the remote-invalidation collaborator. Its storage and
// drain logic live elsewhere; this engine consumes it as a request/ack
// primitive.
type FenceQueue interface {
	Enqueue(target uint32, req unsafe.Pointer) error
	Await(target uint32)
	ProcessLocal(hart uint32)
	Init(coldBoot bool) error
}

// Topology supplies the externally computed hart availability view.
type Topology interface {
	AvailabilityMask() uint64
}

// TraceOp tags one trace record emitted by the engine.
type TraceOp uint8

const (
	// TraceSend records an event bit published to a target.
	TraceSend TraceOp = iota
	// TraceDrain records an event bit consumed by its owner.
	TraceDrain
)

// Recorder receives engine trace records. Optional; nil disables tracing.
// Implementations must be wait-free: Record runs on send and drain paths.
type Recorder interface {
	Record(op TraceOp, hart uint32, event EventID)
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// ENGINE
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Config wires an Engine to its collaborators.
type Config struct {
	Pool  *scratch.Pool  // per-hart scratch regions
	Bell  Doorbell       // platform doorbell driver
	Fence FenceQueue     // remote-invalidation collaborator
	Topo  Topology       // hart availability
	Lines *control.Lines // soft-IRQ line + halted latch per hart

	// Halt runs the terminal per-hart shutdown for a drained HALT event
	// and must not return. Nil installs the default: latch the hart
	// halted and end its pinned goroutine via runtime.Goexit.
	Halt func(hart uint32)

	// Trace receives send/drain records. Nil disables tracing.
	Trace Recorder
}

// Engine is the IPI signaling core of one machine.
//
// The two store offsets are written exactly once, by whichever hart runs
// the cold boot, before any other hart enters this subsystem; they are
// read-only ever after. That boot-order contract — cold boot
// happens-before every warm boot and every send — is what lets remote
// senders read them without synchronization.
type Engine struct {
	pool  *scratch.Pool
	bell  Doorbell
	fence FenceQueue
	topo  Topology
	lines *control.Lines
	halt  func(hart uint32)
	trace Recorder

	eventsOff scratch.Offset // pending-event word, the one cross-hart-mutable datum
	sipOff    scratch.Offset // supervisor-soft-interrupt pending flag (MIP.SSIP stand-in)
}

// New builds an engine. It panics on an incomplete configuration: every
// collaborator except Halt and Trace is load-bearing.
func New(cfg Config) *Engine {
	if cfg.Pool == nil || cfg.Bell == nil || cfg.Fence == nil || cfg.Topo == nil || cfg.Lines == nil {
		panic("ipi: incomplete engine configuration")
	}
	e := &Engine{
		pool:  cfg.Pool,
		bell:  cfg.Bell,
		fence: cfg.Fence,
		topo:  cfg.Topo,
		lines: cfg.Lines,
		halt:  cfg.Halt,
		trace: cfg.Trace,
	}
	if e.halt == nil {
		e.halt = func(h uint32) {
			e.lines.MarkHalted(h)
			runtime.Goexit()
		}
	}
	return e
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// SENDER
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Send marks event pending on the target hart and rings its doorbell.
//
// PROTOCOL:
//  1. Reject disabled targets with no partial effect.
//  2. FENCE only: queue the request first, so a set FENCE bit always has
//     a queued request behind it; enqueue failure propagates untouched.
//  3. Atomic OR of the event bit — safe against concurrent senders and
//     against the owner's drain exchange.
//  4. Ring the doorbell. The sequentially consistent OR above is the
//     store-ordering barrier: the target cannot observe the ring before
//     the updated bitmask.
//  5. FENCE only: block until the target has consumed the request.
//
// The caller's own state is untouched; the side effect is entirely the
// target's pending word plus the doorbell line.
func (e *Engine) Send(target uint32, event EventID, aux unsafe.Pointer) error {
	if e.bell.Disabled(target) {
		return ErrTargetUnavailable
	}

	if event == EventFence {
		if err := e.fence.Enqueue(target, aux); err != nil {
			return err
		}
	}

	// atomic.OrUint64 requires Go 1.23+; CAS loop is its documented equivalent.
	for w := e.pool.Word(target, e.eventsOff); ; {
		old := atomic.LoadUint64(w)
		if atomic.CompareAndSwapUint64(w, old, old|1<<uint(event)) {
			break
		}
	}
	e.bell.Ring(target)

	if e.trace != nil {
		e.trace.Record(TraceSend, target, event)
	}

	if event == EventFence {
		e.fence.Await(target)
	}
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// BROADCAST DISPATCHER
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// SendMany signals event to every hart selected by availability & (hmask
// << hbase). self is the calling hart.
//
// VALIDATION (all-or-nothing, before any send):
//   - hbase beyond the highest available hart → ErrInvalidRange
//   - any requested bit outside availability → ErrInvalidMask
//   - hmask == 0 → trivial success, no IPI
//
// DELIVERY ORDER: every selected remote hart first, ascending hart ID,
// each through Send independently; the first failure aborts the rest. The
// caller's own hart, if selected, is signaled last, after all remote sends
// succeeded — so a self-delivered event (a FENCE self-flush, say) cannot
// re-enter this path before its peers are in flight.
//
// LIMIT: the hart set is one machine word wide. Bits of hmask shifted
// beyond bit 63 leave the representable set and are dropped by the shift;
// harts past ID 63 need a wider hart-set representation throughout.
func (e *Engine) SendMany(self uint32, hmask, hbase uint64, event EventID, aux unsafe.Pointer) error {
	avail := e.topo.AvailabilityMask()

	if hbase >= constants.MaxHarts || hbase > uint64(bits.Len64(avail)-1) {
		return ErrInvalidRange
	}
	shifted := hmask << hbase
	if shifted&^avail != 0 {
		return ErrInvalidMask
	}

	selected := avail & shifted
	if selected == 0 {
		return nil
	}

	for m, h := selected, uint32(0); m != 0; m, h = m>>1, h+1 {
		if m&1 == 0 || h == self {
			continue
		}
		if err := e.Send(h, event, aux); err != nil {
			return err
		}
	}
	if selected&(1<<self) != 0 {
		return e.Send(self, event, aux)
	}
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// RECEIVER / DISPATCHER
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// ProcessPending drains and dispatches every event pending for the calling
// hart. Invoked from the hart's own trap path after it observes its
// doorbell.
//
// The single atomic exchange is the drain boundary: every bit set strictly
// before it is handled now; a bit set concurrently or later is left in the
// word for the next invocation — deferred, never lost, never merged into
// the running drain. Handlers run in ascending bit order. HALT is
// terminal and does not return. Reserved bits are ignored.
func (e *Engine) ProcessPending(self uint32) {
	e.bell.ClearLocal(self)

	snap := atomic.SwapUint64(e.pool.Word(self, e.eventsOff), 0)
	for event := EventID(0); snap != 0; event, snap = event+1, snap>>1 {
		if snap&1 == 0 {
			continue
		}
		switch event {
		case EventSoft:
			if e.trace != nil {
				e.trace.Record(TraceDrain, self, event)
			}
			atomic.StoreUint64(e.pool.Word(self, e.sipOff), 1)
		case EventFence:
			if e.trace != nil {
				e.trace.Record(TraceDrain, self, event)
			}
			e.fence.ProcessLocal(self)
		case EventHalt:
			if e.trace != nil {
				e.trace.Record(TraceDrain, self, event)
			}
			e.halt(self) // terminal
		default:
			// reserved event kind
		}
	}
}

// SoftPending reports whether a supervisor software interrupt is marked
// pending for hart self. The supervisor delivery path polls this.
//
//go:nosplit
//go:inline
func (e *Engine) SoftPending(self uint32) bool {
	return atomic.LoadUint64(e.pool.Word(self, e.sipOff)) != 0
}

// ClearSoftPending clears only the supervisor-soft-interrupt indication.
// Used by the supervisor delivery path; never touches the event store.
//
//go:nosplit
//go:inline
func (e *Engine) ClearSoftPending(self uint32) {
	atomic.StoreUint64(e.pool.Word(self, e.sipOff), 0)
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// LIFECYCLE MANAGER
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Init boots the signaling core on the calling hart.
//
// Cold boot (exactly once, machine-wide, before any warm boot): reserves
// the event store and soft-pending offsets from the scratch pool;
// exhaustion is ErrAllocationFailed and must abort firmware init. Warm
// boot: requires the offsets already reserved, ErrNotInitialized
// otherwise.
//
// Every boot then zeroes this hart's two words, delegates to the fence
// collaborator's and doorbell driver's own init, and arms this hart's
// machine soft-interrupt line.
func (e *Engine) Init(self uint32, coldBoot bool) error {
	if coldBoot {
		e.eventsOff = e.pool.AllocOffset(1, "IPI_EVENTS")
		if e.eventsOff == 0 {
			return ErrAllocationFailed
		}
		e.sipOff = e.pool.AllocOffset(1, "IPI_SIP")
		if e.sipOff == 0 {
			return ErrAllocationFailed
		}
	} else if e.eventsOff == 0 || e.sipOff == 0 {
		return ErrNotInitialized
	}

	atomic.StoreUint64(e.pool.Word(self, e.eventsOff), 0)
	atomic.StoreUint64(e.pool.Word(self, e.sipOff), 0)

	if err := e.fence.Init(coldBoot); err != nil {
		return err
	}
	if err := e.bell.Init(coldBoot); err != nil {
		return err
	}

	e.lines.EnableSoftIRQ(self)
	return nil
}

// Exit shuts the signaling core down on the calling hart: disarm the soft
// interrupt line, run one final synchronous drain so nothing already
// pending is dropped, then let the doorbell driver release its resources.
func (e *Engine) Exit(self uint32) {
	e.lines.DisableSoftIRQ(self)
	e.ProcessPending(self)
	e.bell.Exit()
}

// PendingWord returns the raw pending-event word for hart h. Diagnostics
// and tests only; production paths never read it without draining.
func (e *Engine) PendingWord(h uint32) uint64 {
	return atomic.LoadUint64(e.pool.Word(h, e.eventsOff))
}
