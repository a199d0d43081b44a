// ════════════════════════════════════════════════════════════════════════════════════════════════
// 🧪 COMPREHENSIVE TEST SUITE: IPI SIGNALING ENGINE
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Project: Multi-Hart Firmware Signaling Core
// Component: Engine Test Suite
//
// Description:
//   Validates the send/broadcast/drain protocol end to end: rejection semantics, all-or-nothing
//   broadcast validation, delivery order, event coalescing, single-drain atomicity, the FENCE
//   rendezvous, the cold/warm boot contract, and HALT terminality.
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package ipi

import (
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unsafe"

	"github.com/github-efx/opensbi/control"
	"github.com/github-efx/opensbi/doorbell"
	"github.com/github-efx/opensbi/fencefifo"
	"github.com/github-efx/opensbi/scratch"
)

// ============================================================================
// TEST DOUBLES
// ============================================================================

// countBell wraps the spin doorbell and records every ring for order and
// count assertions.
type countBell struct {
	*doorbell.Spin
	mu    sync.Mutex
	rings []uint32
}

func (b *countBell) Ring(h uint32) {
	b.mu.Lock()
	b.rings = append(b.rings, h)
	b.mu.Unlock()
	b.Spin.Ring(h)
}

func (b *countBell) ringCount(h uint32) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, r := range b.rings {
		if r == h {
			n++
		}
	}
	return n
}

func (b *countBell) ringOrder() []uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]uint32(nil), b.rings...)
}

// countTrace counts drain records per (hart, event).
type countTrace struct {
	mu     sync.Mutex
	drains map[[2]uint32]int
}

func newCountTrace() *countTrace {
	return &countTrace{drains: make(map[[2]uint32]int)}
}

func (c *countTrace) Record(op TraceOp, hart uint32, event EventID) {
	if op != TraceDrain {
		return
	}
	c.mu.Lock()
	c.drains[[2]uint32{hart, uint32(event)}]++
	c.mu.Unlock()
}

func (c *countTrace) drained(hart uint32, event EventID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.drains[[2]uint32{hart, uint32(event)}]
}

// failFence injects an enqueue failure for one target. Its rendezvous is
// a no-op: nothing in these tests drains on the failFence path.
type failFence struct {
	*fencefifo.Queue
	failOn uint32
	err    error
}

func (f *failFence) Enqueue(target uint32, req unsafe.Pointer) error {
	if target == f.failOn {
		return f.err
	}
	return f.Queue.Enqueue(target, req)
}

func (f *failFence) Await(uint32) {}

// machine bundles one booted engine with its collaborators.
type machine struct {
	pool  *scratch.Pool
	bell  *countBell
	fence *fencefifo.Queue
	lines *control.Lines
	trace *countTrace
	eng   *Engine
}

// newMachine cold-boots hart 0 and warm-boots every other available hart.
func newMachine(t *testing.T, harts int, avail uint64, apply fencefifo.ApplyFunc) *machine {
	t.Helper()

	m := &machine{
		pool:  scratch.NewPool(harts),
		bell:  &countBell{Spin: doorbell.NewSpin(avail)},
		fence: fencefifo.New(harts, apply),
		lines: control.NewLines(),
		trace: newCountTrace(),
	}
	m.eng = New(Config{
		Pool:  m.pool,
		Bell:  m.bell,
		Fence: m.fence,
		Topo:  control.NewTopology(avail),
		Lines: m.lines,
		Trace: m.trace,
	})

	if err := m.eng.Init(0, true); err != nil {
		t.Fatalf("cold boot hart 0: %v", err)
	}
	for h := uint32(1); h < uint32(harts); h++ {
		if avail&(1<<h) == 0 {
			continue
		}
		if err := m.eng.Init(h, false); err != nil {
			t.Fatalf("warm boot hart %d: %v", h, err)
		}
	}
	return m
}

// ============================================================================
// SENDER
// ============================================================================

func TestSend_SetsBitAndRings(t *testing.T) {
	m := newMachine(t, 4, 0xf, nil)

	if err := m.eng.Send(2, EventSoft, nil); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := m.eng.PendingWord(2); got != 1<<EventSoft {
		t.Fatalf("pending word = %#x, want %#x", got, uint64(1)<<EventSoft)
	}
	if !m.bell.Pending(2) {
		t.Fatal("doorbell should be rung")
	}
	if m.eng.PendingWord(1) != 0 || m.eng.PendingWord(3) != 0 {
		t.Fatal("send must only touch the target hart")
	}
}

func TestSend_DisabledTargetRejectedWithoutEffect(t *testing.T) {
	m := newMachine(t, 4, 0b1011, nil) // hart 2 disabled

	if err := m.eng.Send(2, EventSoft, nil); err != ErrTargetUnavailable {
		t.Fatalf("got %v, want ErrTargetUnavailable", err)
	}
	if m.eng.PendingWord(2) != 0 {
		t.Fatal("rejected send must leave the bitmask unchanged")
	}
	if m.bell.ringCount(2) != 0 {
		t.Fatal("rejected send must not ring the doorbell")
	}
}

func TestSend_ConcurrentSendersContributeIndependentBits(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping concurrency test in short mode")
	}

	m := newMachine(t, 2, 0b11, nil)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			ev := EventSoft
			if w%2 == 1 {
				ev = EventHalt
			}
			for i := 0; i < 1000; i++ {
				if err := m.eng.Send(1, ev, nil); err != nil {
					t.Errorf("send: %v", err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	want := uint64(1<<EventSoft | 1<<EventHalt)
	if got := m.eng.PendingWord(1); got != want {
		t.Fatalf("pending word = %#x, want %#x", got, want)
	}
}

// ============================================================================
// BROADCAST DISPATCHER
// ============================================================================

func TestSendMany_SetsExactlyOneBitPerSelectedHart(t *testing.T) {
	m := newMachine(t, 4, 0xf, nil)

	// Caller is hart 0; select harts 1..3.
	if err := m.eng.SendMany(0, 0b111, 1, EventSoft, nil); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	for h := uint32(1); h <= 3; h++ {
		if got := m.eng.PendingWord(h); got != 1<<EventSoft {
			t.Errorf("hart %d pending = %#x, want one SOFT bit", h, got)
		}
		if n := m.bell.ringCount(h); n != 1 {
			t.Errorf("hart %d rung %d times, want 1", h, n)
		}
	}
	if m.eng.PendingWord(0) != 0 {
		t.Error("unselected caller must stay untouched")
	}
}

func TestSendMany_InvalidBaseRejected(t *testing.T) {
	m := newMachine(t, 4, 0xf, nil) // highest hart is 3

	if err := m.eng.SendMany(0, 0b1, 4, EventSoft, nil); err != ErrInvalidRange {
		t.Fatalf("got %v, want ErrInvalidRange", err)
	}
	if err := m.eng.SendMany(0, 0b1, 64, EventSoft, nil); err != ErrInvalidRange {
		t.Fatalf("base beyond word width: got %v, want ErrInvalidRange", err)
	}
}

func TestSendMany_UnavailableHartRejectsWholeCall(t *testing.T) {
	m := newMachine(t, 4, 0b1011, nil) // hart 2 unavailable

	// Mask requests harts 1..3; hart 2 is out — nothing may be sent.
	if err := m.eng.SendMany(0, 0b111, 1, EventSoft, nil); err != ErrInvalidMask {
		t.Fatalf("got %v, want ErrInvalidMask", err)
	}
	for h := uint32(0); h < 4; h++ {
		if m.eng.PendingWord(h) != 0 {
			t.Errorf("hart %d has a bit set after a rejected broadcast", h)
		}
	}
	if len(m.bell.ringOrder()) != 0 {
		t.Error("rejected broadcast must ring nothing")
	}
}

func TestSendMany_ZeroMaskIsNoop(t *testing.T) {
	m := newMachine(t, 4, 0xf, nil)

	for base := uint64(0); base <= 3; base++ {
		if err := m.eng.SendMany(0, 0, base, EventSoft, nil); err != nil {
			t.Fatalf("zero mask at base %d: %v", base, err)
		}
	}
	for h := uint32(0); h < 4; h++ {
		if m.eng.PendingWord(h) != 0 {
			t.Errorf("hart %d touched by a zero-mask broadcast", h)
		}
	}
}

func TestSendMany_SelfSignaledLast(t *testing.T) {
	m := newMachine(t, 4, 0xf, nil)

	// Caller hart 1 selects everyone including itself.
	if err := m.eng.SendMany(1, 0xf, 0, EventSoft, nil); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	order := m.bell.ringOrder()
	want := []uint32{0, 2, 3, 1} // remote ascending, self last
	if len(order) != len(want) {
		t.Fatalf("ring order %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("ring order %v, want %v", order, want)
		}
	}
}

func TestSendMany_AbortsOnFirstSendFailure(t *testing.T) {
	m := newMachine(t, 4, 0xf, nil)
	ff := &failFence{Queue: m.fence, failOn: 2, err: fencefifo.ErrInboxFull}
	eng := New(Config{
		Pool:  m.pool,
		Bell:  m.bell.Spin,
		Fence: ff,
		Topo:  control.NewTopology(0xf),
		Lines: m.lines,
	})
	if err := eng.Init(0, true); err != nil {
		t.Fatal(err)
	}

	err := eng.SendMany(0, 0b111, 1, EventFence, nil)
	if err != fencefifo.ErrInboxFull {
		t.Fatalf("got %v, want the fence enqueue failure verbatim", err)
	}
	if eng.PendingWord(1) == 0 {
		t.Error("hart 1 precedes the failure and should have been signaled")
	}
	if eng.PendingWord(2) != 0 || eng.PendingWord(3) != 0 {
		t.Error("no hart at or past the failure may be signaled")
	}
	// Drain hart 1 so its queued fence request does not leak.
	eng.ProcessPending(1)
}

// ============================================================================
// RECEIVER / DISPATCHER
// ============================================================================

func TestProcessPending_EmptyStoreIsNoop(t *testing.T) {
	m := newMachine(t, 2, 0b11, nil)

	m.eng.ProcessPending(1)

	if m.trace.drained(1, EventSoft) != 0 ||
		m.trace.drained(1, EventFence) != 0 ||
		m.trace.drained(1, EventHalt) != 0 {
		t.Fatal("no handler may fire on an empty store")
	}
}

func TestProcessPending_CoalescesRepeatedSoft(t *testing.T) {
	m := newMachine(t, 2, 0b11, nil)

	// N independent sends to an idle hart...
	const n = 16
	for i := 0; i < n; i++ {
		if err := m.eng.Send(1, EventSoft, nil); err != nil {
			t.Fatal(err)
		}
	}
	// ...then one drain: the handler fires exactly once.
	m.eng.ProcessPending(1)

	if got := m.trace.drained(1, EventSoft); got != 1 {
		t.Fatalf("SOFT handler fired %d times, want 1", got)
	}
	if !m.eng.SoftPending(1) {
		t.Fatal("SOFT drain must mark the supervisor interrupt pending")
	}
	if m.eng.PendingWord(1) != 0 {
		t.Fatal("drain must leave the store empty")
	}

	// A second drain sees nothing.
	m.eng.ProcessPending(1)
	if got := m.trace.drained(1, EventSoft); got != 1 {
		t.Fatalf("second drain refired the handler: %d", got)
	}
}

func TestProcessPending_ClearsDoorbell(t *testing.T) {
	m := newMachine(t, 2, 0b11, nil)

	_ = m.eng.Send(1, EventSoft, nil)
	if !m.bell.Pending(1) {
		t.Fatal("doorbell should be up")
	}
	m.eng.ProcessPending(1)
	if m.bell.Pending(1) {
		t.Fatal("drain must acknowledge the doorbell")
	}
}

func TestProcessPending_IgnoresReservedBits(t *testing.T) {
	m := newMachine(t, 2, 0b11, nil)

	// Plant a bit no event kind owns; the drain must skip it silently.
	_ = m.eng.Send(1, EventID(17), nil)
	m.eng.ProcessPending(1)

	if m.eng.PendingWord(1) != 0 {
		t.Fatal("reserved bits are still drained")
	}
	if m.eng.SoftPending(1) {
		t.Fatal("reserved bit must not trigger a known handler")
	}
}

func TestClearSoftPending_NarrowEffect(t *testing.T) {
	m := newMachine(t, 2, 0b11, nil)

	_ = m.eng.Send(1, EventSoft, nil)
	m.eng.ProcessPending(1)
	_ = m.eng.Send(1, EventSoft, nil) // leave an undrained event bit behind

	m.eng.ClearSoftPending(1)

	if m.eng.SoftPending(1) {
		t.Fatal("soft-pending indication should be cleared")
	}
	if m.eng.PendingWord(1) == 0 {
		t.Fatal("ClearSoftPending must never touch the event store")
	}
}

// ============================================================================
// FENCE RENDEZVOUS
// ============================================================================

func TestFence_RoundTripRendezvous(t *testing.T) {
	var applied atomic.Uint32
	m := newMachine(t, 2, 0b11, func(hart uint32, req unsafe.Pointer) {
		if hart != 1 {
			t.Errorf("fence applied on hart %d, want 1", hart)
		}
		applied.Add(1)
	})

	payload := new(uint64)
	sent := make(chan error, 1)
	go func() {
		// Hart 0 sends; must not return before hart 1 consumed the request.
		sent <- m.eng.Send(1, EventFence, unsafe.Pointer(payload))
	}()

	// The sender is parked in the rendezvous until the target drains.
	select {
	case err := <-sent:
		t.Fatalf("sender returned before the target processed: %v", err)
	case <-time.After(20 * time.Millisecond):
	}
	if applied.Load() != 0 {
		t.Fatal("nothing should be applied before the target drains")
	}

	m.eng.ProcessPending(1)

	if err := <-sent; err != nil {
		t.Fatalf("send: %v", err)
	}
	if applied.Load() != 1 {
		t.Fatalf("fence applied %d times, want 1", applied.Load())
	}
}

func TestFence_EnqueueFailurePreventsAllEffects(t *testing.T) {
	m := newMachine(t, 2, 0b11, nil)

	// Fill hart 1's inbox so the engine's enqueue fails.
	for m.fence.Enqueue(1, nil) == nil {
	}
	ringsBefore := m.bell.ringCount(1)

	if err := m.eng.Send(1, EventFence, nil); err != fencefifo.ErrInboxFull {
		t.Fatalf("got %v, want ErrInboxFull propagated verbatim", err)
	}
	if m.eng.PendingWord(1) != 0 {
		t.Fatal("no FENCE bit may be set without a queued request")
	}
	if m.bell.ringCount(1) != ringsBefore {
		t.Fatal("no doorbell may fire on a failed enqueue")
	}
}

// ============================================================================
// LIFECYCLE
// ============================================================================

func TestInit_ColdThenWarmShareOffset(t *testing.T) {
	pool := scratch.NewPool(2)
	eng := New(Config{
		Pool:  pool,
		Bell:  doorbell.NewSpin(0b11),
		Fence: fencefifo.New(2, nil),
		Topo:  control.NewTopology(0b11),
		Lines: control.NewLines(),
	})

	if err := eng.Init(0, true); err != nil {
		t.Fatalf("cold boot: %v", err)
	}
	off := eng.eventsOff
	if err := eng.Init(1, false); err != nil {
		t.Fatalf("warm boot: %v", err)
	}
	if eng.eventsOff != off {
		t.Fatal("warm boot must reuse the cold-boot offset")
	}

	// The shared offset addresses per-hart storage: a send to hart 1 must
	// not alias hart 0's word.
	if err := eng.Send(1, EventSoft, nil); err != nil {
		t.Fatal(err)
	}
	if eng.PendingWord(0) != 0 || eng.PendingWord(1) == 0 {
		t.Fatal("offset must resolve per hart")
	}
}

func TestInit_WarmWithoutColdFails(t *testing.T) {
	eng := New(Config{
		Pool:  scratch.NewPool(2),
		Bell:  doorbell.NewSpin(0b11),
		Fence: fencefifo.New(2, nil),
		Topo:  control.NewTopology(0b11),
		Lines: control.NewLines(),
	})
	if err := eng.Init(1, false); err != ErrNotInitialized {
		t.Fatalf("got %v, want ErrNotInitialized", err)
	}
}

func TestInit_AllocationExhaustionIsFatal(t *testing.T) {
	pool := scratch.NewPool(1)
	// Eat the whole arena before the engine's cold boot.
	for pool.AllocOffset(1, "FILLER") != 0 {
	}
	eng := New(Config{
		Pool:  pool,
		Bell:  doorbell.NewSpin(0b1),
		Fence: fencefifo.New(1, nil),
		Topo:  control.NewTopology(0b1),
		Lines: control.NewLines(),
	})
	if err := eng.Init(0, true); err != ErrAllocationFailed {
		t.Fatalf("got %v, want ErrAllocationFailed", err)
	}
}

func TestInit_ArmsSoftIRQLine(t *testing.T) {
	m := newMachine(t, 2, 0b11, nil)
	if !m.lines.SoftIRQEnabled(0) || !m.lines.SoftIRQEnabled(1) {
		t.Fatal("init must arm each booted hart's soft-IRQ line")
	}
}

func TestInit_ZeroesStaleState(t *testing.T) {
	m := newMachine(t, 2, 0b11, nil)

	_ = m.eng.Send(1, EventSoft, nil)
	m.eng.ProcessPending(1)
	_ = m.eng.Send(1, EventHalt, nil) // pending but undrained

	// A warm re-boot of hart 1 discards its stale pending state.
	if err := m.eng.Init(1, false); err != nil {
		t.Fatal(err)
	}
	if m.eng.PendingWord(1) != 0 {
		t.Fatal("re-init must zero the event store")
	}
	if m.eng.SoftPending(1) {
		t.Fatal("re-init must zero the soft-pending flag")
	}
}

func TestExit_DisarmsAndDrains(t *testing.T) {
	m := newMachine(t, 2, 0b11, nil)

	_ = m.eng.Send(1, EventSoft, nil)
	m.eng.Exit(1)

	if m.lines.SoftIRQEnabled(1) {
		t.Fatal("exit must disarm the soft-IRQ line")
	}
	if got := m.trace.drained(1, EventSoft); got != 1 {
		t.Fatalf("exit must run one final drain, handler fired %d times", got)
	}
	if m.eng.PendingWord(1) != 0 {
		t.Fatal("nothing may stay pending after exit")
	}
}

// ============================================================================
// HALT TERMINALITY
// ============================================================================

func TestHalt_TerminatesHartAndNeverReturns(t *testing.T) {
	m := newMachine(t, 2, 0b11, nil)

	if err := m.eng.Send(1, EventHalt, nil); err != nil {
		t.Fatal(err)
	}

	returned := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		m.eng.ProcessPending(1) // default halt hook: latch + Goexit
		close(returned)         // must be unreachable
	}()

	<-exited
	select {
	case <-returned:
		t.Fatal("ProcessPending returned past a drained HALT")
	default:
	}
	if !m.lines.Halted(1) {
		t.Fatal("HALT must latch the hart halted")
	}
	// No further event may reach a halted hart's drain: nothing was left
	// in the store, and the hart loop is gone.
	if m.eng.PendingWord(1) != 0 {
		t.Fatal("the terminal drain still cleared the store first")
	}
}

func TestHalt_CustomHookRuns(t *testing.T) {
	pool := scratch.NewPool(1)
	var haltedOn atomic.Uint32
	eng := New(Config{
		Pool:  pool,
		Bell:  doorbell.NewSpin(0b1),
		Fence: fencefifo.New(1, nil),
		Topo:  control.NewTopology(0b1),
		Lines: control.NewLines(),
		Halt: func(h uint32) {
			haltedOn.Store(h + 1)
			runtime.Goexit()
		},
	})
	if err := eng.Init(0, true); err != nil {
		t.Fatal(err)
	}
	_ = eng.Send(0, EventHalt, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		eng.ProcessPending(0)
	}()
	<-done

	if haltedOn.Load() != 1 {
		t.Fatal("custom halt hook did not run for hart 0")
	}
}

// ============================================================================
// BENCHMARKS
// ============================================================================

func BenchmarkSendDrainSoft(b *testing.B) {
	pool := scratch.NewPool(2)
	lines := control.NewLines()
	eng := New(Config{
		Pool:  pool,
		Bell:  doorbell.NewSpin(0b11),
		Fence: fencefifo.New(2, nil),
		Topo:  control.NewTopology(0b11),
		Lines: lines,
	})
	if err := eng.Init(0, true); err != nil {
		b.Fatal(err)
	}
	if err := eng.Init(1, false); err != nil {
		b.Fatal(err)
	}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = eng.Send(1, EventSoft, nil)
		eng.ProcessPending(1)
		eng.ClearSoftPending(1)
	}
}

func BenchmarkSendManyBroadcast(b *testing.B) {
	pool := scratch.NewPool(8)
	eng := New(Config{
		Pool:  pool,
		Bell:  doorbell.NewSpin(0xff),
		Fence: fencefifo.New(8, nil),
		Topo:  control.NewTopology(0xff),
		Lines: control.NewLines(),
	})
	if err := eng.Init(0, true); err != nil {
		b.Fatal(err)
	}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = eng.SendMany(0, 0xff, 0, EventSoft, nil)
		for h := uint32(0); h < 8; h++ {
			eng.ProcessPending(h)
		}
	}
}
