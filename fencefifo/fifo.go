// fifo.go
//
// Per-hart remote-invalidation inboxes with sender/receiver rendezvous.
// Each hart owns one bounded multi-producer/single-consumer ring: any hart
// may enqueue an invalidation request for it, only the owner drains. Slots
// carry a sequence stamp so producers claim space with a single CAS and
// the owner consumes without any, and producer/consumer cursors live on
// separate cache lines to eliminate false sharing.
//
// Rendezvous contract: Enqueue raises the target's outstanding counter
// before the request is visible, ProcessLocal lowers it only after the
// platform apply callback ran. Await therefore cannot return while any
// request for the target — the caller's or a concurrent sender's — is
// still unconsumed, which is exactly the "sender does not return before
// the remote flush happened" guarantee the FENCE event needs.

package fencefifo

import (
	"errors"
	"runtime"
	"sync/atomic"
	"unsafe"

	"github.com/github-efx/opensbi/constants"
)

var (
	// ErrInboxFull is returned when a target hart's inbox has no free slot.
	// The sender must not set the FENCE event bit after this: a set bit
	// always has a queued request behind it.
	ErrInboxFull = errors.New("fencefifo: target inbox full")

	// ErrNotInitialized is returned by a warm Init before any cold Init.
	ErrNotInitialized = errors.New("fencefifo: warm init before cold init")
)

// ApplyFunc performs the platform's actual invalidation action for one
// drained request. It runs on the owning hart.
type ApplyFunc func(hart uint32, req unsafe.Pointer)

// slot couples a request pointer with its sequence stamp.
type slot struct {
	seq uint64         // position in the sequence space
	req unsafe.Pointer // invalidation request payload
}

// inbox is one hart's bounded MPSC ring plus its rendezvous counter.
type inbox struct {
	_    [64]byte // producer tail isolated on its own cache line
	tail uint64   // claimed by producers via CAS
	//lint:ignore U1000 padding to keep tail & head on different cache-lines
	_pad1 [64]byte
	head  uint64 // advanced by the owning hart only
	//lint:ignore U1000 padding to keep the counter off the cursor lines
	_pad2   [64]byte
	pending int32 // outstanding requests, raised by Enqueue, lowered after apply
	//lint:ignore U1000 padding to keep hot fields from colliding with metadata
	_pad3 [60]byte
	mask  uint64
	buf   []slot
}

// push claims a slot and publishes req. Safe for concurrent producers.
// Returns false when the ring is full.
//
//go:nosplit
func (in *inbox) push(req unsafe.Pointer) bool {
	for {
		t := atomic.LoadUint64(&in.tail)
		s := &in.buf[t&in.mask]
		seq := atomic.LoadUint64(&s.seq)
		switch {
		case seq == t:
			if atomic.CompareAndSwapUint64(&in.tail, t, t+1) {
				s.req = req
				atomic.StoreUint64(&s.seq, t+1)
				return true
			}
		case seq < t:
			return false // owner has not yet reclaimed the slot
		}
		// seq > t: another producer claimed this slot first, reload tail
	}
}

// pop dequeues one request. Owner hart only.
//
//go:nosplit
func (in *inbox) pop() (unsafe.Pointer, bool) {
	h := in.head
	s := &in.buf[h&in.mask]
	if atomic.LoadUint64(&s.seq) != h+1 {
		return nil, false // no producer has published to the slot
	}
	req := s.req
	s.req = nil
	atomic.StoreUint64(&s.seq, h+uint64(len(in.buf)))
	in.head = h + 1
	return req, true
}

// Queue is the remote-invalidation collaborator: one inbox per hart and
// the platform apply hook.
type Queue struct {
	inboxes []inbox
	apply   ApplyFunc
	inited  uint32
}

// New builds a queue for the given hart count. The apply callback may be
// nil when drains only need to release waiting senders.
func New(harts int, apply ApplyFunc) *Queue {
	if harts <= 0 || harts > constants.MaxHarts {
		panic("fencefifo: hart count must be in 1..64")
	}
	q := &Queue{
		inboxes: make([]inbox, harts),
		apply:   apply,
	}
	for h := range q.inboxes {
		in := &q.inboxes[h]
		in.mask = constants.FenceInboxSlots - 1
		in.buf = make([]slot, constants.FenceInboxSlots)
		for i := range in.buf {
			in.buf[i].seq = uint64(i)
		}
	}
	return q
}

// Enqueue places req on the target hart's inbox and raises its outstanding
// counter. On a full inbox nothing remains outstanding and ErrInboxFull is
// returned.
func (q *Queue) Enqueue(target uint32, req unsafe.Pointer) error {
	in := &q.inboxes[target]
	atomic.AddInt32(&in.pending, 1)
	if !in.push(req) {
		atomic.AddInt32(&in.pending, -1)
		return ErrInboxFull
	}
	return nil
}

// ProcessLocal drains every queued request for the calling hart, applying
// each and lowering the outstanding counter afterwards so waiting senders
// observe completion only after the invalidation actually ran.
func (q *Queue) ProcessLocal(hart uint32) {
	in := &q.inboxes[hart]
	for {
		req, ok := in.pop()
		if !ok {
			return
		}
		if q.apply != nil {
			q.apply(hart, req)
		}
		atomic.AddInt32(&in.pending, -1)
	}
}

// Await blocks the calling sender until the target hart has consumed every
// outstanding invalidation request. This is the FENCE rendezvous: a busy
// wait bounded by the remote hart's own drain progress, relaxed every
// FenceSyncSpinBudget polls.
func (q *Queue) Await(target uint32) {
	in := &q.inboxes[target]
	miss := 0
	for atomic.LoadInt32(&in.pending) != 0 {
		if miss++; miss >= constants.FenceSyncSpinBudget {
			miss = 0
			cpuRelax()
			runtime.Gosched() // let the owner run when sharing a core
		}
	}
}

// Outstanding reports the target's unconsumed request count. Diagnostics
// and tests only.
func (q *Queue) Outstanding(target uint32) int32 {
	return atomic.LoadInt32(&q.inboxes[target].pending)
}

// Init follows the subsystem boot protocol: the cold pass latches the
// queue ready, warm passes require it.
func (q *Queue) Init(coldBoot bool) error {
	if coldBoot {
		atomic.StoreUint32(&q.inited, 1)
		return nil
	}
	if atomic.LoadUint32(&q.inited) == 0 {
		return ErrNotInitialized
	}
	return nil
}
