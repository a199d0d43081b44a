// ════════════════════════════════════════════════════════════════════════════════════════════════
// 📼 SIGNALING TRACE HARVESTER
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Project: Multi-Hart Firmware Signaling Core
// Component: Wait-Free Trace Capture & Batched Persistence
//
// Description:
//   Captures send/drain records from the signaling engine's hot paths into a bounded lock-free
//   ring and persists them to SQLite from one background flusher. The capture side is wait-free:
//   a full ring drops the record and counts the drop rather than ever stalling a hart.
//
// Features:
//   - Bounded multi-producer/single-consumer ring, sequence-stamped slots
//   - Batched transactional inserts with one prepared statement
//   - Drop accounting instead of back-pressure on the signaling paths
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package traceharvest

import (
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/github-efx/opensbi/constants"
	"github.com/github-efx/opensbi/ipi"
)

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// TRACE RECORD & RING
// ═══════════════════════════════════════════════════════════════════════════════════════════════

const ringSlots = 1 << constants.TraceRingBits

// Record is one captured signaling event.
type Record struct {
	TS    int64  // capture time, nanoseconds since the epoch
	Op    uint8  // 0 = send, 1 = drain
	Hart  uint32 // target hart (send) or draining hart (drain)
	Event uint32 // event kind
}

// rslot couples a record with its sequence stamp.
type rslot struct {
	seq uint64
	rec Record
}

// ring is a bounded MPSC ring: any hart pushes, the flusher pops.
type ring struct {
	_    [64]byte // producer tail isolated on its own cache line
	tail uint64
	//lint:ignore U1000 padding to keep tail & head on different cache-lines
	_pad1 [64]byte
	head  uint64 // flusher only
	//lint:ignore U1000 padding to keep head off shared metadata
	_pad2 [64]byte
	buf   [ringSlots]rslot
}

// push publishes one record. Wait-free for producers: a full ring returns
// false immediately.
//
//go:nosplit
func (r *ring) push(rec Record) bool {
	for {
		t := atomic.LoadUint64(&r.tail)
		s := &r.buf[t&(ringSlots-1)]
		seq := atomic.LoadUint64(&s.seq)
		switch {
		case seq == t:
			if atomic.CompareAndSwapUint64(&r.tail, t, t+1) {
				s.rec = rec
				atomic.StoreUint64(&s.seq, t+1)
				return true
			}
		case seq < t:
			return false // flusher has not reclaimed the slot
		}
		// seq > t: lost the claim race, reload tail
	}
}

// pop dequeues one record. Flusher only.
//
//go:nosplit
func (r *ring) pop() (Record, bool) {
	h := r.head
	s := &r.buf[h&(ringSlots-1)]
	if atomic.LoadUint64(&s.seq) != h+1 {
		return Record{}, false
	}
	rec := s.rec
	atomic.StoreUint64(&s.seq, h+ringSlots)
	r.head = h + 1
	return rec, true
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// HARVESTER
// ═══════════════════════════════════════════════════════════════════════════════════════════════

const schema = `
CREATE TABLE IF NOT EXISTS ipi_events (
	id    INTEGER PRIMARY KEY AUTOINCREMENT,
	ts    INTEGER NOT NULL,
	op    INTEGER NOT NULL,
	hart  INTEGER NOT NULL,
	event INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ipi_events_hart ON ipi_events(hart);
`

// Harvester owns the capture ring, the flusher goroutine, and the SQLite
// handle. It implements the engine's Recorder contract.
type Harvester struct {
	recorded uint64 // captured into the ring
	dropped  uint64 // lost to a full ring
	flushed  uint64 // persisted rows

	ring ring
	db   *sql.DB
	stop chan struct{}
	done chan struct{}
}

// Open creates (or appends to) the trace database at path and starts the
// background flusher.
func Open(path string) (*Harvester, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("traceharvest: open %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("traceharvest: schema: %w", err)
	}

	h := &Harvester{
		db:   db,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go h.flushLoop()
	return h, nil
}

// Record captures one signaling event. Wait-free: never blocks a hart, a
// full ring only bumps the drop counter.
func (h *Harvester) Record(op ipi.TraceOp, hart uint32, event ipi.EventID) {
	rec := Record{
		TS:    time.Now().UnixNano(),
		Op:    uint8(op),
		Hart:  hart,
		Event: uint32(event),
	}
	if h.ring.push(rec) {
		atomic.AddUint64(&h.recorded, 1)
	} else {
		atomic.AddUint64(&h.dropped, 1)
	}
}

// flushLoop drains the ring into batched transactions until stopped, then
// runs one final sweep so nothing captured before Close is lost.
func (h *Harvester) flushLoop() {
	defer close(h.done)
	for {
		n := h.flushBatch()
		select {
		case <-h.stop:
			for h.flushBatch() > 0 {
			}
			return
		default:
		}
		if n == 0 {
			time.Sleep(time.Millisecond)
		}
	}
}

// flushBatch persists up to TraceFlushBatch records in one transaction.
// Returns the number of rows written.
func (h *Harvester) flushBatch() int {
	batch := make([]Record, 0, constants.TraceFlushBatch)
	for len(batch) < constants.TraceFlushBatch {
		rec, ok := h.ring.pop()
		if !ok {
			break
		}
		batch = append(batch, rec)
	}
	if len(batch) == 0 {
		return 0
	}

	tx, err := h.db.Begin()
	if err != nil {
		return 0
	}
	stmt, err := tx.Prepare(`INSERT INTO ipi_events (ts, op, hart, event) VALUES (?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return 0
	}
	for _, rec := range batch {
		if _, err := stmt.Exec(rec.TS, rec.Op, rec.Hart, rec.Event); err != nil {
			stmt.Close()
			tx.Rollback()
			return 0
		}
	}
	stmt.Close()
	if err := tx.Commit(); err != nil {
		return 0
	}
	atomic.AddUint64(&h.flushed, uint64(len(batch)))
	return len(batch)
}

// Stats reports capture and persistence counters.
func (h *Harvester) Stats() (recorded, dropped, flushed uint64) {
	return atomic.LoadUint64(&h.recorded),
		atomic.LoadUint64(&h.dropped),
		atomic.LoadUint64(&h.flushed)
}

// Close stops the flusher, persists everything still in the ring, and
// releases the database handle.
func (h *Harvester) Close() error {
	close(h.stop)
	<-h.done
	return h.db.Close()
}
