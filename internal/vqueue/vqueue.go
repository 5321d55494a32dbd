// Package vqueue buffers pending insert and delete operations until the
// lifecycle manager folds them into a new index generation.
//
// Every accepted operation receives a sequence number from a single counter, so
// operations from concurrent producers are totally ordered. Drain hands out
// entries in that order and keeps them in flight until the caller either
// commits them (the generation that contains them was promoted) or requeues
// them (the attempt failed). An acknowledged operation therefore stays visible
// to PendingInsert/PendingDelete until it is reflected in the ID store.
package vqueue

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/hupe1980/vecagent/model"
)

// ErrQueueFull is returned when a buffer reached its capacity.
var ErrQueueFull = errors.New("vqueue: queue full")

// ErrEmptyID is returned when an operation carries no id.
var ErrEmptyID = errors.New("vqueue: empty id")

// Option configures a Queue.
type Option func(*Queue)

// WithClock overrides the timestamp source used for entries without one.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// Queue is the ingestion queue. It is safe for concurrent use.
type Queue struct {
	mu sync.Mutex

	inserts []model.QueueEntry
	deletes []model.QueueEntry

	insertCap int
	deleteCap int

	// latest holds the newest uncommitted operation per id, whether it is
	// still buffered or already drained.
	latest   map[string]model.QueueEntry
	inflight map[uint64]struct{}

	seq uint64
	now func() time.Time
}

// New creates a queue with the given buffer capacities.
func New(insertCap, deleteCap int, opts ...Option) *Queue {
	q := &Queue{
		insertCap: insertCap,
		deleteCap: deleteCap,
		latest:    make(map[string]model.QueueEntry),
		inflight:  make(map[uint64]struct{}),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// EnqueueInsert appends an insert-or-replace for rec.ID.
// It never blocks; a full insert buffer yields ErrQueueFull.
func (q *Queue) EnqueueInsert(rec model.VectorRecord) error {
	if rec.ID == "" {
		return ErrEmptyID
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.inserts) >= q.insertCap {
		return ErrQueueFull
	}
	if rec.Timestamp == 0 {
		rec.Timestamp = q.now().UnixNano()
	}

	q.seq++
	e := model.QueueEntry{
		Op:        model.OpInsert,
		ID:        rec.ID,
		Record:    rec,
		Seq:       q.seq,
		Timestamp: rec.Timestamp,
	}
	q.inserts = append(q.inserts, e)
	q.latest[e.ID] = e
	return nil
}

// EnqueueDelete appends a delete for id. A zero ts is replaced by the current time.
func (q *Queue) EnqueueDelete(id string, ts int64) error {
	if id == "" {
		return ErrEmptyID
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.deletes) >= q.deleteCap {
		return ErrQueueFull
	}
	if ts == 0 {
		ts = q.now().UnixNano()
	}

	q.seq++
	e := model.QueueEntry{
		Op:        model.OpDelete,
		ID:        id,
		Seq:       q.seq,
		Timestamp: ts,
	}
	q.deletes = append(q.deletes, e)
	q.latest[id] = e
	return nil
}

// Drain removes up to max entries (all when max <= 0) from both buffers and
// returns them in sequence order. Drained entries stay in flight until Commit
// or Requeue is called for them.
func (q *Queue) Drain(max int) []model.QueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	total := len(q.inserts) + len(q.deletes)
	if max <= 0 || max > total {
		max = total
	}
	if max == 0 {
		return nil
	}

	out := make([]model.QueueEntry, 0, max)
	i, d := 0, 0
	for len(out) < max {
		switch {
		case i < len(q.inserts) && (d >= len(q.deletes) || q.inserts[i].Seq < q.deletes[d].Seq):
			out = append(out, q.inserts[i])
			i++
		default:
			out = append(out, q.deletes[d])
			d++
		}
	}

	q.inserts = shift(q.inserts, i)
	q.deletes = shift(q.deletes, d)
	for _, e := range out {
		q.inflight[e.Seq] = struct{}{}
	}
	return out
}

// Commit forgets drained entries that are now reflected in the ID store.
func (q *Queue) Commit(entries []model.QueueEntry) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, e := range entries {
		delete(q.inflight, e.Seq)
		if cur, ok := q.latest[e.ID]; ok && cur.Seq == e.Seq {
			delete(q.latest, e.ID)
		}
	}
}

// Requeue puts drained entries back into their buffers, keeping their original
// sequence numbers. Capacity is not enforced: the entries were already accepted.
func (q *Queue) Requeue(entries []model.QueueEntry) {
	if len(entries) == 0 {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	var ins, dels []model.QueueEntry
	for _, e := range entries {
		// Entries that were never drained or already committed are ignored.
		if _, ok := q.inflight[e.Seq]; !ok {
			continue
		}
		delete(q.inflight, e.Seq)
		if e.Op == model.OpDelete {
			dels = append(dels, e)
		} else {
			ins = append(ins, e)
		}
	}
	q.inserts = mergeBySeq(q.inserts, ins)
	q.deletes = mergeBySeq(q.deletes, dels)
}

// Latest returns the newest uncommitted operation for id.
func (q *Queue) Latest(id string) (model.QueueEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.latest[id]
	return e, ok
}

// PendingInsert returns the record of the newest uncommitted insert for id,
// unless a later delete for id is pending.
func (q *Queue) PendingInsert(id string) (model.VectorRecord, bool) {
	e, ok := q.Latest(id)
	if !ok || e.Op != model.OpInsert {
		return model.VectorRecord{}, false
	}
	return e.Record, true
}

// PendingDelete reports whether the newest uncommitted operation for id is a delete.
func (q *Queue) PendingDelete(id string) bool {
	e, ok := q.Latest(id)
	return ok && e.Op == model.OpDelete
}

// Len returns the number of buffered entries, excluding in-flight ones.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inserts) + len(q.deletes)
}

// InsertLen returns the number of buffered inserts.
func (q *Queue) InsertLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inserts)
}

// DeleteLen returns the number of buffered deletes.
func (q *Queue) DeleteLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.deletes)
}

// InFlight returns the number of drained, not yet committed entries.
func (q *Queue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inflight)
}

// Compact collapses a drained batch into the effective operation per id.
// The entry with the highest sequence number wins; the result is ordered by
// sequence number.
func Compact(entries []model.QueueEntry) []model.QueueEntry {
	last := make(map[string]int, len(entries))
	for i, e := range entries {
		if j, ok := last[e.ID]; !ok || entries[j].Seq < e.Seq {
			last[e.ID] = i
		}
	}

	out := make([]model.QueueEntry, 0, len(last))
	for _, i := range last {
		out = append(out, entries[i])
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Seq < out[b].Seq })
	return out
}

func shift(buf []model.QueueEntry, n int) []model.QueueEntry {
	if n == 0 {
		return buf
	}
	if n == len(buf) {
		return buf[:0]
	}
	rest := make([]model.QueueEntry, len(buf)-n, cap(buf))
	copy(rest, buf[n:])
	return rest
}

func mergeBySeq(a, b []model.QueueEntry) []model.QueueEntry {
	if len(b) == 0 {
		return a
	}
	sort.Slice(b, func(i, j int) bool { return b[i].Seq < b[j].Seq })

	out := make([]model.QueueEntry, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) || j < len(b) {
		if j >= len(b) || (i < len(a) && a[i].Seq < b[j].Seq) {
			out = append(out, a[i])
			i++
			continue
		}
		out = append(out, b[j])
		j++
	}
	return out
}
