package vqueue

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/vecagent/model"
)

func rec(id string) model.VectorRecord {
	return model.VectorRecord{ID: id, Vector: []float32{1, 2, 3}}
}

func TestCapacity(t *testing.T) {
	q := New(3, 1)

	for i := 0; i < 3; i++ {
		require.NoError(t, q.EnqueueInsert(rec(fmt.Sprintf("id-%d", i))))
	}
	assert.ErrorIs(t, q.EnqueueInsert(rec("overflow")), ErrQueueFull)
	assert.ErrorIs(t, q.EnqueueInsert(rec("overflow-2")), ErrQueueFull)
	assert.Equal(t, 3, q.InsertLen())

	// The delete buffer is independent.
	require.NoError(t, q.EnqueueDelete("id-0", 0))
	assert.ErrorIs(t, q.EnqueueDelete("id-1", 0), ErrQueueFull)
	assert.Equal(t, 4, q.Len())

	_, ok := q.PendingInsert("overflow")
	assert.False(t, ok)
}

func TestEmptyID(t *testing.T) {
	q := New(1, 1)
	assert.ErrorIs(t, q.EnqueueInsert(model.VectorRecord{}), ErrEmptyID)
	assert.ErrorIs(t, q.EnqueueDelete("", 0), ErrEmptyID)
	assert.Zero(t, q.Len())
}

func TestDrainOrder(t *testing.T) {
	q := New(10, 10)

	require.NoError(t, q.EnqueueInsert(rec("a")))
	require.NoError(t, q.EnqueueDelete("x", 0))
	require.NoError(t, q.EnqueueInsert(rec("b")))
	require.NoError(t, q.EnqueueDelete("a", 0))
	require.NoError(t, q.EnqueueInsert(rec("c")))

	first := q.Drain(3)
	require.Len(t, first, 3)
	assert.Equal(t, []string{"a", "x", "b"}, ids(first))
	assert.Equal(t, []model.OpType{model.OpInsert, model.OpDelete, model.OpInsert}, ops(first))

	rest := q.Drain(0)
	assert.Equal(t, []string{"a", "c"}, ids(rest))
	assert.Zero(t, q.Len())
	assert.Equal(t, 5, q.InFlight())

	for i := 1; i < len(first); i++ {
		assert.Less(t, first[i-1].Seq, first[i].Seq)
	}
	assert.Less(t, first[2].Seq, rest[0].Seq)

	assert.Nil(t, q.Drain(10))
}

func TestDrainFreesCapacity(t *testing.T) {
	q := New(2, 2)
	require.NoError(t, q.EnqueueInsert(rec("a")))
	require.NoError(t, q.EnqueueInsert(rec("b")))
	require.ErrorIs(t, q.EnqueueInsert(rec("c")), ErrQueueFull)

	q.Drain(1)
	require.NoError(t, q.EnqueueInsert(rec("c")))
}

func TestPendingView(t *testing.T) {
	q := New(10, 10)

	require.NoError(t, q.EnqueueInsert(rec("x")))
	r, ok := q.PendingInsert("x")
	require.True(t, ok)
	assert.Equal(t, "x", r.ID)
	assert.NotZero(t, r.Timestamp)

	require.NoError(t, q.EnqueueDelete("x", 0))
	_, ok = q.PendingInsert("x")
	assert.False(t, ok)
	assert.True(t, q.PendingDelete("x"))

	// Drained entries remain visible until committed.
	batch := q.Drain(0)
	assert.True(t, q.PendingDelete("x"))

	q.Commit(batch)
	assert.False(t, q.PendingDelete("x"))
	_, ok = q.Latest("x")
	assert.False(t, ok)
	assert.Zero(t, q.InFlight())
}

func TestCommitKeepsNewerOperation(t *testing.T) {
	q := New(10, 10)
	require.NoError(t, q.EnqueueInsert(rec("x")))
	batch := q.Drain(0)

	require.NoError(t, q.EnqueueDelete("x", 0))
	q.Commit(batch)

	assert.True(t, q.PendingDelete("x"))
}

func TestRequeuePreservesOrder(t *testing.T) {
	q := New(1, 1)
	require.NoError(t, q.EnqueueInsert(rec("a")))
	require.NoError(t, q.EnqueueDelete("a", 0))

	batch := q.Drain(0)
	require.Len(t, batch, 2)

	// New operations arrive while the batch is being built.
	require.NoError(t, q.EnqueueInsert(rec("b")))
	require.NoError(t, q.EnqueueDelete("b", 0))

	// Capacity is bypassed for requeued entries.
	q.Requeue(batch)
	assert.Equal(t, 2, q.InsertLen())
	assert.Equal(t, 2, q.DeleteLen())
	assert.Zero(t, q.InFlight())

	again := q.Drain(0)
	assert.Equal(t, []string{"a", "a", "b", "b"}, ids(again))
	assert.Equal(t, batch[0].Seq, again[0].Seq)

	// Committed entries are no longer in flight, so requeueing them again
	// is ignored.
	q.Commit(again)
	q.Requeue(batch)
	assert.Zero(t, q.Len())
	assert.Zero(t, q.InFlight())
}

func TestCompact(t *testing.T) {
	entries := []model.QueueEntry{
		{Op: model.OpInsert, ID: "a", Seq: 1},
		{Op: model.OpInsert, ID: "b", Seq: 2},
		{Op: model.OpDelete, ID: "a", Seq: 3},
		{Op: model.OpDelete, ID: "c", Seq: 4},
		{Op: model.OpInsert, ID: "c", Seq: 5},
		{Op: model.OpInsert, ID: "b", Seq: 6},
	}

	out := Compact(entries)
	require.Len(t, out, 3)
	assert.Equal(t, model.QueueEntry{Op: model.OpDelete, ID: "a", Seq: 3}, out[0])
	assert.Equal(t, model.QueueEntry{Op: model.OpInsert, ID: "c", Seq: 5}, out[1])
	assert.Equal(t, model.QueueEntry{Op: model.OpInsert, ID: "b", Seq: 6}, out[2])

	assert.Empty(t, Compact(nil))
}

func TestClock(t *testing.T) {
	fixed := time.Unix(100, 0)
	q := New(1, 1, WithClock(func() time.Time { return fixed }))

	require.NoError(t, q.EnqueueInsert(rec("a")))
	require.NoError(t, q.EnqueueDelete("b", 0))

	batch := q.Drain(0)
	assert.Equal(t, fixed.UnixNano(), batch[0].Timestamp)
	assert.Equal(t, fixed.UnixNano(), batch[1].Timestamp)
}

func TestConcurrentProducers(t *testing.T) {
	const producers, perProducer = 8, 200
	q := New(producers*perProducer, producers*perProducer)

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				id := fmt.Sprintf("%d-%d", p, i)
				if i%2 == 0 {
					assert.NoError(t, q.EnqueueInsert(rec(id)))
				} else {
					assert.NoError(t, q.EnqueueDelete(id, 0))
				}
			}
		}(p)
	}

	drained := make(chan []model.QueueEntry, 1)
	go func() {
		var all []model.QueueEntry
		for len(all) < producers*perProducer {
			all = append(all, q.Drain(50)...)
		}
		drained <- all
	}()

	wg.Wait()
	all := <-drained

	seen := make(map[uint64]bool, len(all))
	for i, e := range all {
		assert.False(t, seen[e.Seq], "sequence %d drained twice", e.Seq)
		seen[e.Seq] = true
		if i > 0 {
			assert.Less(t, all[i-1].Seq, e.Seq)
		}
	}
	assert.Len(t, seen, producers*perProducer)
}

func ids(entries []model.QueueEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	return out
}

func ops(entries []model.QueueEntry) []model.OpType {
	out := make([]model.OpType, len(entries))
	for i, e := range entries {
		out[i] = e.Op
	}
	return out
}
