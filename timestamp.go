package vecagent

import (
	"context"
	"fmt"
	"sync"

	"github.com/hupe1980/vecagent/model"
)

// TimestampOp compares a stored timestamp with a predicate value.
type TimestampOp uint8

const (
	TimestampEq TimestampOp = iota
	TimestampNe
	TimestampGe
	TimestampGt
	TimestampLe
	TimestampLt
)

func (op TimestampOp) String() string {
	switch op {
	case TimestampEq:
		return "=="
	case TimestampNe:
		return "!="
	case TimestampGe:
		return ">="
	case TimestampGt:
		return ">"
	case TimestampLe:
		return "<="
	case TimestampLt:
		return "<"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(op))
	}
}

// TimestampPredicate matches records by their timestamp in Unix nanoseconds.
type TimestampPredicate struct {
	Op    TimestampOp
	Value int64
}

// Match reports whether ts satisfies p.
func (p TimestampPredicate) Match(ts int64) bool {
	switch p.Op {
	case TimestampEq:
		return ts == p.Value
	case TimestampNe:
		return ts != p.Value
	case TimestampGe:
		return ts >= p.Value
	case TimestampGt:
		return ts > p.Value
	case TimestampLe:
		return ts <= p.Value
	case TimestampLt:
		return ts < p.Value
	default:
		return false
	}
}

func matchAll(preds []TimestampPredicate, ts int64) bool {
	for _, p := range preds {
		if !p.Match(ts) {
			return false
		}
	}
	return true
}

// RemoveByTimestamp removes every id whose timestamp satisfies all preds and
// returns how many deletes were enqueued. Ids with a pending mutation are
// judged by that mutation. It fails with ErrNotFound when nothing matches.
// If the delete buffer fills up, the deletes enqueued so far stay accepted
// and the error is ErrAborted.
func (a *Agent) RemoveByTimestamp(ctx context.Context, preds ...TimestampPredicate) (int, error) {
	start := a.now()
	done, err := a.begin(ctx, true)
	if err != nil {
		return 0, err
	}
	defer done()

	n, err := a.removeByTimestamp(ctx, preds)
	a.metrics.RecordBatch("remove_by_timestamp", n, 0, a.now().Sub(start))
	a.logger.LogBatch(ctx, "remove by timestamp", n, 0)
	return n, err
}

func (a *Agent) removeByTimestamp(ctx context.Context, preds []TimestampPredicate) (int, error) {
	if len(preds) == 0 {
		return 0, fmt.Errorf("%w: no timestamp predicate", ErrInvalidArgument)
	}
	for _, p := range preds {
		if p.Op > TimestampLt {
			return 0, fmt.Errorf("%w: timestamp operator %s", ErrInvalidArgument, p.Op)
		}
	}

	var (
		mu  sync.Mutex
		ids []string
	)
	err := a.kvs.Range(ctx, a.cfg.KVSDB.Concurrency, func(m model.IdMapping) error {
		if !matchAll(preds, m.Timestamp) {
			return nil
		}
		mu.Lock()
		ids = append(ids, m.ExternalID)
		mu.Unlock()
		return nil
	})
	if err != nil {
		return 0, translateError(err)
	}

	n := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return n, translateError(err)
		}
		ok, err := a.removeIfMatch(id, preds)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	if n == 0 {
		return 0, fmt.Errorf("%w: no record matches the timestamp predicates", ErrNotFound)
	}
	return n, nil
}

// removeIfMatch enqueues a delete for id unless a pending mutation changed
// its timestamp so that it no longer matches, or already removes it.
func (a *Agent) removeIfMatch(id string, preds []TimestampPredicate) (bool, error) {
	unlock := a.lockID(id)
	defer unlock()

	if e, ok := a.queue.Latest(id); ok {
		if e.Op == model.OpDelete || !matchAll(preds, e.Record.Timestamp) {
			return false, nil
		}
	}
	if err := a.queue.EnqueueDelete(id, 0); err != nil {
		return false, translateError(err)
	}
	return true, nil
}
