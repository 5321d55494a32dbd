package vecagent

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/vecagent/model"
)

// multiInsert applies mode to every record. A multi request takes a single
// request slot; items are handled in order and one failing item does not
// stop the others.
func (a *Agent) multiInsert(ctx context.Context, recs []model.VectorRecord, mode insertMode) error {
	start := a.now()
	done, err := a.begin(ctx, true)
	if err != nil {
		a.metrics.RecordBatch("multi_"+mode.String(), len(recs), len(recs), a.now().Sub(start))
		return err
	}
	defer done()

	var failed []*ItemError
	for i, rec := range recs {
		if err := a.insert(ctx, rec, mode); err != nil {
			failed = append(failed, &ItemError{Index: i, ID: rec.ID, Err: err})
		}
	}

	a.metrics.RecordBatch("multi_"+mode.String(), len(recs), len(failed), a.now().Sub(start))
	a.logger.LogBatch(ctx, "multi "+mode.String(), len(recs), len(failed))
	return batchError(failed)
}

// MultiInsert inserts every record. Failed items are reported in a *BatchError.
func (a *Agent) MultiInsert(ctx context.Context, recs []model.VectorRecord) error {
	return a.multiInsert(ctx, recs, modeInsert)
}

// MultiUpsert upserts every record. Failed items are reported in a *BatchError.
func (a *Agent) MultiUpsert(ctx context.Context, recs []model.VectorRecord) error {
	return a.multiInsert(ctx, recs, modeUpsert)
}

// MultiUpdate updates every record. Failed items are reported in a *BatchError.
func (a *Agent) MultiUpdate(ctx context.Context, recs []model.VectorRecord) error {
	return a.multiInsert(ctx, recs, modeUpdate)
}

// MultiRemove removes every id. Failed items are reported in a *BatchError.
func (a *Agent) MultiRemove(ctx context.Context, ids []string) error {
	start := a.now()
	done, err := a.begin(ctx, true)
	if err != nil {
		a.metrics.RecordBatch("multi_remove", len(ids), len(ids), a.now().Sub(start))
		return err
	}
	defer done()

	var failed []*ItemError
	for i, id := range ids {
		if err := a.remove(ctx, id); err != nil {
			failed = append(failed, &ItemError{Index: i, ID: id, Err: err})
		}
	}

	a.metrics.RecordBatch("multi_remove", len(ids), len(failed), a.now().Sub(start))
	a.logger.LogBatch(ctx, "multi remove", len(ids), len(failed))
	return batchError(failed)
}

// MultiSearch runs one search per query concurrently. The result at index i
// belongs to vecs[i] and is nil when that query failed; failed queries are
// reported in a *BatchError.
func (a *Agent) MultiSearch(ctx context.Context, vecs [][]float32, cfg SearchConfig) ([][]model.Neighbor, error) {
	start := a.now()
	done, err := a.begin(ctx, false)
	if err != nil {
		a.metrics.RecordBatch("multi_search", len(vecs), len(vecs), a.now().Sub(start))
		return nil, err
	}
	defer done()

	results := make([][]model.Neighbor, len(vecs))
	var (
		mu     sync.Mutex
		failed []*ItemError
	)

	var g errgroup.Group
	g.SetLimit(max(a.cfg.PoolSize, 1))
	for i, vec := range vecs {
		g.Go(func() error {
			res, err := a.search(ctx, vec, cfg)
			if err != nil {
				mu.Lock()
				failed = append(failed, &ItemError{Index: i, Err: err})
				mu.Unlock()
				return nil
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	slices.SortFunc(failed, func(x, y *ItemError) int { return cmp.Compare(x.Index, y.Index) })
	a.metrics.RecordBatch("multi_search", len(vecs), len(failed), a.now().Sub(start))
	a.logger.LogBatch(ctx, "multi search", len(vecs), len(failed))
	return results, batchError(failed)
}
