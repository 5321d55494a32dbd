package kvsdb

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/vecagent/model"
)

const rangePageSize = 512

// Range calls fn for every live mapping, using up to concurrency workers
// (the configured default when concurrency <= 0). Order is unspecified and
// every id is visited at most once. Mappings changed while the scan runs may
// or may not be observed. The first error returned by fn stops the scan.
func (db *DB) Range(ctx context.Context, concurrency int, fn func(model.IdMapping) error) error {
	if db.closed.Load() {
		return ErrClosed
	}
	if concurrency <= 0 {
		concurrency = db.cfg.Concurrency
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	var (
		seenMu sync.Mutex
		seen   = make(map[string]struct{})
	)
	visit := func(m model.IdMapping) error {
		seenMu.Lock()
		_, dup := seen[m.ExternalID]
		if !dup {
			seen[m.ExternalID] = struct{}{}
		}
		seenMu.Unlock()
		if dup {
			return nil
		}
		return fn(m)
	}

	var after int64
	for {
		if err := gctx.Err(); err != nil {
			break
		}

		db.mu.RLock()
		page, err := db.sql.page(gctx, after, rangePageSize)
		db.mu.RUnlock()
		if err != nil {
			g.Go(func() error { return err })
			break
		}
		if len(page) == 0 {
			break
		}
		after = page[len(page)-1].rowid

		for _, r := range page {
			g.Go(func() error {
				m, err := db.decodeRecord(r.rec, r.cold)
				if err != nil {
					return err
				}
				return visit(m)
			})
		}
	}

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}
