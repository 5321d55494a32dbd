package kvsdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hupe1980/vecagent/model"
)

// onEvict queues the id of an entry that left the cache for a cold rewrite.
func (db *DB) onEvict(id string, _ model.IdMapping) {
	if !db.cfg.UseCompression {
		return
	}
	db.evictMu.Lock()
	db.evicted = append(db.evicted, id)
	db.evictMu.Unlock()
}

// flushCold rewrites rows of evicted ids as compressed records once enough
// of them have accumulated (or unconditionally when force is set).
// Callers hold db.mu for writing.
func (db *DB) flushCold(ctx context.Context, force bool) error {
	if !db.cfg.UseCompression {
		return nil
	}

	db.evictMu.Lock()
	if len(db.evicted) == 0 || (!force && len(db.evicted) < db.coldBatch) {
		db.evictMu.Unlock()
		return nil
	}
	pending := db.evicted
	db.evicted = nil
	db.evictMu.Unlock()

	var rewritten int64
	err := db.sql.tx(ctx, func(tx *sql.Tx) error {
		for _, id := range pending {
			// Back in the cache: stays hot.
			if db.ids.Contains(id) {
				continue
			}

			var block []byte
			err := tx.QueryRowContext(ctx, `SELECT rec FROM mappings WHERE id = ? AND cold = 0`, id).Scan(&block)
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			if err != nil {
				return fmt.Errorf("cold rewrite %q: %w", id, err)
			}

			m, err := db.decodeRecord(block, false)
			if err != nil {
				return err
			}
			compressed, err := db.compressor.Compress(encodeRecord(m))
			if err != nil {
				return fmt.Errorf("cold rewrite %q: %w", id, err)
			}
			if _, err := tx.ExecContext(ctx, `UPDATE mappings SET rec = ?, cold = 1 WHERE id = ?`, compressed, id); err != nil {
				return fmt.Errorf("cold rewrite %q: %w", id, err)
			}
			rewritten++
		}
		return nil
	})
	if err != nil {
		return err
	}

	db.coldRewrites.Add(rewritten)
	if rewritten > 0 {
		db.logger.Debug("kvsdb cold rewrite", "rows", rewritten, "codec", db.compressor.Codec().String())
	}
	return nil
}
