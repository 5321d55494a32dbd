// Package kvsdb maps external string ids to internal index offsets and back.
//
// Mappings are persisted write-through in a SQLite table and the hottest ones
// are kept in two LRU caches (id -> mapping, offset -> id). When compression
// is enabled, rows whose ids fall out of the cache are rewritten as compressed
// records; lookups that miss the cache decompress them on demand. Offsets of
// tombstoned ids are tracked in a roaring bitmap and are never handed out again.
package kvsdb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/hupe1980/vecagent/internal/compress"
	"github.com/hupe1980/vecagent/model"
)

var (
	// ErrReadOnly is returned for mutations on a read replica.
	ErrReadOnly = errors.New("kvsdb: read-only replica")
	// ErrNotFound is returned when an id has no live mapping.
	ErrNotFound = errors.New("kvsdb: not found")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("kvsdb: closed")
	// ErrCorrupt is returned for records or snapshots that cannot be decoded.
	ErrCorrupt = errors.New("kvsdb: corrupt data")
)

// Config configures a DB.
type Config struct {
	// Path of the SQLite file. Empty keeps the store in memory.
	Path string
	// Concurrency is the default worker count of Range.
	Concurrency int
	// CacheCapacity bounds each of the two LRU caches.
	CacheCapacity int
	// CompressionFactor selects the codec for cold records, see compress.FromFactor.
	CompressionFactor int
	// UseCompression enables compression of evicted records.
	UseCompression bool
	// ReadOnly rejects every mutation with ErrReadOnly.
	ReadOnly bool
}

// Option configures a DB.
type Option func(*DB)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(db *DB) {
		if l != nil {
			db.logger = l
		}
	}
}

// WithColdBatchSize sets how many evicted ids are collected before their rows
// are rewritten compressed.
func WithColdBatchSize(n int) Option {
	return func(db *DB) {
		if n > 0 {
			db.coldBatch = n
		}
	}
}

// Stats is a point-in-time view of the store.
type Stats struct {
	Live            int
	Tombstones      int
	CachedIDs       int
	CachedOffsets   int
	Hits            int64
	Misses          int64
	ColdRewrites    int64
	Decompressions  int64
	CompressionType compress.Codec
}

// DB is the bidirectional ID store. It is safe for concurrent use.
type DB struct {
	// mu serializes mutations against cache fills.
	mu  sync.RWMutex
	cfg Config
	sql *sqlStore

	ids  *lru.Cache[string, model.IdMapping]
	offs *lru.Cache[uint32, string]

	compressor *compress.Compressor
	flight     singleflight.Group

	tombstones *roaring.Bitmap
	live       atomic.Int64

	evictMu   sync.Mutex
	evicted   []string
	coldBatch int

	hits, misses, coldRewrites, decompressions atomic.Int64

	closed atomic.Bool
	logger *slog.Logger
}

// Open opens (or creates) the store described by cfg.
func Open(ctx context.Context, cfg Config, opts ...Option) (*DB, error) {
	if cfg.CacheCapacity <= 0 {
		cfg.CacheCapacity = 1024
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}

	db := &DB{
		cfg:        cfg,
		compressor: compress.FromFactor(0),
		coldBatch:  256,
		logger:     slog.New(slog.DiscardHandler),
	}
	if cfg.UseCompression {
		db.compressor = compress.FromFactor(cfg.CompressionFactor)
	}
	for _, opt := range opts {
		opt(db)
	}

	ids, err := lru.NewWithEvict[string, model.IdMapping](cfg.CacheCapacity, db.onEvict)
	if err != nil {
		return nil, err
	}
	offs, err := lru.New[uint32, string](cfg.CacheCapacity)
	if err != nil {
		return nil, err
	}
	db.ids, db.offs = ids, offs

	store, err := openSQL(ctx, cfg.Path)
	if err != nil {
		return nil, err
	}
	db.sql = store

	if err := db.reload(ctx); err != nil {
		_ = store.close()
		return nil, err
	}

	db.logger.Debug("kvsdb opened", "path", cfg.Path, "live", db.live.Load(), "tombstones", db.tombstones.GetCardinality())
	return db, nil
}

// reload refreshes the derived in-memory state from SQLite.
func (db *DB) reload(ctx context.Context) error {
	n, err := db.sql.count(ctx)
	if err != nil {
		return err
	}
	tombs, err := db.sql.loadTombstones(ctx)
	if err != nil {
		return err
	}
	db.live.Store(int64(n))
	db.tombstones = tombs
	db.ids.Purge()
	db.offs.Purge()
	db.evictMu.Lock()
	db.evicted = nil
	db.evictMu.Unlock()
	return nil
}

// Lookup returns the offset of id.
func (db *DB) Lookup(ctx context.Context, id string) (uint32, bool, error) {
	m, ok, err := db.Get(ctx, id)
	if err != nil || !ok {
		return 0, false, err
	}
	return m.Offset, true, nil
}

// Get returns the full mapping of id.
func (db *DB) Get(ctx context.Context, id string) (model.IdMapping, bool, error) {
	if db.closed.Load() {
		return model.IdMapping{}, false, ErrClosed
	}

	db.mu.RLock()
	defer db.mu.RUnlock()

	if m, ok := db.ids.Get(id); ok {
		db.hits.Add(1)
		m.Cached = true
		return m, true, nil
	}
	db.misses.Add(1)

	v, err, _ := db.flight.Do("i:"+id, func() (any, error) {
		rec, cold, ok, err := db.sql.getByID(ctx, id)
		if err != nil || !ok {
			return nil, err
		}
		m, err := db.decodeRecord(rec, cold)
		if err != nil {
			return nil, err
		}
		db.ids.Add(id, m)
		db.offs.Add(m.Offset, id)
		return m, nil
	})
	if err != nil {
		return model.IdMapping{}, false, err
	}
	if v == nil {
		return model.IdMapping{}, false, nil
	}
	return v.(model.IdMapping), true, nil
}

// ReverseLookup returns the id currently mapped to offset.
func (db *DB) ReverseLookup(ctx context.Context, offset uint32) (string, bool, error) {
	if db.closed.Load() {
		return "", false, ErrClosed
	}

	db.mu.RLock()
	defer db.mu.RUnlock()

	if id, ok := db.offs.Get(offset); ok {
		db.hits.Add(1)
		return id, true, nil
	}
	db.misses.Add(1)

	v, err, _ := db.flight.Do("o:"+strconv.FormatUint(uint64(offset), 10), func() (any, error) {
		rec, cold, ok, err := db.sql.getByOffset(ctx, offset)
		if err != nil || !ok {
			return nil, err
		}
		m, err := db.decodeRecord(rec, cold)
		if err != nil {
			return nil, err
		}
		db.offs.Add(offset, m.ExternalID)
		return m.ExternalID, nil
	})
	if err != nil {
		return "", false, err
	}
	if v == nil {
		return "", false, nil
	}
	return v.(string), true, nil
}

// Len returns the number of live mappings.
func (db *DB) Len() int { return int(db.live.Load()) }

// TombstoneCount returns the number of tombstoned offsets not yet purged.
func (db *DB) TombstoneCount() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return int(db.tombstones.GetCardinality())
}

// Tombstones returns a copy of the tombstoned offsets.
func (db *DB) Tombstones() *roaring.Bitmap {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.tombstones.Clone()
}

// ReadOnly reports whether the store rejects mutations.
func (db *DB) ReadOnly() bool { return db.cfg.ReadOnly }

// Stats returns a snapshot of store statistics.
func (db *DB) Stats() Stats {
	return Stats{
		Live:            db.Len(),
		Tombstones:      db.TombstoneCount(),
		CachedIDs:       db.ids.Len(),
		CachedOffsets:   db.offs.Len(),
		Hits:            db.hits.Load(),
		Misses:          db.misses.Load(),
		ColdRewrites:    db.coldRewrites.Load(),
		Decompressions:  db.decompressions.Load(),
		CompressionType: db.compressor.Codec(),
	}
}

// Close flushes pending cold rewrites and closes the backing store.
func (db *DB) Close() error {
	if !db.closed.CompareAndSwap(false, true) {
		return nil
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	var errs []error
	if !db.cfg.ReadOnly {
		if err := db.flushCold(context.Background(), true); err != nil {
			errs = append(errs, err)
		}
	}
	if err := db.sql.close(); err != nil {
		errs = append(errs, fmt.Errorf("close sqlite: %w", err))
	}
	return errors.Join(errs...)
}
