package kvsdb

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/vecagent/internal/compress"
	"github.com/hupe1980/vecagent/model"
)

// Batch is a set of mutations applied by Apply.
type Batch struct {
	// Tombstones are applied first.
	Tombstones []string
	// Puts insert new mappings or repoint existing ids to a new offset.
	Puts []model.IdMapping
	// Purge drops the tombstone set after the puts, reclaiming tombstoned
	// offsets once a full rebuild no longer references them.
	Purge bool
}

// Empty reports whether b has no effect.
func (b Batch) Empty() bool {
	return len(b.Tombstones) == 0 && len(b.Puts) == 0 && !b.Purge
}

// Put maps id to offset, replacing any previous mapping of id.
func (db *DB) Put(ctx context.Context, id string, offset uint32, ts int64) error {
	return db.Apply(ctx, Batch{Puts: []model.IdMapping{{ExternalID: id, Offset: offset, Timestamp: ts}}}, 1)
}

// Tombstone removes the live mapping of id and returns its offset.
func (db *DB) Tombstone(ctx context.Context, id string) (uint32, error) {
	if err := db.checkWritable(); err != nil {
		return 0, err
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	removed, err := db.applyTombstones(ctx, []string{id})
	if err != nil {
		return 0, err
	}
	off, ok := removed[id]
	if !ok {
		return 0, ErrNotFound
	}
	return off, nil
}

// Purge forgets all tombstoned offsets and returns how many were dropped.
func (db *DB) Purge(ctx context.Context) (int, error) {
	if err := db.checkWritable(); err != nil {
		return 0, err
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	n := int(db.tombstones.GetCardinality())
	if err := db.applyPurge(ctx); err != nil {
		return 0, err
	}
	return n, nil
}

// Apply applies tombstones, then puts in transactions of at most chunk
// mappings, then the optional purge. A failure leaves earlier chunks applied.
func (db *DB) Apply(ctx context.Context, b Batch, chunk int) error {
	if err := db.checkWritable(); err != nil {
		return err
	}
	if chunk <= 0 {
		chunk = len(b.Puts)
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	if len(b.Tombstones) > 0 {
		if _, err := db.applyTombstones(ctx, b.Tombstones); err != nil {
			return err
		}
	}

	for start := 0; start < len(b.Puts); start += chunk {
		end := min(start+chunk, len(b.Puts))
		if err := db.applyPuts(ctx, b.Puts[start:end]); err != nil {
			return err
		}
	}

	if b.Purge {
		if err := db.applyPurge(ctx); err != nil {
			return err
		}
	}

	return db.flushCold(ctx, false)
}

func (db *DB) checkWritable() error {
	if db.closed.Load() {
		return ErrClosed
	}
	if db.cfg.ReadOnly {
		return ErrReadOnly
	}
	return nil
}

func (db *DB) applyTombstones(ctx context.Context, ids []string) (map[string]uint32, error) {
	tombs := db.tombstones.Clone()
	removed := make(map[string]uint32, len(ids))

	err := db.sql.tx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			off, ok, err := txOffsetOf(ctx, tx, id)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			if err := txDelete(ctx, tx, id); err != nil {
				return err
			}
			tombs.Add(off)
			removed[id] = off
		}
		if len(removed) == 0 {
			return nil
		}
		return saveTombstones(ctx, tx, tombs)
	})
	if err != nil {
		return nil, err
	}

	for id, off := range removed {
		db.ids.Remove(id)
		db.offs.Remove(off)
	}
	db.tombstones = tombs
	db.live.Add(-int64(len(removed)))
	return removed, nil
}

func (db *DB) applyPuts(ctx context.Context, puts []model.IdMapping) error {
	tombs := db.tombstones.Clone()
	repointed := make(map[string]uint32)
	added := 0

	err := db.sql.tx(ctx, func(tx *sql.Tx) error {
		for _, m := range puts {
			if m.ExternalID == "" {
				return fmt.Errorf("put: empty id")
			}
			if tombs.Contains(m.Offset) {
				return fmt.Errorf("put %q: offset %d is tombstoned", m.ExternalID, m.Offset)
			}

			old, ok, err := txOffsetOf(ctx, tx, m.ExternalID)
			if err != nil {
				return err
			}
			switch {
			case !ok:
				added++
			case old != m.Offset:
				tombs.Add(old)
				repointed[m.ExternalID] = old
			}

			if err := txUpsert(ctx, tx, m.ExternalID, m.Offset, compress.Raw(encodeRecord(m))); err != nil {
				return err
			}
		}
		if len(repointed) == 0 {
			return nil
		}
		return saveTombstones(ctx, tx, tombs)
	})
	if err != nil {
		return err
	}

	for _, old := range repointed {
		db.offs.Remove(old)
	}
	for _, m := range puts {
		db.ids.Add(m.ExternalID, model.IdMapping{ExternalID: m.ExternalID, Offset: m.Offset, Timestamp: m.Timestamp})
		db.offs.Add(m.Offset, m.ExternalID)
	}
	db.tombstones = tombs
	db.live.Add(int64(added))
	return nil
}

func (db *DB) applyPurge(ctx context.Context) error {
	empty := roaring.New()
	err := db.sql.tx(ctx, func(tx *sql.Tx) error {
		return saveTombstones(ctx, tx, empty)
	})
	if err != nil {
		return err
	}
	db.tombstones = empty
	return nil
}

// Record layout: [Offset uint32][Timestamp int64][ExternalID...]
const recordHeaderSize = 12

func encodeRecord(m model.IdMapping) []byte {
	buf := make([]byte, recordHeaderSize+len(m.ExternalID))
	binary.LittleEndian.PutUint32(buf[0:], m.Offset)
	binary.LittleEndian.PutUint64(buf[4:], uint64(m.Timestamp))
	copy(buf[recordHeaderSize:], m.ExternalID)
	return buf
}

func decodeRecordPayload(buf []byte) (model.IdMapping, error) {
	if len(buf) <= recordHeaderSize {
		return model.IdMapping{}, fmt.Errorf("%w: short record", ErrCorrupt)
	}
	return model.IdMapping{
		Offset:     binary.LittleEndian.Uint32(buf[0:]),
		Timestamp:  int64(binary.LittleEndian.Uint64(buf[4:])),
		ExternalID: string(buf[recordHeaderSize:]),
	}, nil
}

// decodeRecord decodes a persisted record block.
func (db *DB) decodeRecord(block []byte, cold bool) (model.IdMapping, error) {
	if cold {
		db.decompressions.Add(1)
	}
	payload, err := compress.Decompress(block)
	if err != nil {
		return model.IdMapping{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	m, err := decodeRecordPayload(payload)
	if err != nil {
		return model.IdMapping{}, err
	}
	m.Compressed = cold
	return m, nil
}
