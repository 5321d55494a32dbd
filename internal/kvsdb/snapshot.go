package kvsdb

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/vecagent/internal/compress"
	"github.com/hupe1980/vecagent/model"
)

const (
	snapshotMagic   = 0x564B5653 // "VKVS"
	snapshotVersion = 1
	// [Magic uint32][Version uint8][CRC uint32][BlockLen uint64]
	snapshotHeaderSize = 17

	maxSnapshotBlock = 1 << 33
)

// Snapshot writes all live mappings and the tombstone set to w as they will be
// after overlay is applied (overlay may be nil). The store itself is not
// modified.
func (db *DB) Snapshot(ctx context.Context, w io.Writer, overlay *Batch) error {
	if db.closed.Load() {
		return ErrClosed
	}
	if overlay == nil {
		overlay = &Batch{}
	}

	removed := make(map[string]struct{}, len(overlay.Tombstones))
	for _, id := range overlay.Tombstones {
		removed[id] = struct{}{}
	}
	puts := make(map[string]model.IdMapping, len(overlay.Puts))
	for _, m := range overlay.Puts {
		delete(removed, m.ExternalID)
		puts[m.ExternalID] = m
	}

	db.mu.RLock()
	tombs := db.tombstones.Clone()
	var (
		body    bytes.Buffer
		count   uint64
		scratch [binary.MaxVarintLen64]byte
	)
	body.Write(make([]byte, 8)) // count placeholder

	writeEntry := func(m model.IdMapping) {
		n := binary.PutUvarint(scratch[:], uint64(len(m.ExternalID)))
		body.Write(scratch[:n])
		body.WriteString(m.ExternalID)
		var fixed [12]byte
		binary.LittleEndian.PutUint32(fixed[0:], m.Offset)
		binary.LittleEndian.PutUint64(fixed[4:], uint64(m.Timestamp))
		body.Write(fixed[:])
		count++
	}

	var after int64
	for {
		page, err := db.sql.page(ctx, after, rangePageSize)
		if err != nil {
			db.mu.RUnlock()
			return err
		}
		if len(page) == 0 {
			break
		}
		after = page[len(page)-1].rowid

		for _, r := range page {
			m, err := db.decodeRecord(r.rec, r.cold)
			if err != nil {
				db.mu.RUnlock()
				return err
			}
			if _, ok := removed[m.ExternalID]; ok {
				tombs.Add(m.Offset)
				continue
			}
			if p, ok := puts[m.ExternalID]; ok {
				if p.Offset != m.Offset {
					tombs.Add(m.Offset)
				}
				continue
			}
			writeEntry(m)
		}
	}
	db.mu.RUnlock()

	for _, m := range overlay.Puts {
		if cur, ok := puts[m.ExternalID]; ok && cur == m {
			writeEntry(m)
			delete(puts, m.ExternalID)
		}
	}
	if overlay.Purge {
		tombs = roaring.New()
	}

	binary.LittleEndian.PutUint64(body.Bytes()[0:], count)
	var bm bytes.Buffer
	if _, err := tombs.WriteTo(&bm); err != nil {
		return err
	}
	var bmLen [4]byte
	binary.LittleEndian.PutUint32(bmLen[:], uint32(bm.Len()))
	body.Write(bmLen[:])
	body.Write(bm.Bytes())

	block, err := db.compressor.Compress(body.Bytes())
	if err != nil {
		return err
	}

	var hdr [snapshotHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:], snapshotMagic)
	hdr[4] = snapshotVersion
	binary.LittleEndian.PutUint32(hdr[5:], crc32.ChecksumIEEE(block))
	binary.LittleEndian.PutUint64(hdr[9:], uint64(len(block)))

	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err = w.Write(block)
	return err
}

// Restore replaces the whole content of the store with a snapshot.
// It is the ingestion path for read replicas and is allowed on them.
func (db *DB) Restore(ctx context.Context, r io.Reader) error {
	if db.closed.Load() {
		return ErrClosed
	}

	entries, tombs, err := readSnapshot(r)
	if err != nil {
		return err
	}
	return db.replace(ctx, entries, tombs)
}

// Reset drops every mapping and tombstone. Like Restore it is allowed on
// read replicas.
func (db *DB) Reset(ctx context.Context) error {
	if db.closed.Load() {
		return ErrClosed
	}
	return db.replace(ctx, nil, roaring.New())
}

func (db *DB) replace(ctx context.Context, entries []model.IdMapping, tombs *roaring.Bitmap) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	err := db.sql.tx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM mappings`); err != nil {
			return fmt.Errorf("restore: %w", err)
		}
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO mappings (id, off, rec, cold) VALUES (?, ?, ?, 0)`)
		if err != nil {
			return fmt.Errorf("restore: %w", err)
		}
		defer stmt.Close()

		for _, m := range entries {
			if _, err := stmt.ExecContext(ctx, m.ExternalID, int64(m.Offset), compress.Raw(encodeRecord(m))); err != nil {
				return fmt.Errorf("restore %q: %w", m.ExternalID, err)
			}
		}
		return saveTombstones(ctx, tx, tombs)
	})
	if err != nil {
		return err
	}

	return db.reload(ctx)
}

func readSnapshot(r io.Reader) ([]model.IdMapping, *roaring.Bitmap, error) {
	var hdr [snapshotHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, nil, fmt.Errorf("%w: snapshot header: %v", ErrCorrupt, err)
	}
	if binary.LittleEndian.Uint32(hdr[0:]) != snapshotMagic {
		return nil, nil, fmt.Errorf("%w: bad snapshot magic", ErrCorrupt)
	}
	if hdr[4] != snapshotVersion {
		return nil, nil, fmt.Errorf("%w: unsupported snapshot version %d", ErrCorrupt, hdr[4])
	}
	crc := binary.LittleEndian.Uint32(hdr[5:])
	size := binary.LittleEndian.Uint64(hdr[9:])
	if size > maxSnapshotBlock {
		return nil, nil, fmt.Errorf("%w: snapshot block of %d bytes", ErrCorrupt, size)
	}

	block := make([]byte, size)
	if _, err := io.ReadFull(r, block); err != nil {
		return nil, nil, fmt.Errorf("%w: snapshot body: %v", ErrCorrupt, err)
	}
	if crc32.ChecksumIEEE(block) != crc {
		return nil, nil, fmt.Errorf("%w: snapshot checksum mismatch", ErrCorrupt)
	}

	body, err := compress.Decompress(block)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	rd := bytes.NewReader(body)
	var count uint64
	if err := binary.Read(rd, binary.LittleEndian, &count); err != nil {
		return nil, nil, fmt.Errorf("%w: entry count: %v", ErrCorrupt, err)
	}
	if count > uint64(len(body)) {
		return nil, nil, fmt.Errorf("%w: entry count %d", ErrCorrupt, count)
	}

	entries := make([]model.IdMapping, 0, count)
	for i := uint64(0); i < count; i++ {
		n, err := binary.ReadUvarint(rd)
		if err != nil || n > uint64(rd.Len()) {
			return nil, nil, fmt.Errorf("%w: entry %d", ErrCorrupt, i)
		}
		id := make([]byte, n)
		var fixed [12]byte
		if _, err := io.ReadFull(rd, id); err != nil {
			return nil, nil, fmt.Errorf("%w: entry %d", ErrCorrupt, i)
		}
		if _, err := io.ReadFull(rd, fixed[:]); err != nil {
			return nil, nil, fmt.Errorf("%w: entry %d", ErrCorrupt, i)
		}
		entries = append(entries, model.IdMapping{
			ExternalID: string(id),
			Offset:     binary.LittleEndian.Uint32(fixed[0:]),
			Timestamp:  int64(binary.LittleEndian.Uint64(fixed[4:])),
		})
	}

	var bmLen uint32
	if err := binary.Read(rd, binary.LittleEndian, &bmLen); err != nil {
		return nil, nil, fmt.Errorf("%w: tombstones: %v", ErrCorrupt, err)
	}
	if int(bmLen) != rd.Len() {
		return nil, nil, fmt.Errorf("%w: tombstones length", ErrCorrupt)
	}
	tombs := roaring.New()
	if bmLen > 0 {
		if _, err := tombs.ReadFrom(rd); err != nil {
			return nil, nil, fmt.Errorf("%w: tombstones: %v", ErrCorrupt, err)
		}
	}

	return entries, tombs, nil
}
