package kvsdb

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/RoaringBitmap/roaring/v2"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS mappings (
	id   TEXT PRIMARY KEY,
	off  INTEGER NOT NULL UNIQUE,
	rec  BLOB NOT NULL,
	cold INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS meta (
	k TEXT PRIMARY KEY,
	v BLOB NOT NULL
);
`

const tombstonesKey = "tombstones"

// sqlStore is the persistent side of the DB. Callers serialize writers.
type sqlStore struct {
	db   *sql.DB
	path string
}

func openSQL(ctx context.Context, path string) (*sqlStore, error) {
	var (
		db  *sql.DB
		err error
	)

	if path == "" {
		db, err = sql.Open("sqlite", ":memory:")
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
		dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
		db, err = sql.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(4)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &sqlStore{db: db, path: path}, nil
}

func (s *sqlStore) close() error { return s.db.Close() }

func (s *sqlStore) count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM mappings`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count mappings: %w", err)
	}
	return n, nil
}

func (s *sqlStore) getByID(ctx context.Context, id string) ([]byte, bool, bool, error) {
	var (
		rec  []byte
		cold bool
	)
	err := s.db.QueryRowContext(ctx, `SELECT rec, cold FROM mappings WHERE id = ?`, id).Scan(&rec, &cold)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, false, nil
	}
	if err != nil {
		return nil, false, false, fmt.Errorf("lookup %q: %w", id, err)
	}
	return rec, cold, true, nil
}

func (s *sqlStore) getByOffset(ctx context.Context, off uint32) ([]byte, bool, bool, error) {
	var (
		rec  []byte
		cold bool
	)
	err := s.db.QueryRowContext(ctx, `SELECT rec, cold FROM mappings WHERE off = ?`, int64(off)).Scan(&rec, &cold)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, false, nil
	}
	if err != nil {
		return nil, false, false, fmt.Errorf("reverse lookup %d: %w", off, err)
	}
	return rec, cold, true, nil
}

type row struct {
	rowid int64
	rec   []byte
	cold  bool
}

// page returns up to limit rows with rowid > after, in rowid order.
func (s *sqlStore) page(ctx context.Context, after int64, limit int) ([]row, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT rowid, rec, cold FROM mappings WHERE rowid > ? ORDER BY rowid LIMIT ?`, after, limit)
	if err != nil {
		return nil, fmt.Errorf("scan mappings: %w", err)
	}
	defer rows.Close()

	out := make([]row, 0, limit)
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.rowid, &r.rec, &r.cold); err != nil {
			return nil, fmt.Errorf("scan mappings: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqlStore) loadTombstones(ctx context.Context) (*roaring.Bitmap, error) {
	bm := roaring.New()

	var raw []byte
	err := s.db.QueryRowContext(ctx, `SELECT v FROM meta WHERE k = ?`, tombstonesKey).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return bm, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load tombstones: %w", err)
	}
	if _, err := bm.ReadFrom(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("%w: tombstones: %v", ErrCorrupt, err)
	}
	return bm, nil
}

func saveTombstones(ctx context.Context, tx *sql.Tx, bm *roaring.Bitmap) error {
	var buf bytes.Buffer
	if _, err := bm.WriteTo(&buf); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO meta (k, v) VALUES (?, ?) ON CONFLICT(k) DO UPDATE SET v = excluded.v`,
		tombstonesKey, buf.Bytes())
	if err != nil {
		return fmt.Errorf("save tombstones: %w", err)
	}
	return nil
}

// tx runs fn in a transaction.
func (s *sqlStore) tx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func txOffsetOf(ctx context.Context, tx *sql.Tx, id string) (uint32, bool, error) {
	var off int64
	err := tx.QueryRowContext(ctx, `SELECT off FROM mappings WHERE id = ?`, id).Scan(&off)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("lookup %q: %w", id, err)
	}
	return uint32(off), true, nil
}

func txUpsert(ctx context.Context, tx *sql.Tx, id string, off uint32, rec []byte) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO mappings (id, off, rec, cold) VALUES (?, ?, ?, 0)
		 ON CONFLICT(id) DO UPDATE SET off = excluded.off, rec = excluded.rec, cold = 0`,
		id, int64(off), rec)
	if err != nil {
		return fmt.Errorf("put %q: %w", id, err)
	}
	return nil
}

func txDelete(ctx context.Context, tx *sql.Tx, id string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM mappings WHERE id = ?`, id); err != nil {
		return fmt.Errorf("tombstone %q: %w", id, err)
	}
	return nil
}
