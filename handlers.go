package vecagent

import (
	"context"
	"fmt"
	"math"
	"slices"

	"github.com/hupe1980/vecagent/model"
)

func (a *Agent) validateID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidArgument)
	}
	return nil
}

// validateVector checks the dimension and the element type of vec.
func (a *Agent) validateVector(vec []float32) error {
	if len(vec) != a.cfg.Dimension {
		return &ErrDimensionMismatch{Expected: a.cfg.Dimension, Actual: len(vec)}
	}
	for i, v := range vec {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("%w: element %d is not finite", ErrInvalidArgument, i)
		}
		if a.cfg.DataType == model.DataTypeUint8 && (v < 0 || v > math.MaxUint8 || f != math.Trunc(f)) {
			return fmt.Errorf("%w: element %d is not a uint8 value: %v", ErrInvalidArgument, i, v)
		}
	}
	return nil
}

func (a *Agent) validateRecord(rec model.VectorRecord) error {
	if err := a.validateID(rec.ID); err != nil {
		return err
	}
	return a.validateVector(rec.Vector)
}

// exists resolves id against the newest accepted operation: a pending insert
// or delete wins over the id store.
func (a *Agent) exists(ctx context.Context, id string) (bool, error) {
	if _, ok := a.queue.PendingInsert(id); ok {
		return true, nil
	}
	if a.queue.PendingDelete(id) {
		return false, nil
	}
	_, ok, err := a.kvs.Lookup(ctx, id)
	if err != nil {
		return false, err
	}
	return ok, nil
}

type insertMode uint8

const (
	modeInsert insertMode = iota
	modeUpsert
	modeUpdate
)

func (m insertMode) String() string {
	switch m {
	case modeUpsert:
		return "upsert"
	case modeUpdate:
		return "update"
	default:
		return "insert"
	}
}

// insert validates rec and enqueues it. The caller holds a request slot.
func (a *Agent) insert(ctx context.Context, rec model.VectorRecord, mode insertMode) error {
	if err := a.validateRecord(rec); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return translateError(err)
	}

	unlock := a.lockID(rec.ID)
	defer unlock()

	if mode != modeUpsert {
		ok, err := a.exists(ctx, rec.ID)
		if err != nil {
			return translateError(err)
		}
		switch {
		case mode == modeInsert && ok:
			return fmt.Errorf("%w: %q", ErrAlreadyExists, rec.ID)
		case mode == modeUpdate && !ok:
			return fmt.Errorf("%w: %q", ErrNotFound, rec.ID)
		}
	}

	rec.Vector = slices.Clone(rec.Vector)
	return translateError(a.queue.EnqueueInsert(rec))
}

func (a *Agent) handleInsert(ctx context.Context, rec model.VectorRecord, mode insertMode) error {
	start := a.now()
	done, err := a.begin(ctx, true)
	if err == nil {
		err = a.insert(ctx, rec, mode)
		done()
	}
	a.metrics.RecordInsert(mode.String(), a.now().Sub(start), err)
	a.logger.LogInsert(ctx, mode.String(), rec.ID, len(rec.Vector), err)
	return err
}

// Insert accepts a new vector. It fails with ErrAlreadyExists when the id is
// already mapped or pending. The vector becomes searchable with the next
// promoted generation.
func (a *Agent) Insert(ctx context.Context, rec model.VectorRecord) error {
	return a.handleInsert(ctx, rec, modeInsert)
}

// Upsert inserts rec or replaces the vector of an existing id.
func (a *Agent) Upsert(ctx context.Context, rec model.VectorRecord) error {
	return a.handleInsert(ctx, rec, modeUpsert)
}

// Update replaces the vector of an existing id. It fails with ErrNotFound
// when the id is unknown.
func (a *Agent) Update(ctx context.Context, rec model.VectorRecord) error {
	return a.handleInsert(ctx, rec, modeUpdate)
}

// remove enqueues a delete for a known id. The caller holds a request slot.
func (a *Agent) remove(ctx context.Context, id string) error {
	if err := a.validateID(id); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return translateError(err)
	}

	unlock := a.lockID(id)
	defer unlock()

	ok, err := a.exists(ctx, id)
	if err != nil {
		return translateError(err)
	}
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return translateError(a.queue.EnqueueDelete(id, 0))
}

// Remove deletes id. It fails with ErrNotFound when the id is unknown or
// already removed.
func (a *Agent) Remove(ctx context.Context, id string) error {
	start := a.now()
	done, err := a.begin(ctx, true)
	if err == nil {
		err = a.remove(ctx, id)
		done()
	}
	a.metrics.RecordRemove(a.now().Sub(start), err)
	a.logger.LogRemove(ctx, id, err)
	return err
}

// Exists reports whether id is live, taking accepted but not yet indexed
// mutations into account.
func (a *Agent) Exists(ctx context.Context, id string) (bool, error) {
	done, err := a.begin(ctx, false)
	if err != nil {
		return false, err
	}
	defer done()

	if err := a.validateID(id); err != nil {
		return false, err
	}
	ok, err := a.exists(ctx, id)
	return ok, translateError(err)
}

// object returns the newest accepted vector of id.
func (a *Agent) object(ctx context.Context, id string) (model.VectorRecord, error) {
	if err := a.validateID(id); err != nil {
		return model.VectorRecord{}, err
	}
	if rec, ok := a.queue.PendingInsert(id); ok {
		rec.Vector = slices.Clone(rec.Vector)
		return rec, nil
	}
	if a.queue.PendingDelete(id) {
		return model.VectorRecord{}, fmt.Errorf("%w: %q", ErrNotFound, id)
	}

	m, ok, err := a.kvs.Get(ctx, id)
	if err != nil {
		return model.VectorRecord{}, translateError(err)
	}
	if !ok {
		return model.VectorRecord{}, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	vec, ok := a.lc.Active().Graph.Vector(m.Offset)
	if !ok {
		return model.VectorRecord{}, fmt.Errorf("%w: %q has no vector in the active generation", ErrNotFound, id)
	}
	return model.VectorRecord{ID: id, Vector: slices.Clone(vec), Timestamp: m.Timestamp}, nil
}

// GetObject returns the vector stored for id.
func (a *Agent) GetObject(ctx context.Context, id string) (model.VectorRecord, error) {
	done, err := a.begin(ctx, false)
	if err != nil {
		return model.VectorRecord{}, err
	}
	defer done()
	return a.object(ctx, id)
}
