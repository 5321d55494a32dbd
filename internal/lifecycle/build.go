package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/hupe1980/vecagent/backend"
	"github.com/hupe1980/vecagent/internal/kvsdb"
	"github.com/hupe1980/vecagent/internal/vqueue"
	"github.com/hupe1980/vecagent/model"
)

// plan is the outcome of Draining: what the backend and the id store have to
// do for one attempt. Nothing is applied to the id store before promotion.
type plan struct {
	entries  []model.QueueEntry // as drained, for commit or requeue
	rejected []model.QueueEntry

	full  bool
	batch backend.Batch
	items []backend.Item // full rebuild input
	kv    kvsdb.Batch

	// retired holds the offsets of the base graph that kv tombstones or
	// repoints, with the id they serve in the base graph.
	retired map[uint32]string

	nextOffset uint32
}

// run executes one attempt. The caller holds sem.
func (m *Manager) run(ctx context.Context, full bool, reason string) (*Generation, error) {
	// Building and Saving are not interrupted once started; a failure is
	// made safe by leaving the active generation untouched.
	ctx = context.WithoutCancel(ctx)

	base := m.active.Load()
	start := m.now()
	defer m.setPhase(PhaseIdle)

	m.setPhase(PhaseDraining)
	entries := m.queue.Drain(0)
	if len(entries) == 0 && (!full || (base.Graph.Len() == 0 && m.kvs.TombstoneCount() == 0)) {
		m.stateMu.Lock()
		m.lastSuccess = start
		m.stateMu.Unlock()
		return base, nil
	}

	seq := m.nextSeq
	m.nextSeq++
	id := m.newUUID()

	m.logger.Info("index build started",
		"seq", seq, "uuid", id, "reason", reason, "full", full, "entries", len(entries))

	p, err := m.plan(ctx, base.Graph, entries, full)
	m.nextOffset = p.nextOffset
	if err != nil {
		return nil, m.fail(ctx, p, seq, id, "", PhaseDraining, start, err)
	}
	if len(p.rejected) > 0 {
		err := fmt.Errorf("%w: %d entries do not match dimension %d", ErrRejected, len(p.rejected), m.cfg.Dimension)
		return nil, m.fail(ctx, p, seq, id, "", PhaseDraining, start, err)
	}

	m.setPhase(PhaseBuilding)
	graph, err := m.build(ctx, base.Graph, p)
	if err == nil && graph.Dimension() != m.cfg.Dimension {
		err = &backend.DimensionError{Expected: m.cfg.Dimension, Actual: graph.Dimension()}
	}
	if err != nil {
		return nil, m.fail(ctx, p, seq, id, "", PhaseBuilding, start, err)
	}

	gen := &Generation{Seq: seq, UUID: id, CreatedAt: m.now(), Graph: graph}

	path := ""
	if m.persistOnBuild() {
		m.setPhase(PhaseSaving)
		path = m.generationPath(seq)
		if err := m.writeGeneration(ctx, path, graph, &p.kv); err != nil {
			return nil, m.fail(ctx, p, seq, id, path, PhaseSaving, start, err)
		}
	}

	m.setPhase(PhasePromoting)
	if err := m.promote(ctx, base, gen, p, path); err != nil {
		return nil, m.fail(ctx, p, seq, id, path, PhasePromoting, start, err)
	}

	m.active.Store(gen)
	m.queue.Commit(p.entries)
	m.dirty.Store(path == "" && m.store != nil)
	if path != "" {
		m.prevPath, m.activePath = m.activePath, path
		m.collectGarbage(ctx)
	}

	elapsed := m.now().Sub(start)
	m.stateMu.Lock()
	m.builds++
	m.lastBuild = elapsed
	m.lastSuccess = gen.CreatedAt
	m.stateMu.Unlock()

	m.metrics.OnBuild(elapsed, len(p.batch.Add), len(p.batch.Remove), p.full, nil)
	m.logger.Info("index generation promoted",
		"seq", seq, "uuid", id, "vectors", graph.Len(),
		"added", len(p.batch.Add), "removed", len(p.batch.Remove),
		"full", p.full, "duration", elapsed)
	return gen, nil
}

// promote commits gen and updates the id store to match it. The manifest is
// committed first, so a failed commit leaves the id store untouched. Before
// the id store drops or repoints an offset, base records it as retired and
// keeps resolving it for readers that still query base.
func (m *Manager) promote(ctx context.Context, base, gen *Generation, p *plan, path string) error {
	prev := m.man
	if path != "" {
		if err := m.commitManifest(ctx, gen, path); err != nil {
			return err
		}
	}

	base.retire(p.retired)
	err := m.kvs.Apply(ctx, p.kv, m.cfg.BulkInsertChunkSize)
	if err == nil || path == "" {
		return err
	}

	// CURRENT already names gen, and its snapshot is the id store gen needs.
	rErr := m.readBlob(ctx, path+kvsFile, func(r io.Reader) error {
		return m.kvs.Restore(ctx, r)
	})
	if rErr != nil {
		// fail records the broken attempt on top of the previous manifest,
		// which points CURRENT back at base.
		m.man = prev
		return errors.Join(err, fmt.Errorf("restore id store: %w", rErr))
	}
	m.logger.Warn("id store restored from generation snapshot", "seq", gen.Seq, "error", err)
	return nil
}

func (m *Manager) persistOnBuild() bool {
	return m.store != nil && !m.cfg.EnableInMemoryMode
}

// plan collapses the drained entries into the last operation per id and
// resolves them against the id store. New vectors get fresh offsets; offsets
// are never handed out twice.
func (m *Manager) plan(ctx context.Context, base backend.Graph, entries []model.QueueEntry, full bool) (*plan, error) {
	p := &plan{
		entries:    entries,
		full:       full || base.Len() == 0,
		retired:    make(map[uint32]string),
		nextOffset: m.nextOffset,
	}

	var valid []model.QueueEntry
	for _, e := range vqueue.Compact(entries) {
		if e.Op == model.OpInsert && len(e.Record.Vector) != m.cfg.Dimension {
			p.rejected = append(p.rejected, e)
			continue
		}
		valid = append(valid, e)
	}
	if len(p.rejected) > 0 {
		return p, nil
	}

	for _, e := range valid {
		old, ok, err := m.kvs.Lookup(ctx, e.ID)
		if err != nil {
			return p, fmt.Errorf("lookup %q: %w", e.ID, err)
		}

		switch e.Op {
		case model.OpDelete:
			if ok {
				p.kv.Tombstones = append(p.kv.Tombstones, e.ID)
				p.batch.Remove = append(p.batch.Remove, old)
				p.retired[old] = e.ID
			}
		case model.OpInsert:
			if p.nextOffset == math.MaxUint32 {
				return p, ErrOffsetsExhausted
			}
			off := p.nextOffset
			p.nextOffset++
			if ok {
				p.batch.Remove = append(p.batch.Remove, old)
				p.retired[old] = e.ID
			}
			ts := e.Record.Timestamp
			if ts == 0 {
				ts = e.Timestamp
			}
			p.kv.Puts = append(p.kv.Puts, model.IdMapping{ExternalID: e.ID, Offset: off, Timestamp: ts})
			p.batch.Add = append(p.batch.Add, backend.Item{Offset: off, Vector: e.Record.Vector})
		}
	}

	// Offsets tombstoned by an earlier attempt that failed after updating the
	// id store may still be present in the base graph.
	it := m.kvs.Tombstones().Iterator()
	for it.HasNext() {
		off := it.Next()
		if _, ok := base.Vector(off); ok {
			p.batch.Remove = append(p.batch.Remove, off)
		}
	}

	if p.full {
		items, err := m.gather(ctx, base, p)
		if err != nil {
			return p, err
		}
		p.items = items
		p.kv.Purge = true
	}
	return p, nil
}

// gather collects every vector that stays live after p for a full rebuild.
func (m *Manager) gather(ctx context.Context, base backend.Graph, p *plan) ([]backend.Item, error) {
	superseded := make(map[string]struct{}, len(p.kv.Tombstones)+len(p.kv.Puts))
	for _, id := range p.kv.Tombstones {
		superseded[id] = struct{}{}
	}
	for _, put := range p.kv.Puts {
		superseded[put.ExternalID] = struct{}{}
	}

	var (
		mu      sync.Mutex
		items   = make([]backend.Item, 0, m.kvs.Len()+len(p.batch.Add))
		missing []string
	)
	err := m.kvs.Range(ctx, m.cfg.KVSDB.Concurrency, func(im model.IdMapping) error {
		if _, ok := superseded[im.ExternalID]; ok {
			return nil
		}
		vec, ok := base.Vector(im.Offset)
		mu.Lock()
		defer mu.Unlock()
		if !ok {
			missing = append(missing, im.ExternalID)
			return nil
		}
		items = append(items, backend.Item{Offset: im.Offset, Vector: vec})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("range id store: %w", err)
	}

	if len(missing) > 0 {
		// A mapping without a vector cannot be served; drop it so the id
		// store matches the rebuilt graph.
		m.logger.Warn("dropping mappings without vectors", "count", len(missing))
		p.kv.Tombstones = append(p.kv.Tombstones, missing...)
	}

	items = append(items, p.batch.Add...)
	sort.Slice(items, func(i, j int) bool { return items[i].Offset < items[j].Offset })
	return items, nil
}

// build hands the plan to the backend. Incremental builds extend the base in
// chunks of bulk_insert_chunk_size vectors.
func (m *Manager) build(ctx context.Context, base backend.Graph, p *plan) (backend.Graph, error) {
	if p.full {
		return m.backend.Rebuild(ctx, p.items)
	}

	add := p.batch.Add
	if len(add) == 0 {
		return m.backend.Extend(ctx, base, backend.Batch{Remove: p.batch.Remove})
	}

	chunk := m.cfg.BulkInsertChunkSize
	if chunk <= 0 {
		chunk = len(add)
	}
	g := base
	for start := 0; start < len(add); start += chunk {
		end := min(start+chunk, len(add))
		b := backend.Batch{Add: add[start:end]}
		if start == 0 {
			b.Remove = p.batch.Remove
		}
		next, err := m.backend.Extend(ctx, g, b)
		if err != nil {
			return nil, err
		}
		g = next
	}
	return g, nil
}

// fail records a broken generation and hands the drained entries back to the
// queue. Rejected entries are surfaced through the returned error instead.
func (m *Manager) fail(ctx context.Context, p *plan, seq uint64, id, path string, phase Phase, start time.Time, cause error) error {
	err := &BuildError{Seq: seq, Phase: phase, Err: cause}

	if p != nil {
		m.queue.Commit(p.rejected)
		if len(p.rejected) > 0 {
			rejected := make(map[uint64]struct{}, len(p.rejected))
			for _, e := range p.rejected {
				rejected[e.Seq] = struct{}{}
			}
			var requeue []model.QueueEntry
			for _, e := range p.entries {
				if _, ok := rejected[e.Seq]; !ok {
					requeue = append(requeue, e)
				}
			}
			m.queue.Requeue(requeue)
		} else {
			m.queue.Requeue(p.entries)
		}
	}

	vectors := 0
	if p != nil {
		vectors = len(p.batch.Add)
	}
	rec := model.IndexGeneration{
		Seq:         seq,
		UUID:        id,
		Status:      model.GenerationBroken,
		CreatedAt:   m.now(),
		VectorCount: vectors,
		Reason:      cause.Error(),
	}
	if path == livePath {
		path = ""
	}
	evicted := m.pushBroken(rec, path)

	for _, old := range evicted {
		if old == "" {
			continue
		}
		if dErr := m.deleteGeneration(ctx, old); dErr != nil {
			m.logger.Warn("failed to delete evicted broken generation", "path", old, "error", dErr)
		}
	}

	if m.manifests != nil {
		next := m.man.Clone()
		next.NextOffset = m.nextOffset
		next.NextSeq = m.nextSeq
		next.Broken = m.brokenInfos()
		if sErr := m.manifests.Save(ctx, next); sErr != nil {
			m.logger.Error("failed to record broken generation", "seq", seq, "error", sErr)
		} else {
			m.man = next
		}
	}

	m.errs.push(err)
	elapsed := m.now().Sub(start)
	m.stateMu.Lock()
	m.failures++
	m.lastBuild = elapsed
	m.stateMu.Unlock()

	added, removed, full := 0, 0, false
	if p != nil {
		added, removed, full = len(p.batch.Add), len(p.batch.Remove), p.full
	}
	m.metrics.OnBuild(elapsed, added, removed, full, err)
	m.logger.Error("index generation broken",
		"seq", seq, "uuid", id, "phase", phase.String(), "error", cause, "duration", elapsed)
	return err
}

// pushBroken appends rec to the bounded history and returns the storage
// paths of evicted entries.
func (m *Manager) pushBroken(rec model.IndexGeneration, path string) []string {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()

	m.broken = append(m.broken, rec)
	m.brokenPaths[rec.Seq] = path

	limit := max(m.cfg.BrokenIndexHistoryLimit, 0)
	var evicted []string
	for len(m.broken) > limit {
		old := m.broken[0]
		m.broken = m.broken[1:]
		evicted = append(evicted, m.brokenPaths[old.Seq])
		delete(m.brokenPaths, old.Seq)
	}
	return evicted
}
