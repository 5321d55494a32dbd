package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/hupe1980/vecagent/backend"
	"github.com/hupe1980/vecagent/blobstore"
	"github.com/hupe1980/vecagent/internal/kvsdb"
	"github.com/hupe1980/vecagent/internal/manifest"
	"github.com/hupe1980/vecagent/internal/resource"
	"github.com/hupe1980/vecagent/model"
)

// Storage layout:
//
//	CURRENT                  name of the current manifest
//	MANIFEST-000007.bin      pointer record: active generation and broken history
//	gen-000004/graph.bin     copy-on-write generation
//	gen-000004/kvs.bin
//	live/graph.bin           in-place generation
//	live/kvs.bin
const (
	graphFile = "graph.bin"
	kvsFile   = "kvs.bin"
	genPrefix = "gen-"
	livePath  = "live/"
)

func genPath(seq uint64) string {
	return fmt.Sprintf("%s%06d/", genPrefix, seq)
}

func (m *Manager) generationPath(seq uint64) string {
	if m.cfg.EnableCopyOnWrite {
		return genPath(seq)
	}
	return livePath
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// writeGeneration writes the graph and the id store, with overlay applied, under path.
func (m *Manager) writeGeneration(ctx context.Context, path string, g backend.Graph, overlay *kvsdb.Batch) error {
	start := m.now()
	var total int64

	write := func(name string, fn func(io.Writer) error) error {
		return blobstore.WriteTo(ctx, m.store, name, func(w io.Writer) error {
			cw := &countingWriter{w: resource.NewRateLimitedWriter(ctx, w, m.rc)}
			err := fn(cw)
			total += cw.n
			return err
		})
	}

	err := write(path+graphFile, g.Encode)
	if err == nil {
		err = write(path+kvsFile, func(w io.Writer) error {
			return m.kvs.Snapshot(ctx, w, overlay)
		})
	}
	m.metrics.OnSave(m.now().Sub(start), total, err)
	if err != nil {
		return fmt.Errorf("write generation %s: %w", path, err)
	}
	m.logger.Debug("generation written", "path", path, "bytes", total)
	return nil
}

// commitManifest points CURRENT at gen.
func (m *Manager) commitManifest(ctx context.Context, gen *Generation, path string) error {
	next := m.man.Clone()
	next.ActiveSeq = gen.Seq
	next.ActiveUUID = gen.UUID
	next.ActivePath = path
	next.CreatedAt = gen.CreatedAt
	next.VectorCount = uint64(gen.Graph.Len())
	next.Dim = m.cfg.Dimension
	next.Distance = m.cfg.Distance
	next.DataType = m.cfg.DataType
	next.NextOffset = m.nextOffset
	next.NextSeq = m.nextSeq
	next.CopyOnWrite = m.cfg.EnableCopyOnWrite
	next.Broken = m.brokenInfos()

	if err := m.manifests.Save(ctx, next); err != nil {
		return fmt.Errorf("commit manifest: %w", err)
	}
	m.man = next
	return nil
}

func (m *Manager) brokenInfos() []manifest.BrokenInfo {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()

	out := make([]manifest.BrokenInfo, 0, len(m.broken))
	for _, b := range m.broken {
		out = append(out, manifest.BrokenInfo{
			Seq:         b.Seq,
			UUID:        b.UUID,
			CreatedAt:   b.CreatedAt,
			VectorCount: uint64(b.VectorCount),
			Path:        m.brokenPaths[b.Seq],
			Reason:      b.Reason,
		})
	}
	return out
}

func (m *Manager) setBroken(infos []manifest.BrokenInfo) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()

	m.broken = m.broken[:0]
	m.brokenPaths = make(map[uint64]string, len(infos))
	for _, b := range infos {
		m.broken = append(m.broken, model.IndexGeneration{
			Seq:         b.Seq,
			UUID:        b.UUID,
			Status:      model.GenerationBroken,
			CreatedAt:   b.CreatedAt,
			VectorCount: int(b.VectorCount),
			Reason:      b.Reason,
		})
		m.brokenPaths[b.Seq] = b.Path
	}
}

func (m *Manager) deleteGeneration(ctx context.Context, path string) error {
	return blobstore.DeletePrefix(ctx, m.store, path)
}

// collectGarbage deletes copy-on-write generations that are neither active,
// the previous active one, nor retained as broken, and prunes old manifests.
func (m *Manager) collectGarbage(ctx context.Context) {
	keep := map[string]bool{m.activePath: true, m.prevPath: true}
	m.stateMu.RLock()
	for _, p := range m.brokenPaths {
		keep[p] = true
	}
	m.stateMu.RUnlock()

	names, err := m.store.List(ctx, genPrefix)
	if err != nil {
		m.logger.Warn("failed to list generations", "error", err)
		return
	}
	seen := make(map[string]bool)
	for _, name := range names {
		i := strings.IndexByte(name, '/')
		if i < 0 {
			continue
		}
		dir := name[:i+1]
		if keep[dir] || seen[dir] {
			continue
		}
		seen[dir] = true
		if err := m.deleteGeneration(ctx, dir); err != nil {
			m.logger.Warn("failed to delete retired generation", "path", dir, "error", err)
			continue
		}
		m.logger.Debug("retired generation deleted", "path", dir)
	}

	if _, err := m.manifests.Prune(ctx, m.man.ID, m.keep); err != nil {
		m.logger.Warn("failed to prune manifests", "error", err)
	}
}

func (m *Manager) freshManifest() *manifest.Manifest {
	return &manifest.Manifest{
		Dim:         m.cfg.Dimension,
		Distance:    m.cfg.Distance,
		DataType:    m.cfg.DataType,
		NextSeq:     1,
		CopyOnWrite: m.cfg.EnableCopyOnWrite,
	}
}

func (m *Manager) checkCompatible(man *manifest.Manifest) error {
	if man.Dim != 0 && man.Dim != m.cfg.Dimension {
		return fmt.Errorf("%w: dimension %d, configured %d", ErrIncompatible, man.Dim, m.cfg.Dimension)
	}
	if man.HasActive() && man.Distance != m.cfg.Distance {
		return fmt.Errorf("%w: distance %s, configured %s", ErrIncompatible, man.Distance, m.cfg.Distance)
	}
	return nil
}

// Recover loads the generation CURRENT points at, together with its id
// store snapshot. When that generation cannot be read, older manifests are
// tried and the unreadable generation is recorded as broken. Without any
// persisted generation the manager starts from an empty index.
func (m *Manager) Recover(ctx context.Context) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if err := m.lock(ctx); err != nil {
		return err
	}
	defer m.unlock()

	start := m.now()
	empty, err := m.backend.Rebuild(ctx, nil)
	if err != nil {
		return fmt.Errorf("lifecycle: create empty graph: %w", err)
	}
	emptyGen := &Generation{Graph: empty, CreatedAt: start}

	var man *manifest.Manifest
	if m.manifests != nil {
		man, err = m.manifests.Load(ctx)
		switch {
		case errors.Is(err, manifest.ErrNotFound):
			man = nil
		case err != nil:
			return fmt.Errorf("lifecycle: load manifest: %w", err)
		}
	}
	if man == nil {
		man = m.freshManifest()
	}
	if err := m.checkCompatible(man); err != nil {
		return err
	}

	m.man = man
	m.nextOffset = man.NextOffset
	m.nextSeq = max(man.NextSeq, 1)
	m.setBroken(man.Broken)

	gen := emptyGen
	if man.HasActive() {
		g, lerr := m.loadGeneration(ctx, man)
		if lerr != nil {
			m.logger.Error("failed to load active generation", "seq", man.ActiveSeq, "path", man.ActivePath, "error", lerr)
			g, err = m.fallback(ctx, man, lerr)
			if err != nil {
				return err
			}
		}
		gen = g
		m.activePath = m.man.ActivePath
	}

	if !m.man.HasActive() && (m.kvs.Len() > 0 || m.kvs.TombstoneCount() > 0) {
		// Mappings without a persisted generation cannot be served.
		m.logger.Warn("resetting id store without generation", "ids", m.kvs.Len())
		if err := m.kvs.Reset(ctx); err != nil {
			return fmt.Errorf("lifecycle: reset id store: %w", err)
		}
	}

	m.active.Store(gen)
	m.stateMu.Lock()
	if m.man.HasActive() {
		m.lastSuccess = m.man.CreatedAt
	} else {
		m.lastSuccess = start
	}
	m.stateMu.Unlock()
	m.recovered.Store(true)

	m.logger.Info("index recovered",
		"seq", gen.Seq, "vectors", gen.Graph.Len(), "ids", m.kvs.Len(),
		"broken", len(m.Broken()), "duration", m.now().Sub(start))
	return nil
}

// fallback walks older manifests for a loadable generation.
func (m *Manager) fallback(ctx context.Context, current *manifest.Manifest, cause error) (*Generation, error) {
	ids, err := m.manifests.ListVersions(ctx)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: list manifests: %w", err)
	}

	failed := manifest.BrokenInfo{
		Seq:         current.ActiveSeq,
		UUID:        current.ActiveUUID,
		CreatedAt:   current.CreatedAt,
		VectorCount: current.VectorCount,
		Path:        current.ActivePath,
		Reason:      "recover: " + cause.Error(),
	}

	for i := len(ids) - 1; i >= 0; i-- {
		if ids[i] >= current.ID {
			continue
		}
		old, err := m.manifests.LoadVersion(ctx, ids[i])
		if err != nil || !old.HasActive() || old.ActiveSeq == current.ActiveSeq {
			continue
		}
		if m.checkCompatible(old) != nil {
			continue
		}
		gen, err := m.loadGeneration(ctx, old)
		if err != nil {
			m.logger.Warn("older generation unusable", "seq", old.ActiveSeq, "error", err)
			continue
		}

		next := current.Clone()
		next.ActiveSeq = old.ActiveSeq
		next.ActiveUUID = old.ActiveUUID
		next.ActivePath = old.ActivePath
		next.CreatedAt = old.CreatedAt
		next.VectorCount = old.VectorCount
		m.man = next
		m.activePath = old.ActivePath

		rec := model.IndexGeneration{
			Seq:         failed.Seq,
			UUID:        failed.UUID,
			Status:      model.GenerationBroken,
			CreatedAt:   failed.CreatedAt,
			VectorCount: int(failed.VectorCount),
			Reason:      failed.Reason,
		}
		for _, p := range m.pushBroken(rec, failed.Path) {
			if p != "" && p != livePath && p != next.ActivePath && !m.cfg.IsReadReplica {
				_ = m.deleteGeneration(ctx, p)
			}
		}
		m.errs.push(&BuildError{Seq: failed.Seq, Phase: PhaseIdle, Err: cause})

		if !m.cfg.IsReadReplica {
			next.Broken = m.brokenInfos()
			if err := m.manifests.Save(ctx, next); err != nil {
				m.logger.Error("failed to persist rollback", "error", err)
			}
		}
		m.logger.Warn("rolled back to older generation", "seq", old.ActiveSeq, "failed_seq", failed.Seq)
		return gen, nil
	}
	return nil, fmt.Errorf("lifecycle: recover generation %d: %w", current.ActiveSeq, cause)
}

// loadGeneration decodes the graph of man and restores the id store from
// the snapshot stored next to it.
func (m *Manager) loadGeneration(ctx context.Context, man *manifest.Manifest) (*Generation, error) {
	var graph backend.Graph
	err := m.readBlob(ctx, man.ActivePath+graphFile, func(r io.Reader) error {
		g, err := m.backend.Decode(r)
		graph = g
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("load graph: %w", err)
	}
	if graph.Dimension() != m.cfg.Dimension {
		return nil, &backend.DimensionError{Expected: m.cfg.Dimension, Actual: graph.Dimension()}
	}

	err = m.readBlob(ctx, man.ActivePath+kvsFile, func(r io.Reader) error {
		return m.kvs.Restore(ctx, r)
	})
	if err != nil {
		return nil, fmt.Errorf("load id store: %w", err)
	}

	return &Generation{
		Seq:       man.ActiveSeq,
		UUID:      man.ActiveUUID,
		CreatedAt: man.CreatedAt,
		Graph:     graph,
	}, nil
}

func (m *Manager) readBlob(ctx context.Context, name string, fn func(io.Reader) error) error {
	b, err := m.store.Open(ctx, name)
	if err != nil {
		return err
	}
	defer b.Close()
	return fn(resource.NewRateLimitedReader(ctx, blobstore.NewReader(ctx, b), m.rc))
}

// Reload picks up a generation published by the writer. It is the ingestion
// path of read replicas and reports whether the active generation changed.
func (m *Manager) Reload(ctx context.Context) (bool, error) {
	if m.closed.Load() {
		return false, ErrClosed
	}
	if m.manifests == nil {
		return false, nil
	}
	if err := m.lock(ctx); err != nil {
		return false, err
	}
	defer m.unlock()

	man, err := m.manifests.Load(ctx)
	if errors.Is(err, manifest.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lifecycle: load manifest: %w", err)
	}
	if err := m.checkCompatible(man); err != nil {
		return false, err
	}

	now := m.now()
	cur := m.active.Load()
	if !man.HasActive() || (cur != nil && man.ActiveSeq == cur.Seq) {
		m.man = man
		m.setBroken(man.Broken)
		m.stateMu.Lock()
		m.lastSuccess = now
		m.stateMu.Unlock()
		return false, nil
	}

	gen, err := m.loadGeneration(ctx, man)
	if err != nil {
		m.errs.push(err)
		return false, fmt.Errorf("lifecycle: reload generation %d: %w", man.ActiveSeq, err)
	}

	m.active.Store(gen)
	m.man = man
	m.activePath = man.ActivePath
	m.nextOffset = man.NextOffset
	m.nextSeq = max(man.NextSeq, 1)
	m.setBroken(man.Broken)
	m.recovered.Store(true)
	m.stateMu.Lock()
	m.lastSuccess = now
	m.stateMu.Unlock()

	m.logger.Info("replica reloaded generation", "seq", gen.Seq, "vectors", gen.Graph.Len())
	return true, nil
}

// Save persists the active generation if it exists in memory only, which is
// the case in in-memory mode. It is a no-op without storage.
func (m *Manager) Save(ctx context.Context) error {
	if m.cfg.IsReadReplica {
		return ErrReadOnly
	}
	if m.closed.Load() {
		return ErrClosed
	}
	if !m.recovered.Load() {
		return ErrNotRecovered
	}
	if m.store == nil {
		return nil
	}
	if err := m.lock(ctx); err != nil {
		return err
	}
	defer m.unlock()
	return m.save(ctx)
}

func (m *Manager) save(ctx context.Context) error {
	gen := m.active.Load()
	if !m.dirty.Load() || gen == nil || gen.Seq == 0 {
		return nil
	}

	start := m.now()
	ctx = context.WithoutCancel(ctx)
	m.setPhase(PhaseSaving)
	defer m.setPhase(PhaseIdle)

	path := m.generationPath(gen.Seq)
	if err := m.writeGeneration(ctx, path, gen.Graph, nil); err != nil {
		m.errs.push(err)
		return err
	}
	if err := m.commitManifest(ctx, gen, path); err != nil {
		m.errs.push(err)
		return err
	}
	m.dirty.Store(false)
	if path != m.activePath {
		m.prevPath, m.activePath = m.activePath, path
	}
	m.collectGarbage(ctx)

	m.logger.Info("index saved", "seq", gen.Seq, "path", path, "duration", m.now().Sub(start))
	return nil
}

// CreateAndSave forces an attempt and persists its result even in
// in-memory mode.
func (m *Manager) CreateAndSave(ctx context.Context, full bool) (*Generation, error) {
	gen, err := m.ForceRebuild(ctx, full)
	if err != nil {
		return nil, err
	}
	if err := m.Save(ctx); err != nil {
		return gen, err
	}
	return gen, nil
}

// LastSuccess returns the time of the last successful build or reload.
func (m *Manager) LastSuccess() time.Time {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.lastSuccess
}
