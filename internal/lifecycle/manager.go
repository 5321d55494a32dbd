package lifecycle

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"math/rand/v2"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/vecagent/backend"
	"github.com/hupe1980/vecagent/blobstore"
	"github.com/hupe1980/vecagent/config"
	"github.com/hupe1980/vecagent/internal/kvsdb"
	"github.com/hupe1980/vecagent/internal/manifest"
	"github.com/hupe1980/vecagent/internal/resource"
	"github.com/hupe1980/vecagent/model"
)

// Phase is the step an attempt is in.
type Phase uint32

const (
	PhaseIdle Phase = iota
	PhaseDraining
	PhaseBuilding
	PhaseSaving
	PhasePromoting
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseDraining:
		return "draining"
	case PhaseBuilding:
		return "building"
	case PhaseSaving:
		return "saving"
	case PhasePromoting:
		return "promoting"
	default:
		return fmt.Sprintf("Unknown(%d)", uint32(p))
	}
}

// Queue is the ingestion queue the manager drains.
type Queue interface {
	Drain(max int) []model.QueueEntry
	Commit(entries []model.QueueEntry)
	Requeue(entries []model.QueueEntry)
	Len() int
	InFlight() int
}

// IDStore is the bidirectional id store kept in step with the active generation.
type IDStore interface {
	Lookup(ctx context.Context, id string) (uint32, bool, error)
	Range(ctx context.Context, concurrency int, fn func(model.IdMapping) error) error
	Tombstones() *roaring.Bitmap
	Len() int
	TombstoneCount() int
	Apply(ctx context.Context, b kvsdb.Batch, chunk int) error
	Snapshot(ctx context.Context, w io.Writer, overlay *kvsdb.Batch) error
	Restore(ctx context.Context, r io.Reader) error
	Reset(ctx context.Context) error
}

// Generation is a promoted, immutable build of the index.
type Generation struct {
	Seq       uint64
	UUID      string
	CreatedAt time.Time
	Graph     backend.Graph

	// retired maps offsets of Graph that a later promotion tombstoned or
	// repointed in the id store to the id they held when Graph was built.
	retired atomic.Pointer[map[uint32]string]
}

// Retired returns the id offset was mapped to in g after the id store
// stopped mapping it. Offsets are never reused, so the answer is stable.
func (g *Generation) Retired(offset uint32) (string, bool) {
	p := g.retired.Load()
	if p == nil {
		return "", false
	}
	id, ok := (*p)[offset]
	return id, ok
}

// retire records offs before the id store drops them. The caller holds sem.
func (g *Generation) retire(offs map[uint32]string) {
	if len(offs) == 0 {
		return
	}
	next := make(map[uint32]string, len(offs))
	if p := g.retired.Load(); p != nil {
		maps.Copy(next, *p)
	}
	maps.Copy(next, offs)
	g.retired.Store(&next)
}

// Info describes g as an active generation.
func (g *Generation) Info() model.IndexGeneration {
	return model.IndexGeneration{
		Seq:         g.Seq,
		UUID:        g.UUID,
		Status:      model.GenerationActive,
		CreatedAt:   g.CreatedAt,
		VectorCount: g.Graph.Len(),
	}
}

// Stats is a point-in-time view of the manager.
type Stats struct {
	Phase           Phase
	ActiveSeq       uint64
	ActiveUUID      string
	ActiveVectors   int
	ActiveCreatedAt time.Time

	Pending  int
	InFlight int

	IDs        int
	Tombstones int

	Builds            uint64
	Failures          uint64
	LastBuildDuration time.Duration
	LastSuccess       time.Time
	Broken            int
	// Unsaved reports an active generation that exists in memory only.
	Unsaved  bool
	ReadOnly bool
}

// Manager runs the index lifecycle: it drains the queue into the backend,
// persists generations and publishes the active one for readers.
type Manager struct {
	cfg     config.AgentIndexConfig
	queue   Queue
	kvs     IDStore
	backend backend.Backend

	store     blobstore.BlobStore // nil disables persistence
	manifests *manifest.Store

	logger   *slog.Logger
	metrics  MetricsObserver
	exporter Exporter
	rc       *resource.Controller
	now      func() time.Time
	newUUID  func() string
	keep     int

	initialDelay time.Duration

	// sem serializes attempts, saves, reloads and recovery.
	sem chan struct{}

	// Guarded by sem.
	man        *manifest.Manifest
	nextOffset uint32
	nextSeq    uint64
	activePath string
	prevPath   string
	lastCheck  time.Time

	active atomic.Pointer[Generation]
	phase  atomic.Uint32
	dirty  atomic.Bool

	stateMu     sync.RWMutex
	broken      []model.IndexGeneration
	brokenPaths map[uint64]string
	builds      uint64
	failures    uint64
	lastBuild   time.Duration
	lastSuccess time.Time
	startedAt   time.Time

	errs *errorRing

	recovered atomic.Bool
	started   atomic.Bool
	closed    atomic.Bool
	closeCh   chan struct{}
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New creates a manager. store may be nil, in which case nothing is persisted.
func New(cfg config.AgentIndexConfig, queue Queue, kvs IDStore, be backend.Backend, store blobstore.BlobStore, opts ...Option) (*Manager, error) {
	if queue == nil || kvs == nil || be == nil {
		return nil, fmt.Errorf("lifecycle: queue, id store and backend are required")
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	m := &Manager{
		cfg:         cfg,
		queue:       queue,
		kvs:         kvs,
		backend:     be,
		store:       store,
		logger:      o.logger,
		metrics:     o.metrics,
		exporter:    o.exporter,
		rc:          o.rc,
		now:         o.now,
		newUUID:     o.newUUID,
		keep:        o.keepVersions,
		sem:         make(chan struct{}, 1),
		nextSeq:     1,
		brokenPaths: make(map[uint64]string),
		errs:        newErrorRing(cfg.ErrorBufferLimit),
		closeCh:     make(chan struct{}),
	}
	if store != nil {
		m.manifests = manifest.NewStore(store)
	}

	switch {
	case o.delaySet:
		m.initialDelay = o.initialDelay
	case cfg.InitialDelayMaxDuration > 0:
		m.initialDelay = rand.N(cfg.InitialDelayMaxDuration)
	}

	now := m.now()
	m.startedAt = now
	m.lastCheck = now
	m.lastSuccess = now
	return m, nil
}

func (m *Manager) lock(ctx context.Context) error {
	select {
	case m.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) tryLock() bool {
	select {
	case m.sem <- struct{}{}:
		return true
	default:
		return false
	}
}

func (m *Manager) unlock() { <-m.sem }

func (m *Manager) setPhase(p Phase) { m.phase.Store(uint32(p)) }

// State returns the phase of the running attempt, PhaseIdle if none.
func (m *Manager) State() Phase { return Phase(m.phase.Load()) }

// Active returns the generation readers should query. It is nil before Recover.
func (m *Manager) Active() *Generation { return m.active.Load() }

// Broken returns the retained broken generations, oldest first.
func (m *Manager) Broken() []model.IndexGeneration {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return append([]model.IndexGeneration(nil), m.broken...)
}

// Errors returns the most recent build and persistence errors, oldest first.
func (m *Manager) Errors() []error { return m.errs.snapshot() }

// ReadOnly reports whether the manager serves a read replica.
func (m *Manager) ReadOnly() bool { return m.cfg.IsReadReplica }

// Stats returns a snapshot of the manager state.
func (m *Manager) Stats() Stats {
	s := Stats{
		Phase:      m.State(),
		Pending:    m.queue.Len(),
		InFlight:   m.queue.InFlight(),
		IDs:        m.kvs.Len(),
		Tombstones: m.kvs.TombstoneCount(),
		Unsaved:    m.dirty.Load(),
		ReadOnly:   m.cfg.IsReadReplica,
	}
	if g := m.active.Load(); g != nil {
		s.ActiveSeq = g.Seq
		s.ActiveUUID = g.UUID
		s.ActiveVectors = g.Graph.Len()
		s.ActiveCreatedAt = g.CreatedAt
	}

	m.stateMu.RLock()
	s.Builds = m.builds
	s.Failures = m.failures
	s.LastBuildDuration = m.lastBuild
	s.LastSuccess = m.lastSuccess
	s.Broken = len(m.broken)
	m.stateMu.RUnlock()
	return s
}

// Ready reports whether the active generation is fresh enough to serve.
// An index is stale when entries have been waiting and the last successful
// build is older than the configured maximum staleness.
func (m *Manager) Ready(now time.Time) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if !m.recovered.Load() {
		return ErrNotRecovered
	}
	max := m.cfg.MaxStaleness
	if max <= 0 {
		return nil
	}
	if m.queue.Len()+m.queue.InFlight() == 0 {
		return nil
	}

	m.stateMu.RLock()
	age := now.Sub(m.lastSuccess)
	m.stateMu.RUnlock()
	if age > max {
		return &StaleError{Age: age, Max: max}
	}
	return nil
}

// Start recovers the manager if needed and starts the background loops.
func (m *Manager) Start(ctx context.Context) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if !m.recovered.Load() {
		if err := m.Recover(ctx); err != nil {
			return err
		}
	}
	if !m.started.CompareAndSwap(false, true) {
		return nil
	}

	now := m.now()
	m.stateMu.Lock()
	m.startedAt = now
	m.stateMu.Unlock()

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = cancel

	if m.cfg.IsReadReplica {
		if d := m.cfg.AutoIndexCheckDuration; d > 0 && m.manifests != nil {
			m.goLoop(func() { m.runTicker(loopCtx, d, m.reloadTick) })
		}
	} else if d := m.tickInterval(); d > 0 {
		m.goLoop(func() { m.runTicker(loopCtx, d, m.indexTick) })
	}

	if m.cfg.EnableInMemoryMode && m.store != nil && !m.cfg.IsReadReplica && m.cfg.AutoSaveIndexDuration > 0 {
		m.goLoop(func() { m.runTicker(loopCtx, m.cfg.AutoSaveIndexDuration, m.saveTick) })
	}

	if (m.cfg.EnableStatistics || (m.cfg.EnableExportIndexInfo && m.exporter != nil)) && m.cfg.ExportIndexInfoDuration > 0 {
		m.goLoop(func() { m.runTicker(loopCtx, m.cfg.ExportIndexInfoDuration, m.reportTick) })
	}

	m.logger.Info("lifecycle started",
		"read_replica", m.cfg.IsReadReplica,
		"copy_on_write", m.cfg.EnableCopyOnWrite,
		"in_memory", m.cfg.EnableInMemoryMode,
		"initial_delay", m.initialDelay)
	return nil
}

// Stop stops the background loops, waits for a running attempt to finish and
// saves an unsaved active generation.
func (m *Manager) Stop(ctx context.Context) error {
	if !m.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	close(m.closeCh)
	if m.cancel != nil {
		m.cancel()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	// Wait for a forced attempt that is still running.
	if err := m.lock(ctx); err != nil {
		return err
	}
	defer m.unlock()

	if !m.cfg.IsReadReplica && m.store != nil && m.recovered.Load() {
		if err := m.save(ctx); err != nil {
			return fmt.Errorf("lifecycle: final save: %w", err)
		}
	}

	m.logger.Info("lifecycle stopped")
	return nil
}

func (m *Manager) tickInterval() time.Duration {
	d := m.cfg.AutoIndexCheckDuration
	if l := m.cfg.AutoIndexDurationLimit; l > 0 && (d <= 0 || l < d) {
		d = l
	}
	return d
}

func (m *Manager) goLoop(fn func()) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error("lifecycle loop panicked", "panic", r, "stack", string(debug.Stack()))
			}
		}()
		fn()
	}()
}

func (m *Manager) runTicker(ctx context.Context, d time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(d)
	defer ticker.Stop()
	for {
		select {
		case <-m.closeCh:
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func (m *Manager) indexTick(ctx context.Context) {
	m.metrics.OnQueueDepth("insert_delete", m.queue.Len())
	if _, err := m.MaybeIndex(ctx); err != nil {
		m.logger.Error("automatic index build failed", "error", err)
	}
}

func (m *Manager) reloadTick(ctx context.Context) {
	if _, err := m.Reload(ctx); err != nil {
		m.logger.Error("replica reload failed", "error", err)
	}
}

func (m *Manager) saveTick(ctx context.Context) {
	if err := m.Save(ctx); err != nil {
		m.logger.Error("automatic save failed", "error", err)
	}
}

func (m *Manager) reportTick(ctx context.Context) {
	stats := m.Stats()
	if m.cfg.EnableStatistics {
		m.metrics.OnStats(stats)
		m.logger.Info("index statistics",
			"active_seq", stats.ActiveSeq,
			"vectors", stats.ActiveVectors,
			"ids", stats.IDs,
			"tombstones", stats.Tombstones,
			"pending", stats.Pending,
			"broken", stats.Broken)
	}
	if m.cfg.EnableExportIndexInfo && m.exporter != nil {
		if err := m.exporter.ExportIndexInfo(ctx, stats); err != nil {
			m.logger.Warn("index info export failed", "error", err)
		}
	}
}

// MaybeIndex runs an attempt if the trigger policy says one is due:
// the check interval elapsed and enough entries are queued, or the last
// successful build is older than the duration limit. Nothing runs during the
// initial delay or while another attempt is in progress.
func (m *Manager) MaybeIndex(ctx context.Context) (bool, error) {
	if m.cfg.IsReadReplica {
		return false, ErrReadOnly
	}
	if m.closed.Load() {
		return false, ErrClosed
	}
	if !m.recovered.Load() {
		return false, ErrNotRecovered
	}

	now := m.now()
	m.stateMu.RLock()
	startedAt, lastSuccess := m.startedAt, m.lastSuccess
	m.stateMu.RUnlock()
	if now.Before(startedAt.Add(m.initialDelay)) {
		return false, nil
	}

	if !m.tryLock() {
		return false, nil
	}
	defer m.unlock()

	var (
		due    bool
		full   bool
		reason string
	)
	if d := m.cfg.AutoIndexCheckDuration; d > 0 && now.Sub(m.lastCheck) >= d {
		m.lastCheck = now
		if n := m.queue.Len(); n > 0 && n >= m.cfg.AutoIndexLength {
			due, reason = true, "queue length"
		}
	}
	if l := m.cfg.AutoIndexDurationLimit; l > 0 && now.Sub(lastSuccess) >= l {
		due, full, reason = true, true, "duration limit"
	}
	if !due {
		return false, nil
	}

	_, err := m.run(ctx, full, reason)
	return true, err
}

// ForceRebuild runs one attempt now, waiting for a running one to finish
// first. With full set the graph is rebuilt from every live mapping and
// tombstoned offsets are reclaimed.
func (m *Manager) ForceRebuild(ctx context.Context, full bool) (*Generation, error) {
	if m.cfg.IsReadReplica {
		return nil, ErrReadOnly
	}
	if m.closed.Load() {
		return nil, ErrClosed
	}
	if !m.recovered.Load() {
		return nil, ErrNotRecovered
	}
	if err := m.lock(ctx); err != nil {
		return nil, err
	}
	defer m.unlock()
	return m.run(ctx, full, "forced")
}

type errorRing struct {
	mu    sync.Mutex
	buf   []error
	limit int
}

func newErrorRing(limit int) *errorRing {
	return &errorRing{limit: limit}
}

func (r *errorRing) push(err error) {
	if r.limit <= 0 || err == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.buf) == r.limit {
		copy(r.buf, r.buf[1:])
		r.buf = r.buf[:r.limit-1]
	}
	r.buf = append(r.buf, err)
}

func (r *errorRing) snapshot() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.buf...)
}
