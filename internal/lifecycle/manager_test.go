package lifecycle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/vecagent/backend"
	"github.com/hupe1980/vecagent/backend/flat"
	"github.com/hupe1980/vecagent/blobstore"
	"github.com/hupe1980/vecagent/config"
	vfs "github.com/hupe1980/vecagent/internal/fs"
	"github.com/hupe1980/vecagent/internal/kvsdb"
	"github.com/hupe1980/vecagent/internal/manifest"
	"github.com/hupe1980/vecagent/internal/vqueue"
	"github.com/hupe1980/vecagent/model"
)

var errBoom = errors.New("backend exploded")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// faultyBackend wraps a real backend and fails or blocks on demand.
type faultyBackend struct {
	backend.Backend

	mu      sync.Mutex
	err     error
	block   chan struct{}
	extends int
}

func (b *faultyBackend) setErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.err = err
}

func (b *faultyBackend) state() (chan struct{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.block, b.err
}

func (b *faultyBackend) Extend(ctx context.Context, base backend.Graph, batch backend.Batch) (backend.Graph, error) {
	b.mu.Lock()
	b.extends++
	b.mu.Unlock()
	block, err := b.state()
	if block != nil {
		<-block
	}
	if err != nil {
		return nil, err
	}
	return b.Backend.Extend(ctx, base, batch)
}

func (b *faultyBackend) Rebuild(ctx context.Context, items []backend.Item) (backend.Graph, error) {
	block, err := b.state()
	if block != nil {
		<-block
	}
	if err != nil {
		return nil, err
	}
	return b.Backend.Rebuild(ctx, items)
}

func (b *faultyBackend) extendCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.extends
}

type harness struct {
	cfg   config.AgentIndexConfig
	queue *vqueue.Queue
	kvs   *kvsdb.DB
	be    *faultyBackend
	store blobstore.BlobStore
	clock *fakeClock
	m     *Manager
}

func testConfig() config.AgentIndexConfig {
	return config.AgentIndexConfig{
		Dimension:               2,
		DataType:                model.DataTypeFloat32,
		Distance:                model.DistanceL2,
		BulkInsertChunkSize:     2,
		InsertBufferPoolSize:    100,
		DeleteBufferPoolSize:    100,
		KVSDB:                   config.KVSDBConfig{Concurrency: 2, CacheCapacity: 16},
		BrokenIndexHistoryLimit: 2,
		ErrorBufferLimit:        2,
		EnableCopyOnWrite:       true,
		AutoIndexCheckDuration:  10 * time.Second,
		AutoIndexLength:         2,
		AutoIndexDurationLimit:  time.Hour,
	}
}

func newManager(t *testing.T, store blobstore.BlobStore, mutate func(*config.AgentIndexConfig), opts ...Option) *harness {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}

	kvs, err := kvsdb.Open(context.Background(), kvsdb.Config{
		CacheCapacity: cfg.KVSDB.CacheCapacity,
		Concurrency:   cfg.KVSDB.Concurrency,
		ReadOnly:      cfg.IsReadReplica,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = kvs.Close() })

	inner, err := flat.New(backend.Params{Dimension: cfg.Dimension, Distance: cfg.Distance})
	require.NoError(t, err)

	h := &harness{
		cfg:   cfg,
		queue: vqueue.New(cfg.InsertBufferPoolSize, cfg.DeleteBufferPoolSize),
		kvs:   kvs,
		be:    &faultyBackend{Backend: inner},
		store: store,
		clock: newFakeClock(),
	}
	opts = append([]Option{WithInitialDelay(0), WithClock(h.clock.Now)}, opts...)
	h.m, err = New(cfg, h.queue, kvs, h.be, store, opts...)
	require.NoError(t, err)
	return h
}

func newHarness(t *testing.T, store blobstore.BlobStore, mutate func(*config.AgentIndexConfig), opts ...Option) *harness {
	t.Helper()
	h := newManager(t, store, mutate, opts...)
	require.NoError(t, h.m.Recover(context.Background()))
	return h
}

func (h *harness) insert(t *testing.T, id string, vec ...float32) {
	t.Helper()
	require.NoError(t, h.queue.EnqueueInsert(model.VectorRecord{ID: id, Vector: vec}))
}

func (h *harness) remove(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, h.queue.EnqueueDelete(id, 0))
}

// nearest returns the id closest to vec in the active generation.
func (h *harness) nearest(t *testing.T, vec ...float32) (string, float32) {
	t.Helper()
	ctx := context.Background()
	res, err := h.m.Active().Graph.Query(ctx, vec, 1, -1, 0)
	require.NoError(t, err)
	require.NotEmpty(t, res)
	id, ok, err := h.kvs.ReverseLookup(ctx, res[0].Offset)
	require.NoError(t, err)
	require.True(t, ok)
	return id, res[0].Distance
}

func (h *harness) exists(t *testing.T, id string) bool {
	t.Helper()
	_, ok, err := h.kvs.Lookup(context.Background(), id)
	require.NoError(t, err)
	return ok
}

func TestForceRebuildPromotesGeneration(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	h := newHarness(t, store, nil)

	assert.Equal(t, uint64(0), h.m.Active().Seq)
	assert.Equal(t, 0, h.m.Active().Graph.Len())

	h.insert(t, "a", 0, 0)
	h.insert(t, "b", 5, 5)

	gen, err := h.m.ForceRebuild(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), gen.Seq)
	assert.NotEmpty(t, gen.UUID)
	assert.Same(t, gen, h.m.Active())
	assert.Equal(t, 2, gen.Graph.Len())
	assert.Equal(t, PhaseIdle, h.m.State())

	id, dist := h.nearest(t, 0, 0)
	assert.Equal(t, "a", id)
	assert.InDelta(t, 0, dist, 1e-6)

	assert.Zero(t, h.queue.Len())
	assert.Zero(t, h.queue.InFlight())

	names, err := store.List(ctx, "gen-000001/")
	require.NoError(t, err)
	assert.Equal(t, []string{"gen-000001/graph.bin", "gen-000001/kvs.bin"}, names)

	man, err := manifest.NewStore(store).Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), man.ActiveSeq)
	assert.Equal(t, gen.UUID, man.ActiveUUID)
	assert.Equal(t, "gen-000001/", man.ActivePath)
	assert.Equal(t, uint32(2), man.NextOffset)
	assert.Equal(t, 2, man.Dim)

	info := gen.Info()
	assert.Equal(t, model.GenerationActive, info.Status)
	assert.Equal(t, 2, info.VectorCount)
}

func TestForceRebuildWithEmptyQueueKeepsActive(t *testing.T) {
	h := newHarness(t, blobstore.NewMemoryStore(), nil)

	gen, err := h.m.ForceRebuild(context.Background(), false)
	require.NoError(t, err)
	assert.Same(t, h.m.Active(), gen)
	assert.Equal(t, uint64(0), gen.Seq)
}

func TestIncrementalBuildExtendsInChunks(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, blobstore.NewMemoryStore(), nil)

	h.insert(t, "a", 0, 0)
	_, err := h.m.ForceRebuild(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 0, h.be.extendCalls())

	h.insert(t, "b", 1, 1)
	h.insert(t, "c", 2, 2)
	h.insert(t, "d", 3, 3)
	gen, err := h.m.ForceRebuild(ctx, false)
	require.NoError(t, err)

	// Three vectors in chunks of two.
	assert.Equal(t, 2, h.be.extendCalls())
	assert.Equal(t, 4, gen.Graph.Len())
	for _, id := range []string{"a", "b", "c", "d"} {
		assert.True(t, h.exists(t, id), id)
	}
}

func TestOrderingLaw(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, blobstore.NewMemoryStore(), nil)

	h.insert(t, "x", 1, 1)
	h.remove(t, "x")
	h.insert(t, "y", 2, 2)

	gen, err := h.m.ForceRebuild(ctx, false)
	require.NoError(t, err)
	assert.False(t, h.exists(t, "x"))
	assert.True(t, h.exists(t, "y"))
	assert.Equal(t, 1, gen.Graph.Len())

	// Same law against an id that is already indexed.
	h.insert(t, "y", 9, 9)
	h.remove(t, "y")
	gen, err = h.m.ForceRebuild(ctx, false)
	require.NoError(t, err)
	assert.False(t, h.exists(t, "y"))
	assert.Equal(t, 0, gen.Graph.Len())
}

func TestUpsertRepointsAndFullRebuildReclaims(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, blobstore.NewMemoryStore(), nil)

	h.insert(t, "a", 0, 0)
	h.insert(t, "b", 4, 4)
	first, err := h.m.ForceRebuild(ctx, false)
	require.NoError(t, err)
	oldOff, _, err := h.kvs.Lookup(ctx, "a")
	require.NoError(t, err)

	h.insert(t, "a", 3, 3)
	gen, err := h.m.ForceRebuild(ctx, false)
	require.NoError(t, err)

	// Readers still holding the first generation resolve the old offset.
	id, ok := first.Retired(oldOff)
	require.True(t, ok)
	assert.Equal(t, "a", id)

	newOff, ok, err := h.kvs.Lookup(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEqual(t, oldOff, newOff)
	assert.True(t, h.kvs.Tombstones().Contains(oldOff))

	_, ok = gen.Graph.Vector(oldOff)
	assert.False(t, ok)
	v, ok := gen.Graph.Vector(newOff)
	require.True(t, ok)
	assert.Equal(t, []float32{3, 3}, v)
	assert.Equal(t, 2, gen.Graph.Len())

	gen, err = h.m.ForceRebuild(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), gen.Seq)
	assert.Zero(t, h.kvs.TombstoneCount())
	assert.Equal(t, 2, gen.Graph.Len())

	off, _, err := h.kvs.Lookup(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, newOff, off)
	id, _ = h.nearest(t, 4, 4)
	assert.Equal(t, "b", id)
}

func TestBrokenHistoryBound(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	h := newHarness(t, store, nil)

	h.insert(t, "a", 0, 0)
	good, err := h.m.ForceRebuild(ctx, false)
	require.NoError(t, err)

	h.be.setErr(errBoom)
	h.insert(t, "b", 1, 1)
	for i := 0; i < h.cfg.BrokenIndexHistoryLimit+1; i++ {
		_, err := h.m.ForceRebuild(ctx, false)
		require.Error(t, err)
		assert.ErrorIs(t, err, errBoom)

		var be *BuildError
		require.True(t, errors.As(err, &be))
		assert.Equal(t, PhaseBuilding, be.Phase)
	}

	broken := h.m.Broken()
	require.Len(t, broken, h.cfg.BrokenIndexHistoryLimit)
	assert.Equal(t, uint64(3), broken[0].Seq)
	assert.Equal(t, uint64(4), broken[1].Seq)
	for _, b := range broken {
		assert.Equal(t, model.GenerationBroken, b.Status)
		assert.Contains(t, b.Reason, errBoom.Error())
	}

	// The last known-good generation still serves and nothing was lost.
	assert.Same(t, good, h.m.Active())
	assert.Equal(t, 1, h.queue.Len())
	assert.Zero(t, h.queue.InFlight())
	assert.False(t, h.exists(t, "b"))
	assert.Len(t, h.m.Errors(), h.cfg.ErrorBufferLimit)
	assert.Equal(t, uint64(3), h.m.Stats().Failures)

	man, err := manifest.NewStore(store).Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), man.ActiveSeq)
	require.Len(t, man.Broken, 2)
	assert.Equal(t, uint64(4), man.Broken[1].Seq)

	h.be.setErr(nil)
	gen, err := h.m.ForceRebuild(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), gen.Seq)
	assert.True(t, h.exists(t, "b"))
}

func TestFailedSaveKeepsActiveAndEvictsBrokenFiles(t *testing.T) {
	ctx := context.Background()
	ffs := vfs.NewFaultyFS(nil)
	dir := t.TempDir()
	store := blobstore.NewLocalStore(dir, blobstore.WithFileSystem(ffs))
	h := newHarness(t, store, func(c *config.AgentIndexConfig) { c.BrokenIndexHistoryLimit = 1 })

	h.insert(t, "a", 0, 0)
	_, err := h.m.ForceRebuild(ctx, false)
	require.NoError(t, err)

	ffs.AddRule("kvs.bin", vfs.Fault{FailAfterBytes: 0})
	h.insert(t, "b", 1, 1)

	_, err = h.m.ForceRebuild(ctx, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, vfs.ErrInjected)
	var be *BuildError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, PhaseSaving, be.Phase)

	names, err := store.List(ctx, "gen-000002/")
	require.NoError(t, err)
	assert.Equal(t, []string{"gen-000002/graph.bin"}, names)

	_, err = h.m.ForceRebuild(ctx, false)
	require.Error(t, err)

	// Seq 2 fell out of the history and its files are gone.
	names, err = store.List(ctx, "gen-000002/")
	require.NoError(t, err)
	assert.Empty(t, names)
	names, err = store.List(ctx, "gen-000003/")
	require.NoError(t, err)
	assert.NotEmpty(t, names)

	assert.Equal(t, uint64(1), h.m.Active().Seq)
	assert.False(t, h.exists(t, "b"))

	// The active generation on disk is intact.
	restarted := newHarness(t, blobstore.NewLocalStore(dir), nil)
	assert.Equal(t, uint64(1), restarted.m.Active().Seq)
	assert.True(t, restarted.exists(t, "a"))
	assert.False(t, restarted.exists(t, "b"))
	require.Len(t, restarted.m.Broken(), 1)
	assert.Equal(t, uint64(3), restarted.m.Broken()[0].Seq)

	ffs.Reset()
	gen, err := h.m.ForceRebuild(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), gen.Seq)
	assert.True(t, h.exists(t, "b"))
}

func TestCopyOnWriteSafetyUnderConcurrentSearch(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, blobstore.NewMemoryStore(), nil)

	for i := 0; i < 50; i++ {
		h.insert(t, string(rune('A'+i)), float32(i), float32(i))
	}
	good, err := h.m.ForceRebuild(ctx, false)
	require.NoError(t, err)

	h.be.mu.Lock()
	h.be.err = errBoom
	h.be.block = make(chan struct{})
	block := h.be.block
	h.be.mu.Unlock()

	h.insert(t, "new", 100, 100)
	done := make(chan error, 1)
	go func() {
		_, err := h.m.ForceRebuild(ctx, false)
		done <- err
	}()

	require.Eventually(t, func() bool { return h.m.State() == PhaseBuilding }, time.Second, time.Millisecond)

	check := func() {
		g := h.m.Active()
		assert.Same(t, good, g)
		res, err := g.Graph.Query(ctx, []float32{7, 7}, 3, -1, 0)
		if !assert.NoError(t, err) || !assert.Len(t, res, 3) {
			return
		}
		assert.InDelta(t, 0, res[0].Distance, 1e-6)
		id, ok, err := h.kvs.ReverseLookup(ctx, res[0].Offset)
		assert.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, string(rune('A'+7)), id)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				check()
			}
		}()
	}
	wg.Wait()

	close(block)
	require.ErrorIs(t, <-done, errBoom)
	check()
	assert.Equal(t, 50, h.m.Active().Graph.Len())
}

// failingCurrentStore refuses to move CURRENT while fail is set.
type failingCurrentStore struct {
	blobstore.BlobStore
	fail atomic.Bool
}

var errCommit = errors.New("commit refused")

func (s *failingCurrentStore) Put(ctx context.Context, name string, data []byte) error {
	if name == manifest.CurrentFileName && s.fail.Load() {
		return errCommit
	}
	return s.BlobStore.Put(ctx, name, data)
}

// faultyIDStore applies every mapping of a batch but reports a failure
// while fail is set, leaving the store updated as far as it got.
type faultyIDStore struct {
	IDStore
	fail atomic.Bool
}

func (s *faultyIDStore) Apply(ctx context.Context, b kvsdb.Batch, chunk int) error {
	if !s.fail.Load() {
		return s.IDStore.Apply(ctx, b, chunk)
	}
	b.Purge = false
	if err := s.IDStore.Apply(ctx, b, chunk); err != nil {
		return err
	}
	return errBoom
}

// withIDStore replaces the manager of h with a recovered one using ids.
func (h *harness) withIDStore(t *testing.T, ids IDStore) {
	t.Helper()
	m, err := New(h.cfg, h.queue, ids, h.be, h.store, WithInitialDelay(0), WithClock(h.clock.Now))
	require.NoError(t, err)
	require.NoError(t, m.Recover(context.Background()))
	h.m = m
}

func TestFailedManifestCommitLeavesIDStoreUntouched(t *testing.T) {
	ctx := context.Background()
	store := &failingCurrentStore{BlobStore: blobstore.NewMemoryStore()}
	h := newHarness(t, store, nil)

	h.insert(t, "a", 0, 0)
	good, err := h.m.ForceRebuild(ctx, false)
	require.NoError(t, err)
	oldOff, _, err := h.kvs.Lookup(ctx, "a")
	require.NoError(t, err)

	store.fail.Store(true)
	h.insert(t, "a", 3, 3)
	_, err = h.m.ForceRebuild(ctx, false)
	require.ErrorIs(t, err, errCommit)
	var be *BuildError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, PhasePromoting, be.Phase)

	assert.Same(t, good, h.m.Active())
	off, ok, err := h.kvs.Lookup(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, oldOff, off)
	assert.Zero(t, h.kvs.TombstoneCount())
	id, dist := h.nearest(t, 0, 0)
	assert.Equal(t, "a", id)
	assert.Zero(t, dist)
	assert.Equal(t, 1, h.queue.Len())

	store.fail.Store(false)
	gen, err := h.m.ForceRebuild(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), gen.Seq)
	assert.Equal(t, 1, gen.Graph.Len())
	id, dist = h.nearest(t, 3, 3)
	assert.Equal(t, "a", id)
	assert.Zero(t, dist)
}

func TestIDStoreFailureAfterCommitRestoresSnapshot(t *testing.T) {
	ctx := context.Background()
	h := newManager(t, blobstore.NewMemoryStore(), nil)
	ids := &faultyIDStore{IDStore: h.kvs}
	h.withIDStore(t, ids)

	h.insert(t, "a", 0, 0)
	h.insert(t, "b", 4, 4)
	_, err := h.m.ForceRebuild(ctx, false)
	require.NoError(t, err)

	ids.fail.Store(true)
	h.insert(t, "a", 3, 3)
	h.remove(t, "b")
	gen, err := h.m.ForceRebuild(ctx, false)
	require.NoError(t, err)

	// CURRENT already named the new generation, so it is promoted with the
	// id store restored from its snapshot.
	assert.Same(t, gen, h.m.Active())
	assert.Equal(t, uint64(2), gen.Seq)
	assert.Equal(t, 1, gen.Graph.Len())
	assert.False(t, h.exists(t, "b"))
	id, dist := h.nearest(t, 3, 3)
	assert.Equal(t, "a", id)
	assert.Zero(t, dist)
	assert.Zero(t, h.queue.Len())
	assert.Zero(t, h.queue.InFlight())
	assert.Empty(t, h.m.Broken())
}

func TestPartialIDStoreUpdateKeepsActiveResolvable(t *testing.T) {
	ctx := context.Background()
	h := newManager(t, nil, func(c *config.AgentIndexConfig) { c.EnableInMemoryMode = true })
	ids := &faultyIDStore{IDStore: h.kvs}
	h.withIDStore(t, ids)

	h.insert(t, "a", 0, 0)
	good, err := h.m.ForceRebuild(ctx, false)
	require.NoError(t, err)
	oldOff, _, err := h.kvs.Lookup(ctx, "a")
	require.NoError(t, err)

	ids.fail.Store(true)
	h.insert(t, "a", 3, 3)
	_, err = h.m.ForceRebuild(ctx, false)
	require.ErrorIs(t, err, errBoom)
	var be *BuildError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, PhasePromoting, be.Phase)

	// The id store moved on, the active generation still resolves its hit.
	assert.Same(t, good, h.m.Active())
	_, ok, err := h.kvs.ReverseLookup(ctx, oldOff)
	require.NoError(t, err)
	assert.False(t, ok)
	id, ok := good.Retired(oldOff)
	require.True(t, ok)
	assert.Equal(t, "a", id)
	assert.Equal(t, 1, h.queue.Len())

	ids.fail.Store(false)
	gen, err := h.m.ForceRebuild(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, gen.Graph.Len())
	id, dist := h.nearest(t, 3, 3)
	assert.Equal(t, "a", id)
	assert.Zero(t, dist)
}

func TestRecoverRestoresActiveGeneration(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	h := newHarness(t, store, nil)

	h.insert(t, "a", 0, 0)
	h.insert(t, "b", 1, 1)
	_, err := h.m.ForceRebuild(ctx, false)
	require.NoError(t, err)
	h.remove(t, "a")
	_, err = h.m.ForceRebuild(ctx, false)
	require.NoError(t, err)

	r := newHarness(t, store, nil)
	gen := r.m.Active()
	assert.Equal(t, uint64(2), gen.Seq)
	assert.Equal(t, 1, gen.Graph.Len())
	assert.True(t, r.exists(t, "b"))
	assert.False(t, r.exists(t, "a"))

	// Offsets and sequence numbers continue where the writer stopped.
	r.insert(t, "c", 2, 2)
	gen, err = r.m.ForceRebuild(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), gen.Seq)
	off, _, err := r.kvs.Lookup(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, uint32(2), off)
}

func TestRecoverFallsBackToOlderGeneration(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	h := newHarness(t, store, nil)

	h.insert(t, "a", 0, 0)
	_, err := h.m.ForceRebuild(ctx, false)
	require.NoError(t, err)
	h.insert(t, "b", 1, 1)
	_, err = h.m.ForceRebuild(ctx, false)
	require.NoError(t, err)

	require.NoError(t, store.Put(ctx, "gen-000002/graph.bin", []byte("garbage")))

	r := newHarness(t, store, nil)
	assert.Equal(t, uint64(1), r.m.Active().Seq)
	assert.True(t, r.exists(t, "a"))
	assert.False(t, r.exists(t, "b"))

	broken := r.m.Broken()
	require.Len(t, broken, 1)
	assert.Equal(t, uint64(2), broken[0].Seq)
	assert.Contains(t, broken[0].Reason, "recover")
	assert.Len(t, r.m.Errors(), 1)

	man, err := manifest.NewStore(store).Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), man.ActiveSeq)
}

func TestRecoverRejectsIncompatibleGeneration(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	h := newHarness(t, store, nil)
	h.insert(t, "a", 0, 0)
	_, err := h.m.ForceRebuild(ctx, false)
	require.NoError(t, err)

	r := newManager(t, store, func(c *config.AgentIndexConfig) { c.Dimension = 3 })
	assert.ErrorIs(t, r.m.Recover(ctx), ErrIncompatible)
	_, err = r.m.ForceRebuild(ctx, false)
	assert.ErrorIs(t, err, ErrNotRecovered)
}

func TestRecoverResetsOrphanedMappings(t *testing.T) {
	ctx := context.Background()
	h := newManager(t, blobstore.NewMemoryStore(), nil)
	require.NoError(t, h.kvs.Put(ctx, "orphan", 0, 0))

	require.NoError(t, h.m.Recover(ctx))
	assert.False(t, h.exists(t, "orphan"))
}

func TestDimensionDriftIsRejected(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, blobstore.NewMemoryStore(), nil)

	h.insert(t, "ok", 1, 1)
	h.insert(t, "bad", 1, 2, 3)

	_, err := h.m.ForceRebuild(ctx, false)
	require.ErrorIs(t, err, ErrRejected)
	require.Len(t, h.m.Broken(), 1)

	assert.Equal(t, 1, h.queue.Len())
	_, pending := h.queue.PendingInsert("bad")
	assert.False(t, pending)
	_, pending = h.queue.PendingInsert("ok")
	assert.True(t, pending)

	gen, err := h.m.ForceRebuild(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, gen.Graph.Len())
	assert.True(t, h.exists(t, "ok"))
}

func TestMaybeIndexTriggerPolicy(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, blobstore.NewMemoryStore(), nil, WithInitialDelay(time.Minute))

	h.insert(t, "a", 0, 0)
	h.insert(t, "b", 1, 1)

	ran, err := h.m.MaybeIndex(ctx)
	require.NoError(t, err)
	assert.False(t, ran, "initial delay")

	h.clock.Advance(time.Minute)
	ran, err = h.m.MaybeIndex(ctx)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, uint64(1), h.m.Active().Seq)

	h.insert(t, "c", 2, 2)
	h.clock.Advance(10 * time.Second)
	ran, err = h.m.MaybeIndex(ctx)
	require.NoError(t, err)
	assert.False(t, ran, "below auto_index_length")

	h.clock.Advance(5 * time.Second)
	ran, err = h.m.MaybeIndex(ctx)
	require.NoError(t, err)
	assert.False(t, ran)

	h.clock.Advance(time.Hour)
	ran, err = h.m.MaybeIndex(ctx)
	require.NoError(t, err)
	assert.True(t, ran, "duration limit")
	assert.Equal(t, uint64(2), h.m.Active().Seq)
	assert.True(t, h.exists(t, "c"))
}

func TestReady(t *testing.T) {
	ctx := context.Background()
	h := newManager(t, blobstore.NewMemoryStore(), func(c *config.AgentIndexConfig) { c.MaxStaleness = time.Minute })
	assert.ErrorIs(t, h.m.Ready(h.clock.Now()), ErrNotRecovered)
	require.NoError(t, h.m.Recover(ctx))

	assert.NoError(t, h.m.Ready(h.clock.Now().Add(time.Hour)), "nothing pending")

	h.insert(t, "a", 0, 0)
	h.clock.Advance(2 * time.Minute)
	err := h.m.Ready(h.clock.Now())
	require.ErrorIs(t, err, ErrStale)
	var se *StaleError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, 2*time.Minute, se.Age)

	_, err = h.m.ForceRebuild(ctx, false)
	require.NoError(t, err)
	assert.NoError(t, h.m.Ready(h.clock.Now()))
}

func TestReadReplicaReload(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	w := newHarness(t, store, nil)
	w.insert(t, "a", 0, 0)
	_, err := w.m.ForceRebuild(ctx, false)
	require.NoError(t, err)

	r := newHarness(t, store, func(c *config.AgentIndexConfig) { c.IsReadReplica = true })
	assert.Equal(t, uint64(1), r.m.Active().Seq)
	assert.True(t, r.exists(t, "a"))

	_, err = r.m.ForceRebuild(ctx, false)
	assert.ErrorIs(t, err, ErrReadOnly)
	_, err = r.m.MaybeIndex(ctx)
	assert.ErrorIs(t, err, ErrReadOnly)
	assert.ErrorIs(t, r.m.Save(ctx), ErrReadOnly)

	w.insert(t, "b", 1, 1)
	_, err = w.m.ForceRebuild(ctx, false)
	require.NoError(t, err)

	changed, err := r.m.Reload(ctx)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, uint64(2), r.m.Active().Seq)
	assert.True(t, r.exists(t, "b"))

	changed, err = r.m.Reload(ctx)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestInMemoryModeDefersPersistence(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	h := newHarness(t, store, func(c *config.AgentIndexConfig) { c.EnableInMemoryMode = true })

	h.insert(t, "a", 0, 0)
	_, err := h.m.ForceRebuild(ctx, false)
	require.NoError(t, err)

	names, err := store.List(ctx, "gen-")
	require.NoError(t, err)
	assert.Empty(t, names)
	assert.True(t, h.m.Stats().Unsaved)

	require.NoError(t, h.m.Save(ctx))
	assert.False(t, h.m.Stats().Unsaved)
	names, err = store.List(ctx, "gen-000001/")
	require.NoError(t, err)
	assert.Len(t, names, 2)

	ms := manifest.NewStore(store)
	versions, err := ms.ListVersions(ctx)
	require.NoError(t, err)
	require.NoError(t, h.m.Save(ctx))
	again, err := ms.ListVersions(ctx)
	require.NoError(t, err)
	assert.Equal(t, versions, again)

	h.insert(t, "b", 1, 1)
	_, err = h.m.ForceRebuild(ctx, false)
	require.NoError(t, err)
	require.NoError(t, h.m.Stop(ctx))

	r := newHarness(t, store, nil)
	assert.Equal(t, uint64(2), r.m.Active().Seq)
	assert.True(t, r.exists(t, "b"))
}

func TestInPlaceModeOverwritesLive(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	h := newHarness(t, store, func(c *config.AgentIndexConfig) { c.EnableCopyOnWrite = false })

	h.insert(t, "a", 0, 0)
	_, err := h.m.ForceRebuild(ctx, false)
	require.NoError(t, err)
	h.insert(t, "b", 1, 1)
	_, err = h.m.ForceRebuild(ctx, false)
	require.NoError(t, err)

	names, err := store.List(ctx, "gen-")
	require.NoError(t, err)
	assert.Empty(t, names)
	names, err = store.List(ctx, "live/")
	require.NoError(t, err)
	assert.Equal(t, []string{"live/graph.bin", "live/kvs.bin"}, names)

	r := newHarness(t, store, func(c *config.AgentIndexConfig) { c.EnableCopyOnWrite = false })
	assert.Equal(t, uint64(2), r.m.Active().Seq)
	assert.Equal(t, 2, r.m.Active().Graph.Len())
}

func TestWithoutStorage(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, func(c *config.AgentIndexConfig) { c.EnableInMemoryMode = true })

	h.insert(t, "a", 0, 0)
	gen, err := h.m.ForceRebuild(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, gen.Graph.Len())
	assert.False(t, h.m.Stats().Unsaved)
	assert.NoError(t, h.m.Save(ctx))
	_, err = h.m.Reload(ctx)
	assert.NoError(t, err)
}

type recordingExporter struct {
	calls atomic.Int64
}

func (e *recordingExporter) ExportIndexInfo(context.Context, Stats) error {
	e.calls.Add(1)
	return nil
}

func TestStartRunsBackgroundLoops(t *testing.T) {
	ctx := context.Background()
	exp := &recordingExporter{}
	h := newManager(t, blobstore.NewMemoryStore(), func(c *config.AgentIndexConfig) {
		c.AutoIndexCheckDuration = 5 * time.Millisecond
		c.AutoIndexLength = 1
		c.AutoIndexDurationLimit = 0
		c.EnableExportIndexInfo = true
		c.ExportIndexInfoDuration = 5 * time.Millisecond
	}, WithClock(time.Now), WithExporter(exp))

	require.NoError(t, h.m.Start(ctx))
	h.insert(t, "a", 0, 0)

	require.Eventually(t, func() bool { return h.m.Active().Seq == 1 }, 5*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return exp.calls.Load() > 0 }, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, h.m.Stop(ctx))
	assert.ErrorIs(t, h.m.Stop(ctx), ErrClosed)
	_, err := h.m.ForceRebuild(ctx, false)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, h.m.Ready(time.Now()), ErrClosed)
}

func TestErrorRing(t *testing.T) {
	r := newErrorRing(2)
	e1, e2, e3 := errors.New("1"), errors.New("2"), errors.New("3")
	r.push(e1)
	r.push(e2)
	r.push(e3)
	assert.Equal(t, []error{e2, e3}, r.snapshot())

	off := newErrorRing(0)
	off.push(e1)
	assert.Empty(t, off.snapshot())
}
