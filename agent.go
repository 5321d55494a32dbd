package vecagent

import (
	"context"
	"errors"
	"fmt"
	"hash/maphash"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/vecagent/backend"
	"github.com/hupe1980/vecagent/backend/flat"
	"github.com/hupe1980/vecagent/blobstore"
	"github.com/hupe1980/vecagent/config"
	"github.com/hupe1980/vecagent/internal/kvsdb"
	"github.com/hupe1980/vecagent/internal/lifecycle"
	"github.com/hupe1980/vecagent/internal/resource"
	"github.com/hupe1980/vecagent/internal/vqueue"
	"github.com/hupe1980/vecagent/model"
)

const idLockStripes = 64

// Agent serves one mutable index: it accepts mutations into the ingestion
// queue, answers reads from the active generation and runs the background
// index lifecycle.
type Agent struct {
	cfg config.AgentIndexConfig

	queue   *vqueue.Queue
	kvs     *kvsdb.DB
	backend backend.Backend
	store   blobstore.BlobStore
	release func() error
	lc      *lifecycle.Manager
	rc      *resource.Controller

	// idLocks serialize the existence check and enqueue of one id.
	seed    maphash.Seed
	idLocks [idLockStripes]sync.Mutex

	metrics MetricsCollector
	logger  *Logger
	now     func() time.Time

	closed atomic.Bool
}

// New opens the index described by cfg, recovers the last persisted
// generation and starts the background lifecycle. cfg must come from
// config.Bind or config.Load.
func New(ctx context.Context, cfg config.AgentIndexConfig, optFns ...Option) (*Agent, error) {
	o := applyOptions(optFns)
	logger := o.logger

	be := o.backend
	if be == nil {
		b, err := flat.New(backend.Params{
			Dimension:            cfg.Dimension,
			Distance:             cfg.Distance,
			DataType:             cfg.InternalDataType,
			NumberOfSubvectors:   cfg.Backend.NumberOfSubvectors,
			NumberOfCentroids:    cfg.Backend.NumberOfCentroids,
			ClusteringIterations: cfg.Backend.ClusteringIterations,
			Options:              cfg.Backend.Options,
		},
			flat.WithLogger(logger.WithComponent("backend").Logger),
			flat.WithCompressionFactor(cfg.KVSDB.CompressionFactor),
		)
		if err != nil {
			return nil, err
		}
		be = b
	}

	store, release := o.store, func() error { return nil }
	if store == nil {
		s, r, err := openStorage(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
		store, release = s, r
	}

	kvs, err := kvsdb.Open(ctx, kvsdb.Config{
		Path:              kvsdbPath(cfg),
		Concurrency:       cfg.KVSDB.Concurrency,
		CacheCapacity:     cfg.KVSDB.CacheCapacity,
		CompressionFactor: cfg.KVSDB.CompressionFactor,
		UseCompression:    cfg.KVSDB.UseCompression,
		ReadOnly:          cfg.IsReadReplica,
	}, kvsdb.WithLogger(logger.WithComponent("kvsdb").Logger))
	if err != nil {
		_ = release()
		return nil, fmt.Errorf("open kvsdb: %w", err)
	}

	queue := vqueue.New(cfg.InsertBufferPoolSize, cfg.DeleteBufferPoolSize, vqueue.WithClock(o.now))
	rc := resource.NewController(resource.Config{
		PoolSize:           int64(cfg.PoolSize),
		IOLimitBytesPerSec: o.ioLimit,
	})

	lcOpts := []lifecycle.Option{
		lifecycle.WithLogger(logger.WithComponent("lifecycle").Logger),
		lifecycle.WithMetricsObserver(o.metricsCollector),
		lifecycle.WithExporter(o.exporter),
		lifecycle.WithResourceController(rc),
		lifecycle.WithClock(o.now),
	}
	if o.initialDelay != nil {
		lcOpts = append(lcOpts, lifecycle.WithInitialDelay(*o.initialDelay))
	}
	lc, err := lifecycle.New(cfg, queue, kvs, be, store, lcOpts...)
	if err != nil {
		_ = kvs.Close()
		_ = release()
		return nil, err
	}

	a := &Agent{
		cfg:     cfg,
		queue:   queue,
		kvs:     kvs,
		backend: be,
		store:   store,
		release: release,
		lc:      lc,
		rc:      rc,
		seed:    maphash.MakeSeed(),
		metrics: o.metricsCollector,
		logger:  logger,
		now:     o.now,
	}

	err = lc.Start(ctx)
	active := lc.Active()
	if err != nil {
		a.logger.LogRecovery(ctx, 0, 0, 0, err)
		_ = kvs.Close()
		_ = release()
		return nil, fmt.Errorf("start index lifecycle: %w", err)
	}
	a.logger.LogRecovery(ctx, active.Seq, active.Graph.Len(), kvs.Len(), nil)
	return a, nil
}

// Config returns the configuration the agent was created with.
func (a *Agent) Config() config.AgentIndexConfig { return a.cfg }

// Close stops the lifecycle, saves an unsaved active generation and releases
// the id store and storage lock.
func (a *Agent) Close(ctx context.Context) error {
	if !a.closed.CompareAndSwap(false, true) {
		return nil
	}
	var errs []error
	if err := a.lc.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.kvs.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close kvsdb: %w", err))
	}
	if err := a.release(); err != nil {
		errs = append(errs, fmt.Errorf("release storage: %w", err))
	}
	return errors.Join(errs...)
}

// begin admits a request: it checks the agent state and takes one of the
// pool_size request slots.
func (a *Agent) begin(ctx context.Context, write bool) (func(), error) {
	if a.closed.Load() {
		return nil, ErrClosed
	}
	if write && a.cfg.IsReadReplica {
		return nil, ErrReadOnly
	}
	if err := ctx.Err(); err != nil {
		return nil, translateError(err)
	}
	if err := a.rc.Acquire(ctx); err != nil {
		return nil, translateError(err)
	}
	return a.rc.Release, nil
}

func (a *Agent) lockID(id string) func() {
	mu := &a.idLocks[maphash.String(a.seed, id)%idLockStripes]
	mu.Lock()
	return mu.Unlock
}

// CreateIndex folds the queued mutations into a new generation now.
func (a *Agent) CreateIndex(ctx context.Context) (model.IndexGeneration, error) {
	return a.createIndex(ctx, false, false)
}

// RebuildIndex rebuilds the graph from every live mapping and reclaims the
// offsets of removed ids.
func (a *Agent) RebuildIndex(ctx context.Context) (model.IndexGeneration, error) {
	return a.createIndex(ctx, true, false)
}

// CreateAndSaveIndex runs CreateIndex and persists the result, also when
// enable_in_memory_mode defers persistence otherwise.
func (a *Agent) CreateAndSaveIndex(ctx context.Context) (model.IndexGeneration, error) {
	return a.createIndex(ctx, false, true)
}

func (a *Agent) createIndex(ctx context.Context, full, save bool) (model.IndexGeneration, error) {
	done, err := a.begin(ctx, true)
	if err != nil {
		return model.IndexGeneration{}, err
	}
	defer done()

	start := a.now()
	var gen *lifecycle.Generation
	if save {
		gen, err = a.lc.CreateAndSave(ctx, full)
	} else {
		gen, err = a.lc.ForceRebuild(ctx, full)
	}
	err = translateError(err)
	if err != nil {
		a.logger.LogBuild(ctx, 0, 0, a.now().Sub(start), err)
		return model.IndexGeneration{}, err
	}
	a.logger.LogBuild(ctx, gen.Seq, gen.Graph.Len(), a.now().Sub(start), nil)
	return gen.Info(), nil
}

// SaveIndex persists an active generation that exists in memory only.
func (a *Agent) SaveIndex(ctx context.Context) error {
	done, err := a.begin(ctx, true)
	if err != nil {
		return err
	}
	defer done()

	start := a.now()
	err = translateError(a.lc.Save(ctx))
	a.logger.LogSave(ctx, a.now().Sub(start), err)
	return err
}

// Reload switches a read replica to the generation most recently persisted
// by the writer. It reports whether the active generation changed.
func (a *Agent) Reload(ctx context.Context) (bool, error) {
	done, err := a.begin(ctx, false)
	if err != nil {
		return false, err
	}
	defer done()

	changed, err := a.lc.Reload(ctx)
	return changed, translateError(err)
}

// Ready reports whether the agent can serve requests with an index that is
// not older than readiness.max_staleness while mutations are waiting.
func (a *Agent) Ready() error {
	if a.closed.Load() {
		return ErrClosed
	}
	return a.lc.Ready(a.now())
}

// IndexInfo summarizes the index state.
type IndexInfo struct {
	// Stored is the number of vectors in the active generation.
	Stored int
	// Uncommitted counts accepted mutations not yet in the active generation.
	Uncommitted int
	Indexing    bool
	Saving      bool
	Phase       Phase
	Active      model.IndexGeneration
	IDs         int
	Tombstones  int
	LastSuccess time.Time
	// Unsaved reports an active generation that exists in memory only.
	Unsaved  bool
	ReadOnly bool
}

// IDStoreStats describes the bidirectional id store.
type IDStoreStats struct {
	Live           int
	Tombstones     int
	CachedIDs      int
	CachedOffsets  int
	Hits           int64
	Misses         int64
	ColdRewrites   int64
	Decompressions int64
	Compression    string
}

// IndexDetail extends IndexInfo with build history and diagnostics.
type IndexDetail struct {
	IndexInfo

	Builds            uint64
	Failures          uint64
	LastBuildDuration time.Duration
	// Broken holds the retained broken generations, oldest first.
	Broken []model.IndexGeneration
	// Errors holds the most recent build and persistence errors, oldest first.
	Errors  []string
	IDStore IDStoreStats
	// InFlightRequests is the number of requests holding a pool slot.
	InFlightRequests int64
}

// IndexInfo returns a summary of the index state.
func (a *Agent) IndexInfo() IndexInfo {
	return a.indexInfo(a.lc.Stats())
}

func (a *Agent) indexInfo(s IndexStats) IndexInfo {
	info := IndexInfo{
		Stored:      s.ActiveVectors,
		Uncommitted: s.Pending + s.InFlight,
		Indexing:    s.Phase == PhaseDraining || s.Phase == PhaseBuilding || s.Phase == PhasePromoting,
		Saving:      s.Phase == PhaseSaving,
		Phase:       s.Phase,
		IDs:         s.IDs,
		Tombstones:  s.Tombstones,
		LastSuccess: s.LastSuccess,
		Unsaved:     s.Unsaved,
		ReadOnly:    s.ReadOnly,
	}
	if g := a.lc.Active(); g != nil {
		info.Active = g.Info()
	}
	return info
}

// IndexDetail returns the index state with build history and diagnostics.
func (a *Agent) IndexDetail() IndexDetail {
	s := a.lc.Stats()
	ks := a.kvs.Stats()
	d := IndexDetail{
		IndexInfo:         a.indexInfo(s),
		Builds:            s.Builds,
		Failures:          s.Failures,
		LastBuildDuration: s.LastBuildDuration,
		Broken:            a.lc.Broken(),
		IDStore: IDStoreStats{
			Live:           ks.Live,
			Tombstones:     ks.Tombstones,
			CachedIDs:      ks.CachedIDs,
			CachedOffsets:  ks.CachedOffsets,
			Hits:           ks.Hits,
			Misses:         ks.Misses,
			ColdRewrites:   ks.ColdRewrites,
			Decompressions: ks.Decompressions,
			Compression:    ks.CompressionType.String(),
		},
		InFlightRequests: a.rc.InFlight(),
	}
	for _, err := range a.lc.Errors() {
		d.Errors = append(d.Errors, err.Error())
	}
	return d
}
