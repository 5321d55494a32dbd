package vecagent

import (
	"sync/atomic"
	"time"

	"github.com/hupe1980/vecagent/internal/lifecycle"
)

// IndexStats is a point-in-time view of the index lifecycle.
type IndexStats = lifecycle.Stats

// Phase is the step a build attempt is in.
type Phase = lifecycle.Phase

const (
	PhaseIdle      = lifecycle.PhaseIdle
	PhaseDraining  = lifecycle.PhaseDraining
	PhaseBuilding  = lifecycle.PhaseBuilding
	PhaseSaving    = lifecycle.PhaseSaving
	PhasePromoting = lifecycle.PhasePromoting
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems; see
// PrometheusMetrics for a client_golang implementation.
type MetricsCollector interface {
	// RecordInsert is called after each insert, upsert or update.
	// op names the verb, err is nil if the record was accepted.
	RecordInsert(op string, duration time.Duration, err error)

	// RecordRemove is called after each remove.
	RecordRemove(duration time.Duration, err error)

	// RecordSearch is called after each search.
	// k is the number of neighbors requested, results the number returned.
	RecordSearch(k, results int, duration time.Duration, err error)

	// RecordBatch is called after each multi request.
	// count is the number of items attempted, failed the number that failed.
	RecordBatch(op string, count, failed int, duration time.Duration)

	// OnBuild is called when an index build attempt finishes.
	OnBuild(duration time.Duration, added, removed int, full bool, err error)

	// OnSave is called when a generation was written to storage.
	OnSave(duration time.Duration, bytes int64, err error)

	// OnQueueDepth reports the number of pending queue entries.
	OnQueueDepth(name string, depth int)

	// OnStats is called with a periodic statistics snapshot when
	// enable_statistics is set.
	OnStats(stats IndexStats)
}

var _ lifecycle.MetricsObserver = MetricsCollector(nil)

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
// Use this when metrics collection is not needed.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordInsert(string, time.Duration, error)    {}
func (NoopMetricsCollector) RecordRemove(time.Duration, error)            {}
func (NoopMetricsCollector) RecordSearch(int, int, time.Duration, error)  {}
func (NoopMetricsCollector) RecordBatch(string, int, int, time.Duration)  {}
func (NoopMetricsCollector) OnBuild(time.Duration, int, int, bool, error) {}
func (NoopMetricsCollector) OnSave(time.Duration, int64, error)           {}
func (NoopMetricsCollector) OnQueueDepth(string, int)                     {}
func (NoopMetricsCollector) OnStats(IndexStats)                           {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and tests without external dependencies.
type BasicMetricsCollector struct {
	InsertCount      atomic.Int64
	InsertErrors     atomic.Int64
	InsertTotalNanos atomic.Int64
	RemoveCount      atomic.Int64
	RemoveErrors     atomic.Int64
	SearchCount      atomic.Int64
	SearchErrors     atomic.Int64
	SearchTotalNanos atomic.Int64
	BatchCount       atomic.Int64
	BatchItems       atomic.Int64
	BatchFailed      atomic.Int64
	BuildCount       atomic.Int64
	BuildErrors      atomic.Int64
	SaveCount        atomic.Int64
	SaveErrors       atomic.Int64
	SavedBytes       atomic.Int64
	QueueDepth       atomic.Int64

	last atomic.Pointer[IndexStats]
}

// RecordInsert implements MetricsCollector.
func (b *BasicMetricsCollector) RecordInsert(_ string, duration time.Duration, err error) {
	b.InsertCount.Add(1)
	b.InsertTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.InsertErrors.Add(1)
	}
}

// RecordRemove implements MetricsCollector.
func (b *BasicMetricsCollector) RecordRemove(_ time.Duration, err error) {
	b.RemoveCount.Add(1)
	if err != nil {
		b.RemoveErrors.Add(1)
	}
}

// RecordSearch implements MetricsCollector.
func (b *BasicMetricsCollector) RecordSearch(_, _ int, duration time.Duration, err error) {
	b.SearchCount.Add(1)
	b.SearchTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.SearchErrors.Add(1)
	}
}

// RecordBatch implements MetricsCollector.
func (b *BasicMetricsCollector) RecordBatch(_ string, count, failed int, _ time.Duration) {
	b.BatchCount.Add(1)
	b.BatchItems.Add(int64(count))
	b.BatchFailed.Add(int64(failed))
}

// OnBuild implements MetricsCollector.
func (b *BasicMetricsCollector) OnBuild(_ time.Duration, _, _ int, _ bool, err error) {
	b.BuildCount.Add(1)
	if err != nil {
		b.BuildErrors.Add(1)
	}
}

// OnSave implements MetricsCollector.
func (b *BasicMetricsCollector) OnSave(_ time.Duration, bytes int64, err error) {
	b.SaveCount.Add(1)
	if err != nil {
		b.SaveErrors.Add(1)
		return
	}
	b.SavedBytes.Add(bytes)
}

// OnQueueDepth implements MetricsCollector.
func (b *BasicMetricsCollector) OnQueueDepth(_ string, depth int) {
	b.QueueDepth.Store(int64(depth))
}

// OnStats implements MetricsCollector.
func (b *BasicMetricsCollector) OnStats(stats IndexStats) {
	b.last.Store(&stats)
}

// LastStats returns the most recent statistics snapshot, if any.
func (b *BasicMetricsCollector) LastStats() (IndexStats, bool) {
	s := b.last.Load()
	if s == nil {
		return IndexStats{}, false
	}
	return *s, true
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		InsertCount:    b.InsertCount.Load(),
		InsertErrors:   b.InsertErrors.Load(),
		InsertAvgNanos: avg(b.InsertTotalNanos.Load(), b.InsertCount.Load()),
		RemoveCount:    b.RemoveCount.Load(),
		RemoveErrors:   b.RemoveErrors.Load(),
		SearchCount:    b.SearchCount.Load(),
		SearchErrors:   b.SearchErrors.Load(),
		SearchAvgNanos: avg(b.SearchTotalNanos.Load(), b.SearchCount.Load()),
		BatchCount:     b.BatchCount.Load(),
		BatchItems:     b.BatchItems.Load(),
		BatchFailed:    b.BatchFailed.Load(),
		BuildCount:     b.BuildCount.Load(),
		BuildErrors:    b.BuildErrors.Load(),
		SaveCount:      b.SaveCount.Load(),
		SaveErrors:     b.SaveErrors.Load(),
		SavedBytes:     b.SavedBytes.Load(),
		QueueDepth:     b.QueueDepth.Load(),
	}
}

func avg(total, count int64) int64 {
	if count == 0 {
		return 0
	}
	return total / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	InsertCount    int64
	InsertErrors   int64
	InsertAvgNanos int64
	RemoveCount    int64
	RemoveErrors   int64
	SearchCount    int64
	SearchErrors   int64
	SearchAvgNanos int64
	BatchCount     int64
	BatchItems     int64
	BatchFailed    int64
	BuildCount     int64
	BuildErrors    int64
	SaveCount      int64
	SaveErrors     int64
	SavedBytes     int64
	QueueDepth     int64
}
