package lifecycle

import (
	"context"
	"time"
)

// MetricsObserver observes lifecycle events.
type MetricsObserver interface {
	// OnBuild is called when a build attempt finishes.
	OnBuild(duration time.Duration, added, removed int, full bool, err error)

	// OnSave is called when a generation was written to storage.
	OnSave(duration time.Duration, bytes int64, err error)

	// OnQueueDepth reports the number of pending queue entries.
	OnQueueDepth(name string, depth int)

	// OnStats is called with a periodic statistics snapshot.
	OnStats(stats Stats)
}

// NoopMetricsObserver is a no-op implementation of MetricsObserver.
type NoopMetricsObserver struct{}

func (NoopMetricsObserver) OnBuild(time.Duration, int, int, bool, error) {}
func (NoopMetricsObserver) OnSave(time.Duration, int64, error)           {}
func (NoopMetricsObserver) OnQueueDepth(string, int)                     {}
func (NoopMetricsObserver) OnStats(Stats)                                {}

// Exporter publishes index information to an external system.
type Exporter interface {
	ExportIndexInfo(ctx context.Context, stats Stats) error
}
