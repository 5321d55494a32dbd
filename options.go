package vecagent

import (
	"log/slog"
	"time"

	"github.com/hupe1980/vecagent/backend"
	"github.com/hupe1980/vecagent/blobstore"
)

type options struct {
	metricsCollector MetricsCollector
	logger           *Logger
	exporter         IndexInfoExporter
	backend          backend.Backend
	store            blobstore.BlobStore
	ioLimit          int64
	now              func() time.Time
	initialDelay     *time.Duration
}

// Option configures New.
type Option func(*options)

// WithMetricsCollector configures a metrics collector for handlers and the
// index lifecycle. Pass nil to disable metrics collection.
//
// Example with BasicMetricsCollector:
//
//	metrics := &vecagent.BasicMetricsCollector{}
//	agent, _ := vecagent.New(ctx, cfg, vecagent.WithMetricsCollector(metrics))
//	// ... use agent ...
//	stats := metrics.GetStats()
//	fmt.Printf("Inserts: %d, Avg latency: %dns\n", stats.InsertCount, stats.InsertAvgNanos)
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc == nil {
			mc = NoopMetricsCollector{}
		}
		o.metricsCollector = mc
	}
}

// WithLogger configures structured logging.
// Pass nil to disable logging.
//
// Example with JSON logging:
//
//	logger := vecagent.NewJSONLogger(slog.LevelInfo)
//	agent, _ := vecagent.New(ctx, cfg, vecagent.WithLogger(logger))
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = NoopLogger()
		}
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// WithIndexInfoExporter sets the collaborator that receives index info every
// export_index_info_duration when export is enabled. Defaults to LogExporter.
func WithIndexInfoExporter(e IndexInfoExporter) Option {
	return func(o *options) {
		o.exporter = e
	}
}

// WithBackend replaces the built-in exact-search backend.
// The backend must be created for the configured dimension and distance.
func WithBackend(b backend.Backend) Option {
	return func(o *options) {
		o.backend = b
	}
}

// WithBlobStore persists generations to s instead of the store selected by
// the storage section of the configuration.
func WithBlobStore(s blobstore.BlobStore) Option {
	return func(o *options) {
		o.store = s
	}
}

// WithIOLimit throttles generation saves and loads to bytesPerSec.
func WithIOLimit(bytesPerSec int64) Option {
	return func(o *options) {
		o.ioLimit = bytesPerSec
	}
}

// WithClock overrides the time source of the index lifecycle.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithInitialDelay replaces the random delay before the first automatic build.
func WithInitialDelay(d time.Duration) Option {
	return func(o *options) {
		o.initialDelay = &d
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		metricsCollector: NoopMetricsCollector{},
		logger:           NoopLogger(),
		now:              time.Now,
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	if o.exporter == nil {
		o.exporter = LogExporter{Logger: o.logger}
	}
	return o
}
