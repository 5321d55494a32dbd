package lifecycle

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/vecagent/internal/resource"
)

// Option configures a Manager.
type Option func(*options)

type options struct {
	logger       *slog.Logger
	metrics      MetricsObserver
	exporter     Exporter
	rc           *resource.Controller
	now          func() time.Time
	initialDelay time.Duration
	delaySet     bool
	newUUID      func() string
	keepVersions int
}

func defaultOptions() options {
	return options{
		logger:       slog.New(slog.DiscardHandler),
		metrics:      NoopMetricsObserver{},
		now:          time.Now,
		newUUID:      uuid.NewString,
		keepVersions: 8,
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetricsObserver sets the observer notified about builds and saves.
func WithMetricsObserver(m MetricsObserver) Option {
	return func(o *options) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithExporter sets the collaborator that receives periodic index info.
func WithExporter(e Exporter) Option {
	return func(o *options) {
		o.exporter = e
	}
}

// WithResourceController throttles persistence IO.
func WithResourceController(rc *resource.Controller) Option {
	return func(o *options) {
		o.rc = rc
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithInitialDelay replaces the random initial delay.
func WithInitialDelay(d time.Duration) Option {
	return func(o *options) {
		o.initialDelay = d
		o.delaySet = true
	}
}

// WithUUIDGenerator overrides how generation identifiers are created.
func WithUUIDGenerator(fn func() string) Option {
	return func(o *options) {
		if fn != nil {
			o.newUUID = fn
		}
	}
}

// WithRetainedManifests sets how many manifest versions are kept.
func WithRetainedManifests(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.keepVersions = n
		}
	}
}
