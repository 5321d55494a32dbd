package vecagent

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetrics implements MetricsCollector on client_golang.
type PrometheusMetrics struct {
	opLatency   *prometheus.HistogramVec
	batchItems  *prometheus.CounterVec
	builds      *prometheus.CounterVec
	buildTime   prometheus.Histogram
	buildDelta  *prometheus.CounterVec
	saves       *prometheus.CounterVec
	savedBytes  prometheus.Counter
	queueDepth  *prometheus.GaugeVec
	vectors     prometheus.Gauge
	ids         prometheus.Gauge
	tombstones  prometheus.Gauge
	activeSeq   prometheus.Gauge
	broken      prometheus.Gauge
	lastSuccess prometheus.Gauge
}

// NewPrometheusMetrics creates the collectors and registers them with reg.
// A nil reg uses prometheus.DefaultRegisterer.
func NewPrometheusMetrics(reg prometheus.Registerer) (*PrometheusMetrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	p := &PrometheusMetrics{
		opLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vecagent_operation_latency_seconds",
			Help:    "Latency of request handlers",
			Buckets: prometheus.DefBuckets,
		}, []string{"op", "status"}),
		batchItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vecagent_batch_items_total",
			Help: "Items processed by multi requests",
		}, []string{"op", "status"}),
		builds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vecagent_index_builds_total",
			Help: "Index build attempts",
		}, []string{"kind", "status"}),
		buildTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "vecagent_index_build_duration_seconds",
			Help:    "Duration of index build attempts",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		}),
		buildDelta: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vecagent_index_build_vectors_total",
			Help: "Vectors added to or removed from the graph by successful builds",
		}, []string{"change"}),
		saves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vecagent_index_saves_total",
			Help: "Generation saves",
		}, []string{"status"}),
		savedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vecagent_index_saved_bytes_total",
			Help: "Bytes written by generation saves",
		}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vecagent_queue_depth",
			Help: "Pending entries of the ingestion queue",
		}, []string{"queue"}),
		vectors: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vecagent_index_vectors",
			Help: "Vectors in the active generation",
		}),
		ids: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vecagent_kvsdb_ids",
			Help: "Live id mappings",
		}),
		tombstones: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vecagent_kvsdb_tombstones",
			Help: "Tombstoned offsets awaiting a full rebuild",
		}),
		activeSeq: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vecagent_index_active_generation",
			Help: "Sequence number of the active generation",
		}),
		broken: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vecagent_index_broken_generations",
			Help: "Retained broken generations",
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vecagent_index_last_success_timestamp_seconds",
			Help: "Unix time of the last successful build",
		}),
	}

	for _, c := range []prometheus.Collector{
		p.opLatency, p.batchItems, p.builds, p.buildTime, p.buildDelta,
		p.saves, p.savedBytes, p.queueDepth, p.vectors, p.ids,
		p.tombstones, p.activeSeq, p.broken, p.lastSuccess,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// RecordInsert implements MetricsCollector.
func (p *PrometheusMetrics) RecordInsert(op string, d time.Duration, err error) {
	p.opLatency.WithLabelValues(op, statusLabel(err)).Observe(d.Seconds())
}

// RecordRemove implements MetricsCollector.
func (p *PrometheusMetrics) RecordRemove(d time.Duration, err error) {
	p.opLatency.WithLabelValues("remove", statusLabel(err)).Observe(d.Seconds())
}

// RecordSearch implements MetricsCollector.
func (p *PrometheusMetrics) RecordSearch(_, _ int, d time.Duration, err error) {
	p.opLatency.WithLabelValues("search", statusLabel(err)).Observe(d.Seconds())
}

// RecordBatch implements MetricsCollector.
func (p *PrometheusMetrics) RecordBatch(op string, count, failed int, d time.Duration) {
	p.opLatency.WithLabelValues(op, statusLabel(nil)).Observe(d.Seconds())
	p.batchItems.WithLabelValues(op, "success").Add(float64(count - failed))
	p.batchItems.WithLabelValues(op, "error").Add(float64(failed))
}

// OnBuild implements MetricsCollector.
func (p *PrometheusMetrics) OnBuild(d time.Duration, added, removed int, full bool, err error) {
	kind := "incremental"
	if full {
		kind = "full"
	}
	p.builds.WithLabelValues(kind, statusLabel(err)).Inc()
	p.buildTime.Observe(d.Seconds())
	if err == nil {
		p.buildDelta.WithLabelValues("added").Add(float64(added))
		p.buildDelta.WithLabelValues("removed").Add(float64(removed))
	}
}

// OnSave implements MetricsCollector.
func (p *PrometheusMetrics) OnSave(_ time.Duration, bytes int64, err error) {
	p.saves.WithLabelValues(statusLabel(err)).Inc()
	if err == nil {
		p.savedBytes.Add(float64(bytes))
	}
}

// OnQueueDepth implements MetricsCollector.
func (p *PrometheusMetrics) OnQueueDepth(name string, depth int) {
	p.queueDepth.WithLabelValues(name).Set(float64(depth))
}

// OnStats implements MetricsCollector.
func (p *PrometheusMetrics) OnStats(s IndexStats) {
	p.vectors.Set(float64(s.ActiveVectors))
	p.ids.Set(float64(s.IDs))
	p.tombstones.Set(float64(s.Tombstones))
	p.activeSeq.Set(float64(s.ActiveSeq))
	p.broken.Set(float64(s.Broken))
	if !s.LastSuccess.IsZero() {
		p.lastSuccess.Set(float64(s.LastSuccess.Unix()))
	}
}
