// Package telemetry is the observability core: the Prometheus registry,
// health checks with a weighted overall score, alert thresholds and the
// error-pattern detector fed by the recovery log.
package telemetry

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsRegistry holds every Prometheus metric the platform exports. It
// carries its own registry so tests can build as many as they like.
type MetricsRegistry struct {
	reg *prometheus.Registry

	QueryDuration *prometheus.HistogramVec
	QueriesTotal  *prometheus.CounterVec

	CacheHitRatio prometheus.Gauge
	CacheEntries  *prometheus.GaugeVec

	WSConnections  prometheus.Gauge
	WSMessagesOut  prometheus.Counter
	WSMessagesIn   prometheus.Counter
	WSBytesOut     prometheus.Counter
	WSBytesIn      prometheus.Counter
	WSDropped      prometheus.Counter
	PublishLatency prometheus.Histogram

	ErrorsTotal      *prometheus.CounterVec
	CompressionRatio prometheus.Histogram
	QualityScores    prometheus.Histogram

	HealthScore prometheus.Gauge

	// Rolling counters backing the health checks.
	queries      atomic.Int64
	errors       atomic.Int64
	hits         atomic.Int64
	misses       atomic.Int64
	durationNS   atomic.Int64
	qualityMilli atomic.Int64
	qualityN     atomic.Int64
}

// NewMetricsRegistry builds and registers the full metric set.
func NewMetricsRegistry() *MetricsRegistry {
	m := &MetricsRegistry{
		reg: prometheus.NewRegistry(),

		QueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "klinehub_query_duration_seconds",
				Help:    "Historical query latency",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"cached", "result"},
		),
		QueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "klinehub_queries_total",
				Help: "Historical queries by result",
			},
			[]string{"result"},
		),
		CacheHitRatio: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "klinehub_cache_hit_ratio",
			Help: "Observed cache hit ratio (0.0 to 1.0)",
		}),
		CacheEntries: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "klinehub_cache_entries",
				Help: "Entries per cache tier",
			},
			[]string{"tier"},
		),
		WSConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "klinehub_ws_connections",
			Help: "Live websocket connections",
		}),
		WSMessagesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "klinehub_ws_messages_out_total",
			Help: "Frames delivered to clients",
		}),
		WSMessagesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "klinehub_ws_messages_in_total",
			Help: "Frames received from clients",
		}),
		WSBytesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "klinehub_ws_bytes_out_total",
			Help: "Payload bytes delivered to clients",
		}),
		WSBytesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "klinehub_ws_bytes_in_total",
			Help: "Payload bytes received from clients",
		}),
		WSDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "klinehub_ws_dropped_frames_total",
			Help: "Frames shed by full send queues",
		}),
		PublishLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "klinehub_publish_latency_seconds",
			Help:    "Publisher tick duration",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1.0},
		}),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "klinehub_errors_total",
				Help: "Errors by recovery category",
			},
			[]string{"category"},
		),
		CompressionRatio: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "klinehub_compression_ratio",
			Help:    "Compressed over plain frame size",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		}),
		QualityScores: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "klinehub_quality_score",
			Help:    "Quality report scores",
			Buckets: []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
		}),
		HealthScore: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "klinehub_health_score",
			Help: "Weighted overall health (0.0 to 1.0)",
		}),
	}

	m.reg.MustRegister(
		m.QueryDuration, m.QueriesTotal,
		m.CacheHitRatio, m.CacheEntries,
		m.WSConnections, m.WSMessagesOut, m.WSMessagesIn,
		m.WSBytesOut, m.WSBytesIn, m.WSDropped, m.PublishLatency,
		m.ErrorsTotal, m.CompressionRatio, m.QualityScores,
		m.HealthScore,
	)
	return m
}

// RecordQuery implements the engine's telemetry hook.
func (m *MetricsRegistry) RecordQuery(elapsed time.Duration, cached bool, err error) {
	result := "success"
	if err != nil {
		result = "error"
		m.errors.Add(1)
	}
	cachedLabel := "false"
	if cached {
		cachedLabel = "true"
		m.hits.Add(1)
	} else if err == nil {
		m.misses.Add(1)
	}
	m.queries.Add(1)
	m.durationNS.Add(int64(elapsed))
	m.QueryDuration.WithLabelValues(cachedLabel, result).Observe(elapsed.Seconds())
	m.QueriesTotal.WithLabelValues(result).Inc()

	if total := m.hits.Load() + m.misses.Load(); total > 0 {
		m.CacheHitRatio.Set(float64(m.hits.Load()) / float64(total))
	}
}

// RecordError counts one categorized error.
func (m *MetricsRegistry) RecordError(category string) {
	m.ErrorsTotal.WithLabelValues(category).Inc()
}

// ObserveCompression records one frame's compressed/plain size ratio.
func (m *MetricsRegistry) ObserveCompression(ratio float64) {
	m.CompressionRatio.Observe(ratio)
}

// ObserveQualityScore records one quality report score.
func (m *MetricsRegistry) ObserveQualityScore(score float64) {
	m.QualityScores.Observe(score)
	m.qualityMilli.Add(int64(score * 1000))
	m.qualityN.Add(1)
}

// Handler serves the registry in Prometheus exposition format.
func (m *MetricsRegistry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// hitRate reports the observed cache hit fraction, or -1 with no traffic.
func (m *MetricsRegistry) hitRate() float64 {
	total := m.hits.Load() + m.misses.Load()
	if total == 0 {
		return -1
	}
	return float64(m.hits.Load()) / float64(total)
}

// errorRate reports errors per query, or 0 with no traffic.
func (m *MetricsRegistry) errorRate() float64 {
	q := m.queries.Load()
	if q == 0 {
		return 0
	}
	return float64(m.errors.Load()) / float64(q)
}

// qualityMean reports the mean observed quality score and the sample count.
func (m *MetricsRegistry) qualityMean() (float64, int64) {
	n := m.qualityN.Load()
	if n == 0 {
		return 0, 0
	}
	return float64(m.qualityMilli.Load()) / 1000 / float64(n), n
}

// avgResponse reports the mean query latency.
func (m *MetricsRegistry) avgResponse() time.Duration {
	q := m.queries.Load()
	if q == 0 {
		return 0
	}
	return time.Duration(m.durationNS.Load() / q)
}
