// Package metrics exports Prometheus metrics for sync passes, the embedding
// queue, clustering and the similar-articles cache.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "feedweave"

// Metrics holds all collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	FeedSyncs        *prometheus.CounterVec
	FeedSyncDuration prometheus.Histogram
	ArticlesIngested *prometheus.CounterVec
	FeedsDisabled    prometheus.Counter

	QueueItems   *prometheus.CounterVec
	QueueDepth   *prometheus.GaugeVec
	EmbedLatency prometheus.Histogram

	ClustersCreated  *prometheus.CounterVec
	ClustersRejected prometheus.Counter
	ClustersExpired  prometheus.Counter

	CacheLookups *prometheus.CounterVec
}

// New registers all collectors on a fresh registry, plus the Go and process
// collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		FeedSyncs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_syncs_total",
			Help:      "Feed sync attempts by result (success, not_modified, error).",
		}, []string{"result"}),
		FeedSyncDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "feed_sync_duration_seconds",
			Help:      "Duration of a single feed sync.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		ArticlesIngested: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "articles_ingested_total",
			Help:      "Articles seen during syncs by kind (new, updated).",
		}, []string{"kind"}),
		FeedsDisabled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feeds_errored_total",
			Help:      "Feeds moved to error status after consecutive failures.",
		}),

		QueueItems: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "embedding_queue_items_total",
			Help:      "Embedding queue items by result (processed, failed, dead_lettered, deferred).",
		}, []string{"result"}),
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "embedding_queue_depth",
			Help:      "Embedding queue items by status after the last drain.",
		}, []string{"status"}),
		EmbedLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "embedding_request_duration_seconds",
			Help:      "Latency of embedding provider calls.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),

		ClustersCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clusters_created_total",
			Help:      "Clusters persisted by generation method.",
		}, []string{"method"}),
		ClustersRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cluster_candidates_rejected_total",
			Help:      "Candidate groups discarded by the validity constraints.",
		}),
		ClustersExpired: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clusters_expired_total",
			Help:      "Clusters deleted by the expiry sweep.",
		}),

		CacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "similar_cache_lookups_total",
			Help:      "Similar-articles cache lookups by result (hit, miss).",
		}, []string{"result"}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry (for tests).
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) FeedSynced(result string, d time.Duration, newArticles, updated int) {
	if m == nil {
		return
	}
	m.FeedSyncs.WithLabelValues(result).Inc()
	m.FeedSyncDuration.Observe(d.Seconds())
	m.ArticlesIngested.WithLabelValues("new").Add(float64(newArticles))
	m.ArticlesIngested.WithLabelValues("updated").Add(float64(updated))
}

func (m *Metrics) FeedErrored() {
	if m == nil {
		return
	}
	m.FeedsDisabled.Inc()
}

func (m *Metrics) QueueResult(result string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.QueueItems.WithLabelValues(result).Add(float64(n))
}

func (m *Metrics) QueueSize(pending, processing, deadLetter int) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues("pending").Set(float64(pending))
	m.QueueDepth.WithLabelValues("processing").Set(float64(processing))
	m.QueueDepth.WithLabelValues("dead_letter").Set(float64(deadLetter))
}

func (m *Metrics) EmbedObserved(d time.Duration) {
	if m == nil {
		return
	}
	m.EmbedLatency.Observe(d.Seconds())
}

func (m *Metrics) ClusterCreated(method string) {
	if m == nil {
		return
	}
	m.ClustersCreated.WithLabelValues(method).Inc()
}

func (m *Metrics) ClustersDiscarded(n int) {
	if m == nil || n == 0 {
		return
	}
	m.ClustersRejected.Add(float64(n))
}

func (m *Metrics) ClustersSwept(n int) {
	if m == nil || n == 0 {
		return
	}
	m.ClustersExpired.Add(float64(n))
}

func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.WithLabelValues(result).Inc()
}
