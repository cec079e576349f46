// Package metrics exposes queue, cache and sync activity as Prometheus
// metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AxelCastilloZ/mobile-app-bomberos/internal/cache"
	"github.com/AxelCastilloZ/mobile-app-bomberos/internal/queue"
	"github.com/AxelCastilloZ/mobile-app-bomberos/internal/syncer"
)

const namespace = "nosara"

// Collector holds the metrics on its own registry so several instances can
// coexist in tests.
type Collector struct {
	registry *prometheus.Registry

	OperationsQueued    *prometheus.CounterVec
	OperationsProcessed *prometheus.CounterVec
	HandlerDuration     *prometheus.HistogramVec
	SyncPasses          *prometheus.CounterVec
	CacheEvents         *prometheus.CounterVec
	Online              prometheus.Gauge
}

// New creates a collector with Go runtime and process metrics included.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		OperationsQueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_queued_total",
			Help:      "Operations added to the queue.",
		}, []string{"type", "priority"}),
		OperationsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_processed_total",
			Help:      "Handler attempts by outcome.",
		}, []string{"type", "outcome"}), // outcome: succeeded, retrying, failed
		HandlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handler_duration_seconds",
			Help:      "Duration of operation handler calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type"}),
		SyncPasses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_passes_total",
			Help:      "Queue passes by trigger and outcome.",
		}, []string{"trigger", "outcome"}),
		CacheEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_events_total",
			Help:      "Cache hits, misses, expiries, writes and evictions.",
		}, []string{"event"}),
		Online: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "online",
			Help:      "1 when the backend is reachable.",
		}),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.OperationsQueued,
		c.OperationsProcessed,
		c.HandlerDuration,
		c.SyncPasses,
		c.CacheEvents,
		c.Online,
	)
	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ObserveQueue implements queue.Observer.
func (c *Collector) ObserveQueue(e queue.Event) {
	typ := string(e.Operation.Type)
	switch e.Kind {
	case queue.EventQueued:
		c.OperationsQueued.WithLabelValues(typ, string(e.Operation.Priority)).Inc()
		return
	case queue.EventSucceeded:
		c.OperationsProcessed.WithLabelValues(typ, "succeeded").Inc()
	case queue.EventRetrying:
		c.OperationsProcessed.WithLabelValues(typ, "retrying").Inc()
	case queue.EventFailed:
		c.OperationsProcessed.WithLabelValues(typ, "failed").Inc()
	}
	if e.Duration > 0 {
		c.HandlerDuration.WithLabelValues(typ).Observe(e.Duration.Seconds())
	}
}

// ObserveCache implements cache.Observer.
func (c *Collector) ObserveCache(e cache.Event) {
	c.CacheEvents.WithLabelValues(string(e.Kind)).Inc()
}

// ObservePass records a coordinator pass.
func (c *Collector) ObservePass(p syncer.Pass) {
	outcome := "ok"
	if p.Err != nil {
		outcome = "error"
	}
	c.SyncPasses.WithLabelValues(string(p.Trigger), outcome).Inc()
}

// SetOnline records reachability.
func (c *Collector) SetOnline(online bool) {
	if online {
		c.Online.Set(1)
	} else {
		c.Online.Set(0)
	}
}

// WatchQueue exports queue depth by status, read from stats at scrape time.
func (c *Collector) WatchQueue(stats func() queue.Stats) {
	c.registry.MustRegister(&queueCollector{stats: stats})
}

// WatchCache exports the cache's total size, read at scrape time.
func (c *Collector) WatchCache(size func() int64) {
	c.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "cache_bytes",
		Help:      "Total serialized size of cached entries.",
	}, func() float64 { return float64(size()) }))
}

var queueDepthDesc = prometheus.NewDesc(
	prometheus.BuildFQName(namespace, "", "queue_operations"),
	"Operations currently in the queue by status.",
	[]string{"status"}, nil,
)

type queueCollector struct {
	stats func() queue.Stats
}

func (q *queueCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- queueDepthDesc
}

func (q *queueCollector) Collect(ch chan<- prometheus.Metric) {
	s := q.stats()
	for status, n := range map[queue.Status]int{
		queue.StatusPending:    s.Pending,
		queue.StatusProcessing: s.Processing,
		queue.StatusSuccess:    s.Success,
		queue.StatusFailed:     s.Failed,
	} {
		ch <- prometheus.MustNewConstMetric(queueDepthDesc, prometheus.GaugeValue, float64(n), string(status))
	}
}
