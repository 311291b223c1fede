// Package prom adapts coldcache.Metrics to Prometheus counters and a histogram,
// adapted from the teacher's metrics/prom adapter.
package prom

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/coldcache/coldcache"
)

// Adapter implements coldcache.Metrics and exports Prometheus metrics.
// Safe for concurrent use; every Prometheus metric type is goroutine-safe.
type Adapter struct {
	hits              prometheus.Counter
	misses            prometheus.Counter
	evicts            *prometheus.CounterVec
	failsafeTrips     *prometheus.CounterVec
	expiryScheduled   prometheus.Counter
	expiryRun         prometheus.Counter
	expiryRowsDeleted prometheus.Counter
	workerDrops       prometheus.Counter
	shardBatchSize    *prometheus.HistogramVec
}

// New constructs a Prometheus metrics adapter.
//   - reg:          registry to register metrics with (nil => prometheus.DefaultRegisterer)
//   - ns, sub:      Prometheus namespace and subsystem
//   - constLabels:  static labels applied to all metrics (may be nil)
func New(reg prometheus.Registerer, ns, sub string, constLabels prometheus.Labels) *Adapter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	a := &Adapter{
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: "hits_total",
			Help: "Store reads that found a live row.", ConstLabels: constLabels,
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: "misses_total",
			Help: "Store reads that found no live row.", ConstLabels: constLabels,
		}),
		evicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: "evictions_total",
			Help: "Rows removed, by reason.", ConstLabels: constLabels,
		}, []string{"reason"}),
		failsafeTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: "failsafe_trips_total",
			Help: "Transient storage faults swallowed by the failsafe envelope, by tag.", ConstLabels: constLabels,
		}, []string{"tag"}),
		expiryScheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: "expiry_batches_scheduled_total",
			Help: "Eviction batches scheduled.", ConstLabels: constLabels,
		}),
		expiryRun: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: "expiry_batches_run_total",
			Help: "Eviction batches actually executed.", ConstLabels: constLabels,
		}),
		expiryRowsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: "expiry_rows_deleted_total",
			Help: "Rows deleted by the expiry controller.", ConstLabels: constLabels,
		}),
		workerDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: "worker_queue_dropped_total",
			Help: "Background tasks discarded because the worker queue was full.", ConstLabels: constLabels,
		}),
		shardBatchSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: sub, Name: "shard_batch_size",
			Help:    "Size of per-shard batches issued by multi-key operations.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 11),
		}, []string{"shard"}),
	}
	reg.MustRegister(a.hits, a.misses, a.evicts, a.failsafeTrips, a.expiryScheduled,
		a.expiryRun, a.expiryRowsDeleted, a.workerDrops, a.shardBatchSize)
	return a
}

func (a *Adapter) Hit()  { a.hits.Inc() }
func (a *Adapter) Miss() { a.misses.Inc() }

func (a *Adapter) Evict(reason coldcache.EvictReason, n int) {
	a.evicts.WithLabelValues(reasonLabel(reason)).Add(float64(n))
}

func (a *Adapter) FailsafeTrip(tag string) { a.failsafeTrips.WithLabelValues(tag).Inc() }

func (a *Adapter) ExpiryBatchScheduled() { a.expiryScheduled.Inc() }

func (a *Adapter) ExpiryBatchRun(deleted int) {
	a.expiryRun.Inc()
	a.expiryRowsDeleted.Add(float64(deleted))
}

func (a *Adapter) WorkerQueueDropped() { a.workerDrops.Inc() }

func (a *Adapter) ShardBatch(shard string, size int) {
	a.shardBatchSize.WithLabelValues(shard).Observe(float64(size))
}

func reasonLabel(r coldcache.EvictReason) string {
	switch r {
	case coldcache.EvictExpiry:
		return "expiry"
	case coldcache.EvictCollision:
		return "collision"
	default:
		return "explicit"
	}
}

// Compile-time check: ensure Adapter implements coldcache.Metrics.
var _ coldcache.Metrics = (*Adapter)(nil)
