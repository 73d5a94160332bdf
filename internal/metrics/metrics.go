// Package metrics exports cache, scheduler and worker-pool events to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"ranchd/internal/cache"
	"ranchd/internal/task/engine"
	"ranchd/internal/task/scheduler"
)

const namespace = "ranchd"

// Registry owns every collector of one process.
type Registry struct {
	reg *prometheus.Registry

	Cache     *CacheAdapter
	Scheduler *SchedulerAdapter
	Pool      *PoolAdapter
}

// New builds a registry with the Go and process collectors plus the ranchd
// adapters. constLabels are applied to every ranchd metric (may be nil).
func New(constLabels prometheus.Labels) *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &Registry{
		reg:       reg,
		Cache:     NewCacheAdapter(reg, constLabels),
		Scheduler: NewSchedulerAdapter(reg, constLabels),
		Pool:      NewPoolAdapter(reg, constLabels),
	}
}

// Gatherer is served by the admin /metrics endpoint.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

func (r *Registry) Registerer() prometheus.Registerer { return r.reg }

// CacheAdapter implements cache.Metrics with one series per cache name.
type CacheAdapter struct {
	hits        *prometheus.CounterVec
	misses      *prometheus.CounterVec
	stored      *prometheus.CounterVec
	storeFailed *prometheus.CounterVec
	unavailable *prometheus.CounterVec
	entries     *prometheus.GaugeVec
}

func NewCacheAdapter(reg prometheus.Registerer, constLabels prometheus.Labels) *CacheAdapter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	counter := func(name, help string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "cache",
			Name:        name,
			Help:        help,
			ConstLabels: constLabels,
		}, []string{"cache"})
	}
	a := &CacheAdapter{
		hits:        counter("hits_total", "Handle acquisitions served from memory"),
		misses:      counter("misses_total", "Handle acquisitions that populated from the backing store"),
		stored:      counter("stored_total", "Entries written back"),
		storeFailed: counter("store_failures_total", "Failed write-backs"),
		unavailable: counter("unavailable_total", "Ticks skipped because the backing store was unavailable"),
		entries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "cache",
			Name:        "entries",
			Help:        "Resident entries",
			ConstLabels: constLabels,
		}, []string{"cache"}),
	}
	reg.MustRegister(a.hits, a.misses, a.stored, a.storeFailed, a.unavailable, a.entries)
	return a
}

func (a *CacheAdapter) Hit(c string)         { a.hits.WithLabelValues(c).Inc() }
func (a *CacheAdapter) Miss(c string)        { a.misses.WithLabelValues(c).Inc() }
func (a *CacheAdapter) StoreFailed(c string) { a.storeFailed.WithLabelValues(c).Inc() }
func (a *CacheAdapter) Unavailable(c string) { a.unavailable.WithLabelValues(c).Inc() }

func (a *CacheAdapter) Stored(c string, n int) {
	if n > 0 {
		a.stored.WithLabelValues(c).Add(float64(n))
	}
}

func (a *CacheAdapter) Size(c string, n int) { a.entries.WithLabelValues(c).Set(float64(n)) }

// SchedulerAdapter implements scheduler.Metrics.
type SchedulerAdapter struct {
	queued   prometheus.Counter
	panics   prometheus.Counter
	duration prometheus.Histogram
	pending  prometheus.Gauge
}

func NewSchedulerAdapter(reg prometheus.Registerer, constLabels prometheus.Labels) *SchedulerAdapter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	a := &SchedulerAdapter{
		queued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "jobs_queued_total",
			Help: "Jobs queued", ConstLabels: constLabels,
		}),
		panics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "job_panics_total",
			Help: "Jobs that panicked", ConstLabels: constLabels,
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "job_duration_seconds",
			Help: "Job run time", ConstLabels: constLabels,
			Buckets: prometheus.ExponentialBuckets(0.0005, 4, 8),
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "jobs_pending",
			Help: "Jobs waiting on the list", ConstLabels: constLabels,
		}),
	}
	reg.MustRegister(a.queued, a.panics, a.duration, a.pending)
	return a
}

func (a *SchedulerAdapter) JobQueued()                  { a.queued.Inc() }
func (a *SchedulerAdapter) JobExecuted(d time.Duration) { a.duration.Observe(d.Seconds()) }
func (a *SchedulerAdapter) JobPanicked()                { a.panics.Inc() }
func (a *SchedulerAdapter) Pending(n int)               { a.pending.Set(float64(n)) }

// PoolAdapter implements engine.Metrics with one series per queue.
type PoolAdapter struct {
	queued   *prometheus.CounterVec
	panics   *prometheus.CounterVec
	duration *prometheus.HistogramVec
	length   *prometheus.GaugeVec
}

func NewPoolAdapter(reg prometheus.Registerer, constLabels prometheus.Labels) *PoolAdapter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	a := &PoolAdapter{
		queued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pool", Name: "tasks_queued_total",
			Help: "Tasks pushed", ConstLabels: constLabels,
		}, []string{"queue"}),
		panics: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pool", Name: "task_panics_total",
			Help: "Tasks that panicked", ConstLabels: constLabels,
		}, []string{"queue"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "pool", Name: "task_duration_seconds",
			Help: "Task run time", ConstLabels: constLabels,
			Buckets: prometheus.ExponentialBuckets(0.0005, 4, 9),
		}, []string{"queue"}),
		length: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "pool", Name: "queue_length",
			Help: "Tasks waiting", ConstLabels: constLabels,
		}, []string{"queue"}),
	}
	reg.MustRegister(a.queued, a.panics, a.duration, a.length)
	return a
}

func (a *PoolAdapter) TaskQueued(q string)   { a.queued.WithLabelValues(q).Inc() }
func (a *PoolAdapter) TaskPanicked(q string) { a.panics.WithLabelValues(q).Inc() }
func (a *PoolAdapter) TaskDone(q string, d time.Duration) {
	a.duration.WithLabelValues(q).Observe(d.Seconds())
}
func (a *PoolAdapter) QueueLen(q string, n int) { a.length.WithLabelValues(q).Set(float64(n)) }

var (
	_ cache.Metrics     = (*CacheAdapter)(nil)
	_ scheduler.Metrics = (*SchedulerAdapter)(nil)
	_ engine.Metrics    = (*PoolAdapter)(nil)
)
