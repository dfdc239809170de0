// Package metrics exposes the Prometheus collectors shared by sessions,
// storage adapters and second-level caches. A nil *Collector is valid and
// records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every metric name
const Namespace = "repo4go"

// Collector holds Prometheus metrics for repo4go
type Collector struct {
	statementsTotal   *prometheus.CounterVec
	statementDuration *prometheus.HistogramVec

	flushesTotal   prometheus.Counter
	flushedTotal   *prometheus.CounterVec
	bulkAffected   *prometheus.CounterVec
	contextClears  *prometheus.CounterVec
	cacheLookups   *prometheus.CounterVec
	cacheEvictions *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil registerer
// disables metrics and returns nil.
func New(reg prometheus.Registerer) *Collector {
	if reg == nil {
		return nil
	}

	c := &Collector{
		statementsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "statements_total",
				Help:      "Total number of statements sent to storage",
			},
			[]string{"kind", "status"},
		),
		statementDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Name:      "statement_duration_seconds",
				Help:      "Duration of statements sent to storage",
				Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
			},
			[]string{"kind"},
		),
		flushesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "flushes_total",
				Help:      "Total number of persistence context flushes",
			},
		),
		flushedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "flushed_entities_total",
				Help:      "Entities written by flushes, by operation",
			},
			[]string{"operation"},
		),
		bulkAffected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "bulk_affected_rows_total",
				Help:      "Rows affected by bulk mutations",
			},
			[]string{"entity"},
		),
		contextClears: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "context_clears_total",
				Help:      "Persistence context clears, by reason",
			},
			[]string{"reason"},
		),
		cacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "cache_lookups_total",
				Help:      "Second-level cache lookups, by layer and result",
			},
			[]string{"layer", "result"},
		),
		cacheEvictions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "cache_evictions_total",
				Help:      "Second-level cache evictions, by layer and scope",
			},
			[]string{"layer", "scope"},
		),
	}

	reg.MustRegister(
		c.statementsTotal,
		c.statementDuration,
		c.flushesTotal,
		c.flushedTotal,
		c.bulkAffected,
		c.contextClears,
		c.cacheLookups,
		c.cacheEvictions,
	)
	return c
}

// ObserveStatement records one storage round trip
func (c *Collector) ObserveStatement(kind string, d time.Duration, err error) {
	if c == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	c.statementsTotal.WithLabelValues(kind, status).Inc()
	c.statementDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// Flushed records one flush and the entities it wrote
func (c *Collector) Flushed(inserts, updates, deletes int) {
	if c == nil {
		return
	}
	c.flushesTotal.Inc()
	c.flushedTotal.WithLabelValues("insert").Add(float64(inserts))
	c.flushedTotal.WithLabelValues("update").Add(float64(updates))
	c.flushedTotal.WithLabelValues("delete").Add(float64(deletes))
}

// BulkAffected records the rows a bulk mutation touched
func (c *Collector) BulkAffected(entity string, rows int64) {
	if c == nil {
		return
	}
	c.bulkAffected.WithLabelValues(entity).Add(float64(rows))
}

// ContextCleared records a persistence context clear
func (c *Collector) ContextCleared(reason string) {
	if c == nil {
		return
	}
	c.contextClears.WithLabelValues(reason).Inc()
}

// CacheHit records a second-level cache hit
func (c *Collector) CacheHit(layer string) {
	if c == nil {
		return
	}
	c.cacheLookups.WithLabelValues(layer, "hit").Inc()
}

// CacheMiss records a second-level cache miss
func (c *Collector) CacheMiss(layer string) {
	if c == nil {
		return
	}
	c.cacheLookups.WithLabelValues(layer, "miss").Inc()
}

// CacheError records a failed second-level cache lookup
func (c *Collector) CacheError(layer string) {
	if c == nil {
		return
	}
	c.cacheLookups.WithLabelValues(layer, "error").Inc()
}

// CacheEvicted records an eviction of one entry or of a whole entity type
func (c *Collector) CacheEvicted(layer, scope string) {
	if c == nil {
		return
	}
	c.cacheEvictions.WithLabelValues(layer, scope).Inc()
}
