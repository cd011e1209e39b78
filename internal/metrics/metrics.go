package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every Prometheus collector the service exports.
type Metrics struct {
	SyncRuns        *prometheus.CounterVec
	SyncRecords     *prometheus.CounterVec
	SyncDuration    *prometheus.HistogramVec
	CacheHits       *prometheus.CounterVec
	CacheMisses     *prometheus.CounterVec
	CacheErrors     *prometheus.CounterVec
	Notifications   *prometheus.CounterVec
	Deliveries      *prometheus.CounterVec
	LiveSubscribers prometheus.Gauge
}

// New creates the collectors and registers them on the given registry.
// Passing a fresh registry keeps tests independent of process-global state.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SyncRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "matterwatch_sync_runs_total",
				Help: "Sync runs by tenant and outcome",
			},
			[]string{"tenant_id", "outcome"},
		),
		SyncRecords: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "matterwatch_sync_records_total",
				Help: "Records reconciled by tenant and action",
			},
			[]string{"tenant_id", "action"},
		),
		SyncDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "matterwatch_sync_duration_seconds",
				Help:    "Duration of a single tenant sync run",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"tenant_id"},
		),
		CacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "matterwatch_cache_hits_total",
				Help: "Cache hits by scope",
			},
			[]string{"scope"},
		),
		CacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "matterwatch_cache_misses_total",
				Help: "Cache misses by scope",
			},
			[]string{"scope"},
		),
		CacheErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "matterwatch_cache_errors_total",
				Help: "Swallowed cache backend errors by operation",
			},
			[]string{"op"},
		),
		Notifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "matterwatch_notifications_total",
				Help: "Notification records created by channel",
			},
			[]string{"channel"},
		),
		Deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "matterwatch_deliveries_total",
				Help: "Delivery attempts by channel and outcome",
			},
			[]string{"channel", "outcome"},
		),
		LiveSubscribers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "matterwatch_live_subscribers",
				Help: "Currently connected live-update subscribers",
			},
		),
	}
	reg.MustRegister(
		m.SyncRuns, m.SyncRecords, m.SyncDuration,
		m.CacheHits, m.CacheMisses, m.CacheErrors,
		m.Notifications, m.Deliveries, m.LiveSubscribers,
	)
	return m
}

// NewNop returns metrics bound to a discarded registry, for tests and
// optional wiring.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
