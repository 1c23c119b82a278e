// Package metrics holds the Prometheus collectors of the service.
// Every method is safe to call on a nil *Metrics, which records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "bastion"

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	registry *prometheus.Registry

	DirectoryRequests  *prometheus.CounterVec
	DirectoryLatency   prometheus.Histogram
	Resolutions        *prometheus.CounterVec
	PunishmentsCreated *prometheus.CounterVec
	PunishmentsLifted  *prometheus.CounterVec
	WriteBacks         *prometheus.CounterVec
	SweptPunishments   prometheus.Counter
	OnlineSessions     prometheus.Gauge
	HTTPRequests       *prometheus.CounterVec
	HTTPLatency        *prometheus.HistogramVec
}

// New creates a registry with the process collectors and registers all metrics on it.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		DirectoryRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "directory_requests_total",
			Help:      "Identity directory lookups by outcome",
		}, []string{"outcome"}),
		DirectoryLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "directory_request_duration_seconds",
			Help:      "Latency of identity directory lookups",
			Buckets:   []float64{0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
		Resolutions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "identity_resolutions_total",
			Help:      "Identity resolutions by the layer that answered",
		}, []string{"source"}),
		PunishmentsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "punishments_created_total",
			Help:      "Punishments created by type",
		}, []string{"type"}),
		PunishmentsLifted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "punishments_lifted_total",
			Help:      "Punishments lifted by type and cause",
		}, []string{"type", "cause"}),
		WriteBacks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "write_backs_total",
			Help:      "Asynchronous store writes by operation and outcome",
		}, []string{"op", "outcome"}),
		SweptPunishments: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "expiry_sweep_lifted_total",
			Help:      "Punishments lifted by the expiration sweep",
		}),
		OnlineSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "online_sessions",
			Help:      "Sessions currently registered on this server",
		}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "API requests by method, route and status",
		}, []string{"method", "route", "status"}),
		HTTPLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "API request latency by route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

// Registry returns the registry the metrics are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// CacheStats is a snapshot source for cache counters.
type CacheStats func() (hits, misses, evictions, retained uint64, size int)

// RegisterCache exposes the counters of a named in-process cache.
func (m *Metrics) RegisterCache(name string, stats CacheStats) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{"cache": name}
	counter := func(metric, help string, pick func() float64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        metric,
			Help:        help,
			ConstLabels: labels,
		}, pick)
	}
	m.registry.MustRegister(
		counter("cache_hits_total", "Cache hits", func() float64 { h, _, _, _, _ := stats(); return float64(h) }),
		counter("cache_misses_total", "Cache misses", func() float64 { _, mi, _, _, _ := stats(); return float64(mi) }),
		counter("cache_evictions_total", "Entries dropped from the cache", func() float64 { _, _, e, _, _ := stats(); return float64(e) }),
		counter("cache_retained_total", "Entries kept past eviction for online sessions", func() float64 { _, _, _, r, _ := stats(); return float64(r) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "cache_entries",
			Help:        "Entries currently cached",
			ConstLabels: labels,
		}, func() float64 { _, _, _, _, n := stats(); return float64(n) }),
	)
}

// ObserveDirectory records one directory lookup.
func (m *Metrics) ObserveDirectory(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.DirectoryRequests.WithLabelValues(outcome).Inc()
	m.DirectoryLatency.Observe(d.Seconds())
}

// ObserveResolution records which layer answered a resolution.
func (m *Metrics) ObserveResolution(source string) {
	if m == nil {
		return
	}
	m.Resolutions.WithLabelValues(source).Inc()
}

// PunishmentCreated counts a persisted punishment.
func (m *Metrics) PunishmentCreated(kind string) {
	if m == nil {
		return
	}
	m.PunishmentsCreated.WithLabelValues(kind).Inc()
}

// PunishmentLifted counts a lift. cause is manual or expired.
func (m *Metrics) PunishmentLifted(kind, cause string) {
	if m == nil {
		return
	}
	m.PunishmentsLifted.WithLabelValues(kind, cause).Inc()
}

// WriteBack counts a finished asynchronous write.
func (m *Metrics) WriteBack(op string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.WriteBacks.WithLabelValues(op, outcome).Inc()
}

// Swept counts punishments lifted by one sweep run.
func (m *Metrics) Swept(n int64) {
	if m == nil {
		return
	}
	m.SweptPunishments.Add(float64(n))
}

// SetOnlineSessions sets the session gauge.
func (m *Metrics) SetOnlineSessions(n int) {
	if m == nil {
		return
	}
	m.OnlineSessions.Set(float64(n))
}

// ObserveHTTP records one API request.
func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPLatency.WithLabelValues(route).Observe(d.Seconds())
}
