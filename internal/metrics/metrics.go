// Package metrics exposes Prometheus collectors for the discovery service.
package metrics

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/JakeFAU/contest-discovery/internal/discovery"
)

// Cache lookup outcomes.
const (
	CacheHit     = "hit"
	CacheMiss    = "miss"
	CacheExpired = "expired"
)

// Metrics owns every collector the service updates outside the progress sinks.
// All methods are safe on a nil receiver so components can treat metrics as optional.
type Metrics struct {
	quotaUsed       prometheus.Gauge
	quotaLimit      prometheus.Gauge
	quotaCharged    *prometheus.CounterVec
	quotaRejected   *prometheus.CounterVec
	cacheLookups    *prometheus.CounterVec
	cacheEvictions  prometheus.Counter
	providerCalls   *prometheus.CounterVec
	providerLatency *prometheus.HistogramVec

	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
}

// New registers the collectors against reg (the default registerer when nil).
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		quotaUsed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "discovery_quota_units_used",
			Help: "Quota units consumed today.",
		}),
		quotaLimit: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "discovery_quota_units_limit",
			Help: "Daily quota limit in effect today.",
		}),
		quotaCharged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "discovery_quota_units_charged_total",
			Help: "Quota units charged, labeled by operation.",
		}, []string{"operation"}),
		quotaRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "discovery_quota_rejections_total",
			Help: "Charges refused because the daily limit would be exceeded.",
		}, []string{"operation"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "discovery_search_cache_lookups_total",
			Help: "Search cache lookups, labeled by result.",
		}, []string{"result"}),
		cacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "discovery_search_cache_evictions_total",
			Help: "Search cache entries removed by expiry sweeps.",
		}),
		providerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "discovery_provider_calls_total",
			Help: "Provider calls, labeled by operation and outcome.",
		}, []string{"operation", "outcome"}),
		providerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "discovery_provider_call_duration_seconds",
			Help:    "Provider call latency including retries.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"operation"}),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		}, []string{"method", "code"}),
		httpRequestDurationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"method", "route"}),
	}
	for _, collector := range []prometheus.Collector{
		m.quotaUsed,
		m.quotaLimit,
		m.quotaCharged,
		m.quotaRejected,
		m.cacheLookups,
		m.cacheEvictions,
		m.providerCalls,
		m.providerLatency,
		m.httpRequestsTotal,
		m.httpRequestDurationSeconds,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register metrics collector: %w", err)
		}
	}
	return m, nil
}

// Handler returns an http.Handler exposing g (the default gatherer when nil).
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// ObserveCharge records an accepted charge and the resulting usage row.
func (m *Metrics) ObserveCharge(op discovery.Operation, units int64, rec discovery.QuotaRecord) {
	if m == nil {
		return
	}
	m.quotaCharged.WithLabelValues(string(op)).Add(float64(units))
	m.ObserveQuota(rec)
}

// ObserveQuota mirrors a usage row into the gauges.
func (m *Metrics) ObserveQuota(rec discovery.QuotaRecord) {
	if m == nil {
		return
	}
	m.quotaUsed.Set(float64(rec.UnitsUsed))
	m.quotaLimit.Set(float64(rec.DailyLimit))
}

// ObserveRejection records a refused charge.
func (m *Metrics) ObserveRejection(op discovery.Operation) {
	if m == nil {
		return
	}
	m.quotaRejected.WithLabelValues(string(op)).Inc()
}

// ObserveCacheLookup records a cache hit, miss, or expired entry.
func (m *Metrics) ObserveCacheLookup(result string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

// ObserveCacheEvictions adds n swept entries.
func (m *Metrics) ObserveCacheEvictions(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.cacheEvictions.Add(float64(n))
}

// ObserveProviderCall records the outcome and latency of one provider call.
func (m *Metrics) ObserveProviderCall(op string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.providerCalls.WithLabelValues(op, outcome).Inc()
	m.providerLatency.WithLabelValues(op).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func (m *Metrics) ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	m.httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
