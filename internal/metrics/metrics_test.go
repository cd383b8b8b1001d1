package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/contest-discovery/internal/discovery"
)

func TestQuotaAndCacheMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.ObserveCharge(discovery.OpSearch, 100, discovery.QuotaRecord{UnitsUsed: 100, DailyLimit: 10000})
	m.ObserveCharge(discovery.OpDetails, 3, discovery.QuotaRecord{UnitsUsed: 103, DailyLimit: 10000})
	m.ObserveRejection(discovery.OpSearch)
	m.ObserveCacheLookup(CacheHit)
	m.ObserveCacheLookup(CacheMiss)
	m.ObserveCacheLookup(CacheMiss)
	m.ObserveCacheEvictions(4)
	m.ObserveCacheEvictions(0)
	m.ObserveProviderCall("search", nil, 10*time.Millisecond)
	m.ObserveProviderCall("search", errors.New("boom"), 10*time.Millisecond)

	require.InDelta(t, 103, testutil.ToFloat64(m.quotaUsed), 0.001)
	require.InDelta(t, 10000, testutil.ToFloat64(m.quotaLimit), 0.001)
	require.InDelta(t, 100, testutil.ToFloat64(m.quotaCharged.WithLabelValues("search")), 0.001)
	require.InDelta(t, 3, testutil.ToFloat64(m.quotaCharged.WithLabelValues("details")), 0.001)
	require.InDelta(t, 1, testutil.ToFloat64(m.quotaRejected.WithLabelValues("search")), 0.001)
	require.InDelta(t, 2, testutil.ToFloat64(m.cacheLookups.WithLabelValues(CacheMiss)), 0.001)
	require.InDelta(t, 4, testutil.ToFloat64(m.cacheEvictions), 0.001)
	require.InDelta(t, 1, testutil.ToFloat64(m.providerCalls.WithLabelValues("search", "error")), 0.001)
}

func TestDuplicateRegistrationFails(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)
	_, err = New(reg)
	require.Error(t, err)
}

func TestNilMetricsAreNoops(t *testing.T) {
	t.Parallel()

	var m *Metrics
	require.NotPanics(t, func() {
		m.ObserveCharge(discovery.OpSearch, 100, discovery.QuotaRecord{})
		m.ObserveRejection(discovery.OpSearch)
		m.ObserveCacheLookup(CacheHit)
		m.ObserveCacheEvictions(1)
		m.ObserveProviderCall("search", nil, time.Second)
		m.ObserveHTTPRequest("GET", "/", 200, time.Second)
	})
}

func TestMiddleware(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/test", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/notfound", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	for _, path := range []string{"/test", "/notfound"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	}

	require.InDelta(t, 1, testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues("GET", "200")), 0.001)
	require.InDelta(t, 1, testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues("GET", "404")), 0.001)
	require.Positive(t, testutil.CollectAndCount(m.httpRequestDurationSeconds))

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}
