package metrics_test

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kalbasit/pkgcache/pkg/metrics"
)

func TestHandlerServesRegisteredMetrics(t *testing.T) {
	t.Parallel()

	m := metrics.New()
	m.RequestsTotal.WithLabelValues("artifact", "200").Inc()
	m.FetchResult.WithLabelValues("hit").Inc()

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()

	m.Handler().ServeHTTP(rec, req)

	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "pkgcache_http_requests_total")
	assert.Contains(t, rec.Body.String(), "pkgcache_fetch_result_total")
}

func TestIndependentRegistries(t *testing.T) {
	t.Parallel()

	a := metrics.New()
	b := metrics.New()

	a.RequestsTotal.WithLabelValues("artifact", "200").Inc()

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()

	b.Handler().ServeHTTP(rec, req)

	assert.NotContains(t, rec.Body.String(), `route="artifact"`)
}
