package server_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalbasit/pkgcache/pkg/fetch"
	"github.com/kalbasit/pkgcache/pkg/metrics"
	"github.com/kalbasit/pkgcache/pkg/server"
	"github.com/kalbasit/pkgcache/pkg/store/local"
	"github.com/kalbasit/pkgcache/testhelper"
)

// fakeLiveness satisfies server's unexported liveness interface by duck
// typing, letting tests control the /healthz signal without a real
// registry.Loop.
type fakeLiveness struct{ ticked chan struct{} }

func newFakeLiveness() *fakeLiveness { return &fakeLiveness{ticked: make(chan struct{})} }

func (f *fakeLiveness) Ticked() <-chan struct{} { return f.ticked }
func (f *fakeLiveness) tick()                   { close(f.ticked) }

func newTestServer(t *testing.T) (*server.Server, *testhelper.FakeUpstream) {
	t.Helper()

	ctx := context.Background()

	st, err := local.New(ctx, t.TempDir())
	require.NoError(t, err)

	a := testhelper.NewFakeUpstream("http://a")
	engine := fetch.New(st, a)

	return server.New(engine, st, metrics.New(), nil, "admin", "secret"), a
}

func TestServeResourceHit(t *testing.T) {
	t.Parallel()

	s, a := newTestServer(t)
	a.Serve("artifact/111111111111111111111111111111111111111a", []byte("hello"))

	req := httptest.NewRequest(http.MethodGet, "/artifact/111111111111111111111111111111111111111a", nil)
	rec := httptest.NewRecorder()

	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello", rec.Body.String())
}

func TestServeResourceMiss(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/artifact/222222222222222222222222222222222222222b", nil)
	rec := httptest.NewRecorder()

	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServeRegistriesNotYetPublished(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/registries", nil)
	rec := httptest.NewRecorder()

	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServeRegistriesServedFromStoreNeverUpstream(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	st, err := local.New(ctx, t.TempDir())
	require.NoError(t, err)

	a := testhelper.NewFakeUpstream("http://a")
	// The upstream advertises its own raw listing; the front door must never
	// race it for /registries, so this content must never reach the client.
	a.Serve("registries", []byte("11111111-1111-1111-1111-111111111111/2222222222222222222222222222222222222b\n"))

	_, err = st.Publish(ctx, "registries", strings.NewReader("registry/33333333-3333-3333-3333-333333333333/4444444444444444444444444444444444444c\n"))
	require.NoError(t, err)

	engine := fetch.New(st, a)
	s := server.New(engine, st, metrics.New(), nil, "", "")

	req := httptest.NewRequest(http.MethodGet, "/registries", nil)
	rec := httptest.NewRecorder()

	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "registry/33333333-3333-3333-3333-333333333333/4444444444444444444444444444444444444c\n", rec.Body.String())
}

func TestServeUnclassifiedPath(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/not-a-resource", nil)
	rec := httptest.NewRecorder()

	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthzUnhealthyBeforeFirstTick(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	st, err := local.New(ctx, t.TempDir())
	require.NoError(t, err)

	engine := fetch.New(st, testhelper.NewFakeUpstream("http://a"))
	live := newFakeLiveness()
	s := server.New(engine, st, metrics.New(), live, "", "")

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	live.tick()

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()

	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "pkgcache_http_requests_total")
}

func TestSetLogLevelRequiresAuth(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPut, "/debug/log-level?level=debug", nil)
	rec := httptest.NewRecorder()

	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSetLogLevelWithAuth(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPut, "/debug/log-level?level=debug", nil)
	req.SetBasicAuth("admin", "secret")
	rec := httptest.NewRecorder()

	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestSetLogLevelRejectsBadLevel(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPut, "/debug/log-level?level=not-a-level", nil)
	req.SetBasicAuth("admin", "secret")
	rec := httptest.NewRecorder()

	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
