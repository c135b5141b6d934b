// Package server is the front door: classify the request target, fetch the
// resource, stream it or 404. No conditional GET, no range handling, no
// content negotiation.
package server

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/riandyrn/otelchi"
	"github.com/rs/zerolog"

	"github.com/kalbasit/pkgcache/pkg/fetch"
	"github.com/kalbasit/pkgcache/pkg/metrics"
	"github.com/kalbasit/pkgcache/pkg/resource"
	"github.com/kalbasit/pkgcache/pkg/store"
)

const contentTypeOctetStream = "application/octet-stream"

// liveness reports whether the registry convergence loop has completed at
// least one tick. *registry.Loop satisfies this through its Ticked method;
// kept as a narrow interface here so server doesn't need to import registry.
type liveness interface {
	Ticked() <-chan struct{}
}

// Server is the main HTTP handler, gluing classify -> fetch -> stream.
type Server struct {
	engine   *fetch.Engine
	store    store.Store
	metrics  *metrics.Metrics
	router   *chi.Mux
	liveness liveness

	adminUser, adminPass string
}

// New returns a Server. adminUser/adminPass, if non-empty, gate the
// administrative log-level endpoint with HTTP basic auth; an empty
// adminUser disables that endpoint. loop reports convergence-loop liveness
// for /healthz; a nil loop makes /healthz always report healthy.
func New(engine *fetch.Engine, st store.Store, m *metrics.Metrics, loop liveness, adminUser, adminPass string) *Server {
	s := &Server{engine: engine, store: st, metrics: m, liveness: loop, adminUser: adminUser, adminPass: adminPass}
	s.router = s.newRouter()

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func (s *Server) newRouter() *chi.Mux {
	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(otelchi.Middleware("pkgcache"))
	router.Use(s.requestLogger)
	router.Use(middleware.Recoverer)

	router.Get("/*", s.handleResource)
	router.Get("/healthz", s.handleHealthz)

	if s.metrics != nil {
		router.Handle("/metrics", s.metrics.Handler())
	}

	if s.adminUser != "" {
		router.With(s.basicAuth).Put("/debug/log-level", s.handleSetLogLevel)
	}

	return router
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	fn := func(w http.ResponseWriter, r *http.Request) {
		startedAt := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			zerolog.Ctx(r.Context()).Info().
				Str("method", r.Method).
				Str("uri", r.RequestURI).
				Int("status", ww.Status()).
				Dur("elapsed", time.Since(startedAt)).
				Str("from", r.RemoteAddr).
				Int("bytes", ww.BytesWritten()).
				Msg("request handled")
		}()

		next.ServeHTTP(ww, r)
	}

	return http.HandlerFunc(fn)
}

func (s *Server) basicAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != s.adminUser || pass != s.adminPass {
			w.Header().Set("WWW-Authenticate", `Basic realm="pkgcache admin"`)
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleHealthz reports healthy only once the registry convergence loop has
// completed at least one tick; until then the cache may not yet know which
// hashes are actually promoted.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	if s.liveness == nil {
		w.WriteHeader(http.StatusOK)

		return
	}

	select {
	case <-s.liveness.Ticked():
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusServiceUnavailable)
	}
}

func (s *Server) handleSetLogLevel(w http.ResponseWriter, r *http.Request) {
	lvl := r.URL.Query().Get("level")

	parsed, err := zerolog.ParseLevel(lvl)
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid log level %q", lvl), http.StatusBadRequest)

		return
	}

	zerolog.SetGlobalLevel(parsed)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResource(w http.ResponseWriter, r *http.Request) {
	route := "unclassified"

	defer func(start time.Time) {
		if s.metrics != nil {
			s.metrics.RequestLatency.WithLabelValues(route).Observe(time.Since(start).Seconds())
		}
	}(time.Now())

	res, ok := resource.Classify(r.URL.Path)
	if !ok {
		s.reply(w, route, http.StatusNotFound)

		return
	}

	route = res.Kind.String()

	path := res.Path()

	// /registries is the convergence loop's consolidated listing, published
	// only once known registries have advertised hashes and promotion has
	// run. It is never raced against upstreams: doing so would let one
	// upstream's raw, unvetted listing stand in for the consolidated one.
	if res.Kind == resource.KindRegistries {
		if !s.store.Exists(r.Context(), path) {
			s.reply(w, route, http.StatusNotFound)

			return
		}
	} else {
		fetched, ok := s.engine.Fetch(r.Context(), path)
		if !ok {
			s.reply(w, route, http.StatusNotFound)

			return
		}

		path = fetched
	}

	size, rc, err := s.store.Open(r.Context(), path)
	if err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Str("resource", path).Msg("error opening a resource the engine just fetched")
		s.reply(w, route, http.StatusInternalServerError)

		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", contentTypeOctetStream)
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.WriteHeader(http.StatusOK)

	if s.metrics != nil {
		s.metrics.RequestsTotal.WithLabelValues(route, "200").Inc()
	}

	if _, err := io.Copy(w, rc); err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Str("resource", path).Msg("error streaming the response body")
	}
}

func (s *Server) reply(w http.ResponseWriter, route string, status int) {
	if s.metrics != nil {
		s.metrics.RequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
	}

	w.WriteHeader(status)
}
