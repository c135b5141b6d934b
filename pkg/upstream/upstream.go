// Package upstream issues single-shot HEAD and GET requests against a
// storage server. Non-200 HTTP statuses are values, not errors; only
// transport-level failures (DNS, connection refused, timeouts) surface as
// errors. Retry policy belongs to the caller.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kalbasit/pkgcache/pkg/circuitbreaker"
)

// Status is the outcome of a single HTTP call against a storage server.
type Status int

const (
	// StatusOK means the server responded 200.
	StatusOK Status = iota
	// StatusNotFound means the server responded 404.
	StatusNotFound
	// StatusOther means the server responded with some other status code.
	StatusOther
)

const (
	defaultHeadTimeout = 30 * time.Second
	otelPackageName    = "github.com/kalbasit/pkgcache/pkg/upstream"
)

//nolint:gochecknoglobals
var tracer = otel.Tracer(otelPackageName)

// ErrUnreachable wraps a transport-level failure talking to a server.
var ErrUnreachable = errors.New("upstream unreachable")

// Server probes and downloads resources from one storage server.
type Server interface {
	// Head issues a HEAD request for resource, returning a Status value.
	Head(ctx context.Context, resourcePath string) (Status, error)

	// Get issues a GET request for resource, streaming its body into sink.
	// On StatusOK the full body has been written to sink.
	Get(ctx context.Context, resourcePath string, sink io.Writer) (Status, error)

	// BaseURL returns the server's base URL, used for logging and as the
	// registry convergence loop's server-set key.
	BaseURL() string
}

// HTTPServer is a Server backed by net/http, with an otelhttp-wrapped
// transport so every call emits a trace span. A per-server circuit breaker
// guards both Head and Get: once a server's transport starts failing
// consistently, calls fail fast instead of piling up behind dial/response
// timeouts.
type HTTPServer struct {
	baseURL    string
	httpClient *http.Client
	breaker    *circuitbreaker.CircuitBreaker
}

var _ Server = (*HTTPServer)(nil)

// New returns an HTTPServer for baseURL (e.g. "http://storage-1:8000").
func New(baseURL string) *HTTPServer {
	dt := http.DefaultTransport.(*http.Transport).Clone()
	dt.ResponseHeaderTimeout = defaultHeadTimeout

	return &HTTPServer{
		baseURL:    baseURL,
		httpClient: &http.Client{Transport: otelhttp.NewTransport(dt)},
		breaker:    circuitbreaker.New(circuitbreaker.DefaultThreshold, circuitbreaker.DefaultTimeout),
	}
}

func (s *HTTPServer) BaseURL() string { return s.baseURL }

func (s *HTTPServer) Head(ctx context.Context, resourcePath string) (Status, error) {
	ctx, span := tracer.Start(
		ctx,
		"upstream.Head",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("upstream.base_url", s.baseURL),
			attribute.String("upstream.resource", resourcePath),
		),
	)
	defer span.End()

	if !s.breaker.AllowRequest() {
		return StatusOther, fmt.Errorf("%w: circuit open for %s", ErrUnreachable, s.baseURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, s.baseURL+"/"+resourcePath, nil)
	if err != nil {
		return StatusOther, fmt.Errorf("error building the HEAD request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.breaker.RecordFailure()

		zerolog.Ctx(ctx).Warn().Err(err).Str("server", s.baseURL).Str("resource", resourcePath).
			Msg("error issuing HEAD against upstream")

		return StatusOther, fmt.Errorf("%w: %w", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	s.breaker.RecordSuccess()

	return statusFor(resp.StatusCode), nil
}

func (s *HTTPServer) Get(ctx context.Context, resourcePath string, sink io.Writer) (Status, error) {
	ctx, span := tracer.Start(
		ctx,
		"upstream.Get",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("upstream.base_url", s.baseURL),
			attribute.String("upstream.resource", resourcePath),
		),
	)
	defer span.End()

	if !s.breaker.AllowRequest() {
		return StatusOther, fmt.Errorf("%w: circuit open for %s", ErrUnreachable, s.baseURL)
	}

	zerolog.Ctx(ctx).Info().Str("server", s.baseURL).Str("resource", resourcePath).
		Msg("downloading resource from upstream")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/"+resourcePath, nil)
	if err != nil {
		return StatusOther, fmt.Errorf("error building the GET request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.breaker.RecordFailure()

		return StatusOther, fmt.Errorf("%w: %w", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	status := statusFor(resp.StatusCode)
	if status != StatusOK {
		s.breaker.RecordSuccess()

		return status, nil
	}

	if _, err := io.Copy(sink, resp.Body); err != nil {
		s.breaker.RecordFailure()

		return StatusOther, fmt.Errorf("%w: %w", ErrUnreachable, err)
	}

	s.breaker.RecordSuccess()

	return StatusOK, nil
}

func statusFor(code int) Status {
	switch {
	case code == http.StatusOK:
		return StatusOK
	case code == http.StatusNotFound:
		return StatusNotFound
	default:
		return StatusOther
	}
}
