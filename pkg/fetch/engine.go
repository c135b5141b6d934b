// Package fetch implements the single-flight fetch engine: coalescing
// concurrent fetches for the same resource, racing a fleet of upstreams,
// and remembering recent failures until the next forget tick.
package fetch

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"

	"github.com/kalbasit/pkgcache/pkg/lock/local"
	"github.com/kalbasit/pkgcache/pkg/metrics"
	"github.com/kalbasit/pkgcache/pkg/shard"
	"github.com/kalbasit/pkgcache/pkg/store"
	"github.com/kalbasit/pkgcache/pkg/upstream"
)

// shardState holds the in-flight and recent-failures tables for one shard,
// guarded by its own lock so contention on one resource never blocks
// coordination for a resource hashed to a different shard.
type shardState struct {
	mu       sync.Mutex
	inFlight map[string]chan struct{}
	failures map[string]struct{}
}

func newShardState() *shardState {
	return &shardState{
		inFlight: make(map[string]chan struct{}),
		failures: make(map[string]struct{}),
	}
}

// Engine is the process-wide value owning every shard's coordination
// tables. It is constructed once and shared by the front door and the
// registry convergence loop; there is no package-level mutable state.
type Engine struct {
	st      store.Store
	servers []upstream.Server
	shards  [shard.Count]*shardState
	metrics *metrics.Metrics
}

// New returns an Engine publishing into st, racing defaultServers when a
// Fetch call does not constrain the race set itself.
func New(st store.Store, defaultServers ...upstream.Server) *Engine {
	e := &Engine{st: st, servers: defaultServers}

	for i := range e.shards {
		e.shards[i] = newShardState()
	}

	return e
}

// WithMetrics attaches m, which records a fetch_result outcome (hit,
// fetched, unavailable) for every Fetch call. It returns e for chaining.
func (e *Engine) WithMetrics(m *metrics.Metrics) *Engine {
	e.metrics = m

	return e
}

// Fetch returns the resource's path once its bytes are fully and durably
// cached, or false if no server in the race set has it. servers, when
// given, constrains the race to that set; otherwise the Engine's default
// upstream list is used.
func (e *Engine) Fetch(ctx context.Context, resourcePath string, servers ...upstream.Server) (string, bool) {
	if e.st.Exists(ctx, resourcePath) {
		e.recordResult("hit")

		return resourcePath, true
	}

	if len(servers) == 0 {
		servers = e.servers
	}

	ss := e.shards[shard.Of(resourcePath)]

	ss.mu.Lock()

	if _, failed := ss.failures[resourcePath]; failed {
		ss.mu.Unlock()
		e.recordResult("unavailable")

		return "", false
	}

	if done, inFlight := ss.inFlight[resourcePath]; inFlight {
		ss.mu.Unlock()

		<-done

		return e.recheckOrUnavailable(ctx, resourcePath)
	}

	done := make(chan struct{})
	ss.inFlight[resourcePath] = done
	ss.mu.Unlock()

	e.lead(ctx, ss, resourcePath, done, servers)

	return e.recheckOrUnavailable(ctx, resourcePath)
}

func (e *Engine) recheckOrUnavailable(ctx context.Context, resourcePath string) (string, bool) {
	if e.st.Exists(ctx, resourcePath) {
		e.recordResult("fetched")

		return resourcePath, true
	}

	e.recordResult("unavailable")

	return "", false
}

func (e *Engine) recordResult(result string) {
	if e.metrics != nil {
		e.metrics.FetchResult.WithLabelValues(result).Inc()
	}
}

// lead runs the leader race for resourcePath and guarantees, on every exit
// path including panic, that the in-flight entry is removed and its
// completion signal fires so every waiter wakes.
func (e *Engine) lead(ctx context.Context, ss *shardState, resourcePath string, done chan struct{}, servers []upstream.Server) {
	defer func() {
		ss.mu.Lock()

		if !e.st.Exists(ctx, resourcePath) {
			ss.failures[resourcePath] = struct{}{}
		}

		delete(ss.inFlight, resourcePath)
		ss.mu.Unlock()
		close(done)
	}()

	if len(servers) == 1 {
		_, _ = e.download(ctx, servers[0], resourcePath)

		return
	}

	e.race(ctx, servers, resourcePath)
}

// race issues HEADs concurrently to every server; the first to report 200
// wins a non-blocking race lock and alone performs the GET-and-publish.
// Losers, and 200s arriving after a winner is chosen, drop their results.
func (e *Engine) race(ctx context.Context, servers []upstream.Server, resourcePath string) {
	winner := local.NewLocker()

	var wg sync.WaitGroup

	for _, srv := range servers {
		wg.Add(1)

		go func(srv upstream.Server) {
			defer wg.Done()

			status, err := srv.Head(ctx, resourcePath)
			if err != nil || status != upstream.StatusOK {
				return
			}

			acquired, _ := winner.TryLock(ctx, "race", 0)
			if !acquired {
				return
			}

			_, _ = e.download(ctx, srv, resourcePath)
		}(srv)
	}

	wg.Wait()
}

// download streams resourcePath from srv straight into the store's publish
// path without buffering the whole body in memory.
func (e *Engine) download(ctx context.Context, srv upstream.Server, resourcePath string) (bool, error) {
	pr, pw := io.Pipe()

	go func() {
		status, err := srv.Get(ctx, resourcePath, pw)

		switch {
		case err != nil:
			pw.CloseWithError(fmt.Errorf("error downloading from %s: %w", srv.BaseURL(), err))
		case status != upstream.StatusOK:
			pw.CloseWithError(fmt.Errorf("upstream %s returned a non-200 status for %s", srv.BaseURL(), resourcePath))
		default:
			pw.Close()
		}
	}()

	if _, err := e.st.Publish(ctx, resourcePath, pr); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("server", srv.BaseURL()).Str("resource", resourcePath).
			Msg("error publishing resource to the cache store")

		return false, err
	}

	return true, nil
}

// ForgetFailures clears every shard's recent-failures set. It is invoked on
// every registry convergence tick; in-flight/leadership state is untouched.
func (e *Engine) ForgetFailures() {
	for _, ss := range e.shards {
		ss.mu.Lock()
		ss.failures = make(map[string]struct{})
		ss.mu.Unlock()
	}
}
