// Package registry implements the registry convergence loop: polling every
// upstream's listing on a fixed cadence, promoting a hash per registry, and
// publishing a consolidated listing file.
package registry

import (
	"bufio"
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/kalbasit/pkgcache/pkg/fetch"
	"github.com/kalbasit/pkgcache/pkg/resource"
	"github.com/kalbasit/pkgcache/pkg/store"
	"github.com/kalbasit/pkgcache/pkg/upstream"
)

// defaultCrossCheckConcurrency bounds how many cross-check HEAD probes run
// at once per tick, resolving the open question in the design notes about
// unbounded fan-out.
const defaultCrossCheckConcurrency = 16

// state is one registry's current promotion.
type state struct {
	hash    string
	servers map[string]upstream.Server
}

// Loop owns the registry convergence state: the current promoted hash and
// confirmed server set per known registry UUID. It is constructed once and
// shares the Engine with the front door.
type Loop struct {
	engine                *fetch.Engine
	st                    store.Store
	upstream              []upstream.Server
	known                 []string // sorted registry UUIDs
	interval              time.Duration
	crossCheckConcurrency int

	mu    sync.RWMutex
	state map[string]state

	tickedOnce sync.Once
	ticked     chan struct{}
}

// New returns a Loop over known (a set of registry UUIDs) polling upstreams
// at interval, publishing listings and promotions through engine/st.
func New(
	engine *fetch.Engine,
	st store.Store,
	upstreams []upstream.Server,
	known []uuid.UUID,
	interval time.Duration,
) *Loop {
	sorted := make([]string, len(known))
	for i, u := range known {
		sorted[i] = u.String()
	}

	sort.Strings(sorted)

	return &Loop{
		engine:                engine,
		st:                    st,
		upstream:              upstreams,
		known:                 sorted,
		interval:              interval,
		crossCheckConcurrency: defaultCrossCheckConcurrency,
		state:                 make(map[string]state, len(sorted)),
		ticked:                make(chan struct{}),
	}
}

// Start runs one tick immediately, then one every interval, until ctx is
// canceled.
func (l *Loop) Start(ctx context.Context) {
	l.tick(ctx)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

// Ticked returns a channel that is closed once the loop's first tick has
// completed. A closed channel can be received from repeatedly without
// blocking, making this suitable for a liveness probe: non-blocking receive
// to tell whether the loop has converged at least once.
func (l *Loop) Ticked() <-chan struct{} { return l.ticked }

// CurrentHash returns the hash presently promoted for uuid, or "" if none
// has been promoted yet.
func (l *Loop) CurrentHash(registryUUID string) string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.state[registryUUID].hash
}

func (l *Loop) tick(ctx context.Context) {
	defer l.tickedOnce.Do(func() { close(l.ticked) })

	log := zerolog.Ctx(ctx)

	l.engine.ForgetFailures()

	// uuid -> hash -> set of upstream base URLs that advertised it.
	advertised := make(map[string]map[string]map[string]upstream.Server)
	for _, u := range l.known {
		advertised[u] = make(map[string]map[string]upstream.Server)
	}

	for _, srv := range l.upstream {
		l.harvest(ctx, srv, advertised, log)
	}

	l.crossCheck(ctx, advertised, log)

	changed := false

	for _, u := range l.known {
		if l.promote(ctx, u, advertised[u], log) {
			changed = true
		}
	}

	if changed {
		if err := l.publishListing(ctx); err != nil {
			log.Error().Err(err).Msg("error publishing the registry listing")
		}
	}
}

// harvest fetches srv's /registries listing and records every advertised
// (uuid, hash) pair known to this loop.
func (l *Loop) harvest(
	ctx context.Context,
	srv upstream.Server,
	advertised map[string]map[string]map[string]upstream.Server,
	log *zerolog.Logger,
) {
	var buf strings.Builder

	status, err := srv.Get(ctx, "registries", &buf)
	if err != nil {
		log.Error().Err(err).Str("server", srv.BaseURL()).Msg("error fetching registries listing from upstream")

		return
	}

	if status != upstream.StatusOK {
		return
	}

	scanner := bufio.NewScanner(strings.NewReader(buf.String()))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		r, ok := resource.Classify(line)
		if !ok || r.Kind != resource.KindRegistry {
			log.Error().Str("server", srv.BaseURL()).Str("line", line).Msg("malformed registries line, ignoring")

			continue
		}

		byHash, ok := advertised[r.UUID]
		if !ok {
			continue // not one of our known registries
		}

		if byHash[r.Hash] == nil {
			byHash[r.Hash] = make(map[string]upstream.Server)
		}

		byHash[r.Hash][srv.BaseURL()] = srv
	}
}

// crossCheck probes, with bounded concurrency, every upstream that did not
// advertise a given (uuid, hash) pair, since a storage server may host a
// hash without listing it in its own registries.
func (l *Loop) crossCheck(
	ctx context.Context,
	advertised map[string]map[string]map[string]upstream.Server,
	log *zerolog.Logger,
) {
	type probe struct {
		uuid, hash string
		srv        upstream.Server
	}

	var probes []probe

	for regUUID, byHash := range advertised {
		for hash, servers := range byHash {
			for _, srv := range l.upstream {
				if _, advertised := servers[srv.BaseURL()]; advertised {
					continue
				}

				probes = append(probes, probe{uuid: regUUID, hash: hash, srv: srv})
			}
		}
	}

	if len(probes) == 0 {
		return
	}

	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(l.crossCheckConcurrency)

	for _, p := range probes {
		p := p

		g.Go(func() error {
			target := resource.Registry(p.uuid, p.hash).Path()

			status, err := p.srv.Head(ctx, target)
			if err != nil || status != upstream.StatusOK {
				return nil
			}

			mu.Lock()
			advertised[p.uuid][p.hash][p.srv.BaseURL()] = p.srv
			mu.Unlock()

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("error during cross-check probing")
	}
}

// promote selects, for one registry, the advertised hash with the fewest
// known sources and attempts to fetch it; the first one to materialize
// locally is promoted. Returns true if the promoted hash changed.
func (l *Loop) promote(
	ctx context.Context,
	regUUID string,
	byHash map[string]map[string]upstream.Server,
	log *zerolog.Logger,
) bool {
	if len(byHash) == 0 {
		return false // serve stale rather than go blank
	}

	type candidate struct {
		hash    string
		servers []upstream.Server
	}

	candidates := make([]candidate, 0, len(byHash))

	for hash, servers := range byHash {
		list := make([]upstream.Server, 0, len(servers))
		for _, srv := range servers {
			list = append(list, srv)
		}

		candidates = append(candidates, candidate{hash: hash, servers: list})
	}

	sort.Slice(candidates, func(i, j int) bool {
		return len(candidates[i].servers) < len(candidates[j].servers)
	})

	previous := l.CurrentHash(regUUID)

	for _, c := range candidates {
		target := resource.Registry(regUUID, c.hash)

		if _, ok := l.engine.Fetch(ctx, target.Path(), c.servers...); ok {
			l.mu.Lock()
			l.state[regUUID] = state{hash: c.hash, servers: serverSet(c.servers)}
			l.mu.Unlock()

			return c.hash != previous
		}
	}

	log.Error().Str("registry", regUUID).Msg("no advertised hash for registry could be materialized this tick")

	return false
}

func serverSet(servers []upstream.Server) map[string]upstream.Server {
	m := make(map[string]upstream.Server, len(servers))
	for _, s := range servers {
		m[s.BaseURL()] = s
	}

	return m
}

// publishListing writes one "/registry/{uuid}/{hash}" line per known
// registry, in sorted UUID order, to the published listing file.
func (l *Loop) publishListing(ctx context.Context) error {
	l.mu.RLock()

	var b strings.Builder

	for _, u := range l.known {
		st, ok := l.state[u]
		if !ok {
			continue
		}

		fmt.Fprintf(&b, "/registry/%s/%s\n", u, st.hash)
	}

	l.mu.RUnlock()

	if _, err := l.st.Publish(ctx, resource.Resource{Kind: resource.KindRegistries}.Path(), strings.NewReader(b.String())); err != nil {
		return fmt.Errorf("error publishing the listing file: %w", err)
	}

	return nil
}
