package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/kalbasit/pkgcache/pkg/config"
	"github.com/kalbasit/pkgcache/pkg/fetch"
	"github.com/kalbasit/pkgcache/pkg/metrics"
	"github.com/kalbasit/pkgcache/pkg/registry"
	"github.com/kalbasit/pkgcache/pkg/server"
	"github.com/kalbasit/pkgcache/pkg/store/local"
	"github.com/kalbasit/pkgcache/pkg/upstream"
)

// ErrNoUpstreams is returned when --upstream was not given at least once.
var ErrNoUpstreams = errors.New("at least one --upstream is required")

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:    "serve",
		Aliases: []string{"s"},
		Usage:   "serve the cache over http and run the registry convergence loop",
		Action:  serveAction(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "listen-addr",
				Usage:   "The address the front door listens on",
				Sources: cli.EnvVars("LISTEN_ADDR"),
				Value:   ":8080",
			},
			&cli.StringFlag{
				Name:     "cache-path",
				Usage:    "The local directory the cache store publishes files under",
				Sources:  cli.EnvVars("CACHE_PATH"),
				Required: true,
			},
			&cli.StringSliceFlag{
				Name:     "upstream",
				Usage:    "Set to a base URL for each upstream storage server",
				Sources:  cli.EnvVars("UPSTREAMS"),
			},
			&cli.StringSliceFlag{
				Name:    "known-registry",
				Usage:   "A registry UUID the convergence loop tracks",
				Sources: cli.EnvVars("KNOWN_REGISTRIES"),
			},
			&cli.DurationFlag{
				Name:    "convergence-interval",
				Usage:   "How often the registry loop re-polls upstreams",
				Sources: cli.EnvVars("CONVERGENCE_INTERVAL"),
				Value:   30 * time.Second,
			},
			&cli.StringFlag{
				Name:    "admin-user",
				Usage:   "Username gating the /debug/log-level endpoint; empty disables it",
				Sources: cli.EnvVars("ADMIN_USER"),
			},
			&cli.StringFlag{
				Name:    "admin-password",
				Usage:   "Password gating the /debug/log-level endpoint",
				Sources: cli.EnvVars("ADMIN_PASSWORD"),
			},
		},
	}
}

func serveAction() cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		logger := zerolog.Ctx(ctx).With().Str("cmd", "serve").Logger()
		ctx = logger.WithContext(ctx)

		cfg, err := configFromFlags(cmd)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		g, ctx := errgroup.WithContext(ctx)

		g.Go(func() error {
			return autoMaxProcs(ctx, 30*time.Second)
		})

		st, err := local.New(ctx, cfg.CachePath)
		if err != nil {
			return fmt.Errorf("error creating the local store: %w", err)
		}

		servers := make([]upstream.Server, 0, len(cfg.Upstreams))
		for _, base := range cfg.Upstreams {
			servers = append(servers, upstream.New(base))
		}

		m := metrics.New()
		engine := fetch.New(st, servers...).WithMetrics(m)
		loop := registry.New(engine, st, servers, cfg.KnownRegistries, cfg.ConvergenceInterval)

		g.Go(func() error {
			loop.Start(ctx)

			return nil
		})

		srv := server.New(engine, st, m, loop, cfg.AdminUser, cfg.AdminPassword)

		httpServer := &http.Server{
			BaseContext:       func(net.Listener) context.Context { return ctx },
			Addr:              cfg.ListenAddr,
			Handler:           srv,
			ReadHeaderTimeout: 10 * time.Second,
		}

		g.Go(func() error {
			<-ctx.Done()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			return httpServer.Shutdown(shutdownCtx)
		})

		logger.Info().Str("listen_addr", cfg.ListenAddr).Msg("server started")

		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			cancel()

			_ = g.Wait()

			return fmt.Errorf("error starting the HTTP listener: %w", err)
		}

		cancel()

		return g.Wait()
	}
}

func configFromFlags(cmd *cli.Command) (config.Config, error) {
	upstreams := cmd.StringSlice("upstream")
	if len(upstreams) == 0 {
		return config.Config{}, ErrNoUpstreams
	}

	knownStrs := cmd.StringSlice("known-registry")

	known := make([]uuid.UUID, 0, len(knownStrs))

	for _, s := range knownStrs {
		u, err := uuid.Parse(s)
		if err != nil {
			return config.Config{}, fmt.Errorf("error parsing --known-registry=%q: %w", s, err)
		}

		known = append(known, u)
	}

	return config.Config{
		ListenAddr:          cmd.String("listen-addr"),
		CachePath:           cmd.String("cache-path"),
		Upstreams:           upstreams,
		KnownRegistries:     known,
		ConvergenceInterval: cmd.Duration("convergence-interval"),
		AdminUser:           cmd.String("admin-user"),
		AdminPassword:       cmd.String("admin-password"),
	}, nil
}
