package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"
	"golang.org/x/term"
)

func rootFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "Set the log level",
			Sources: cli.EnvVars("LOG_LEVEL"),
			Value:   "info",
			Validator: func(lvl string) error {
				_, err := zerolog.ParseLevel(lvl)

				return err
			},
		},
		&cli.BoolFlag{
			Name:    "otel-enabled",
			Usage:   "Enable OpenTelemetry tracing, emitted to stdout",
			Sources: cli.EnvVars("OTEL_ENABLED"),
		},
	}
}

// beforeAction sets up the logger and the tracer provider before any
// subcommand runs.
func beforeAction() cli.BeforeFunc {
	return func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
		logLvl := cmd.String("log-level")

		lvl, err := zerolog.ParseLevel(logLvl)
		if err != nil {
			return ctx, fmt.Errorf("error parsing the log-level %q: %w", logLvl, err)
		}

		var output io.Writer = os.Stdout
		if term.IsTerminal(int(os.Stdout.Fd())) {
			output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		}

		ctx = zerolog.New(output).
			Level(lvl).
			With().
			Timestamp().
			Logger().
			WithContext(ctx)

		shutdown, err := setupTracerProvider(ctx, cmd.Bool("otel-enabled"))
		if err != nil {
			return ctx, err
		}

		otelShutdown = shutdown

		zerolog.Ctx(ctx).Info().Str("log_level", lvl.String()).Msg("logger created")

		return ctx, nil
	}
}

// otelShutdown is set by beforeAction and invoked by afterAction; the
// urfave/cli lifecycle hooks don't share mutable state any other way.
//
//nolint:gochecknoglobals
var otelShutdown func(context.Context) error

func afterAction() cli.AfterFunc {
	return func(ctx context.Context, _ *cli.Command) error {
		if otelShutdown != nil {
			return otelShutdown(ctx)
		}

		return nil
	}
}
