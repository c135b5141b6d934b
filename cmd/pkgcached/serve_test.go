//nolint:testpackage
package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v3"
)

func parseServeFlags(t *testing.T, args []string) *cli.Command {
	t.Helper()

	var captured *cli.Command

	cmd := &cli.Command{
		Name: "serve",
		Flags: serveCommand().Flags,
		Action: func(_ context.Context, c *cli.Command) error {
			captured = c

			return nil
		},
	}

	require.NoError(t, cmd.Run(context.Background(), append([]string{"serve"}, args...)))

	return captured
}

func TestConfigFromFlagsRequiresUpstream(t *testing.T) {
	t.Parallel()

	cmd := parseServeFlags(t, []string{"--cache-path", "/tmp/cache"})

	_, err := configFromFlags(cmd)
	require.ErrorIs(t, err, ErrNoUpstreams)
}

func TestConfigFromFlagsParsesKnownRegistries(t *testing.T) {
	t.Parallel()

	cmd := parseServeFlags(t, []string{
		"--cache-path", "/tmp/cache",
		"--upstream", "http://a",
		"--upstream", "http://b",
		"--known-registry", "4c2e6f7a-5a34-4c1f-9c3e-1a2b3c4d5e6f",
		"--convergence-interval", "45s",
	})

	cfg, err := configFromFlags(cmd)
	require.NoError(t, err)

	assert.Equal(t, []string{"http://a", "http://b"}, cfg.Upstreams)
	assert.Len(t, cfg.KnownRegistries, 1)
	assert.Equal(t, 45*time.Second, cfg.ConvergenceInterval)
}

func TestConfigFromFlagsRejectsBadRegistryUUID(t *testing.T) {
	t.Parallel()

	cmd := parseServeFlags(t, []string{
		"--cache-path", "/tmp/cache",
		"--upstream", "http://a",
		"--known-registry", "not-a-uuid",
	})

	_, err := configFromFlags(cmd)
	require.Error(t, err)
}
