// Command pkgcached runs the content-addressed caching proxy front door and
// its registry convergence loop.
package main

import (
	"context"
	"log"
	"os"

	"github.com/urfave/cli/v3"
)

func main() {
	os.Exit(realMain())
}

func realMain() int {
	cmd := newCommand()

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Printf("error running pkgcached: %s", err)

		return 1
	}

	return 0
}

func newCommand() *cli.Command {
	return &cli.Command{
		Name:    "pkgcached",
		Usage:   "content-addressed caching proxy",
		Version: Version,
		Before:  beforeAction(),
		After:   afterAction(),
		Flags:   rootFlags(),
		Commands: []*cli.Command{
			serveCommand(),
		},
	}
}

// Version is meant to be set with ldflags at build time.
//
//nolint:gochecknoglobals
var Version = "dev"
