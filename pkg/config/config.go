// Package config holds the static, startup-time configuration for a
// pkgcache server. Unlike the teacher's database-backed config, every
// field here is set once from flags/environment and never mutated at
// runtime.
package config

import (
	"time"

	"github.com/google/uuid"
)

// Config is the fully resolved, validated startup configuration.
type Config struct {
	// ListenAddr is the address the front door listens on, e.g. ":8080".
	ListenAddr string

	// CachePath is the root directory the local store publishes files under.
	CachePath string

	// Upstreams is the set of storage servers raced for every fetch.
	Upstreams []string

	// KnownRegistries are the registry UUIDs the convergence loop tracks.
	KnownRegistries []uuid.UUID

	// ConvergenceInterval is how often the registry loop re-polls upstreams.
	ConvergenceInterval time.Duration

	// AdminUser/AdminPassword gate the /debug/log-level endpoint. An empty
	// AdminUser disables that endpoint entirely.
	AdminUser     string
	AdminPassword string
}
