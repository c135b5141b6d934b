// Package lock provides a key-based exclusive locking abstraction, used by
// the fetch engine as a per-call race lock: one throwaway Locker per fetch,
// scoped to picking a single winner among racing upstream HEAD responders.
package lock

import (
	"context"
	"time"
)

// Locker provides exclusive, key-based locking semantics.
type Locker interface {
	// Lock acquires an exclusive lock for the given key, blocking until it is
	// available. The ttl parameter is ignored by local implementations.
	Lock(ctx context.Context, key string, ttl time.Duration) error

	// Unlock releases an exclusive lock for the given key.
	Unlock(ctx context.Context, key string) error

	// TryLock attempts to acquire an exclusive lock without blocking.
	// Returns (true, nil) if acquired, (false, nil) if held by someone else.
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
}
