// Package local provides a local (single-instance) lock.Locker
// implementation using standard Go sync primitives. It ignores the TTL
// parameter since local locks don't expire.
package local

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kalbasit/pkgcache/pkg/lock"
)

var (
	// ErrUnlockUnknownKey is returned when attempting to unlock a key that is not locked.
	ErrUnlockUnknownKey = fmt.Errorf("local.Locker: unlock of unknown key")

	// ErrRUnlockUnknownKey names a read-unlock of a key that is not locked.
	// Locker has no read-lock methods, so none of them returns it.
	ErrRUnlockUnknownKey = fmt.Errorf("local.Locker: runlock of unknown key")
)

// Locker implements lock.Locker using per-key mutexes.
// Uses a map of mutexes to provide true per-key locking semantics
// without the risk of shard collisions. Ref-counting is used to
// clean up mutexes when they are no longer in use.
type Locker struct {
	mu      sync.Mutex
	lockers map[string]*keyLock
}

type keyLock struct {
	sync.Mutex
	refCount  int
	startTime time.Time
}

// NewLocker creates a new local locker.
func NewLocker() lock.Locker {
	return &Locker{
		lockers: make(map[string]*keyLock),
	}
}

// getLock returns the lock for the given key, creating it if it doesn't exist.
// It also increments the reference count.
func (l *Locker) getLock(key string) *keyLock {
	l.mu.Lock()
	defer l.mu.Unlock()

	kl, ok := l.lockers[key]
	if !ok {
		kl = &keyLock{}
		l.lockers[key] = kl
	}

	kl.refCount++

	return kl
}

// releaseLock decrements the reference count and removes the lock from the map if it reaches zero.
func (l *Locker) releaseLock(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	kl := l.lockers[key]

	kl.refCount--
	if kl.refCount == 0 {
		delete(l.lockers, key)
	}
}

// Lock acquires an exclusive lock. The ttl parameter is ignored.
func (l *Locker) Lock(_ context.Context, key string, _ time.Duration) error {
	kl := l.getLock(key)

	kl.Lock()

	kl.startTime = time.Now()

	return nil
}

// Unlock releases an exclusive lock for the given key.
func (l *Locker) Unlock(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	kl, ok := l.lockers[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnlockUnknownKey, key)
	}

	// A successful TryLock means nobody holds the key: undo it and report
	// the key as not locked rather than unlocking an unlocked mutex.
	if kl.TryLock() {
		kl.Unlock()

		return fmt.Errorf("%w: %s", ErrUnlockUnknownKey, key)
	}

	kl.startTime = time.Time{}

	kl.Unlock()

	kl.refCount--
	if kl.refCount == 0 {
		delete(l.lockers, key)
	}

	return nil
}

// TryLock attempts to acquire an exclusive lock without blocking.
func (l *Locker) TryLock(_ context.Context, key string, _ time.Duration) (bool, error) {
	kl := l.getLock(key)

	acquired := kl.TryLock()

	if acquired {
		kl.startTime = time.Now()
	} else {
		l.releaseLock(key)
	}

	return acquired, nil
}
