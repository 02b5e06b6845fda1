package core

import (
	"context"
	"time"
)

// CacheRepository is the shared key store behind the scheduler fire lock.
type CacheRepository interface {
	// SetIfNotExists atomically sets key when it is absent and reports whether it did.
	// A non-positive ttl is raised to one second; fire keys never live forever.
	SetIfNotExists(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
}

// CacheFireLock claims scheduler fire keys in a shared cache so that only one
// controller replica triggers a job for a given minute.
type CacheFireLock struct {
	cache CacheRepository
	owner string
}

// NewCacheFireLock returns a fire lock backed by cache. owner is stored as the key value
// so the claiming replica can be read back from the cache.
func NewCacheFireLock(cache CacheRepository, owner string) *CacheFireLock {
	return &CacheFireLock{cache: cache, owner: owner}
}

// Acquire claims key for ttl. It returns false when another replica holds it.
func (l *CacheFireLock) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return l.cache.SetIfNotExists(ctx, key, []byte(l.owner), ttl)
}

// LocalFireLock is the single-replica fallback used when no shared cache is configured.
type LocalFireLock struct{}

// Acquire always succeeds.
func (LocalFireLock) Acquire(context.Context, string, time.Duration) (bool, error) {
	return true, nil
}
