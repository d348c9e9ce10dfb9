// Package locks provides the advisory per-connection lock held across one
// read-refresh-write sequence. Provider refresh tokens rotate on use, so two
// concurrent refreshes of the same connection would burn the same refresh
// token twice and the provider would reject the second attempt.
package locks

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
)

// ErrNotAcquired means another holder owns the lock. Treat as transient.
var ErrNotAcquired = errors.New("lock not acquired")

// Locker hands out exclusive, TTL-bounded locks keyed by connection id. The
// TTL bounds the damage of a crashed holder; release is best effort.
type Locker interface {
	// Acquire returns a release func on success or ErrNotAcquired when the
	// lock is held elsewhere. Non-blocking.
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// MemoryLocker is the single-instance implementation, backed by ttlcache so
// locks abandoned by a crashed goroutine expire on their own.
type MemoryLocker struct {
	mu    sync.Mutex
	cache *ttlcache.Cache[string, string]
}

func NewMemoryLocker() *MemoryLocker {
	cache := ttlcache.New(
		ttlcache.WithDisableTouchOnHit[string, string](),
	)
	go cache.Start()

	return &MemoryLocker{cache: cache}
}

// Acquire implements Locker.
func (l *MemoryLocker) Acquire(_ context.Context, key string, ttl time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cache.Get(key) != nil {
		return nil, ErrNotAcquired
	}

	holder := uuid.NewString()
	l.cache.Set(key, holder, ttl)

	release := func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		// Only the holder that set the entry may remove it; a lock that
		// expired and was re-acquired belongs to someone else now.
		if item := l.cache.Get(key); item != nil && item.Value() == holder {
			l.cache.Delete(key)
		}
	}
	return release, nil
}
