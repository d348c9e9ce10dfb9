package locks

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// releaseScript deletes the lock only when the caller still holds it, so a
// slow holder cannot release a lock that expired and was re-acquired.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is the multi-instance implementation: SET NX PX with a
// holder-checked release. Required when more than one service instance can
// refresh the same connection.
type RedisLocker struct {
	client *redis.Client
	prefix string
}

func NewRedisLocker(client *redis.Client, prefix string) *RedisLocker {
	return &RedisLocker{client: client, prefix: prefix}
}

func (l *RedisLocker) key(k string) string {
	return l.prefix + ":lock:" + k
}

// Acquire implements Locker.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	holder := uuid.NewString()
	redisKey := l.key(key)

	ok, err := l.client.SetNX(ctx, redisKey, holder, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotAcquired
	}

	release := func() {
		// Release runs on a fresh context: the caller's context may already be
		// done by the time the refresh finishes.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(releaseCtx, l.client, []string{redisKey}, holder).Err(); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("failed to release refresh lock, waiting for TTL expiry")
		}
	}
	return release, nil
}
