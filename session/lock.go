package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const releaseLockScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

var releaseLockLua = redis.NewScript(releaseLockScript)

// Lock is the per-session refresh lock. Exactly one holder can win the lock
// for a session at a time; acquisition is a single atomic SET NX PX so two
// concurrent refresh attempts never both proceed.
type Lock struct {
	redis  redis.UniversalClient
	prefix string
}

// NewLock creates a refresh [Lock] backed by the given Redis client.
func NewLock(redisClient redis.UniversalClient, prefix string) *Lock {
	if prefix == "" {
		prefix = "slock"
	}
	return &Lock{
		redis:  redisClient,
		prefix: prefix,
	}
}

func (l *Lock) key(sessionID string) string {
	return l.prefix + ":" + sessionID
}

// Acquire attempts to take the refresh lock for a session. holder identifies
// the acquiring client (typically a tab ID). Returns false when another
// holder already owns the lock.
func (l *Lock) Acquire(ctx context.Context, sessionID, holder string, ttl time.Duration) (bool, error) {
	ok, err := l.redis.SetNX(ctx, l.key(sessionID), holder, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return ok, nil
}

// Holder returns the current lock holder and the remaining lock TTL, or an
// empty holder when the lock is free.
func (l *Lock) Holder(ctx context.Context, sessionID string) (string, time.Duration, error) {
	key := l.key(sessionID)

	holder, err := l.redis.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", 0, nil
		}
		return "", 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	ttl, err := l.redis.PTTL(ctx, key).Result()
	if err != nil {
		return "", 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if ttl < 0 {
		ttl = 0
	}

	return holder, ttl, nil
}

// Release frees the lock if holder still owns it. Releasing a lock that
// expired or was taken over is a no-op, never an error; release must always
// be safe to call from a defer.
func (l *Lock) Release(ctx context.Context, sessionID, holder string) error {
	err := releaseLockLua.Run(ctx, l.redis, []string{l.key(sessionID)}, holder).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}
