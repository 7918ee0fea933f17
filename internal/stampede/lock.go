package stampede

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"goflare.io/strata/internal/models"
	"goflare.io/strata/internal/utils"
)

// Locker hands out key-scoped, TTL-bounded regeneration locks.
type Locker interface {
	// Acquire tries once to take the lock on key. ok is false when another
	// holder owns it; err is reserved for store failures.
	Acquire(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	// Release frees the lock if token still owns it.
	Release(ctx context.Context, key, token string) error
}

// releaseScript deletes the lock only when the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// Breaker guards calls to the lock store, typically the distributed tier's
// own circuit breaker, so an outage seen by the tier also stops lock traffic.
type Breaker interface {
	Protect(op string, fn func() error) error
}

// RedisLocker implements Locker with SET NX PX and a compare-and-delete release.
type RedisLocker struct {
	client  redis.UniversalClient
	prefix  string
	breaker Breaker
}

var _ Locker = (*RedisLocker)(nil)

// NewRedisLocker creates a locker on client. breaker may be nil.
func NewRedisLocker(client redis.UniversalClient, prefix string, breaker Breaker) *RedisLocker {
	return &RedisLocker{client: client, prefix: prefix, breaker: breaker}
}

func (l *RedisLocker) protect(op string, fn func() error) error {
	if l.breaker == nil {
		if err := fn(); err != nil {
			return models.MarkUnavailable(err, "lock", op)
		}
		return nil
	}
	return l.breaker.Protect("lock "+op, fn)
}

// LockKey returns the store key guarding key.
func (l *RedisLocker) LockKey(key string) string {
	return utils.StorageKey(l.prefix, key)
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	var ok bool
	err := l.protect("acquire", func() error {
		var err error
		ok, err = l.client.SetNX(ctx, l.LockKey(key), token, ttl).Result()
		return err
	})
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

func (l *RedisLocker) Release(ctx context.Context, key, token string) error {
	if token == "" {
		return errors.New("release: empty lock token")
	}
	return l.protect("release", func() error {
		return releaseScript.Run(ctx, l.client, []string{l.LockKey(key)}, token).Err()
	})
}
