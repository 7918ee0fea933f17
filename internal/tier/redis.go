package tier

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"goflare.io/strata/internal/models"
	"goflare.io/strata/internal/retrier"
	"goflare.io/strata/internal/utils"
)

// scanBatch is the COUNT hint used when walking the key space.
const scanBatch = 500

// invalidateScript removes every member of the given tag sets and the sets themselves.
var invalidateScript = redis.NewScript(`
local removed = 0
for _, tagKey in ipairs(KEYS) do
	local members = redis.call('SMEMBERS', tagKey)
	for _, member in ipairs(members) do
		removed = removed + redis.call('DEL', member)
	end
	redis.call('DEL', tagKey)
end
return removed
`)

// RedisOptions configures a Redis tier.
type RedisOptions struct {
	Prefix      string
	TagIndexTTL time.Duration
	Breaker     gobreaker.Settings
	Retry       *retrier.Settings
}

// Redis is the distributed tier. Keys are stored under a fixed-length hash of
// the logical key; tags are indexed in one set per tag.
type Redis struct {
	name   string
	prefix string
	tagTTL time.Duration
	client redis.UniversalClient
	guard  *guard
	logger *zap.Logger
}

var _ Adapter = (*Redis)(nil)

// NewRedis returns a Redis tier. The caller owns the client lifecycle.
func NewRedis(name string, client redis.UniversalClient, opts RedisOptions, logger *zap.Logger) (*Redis, error) {
	if client == nil {
		return nil, errors.New("redis tier: client is required")
	}

	var r *retrier.Retrier
	if opts.Retry != nil {
		var err error
		r, err = retrier.New(*opts.Retry, retryableRedisError)
		if err != nil {
			return nil, errors.Wrap(err, "failed to create retrier")
		}
	}

	return &Redis{
		name:   name,
		prefix: opts.Prefix,
		tagTTL: opts.TagIndexTTL,
		client: client,
		guard:  newGuard(name, opts.Breaker, r, isRedisMiss),
		logger: logger,
	}, nil
}

func isRedisMiss(err error) bool {
	return errors.Is(err, redis.Nil)
}

// retryableRedisError retries transport failures but not server replies.
func retryableRedisError(err error) bool {
	if errors.Is(err, redis.Nil) {
		return false
	}
	var replyErr redis.Error
	return !errors.As(err, &replyErr)
}

func (r *Redis) Name() string { return r.name }

// StorageKey returns the key under which key is stored.
func (r *Redis) StorageKey(key string) string {
	return utils.StorageKey(r.prefix, key)
}

func (r *Redis) tagKey(tag string) string {
	return utils.StorageKey(r.prefix+":tag", tag)
}

func (r *Redis) Get(ctx context.Context, key string) (*models.Entry, bool, error) {
	skey := r.StorageKey(key)

	var data []byte
	err := r.guard.do(ctx, "get", func() error {
		var err error
		data, err = r.client.Get(ctx, skey).Bytes()
		return err
	})
	if isRedisMiss(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	entry, err := decodeEntry(data)
	if err != nil {
		r.logger.Warn("Dropping undecodable entry", zap.String("tier", r.name), zap.String("key", key), zap.Error(err))
		_ = r.client.Del(ctx, skey).Err()
		return nil, false, nil
	}
	if entry.IsExpired() {
		return nil, false, nil
	}
	return entry, true, nil
}

func (r *Redis) Set(ctx context.Context, key string, entry *models.Entry, ttl time.Duration) error {
	data, err := encodeEntry(entry, ttl)
	if err != nil {
		return err
	}
	if ttl < 0 {
		ttl = 0
	}

	skey := r.StorageKey(key)
	tagTTL := max(r.tagTTL, ttl)

	return r.guard.do(ctx, "set", func() error {
		_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, skey, data, ttl)
			for _, tag := range entry.Tags {
				tk := r.tagKey(tag)
				pipe.SAdd(ctx, tk, skey)
				if tagTTL > 0 {
					// the index lives at least as long as its longest member
					pipe.ExpireNX(ctx, tk, tagTTL)
					pipe.ExpireGT(ctx, tk, tagTTL)
				}
			}
			return nil
		})
		return err
	})
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	skey := r.StorageKey(key)
	return r.guard.do(ctx, "delete", func() error {
		return r.client.Del(ctx, skey).Err()
	})
}

// Clear removes every key under the tier prefix. Keys outside the prefix,
// including regeneration locks, are left alone.
func (r *Redis) Clear(ctx context.Context) error {
	pattern := r.prefix + ":*"
	if r.prefix == "" {
		pattern = "*"
	}

	return r.guard.do(ctx, "clear", func() error {
		var cursor uint64
		for {
			keys, next, err := r.client.Scan(ctx, cursor, pattern, scanBatch).Result()
			if err != nil {
				return err
			}
			if len(keys) > 0 {
				if err := r.client.Del(ctx, keys...).Err(); err != nil {
					return err
				}
			}
			if next == 0 {
				return nil
			}
			cursor = next
		}
	})
}

func (r *Redis) SupportsTags() bool { return true }

func (r *Redis) InvalidateTags(ctx context.Context, tags []string) error {
	if len(tags) == 0 {
		return nil
	}
	keys := make([]string, 0, len(tags))
	for _, tag := range tags {
		keys = append(keys, r.tagKey(tag))
	}

	return r.guard.do(ctx, "invalidate", func() error {
		removed, err := invalidateScript.Run(ctx, r.client, keys).Int64()
		if err != nil {
			return err
		}
		r.logger.Debug("Invalidated tags", zap.String("tier", r.name), zap.Strings("tags", tags), zap.Int64("removed", removed))
		return nil
	})
}

// Close is a no-op; the caller owns the redis client.
func (r *Redis) Close() error {
	return nil
}

// Protect runs fn, an operation on the tier's client, behind the tier's
// circuit breaker. It is not retried; an open breaker fails fast with
// ErrBackingStoreUnavailable.
func (r *Redis) Protect(op string, fn func() error) error {
	return r.guard.once(op, fn)
}

// BreakerState reports the circuit breaker state of the tier.
func (r *Redis) BreakerState() gobreaker.State {
	return r.guard.State()
}
