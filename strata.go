// Package strata is a multi-level cache: a process-local tier, a Redis tier
// with stampede protection, and an optional SQLite tier, behind one
// get-or-compute API.
package strata

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"goflare.io/strata/internal/config"
	"goflare.io/strata/internal/hierarchy"
	"goflare.io/strata/internal/models"
	"goflare.io/strata/internal/stampede"
	"goflare.io/strata/internal/telemetry"
	"goflare.io/strata/internal/tier"
	"goflare.io/strata/internal/warming"
	"goflare.io/strata/pkg/serialization"
)

// Statistics is a point-in-time copy of the cache counters.
type Statistics = models.Snapshot

// GetOption adjusts a single Get or GetMultiple call.
type GetOption func(*getOptions)

type getOptions struct {
	consistent bool
}

// WithForceConsistentRead bypasses every tier for this call, recomputes the
// value and writes it through. The compute function sees the override via
// IsConsistentRead and can route its own query to a primary.
func WithForceConsistentRead() GetOption {
	return func(o *getOptions) { o.consistent = true }
}

// IsConsistentRead reports whether ctx belongs to a forced consistent read.
func IsConsistentRead(ctx context.Context) bool {
	return hierarchy.IsConsistentRead(ctx)
}

// Cache 是多層快取的主要結構體
type Cache[V any] struct {
	cfg      *config.Config
	codec    serialization.Codec[V]
	manager  *hierarchy.Manager
	warmer   *warming.Orchestrator[V]
	recorder *telemetry.Recorder
	stats    *models.Statistics
	logger   *zap.Logger

	client     redis.UniversalClient
	ownsClient bool

	warmMu     sync.Mutex
	stopWarm   context.CancelFunc
	warmWG     sync.WaitGroup
	closed     atomic.Bool
	closeOnce  sync.Once
	closeError error
}

// New 初始化 Cache，接受多個配置選項
func New[V any](ctx context.Context, opts ...Option) (*Cache[V], error) {
	cfg, err := config.NewConfig(opts...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create config")
	}

	codec, err := serialization.ForType[V](cfg.Serialization)
	if err != nil {
		return nil, err
	}

	c := &Cache[V]{
		cfg:    cfg,
		codec:  codec,
		stats:  models.NewStatistics(cfg.MaxTrackedKeys),
		logger: cfg.Logger,
	}

	mp := cfg.MeterProvider
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	c.recorder, err = telemetry.NewRecorder(mp.Meter(cfg.Telemetry.MeterName), cfg.Telemetry.SampleBuffer, c.stats, c.logger)
	if err != nil {
		return nil, err
	}

	tiers, ranker, err := c.buildTiers(ctx)
	if err != nil {
		c.recorder.Close()
		c.closeClient()
		return nil, err
	}

	c.manager, err = hierarchy.New(tiers, hierarchy.Options{
		Stats:          c.stats,
		Logger:         c.logger,
		TracerProvider: cfg.TracerProvider,
	})
	if err != nil {
		for _, t := range tiers {
			_ = t.Adapter.Close()
		}
		c.recorder.Close()
		c.closeClient()
		return nil, err
	}

	if cfg.Broadcast.Enabled && c.client != nil {
		b, err := hierarchy.NewBroadcaster(ctx, c.client, cfg.Broadcast.Channel, c.logger)
		if err != nil {
			c.logger.Warn("Invalidation broadcast disabled", zap.Error(err))
		} else {
			c.manager.AttachBroadcaster(b)
		}
	}

	c.warmer = warming.New[V](warming.Options{
		Parallelism:       cfg.Warming.Parallelism,
		Timeout:           cfg.Warming.Timeout,
		ExpectedItems:     cfg.Warming.ExpectedItems,
		FalsePositiveRate: cfg.Warming.FalsePositiveRate,
		Logger:            c.logger,
	})
	if ranker != nil && cfg.Warming.ReplayTopN > 0 {
		_ = c.warmer.Register(&warming.ReplayStrategy[V]{
			Name:   ReplayStrategyID,
			Order:  -1,
			Source: ranker,
			Codec:  codec,
			TopN:   cfg.Warming.ReplayTopN,
		})
	}

	c.logger.Info("Cache initialized",
		zap.Int("tiers", len(c.manager.Tiers())),
		zap.String("serialization", codec.Name()))
	return c, nil
}

// buildTiers creates every enabled tier from the configuration.
func (c *Cache[V]) buildTiers(ctx context.Context) ([]hierarchy.Tier, tier.Ranker, error) {
	cfg := c.cfg
	var (
		tiers  []hierarchy.Tier
		ranker tier.Ranker
	)
	closeAll := func() {
		for _, t := range tiers {
			_ = t.Adapter.Close()
		}
	}
	descriptor := func(t config.TierConfig) tier.Descriptor {
		return tier.Descriptor{Name: t.Name, Priority: t.Priority, BaseTTL: t.BaseTTL, Enabled: t.Enabled}
	}

	if local := cfg.Tiers.Local; local.Enabled {
		l, err := tier.NewLocal(local.Name, local.MaxCost, local.NumCounters, c.logger)
		if err != nil {
			return nil, nil, err
		}
		tiers = append(tiers, hierarchy.Tier{
			Adapter:    telemetry.Observe(l, c.recorder, c.stats),
			Descriptor: descriptor(local.TierConfig),
		})
	}

	if dist := cfg.Tiers.Distributed; dist.Enabled {
		c.client = cfg.RedisClient
		if c.client == nil {
			c.client = redis.NewClient(&redis.Options{
				Addr:         dist.Addr,
				Password:     dist.Password,
				DB:           dist.DB,
				DialTimeout:  dist.DialTimeout,
				ReadTimeout:  dist.ReadTimeout,
				WriteTimeout: dist.WriteTimeout,
			})
			c.ownsClient = true
		}
		if err := c.client.Ping(ctx).Err(); err != nil {
			c.logger.Warn("Redis is unreachable, distributed tier starts degraded",
				zap.String("tier", dist.Name), zap.Error(err))
		}

		retry := cfg.Resilience.Retry
		inner, err := tier.NewRedis(dist.Name, c.client, tier.RedisOptions{
			Prefix:      dist.KeyPrefix,
			TagIndexTTL: dist.TagIndexTTL,
			Breaker:     cfg.Resilience.BreakerSettings(dist.Name, nil, c.logger),
			Retry:       &retry,
		}, c.logger)
		if err != nil {
			closeAll()
			return nil, nil, err
		}

		var locker stampede.Locker
		if cfg.Stampede.Enabled {
			locker = stampede.NewRedisLocker(c.client, cfg.Stampede.LockPrefix, inner)
		}
		protected, err := stampede.New(telemetry.Observe(inner, c.recorder, c.stats), locker, stampede.Options{
			Stampede:    cfg.Stampede,
			AdaptiveTTL: cfg.AdaptiveTTL,
			Compression: cfg.Compression,
		}, c.stats, c.logger)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		tiers = append(tiers, hierarchy.Tier{
			Adapter:    protected,
			Descriptor: descriptor(dist.TierConfig),
			Shared:     true,
		})
	}

	if persist := cfg.Tiers.Persistent; persist.Enabled {
		s, err := tier.NewSQLite(ctx, persist.Name, tier.SQLiteOptions{
			Path:         persist.Path,
			ExpiryCheck:  persist.ExpiryCheck,
			QueryTimeout: persist.QueryTimeout,
			Breaker:      cfg.Resilience.BreakerSettings(persist.Name, nil, c.logger),
		}, c.logger)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		ranker = s
		tiers = append(tiers, hierarchy.Tier{
			Adapter:    telemetry.Observe(s, c.recorder, c.stats),
			Descriptor: descriptor(persist.TierConfig),
		})
	}

	return tiers, ranker, nil
}

func (c *Cache[V]) closeClient() {
	if c.ownsClient && c.client != nil {
		if err := c.client.Close(); err != nil {
			c.logger.Debug("Failed to close redis client", zap.Error(err))
		}
	}
}

func applyGetOptions(ctx context.Context, opts []GetOption) context.Context {
	var o getOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.consistent {
		return hierarchy.WithConsistentRead(ctx)
	}
	return ctx
}

// errUnencodable signals a computed value that could not be serialized.
var errUnencodable = errors.New("computed value could not be encoded")

// Get 獲取快取項目，未命中時透過 compute 計算並寫入各層
//
// Backing-store failures never surface here; only errors returned by compute
// do, marked with ErrComputeFailed.
func (c *Cache[V]) Get(ctx context.Context, key string, compute func(ctx context.Context) (V, error), ttl time.Duration, tags []string, opts ...GetOption) (V, error) {
	var zero V
	if compute == nil {
		return zero, ErrNilCompute
	}
	ctx = applyGetOptions(ctx, opts)

	var (
		computed V
		produced bool
	)
	fill := func(ctx context.Context) ([]byte, error) {
		v, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		computed, produced = v, true
		data, err := c.codec.Marshal(v)
		if err != nil {
			return nil, errors.Mark(errors.Wrap(err, "encode computed value"), errUnencodable)
		}
		return data, nil
	}

	entry, _, err := c.manager.Get(ctx, key, fill, ttl, tags)
	if err != nil {
		if !errors.Is(err, errUnencodable) {
			return zero, err
		}
		c.logger.Warn("Computed value not cacheable", zap.String("key", key), zap.Error(err))
		if produced {
			return computed, nil
		}
		// another caller's value could not be cached; serve our own uncached
		value, err := compute(ctx)
		if err != nil {
			return zero, models.MarkComputeFailed(err)
		}
		return value, nil
	}
	if produced {
		return computed, nil
	}

	value, err := c.codec.Unmarshal(entry.Value)
	if err == nil {
		return value, nil
	}

	// an undecodable entry is dropped and replaced by a fresh computation
	c.logger.Warn("Dropping undecodable entry", zap.String("key", key), zap.Error(err))
	if err := c.manager.Delete(ctx, key); err != nil {
		c.logger.Debug("Failed to drop undecodable entry", zap.String("key", key), zap.Error(err))
	}
	value, err = compute(ctx)
	if err != nil {
		return zero, models.MarkComputeFailed(err)
	}
	if err := c.Set(ctx, key, value, ttl, tags); err != nil {
		c.logger.Warn("Failed to store recomputed value", zap.String("key", key), zap.Error(err))
	}
	return value, nil
}

// Lookup returns the cached value of key without computing it.
func (c *Cache[V]) Lookup(ctx context.Context, key string) (V, bool, error) {
	var zero V
	entry, found, err := c.manager.Get(ctx, key, nil, 0, nil)
	if err != nil || !found {
		return zero, false, err
	}
	value, err := c.codec.Unmarshal(entry.Value)
	if err != nil {
		c.logger.Warn("Dropping undecodable entry", zap.String("key", key), zap.Error(err))
		_ = c.manager.Delete(ctx, key)
		return zero, false, nil
	}
	return value, true, nil
}

// Set 設置快取項目，寫入所有層
func (c *Cache[V]) Set(ctx context.Context, key string, value V, ttl time.Duration, tags []string) error {
	data, err := c.codec.Marshal(value)
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "encode %q", key), ErrSerialization)
	}
	return c.manager.Set(ctx, key, data, ttl, tags)
}

// Delete 刪除快取項目
func (c *Cache[V]) Delete(ctx context.Context, key string) error {
	return c.manager.Delete(ctx, key)
}

// InvalidateTags removes every entry carrying one of tags. Tiers without a
// tag index (the local tier) are cleared entirely.
func (c *Cache[V]) InvalidateTags(ctx context.Context, tags []string) error {
	return c.manager.InvalidateTags(ctx, tags)
}

// Clear 清空所有快取
func (c *Cache[V]) Clear(ctx context.Context) error {
	return c.manager.Clear(ctx)
}

// GetMultiple 獲取多個快取項目，所有未命中的鍵只呼叫一次 compute
func (c *Cache[V]) GetMultiple(ctx context.Context, keys []string, compute func(ctx context.Context, missing []string) (map[string]V, error), ttl time.Duration, tags []string, opts ...GetOption) (map[string]V, error) {
	ctx = applyGetOptions(ctx, opts)

	computed := make(map[string]V)
	var batch hierarchy.BatchComputeFunc
	if compute != nil {
		batch = func(ctx context.Context, missing []string) (map[string][]byte, error) {
			values, err := compute(ctx, missing)
			if err != nil {
				return nil, err
			}
			out := make(map[string][]byte, len(values))
			for k, v := range values {
				computed[k] = v
				data, err := c.codec.Marshal(v)
				if err != nil {
					c.logger.Warn("Computed value not cacheable", zap.String("key", k), zap.Error(err))
					continue
				}
				out[k] = data
			}
			return out, nil
		}
	}

	entries, err := c.manager.GetMultiple(ctx, keys, batch, ttl, tags)
	if err != nil {
		return nil, err
	}

	result := make(map[string]V, len(entries)+len(computed))
	for k, v := range computed {
		result[k] = v
	}
	for k, entry := range entries {
		if _, ok := result[k]; ok {
			continue
		}
		v, err := c.codec.Unmarshal(entry.Value)
		if err != nil {
			c.logger.Warn("Dropping undecodable entry", zap.String("key", k), zap.Error(err))
			_ = c.manager.Delete(ctx, k)
			continue
		}
		result[k] = v
	}
	return result, nil
}

// Stats 返回快取統計資料
func (c *Cache[V]) Stats() Statistics {
	return c.stats.Snapshot()
}

// Close 關閉快取，釋放資源
func (c *Cache[V]) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.StopWarming()
		c.closeError = c.manager.Close()
		c.recorder.Close()
		c.closeClient()
		c.logger.Info("Cache closed")
	})
	return c.closeError
}
