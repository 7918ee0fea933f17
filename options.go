package strata

import (
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"goflare.io/strata/internal/config"
)

// Option 定義初始化 Cache 的選項
type Option = config.Option

// Configuration sections accepted by the options below.
type (
	Config            = config.Config
	LocalTierConfig   = config.LocalTierConfig
	RedisTierConfig   = config.RedisTierConfig
	SQLiteTierConfig  = config.SQLiteTierConfig
	TierConfig        = config.TierConfig
	StampedeConfig    = config.StampedeConfig
	AdaptiveTTLConfig = config.AdaptiveTTLConfig
	CompressionConfig = config.CompressionConfig
	ResilienceConfig  = config.ResilienceConfig
	WarmingConfig     = config.WarmingConfig
)

// DefaultConfig returns the configuration New starts from.
func DefaultConfig() *Config {
	return config.Default()
}

// WithConfig replaces the whole configuration, e.g. one loaded from a file.
// Options given after it still apply.
func WithConfig(cfg *Config) Option {
	return func(c *config.Config) error {
		logger, client, mp, tp := c.Logger, c.RedisClient, c.MeterProvider, c.TracerProvider
		*c = *cfg
		if c.Logger == nil {
			c.Logger = logger
		}
		if c.RedisClient == nil {
			c.RedisClient = client
		}
		if c.MeterProvider == nil {
			c.MeterProvider = mp
		}
		if c.TracerProvider == nil {
			c.TracerProvider = tp
		}
		return nil
	}
}

// WithLogger 設置自定義的日誌記錄器
func WithLogger(logger *zap.Logger) Option {
	return config.WithLogger(logger)
}

// WithRedisClient uses client for the distributed tier, the regeneration lock
// and invalidation broadcasts. The caller keeps ownership of the client.
func WithRedisClient(client redis.UniversalClient) Option {
	return config.WithRedisClient(client)
}

// WithLocalTier 設置本地快取層
func WithLocalTier(local LocalTierConfig) Option {
	return config.WithLocalTier(local)
}

// WithDistributedTier 設置分散式快取層
func WithDistributedTier(dist RedisTierConfig) Option {
	return config.WithDistributedTier(dist)
}

// WithPersistentTier 設置持久化快取層
func WithPersistentTier(p SQLiteTierConfig) Option {
	return config.WithPersistentTier(p)
}

func WithStampede(s StampedeConfig) Option {
	return config.WithStampede(s)
}

func WithAdaptiveTTL(a AdaptiveTTLConfig) Option {
	return config.WithAdaptiveTTL(a)
}

func WithCompression(c CompressionConfig) Option {
	return config.WithCompression(c)
}

func WithResilience(r ResilienceConfig) Option {
	return config.WithResilience(r)
}

func WithWarming(w WarmingConfig) Option {
	return config.WithWarming(w)
}

// WithBroadcast publishes invalidations on channel and applies those of
// other processes to this process's private tiers.
func WithBroadcast(channel string) Option {
	return config.WithBroadcast(channel)
}

// WithSerialization 設置序列化方式 (json, gob, msgpack, raw)
func WithSerialization(name string) Option {
	return config.WithSerialization(name)
}

func WithMeterProvider(mp metric.MeterProvider) Option {
	return config.WithMeterProvider(mp)
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return config.WithTracerProvider(tp)
}
