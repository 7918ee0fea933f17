package config

import (
	"runtime"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"goflare.io/strata/internal/retrier"
	"goflare.io/strata/pkg/serialization"
)

// Config 用於 Cache 的配置
type Config struct {
	Tiers         TiersConfig       `mapstructure:"tiers"`
	Stampede      StampedeConfig    `mapstructure:"stampede"`
	AdaptiveTTL   AdaptiveTTLConfig `mapstructure:"adaptive_ttl"`
	Compression   CompressionConfig `mapstructure:"compression"`
	Resilience    ResilienceConfig  `mapstructure:"resilience"`
	Warming       WarmingConfig     `mapstructure:"warming"`
	Telemetry     TelemetryConfig   `mapstructure:"telemetry"`
	Broadcast     BroadcastConfig   `mapstructure:"broadcast"`
	Serialization string            `mapstructure:"serialization"`

	// MaxTrackedKeys bounds the per-key access table that drives adaptive TTL.
	MaxTrackedKeys int `mapstructure:"max_tracked_keys"`

	Logger         *zap.Logger           `mapstructure:"-"`
	RedisClient    redis.UniversalClient `mapstructure:"-"`
	MeterProvider  metric.MeterProvider  `mapstructure:"-"`
	TracerProvider trace.TracerProvider  `mapstructure:"-"`
}

// TierConfig is the static descriptor shared by every tier.
type TierConfig struct {
	Name     string        `mapstructure:"name"`
	Priority int           `mapstructure:"priority"`
	BaseTTL  time.Duration `mapstructure:"base_ttl"`
	Enabled  bool          `mapstructure:"enabled"`
}

// TiersConfig 各層快取配置
type TiersConfig struct {
	Local       LocalTierConfig  `mapstructure:"local"`
	Distributed RedisTierConfig  `mapstructure:"distributed"`
	Persistent  SQLiteTierConfig `mapstructure:"persistent"`
}

// LocalTierConfig configures the process-local ristretto tier.
type LocalTierConfig struct {
	TierConfig  `mapstructure:",squash"`
	MaxCost     int64 `mapstructure:"max_cost"`
	NumCounters int64 `mapstructure:"num_counters"`
}

// RedisTierConfig configures the distributed tier.
type RedisTierConfig struct {
	TierConfig   `mapstructure:",squash"`
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	KeyPrefix    string        `mapstructure:"key_prefix"`
	TagIndexTTL  time.Duration `mapstructure:"tag_index_ttl"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// SQLiteTierConfig configures the persistent query-cache tier.
type SQLiteTierConfig struct {
	TierConfig   `mapstructure:",squash"`
	Path         string        `mapstructure:"path"`
	ExpiryCheck  time.Duration `mapstructure:"expiry_check"`
	QueryTimeout time.Duration `mapstructure:"query_timeout"`
}

// StampedeConfig configures the lock-guarded compute path.
type StampedeConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	LockTTL       time.Duration `mapstructure:"lock_ttl"`
	LockWait      time.Duration `mapstructure:"lock_wait"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	Backoff       time.Duration `mapstructure:"backoff"`
	CollapseLocal bool          `mapstructure:"collapse_local"`
	LockPrefix    string        `mapstructure:"lock_prefix"`
}

// AdaptiveTTLConfig 自適應 TTL 配置
type AdaptiveTTLConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	MinTTL    time.Duration `mapstructure:"min_ttl"`
	MaxTTL    time.Duration `mapstructure:"max_ttl"`
	Divisor   float64       `mapstructure:"divisor"`
	MaxFactor float64       `mapstructure:"max_factor"`
}

// CompressionConfig configures value compression in the distributed tier.
type CompressionConfig struct {
	Enabled   bool `mapstructure:"enabled"`
	Threshold int  `mapstructure:"threshold"`
	Level     int  `mapstructure:"level"`
}

// ResilienceConfig 用於設置重試和熔斷器
type ResilienceConfig struct {
	BreakerMaxRequests uint32           `mapstructure:"breaker_max_requests"`
	BreakerInterval    time.Duration    `mapstructure:"breaker_interval"`
	BreakerTimeout     time.Duration    `mapstructure:"breaker_timeout"`
	BreakerTrip        uint32           `mapstructure:"breaker_trip"`
	Retry              retrier.Settings `mapstructure:"retry"`
}

// BreakerSettings builds the gobreaker settings for the named store.
// Failures accepted by isSuccessful do not count against the breaker.
func (r ResilienceConfig) BreakerSettings(name string, isSuccessful func(error) bool, logger *zap.Logger) gobreaker.Settings {
	trip := r.BreakerTrip
	return gobreaker.Settings{
		Name:        name,
		MaxRequests: r.BreakerMaxRequests,
		Interval:    r.BreakerInterval,
		Timeout:     r.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= trip
		},
		IsSuccessful: isSuccessful,
		OnStateChange: func(name string, from, to gobreaker.State) {
			if logger != nil {
				logger.Warn("Circuit breaker state changed",
					zap.String("breaker", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			}
		},
	}
}

// WarmingConfig configures the warming orchestrator.
type WarmingConfig struct {
	Parallelism       int           `mapstructure:"parallelism"`
	Timeout           time.Duration `mapstructure:"timeout"`
	ExpectedItems     uint          `mapstructure:"expected_items"`
	FalsePositiveRate float64       `mapstructure:"false_positive_rate"`
	Interval          time.Duration `mapstructure:"interval"`
	// ReplayTopN bounds the persistent-tier replay strategy.
	ReplayTopN int `mapstructure:"replay_top_n"`
}

// TelemetryConfig configures performance sampling.
type TelemetryConfig struct {
	SampleBuffer int    `mapstructure:"sample_buffer"`
	MeterName    string `mapstructure:"meter_name"`
}

// BroadcastConfig configures cross-process invalidation.
type BroadcastConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Channel string `mapstructure:"channel"`
}

// Option 函數類型
type Option func(*Config) error

var (
	ErrNoTierEnabled     = errors.New("at least one tier must be enabled")
	ErrInvalidTTLBounds  = errors.New("adaptive ttl: min ttl must not exceed max ttl")
	ErrInvalidThreshold  = errors.New("compression threshold must not be negative")
	ErrInvalidLockTTL    = errors.New("stampede lock ttl must be positive")
	ErrInvalidDivisor    = errors.New("adaptive ttl divisor must be positive")
	ErrDuplicateTierName = errors.New("tier names must be unique")
)

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Tiers: TiersConfig{
			Local: LocalTierConfig{
				TierConfig: TierConfig{Name: "local", Priority: 0, BaseTTL: time.Minute, Enabled: true},
				MaxCost:    64 << 20, // 64MB
			},
			Distributed: RedisTierConfig{
				TierConfig:   TierConfig{Name: "redis", Priority: 10, BaseTTL: time.Hour, Enabled: true},
				Addr:         "localhost:6379",
				KeyPrefix:    "strata",
				TagIndexTTL:  24 * time.Hour,
				DialTimeout:  5 * time.Second,
				ReadTimeout:  3 * time.Second,
				WriteTimeout: 3 * time.Second,
			},
			Persistent: SQLiteTierConfig{
				TierConfig:   TierConfig{Name: "sqlite", Priority: 20, BaseTTL: 24 * time.Hour, Enabled: false},
				Path:         ":memory:",
				ExpiryCheck:  time.Minute,
				QueryTimeout: 5 * time.Second,
			},
		},
		Stampede: StampedeConfig{
			Enabled:       true,
			LockTTL:       30 * time.Second,
			LockWait:      2 * time.Second,
			PollInterval:  25 * time.Millisecond,
			Backoff:       100 * time.Millisecond,
			CollapseLocal: true,
			LockPrefix:    "strata-lock",
		},
		AdaptiveTTL: AdaptiveTTLConfig{
			Enabled:   true,
			MinTTL:    time.Minute,
			MaxTTL:    24 * time.Hour,
			Divisor:   10,
			MaxFactor: 5,
		},
		Compression: CompressionConfig{
			Enabled:   true,
			Threshold: 1024,
			Level:     3,
		},
		Resilience: ResilienceConfig{
			BreakerMaxRequests: 3,
			BreakerInterval:    time.Minute,
			BreakerTimeout:     30 * time.Second,
			BreakerTrip:        5,
			Retry: retrier.Settings{
				MaxAttempts: 2,
				BaseDelay:   20 * time.Millisecond,
				MaxDelay:    200 * time.Millisecond,
				Factor:      2,
				Jitter:      0.1,
			},
		},
		Warming: WarmingConfig{
			Parallelism:       max(1, runtime.NumCPU()/2),
			Timeout:           5 * time.Minute,
			ExpectedItems:     100_000,
			FalsePositiveRate: 0.001,
			ReplayTopN:        1000,
		},
		Telemetry: TelemetryConfig{
			SampleBuffer: 1024,
			MeterName:    "goflare.io/strata",
		},
		Broadcast: BroadcastConfig{
			Channel: "strata:invalidate",
		},
		Serialization:  serialization.JSONType,
		MaxTrackedKeys: 1_000_000,
		Logger:         zap.NewNop(),
	}
}

// NewConfig 創建一個默認的 Config，允許覆蓋特定參數
func NewConfig(options ...Option) (*Config, error) {
	cfg := Default()

	for _, option := range options {
		if err := option(cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	tiers := c.TierDescriptors()
	if len(tiers) == 0 {
		return ErrNoTierEnabled
	}
	seen := make(map[string]struct{}, len(tiers))
	for _, t := range tiers {
		if _, dup := seen[t.Name]; dup {
			return errors.Wrapf(ErrDuplicateTierName, "%q", t.Name)
		}
		seen[t.Name] = struct{}{}
	}
	if c.AdaptiveTTL.MaxTTL > 0 && c.AdaptiveTTL.MinTTL > c.AdaptiveTTL.MaxTTL {
		return ErrInvalidTTLBounds
	}
	if c.AdaptiveTTL.Enabled && c.AdaptiveTTL.Divisor <= 0 {
		return ErrInvalidDivisor
	}
	if c.Compression.Threshold < 0 {
		return ErrInvalidThreshold
	}
	if c.Stampede.Enabled && c.Stampede.LockTTL <= 0 {
		return ErrInvalidLockTTL
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return nil
}

// TierDescriptors returns the enabled tier descriptors ordered fastest first.
func (c *Config) TierDescriptors() []TierConfig {
	var out []TierConfig
	for _, t := range []TierConfig{
		c.Tiers.Local.TierConfig,
		c.Tiers.Distributed.TierConfig,
		c.Tiers.Persistent.TierConfig,
	} {
		if t.Enabled {
			out = append(out, t)
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Priority < out[j-1].Priority; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// WithLogger 設置自定義 Logger
func WithLogger(logger *zap.Logger) Option {
	return func(c *Config) error {
		if logger != nil {
			c.Logger = logger
		}
		return nil
	}
}

// WithRedisClient uses an existing client for the distributed tier, the lock
// and the invalidation broadcast. The caller keeps ownership of the client.
func WithRedisClient(client redis.UniversalClient) Option {
	return func(c *Config) error {
		if client == nil {
			return errors.New("redis client must not be nil")
		}
		c.RedisClient = client
		return nil
	}
}

// WithLocalTier replaces the local tier configuration.
func WithLocalTier(local LocalTierConfig) Option {
	return func(c *Config) error {
		c.Tiers.Local = local
		return nil
	}
}

// WithDistributedTier replaces the distributed tier configuration.
func WithDistributedTier(dist RedisTierConfig) Option {
	return func(c *Config) error {
		c.Tiers.Distributed = dist
		return nil
	}
}

// WithPersistentTier replaces the persistent tier configuration.
func WithPersistentTier(p SQLiteTierConfig) Option {
	return func(c *Config) error {
		c.Tiers.Persistent = p
		return nil
	}
}

// WithStampede replaces the stampede protection settings.
func WithStampede(s StampedeConfig) Option {
	return func(c *Config) error {
		c.Stampede = s
		return nil
	}
}

// WithAdaptiveTTL replaces the adaptive TTL settings.
func WithAdaptiveTTL(a AdaptiveTTLConfig) Option {
	return func(c *Config) error {
		c.AdaptiveTTL = a
		return nil
	}
}

// WithCompression replaces the compression settings.
func WithCompression(cc CompressionConfig) Option {
	return func(c *Config) error {
		c.Compression = cc
		return nil
	}
}

// WithResilience replaces the retry and circuit breaker settings.
func WithResilience(r ResilienceConfig) Option {
	return func(c *Config) error {
		c.Resilience = r
		return nil
	}
}

// WithWarming replaces the warming settings.
func WithWarming(w WarmingConfig) Option {
	return func(c *Config) error {
		if w.Parallelism < 1 {
			return errors.New("warming parallelism must be at least 1")
		}
		c.Warming = w
		return nil
	}
}

// WithBroadcast enables cross-process invalidation on channel.
func WithBroadcast(channel string) Option {
	return func(c *Config) error {
		if channel == "" {
			return errors.New("broadcast channel must not be empty")
		}
		c.Broadcast = BroadcastConfig{Enabled: true, Channel: channel}
		return nil
	}
}

// WithSerialization 設置序列化方式
func WithSerialization(name string) Option {
	return func(c *Config) error {
		switch name {
		case serialization.JSONType, serialization.GobType, serialization.MsgpackType, serialization.RawType:
			c.Serialization = name
			return nil
		default:
			return errors.Wrapf(serialization.ErrUnsupportedType, "%q", name)
		}
	}
}

// WithMeterProvider sets the meter provider for performance samples.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(c *Config) error {
		c.MeterProvider = mp
		return nil
	}
}

// WithTracerProvider sets the tracer provider for operation spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Config) error {
		c.TracerProvider = tp
		return nil
	}
}
