package hierarchy

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"goflare.io/strata/internal/config"
	"goflare.io/strata/internal/models"
	"goflare.io/strata/internal/stampede"
	"goflare.io/strata/internal/tier"
)

type stack struct {
	mr      *miniredis.Miniredis
	client  *redis.Client
	local   *tier.Local
	inner   *tier.Redis
	dist    *stampede.Adapter
	persist *tier.SQLite
	stats   *models.Statistics
	manager *Manager
}

func descriptor(name string, priority int, ttl time.Duration) tier.Descriptor {
	return tier.Descriptor{Name: name, Priority: priority, BaseTTL: ttl, Enabled: true}
}

func newStack(t *testing.T, mr *miniredis.Miniredis) *stack {
	t.Helper()
	if mr == nil {
		mr = miniredis.RunT(t)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	logger := zap.NewNop()
	stats := models.NewStatistics(0)

	local, err := tier.NewLocal("local", 1<<20, 0, logger)
	require.NoError(t, err)

	inner, err := tier.NewRedis("redis", client, tier.RedisOptions{Prefix: "test", TagIndexTTL: time.Hour}, logger)
	require.NoError(t, err)
	dist, err := stampede.New(inner, stampede.NewRedisLocker(client, "test-lock", inner), stampede.Options{
		Stampede: config.StampedeConfig{
			Enabled:      true,
			LockTTL:      30 * time.Second,
			LockWait:     2 * time.Second,
			PollInterval: 10 * time.Millisecond,
			Backoff:      100 * time.Millisecond,
		},
	}, stats, logger)
	require.NoError(t, err)

	persist, err := tier.NewSQLite(context.Background(), "sqlite", tier.SQLiteOptions{ExpiryCheck: time.Hour}, logger)
	require.NoError(t, err)

	m, err := New([]Tier{
		{Adapter: persist, Descriptor: descriptor("sqlite", 20, 24*time.Hour)},
		{Adapter: local, Descriptor: descriptor("local", 0, time.Minute)},
		{Adapter: dist, Descriptor: descriptor("redis", 10, time.Hour), Shared: true},
	}, Options{Stats: stats, Logger: logger})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	return &stack{mr: mr, client: client, local: local, inner: inner, dist: dist, persist: persist, stats: stats, manager: m}
}

func failingCompute(t *testing.T) stampede.ComputeFunc {
	return func(context.Context) ([]byte, error) {
		t.Error("compute must not be called")
		return nil, errors.New("unexpected compute")
	}
}

func valueCompute(calls *atomic.Int64, value string) stampede.ComputeFunc {
	return func(context.Context) ([]byte, error) {
		calls.Inc()
		return []byte(value), nil
	}
}

func TestTiersOrderedByPriority(t *testing.T) {
	s := newStack(t, nil)

	var names []string
	for _, tr := range s.manager.Tiers() {
		names = append(names, tr.Descriptor.Name)
	}
	assert.Equal(t, []string{"local", "redis", "sqlite"}, names)
}

func TestNewRequiresEnabledTier(t *testing.T) {
	local, err := tier.NewLocal("local", 1<<20, 0, zap.NewNop())
	require.NoError(t, err)
	defer local.Close()

	_, err = New([]Tier{{Adapter: local, Descriptor: tier.Descriptor{Name: "local"}}}, Options{})
	assert.ErrorIs(t, err, ErrNoTiers)

	_, err = New(nil, Options{})
	assert.ErrorIs(t, err, ErrNoTiers)
}

func TestRoundTrip(t *testing.T) {
	s := newStack(t, nil)
	ctx := context.Background()

	require.NoError(t, s.manager.Set(ctx, "user:1", []byte("alice"), 10*time.Minute, nil))

	entry, found, err := s.manager.Get(ctx, "user:1", failingCompute(t), 10*time.Minute, nil)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("alice"), entry.Value)
}

func TestSetUsesTierTTLs(t *testing.T) {
	s := newStack(t, nil)
	ctx := context.Background()

	require.NoError(t, s.manager.Set(ctx, "k", []byte("v"), 10*time.Minute, nil))

	// redis keeps the requested ttl; the local tier is capped at its base ttl
	assert.Equal(t, 10*time.Minute, s.mr.TTL(s.inner.StorageKey("k")))
	entry, found, err := s.local.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.WithinDuration(t, time.Now().Add(time.Minute), entry.ExpiresAt, 5*time.Second)
}

func TestPromotion(t *testing.T) {
	s := newStack(t, nil)
	ctx := context.Background()

	require.NoError(t, s.persist.Set(ctx, "deep", models.NewEntry([]byte("cold"), time.Hour, nil), time.Hour))

	entry, found, err := s.manager.Get(ctx, "deep", failingCompute(t), 0, nil)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("cold"), entry.Value)

	promoted, found, err := s.local.Get(ctx, "deep")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("cold"), promoted.Value)

	_, found, err = s.dist.Get(ctx, "deep")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(2), s.stats.Promotions.Load())
}

func TestTotalMissComputesOnceAndFillsEveryTier(t *testing.T) {
	s := newStack(t, nil)
	ctx := context.Background()

	var calls atomic.Int64
	entry, found, err := s.manager.Get(ctx, "k", valueCompute(&calls, "computed"), 5*time.Minute, []string{"t"})
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("computed"), entry.Value)
	assert.Equal(t, int64(1), calls.Load())

	for _, a := range []tier.Adapter{s.local, s.dist, s.persist} {
		got, found, err := a.Get(ctx, "k")
		require.NoError(t, err)
		require.True(t, found, a.Name())
		assert.Equal(t, []byte("computed"), got.Value)
	}

	_, _, err = s.manager.Get(ctx, "k", failingCompute(t), 5*time.Minute, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), s.stats.AccessCount("k"))
}

func TestNilComputeReportsMiss(t *testing.T) {
	s := newStack(t, nil)

	entry, found, err := s.manager.Get(context.Background(), "nothing", nil, 0, nil)
	assert.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, entry)
}

func TestComputeFailurePropagates(t *testing.T) {
	s := newStack(t, nil)
	ctx := context.Background()

	boom := errors.New("db timeout")
	_, found, err := s.manager.Get(ctx, "k", func(context.Context) ([]byte, error) { return nil, boom }, time.Minute, nil)
	assert.False(t, found)
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, err, models.ErrComputeFailed)

	for _, a := range []tier.Adapter{s.local, s.dist, s.persist} {
		_, found, err := a.Get(ctx, "k")
		require.NoError(t, err)
		assert.False(t, found, a.Name())
	}
}

func TestTagInvalidationWithFullClearFallback(t *testing.T) {
	s := newStack(t, nil)
	ctx := context.Background()

	require.NoError(t, s.manager.Set(ctx, "p:1", []byte("product"), time.Hour, []string{"t1"}))
	require.NoError(t, s.manager.Set(ctx, "o:1", []byte("order"), time.Hour, []string{"t2"}))

	require.NoError(t, s.manager.InvalidateTags(ctx, []string{"t1"}))
	assert.Equal(t, int64(1), s.stats.FallbackClears.Load())

	// the local tier has no tag index and was cleared wholesale
	_, found, err := s.local.Get(ctx, "o:1")
	require.NoError(t, err)
	assert.False(t, found)

	// tag-aware tiers kept the unrelated entry
	_, found, err = s.dist.Get(ctx, "o:1")
	require.NoError(t, err)
	assert.True(t, found)

	var calls atomic.Int64
	entry, _, err := s.manager.Get(ctx, "p:1", valueCompute(&calls, "recomputed"), time.Hour, []string{"t1"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), calls.Load())
	assert.Equal(t, []byte("recomputed"), entry.Value)

	entry, _, err = s.manager.Get(ctx, "o:1", failingCompute(t), time.Hour, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("order"), entry.Value)
}

func TestDeleteRemovesFromEveryTier(t *testing.T) {
	s := newStack(t, nil)
	ctx := context.Background()

	require.NoError(t, s.manager.Set(ctx, "k", []byte("v"), time.Hour, nil))
	require.NoError(t, s.manager.Delete(ctx, "k"))

	for _, a := range []tier.Adapter{s.local, s.dist, s.persist} {
		_, found, err := a.Get(ctx, "k")
		require.NoError(t, err)
		assert.False(t, found, a.Name())
	}
}

func TestClearResetsAccessCounters(t *testing.T) {
	s := newStack(t, nil)
	ctx := context.Background()

	var calls atomic.Int64
	_, _, err := s.manager.Get(ctx, "k", valueCompute(&calls, "v"), time.Hour, nil)
	require.NoError(t, err)
	require.NoError(t, s.manager.Clear(ctx))

	assert.Zero(t, s.stats.AccessCount("k"))
	_, _, err = s.manager.Get(ctx, "k", valueCompute(&calls, "v"), time.Hour, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), calls.Load())
}

func TestGracefulDegradation(t *testing.T) {
	s := newStack(t, nil)
	ctx := context.Background()
	s.mr.Close()

	var calls atomic.Int64
	entry, found, err := s.manager.Get(ctx, "k", valueCompute(&calls, "fresh"), time.Minute, nil)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("fresh"), entry.Value)

	// the surviving tiers still accept writes
	assert.NoError(t, s.manager.Set(ctx, "other", []byte("v"), time.Minute, nil))
	assert.NoError(t, s.manager.Delete(ctx, "other"))
}

func TestForceConsistentRead(t *testing.T) {
	s := newStack(t, nil)
	ctx := context.Background()

	require.NoError(t, s.manager.Set(ctx, "k", []byte("stale"), time.Hour, nil))

	var sawOverride bool
	entry, _, err := s.manager.Get(WithConsistentRead(ctx), "k", func(ctx context.Context) ([]byte, error) {
		sawOverride = IsConsistentRead(ctx)
		return []byte("fresh"), nil
	}, time.Hour, nil)
	require.NoError(t, err)
	assert.True(t, sawOverride)
	assert.Equal(t, []byte("fresh"), entry.Value)

	entry, _, err = s.manager.Get(ctx, "k", failingCompute(t), time.Hour, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("fresh"), entry.Value)
	assert.False(t, IsConsistentRead(ctx))
}

func TestGetMultipleBatchesMisses(t *testing.T) {
	s := newStack(t, nil)
	ctx := context.Background()

	require.NoError(t, s.manager.Set(ctx, "a", []byte("A"), time.Hour, nil))

	var batches atomic.Int64
	var requested []string
	compute := func(_ context.Context, keys []string) (map[string][]byte, error) {
		batches.Inc()
		requested = keys
		out := make(map[string][]byte, len(keys))
		for _, k := range keys {
			if k == "ghost" {
				continue
			}
			out[k] = []byte("computed-" + k)
		}
		return out, nil
	}

	got, err := s.manager.GetMultiple(ctx, []string{"a", "b", "c", "b", "ghost"}, compute, time.Hour, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), batches.Load())
	assert.ElementsMatch(t, []string{"b", "c", "ghost"}, requested)
	assert.Len(t, got, 3)
	assert.Equal(t, []byte("A"), got["a"].Value)
	assert.Equal(t, []byte("computed-b"), got["b"].Value)
	assert.NotContains(t, got, "ghost")

	got, err = s.manager.GetMultiple(ctx, []string{"a", "b", "c"}, compute, time.Hour, nil)
	require.NoError(t, err)
	assert.Len(t, got, 3)
	assert.Equal(t, int64(1), batches.Load())
}

func TestGetMultipleComputeFailure(t *testing.T) {
	s := newStack(t, nil)

	boom := errors.New("bulk query failed")
	_, err := s.manager.GetMultiple(context.Background(), []string{"x"}, func(context.Context, []string) (map[string][]byte, error) {
		return nil, boom
	}, time.Hour, nil)
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, err, models.ErrComputeFailed)
}

func TestStampedeBoundThroughHierarchy(t *testing.T) {
	s := newStack(t, nil)

	var calls atomic.Int64
	compute := func(context.Context) ([]byte, error) {
		calls.Inc()
		time.Sleep(200 * time.Millisecond)
		return []byte("v"), nil
	}

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			entry, _, err := s.manager.Get(context.Background(), "hot", compute, time.Minute, nil)
			assert.NoError(t, err)
			if assert.NotNil(t, entry) {
				assert.Equal(t, []byte("v"), entry.Value)
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, calls.Load(), int64(2))
}

type brokenTier struct{ name string }

var errBroken = errors.New("store offline")

func (b brokenTier) Name() string { return b.name }
func (b brokenTier) Get(context.Context, string) (*models.Entry, bool, error) {
	return nil, false, errBroken
}
func (b brokenTier) Set(context.Context, string, *models.Entry, time.Duration) error { return errBroken }
func (b brokenTier) Delete(context.Context, string) error                           { return errBroken }
func (b brokenTier) Clear(context.Context) error                                    { return errBroken }
func (b brokenTier) SupportsTags() bool                                             { return true }
func (b brokenTier) InvalidateTags(context.Context, []string) error                 { return errBroken }
func (b brokenTier) Close() error                                                   { return nil }

func TestEveryTierFailing(t *testing.T) {
	m, err := New([]Tier{
		{Adapter: brokenTier{"a"}, Descriptor: descriptor("a", 0, time.Minute)},
		{Adapter: brokenTier{"b"}, Descriptor: descriptor("b", 1, time.Minute)},
	}, Options{})
	require.NoError(t, err)
	ctx := context.Background()

	assert.ErrorIs(t, m.Set(ctx, "k", []byte("v"), time.Minute, nil), models.ErrBackingStoreUnavailable)
	assert.ErrorIs(t, m.Delete(ctx, "k"), models.ErrBackingStoreUnavailable)
	assert.ErrorIs(t, m.Clear(ctx), models.ErrBackingStoreUnavailable)
	assert.ErrorIs(t, m.InvalidateTags(ctx, []string{"t"}), models.ErrBackingStoreUnavailable)

	// reads still degrade to compute
	var calls atomic.Int64
	entry, _, err := m.Get(ctx, "k", valueCompute(&calls, "v"), time.Minute, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), entry.Value)
}

func TestClosedManager(t *testing.T) {
	s := newStack(t, nil)
	require.NoError(t, s.manager.Close())
	require.NoError(t, s.manager.Close())

	_, _, err := s.manager.Get(context.Background(), "k", nil, 0, nil)
	assert.ErrorIs(t, err, models.ErrClosed)
	assert.ErrorIs(t, s.manager.Set(context.Background(), "k", nil, 0, nil), models.ErrClosed)
}
