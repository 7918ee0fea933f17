package tier

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"goflare.io/strata/internal/models"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func newRedisTier(t *testing.T, client redis.UniversalClient) *Redis {
	t.Helper()
	r, err := NewRedis("redis", client, RedisOptions{Prefix: "test", TagIndexTTL: time.Hour}, zap.NewNop())
	require.NoError(t, err)
	return r
}

func newSQLiteTier(t *testing.T) *SQLite {
	t.Helper()
	s, err := NewSQLite(context.Background(), "sqlite", SQLiteOptions{ExpiryCheck: time.Hour}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newLocalTier(t *testing.T) *Local {
	t.Helper()
	l, err := NewLocal("local", 1<<20, 0, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

// contract runs the behaviour every adapter shares.
func contract(t *testing.T, a Adapter) {
	ctx := context.Background()

	t.Run("miss", func(t *testing.T) {
		entry, found, err := a.Get(ctx, "missing")
		assert.NoError(t, err)
		assert.False(t, found)
		assert.Nil(t, entry)
	})

	t.Run("round trip", func(t *testing.T) {
		require.NoError(t, a.Set(ctx, "user:1", models.NewEntry([]byte("alice"), time.Minute, []string{"users"}), time.Minute))

		entry, found, err := a.Get(ctx, "user:1")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, []byte("alice"), entry.Value)
		assert.Equal(t, []string{"users"}, entry.Tags)
		assert.WithinDuration(t, time.Now().Add(time.Minute), entry.ExpiresAt, 5*time.Second)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, a.Set(ctx, "gone", models.NewEntry([]byte("x"), 0, nil), time.Minute))
		require.NoError(t, a.Delete(ctx, "gone"))

		_, found, err := a.Get(ctx, "gone")
		assert.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("no expiry", func(t *testing.T) {
		require.NoError(t, a.Set(ctx, "forever", models.NewEntry([]byte("x"), 0, nil), 0))

		entry, found, err := a.Get(ctx, "forever")
		require.NoError(t, err)
		require.True(t, found)
		assert.True(t, entry.ExpiresAt.IsZero())
	})

	t.Run("clear", func(t *testing.T) {
		require.NoError(t, a.Set(ctx, "a", models.NewEntry([]byte("1"), 0, nil), time.Minute))
		require.NoError(t, a.Set(ctx, "b", models.NewEntry([]byte("2"), 0, nil), time.Minute))
		require.NoError(t, a.Clear(ctx))

		for _, key := range []string{"a", "b"} {
			_, found, err := a.Get(ctx, key)
			assert.NoError(t, err)
			assert.False(t, found, key)
		}
	})
}

func tagContract(t *testing.T, a Adapter) {
	ctx := context.Background()
	require.True(t, a.SupportsTags())

	require.NoError(t, a.Set(ctx, "p:1", models.NewEntry([]byte("1"), 0, []string{"product", "cat:7"}), time.Minute))
	require.NoError(t, a.Set(ctx, "p:2", models.NewEntry([]byte("2"), 0, []string{"product"}), time.Minute))
	require.NoError(t, a.Set(ctx, "o:1", models.NewEntry([]byte("3"), 0, []string{"order"}), time.Minute))

	require.NoError(t, a.InvalidateTags(ctx, []string{"product"}))

	for _, key := range []string{"p:1", "p:2"} {
		_, found, err := a.Get(ctx, key)
		assert.NoError(t, err)
		assert.False(t, found, key)
	}
	_, found, err := a.Get(ctx, "o:1")
	assert.NoError(t, err)
	assert.True(t, found)

	assert.NoError(t, a.InvalidateTags(ctx, []string{"unknown"}))
	assert.NoError(t, a.InvalidateTags(ctx, nil))
}

func TestLocalContract(t *testing.T) {
	contract(t, newLocalTier(t))
}

func TestRedisContract(t *testing.T) {
	_, client := newTestRedis(t)
	contract(t, newRedisTier(t, client))
}

func TestSQLiteContract(t *testing.T) {
	contract(t, newSQLiteTier(t))
}

func TestRedisTags(t *testing.T) {
	_, client := newTestRedis(t)
	tagContract(t, newRedisTier(t, client))
}

func TestSQLiteTags(t *testing.T) {
	tagContract(t, newSQLiteTier(t))
}

func TestLocalWithoutTagIndex(t *testing.T) {
	l := newLocalTier(t)
	assert.False(t, l.SupportsTags())
	assert.ErrorIs(t, l.InvalidateTags(context.Background(), []string{"x"}), models.ErrTagsUnsupported)
}

func TestLocalReturnsCopies(t *testing.T) {
	ctx := context.Background()
	l := newLocalTier(t)

	original := models.NewEntry([]byte("abc"), 0, nil)
	require.NoError(t, l.Set(ctx, "k", original, time.Minute))
	original.Value[0] = 'z'

	first, found, err := l.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("abc"), first.Value)

	first.Value[0] = 'y'
	second, _, _ := l.Get(ctx, "k")
	assert.Equal(t, []byte("abc"), second.Value)
}

func TestLocalHonoursCancelledContext(t *testing.T) {
	l := newLocalTier(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := l.Get(ctx, "k")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRedisExpiry(t *testing.T) {
	mr, client := newTestRedis(t)
	r := newRedisTier(t, client)
	ctx := context.Background()

	require.NoError(t, r.Set(ctx, "k", models.NewEntry([]byte("v"), 0, nil), 2*time.Second))
	mr.FastForward(3 * time.Second)

	_, found, err := r.Get(ctx, "k")
	assert.NoError(t, err)
	assert.False(t, found)
}

func TestRedisTagIndexOnlyExtends(t *testing.T) {
	mr, client := newTestRedis(t)
	r, err := NewRedis("redis", client, RedisOptions{Prefix: "test", TagIndexTTL: time.Minute}, zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, r.Set(ctx, "long", models.NewEntry([]byte("1"), 0, []string{"t"}), 2*time.Hour))
	require.NoError(t, r.Set(ctx, "short", models.NewEntry([]byte("2"), 0, []string{"t"}), time.Second))
	assert.Equal(t, 2*time.Hour, mr.TTL(r.tagKey("t")))

	// the long-lived member is still reachable once the short one is gone
	mr.FastForward(time.Hour)
	require.NoError(t, r.InvalidateTags(ctx, []string{"t"}))
	_, found, err := r.Get(ctx, "long")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedisStorageKeyIsFixedLength(t *testing.T) {
	mr, client := newTestRedis(t)
	r := newRedisTier(t, client)
	ctx := context.Background()

	long := make([]byte, 4096)
	for i := range long {
		long[i] = 'k'
	}
	require.NoError(t, r.Set(ctx, string(long), models.NewEntry([]byte("v"), 0, nil), time.Minute))

	skey := r.StorageKey(string(long))
	assert.Len(t, skey, len("test:")+16)
	assert.True(t, mr.Exists(skey))
	assert.Equal(t, skey, r.StorageKey(string(long)))
}

func TestRedisClearKeepsForeignKeys(t *testing.T) {
	mr, client := newTestRedis(t)
	r := newRedisTier(t, client)
	ctx := context.Background()

	require.NoError(t, mr.Set("strata-lock:abc", "token"))
	require.NoError(t, r.Set(ctx, "k", models.NewEntry([]byte("v"), 0, []string{"t"}), time.Minute))
	require.NoError(t, r.Clear(ctx))

	_, found, err := r.Get(ctx, "k")
	assert.NoError(t, err)
	assert.False(t, found)
	assert.True(t, mr.Exists("strata-lock:abc"))
}

func TestRedisUnavailable(t *testing.T) {
	mr, client := newTestRedis(t)
	r, err := NewRedis("redis", client, RedisOptions{
		Prefix: "test",
		Breaker: gobreaker.Settings{
			ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 2 },
			Timeout:     time.Minute,
		},
	}, zap.NewNop())
	require.NoError(t, err)

	mr.Close()
	ctx := context.Background()

	for range 3 {
		_, _, err = r.Get(ctx, "k")
		assert.ErrorIs(t, err, models.ErrBackingStoreUnavailable)
	}
	assert.Equal(t, gobreaker.StateOpen, r.BreakerState())
	assert.ErrorIs(t, r.Set(ctx, "k", models.NewEntry([]byte("v"), 0, nil), time.Minute), models.ErrBackingStoreUnavailable)
}

func TestRedisMissDoesNotTripBreaker(t *testing.T) {
	_, client := newTestRedis(t)
	r, err := NewRedis("redis", client, RedisOptions{
		Prefix: "test",
		Breaker: gobreaker.Settings{
			ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 1 },
		},
	}, zap.NewNop())
	require.NoError(t, err)

	for range 5 {
		_, found, err := r.Get(context.Background(), "missing")
		assert.NoError(t, err)
		assert.False(t, found)
	}
	assert.Equal(t, gobreaker.StateClosed, r.BreakerState())
}

func TestSQLiteLazyExpiry(t *testing.T) {
	s := newSQLiteTier(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "short", models.NewEntry([]byte("v"), 0, nil), 20*time.Millisecond))
	time.Sleep(40 * time.Millisecond)

	_, found, err := s.Get(ctx, "short")
	assert.NoError(t, err)
	assert.False(t, found)
}

func TestSQLitePurge(t *testing.T) {
	s := newSQLiteTier(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "short", models.NewEntry([]byte("v"), 0, []string{"t"}), 10*time.Millisecond))
	require.NoError(t, s.Set(ctx, "long", models.NewEntry([]byte("v"), 0, nil), time.Hour))
	time.Sleep(30 * time.Millisecond)

	removed, err := s.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	_, found, err := s.Get(ctx, "long")
	assert.NoError(t, err)
	assert.True(t, found)
}

func TestSQLiteTopEntries(t *testing.T) {
	s := newSQLiteTier(t)
	ctx := context.Background()

	for _, key := range []string{"cold", "warm", "hot"} {
		require.NoError(t, s.Set(ctx, key, models.NewEntry([]byte(key), 0, nil), time.Hour))
	}
	reads := map[string]int{"hot": 5, "warm": 2, "cold": 0}
	for key, n := range reads {
		for range n {
			_, found, err := s.Get(ctx, key)
			require.NoError(t, err)
			require.True(t, found)
		}
	}

	top, err := s.TopEntries(ctx, 2)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, "hot", top[0].Key)
	assert.Equal(t, []byte("hot"), top[0].Entry.Value)
	assert.Equal(t, "warm", top[1].Key)
}

func TestSQLitePersistsAcrossReopen(t *testing.T) {
	path := t.TempDir() + "/cache.db"
	ctx := context.Background()

	s, err := NewSQLite(ctx, "sqlite", SQLiteOptions{Path: path}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, "k", models.NewEntry([]byte("v"), 0, []string{"t"}), time.Hour))
	require.NoError(t, s.Close())

	s, err = NewSQLite(ctx, "sqlite", SQLiteOptions{Path: path}, zap.NewNop())
	require.NoError(t, err)
	defer s.Close()

	entry, found, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("v"), entry.Value)
}
