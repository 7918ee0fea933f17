package tier

import (
	"context"
	"math"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dgraph-io/ristretto/v2"
	"go.uber.org/zap"

	"goflare.io/strata/internal/models"
)

// entryOverhead approximates the bookkeeping cost of one entry in bytes.
const entryOverhead = 64

// ErrRejected is returned when the local store declines an entry.
var ErrRejected = errors.New("local tier rejected entry")

// Local is a process-local tier backed by Ristretto. It keeps no tag index.
type Local struct {
	name   string
	cache  *ristretto.Cache[string, *models.Entry]
	logger *zap.Logger
}

var _ Adapter = (*Local)(nil)

// NewLocal creates a Local tier bounded to maxCost bytes.
func NewLocal(name string, maxCost, numCounters int64, logger *zap.Logger) (*Local, error) {
	if maxCost <= 0 {
		return nil, errors.New("local tier: max cost must be positive")
	}
	if numCounters <= 0 {
		// roughly 10x the number of items expected at ~1KB each
		numCounters = int64(math.Max(1e4, float64(maxCost/1024)*10))
	}

	c, err := ristretto.NewCache(&ristretto.Config[string, *models.Entry]{
		NumCounters:        numCounters,
		MaxCost:            maxCost,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create ristretto cache")
	}

	return &Local{name: name, cache: c, logger: logger}, nil
}

func (l *Local) Name() string { return l.name }

// Get returns a private copy of the stored entry.
func (l *Local) Get(ctx context.Context, key string) (*models.Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	entry, found := l.cache.Get(key)
	if !found || entry == nil {
		return nil, false, nil
	}
	if entry.IsExpired() {
		l.cache.Del(key)
		return nil, false, nil
	}
	return entry.Clone(), true, nil
}

// Set stores a copy of entry. A non-positive ttl keeps the entry until evicted.
func (l *Local) Set(ctx context.Context, key string, entry *models.Entry, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if ttl < 0 {
		ttl = 0
	}
	stored := entry.Clone()
	stored.ExpiresAt = time.Time{}
	if ttl > 0 {
		stored.ExpiresAt = time.Now().Add(ttl)
	}

	cost := int64(len(stored.Value) + entryOverhead)
	if !l.cache.SetWithTTL(key, stored, cost, ttl) {
		l.logger.Debug("Ristretto SetWithTTL dropped entry", zap.String("tier", l.name), zap.String("key", key))
		return ErrRejected
	}
	l.cache.Wait()
	return nil
}

func (l *Local) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.cache.Del(key)
	return nil
}

func (l *Local) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.cache.Clear()
	return nil
}

func (l *Local) SupportsTags() bool { return false }

func (l *Local) InvalidateTags(context.Context, []string) error {
	return models.ErrTagsUnsupported
}

func (l *Local) Close() error {
	l.cache.Close()
	return nil
}
