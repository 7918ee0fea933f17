// Package stampede decorates a tier with a compute-on-miss contract that is
// guarded by a distributed lock, plus adaptive TTL and value compression.
package stampede

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"goflare.io/strata/internal/config"
	"goflare.io/strata/internal/models"
	"goflare.io/strata/internal/tier"
)

// ComputeFunc produces the serialized value of a missing key.
type ComputeFunc func(ctx context.Context) ([]byte, error)

// Options configures an Adapter.
type Options struct {
	Stampede    config.StampedeConfig
	AdaptiveTTL config.AdaptiveTTLConfig
	Compression config.CompressionConfig
}

// Adapter is a tier.Adapter whose misses can be filled through GetOrCompute.
type Adapter struct {
	tier.Adapter

	locker     Locker
	cfg        config.StampedeConfig
	ttl        AdaptiveTTL
	compressor *Compressor
	stats      *models.Statistics
	group      singleflight.Group
	logger     *zap.Logger
}

var _ tier.Adapter = (*Adapter)(nil)

// New wraps inner. A nil locker disables cross-process coordination.
func New(inner tier.Adapter, locker Locker, opts Options, stats *models.Statistics, logger *zap.Logger) (*Adapter, error) {
	if inner == nil {
		return nil, errors.New("stampede: inner tier is required")
	}
	if stats == nil {
		stats = models.NewStatistics(0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	compressor, err := NewCompressor(opts.Compression)
	if err != nil {
		return nil, err
	}

	cfg := opts.Stampede
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 25 * time.Millisecond
	}

	return &Adapter{
		Adapter:    inner,
		locker:     locker,
		cfg:        cfg,
		ttl:        NewAdaptiveTTL(opts.AdaptiveTTL),
		compressor: compressor,
		stats:      stats,
		logger:     logger,
	}, nil
}

// Get reads key from the inner tier and decompresses it. An entry that cannot
// be decompressed is dropped and reported as a miss.
func (a *Adapter) Get(ctx context.Context, key string) (*models.Entry, bool, error) {
	entry, found, err := a.Adapter.Get(ctx, key)
	if err != nil || !found {
		return nil, false, err
	}
	if err := a.compressor.Decompress(entry); err != nil {
		a.logger.Warn("Dropping undecompressable entry", zap.String("tier", a.Name()), zap.String("key", key), zap.Error(err))
		_ = a.Adapter.Delete(ctx, key)
		return nil, false, nil
	}
	return entry, true, nil
}

// Set compresses large values before handing them to the inner tier.
func (a *Adapter) Set(ctx context.Context, key string, entry *models.Entry, ttl time.Duration) error {
	return a.Adapter.Set(ctx, key, a.compressor.Compress(entry), ttl)
}

// EffectiveTTL returns the adaptive TTL for key given its current access count.
func (a *Adapter) EffectiveTTL(key string, base time.Duration) time.Duration {
	return a.ttl.TTL(base, a.stats.AccessCount(key))
}

// GetOrCompute returns the cached entry for key, computing and storing it on a miss.
// computed reports whether this call produced the value.
func (a *Adapter) GetOrCompute(ctx context.Context, key string, compute ComputeFunc, baseTTL time.Duration, tags []string) (*models.Entry, bool, error) {
	a.stats.RecordAccess(key)

	entry, found, err := a.Get(ctx, key)
	if err != nil {
		a.logger.Warn("Distributed tier unavailable, computing directly",
			zap.String("tier", a.Name()), zap.String("key", key), zap.Error(err))
		a.stats.Fallbacks.Inc()
		return a.computeAndStore(ctx, key, compute, baseTTL, tags)
	}
	if found {
		return entry, false, nil
	}
	return a.ComputeMissing(ctx, key, compute, baseTTL, tags)
}

// ComputeMissing fills a key the caller has already observed missing. It does
// not record an access. With CollapseLocal set, concurrent callers in this
// process share one computation that outlives the caller who started it,
// bounded by LockTTL; each caller still stops waiting when its own ctx ends.
func (a *Adapter) ComputeMissing(ctx context.Context, key string, compute ComputeFunc, baseTTL time.Duration, tags []string) (*models.Entry, bool, error) {
	if !a.cfg.CollapseLocal {
		return a.coordinate(ctx, key, compute, baseTTL, tags)
	}

	type result struct {
		entry    *models.Entry
		computed bool
	}
	ch := a.group.DoChan(key, func() (any, error) {
		shared, cancel := a.sharedContext(ctx)
		defer cancel()
		entry, computed, err := a.coordinate(shared, key, compute, baseTTL, tags)
		return result{entry: entry, computed: computed}, err
	})

	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, false, res.Err
		}
		r := res.Val.(result)
		return r.entry.Clone(), r.computed, nil
	}
}

// sharedContext detaches ctx from its caller's cancellation, keeping its
// values, so one cancelled caller cannot fail the others collapsed onto it.
func (a *Adapter) sharedContext(ctx context.Context) (context.Context, context.CancelFunc) {
	detached := context.WithoutCancel(ctx)
	if a.cfg.LockTTL > 0 {
		return context.WithTimeout(detached, a.cfg.LockTTL)
	}
	return context.WithCancel(detached)
}

// coordinate runs the lock protocol for one missing key.
func (a *Adapter) coordinate(ctx context.Context, key string, compute ComputeFunc, baseTTL time.Duration, tags []string) (*models.Entry, bool, error) {
	if a.locker == nil || !a.cfg.Enabled {
		return a.computeAndStore(ctx, key, compute, baseTTL, tags)
	}

	token, ok, err := a.locker.Acquire(ctx, key, a.cfg.LockTTL)
	if err != nil {
		a.logger.Warn("Lock store unavailable, computing without coordination", zap.String("key", key), zap.Error(err))
		a.stats.Fallbacks.Inc()
		return a.computeAndStore(ctx, key, compute, baseTTL, tags)
	}
	if ok {
		return a.holdAndCompute(ctx, key, token, compute, baseTTL, tags)
	}

	a.stats.LockContended.Inc()
	entry, token, err := a.awaitHolder(ctx, key)
	switch {
	case entry != nil:
		return entry, false, nil
	case token != "":
		return a.holdAndCompute(ctx, key, token, compute, baseTTL, tags)
	case errors.Is(err, models.ErrLockAcquisitionTimeout):
		a.logger.Debug("Lock wait timed out", zap.String("key", key))
	case err != nil:
		return nil, false, err
	}

	// one backoff, one last look, then compute without the lock
	if err := sleep(ctx, a.cfg.Backoff); err != nil {
		return nil, false, err
	}
	if entry, found, err := a.Get(ctx, key); err == nil && found {
		return entry, false, nil
	}
	a.stats.Fallbacks.Inc()
	return a.computeAndStore(ctx, key, compute, baseTTL, tags)
}

// awaitHolder polls the cache and the lock until the holder publishes the
// value, the lock frees up (and is taken by us), or LockWait elapses.
func (a *Adapter) awaitHolder(ctx context.Context, key string) (*models.Entry, string, error) {
	deadline := time.Now().Add(a.cfg.LockWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil, "", ctx.Err()
		case <-ticker.C:
		}

		if entry, found, err := a.Get(ctx, key); err == nil && found {
			return entry, "", nil
		}
		token, ok, err := a.locker.Acquire(ctx, key, a.cfg.LockTTL)
		if err != nil {
			return nil, "", errors.Mark(err, models.ErrLockAcquisitionTimeout)
		}
		if ok {
			return nil, token, nil
		}
	}
	return nil, "", models.ErrLockAcquisitionTimeout
}

func (a *Adapter) holdAndCompute(ctx context.Context, key, token string, compute ComputeFunc, baseTTL time.Duration, tags []string) (*models.Entry, bool, error) {
	a.stats.LockAcquired.Inc()
	defer func() {
		if err := a.locker.Release(context.WithoutCancel(ctx), key, token); err != nil {
			a.logger.Warn("Failed to release lock", zap.String("key", key), zap.Error(err))
		}
	}()

	// another holder may have filled the key between our miss and the lock
	entry, found, err := a.Get(ctx, key)
	if err == nil && found {
		return entry, false, nil
	}
	return a.computeAndStore(ctx, key, compute, baseTTL, tags)
}

func (a *Adapter) computeAndStore(ctx context.Context, key string, compute ComputeFunc, baseTTL time.Duration, tags []string) (*models.Entry, bool, error) {
	a.stats.Computes.Inc()
	value, err := compute(ctx)
	if err != nil {
		return nil, false, models.MarkComputeFailed(err)
	}

	ttl := a.EffectiveTTL(key, baseTTL)
	entry := models.NewEntry(value, ttl, tags)
	entry.AccessCount = a.stats.AccessCount(key)

	if err := a.Set(ctx, key, entry, ttl); err != nil {
		a.logger.Warn("Failed to store computed value",
			zap.String("tier", a.Name()), zap.String("key", key), zap.Error(err))
	}
	return entry, true, nil
}

// Close releases the compressor and closes the inner tier.
func (a *Adapter) Close() error {
	a.compressor.Close()
	return a.Adapter.Close()
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
