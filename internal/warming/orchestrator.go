// Package warming populates the cache ahead of demand through named,
// independently failable strategies.
package warming

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/cockroachdb/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrStrategyNotFound is reported for ids that were never registered.
	ErrStrategyNotFound = errors.New("warming: strategy not found")
	// ErrDuplicateStrategy is returned when an id is registered twice.
	ErrDuplicateStrategy = errors.New("warming: strategy already registered")
	// ErrStrategyPanicked marks strategies that panicked.
	ErrStrategyPanicked = errors.New("warming: strategy panicked")
)

// Options configures an Orchestrator.
type Options struct {
	Parallelism int
	// Timeout bounds a whole run; zero means no limit beyond the caller's context.
	Timeout time.Duration
	// ExpectedItems and FalsePositiveRate size the per-run de-duplication filter.
	ExpectedItems     uint
	FalsePositiveRate float64
	Logger            *zap.Logger
}

// Orchestrator 管理預熱策略
type Orchestrator[V any] struct {
	mu         sync.RWMutex
	strategies map[string]Strategy[V]
	opts       Options
	logger     *zap.Logger
}

func New[V any](opts Options) *Orchestrator[V] {
	if opts.Parallelism < 1 {
		opts.Parallelism = 1
	}
	if opts.ExpectedItems == 0 {
		opts.ExpectedItems = 10000
	}
	if opts.FalsePositiveRate <= 0 || opts.FalsePositiveRate >= 1 {
		opts.FalsePositiveRate = 0.001
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator[V]{
		strategies: make(map[string]Strategy[V]),
		opts:       opts,
		logger:     logger,
	}
}

// Register adds s to the registry.
func (o *Orchestrator[V]) Register(s Strategy[V]) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.strategies[s.ID()]; ok {
		return errors.Wrapf(ErrDuplicateStrategy, "%q", s.ID())
	}
	o.strategies[s.ID()] = s
	return nil
}

// Strategies lists registered ids in run order.
func (o *Orchestrator[V]) Strategies() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	all := make([]Strategy[V], 0, len(o.strategies))
	for _, s := range o.strategies {
		all = append(all, s)
	}
	sortStrategies(all)
	ids := make([]string, len(all))
	for i, s := range all {
		ids[i] = s.ID()
	}
	return ids
}

func sortStrategies[V any](s []Strategy[V]) {
	sort.SliceStable(s, func(i, j int) bool {
		if s[i].Priority() == s[j].Priority() {
			return s[i].ID() < s[j].ID()
		}
		return s[i].Priority() < s[j].Priority()
	})
}

// WarmUp runs the strategies named by ids, or every registered strategy when
// ids is empty. A failing strategy is recorded in the report and never stops
// the others. The error is non-nil only when the run itself was cancelled.
func (o *Orchestrator[V]) WarmUp(ctx context.Context, sink Sink[V], ids []string) (Report, error) {
	start := time.Now()
	selected, missing := o.resolve(ids)

	if o.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.opts.Timeout)
		defer cancel()
	}

	dedupe := &dedupeSink[V]{
		Sink:    sink,
		filter:  bloom.NewWithEstimates(o.opts.ExpectedItems, o.opts.FalsePositiveRate),
		written: make(map[string]struct{}),
	}

	results := make([]Result, len(selected))
	g := new(errgroup.Group)
	g.SetLimit(o.opts.Parallelism)
	for i, s := range selected {
		g.Go(func() error {
			results[i] = o.execute(ctx, s, dedupe)
			return nil
		})
	}
	_ = g.Wait()

	for _, id := range missing {
		o.logger.Warn("Warming strategy not registered", zap.String("strategy", id))
		results = append(results, Result{
			ID:  id,
			Err: errors.Wrapf(ErrStrategyNotFound, "%q", id),
		})
	}

	report := Report{Results: results}
	report.finish(start)

	fields := []zap.Field{
		zap.Int("strategies", report.Strategies),
		zap.Int("items", report.ItemsWarmed),
		zap.Duration("duration", report.Duration),
	}
	if failed := len(report.Failed()); failed > 0 {
		o.logger.Warn("Cache warming finished with failures", append(fields, zap.Int("failed", failed))...)
	} else {
		o.logger.Info("Cache warming finished", fields...)
	}

	if err := ctx.Err(); err != nil && errors.Is(err, context.Canceled) {
		return report, err
	}
	return report, nil
}

func (o *Orchestrator[V]) resolve(ids []string) ([]Strategy[V], []string) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	var (
		selected []Strategy[V]
		missing  []string
	)
	if len(ids) == 0 {
		for _, s := range o.strategies {
			selected = append(selected, s)
		}
	} else {
		seen := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			if s, ok := o.strategies[id]; ok {
				selected = append(selected, s)
			} else {
				missing = append(missing, id)
			}
		}
	}
	sortStrategies(selected)
	return selected, missing
}

func (o *Orchestrator[V]) execute(ctx context.Context, s Strategy[V], sink *dedupeSink[V]) (res Result) {
	start := time.Now()
	counter := &countingSink[V]{dedupe: sink}
	res.ID = s.ID()

	defer func() {
		if r := recover(); r != nil {
			res.Err = errors.Mark(errors.Newf("strategy %q panicked: %v", s.ID(), r), ErrStrategyPanicked)
		}
		res.Items = int(counter.written.Load())
		res.Skipped = int(counter.skipped.Load())
		res.Duration = time.Since(start)
		res.Success = res.Err == nil

		if res.Err != nil {
			o.logger.Warn("Warming strategy failed",
				zap.String("strategy", res.ID), zap.Duration("duration", res.Duration), zap.Error(res.Err))
		} else {
			o.logger.Debug("Warming strategy completed",
				zap.String("strategy", res.ID), zap.Int("items", res.Items), zap.Duration("duration", res.Duration))
		}
	}()

	o.logger.Debug("Running warming strategy", zap.String("strategy", s.ID()), zap.String("description", s.Description()))
	res.Err = s.Execute(ctx, counter)
	return res
}

// Schedule runs WarmUp immediately and then every interval until ctx is done.
func (o *Orchestrator[V]) Schedule(ctx context.Context, sink Sink[V], interval time.Duration, ids []string, onReport func(Report)) {
	if interval <= 0 {
		return
	}
	run := func() {
		report, err := o.WarmUp(ctx, sink, ids)
		if err != nil {
			return
		}
		if onReport != nil {
			onReport(report)
		}
	}

	run()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run()
		}
	}
}

// dedupeSink drops keys already written earlier in the same run. Only
// successful writes are recorded. The filter answers most first-time keys
// without touching the exact set, which confirms every filter hit, so a
// false positive never skips a key.
type dedupeSink[V any] struct {
	Sink[V]
	mu      sync.Mutex
	filter  *bloom.BloomFilter
	written map[string]struct{}
}

func (d *dedupeSink[V]) seen(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.filter.TestString(key) {
		return false
	}
	_, ok := d.written[key]
	return ok
}

func (d *dedupeSink[V]) record(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.filter.AddString(key)
	d.written[key] = struct{}{}
}

// countingSink attributes writes to a single strategy.
type countingSink[V any] struct {
	dedupe  *dedupeSink[V]
	written atomic.Int64
	skipped atomic.Int64
}

func (c *countingSink[V]) Set(ctx context.Context, key string, value V, ttl time.Duration, tags []string) error {
	if c.dedupe.seen(key) {
		c.skipped.Inc()
		return nil
	}
	if err := c.dedupe.Sink.Set(ctx, key, value, ttl, tags); err != nil {
		return errors.Wrapf(err, "warm %q", key)
	}
	c.dedupe.record(key)
	c.written.Inc()
	return nil
}
