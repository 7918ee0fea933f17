// Package hierarchy coordinates an ordered set of tiers behind a single
// get/set/delete/clear surface.
package hierarchy

import (
	"context"
	"sort"
	"time"

	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"goflare.io/strata/internal/models"
	"goflare.io/strata/internal/stampede"
	"goflare.io/strata/internal/tier"
	"goflare.io/strata/internal/utils"
)

// ErrNoTiers is returned when a manager is built without an enabled tier.
var ErrNoTiers = errors.New("hierarchy: no enabled tiers")

// Computer is implemented by a tier that can fill misses under stampede
// protection.
type Computer interface {
	ComputeMissing(ctx context.Context, key string, compute stampede.ComputeFunc, baseTTL time.Duration, tags []string) (*models.Entry, bool, error)
}

// Tier is one adapter placed in the hierarchy.
type Tier struct {
	Adapter    tier.Adapter
	Descriptor tier.Descriptor
	// Shared tiers are visible to every process; invalidation broadcasts
	// are only applied to tiers that are not.
	Shared bool
}

// Options configures a Manager.
type Options struct {
	Stats          *models.Statistics
	Logger         *zap.Logger
	TracerProvider trace.TracerProvider
}

// Manager 管理多層快取
type Manager struct {
	tiers    []Tier
	computer Computer
	stats    *models.Statistics
	logger   *zap.Logger
	tracer   trace.Tracer

	broadcaster *Broadcaster
	closed      atomic.Bool
}

// New builds a manager over the enabled tiers, ordered by ascending priority.
func New(tiers []Tier, opts Options) (*Manager, error) {
	enabled := make([]Tier, 0, len(tiers))
	for _, t := range tiers {
		if t.Adapter != nil && t.Descriptor.Enabled {
			enabled = append(enabled, t)
		}
	}
	if len(enabled) == 0 {
		return nil, ErrNoTiers
	}
	sort.SliceStable(enabled, func(i, j int) bool {
		return enabled[i].Descriptor.Priority < enabled[j].Descriptor.Priority
	})

	m := &Manager{
		tiers:  enabled,
		stats:  opts.Stats,
		logger: opts.Logger,
	}
	if m.stats == nil {
		m.stats = models.NewStatistics(0)
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	tp := opts.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	m.tracer = tp.Tracer("goflare.io/strata/hierarchy")

	for _, t := range enabled {
		if c, ok := t.Adapter.(Computer); ok {
			m.computer = c
			break
		}
	}
	return m, nil
}

// Tiers returns the ordered tiers.
func (m *Manager) Tiers() []Tier {
	return m.tiers
}

// Stats returns the statistics store shared by the hierarchy.
func (m *Manager) Stats() *models.Statistics {
	return m.stats
}

func tierTTL(t Tier, ttl time.Duration) time.Duration {
	return utils.CapTTL(ttl, t.Descriptor.BaseTTL)
}

// Get probes every tier in order. A hit in a slower tier is promoted into the
// faster ones. On a total miss the value is computed, under stampede
// protection when a tier provides it, and written to every tier. A nil
// compute turns a total miss into (nil, false, nil).
func (m *Manager) Get(ctx context.Context, key string, compute stampede.ComputeFunc, ttl time.Duration, tags []string) (*models.Entry, bool, error) {
	if m.closed.Load() {
		return nil, false, models.ErrClosed
	}

	ctx, span := m.tracer.Start(ctx, "Manager.Get", trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	m.stats.RecordAccess(key)

	consistent := IsConsistentRead(ctx)
	if !consistent {
		if entry, ok := m.probe(ctx, key); ok {
			return entry, true, nil
		}
	}

	if compute == nil {
		return nil, false, nil
	}

	entry, err := m.fill(ctx, key, compute, ttl, tags, consistent)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "compute failed")
		return nil, false, err
	}
	return entry, true, nil
}

// promote copies entry into tiers [0, upto).
func (m *Manager) promote(ctx context.Context, key string, entry *models.Entry, upto int) {
	for _, t := range m.tiers[:upto] {
		ttl := utils.CapTTL(entry.Remaining(), t.Descriptor.BaseTTL)
		if err := t.Adapter.Set(ctx, key, entry, ttl); err != nil {
			m.logger.Warn("Failed to promote entry",
				zap.String("tier", t.Descriptor.Name), zap.String("key", key), zap.Error(err))
			continue
		}
		m.stats.Promotions.Inc()
	}
}

// fill computes a missing key and writes it to every tier. A consistent read
// skips the lock so the caller always observes its own fresh computation.
func (m *Manager) fill(ctx context.Context, key string, compute stampede.ComputeFunc, ttl time.Duration, tags []string, consistent bool) (*models.Entry, error) {
	if m.computer != nil && !consistent {
		owner := m.computerTier()
		entry, _, err := m.computer.ComputeMissing(ctx, key, compute, tierTTL(owner, ttl), tags)
		if err != nil {
			return nil, err
		}
		m.writeThrough(ctx, key, entry, ttl, owner.Adapter)
		return entry, nil
	}

	m.stats.Computes.Inc()
	value, err := compute(ctx)
	if err != nil {
		return nil, models.MarkComputeFailed(err)
	}
	entry := models.NewEntry(value, ttl, tags)
	entry.AccessCount = m.stats.AccessCount(key)
	m.writeThrough(ctx, key, entry, ttl, nil)
	return entry, nil
}

func (m *Manager) computerTier() Tier {
	for _, t := range m.tiers {
		if c, ok := t.Adapter.(Computer); ok && c == m.computer {
			return t
		}
	}
	return Tier{}
}

// writeThrough stores entry in every tier except skip and reports how many
// tiers failed.
func (m *Manager) writeThrough(ctx context.Context, key string, entry *models.Entry, ttl time.Duration, skip tier.Adapter) (attempted, failed int) {
	for _, t := range m.tiers {
		if skip != nil && t.Adapter == skip {
			continue
		}
		attempted++
		if err := t.Adapter.Set(ctx, key, entry, tierTTL(t, ttl)); err != nil {
			failed++
			m.logger.Warn("Failed to write tier",
				zap.String("tier", t.Descriptor.Name), zap.String("key", key), zap.Error(err))
		}
	}
	return attempted, failed
}

// Set writes value to every tier. Individual tier failures are logged; an
// error is returned only when no tier accepted the write.
func (m *Manager) Set(ctx context.Context, key string, value []byte, ttl time.Duration, tags []string) error {
	if m.closed.Load() {
		return models.ErrClosed
	}

	ctx, span := m.tracer.Start(ctx, "Manager.Set", trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	entry := models.NewEntry(value, ttl, tags)
	entry.AccessCount = m.stats.AccessCount(key)

	attempted, failed := m.writeThrough(ctx, key, entry, ttl, nil)
	if failed == attempted {
		err := errors.Mark(errors.Newf("set %q: all %d tiers failed", key, failed), models.ErrBackingStoreUnavailable)
		span.RecordError(err)
		return err
	}
	return nil
}

// Delete removes key from every tier and forgets its access count.
func (m *Manager) Delete(ctx context.Context, key string) error {
	if m.closed.Load() {
		return models.ErrClosed
	}

	ctx, span := m.tracer.Start(ctx, "Manager.Delete", trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	m.stats.ForgetKey(key)
	err := m.each(ctx, "delete", false, func(t Tier) error {
		return t.Adapter.Delete(ctx, key)
	})
	m.publish(ctx, Event{Op: OpDelete, Key: key})
	return err
}

// InvalidateTags removes every entry carrying one of tags. Tiers with a tag
// index invalidate natively; every other tier is cleared entirely, which also
// discards unrelated entries.
func (m *Manager) InvalidateTags(ctx context.Context, tags []string) error {
	if m.closed.Load() {
		return models.ErrClosed
	}
	if len(tags) == 0 {
		return nil
	}

	ctx, span := m.tracer.Start(ctx, "Manager.InvalidateTags", trace.WithAttributes(attribute.StringSlice("tags", tags)))
	defer span.End()

	err := m.invalidate(ctx, tags, false)
	m.publish(ctx, Event{Op: OpInvalidate, Tags: tags})
	return err
}

func (m *Manager) invalidate(ctx context.Context, tags []string, localOnly bool) error {
	return m.each(ctx, "invalidate", localOnly, func(t Tier) error {
		if t.Adapter.SupportsTags() {
			return t.Adapter.InvalidateTags(ctx, tags)
		}
		m.logger.Info("Tier has no tag index, clearing it",
			zap.String("tier", t.Descriptor.Name), zap.Strings("tags", tags))
		m.stats.FallbackClears.Inc()
		return t.Adapter.Clear(ctx)
	})
}

// Clear empties every tier and resets access statistics.
func (m *Manager) Clear(ctx context.Context) error {
	if m.closed.Load() {
		return models.ErrClosed
	}

	ctx, span := m.tracer.Start(ctx, "Manager.Clear")
	defer span.End()

	m.stats.ResetAccess()
	err := m.each(ctx, "clear", false, func(t Tier) error {
		return t.Adapter.Clear(ctx)
	})
	m.publish(ctx, Event{Op: OpClear})
	return err
}

// each applies fn to every tier (or only unshared ones) best-effort. It fails
// only when every attempted tier failed.
func (m *Manager) each(ctx context.Context, op string, localOnly bool, fn func(Tier) error) error {
	var (
		attempted, failed int
		errs              error
	)
	for _, t := range m.tiers {
		if localOnly && t.Shared {
			continue
		}
		attempted++
		if err := fn(t); err != nil {
			failed++
			m.logger.Warn("Tier operation failed",
				zap.String("tier", t.Descriptor.Name), zap.String("op", op), zap.Error(err))
			errs = errors.CombineErrors(errs, err)
		}
	}
	if failed == 0 || failed < attempted {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return errors.Mark(errors.Wrapf(errs, "%s: every tier failed", op), models.ErrBackingStoreUnavailable)
}

// Close stops the broadcast listener and closes every tier.
func (m *Manager) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	if m.broadcaster != nil {
		m.broadcaster.Close()
	}

	var errs error
	for _, t := range m.tiers {
		if err := t.Adapter.Close(); err != nil {
			errs = errors.CombineErrors(errs, errors.Wrapf(err, "close tier %s", t.Descriptor.Name))
		}
	}
	return errs
}
