package hierarchy

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"goflare.io/strata/internal/models"
)

// BatchComputeFunc produces the serialized values of missing keys. Keys absent
// from the result stay missing.
type BatchComputeFunc func(ctx context.Context, keys []string) (map[string][]byte, error)

// GetMultiple looks every key up through the tiers, then fills all misses
// with a single call to compute.
func (m *Manager) GetMultiple(ctx context.Context, keys []string, compute BatchComputeFunc, ttl time.Duration, tags []string) (map[string]*models.Entry, error) {
	if m.closed.Load() {
		return nil, models.ErrClosed
	}

	ctx, span := m.tracer.Start(ctx, "Manager.GetMultiple", trace.WithAttributes(attribute.Int("keyCount", len(keys))))
	defer span.End()

	found := make(map[string]*models.Entry, len(keys))
	missing := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))

	consistent := IsConsistentRead(ctx)
	for _, key := range keys {
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		m.stats.RecordAccess(key)

		if consistent {
			missing = append(missing, key)
			continue
		}
		if entry, ok := m.probe(ctx, key); ok {
			found[key] = entry
			continue
		}
		missing = append(missing, key)
	}

	span.SetAttributes(attribute.Int("missCount", len(missing)))
	if len(missing) == 0 || compute == nil {
		return found, nil
	}

	m.stats.BatchComputes.Inc()
	values, err := compute(ctx, missing)
	if err != nil {
		err = models.MarkComputeFailed(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "batch compute failed")
		return nil, err
	}

	for _, key := range missing {
		value, ok := values[key]
		if !ok {
			continue
		}
		entry := models.NewEntry(value, ttl, tags)
		entry.AccessCount = m.stats.AccessCount(key)
		if _, failed := m.writeThrough(ctx, key, entry, ttl, nil); failed > 0 {
			m.logger.Debug("Batch entry partially stored", zap.String("key", key), zap.Int("failedTiers", failed))
		}
		found[key] = entry
	}
	return found, nil
}

// probe returns the first hit across tiers, promoting it into faster tiers.
func (m *Manager) probe(ctx context.Context, key string) (*models.Entry, bool) {
	for i, t := range m.tiers {
		entry, found, err := t.Adapter.Get(ctx, key)
		if err != nil {
			m.logger.Warn("Tier read failed, treating as miss",
				zap.String("tier", t.Descriptor.Name), zap.String("key", key), zap.Error(err))
			continue
		}
		if found {
			trace.SpanFromContext(ctx).SetAttributes(attribute.String("tier", t.Descriptor.Name))
			if i > 0 {
				m.promote(ctx, key, entry, i)
			}
			return entry, true
		}
	}
	return nil, false
}
