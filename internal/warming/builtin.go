package warming

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"goflare.io/strata/internal/models"
	"goflare.io/strata/internal/tier"
	"goflare.io/strata/pkg/serialization"
)

// BatchStrategy loads a bounded data set and writes it in paced batches.
type BatchStrategy[V any] struct {
	Name  string
	About string
	Order int
	// Limit caps the number of items requested from Load.
	Limit int
	// BatchSize items are written before pausing for Pause.
	BatchSize int
	Pause     time.Duration
	Load      func(ctx context.Context, limit int) ([]Item[V], error)
}

func (b *BatchStrategy[V]) ID() string          { return b.Name }
func (b *BatchStrategy[V]) Description() string { return b.About }
func (b *BatchStrategy[V]) Priority() int       { return b.Order }

func (b *BatchStrategy[V]) Execute(ctx context.Context, sink Sink[V]) error {
	items, err := b.Load(ctx, b.Limit)
	if err != nil {
		return errors.Wrap(err, "load warming data")
	}
	if b.Limit > 0 && len(items) > b.Limit {
		items = items[:b.Limit]
	}
	return writeBatches(ctx, sink, items, b.BatchSize, b.Pause)
}

func writeBatches[V any](ctx context.Context, sink Sink[V], items []Item[V], batchSize int, pause time.Duration) error {
	if batchSize <= 0 {
		batchSize = len(items)
	}
	for i, item := range items {
		if i > 0 && i%batchSize == 0 && pause > 0 {
			timer := time.NewTimer(pause)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := sink.Set(ctx, item.Key, item.Value, item.TTL, item.Tags); err != nil {
			return err
		}
	}
	return nil
}

// HotKeyStrategy refreshes the most accessed keys of this process.
type HotKeyStrategy[V any] struct {
	Name  string
	Order int
	Stats *models.Statistics
	// TopN bounds how many keys are refreshed.
	TopN int
	// MinAccesses skips keys read fewer times.
	MinAccesses uint64
	TTL         time.Duration
	Load        func(ctx context.Context, keys []string) (map[string]V, error)
}

func (h *HotKeyStrategy[V]) ID() string          { return h.Name }
func (h *HotKeyStrategy[V]) Description() string { return "refresh the most read keys" }
func (h *HotKeyStrategy[V]) Priority() int       { return h.Order }

func (h *HotKeyStrategy[V]) Execute(ctx context.Context, sink Sink[V]) error {
	var keys []string
	for _, ka := range h.Stats.TopKeys(h.TopN) {
		if ka.Count >= h.MinAccesses {
			keys = append(keys, ka.Key)
		}
	}
	if len(keys) == 0 {
		return nil
	}

	values, err := h.Load(ctx, keys)
	if err != nil {
		return errors.Wrap(err, "load hot keys")
	}
	for _, key := range keys {
		value, ok := values[key]
		if !ok {
			continue
		}
		if err := sink.Set(ctx, key, value, h.TTL, nil); err != nil {
			return err
		}
	}
	return nil
}

// ReplayStrategy copies the most read entries of a persistent tier into the
// rest of the hierarchy, typically right after a restart.
type ReplayStrategy[V any] struct {
	Name   string
	Order  int
	Source tier.Ranker
	Codec  serialization.Codec[V]
	TopN   int
	// MaxTTL caps the ttl of replayed entries; entries keep their remaining lifetime otherwise.
	MaxTTL time.Duration
}

func (r *ReplayStrategy[V]) ID() string          { return r.Name }
func (r *ReplayStrategy[V]) Description() string { return "replay the most read persistent entries" }
func (r *ReplayStrategy[V]) Priority() int       { return r.Order }

func (r *ReplayStrategy[V]) Execute(ctx context.Context, sink Sink[V]) error {
	ranked, err := r.Source.TopEntries(ctx, r.TopN)
	if err != nil {
		return errors.Wrap(err, "rank persistent entries")
	}

	var decodeErrs error
	for _, item := range ranked {
		if item.Entry.IsExpired() {
			continue
		}
		value, err := r.Codec.Unmarshal(item.Entry.Value)
		if err != nil {
			decodeErrs = errors.CombineErrors(decodeErrs, errors.Wrapf(err, "decode %q", item.Key))
			continue
		}
		ttl := item.Entry.Remaining()
		if r.MaxTTL > 0 && (ttl <= 0 || ttl > r.MaxTTL) {
			ttl = r.MaxTTL
		}
		if err := sink.Set(ctx, item.Key, value, ttl, item.Entry.Tags); err != nil {
			return err
		}
	}
	return decodeErrs
}
