package telemetry

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"goflare.io/strata/internal/models"
	"goflare.io/strata/internal/tier"
)

// Observed decorates a tier with hit/miss/error counters and latency sampling.
type Observed struct {
	tier.Adapter
	recorder *Recorder
	counters *models.TierCounters
}

var _ tier.Adapter = (*Observed)(nil)

// Observe wraps a. Either recorder or stats may be nil.
func Observe(a tier.Adapter, recorder *Recorder, stats *models.Statistics) *Observed {
	o := &Observed{Adapter: a, recorder: recorder}
	if stats != nil {
		o.counters = stats.Tier(a.Name())
	}
	return o
}

// Unwrap returns the decorated tier.
func (o *Observed) Unwrap() tier.Adapter {
	return o.Adapter
}

func (o *Observed) sample(op, outcome string, start time.Time) {
	if o.recorder == nil {
		return
	}
	o.recorder.Record(Sample{
		Tier:     o.Name(),
		Op:       op,
		Outcome:  outcome,
		Duration: time.Since(start),
	})
}

func (o *Observed) failed(op string, start time.Time, err error) error {
	if err == nil {
		o.sample(op, OutcomeOK, start)
		return nil
	}
	if o.counters != nil && !errors.Is(err, models.ErrTagsUnsupported) {
		o.counters.Errors.Inc()
	}
	o.sample(op, OutcomeError, start)
	return err
}

func (o *Observed) Get(ctx context.Context, key string) (*models.Entry, bool, error) {
	start := time.Now()
	entry, found, err := o.Adapter.Get(ctx, key)
	switch {
	case err != nil:
		return nil, false, o.failed("get", start, err)
	case found:
		if o.counters != nil {
			o.counters.Hits.Inc()
		}
		o.sample("get", OutcomeHit, start)
	default:
		if o.counters != nil {
			o.counters.Misses.Inc()
		}
		o.sample("get", OutcomeMiss, start)
	}
	return entry, found, nil
}

func (o *Observed) Set(ctx context.Context, key string, entry *models.Entry, ttl time.Duration) error {
	start := time.Now()
	return o.failed("set", start, o.Adapter.Set(ctx, key, entry, ttl))
}

func (o *Observed) Delete(ctx context.Context, key string) error {
	start := time.Now()
	return o.failed("delete", start, o.Adapter.Delete(ctx, key))
}

func (o *Observed) Clear(ctx context.Context) error {
	start := time.Now()
	return o.failed("clear", start, o.Adapter.Clear(ctx))
}

func (o *Observed) InvalidateTags(ctx context.Context, tags []string) error {
	start := time.Now()
	return o.failed("invalidate", start, o.Adapter.InvalidateTags(ctx, tags))
}
