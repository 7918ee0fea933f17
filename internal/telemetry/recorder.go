// Package telemetry samples per-tier latency and outcomes off the hot path
// and exports them as OpenTelemetry metrics.
package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"goflare.io/strata/internal/models"
)

// Outcomes attached to every sample.
const (
	OutcomeHit   = "hit"
	OutcomeMiss  = "miss"
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// Sample is one observed tier operation.
type Sample struct {
	Tier     string
	Op       string
	Outcome  string
	Duration time.Duration
}

// Recorder buffers samples in a bounded queue drained by a single goroutine.
// Record never blocks; samples that do not fit are dropped and counted.
type Recorder struct {
	samples  chan Sample
	done     chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
	stats    *models.Statistics
	ops      metric.Int64Counter
	duration metric.Float64Histogram
	logger   *zap.Logger
}

// NewRecorder creates the instruments on meter and starts draining.
func NewRecorder(meter metric.Meter, buffer int, stats *models.Statistics, logger *zap.Logger) (*Recorder, error) {
	if buffer <= 0 {
		buffer = 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ops, err := meter.Int64Counter(
		"strata.tier.operations",
		metric.WithDescription("Tier operations by outcome"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create operations counter")
	}

	duration, err := meter.Float64Histogram(
		"strata.tier.duration",
		metric.WithDescription("Tier operation latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create duration histogram")
	}

	r := &Recorder{
		samples:  make(chan Sample, buffer),
		done:     make(chan struct{}),
		stats:    stats,
		ops:      ops,
		duration: duration,
		logger:   logger,
	}
	r.wg.Add(1)
	go r.run()
	return r, nil
}

// Record enqueues s without blocking.
func (r *Recorder) Record(s Sample) {
	select {
	case <-r.done:
		return
	default:
	}

	select {
	case r.samples <- s:
	default:
		if r.stats != nil {
			r.stats.DroppedSamples.Inc()
		}
	}
}

func (r *Recorder) run() {
	defer r.wg.Done()
	for {
		select {
		case s := <-r.samples:
			r.export(s)
		case <-r.done:
			for {
				select {
				case s := <-r.samples:
					r.export(s)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) export(s Sample) {
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("tier", s.Tier),
		attribute.String("op", s.Op),
		attribute.String("outcome", s.Outcome),
	)
	r.ops.Add(ctx, 1, attrs)
	r.duration.Record(ctx, float64(s.Duration)/float64(time.Millisecond), attrs)
}

// Close stops accepting samples and flushes the queue.
func (r *Recorder) Close() {
	r.once.Do(func() {
		close(r.done)
		r.wg.Wait()
		r.logger.Debug("Telemetry recorder stopped")
	})
}
