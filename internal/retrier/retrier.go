package retrier

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

const (
	minMaxAttempts = 1
	minBaseDelay   = time.Millisecond
	minFactor      = 1.0
	maxJitter      = 1.0
)

// ExponentialBackoff grows the delay by factor on every attempt.
// LinearBackoff grows the delay by baseDelay on every attempt.
// FibonacciBackoff grows the delay along the Fibonacci sequence.
const (
	ExponentialBackoff BackoffStrategy = iota
	LinearBackoff
	FibonacciBackoff
)

var (
	// ErrInvalidMaxAttempts is returned when the max attempts parameter is invalid.
	ErrInvalidMaxAttempts = errors.New("max attempts must be at least 1")
	// ErrInvalidBaseDelay is returned when the base delay parameter is invalid.
	ErrInvalidBaseDelay = errors.New("base delay must be at least 1ms")
	// ErrInvalidFactor is returned when the factor parameter is invalid.
	ErrInvalidFactor = errors.New("factor must be at least 1.0")
	// ErrInvalidJitter is returned when the jitter parameter is invalid.
	ErrInvalidJitter = errors.New("jitter must be between 0 and 1")
)

// BackoffStrategy defines the strategy used for calculating backoff intervals in retry mechanisms.
type BackoffStrategy int

// Settings configures a Retrier.
type Settings struct {
	MaxAttempts int             `mapstructure:"max_attempts"`
	BaseDelay   time.Duration   `mapstructure:"base_delay"`
	MaxDelay    time.Duration   `mapstructure:"max_delay"`
	Factor      float64         `mapstructure:"factor"`
	Jitter      float64         `mapstructure:"jitter"`
	Strategy    BackoffStrategy `mapstructure:"strategy"`
}

// Retrier executes a function until it succeeds, returns a permanent error,
// or runs out of attempts.
type Retrier struct {
	settings Settings

	fibMu          sync.Mutex
	fibonacciCache []time.Duration

	// Retryable decides whether an error is worth another attempt.
	// When nil, IsTemporary is used.
	Retryable func(error) bool
}

// New creates a Retrier from settings.
func New(settings Settings, retryable func(error) bool) (*Retrier, error) {
	if settings.MaxAttempts < minMaxAttempts {
		return nil, ErrInvalidMaxAttempts
	}
	if settings.BaseDelay < minBaseDelay {
		return nil, ErrInvalidBaseDelay
	}
	if settings.Factor < minFactor {
		return nil, ErrInvalidFactor
	}
	if settings.Jitter < 0 || settings.Jitter > maxJitter {
		return nil, ErrInvalidJitter
	}
	if settings.MaxDelay < settings.BaseDelay {
		settings.MaxDelay = settings.BaseDelay
	}

	return &Retrier{
		settings:       settings,
		fibonacciCache: []time.Duration{settings.BaseDelay, settings.BaseDelay},
		Retryable:      retryable,
	}, nil
}

// Run executes fn with retries according to the Retrier's configuration.
func (r *Retrier) Run(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < r.settings.MaxAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}

		if !r.retryable(err) {
			return err
		}

		if attempt == r.settings.MaxAttempts-1 {
			break
		}

		timer := time.NewTimer(r.delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.WithSecondaryError(ctx.Err(), err)
		case <-timer.C:
		}
	}

	if r.settings.MaxAttempts == 1 {
		return err
	}
	return errors.Wrapf(err, "giving up after %d attempts", r.settings.MaxAttempts)
}

func (r *Retrier) retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if r.Retryable != nil {
		return r.Retryable(err)
	}
	return IsTemporary(err)
}

// delay computes the wait before the next attempt.
func (r *Retrier) delay(attempt int) time.Duration {
	var d float64

	switch r.settings.Strategy {
	case LinearBackoff:
		d = float64(r.settings.BaseDelay) * float64(attempt+1)
	case FibonacciBackoff:
		d = float64(r.fibonacci(attempt))
	default:
		d = float64(r.settings.BaseDelay) * math.Pow(r.settings.Factor, float64(attempt))
	}

	if d > float64(r.settings.MaxDelay) {
		d = float64(r.settings.MaxDelay)
	}

	d += rand.Float64() * r.settings.Jitter * d
	return time.Duration(d)
}

func (r *Retrier) fibonacci(attempt int) time.Duration {
	r.fibMu.Lock()
	defer r.fibMu.Unlock()

	for len(r.fibonacciCache) <= attempt {
		n := len(r.fibonacciCache)
		next := r.fibonacciCache[n-1] + r.fibonacciCache[n-2]
		if next > r.settings.MaxDelay {
			next = r.settings.MaxDelay
		}
		r.fibonacciCache = append(r.fibonacciCache, next)
	}
	return r.fibonacciCache[attempt]
}
