package tier

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/sony/gobreaker"

	"goflare.io/strata/internal/models"
	"goflare.io/strata/internal/retrier"
)

// guard runs store operations behind a circuit breaker and an optional retrier.
type guard struct {
	tier    string
	breaker *gobreaker.CircuitBreaker
	retrier *retrier.Retrier
	// expected reports errors that are answers rather than failures (e.g. a miss).
	expected func(error) bool
}

func newGuard(tier string, settings gobreaker.Settings, r *retrier.Retrier, expected func(error) bool) *guard {
	g := &guard{tier: tier, retrier: r, expected: expected}
	settings.IsSuccessful = func(err error) bool {
		return err == nil || g.isExpected(err) ||
			errors.Is(err, context.Canceled)
	}
	if settings.Name == "" {
		settings.Name = tier
	}
	g.breaker = gobreaker.NewCircuitBreaker(settings)
	return g
}

func (g *guard) isExpected(err error) bool {
	return g.expected != nil && g.expected(err)
}

// do executes fn. Expected errors are passed through untouched; every other
// failure is marked models.ErrBackingStoreUnavailable.
func (g *guard) do(ctx context.Context, op string, fn func() error) error {
	_, err := g.breaker.Execute(func() (any, error) {
		if g.retrier == nil {
			return nil, fn()
		}
		return nil, g.retrier.Run(ctx, fn)
	})
	if err == nil || g.isExpected(err) {
		return err
	}
	return models.MarkUnavailable(err, g.tier, op)
}

// once executes fn behind the breaker without retrying it.
func (g *guard) once(op string, fn func() error) error {
	_, err := g.breaker.Execute(func() (any, error) {
		return nil, fn()
	})
	if err == nil || g.isExpected(err) {
		return err
	}
	return models.MarkUnavailable(err, g.tier, op)
}

// State exposes the breaker state for diagnostics.
func (g *guard) State() gobreaker.State {
	return g.breaker.State()
}
