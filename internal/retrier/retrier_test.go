package retrier

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type tempErr struct{}

func (tempErr) Error() string   { return "temporary" }
func (tempErr) Temporary() bool { return true }

func fastSettings(attempts int) Settings {
	return Settings{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Factor: 2}
}

func TestNewValidates(t *testing.T) {
	tests := []struct {
		name     string
		settings Settings
		want     error
	}{
		{"attempts", Settings{MaxAttempts: 0, BaseDelay: time.Millisecond, Factor: 1}, ErrInvalidMaxAttempts},
		{"delay", Settings{MaxAttempts: 1, BaseDelay: 0, Factor: 1}, ErrInvalidBaseDelay},
		{"factor", Settings{MaxAttempts: 1, BaseDelay: time.Millisecond, Factor: 0.5}, ErrInvalidFactor},
		{"jitter", Settings{MaxAttempts: 1, BaseDelay: time.Millisecond, Factor: 1, Jitter: 2}, ErrInvalidJitter},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.settings, nil)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestRunRetriesTemporaryErrors(t *testing.T) {
	r, err := New(fastSettings(3), nil)
	require.NoError(t, err)

	calls := 0
	err = r.Run(context.Background(), func() error {
		calls++
		if calls < 3 {
			return tempErr{}
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRunStopsOnPermanentError(t *testing.T) {
	r, err := New(fastSettings(5), nil)
	require.NoError(t, err)

	perm := errors.New("permanent")
	calls := 0
	err = r.Run(context.Background(), func() error {
		calls++
		return perm
	})
	assert.ErrorIs(t, err, perm)
	assert.Equal(t, 1, calls)
}

func TestRunGivesUp(t *testing.T) {
	r, err := New(fastSettings(2), func(error) bool { return true })
	require.NoError(t, err)

	calls := 0
	err = r.Run(context.Background(), func() error {
		calls++
		return errors.New("flaky")
	})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "giving up after 2 attempts")
	assert.Equal(t, 2, calls)
}

func TestRunHonoursContext(t *testing.T) {
	r, err := New(Settings{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: time.Second, Factor: 1}, func(error) bool { return true })
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = r.Run(ctx, func() error { return errors.New("flaky") })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDelayStrategies(t *testing.T) {
	base := Settings{MaxAttempts: 5, BaseDelay: 10 * time.Millisecond, MaxDelay: 100 * time.Millisecond, Factor: 2}

	exp, _ := New(base, nil)
	assert.Equal(t, 10*time.Millisecond, exp.delay(0))
	assert.Equal(t, 40*time.Millisecond, exp.delay(2))
	assert.Equal(t, 100*time.Millisecond, exp.delay(10))

	base.Strategy = LinearBackoff
	lin, _ := New(base, nil)
	assert.Equal(t, 30*time.Millisecond, lin.delay(2))

	base.Strategy = FibonacciBackoff
	fib, _ := New(base, nil)
	assert.Equal(t, 10*time.Millisecond, fib.delay(0))
	assert.Equal(t, 10*time.Millisecond, fib.delay(1))
	assert.Equal(t, 20*time.Millisecond, fib.delay(2))
	assert.Equal(t, 30*time.Millisecond, fib.delay(3))
	assert.Equal(t, 100*time.Millisecond, fib.delay(9))
}
