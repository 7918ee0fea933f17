package warming

import (
	"context"
	"time"
)

// Sink receives warmed values. The cache facade implements it.
type Sink[V any] interface {
	Set(ctx context.Context, key string, value V, ttl time.Duration, tags []string) error
}

// Strategy is one named, independently failable warming job.
type Strategy[V any] interface {
	ID() string
	Description() string
	// Priority orders strategies within a run; lower runs first.
	Priority() int
	Execute(ctx context.Context, sink Sink[V]) error
}

// Item is a value a strategy wants in the cache.
type Item[V any] struct {
	Key   string
	Value V
	TTL   time.Duration
	Tags  []string
}

// Func adapts a plain function into a Strategy.
type Func[V any] struct {
	Name  string
	About string
	Order int
	Run   func(ctx context.Context, sink Sink[V]) error
}

func (f Func[V]) ID() string          { return f.Name }
func (f Func[V]) Description() string { return f.About }
func (f Func[V]) Priority() int       { return f.Order }

func (f Func[V]) Execute(ctx context.Context, sink Sink[V]) error {
	return f.Run(ctx, sink)
}
