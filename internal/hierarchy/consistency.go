package hierarchy

import "context"

type consistentReadKey struct{}

// WithConsistentRead marks ctx so that Get bypasses every tier, recomputes
// and writes the fresh value through. Compute callbacks can check the mark
// with IsConsistentRead to route their own query to a primary.
func WithConsistentRead(ctx context.Context) context.Context {
	return context.WithValue(ctx, consistentReadKey{}, true)
}

// IsConsistentRead reports whether ctx carries a consistent-read override.
func IsConsistentRead(ctx context.Context) bool {
	v, _ := ctx.Value(consistentReadKey{}).(bool)
	return v
}
