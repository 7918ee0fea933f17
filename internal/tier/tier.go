// Package tier defines the contract every physical cache store implements and
// ships the local, distributed and persistent adapters.
package tier

import (
	"context"
	"time"

	"goflare.io/strata/internal/models"
)

// Adapter wraps one backing store.
//
// Get reports a miss as (nil, false, nil); a non-nil error always means the
// store itself failed. Entries handed to Set are copied, never retained.
type Adapter interface {
	Name() string
	Get(ctx context.Context, key string) (*models.Entry, bool, error)
	Set(ctx context.Context, key string, entry *models.Entry, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error

	// SupportsTags reports whether InvalidateTags is backed by a tag index.
	SupportsTags() bool
	// InvalidateTags removes every entry carrying one of tags. Tiers without
	// a tag index return models.ErrTagsUnsupported.
	InvalidateTags(ctx context.Context, tags []string) error

	Close() error
}

// Ranked is an entry together with its logical key.
type Ranked struct {
	Key   string
	Entry *models.Entry
}

// Ranker is implemented by tiers that can list their most read entries.
type Ranker interface {
	TopEntries(ctx context.Context, n int) ([]Ranked, error)
}

// Descriptor is the static configuration of a tier inside a hierarchy.
type Descriptor struct {
	Name     string
	Priority int
	BaseTTL  time.Duration
	Enabled  bool
}
