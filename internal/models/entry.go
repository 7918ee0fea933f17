package models

import (
	"slices"
	"time"
)

// Entry represents a cache entry as held by a single tier.
//
// Every tier keeps its own copy; an entry is only ever replaced as a whole.
type Entry struct {
	Value       []byte    `msgpack:"v"`
	Tags        []string  `msgpack:"t,omitempty"`
	ExpiresAt   time.Time `msgpack:"e"`
	Compressed  bool      `msgpack:"c,omitempty"`
	AccessCount uint64    `msgpack:"a,omitempty"`
}

// NewEntry creates a new Entry that expires after ttl. A non-positive ttl
// produces an entry without an expiry of its own.
func NewEntry(value []byte, ttl time.Duration, tags []string) *Entry {
	e := &Entry{
		Value: value,
		Tags:  normalizeTags(tags),
	}
	if ttl > 0 {
		e.ExpiresAt = time.Now().Add(ttl)
	}
	return e
}

// IsExpired checks if the entry has expired.
func (e *Entry) IsExpired() bool {
	return !e.ExpiresAt.IsZero() && time.Now().After(e.ExpiresAt)
}

// Remaining returns the time left before expiry, or 0 when the entry never expires.
func (e *Entry) Remaining() time.Duration {
	if e.ExpiresAt.IsZero() {
		return 0
	}
	d := time.Until(e.ExpiresAt)
	if d < 0 {
		return 0
	}
	return d
}

// HasTag reports whether the entry carries tag.
func (e *Entry) HasTag(tag string) bool {
	return slices.Contains(e.Tags, tag)
}

// Clone returns a deep copy so tiers never alias each other's buffers.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	c := *e
	c.Value = slices.Clone(e.Value)
	c.Tags = slices.Clone(e.Tags)
	return &c
}

func normalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t != "" && !slices.Contains(out, t) {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
