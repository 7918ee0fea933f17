package models

import (
	"sort"
	"sync"

	"go.uber.org/atomic"
)

// TierCounters holds the counters of one tier.
type TierCounters struct {
	Hits   atomic.Int64
	Misses atomic.Int64
	Errors atomic.Int64
}

// Statistics 定義指標統計
//
// Counters live for the lifetime of the process and are never persisted.
type Statistics struct {
	maxTrackedKeys int64

	mu    sync.RWMutex
	tiers map[string]*TierCounters

	access  sync.Map // string -> *atomic.Uint64
	tracked atomic.Int64

	Computes       atomic.Int64
	BatchComputes  atomic.Int64
	LockAcquired   atomic.Int64
	LockContended  atomic.Int64
	Fallbacks      atomic.Int64
	Promotions     atomic.Int64
	FallbackClears atomic.Int64
	DroppedSamples atomic.Int64
}

// NewStatistics 創建新的 Statistics 實例. maxTrackedKeys bounds the per-key
// access table; zero means unbounded.
func NewStatistics(maxTrackedKeys int) *Statistics {
	return &Statistics{
		maxTrackedKeys: int64(maxTrackedKeys),
		tiers:          make(map[string]*TierCounters),
	}
}

// Tier returns the counters for the named tier, creating them on first use.
func (s *Statistics) Tier(name string) *TierCounters {
	s.mu.RLock()
	c, ok := s.tiers[name]
	s.mu.RUnlock()
	if ok {
		return c
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok = s.tiers[name]; ok {
		return c
	}
	c = &TierCounters{}
	s.tiers[name] = c
	return c
}

// RecordAccess increments the access counter of key and returns the new value.
// Once the table is full, untracked keys report 0.
func (s *Statistics) RecordAccess(key string) uint64 {
	if v, ok := s.access.Load(key); ok {
		return v.(*atomic.Uint64).Inc()
	}
	if s.maxTrackedKeys > 0 && s.tracked.Load() >= s.maxTrackedKeys {
		return 0
	}
	v, loaded := s.access.LoadOrStore(key, atomic.NewUint64(0))
	if !loaded {
		s.tracked.Inc()
	}
	return v.(*atomic.Uint64).Inc()
}

// AccessCount returns the number of recorded accesses of key.
func (s *Statistics) AccessCount(key string) uint64 {
	if v, ok := s.access.Load(key); ok {
		return v.(*atomic.Uint64).Load()
	}
	return 0
}

// ForgetKey drops the access counter of key.
func (s *Statistics) ForgetKey(key string) {
	if _, loaded := s.access.LoadAndDelete(key); loaded {
		s.tracked.Dec()
	}
}

// ResetAccess drops every access counter.
func (s *Statistics) ResetAccess() {
	s.access.Range(func(k, _ any) bool {
		s.ForgetKey(k.(string))
		return true
	})
}

// KeyAccess pairs a key with its access count.
type KeyAccess struct {
	Key   string
	Count uint64
}

// TopKeys returns up to n keys ordered by descending access count.
func (s *Statistics) TopKeys(n int) []KeyAccess {
	if n <= 0 {
		return nil
	}
	all := make([]KeyAccess, 0, s.tracked.Load())
	s.access.Range(func(k, v any) bool {
		all = append(all, KeyAccess{Key: k.(string), Count: v.(*atomic.Uint64).Load()})
		return true
	})
	sort.Slice(all, func(i, j int) bool {
		if all[i].Count == all[j].Count {
			return all[i].Key < all[j].Key
		}
		return all[i].Count > all[j].Count
	})
	if len(all) > n {
		all = all[:n]
	}
	return all
}

// TierSnapshot is a point-in-time copy of TierCounters.
type TierSnapshot struct {
	Hits   int64
	Misses int64
	Errors int64
}

// HitRatio returns hits / (hits + misses), or 0 without traffic.
func (t TierSnapshot) HitRatio() float64 {
	total := t.Hits + t.Misses
	if total == 0 {
		return 0
	}
	return float64(t.Hits) / float64(total)
}

// Snapshot is a point-in-time copy of Statistics.
type Snapshot struct {
	Tiers          map[string]TierSnapshot
	TrackedKeys    int64
	Computes       int64
	BatchComputes  int64
	LockAcquired   int64
	LockContended  int64
	Fallbacks      int64
	Promotions     int64
	FallbackClears int64
	DroppedSamples int64
}

// Snapshot copies the current counters.
func (s *Statistics) Snapshot() Snapshot {
	s.mu.RLock()
	tiers := make(map[string]TierSnapshot, len(s.tiers))
	for name, c := range s.tiers {
		tiers[name] = TierSnapshot{
			Hits:   c.Hits.Load(),
			Misses: c.Misses.Load(),
			Errors: c.Errors.Load(),
		}
	}
	s.mu.RUnlock()

	return Snapshot{
		Tiers:          tiers,
		TrackedKeys:    s.tracked.Load(),
		Computes:       s.Computes.Load(),
		BatchComputes:  s.BatchComputes.Load(),
		LockAcquired:   s.LockAcquired.Load(),
		LockContended:  s.LockContended.Load(),
		Fallbacks:      s.Fallbacks.Load(),
		Promotions:     s.Promotions.Load(),
		FallbackClears: s.FallbackClears.Load(),
		DroppedSamples: s.DroppedSamples.Load(),
	}
}
