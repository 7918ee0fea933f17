package models

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordAccessIsMonotonic(t *testing.T) {
	s := NewStatistics(0)
	assert.Equal(t, uint64(0), s.AccessCount("k"))
	assert.Equal(t, uint64(1), s.RecordAccess("k"))
	assert.Equal(t, uint64(2), s.RecordAccess("k"))
	assert.Equal(t, uint64(2), s.AccessCount("k"))

	s.ForgetKey("k")
	assert.Equal(t, uint64(0), s.AccessCount("k"))
	assert.Equal(t, int64(0), s.Snapshot().TrackedKeys)
}

func TestRecordAccessConcurrent(t *testing.T) {
	s := NewStatistics(0)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				s.RecordAccess("hot")
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, uint64(1000), s.AccessCount("hot"))
	assert.Equal(t, int64(1), s.Snapshot().TrackedKeys)
}

func TestTrackedKeysBound(t *testing.T) {
	s := NewStatistics(2)
	s.RecordAccess("a")
	s.RecordAccess("b")
	assert.Equal(t, uint64(0), s.RecordAccess("c"))
	assert.Equal(t, uint64(2), s.RecordAccess("a"))
	assert.Equal(t, int64(2), s.Snapshot().TrackedKeys)
}

func TestTopKeys(t *testing.T) {
	s := NewStatistics(0)
	for i := 0; i < 5; i++ {
		for j := 0; j <= i; j++ {
			s.RecordAccess(fmt.Sprintf("k%d", i))
		}
	}
	top := s.TopKeys(3)
	require.Len(t, top, 3)
	assert.Equal(t, KeyAccess{Key: "k4", Count: 5}, top[0])
	assert.Equal(t, "k3", top[1].Key)
	assert.Equal(t, "k2", top[2].Key)
	assert.Nil(t, s.TopKeys(0))
}

func TestSnapshot(t *testing.T) {
	s := NewStatistics(0)
	s.Tier("local").Hits.Add(3)
	s.Tier("local").Misses.Inc()
	s.Tier("redis").Errors.Inc()
	s.Computes.Inc()
	s.RecordAccess("x")

	snap := s.Snapshot()
	assert.Equal(t, TierSnapshot{Hits: 3, Misses: 1}, snap.Tiers["local"])
	assert.InDelta(t, 0.75, snap.Tiers["local"].HitRatio(), 0.0001)
	assert.Equal(t, int64(1), snap.Tiers["redis"].Errors)
	assert.Zero(t, snap.Tiers["redis"].HitRatio())
	assert.Equal(t, int64(1), snap.Computes)

	s.ResetAccess()
	assert.Equal(t, int64(0), s.Snapshot().TrackedKeys)
}
