package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStorageKeyIsStableAndFixedLength(t *testing.T) {
	a := StorageKey("strata", "wishlist:42")
	b := StorageKey("strata", "wishlist:42")
	assert.Equal(t, a, b)
	assert.Len(t, a, len("strata:")+storageKeyWidth)
	assert.NotEqual(t, a, StorageKey("strata", "wishlist:43"))

	long := StorageKey("", string(make([]byte, 4096)))
	assert.Len(t, long, storageKeyWidth)
}

func TestTTLHelpers(t *testing.T) {
	assert.Equal(t, time.Minute, CapTTL(time.Hour, time.Minute))
	assert.Equal(t, time.Second, CapTTL(time.Second, time.Minute))
	assert.Equal(t, time.Minute, CapTTL(0, time.Minute))
	assert.Equal(t, time.Hour, CapTTL(time.Hour, 0))

	assert.Equal(t, time.Minute, Clamp(time.Second, time.Minute, time.Hour))
	assert.Equal(t, time.Hour, Clamp(2*time.Hour, time.Minute, time.Hour))
	assert.Equal(t, 5*time.Minute, Clamp(5*time.Minute, time.Minute, time.Hour))
	assert.Equal(t, time.Second, Clamp(time.Second, 0, 0))
}
