package utils

import (
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// storageKeyWidth is the length of the hex digest produced by StorageKey.
const storageKeyWidth = 16

// StorageKey derives the fixed-length key a backing store uses for key.
// The result depends only on prefix and key, so every process maps the same
// logical key to the same storage key.
func StorageKey(prefix, key string) string {
	digest := strconv.FormatUint(xxhash.Sum64String(key), 16)
	for len(digest) < storageKeyWidth {
		digest = "0" + digest
	}
	if prefix == "" {
		return digest
	}
	return prefix + ":" + digest
}
