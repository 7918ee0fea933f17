package models

import "github.com/cockroachdb/errors"

// Error taxonomy shared by every layer of the cache.
var (
	// ErrBackingStoreUnavailable marks connection or timeout failures of a tier.
	ErrBackingStoreUnavailable = errors.New("cache: backing store unavailable")
	// ErrLockAcquisitionTimeout is reported when the regeneration lock could not be taken in time.
	ErrLockAcquisitionTimeout = errors.New("cache: lock acquisition timeout")
	// ErrComputeFailed marks errors returned by a caller supplied compute function.
	ErrComputeFailed = errors.New("cache: compute failed")
	// ErrSerialization marks values that could not be encoded or decoded.
	ErrSerialization = errors.New("cache: serialization failed")
	// ErrCompression marks values that could not be compressed or decompressed.
	ErrCompression = errors.New("cache: compression failed")
	// ErrTagsUnsupported is returned by tiers without a tag index.
	ErrTagsUnsupported = errors.New("cache: tier does not support tags")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("cache: closed")
)

// MarkUnavailable wraps a backing-store failure so that it matches ErrBackingStoreUnavailable.
func MarkUnavailable(err error, tier, op string) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Wrapf(err, "%s %s", tier, op), ErrBackingStoreUnavailable)
}

// MarkComputeFailed keeps the caller's error intact while also matching ErrComputeFailed.
func MarkComputeFailed(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, ErrComputeFailed)
}
