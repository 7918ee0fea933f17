package strata

import (
	"github.com/cockroachdb/errors"

	"goflare.io/strata/internal/hierarchy"
	"goflare.io/strata/internal/models"
	"goflare.io/strata/internal/warming"
)

// 錯誤分類; match with errors.Is.
var (
	ErrBackingStoreUnavailable = models.ErrBackingStoreUnavailable
	ErrLockAcquisitionTimeout  = models.ErrLockAcquisitionTimeout
	ErrComputeFailed           = models.ErrComputeFailed
	ErrSerialization           = models.ErrSerialization
	ErrCompression             = models.ErrCompression
	ErrTagsUnsupported         = models.ErrTagsUnsupported
	ErrClosed                  = models.ErrClosed
	ErrNoTiers                 = hierarchy.ErrNoTiers
	ErrStrategyNotFound        = warming.ErrStrategyNotFound
	ErrDuplicateStrategy       = warming.ErrDuplicateStrategy
	ErrStrategyPanicked        = warming.ErrStrategyPanicked

	// ErrNilCompute is returned by Get when no compute function is given.
	ErrNilCompute = errors.New("strata: compute function is required")
)
