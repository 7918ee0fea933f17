package stampede

import (
	"math"
	"time"

	"goflare.io/strata/internal/config"
	"goflare.io/strata/internal/utils"
)

// AdaptiveTTL 根據訪問頻率動態調整 TTL
type AdaptiveTTL struct {
	enabled   bool
	minTTL    time.Duration
	maxTTL    time.Duration
	divisor   float64
	maxFactor float64
}

func NewAdaptiveTTL(cfg config.AdaptiveTTLConfig) AdaptiveTTL {
	a := AdaptiveTTL{
		enabled:   cfg.Enabled,
		minTTL:    cfg.MinTTL,
		maxTTL:    cfg.MaxTTL,
		divisor:   cfg.Divisor,
		maxFactor: cfg.MaxFactor,
	}
	if a.divisor <= 0 {
		a.divisor = 10
	}
	if a.maxFactor < 1 {
		a.maxFactor = 1
	}
	return a
}

// Factor returns min(1 + accessCount/divisor, maxFactor).
func (a AdaptiveTTL) Factor(accessCount uint64) float64 {
	return math.Min(1+float64(accessCount)/a.divisor, a.maxFactor)
}

// TTL scales base by Factor and clamps the result to [minTTL, maxTTL].
// A non-positive base means "no expiry" and is returned unchanged.
func (a AdaptiveTTL) TTL(base time.Duration, accessCount uint64) time.Duration {
	if !a.enabled || base <= 0 {
		return base
	}
	scaled := time.Duration(float64(base) * a.Factor(accessCount))
	return utils.Clamp(scaled, a.minTTL, a.maxTTL)
}
