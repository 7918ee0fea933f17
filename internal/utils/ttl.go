package utils

import "time"

// CapTTL limits ttl to ceiling. A non-positive ttl resolves to ceiling and a
// non-positive ceiling leaves ttl untouched.
func CapTTL(ttl, ceiling time.Duration) time.Duration {
	if ceiling <= 0 {
		return ttl
	}
	if ttl <= 0 || ttl > ceiling {
		return ceiling
	}
	return ttl
}

// Clamp bounds d to [lo, hi]. Zero bounds are ignored.
func Clamp(d, lo, hi time.Duration) time.Duration {
	if lo > 0 && d < lo {
		d = lo
	}
	if hi > 0 && d > hi {
		d = hi
	}
	return d
}
