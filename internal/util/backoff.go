package util

import "time"

// Backoff returns the delay before retry attempt n (1-based): base doubled
// per attempt, capped at max. Attempt counts at or below zero get the base.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		return base
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
