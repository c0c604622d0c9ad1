// Package backoff provides capped exponential retry delays. Callers
// persist the computed next-attempt time rather than holding timers, so
// retry state survives restarts and tests control the clock.
package backoff

import "time"

// Policy computes the delay before attempt n (0-based). Delay grows as
// Base·2^n and is clamped to Cap.
type Policy struct {
	Base time.Duration
	Cap  time.Duration
}

func (p Policy) Delay(attempt int) time.Duration {
	d := p.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.Cap {
			return p.Cap
		}
	}
	if d > p.Cap {
		return p.Cap
	}
	return d
}
