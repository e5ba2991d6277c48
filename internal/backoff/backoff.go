// Package backoff provides the retry pacing used by client-side loops.
package backoff

import "time"

// Policy computes the extra delay before a retry attempt. Failures below
// Threshold keep the caller's regular cadence; from Threshold on the delay
// doubles, starting at BaseDelay and capped at MaxDelay.
type Policy struct {
	Threshold int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// Default matches the pacing used by the presence tracker: the first two
// failures stay on the heartbeat cadence, the third waits 1s, then 2s,
// 4s ... capped at 30s.
func Default() Policy {
	return Policy{
		Threshold: 3,
		BaseDelay: time.Second,
		MaxDelay:  30 * time.Second,
	}
}

// Delay returns the wait before the given attempt, or zero when the attempt
// is below Threshold and the caller's own cadence applies. Attempt counts
// from 1.
func (p Policy) Delay(attempt int) time.Duration {
	threshold := p.Threshold
	if threshold <= 0 {
		threshold = 1
	}
	if attempt < threshold {
		return 0
	}
	base := p.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	d := base
	for i := threshold; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}
