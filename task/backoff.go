package task

import "time"

// Policy computes the retry delay for a task family: exponential doubling
// from Base, capped at Max, never below Base. Pure and safe for concurrent
// use.
type Policy struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultPolicy is the observed production curve: 5 minutes doubling up to a
// 24 hour ceiling.
func DefaultPolicy() Policy {
	return Policy{Base: 5 * time.Minute, Max: 24 * time.Hour}
}

// Delay returns min(Base << retryCount, Max) with overflow protection.
func (p Policy) Delay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	// Beyond 62 doublings any int64 base has overflowed; the cap applies.
	if retryCount >= 62 {
		return p.Max
	}
	d := p.Base << uint(retryCount)
	if d < p.Base || d > p.Max {
		return p.Max
	}
	return d
}
