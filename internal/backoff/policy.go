// Package backoff computes retry delays for failed delivery attempts.
//
// The policy is a pure function of the retry count: base * multiplier^n,
// clamped to a maximum. It performs no I/O and holds no mutable state, so
// the syncer and daemon can share one value freely across goroutines.
package backoff

import (
	"math"
	"time"

	"snapsync/internal/config"
)

// Policy maps a retry count to an advisory delay before the next attempt.
type Policy struct {
	base       time.Duration
	multiplier float64
	max        time.Duration
}

// New constructs a policy. Zero or negative inputs fall back to a usable
// minimum rather than producing zero delays forever.
func New(base time.Duration, multiplier float64, max time.Duration) Policy {
	if base <= 0 {
		base = time.Second
	}
	if multiplier < 1 {
		multiplier = 1
	}
	if max < base {
		max = base
	}
	return Policy{base: base, multiplier: multiplier, max: max}
}

// FromConfig builds a policy from the backoff config section.
func FromConfig(cfg config.Backoff) Policy {
	return New(
		time.Duration(cfg.BaseDelayMS)*time.Millisecond,
		cfg.Multiplier,
		time.Duration(cfg.MaxDelayMS)*time.Millisecond,
	)
}

// Delay returns the advisory wait before attempting a record whose failed
// attempt count is retryCount. Monotonically non-decreasing in retryCount
// and capped at the configured maximum.
func (p Policy) Delay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	scaled := float64(p.base) * math.Pow(p.multiplier, float64(retryCount))
	if scaled >= float64(p.max) || math.IsInf(scaled, 1) {
		return p.max
	}
	return time.Duration(scaled)
}

// Max returns the delay cap.
func (p Policy) Max() time.Duration {
	return p.max
}
