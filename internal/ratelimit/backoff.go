package ratelimit

import (
	"math"
	"math/rand"
	"time"
)

// BackoffPolicy computes the delay before a retried call, following
// spec.md §4.A: base 0.5s, factor 2, capped at 30s, plus uniform
// jitter in [0, 0.25x the computed delay). Shape mirrors the teacher's
// RetryPolicy (internal/gateway/retry.go) with the domain's own
// constants and jitter.
type BackoffPolicy struct {
	Base       time.Duration
	Factor     float64
	Cap        time.Duration
	JitterFrac float64
}

// DefaultBackoffPolicy returns spec.md's mandated constants.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		Base:       500 * time.Millisecond,
		Factor:     2.0,
		Cap:        30 * time.Second,
		JitterFrac: 0.25,
	}
}

// Delay returns the backoff delay for the given attempt (1-indexed),
// including jitter. attempt must be >= 1.
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	raw := float64(p.Base) * math.Pow(p.Factor, float64(attempt-1))
	if raw > float64(p.Cap) {
		raw = float64(p.Cap)
	}
	jitter := rand.Float64() * p.JitterFrac * raw
	return time.Duration(raw + jitter)
}
