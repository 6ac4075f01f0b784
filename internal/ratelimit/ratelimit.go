// Package ratelimit bounds how many events per hour may be admitted,
// independent of cost. State is process-local: a restart starts the bucket
// at its full burst allowance. The durable limits live in the cost ledger;
// this bucket only shapes request bursts.
package ratelimit

import (
	"golang.org/x/time/rate"
)

type Limiter struct {
	bucket *rate.Limiter
	burst  int
}

// New builds a token bucket with capacity burst, refilled at
// requestsPerHour/3600 tokens per second.
func New(requestsPerHour, burst int) *Limiter {
	if requestsPerHour <= 0 {
		requestsPerHour = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		bucket: rate.NewLimiter(rate.Limit(float64(requestsPerHour)/3600.0), burst),
		burst:  burst,
	}
}

// TryAcquire takes one token without blocking. A false result means "defer",
// not "reject"; callers retry on the next scheduling pass.
func (l *Limiter) TryAcquire() bool {
	return l.bucket.Allow()
}

// Saturation reports how full the limiter is: 0 when the bucket is full,
// approaching 1 as tokens run out. Read-only, for the observability surface.
func (l *Limiter) Saturation() float64 {
	available := l.bucket.Tokens()
	if available < 0 {
		available = 0
	}
	used := 1 - available/float64(l.burst)
	if used < 0 {
		return 0
	}
	if used > 1 {
		return 1
	}
	return used
}
