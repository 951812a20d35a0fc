package domain

import "time"

// RetryPolicy bounds local retries with exponential backoff. Both the
// fetcher and the submitter share this shape; values come from config.
type RetryPolicy struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
}

// Delay returns the backoff before the given attempt (attempt 1 is the
// first retry). The result grows by BackoffMultiplier per attempt and is
// capped at MaxBackoff.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	d := float64(p.InitialBackoff)
	for i := 1; i < attempt; i++ {
		d *= p.BackoffMultiplier
	}
	if max := float64(p.MaxBackoff); p.MaxBackoff > 0 && d > max {
		d = max
	}
	return time.Duration(d)
}
