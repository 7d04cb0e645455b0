package services

import (
	"math"
	"time"
)

const DefaultRetryDelay = 10 * time.Second

// RetryPolicy controls how the coordinator re-attempts a queue that still
// holds actions after a drain pass.
//
// The zero value behaves like DefaultRetryPolicy: a fixed 10s cadence and no
// attempt limit.
type RetryPolicy struct {
	BaseDelay time.Duration
	// Multiplier grows the delay for every consecutive pass that hit a
	// network failure. Values below 1 mean a fixed delay.
	Multiplier float64
	MaxDelay   time.Duration
	// MaxAttempts drops an action after that many network failures. Zero
	// retries forever.
	MaxAttempts int
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{BaseDelay: DefaultRetryDelay, Multiplier: 1}
}

// Delay returns the wait before the next drain, round being the number of
// consecutive passes that ended with a network failure.
func (p RetryPolicy) Delay(round int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = DefaultRetryDelay
	}
	if round < 1 {
		round = 1
	}

	multiplier := p.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}

	delay := float64(base) * math.Pow(multiplier, float64(round-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if delay > float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

func (p RetryPolicy) Exhausted(attempts int) bool {
	return p.MaxAttempts > 0 && attempts >= p.MaxAttempts
}
