package settlement

import "time"

// RetryPolicy is an explicit, testable retry schedule: exponential backoff
// from BaseDelay doubling up to MaxDelay, stopping after MaxAttempts.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultWebhookRetryPolicy retries at 0s, 2s, 4s, 8s, ... capped at 1m,
// for at most 8 attempts.
func DefaultWebhookRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 8, BaseDelay: 2 * time.Second, MaxDelay: time.Minute}
}

// Exhausted reports whether attempt (1-based, already performed) used up
// the budget.
func (p RetryPolicy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}

// Delay returns the wait before the given attempt. The first attempt is
// immediate.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	d := p.BaseDelay << (attempt - 2)
	if d <= 0 || d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}
