package resilience

import "time"

// ExponentialDelay returns base * 2^(attempt-1), capped. This is the policy
// for the persisted next_retry_at schedule on job and submission records:
// with base 2s and cap 30s the sequence is 2s, 4s, 8s.
func ExponentialDelay(base, cap time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = 2 * time.Second
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if cap > 0 && delay >= cap {
			return cap
		}
	}
	if cap > 0 && delay > cap {
		return cap
	}
	return delay
}
