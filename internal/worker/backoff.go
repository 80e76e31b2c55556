package worker

import "time"

// BackoffFunc returns the delay before a failed job's next attempt
// becomes dequeuable. attempt is the number of attempts already made
// (>= 1 when called).
type BackoffFunc func(attempt int) time.Duration

// ExponentialBackoff returns the default policy: base * 2^(attempt-1),
// capped so a misconfigured base cannot park jobs for hours.
func ExponentialBackoff(base, cap time.Duration) BackoffFunc {
	return func(attempt int) time.Duration {
		if attempt < 1 {
			attempt = 1
		}
		d := base << (attempt - 1)
		if d > cap || d < base {
			return cap
		}
		return d
	}
}
