package transport

import "time"

// Delay returns the backoff delay preceding reconnect attempt k:
// min(base * 2^(k-1), max). Attempts below 1 are treated as 1.
func Delay(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if max < base {
		max = base
	}
	if attempt < 1 {
		attempt = 1
	}
	shift := uint(attempt - 1)
	if shift > 31 {
		return max
	}
	d := base << shift
	if d <= 0 || d > max {
		return max
	}
	return d
}
