package transport

import "time"

// Retry tracks connection attempts for one link. It is only touched from
// the link's loop.
type Retry struct {
	BaseDelay      time.Duration
	MaxAttempts    int
	RescanInterval time.Duration

	attempts int
}

// Begin records the start of a connection attempt and returns its 1-based
// number.
func (r *Retry) Begin() int {
	r.attempts++
	return r.attempts
}

// Attempts returns the number of attempts since the last success.
func (r *Retry) Attempts() int { return r.attempts }

// Reset clears the attempt count after a successful connection.
func (r *Retry) Reset() { r.attempts = 0 }

// Next returns the delay before the next action after a failed attempt and
// whether that action is a full rescan rather than a reconnect.
func (r *Retry) Next() (delay time.Duration, rescan bool) {
	if r.attempts > r.MaxAttempts {
		return r.RescanInterval, true
	}
	return BackoffDelay(r.BaseDelay, r.attempts), false
}

// BackoffDelay returns base * 2^(attempt-1). Attempts below 1 count as 1.
func BackoffDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 30 {
		attempt = 30
	}
	return base << (attempt - 1)
}
