// Package backoff provides exponential delay schedules for retry loops.
package backoff

import (
	"math"
	"time"
)

// Schedule describes an exponential backoff progression. The zero value is
// usable: attempt n waits Initial * Rate^(n-1), capped at Max.
type Schedule struct {
	Initial time.Duration // delay before the first retry (default: 100ms)
	Rate    float64       // growth factor between attempts (default: 2.0)
	Max     time.Duration // upper bound on any single delay (default: 30s)
}

const (
	defaultInitial = 100 * time.Millisecond
	defaultRate    = 2.0
	defaultMax     = 30 * time.Second
)

// Delay returns the wait before retry number attempt. Attempt 1 waits
// Initial; each further attempt multiplies by Rate. Attempts below 1 are
// treated as 1.
func (s Schedule) Delay(attempt int) time.Duration {
	initial := s.Initial
	if initial <= 0 {
		initial = defaultInitial
	}
	rate := s.Rate
	if rate < 1 {
		rate = defaultRate
	}
	ceiling := s.Max
	if ceiling <= 0 {
		ceiling = defaultMax
	}

	if attempt < 1 {
		attempt = 1
	}
	d := float64(initial) * math.Pow(rate, float64(attempt-1))
	if d > float64(ceiling) {
		return ceiling
	}
	return time.Duration(d)
}
