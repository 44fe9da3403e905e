// Package testutil has helpers for tests that observe asynchronous state.
package testutil

import "time"

// Eventually polls condition until it returns true or timeout passes,
// reporting whether the condition was met. Callers fail the test with
// whatever context they hold when it reports false. The poll interval is
// derived from the timeout so short waits stay responsive and long waits
// stay cheap.
func Eventually(timeout time.Duration, condition func() bool) bool {
	interval := timeout / 200
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	if interval > 250*time.Millisecond {
		interval = 250 * time.Millisecond
	}

	deadline := time.Now().Add(timeout)
	for {
		if condition() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(interval)
	}
}
