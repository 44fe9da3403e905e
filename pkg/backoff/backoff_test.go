package backoff

import (
	"testing"
	"time"
)

func TestSchedule_ZeroValueDefaults(t *testing.T) {
	t.Parallel()

	var s Schedule
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
	}

	for _, tt := range tests {
		if got := s.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestSchedule_CustomRate(t *testing.T) {
	t.Parallel()

	s := Schedule{Initial: time.Second, Rate: 1.5, Max: 10 * time.Second}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 1500 * time.Millisecond},
		{3, 2250 * time.Millisecond},
		{10, 10 * time.Second}, // capped
	}

	for _, tt := range tests {
		if got := s.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestSchedule_Cap(t *testing.T) {
	t.Parallel()

	s := Schedule{Initial: 50 * time.Millisecond, Rate: 2, Max: 300 * time.Millisecond}
	if got := s.Delay(3); got != 200*time.Millisecond {
		t.Errorf("Delay(3) = %v, want 200ms", got)
	}
	if got := s.Delay(4); got != 300*time.Millisecond {
		t.Errorf("Delay(4) = %v, want capped 300ms", got)
	}
	if got := s.Delay(20); got != 300*time.Millisecond {
		t.Errorf("Delay(20) = %v, want capped 300ms", got)
	}
}

func TestSchedule_AttemptFloor(t *testing.T) {
	t.Parallel()

	s := Schedule{Initial: 10 * time.Millisecond}
	if got := s.Delay(0); got != 10*time.Millisecond {
		t.Errorf("Delay(0) = %v, want 10ms", got)
	}
	if got := s.Delay(-3); got != 10*time.Millisecond {
		t.Errorf("Delay(-3) = %v, want 10ms", got)
	}
}

func TestSchedule_RateBelowOneUsesDefault(t *testing.T) {
	t.Parallel()

	// A shrinking schedule would retry hot; rates below 1 fall back to 2.0.
	s := Schedule{Initial: 100 * time.Millisecond, Rate: 0.5}
	if got := s.Delay(2); got != 200*time.Millisecond {
		t.Errorf("Delay(2) = %v, want 200ms", got)
	}
}
