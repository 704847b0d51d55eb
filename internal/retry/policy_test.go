package retry

import (
	"testing"
	"time"
)

func TestBackoff(t *testing.T) {
	p := Policy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: 5 * time.Second, Multiplier: 2}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 0},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 5 * time.Second},
		{10, 5 * time.Second},
	}
	for _, tt := range tests {
		if got := p.Backoff(tt.attempt); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestBackoff_ZeroBaseDisablesDelay(t *testing.T) {
	p := Policy{MaxAttempts: 3}
	if got := p.Backoff(2); got != 0 {
		t.Errorf("Backoff = %v, want 0", got)
	}
}

func TestExhausted(t *testing.T) {
	p := Policy{MaxAttempts: 3}
	for attempts, want := range map[int]bool{0: false, 2: false, 3: true, 4: true} {
		if got := p.Exhausted(attempts); got != want {
			t.Errorf("Exhausted(%d) = %v, want %v", attempts, got, want)
		}
	}

	if (Policy{}).Attempts() != 3 {
		t.Errorf("zero policy attempts = %d, want 3", (Policy{}).Attempts())
	}
}

func TestWiden(t *testing.T) {
	p := DefaultSchedulePolicy()

	if got := p.Widen(time.Hour, 0); got != time.Hour {
		t.Errorf("Widen(1h, 0) = %v, want 1h", got)
	}
	if got := p.Widen(time.Hour, 1); got != 2*time.Hour {
		t.Errorf("Widen(1h, 1) = %v, want 2h", got)
	}
	if got := p.Widen(time.Hour, 3); got != 8*time.Hour {
		t.Errorf("Widen(1h, 3) = %v, want 8h", got)
	}
	if got := p.Widen(time.Hour, 40); got != 7*24*time.Hour {
		t.Errorf("Widen(1h, 40) = %v, want ceiling 168h", got)
	}
}

func TestWiden_BaseAboveCeiling(t *testing.T) {
	p := Policy{MaxDelay: time.Hour, Multiplier: 2}
	if got := p.Widen(3*time.Hour, 2); got != 3*time.Hour {
		t.Errorf("Widen = %v, want base 3h (never shorter than base)", got)
	}
}
