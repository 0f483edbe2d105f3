package timeutil

import (
	"testing"
	"time"
)

func TestMockClockAdvanceAndSet(t *testing.T) {
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	c := NewMockClock(base)

	if got := c.Now(); !got.Equal(base) {
		t.Errorf("Now() = %v, want %v", got, base)
	}

	c.Advance(250 * time.Millisecond)
	if got := c.Since(base); got != 250*time.Millisecond {
		t.Errorf("Since(base) = %v, want 250ms", got)
	}

	// Set may move backwards; replay rewinds segments.
	c.Set(base.Add(-time.Second))
	if got := c.Since(base); got != -time.Second {
		t.Errorf("Since(base) = %v after backwards Set, want -1s", got)
	}
}

func TestRealClockMonotonic(t *testing.T) {
	c := RealClock{}
	a := c.Now()
	b := c.Now()
	if b.Before(a) {
		t.Errorf("real clock went backwards: %v then %v", a, b)
	}
	if c.Since(a) < 0 {
		t.Error("Since returned a negative duration for a past time")
	}
}
