package system

import (
	"testing"
	"time"
)

// TestClockNowUTC ensures the clock returns UTC timestamps.
func TestClockNowUTC(t *testing.T) {
	t.Parallel()

	clk := New()
	before := time.Now().UTC().Add(-time.Second)
	got := clk.Now()
	after := time.Now().UTC().Add(time.Second)

	if got.Location() != time.UTC {
		t.Fatalf("expected UTC location, got %v", got.Location())
	}
	if got.Before(before) || got.After(after) {
		t.Fatalf("expected %v to be between %v and %v", got, before, after)
	}
}

func TestManualClock(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 5, 1, 23, 59, 0, 0, time.UTC)
	clk := NewManual(start)
	if !clk.Now().Equal(start) {
		t.Fatalf("expected %v, got %v", start, clk.Now())
	}
	clk.Advance(2 * time.Minute)
	if want := start.Add(2 * time.Minute); !clk.Now().Equal(want) {
		t.Fatalf("expected %v, got %v", want, clk.Now())
	}
	next := time.Date(2024, 6, 1, 0, 0, 0, 0, time.FixedZone("X", 3600))
	clk.Set(next)
	if clk.Now().Location() != time.UTC || !clk.Now().Equal(next) {
		t.Fatalf("expected %v in UTC, got %v", next, clk.Now())
	}
}
