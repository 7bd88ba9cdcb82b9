package utils

import (
	"testing"
	"time"
)

func TestLatencyTrackerPercentile(t *testing.T) {
	tracker := NewLatencyTracker(8)
	for i := 1; i <= 10; i++ {
		tracker.Observe(time.Duration(i) * time.Millisecond)
	}

	if got := tracker.Count(); got != 8 {
		t.Fatalf("expected tracker to cap at 8 samples, got %d", got)
	}
	// Oldest two samples (1ms, 2ms) were evicted.
	if got := tracker.Percentile(0); got != 3*time.Millisecond {
		t.Fatalf("expected min 3ms, got %v", got)
	}
	if got := tracker.Percentile(100); got != 10*time.Millisecond {
		t.Fatalf("expected max 10ms, got %v", got)
	}
	if got := tracker.Percentile(50); got < 3*time.Millisecond || got > 10*time.Millisecond {
		t.Fatalf("p50 out of range: %v", got)
	}
}

func TestLatencyTrackerEmpty(t *testing.T) {
	tracker := NewLatencyTracker(0)
	if got := tracker.Percentile(95); got != 0 {
		t.Fatalf("expected zero duration for empty tracker, got %v", got)
	}
}
