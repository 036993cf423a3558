package gateway

import (
	"math"
	"testing"
	"time"
)

func TestLatencyTracker_Empty(t *testing.T) {
	s := NewLatencyTracker(100).Summary()
	if s != (LatencySummary{}) {
		t.Errorf("empty tracker: got %+v", s)
	}
}

func TestLatencyTracker_SingleSample(t *testing.T) {
	lt := NewLatencyTracker(100)
	lt.Observe(42500 * time.Microsecond)

	s := lt.Summary()
	if s.Samples != 1 || s.P50Ms != 42.5 || s.P95Ms != 42.5 || s.P99Ms != 42.5 {
		t.Errorf("got %+v, want all 42.5", s)
	}
}

func TestLatencyTracker_Percentiles(t *testing.T) {
	lt := NewLatencyTracker(1000)
	for i := 1; i <= 100; i++ {
		lt.Observe(time.Duration(i) * time.Millisecond)
	}

	s := lt.Summary()
	if math.Abs(s.P50Ms-50.5) > 0.01 {
		t.Errorf("p50: got %f, want 50.5", s.P50Ms)
	}
	if math.Abs(s.P95Ms-95.05) > 0.01 {
		t.Errorf("p95: got %f, want 95.05", s.P95Ms)
	}
	if math.Abs(s.P99Ms-99.01) > 0.01 {
		t.Errorf("p99: got %f, want 99.01", s.P99Ms)
	}
}

func TestLatencyTracker_Wraparound(t *testing.T) {
	lt := NewLatencyTracker(10)
	for i := 0; i < 10; i++ {
		lt.Observe(time.Second)
	}
	for i := 0; i < 10; i++ {
		lt.Observe(time.Millisecond)
	}
	s := lt.Summary()
	if s.Samples != 10 || s.P99Ms != 1 {
		t.Errorf("old samples retained: %+v", s)
	}
}

func TestLatencyTracker_NegativeClamped(t *testing.T) {
	lt := NewLatencyTracker(10)
	lt.Observe(-time.Second)
	if s := lt.Summary(); s.P50Ms != 0 {
		t.Errorf("negative sample not clamped: %+v", s)
	}
}
