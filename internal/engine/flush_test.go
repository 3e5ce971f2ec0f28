package engine

import (
	"testing"
	"time"
)

func TestImmediateSchedulerAlwaysCommits(t *testing.T) {
	s := NewImmediateScheduler()
	now := time.Now()
	if !s.Request(now) {
		t.Fatalf("immediate scheduler must commit on every request")
	}
	if s.ShouldFlush(now) {
		t.Fatalf("immediate scheduler never defers")
	}
}

func TestThrottledSchedulerPacesCommits(t *testing.T) {
	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	s := NewThrottledScheduler(100 * time.Millisecond)

	if !s.Request(base) {
		t.Fatalf("first request must commit")
	}
	s.MarkFlushed(base)

	if s.Request(base.Add(50 * time.Millisecond)) {
		t.Fatalf("request inside the window must defer")
	}
	if s.ShouldFlush(base.Add(80 * time.Millisecond)) {
		t.Fatalf("deferred commit not due yet")
	}
	if !s.ShouldFlush(base.Add(120 * time.Millisecond)) {
		t.Fatalf("deferred commit due after the window")
	}
	s.MarkFlushed(base.Add(120 * time.Millisecond))
	if s.ShouldFlush(base.Add(130 * time.Millisecond)) {
		t.Fatalf("nothing pending after flush")
	}
}
