package engine

import "time"

const defaultFlushInterval = 180 * time.Millisecond

// FlushScheduler is the batching port between delta absorption and message
// commits: immediate in tests, interval-paced in a UI-bound runtime. It is
// an optimization only; Finalize always forces a synchronous flush.
type FlushScheduler interface {
	// Request notes that uncommitted data exists; true means commit now.
	Request(now time.Time) bool
	// ShouldFlush reports whether a deferred commit is due.
	ShouldFlush(now time.Time) bool
	MarkFlushed(now time.Time)
}

type immediateScheduler struct{}

// NewImmediateScheduler commits on every delta.
func NewImmediateScheduler() FlushScheduler {
	return immediateScheduler{}
}

func (immediateScheduler) Request(time.Time) bool     { return true }
func (immediateScheduler) ShouldFlush(time.Time) bool { return false }
func (immediateScheduler) MarkFlushed(time.Time)      {}

type throttledScheduler struct {
	minInterval time.Duration
	lastFlushed time.Time
	pending     bool
}

// NewThrottledScheduler batches commits to at most one per interval.
func NewThrottledScheduler(minInterval time.Duration) FlushScheduler {
	if minInterval <= 0 {
		minInterval = defaultFlushInterval
	}
	return &throttledScheduler{minInterval: minInterval}
}

func (s *throttledScheduler) Request(now time.Time) bool {
	if s.ready(now) {
		return true
	}
	s.pending = true
	return false
}

func (s *throttledScheduler) ShouldFlush(now time.Time) bool {
	return s.pending && s.ready(now)
}

func (s *throttledScheduler) MarkFlushed(now time.Time) {
	if now.IsZero() {
		now = time.Now()
	}
	s.pending = false
	s.lastFlushed = now
}

func (s *throttledScheduler) ready(now time.Time) bool {
	if now.IsZero() {
		now = time.Now()
	}
	if s.lastFlushed.IsZero() {
		return true
	}
	return now.Sub(s.lastFlushed) >= s.minInterval
}
