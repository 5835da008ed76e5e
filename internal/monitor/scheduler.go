// Package monitor implements the execution-telemetry reconciliation engine:
// the run registry and its adaptive poller, the trace reconciler with its
// candidate-identifier matching, and the session execution controller that
// ties them to a logical work session.
//
// All timing goes through the Scheduler abstraction so the poller, the
// reconciler, and the session safety timeout share one clock that tests can
// drive manually.
package monitor

import (
	"sync"
	"time"
)

// CancelFunc cancels a scheduled callback. Calling it after the callback
// has fired is a no-op.
type CancelFunc func()

// Scheduler arms one-shot callbacks and reports the current time.
type Scheduler interface {
	// Schedule runs fn once after d has elapsed.
	Schedule(d time.Duration, fn func()) CancelFunc

	// Now returns the scheduler's current time.
	Now() time.Time
}

// timerScheduler is the production Scheduler backed by the runtime timer
// heap.
type timerScheduler struct{}

// NewScheduler returns the production scheduler.
func NewScheduler() Scheduler {
	return timerScheduler{}
}

func (timerScheduler) Schedule(d time.Duration, fn func()) CancelFunc {
	t := time.AfterFunc(d, fn)
	return func() { t.Stop() }
}

func (timerScheduler) Now() time.Time {
	return time.Now()
}

// fakeTimer is one pending callback inside a FakeScheduler.
type fakeTimer struct {
	deadline  time.Time
	fn        func()
	cancelled bool
}

// FakeScheduler is a manually-driven Scheduler for tests. Time only moves
// when Advance is called; due callbacks fire in deadline order on the
// calling goroutine.
type FakeScheduler struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

// NewFakeScheduler creates a fake scheduler starting at the given time.
func NewFakeScheduler(start time.Time) *FakeScheduler {
	return &FakeScheduler{now: start}
}

func (f *FakeScheduler) Schedule(d time.Duration, fn func()) CancelFunc {
	f.mu.Lock()
	defer f.mu.Unlock()

	t := &fakeTimer{deadline: f.now.Add(d), fn: fn}
	f.timers = append(f.timers, t)
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		t.cancelled = true
	}
}

func (f *FakeScheduler) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the clock forward by d, firing every due timer in deadline
// order. Callbacks may schedule further timers; those fire too if they fall
// within the advanced window.
func (f *FakeScheduler) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	f.mu.Unlock()

	for {
		t := f.popDue(target)
		if t == nil {
			break
		}
		t.fn()
	}

	f.mu.Lock()
	f.now = target
	f.mu.Unlock()
}

// popDue removes and returns the earliest non-cancelled timer due at or
// before target, advancing the clock to its deadline.
func (f *FakeScheduler) popDue(target time.Time) *fakeTimer {
	f.mu.Lock()
	defer f.mu.Unlock()

	var best *fakeTimer
	bestIdx := -1
	for i, t := range f.timers {
		if t.cancelled || t.deadline.After(target) {
			continue
		}
		if best == nil || t.deadline.Before(best.deadline) {
			best = t
			bestIdx = i
		}
	}
	if best == nil {
		return nil
	}

	f.timers = append(f.timers[:bestIdx], f.timers[bestIdx+1:]...)
	if best.deadline.After(f.now) {
		f.now = best.deadline
	}
	return best
}

// Pending reports the number of armed, non-cancelled timers.
func (f *FakeScheduler) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0
	for _, t := range f.timers {
		if !t.cancelled {
			n++
		}
	}
	return n
}
