package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFakeSchedulerFiresInDeadlineOrder(t *testing.T) {
	sched := NewFakeScheduler(testStart)

	var fired []string
	sched.Schedule(3*time.Second, func() { fired = append(fired, "c") })
	sched.Schedule(time.Second, func() { fired = append(fired, "a") })
	sched.Schedule(2*time.Second, func() { fired = append(fired, "b") })

	sched.Advance(5 * time.Second)
	assert.Equal(t, []string{"a", "b", "c"}, fired)
	assert.Equal(t, testStart.Add(5*time.Second), sched.Now())
}

func TestFakeSchedulerCancel(t *testing.T) {
	sched := NewFakeScheduler(testStart)

	var fired bool
	cancel := sched.Schedule(time.Second, func() { fired = true })
	cancel()

	sched.Advance(time.Minute)
	assert.False(t, fired)
	assert.Zero(t, sched.Pending())
}

func TestFakeSchedulerCallbackClock(t *testing.T) {
	// A firing callback observes the clock at its own deadline, and timers it
	// schedules fire within the same Advance when due.
	sched := NewFakeScheduler(testStart)

	var at []time.Time
	sched.Schedule(time.Second, func() {
		at = append(at, sched.Now())
		sched.Schedule(time.Second, func() {
			at = append(at, sched.Now())
		})
	})

	sched.Advance(3 * time.Second)
	assert.Equal(t, []time.Time{
		testStart.Add(time.Second),
		testStart.Add(2 * time.Second),
	}, at)
}
