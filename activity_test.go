package qsocket

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type countingTarget struct {
	heartbeats int
	expired    int
	onPing     func()
}

func (c *countingTarget) sendHeartbeat() {
	c.heartbeats++
	if c.onPing != nil {
		c.onPing()
	}
}

func (c *countingTarget) heartbeatExpired() { c.expired++ }

func newTestActivityTimer() (*activityTimer, *manualScheduler, *countingTarget) {
	sched := &manualScheduler{}
	target := &countingTarget{}
	return newActivityTimer(2*time.Minute, 30*time.Second, sched, target, discardLogger(), nil), sched, target
}

func TestActivityLeavesExactlyOnePendingPing(t *testing.T) {
	a, sched, target := newTestActivityTimer()

	for i := 0; i < 10; i++ {
		a.activity()
	}
	assert.Equal(t, 1, sched.pending())

	sched.Advance(2 * time.Minute)
	assert.Equal(t, 1, target.heartbeats)
}

func TestActivityPushesThePingBack(t *testing.T) {
	a, sched, target := newTestActivityTimer()

	a.activity()
	sched.Advance(time.Minute)
	a.activity()
	sched.Advance(time.Minute + 30*time.Second)
	assert.Equal(t, 0, target.heartbeats)

	sched.Advance(30 * time.Second)
	assert.Equal(t, 1, target.heartbeats)
}

func TestMissingPongExpiresOnce(t *testing.T) {
	a, sched, target := newTestActivityTimer()

	a.activity()
	sched.Advance(2 * time.Minute)
	assert.Equal(t, 1, target.heartbeats)
	assert.Equal(t, 1, sched.pending(), "pong deadline scheduled")

	sched.Advance(29 * time.Second)
	assert.Equal(t, 0, target.expired)

	sched.Advance(time.Second)
	assert.Equal(t, 1, target.expired)

	sched.Advance(time.Hour)
	assert.Equal(t, 1, target.expired)
	assert.Equal(t, 1, target.heartbeats)
}

func TestActivityCancelsPongDeadline(t *testing.T) {
	a, sched, target := newTestActivityTimer()

	a.activity()
	sched.Advance(2 * time.Minute)
	a.activity() // pong arrived
	sched.Advance(30 * time.Second)
	assert.Equal(t, 0, target.expired)
	assert.Equal(t, 1, sched.pending(), "only the next ping")
}

func TestActivityDuringPingSkipsPongDeadline(t *testing.T) {
	a, sched, target := newTestActivityTimer()
	target.onPing = a.activity

	a.activity()
	sched.Advance(2 * time.Minute)
	assert.Equal(t, 1, target.heartbeats)

	sched.Advance(30 * time.Second)
	assert.Equal(t, 0, target.expired)
}

func TestCancelTimeouts(t *testing.T) {
	a, sched, target := newTestActivityTimer()

	a.activity()
	sched.Advance(2 * time.Minute)
	a.cancelTimeouts()
	assert.Equal(t, 0, sched.pending())

	sched.Advance(time.Hour)
	assert.Equal(t, 0, target.expired)
	assert.Equal(t, 1, target.heartbeats)
}
